package marketdata

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/utils"
)

// TagDailyLimit is the pause condition raised when the provider reports its
// daily request quota exhausted.
const TagDailyLimit = "EODHD_DAILY_LIMIT"

// QuotaError marks a call rejected because the provider quota is exhausted.
// The executor treats it as a cycle-level pause, never as a retry.
type QuotaError struct {
	Tag      string
	Endpoint string
	Err      error
}

func (e *QuotaError) Error() string {
	return fmt.Sprintf("provider quota exhausted (%s) on %s: %v", e.Tag, e.Endpoint, e.Err)
}

func (e *QuotaError) Unwrap() error { return e.Err }

// IsQuota reports whether err is (or wraps) a quota exhaustion, returning its
// condition tag.
func IsQuota(err error) (string, bool) {
	var qe *QuotaError
	if errors.As(err, &qe) {
		return qe.Tag, true
	}
	return "", false
}

// QuotaSink receives quota state changes. The cycle controller implements it
// to pause and auto-resume the cycled list.
type QuotaSink interface {
	QuotaExceeded(tag string)
	QuotaCleared(tag string)
}

// Client is the opaque market-data callable job functions run against.
type Client interface {
	Call(ctx context.Context, endpoint string, params url.Values) ([]byte, error)
}

// HTTPClient talks to the EODHD REST API. It owns its rate-limit queue and the
// quota detection that drives automatic cycle pauses.
type HTTPClient struct {
	log     *logger.Logger
	http    *http.Client
	limiter *rate.Limiter
	baseURL string
	token   string
	sink    QuotaSink

	mu        sync.Mutex
	quotaDown map[string]bool
}

func NewHTTPClient(log *logger.Logger, sink QuotaSink) *HTTPClient {
	baseURL := utils.GetEnv("EODHD_BASE_URL", "https://eodhd.com/api", log)
	token := utils.GetEnv("EODHD_API_TOKEN", "", log)
	perMinute := utils.GetEnvAsInt("EODHD_REQUESTS_PER_MINUTE", 900, log)
	burst := utils.GetEnvAsInt("EODHD_BURST", 10, log)
	if perMinute < 1 {
		perMinute = 1
	}
	if burst < 1 {
		burst = 1
	}
	return &HTTPClient{
		log:       log.With("service", "MarketDataClient"),
		http:      &http.Client{Timeout: 60 * time.Second},
		limiter:   rate.NewLimiter(rate.Limit(float64(perMinute)/60.0), burst),
		baseURL:   strings.TrimRight(baseURL, "/"),
		token:     token,
		sink:      sink,
		quotaDown: map[string]bool{},
	}
}

// SetSink late-binds the quota sink. The cycle controller is constructed
// after the client because the job catalogue sits between them.
func (c *HTTPClient) SetSink(sink QuotaSink) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sink = sink
}

func (c *HTTPClient) currentSink() QuotaSink {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sink
}

// Call performs one GET against the provider. It waits on the rate limiter
// first, so concurrent jobs share one request queue.
func (c *HTTPClient) Call(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, err
	}
	if params == nil {
		params = url.Values{}
	}
	params.Set("api_token", c.token)
	if params.Get("fmt") == "" {
		params.Set("fmt", "json")
	}
	u := c.baseURL + "/" + strings.TrimLeft(endpoint, "/") + "?" + params.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("call %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", endpoint, err)
	}

	if quotaExhausted(resp.StatusCode, body) {
		qe := &QuotaError{
			Tag:      TagDailyLimit,
			Endpoint: endpoint,
			Err:      fmt.Errorf("status %d", resp.StatusCode),
		}
		c.reportExceeded(qe.Tag)
		return nil, qe
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("call %s: status %d: %s", endpoint, resp.StatusCode, truncate(body, 256))
	}

	c.reportCleared(TagDailyLimit)
	return body, nil
}

// quotaExhausted classifies the provider's quota responses: payment-required
// and too-many-requests statuses, plus the textual daily-limit message the API
// returns with a 200-range status.
func quotaExhausted(status int, body []byte) bool {
	if status == http.StatusPaymentRequired || status == http.StatusTooManyRequests {
		return true
	}
	lowered := strings.ToLower(string(body))
	return strings.Contains(lowered, "exceeded your daily api requests limit")
}

func (c *HTTPClient) reportExceeded(tag string) {
	c.mu.Lock()
	already := c.quotaDown[tag]
	c.quotaDown[tag] = true
	c.mu.Unlock()
	if already {
		return
	}
	c.log.Warn("Provider quota exhausted", "tag", tag)
	if sink := c.currentSink(); sink != nil {
		sink.QuotaExceeded(tag)
	}
}

func (c *HTTPClient) reportCleared(tag string) {
	c.mu.Lock()
	wasDown := c.quotaDown[tag]
	delete(c.quotaDown, tag)
	c.mu.Unlock()
	if !wasDown {
		return
	}
	c.log.Info("Provider quota cleared", "tag", tag)
	if sink := c.currentSink(); sink != nil {
		sink.QuotaCleared(tag)
	}
}

func truncate(b []byte, n int) string {
	s := string(b)
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
