package pipeline

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"testing"

	"gorm.io/gorm"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/marketdata"
	"github.com/khenlevy/stocksync-backend/internal/types"
)

// stubClient serves canned payloads per endpoint and records the calls.
type stubClient struct {
	responses map[string][]byte
	errs      map[string]error
	calls     []string
}

func (c *stubClient) Call(ctx context.Context, endpoint string, params url.Values) ([]byte, error) {
	c.calls = append(c.calls, endpoint)
	if err, ok := c.errs[endpoint]; ok {
		return nil, err
	}
	if body, ok := c.responses[endpoint]; ok {
		return body, nil
	}
	return nil, fmt.Errorf("unexpected endpoint %q", endpoint)
}

// memMarket implements repos.MarketRepo in memory.
type memMarket struct {
	exchanges    []types.Exchange
	symbols      []types.Symbol
	prices       []types.EODPrice
	fundamentals []*types.FundamentalSnapshot
	actions      []types.CorporateAction
	caps         []types.MarketCapPoint
}

func (m *memMarket) UpsertExchanges(ctx context.Context, tx *gorm.DB, rows []types.Exchange) error {
	m.exchanges = append(m.exchanges, rows...)
	return nil
}

func (m *memMarket) UpsertSymbols(ctx context.Context, tx *gorm.DB, rows []types.Symbol) error {
	m.symbols = append(m.symbols, rows...)
	return nil
}

func (m *memMarket) ListSymbols(ctx context.Context, tx *gorm.DB, exchange string, limit int) ([]types.Symbol, error) {
	out := []types.Symbol{}
	for _, s := range m.symbols {
		if s.Exchange != exchange {
			continue
		}
		out = append(out, s)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

func (m *memMarket) UpsertPrices(ctx context.Context, tx *gorm.DB, rows []types.EODPrice) error {
	m.prices = append(m.prices, rows...)
	return nil
}

func (m *memMarket) SaveFundamental(ctx context.Context, tx *gorm.DB, snap *types.FundamentalSnapshot) error {
	m.fundamentals = append(m.fundamentals, snap)
	return nil
}

func (m *memMarket) UpsertCorporateActions(ctx context.Context, tx *gorm.DB, rows []types.CorporateAction) error {
	m.actions = append(m.actions, rows...)
	return nil
}

func (m *memMarket) UpsertMarketCaps(ctx context.Context, tx *gorm.DB, rows []types.MarketCapPoint) error {
	m.caps = append(m.caps, rows...)
	return nil
}

func (m *memMarket) CountSymbols(ctx context.Context, tx *gorm.DB) (int64, error) {
	return int64(len(m.symbols)), nil
}

func testDeps(client *stubClient, market *memMarket) Deps {
	return Deps{
		Client:      client,
		Market:      market,
		Log:         logger.Nop(),
		Exchanges:   []string{"US"},
		SymbolLimit: 100,
	}
}

func noProgress(fraction float64, msg string) {}

func TestRegisterCoversDefaultDefinition(t *testing.T) {
	cat := catalogue.New()
	deps := testDeps(&stubClient{}, &memMarket{})
	if err := Register(cat, deps); err != nil {
		t.Fatalf("Register: %v", err)
	}

	def := DefaultDefinition("stock-data-sync")
	if err := def.Validate(cat); err != nil {
		t.Fatalf("default definition invalid: %v", err)
	}
	for _, name := range []string{
		JobSyncExchanges, JobSyncSymbols, JobSyncFundamentals,
		JobSyncSplitsDividends, JobSyncEODPrices, JobSyncMarketCap,
	} {
		entry, ok := cat.Lookup(name)
		if !ok {
			t.Fatalf("job %s not registered", name)
		}
		if entry.DisplayName == "" || entry.Description == "" || entry.DataSource == "" {
			t.Fatalf("job %s missing catalogue metadata", name)
		}
	}
}

func TestSyncExchangesUpserts(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"exchanges-list": []byte(`[
			{"Code":"US","Name":"US Exchanges","OperatingMIC":"XNAS","Country":"USA","Currency":"USD"},
			{"Code":"","Name":"broken row"}
		]`),
	}}
	market := &memMarket{}
	deps := testDeps(client, market)

	result, err := deps.syncExchanges(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncExchanges: %v", err)
	}
	if result["exchanges"] != 1 {
		t.Fatalf("result = %v", result)
	}
	if len(market.exchanges) != 1 || market.exchanges[0].Code != "US" {
		t.Fatalf("exchanges = %+v, rows without a code are dropped", market.exchanges)
	}
}

func TestSyncSymbolsPerExchange(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"exchange-symbol-list/US": []byte(`[
			{"Code":"AAPL","Name":"Apple Inc","Type":"Common Stock","Currency":"USD","Isin":"US0378331005"},
			{"Code":"MSFT","Name":"Microsoft","Type":"Common Stock","Currency":"USD"}
		]`),
	}}
	market := &memMarket{}
	deps := testDeps(client, market)

	result, err := deps.syncSymbols(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncSymbols: %v", err)
	}
	if result["symbols"] != 2 {
		t.Fatalf("result = %v", result)
	}
	if len(market.symbols) != 2 || market.symbols[0].Exchange != "US" {
		t.Fatalf("symbols = %+v", market.symbols)
	}
	if market.symbols[0].ISIN != "US0378331005" {
		t.Fatalf("isin = %q", market.symbols[0].ISIN)
	}
}

func TestSyncEODPricesWalksSymbols(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"eod/AAPL.US": []byte(`[{"date":"2026-01-02","open":1,"high":2,"low":0.5,"close":1.5,"adjusted_close":1.5,"volume":1000}]`),
		"eod/MSFT.US": []byte(`[{"date":"2026-01-02","open":10,"high":12,"low":9,"close":11,"adjusted_close":11,"volume":500}]`),
	}}
	market := &memMarket{symbols: []types.Symbol{
		{Ticker: "AAPL", Exchange: "US"},
		{Ticker: "MSFT", Exchange: "US"},
	}}
	deps := testDeps(client, market)

	result, err := deps.syncEODPrices(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncEODPrices: %v", err)
	}
	if result["symbols"] != 2 || result["bars"] != 2 {
		t.Fatalf("result = %v", result)
	}
	if len(market.prices) != 2 {
		t.Fatalf("prices = %d", len(market.prices))
	}
	if market.prices[0].Close != 1.5 {
		t.Fatalf("close = %v", market.prices[0].Close)
	}
}

func TestSyncFundamentalsSkipsInvalidPayload(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"fundamentals/AAPL.US": []byte(`{"General":{"Code":"AAPL"}}`),
		"fundamentals/BAD.US":  []byte(`<html>maintenance</html>`),
	}}
	market := &memMarket{symbols: []types.Symbol{
		{Ticker: "AAPL", Exchange: "US"},
		{Ticker: "BAD", Exchange: "US"},
	}}
	deps := testDeps(client, market)

	result, err := deps.syncFundamentals(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncFundamentals: %v", err)
	}
	if result["symbols"] != 2 {
		t.Fatalf("result = %v", result)
	}
	if len(market.fundamentals) != 1 || market.fundamentals[0].Ticker != "AAPL" {
		t.Fatalf("fundamentals = %+v, invalid payloads are skipped not stored", market.fundamentals)
	}
}

func TestSyncSplitsDividendsMergesBothEndpoints(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"div/AAPL.US":    []byte(`[{"date":"2026-02-10","value":0.25}]`),
		"splits/AAPL.US": []byte(`[{"date":"2025-06-01","split":"4.000000/1.000000"}]`),
	}}
	market := &memMarket{symbols: []types.Symbol{{Ticker: "AAPL", Exchange: "US"}}}
	deps := testDeps(client, market)

	result, err := deps.syncSplitsDividends(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncSplitsDividends: %v", err)
	}
	if result["actions"] != 2 {
		t.Fatalf("result = %v", result)
	}
	byType := map[string]int{}
	for _, a := range market.actions {
		byType[a.Type]++
	}
	if byType[types.ActionDividend] != 1 || byType[types.ActionSplit] != 1 {
		t.Fatalf("actions = %+v", market.actions)
	}
}

func TestSyncMarketCapDecodesDateKeyedMap(t *testing.T) {
	client := &stubClient{responses: map[string][]byte{
		"historical-market-capitalization/AAPL.US": []byte(`{
			"2026-01-02": {"date":"2026-01-02","value":2900000000000},
			"2026-01-03": {"date":"2026-01-03","value":2910000000000}
		}`),
	}}
	market := &memMarket{symbols: []types.Symbol{{Ticker: "AAPL", Exchange: "US"}}}
	deps := testDeps(client, market)

	result, err := deps.syncMarketCap(context.Background(), noProgress)
	if err != nil {
		t.Fatalf("syncMarketCap: %v", err)
	}
	if result["points"] != 2 {
		t.Fatalf("result = %v", result)
	}
	if len(market.caps) != 2 {
		t.Fatalf("caps = %d", len(market.caps))
	}
}

func TestQuotaErrorBubblesUnchanged(t *testing.T) {
	quota := &marketdata.QuotaError{Tag: marketdata.TagDailyLimit, Endpoint: "eod/AAPL.US", Err: errors.New("status 402")}
	client := &stubClient{errs: map[string]error{"eod/AAPL.US": quota}}
	market := &memMarket{symbols: []types.Symbol{{Ticker: "AAPL", Exchange: "US"}}}
	deps := testDeps(client, market)

	_, err := deps.syncEODPrices(context.Background(), noProgress)
	tag, ok := marketdata.IsQuota(err)
	if !ok || tag != marketdata.TagDailyLimit {
		t.Fatalf("err = %v, quota classification lost", err)
	}
}

func TestForEachSymbolHonoursContext(t *testing.T) {
	market := &memMarket{symbols: []types.Symbol{
		{Ticker: "AAPL", Exchange: "US"},
		{Ticker: "MSFT", Exchange: "US"},
	}}
	deps := testDeps(&stubClient{}, market)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	n, err := deps.forEachSymbol(ctx, noProgress, "eod", func(sym types.Symbol) error {
		t.Fatalf("visit called after cancellation")
		return nil
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v", err)
	}
	if n != 0 {
		t.Fatalf("visited = %d", n)
	}
}

func TestSymbolPathEscapes(t *testing.T) {
	got := symbolPath(types.Symbol{Ticker: "BRK.B", Exchange: "US"})
	if got != "BRK.B.US" {
		t.Fatalf("path = %q", got)
	}
	got = symbolPath(types.Symbol{Ticker: "A B", Exchange: "US"})
	if got != "A%20B.US" {
		t.Fatalf("path = %q", got)
	}
}
