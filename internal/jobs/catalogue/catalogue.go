package catalogue

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ProgressSink reports a fraction in [0,1] plus a human message for the
// running attempt.
type ProgressSink func(fraction float64, message string)

// JobFunc is the uniform signature every executable job satisfies. The result
// map becomes the record's success payload.
type JobFunc func(ctx context.Context, progress ProgressSink) (map[string]any, error)

// Entry describes one named job. The orchestrator consumes only Func; the
// remaining fields enrich status responses.
type Entry struct {
	Name              string
	DisplayName       string
	Description       string
	Category          string
	Scope             string
	DataSource        string
	Priority          int
	EstimatedDuration time.Duration
	Tags              []string
	Dependencies      []string
	Func              JobFunc
}

// Catalogue maps job names to typed executables. Unknown names surface as
// configuration errors at initialise time, not at cycle time.
type Catalogue struct {
	mu      sync.RWMutex
	entries map[string]Entry
}

func New() *Catalogue {
	return &Catalogue{entries: make(map[string]Entry)}
}

func (c *Catalogue) Register(e Entry) error {
	if strings.TrimSpace(e.Name) == "" {
		return fmt.Errorf("catalogue entry missing name")
	}
	if e.Func == nil {
		return fmt.Errorf("catalogue entry %q has nil func", e.Name)
	}
	if e.DisplayName == "" {
		e.DisplayName = e.Name
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, exists := c.entries[e.Name]; exists {
		return fmt.Errorf("catalogue entry already registered for %q", e.Name)
	}
	c.entries[e.Name] = e
	return nil
}

func (c *Catalogue) Lookup(name string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[name]
	return e, ok
}

func (c *Catalogue) Names() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]string, 0, len(c.entries))
	for name := range c.entries {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
