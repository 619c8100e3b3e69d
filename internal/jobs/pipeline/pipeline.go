package pipeline

import (
	"fmt"
	"strings"
	"time"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/jobs/workflow"
	"github.com/khenlevy/stocksync-backend/internal/logger"
	"github.com/khenlevy/stocksync-backend/internal/marketdata"
	"github.com/khenlevy/stocksync-backend/internal/repos"
	"github.com/khenlevy/stocksync-backend/internal/utils"
)

// Job names as they appear in the catalogue and workflow definition.
const (
	JobSyncExchanges       = "sync_exchanges"
	JobSyncSymbols         = "sync_symbols"
	JobSyncFundamentals    = "sync_fundamentals"
	JobSyncSplitsDividends = "sync_splits_dividends"
	JobSyncEODPrices       = "sync_eod_prices"
	JobSyncMarketCap       = "sync_market_cap"
)

// Deps carries everything the sync jobs need. SymbolLimit bounds the number
// of symbols each per-symbol job walks in one cycle.
type Deps struct {
	Client      marketdata.Client
	Market      repos.MarketRepo
	Log         *logger.Logger
	Exchanges   []string
	SymbolLimit int
}

// DepsFromEnv fills the tunables from the environment.
func DepsFromEnv(client marketdata.Client, market repos.MarketRepo, log *logger.Logger) Deps {
	raw := utils.GetEnv("EODHD_EXCHANGES", "US", log)
	exchanges := []string{}
	for _, e := range strings.Split(raw, ",") {
		if e = strings.TrimSpace(e); e != "" {
			exchanges = append(exchanges, strings.ToUpper(e))
		}
	}
	return Deps{
		Client:      client,
		Market:      market,
		Log:         log.With("component", "Pipeline"),
		Exchanges:   exchanges,
		SymbolLimit: utils.GetEnvAsInt("EODHD_SYMBOL_LIMIT", 500, log),
	}
}

// Register adds every sync job to the catalogue.
func Register(cat *catalogue.Catalogue, deps Deps) error {
	entries := []catalogue.Entry{
		{
			Name:              JobSyncExchanges,
			DisplayName:       "Sync Exchanges",
			Description:       "Refresh the exchange list from the provider.",
			Category:          "reference",
			Scope:             "global",
			DataSource:        "eodhd",
			Priority:          1,
			EstimatedDuration: 30 * time.Second,
			Tags:              []string{"reference", "exchanges"},
			Func:              deps.syncExchanges,
		},
		{
			Name:              JobSyncSymbols,
			DisplayName:       "Sync Symbols",
			Description:       "Refresh the symbol list for every configured exchange.",
			Category:          "reference",
			Scope:             "exchange",
			DataSource:        "eodhd",
			Priority:          2,
			EstimatedDuration: 5 * time.Minute,
			Tags:              []string{"reference", "symbols"},
			Dependencies:      []string{JobSyncExchanges},
			Func:              deps.syncSymbols,
		},
		{
			Name:              JobSyncFundamentals,
			DisplayName:       "Sync Fundamentals",
			Description:       "Fetch the fundamentals document per symbol.",
			Category:          "fundamentals",
			Scope:             "symbol",
			DataSource:        "eodhd",
			Priority:          3,
			EstimatedDuration: 30 * time.Minute,
			Tags:              []string{"fundamentals"},
			Dependencies:      []string{JobSyncSymbols},
			Func:              deps.syncFundamentals,
		},
		{
			Name:              JobSyncSplitsDividends,
			DisplayName:       "Sync Splits & Dividends",
			Description:       "Fetch split and dividend history per symbol.",
			Category:          "corporate-actions",
			Scope:             "symbol",
			DataSource:        "eodhd",
			Priority:          3,
			EstimatedDuration: 20 * time.Minute,
			Tags:              []string{"splits", "dividends"},
			Dependencies:      []string{JobSyncSymbols},
			Func:              deps.syncSplitsDividends,
		},
		{
			Name:              JobSyncEODPrices,
			DisplayName:       "Sync EOD Prices",
			Description:       "Fetch end-of-day bars per symbol.",
			Category:          "prices",
			Scope:             "symbol",
			DataSource:        "eodhd",
			Priority:          4,
			EstimatedDuration: 45 * time.Minute,
			Tags:              []string{"prices", "eod"},
			Dependencies:      []string{JobSyncSymbols},
			Func:              deps.syncEODPrices,
		},
		{
			Name:              JobSyncMarketCap,
			DisplayName:       "Sync Market Cap",
			Description:       "Fetch historical market capitalisation per symbol.",
			Category:          "prices",
			Scope:             "symbol",
			DataSource:        "eodhd",
			Priority:          5,
			EstimatedDuration: 20 * time.Minute,
			Tags:              []string{"market-cap"},
			Dependencies:      []string{JobSyncEODPrices},
			Func:              deps.syncMarketCap,
		},
	}
	for _, e := range entries {
		if err := cat.Register(e); err != nil {
			return fmt.Errorf("register %s: %w", e.Name, err)
		}
	}
	return nil
}

// DefaultDefinition is the workflow used when no YAML file is configured.
// Fundamentals and corporate actions run as one parallel group; both only
// read the symbol table.
func DefaultDefinition(name string) workflow.Definition {
	return workflow.Definition{
		Name: name,
		Steps: []workflow.Step{
			{Name: "Exchanges", FunctionName: JobSyncExchanges},
			{Name: "Symbols", FunctionName: JobSyncSymbols},
			{Name: "Fundamentals", FunctionName: JobSyncFundamentals, ParallelGroup: "per-symbol"},
			{Name: "Splits & Dividends", FunctionName: JobSyncSplitsDividends, ParallelGroup: "per-symbol"},
			{Name: "EOD Prices", FunctionName: JobSyncEODPrices},
			{Name: "Market Cap", FunctionName: JobSyncMarketCap},
		},
	}
}
