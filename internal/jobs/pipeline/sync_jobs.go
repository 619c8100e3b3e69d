package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"

	"github.com/khenlevy/stocksync-backend/internal/jobs/catalogue"
	"github.com/khenlevy/stocksync-backend/internal/types"
	"gorm.io/datatypes"
)

type providerExchange struct {
	Code         string `json:"Code"`
	Name         string `json:"Name"`
	OperatingMIC string `json:"OperatingMIC"`
	Country      string `json:"Country"`
	Currency     string `json:"Currency"`
}

func (d Deps) syncExchanges(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	progress(0, "fetching exchange list")
	body, err := d.Client.Call(ctx, "exchanges-list", nil)
	if err != nil {
		return nil, err
	}
	var raw []providerExchange
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, fmt.Errorf("decode exchanges: %w", err)
	}

	rows := make([]types.Exchange, 0, len(raw))
	for _, e := range raw {
		if e.Code == "" {
			continue
		}
		rows = append(rows, types.Exchange{
			Code:         e.Code,
			Name:         e.Name,
			OperatingMIC: e.OperatingMIC,
			Country:      e.Country,
			Currency:     e.Currency,
		})
	}
	progress(0.8, fmt.Sprintf("upserting %d exchanges", len(rows)))
	if err := d.Market.UpsertExchanges(ctx, nil, rows); err != nil {
		return nil, fmt.Errorf("upsert exchanges: %w", err)
	}
	return map[string]any{"exchanges": len(rows)}, nil
}

type providerSymbol struct {
	Code     string `json:"Code"`
	Name     string `json:"Name"`
	Type     string `json:"Type"`
	Currency string `json:"Currency"`
	Isin     string `json:"Isin"`
}

func (d Deps) syncSymbols(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	total := 0
	for i, exchange := range d.Exchanges {
		progress(float64(i)/float64(len(d.Exchanges)), "fetching symbols for "+exchange)
		body, err := d.Client.Call(ctx, "exchange-symbol-list/"+exchange, nil)
		if err != nil {
			return nil, err
		}
		var raw []providerSymbol
		if err := json.Unmarshal(body, &raw); err != nil {
			return nil, fmt.Errorf("decode symbols for %s: %w", exchange, err)
		}
		rows := make([]types.Symbol, 0, len(raw))
		for _, s := range raw {
			if s.Code == "" {
				continue
			}
			rows = append(rows, types.Symbol{
				Ticker:   s.Code,
				Exchange: exchange,
				Name:     s.Name,
				Type:     s.Type,
				Currency: s.Currency,
				ISIN:     s.Isin,
			})
		}
		if err := d.Market.UpsertSymbols(ctx, nil, rows); err != nil {
			return nil, fmt.Errorf("upsert symbols for %s: %w", exchange, err)
		}
		total += len(rows)
	}
	return map[string]any{"symbols": total, "exchanges": len(d.Exchanges)}, nil
}

// forEachSymbol walks the synced symbols of every configured exchange,
// reporting progress per symbol. The visit error aborts the walk; quota
// errors bubble up and pause the cycle.
func (d Deps) forEachSymbol(ctx context.Context, progress catalogue.ProgressSink, label string, visit func(sym types.Symbol) error) (int, error) {
	visited := 0
	for _, exchange := range d.Exchanges {
		syms, err := d.Market.ListSymbols(ctx, nil, exchange, d.SymbolLimit)
		if err != nil {
			return visited, fmt.Errorf("list symbols for %s: %w", exchange, err)
		}
		for i, sym := range syms {
			if ctx.Err() != nil {
				return visited, ctx.Err()
			}
			progress(float64(i)/float64(len(syms)), fmt.Sprintf("%s %s.%s", label, sym.Ticker, sym.Exchange))
			if err := visit(sym); err != nil {
				return visited, err
			}
			visited++
		}
	}
	return visited, nil
}

func symbolPath(sym types.Symbol) string {
	return url.PathEscape(sym.Ticker + "." + sym.Exchange)
}

func (d Deps) syncFundamentals(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	n, err := d.forEachSymbol(ctx, progress, "fundamentals", func(sym types.Symbol) error {
		body, err := d.Client.Call(ctx, "fundamentals/"+symbolPath(sym), nil)
		if err != nil {
			return err
		}
		if !json.Valid(body) {
			d.Log.Warn("Skipping invalid fundamentals payload", "ticker", sym.Ticker, "exchange", sym.Exchange)
			return nil
		}
		return d.Market.SaveFundamental(ctx, nil, &types.FundamentalSnapshot{
			Ticker:   sym.Ticker,
			Exchange: sym.Exchange,
			Data:     datatypes.JSON(body),
		})
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbols": n}, nil
}

type providerDividend struct {
	Date  string  `json:"date"`
	Value float64 `json:"value"`
}

type providerSplit struct {
	Date  string `json:"date"`
	Split string `json:"split"`
}

func (d Deps) syncSplitsDividends(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	actions := 0
	n, err := d.forEachSymbol(ctx, progress, "actions", func(sym types.Symbol) error {
		divBody, err := d.Client.Call(ctx, "div/"+symbolPath(sym), nil)
		if err != nil {
			return err
		}
		var divs []providerDividend
		if err := json.Unmarshal(divBody, &divs); err != nil {
			return fmt.Errorf("decode dividends for %s: %w", sym.Ticker, err)
		}

		splitBody, err := d.Client.Call(ctx, "splits/"+symbolPath(sym), nil)
		if err != nil {
			return err
		}
		var splits []providerSplit
		if err := json.Unmarshal(splitBody, &splits); err != nil {
			return fmt.Errorf("decode splits for %s: %w", sym.Ticker, err)
		}

		rows := make([]types.CorporateAction, 0, len(divs)+len(splits))
		for _, dv := range divs {
			if dv.Date == "" {
				continue
			}
			rows = append(rows, types.CorporateAction{
				Ticker:   sym.Ticker,
				Exchange: sym.Exchange,
				Type:     types.ActionDividend,
				Date:     dv.Date,
				Value:    fmt.Sprintf("%g", dv.Value),
			})
		}
		for _, sp := range splits {
			if sp.Date == "" {
				continue
			}
			rows = append(rows, types.CorporateAction{
				Ticker:   sym.Ticker,
				Exchange: sym.Exchange,
				Type:     types.ActionSplit,
				Date:     sp.Date,
				Value:    sp.Split,
			})
		}
		actions += len(rows)
		return d.Market.UpsertCorporateActions(ctx, nil, rows)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbols": n, "actions": actions}, nil
}

type providerBar struct {
	Date          string  `json:"date"`
	Open          float64 `json:"open"`
	High          float64 `json:"high"`
	Low           float64 `json:"low"`
	Close         float64 `json:"close"`
	AdjustedClose float64 `json:"adjusted_close"`
	Volume        int64   `json:"volume"`
}

func (d Deps) syncEODPrices(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	bars := 0
	n, err := d.forEachSymbol(ctx, progress, "eod", func(sym types.Symbol) error {
		body, err := d.Client.Call(ctx, "eod/"+symbolPath(sym), nil)
		if err != nil {
			return err
		}
		var raw []providerBar
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("decode bars for %s: %w", sym.Ticker, err)
		}
		rows := make([]types.EODPrice, 0, len(raw))
		for _, b := range raw {
			if b.Date == "" {
				continue
			}
			rows = append(rows, types.EODPrice{
				Ticker:        sym.Ticker,
				Exchange:      sym.Exchange,
				Date:          b.Date,
				Open:          b.Open,
				High:          b.High,
				Low:           b.Low,
				Close:         b.Close,
				AdjustedClose: b.AdjustedClose,
				Volume:        b.Volume,
			})
		}
		bars += len(rows)
		return d.Market.UpsertPrices(ctx, nil, rows)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbols": n, "bars": bars}, nil
}

func (d Deps) syncMarketCap(ctx context.Context, progress catalogue.ProgressSink) (map[string]any, error) {
	points := 0
	n, err := d.forEachSymbol(ctx, progress, "market-cap", func(sym types.Symbol) error {
		body, err := d.Client.Call(ctx, "historical-market-capitalization/"+symbolPath(sym), nil)
		if err != nil {
			return err
		}
		// The endpoint keys entries by date.
		var raw map[string]struct {
			Date  string  `json:"date"`
			Value float64 `json:"value"`
		}
		if err := json.Unmarshal(body, &raw); err != nil {
			return fmt.Errorf("decode market cap for %s: %w", sym.Ticker, err)
		}
		rows := make([]types.MarketCapPoint, 0, len(raw))
		for date, p := range raw {
			if p.Date != "" {
				date = p.Date
			}
			rows = append(rows, types.MarketCapPoint{
				Ticker:   sym.Ticker,
				Exchange: sym.Exchange,
				Date:     date,
				Value:    p.Value,
			})
		}
		points += len(rows)
		return d.Market.UpsertMarketCaps(ctx, nil, rows)
	})
	if err != nil {
		return nil, err
	}
	return map[string]any{"symbols": n, "points": points}, nil
}
