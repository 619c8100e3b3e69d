package types

import (
	"time"

	"gorm.io/datatypes"
)

// Exchange is one venue from the provider's exchange list.
type Exchange struct {
	Code         string    `gorm:"column:code;primaryKey" json:"code"`
	Name         string    `gorm:"column:name" json:"name"`
	OperatingMIC string    `gorm:"column:operating_mic" json:"operating_mic,omitempty"`
	Country      string    `gorm:"column:country" json:"country,omitempty"`
	Currency     string    `gorm:"column:currency" json:"currency,omitempty"`
	CreatedAt    time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt    time.Time `gorm:"not null" json:"updated_at"`
}

func (Exchange) TableName() string { return "exchange" }

// Symbol is one listed instrument on an exchange.
type Symbol struct {
	Ticker    string    `gorm:"column:ticker;primaryKey" json:"ticker"`
	Exchange  string    `gorm:"column:exchange;primaryKey;index" json:"exchange"`
	Name      string    `gorm:"column:name" json:"name"`
	Type      string    `gorm:"column:type" json:"type,omitempty"`
	Currency  string    `gorm:"column:currency" json:"currency,omitempty"`
	ISIN      string    `gorm:"column:isin" json:"isin,omitempty"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (Symbol) TableName() string { return "symbol" }

// EODPrice is one end-of-day bar.
type EODPrice struct {
	Ticker        string    `gorm:"column:ticker;primaryKey" json:"ticker"`
	Exchange      string    `gorm:"column:exchange;primaryKey" json:"exchange"`
	Date          string    `gorm:"column:date;primaryKey" json:"date"`
	Open          float64   `gorm:"column:open" json:"open"`
	High          float64   `gorm:"column:high" json:"high"`
	Low           float64   `gorm:"column:low" json:"low"`
	Close         float64   `gorm:"column:close" json:"close"`
	AdjustedClose float64   `gorm:"column:adjusted_close" json:"adjusted_close"`
	Volume        int64     `gorm:"column:volume" json:"volume"`
	CreatedAt     time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt     time.Time `gorm:"not null" json:"updated_at"`
}

func (EODPrice) TableName() string { return "eod_price" }

// FundamentalSnapshot stores the provider's fundamentals document verbatim;
// downstream consumers project what they need out of the JSON.
type FundamentalSnapshot struct {
	Ticker    string         `gorm:"column:ticker;primaryKey" json:"ticker"`
	Exchange  string         `gorm:"column:exchange;primaryKey" json:"exchange"`
	Data      datatypes.JSON `gorm:"column:data;type:jsonb" json:"data"`
	FetchedAt time.Time      `gorm:"column:fetched_at;not null" json:"fetched_at"`
	CreatedAt time.Time      `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time      `gorm:"not null" json:"updated_at"`
}

func (FundamentalSnapshot) TableName() string { return "fundamental_snapshot" }

// CorporateAction covers splits and dividends in one table, discriminated by
// Type.
type CorporateAction struct {
	Ticker    string    `gorm:"column:ticker;primaryKey" json:"ticker"`
	Exchange  string    `gorm:"column:exchange;primaryKey" json:"exchange"`
	Type      string    `gorm:"column:type;primaryKey" json:"type"`
	Date      string    `gorm:"column:date;primaryKey" json:"date"`
	Value     string    `gorm:"column:value" json:"value"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (CorporateAction) TableName() string { return "corporate_action" }

const (
	ActionSplit    = "split"
	ActionDividend = "dividend"
)

// MarketCapPoint is one dated market capitalisation observation.
type MarketCapPoint struct {
	Ticker    string    `gorm:"column:ticker;primaryKey" json:"ticker"`
	Exchange  string    `gorm:"column:exchange;primaryKey" json:"exchange"`
	Date      string    `gorm:"column:date;primaryKey" json:"date"`
	Value     float64   `gorm:"column:value" json:"value"`
	CreatedAt time.Time `gorm:"not null" json:"created_at"`
	UpdatedAt time.Time `gorm:"not null" json:"updated_at"`
}

func (MarketCapPoint) TableName() string { return "market_cap_point" }
