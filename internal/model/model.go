// Package model defines the core data structures for the cryptoinfo service.
package model

import (
	"math"
	"time"
)

// MarketRecord is an immutable snapshot of one asset's market fields as
// returned by the upstream markets endpoint for one polling cycle.
// This is the core data structure that flows through the entire application.
type MarketRecord struct {
	// ID is the upstream asset identifier, e.g. "bitcoin"
	ID string `json:"id"`

	// Name is the human-readable asset name, e.g. "Bitcoin"
	Name string `json:"name"`

	// Symbol is the ticker symbol, e.g. "btc"
	Symbol string `json:"symbol"`

	// CurrentPrice is the latest price in the requested fiat currency
	CurrentPrice float64 `json:"current_price"`

	// TotalVolume is the trailing 24h trade volume
	TotalVolume float64 `json:"total_volume"`

	// Percentage changes over the six requested horizons, in the
	// requested currency
	Change1h  float64 `json:"price_change_percentage_1h_in_currency"`
	Change24h float64 `json:"price_change_percentage_24h_in_currency"`
	Change7d  float64 `json:"price_change_percentage_7d_in_currency"`
	Change14d float64 `json:"price_change_percentage_14d_in_currency"`
	Change30d float64 `json:"price_change_percentage_30d_in_currency"`
	Change1y  float64 `json:"price_change_percentage_1y_in_currency"`

	// MarketCap is the total market capitalization
	MarketCap float64 `json:"market_cap"`

	// Supply figures
	CirculatingSupply float64 `json:"circulating_supply"`
	TotalSupply       float64 `json:"total_supply"`

	// Image is a URL to the asset's icon
	Image string `json:"image"`

	// All-time-high fields; the upstream omits these for some assets,
	// so absence is modeled explicitly rather than as zero values
	Ath       *float64 `json:"ath,omitempty"`
	AthDate   *string  `json:"ath_date,omitempty"`
	AthChange *float64 `json:"ath_change_percentage,omitempty"`

	// Rank is the market cap rank; absent for unranked assets
	Rank *int `json:"market_cap_rank,omitempty"`
}

// Valid reports whether the record is usable: it must carry an asset id
// and a finite price.
func (r MarketRecord) Valid() bool {
	return r.ID != "" && !math.IsNaN(r.CurrentPrice) && !math.IsInf(r.CurrentPrice, 0)
}

// ResultSet maps asset id to the record decoded for it in one cycle.
// A published ResultSet is never mutated; jobs replace it wholesale, so
// readers holding a reference always observe one coherent cycle.
type ResultSet map[string]MarketRecord

// BuildResultSet keys records by asset id. Later duplicates win, matching
// the upstream's own de-duplication behavior.
func BuildResultSet(records []MarketRecord) ResultSet {
	set := make(ResultSet, len(records))
	for _, r := range records {
		set[r.ID] = r
	}
	return set
}

// CycleInfo describes the outcome of a job's most recent polling cycle.
type CycleInfo struct {
	// LastAttempt is when the cycle last started a fetch
	LastAttempt time.Time `json:"last_attempt"`

	// LastSuccess is when a cycle last replaced the cache
	LastSuccess time.Time `json:"last_success,omitempty"`

	// Assets is the number of records currently cached
	Assets int `json:"assets"`
}
