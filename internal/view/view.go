// Package view exposes per-asset read views over a job's cached records.
package view

import (
	"fmt"
	"strings"
	"time"

	"github.com/yourorg/cryptoinfo/internal/config"
	"github.com/yourorg/cryptoinfo/internal/model"
	"github.com/yourorg/cryptoinfo/internal/poll"
)

const slugPrefix = "cryptoinfo_"

// ResultView is the read surface for one asset of one job. It computes its
// value and attributes on demand from the job's cache; it holds no state of
// its own, so views stay valid across cycles and fetch failures.
type ResultView struct {
	job        *poll.Job
	assetID    string
	multiplier float64
	unit       string
	id         string
}

// Attributes is everything a view reports besides its value. Optional
// upstream fields stay nil when absent instead of degrading to zero.
type Attributes struct {
	ID          string    `json:"id"`
	Asset       string    `json:"asset"`
	Currency    string    `json:"currency"`
	Unit        string    `json:"unit,omitempty"`
	Multiplier  float64   `json:"multiplier"`
	EvaluatedAt time.Time `json:"evaluated_at"`
	Available   bool      `json:"available"`

	Name              string   `json:"name,omitempty"`
	Symbol            string   `json:"symbol,omitempty"`
	BasePrice         float64  `json:"base_price,omitempty"`
	Value             float64  `json:"value,omitempty"`
	TotalVolume       float64  `json:"total_volume,omitempty"`
	Change1h          float64  `json:"change_1h,omitempty"`
	Change24h         float64  `json:"change_24h,omitempty"`
	Change7d          float64  `json:"change_7d,omitempty"`
	Change14d         float64  `json:"change_14d,omitempty"`
	Change30d         float64  `json:"change_30d,omitempty"`
	Change1y          float64  `json:"change_1y,omitempty"`
	MarketCap         float64  `json:"market_cap,omitempty"`
	CirculatingSupply float64  `json:"circulating_supply,omitempty"`
	TotalSupply       float64  `json:"total_supply,omitempty"`
	Image             string   `json:"image,omitempty"`
	Ath               *float64 `json:"ath,omitempty"`
	AthDate           *string  `json:"ath_date,omitempty"`
	AthChange         *float64 `json:"ath_change,omitempty"`
	Rank              *int     `json:"rank,omitempty"`
}

// BuildViews creates one view per configured asset of the job, pairing each
// asset id with its display multiplier by position.
func BuildViews(job *poll.Job, cfg config.JobConfig) ([]*ResultView, error) {
	multipliers, err := cfg.MultiplierList()
	if err != nil {
		return nil, err
	}
	assets := cfg.AssetList()

	views := make([]*ResultView, 0, len(assets))
	for i, asset := range assets {
		views = append(views, &ResultView{
			job:        job,
			assetID:    asset,
			multiplier: multipliers[i],
			unit:       cfg.Unit,
			id:         Slug(cfg.Name, asset, cfg.Currency),
		})
	}
	return views, nil
}

// Slug derives the stable view identifier. It depends only on configuration,
// never on fetched data, so ids survive restarts and upstream renames.
func Slug(job, asset, currency string) string {
	return slugPrefix + fmt.Sprintf("%s_%s_%s",
		sanitize(job), sanitize(asset), sanitize(currency))
}

// sanitize lowercases s and collapses runs of non-alphanumerics into single
// underscores.
func sanitize(s string) string {
	var b strings.Builder
	lastUnderscore := false
	for _, r := range strings.ToLower(strings.TrimSpace(s)) {
		if (r >= 'a' && r <= 'z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
			lastUnderscore = false
			continue
		}
		if !lastUnderscore && b.Len() > 0 {
			b.WriteByte('_')
			lastUnderscore = true
		}
	}
	return strings.TrimRight(b.String(), "_")
}

// ID returns the view's stable identifier.
func (v *ResultView) ID() string {
	return v.id
}

// AssetID returns the upstream asset id the view reports on.
func (v *ResultView) AssetID() string {
	return v.assetID
}

// Multiplier returns the view's display multiplier.
func (v *ResultView) Multiplier() float64 {
	return v.multiplier
}

// Value returns the asset's cached price times the display multiplier. The
// second return is false when the job has no record for the asset, which
// covers both "no successful cycle yet" and "upstream stopped returning
// this asset".
func (v *ResultView) Value() (float64, bool) {
	record, ok := v.record()
	if !ok {
		return 0, false
	}
	return record.CurrentPrice * v.multiplier, true
}

// Attributes reports the view's full attribute set. All fields derive from
// a single cache snapshot, so they describe one coherent cycle even while a
// new cycle is publishing.
func (v *ResultView) Attributes() Attributes {
	record, ok := v.record()

	attrs := Attributes{
		ID:          v.id,
		Asset:       v.assetID,
		Currency:    v.job.Currency(),
		Unit:        v.unit,
		Multiplier:  v.multiplier,
		EvaluatedAt: time.Now(),
		Available:   ok,
	}
	if !ok {
		return attrs
	}

	attrs.Name = record.Name
	attrs.Symbol = record.Symbol
	attrs.BasePrice = record.CurrentPrice
	attrs.Value = record.CurrentPrice * v.multiplier
	attrs.TotalVolume = record.TotalVolume
	attrs.Change1h = record.Change1h
	attrs.Change24h = record.Change24h
	attrs.Change7d = record.Change7d
	attrs.Change14d = record.Change14d
	attrs.Change30d = record.Change30d
	attrs.Change1y = record.Change1y
	attrs.MarketCap = record.MarketCap
	attrs.CirculatingSupply = record.CirculatingSupply
	attrs.TotalSupply = record.TotalSupply
	attrs.Image = record.Image
	attrs.Ath = record.Ath
	attrs.AthDate = record.AthDate
	attrs.AthChange = record.AthChange
	attrs.Rank = record.Rank
	return attrs
}

func (v *ResultView) record() (model.MarketRecord, bool) {
	record, ok := v.job.Snapshot()[v.assetID]
	return record, ok
}
