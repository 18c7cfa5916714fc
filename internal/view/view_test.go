package view

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yourorg/cryptoinfo/internal/config"
	"github.com/yourorg/cryptoinfo/internal/health"
	"github.com/yourorg/cryptoinfo/internal/model"
	"github.com/yourorg/cryptoinfo/internal/poll"
	"github.com/yourorg/cryptoinfo/internal/ratelimit"
)

type staticFetcher struct {
	records []model.MarketRecord
}

func (f *staticFetcher) Markets(ctx context.Context, assetIDs []string, currency string) ([]model.MarketRecord, error) {
	return f.records, nil
}

// newCachedJob starts a job whose cache holds records and stops it on
// test cleanup.
func newCachedJob(t *testing.T, cfg config.JobConfig, records []model.MarketRecord) *poll.Job {
	t.Helper()

	limiter := ratelimit.New(100, time.Minute, 0)
	job, err := poll.NewJob(cfg, limiter, &staticFetcher{records: records}, health.New(cfg.Name, 3))
	require.NoError(t, err)

	job.Start(context.Background())
	t.Cleanup(job.Stop)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if len(job.Snapshot()) == len(records) {
			return job
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("job never cached its records")
	return nil
}

func TestSlug(t *testing.T) {
	tests := []struct {
		job      string
		asset    string
		currency string
		expected string
	}{
		{"main", "bitcoin", "usd", "cryptoinfo_main_bitcoin_usd"},
		{"My Portfolio", "shiba-inu", "EUR", "cryptoinfo_my_portfolio_shiba_inu_eur"},
		{"  spaced  ", "bitcoin", "usd", "cryptoinfo_spaced_bitcoin_usd"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.expected, Slug(tt.job, tt.asset, tt.currency))
	}
}

func TestBuildViews_PairsAssetsWithMultipliers(t *testing.T) {
	cfg := config.JobConfig{
		Name:            "wallet",
		AssetIDs:        "bitcoin, ethereum",
		Currency:        "usd",
		Multipliers:     "0.5, 12",
		IntervalMinutes: 0.0005,
	}
	job := newCachedJob(t, cfg, []model.MarketRecord{
		{ID: "bitcoin", CurrentPrice: 64000},
		{ID: "ethereum", CurrentPrice: 3400},
	})

	views, err := BuildViews(job, cfg)
	require.NoError(t, err)
	require.Len(t, views, 2)

	assert.Equal(t, "bitcoin", views[0].AssetID())
	assert.Equal(t, 0.5, views[0].Multiplier())
	assert.Equal(t, "cryptoinfo_wallet_bitcoin_usd", views[0].ID())
	assert.Equal(t, "ethereum", views[1].AssetID())
	assert.Equal(t, 12.0, views[1].Multiplier())
}

func TestBuildViews_BadMultiplier(t *testing.T) {
	cfg := config.JobConfig{
		Name:            "wallet",
		AssetIDs:        "bitcoin",
		Currency:        "usd",
		Multipliers:     "lots",
		IntervalMinutes: 1,
	}
	limiter := ratelimit.New(100, time.Minute, 0)
	job, err := poll.NewJob(config.JobConfig{
		Name: "wallet", AssetIDs: "bitcoin", Currency: "usd",
		Multipliers: "1", IntervalMinutes: 1,
	}, limiter, &staticFetcher{}, health.New("wallet", 3))
	require.NoError(t, err)
	t.Cleanup(job.Stop)

	_, err = BuildViews(job, cfg)
	require.Error(t, err)
	var cfgErr *config.ConfigError
	assert.ErrorAs(t, err, &cfgErr)
}

func TestResultView_ValueAppliesMultiplier(t *testing.T) {
	cfg := config.JobConfig{
		Name:            "wallet",
		AssetIDs:        "bitcoin",
		Currency:        "usd",
		Multipliers:     "0.25",
		IntervalMinutes: 0.0005,
	}
	job := newCachedJob(t, cfg, []model.MarketRecord{
		{ID: "bitcoin", CurrentPrice: 64000},
	})

	views, err := BuildViews(job, cfg)
	require.NoError(t, err)

	value, ok := views[0].Value()
	require.True(t, ok)
	assert.Equal(t, 16000.0, value)
}

func TestResultView_Attributes(t *testing.T) {
	ath := 73750.0
	athDate := "2024-03-14T07:10:36.635Z"
	rank := 1
	cfg := config.JobConfig{
		Name:            "wallet",
		AssetIDs:        "bitcoin",
		Currency:        "usd",
		Unit:            "$",
		Multipliers:     "2",
		IntervalMinutes: 0.0005,
	}
	job := newCachedJob(t, cfg, []model.MarketRecord{{
		ID:           "bitcoin",
		Name:         "Bitcoin",
		Symbol:       "btc",
		CurrentPrice: 64000,
		TotalVolume:  35e9,
		Change24h:    -1.3,
		MarketCap:    1.26e12,
		Ath:          &ath,
		AthDate:      &athDate,
		Rank:         &rank,
	}})

	views, err := BuildViews(job, cfg)
	require.NoError(t, err)

	attrs := views[0].Attributes()
	assert.True(t, attrs.Available)
	assert.Equal(t, "cryptoinfo_wallet_bitcoin_usd", attrs.ID)
	assert.Equal(t, "Bitcoin", attrs.Name)
	assert.Equal(t, "usd", attrs.Currency)
	assert.Equal(t, "$", attrs.Unit)
	assert.Equal(t, 64000.0, attrs.BasePrice)
	assert.Equal(t, 128000.0, attrs.Value)
	assert.Equal(t, -1.3, attrs.Change24h)
	require.NotNil(t, attrs.Ath)
	assert.Equal(t, 73750.0, *attrs.Ath)
	require.NotNil(t, attrs.Rank)
	assert.Equal(t, 1, *attrs.Rank)
	assert.False(t, attrs.EvaluatedAt.IsZero())
}

func TestResultView_UnavailableAsset(t *testing.T) {
	cfg := config.JobConfig{
		Name:            "wallet",
		AssetIDs:        "bitcoin, delisted-coin",
		Currency:        "usd",
		Multipliers:     "1, 1",
		IntervalMinutes: 0.0005,
	}
	// Upstream only returns bitcoin; the second view has no record.
	job := newCachedJob(t, cfg, []model.MarketRecord{
		{ID: "bitcoin", CurrentPrice: 64000},
	})

	views, err := BuildViews(job, cfg)
	require.NoError(t, err)
	require.Len(t, views, 2)

	_, ok := views[1].Value()
	assert.False(t, ok, "an asset absent from the cache has no value")

	attrs := views[1].Attributes()
	assert.False(t, attrs.Available)
	assert.Empty(t, attrs.Name)
	assert.Nil(t, attrs.Ath)
	assert.Equal(t, "cryptoinfo_wallet_delisted_coin_usd", attrs.ID)
}
