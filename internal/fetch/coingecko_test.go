package fetch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const marketsBody = `[
	{
		"id": "bitcoin",
		"name": "Bitcoin",
		"symbol": "btc",
		"current_price": 64000.5,
		"total_volume": 35000000000,
		"price_change_percentage_1h_in_currency": 0.2,
		"price_change_percentage_24h_in_currency": -1.3,
		"price_change_percentage_7d_in_currency": 4.8,
		"price_change_percentage_14d_in_currency": 6.1,
		"price_change_percentage_30d_in_currency": 10.4,
		"price_change_percentage_1y_in_currency": 120.7,
		"market_cap": 1260000000000,
		"circulating_supply": 19700000,
		"total_supply": 21000000,
		"ath": 73750,
		"ath_date": "2024-03-14T07:10:36.635Z",
		"ath_change_percentage": -13.2,
		"market_cap_rank": 1,
		"image": "https://assets.example/btc.png"
	},
	{
		"id": "ethereum",
		"name": "Ethereum",
		"symbol": "eth",
		"current_price": 3400.25,
		"total_volume": 18000000000,
		"price_change_percentage_1h_in_currency": 0.1,
		"price_change_percentage_24h_in_currency": -2.0,
		"price_change_percentage_7d_in_currency": 3.3,
		"price_change_percentage_14d_in_currency": 5.5,
		"price_change_percentage_30d_in_currency": 8.8,
		"price_change_percentage_1y_in_currency": 90.2,
		"market_cap": 408000000000,
		"circulating_supply": 120000000,
		"total_supply": 120000000,
		"image": "https://assets.example/eth.png"
	}
]`

func TestClient_MarketsDecodesRecords(t *testing.T) {
	var gotPath, gotQuery atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath.Store(r.URL.Path)
		gotQuery.Store(r.URL.Query())
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	records, err := c.Markets(context.Background(), []string{"bitcoin", "ethereum"}, "usd")
	require.NoError(t, err)
	require.Len(t, records, 2)

	assert.Equal(t, "/coins/markets", gotPath.Load())
	query := gotQuery.Load().(url.Values)
	assert.Equal(t, "bitcoin,ethereum", query.Get("ids"))
	assert.Equal(t, "usd", query.Get("vs_currency"))
	assert.Equal(t, "1h,24h,7d,14d,30d,1y", query.Get("price_change_percentage"))

	btc := records[0]
	assert.Equal(t, "bitcoin", btc.ID)
	assert.Equal(t, "Bitcoin", btc.Name)
	assert.Equal(t, 64000.5, btc.CurrentPrice)
	require.NotNil(t, btc.Ath)
	assert.Equal(t, 73750.0, *btc.Ath)
	require.NotNil(t, btc.Rank)
	assert.Equal(t, 1, *btc.Rank)

	// Optional fields absent upstream stay absent, not zero.
	eth := records[1]
	assert.Nil(t, eth.Ath)
	assert.Nil(t, eth.AthDate)
	assert.Nil(t, eth.AthChange)
	assert.Nil(t, eth.Rank)
}

func TestClient_ThrottledOnceThenRecovers(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if requests.Add(1) == 1 {
			w.Header().Set("Retry-After", "0")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(marketsBody))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	records, err := c.Markets(context.Background(), []string{"bitcoin"}, "usd")
	require.NoError(t, err)
	assert.Len(t, records, 2)
	assert.Equal(t, int32(2), requests.Load(), "a 429 should be retried exactly once")
}

func TestClient_ThrottledTwiceFails(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		w.Header().Set("Retry-After", "0")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Markets(context.Background(), []string{"bitcoin"}, "usd")
	require.Error(t, err, "a second 429 must surface as a fetch failure, not retry forever")
	assert.Equal(t, int32(2), requests.Load())
}

func TestClient_RetryWaitHonoursContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Retry-After", "30")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	c := NewClient(srv.URL, 5*time.Second)
	start := time.Now()
	_, err := c.Markets(ctx, []string{"bitcoin"}, "usd")
	require.Error(t, err)
	assert.Less(t, time.Since(start), 5*time.Second,
		"cancellation must interrupt the retry wait")
}

func TestClient_ServerErrorIsNotRetried(t *testing.T) {
	var requests atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requests.Add(1)
		http.Error(w, "upstream exploded", http.StatusInternalServerError)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Markets(context.Background(), []string{"bitcoin"}, "usd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 500")
	assert.Equal(t, int32(1), requests.Load())
}

func TestClient_MalformedBodyFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"not": "an array"}`))
	}))
	defer srv.Close()

	c := NewClient(srv.URL, 5*time.Second)
	_, err := c.Markets(context.Background(), []string{"bitcoin"}, "usd")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "decoding markets response")
}

func TestRetryAfterBackoff(t *testing.T) {
	tests := []struct {
		name     string
		header   string
		expected time.Duration
	}{
		{name: "server specified delay", header: "30", expected: 30 * time.Second},
		{name: "zero delay", header: "0", expected: 0},
		{name: "missing header", header: "", expected: defaultRetryAfter},
		{name: "unparseable header", header: "soon", expected: defaultRetryAfter},
		{name: "negative delay", header: "-5", expected: defaultRetryAfter},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp := &http.Response{Header: http.Header{}}
			if tt.header != "" {
				resp.Header.Set("Retry-After", tt.header)
			}
			assert.Equal(t, tt.expected, retryAfterBackoff(0, 0, 0, resp))
		})
	}
}
