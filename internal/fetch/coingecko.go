package fetch

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	"github.com/sirupsen/logrus"
	"github.com/yourorg/cryptoinfo/internal/model"
)

// changeHorizons is the fixed set of percentage-change horizons requested
// on every markets call.
const changeHorizons = "1h,24h,7d,14d,30d,1y"

// Client fetches market records from the upstream markets endpoint.
type Client struct {
	baseURL    string
	httpClient *retryablehttp.Client
}

// NewClient creates a markets client for the given API base URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: newRetryClient(timeout),
	}
}

// Markets retrieves the current market records for the given asset ids,
// priced in the given fiat currency. One call covers all assets of a job.
func (c *Client) Markets(ctx context.Context, assetIDs []string, currency string) ([]model.MarketRecord, error) {
	query := url.Values{}
	query.Set("ids", strings.Join(assetIDs, ","))
	query.Set("vs_currency", currency)
	query.Set("price_change_percentage", changeHorizons)
	endpoint := c.baseURL + "/coins/markets?" + query.Encode()

	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("creating markets request: %w", err)
	}

	logrus.Debugf("Fetching markets for ids=%s vs_currency=%s", query.Get("ids"), currency)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching markets: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("markets API error: status %d, body: %s", resp.StatusCode, string(body))
	}

	var records []model.MarketRecord
	if err := json.NewDecoder(resp.Body).Decode(&records); err != nil {
		return nil, fmt.Errorf("decoding markets response: %w", err)
	}

	logrus.Debugf("Received %d market records", len(records))
	return records, nil
}
