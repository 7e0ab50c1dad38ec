package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"time"
)

// DefaultBagsAPIURL is the public fee-share API endpoint.
const DefaultBagsAPIURL = "https://public-api-v2.bags.fm/api/v1"

// BagsConfig configures the fee-claim service client.
type BagsConfig struct {
	Logger *slog.Logger
	APIKey string

	// APIURL overrides the API base URL. Defaults to DefaultBagsAPIURL.
	APIURL string

	// HTTPClient overrides the HTTP client. Defaults to a 30s-timeout client.
	HTTPClient *http.Client
}

func (cfg *BagsConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.APIKey == "" {
		return errors.New("api key is required")
	}
	if cfg.APIURL == "" {
		cfg.APIURL = DefaultBagsAPIURL
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return nil
}

// BagsClient fetches ready-to-sign claim transactions for the vault's fee
// positions from the upstream fee-share service.
type BagsClient struct {
	log *slog.Logger
	cfg BagsConfig
}

func NewBagsClient(cfg BagsConfig) (*BagsClient, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &BagsClient{
		log: cfg.Logger,
		cfg: cfg,
	}, nil
}

// bagsResponse is the service's standard response envelope.
type bagsResponse struct {
	Success  bool            `json:"success"`
	Response json.RawMessage `json:"response"`
	Error    string          `json:"error,omitempty"`
}

// ClaimTransactions returns base64-encoded claim transactions for every
// claimable fee position the wallet holds on the given mint. An empty slice
// means there is nothing to claim right now.
func (b *BagsClient) ClaimTransactions(ctx context.Context, feeClaimer, tokenMint string) ([]string, error) {
	endpoint := fmt.Sprintf("%s/token-launch/claim-txs?%s", b.cfg.APIURL, url.Values{
		"feeClaimer": {feeClaimer},
		"tokenMint":  {tokenMint},
	}.Encode())

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("x-api-key", b.cfg.APIKey)
	req.Header.Set("Accept", "application/json")

	resp, err := b.cfg.HTTPClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch claim transactions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, &httpStatusError{status: resp.StatusCode, endpoint: "claim-txs"}
	}

	var envelope bagsResponse
	if err := json.NewDecoder(resp.Body).Decode(&envelope); err != nil {
		return nil, fmt.Errorf("failed to decode claim response: %w", err)
	}
	if !envelope.Success {
		return nil, fmt.Errorf("claim service rejected request: %s", envelope.Error)
	}

	transactions := []string{}
	if len(envelope.Response) > 0 {
		if err := json.Unmarshal(envelope.Response, &transactions); err != nil {
			return nil, fmt.Errorf("failed to decode claim transactions: %w", err)
		}
	}

	b.log.Debug("bags: fetched claim transactions", "count", len(transactions))
	return transactions, nil
}

// httpStatusError carries the status code so retry classification can tell
// throttling and server errors apart from client errors.
type httpStatusError struct {
	status   int
	endpoint string
}

func (e *httpStatusError) Error() string {
	return fmt.Sprintf("claim service %s returned status %d", e.endpoint, e.status)
}

func (e *httpStatusError) StatusCode() int {
	return e.status
}
