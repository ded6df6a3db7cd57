package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"starpay/internal/models"
)

// Client talks to the transaction gateway sidecar over its HTTP JSON API.
// The sidecar owns signing, sequence numbers and fee bumping; this client
// only shapes requests and decodes structured failures.
type Client struct {
	baseURL string
	http    *http.Client
	limiter *rate.Limiter
}

type Config struct {
	BaseURL string
	Timeout time.Duration // per-request; default 30s
	RPS     float64       // submission rate limit; <=0 disables
	Burst   int
}

func NewClient(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	var limiter *rate.Limiter
	if cfg.RPS > 0 {
		burst := cfg.Burst
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RPS), burst)
	}
	return &Client{
		baseURL: cfg.BaseURL,
		http:    &http.Client{Timeout: cfg.Timeout},
		limiter: limiter,
	}
}

type wireOperation struct {
	Destination string `json:"destination"`
	AssetCode   string `json:"asset_code,omitempty"`
	AssetIssuer string `json:"asset_issuer,omitempty"`
	Amount      string `json:"amount"`
	Kind        string `json:"kind"`
}

func toWire(op *models.Operation) wireOperation {
	kind := "payment"
	if op.Type == models.DeferredClaim {
		kind = "claimable_balance"
	}
	return wireOperation{
		Destination: op.Destination,
		AssetCode:   op.Asset.Code,
		AssetIssuer: op.Asset.Issuer,
		Amount:      op.Amount.String(),
		Kind:        kind,
	}
}

type batchRequest struct {
	Source     string          `json:"source"`
	Seed       string          `json:"seed"`
	Memo       string          `json:"memo,omitempty"`
	Operations []wireOperation `json:"operations"`
}

type submitResponse struct {
	Hash string `json:"hash"`
}

// SendMany submits the operations atomically from the distributor wallet.
// Returns the transaction hash on success.
func (c *Client) SendMany(ctx context.Context, distributor models.Credential, ops []*models.Operation, memo string) (string, error) {
	wire := make([]wireOperation, len(ops))
	for i, op := range ops {
		wire[i] = toWire(op)
	}
	req := batchRequest{
		Source:     distributor.Address,
		Seed:       distributor.Seed,
		Memo:       memo,
		Operations: wire,
	}
	var resp submitResponse
	if err := c.post(ctx, "/v1/transactions/batch", req, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// SendOne submits a single payment from an arbitrary credential (used for
// gas refills from the refill wallet).
func (c *Client) SendOne(ctx context.Context, from models.Credential, amount decimal.Decimal, asset models.Asset, to string) (string, error) {
	req := struct {
		Source      string `json:"source"`
		Seed        string `json:"seed"`
		Destination string `json:"destination"`
		AssetCode   string `json:"asset_code,omitempty"`
		AssetIssuer string `json:"asset_issuer,omitempty"`
		Amount      string `json:"amount"`
	}{
		Source:      from.Address,
		Seed:        from.Seed,
		Destination: to,
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
		Amount:      amount.String(),
	}
	var resp submitResponse
	if err := c.post(ctx, "/v1/transactions/payment", req, &resp); err != nil {
		return "", err
	}
	return resp.Hash, nil
}

// EstablishTrust creates a trust line from the distributor to the asset.
func (c *Client) EstablishTrust(ctx context.Context, distributor models.Credential, asset models.Asset) error {
	req := struct {
		Source      string `json:"source"`
		Seed        string `json:"seed"`
		AssetCode   string `json:"asset_code"`
		AssetIssuer string `json:"asset_issuer"`
	}{
		Source:      distributor.Address,
		Seed:        distributor.Seed,
		AssetCode:   asset.Code,
		AssetIssuer: asset.Issuer,
	}
	return c.post(ctx, "/v1/trustlines", req, nil)
}

// MintAndTransfer issues amount of assetCode from the issuer wallet and
// transfers it to the distributor in one transaction.
func (c *Client) MintAndTransfer(ctx context.Context, assetCode string, amount decimal.Decimal, issuer, distributor models.Credential) error {
	req := struct {
		AssetCode   string `json:"asset_code"`
		Amount      string `json:"amount"`
		Issuer      string `json:"issuer"`
		IssuerSeed  string `json:"issuer_seed"`
		Destination string `json:"destination"`
	}{
		AssetCode:   assetCode,
		Amount:      amount.String(),
		Issuer:      issuer.Address,
		IssuerSeed:  issuer.Seed,
		Destination: distributor.Address,
	}
	return c.post(ctx, "/v1/assets/mint", req, nil)
}

// BalanceOf reads the address's balance of the given asset.
func (c *Client) BalanceOf(ctx context.Context, address string, asset models.Asset) (decimal.Decimal, error) {
	q := url.Values{}
	if !asset.IsNative() {
		q.Set("asset_code", asset.Code)
		q.Set("asset_issuer", asset.Issuer)
	}
	endpoint := fmt.Sprintf("%s/v1/accounts/%s/balance?%s", c.baseURL, url.PathEscape(address), q.Encode())

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("create request: %w", err)
	}
	resp, err := c.http.Do(httpReq)
	if err != nil {
		return decimal.Zero, fmt.Errorf("GET %s: %w", endpoint, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decimal.Zero, decodeError(resp)
	}

	var body struct {
		Balance string `json:"balance"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return decimal.Zero, fmt.Errorf("decode balance: %w", err)
	}
	bal, err := decimal.NewFromString(body.Balance)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parse balance %q: %w", body.Balance, err)
	}
	return bal, nil
}

func (c *Client) post(ctx context.Context, path string, payload, out interface{}) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return fmt.Errorf("POST %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeError(resp)
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// decodeError turns a non-2xx gateway response into a structured *Error.
// A body that cannot be parsed still yields an *Error carrying the status,
// with no result codes.
func decodeError(resp *http.Response) error {
	gerr := &Error{Status: resp.StatusCode, Message: resp.Status}

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return gerr
	}
	var body struct {
		Error       string       `json:"error"`
		ResultCodes *ResultCodes `json:"result_codes"`
	}
	if err := json.Unmarshal(raw, &body); err != nil {
		return gerr
	}
	if body.Error != "" {
		gerr.Message = body.Error
	}
	gerr.ResultCodes = body.ResultCodes
	return gerr
}
