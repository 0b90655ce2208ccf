package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/gagliardetto/solana-go"
)

// CosignResult is the service's answer to a co-sign request.
type CosignResult struct {
	ID        string           `json:"id"`
	Operation string           `json:"operation"`
	Amount    uint64           `json:"amount"`
	Authority solana.PublicKey `json:"authority"`
	Signature solana.Signature `json:"signature"`
}

// PoolInfo is the configured pool and, when initialized, its on-chain state.
type PoolInfo struct {
	ProgramID     string `json:"program_id"`
	Address       string `json:"address"`
	TokenAMint    string `json:"token_a_mint"`
	TokenBMint    string `json:"token_b_mint"`
	TokenAAccount string `json:"token_a_account"`
	TokenBAccount string `json:"token_b_account"`
	Decimals      uint8  `json:"decimals"`
	Initialized   bool   `json:"initialized"`
	Owner         string `json:"owner,omitempty"`
}

// Balance is one account of a balance snapshot. Error is set when the read failed.
type Balance struct {
	Label    string  `json:"label"`
	Address  string  `json:"address"`
	Amount   *uint64 `json:"amount,omitempty"`
	UIAmount string  `json:"ui_amount,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Balances is a four-account snapshot: the owner's A and B accounts and the pool's.
type Balances struct {
	Owner    string    `json:"owner"`
	ReadAt   time.Time `json:"read_at"`
	Balances []Balance `json:"balances"`
}

// Account is an owner's derived token account for one pool token.
type Account struct {
	Owner   string `json:"owner"`
	Token   string `json:"token"`
	Mint    string `json:"mint"`
	Address string `json:"address"`
	Exists  bool   `json:"exists"`
}

// CosignRecord is one audited co-sign decision.
type CosignRecord struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	FeePayer    string    `json:"fee_payer"`
	Amount      uint64    `json:"amount"`
	MessageHash string    `json:"message_hash"`
	Decision    string    `json:"decision"`
	Reason      string    `json:"reason,omitempty"`
	Signature   string    `json:"signature,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

// Client is the HTTP client for the tokenswap co-signing service.
type Client struct {
	baseURL    string
	httpClient *http.Client
	logger     *slog.Logger
}

// NewClient creates a new service client.
func NewClient(baseURL string, httpClient *http.Client, logger *slog.Logger) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	if logger == nil {
		logger = slog.New(slog.NewJSONHandler(io.Discard, nil))
	}
	return &Client{
		baseURL:    baseURL,
		httpClient: httpClient,
		logger:     logger,
	}
}

// Health checks that the service is up.
func (c *Client) Health(ctx context.Context) error {
	var out map[string]string
	return c.getJSON(ctx, "/health", &out)
}

// Authority returns the public key the service co-signs with.
func (c *Client) Authority(ctx context.Context) (solana.PublicKey, error) {
	var out struct {
		Authority solana.PublicKey `json:"authority"`
	}
	if err := c.getJSON(ctx, "/api/v1/authority", &out); err != nil {
		return solana.PublicKey{}, err
	}
	return out.Authority, nil
}

// Cosign asks the service to co-sign tx. tx is not modified.
func (c *Client) Cosign(ctx context.Context, tx *solana.Transaction) (*CosignResult, error) {
	encoded, err := tx.ToBase64()
	if err != nil {
		return nil, fmt.Errorf("failed to encode transaction: %w", err)
	}

	body, err := json.Marshal(map[string]string{"transaction": encoded})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/v1/cosign", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.parseErrorResponse(resp)
	}

	var result CosignResult
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	c.logger.Debug("transaction co-signed", "id", result.ID, "operation", result.Operation)
	return &result, nil
}

// Pool returns the service's pool configuration and on-chain state.
func (c *Client) Pool(ctx context.Context) (*PoolInfo, error) {
	var out PoolInfo
	if err := c.getJSON(ctx, "/api/v1/pool", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Balances reads the four-account snapshot for owner.
func (c *Client) Balances(ctx context.Context, owner string) (*Balances, error) {
	var out Balances
	if err := c.getJSON(ctx, "/api/v1/balances/"+url.PathEscape(owner), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// Account returns owner's derived token account for token ("A" or "B").
func (c *Client) Account(ctx context.Context, owner, token string) (*Account, error) {
	path := fmt.Sprintf("/api/v1/accounts/%s?token=%s", url.PathEscape(owner), url.QueryEscape(token))
	var out Account
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListCosigns returns audited co-sign decisions, newest first.
// An empty feePayer lists all; limit and offset of zero use the server defaults.
func (c *Client) ListCosigns(ctx context.Context, feePayer string, limit, offset int) ([]*CosignRecord, error) {
	q := url.Values{}
	if feePayer != "" {
		q.Set("fee_payer", feePayer)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if offset > 0 {
		q.Set("offset", strconv.Itoa(offset))
	}
	path := "/api/v1/cosigns"
	if len(q) > 0 {
		path += "?" + q.Encode()
	}

	var out struct {
		Cosigns []*CosignRecord `json:"cosigns"`
	}
	if err := c.getJSON(ctx, path, &out); err != nil {
		return nil, err
	}
	return out.Cosigns, nil
}

func (c *Client) getJSON(ctx context.Context, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return c.parseErrorResponse(resp)
	}

	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// StatusError is returned for non-2xx responses.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("request failed with status %d: %s", e.StatusCode, e.Message)
}

// parseErrorResponse attempts to parse an error response from the server.
func (c *Client) parseErrorResponse(resp *http.Response) error {
	var errResp struct {
		Error string `json:"error"`
	}

	body, _ := io.ReadAll(resp.Body)
	if err := json.Unmarshal(body, &errResp); err != nil || errResp.Error == "" {
		return &StatusError{StatusCode: resp.StatusCode, Message: string(body)}
	}

	return &StatusError{StatusCode: resp.StatusCode, Message: errResp.Error}
}
