package solana

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/brojonat/tokenswap/service/metrics"
	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
)

// Commitment is the commitment level used for every read and for confirmation.
const Commitment = rpc.CommitmentConfirmed

// ErrAccountNotFound is returned when an account does not exist on chain.
var ErrAccountNotFound = errors.New("account not found")

// RPCClient is an interface for the Solana RPC operations we need.
// This allows us to mock the RPC layer in tests without hitting real Solana nodes.
// *rpc.Client satisfies it directly.
type RPCClient interface {
	GetLatestBlockhash(
		ctx context.Context,
		commitment rpc.CommitmentType,
	) (*rpc.GetLatestBlockhashResult, error)

	SendRawTransactionWithOpts(
		ctx context.Context,
		rawTx []byte,
		opts rpc.TransactionOpts,
	) (solana.Signature, error)

	GetSignatureStatuses(
		ctx context.Context,
		searchTransactionHistory bool,
		signatures ...solana.Signature,
	) (*rpc.GetSignatureStatusesResult, error)

	GetTransaction(
		ctx context.Context,
		signature solana.Signature,
		opts *rpc.GetTransactionOpts,
	) (*rpc.GetTransactionResult, error)

	GetAccountInfoWithOpts(
		ctx context.Context,
		account solana.PublicKey,
		opts *rpc.GetAccountInfoOpts,
	) (*rpc.GetAccountInfoResult, error)

	GetTokenAccountBalance(
		ctx context.Context,
		account solana.PublicKey,
		commitment rpc.CommitmentType,
	) (*rpc.GetTokenAccountBalanceResult, error)
}

// Client provides the ledger operations used by the swap client.
// It wraps the RPC client with domain-specific operations.
type Client struct {
	rpc      RPCClient
	logger   *slog.Logger
	metrics  *metrics.Metrics
	endpoint string // RPC endpoint identifier for metrics (e.g., "devnet", "localnet", rpc host)
}

// NewClient creates a new Solana client.
// The endpoint parameter is used for metrics labeling.
// If metrics is nil, no metrics will be recorded.
func NewClient(rpcClient RPCClient, endpoint string, m *metrics.Metrics, logger *slog.Logger) *Client {
	return &Client{
		rpc:      rpcClient,
		logger:   logger,
		metrics:  m,
		endpoint: endpoint,
	}
}

// LatestBlockhash fetches the most recent blockhash at confirmed commitment.
func (c *Client) LatestBlockhash(ctx context.Context) (solana.Hash, error) {
	start := time.Now()
	out, err := c.rpc.GetLatestBlockhash(ctx, Commitment)
	c.record(ctx, "GetLatestBlockhash", start, err)
	if err != nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: %w", err)
	}
	if out == nil || out.Value == nil {
		return solana.Hash{}, fmt.Errorf("get latest blockhash: empty response")
	}
	return out.Value.Blockhash, nil
}

// SendTransaction broadcasts a serialized, fully signed transaction with preflight
// simulation enabled. Node-side retries are disabled; callers own the retry policy.
func (c *Client) SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error) {
	maxRetries := uint(0)
	opts := rpc.TransactionOpts{
		SkipPreflight:       false,
		PreflightCommitment: Commitment,
		MaxRetries:          &maxRetries,
	}

	start := time.Now()
	sig, err := c.rpc.SendRawTransactionWithOpts(ctx, raw, opts)
	c.record(ctx, "SendTransaction", start, err)
	if err != nil {
		return solana.Signature{}, err
	}

	c.logger.DebugContext(ctx, "transaction broadcast",
		"signature", sig.String(),
		"size", len(raw),
	)
	return sig, nil
}

// SignatureStatus returns the status of a broadcast transaction.
// A nil status with a nil error means the node has not seen the signature yet.
func (c *Client) SignatureStatus(ctx context.Context, sig solana.Signature) (*SignatureStatus, error) {
	start := time.Now()
	out, err := c.rpc.GetSignatureStatuses(ctx, false, sig)
	if errors.Is(err, rpc.ErrNotFound) {
		err = nil
	}
	c.record(ctx, "GetSignatureStatuses", start, err)
	if err != nil {
		return nil, fmt.Errorf("get signature status: %w", err)
	}
	if out == nil || len(out.Value) == 0 || out.Value[0] == nil {
		return nil, nil
	}

	res := out.Value[0]
	return &SignatureStatus{
		Slot: res.Slot,
		Confirmed: res.ConfirmationStatus == rpc.ConfirmationStatusConfirmed ||
			res.ConfirmationStatus == rpc.ConfirmationStatusFinalized,
		Err: res.Err,
	}, nil
}

// TransactionLogs fetches the program log lines of an included transaction.
func (c *Client) TransactionLogs(ctx context.Context, sig solana.Signature) ([]string, error) {
	opts := &rpc.GetTransactionOpts{
		Encoding:                       solana.EncodingBase64,
		Commitment:                     Commitment,
		MaxSupportedTransactionVersion: &[]uint64{0}[0],
	}

	start := time.Now()
	out, err := c.rpc.GetTransaction(ctx, sig, opts)
	c.record(ctx, "GetTransaction", start, err)
	if err != nil {
		return nil, fmt.Errorf("get transaction %s: %w", sig, err)
	}
	if out == nil || out.Meta == nil {
		return nil, nil
	}
	return out.Meta.LogMessages, nil
}

// GetAccount fetches an account. Returns ErrAccountNotFound if it does not exist.
func (c *Client) GetAccount(ctx context.Context, address solana.PublicKey) (*Account, error) {
	opts := &rpc.GetAccountInfoOpts{
		Encoding:   solana.EncodingBase64,
		Commitment: Commitment,
	}

	start := time.Now()
	out, err := c.rpc.GetAccountInfoWithOpts(ctx, address, opts)
	if errors.Is(err, rpc.ErrNotFound) || (err == nil && (out == nil || out.Value == nil)) {
		c.record(ctx, "GetAccountInfo", start, nil)
		return nil, ErrAccountNotFound
	}
	c.record(ctx, "GetAccountInfo", start, err)
	if err != nil {
		return nil, fmt.Errorf("get account %s: %w", address, err)
	}

	return &Account{
		Address:  address,
		Owner:    out.Value.Owner,
		Lamports: out.Value.Lamports,
		Data:     out.GetBinary(),
	}, nil
}

// AccountExists reports whether an account is present on chain.
func (c *Client) AccountExists(ctx context.Context, address solana.PublicKey) (bool, error) {
	_, err := c.GetAccount(ctx, address)
	if errors.Is(err, ErrAccountNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// TokenBalance reads the balance of an SPL token account in base units.
func (c *Client) TokenBalance(ctx context.Context, account solana.PublicKey) (TokenAmount, error) {
	start := time.Now()
	out, err := c.rpc.GetTokenAccountBalance(ctx, account, Commitment)
	c.record(ctx, "GetTokenAccountBalance", start, err)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("get token balance %s: %w", account, err)
	}
	if out == nil || out.Value == nil {
		return TokenAmount{}, fmt.Errorf("get token balance %s: empty response", account)
	}

	amount, err := strconv.ParseUint(out.Value.Amount, 10, 64)
	if err != nil {
		return TokenAmount{}, fmt.Errorf("parse token amount %q: %w", out.Value.Amount, err)
	}
	return TokenAmount{
		Amount:   amount,
		Decimals: out.Value.Decimals,
		UIAmount: out.Value.UiAmountString,
	}, nil
}

// record logs failures and records call metrics, counting 429s as rate limit hits.
func (c *Client) record(ctx context.Context, method string, start time.Time, err error) {
	status := "success"
	if err != nil {
		status = "error"
		c.logger.DebugContext(ctx, "rpc call failed",
			"method", method,
			"error", err,
		)
	}
	if c.metrics == nil {
		return
	}
	c.metrics.RecordRPCCall(method, status, c.endpoint, time.Since(start).Seconds())
	if err != nil && strings.Contains(err.Error(), "429") {
		c.metrics.RecordRateLimitHit(c.endpoint)
	}
}

// PreflightLogs extracts simulation log lines from a node rejection, if present.
func PreflightLogs(err error) []string {
	var rpcErr *jsonrpc.RPCError
	if !errors.As(err, &rpcErr) {
		return nil
	}
	data, ok := rpcErr.Data.(map[string]interface{})
	if !ok {
		return nil
	}
	raw, ok := data["logs"].([]interface{})
	if !ok {
		return nil
	}
	logs := make([]string, 0, len(raw))
	for _, l := range raw {
		if s, ok := l.(string); ok {
			logs = append(logs, s)
		}
	}
	return logs
}

// IsRetryable reports whether a broadcast error is transient. Node rejections
// (JSON-RPC errors such as a failed preflight) are final; transport errors are not.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var rpcErr *jsonrpc.RPCError
	if errors.As(err, &rpcErr) {
		// Blockhash not found is transient: the node may lag the one we fetched.
		return strings.Contains(strings.ToLower(rpcErr.Message), "blockhash not found")
	}
	return true
}
