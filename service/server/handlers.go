package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"
	"unicode"

	solanago "github.com/gagliardetto/solana-go"
	"github.com/google/uuid"

	"github.com/brojonat/tokenswap/service/authority"
	"github.com/brojonat/tokenswap/service/db"
	"github.com/brojonat/tokenswap/service/exchange"
	natspkg "github.com/brojonat/tokenswap/service/nats"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/provision"
)

const (
	maxRequestBodySize = 64 << 10 // a serialized transaction is at most 1232 bytes
	maxAddressLength   = 100      // Solana addresses are 44 chars, give buffer
	defaultListLimit   = 100
	maxListLimit       = 1000
)

var (
	// Valid Solana address characters: base58 (no 0, O, I, l)
	validAddressRegex = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]+$`)
)

// Cosigner signs transactions for the pool authority after a policy check.
type Cosigner interface {
	PublicKey() solanago.PublicKey
	Sign(ctx context.Context, tx *solanago.Transaction) (authority.Decision, error)
}

// PoolReader reads the configured pool and balance snapshots.
type PoolReader interface {
	Pool() program.Pool
	PoolState(ctx context.Context) (*program.SwapPoolState, error)
	Snapshot(ctx context.Context, owner solanago.PublicKey) exchange.Snapshot
}

// Ledger answers account existence queries.
type Ledger interface {
	AccountExists(ctx context.Context, address solanago.PublicKey) (bool, error)
}

// CosignStore persists co-sign decisions.
type CosignStore interface {
	CreateCosign(ctx context.Context, params db.CreateCosignParams) (*db.CosignRecord, error)
	ListCosigns(ctx context.Context, params db.ListCosignsParams) ([]*db.CosignRecord, error)
	CountCosigns(ctx context.Context, feePayer string) (int64, error)
}

// handleCosign returns a handler that checks a partially signed transaction
// against the authority policy and returns the authority's signature.
// POST /api/v1/cosign
//
// store and publisher are optional. When a store is configured, an approval
// that cannot be recorded is not returned to the caller.
func handleCosign(signer Cosigner, store CosignStore, publisher natspkg.Publisher, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

		var req struct {
			Transaction string `json:"transaction"` // base64 wire format
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			logger.Debug("failed to decode cosign request", "error", err)
			if strings.Contains(err.Error(), "http: request body too large") {
				writeError(w, "request body too large", http.StatusBadRequest)
				return
			}
			writeError(w, "invalid request body: must be valid JSON", http.StatusBadRequest)
			return
		}
		if req.Transaction == "" {
			writeError(w, "transaction is required", http.StatusBadRequest)
			return
		}

		tx, err := solanago.TransactionFromBase64(req.Transaction)
		if err != nil {
			logger.Debug("invalid transaction encoding", "error", err)
			writeError(w, "invalid transaction: must be a base64 encoded transaction", http.StatusBadRequest)
			return
		}

		decision, signErr := signer.Sign(r.Context(), tx)
		var policyErr *authority.PolicyError
		rejected := errors.As(signErr, &policyErr)
		if signErr != nil && !rejected {
			logger.ErrorContext(r.Context(), "failed to co-sign transaction", "error", signErr)
			writeError(w, "failed to co-sign transaction", http.StatusInternalServerError)
			return
		}

		rec := decisionRecord(decision, policyErr)
		if store != nil {
			stored, err := store.CreateCosign(r.Context(), db.CreateCosignParams{
				Operation:   rec.Operation,
				FeePayer:    rec.FeePayer,
				Amount:      rec.Amount,
				MessageHash: rec.MessageHash,
				Decision:    rec.Decision,
				Reason:      rec.Reason,
				Signature:   rec.Signature,
			})
			if err != nil {
				logger.ErrorContext(r.Context(), "failed to record cosign decision",
					"message_hash", rec.MessageHash,
					"decision", rec.Decision,
					"error", err,
				)
				if !rejected {
					writeError(w, "failed to record co-sign decision", http.StatusInternalServerError)
					return
				}
			} else {
				rec = stored
			}
		}

		if publisher != nil {
			if err := publisher.PublishCosign(r.Context(), natspkg.FromCosignRecord(rec)); err != nil {
				logger.WarnContext(r.Context(), "failed to publish cosign event",
					"id", rec.ID.String(),
					"error", err,
				)
			}
		}

		if rejected {
			writeError(w, signErr.Error(), http.StatusForbidden)
			return
		}

		writeJSON(w, cosignResponse{
			ID:        rec.ID.String(),
			Operation: rec.Operation,
			Amount:    rec.Amount,
			Authority: signer.PublicKey().String(),
			Signature: decision.Signature.String(),
		}, http.StatusOK)
	})
}

// decisionRecord builds the audit record for a decision. policyErr is nil for approvals.
func decisionRecord(d authority.Decision, policyErr *authority.PolicyError) *db.CosignRecord {
	rec := &db.CosignRecord{
		ID:          uuid.New(),
		Operation:   string(d.Operation),
		FeePayer:    d.FeePayer.String(),
		Amount:      d.Amount,
		MessageHash: d.MessageHash,
		CreatedAt:   time.Now().UTC(),
	}
	if policyErr != nil {
		reason := policyErr.Reason
		rec.Decision = db.DecisionRejected
		rec.Reason = &reason
		return rec
	}
	sig := d.Signature.String()
	rec.Decision = db.DecisionApproved
	rec.Signature = &sig
	return rec
}

type cosignResponse struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Amount    uint64 `json:"amount"`
	Authority string `json:"authority"`
	Signature string `json:"signature"`
}

// handleGetAuthority returns a handler that reports the co-signing key.
// GET /api/v1/authority
func handleGetAuthority(signer Cosigner) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, map[string]string{
			"authority": signer.PublicKey().String(),
		}, http.StatusOK)
	})
}

// poolResponse is the JSON response format for the pool.
type poolResponse struct {
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

// handleGetPool returns a handler that reports the configured pool and whether
// its state account is initialized on chain.
// GET /api/v1/pool
func handleGetPool(reader PoolReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		pool := reader.Pool()
		resp := poolResponse{
			ProgramID:     pool.ProgramID.String(),
			Address:       pool.State.String(),
			TokenAMint:    pool.MintA.String(),
			TokenBMint:    pool.MintB.String(),
			TokenAAccount: pool.VaultA.String(),
			TokenBAccount: pool.VaultB.String(),
			Decimals:      pool.Decimals,
		}

		state, err := reader.PoolState(r.Context())
		switch {
		case errors.Is(err, exchange.ErrPoolNotInitialized):
		case err != nil:
			logger.ErrorContext(r.Context(), "failed to read pool state", "pool", pool.State.String(), "error", err)
			writeError(w, "failed to read pool state", http.StatusBadGateway)
			return
		default:
			resp.Initialized = true
			resp.Owner = state.Owner.String()
		}

		writeJSON(w, resp, http.StatusOK)
	})
}

// balanceResponse is one account of a snapshot. Error is set when the read failed.
type balanceResponse struct {
	Label    string  `json:"label"`
	Address  string  `json:"address"`
	Amount   *uint64 `json:"amount,omitempty"`
	UIAmount string  `json:"ui_amount,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// handleGetBalances returns a handler that reads the four-account snapshot for
// an owner. Failed reads are reported per account; the response is still 200.
// GET /api/v1/balances/{owner}
func handleGetBalances(reader PoolReader, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := parseAddress(r.PathValue("owner"))
		if err != nil {
			logger.Debug("invalid owner", "owner", r.PathValue("owner"), "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		snap := reader.Snapshot(r.Context(), owner)

		entries := snap.Entries()
		resp := make([]balanceResponse, len(entries))
		for i, e := range entries {
			resp[i] = balanceResponse{
				Label:   e.Label,
				Address: e.Result.Address.String(),
			}
			if !e.Result.OK() {
				resp[i].Error = e.Result.Err.Error()
				continue
			}
			amount := e.Result.Amount.Amount
			resp[i].Amount = &amount
			resp[i].UIAmount = e.Result.Amount.UIAmount
		}

		writeJSON(w, map[string]interface{}{
			"owner":    owner.String(),
			"read_at":  snap.ReadAt,
			"balances": resp,
		}, http.StatusOK)
	})
}

// handleGetAccount returns a handler that derives an owner's token account for
// one pool token and reports whether it exists.
// GET /api/v1/accounts/{owner}?token=A
func handleGetAccount(reader PoolReader, ledger Ledger, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		owner, err := parseAddress(r.PathValue("owner"))
		if err != nil {
			logger.Debug("invalid owner", "owner", r.PathValue("owner"), "error", err)
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		token, err := program.ParseToken(r.URL.Query().Get("token"))
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		mint := reader.Pool().Mint(token)
		address, err := provision.Address(owner, mint)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to derive token account", "owner", owner.String(), "error", err)
			writeError(w, "failed to derive token account", http.StatusInternalServerError)
			return
		}

		exists, err := ledger.AccountExists(r.Context(), address)
		if err != nil {
			logger.ErrorContext(r.Context(), "failed to check account", "address", address.String(), "error", err)
			writeError(w, "failed to check account", http.StatusBadGateway)
			return
		}

		writeJSON(w, map[string]interface{}{
			"owner":   owner.String(),
			"token":   string(token),
			"mint":    mint.String(),
			"address": address.String(),
			"exists":  exists,
		}, http.StatusOK)
	})
}

// cosignRecordResponse is the JSON response format for an audited decision.
type cosignRecordResponse struct {
	ID          string    `json:"id"`
	Operation   string    `json:"operation"`
	FeePayer    string    `json:"fee_payer"`
	Amount      uint64    `json:"amount"`
	MessageHash string    `json:"message_hash"`
	Decision    string    `json:"decision"`
	Reason      *string   `json:"reason,omitempty"`
	Signature   *string   `json:"signature,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
}

func cosignRecordToResponse(rec *db.CosignRecord) cosignRecordResponse {
	return cosignRecordResponse{
		ID:          rec.ID.String(),
		Operation:   rec.Operation,
		FeePayer:    rec.FeePayer,
		Amount:      rec.Amount,
		MessageHash: rec.MessageHash,
		Decision:    rec.Decision,
		Reason:      rec.Reason,
		Signature:   rec.Signature,
		CreatedAt:   rec.CreatedAt,
	}
}

// handleListCosigns returns a handler that lists audited co-sign decisions.
// GET /api/v1/cosigns?fee_payer=ADDRESS&limit=N&offset=N
func handleListCosigns(store CosignStore, logger *slog.Logger) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if store == nil {
			writeError(w, "co-sign audit log is not configured", http.StatusServiceUnavailable)
			return
		}

		query, err := url.ParseQuery(r.URL.RawQuery)
		if err != nil {
			logger.Debug("invalid query string", "query", r.URL.RawQuery, "error", err)
			writeError(w, "invalid query string", http.StatusBadRequest)
			return
		}
		feePayer := query.Get("fee_payer")
		if feePayer != "" {
			if err := validateAddress(feePayer); err != nil {
				logger.Debug("invalid fee payer", "fee_payer", feePayer, "error", err)
				writeError(w, err.Error(), http.StatusBadRequest)
				return
			}
		}

		limit, err := parseBoundedInt(query.Get("limit"), "limit", defaultListLimit, 1, maxListLimit)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}
		offset, err := parseBoundedInt(query.Get("offset"), "offset", 0, 0, -1)
		if err != nil {
			writeError(w, err.Error(), http.StatusBadRequest)
			return
		}

		records, err := store.ListCosigns(r.Context(), db.ListCosignsParams{
			FeePayer: feePayer,
			Limit:    int32(limit),
			Offset:   int32(offset),
		})
		if err != nil {
			logger.Error("failed to list cosigns", "fee_payer", feePayer, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		total, err := store.CountCosigns(r.Context(), feePayer)
		if err != nil {
			logger.Error("failed to count cosigns", "fee_payer", feePayer, "error", err)
			writeError(w, "internal server error", http.StatusInternalServerError)
			return
		}

		logger.Debug("cosigns listed", "fee_payer", feePayer, "count", len(records), "total", total)

		resp := make([]cosignRecordResponse, len(records))
		for i, rec := range records {
			resp[i] = cosignRecordToResponse(rec)
		}

		writeJSON(w, map[string]interface{}{
			"cosigns": resp,
			"count":   len(resp),
			"total":   total,
			"limit":   limit,
			"offset":  offset,
		}, http.StatusOK)
	})
}

// parseBoundedInt parses an optional integer query parameter. A negative max means unbounded.
func parseBoundedInt(value, name string, def, min, max int) (int, error) {
	if value == "" {
		return def, nil
	}
	var n int
	if _, err := fmt.Sscanf(value, "%d", &n); err != nil {
		return 0, errorf("invalid %s parameter: must be an integer", name)
	}
	if n < min {
		return 0, errorf("%s must be at least %d", name, min)
	}
	if max >= 0 && n > max {
		return 0, errorf("%s cannot exceed %d", name, max)
	}
	return n, nil
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, data interface{}, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(data)
}

// writeError writes a JSON error response.
func writeError(w http.ResponseWriter, message string, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(map[string]string{
		"error": message,
	})
}

// parseAddress validates an address and decodes it as a public key.
func parseAddress(address string) (solanago.PublicKey, error) {
	if err := validateAddress(address); err != nil {
		return solanago.PublicKey{}, err
	}
	pk, err := solanago.PublicKeyFromBase58(address)
	if err != nil {
		return solanago.PublicKey{}, errorf("invalid address: %v", err)
	}
	return pk, nil
}

// validateAddress validates a wallet address for security and format.
func validateAddress(address string) error {
	if address == "" {
		return errorf("address is required")
	}

	if len(address) > maxAddressLength {
		return errorf("address too long: maximum length is %d characters", maxAddressLength)
	}

	// Check for null bytes and control characters
	for _, r := range address {
		if r == 0 || unicode.IsControl(r) {
			return errorf("invalid characters in address: control characters not allowed")
		}
	}

	if !validAddressRegex.MatchString(address) {
		return errorf("invalid address format: must contain only valid base58 characters")
	}

	return nil
}

// errorf is a helper to format error strings.
func errorf(format string, args ...interface{}) error {
	return &validationError{msg: strings.TrimSpace(fmt.Sprintf(format, args...))}
}

type validationError struct {
	msg string
}

func (e *validationError) Error() string {
	return e.msg
}
