package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokenswap/service/authority"
	"github.com/brojonat/tokenswap/service/balance"
	"github.com/brojonat/tokenswap/service/db"
	"github.com/brojonat/tokenswap/service/exchange"
	natspkg "github.com/brojonat/tokenswap/service/nats"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/provision"
	solsvc "github.com/brojonat/tokenswap/service/solana"
	"github.com/brojonat/tokenswap/service/solana/solanatest"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewJSONHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

// memStore is an in-memory CosignStore.
type memStore struct {
	mu      sync.Mutex
	records []*db.CosignRecord
	err     error
}

func (m *memStore) CreateCosign(ctx context.Context, p db.CreateCosignParams) (*db.CosignRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	rec := &db.CosignRecord{
		ID:          uuid.New(),
		Operation:   p.Operation,
		FeePayer:    p.FeePayer,
		Amount:      p.Amount,
		MessageHash: p.MessageHash,
		Decision:    p.Decision,
		Reason:      p.Reason,
		Signature:   p.Signature,
	}
	m.records = append(m.records, rec)
	return rec, nil
}

func (m *memStore) ListCosigns(ctx context.Context, p db.ListCosignsParams) ([]*db.CosignRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return nil, m.err
	}
	var out []*db.CosignRecord
	for i := len(m.records) - 1; i >= 0; i-- {
		if p.FeePayer == "" || m.records[i].FeePayer == p.FeePayer {
			out = append(out, m.records[i])
		}
	}
	return out, nil
}

func (m *memStore) CountCosigns(ctx context.Context, feePayer string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return 0, m.err
	}
	var n int64
	for _, rec := range m.records {
		if feePayer == "" || rec.FeePayer == feePayer {
			n++
		}
	}
	return n, nil
}

type fixture struct {
	ledger *solanatest.Ledger
	pool   program.Pool
	signer *authority.Local
	reader *exchange.Service
	client *solsvc.Client
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := solanatest.NewPool()
	ledger := solanatest.NewLedger(pool.ProgramID)
	signer := authority.NewLocal(solana.NewWallet().PrivateKey,
		authority.Policy{Pool: pool, MaxFaucetAmount: 1_000_000_000}, nil, testLogger())
	require.NoError(t, ledger.SeedPool(pool, signer.PublicKey(), 1_000_000_000, true))

	client := solsvc.NewClient(ledger, "test", nil, testLogger())
	reader := balance.NewReader(client, balance.DefaultConcurrency, nil, testLogger())

	return &fixture{
		ledger: ledger,
		pool:   pool,
		signer: signer,
		reader: exchange.NewService(pool, client, nil, nil, reader, nil, testLogger()),
		client: client,
	}
}

func (f *fixture) faucetTx(t *testing.T, payer solana.PublicKey, amount uint64) string {
	t.Helper()
	userATA, err := provision.Address(payer, f.pool.MintA)
	require.NoError(t, err)
	ix, err := program.BuildInstruction(f.pool.ProgramID, program.OpFaucet,
		program.FaucetAccounts(f.pool, program.TokenA, userATA, f.signer.PublicKey()), amount)
	require.NoError(t, err)
	tx, err := solana.NewTransaction([]solana.Instruction{ix}, solana.Hash{9}, solana.TransactionPayer(payer))
	require.NoError(t, err)
	encoded, err := tx.ToBase64()
	require.NoError(t, err)
	return encoded
}

func postCosign(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest("POST", "/api/v1/cosign", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestCosign_Approved(t *testing.T) {
	f := newFixture(t)
	store := &memStore{}
	publisher := natspkg.NewMockPublisher()
	handler := handleCosign(f.signer, store, publisher, testLogger())

	payer := solana.NewWallet()
	w := postCosign(handler, `{"transaction":"`+f.faucetTx(t, payer.PublicKey(), 500)+`"}`)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	var resp cosignResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "faucet", resp.Operation)
	assert.Equal(t, uint64(500), resp.Amount)
	assert.Equal(t, f.signer.PublicKey().String(), resp.Authority)

	require.Len(t, store.records, 1)
	rec := store.records[0]
	assert.Equal(t, rec.ID.String(), resp.ID)
	assert.Equal(t, db.DecisionApproved, rec.Decision)
	assert.Equal(t, payer.PublicKey().String(), rec.FeePayer)
	require.NotNil(t, rec.Signature)
	assert.Equal(t, resp.Signature, *rec.Signature)

	events := publisher.GetPublishedEventsForFeePayer(payer.PublicKey().String())
	require.Len(t, events, 1)
	assert.Equal(t, resp.ID, events[0].ID)

	// The returned signature verifies against the submitted message.
	sig, err := solana.SignatureFromBase58(resp.Signature)
	require.NoError(t, err)
	tx, err := solana.TransactionFromBase64(f.faucetTx(t, payer.PublicKey(), 500))
	require.NoError(t, err)
	msg, err := tx.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, sig.Verify(f.signer.PublicKey(), msg))
}

func TestCosign_PolicyRejection(t *testing.T) {
	f := newFixture(t)
	store := &memStore{}
	publisher := natspkg.NewMockPublisher()
	handler := handleCosign(f.signer, store, publisher, testLogger())

	w := postCosign(handler, `{"transaction":"`+f.faucetTx(t, solana.NewWallet().PublicKey(), 2_000_000_000)+`"}`)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Contains(t, w.Body.String(), "authority policy")

	require.Len(t, store.records, 1)
	assert.Equal(t, db.DecisionRejected, store.records[0].Decision)
	require.NotNil(t, store.records[0].Reason)
	assert.Nil(t, store.records[0].Signature)
	assert.Len(t, publisher.GetPublishedEvents(), 1)
}

func TestCosign_WithoutCollaborators(t *testing.T) {
	f := newFixture(t)
	handler := handleCosign(f.signer, nil, nil, testLogger())

	w := postCosign(handler, `{"transaction":"`+f.faucetTx(t, solana.NewWallet().PublicKey(), 1)+`"}`)
	require.Equal(t, http.StatusOK, w.Code)

	var resp cosignResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	_, err := uuid.Parse(resp.ID)
	assert.NoError(t, err)
}

func TestCosign_AuditFailureWithholdsSignature(t *testing.T) {
	f := newFixture(t)
	store := &memStore{err: errors.New("db down")}
	publisher := natspkg.NewMockPublisher()
	handler := handleCosign(f.signer, store, publisher, testLogger())

	w := postCosign(handler, `{"transaction":"`+f.faucetTx(t, solana.NewWallet().PublicKey(), 1)+`"}`)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.NotContains(t, w.Body.String(), "signature")
	assert.Empty(t, publisher.GetPublishedEvents())
}

func TestCosign_PublishFailureIsNotFatal(t *testing.T) {
	f := newFixture(t)
	publisher := natspkg.NewMockPublisher()
	publisher.SetPublishError(errors.New("nats down"))
	handler := handleCosign(f.signer, nil, publisher, testLogger())

	w := postCosign(handler, `{"transaction":"`+f.faucetTx(t, solana.NewWallet().PublicKey(), 1)+`"}`)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestCosign_PathologicalInput(t *testing.T) {
	f := newFixture(t)
	handler := handleCosign(f.signer, nil, nil, testLogger())

	tests := []struct {
		name     string
		body     string
		contains string
	}{
		{"extremely large request body", `{"transaction":"` + strings.Repeat("A", 1<<20) + `"}`, "request body too large"},
		{"malformed JSON", `{"transaction":`, "invalid request body"},
		{"missing transaction", `{}`, "transaction is required"},
		{"not base64", `{"transaction":"!!!"}`, "invalid transaction"},
		{"base64 garbage", `{"transaction":"AAAA"}`, "invalid transaction"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := postCosign(handler, tt.body)
			assert.Equal(t, http.StatusBadRequest, w.Code)
			assert.Contains(t, w.Body.String(), tt.contains)
		})
	}
}

func TestGetPool(t *testing.T) {
	f := newFixture(t)
	w := httptest.NewRecorder()
	handleGetPool(f.reader, testLogger()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/pool", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp poolResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.True(t, resp.Initialized)
	assert.Equal(t, f.signer.PublicKey().String(), resp.Owner)
	assert.Equal(t, f.pool.MintA.String(), resp.TokenAMint)
	assert.Equal(t, uint8(6), resp.Decimals)
}

func TestGetPool_NotInitialized(t *testing.T) {
	pool := solanatest.NewPool()
	ledger := solanatest.NewLedger(pool.ProgramID)
	require.NoError(t, ledger.SeedPool(pool, solana.NewWallet().PublicKey(), 0, false))
	client := solsvc.NewClient(ledger, "test", nil, testLogger())
	reader := exchange.NewService(pool, client, nil, nil, balance.NewReader(client, 1, nil, testLogger()), nil, testLogger())

	w := httptest.NewRecorder()
	handleGetPool(reader, testLogger()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/pool", nil))
	require.Equal(t, http.StatusOK, w.Code)

	var resp poolResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.False(t, resp.Initialized)
	assert.Empty(t, resp.Owner)
}

func TestGetBalances_PartialFailure(t *testing.T) {
	f := newFixture(t)
	owner := solana.NewWallet().PublicKey()
	f.ledger.FailBalance(f.pool.VaultB, errors.New("rpc timeout"))

	req := httptest.NewRequest("GET", "/api/v1/balances/"+owner.String(), nil)
	req.SetPathValue("owner", owner.String())
	w := httptest.NewRecorder()
	handleGetBalances(f.reader, testLogger()).ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp struct {
		Owner    string            `json:"owner"`
		Balances []balanceResponse `json:"balances"`
	}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, owner.String(), resp.Owner)
	require.Len(t, resp.Balances, 4)

	// The user has no token accounts yet; the pool A vault reads fine.
	assert.NotEmpty(t, resp.Balances[0].Error)
	assert.NotEmpty(t, resp.Balances[1].Error)
	require.NotNil(t, resp.Balances[2].Amount)
	assert.Equal(t, uint64(1_000_000_000), *resp.Balances[2].Amount)
	assert.Equal(t, "pool B", resp.Balances[3].Label)
	assert.Contains(t, resp.Balances[3].Error, "rpc timeout")
}

func TestGetAccount(t *testing.T) {
	f := newFixture(t)
	owner := solana.NewWallet().PublicKey()
	handler := handleGetAccount(f.reader, f.client, testLogger())

	ata, err := provision.Address(owner, f.pool.MintB)
	require.NoError(t, err)

	get := func(token string) *httptest.ResponseRecorder {
		req := httptest.NewRequest("GET", "/api/v1/accounts/"+owner.String()+"?token="+token, nil)
		req.SetPathValue("owner", owner.String())
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, req)
		return w
	}

	w := get("b")
	require.Equal(t, http.StatusOK, w.Code)
	var resp map[string]interface{}
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, ata.String(), resp["address"])
	assert.Equal(t, "B", resp["token"])
	assert.Equal(t, false, resp["exists"])

	f.ledger.SetTokenAccount(ata, f.pool.MintB, owner, 0)
	w = get("B")
	require.Equal(t, http.StatusOK, w.Code)
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, true, resp["exists"])

	assert.Equal(t, http.StatusBadRequest, get("C").Code)
}

func TestAddressRoutes_PathologicalInput(t *testing.T) {
	f := newFixture(t)
	handlers := map[string]http.Handler{
		"balances": handleGetBalances(f.reader, testLogger()),
		"accounts": handleGetAccount(f.reader, f.client, testLogger()),
	}

	tests := []struct {
		name    string
		address string
	}{
		{"empty address", ""},
		{"very long address", strings.Repeat("A", 500)},
		{"control characters", "wallet\x00123"},
		{"not base58", "0OIl"},
		{"base58 but not a key", "abc"},
	}

	for route, handler := range handlers {
		for _, tt := range tests {
			t.Run(route+"/"+tt.name, func(t *testing.T) {
				req := httptest.NewRequest("GET", "/api/v1/"+route+"/x?token=A", nil)
				req.SetPathValue("owner", tt.address)
				w := httptest.NewRecorder()
				handler.ServeHTTP(w, req)
				assert.Equal(t, http.StatusBadRequest, w.Code)
			})
		}
	}
}

// limitStore applies the page limit that memStore ignores.
type limitStore struct {
	*memStore
}

func (s *limitStore) ListCosigns(ctx context.Context, p db.ListCosignsParams) ([]*db.CosignRecord, error) {
	out, err := s.memStore.ListCosigns(ctx, p)
	if err != nil || len(out) <= int(p.Limit) {
		return out, err
	}
	return out[:p.Limit], nil
}

type countErrStore struct {
	*memStore
}

func (s *countErrStore) CountCosigns(ctx context.Context, feePayer string) (int64, error) {
	return 0, errors.New("count failed")
}

func TestListCosigns(t *testing.T) {
	store := &memStore{}
	payer := solana.NewWallet().PublicKey().String()
	for _, fp := range []string{payer, solana.NewWallet().PublicKey().String(), payer} {
		_, err := store.CreateCosign(context.Background(), db.CreateCosignParams{
			Operation: "swap", FeePayer: fp, Decision: db.DecisionApproved,
		})
		require.NoError(t, err)
	}
	handler := handleListCosigns(store, testLogger())

	t.Run("filter by fee payer", func(t *testing.T) {
		w := httptest.NewRecorder()
		handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/cosigns?fee_payer="+payer, nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Cosigns []cosignRecordResponse `json:"cosigns"`
			Count   int                    `json:"count"`
			Total   int64                  `json:"total"`
			Limit   int                    `json:"limit"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 2, resp.Count)
		assert.Equal(t, int64(2), resp.Total)
		assert.Equal(t, defaultListLimit, resp.Limit)
	})

	t.Run("total spans pages", func(t *testing.T) {
		paged := &limitStore{memStore: store}
		w := httptest.NewRecorder()
		handleListCosigns(paged, testLogger()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/cosigns?limit=1", nil))
		require.Equal(t, http.StatusOK, w.Code)

		var resp struct {
			Count int   `json:"count"`
			Total int64 `json:"total"`
		}
		require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
		assert.Equal(t, 1, resp.Count)
		assert.Equal(t, int64(3), resp.Total)
	})

	t.Run("count failure", func(t *testing.T) {
		w := httptest.NewRecorder()
		handleListCosigns(&countErrStore{memStore: store}, testLogger()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/cosigns", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
	})

	t.Run("bad parameters", func(t *testing.T) {
		for _, q := range []string{"limit=0", "limit=1001", "limit=x", "offset=-1", "fee_payer=bad;drop"} {
			w := httptest.NewRecorder()
			handler.ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/cosigns?"+q, nil))
			assert.Equal(t, http.StatusBadRequest, w.Code, q)
		}
	})

	t.Run("no store", func(t *testing.T) {
		w := httptest.NewRecorder()
		handleListCosigns(nil, testLogger()).ServeHTTP(w, httptest.NewRequest("GET", "/api/v1/cosigns", nil))
		assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	})
}

func TestServerRoutes(t *testing.T) {
	f := newFixture(t)
	srv := New(":0", f.signer, f.reader, f.client, nil, nil, nil, nil, testLogger())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/health")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp, err = http.Get(ts.URL + "/api/v1/authority")
	require.NoError(t, err)
	var body map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	resp.Body.Close()
	assert.Equal(t, f.signer.PublicKey().String(), body["authority"])
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))

	req, err := http.NewRequest("OPTIONS", ts.URL+"/api/v1/cosign", nil)
	require.NoError(t, err)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNoContent, resp.StatusCode)

	// No SSE publisher: the stream route is not registered.
	resp, err = http.Get(ts.URL + "/api/v1/stream/cosigns")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamFilter(t *testing.T) {
	subject, label := streamFilter("")
	assert.Equal(t, "cosigns.*", subject)
	assert.Equal(t, "all", label)

	subject, label = streamFilter("abc")
	assert.Equal(t, "cosigns.abc", subject)
	assert.Equal(t, "abc", label)
}
