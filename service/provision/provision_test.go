package provision

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/gagliardetto/solana-go/rpc/jsonrpc"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/retry"
	solsvc "github.com/brojonat/tokenswap/service/solana"
	"github.com/brojonat/tokenswap/service/solana/solanatest"
	"github.com/brojonat/tokenswap/service/txn"
	"github.com/brojonat/tokenswap/service/wallet"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type fixture struct {
	ledger      *solanatest.Ledger
	pool        program.Pool
	provisioner *Provisioner
	owner       *wallet.Adapter
	ownerKey    solana.PublicKey
}

func newFixture(t *testing.T) *fixture {
	t.Helper()

	pool := program.Pool{
		ProgramID: solana.NewWallet().PublicKey(),
		State:     solana.NewWallet().PublicKey(),
		MintA:     solana.NewWallet().PublicKey(),
		MintB:     solana.NewWallet().PublicKey(),
		VaultA:    solana.NewWallet().PublicKey(),
		VaultB:    solana.NewWallet().PublicKey(),
		Decimals:  6,
	}
	ledger := solanatest.NewLedger(pool.ProgramID)
	ledger.AddMint(pool.MintA, pool.Decimals)
	ledger.AddMint(pool.MintB, pool.Decimals)

	client := solsvc.NewClient(ledger, "test", nil, testLogger())
	sender := txn.NewSender(client, txn.Options{
		Broadcast:      retry.Policy{Name: "broadcast", Attempts: 3, Backoff: time.Millisecond},
		ConfirmTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}, nil, testLogger())
	policy := retry.Policy{Name: "provision", Attempts: 3, Backoff: time.Millisecond}

	owner := wallet.NewAdapter(wallet.NewKeypairProvider(solana.NewWallet().PrivateKey), testLogger())
	ownerKey, err := owner.Connect(context.Background())
	require.NoError(t, err)

	return &fixture{
		ledger:      ledger,
		pool:        pool,
		provisioner: New(client, sender, pool, policy, nil, testLogger()),
		owner:       owner,
		ownerKey:    ownerKey,
	}
}

// isIdempotentCreate reports whether tx carries a CreateIdempotent instruction.
func isIdempotentCreate(tx *solana.Transaction) bool {
	for _, ci := range tx.Message.Instructions {
		pid, err := tx.Message.Program(ci.ProgramIDIndex)
		if err == nil && pid.Equals(solana.SPLAssociatedTokenAccountProgramID) {
			return len(ci.Data) > 0 && ci.Data[0] == 1
		}
	}
	return false
}

func rejected(msg string) error {
	return &jsonrpc.RPCError{Code: -32002, Message: "Transaction simulation failed: " + msg}
}

func TestAddress_Deterministic(t *testing.T) {
	owner := solana.NewWallet().PublicKey()
	mint := solana.NewWallet().PublicKey()

	a1, err := Address(owner, mint)
	require.NoError(t, err)
	a2, err := Address(owner, mint)
	require.NoError(t, err)
	assert.Equal(t, a1, a2)

	other, err := Address(owner, solana.NewWallet().PublicKey())
	require.NoError(t, err)
	assert.NotEqual(t, a1, other)
}

func TestEnsureTokenAccount_CreatesMissingAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	ref, err := f.provisioner.EnsureTokenAccount(ctx, f.owner, f.pool.MintA)
	require.NoError(t, err)

	want, err := Address(f.ownerKey, f.pool.MintA)
	require.NoError(t, err)
	assert.Equal(t, want, ref.Address)
	assert.True(t, ref.Created)
	assert.True(t, f.ledger.Exists(ref.Address))
	assert.Equal(t, uint64(0), f.ledger.Balance(ref.Address))

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.False(t, isIdempotentCreate(sent[0]), "primary path uses the plain create")
}

func TestEnsureTokenAccount_ExistingAccountIsReturned(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	first, err := f.provisioner.EnsureTokenAccount(ctx, f.owner, f.pool.MintB)
	require.NoError(t, err)

	second, err := f.provisioner.EnsureTokenAccount(ctx, f.owner, f.pool.MintB)
	require.NoError(t, err)

	assert.Equal(t, first.Address, second.Address)
	assert.False(t, second.Created)
	assert.Len(t, f.ledger.Sent(), 1, "second call does not send a transaction")
}

func TestEnsureTokenAccount_UnknownMint(t *testing.T) {
	f := newFixture(t)

	_, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, solana.NewWallet().PublicKey())
	assert.ErrorIs(t, err, ErrUnknownMint)
	assert.Zero(t, f.ledger.SendCalls())
}

func TestEnsureTokenAccount_DisconnectedWallet(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.owner.Disconnect(context.Background()))

	_, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintA)
	assert.ErrorIs(t, err, wallet.ErrNotConnected)
}

func TestEnsureTokenAccount_FallbackAfterPrimaryReadFails(t *testing.T) {
	f := newFixture(t)
	f.ledger.FailAccountInfo(1, errors.New("node unavailable"))

	ref, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintA)
	require.NoError(t, err)
	assert.True(t, ref.Created)
	assert.True(t, f.ledger.Exists(ref.Address))

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.True(t, isIdempotentCreate(sent[0]))
}

func TestEnsureTokenAccount_FallbackFindsExistingAccount(t *testing.T) {
	f := newFixture(t)
	addr, err := Address(f.ownerKey, f.pool.MintA)
	require.NoError(t, err)
	f.ledger.SetTokenAccount(addr, f.pool.MintA, f.ownerKey, 42)
	f.ledger.FailAccountInfo(1, errors.New("node unavailable"))

	ref, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintA)
	require.NoError(t, err)
	assert.Equal(t, addr, ref.Address)
	assert.False(t, ref.Created, "account existed before the call")
	assert.Zero(t, f.ledger.SendCalls())
	assert.Equal(t, uint64(42), f.ledger.Balance(addr))
}

func TestEnsureTokenAccount_FallbackUsesFreshBlockhashPerAttempt(t *testing.T) {
	f := newFixture(t)

	fallbackSends := 0
	f.ledger.BeforeSend = func(tx *solana.Transaction) error {
		if !isIdempotentCreate(tx) {
			return rejected("primary create unavailable")
		}
		fallbackSends++
		if fallbackSends == 1 {
			return rejected("first fallback attempt dropped")
		}
		return nil
	}

	ref, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintA)
	require.NoError(t, err)
	assert.True(t, f.ledger.Exists(ref.Address))
	assert.Equal(t, 2, fallbackSends)

	// One blockhash for the primary, one per fallback attempt; the landed
	// transaction carries the last one fetched.
	hashes := f.ledger.Blockhashes()
	require.Len(t, hashes, 3)
	assert.NotEqual(t, hashes[1], hashes[2])

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, hashes[2], sent[0].Message.RecentBlockhash)
}

func TestEnsureTokenAccount_FallbackBoundedByPolicy(t *testing.T) {
	f := newFixture(t)

	fallbackSends := 0
	f.ledger.BeforeSend = func(tx *solana.Transaction) error {
		if isIdempotentCreate(tx) {
			fallbackSends++
		}
		return rejected("account creation disabled")
	}

	_, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintA)
	require.Error(t, err)

	var provErr *Error
	require.ErrorAs(t, err, &provErr)
	assert.Equal(t, 3, provErr.Attempts)
	assert.Equal(t, f.ownerKey, provErr.Owner)
	assert.Equal(t, f.pool.MintA, provErr.Mint)
	assert.ErrorIs(t, err, retry.ErrExhausted)

	var bErr *txn.BroadcastError
	assert.ErrorAs(t, err, &bErr, "last attempt's cause is preserved")

	// Rejections are final at the network level, so each app-level attempt sends once.
	assert.Equal(t, 3, fallbackSends)
	assert.False(t, f.ledger.Exists(provErr.Address))
}

func TestEnsureTokenAccount_FallbackRetriesTransportInsideAttempt(t *testing.T) {
	f := newFixture(t)
	// The primary sends once and fails; the fallback's first send fails and is
	// retried by the network policy within the same attempt.
	f.ledger.FailSends(2, nil)

	ref, err := f.provisioner.EnsureTokenAccount(context.Background(), f.owner, f.pool.MintB)
	require.NoError(t, err)
	assert.True(t, f.ledger.Exists(ref.Address))
	assert.True(t, ref.Created)
	assert.Equal(t, 3, f.ledger.SendCalls())
	assert.Len(t, f.ledger.Blockhashes(), 2, "one fallback attempt")

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.True(t, isIdempotentCreate(sent[0]))
}

func TestEnsureTokenAccount_ContextCancelled(t *testing.T) {
	f := newFixture(t)
	f.ledger.BeforeSend = func(tx *solana.Transaction) error {
		return rejected("unavailable")
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := f.provisioner.EnsureTokenAccount(ctx, f.owner, f.pool.MintA)
	require.Error(t, err)
	assert.ErrorIs(t, err, context.Canceled)
}
