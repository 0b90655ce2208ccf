package submit

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/brojonat/tokenswap/service/authority"
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
	ledger    *solanatest.Ledger
	pool      program.Pool
	submitter *Submitter
	authority *authority.Local
	user      *wallet.Adapter
	userKey   solana.PublicKey
	userA     solana.PublicKey
	userB     solana.PublicKey
}

func newFixture(t *testing.T, initialized bool) *fixture {
	t.Helper()

	pool := solanatest.NewPool()
	ledger := solanatest.NewLedger(pool.ProgramID)
	auth := authority.NewLocal(solana.NewWallet().PrivateKey, authority.Policy{Pool: pool}, nil, testLogger())
	require.NoError(t, ledger.SeedPool(pool, auth.PublicKey(), 1_000_000, initialized))

	client := solsvc.NewClient(ledger, "test", nil, testLogger())
	sender := txn.NewSender(client, txn.Options{
		Broadcast:      retry.Policy{Name: "broadcast", Attempts: 3, Backoff: time.Millisecond},
		ConfirmTimeout: time.Second,
		PollInterval:   5 * time.Millisecond,
	}, nil, testLogger())

	user := wallet.NewAdapter(wallet.NewKeypairProvider(solana.NewWallet().PrivateKey), testLogger())
	userKey, err := user.Connect(context.Background())
	require.NoError(t, err)

	f := &fixture{
		ledger:    ledger,
		pool:      pool,
		submitter: New(sender, pool.ProgramID, auth, nil, testLogger()),
		authority: auth,
		user:      user,
		userKey:   userKey,
		userA:     solana.NewWallet().PublicKey(),
		userB:     solana.NewWallet().PublicKey(),
	}
	ledger.SetTokenAccount(f.userA, pool.MintA, userKey, 0)
	ledger.SetTokenAccount(f.userB, pool.MintB, userKey, 0)
	return f
}

func (f *fixture) faucet(token program.Token, to solana.PublicKey, amount uint64) Request {
	return Request{
		Operation: program.OpFaucet,
		Amount:    amount,
		Accounts:  program.FaucetAccounts(f.pool, token, to, f.authority.PublicKey()),
		FeePayer:  f.user,
	}
}

func TestSubmit_FaucetMovesExactAmount(t *testing.T) {
	f := newFixture(t, true)

	sig, err := f.submitter.Submit(context.Background(), f.faucet(program.TokenA, f.userA, 250))
	require.NoError(t, err)
	assert.False(t, sig.IsZero())

	assert.Equal(t, uint64(250), f.ledger.Balance(f.userA))
	assert.Equal(t, uint64(1_000_000-250), f.ledger.Balance(f.pool.VaultA))
	assert.Equal(t, uint64(1_000_000), f.ledger.Balance(f.pool.VaultB))

	sent := f.ledger.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, sig, sent[0].Signatures[0])
	assert.Equal(t, f.userKey, sent[0].Message.AccountKeys[0], "wallet pays fees")
	assert.Equal(t, f.ledger.Blockhashes()[0], sent[0].Message.RecentBlockhash)
}

func TestSubmit_SwapOneToOne(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	f.ledger.SetTokenAccount(f.userA, f.pool.MintA, f.userKey, 100)

	_, err := f.submitter.Submit(ctx, Request{
		Operation: program.OpSwap,
		Amount:    40,
		Accounts:  program.SwapAccounts(f.pool, program.AToB, f.userKey, f.userA, f.userB, f.authority.PublicKey()),
		FeePayer:  f.user,
	})
	require.NoError(t, err)

	assert.Equal(t, uint64(60), f.ledger.Balance(f.userA))
	assert.Equal(t, uint64(40), f.ledger.Balance(f.userB))
	assert.Equal(t, uint64(1_000_040), f.ledger.Balance(f.pool.VaultA))
	assert.Equal(t, uint64(999_960), f.ledger.Balance(f.pool.VaultB))
}

func TestSubmit_OwnerRoleFilledFromCoSigner(t *testing.T) {
	f := newFixture(t, true)
	req := f.faucet(program.TokenB, f.userB, 7)
	delete(req.Accounts, program.RoleOwner)

	_, err := f.submitter.Submit(context.Background(), req)
	require.NoError(t, err)
	assert.Equal(t, uint64(7), f.ledger.Balance(f.userB))
}

func TestSubmit_OwnerRoleMismatch(t *testing.T) {
	f := newFixture(t, true)
	req := f.faucet(program.TokenA, f.userA, 1)
	req.Accounts[program.RoleOwner] = solana.NewWallet().PublicKey()

	_, err := f.submitter.Submit(context.Background(), req)
	require.Error(t, err)
	assert.Zero(t, f.ledger.SendCalls())
}

func TestSubmit_WalletNotConnected(t *testing.T) {
	f := newFixture(t, true)
	require.NoError(t, f.user.Disconnect(context.Background()))

	_, err := f.submitter.Submit(context.Background(), f.faucet(program.TokenA, f.userA, 1))
	assert.ErrorIs(t, err, wallet.ErrNotConnected)
	assert.Equal(t, "wallet_not_connected", Outcome(err))
	assert.Zero(t, f.ledger.SendCalls())
}

func TestSubmit_MissingExtraSigner(t *testing.T) {
	poolKey := solana.NewWallet()
	f := newFixture(t, false)
	f.pool.State = poolKey.PublicKey()
	f.authority = authority.NewLocal(solana.NewWallet().PrivateKey, authority.Policy{Pool: f.pool}, nil, testLogger())
	f.submitter.cosigner = f.authority

	// Without the pool keypair the state account's slot stays empty.
	_, err := f.submitter.Submit(context.Background(), Request{
		Operation: program.OpInitialize,
		Accounts:  program.InitializeAccounts(f.pool, f.authority.PublicKey()),
		FeePayer:  f.user,
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, txn.ErrSignatureMissing)

	var missing *txn.SignatureMissingError
	require.True(t, errors.As(err, &missing))
	assert.Equal(t, poolKey.PublicKey(), missing.Signer)
	assert.Zero(t, f.ledger.SendCalls())

	// With it, the pool is created.
	_, err = f.submitter.Submit(context.Background(), Request{
		Operation:    program.OpInitialize,
		Accounts:     program.InitializeAccounts(f.pool, f.authority.PublicKey()),
		FeePayer:     f.user,
		ExtraSigners: []solana.PrivateKey{poolKey.PrivateKey},
	})
	require.NoError(t, err)
	assert.True(t, f.ledger.Exists(poolKey.PublicKey()))
}

func TestSubmit_PolicyRejectionSendsNothing(t *testing.T) {
	f := newFixture(t, true)
	strict := authority.NewLocal(solana.NewWallet().PrivateKey, authority.Policy{Pool: f.pool, MaxFaucetAmount: 5}, nil, testLogger())
	f.submitter.cosigner = strict

	req := f.faucet(program.TokenA, f.userA, 6)
	req.Accounts[program.RoleOwner] = strict.PublicKey()

	_, err := f.submitter.Submit(context.Background(), req)
	var policyErr *authority.PolicyError
	require.ErrorAs(t, err, &policyErr)
	assert.Equal(t, "policy_rejected", Outcome(err))
	assert.Zero(t, f.ledger.SendCalls())
}

func TestSubmit_BroadcastRejectedCarriesLogs(t *testing.T) {
	f := newFixture(t, true)

	// Swap more than the user holds: preflight fails.
	_, err := f.submitter.Submit(context.Background(), Request{
		Operation: program.OpSwap,
		Amount:    10,
		Accounts:  program.SwapAccounts(f.pool, program.AToB, f.userKey, f.userA, f.userB, f.authority.PublicKey()),
		FeePayer:  f.user,
	})
	var bErr *txn.BroadcastError
	require.ErrorAs(t, err, &bErr)
	assert.NotEmpty(t, bErr.Logs)
	assert.Contains(t, err.Error(), "insufficient funds")
	assert.Equal(t, "broadcast_rejected", Outcome(err))
	assert.Equal(t, uint64(1_000_000), f.ledger.Balance(f.pool.VaultA), "no partial state change")
}

func TestSubmit_ExecutionFailedCarriesLogs(t *testing.T) {
	f := newFixture(t, true)
	f.ledger.Preflight = false

	sig, err := f.submitter.Submit(context.Background(), f.faucet(program.TokenA, f.userA, 2_000_000))
	var execErr *txn.ExecutionError
	require.ErrorAs(t, err, &execErr)
	assert.Equal(t, sig, execErr.Signature)
	assert.NotEmpty(t, execErr.Logs)
	assert.Equal(t, "execution_failed", Outcome(err))
	assert.Zero(t, f.ledger.Balance(f.userA))
}

func TestSubmit_ConcurrentSwapsAreIndependent(t *testing.T) {
	f := newFixture(t, true)
	f.ledger.SetTokenAccount(f.userA, f.pool.MintA, f.userKey, 100)

	req := Request{
		Operation: program.OpSwap,
		Amount:    10,
		Accounts:  program.SwapAccounts(f.pool, program.AToB, f.userKey, f.userA, f.userB, f.authority.PublicKey()),
		FeePayer:  f.user,
	}

	type result struct {
		sig solana.Signature
		err error
	}
	results := make(chan result, 2)
	for i := 0; i < 2; i++ {
		go func() {
			sig, err := f.submitter.Submit(context.Background(), req)
			results <- result{sig, err}
		}()
	}

	var sigs []solana.Signature
	for i := 0; i < 2; i++ {
		r := <-results
		require.NoError(t, r.err)
		sigs = append(sigs, r.sig)
	}
	assert.NotEqual(t, sigs[0], sigs[1])
	assert.Len(t, f.ledger.Sent(), 2)
	assert.Equal(t, uint64(80), f.ledger.Balance(f.userA))
	assert.Equal(t, uint64(20), f.ledger.Balance(f.userB))
}

func TestOutcome(t *testing.T) {
	assert.Equal(t, "confirmed", Outcome(nil))
	assert.Equal(t, "confirmation_timeout", Outcome(txn.ErrConfirmationTimeout))
	assert.Equal(t, "error", Outcome(errors.New("boom")))
}
