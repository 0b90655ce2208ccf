// Package exchange runs the user-facing flows: ensure token accounts, submit the
// program call, then refresh balances. State is carried in an explicit Session.
package exchange

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/balance"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/provision"
	solsvc "github.com/brojonat/tokenswap/service/solana"
	"github.com/brojonat/tokenswap/service/submit"
	"github.com/brojonat/tokenswap/service/wallet"
)

var (
	// ErrPoolExists is returned by InitializePool when the pool state account is already in use.
	ErrPoolExists = errors.New("pool already initialized")

	// ErrPoolNotInitialized is returned by PoolState when the pool state account does not exist.
	ErrPoolNotInitialized = errors.New("pool not initialized")

	// ErrInvalidAmount is returned for a zero amount.
	ErrInvalidAmount = errors.New("amount must be greater than zero")
)

// Session is one connected wallet. It is owned by the caller and passed to
// every operation; it is invalid once the wallet disconnects.
type Session struct {
	Wallet *wallet.Adapter
}

// NewSession wraps a wallet adapter.
func NewSession(w *wallet.Adapter) *Session {
	return &Session{Wallet: w}
}

// Ledger is the account read the service needs beyond its components.
type Ledger interface {
	GetAccount(ctx context.Context, address solana.PublicKey) (*solsvc.Account, error)
}

// Service orchestrates the exchange flows against one pool.
type Service struct {
	pool        program.Pool
	ledger      Ledger
	provisioner *provision.Provisioner
	submitter   *submit.Submitter
	balances    *balance.Reader
	rate        program.RateModel
	logger      *slog.Logger
}

// NewService creates a Service. A nil rate model quotes 1:1.
func NewService(
	pool program.Pool,
	ledger Ledger,
	provisioner *provision.Provisioner,
	submitter *submit.Submitter,
	balances *balance.Reader,
	rate program.RateModel,
	logger *slog.Logger,
) *Service {
	if rate == nil {
		rate = program.OneToOne{}
	}
	return &Service{
		pool:        pool,
		ledger:      ledger,
		provisioner: provisioner,
		submitter:   submitter,
		balances:    balances,
		rate:        rate,
		logger:      logger,
	}
}

// Pool returns the pool the service operates on.
func (s *Service) Pool() program.Pool {
	return s.pool
}

// FaucetResult is the outcome of a confirmed faucet call.
type FaucetResult struct {
	Signature solana.Signature
	Token     program.Token
	Amount    uint64
	Account   provision.AccountRef
	Snapshot  Snapshot
}

// SwapResult is the outcome of a confirmed swap.
type SwapResult struct {
	Signature   solana.Signature
	Direction   program.Direction
	AmountIn    uint64
	ExpectedOut uint64
	Snapshot    Snapshot
}

func (s *Service) owner(sess *Session) (solana.PublicKey, error) {
	if sess == nil || sess.Wallet == nil || !sess.Wallet.Connected() {
		return solana.PublicKey{}, wallet.ErrNotConnected
	}
	return sess.Wallet.PublicKey()
}

// Faucet ensures the user's account for token, asks the pool to send amount to
// it, then reads a fresh snapshot.
func (s *Service) Faucet(ctx context.Context, sess *Session, token program.Token, amount uint64) (*FaucetResult, error) {
	owner, err := s.owner(sess)
	if err != nil {
		return nil, err
	}
	if amount == 0 {
		return nil, ErrInvalidAmount
	}

	ref, err := s.provisioner.EnsureTokenAccount(ctx, sess.Wallet, s.pool.Mint(token))
	if err != nil {
		return nil, err
	}

	sig, err := s.submitter.Submit(ctx, submit.Request{
		Operation: program.OpFaucet,
		Amount:    amount,
		Accounts:  program.FaucetAccounts(s.pool, token, ref.Address, s.submitter.Authority()),
		FeePayer:  sess.Wallet,
	})
	if err != nil {
		return nil, err
	}

	return &FaucetResult{
		Signature: sig,
		Token:     token,
		Amount:    amount,
		Account:   ref,
		Snapshot:  s.Snapshot(ctx, owner),
	}, nil
}

// EnsureAccount creates the user's token account for token if it is missing.
func (s *Service) EnsureAccount(ctx context.Context, sess *Session, token program.Token) (provision.AccountRef, error) {
	if _, err := s.owner(sess); err != nil {
		return provision.AccountRef{}, err
	}
	return s.provisioner.EnsureTokenAccount(ctx, sess.Wallet, s.pool.Mint(token))
}

// Quote returns the expected output of swapping amount in dir.
func (s *Service) Quote(amount uint64, dir program.Direction) (uint64, error) {
	if amount == 0 {
		return 0, ErrInvalidAmount
	}
	return s.rate.Quote(amount, dir)
}

// Swap ensures both user accounts, quotes the expected output, submits the swap
// and reads a fresh snapshot. Concurrent swaps are independent transactions.
func (s *Service) Swap(ctx context.Context, sess *Session, dir program.Direction, amount uint64) (*SwapResult, error) {
	owner, err := s.owner(sess)
	if err != nil {
		return nil, err
	}
	expected, err := s.Quote(amount, dir)
	if err != nil {
		return nil, err
	}

	from, err := s.provisioner.EnsureTokenAccount(ctx, sess.Wallet, s.pool.Mint(dir.From))
	if err != nil {
		return nil, err
	}
	to, err := s.provisioner.EnsureTokenAccount(ctx, sess.Wallet, s.pool.Mint(dir.To))
	if err != nil {
		return nil, err
	}

	sig, err := s.submitter.Submit(ctx, submit.Request{
		Operation: program.OpSwap,
		Amount:    amount,
		Accounts:  program.SwapAccounts(s.pool, dir, owner, from.Address, to.Address, s.submitter.Authority()),
		FeePayer:  sess.Wallet,
	})
	if err != nil {
		return nil, err
	}

	s.logger.InfoContext(ctx, "swap confirmed",
		"direction", dir.String(),
		"amount_in", amount,
		"expected_out", expected,
		"signature", sig.String(),
	)
	return &SwapResult{
		Signature:   sig,
		Direction:   dir,
		AmountIn:    amount,
		ExpectedOut: expected,
		Snapshot:    s.Snapshot(ctx, owner),
	}, nil
}

// InitializePool creates the pool state account at poolKey's address with the
// authority as owner. The pool's vault accounts must already exist.
func (s *Service) InitializePool(ctx context.Context, sess *Session, poolKey solana.PrivateKey) (solana.Signature, error) {
	if _, err := s.owner(sess); err != nil {
		return solana.Signature{}, err
	}
	if !poolKey.PublicKey().Equals(s.pool.State) {
		return solana.Signature{}, fmt.Errorf("pool keypair %s does not match configured pool %s", poolKey.PublicKey(), s.pool.State)
	}

	_, err := s.ledger.GetAccount(ctx, s.pool.State)
	switch {
	case err == nil:
		return solana.Signature{}, fmt.Errorf("%w: %s", ErrPoolExists, s.pool.State)
	case !errors.Is(err, solsvc.ErrAccountNotFound):
		return solana.Signature{}, fmt.Errorf("check pool account: %w", err)
	}

	return s.submitter.Submit(ctx, submit.Request{
		Operation:    program.OpInitialize,
		Accounts:     program.InitializeAccounts(s.pool, s.submitter.Authority()),
		FeePayer:     sess.Wallet,
		ExtraSigners: []solana.PrivateKey{poolKey},
	})
}

// PoolState reads and decodes the on-chain pool state.
func (s *Service) PoolState(ctx context.Context) (*program.SwapPoolState, error) {
	acc, err := s.ledger.GetAccount(ctx, s.pool.State)
	if errors.Is(err, solsvc.ErrAccountNotFound) {
		return nil, fmt.Errorf("%w: %s", ErrPoolNotInitialized, s.pool.State)
	}
	if err != nil {
		return nil, err
	}
	if !acc.Owner.Equals(s.pool.ProgramID) {
		return nil, fmt.Errorf("pool account %s is owned by %s, not the swap program", s.pool.State, acc.Owner)
	}
	return program.DecodeSwapPool(acc.Data)
}

// UserAccounts derives owner's token accounts for A and B.
func (s *Service) UserAccounts(owner solana.PublicKey) (a, b solana.PublicKey, err error) {
	if a, err = provision.Address(owner, s.pool.MintA); err != nil {
		return
	}
	b, err = provision.Address(owner, s.pool.MintB)
	return
}

// Snapshot reads the four balances: owner's A and B accounts and the pool's
// vaults. Each read fails independently.
func (s *Service) Snapshot(ctx context.Context, owner solana.PublicKey) Snapshot {
	snap := Snapshot{Owner: owner, ReadAt: time.Now().UTC()}

	userA, userB, err := s.UserAccounts(owner)
	if err != nil {
		s.logger.WarnContext(ctx, "derive user accounts failed", "owner", owner.String(), "error", err)
	}

	results := s.balances.ReadBalances(ctx, []solana.PublicKey{userA, userB, s.pool.VaultA, s.pool.VaultB})
	snap.UserA, snap.UserB, snap.PoolA, snap.PoolB = results[0], results[1], results[2], results[3]
	return snap
}
