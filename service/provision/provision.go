// Package provision ensures a wallet's associated token accounts exist before
// the swap program is called with them.
package provision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	associatedtokenaccount "github.com/gagliardetto/solana-go/programs/associated-token-account"

	"github.com/brojonat/tokenswap/service/metrics"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/retry"
	"github.com/brojonat/tokenswap/service/txn"
	"github.com/brojonat/tokenswap/service/wallet"
)

// ErrUnknownMint is returned for a mint that is not one of the pool's tokens.
var ErrUnknownMint = errors.New("mint is not a pool token")

// Error is returned when every provisioning attempt failed.
type Error struct {
	Owner    solana.PublicKey
	Mint     solana.PublicKey
	Address  solana.PublicKey
	Attempts int
	Err      error
}

func (e *Error) Error() string {
	return fmt.Sprintf("provision token account %s (owner %s, mint %s) failed after %d attempts: %v",
		e.Address, e.Owner, e.Mint, e.Attempts, e.Err)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// AccountRef is an owner's token account for one mint.
type AccountRef struct {
	Owner   solana.PublicKey `json:"owner"`
	Mint    solana.PublicKey `json:"mint"`
	Address solana.PublicKey `json:"address"`
	// Created is true when this call created the account.
	Created bool `json:"created"`
}

// Ledger is the read side the provisioner needs.
type Ledger interface {
	AccountExists(ctx context.Context, address solana.PublicKey) (bool, error)
}

// Provisioner derives and, when absent, creates associated token accounts.
type Provisioner struct {
	ledger  Ledger
	primary *txn.Sender
	sender  *txn.Sender
	pool    program.Pool
	policy  retry.Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// New creates a Provisioner. policy is the application-level retry around the
// fallback path; the sender's own broadcast policy is the network-level retry.
func New(ledger Ledger, sender *txn.Sender, pool program.Pool, policy retry.Policy, m *metrics.Metrics, logger *slog.Logger) *Provisioner {
	return &Provisioner{
		ledger:  ledger,
		primary: sender.WithBroadcastPolicy(retry.Policy{Name: "provision_primary", Attempts: 1}),
		sender:  sender,
		pool:    pool,
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

// Address derives the associated token account of owner for mint.
func Address(owner, mint solana.PublicKey) (solana.PublicKey, error) {
	addr, _, err := solana.FindAssociatedTokenAddress(owner, mint)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("derive token account: %w", err)
	}
	return addr, nil
}

// EnsureTokenAccount returns owner's token account for mint, creating it if absent.
// The primary path is a single get-or-create; on any failure the manual path is
// retried under the provisioner's policy. Exhaustion returns *Error.
func (p *Provisioner) EnsureTokenAccount(ctx context.Context, owner wallet.Signer, mint solana.PublicKey) (AccountRef, error) {
	ownerKey, err := owner.PublicKey()
	if err != nil {
		return AccountRef{}, err
	}
	if _, ok := p.pool.TokenForMint(mint); !ok {
		return AccountRef{}, fmt.Errorf("%w: %s", ErrUnknownMint, mint)
	}

	addr, err := Address(ownerKey, mint)
	if err != nil {
		return AccountRef{}, err
	}
	ref := AccountRef{Owner: ownerKey, Mint: mint, Address: addr}

	// absent is set once a read sees no account, so a later find was created here.
	absent, err := p.getOrCreate(ctx, owner, ref)
	if err == nil {
		ref.Created = absent
		p.record("primary", "success")
		return ref, nil
	}
	p.record("primary", "error")
	p.logger.WarnContext(ctx, "get-or-create failed, falling back to manual creation",
		"owner", ownerKey.String(),
		"mint", mint.String(),
		"address", addr.String(),
		"error", err,
	)

	attempts := 0
	err = retry.Do(ctx, p.policy, p.metrics, p.logger, func(ctx context.Context, attempt int) error {
		attempts = attempt
		missing, err := p.createManually(ctx, owner, ref)
		absent = absent || missing
		return err
	})
	if err != nil {
		p.record("fallback", "error")
		return AccountRef{}, &Error{Owner: ownerKey, Mint: mint, Address: addr, Attempts: attempts, Err: err}
	}

	p.record("fallback", "success")
	ref.Created = absent
	return ref, nil
}

// getOrCreate fetches the account and sends a single create if it is missing.
// It reports whether the fetch saw the account missing.
func (p *Provisioner) getOrCreate(ctx context.Context, owner wallet.Signer, ref AccountRef) (bool, error) {
	exists, err := p.ledger.AccountExists(ctx, ref.Address)
	if err != nil {
		return false, err
	}
	if exists {
		return false, nil
	}

	ix := associatedtokenaccount.NewCreateInstruction(ref.Owner, ref.Owner, ref.Mint).Build()
	_, err = p.signAndSend(ctx, p.primary, owner, ref, ix)
	return true, err
}

// createManually is one fallback attempt: derive, fetch, build, fresh
// blockhash, sign, broadcast with network retries, confirm, re-fetch. It
// reports whether the first fetch saw the account missing; an account that
// already exists is returned without sending.
func (p *Provisioner) createManually(ctx context.Context, owner wallet.Signer, ref AccountRef) (bool, error) {
	addr, err := Address(ref.Owner, ref.Mint)
	if err != nil {
		return false, retry.Permanent(err)
	}
	ref.Address = addr

	exists, err := p.ledger.AccountExists(ctx, addr)
	if err != nil {
		return false, fmt.Errorf("fetch token account: %w", err)
	}
	if exists {
		return false, nil
	}

	if _, err := p.signAndSend(ctx, p.sender, owner, ref, createIdempotentInstruction(ref)); err != nil {
		return true, err
	}

	exists, err = p.ledger.AccountExists(ctx, addr)
	if err != nil {
		return true, fmt.Errorf("re-fetch token account: %w", err)
	}
	if !exists {
		return true, fmt.Errorf("token account %s not found after creation", addr)
	}
	return true, nil
}

func (p *Provisioner) signAndSend(ctx context.Context, sender *txn.Sender, owner wallet.Signer, ref AccountRef, ix solana.Instruction) (solana.Signature, error) {
	// Build fetches the blockhash; signing follows immediately.
	tx, err := sender.Build(ctx, []solana.Instruction{ix}, ref.Owner)
	if err != nil {
		return solana.Signature{}, err
	}
	if _, err := owner.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("wallet sign: %w", err)
	}

	sig, err := sender.Send(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	p.logger.InfoContext(ctx, "token account created",
		"owner", ref.Owner.String(),
		"mint", ref.Mint.String(),
		"address", ref.Address.String(),
		"signature", sig.String(),
	)
	return sig, nil
}

// createIdempotentInstruction builds the associated token account program's
// CreateIdempotent instruction, which succeeds if the account already exists.
func createIdempotentInstruction(ref AccountRef) solana.Instruction {
	return solana.NewInstruction(
		solana.SPLAssociatedTokenAccountProgramID,
		solana.AccountMetaSlice{
			solana.Meta(ref.Owner).WRITE().SIGNER(),
			solana.Meta(ref.Address).WRITE(),
			solana.Meta(ref.Owner),
			solana.Meta(ref.Mint),
			solana.Meta(solana.SystemProgramID),
			solana.Meta(solana.TokenProgramID),
		},
		[]byte{1},
	)
}

func (p *Provisioner) record(path, outcome string) {
	if p.metrics != nil {
		p.metrics.RecordProvision(path, outcome)
	}
}
