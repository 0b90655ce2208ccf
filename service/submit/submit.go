// Package submit builds, co-signs, signs and sends swap program instructions.
package submit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/authority"
	"github.com/brojonat/tokenswap/service/metrics"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/txn"
	"github.com/brojonat/tokenswap/service/wallet"
)

// Request is one swap program call.
type Request struct {
	Operation program.Operation
	Amount    uint64
	// Accounts fills every role of Operation. The owner role may be left out;
	// it is filled with the co-signer's key.
	Accounts program.Accounts
	// FeePayer is the connected wallet. It pays fees and signs last.
	FeePayer wallet.Signer
	// ExtraSigners sign roles held by fresh keypairs, such as a new pool state account.
	ExtraSigners []solana.PrivateKey
}

// Submitter sends one transaction per Submit call. Concurrent calls are
// independent; nothing orders or serializes them.
type Submitter struct {
	sender    *txn.Sender
	programID solana.PublicKey
	cosigner  authority.CoSigner
	metrics   *metrics.Metrics
	logger    *slog.Logger
}

// New creates a Submitter for the program at programID.
func New(sender *txn.Sender, programID solana.PublicKey, cosigner authority.CoSigner, m *metrics.Metrics, logger *slog.Logger) *Submitter {
	return &Submitter{
		sender:    sender,
		programID: programID,
		cosigner:  cosigner,
		metrics:   m,
		logger:    logger,
	}
}

// Authority returns the key that fills the owner role.
func (s *Submitter) Authority() solana.PublicKey {
	return s.cosigner.PublicKey()
}

// Submit builds the instruction from the role table, fetches a fresh blockhash,
// collects the extra, authority and wallet signatures, verifies every slot, then
// broadcasts and waits for confirmation. It returns the transaction signature;
// on a confirmation failure the signature is returned alongside the error.
func (s *Submitter) Submit(ctx context.Context, req Request) (solana.Signature, error) {
	start := time.Now()
	sig, err := s.submit(ctx, req)
	s.record(req.Operation, err, start)
	if err != nil {
		s.logger.ErrorContext(ctx, "submission failed",
			"operation", req.Operation,
			"amount", req.Amount,
			"signature", signatureAttr(sig),
			"error", err,
		)
		return sig, err
	}

	s.logger.InfoContext(ctx, "submission confirmed",
		"operation", req.Operation,
		"amount", req.Amount,
		"signature", sig.String(),
		"duration", time.Since(start),
	)
	return sig, nil
}

func (s *Submitter) submit(ctx context.Context, req Request) (solana.Signature, error) {
	if req.FeePayer == nil {
		return solana.Signature{}, wallet.ErrNotConnected
	}
	payer, err := req.FeePayer.PublicKey()
	if err != nil {
		return solana.Signature{}, err
	}

	accounts, err := s.withAuthority(req.Accounts)
	if err != nil {
		return solana.Signature{}, err
	}

	ix, err := program.BuildInstruction(s.programID, req.Operation, accounts, req.Amount)
	if err != nil {
		return solana.Signature{}, err
	}

	tx, err := s.sender.Build(ctx, []solana.Instruction{ix}, payer)
	if err != nil {
		return solana.Signature{}, err
	}

	expected := []solana.PublicKey{payer}
	for _, role := range program.SignerRoles(req.Operation) {
		expected = append(expected, accounts[role])
	}
	if err := txn.CheckSigners(tx, expected...); err != nil {
		return solana.Signature{}, fmt.Errorf("%s: %w", req.Operation, err)
	}

	if err := txn.SignWith(tx, req.ExtraSigners...); err != nil {
		return solana.Signature{}, err
	}
	if err := s.cosigner.CoSign(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("authority co-sign: %w", err)
	}
	if _, err := req.FeePayer.SignTransaction(ctx, tx); err != nil {
		return solana.Signature{}, fmt.Errorf("wallet sign: %w", err)
	}

	return s.sender.Send(ctx, tx)
}

func (s *Submitter) withAuthority(in program.Accounts) (program.Accounts, error) {
	auth := s.cosigner.PublicKey()
	out := make(program.Accounts, len(in)+1)
	for k, v := range in {
		out[k] = v
	}
	owner, ok := out[program.AuthorityRole]
	if !ok {
		out[program.AuthorityRole] = auth
		return out, nil
	}
	if !owner.Equals(auth) {
		return nil, fmt.Errorf("%s role is %s but the co-signer is %s", program.AuthorityRole, owner, auth)
	}
	return out, nil
}

func (s *Submitter) record(op program.Operation, err error, start time.Time) {
	if s.metrics == nil {
		return
	}
	s.metrics.RecordSubmission(string(op), Outcome(err), time.Since(start).Seconds())
}

// Outcome classifies a Submit error for metrics and logs.
func Outcome(err error) string {
	var (
		broadcastErr *txn.BroadcastError
		execErr      *txn.ExecutionError
		policyErr    *authority.PolicyError
	)
	switch {
	case err == nil:
		return "confirmed"
	case errors.Is(err, wallet.ErrNotConnected):
		return "wallet_not_connected"
	case errors.Is(err, wallet.ErrRejected):
		return "wallet_rejected"
	case errors.As(err, &policyErr):
		return "policy_rejected"
	case errors.Is(err, txn.ErrSignatureMissing):
		return "signature_missing"
	case errors.As(err, &broadcastErr):
		return "broadcast_rejected"
	case errors.As(err, &execErr):
		return "execution_failed"
	case errors.Is(err, txn.ErrConfirmationTimeout):
		return "confirmation_timeout"
	}
	return "error"
}

func signatureAttr(sig solana.Signature) string {
	if sig.IsZero() {
		return ""
	}
	return sig.String()
}
