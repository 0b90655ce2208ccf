// Package txn builds, signs, broadcasts and confirms ledger transactions.
package txn

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/metrics"
	"github.com/brojonat/tokenswap/service/retry"
	solsvc "github.com/brojonat/tokenswap/service/solana"
)

// Ledger is the subset of the RPC client the sender uses.
type Ledger interface {
	LatestBlockhash(ctx context.Context) (solana.Hash, error)
	SendTransaction(ctx context.Context, raw []byte) (solana.Signature, error)
	SignatureStatus(ctx context.Context, sig solana.Signature) (*solsvc.SignatureStatus, error)
	TransactionLogs(ctx context.Context, sig solana.Signature) ([]string, error)
}

// Options controls broadcast retries and confirmation polling.
type Options struct {
	Broadcast      retry.Policy
	ConfirmTimeout time.Duration
	PollInterval   time.Duration
}

// DefaultOptions returns 5 broadcast attempts, a 60s confirmation window and 500ms polling.
func DefaultOptions() Options {
	return Options{
		Broadcast:      retry.Policy{Name: "broadcast", Attempts: 5, Backoff: 250 * time.Millisecond},
		ConfirmTimeout: 60 * time.Second,
		PollInterval:   500 * time.Millisecond,
	}
}

// Sender owns the lifecycle of a transaction after its instructions are known.
type Sender struct {
	ledger  Ledger
	opts    Options
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewSender creates a Sender. If metrics is nil, no metrics will be recorded.
func NewSender(ledger Ledger, opts Options, m *metrics.Metrics, logger *slog.Logger) *Sender {
	return &Sender{
		ledger:  ledger,
		opts:    opts,
		metrics: m,
		logger:  logger,
	}
}

// Build fetches a fresh blockhash and creates a transaction paid by feePayer,
// with one empty signature slot per required signer.
func (s *Sender) Build(ctx context.Context, instructions []solana.Instruction, feePayer solana.PublicKey) (*solana.Transaction, error) {
	blockhash, err := s.ledger.LatestBlockhash(ctx)
	if err != nil {
		return nil, err
	}

	tx, err := solana.NewTransaction(instructions, blockhash, solana.TransactionPayer(feePayer))
	if err != nil {
		return nil, fmt.Errorf("build transaction: %w", err)
	}
	PrepareSlots(tx)

	s.logger.DebugContext(ctx, "transaction built",
		"fee_payer", feePayer.String(),
		"blockhash", blockhash.String(),
		"signers", len(tx.Signatures),
	)
	return tx, nil
}

// PrepareSlots sizes the signature list to the message's required signers,
// keeping any signatures already present.
func PrepareSlots(tx *solana.Transaction) {
	n := int(tx.Message.Header.NumRequiredSignatures)
	if len(tx.Signatures) == n {
		return
	}
	slots := make([]solana.Signature, n)
	copy(slots, tx.Signatures)
	tx.Signatures = slots
}

// CheckSigners verifies the message requires exactly the expected signers.
func CheckSigners(tx *solana.Transaction, expected ...solana.PublicKey) error {
	want := make(map[solana.PublicKey]bool, len(expected))
	for _, pk := range expected {
		want[pk] = true
	}

	signers := tx.Message.Signers()
	if len(signers) != len(want) {
		return fmt.Errorf("transaction requires %d signers, expected %d", len(signers), len(want))
	}
	for _, pk := range signers {
		if !want[pk] {
			return fmt.Errorf("unexpected signer %s", pk)
		}
	}
	return nil
}

// SignWith fills the slots belonging to keys. Keys that are not signers are ignored.
func SignWith(tx *solana.Transaction, keys ...solana.PrivateKey) error {
	if len(keys) == 0 {
		return nil
	}
	_, err := tx.PartialSign(func(pk solana.PublicKey) *solana.PrivateKey {
		for i := range keys {
			if keys[i].PublicKey().Equals(pk) {
				return &keys[i]
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("sign transaction: %w", err)
	}
	return nil
}

// Verify checks that every required signer's slot holds a valid signature.
func Verify(tx *solana.Transaction) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}

	signers := tx.Message.Signers()
	if len(tx.Signatures) != len(signers) {
		return fmt.Errorf("transaction has %d signature slots for %d signers", len(tx.Signatures), len(signers))
	}
	for i, pk := range signers {
		sig := tx.Signatures[i]
		if sig.IsZero() {
			return &SignatureMissingError{Signer: pk}
		}
		if !sig.Verify(pk, msg) {
			return &SignatureMissingError{Signer: pk, Reason: "signature does not verify"}
		}
	}
	return nil
}

// Send verifies, serializes, broadcasts and confirms tx.
func (s *Sender) Send(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	if err := Verify(tx); err != nil {
		return solana.Signature{}, err
	}

	sig, err := s.Broadcast(ctx, tx)
	if err != nil {
		return solana.Signature{}, err
	}
	if err := s.Confirm(ctx, sig); err != nil {
		return sig, err
	}
	return sig, nil
}

// Broadcast sends the serialized transaction under the broadcast retry policy.
// Node rejections are not retried and come back as *BroadcastError.
func (s *Sender) Broadcast(ctx context.Context, tx *solana.Transaction) (solana.Signature, error) {
	raw, err := tx.MarshalBinary()
	if err != nil {
		return solana.Signature{}, fmt.Errorf("serialize transaction: %w", err)
	}

	var sig solana.Signature
	err = retry.Do(ctx, s.opts.Broadcast, s.metrics, s.logger, func(ctx context.Context, attempt int) error {
		out, err := s.ledger.SendTransaction(ctx, raw)
		if err != nil {
			if !solsvc.IsRetryable(err) {
				return retry.Permanent(err)
			}
			return err
		}
		sig = out
		return nil
	})
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return solana.Signature{}, err
		}
		return solana.Signature{}, &BroadcastError{Err: err, Logs: solsvc.PreflightLogs(err)}
	}

	s.logger.InfoContext(ctx, "transaction broadcast", "signature", sig.String())
	return sig, nil
}

// Confirm polls until sig reaches confirmed commitment, fails on chain, or the
// confirmation window closes. Poll errors are logged and polling continues.
func (s *Sender) Confirm(ctx context.Context, sig solana.Signature) error {
	timeout := s.opts.ConfirmTimeout
	pollCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ticker := time.NewTicker(s.opts.PollInterval)
	defer ticker.Stop()

	for {
		status, err := s.ledger.SignatureStatus(pollCtx, sig)
		switch {
		case err != nil:
			s.poll("error")
			s.logger.WarnContext(ctx, "signature status poll failed",
				"signature", sig.String(),
				"error", err,
			)
		case status == nil || (!status.Confirmed && status.Err == nil):
			s.poll("pending")
		case status.Err != nil:
			s.poll("failed")
			logs, logErr := s.ledger.TransactionLogs(ctx, sig)
			if logErr != nil {
				s.logger.WarnContext(ctx, "failed to fetch program logs",
					"signature", sig.String(),
					"error", logErr,
				)
			}
			return &ExecutionError{Signature: sig, Err: status.Err, Logs: logs}
		default:
			s.poll("confirmed")
			s.logger.InfoContext(ctx, "transaction confirmed",
				"signature", sig.String(),
				"slot", status.Slot,
			)
			return nil
		}

		select {
		case <-pollCtx.Done():
			if err := ctx.Err(); err != nil {
				return err
			}
			return fmt.Errorf("%w: %s not confirmed after %s", ErrConfirmationTimeout, sig, timeout)
		case <-ticker.C:
		}
	}
}

func (s *Sender) poll(result string) {
	if s.metrics != nil {
		s.metrics.RecordConfirmationPoll(result)
	}
}

// WithBroadcastPolicy returns a copy of the sender that broadcasts under p.
func (s *Sender) WithBroadcastPolicy(p retry.Policy) *Sender {
	c := *s
	c.opts.Broadcast = p
	return &c
}
