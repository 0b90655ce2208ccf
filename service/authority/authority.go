// Package authority co-signs swap program transactions with the pool authority key.
// The key is held by Local, which runs only inside the service; clients use Remote.
package authority

import (
	"context"
	"crypto/sha256"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/metrics"
	"github.com/brojonat/tokenswap/service/program"
	"github.com/brojonat/tokenswap/service/txn"
)

// CoSigner fills the authority's signature slot of a built transaction.
type CoSigner interface {
	PublicKey() solana.PublicKey
	CoSign(ctx context.Context, tx *solana.Transaction) error
}

// Decision describes a co-sign request after the policy ran.
type Decision struct {
	Operation   program.Operation
	Amount      uint64
	FeePayer    solana.PublicKey
	MessageHash string
	Signature   solana.Signature
}

// LoadKey resolves the authority key from a solana-keygen file or a base58 secret.
// Exactly one must be given.
func LoadKey(path, secret string) (solana.PrivateKey, error) {
	switch {
	case path != "" && secret != "":
		return nil, fmt.Errorf("authority key: both a keypair file and a secret were given")
	case path != "":
		key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
		if err != nil {
			return nil, fmt.Errorf("authority key: load %s: %w", path, err)
		}
		return key, nil
	case secret != "":
		key, err := solana.PrivateKeyFromBase58(secret)
		if err != nil {
			return nil, fmt.Errorf("authority key: decode secret: %w", err)
		}
		return key, nil
	}
	return nil, fmt.Errorf("authority key: no keypair file or secret configured")
}

// Local signs with an in-process key after checking the transaction against its Policy.
type Local struct {
	key     solana.PrivateKey
	pub     solana.PublicKey
	policy  Policy
	metrics *metrics.Metrics
	logger  *slog.Logger
}

// NewLocal creates a Local signer. If metrics is nil, no metrics will be recorded.
func NewLocal(key solana.PrivateKey, policy Policy, m *metrics.Metrics, logger *slog.Logger) *Local {
	return &Local{
		key:     key,
		pub:     key.PublicKey(),
		policy:  policy,
		metrics: m,
		logger:  logger,
	}
}

func (l *Local) PublicKey() solana.PublicKey {
	return l.pub
}

// CoSign checks tx against the policy and fills the authority slot.
func (l *Local) CoSign(ctx context.Context, tx *solana.Transaction) error {
	_, err := l.Sign(ctx, tx)
	return err
}

// Sign is CoSign that also reports what was decided. The returned Decision is
// populated as far as the transaction could be read, even when err is non-nil.
func (l *Local) Sign(ctx context.Context, tx *solana.Transaction) (Decision, error) {
	d := Decision{}
	if len(tx.Message.AccountKeys) > 0 {
		d.FeePayer = tx.Message.AccountKeys[0]
	}
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return d, fmt.Errorf("encode message: %w", err)
	}
	d.MessageHash = MessageHash(msg)

	op, amount, err := l.policy.Check(tx, l.pub)
	d.Operation, d.Amount = op, amount
	if err != nil {
		l.record(op, "rejected")
		l.logger.WarnContext(ctx, "co-sign rejected",
			"operation", op,
			"fee_payer", d.FeePayer.String(),
			"error", err,
		)
		return d, err
	}

	txn.PrepareSlots(tx)
	if err := txn.SignWith(tx, l.key); err != nil {
		l.record(op, "error")
		return d, err
	}
	sig, err := signatureOf(tx, l.pub)
	if err != nil {
		l.record(op, "error")
		return d, err
	}
	d.Signature = sig

	l.record(op, "approved")
	l.logger.InfoContext(ctx, "co-signed transaction",
		"operation", op,
		"amount", amount,
		"fee_payer", d.FeePayer.String(),
		"message_hash", d.MessageHash,
	)
	return d, nil
}

func (l *Local) record(op program.Operation, decision string) {
	if l.metrics != nil {
		l.metrics.RecordCosign(string(op), decision)
	}
}

// MessageHash is the base58 sha256 of a serialized message, used to correlate audit records.
func MessageHash(msg []byte) string {
	return solana.Hash(sha256.Sum256(msg)).String()
}

func signerIndex(tx *solana.Transaction, pk solana.PublicKey) (int, error) {
	for i, s := range tx.Message.Signers() {
		if s.Equals(pk) {
			return i, nil
		}
	}
	return 0, fmt.Errorf("%s is not a signer of this transaction", pk)
}

func signatureOf(tx *solana.Transaction, pk solana.PublicKey) (solana.Signature, error) {
	i, err := signerIndex(tx, pk)
	if err != nil {
		return solana.Signature{}, err
	}
	if i >= len(tx.Signatures) {
		return solana.Signature{}, fmt.Errorf("no signature slot for %s", pk)
	}
	return tx.Signatures[i], nil
}

// PlaceSignature verifies sig against the message and stores it in pk's slot.
func PlaceSignature(tx *solana.Transaction, pk solana.PublicKey, sig solana.Signature) error {
	msg, err := tx.Message.MarshalBinary()
	if err != nil {
		return fmt.Errorf("encode message: %w", err)
	}
	if !sig.Verify(pk, msg) {
		return &txn.SignatureMissingError{Signer: pk, Reason: "co-signature does not verify"}
	}

	i, err := signerIndex(tx, pk)
	if err != nil {
		return err
	}
	txn.PrepareSlots(tx)
	tx.Signatures[i] = sig
	return nil
}
