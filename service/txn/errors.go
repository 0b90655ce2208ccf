package txn

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrSignatureMissing is wrapped by SignatureMissingError.
	ErrSignatureMissing = errors.New("signature missing")

	// ErrConfirmationTimeout is returned when a broadcast transaction is not
	// confirmed within the configured window. The transaction may still land.
	ErrConfirmationTimeout = errors.New("confirmation timeout")
)

// SignatureMissingError names a required signer whose slot is empty or invalid.
type SignatureMissingError struct {
	Signer solana.PublicKey
	Reason string
}

func (e *SignatureMissingError) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("signature missing for %s: %s", e.Signer, e.Reason)
	}
	return fmt.Sprintf("signature missing for %s", e.Signer)
}

func (e *SignatureMissingError) Unwrap() error {
	return ErrSignatureMissing
}

// BroadcastError is returned when the node rejects a transaction before inclusion.
type BroadcastError struct {
	Err  error
	Logs []string // preflight simulation logs, when the node returned them
}

func (e *BroadcastError) Error() string {
	msg := "broadcast rejected: " + e.Err.Error()
	if len(e.Logs) > 0 {
		msg += "\n" + strings.Join(e.Logs, "\n")
	}
	return msg
}

func (e *BroadcastError) Unwrap() error {
	return e.Err
}

// ExecutionError is returned when a transaction was included but the program failed.
type ExecutionError struct {
	Signature solana.Signature
	Err       interface{}
	Logs      []string
}

func (e *ExecutionError) Error() string {
	msg := fmt.Sprintf("transaction %s failed: %v", e.Signature, e.Err)
	if len(e.Logs) > 0 {
		msg += "\n" + strings.Join(e.Logs, "\n")
	}
	return msg
}
