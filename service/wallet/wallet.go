// Package wallet adapts a signing wallet to the operations the swap client needs:
// connect, disconnect, sign a transaction and be notified when a connection is made.
package wallet

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/gagliardetto/solana-go"
)

var (
	// ErrNotConnected is returned by any signing or identity call on a disconnected wallet.
	ErrNotConnected = errors.New("wallet not connected")

	// ErrRejected is returned when the wallet declines to sign.
	ErrRejected = errors.New("wallet rejected signing request")
)

// Provider is the documented call surface of a wallet implementation.
// SignTransaction fills the wallet's own signature slot and returns the transaction.
type Provider interface {
	Connect(ctx context.Context) (solana.PublicKey, error)
	Disconnect(ctx context.Context) error
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Signer is a connected, signing-capable identity.
type Signer interface {
	PublicKey() (solana.PublicKey, error)
	SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error)
}

// Adapter wraps a Provider with connection state and connect notifications.
// It is safe for concurrent use.
type Adapter struct {
	provider Provider
	logger   *slog.Logger

	mu        sync.RWMutex
	publicKey *solana.PublicKey
	listeners map[int]func(solana.PublicKey)
	nextID    int
}

// NewAdapter wraps provider. The adapter starts disconnected.
func NewAdapter(provider Provider, logger *slog.Logger) *Adapter {
	return &Adapter{
		provider:  provider,
		logger:    logger,
		listeners: make(map[int]func(solana.PublicKey)),
	}
}

// Connect connects the provider and notifies subscribers with the connected key.
// Connecting an already connected adapter returns the current key without notifying.
func (a *Adapter) Connect(ctx context.Context) (solana.PublicKey, error) {
	a.mu.Lock()
	if a.publicKey != nil {
		pk := *a.publicKey
		a.mu.Unlock()
		return pk, nil
	}

	pk, err := a.provider.Connect(ctx)
	if err != nil {
		a.mu.Unlock()
		return solana.PublicKey{}, err
	}
	a.publicKey = &pk
	listeners := make([]func(solana.PublicKey), 0, len(a.listeners))
	for _, fn := range a.listeners {
		listeners = append(listeners, fn)
	}
	a.mu.Unlock()

	a.logger.InfoContext(ctx, "wallet connected", "public_key", pk.String())
	for _, fn := range listeners {
		fn(pk)
	}
	return pk, nil
}

// Disconnect disconnects the provider. The adapter is unusable for signing afterwards.
func (a *Adapter) Disconnect(ctx context.Context) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.publicKey == nil {
		return nil
	}
	if err := a.provider.Disconnect(ctx); err != nil {
		return err
	}
	a.logger.InfoContext(ctx, "wallet disconnected", "public_key", a.publicKey.String())
	a.publicKey = nil
	return nil
}

// Connected reports whether the adapter currently has a connected identity.
func (a *Adapter) Connected() bool {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publicKey != nil
}

// PublicKey returns the connected identity or ErrNotConnected.
func (a *Adapter) PublicKey() (solana.PublicKey, error) {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.publicKey == nil {
		return solana.PublicKey{}, ErrNotConnected
	}
	return *a.publicKey, nil
}

// OnConnect registers fn to run after every successful connect.
// The returned func removes the subscription.
func (a *Adapter) OnConnect(fn func(solana.PublicKey)) (unsubscribe func()) {
	a.mu.Lock()
	id := a.nextID
	a.nextID++
	a.listeners[id] = fn
	a.mu.Unlock()

	return func() {
		a.mu.Lock()
		delete(a.listeners, id)
		a.mu.Unlock()
	}
}

// SignTransaction asks the provider to sign tx as the connected identity.
func (a *Adapter) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	if !a.Connected() {
		return nil, ErrNotConnected
	}
	return a.provider.SignTransaction(ctx, tx)
}
