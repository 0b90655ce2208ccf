package wallet

import (
	"context"
	"fmt"
	"sync"

	"github.com/gagliardetto/solana-go"
)

// KeypairProvider is a Provider backed by a local ed25519 key, such as a
// solana-keygen JSON file. It stands in for an interactive wallet in the CLI and tests.
type KeypairProvider struct {
	key solana.PrivateKey

	mu        sync.Mutex
	connected bool
}

// NewKeypairProvider wraps an in-memory key.
func NewKeypairProvider(key solana.PrivateKey) *KeypairProvider {
	return &KeypairProvider{key: key}
}

// LoadKeypairProvider reads a solana-keygen JSON keypair file.
func LoadKeypairProvider(path string) (*KeypairProvider, error) {
	key, err := solana.PrivateKeyFromSolanaKeygenFile(path)
	if err != nil {
		return nil, fmt.Errorf("load keypair %s: %w", path, err)
	}
	return NewKeypairProvider(key), nil
}

func (p *KeypairProvider) Connect(ctx context.Context) (solana.PublicKey, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = true
	return p.key.PublicKey(), nil
}

func (p *KeypairProvider) Disconnect(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.connected = false
	return nil
}

// SignTransaction fills this key's slot. Transactions that do not list the key
// as a signer are rejected rather than returned unsigned.
func (p *KeypairProvider) SignTransaction(ctx context.Context, tx *solana.Transaction) (*solana.Transaction, error) {
	p.mu.Lock()
	connected := p.connected
	p.mu.Unlock()
	if !connected {
		return nil, ErrNotConnected
	}

	pub := p.key.PublicKey()
	if !tx.IsSigner(pub) {
		return nil, fmt.Errorf("%w: %s is not a signer of this transaction", ErrRejected, pub)
	}

	_, err := tx.PartialSign(func(key solana.PublicKey) *solana.PrivateKey {
		if key.Equals(pub) {
			return &p.key
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("sign transaction: %w", err)
	}
	return tx, nil
}
