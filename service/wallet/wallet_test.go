package wallet

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newTestTransaction(t *testing.T, payer solana.PublicKey, extraSigner *solana.PublicKey) *solana.Transaction {
	t.Helper()
	metas := solana.AccountMetaSlice{solana.Meta(payer).WRITE().SIGNER()}
	if extraSigner != nil {
		metas = append(metas, solana.Meta(*extraSigner).SIGNER())
	}
	ix := solana.NewInstruction(solana.MemoProgramID, metas, []byte("hello"))
	tx, err := solana.NewTransaction(
		[]solana.Instruction{ix},
		solana.Hash{1, 2, 3},
		solana.TransactionPayer(payer),
	)
	require.NoError(t, err)
	return tx
}

func TestAdapter_ConnectLifecycle(t *testing.T) {
	ctx := context.Background()
	key := solana.NewWallet().PrivateKey
	adapter := NewAdapter(NewKeypairProvider(key), testLogger())

	assert.False(t, adapter.Connected())
	_, err := adapter.PublicKey()
	assert.ErrorIs(t, err, ErrNotConnected)

	pk, err := adapter.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pk)
	assert.True(t, adapter.Connected())

	require.NoError(t, adapter.Disconnect(ctx))
	assert.False(t, adapter.Connected())

	tx := newTestTransaction(t, key.PublicKey(), nil)
	_, err = adapter.SignTransaction(ctx, tx)
	assert.ErrorIs(t, err, ErrNotConnected)
}

func TestAdapter_OnConnect(t *testing.T) {
	ctx := context.Background()
	key := solana.NewWallet().PrivateKey
	adapter := NewAdapter(NewKeypairProvider(key), testLogger())

	var calls atomic.Int32
	var got solana.PublicKey
	unsubscribe := adapter.OnConnect(func(pk solana.PublicKey) {
		calls.Add(1)
		got = pk
	})

	_, err := adapter.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, key.PublicKey(), got)

	// Already connected: no second notification.
	_, err = adapter.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())

	require.NoError(t, adapter.Disconnect(ctx))
	unsubscribe()
	_, err = adapter.Connect(ctx)
	require.NoError(t, err)
	assert.Equal(t, int32(1), calls.Load())
}

func TestKeypairProvider_SignsOwnSlotOnly(t *testing.T) {
	ctx := context.Background()
	payer := solana.NewWallet().PrivateKey
	other := solana.NewWallet().PublicKey()

	adapter := NewAdapter(NewKeypairProvider(payer), testLogger())
	_, err := adapter.Connect(ctx)
	require.NoError(t, err)

	tx := newTestTransaction(t, payer.PublicKey(), &other)
	tx.Signatures = make([]solana.Signature, tx.Message.Header.NumRequiredSignatures)

	signed, err := adapter.SignTransaction(ctx, tx)
	require.NoError(t, err)
	require.Len(t, signed.Signatures, 2)

	msg, err := signed.Message.MarshalBinary()
	require.NoError(t, err)
	assert.True(t, signed.Signatures[0].Verify(payer.PublicKey(), msg))
	assert.True(t, signed.Signatures[1].IsZero(), "other signer's slot stays empty")
}

func TestKeypairProvider_RejectsForeignTransaction(t *testing.T) {
	ctx := context.Background()
	key := solana.NewWallet().PrivateKey
	p := NewKeypairProvider(key)
	_, err := p.Connect(ctx)
	require.NoError(t, err)

	tx := newTestTransaction(t, solana.NewWallet().PublicKey(), nil)
	_, err = p.SignTransaction(ctx, tx)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrRejected))
}

func TestLoadKeypairProvider(t *testing.T) {
	key := solana.NewWallet().PrivateKey
	raw := make([]int, len(key))
	for i, b := range key {
		raw[i] = int(b)
	}
	content, err := json.Marshal(raw)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "id.json")
	require.NoError(t, os.WriteFile(path, content, 0o600))

	p, err := LoadKeypairProvider(path)
	require.NoError(t, err)
	pk, err := p.Connect(context.Background())
	require.NoError(t, err)
	assert.Equal(t, key.PublicKey(), pk)

	_, err = LoadKeypairProvider(filepath.Join(t.TempDir(), "missing.json"))
	assert.Error(t, err)
}
