package solana

import (
	"github.com/gagliardetto/solana-go"
)

// Account is the subset of on-chain account state the client reads.
// This is our domain model, independent of the RPC response format.
type Account struct {
	Address  solana.PublicKey
	Owner    solana.PublicKey
	Lamports uint64
	Data     []byte
}

// TokenAmount is an SPL token account balance in base units.
type TokenAmount struct {
	Amount   uint64
	Decimals uint8
	UIAmount string
}

// SignatureStatus is the confirmation state of a broadcast transaction.
type SignatureStatus struct {
	Slot      uint64
	Confirmed bool
	// Err is the on-chain failure, nil if the transaction succeeded or is still pending.
	Err interface{}
}
