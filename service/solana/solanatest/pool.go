package solanatest

import (
	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/program"
)

// NewPool returns a pool with fresh random addresses.
func NewPool() program.Pool {
	return program.Pool{
		ProgramID: solana.NewWallet().PublicKey(),
		State:     solana.NewWallet().PublicKey(),
		MintA:     solana.NewWallet().PublicKey(),
		MintB:     solana.NewWallet().PublicKey(),
		VaultA:    solana.NewWallet().PublicKey(),
		VaultB:    solana.NewWallet().PublicKey(),
		Decimals:  6,
	}
}

// SeedPool registers the pool's mints, funds both vaults with liquidity under
// owner's authority and, if initialized is true, writes the pool state account.
func (l *Ledger) SeedPool(pool program.Pool, owner solana.PublicKey, liquidity uint64, initialized bool) error {
	l.AddMint(pool.MintA, pool.Decimals)
	l.AddMint(pool.MintB, pool.Decimals)
	l.SetTokenAccount(pool.VaultA, pool.MintA, owner, liquidity)
	l.SetTokenAccount(pool.VaultB, pool.MintB, owner, liquidity)
	if !initialized {
		return nil
	}
	return l.InitializePool(pool, owner)
}
