package program

import (
	"bytes"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// SwapPoolAccountName is the Anchor account type holding pool state.
const SwapPoolAccountName = "SwapPool"

const swapPoolFieldCount = 5

// SwapPoolSize is the allocated size of a SwapPool account: discriminator plus five keys.
const SwapPoolSize = 8 + 32*swapPoolFieldCount

// SwapPoolState is the decoded on-chain SwapPool account.
type SwapPoolState struct {
	TokenAMint    solana.PublicKey `json:"token_a_mint"`
	TokenBMint    solana.PublicKey `json:"token_b_mint"`
	TokenAAccount solana.PublicKey `json:"token_a_account"`
	TokenBAccount solana.PublicKey `json:"token_b_account"`
	Owner         solana.PublicKey `json:"owner"`
}

// DecodeSwapPool parses SwapPool account data, checking the discriminator.
func DecodeSwapPool(data []byte) (*SwapPoolState, error) {
	if len(data) < SwapPoolSize {
		return nil, fmt.Errorf("swap pool data too short: %d bytes", len(data))
	}
	d := AccountDiscriminator(SwapPoolAccountName)
	if !bytes.Equal(data[:8], d[:]) {
		return nil, fmt.Errorf("account is not a %s", SwapPoolAccountName)
	}

	var st SwapPoolState
	if err := bin.NewBorshDecoder(data[8:]).Decode(&st); err != nil {
		return nil, fmt.Errorf("decode swap pool: %w", err)
	}
	return &st, nil
}

// EncodeSwapPool serializes pool state in the on-chain layout.
func EncodeSwapPool(st SwapPoolState) ([]byte, error) {
	body, err := bin.MarshalBorsh(&st)
	if err != nil {
		return nil, fmt.Errorf("encode swap pool: %w", err)
	}
	d := AccountDiscriminator(SwapPoolAccountName)
	return append(d[:], body...), nil
}

// Matches reports whether the on-chain state describes pool.
func (st *SwapPoolState) Matches(pool Pool) error {
	switch {
	case !st.TokenAMint.Equals(pool.MintA):
		return fmt.Errorf("pool token A mint is %s, configured %s", st.TokenAMint, pool.MintA)
	case !st.TokenBMint.Equals(pool.MintB):
		return fmt.Errorf("pool token B mint is %s, configured %s", st.TokenBMint, pool.MintB)
	case !st.TokenAAccount.Equals(pool.VaultA):
		return fmt.Errorf("pool token A account is %s, configured %s", st.TokenAAccount, pool.VaultA)
	case !st.TokenBAccount.Equals(pool.VaultB):
		return fmt.Errorf("pool token B account is %s, configured %s", st.TokenBAccount, pool.VaultB)
	}
	return nil
}
