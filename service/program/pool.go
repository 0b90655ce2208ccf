package program

import (
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/config"
)

// Token identifies one of the pool's two token types.
type Token string

const (
	TokenA Token = "A"
	TokenB Token = "B"
)

// ParseToken accepts "A" or "B", case-insensitive.
func ParseToken(s string) (Token, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "A":
		return TokenA, nil
	case "B":
		return TokenB, nil
	}
	return "", fmt.Errorf("unknown token %q: must be A or B", s)
}

// Other returns the opposite token.
func (t Token) Other() Token {
	if t == TokenA {
		return TokenB
	}
	return TokenA
}

// Direction is the swap direction: From is sent to the pool, To is received.
type Direction struct {
	From Token
	To   Token
}

var (
	AToB = Direction{From: TokenA, To: TokenB}
	BToA = Direction{From: TokenB, To: TokenA}
)

// ParseDirection builds a direction from the token being sent.
func ParseDirection(from string) (Direction, error) {
	t, err := ParseToken(from)
	if err != nil {
		return Direction{}, err
	}
	return Direction{From: t, To: t.Other()}, nil
}

func (d Direction) String() string {
	return string(d.From) + "->" + string(d.To)
}

// Pool identifies one deployed swap pool. Loaded from configuration.
type Pool struct {
	ProgramID solana.PublicKey
	State     solana.PublicKey
	MintA     solana.PublicKey
	MintB     solana.PublicKey
	VaultA    solana.PublicKey
	VaultB    solana.PublicKey
	Decimals  uint8
}

// NewPool parses the configured pool addresses.
func NewPool(cfg config.PoolConfig) (Pool, error) {
	var p Pool
	fields := []struct {
		name string
		in   string
		out  *solana.PublicKey
	}{
		{"program id", cfg.ProgramID, &p.ProgramID},
		{"pool address", cfg.PoolAddress, &p.State},
		{"token A mint", cfg.TokenAMint, &p.MintA},
		{"token B mint", cfg.TokenBMint, &p.MintB},
		{"pool token A account", cfg.PoolTokenA, &p.VaultA},
		{"pool token B account", cfg.PoolTokenB, &p.VaultB},
	}
	for _, f := range fields {
		pk, err := solana.PublicKeyFromBase58(f.in)
		if err != nil {
			return Pool{}, fmt.Errorf("invalid %s %q: %w", f.name, f.in, err)
		}
		*f.out = pk
	}
	if p.MintA.Equals(p.MintB) {
		return Pool{}, fmt.Errorf("token A and token B mints must differ")
	}
	p.Decimals = cfg.TokenDecimal
	return p, nil
}

// Mint returns the mint of t.
func (p Pool) Mint(t Token) solana.PublicKey {
	if t == TokenB {
		return p.MintB
	}
	return p.MintA
}

// Vault returns the pool's token account for t.
func (p Pool) Vault(t Token) solana.PublicKey {
	if t == TokenB {
		return p.VaultB
	}
	return p.VaultA
}

// TokenForMint reports which token mint is, if either.
func (p Pool) TokenForMint(mint solana.PublicKey) (Token, bool) {
	switch {
	case mint.Equals(p.MintA):
		return TokenA, true
	case mint.Equals(p.MintB):
		return TokenB, true
	}
	return "", false
}
