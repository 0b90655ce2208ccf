package program

import (
	"github.com/gagliardetto/solana-go"
)

// Role names as published by the program interface.
const (
	RoleSwapPool         = "swapPool"
	RoleTokenAMint       = "tokenAMint"
	RoleTokenBMint       = "tokenBMint"
	RoleTokenAAccount    = "tokenAAccount"
	RoleTokenBAccount    = "tokenBAccount"
	RoleOwner            = "owner"
	RoleSystemProgram    = "systemProgram"
	RoleRent             = "rent"
	RolePoolTokenAccount = "poolTokenAccount"
	RoleUserTokenAccount = "userTokenAccount"
	RoleUser             = "user"
	RoleUserFromAccount  = "userFromAccount"
	RoleUserToAccount    = "userToAccount"
	RolePoolFromAccount  = "poolFromAccount"
	RolePoolToAccount    = "poolToAccount"
	RoleTokenProgram     = "tokenProgram"
)

// AuthorityRole is the role the service authority fills in every operation.
const AuthorityRole = RoleOwner

// Role is one account slot of an instruction.
type Role struct {
	Name     string
	Signer   bool
	Writable bool
}

// Accounts maps role names to addresses for one instruction.
type Accounts map[string]solana.PublicKey

// Roles is the ordered account layout of each operation. It is the source of
// truth for signer and writable flags and must match the embedded IDL.
var Roles = map[Operation][]Role{
	OpInitialize: {
		{Name: RoleSwapPool, Signer: true, Writable: true},
		{Name: RoleTokenAMint},
		{Name: RoleTokenBMint},
		{Name: RoleTokenAAccount},
		{Name: RoleTokenBAccount},
		{Name: RoleOwner, Signer: true, Writable: true},
		{Name: RoleSystemProgram},
		{Name: RoleRent},
	},
	OpFaucet: {
		{Name: RoleSwapPool, Writable: true},
		{Name: RolePoolTokenAccount, Writable: true},
		{Name: RoleUserTokenAccount, Writable: true},
		{Name: RoleOwner, Signer: true, Writable: true},
		{Name: RoleTokenProgram},
	},
	OpSwap: {
		{Name: RoleSwapPool, Writable: true},
		{Name: RoleUser, Signer: true},
		{Name: RoleUserFromAccount, Writable: true},
		{Name: RoleUserToAccount, Writable: true},
		{Name: RolePoolFromAccount, Writable: true},
		{Name: RolePoolToAccount, Writable: true},
		{Name: RoleOwner, Signer: true},
		{Name: RoleTokenProgram},
	},
}

// SignerRoles returns the names of the roles that must sign op, in table order.
func SignerRoles(op Operation) []string {
	var names []string
	for _, r := range Roles[op] {
		if r.Signer {
			names = append(names, r.Name)
		}
	}
	return names
}

// InitializeAccounts fills the initialize roles for a new pool state account.
func InitializeAccounts(pool Pool, owner solana.PublicKey) Accounts {
	return Accounts{
		RoleSwapPool:      pool.State,
		RoleTokenAMint:    pool.MintA,
		RoleTokenBMint:    pool.MintB,
		RoleTokenAAccount: pool.VaultA,
		RoleTokenBAccount: pool.VaultB,
		RoleOwner:         owner,
		RoleSystemProgram: solana.SystemProgramID,
		RoleRent:          solana.SysVarRentPubkey,
	}
}

// FaucetAccounts fills the faucet roles: pool vault of token → userTokenAccount.
func FaucetAccounts(pool Pool, token Token, userTokenAccount, owner solana.PublicKey) Accounts {
	return Accounts{
		RoleSwapPool:         pool.State,
		RolePoolTokenAccount: pool.Vault(token),
		RoleUserTokenAccount: userTokenAccount,
		RoleOwner:            owner,
		RoleTokenProgram:     solana.TokenProgramID,
	}
}

// SwapAccounts fills the swap roles for direction dir.
func SwapAccounts(pool Pool, dir Direction, user, userFrom, userTo, owner solana.PublicKey) Accounts {
	return Accounts{
		RoleSwapPool:        pool.State,
		RoleUser:            user,
		RoleUserFromAccount: userFrom,
		RoleUserToAccount:   userTo,
		RolePoolFromAccount: pool.Vault(dir.From),
		RolePoolToAccount:   pool.Vault(dir.To),
		RoleOwner:           owner,
		RoleTokenProgram:    solana.TokenProgramID,
	}
}
