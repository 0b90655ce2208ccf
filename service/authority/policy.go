package authority

import (
	"fmt"
	"math/bits"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/program"
)

// PolicyError is returned when a co-sign request violates the signing policy.
type PolicyError struct {
	Reason string
}

func (e *PolicyError) Error() string {
	return "authority policy: " + e.Reason
}

func policyErrorf(format string, args ...interface{}) error {
	return &PolicyError{Reason: fmt.Sprintf(format, args...)}
}

// Policy decides which transactions the authority will co-sign.
type Policy struct {
	// Pool is the only pool the authority signs for. Its program id is the only program allowed.
	Pool program.Pool
	// MaxFaucetAmount caps the total faucet amount of one transaction. Zero disables the cap.
	MaxFaucetAmount uint64
}

// Check validates tx for signing by authority and returns its operation and
// total amount. Every instruction must call the swap program with a known
// operation, place authority in the owner role and name the configured pool's
// state and vault accounts in the pool roles. The authority may not pay fees
// or act as the swapping user.
func (p Policy) Check(tx *solana.Transaction, authority solana.PublicKey) (program.Operation, uint64, error) {
	msg := tx.Message
	if len(msg.Instructions) == 0 {
		return "", 0, policyErrorf("transaction has no instructions")
	}
	if len(msg.AccountKeys) == 0 {
		return "", 0, policyErrorf("transaction has no accounts")
	}
	if msg.AccountKeys[0].Equals(authority) {
		return "", 0, policyErrorf("authority cannot be the fee payer")
	}
	if !msg.IsSigner(authority) {
		return "", 0, policyErrorf("authority %s is not a required signer", authority)
	}

	var (
		first  program.Operation
		total  uint64
		faucet uint64
	)
	for i, ci := range msg.Instructions {
		pid, err := msg.Program(ci.ProgramIDIndex)
		if err != nil {
			return first, total, policyErrorf("instruction %d: %v", i, err)
		}
		if !pid.Equals(p.Pool.ProgramID) {
			return first, total, policyErrorf("instruction %d targets foreign program %s", i, pid)
		}

		op, amount, err := program.DecodeInstructionData(ci.Data)
		if err != nil {
			return first, total, policyErrorf("instruction %d: %v", i, err)
		}
		if i == 0 {
			first = op
		}

		if err := p.checkAccounts(msg, op, ci.Accounts, authority); err != nil {
			return first, total, policyErrorf("instruction %d: %v", i, err)
		}

		var carry uint64
		if total, carry = bits.Add64(total, amount, 0); carry != 0 {
			return first, total, policyErrorf("instruction %d: total amount overflows", i)
		}
		if op == program.OpFaucet {
			faucet += amount
		}
	}

	if p.MaxFaucetAmount > 0 && faucet > p.MaxFaucetAmount {
		return first, total, policyErrorf("faucet amount %d exceeds maximum %d", faucet, p.MaxFaucetAmount)
	}
	return first, total, nil
}

// checkAccounts resolves the instruction's roles and checks them against the
// authority and the configured pool.
func (p Policy) checkAccounts(msg solana.Message, op program.Operation, accounts []uint16, authority solana.PublicKey) error {
	roles := program.Roles[op]
	if len(accounts) != len(roles) {
		return fmt.Errorf("%s expects %d accounts, got %d", op, len(roles), len(accounts))
	}
	acc := make(program.Accounts, len(roles))
	for i, r := range roles {
		pk, err := msg.Account(accounts[i])
		if err != nil {
			return err
		}
		acc[r.Name] = pk
	}

	if owner := acc[program.AuthorityRole]; !owner.Equals(authority) {
		return fmt.Errorf("%s role is %s, not the authority", program.AuthorityRole, owner)
	}

	pool := p.Pool
	var want program.Accounts
	switch op {
	case program.OpInitialize:
		want = program.Accounts{
			program.RoleSwapPool:      pool.State,
			program.RoleTokenAMint:    pool.MintA,
			program.RoleTokenBMint:    pool.MintB,
			program.RoleTokenAAccount: pool.VaultA,
			program.RoleTokenBAccount: pool.VaultB,
		}
	case program.OpFaucet:
		vault := acc[program.RolePoolTokenAccount]
		if !vault.Equals(pool.VaultA) && !vault.Equals(pool.VaultB) {
			return fmt.Errorf("%s %s is not a pool vault", program.RolePoolTokenAccount, vault)
		}
		if isVault(pool, acc[program.RoleUserTokenAccount]) {
			return fmt.Errorf("%s is a pool vault", program.RoleUserTokenAccount)
		}
		want = program.Accounts{program.RoleSwapPool: pool.State}
	case program.OpSwap:
		if acc[program.RoleUser].Equals(authority) {
			return fmt.Errorf("authority cannot be the swapping user")
		}
		if isVault(pool, acc[program.RoleUserFromAccount]) || isVault(pool, acc[program.RoleUserToAccount]) {
			return fmt.Errorf("user accounts cannot be pool vaults")
		}
		from := acc[program.RolePoolFromAccount]
		var dir program.Direction
		switch {
		case from.Equals(pool.VaultA):
			dir = program.AToB
		case from.Equals(pool.VaultB):
			dir = program.BToA
		default:
			return fmt.Errorf("%s %s is not a pool vault", program.RolePoolFromAccount, from)
		}
		want = program.Accounts{
			program.RoleSwapPool:      pool.State,
			program.RolePoolToAccount: pool.Vault(dir.To),
		}
	}

	for role, pk := range want {
		if !acc[role].Equals(pk) {
			return fmt.Errorf("%s is %s, expected %s", role, acc[role], pk)
		}
	}
	return nil
}

func isVault(pool program.Pool, pk solana.PublicKey) bool {
	return pk.Equals(pool.VaultA) || pk.Equals(pool.VaultB)
}
