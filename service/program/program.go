// Package program describes the deployed swap program's published interface:
// its operations, the account roles each one takes, instruction encoding and
// the layout of the on-chain pool state account.
package program

import (
	"bytes"
	"crypto/sha256"
	"fmt"

	bin "github.com/gagliardetto/binary"
	"github.com/gagliardetto/solana-go"
)

// Operation names a callable method of the swap program.
type Operation string

const (
	OpInitialize Operation = "initialize"
	OpFaucet     Operation = "faucet"
	OpSwap       Operation = "swap"
)

// Operations lists every operation in declaration order.
var Operations = []Operation{OpInitialize, OpFaucet, OpSwap}

// ParseOperation validates an operation name.
func ParseOperation(s string) (Operation, error) {
	for _, op := range Operations {
		if string(op) == s {
			return op, nil
		}
	}
	return "", fmt.Errorf("unknown operation %q", s)
}

// InstructionDiscriminator returns the 8-byte selector Anchor prefixes to instruction data.
func InstructionDiscriminator(op Operation) [8]byte {
	return discriminator("global:" + string(op))
}

// AccountDiscriminator returns the 8-byte tag Anchor prefixes to account data.
func AccountDiscriminator(name string) [8]byte {
	return discriminator("account:" + name)
}

func discriminator(preimage string) [8]byte {
	sum := sha256.Sum256([]byte(preimage))
	var d [8]byte
	copy(d[:], sum[:8])
	return d
}

// AmountArgs is the argument struct shared by faucet and swap.
type AmountArgs struct {
	Amount uint64
}

// EncodeInstructionData serializes the discriminator and borsh-encoded arguments.
// initialize takes no arguments and ignores amount.
func EncodeInstructionData(op Operation, amount uint64) ([]byte, error) {
	if _, ok := Roles[op]; !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}

	buf := new(bytes.Buffer)
	d := InstructionDiscriminator(op)
	buf.Write(d[:])
	if op == OpInitialize {
		return buf.Bytes(), nil
	}
	if err := bin.NewBorshEncoder(buf).Encode(AmountArgs{Amount: amount}); err != nil {
		return nil, fmt.Errorf("encode %s args: %w", op, err)
	}
	return buf.Bytes(), nil
}

// DecodeInstructionData identifies the operation and amount in instruction data.
func DecodeInstructionData(data []byte) (Operation, uint64, error) {
	if len(data) < 8 {
		return "", 0, fmt.Errorf("instruction data too short: %d bytes", len(data))
	}
	for _, op := range Operations {
		d := InstructionDiscriminator(op)
		if !bytes.Equal(data[:8], d[:]) {
			continue
		}
		if op == OpInitialize {
			return op, 0, nil
		}
		var args AmountArgs
		if err := bin.NewBorshDecoder(data[8:]).Decode(&args); err != nil {
			return "", 0, fmt.Errorf("decode %s args: %w", op, err)
		}
		return op, args.Amount, nil
	}
	return "", 0, fmt.Errorf("unknown instruction discriminator %x", data[:8])
}

// BuildInstruction assembles a program instruction with the flags from the role table.
// Every role must be present in accounts; extra entries are rejected.
func BuildInstruction(programID solana.PublicKey, op Operation, accounts Accounts, amount uint64) (solana.Instruction, error) {
	roles, ok := Roles[op]
	if !ok {
		return nil, fmt.Errorf("unknown operation %q", op)
	}
	if len(accounts) != len(roles) {
		return nil, fmt.Errorf("%s: expected %d accounts, got %d", op, len(roles), len(accounts))
	}

	metas := make(solana.AccountMetaSlice, 0, len(roles))
	for _, role := range roles {
		pk, ok := accounts[role.Name]
		if !ok {
			return nil, fmt.Errorf("%s: missing account for role %q", op, role.Name)
		}
		// The system program's address is the all-zero key.
		if pk.IsZero() && role.Name != RoleSystemProgram {
			return nil, fmt.Errorf("%s: zero address for role %q", op, role.Name)
		}
		metas = append(metas, &solana.AccountMeta{
			PublicKey:  pk,
			IsSigner:   role.Signer,
			IsWritable: role.Writable,
		})
	}

	data, err := EncodeInstructionData(op, amount)
	if err != nil {
		return nil, err
	}
	return solana.NewInstruction(programID, metas, data), nil
}
