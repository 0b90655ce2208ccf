package program

import (
	_ "embed"
	"encoding/json"
	"fmt"
)

//go:embed idl/swap_contract.json
var idlJSON []byte

// IDL is the subset of an Anchor interface description the client checks against.
type IDL struct {
	Version      string           `json:"version"`
	Name         string           `json:"name"`
	Instructions []IDLInstruction `json:"instructions"`
	Accounts     []IDLAccountDef  `json:"accounts"`
}

type IDLInstruction struct {
	Name     string       `json:"name"`
	Accounts []IDLAccount `json:"accounts"`
	Args     []IDLField   `json:"args"`
}

type IDLAccount struct {
	Name     string `json:"name"`
	IsMut    bool   `json:"isMut"`
	IsSigner bool   `json:"isSigner"`
}

type IDLField struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

type IDLAccountDef struct {
	Name string `json:"name"`
	Type struct {
		Kind   string     `json:"kind"`
		Fields []IDLField `json:"fields"`
	} `json:"type"`
}

// LoadIDL parses the embedded interface description.
func LoadIDL() (*IDL, error) {
	var idl IDL
	if err := json.Unmarshal(idlJSON, &idl); err != nil {
		return nil, fmt.Errorf("parse embedded idl: %w", err)
	}
	return &idl, nil
}

// Validate loads the embedded IDL and checks the role table and state layout against it.
func Validate() error {
	idl, err := LoadIDL()
	if err != nil {
		return err
	}
	return ValidateRoles(idl)
}

// ValidateRoles checks that Roles matches idl exactly: same operations, same
// account order and names, same signer and writable flags, and that every
// non-initialize operation takes a single u64 amount.
func ValidateRoles(idl *IDL) error {
	seen := make(map[Operation]bool)
	for _, ix := range idl.Instructions {
		op, err := ParseOperation(ix.Name)
		if err != nil {
			return fmt.Errorf("idl: %w", err)
		}
		seen[op] = true

		roles := Roles[op]
		if len(roles) != len(ix.Accounts) {
			return fmt.Errorf("%s: role table has %d accounts, idl has %d", op, len(roles), len(ix.Accounts))
		}
		for i, acc := range ix.Accounts {
			r := roles[i]
			if r.Name != acc.Name {
				return fmt.Errorf("%s: account %d is %q in role table, %q in idl", op, i, r.Name, acc.Name)
			}
			if r.Signer != acc.IsSigner {
				return fmt.Errorf("%s: %s signer flag is %t, idl says %t", op, r.Name, r.Signer, acc.IsSigner)
			}
			if r.Writable != acc.IsMut {
				return fmt.Errorf("%s: %s writable flag is %t, idl says %t", op, r.Name, r.Writable, acc.IsMut)
			}
		}

		wantArgs := 1
		if op == OpInitialize {
			wantArgs = 0
		}
		if len(ix.Args) != wantArgs {
			return fmt.Errorf("%s: expected %d args, idl has %d", op, wantArgs, len(ix.Args))
		}
		if wantArgs == 1 && ix.Args[0].Type != "u64" {
			return fmt.Errorf("%s: amount arg is %s, expected u64", op, ix.Args[0].Type)
		}
	}
	for _, op := range Operations {
		if !seen[op] {
			return fmt.Errorf("%s: missing from idl", op)
		}
	}

	return validateStateLayout(idl)
}

func validateStateLayout(idl *IDL) error {
	for _, def := range idl.Accounts {
		if def.Name != SwapPoolAccountName {
			continue
		}
		if len(def.Type.Fields) != swapPoolFieldCount {
			return fmt.Errorf("%s: expected %d fields, idl has %d", def.Name, swapPoolFieldCount, len(def.Type.Fields))
		}
		for _, f := range def.Type.Fields {
			if f.Type != "publicKey" {
				return fmt.Errorf("%s.%s: expected publicKey, idl has %s", def.Name, f.Name, f.Type)
			}
		}
		return nil
	}
	return fmt.Errorf("%s: missing from idl accounts", SwapPoolAccountName)
}
