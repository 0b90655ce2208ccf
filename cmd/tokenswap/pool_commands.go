package main

import (
	"errors"
	"fmt"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokenswap/service/exchange"
)

func poolCommands() *cli.Command {
	return &cli.Command{
		Name:  "pool",
		Usage: "Swap pool commands",
		Subcommands: []*cli.Command{
			poolInitCommand(),
			poolShowCommand(),
		},
	}
}

func poolInitCommand() *cli.Command {
	return &cli.Command{
		Name:  "init",
		Usage: "Create the pool state account (the pool vaults must already exist)",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "pool-keypair",
				Usage:    "Keypair file whose public key is POOL_ADDRESS",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			poolKey, err := solana.PrivateKeyFromSolanaKeygenFile(c.String("pool-keypair"))
			if err != nil {
				return fmt.Errorf("load pool keypair: %w", err)
			}
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			sess, err := e.connect(c.Context)
			if err != nil {
				return err
			}

			sig, err := e.exchange.InitializePool(c.Context, sess, poolKey)
			if err != nil {
				return fmt.Errorf("initialize pool: %w", err)
			}

			if c.Bool("json") {
				return printJSON(map[string]string{
					"signature": sig.String(),
					"pool":      e.pool.State.String(),
					"owner":     e.cosigner.PublicKey().String(),
				})
			}
			fmt.Printf("✓ Pool %s initialized\n", e.pool.State)
			fmt.Printf("  Owner:     %s\n", e.cosigner.PublicKey())
			fmt.Printf("  Signature: %s\n", sig)
			return nil
		},
	}
}

func poolShowCommand() *cli.Command {
	return &cli.Command{
		Name:  "show",
		Usage: "Show the configured pool and its on-chain state",
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}

			state, err := e.exchange.PoolState(c.Context)
			initialized := true
			if errors.Is(err, exchange.ErrPoolNotInitialized) {
				initialized = false
			} else if err != nil {
				return fmt.Errorf("read pool state: %w", err)
			}
			if initialized {
				if err := state.Matches(e.pool); err != nil {
					e.logger.Warn("on-chain pool differs from configuration", "error", err)
				}
			}

			if c.Bool("json") {
				out := map[string]interface{}{
					"program_id":      e.pool.ProgramID.String(),
					"address":         e.pool.State.String(),
					"token_a_mint":    e.pool.MintA.String(),
					"token_b_mint":    e.pool.MintB.String(),
					"token_a_account": e.pool.VaultA.String(),
					"token_b_account": e.pool.VaultB.String(),
					"decimals":        e.pool.Decimals,
					"initialized":     initialized,
				}
				if initialized {
					out["owner"] = state.Owner.String()
				}
				return printJSON(out)
			}

			fmt.Printf("Program:         %s\n", e.pool.ProgramID)
			fmt.Printf("Pool:            %s\n", e.pool.State)
			fmt.Printf("Token A mint:    %s\n", e.pool.MintA)
			fmt.Printf("Token B mint:    %s\n", e.pool.MintB)
			fmt.Printf("Token A vault:   %s\n", e.pool.VaultA)
			fmt.Printf("Token B vault:   %s\n", e.pool.VaultB)
			fmt.Printf("Decimals:        %d\n", e.pool.Decimals)
			if !initialized {
				fmt.Printf("Initialized:     no\n")
				return nil
			}
			fmt.Printf("Initialized:     yes\n")
			fmt.Printf("Owner:           %s\n", state.Owner)
			return nil
		},
	}
}
