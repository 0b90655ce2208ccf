package main

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gagliardetto/solana-go"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokenswap/service/exchange"
	"github.com/brojonat/tokenswap/service/program"
)

func walletCommands() *cli.Command {
	return &cli.Command{
		Name:  "wallet",
		Usage: "Wallet commands",
		Subcommands: []*cli.Command{
			{
				Name:  "address",
				Usage: "Print the connected wallet's public key and token accounts",
				Action: func(c *cli.Context) error {
					e, err := loadEnv(c)
					if err != nil {
						return err
					}
					sess, err := e.connect(c.Context)
					if err != nil {
						return err
					}
					owner, err := sess.Wallet.PublicKey()
					if err != nil {
						return err
					}
					a, b, err := e.exchange.UserAccounts(owner)
					if err != nil {
						return err
					}

					if c.Bool("json") {
						return printJSON(map[string]string{
							"owner":           owner.String(),
							"token_a_account": a.String(),
							"token_b_account": b.String(),
						})
					}
					fmt.Printf("Wallet:          %s\n", owner)
					fmt.Printf("Token A account: %s\n", a)
					fmt.Printf("Token B account: %s\n", b)
					return nil
				},
			},
		},
	}
}

func accountCommands() *cli.Command {
	return &cli.Command{
		Name:  "account",
		Usage: "Token account commands",
		Subcommands: []*cli.Command{
			{
				Name:  "ensure",
				Usage: "Create the wallet's token account for a pool token if it does not exist",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "token",
						Usage:    "Pool token (A or B)",
						Required: true,
					},
				},
				Action: func(c *cli.Context) error {
					token, err := program.ParseToken(c.String("token"))
					if err != nil {
						return err
					}
					e, err := loadEnv(c)
					if err != nil {
						return err
					}
					sess, err := e.connect(c.Context)
					if err != nil {
						return err
					}

					ref, err := e.exchange.EnsureAccount(c.Context, sess, token)
					if err != nil {
						return fmt.Errorf("ensure token account: %w", err)
					}

					if c.Bool("json") {
						return printJSON(ref)
					}
					state := "exists"
					if ref.Created {
						state = "created"
					}
					fmt.Printf("Token %s account %s (%s)\n", token, ref.Address, state)
					return nil
				},
			},
		},
	}
}

func faucetCommand() *cli.Command {
	return &cli.Command{
		Name:  "faucet",
		Usage: "Request test tokens from the pool",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "token",
				Usage:    "Pool token (A or B)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount in token units, e.g. 12.5",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			token, err := program.ParseToken(c.String("token"))
			if err != nil {
				return err
			}
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			amount, err := parseAmount(c.String("amount"), e.pool.Decimals)
			if err != nil {
				return err
			}
			sess, err := e.connect(c.Context)
			if err != nil {
				return err
			}

			res, err := e.exchange.Faucet(c.Context, sess, token, amount)
			if err != nil {
				return fmt.Errorf("faucet failed: %w", err)
			}

			if c.Bool("json") {
				return printJSON(map[string]interface{}{
					"signature": res.Signature.String(),
					"token":     string(res.Token),
					"amount":    res.Amount,
					"account":   res.Account,
					"balances":  snapshotView(res.Snapshot),
				})
			}
			fmt.Printf("✓ Received %s token %s\n", formatAmount(res.Amount, e.pool.Decimals), res.Token)
			fmt.Printf("  Signature: %s\n", res.Signature)
			fmt.Println()
			printSnapshot(res.Snapshot)
			return nil
		},
	}
}

func swapCommand() *cli.Command {
	return &cli.Command{
		Name:  "swap",
		Usage: "Swap one pool token for the other",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Usage:    "Token to send (A or B); the other token is received",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount to send in token units, e.g. 12.5",
				Required: true,
			},
		},
		Action: func(c *cli.Context) error {
			dir, err := program.ParseDirection(c.String("from"))
			if err != nil {
				return err
			}
			e, err := loadEnv(c)
			if err != nil {
				return err
			}
			amount, err := parseAmount(c.String("amount"), e.pool.Decimals)
			if err != nil {
				return err
			}
			sess, err := e.connect(c.Context)
			if err != nil {
				return err
			}

			res, err := e.exchange.Swap(c.Context, sess, dir, amount)
			if err != nil {
				return fmt.Errorf("swap failed: %w", err)
			}

			if c.Bool("json") {
				return printJSON(map[string]interface{}{
					"signature":    res.Signature.String(),
					"direction":    res.Direction.String(),
					"amount_in":    res.AmountIn,
					"expected_out": res.ExpectedOut,
					"balances":     snapshotView(res.Snapshot),
				})
			}
			fmt.Printf("✓ Swapped %s %s for %s %s\n",
				formatAmount(res.AmountIn, e.pool.Decimals), dir.From,
				formatAmount(res.ExpectedOut, e.pool.Decimals), dir.To)
			fmt.Printf("  Signature: %s\n", res.Signature)
			fmt.Println()
			printSnapshot(res.Snapshot)
			return nil
		},
	}
}

func quoteCommand() *cli.Command {
	return &cli.Command{
		Name:  "quote",
		Usage: "Show the expected output of a swap without sending it",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:     "from",
				Usage:    "Token to send (A or B)",
				Required: true,
			},
			&cli.StringFlag{
				Name:     "amount",
				Usage:    "Amount to send in token units",
				Required: true,
			},
			&cli.UintFlag{
				Name:    "decimals",
				Usage:   "Token decimals",
				Value:   6,
				EnvVars: []string{"TOKEN_DECIMALS"},
			},
		},
		Action: func(c *cli.Context) error {
			dir, err := program.ParseDirection(c.String("from"))
			if err != nil {
				return err
			}
			decimals := uint8(c.Uint("decimals"))
			amount, err := parseAmount(c.String("amount"), decimals)
			if err != nil {
				return err
			}

			// Quotes are local; no pool or RPC is needed.
			out, err := exchange.NewService(program.Pool{}, nil, nil, nil, nil, nil, nil).Quote(amount, dir)
			if err != nil {
				return err
			}

			if c.Bool("json") {
				return printJSON(map[string]interface{}{
					"direction":    dir.String(),
					"amount_in":    amount,
					"expected_out": out,
				})
			}
			fmt.Printf("%s %s -> %s %s\n",
				formatAmount(amount, decimals), dir.From, formatAmount(out, decimals), dir.To)
			return nil
		},
	}
}

func balancesCommand() *cli.Command {
	return &cli.Command{
		Name:      "balances",
		Usage:     "Show token A and B balances of a wallet and the pool",
		ArgsUsage: "[OWNER]",
		Action: func(c *cli.Context) error {
			e, err := loadEnv(c)
			if err != nil {
				return err
			}

			var owner solana.PublicKey
			if c.NArg() > 0 {
				owner, err = solana.PublicKeyFromBase58(c.Args().Get(0))
				if err != nil {
					return fmt.Errorf("invalid owner address: %w", err)
				}
			} else {
				sess, err := e.connect(c.Context)
				if err != nil {
					return err
				}
				if owner, err = sess.Wallet.PublicKey(); err != nil {
					return err
				}
			}

			snap := e.exchange.Snapshot(c.Context, owner)
			if c.Bool("json") {
				return printJSON(map[string]interface{}{
					"owner":    owner.String(),
					"read_at":  snap.ReadAt,
					"balances": snapshotView(snap),
				})
			}
			fmt.Printf("Owner: %s\n\n", owner)
			printSnapshot(snap)
			return nil
		},
	}
}

type balanceView struct {
	Label    string  `json:"label"`
	Address  string  `json:"address"`
	Amount   *uint64 `json:"amount,omitempty"`
	UIAmount string  `json:"ui_amount,omitempty"`
	Error    string  `json:"error,omitempty"`
}

func snapshotView(snap exchange.Snapshot) []balanceView {
	entries := snap.Entries()
	out := make([]balanceView, 0, len(entries))
	for _, entry := range entries {
		v := balanceView{Label: entry.Label, Address: entry.Result.Address.String()}
		if entry.Result.OK() {
			amount := entry.Result.Amount.Amount
			v.Amount = &amount
			v.UIAmount = formatAmount(amount, entry.Result.Amount.Decimals)
		} else {
			v.Error = entry.Result.Err.Error()
		}
		out = append(out, v)
	}
	return out
}

// printSnapshot prints one line per account. Failed reads show n/a.
func printSnapshot(snap exchange.Snapshot) {
	fmt.Println(strings.Repeat("━", 60))
	for _, v := range snapshotView(snap) {
		amount := "n/a"
		if v.Amount != nil {
			amount = v.UIAmount
		}
		fmt.Printf("%-8s %20s  %s\n", v.Label, amount, v.Address)
	}
	fmt.Println(strings.Repeat("━", 60))
}

func printJSON(v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
