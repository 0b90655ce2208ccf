package main

import (
	"fmt"
	"log"
	"os"

	"github.com/joho/godotenv"
	"github.com/urfave/cli/v2"
)

var (
	// Version information (set via ldflags during build)
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

func main() {
	_ = godotenv.Load()

	if err := newApp().Run(os.Args); err != nil {
		log.Fatal(err)
	}
}

func newApp() *cli.App {
	return &cli.App{
		Name:  "tokenswap",
		Usage: "Swap between the two tokens of a Solana swap pool",
		Description: `A command-line client for a deployed swap pool.

Connect a keypair wallet, request test tokens from the pool faucet, swap between
token A and token B, and inspect balances. Transactions are co-signed by the pool
authority: locally when AUTHORITY_KEYPAIR_PATH is set, otherwise by the service at
SERVER_URL.`,
		// jq filters contain commas
		DisableSliceFlagSeparator: true,
		Version:                   fmt.Sprintf("%s (commit: %s, built: %s)", version, commit, date),
		Commands: []*cli.Command{
			walletCommands(),
			accountCommands(),
			faucetCommand(),
			swapCommand(),
			quoteCommand(),
			balancesCommand(),
			poolCommands(),
			authorityCommands(),
			{
				Name:  "server",
				Usage: "Server utility commands",
				Subcommands: []*cli.Command{
					healthCommand(),
					versionCommand(),
				},
			},
		},
		// Global flags available to all commands
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				Usage:   "Co-signing service URL",
				EnvVars: []string{"SERVER_URL"},
				Value:   "http://localhost:8080",
			},
			&cli.StringFlag{
				Name:    "keypair",
				Aliases: []string{"k"},
				Usage:   "Wallet keypair file (solana-keygen JSON)",
				EnvVars: []string{"WALLET_KEYPAIR_PATH"},
			},
			&cli.BoolFlag{
				Name:    "json",
				Aliases: []string{"j"},
				Usage:   "Output in JSON format",
			},
		},
	}
}
