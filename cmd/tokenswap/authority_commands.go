package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/itchyny/gojq"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokenswap/client"
)

func authorityCommands() *cli.Command {
	return &cli.Command{
		Name:  "authority",
		Usage: "Inspect the pool authority's co-sign decisions",
		Subcommands: []*cli.Command{
			cosignsCommand(),
			awaitCosignCommand(),
		},
	}
}

func cosignsCommand() *cli.Command {
	return &cli.Command{
		Name:  "cosigns",
		Usage: "List audited co-sign decisions, newest first",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:  "fee-payer",
				Usage: "Only decisions for this fee payer",
			},
			&cli.IntFlag{
				Name:  "limit",
				Usage: "Maximum number of records",
				Value: 20,
			},
			&cli.IntFlag{
				Name:  "offset",
				Usage: "Records to skip",
			},
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter each record must satisfy (repeatable, all must match), e.g. '.decision == \"rejected\"'",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			svc, err := serviceClient(c)
			if err != nil {
				return err
			}

			records, err := svc.ListCosigns(c.Context, c.String("fee-payer"), c.Int("limit"), c.Int("offset"))
			if err != nil {
				return fmt.Errorf("list co-signs: %w", err)
			}

			matched := make([]*client.CosignRecord, 0, len(records))
			for _, rec := range records {
				ok, err := matchesFilters(filters, rec)
				if err != nil {
					return err
				}
				if ok {
					matched = append(matched, rec)
				}
			}

			if c.Bool("json") {
				return printJSON(matched)
			}
			if len(matched) == 0 {
				fmt.Println("No co-sign decisions found")
				return nil
			}
			for _, rec := range matched {
				printCosign(rec)
			}
			fmt.Printf("\n%d of %d records shown\n", len(matched), len(records))
			return nil
		},
	}
}

func awaitCosignCommand() *cli.Command {
	return &cli.Command{
		Name:      "await",
		Usage:     "Block until a co-sign decision matching the filters is streamed",
		ArgsUsage: "[FEE_PAYER]",
		Flags: []cli.Flag{
			&cli.StringSliceFlag{
				Name:  "jq",
				Usage: "jq filter the event must satisfy (repeatable)",
			},
			&cli.DurationFlag{
				Name:    "timeout",
				Aliases: []string{"t"},
				Value:   5 * time.Minute,
				Usage:   "How long to wait",
			},
		},
		Action: func(c *cli.Context) error {
			filters, err := compileFilters(c.StringSlice("jq"))
			if err != nil {
				return err
			}
			svc, err := serviceClient(c)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(c.Context, c.Duration("timeout"))
			defer cancel()

			var filterErr error
			event, err := svc.AwaitCosign(ctx, c.Args().Get(0), func(ev *client.CosignEvent) bool {
				ok, err := matchesFilters(filters, ev)
				if err != nil {
					filterErr = err
					return true
				}
				return ok
			})
			if errors.Is(err, context.DeadlineExceeded) {
				return fmt.Errorf("no matching co-sign decision within %s", c.Duration("timeout"))
			}
			if err != nil {
				return fmt.Errorf("await co-sign: %w", err)
			}
			if filterErr != nil {
				return filterErr
			}

			if c.Bool("json") {
				return printJSON(event)
			}
			printCosign(event)
			return nil
		},
	}
}

func printCosign(rec *client.CosignRecord) {
	fmt.Println(strings.Repeat("━", 60))
	fmt.Printf("ID:        %s\n", rec.ID)
	fmt.Printf("Time:      %s\n", rec.CreatedAt.Format(time.RFC3339))
	fmt.Printf("Decision:  %s\n", rec.Decision)
	fmt.Printf("Operation: %s\n", rec.Operation)
	fmt.Printf("Fee payer: %s\n", rec.FeePayer)
	fmt.Printf("Amount:    %d\n", rec.Amount)
	if rec.Reason != "" {
		fmt.Printf("Reason:    %s\n", rec.Reason)
	}
	if rec.Signature != "" {
		fmt.Printf("Signature: %s\n", rec.Signature)
	}
}

func compileFilters(filters []string) ([]*gojq.Code, error) {
	codes := make([]*gojq.Code, len(filters))
	for i, filter := range filters {
		query, err := gojq.Parse(filter)
		if err != nil {
			return nil, fmt.Errorf("invalid jq filter %q: %w", filter, err)
		}
		codes[i], err = gojq.Compile(query)
		if err != nil {
			return nil, fmt.Errorf("failed to compile jq filter %q: %w", filter, err)
		}
	}
	return codes, nil
}

// matchesFilters runs every filter over the record's JSON form. The first
// output of each filter must be truthy.
func matchesFilters(codes []*gojq.Code, rec *client.CosignRecord) (bool, error) {
	if len(codes) == 0 {
		return true, nil
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return false, fmt.Errorf("failed to marshal record: %w", err)
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(data, &doc); err != nil {
		return false, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	for _, code := range codes {
		iter := code.Run(doc)
		v, ok := iter.Next()
		if !ok {
			return false, nil
		}
		if err, isErr := v.(error); isErr {
			return false, fmt.Errorf("jq filter error: %w", err)
		}
		if !isTruthy(v) {
			return false, nil
		}
	}
	return true, nil
}

// isTruthy follows jq: only false and null are falsy.
func isTruthy(v interface{}) bool {
	if v == nil {
		return false
	}
	if b, ok := v.(bool); ok {
		return b
	}
	return true
}
