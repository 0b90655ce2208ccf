// Package balance reads token account balances concurrently and independently.
package balance

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/gagliardetto/solana-go"
	"golang.org/x/sync/errgroup"

	"github.com/brojonat/tokenswap/service/metrics"
	solsvc "github.com/brojonat/tokenswap/service/solana"
)

// DefaultConcurrency bounds in-flight balance reads per call.
const DefaultConcurrency = 4

// Ledger is the read the Reader performs.
type Ledger interface {
	TokenBalance(ctx context.Context, account solana.PublicKey) (solsvc.TokenAmount, error)
}

// ReadError is the failure of one address. It never affects other addresses.
type ReadError struct {
	Address solana.PublicKey
	Err     error
}

func (e *ReadError) Error() string {
	return fmt.Sprintf("read balance of %s: %v", e.Address, e.Err)
}

func (e *ReadError) Unwrap() error {
	return e.Err
}

// Result is the balance of one address, or the error reading it.
type Result struct {
	Address solana.PublicKey
	Amount  solsvc.TokenAmount
	Err     *ReadError
}

// OK reports whether the read succeeded.
func (r Result) OK() bool {
	return r.Err == nil
}

// Reader reads balances. Reads are never cached.
type Reader struct {
	ledger      Ledger
	concurrency int
	metrics     *metrics.Metrics
	logger      *slog.Logger
}

// NewReader creates a Reader. concurrency <= 0 uses DefaultConcurrency.
func NewReader(ledger Ledger, concurrency int, m *metrics.Metrics, logger *slog.Logger) *Reader {
	if concurrency <= 0 {
		concurrency = DefaultConcurrency
	}
	return &Reader{
		ledger:      ledger,
		concurrency: concurrency,
		metrics:     m,
		logger:      logger,
	}
}

// ReadBalances returns one Result per address, in input order. Reads run
// concurrently; a failed read is recorded in its Result and logged, and the
// others still complete.
func (r *Reader) ReadBalances(ctx context.Context, addresses []solana.PublicKey) []Result {
	results := make([]Result, len(addresses))

	// Goroutines never return an error, so one failure cannot cancel the rest.
	var g errgroup.Group
	g.SetLimit(r.concurrency)
	for i, addr := range addresses {
		i, addr := i, addr
		g.Go(func() error {
			results[i] = r.read(ctx, addr)
			return nil
		})
	}
	_ = g.Wait()

	return results
}

func (r *Reader) read(ctx context.Context, addr solana.PublicKey) Result {
	amount, err := r.ledger.TokenBalance(ctx, addr)
	if r.metrics != nil {
		r.metrics.RecordBalanceRead(err)
	}
	if err != nil {
		r.logger.WarnContext(ctx, "balance read failed",
			"address", addr.String(),
			"error", err,
		)
		return Result{Address: addr, Err: &ReadError{Address: addr, Err: err}}
	}
	return Result{Address: addr, Amount: amount}
}
