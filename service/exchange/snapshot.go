package exchange

import (
	"time"

	"github.com/gagliardetto/solana-go"

	"github.com/brojonat/tokenswap/service/balance"
)

// Snapshot is a point-in-time read of the four accounts an exchange touches.
// It is stale as soon as it is returned and is never cached.
type Snapshot struct {
	Owner  solana.PublicKey
	ReadAt time.Time
	UserA  balance.Result
	UserB  balance.Result
	PoolA  balance.Result
	PoolB  balance.Result
}

// Entry is a labelled snapshot read.
type Entry struct {
	Label  string
	Result balance.Result
}

// Entries lists the reads in display order.
func (s Snapshot) Entries() []Entry {
	return []Entry{
		{Label: "user A", Result: s.UserA},
		{Label: "user B", Result: s.UserB},
		{Label: "pool A", Result: s.PoolA},
		{Label: "pool B", Result: s.PoolB},
	}
}
