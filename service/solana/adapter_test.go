package solana

import (
	"context"
	"testing"
	"time"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRPCClient_RateLimit(t *testing.T) {
	t.Run("limited client shares one bucket", func(t *testing.T) {
		c := NewRPCClient("http://127.0.0.1:1", 5).(*realRPCClient)
		assert.InDelta(t, 5.0, float64(c.limiter.Limit()), 0.001)
		assert.Equal(t, 5, c.limiter.Burst())
	})

	t.Run("zero disables limiting", func(t *testing.T) {
		c := NewRPCClient("http://127.0.0.1:1", 0).(*realRPCClient)
		assert.True(t, c.limiter.Allow())
		assert.True(t, c.limiter.Allow())
	})

	t.Run("cancelled context fails before the network call", func(t *testing.T) {
		c := NewRPCClient("http://127.0.0.1:1", 1).(*realRPCClient)
		// Drain the single token.
		require.True(t, c.limiter.Allow())

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()

		_, err := c.GetAccountInfoWithOpts(ctx, solana.SystemProgramID, nil)
		require.Error(t, err)
	})
}
