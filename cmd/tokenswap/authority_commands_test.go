package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"

	"github.com/brojonat/tokenswap/client"
)

func TestJQFilterMatching(t *testing.T) {
	rec := &client.CosignRecord{
		ID:        "3f1c",
		Operation: "faucet",
		FeePayer:  "9xQeWvG816bUx9EPjHmaT23yvVM2ZWbrrpZb9PusVFin",
		Amount:    600_000_000,
		Decision:  "rejected",
		Reason:    "faucet amount 600000000 exceeds limit 500000000",
		CreatedAt: time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
	}

	tests := []struct {
		name        string
		filters     []string
		expectMatch bool
		expectErr   bool
	}{
		{name: "no filters", expectMatch: true},
		{name: "decision match", filters: []string{`.decision == "rejected"`}, expectMatch: true},
		{name: "decision mismatch", filters: []string{`.decision == "approved"`}, expectMatch: false},
		{name: "numeric comparison", filters: []string{`.amount > 500000000`}, expectMatch: true},
		{name: "all filters must match", filters: []string{`.operation == "faucet"`, `.amount < 10`}, expectMatch: false},
		{name: "string function", filters: []string{`.reason | contains("exceeds")`}, expectMatch: true},
		{name: "omitted field is null", filters: []string{`.signature`}, expectMatch: false},
		{name: "non-boolean output is truthy", filters: []string{`.id`}, expectMatch: true},
		{name: "empty output", filters: []string{`empty`}, expectMatch: false},
		{name: "runtime error", filters: []string{`.amount | ascii_downcase`}, expectErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			codes, err := compileFilters(tt.filters)
			require.NoError(t, err)

			match, err := matchesFilters(codes, rec)
			if tt.expectErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.expectMatch, match)
		})
	}
}

func TestCompileFilters_Invalid(t *testing.T) {
	_, err := compileFilters([]string{`.decision ==`})
	assert.Error(t, err)
}

func TestIsTruthy(t *testing.T) {
	assert.False(t, isTruthy(nil))
	assert.False(t, isTruthy(false))
	assert.True(t, isTruthy(true))
	assert.True(t, isTruthy(0.0))
	assert.True(t, isTruthy(""))
	assert.True(t, isTruthy(map[string]interface{}{}))
}

func newAuthorityApp() *cli.App {
	return &cli.App{
		Name:                      "tokenswap",
		Commands:                  []*cli.Command{authorityCommands()},
		DisableSliceFlagSeparator: true,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server-url",
				EnvVars: []string{"SERVER_URL"},
			},
			&cli.BoolFlag{Name: "json"},
		},
	}
}

func TestCosignsCommand(t *testing.T) {
	var gotQuery string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/cosigns", r.URL.Path)
		gotQuery = r.URL.RawQuery
		json.NewEncoder(w).Encode(map[string]interface{}{
			"cosigns": []client.CosignRecord{
				{ID: "b", Operation: "swap", FeePayer: "payer", Amount: 5, Decision: "approved", Signature: "sig"},
				{ID: "a", Operation: "faucet", FeePayer: "payer", Amount: 9, Decision: "rejected", Reason: "too much"},
			},
			"count":  2,
			"limit":  7,
			"offset": 1,
		})
	}))
	defer server.Close()

	app := newAuthorityApp()
	err := app.Run([]string{"tokenswap", "--server-url", server.URL, "--json",
		"authority", "cosigns", "--fee-payer", "payer", "--limit", "7", "--offset", "1",
		"--jq", `.decision == "approved"`})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "fee_payer=payer")
	assert.Contains(t, gotQuery, "limit=7")
	assert.Contains(t, gotQuery, "offset=1")
}

func TestCosignsCommand_ServiceError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
		json.NewEncoder(w).Encode(map[string]string{"error": "audit store not configured"})
	}))
	defer server.Close()

	err := newAuthorityApp().Run([]string{"tokenswap", "--server-url", server.URL, "authority", "cosigns"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "audit store not configured")
}

func TestCosignsCommand_InvalidFilter(t *testing.T) {
	err := newAuthorityApp().Run([]string{"tokenswap", "--server-url", "http://127.0.0.1:1", "authority", "cosigns", "--jq", "]["})
	assert.Error(t, err)
}
