package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseAmount(t *testing.T) {
	tests := []struct {
		name     string
		input    string
		decimals uint8
		want     uint64
		wantErr  bool
	}{
		{name: "whole units", input: "12", decimals: 6, want: 12_000_000},
		{name: "fractional units", input: "12.5", decimals: 6, want: 12_500_000},
		{name: "smallest unit", input: "0.000001", decimals: 6, want: 1},
		{name: "zero decimals", input: "42", decimals: 0, want: 42},
		{name: "max uint64", input: "18446744073709551615", decimals: 0, want: 18446744073709551615},
		{name: "too many decimal places", input: "0.0000001", decimals: 6, wantErr: true},
		{name: "overflow", input: "18446744073709551616", decimals: 0, wantErr: true},
		{name: "zero", input: "0", decimals: 6, wantErr: true},
		{name: "negative", input: "-1", decimals: 6, wantErr: true},
		{name: "not a number", input: "ten", decimals: 6, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseAmount(tt.input, tt.decimals)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestFormatAmount(t *testing.T) {
	assert.Equal(t, "12.5", formatAmount(12_500_000, 6))
	assert.Equal(t, "0.000001", formatAmount(1, 6))
	assert.Equal(t, "0", formatAmount(0, 6))
	assert.Equal(t, "42", formatAmount(42, 0))
}
