package money

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToMinor(t *testing.T) {
	tests := []struct {
		name     string
		amount   string
		currency string
		want     int64
	}{
		{"czk two decimals", "12100.00", "CZK", 1210000},
		{"usd cents", "19.99", "USD", 1999},
		{"negative", "-5.5", "EUR", -550},
		{"yen has no minor unit", "1500", "JPY", 1500},
		{"dinar has three", "1.234", "KWD", 1234},
		{"rounds extra precision", "0.005", "USD", 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := ToMinor(decimal.RequireFromString(tt.amount), tt.currency)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestParseMinor_Invalid(t *testing.T) {
	_, err := ParseMinor("12,5x", "CZK")
	require.Error(t, err)
}

func TestParseMinor(t *testing.T) {
	got, err := ParseMinor(" 12100.00 ", "CZK")
	require.NoError(t, err)
	assert.Equal(t, int64(1210000), got)

	got, err = ParseMinor("-4500", "HUF")
	require.NoError(t, err)
	assert.Equal(t, int64(-450000), got)
}
