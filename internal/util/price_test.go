package util

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestTickSize(t *testing.T) {
	cases := []struct {
		price string
		want  string
	}{
		{"0.005", "0.0000001"},
		{"0.5", "0.0001"},
		{"100", "0.01"},
		{"-250", "0.01"},
	}
	for _, c := range cases {
		price, err := decimal.NewFromString(c.price)
		require.NoError(t, err)
		want, err := decimal.NewFromString(c.want)
		require.NoError(t, err)
		assert.True(t, TickSize(price).Equal(want), "price=%s got=%s want=%s", c.price, TickSize(price), want)
	}
}

func TestRoundDownToTickIdempotent(t *testing.T) {
	prices := []string{"105.0049", "0.99999", "0.00512345", "1234.5678", "0"}
	for _, p := range prices {
		x, err := decimal.NewFromString(p)
		require.NoError(t, err)
		once := RoundDownToTick(x)
		twice := RoundDownToTick(once)
		assert.True(t, once.Equal(twice), "not idempotent for %s: once=%s twice=%s", p, once, twice)
	}
}

func TestRoundDownToTickNeverRoundsUp(t *testing.T) {
	x := decimal.RequireFromString("105.0049")
	got := RoundDownToTick(x)
	assert.True(t, got.LessThanOrEqual(x))
}
