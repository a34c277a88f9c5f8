// Package util provides common numeric helpers shared across the core.
package util

import "github.com/shopspring/decimal"

// tick ladder thresholds and increments, per spec §4.4: magnitude decides
// the legal price increment for an instrument.
var (
	microTick  = decimal.New(1, -7) // 1e-7, for prices < 0.01
	smallTick  = decimal.New(1, -4) // 1e-4, for prices < 1
	normalTick = decimal.New(1, -2) // 0.01, otherwise
	smallCap   = decimal.New(1, 0)
	microCap   = decimal.New(1, -2)
)

// TickSize returns the smallest legal price increment for a price of the
// given magnitude, using decimal arithmetic throughout to avoid the binary
// float drift the spec explicitly calls out.
func TickSize(price decimal.Decimal) decimal.Decimal {
	abs := price.Abs()
	switch {
	case abs.LessThan(microCap):
		return microTick
	case abs.LessThan(smallCap):
		return smallTick
	default:
		return normalTick
	}
}

// RoundDownToTick rounds x down to the nearest multiple of its tick size,
// selected by TickSize(x). Idempotent: RoundDownToTick(RoundDownToTick(x))
// == RoundDownToTick(x) for any finite x >= 0, satisfying property P7.
func RoundDownToTick(x decimal.Decimal) decimal.Decimal {
	tick := TickSize(x)
	if tick.IsZero() {
		return x
	}
	return x.DivRound(tick, 16).Floor().Mul(tick)
}

// RoundToTickSize rounds x down to the nearest multiple of an explicit tick,
// used when the broker reports its own tick size for the instrument.
func RoundToTickSize(x, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return x
	}
	return x.DivRound(tick, 16).Floor().Mul(tick)
}
