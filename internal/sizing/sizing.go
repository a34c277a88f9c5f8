// Package sizing computes order quantities from dollar allocations and
// enforces the exposure caps that gate new entries.
package sizing

import (
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
)

// Limits carries the exposure caps and cash-reserve rule a Sizer enforces.
// It is a narrow projection of the bot's configuration so this package
// never imports internal/config.
type Limits struct {
	MaxSymbolExposureUSD  decimal.Decimal
	MaxTotalExposureUSD   decimal.Decimal
	MinCashReservePercent decimal.Decimal
	AllowFractional       bool
}

// Sizer turns a per-symbol dollar allocation into an order quantity,
// scaling it down to the per-symbol exposure cap and vetoing the order
// entirely (returning zero) when the total exposure cap or the cash
// reserve would be breached.
type Sizer struct {
	limits Limits
	log    *logrus.Logger
}

// New constructs a Sizer against the given limits.
func New(limits Limits, log *logrus.Logger) *Sizer {
	return &Sizer{limits: limits, log: log}
}

// Size computes the quantity to buy for symbol at lastPrice, given its
// dollar allocation, the USD value of currently held positions keyed by
// symbol, and optionally the account's total value. The rules are
// evaluated in order: a quantity over the per-symbol cap is scaled down
// to fit it, and any other violated constraint yields a zero quantity
// and short-circuits the rest.
func (s *Sizer) Size(symbol string, lastPrice, allocation decimal.Decimal, currentPositions map[string]decimal.Decimal, accountValue *decimal.Decimal) decimal.Decimal {
	zero := decimal.Zero

	if lastPrice.LessThanOrEqual(zero) {
		s.log.WithFields(logrus.Fields{"symbol": symbol, "price": lastPrice}).Warn("invalid price for sizing")
		return zero
	}

	rawQty := allocation.Div(lastPrice)
	if !s.limits.AllowFractional {
		rawQty = rawQty.Floor()
	}
	if rawQty.LessThanOrEqual(zero) {
		s.log.WithFields(logrus.Fields{"symbol": symbol, "allocation": allocation, "price": lastPrice}).Warn("allocation too small to size a position")
		return zero
	}

	positionValue := rawQty.Mul(lastPrice)
	if s.limits.MaxSymbolExposureUSD.GreaterThan(zero) && positionValue.GreaterThan(s.limits.MaxSymbolExposureUSD) {
		rawQty = s.limits.MaxSymbolExposureUSD.Div(lastPrice)
		if !s.limits.AllowFractional {
			rawQty = rawQty.Floor()
		}
		positionValue = rawQty.Mul(lastPrice)
		s.log.WithFields(logrus.Fields{"symbol": symbol, "qty": rawQty, "value": positionValue}).Info("position scaled down to symbol exposure cap")
		if rawQty.LessThanOrEqual(zero) {
			return zero
		}
	}

	currentTotal := sumValues(currentPositions)
	projectedTotal := currentTotal.Add(positionValue)
	if s.limits.MaxTotalExposureUSD.GreaterThan(zero) && projectedTotal.GreaterThan(s.limits.MaxTotalExposureUSD) {
		s.log.WithFields(logrus.Fields{"symbol": symbol, "total_exposure": projectedTotal, "limit": s.limits.MaxTotalExposureUSD}).Warn("total exposure limit reached")
		return zero
	}

	if accountValue != nil {
		minReserve := accountValue.Mul(s.limits.MinCashReservePercent).Div(decimal.NewFromInt(100))
		currentCash := accountValue.Sub(currentTotal)
		if currentCash.Sub(positionValue).LessThan(minReserve) {
			s.log.WithFields(logrus.Fields{"symbol": symbol, "cash": currentCash, "required_reserve": minReserve}).Warn("insufficient cash reserve for new position")
			return zero
		}
	}

	s.log.WithFields(logrus.Fields{"symbol": symbol, "qty": rawQty, "price": lastPrice, "value": positionValue}).Info("position sized")
	return rawQty
}

// CheckExposureLimit reports whether adding a position of the given value
// would stay within both the per-symbol and total exposure caps.
func (s *Sizer) CheckExposureLimit(symbol string, positionValue decimal.Decimal, currentPositions map[string]decimal.Decimal) bool {
	if s.limits.MaxSymbolExposureUSD.GreaterThan(decimal.Zero) && positionValue.GreaterThan(s.limits.MaxSymbolExposureUSD) {
		s.log.WithFields(logrus.Fields{"symbol": symbol, "value": positionValue, "limit": s.limits.MaxSymbolExposureUSD}).Warn("symbol exposure limit exceeded")
		return false
	}
	total := sumValues(currentPositions).Add(positionValue)
	if s.limits.MaxTotalExposureUSD.GreaterThan(decimal.Zero) && total.GreaterThan(s.limits.MaxTotalExposureUSD) {
		s.log.WithFields(logrus.Fields{"total_exposure": total, "limit": s.limits.MaxTotalExposureUSD}).Warn("total exposure limit exceeded")
		return false
	}
	return true
}

// ExposureMetrics summarizes current exposure against the configured cap.
type ExposureMetrics struct {
	TotalExposureUSD      decimal.Decimal
	RemainingCapacityUSD  decimal.Decimal
	UtilizationPercent    decimal.Decimal
	NumPositions          int
}

// ExposureMetricsFor computes a read-only exposure summary over positions.
func (s *Sizer) ExposureMetricsFor(positions map[string]decimal.Decimal) ExposureMetrics {
	total := sumValues(positions)
	m := ExposureMetrics{
		TotalExposureUSD:     total,
		RemainingCapacityUSD: s.limits.MaxTotalExposureUSD.Sub(total),
		NumPositions:         len(positions),
	}
	if s.limits.MaxTotalExposureUSD.GreaterThan(decimal.Zero) {
		m.UtilizationPercent = total.Div(s.limits.MaxTotalExposureUSD).Mul(decimal.NewFromInt(100))
	}
	return m
}

func sumValues(m map[string]decimal.Decimal) decimal.Decimal {
	total := decimal.Zero
	for _, v := range m {
		total = total.Add(v)
	}
	return total
}
