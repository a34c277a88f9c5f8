package sizing

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSizer(limits Limits) *Sizer {
	log := logrus.New()
	log.SetLevel(logrus.PanicLevel)
	return New(limits, log)
}

func d(s string) decimal.Decimal {
	return decimal.RequireFromString(s)
}

func TestSizeRejectsNonPositivePrice(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("5000"), MaxTotalExposureUSD: d("20000")})
	qty := s.Size("AAPL", d("0"), d("1000"), nil, nil)
	assert.True(t, qty.IsZero())
}

func TestSizeFloorsWhenFractionalDisallowed(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("5000"), MaxTotalExposureUSD: d("20000")})
	qty := s.Size("AAPL", d("30"), d("1000"), nil, nil)
	require.True(t, qty.Equal(d("33")))
}

func TestSizeAllowsFractional(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("5000"), MaxTotalExposureUSD: d("20000"), AllowFractional: true})
	qty := s.Size("BTC/USD", d("30"), d("1000"), nil, nil)
	require.True(t, qty.Equal(d("33.3333333333333333")), qty.String())
}

func TestSizeScalesDownToSymbolCap(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("500"), MaxTotalExposureUSD: d("20000")})
	qty := s.Size("AAPL", d("30"), d("1000"), nil, nil)
	// 500/30 = 16.67 -> floor 16, value 480 <= 500
	require.True(t, qty.Equal(d("16")))
}

func TestSizeVetoesOnTotalExposure(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("5000"), MaxTotalExposureUSD: d("1000")})
	current := map[string]decimal.Decimal{"MSFT": d("900")}
	qty := s.Size("AAPL", d("30"), d("1000"), current, nil)
	assert.True(t, qty.IsZero())
}

func TestSizeVetoesOnCashReserve(t *testing.T) {
	s := testSizer(Limits{
		MaxSymbolExposureUSD:  d("5000"),
		MaxTotalExposureUSD:   d("50000"),
		MinCashReservePercent: d("50"),
	})
	account := d("10000")
	current := map[string]decimal.Decimal{"MSFT": d("4000")}
	qty := s.Size("AAPL", d("30"), d("3000"), current, &account)
	assert.True(t, qty.IsZero())
}

func TestCheckExposureLimit(t *testing.T) {
	s := testSizer(Limits{MaxSymbolExposureUSD: d("1000"), MaxTotalExposureUSD: d("5000")})
	assert.True(t, s.CheckExposureLimit("AAPL", d("900"), nil))
	assert.False(t, s.CheckExposureLimit("AAPL", d("1100"), nil))
	assert.False(t, s.CheckExposureLimit("AAPL", d("900"), map[string]decimal.Decimal{"MSFT": d("4200")}))
}

func TestExposureMetricsFor(t *testing.T) {
	s := testSizer(Limits{MaxTotalExposureUSD: d("10000")})
	m := s.ExposureMetricsFor(map[string]decimal.Decimal{"AAPL": d("2000"), "MSFT": d("3000")})
	assert.True(t, m.TotalExposureUSD.Equal(d("5000")))
	assert.True(t, m.RemainingCapacityUSD.Equal(d("5000")))
	assert.True(t, m.UtilizationPercent.Equal(d("50")))
	assert.Equal(t, 2, m.NumPositions)
}
