/*
rates.go - Commission rate-band table

PURPOSE:
  The commission percentage is not hardcoded: it comes from an ordered
  list of subtotal bands loaded from configuration. Band selection picks
  the most specific (narrowest) matching band; ties break toward the
  highest MinAmount; when nothing matches, the default rate applies.
*/
package commission

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// RATE BANDS
// =============================================================================

// RateBand maps an order-subtotal range [MinAmount, MaxAmount) to a
// commission percentage. A nil MaxAmount means unbounded above.
type RateBand struct {
	MinAmount   decimal.Decimal
	MaxAmount   *decimal.Decimal
	RatePercent decimal.Decimal
}

// Matches reports whether subtotal falls inside the band.
func (b RateBand) Matches(subtotal decimal.Decimal) bool {
	if subtotal.LessThan(b.MinAmount) {
		return false
	}
	return b.MaxAmount == nil || subtotal.LessThan(*b.MaxAmount)
}

// width returns the band's span; unbounded bands sort widest.
func (b RateBand) width() (decimal.Decimal, bool) {
	if b.MaxAmount == nil {
		return decimal.Zero, false
	}
	return b.MaxAmount.Sub(b.MinAmount), true
}

// RateTable is the full band configuration plus the fallback rate.
type RateTable struct {
	Bands          []RateBand
	DefaultPercent decimal.Decimal
}

// RateFor selects the applicable commission percentage for a subtotal.
//
// Selection: among matching bands, the narrowest wins; equal widths break
// toward the highest MinAmount; no match falls back to DefaultPercent.
func (t RateTable) RateFor(subtotal decimal.Decimal) decimal.Decimal {
	var best *RateBand
	for i := range t.Bands {
		band := t.Bands[i]
		if !band.Matches(subtotal) {
			continue
		}
		if best == nil || narrower(band, *best) {
			b := band
			best = &b
		}
	}
	if best == nil {
		return t.DefaultPercent
	}
	return best.RatePercent
}

// narrower reports whether a should be preferred over b.
func narrower(a, b RateBand) bool {
	aw, aBounded := a.width()
	bw, bBounded := b.width()
	switch {
	case aBounded && !bBounded:
		return true
	case !aBounded && bBounded:
		return false
	case aBounded && bBounded && !aw.Equal(bw):
		return aw.LessThan(bw)
	default:
		return a.MinAmount.GreaterThan(b.MinAmount)
	}
}

// CommissionFor computes the commission amount for a subtotal, rounded to
// two decimal places (currency).
func (t RateTable) CommissionFor(subtotal decimal.Decimal) (amount, rate decimal.Decimal) {
	rate = t.RateFor(subtotal)
	amount = subtotal.Mul(rate).Div(decimal.NewFromInt(100)).Round(2)
	return amount, rate
}
