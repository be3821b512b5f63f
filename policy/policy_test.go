package policy_test

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"

	"github.com/salonhub/ledger-engine/ledger"
	"github.com/salonhub/ledger-engine/policy"
)

func dec(v int64) decimal.Decimal { return decimal.NewFromInt(v) }

func order(total int64, payment string) ledger.Order {
	return ledger.Order{
		OrderID:       "order-1",
		AccountID:     "acct-1",
		Total:         dec(total),
		PaymentMethod: payment,
		Status:        ledger.OrderDelivered,
	}
}

// =============================================================================
// ELIGIBLE POINTS
// =============================================================================

func TestEligiblePoints_PercentOfTotalFloored(t *testing.T) {
	// GIVEN: The launch policy (10% earn)
	// WHEN: A 1000-value prepaid order is delivered
	// THEN: It earns exactly 100 points

	p := policy.NewStandard(policy.DefaultConfig())

	got := p.EligiblePoints(order(1000, "card"), 0)
	assert.True(t, got.Equal(dec(100)), "got %s", got)
}

func TestEligiblePoints_FractionsFloorDown(t *testing.T) {
	p := policy.NewStandard(policy.DefaultConfig())

	// 10% of 1259 is 125.9; partial points are never granted.
	got := p.EligiblePoints(order(1259, "card"), 0)
	assert.True(t, got.Equal(dec(125)), "got %s", got)
}

func TestEligiblePoints_CODOnlyEarnsOnFirstOrder(t *testing.T) {
	// GIVEN: COD is blocked after the first qualifying order
	// WHEN: The same COD buyer orders a second time
	// THEN: The first order earns, the second earns nothing

	p := policy.NewStandard(policy.DefaultConfig())

	first := p.EligiblePoints(order(1000, ledger.PaymentCashOnDelivery), 0)
	assert.True(t, first.Equal(dec(100)))

	second := p.EligiblePoints(order(1000, ledger.PaymentCashOnDelivery), 1)
	assert.True(t, second.IsZero(), "repeat COD order must not earn")

	// Prepaid orders are unaffected by the COD rule.
	prepaid := p.EligiblePoints(order(1000, "card"), 5)
	assert.True(t, prepaid.Equal(dec(100)))
}

func TestEligiblePoints_CODBlockDisabled(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.BlockCODAfterFirst = false
	p := policy.NewStandard(cfg)

	got := p.EligiblePoints(order(1000, ledger.PaymentCashOnDelivery), 3)
	assert.True(t, got.Equal(dec(100)))
}

func TestEligiblePoints_BelowMinimumOrderValue(t *testing.T) {
	cfg := policy.DefaultConfig()
	cfg.MinOrderValue = dec(500)
	p := policy.NewStandard(cfg)

	assert.True(t, p.EligiblePoints(order(499, "card"), 0).IsZero())
	assert.True(t, p.EligiblePoints(order(500, "card"), 0).Equal(dec(50)), "boundary order qualifies")
}

// =============================================================================
// REDEMPTION CAP
// =============================================================================

func TestMaxRedeemable_HalfOfOrderTotal(t *testing.T) {
	p := policy.NewStandard(policy.DefaultConfig())

	assert.True(t, p.MaxRedeemable(dec(1000)).Equal(dec(500)))
	assert.True(t, p.MaxRedeemable(decimal.NewFromFloat(999.99)).Equal(dec(499)), "cap floors down")
}

func TestMaxRedeemable_NonPositiveTotal(t *testing.T) {
	p := policy.NewStandard(policy.DefaultConfig())

	assert.True(t, p.MaxRedeemable(decimal.Zero).IsZero())
	assert.True(t, p.MaxRedeemable(dec(-10)).IsZero())
}

// =============================================================================
// EXPIRY
// =============================================================================

func TestExpiry_DefaultFourMonths(t *testing.T) {
	p := policy.NewStandard(policy.DefaultConfig())

	assert.Equal(t, 4, p.Expiry().Months)
}
