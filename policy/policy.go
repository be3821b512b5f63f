/*
Package policy holds the reward-eligibility business rules, kept apart
from the mechanical ledger guarantees.

PURPOSE:
  Which orders earn points, how many, and how much of an order may be
  paid in points are business policy - the kind of rule product changes
  twice a year. The ledger's FIFO/idempotency/invariant machinery must
  not move when that happens, so the rules live behind a small interface
  the API layer consults before calling the ledger.

DEFAULT RULES (Standard):
  - Points  = floor(order total * earn percent / 100)
  - Orders below the minimum value earn nothing
  - Cash-on-delivery earns nothing once the account has a prior
    qualifying order (first-order COD exception)
  - At most the cap percentage of an order's total may be redeemed
    against it
*/
package policy

import (
	"github.com/shopspring/decimal"

	"github.com/salonhub/ledger-engine/ledger"
)

// =============================================================================
// POLICY INTERFACE
// =============================================================================

// RewardPolicy decides eligibility; the ledger mechanics never do.
type RewardPolicy interface {
	// EligiblePoints returns the points the order earns, given how many
	// prior (non-cancelled) grants the account already holds. Zero means
	// the order does not qualify.
	EligiblePoints(order ledger.Order, priorGrants int) decimal.Decimal

	// MaxRedeemable caps how many points may be spent against an order
	// of the given total. Zero total means no cap applies.
	MaxRedeemable(orderTotal decimal.Decimal) decimal.Decimal

	// Expiry is the expiry window for grants made under this policy.
	Expiry() ledger.ExpiryPolicy
}

// =============================================================================
// STANDARD POLICY
// =============================================================================

// Config holds the tunable knobs for the standard policy.
type Config struct {
	EarnPercent          decimal.Decimal // e.g. 10 => 10% of order total
	MinOrderValue        decimal.Decimal // orders below this earn nothing
	BlockCODAfterFirst   bool            // COD earns only on the first qualifying order
	RedemptionCapPercent decimal.Decimal // e.g. 50 => at most half an order in points
	ExpiryMonths         int
}

// DefaultConfig mirrors the launch policy: 10% earn, 4-month expiry,
// 50% redemption cap, COD blocked after the first qualifying order.
func DefaultConfig() Config {
	return Config{
		EarnPercent:          decimal.NewFromInt(10),
		MinOrderValue:        decimal.Zero,
		BlockCODAfterFirst:   true,
		RedemptionCapPercent: decimal.NewFromInt(50),
		ExpiryMonths:         4,
	}
}

// Standard implements RewardPolicy from a Config.
type Standard struct {
	cfg Config
}

func NewStandard(cfg Config) *Standard { return &Standard{cfg: cfg} }

var _ RewardPolicy = (*Standard)(nil)

func (p *Standard) EligiblePoints(order ledger.Order, priorGrants int) decimal.Decimal {
	if order.Total.LessThan(p.cfg.MinOrderValue) {
		return decimal.Zero
	}
	if p.cfg.BlockCODAfterFirst &&
		order.PaymentMethod == ledger.PaymentCashOnDelivery &&
		priorGrants > 0 {
		return decimal.Zero
	}
	return order.Total.Mul(p.cfg.EarnPercent).Div(decimal.NewFromInt(100)).Floor()
}

func (p *Standard) MaxRedeemable(orderTotal decimal.Decimal) decimal.Decimal {
	if !orderTotal.IsPositive() {
		return decimal.Zero
	}
	return orderTotal.Mul(p.cfg.RedemptionCapPercent).Div(decimal.NewFromInt(100)).Floor()
}

func (p *Standard) Expiry() ledger.ExpiryPolicy {
	return ledger.ExpiryPolicy{Months: p.cfg.ExpiryMonths}
}
