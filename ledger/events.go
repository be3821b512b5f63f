/*
events.go - Domain event publishing

PURPOSE:
  The engine never calls a notifier directly. Mutations that downstream
  systems care about (points expired, a settled commission needing manual
  clawback) are published as domain events through an injected Publisher;
  a separate collaborator decides delivery. This keeps the ledger testable
  without network or socket dependencies.
*/
package ledger

import (
	"context"
	"log"
	"time"

	"github.com/shopspring/decimal"
)

// =============================================================================
// DOMAIN EVENTS
// =============================================================================

const (
	// EventPointsExpired fires for each ledger entry the sweep expires.
	EventPointsExpired = "points.expired"

	// EventClawbackRequired fires when a commission reversal targets a
	// record already folded into a settled batch. The engine refuses to
	// touch the closed batch; a product flow must issue the correction.
	EventClawbackRequired = "commission.clawback_required"
)

// Event is a notification-worthy fact for downstream delivery.
type Event struct {
	Kind          string
	AccountID     AccountID
	SourceOrderID string
	Amount        decimal.Decimal
	OccurredAt    time.Time
	Note          string
}

// Publisher delivers domain events. Implementations must be safe for
// concurrent use. Publish failures are delivery concerns, not ledger
// failures - callers log and continue.
type Publisher interface {
	Publish(ctx context.Context, ev Event) error
}

// NopPublisher discards all events.
type NopPublisher struct{}

func (NopPublisher) Publish(context.Context, Event) error { return nil }

// LogPublisher writes events to the process log. Default for the server
// binary until a real delivery collaborator is wired in.
type LogPublisher struct{}

func (LogPublisher) Publish(_ context.Context, ev Event) error {
	log.Printf("[Event] %s account=%s order=%s amount=%s %s",
		ev.Kind, ev.AccountID, ev.SourceOrderID, ev.Amount.String(), ev.Note)
	return nil
}
