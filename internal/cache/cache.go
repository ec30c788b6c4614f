// Package cache holds short-lived keys that sit in front of the durable store:
// processed webhook event ids and per-intent reconcile throttling.
// Losing this state is harmless, the store's sticky terminal states stay authoritative.
package cache

import (
	"context"
	"time"
)

// ClaimLease is how long a claimed event stays reserved before it is processed.
// A worker that dies mid-event loses the claim after this and a redelivery runs again.
const ClaimLease = 5 * time.Minute

// EventDeduper lets exactly one delivery of a webhook event through.
// Claim is atomic: concurrent redeliveries of one event get a single winner.
type EventDeduper interface {
	// Claim reserves the event for ClaimLease. False means it is in flight or done.
	Claim(ctx context.Context, eventID string) (bool, error)
	// MarkProcessed keeps the claim for the full dedupe ttl
	MarkProcessed(ctx context.Context, eventID string) error
	// Release drops the claim so a redelivery is processed again
	Release(ctx context.Context, eventID string) error
}

// Throttle allows one action per key per window
type Throttle interface {
	Allow(ctx context.Context, key string) (bool, error)
}
