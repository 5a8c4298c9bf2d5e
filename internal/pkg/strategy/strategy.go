// Package strategy decides when accumulated claims should be cashed out on-chain.
package strategy

import (
	"time"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

// DefaultSafetyMargin is added to the settle delay for the near-expiration trigger.
const DefaultSafetyMargin = time.Hour

// DefaultMaxClaims is the claim count that forces a batched settlement.
const DefaultMaxClaims = 100

// Policy configures the settlement triggers of one ledger. It is not mutated at runtime.
type Policy struct {
	// Threshold in minor units; zero disables the threshold trigger.
	Threshold uint64
	// SettlementInterval since the last claim; zero disables the time trigger.
	SettlementInterval time.Duration
	DefaultSettleDelay time.Duration
	SafetyMargin       time.Duration
	MinChannelBalance  uint64
	MaxClaims          uint64
}

// DefaultPolicy returns a policy with the standard safety margin and claim-count batch.
func DefaultPolicy() Policy {
	return Policy{SafetyMargin: DefaultSafetyMargin, MaxClaims: DefaultMaxClaims}
}

// Trigger names a reason to settle.
type Trigger string

// Triggers, in evaluation order.
const (
	TriggerThreshold  Trigger = "threshold"
	TriggerInterval   Trigger = "interval"
	TriggerExpiration Trigger = "expiration"
	TriggerClaimCount Trigger = "claim-count"
	TriggerLowBalance Trigger = "low-balance"
)

// Decision is the outcome of Evaluate.
type Decision struct {
	Settle bool
	// Reason is the first trigger that fired.
	Reason Trigger
	Fired  []Trigger
}

// Evaluate checks every trigger against state at time now. All checks run; the
// decision is their logical OR.
func Evaluate(state paych.ChannelState, p Policy, now time.Time) Decision {
	var fired []Trigger
	hasClaim := state.HighestClaim > 0

	if p.Threshold > 0 && state.HighestClaim >= p.Threshold {
		fired = append(fired, TriggerThreshold)
	}
	if p.SettlementInterval > 0 && hasClaim && now.Sub(state.LastClaimTime) >= p.SettlementInterval {
		fired = append(fired, TriggerInterval)
	}
	if hasClaim && !state.Expiration.IsZero() && state.Expiration.Sub(now) < p.DefaultSettleDelay+p.SafetyMargin {
		fired = append(fired, TriggerExpiration)
	}
	maxClaims := p.MaxClaims
	if maxClaims == 0 {
		maxClaims = DefaultMaxClaims
	}
	if state.TotalClaims >= maxClaims {
		fired = append(fired, TriggerClaimCount)
	}
	if hasClaim && state.Remaining() < p.MinChannelBalance {
		fired = append(fired, TriggerLowBalance)
	}

	d := Decision{Settle: len(fired) > 0, Fired: fired}
	if d.Settle {
		d.Reason = fired[0]
	}
	return d
}

// ShouldSettle reports whether any trigger fires for state at time now.
func ShouldSettle(state paych.ChannelState, p Policy, now time.Time) bool {
	return Evaluate(state, p, now).Settle
}
