package metrics

import (
	"context"
	"time"

	logging "github.com/ipfs/go-log"
	"go.opencensus.io/stats"
	"go.opencensus.io/stats/view"
	"go.opencensus.io/tag"
)

var log = logging.Logger("metrics")

const unitCount = "1"

// Tag keys.
var (
	// KeyLedger identifies the ledger a measurement was taken on.
	KeyLedger, _ = tag.NewKey("ledger")
	// KeyReason is the claim rejection reason.
	KeyReason, _ = tag.NewKey("reason")
	// KeyResult is the outcome of an outgoing settlement: finalized or cancelled.
	KeyResult, _ = tag.NewKey("result")
)

// Opencensus observables
var (
	MClaimsVerified = stats.Int64("settlement/claims_verified", "Claims accepted by the verifier", unitCount)
	MClaimsRejected = stats.Int64("settlement/claims_rejected", "Claims rejected by the verifier", unitCount)
	// Claim verification duration in milliseconds
	MVerifyMs = stats.Float64("settlement/verify_claim", "The duration in milliseconds of claim verification", stats.UnitMilliseconds)
	MOutgoing = stats.Int64("settlement/outgoing", "Outgoing settlements by result", unitCount)
	// Incoming settled value in the ledger's minor unit
	MIncomingAmount = stats.Int64("settlement/incoming_amount", "Value reported as incoming settlement", unitCount)

	claimsVerifiedView = &view.View{
		Name:        "settlement/claims_verified",
		Measure:     MClaimsVerified,
		Description: "Number of verified claims",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{KeyLedger},
	}
	claimsRejectedView = &view.View{
		Name:        "settlement/claims_rejected",
		Measure:     MClaimsRejected,
		Description: "Number of rejected claims",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{KeyLedger, KeyReason},
	}
	verifyView = &view.View{
		Name:        "settlement/verify_claim_ms",
		Measure:     MVerifyMs,
		Description: "The distribution of the durations",

		// Latency in buckets:
		// [>=0ms, >=1ms, >=5ms, >=10ms, >=25ms, >=50ms, >=100ms, >=250ms, >=500ms, >=1s, >=2s, >=5s]
		Aggregation: view.Distribution(1, 5, 10, 25, 50, 100, 250, 500, 1000, 2000, 5000),
		TagKeys:     []tag.Key{KeyLedger},
	}
	outgoingView = &view.View{
		Name:        "settlement/outgoing",
		Measure:     MOutgoing,
		Description: "Number of outgoing settlements",
		Aggregation: view.Count(),
		TagKeys:     []tag.Key{KeyLedger, KeyResult},
	}
	incomingView = &view.View{
		Name:        "settlement/incoming_amount",
		Measure:     MIncomingAmount,
		Description: "Total incoming settled value",
		Aggregation: view.Sum(),
		TagKeys:     []tag.Key{KeyLedger},
	}
)

// Views returns every view this package defines.
func Views() []*view.View {
	return []*view.View{claimsVerifiedView, claimsRejectedView, verifyView, outgoingView, incomingView}
}

// Outgoing settlement results.
const (
	ResultFinalized = "finalized"
	ResultCancelled = "cancelled"
)

// RecordClaim records one verification. An empty reason counts as verified.
func RecordClaim(ctx context.Context, ledgerID, reason string, took time.Duration) {
	ms := float64(took) / float64(time.Millisecond)
	if reason == "" {
		record(ctx, []tag.Mutator{tag.Upsert(KeyLedger, ledgerID)}, MClaimsVerified.M(1), MVerifyMs.M(ms))
		return
	}
	record(ctx, []tag.Mutator{tag.Upsert(KeyLedger, ledgerID), tag.Upsert(KeyReason, reason)}, MClaimsRejected.M(1), MVerifyMs.M(ms))
}

// RecordOutgoing counts a finished outgoing settlement.
func RecordOutgoing(ctx context.Context, ledgerID, result string) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyLedger, ledgerID), tag.Upsert(KeyResult, result)}, MOutgoing.M(1))
}

// RecordIncoming adds amount to the incoming settled value of ledgerID.
func RecordIncoming(ctx context.Context, ledgerID string, amount uint64) {
	record(ctx, []tag.Mutator{tag.Upsert(KeyLedger, ledgerID)}, MIncomingAmount.M(int64(amount)))
}

func record(ctx context.Context, mutators []tag.Mutator, ms ...stats.Measurement) {
	if err := stats.RecordWithTags(ctx, mutators, ms...); err != nil {
		log.Warningf("failed to record measurement: %s", err)
	}
}
