package paych

import (
	"fmt"
	"time"
)

// Reason tags why a claim was rejected. The empty Reason means the claim is valid.
type Reason string

// Rejection reasons.
const (
	ReasonNone               Reason = ""
	ReasonChannelIDMismatch  Reason = "channel-id-mismatch"
	ReasonChannelNotOpen     Reason = "channel-not-open"
	ReasonChannelClosed      Reason = "channel-closed"
	ReasonChannelExpired     Reason = "channel-expired"
	ReasonNonceNotMonotonic  Reason = "nonce-not-monotonic"
	ReasonAmountNotMonotonic Reason = "amount-not-monotonic"
	ReasonInsufficient       Reason = "insufficient-balance"
	ReasonInvalidSignature   Reason = "invalid-signature"
	ReasonSignatureError     Reason = "signature-verification-error"
	ReasonInvalidCurrency    Reason = "invalid-currency"
	ReasonPeerNotFound       Reason = "peer-not-found"
)

// Rejection is a claim rejection lifted to an error.
type Rejection struct {
	Reason Reason
	Err    error
}

func (r *Rejection) Error() string {
	if r.Err != nil {
		return fmt.Sprintf("claim rejected: %s: %s", r.Reason, r.Err)
	}
	return fmt.Sprintf("claim rejected: %s", r.Reason)
}

// Reject builds a Rejection.
func Reject(reason Reason, err error) *Rejection {
	return &Rejection{Reason: reason, Err: err}
}

// Result is the outcome of verifying a claim.
type Result struct {
	Reason Reason
	// State is the updated channel state; only set when the claim is valid.
	State ChannelState
	// Delta is the newly confirmed amount relative to the previous highest claim.
	Delta uint64
	// Err carries detail for signature-verification-error.
	Err error
}

// Valid reports whether the claim was accepted.
func (r Result) Valid() bool {
	return r.Reason == ReasonNone
}

// AsError returns nil for a valid result, or the rejection.
func (r Result) AsError() error {
	if r.Valid() {
		return nil
	}
	return Reject(r.Reason, r.Err)
}

func rejected(reason Reason) Result {
	return Result{Reason: reason}
}

// Verifier checks claims against channel state for one ledger.
type Verifier struct {
	currency string
	keyType  KeyType
}

// NewVerifier returns a verifier for claims in currency, signed with keys of type kt.
// An empty currency accepts any currency tag.
func NewVerifier(currency string, kt KeyType) *Verifier {
	return &Verifier{currency: currency, keyType: kt}
}

// Verify checks claim against state at time now. It never mutates state; a valid
// result carries the updated copy.
func (v *Verifier) Verify(claim *Claim, state ChannelState, now time.Time) Result {
	if claim.ChannelID != state.ID {
		return rejected(ReasonChannelIDMismatch)
	}

	switch state.Status {
	case StatusOpen:
	case StatusClosed:
		return rejected(ReasonChannelClosed)
	case StatusExpired:
		return rejected(ReasonChannelExpired)
	default:
		return rejected(ReasonChannelNotOpen)
	}
	if state.Expired(now) {
		return rejected(ReasonChannelExpired)
	}

	if claim.Nonce <= state.HighestNonce {
		return rejected(ReasonNonceNotMonotonic)
	}
	if claim.Amount < state.HighestClaim {
		return rejected(ReasonAmountNotMonotonic)
	}
	if claim.Amount > state.Balance || claim.Amount > state.TotalLocked {
		return rejected(ReasonInsufficient)
	}
	if v.currency != "" && claim.Currency != v.currency {
		return rejected(ReasonInvalidCurrency)
	}

	pub, err := UnmarshalPublicKey(v.keyType, state.SenderPublicKey)
	if err != nil {
		return Result{Reason: ReasonSignatureError, Err: err}
	}
	ok, err := pub.Verify(SigningMessage(claim.ChannelID, claim.Amount), claim.Signature)
	if err != nil {
		return Result{Reason: ReasonSignatureError, Err: err}
	}
	if !ok {
		return rejected(ReasonInvalidSignature)
	}

	next := state.Clone()
	next.HighestClaim = claim.Amount
	next.HighestNonce = claim.Nonce
	next.LastClaimTime = now
	next.TotalClaims++
	return Result{State: next, Delta: claim.Amount - state.HighestClaim}
}
