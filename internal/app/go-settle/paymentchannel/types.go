package paymentchannel

import (
	"time"

	cbor "github.com/ipfs/go-ipld-cbor"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

func init() {
	cbor.RegisterCborType(ClaimInfo{})
	cbor.RegisterCborType(ChannelInfo{})
}

// The key for the store is the hex channel id

// ChannelInfo is the primary payment channel record
type ChannelInfo struct {
	ChannelID string
	// Outgoing channels are funded by this node; incoming ones by the peer.
	Outgoing bool
	PeerID   string
	From     string
	To       string

	TotalLocked uint64
	SettleDelay int64
	Status      int
	// PublicKey verifies claims on the channel.
	PublicKey []byte

	BestClaim   *ClaimInfo // highest claim issued (outgoing) or verified (incoming)
	TotalClaims uint64
	LastClaimAt int64

	// Redeemed is the cumulative amount cashed out on-chain.
	Redeemed  uint64
	CreatedAt int64
}

// ClaimInfo is a record of a claim issued or received for a payment channel
type ClaimInfo struct {
	Amount    uint64
	Nonce     uint64
	Signature []byte
}

// ID parses the channel id.
func (ci *ChannelInfo) ID() paych.ChannelID {
	id, err := paych.ParseChannelID(ci.ChannelID)
	if err != nil {
		return paych.UndefChannelID
	}
	return id
}

// ChannelStatus returns the recorded status.
func (ci *ChannelInfo) ChannelStatus() paych.Status {
	return paych.Status(ci.Status)
}

// ClaimAmount returns the amount of the best claim, or zero.
func (ci *ChannelInfo) ClaimAmount() uint64 {
	if ci.BestClaim == nil {
		return 0
	}
	return ci.BestClaim.Amount
}

// Remaining returns the locked amount not yet covered by the best claim.
func (ci *ChannelInfo) Remaining() uint64 {
	if c := ci.ClaimAmount(); c < ci.TotalLocked {
		return ci.TotalLocked - c
	}
	return 0
}

// Unredeemed returns the part of the best claim not yet cashed out.
func (ci *ChannelInfo) Unredeemed() uint64 {
	if c := ci.ClaimAmount(); c > ci.Redeemed {
		return c - ci.Redeemed
	}
	return 0
}

// mergeInto folds the locally recorded claim progress into state read from the ledger.
func (ci *ChannelInfo) mergeInto(state *paych.ChannelState) {
	if ci.BestClaim != nil {
		if ci.BestClaim.Amount > state.HighestClaim {
			state.HighestClaim = ci.BestClaim.Amount
		}
		if ci.BestClaim.Nonce > state.HighestNonce {
			state.HighestNonce = ci.BestClaim.Nonce
		}
	}
	if ci.TotalClaims > state.TotalClaims {
		state.TotalClaims = ci.TotalClaims
	}
	if ci.LastClaimAt != 0 {
		state.LastClaimTime = time.Unix(0, ci.LastClaimAt)
	}
	if len(state.SenderPublicKey) == 0 {
		state.SenderPublicKey = ci.PublicKey
	}
	if ci.ChannelStatus() == paych.StatusClosed || ci.ChannelStatus() == paych.StatusExpired {
		state.Status = ci.ChannelStatus()
	}
}

// Receipt is the outcome of a confirmed ledger transaction.
type Receipt struct {
	TxID    string
	Success bool
	// ChannelID is set by channel-open transactions.
	ChannelID paych.ChannelID
	Height    uint64
	// Fee paid, in the ledger's minor unit.
	Fee uint64
}

// OpenParams describes a channel to open.
type OpenParams struct {
	From        string
	To          string
	Amount      uint64
	SettleDelay time.Duration
	PublicKey   []byte
}

// Parties are the expected ends of an incoming channel.
type Parties struct {
	Sender    string
	Recipient string
}
