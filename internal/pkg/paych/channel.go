package paych

import (
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// ChannelIDLen is the length in bytes of a payment channel identifier.
const ChannelIDLen = 32

// ChannelID identifies a payment channel on its ledger.
type ChannelID [ChannelIDLen]byte

// UndefChannelID is the zero channel identifier.
var UndefChannelID = ChannelID{}

// ErrInvalidChannelID is returned when a channel identifier has the wrong length or encoding.
var ErrInvalidChannelID = errors.New("invalid channel id")

// NewChannelID copies b into a ChannelID.
func NewChannelID(b []byte) (ChannelID, error) {
	var id ChannelID
	if len(b) != ChannelIDLen {
		return id, errors.Wrapf(ErrInvalidChannelID, "expected %d bytes, got %d", ChannelIDLen, len(b))
	}
	copy(id[:], b)
	return id, nil
}

// ParseChannelID decodes a hex channel identifier, with or without a 0x prefix.
func ParseChannelID(s string) (ChannelID, error) {
	s = strings.TrimPrefix(strings.TrimPrefix(s, "0x"), "0X")
	b, err := hex.DecodeString(s)
	if err != nil {
		return UndefChannelID, errors.Wrap(ErrInvalidChannelID, err.Error())
	}
	return NewChannelID(b)
}

// String returns the lowercase hex encoding of the identifier.
func (id ChannelID) String() string {
	return hex.EncodeToString(id[:])
}

// Bytes returns a copy of the identifier bytes.
func (id ChannelID) Bytes() []byte {
	out := make([]byte, ChannelIDLen)
	copy(out, id[:])
	return out
}

// Empty reports whether the identifier is undefined.
func (id ChannelID) Empty() bool {
	return id == UndefChannelID
}

// Status is the lifecycle state of a payment channel.
type Status int

const (
	// StatusOpen channels accept claims.
	StatusOpen Status = iota
	// StatusClosing channels have a pending close on the ledger.
	StatusClosing
	// StatusClosed channels have been closed on the ledger.
	StatusClosed
	// StatusExpired channels passed their expiration without closing.
	StatusExpired
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosing:
		return "closing"
	case StatusClosed:
		return "closed"
	case StatusExpired:
		return "expired"
	default:
		return "unknown"
	}
}

// CanTransition reports whether moving from s to next is allowed. Transitions
// are one-directional: Open -> Closing -> Closed, or Open -> Expired.
func (s Status) CanTransition(next Status) bool {
	switch s {
	case StatusOpen:
		return next == StatusClosing || next == StatusExpired
	case StatusClosing:
		return next == StatusClosed
	default:
		return false
	}
}

// ChannelState is the combined on-ledger and locally verified view of a channel.
type ChannelState struct {
	ID        ChannelID
	Sender    string
	Recipient string
	// Token is empty for the ledger's native asset.
	Token string

	// TotalLocked is the amount escrowed in the channel, in the ledger's minor unit.
	TotalLocked uint64
	// Balance is the cumulative amount the channel can still honour.
	Balance uint64

	HighestClaim uint64
	HighestNonce uint64

	SettleDelay time.Duration
	// Expiration is zero for channels without one.
	Expiration time.Time
	Status     Status

	LastClaimTime time.Time
	TotalClaims   uint64
	CreatedAt     time.Time

	SenderPublicKey []byte
}

// Clone returns a deep copy of the state.
func (cs ChannelState) Clone() ChannelState {
	out := cs
	if cs.SenderPublicKey != nil {
		out.SenderPublicKey = append([]byte(nil), cs.SenderPublicKey...)
	}
	return out
}

// Transition moves the channel to next, failing on a backwards or repeated move.
func (cs *ChannelState) Transition(next Status) error {
	if !cs.Status.CanTransition(next) {
		return errors.Errorf("channel %s cannot move from %s to %s", cs.ID, cs.Status, next)
	}
	cs.Status = next
	return nil
}

// Expired reports whether now is past the channel's expiration.
func (cs ChannelState) Expired(now time.Time) bool {
	return !cs.Expiration.IsZero() && now.After(cs.Expiration)
}

// Remaining returns the locked amount not yet covered by a verified claim.
func (cs ChannelState) Remaining() uint64 {
	if cs.HighestClaim >= cs.TotalLocked {
		return 0
	}
	return cs.TotalLocked - cs.HighestClaim
}
