package paymentchannel

import (
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/wire"
)

// MsgClaim carries a claim delivered outside of HandleSettlement.
const MsgClaim uint64 = 1

// ErrUnknownMessage is returned for message types a settler does not handle.
var ErrUnknownMessage = errors.New("unknown message type")

// EncodeMessage frames payload with its message type.
func EncodeMessage(typ uint64, payload []byte) []byte {
	return wire.NewEncoder().Uint(typ).Bytes(payload).Finish()
}

// DecodeMessage splits a framed message.
func DecodeMessage(msg []byte) (typ uint64, payload []byte, err error) {
	d := wire.NewDecoder(msg)
	typ = d.Uint()
	payload = d.Bytes()
	if err := d.Done(); err != nil {
		return 0, nil, errors.Wrap(err, "malformed message")
	}
	return typ, payload, nil
}

// EncodeClaimMessage frames a claim as a MsgClaim message.
func EncodeClaimMessage(c *paych.Claim) ([]byte, error) {
	data, err := paych.EncodeClaim(c)
	if err != nil {
		return nil, err
	}
	return EncodeMessage(MsgClaim, data), nil
}
