package cosmos

import (
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/wire"
)

// Message types.
const (
	MsgIntent  uint64 = 1
	MsgTxProof uint64 = 2
)

// Intent announces an outgoing settlement before its transfer is broadcast.
type Intent struct {
	SettlementID string
	Amount       uint64
}

// Encode returns the wire form of i.
func (i *Intent) Encode() []byte {
	return wire.NewEncoder().Uint(MsgIntent).String(i.SettlementID).Uint(i.Amount).Finish()
}

// TxProof points the payee at the transfer that carried a settlement.
type TxProof struct {
	SettlementID string
	TxHash       string
}

// Encode returns the wire form of p.
func (p *TxProof) Encode() []byte {
	return wire.NewEncoder().Uint(MsgTxProof).String(p.SettlementID).String(p.TxHash).Finish()
}

// DecodeMessage parses an Intent or a TxProof.
func DecodeMessage(data []byte) (interface{}, error) {
	d := wire.NewDecoder(data)
	var msg interface{}
	switch t := d.Uint(); t {
	case MsgIntent:
		msg = &Intent{SettlementID: d.String(), Amount: d.Uint()}
	case MsgTxProof:
		msg = &TxProof{SettlementID: d.String(), TxHash: d.String()}
	default:
		if d.Err() == nil {
			return nil, errors.Errorf("unknown message type %d", t)
		}
	}
	if err := d.Done(); err != nil {
		return nil, errors.Wrap(err, "malformed message")
	}
	return msg, nil
}
