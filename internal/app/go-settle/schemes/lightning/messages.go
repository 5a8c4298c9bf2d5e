package lightning

import (
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/wire"
)

// Message types.
const (
	MsgInvoiceRequest uint64 = 1
	MsgInvoice        uint64 = 2
	MsgPaymentProof   uint64 = 3
)

// InvoiceRequest asks the payee for an invoice covering a settlement.
type InvoiceRequest struct {
	SettlementID string
	Amount       uint64
}

// Encode returns the wire form of r.
func (r *InvoiceRequest) Encode() []byte {
	return wire.NewEncoder().Uint(MsgInvoiceRequest).String(r.SettlementID).Uint(r.Amount).Finish()
}

// InvoiceMsg answers an InvoiceRequest.
type InvoiceMsg struct {
	SettlementID   string
	PaymentRequest string
}

// Encode returns the wire form of m.
func (m *InvoiceMsg) Encode() []byte {
	return wire.NewEncoder().Uint(MsgInvoice).String(m.SettlementID).String(m.PaymentRequest).Finish()
}

// PaymentProof carries the preimage released by paying an invoice.
type PaymentProof struct {
	SettlementID string
	Preimage     []byte
}

// Encode returns the wire form of p.
func (p *PaymentProof) Encode() []byte {
	return wire.NewEncoder().Uint(MsgPaymentProof).String(p.SettlementID).Bytes(p.Preimage).Finish()
}

// DecodeMessage parses one of the scheme's messages.
func DecodeMessage(data []byte) (interface{}, error) {
	d := wire.NewDecoder(data)
	var msg interface{}
	switch t := d.Uint(); t {
	case MsgInvoiceRequest:
		msg = &InvoiceRequest{SettlementID: d.String(), Amount: d.Uint()}
	case MsgInvoice:
		msg = &InvoiceMsg{SettlementID: d.String(), PaymentRequest: d.String()}
	case MsgPaymentProof:
		msg = &PaymentProof{SettlementID: d.String(), Preimage: d.Bytes()}
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
