package lightning

import (
	"encoding/hex"
	"net/url"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/pkg/errors"
)

func init() {
	cbor.RegisterCborType(InvoiceRecord{})
}

// InvoicePrefix is the datastore namespace of issued invoices, one child per ledger.
var InvoicePrefix = "/invoices"

// ErrUnknownInvoice is returned for a preimage that matches no invoice issued to the peer.
var ErrUnknownInvoice = errors.New("unknown invoice")

// InvoiceRecord is an invoice issued to a peer for one settlement.
type InvoiceRecord struct {
	PaymentHash    []byte
	PeerID         string
	SettlementID   string
	Amount         uint64
	PaymentRequest string
	// Reported is set once the paid amount was credited.
	Reported  bool
	CreatedAt int64
}

type invoiceStore struct {
	ds datastore.Datastore
}

func newInvoiceStore(ds datastore.Datastore, ledgerID string) *invoiceStore {
	return &invoiceStore{ds: namespace.Wrap(ds, datastore.NewKey(InvoicePrefix).ChildString(url.PathEscape(ledgerID)))}
}

func invoiceKey(hash []byte) datastore.Key {
	return datastore.NewKey(hex.EncodeToString(hash))
}

func (s *invoiceStore) put(rec *InvoiceRecord) error {
	data, err := cbor.DumpObject(rec)
	if err != nil {
		return errors.Wrap(err, "failed to encode invoice")
	}
	if err := s.ds.Put(invoiceKey(rec.PaymentHash), data); err != nil {
		return errors.Wrapf(err, "failed to write invoice %x", rec.PaymentHash)
	}
	return nil
}

func (s *invoiceStore) get(hash []byte) (*InvoiceRecord, error) {
	data, err := s.ds.Get(invoiceKey(hash))
	if err == datastore.ErrNotFound {
		return nil, errors.Wrapf(ErrUnknownInvoice, "%x", hash)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read invoice %x", hash)
	}
	var rec InvoiceRecord
	if err := cbor.DecodeInto(data, &rec); err != nil {
		return nil, errors.Wrapf(err, "failed to decode invoice %x", hash)
	}
	return &rec, nil
}
