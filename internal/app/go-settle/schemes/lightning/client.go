package lightning

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/pkg/errors"
)

// ErrInvoiceNotFound is returned by Client.LookupInvoice for unknown payment hashes.
var ErrInvoiceNotFound = errors.New("invoice not found")

// NodeInfo describes the node behind the endpoint.
type NodeInfo struct {
	// PubKey is the hex encoded compressed identity key.
	PubKey string
	Alias  string
	Synced bool
}

// Invoice is a freshly created payment request.
type Invoice struct {
	PaymentRequest string
	PaymentHash    []byte
}

// PayReq is a decoded payment request.
type PayReq struct {
	Destination string
	PaymentHash []byte
	// Amount in satoshi.
	Amount    uint64
	Memo      string
	CreatedAt time.Time
	Expiry    time.Duration
}

// Payment is the outcome of paying an invoice.
type Payment struct {
	Preimage []byte
	Fee      uint64
}

// InvoiceState is the payee side view of an invoice.
type InvoiceState struct {
	Settled    bool
	AmountPaid uint64
}

// Client is the node surface the scheme needs. Amounts are in satoshi.
type Client interface {
	GetInfo(ctx context.Context) (*NodeInfo, error)
	// ChannelBalance is the spendable local balance across channels.
	ChannelBalance(ctx context.Context) (uint64, error)
	AddInvoice(ctx context.Context, amount uint64, memo string, expiry time.Duration) (*Invoice, error)
	DecodePayReq(ctx context.Context, payReq string) (*PayReq, error)
	// PayInvoice pays payReq, routing for at most feeLimit.
	PayInvoice(ctx context.Context, payReq string, feeLimit uint64) (*Payment, error)
	LookupInvoice(ctx context.Context, paymentHash []byte) (*InvoiceState, error)
}

const pubKeyLen = 33

// ErrInvalidNodeKey is returned for strings that are not node identity keys.
var ErrInvalidNodeKey = errors.New("invalid node public key")

// ValidateNodeKey checks that key is a hex encoded compressed public key.
func ValidateNodeKey(key string) error {
	raw, err := hex.DecodeString(key)
	if err != nil {
		return errors.Wrap(ErrInvalidNodeKey, err.Error())
	}
	if len(raw) != pubKeyLen || (raw[0] != 0x02 && raw[0] != 0x03) {
		return errors.Wrapf(ErrInvalidNodeKey, "%q", key)
	}
	return nil
}
