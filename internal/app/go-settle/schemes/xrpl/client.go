package xrpl

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

// ErrTxPending is returned by TransactionResult until the transaction is in a validated ledger.
var ErrTxPending = errors.New("transaction not yet validated")

// ErrEntryNotFound is returned for ledger objects that do not exist.
var ErrEntryNotFound = errors.New("ledger entry not found")

// Transaction types used by the scheme.
const (
	TxChannelCreate = "PaymentChannelCreate"
	TxChannelFund   = "PaymentChannelFund"
	TxChannelClaim  = "PaymentChannelClaim"
)

// ResultSuccess is the engine result of an applied transaction.
const ResultSuccess = "tesSUCCESS"

// Transaction is an unsigned transaction. The client signs and submits it
// from the account it was configured with.
type Transaction struct {
	Type        string
	Account     string
	Destination string
	// Amount in drops: locked on create, added on fund.
	Amount uint64
	// Balance is the cumulative claimed amount of a claim.
	Balance     uint64
	Channel     paych.ChannelID
	SettleDelay uint32
	// PublicKey is the ledger-encoded claim key, uppercase hex.
	PublicKey string
	// Signature of a claim, uppercase hex.
	Signature string
	Fee       uint64
}

// TxResult is the outcome of a validated transaction.
type TxResult struct {
	Hash        string
	Result      string
	LedgerIndex uint64
	Fee         uint64
	// Channel is the id of a channel created by the transaction.
	Channel paych.ChannelID
}

// ServerInfo describes the connected server.
type ServerInfo struct {
	NetworkID       uint32
	ValidatedLedger uint64
	// BaseFee in drops.
	BaseFee uint64
}

// PayChannel is a payment channel ledger object.
type PayChannel struct {
	Account     string
	Destination string
	// Amount is the total locked and Balance the total already claimed, in drops.
	Amount      uint64
	Balance     uint64
	PublicKey   string
	SettleDelay uint32
	// Expiration is set once the owner asks to close; CancelAfter at creation.
	// Both are ripple-epoch seconds, zero when unset.
	Expiration  uint32
	CancelAfter uint32
}

// Client is the RPC surface the scheme needs from a ledger server.
type Client interface {
	ServerInfo(ctx context.Context) (*ServerInfo, error)
	// AccountBalance returns the balance of account in drops.
	AccountBalance(ctx context.Context, account string) (uint64, error)
	Submit(ctx context.Context, tx *Transaction) (hash string, err error)
	// TransactionResult returns ErrTxPending until the transaction is validated.
	TransactionResult(ctx context.Context, hash string) (*TxResult, error)
	// PayChannel returns ErrEntryNotFound for unknown or deleted channels.
	PayChannel(ctx context.Context, id paych.ChannelID) (*PayChannel, error)
}
