package evm

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

// ErrReceiptPending is returned by Receipt until the transaction is mined.
var ErrReceiptPending = errors.New("transaction not yet mined")

// ErrNoChannel is returned by Channel for ids the contract does not hold.
var ErrNoChannel = errors.New("no such channel")

// Contract methods used by the scheme.
const (
	MethodOpen  = "open"
	MethodFund  = "fund"
	MethodClaim = "claim"
)

// Call is a channel contract invocation from From.
type Call struct {
	From     string
	Contract string
	Method   string
	// Value is the wei sent with the call: the deposit of open and fund.
	Value uint64

	Channel     paych.ChannelID
	Recipient   string
	SettleDelay uint64
	// SignerKey is the compressed secp256k1 key that signs claims on an open.
	SignerKey []byte
	// Amount and Signature form the cumulative claim of a claim call.
	Amount    uint64
	Signature []byte
}

// Receipt is a mined transaction.
type Receipt struct {
	Hash        string
	Success     bool
	BlockNumber uint64
	GasUsed     uint64
	GasPrice    uint64
	// Channel is set by the ChannelOpened event of an open.
	Channel paych.ChannelID
}

// ContractChannel is a channel as stored by the contract.
type ContractChannel struct {
	Sender    string
	Recipient string
	// Deposit is the total locked and Claimed the total paid out, in wei.
	Deposit     uint64
	Claimed     uint64
	SettleDelay uint64
	SignerKey   []byte
	// ClosesAt is the unix time a requested close completes, zero when open.
	ClosesAt uint64
	Closed   bool
}

// Client is the JSON-RPC surface the scheme needs from a node.
type Client interface {
	ChainID(ctx context.Context) (uint64, error)
	BalanceAt(ctx context.Context, address string) (uint64, error)
	GasPrice(ctx context.Context) (uint64, error)
	EstimateGas(ctx context.Context, call *Call) (uint64, error)
	// SendTransaction signs call with the From account and broadcasts it.
	SendTransaction(ctx context.Context, call *Call, gas, gasPrice uint64) (hash string, err error)
	// Receipt returns ErrReceiptPending until the transaction is mined.
	Receipt(ctx context.Context, hash string) (*Receipt, error)
	// Channel returns ErrNoChannel for unknown channels.
	Channel(ctx context.Context, contract string, id paych.ChannelID) (*ContractChannel, error)
}
