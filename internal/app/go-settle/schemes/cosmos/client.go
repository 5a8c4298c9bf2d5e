package cosmos

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/wire"
)

// ErrTxNotFound is returned by Client.Tx while a transaction is not yet in a block.
var ErrTxNotFound = errors.New("transaction not found")

// CodeOK is the result code of a successful transaction.
const CodeOK uint32 = 0

// Coin is an amount of one denomination.
type Coin struct {
	Denom  string
	Amount uint64
}

// MsgSend is a bank transfer.
type MsgSend struct {
	From   string
	To     string
	Amount Coin
}

// Tx is a signed single-message transaction.
type Tx struct {
	Msg      MsgSend
	Memo     string
	Gas      uint64
	Fee      Coin
	Sequence uint64

	PublicKey []byte
	Signature []byte
}

// SignBytes is the message signed by the sender's key.
func (tx *Tx) SignBytes(chainID string, accountNumber uint64) []byte {
	return wire.NewEncoder().
		String(chainID).
		Uint(accountNumber).
		Uint(tx.Sequence).
		String(tx.Msg.From).
		String(tx.Msg.To).
		String(tx.Msg.Amount.Denom).
		Uint(tx.Msg.Amount.Amount).
		String(tx.Memo).
		Uint(tx.Gas).
		String(tx.Fee.Denom).
		Uint(tx.Fee.Amount).
		Finish()
}

// NodeInfo describes the node behind the endpoint.
type NodeInfo struct {
	Network      string
	LatestHeight uint64
}

// Account is the signing state of an address.
type Account struct {
	Number   uint64
	Sequence uint64
}

// Simulation is the node's cost estimate of a transaction.
type Simulation struct {
	GasUsed uint64
	// Fee is the minimum fee for GasUsed at the node's gas price.
	Fee uint64
}

// TxResult is an included transaction.
type TxResult struct {
	Hash    string
	Height  uint64
	Code    uint32
	Log     string
	Msg     MsgSend
	Memo    string
	GasUsed uint64
	Fee     Coin
}

// Client is the chain surface the scheme needs.
type Client interface {
	NodeInfo(ctx context.Context) (*NodeInfo, error)
	Account(ctx context.Context, address string) (*Account, error)
	Balance(ctx context.Context, address, denom string) (uint64, error)
	Simulate(ctx context.Context, tx *Tx) (*Simulation, error)
	// Broadcast submits tx and returns its hash once the node accepted it into the mempool.
	Broadcast(ctx context.Context, tx *Tx) (string, error)
	Tx(ctx context.Context, hash string) (*TxResult, error)
}
