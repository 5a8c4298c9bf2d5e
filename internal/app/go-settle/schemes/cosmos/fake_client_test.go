package cosmos_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/cosmos"
)

const (
	codeInsufficientFunds uint32 = 5
	codeUnauthorized      uint32 = 4
)

// FakeClient is an in-memory bank module. Broadcast transactions are included
// immediately.
type FakeClient struct {
	mu       sync.Mutex
	prefix   string
	balances map[string]uint64
	accounts map[string]*Account
	txs      map[string]*TxResult
	height   uint64

	Network string
	// TransferGas and FeePerKiloGas price every simulated transfer.
	TransferGas   uint64
	ExtraGas      uint64
	FeePerKiloGas uint64
	NodeErr       error
	Broadcasts    []Tx
}

var _ Client = &FakeClient{}

// NewFakeClient returns a chain whose addresses carry prefix.
func NewFakeClient(prefix string) *FakeClient {
	return &FakeClient{
		prefix:        prefix,
		balances:      make(map[string]uint64),
		accounts:      make(map[string]*Account),
		txs:           make(map[string]*TxResult),
		Network:       "theta-testnet-001",
		TransferGas:   80000,
		FeePerKiloGas: 25,
	}
}

func balanceKey(address, denom string) string {
	return address + "/" + denom
}

// Fund credits amount of denom to address.
func (f *FakeClient) Fund(address, denom string, amount uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[balanceKey(address, denom)] += amount
}

// AddTx includes a transaction without checking it.
func (f *FakeClient) AddTx(res *TxResult) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.height++
	res.Height = f.height
	f.txs[strings.ToUpper(res.Hash)] = res
}

func (f *FakeClient) account(address string) *Account {
	acct, ok := f.accounts[address]
	if !ok {
		acct = &Account{Number: uint64(len(f.accounts) + 1)}
		f.accounts[address] = acct
	}
	return acct
}

func (f *FakeClient) NodeInfo(context.Context) (*NodeInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.NodeErr != nil {
		return nil, f.NodeErr
	}
	return &NodeInfo{Network: f.Network, LatestHeight: f.height}, nil
}

func (f *FakeClient) Account(_ context.Context, address string) (*Account, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *f.account(address)
	return &cp, nil
}

func (f *FakeClient) Balance(_ context.Context, address, denom string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[balanceKey(address, denom)], nil
}

func (f *FakeClient) Simulate(_ context.Context, tx *Tx) (*Simulation, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gas := f.TransferGas + f.ExtraGas
	return &Simulation{GasUsed: gas, Fee: gas * f.FeePerKiloGas / 1000}, nil
}

func (f *FakeClient) Broadcast(_ context.Context, tx *Tx) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	from, err := AddressFromPublicKey(f.prefix, tx.PublicKey)
	if err != nil || from != tx.Msg.From {
		return "", errors.New("signer does not own the sending account")
	}
	acct := f.account(from)
	if tx.Sequence != acct.Sequence {
		return "", errors.Errorf("account sequence mismatch, expected %d, got %d", acct.Sequence, tx.Sequence)
	}
	pub, err := paych.UnmarshalPublicKey(paych.Secp256k1, tx.PublicKey)
	if err != nil {
		return "", err
	}
	if ok, err := pub.Verify(tx.SignBytes(f.Network, acct.Number), tx.Signature); err != nil || !ok {
		return "", errors.New("signature verification failed")
	}
	if f.balances[balanceKey(from, tx.Fee.Denom)] < tx.Fee.Amount {
		return "", errors.New("insufficient fees")
	}

	f.Broadcasts = append(f.Broadcasts, *tx)
	acct.Sequence++
	f.height++
	res := &TxResult{
		Hash:    fmt.Sprintf("%064X", len(f.Broadcasts)),
		Height:  f.height,
		Msg:     tx.Msg,
		Memo:    tx.Memo,
		GasUsed: tx.Gas,
		Fee:     tx.Fee,
	}
	f.balances[balanceKey(from, tx.Fee.Denom)] -= tx.Fee.Amount
	src := balanceKey(from, tx.Msg.Amount.Denom)
	if f.balances[src] < tx.Msg.Amount.Amount {
		res.Code = codeInsufficientFunds
		res.Log = "insufficient funds"
	} else {
		f.balances[src] -= tx.Msg.Amount.Amount
		f.balances[balanceKey(tx.Msg.To, tx.Msg.Amount.Denom)] += tx.Msg.Amount.Amount
	}
	f.txs[strings.ToUpper(res.Hash)] = res
	return res.Hash, nil
}

func (f *FakeClient) Tx(_ context.Context, hash string) (*TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	res, ok := f.txs[strings.ToUpper(hash)]
	if !ok {
		return nil, ErrTxNotFound
	}
	cp := *res
	return &cp, nil
}
