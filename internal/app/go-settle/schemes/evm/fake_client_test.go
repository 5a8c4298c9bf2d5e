package evm_test

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/evm"
)

var gasCost = map[string]uint64{
	MethodOpen:  90000,
	MethodFund:  40000,
	MethodClaim: 60000,
}

// FakeClient is an in-memory chain with one channel contract. Transactions
// are mined on send.
type FakeClient struct {
	mu       sync.Mutex
	balances map[string]uint64
	channels map[paych.ChannelID]*ContractChannel
	receipts map[string]*Receipt
	nonce    int

	ID       uint64
	Price    uint64
	ExtraGas uint64
	ChainErr error
	Calls    []Call
}

var _ Client = &FakeClient{}

// NewFakeClient returns a chain with the given id.
func NewFakeClient(chainID uint64) *FakeClient {
	return &FakeClient{
		balances: make(map[string]uint64),
		channels: make(map[paych.ChannelID]*ContractChannel),
		receipts: make(map[string]*Receipt),
		ID:       chainID,
		Price:    1000000000,
	}
}

// Fund credits wei to address.
func (f *FakeClient) Fund(address string, wei uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[strings.ToLower(address)] += wei
}

func (f *FakeClient) ChainID(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.ID, f.ChainErr
}

func (f *FakeClient) BalanceAt(_ context.Context, address string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[strings.ToLower(address)], nil
}

func (f *FakeClient) GasPrice(context.Context) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.Price, nil
}

func (f *FakeClient) EstimateGas(_ context.Context, call *Call) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	gas, ok := gasCost[call.Method]
	if !ok {
		return 0, errors.Errorf("execution reverted: %s", call.Method)
	}
	return gas + f.ExtraGas, nil
}

func (f *FakeClient) SendTransaction(_ context.Context, call *Call, gas, price uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.nonce++
	f.Calls = append(f.Calls, *call)
	hash := fmt.Sprintf("0x%064x", f.nonce)
	r := &Receipt{Hash: hash, Success: true, BlockNumber: uint64(f.nonce), GasUsed: gas, GasPrice: price}
	from := strings.ToLower(call.From)
	if f.balances[from] < gas*price+call.Value {
		return "", errors.New("insufficient funds for gas * price + value")
	}
	f.balances[from] -= gas * price
	if err := f.apply(from, call, r); err != nil {
		r.Success = false
	}
	f.receipts[hash] = r
	return hash, nil
}

func (f *FakeClient) apply(from string, call *Call, r *Receipt) error {
	switch call.Method {
	case MethodOpen:
		id := paych.ChannelID{}
		copy(id[:], Keccak256([]byte(fmt.Sprintf("%s:%s:%d", from, call.Recipient, f.nonce))))
		f.channels[id] = &ContractChannel{
			Sender:      from,
			Recipient:   call.Recipient,
			Deposit:     call.Value,
			SettleDelay: call.SettleDelay,
			SignerKey:   call.SignerKey,
		}
		f.balances[from] -= call.Value
		r.Channel = id
	case MethodFund:
		ch, ok := f.channels[call.Channel]
		if !ok || ch.Sender != from {
			return errors.New("revert")
		}
		ch.Deposit += call.Value
		f.balances[from] -= call.Value
	case MethodClaim:
		ch, ok := f.channels[call.Channel]
		if !ok || ch.Recipient != from || call.Amount <= ch.Claimed || call.Amount > ch.Deposit {
			return errors.New("revert")
		}
		pub, err := paych.UnmarshalPublicKey(paych.Secp256k1, ch.SignerKey)
		if err != nil {
			return err
		}
		if ok, err := pub.Verify(paych.SigningMessage(call.Channel, call.Amount), call.Signature); err != nil || !ok {
			return errors.New("revert: bad signature")
		}
		f.balances[from] += call.Amount - ch.Claimed
		ch.Claimed = call.Amount
	}
	return nil
}

func (f *FakeClient) Receipt(_ context.Context, hash string) (*Receipt, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	r, ok := f.receipts[hash]
	if !ok {
		return nil, ErrReceiptPending
	}
	cp := *r
	return &cp, nil
}

func (f *FakeClient) Channel(_ context.Context, _ string, id paych.ChannelID) (*ContractChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, ErrNoChannel
	}
	cp := *ch
	return &cp, nil
}

// Close marks a channel closed.
func (f *FakeClient) Close(id paych.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id].Closed = true
}
