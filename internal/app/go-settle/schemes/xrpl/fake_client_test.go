package xrpl_test

import (
	"context"
	"encoding/hex"
	"fmt"
	"sync"

	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/xrpl"
)

// FakeClient is an in-memory ledger server. Transactions apply on submit.
type FakeClient struct {
	mu       sync.Mutex
	balances map[string]uint64
	channels map[paych.ChannelID]*PayChannel
	results  map[string]*TxResult
	seq      int

	BaseFee       uint64
	ServerInfoErr error
	// PendingPolls is how many TransactionResult calls report ErrTxPending.
	PendingPolls int
	Submitted    []Transaction
}

var _ Client = &FakeClient{}

// NewFakeClient returns a server with no accounts.
func NewFakeClient() *FakeClient {
	return &FakeClient{
		balances: make(map[string]uint64),
		channels: make(map[paych.ChannelID]*PayChannel),
		results:  make(map[string]*TxResult),
		BaseFee:  12,
	}
}

// Fund credits drops to account.
func (f *FakeClient) Fund(account string, drops uint64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.balances[account] += drops
}

func (f *FakeClient) ServerInfo(context.Context) (*ServerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.ServerInfoErr != nil {
		return nil, f.ServerInfoErr
	}
	return &ServerInfo{NetworkID: 1, ValidatedLedger: uint64(100 + f.seq), BaseFee: f.BaseFee}, nil
}

func (f *FakeClient) AccountBalance(_ context.Context, account string) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.balances[account], nil
}

func (f *FakeClient) Submit(_ context.Context, tx *Transaction) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.seq++
	f.Submitted = append(f.Submitted, *tx)
	hash := fmt.Sprintf("%064X", f.seq)
	res := &TxResult{Hash: hash, Result: ResultSuccess, LedgerIndex: uint64(100 + f.seq), Fee: tx.Fee}
	if err := f.apply(tx, res); err != nil {
		res.Result = err.Error()
	}
	f.results[hash] = res
	return hash, nil
}

func (f *FakeClient) debit(account string, drops uint64) error {
	if f.balances[account] < drops {
		return errors.New("tecUNFUNDED")
	}
	f.balances[account] -= drops
	return nil
}

func (f *FakeClient) apply(tx *Transaction, res *TxResult) error {
	if err := f.debit(tx.Account, tx.Fee); err != nil {
		return err
	}
	switch tx.Type {
	case TxChannelCreate:
		if err := f.debit(tx.Account, tx.Amount); err != nil {
			return err
		}
		id := paych.ChannelID(sha256.Sum256([]byte(fmt.Sprintf("%s:%s:%d", tx.Account, tx.Destination, f.seq))))
		f.channels[id] = &PayChannel{
			Account:     tx.Account,
			Destination: tx.Destination,
			Amount:      tx.Amount,
			PublicKey:   tx.PublicKey,
			SettleDelay: tx.SettleDelay,
		}
		res.Channel = id
	case TxChannelFund:
		ch, ok := f.channels[tx.Channel]
		if !ok || ch.Account != tx.Account {
			return errors.New("tecNO_TARGET")
		}
		if err := f.debit(tx.Account, tx.Amount); err != nil {
			return err
		}
		ch.Amount += tx.Amount
	case TxChannelClaim:
		ch, ok := f.channels[tx.Channel]
		if !ok || ch.Destination != tx.Account {
			return errors.New("tecNO_TARGET")
		}
		if tx.Balance <= ch.Balance || tx.Balance > ch.Amount {
			return errors.New("tecUNFUNDED_PAYMENT")
		}
		raw, _ := hex.DecodeString(ch.PublicKey)
		sig, _ := hex.DecodeString(tx.Signature)
		pub, err := paych.UnmarshalPublicKey(paych.Ed25519, raw)
		if err != nil {
			return errors.New("temBAD_SIGNER")
		}
		if ok, err := pub.Verify(paych.SigningMessage(tx.Channel, tx.Balance), sig); err != nil || !ok {
			return errors.New("temBAD_SIGNATURE")
		}
		f.balances[ch.Destination] += tx.Balance - ch.Balance
		ch.Balance = tx.Balance
	default:
		return errors.New("temUNKNOWN")
	}
	return nil
}

func (f *FakeClient) TransactionResult(_ context.Context, hash string) (*TxResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.PendingPolls > 0 {
		f.PendingPolls--
		return nil, ErrTxPending
	}
	res, ok := f.results[hash]
	if !ok {
		return nil, errors.Errorf("txnNotFound %s", hash)
	}
	cp := *res
	return &cp, nil
}

func (f *FakeClient) PayChannel(_ context.Context, id paych.ChannelID) (*PayChannel, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	ch, ok := f.channels[id]
	if !ok {
		return nil, ErrEntryNotFound
	}
	cp := *ch
	return &cp, nil
}

// RequestClose sets the channel's expiration, as the owner closing it would.
func (f *FakeClient) RequestClose(id paych.ChannelID, expiration uint32) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id].Expiration = expiration
}

// Channels returns the ids of every channel.
func (f *FakeClient) Channels() []paych.ChannelID {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []paych.ChannelID
	for id := range f.channels {
		out = append(out, id)
	}
	return out
}
