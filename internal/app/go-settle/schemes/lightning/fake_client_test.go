package lightning_test

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/lightning"
)

type fakeInvoice struct {
	payee    *FakeNode
	req      PayReq
	preimage []byte
	settled  bool
}

// FakeNetwork routes payments between FakeNodes.
type FakeNetwork struct {
	mu       sync.Mutex
	clock    clock.Clock
	invoices map[string]*fakeInvoice
	seq      int

	// RouteFee is charged on every payment.
	RouteFee uint64
}

// NewFakeNetwork returns an empty network dated by clk.
func NewFakeNetwork(clk clock.Clock) *FakeNetwork {
	return &FakeNetwork{clock: clk, invoices: make(map[string]*fakeInvoice), RouteFee: 10}
}

// NewNode joins a node with balance satoshi of local capacity.
func (n *FakeNetwork) NewNode(alias string, balance uint64) *FakeNode {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	return &FakeNode{net: n, alias: alias, pubKey: fmt.Sprintf("02%064x", n.seq), balance: balance}
}

// Preimage reveals the preimage of payReq, as a colluding payer would learn it.
func (n *FakeNetwork) Preimage(payReq string) []byte {
	n.mu.Lock()
	defer n.mu.Unlock()
	return n.invoices[payReq].preimage
}

// FakeNode is one node's view of a FakeNetwork.
type FakeNode struct {
	net     *FakeNetwork
	alias   string
	pubKey  string
	balance uint64

	InfoErr  error
	Payments int
}

var _ Client = &FakeNode{}

// PubKey returns the node identity.
func (f *FakeNode) PubKey() string {
	return f.pubKey
}

// AddBalance grows local capacity.
func (f *FakeNode) AddBalance(amount uint64) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	f.balance += amount
}

func (f *FakeNode) GetInfo(context.Context) (*NodeInfo, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	if f.InfoErr != nil {
		return nil, f.InfoErr
	}
	return &NodeInfo{PubKey: f.pubKey, Alias: f.alias, Synced: true}, nil
}

func (f *FakeNode) ChannelBalance(context.Context) (uint64, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	return f.balance, nil
}

func (f *FakeNode) AddInvoice(_ context.Context, amount uint64, memo string, expiry time.Duration) (*Invoice, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	n.seq++
	preimage := sha256.Sum256([]byte(fmt.Sprintf("preimage-%d", n.seq)))
	hash := sha256.Sum256(preimage[:])
	payReq := fmt.Sprintf("lntb%dn1p%x", amount, hash[:12])
	n.invoices[payReq] = &fakeInvoice{
		payee: f,
		req: PayReq{
			Destination: f.pubKey,
			PaymentHash: hash[:],
			Amount:      amount,
			Memo:        memo,
			CreatedAt:   n.clock.Now(),
			Expiry:      expiry,
		},
		preimage: preimage[:],
	}
	return &Invoice{PaymentRequest: payReq, PaymentHash: hash[:]}, nil
}

func (f *FakeNode) DecodePayReq(_ context.Context, payReq string) (*PayReq, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	inv, ok := f.net.invoices[payReq]
	if !ok {
		return nil, errors.New("invalid payment request")
	}
	cp := inv.req
	return &cp, nil
}

func (f *FakeNode) PayInvoice(_ context.Context, payReq string, feeLimit uint64) (*Payment, error) {
	n := f.net
	n.mu.Lock()
	defer n.mu.Unlock()
	inv, ok := n.invoices[payReq]
	switch {
	case !ok:
		return nil, errors.New("invalid payment request")
	case inv.settled:
		return nil, errors.New("invoice is already paid")
	case feeLimit > 0 && n.RouteFee > feeLimit:
		return nil, errors.New("no route within fee limit")
	case f.balance < inv.req.Amount+n.RouteFee:
		return nil, errors.New("insufficient local balance")
	}
	f.balance -= inv.req.Amount + n.RouteFee
	inv.payee.balance += inv.req.Amount
	inv.settled = true
	f.Payments++
	return &Payment{Preimage: inv.preimage, Fee: n.RouteFee}, nil
}

func (f *FakeNode) LookupInvoice(_ context.Context, hash []byte) (*InvoiceState, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	for _, inv := range f.net.invoices {
		if inv.payee == f && string(inv.req.PaymentHash) == string(hash) {
			st := &InvoiceState{Settled: inv.settled}
			if inv.settled {
				st.AmountPaid = inv.req.Amount
			}
			return st, nil
		}
	}
	return nil, ErrInvoiceNotFound
}
