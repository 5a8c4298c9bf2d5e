package lightning

import (
	"context"
	"encoding/hex"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cskr/pubsub"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/keylock"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

// ErrInvoiceMismatch is returned when the peer's invoice does not pay what was asked.
var ErrInvoiceMismatch = errors.New("invoice does not match the settlement")

var errInvoiceOpen = errors.New("invoice not settled")

// Actor settles by paying invoices the peer issues on request. The payee
// credits a payment once the node reports its invoice settled and the payer
// has shown the preimage.
type Actor struct {
	ledgerID string
	pubKey   string
	raw      []byte

	host     settlement.Host
	client   Client
	peers    *peerstore.Store
	invoices *invoiceStore
	tracker  *settlement.Tracker
	balances *settlement.BalanceTracker
	locks    *keylock.Locker
	retry    settlement.RetryPolicy
	maxFee   uint64
	expiry   time.Duration
	clk      clock.Clock

	// events carries invoices to the settlement awaiting them, one topic per settlement id.
	events  *pubsub.PubSub
	mu      sync.Mutex
	waiting map[string]string
}

var _ settlement.Actor = (*Actor)(nil)

// PubKey returns the node's identity key, hex encoded.
func (a *Actor) PubKey() string {
	return a.pubKey
}

// Peers returns the actor's peer store.
func (a *Actor) Peers() *peerstore.Store {
	return a.peers
}

func (a *Actor) info() *paymentchannel.PeeringInfo {
	return &paymentchannel.PeeringInfo{Address: a.pubKey, PublicKey: a.raw}
}

// GetPeeringInfo returns the node's identity key.
func (a *Actor) GetPeeringInfo(context.Context) ([]byte, error) {
	return a.info().Encode(), nil
}

// CreatePeeringRequest checks the peer's node key and answers with our own.
func (a *Actor) CreatePeeringRequest(_ context.Context, peerID string, peeringInfo []byte) ([]byte, error) {
	if len(peeringInfo) > 0 {
		pi, err := paymentchannel.DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if err := ValidateNodeKey(pi.Address); err != nil {
			return nil, errors.Wrapf(err, "peer %s", peerID)
		}
	}
	return a.info().Encode(), nil
}

// AcceptPeeringRequest records the requesting node.
func (a *Actor) AcceptPeeringRequest(_ context.Context, peerID string, data []byte) (*settlement.PeeringResponse, bool, error) {
	pi, err := paymentchannel.DecodePeeringInfo(data)
	if err == nil {
		err = ValidateNodeKey(pi.Address)
	}
	if err != nil {
		log.Warningf("rejecting peering from %s on %s: %s", peerID, a.ledgerID, err)
		return nil, false, nil
	}
	ps, err := a.record(peerID, pi)
	if err != nil {
		return nil, false, err
	}
	return &settlement.PeeringResponse{Data: a.info().Encode(), PeerState: ps}, true, nil
}

// FinalizePeeringRequest records the node from its response.
func (a *Actor) FinalizePeeringRequest(_ context.Context, peerID string, peeringInfo, data []byte) (*peerstore.PeerState, error) {
	pi, err := paymentchannel.DecodePeeringInfo(data)
	if err != nil {
		return nil, err
	}
	if err := ValidateNodeKey(pi.Address); err != nil {
		return nil, errors.Wrapf(err, "peer %s", peerID)
	}
	if len(peeringInfo) > 0 {
		announced, err := paymentchannel.DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if announced.Address != pi.Address {
			return nil, errors.Errorf("peer %s answered as %s, announced %s", peerID, pi.Address, announced.Address)
		}
	}
	return a.record(peerID, pi)
}

func (a *Actor) record(peerID string, pi *paymentchannel.PeeringInfo) (*peerstore.PeerState, error) {
	ps, err := a.peers.Upsert(&peerstore.PeerState{
		PeerID:        peerID,
		LedgerID:      a.ledgerID,
		PeerAddress:   pi.Address,
		LocalAddress:  a.pubKey,
		PeerPublicKey: pi.PublicKey,
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record peer %s", peerID)
	}
	log.Infof("peered with %s on %s as node %s", peerID, a.ledgerID, pi.Address)
	return ps, nil
}

func (a *Actor) peer(peerID string) (*peerstore.PeerState, error) {
	ps, err := a.peers.Get(peerID)
	if errors.Cause(err) == peerstore.ErrNotFound {
		return nil, paych.Reject(paych.ReasonPeerNotFound, err)
	}
	return ps, err
}

// PrepareSettlement reserves a payment of amount to peerID. Nothing is
// exchanged until it executes.
func (a *Actor) PrepareSettlement(ctx context.Context, peerID string, amount uint64, _ *peerstore.PeerState) (*settlement.PreparedSettlement, error) {
	if amount == 0 {
		return nil, errors.New("cannot settle zero")
	}
	ps, err := a.peer(peerID)
	if err != nil {
		return nil, err
	}
	return a.tracker.Prepare(peerID, amount, nil, func(ctx context.Context, id string) error {
		return a.pay(ctx, ps, id, amount)
	}), nil
}

func (a *Actor) expect(id, peerID string) chan interface{} {
	ch := a.events.Sub(id)
	a.mu.Lock()
	a.waiting[id] = peerID
	a.mu.Unlock()
	return ch
}

func (a *Actor) forget(id string, ch chan interface{}) {
	a.mu.Lock()
	delete(a.waiting, id)
	a.mu.Unlock()
	a.events.Unsub(ch, id)
}

// deliver hands an invoice to the settlement waiting for it. Each settlement
// takes at most one invoice, from the peer it asked.
func (a *Actor) deliver(peerID string, m *InvoiceMsg) {
	a.mu.Lock()
	want, ok := a.waiting[m.SettlementID]
	if ok && want == peerID {
		delete(a.waiting, m.SettlementID)
	}
	a.mu.Unlock()

	if !ok || want != peerID {
		log.Debugf("dropping unrequested invoice for %s from %s", m.SettlementID, peerID)
		return
	}
	a.events.Pub(m, m.SettlementID)
}

func (a *Actor) pay(ctx context.Context, ps *peerstore.PeerState, id string, amount uint64) error {
	ch := a.expect(id, ps.PeerID)
	defer a.forget(id, ch)

	req := (&InvoiceRequest{SettlementID: id, Amount: amount}).Encode()
	if err := a.host.SendMessage(ctx, ps.PeerID, req); err != nil {
		return errors.Wrapf(err, "failed to request invoice from %s", ps.PeerID)
	}

	var inv *InvoiceMsg
	select {
	case m := <-ch:
		inv = m.(*InvoiceMsg)
	case <-ctx.Done():
		return errors.Wrapf(ctx.Err(), "no invoice from %s", ps.PeerID)
	}

	pr, err := a.client.DecodePayReq(ctx, inv.PaymentRequest)
	if err != nil {
		return errors.Wrap(err, "failed to decode invoice")
	}
	switch {
	case pr.Amount != amount:
		return errors.Wrapf(ErrInvoiceMismatch, "invoice for %d, settling %d", pr.Amount, amount)
	case pr.Destination != ps.PeerAddress:
		return errors.Wrapf(ErrInvoiceMismatch, "invoice pays %s, peer is %s", pr.Destination, ps.PeerAddress)
	case pr.Expiry > 0 && !a.clk.Now().Before(pr.CreatedAt.Add(pr.Expiry)):
		return errors.Wrapf(ErrInvoiceMismatch, "invoice expired at %s", pr.CreatedAt.Add(pr.Expiry))
	}

	payment, err := a.client.PayInvoice(ctx, inv.PaymentRequest, a.maxFee)
	if err != nil {
		return errors.Wrapf(err, "failed to pay invoice %x", pr.PaymentHash)
	}
	a.balances.Spend(amount + payment.Fee)
	if _, err := a.peers.Mutate(ps.PeerID, func(p *peerstore.PeerState) error {
		p.TotalOutgoing += amount
		return nil
	}); err != nil {
		log.Errorf("failed to update totals of %s on %s: %s", ps.PeerID, a.ledgerID, err)
	}
	log.Debugf("paid invoice %x of %d to %s for %s (fee %d)", pr.PaymentHash, amount, ps.PeerID, id, payment.Fee)

	// Paid is paid: a proof that cannot be delivered does not cancel the settlement.
	proof := (&PaymentProof{SettlementID: id, Preimage: payment.Preimage}).Encode()
	if err := a.retry.Do(ctx, func() error {
		return a.host.SendMessage(ctx, ps.PeerID, proof)
	}); err != nil {
		log.Errorf("invoice %x to %s is paid but its proof was not delivered: %s", pr.PaymentHash, ps.PeerID, err)
	}
	return nil
}

// HandleSettlement accepts a scheme message carried as settlement data. Empty
// data is accepted; value is credited when the payment proof arrives.
func (a *Actor) HandleSettlement(ctx context.Context, peerID string, _ uint64, data []byte, _ *peerstore.PeerState) error {
	if len(data) == 0 {
		return nil
	}
	return a.HandleMessage(ctx, peerID, data)
}

// HandleMessage dispatches invoice requests, invoices and payment proofs.
func (a *Actor) HandleMessage(ctx context.Context, peerID string, msg []byte) error {
	m, err := DecodeMessage(msg)
	if err != nil {
		return err
	}
	switch m := m.(type) {
	case *InvoiceRequest:
		return a.handleInvoiceRequest(ctx, peerID, m)
	case *InvoiceMsg:
		a.deliver(peerID, m)
		return nil
	case *PaymentProof:
		return a.HandleProof(ctx, peerID, m)
	}
	return nil
}

func (a *Actor) handleInvoiceRequest(ctx context.Context, peerID string, req *InvoiceRequest) error {
	if _, err := a.peer(peerID); err != nil {
		return err
	}
	if req.Amount == 0 {
		return errors.Errorf("invoice request from %s for zero", peerID)
	}
	inv, err := a.client.AddInvoice(ctx, req.Amount, req.SettlementID, a.expiry)
	if err != nil {
		return errors.Wrapf(err, "failed to create invoice for %s", req.SettlementID)
	}
	if err := a.invoices.put(&InvoiceRecord{
		PaymentHash:    inv.PaymentHash,
		PeerID:         peerID,
		SettlementID:   req.SettlementID,
		Amount:         req.Amount,
		PaymentRequest: inv.PaymentRequest,
		CreatedAt:      a.clk.Now().Unix(),
	}); err != nil {
		return err
	}
	log.Debugf("issued invoice %x of %d to %s for %s", inv.PaymentHash, req.Amount, peerID, req.SettlementID)
	msg := (&InvoiceMsg{SettlementID: req.SettlementID, PaymentRequest: inv.PaymentRequest}).Encode()
	return a.host.SendMessage(ctx, peerID, msg)
}

// HandleProof credits the invoice whose payment hash is the hash of the
// proof's preimage. The invoice must have been issued to peerID and be
// reported settled by the node. An invoice is credited at most once.
func (a *Actor) HandleProof(ctx context.Context, peerID string, proof *PaymentProof) error {
	sum := sha256.Sum256(proof.Preimage)
	hash := sum[:]

	unlock, err := a.locks.Lock(ctx, hex.EncodeToString(hash))
	if err != nil {
		return err
	}
	defer unlock()

	rec, err := a.invoices.get(hash)
	if err != nil {
		return err
	}
	if rec.PeerID != peerID {
		return errors.Wrapf(ErrUnknownInvoice, "invoice %x was issued to %s", hash, rec.PeerID)
	}
	if rec.Reported {
		log.Debugf("invoice %x from %s already credited", hash, peerID)
		return nil
	}

	var state *InvoiceState
	err = a.retry.Do(ctx, func() error {
		var err error
		state, err = a.client.LookupInvoice(ctx, hash)
		if err != nil {
			return err
		}
		if !state.Settled {
			return errInvoiceOpen
		}
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "invoice %x", hash)
	}

	amount := state.AmountPaid
	if amount == 0 {
		amount = rec.Amount
	}
	rec.Reported = true
	if err := a.invoices.put(rec); err != nil {
		return err
	}
	if amount != rec.Amount {
		log.Warningf("invoice %x from %s paid %d, issued for %d", hash, peerID, amount, rec.Amount)
	}

	a.balances.Credit(amount)
	a.host.ReportIncomingSettlement(a.ledgerID, peerID, amount)
	metrics.RecordIncoming(ctx, a.ledgerID, amount)
	if _, err := a.peers.Mutate(peerID, func(p *peerstore.PeerState) error {
		p.TotalIncoming += amount
		return nil
	}); err != nil {
		log.Errorf("failed to update totals of %s on %s: %s", peerID, a.ledgerID, err)
	}
	log.Infof("credited invoice %x of %d from %s on %s", hash, amount, peerID, a.ledgerID)
	return nil
}

// Invoice loads an issued invoice by payment hash.
func (a *Actor) Invoice(hash []byte) (*InvoiceRecord, error) {
	return a.invoices.get(hash)
}

func (a *Actor) balance(ctx context.Context) (uint64, error) {
	return a.client.ChannelBalance(ctx)
}

// GetBalance reads the local channel balance and reconciles it.
func (a *Actor) GetBalance(ctx context.Context) (uint64, error) {
	bal, err := a.balance(ctx)
	if err != nil {
		return 0, err
	}
	a.balances.Observe(bal)
	return bal, nil
}

// HandleDeposit waits for added channel capacity to show and reports it.
func (a *Actor) HandleDeposit(ctx context.Context, amount uint64) error {
	return a.balances.Deposit(ctx, a.retry, a.balance, amount)
}

// Close stops the invoice dispatcher.
func (a *Actor) Close() error {
	a.events.Shutdown()
	return nil
}
