package cosmos

import (
	"context"
	"net/url"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/keylock"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

func init() {
	cbor.RegisterCborType(Transfer{})
}

// TransferPrefix is the datastore namespace of credited transfers, one child per ledger.
var TransferPrefix = "/transfers"

var (
	// ErrGasLimitExceeded is returned when a transfer simulates above the configured gas limit.
	ErrGasLimitExceeded = errors.New("gas limit exceeded")
	// ErrInvalidProof is returned when a proof does not point at a matching transfer.
	ErrInvalidProof = errors.New("invalid transfer proof")
)

// Transfer is an incoming transfer that has been credited.
type Transfer struct {
	TxHash       string
	PeerID       string
	SettlementID string
	Amount       uint64
	Height       uint64
}

// Actor settles with direct bank transfers. Each settlement is one transfer
// whose memo carries the settlement id; the payee credits it after finding
// the transfer on chain.
type Actor struct {
	ledgerID string
	denom    string
	chainID  string
	address  string

	host     settlement.Host
	client   Client
	key      crypto.PrivKey
	pub      []byte
	validate func(string) error

	peers     *peerstore.Store
	transfers datastore.Datastore
	tracker   *settlement.Tracker
	balances  *settlement.BalanceTracker
	locks     *keylock.Locker
	retry     settlement.RetryPolicy
	confirm   settlement.RetryPolicy
	gasLimit  uint64
	maxFee    uint64

	// seqMu keeps one transfer in flight so account sequences are used in order.
	seqMu sync.Mutex
}

var _ settlement.Actor = (*Actor)(nil)

// Address returns this node's account address.
func (a *Actor) Address() string {
	return a.address
}

// Peers returns the actor's peer store.
func (a *Actor) Peers() *peerstore.Store {
	return a.peers
}

func (a *Actor) info() *paymentchannel.PeeringInfo {
	return &paymentchannel.PeeringInfo{Address: a.address, PublicKey: a.pub}
}

// GetPeeringInfo returns this node's encoded address.
func (a *Actor) GetPeeringInfo(context.Context) ([]byte, error) {
	return a.info().Encode(), nil
}

// CreatePeeringRequest checks the peer's address and answers with our own.
func (a *Actor) CreatePeeringRequest(_ context.Context, peerID string, peeringInfo []byte) ([]byte, error) {
	if len(peeringInfo) > 0 {
		pi, err := paymentchannel.DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if err := a.validate(pi.Address); err != nil {
			return nil, errors.Wrapf(err, "peer %s", peerID)
		}
	}
	return a.info().Encode(), nil
}

// AcceptPeeringRequest records the requesting peer.
func (a *Actor) AcceptPeeringRequest(_ context.Context, peerID string, data []byte) (*settlement.PeeringResponse, bool, error) {
	pi, err := paymentchannel.DecodePeeringInfo(data)
	if err == nil {
		err = a.validate(pi.Address)
	}
	if err != nil {
		log.Warningf("rejecting peering from %s on %s: %s", peerID, a.ledgerID, err)
		return nil, false, nil
	}
	ps, err := a.record(peerID, pi.Address)
	if err != nil {
		return nil, false, err
	}
	return &settlement.PeeringResponse{Data: a.info().Encode(), PeerState: ps}, true, nil
}

// FinalizePeeringRequest records the peer from its response.
func (a *Actor) FinalizePeeringRequest(_ context.Context, peerID string, peeringInfo, data []byte) (*peerstore.PeerState, error) {
	pi, err := paymentchannel.DecodePeeringInfo(data)
	if err != nil {
		return nil, err
	}
	if err := a.validate(pi.Address); err != nil {
		return nil, errors.Wrapf(err, "peer %s", peerID)
	}
	if len(peeringInfo) > 0 {
		announced, err := paymentchannel.DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if announced.Address != pi.Address {
			return nil, errors.Errorf("peer %s answered from %s, announced %s", peerID, pi.Address, announced.Address)
		}
	}
	return a.record(peerID, pi.Address)
}

func (a *Actor) record(peerID, address string) (*peerstore.PeerState, error) {
	ps, err := a.peers.Upsert(&peerstore.PeerState{
		PeerID:       peerID,
		LedgerID:     a.ledgerID,
		PeerAddress:  address,
		LocalAddress: a.address,
		Channels:     []string{VirtualChannelID(a.ledgerID, a.address, address).String()},
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to record peer %s", peerID)
	}
	log.Infof("peered with %s on %s at %s", peerID, a.ledgerID, address)
	return ps, nil
}

func (a *Actor) peer(peerID string) (*peerstore.PeerState, error) {
	ps, err := a.peers.Get(peerID)
	if errors.Cause(err) == peerstore.ErrNotFound {
		return nil, paych.Reject(paych.ReasonPeerNotFound, err)
	}
	return ps, err
}

// PrepareSettlement reserves a transfer of amount to peerID. The settlement
// data announces the transfer; the value moves when it executes.
func (a *Actor) PrepareSettlement(ctx context.Context, peerID string, amount uint64, _ *peerstore.PeerState) (*settlement.PreparedSettlement, error) {
	if amount == 0 {
		return nil, errors.New("cannot settle zero")
	}
	ps, err := a.peer(peerID)
	if err != nil {
		return nil, err
	}
	prep := a.tracker.Prepare(peerID, amount, nil, func(ctx context.Context, id string) error {
		return a.transfer(ctx, ps, id, amount)
	})
	prep.SchemeData = (&Intent{SettlementID: prep.ID, Amount: amount}).Encode()
	return prep, nil
}

func (a *Actor) transfer(ctx context.Context, ps *peerstore.PeerState, settlementID string, amount uint64) error {
	a.seqMu.Lock()
	defer a.seqMu.Unlock()

	var acct *Account
	err := a.retry.Do(ctx, func() error {
		var err error
		acct, err = a.client.Account(ctx, a.address)
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "failed to read account %s", a.address)
	}

	tx := &Tx{
		Msg:       MsgSend{From: a.address, To: ps.PeerAddress, Amount: Coin{Denom: a.denom, Amount: amount}},
		Memo:      settlementID,
		Sequence:  acct.Sequence,
		PublicKey: a.pub,
	}
	sim, err := a.client.Simulate(ctx, tx)
	if err != nil {
		return errors.Wrap(err, "failed to simulate transfer")
	}
	if a.gasLimit > 0 && sim.GasUsed > a.gasLimit {
		return errors.Wrapf(ErrGasLimitExceeded, "transfer needs %d gas, limit %d", sim.GasUsed, a.gasLimit)
	}
	if err := settlement.CheckFee(sim.Fee, a.maxFee); err != nil {
		return err
	}
	tx.Gas = sim.GasUsed
	tx.Fee = Coin{Denom: a.denom, Amount: sim.Fee}
	if tx.Signature, err = a.key.Sign(tx.SignBytes(a.chainID, acct.Number)); err != nil {
		return errors.Wrap(err, "failed to sign transfer")
	}

	hash, err := a.client.Broadcast(ctx, tx)
	if err != nil {
		return errors.Wrap(err, "failed to broadcast transfer")
	}
	log.Debugf("broadcast transfer %s of %d to %s for %s", hash, amount, ps.PeerID, settlementID)

	res, err := a.waitTx(ctx, a.confirm, hash)
	if err != nil {
		return err
	}
	if res.Code != CodeOK {
		a.balances.Spend(res.Fee.Amount)
		return errors.Errorf("transfer %s failed with code %d: %s", hash, res.Code, res.Log)
	}
	a.balances.Spend(amount + res.Fee.Amount)
	if _, err := a.peers.Mutate(ps.PeerID, func(p *peerstore.PeerState) error {
		p.TotalOutgoing += amount
		return nil
	}); err != nil {
		log.Errorf("failed to update totals of %s on %s: %s", ps.PeerID, a.ledgerID, err)
	}

	// The value has moved, so a proof that cannot be delivered does not cancel the settlement.
	proof := (&TxProof{SettlementID: settlementID, TxHash: hash}).Encode()
	if err := a.retry.Do(ctx, func() error {
		return a.host.SendMessage(ctx, ps.PeerID, proof)
	}); err != nil {
		log.Errorf("transfer %s to %s is included but its proof was not delivered: %s", hash, ps.PeerID, err)
	}
	return nil
}

func (a *Actor) waitTx(ctx context.Context, rp settlement.RetryPolicy, hash string) (*TxResult, error) {
	var res *TxResult
	err := rp.Do(ctx, func() error {
		var err error
		res, err = a.client.Tx(ctx, hash)
		if err != nil && errors.Cause(err) != ErrTxNotFound {
			return settlement.Permanent(err)
		}
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "transaction %s not found", hash)
	}
	return res, nil
}

// HandleSettlement accepts an intent or a proof as settlement data. Intents
// credit nothing; value is reported once the proof is verified.
func (a *Actor) HandleSettlement(ctx context.Context, peerID string, amount uint64, data []byte, _ *peerstore.PeerState) error {
	return a.handle(ctx, peerID, amount, data)
}

// HandleMessage accepts proofs delivered as messages.
func (a *Actor) HandleMessage(ctx context.Context, peerID string, msg []byte) error {
	return a.handle(ctx, peerID, 0, msg)
}

func (a *Actor) handle(ctx context.Context, peerID string, expected uint64, data []byte) error {
	msg, err := DecodeMessage(data)
	if err != nil {
		return err
	}
	switch m := msg.(type) {
	case *Intent:
		log.Debugf("%s announced settlement %s of %d on %s", peerID, m.SettlementID, m.Amount, a.ledgerID)
		return nil
	case *TxProof:
		return a.HandleProof(ctx, peerID, expected, m)
	}
	return nil
}

// canonicalHash normalizes a transaction hash. Hashes are hex and compare
// case-insensitively.
func canonicalHash(hash string) string {
	return strings.ToUpper(strings.TrimSpace(hash))
}

func transferKey(hash string) datastore.Key {
	return datastore.NewKey(url.PathEscape(canonicalHash(hash)))
}

// HandleProof verifies the transfer named by proof and reports its amount.
// A transfer is credited at most once; repeated proofs are ignored.
func (a *Actor) HandleProof(ctx context.Context, peerID string, expected uint64, proof *TxProof) error {
	ps, err := a.peer(peerID)
	if err != nil {
		return err
	}

	hash := canonicalHash(proof.TxHash)
	if hash == "" {
		return errors.Wrap(ErrInvalidProof, "proof names no transfer")
	}
	unlock, err := a.locks.Lock(ctx, hash)
	if err != nil {
		return err
	}
	defer unlock()

	seen, err := a.transfers.Has(transferKey(hash))
	if err != nil {
		return err
	}
	if seen {
		log.Debugf("transfer %s from %s already credited", hash, peerID)
		return nil
	}

	res, err := a.waitTx(ctx, a.retry, hash)
	if err != nil {
		return err
	}
	switch {
	case canonicalHash(res.Hash) != hash:
		return errors.Wrapf(ErrInvalidProof, "node returned transfer %s for %s", res.Hash, hash)
	case res.Code != CodeOK:
		return errors.Wrapf(ErrInvalidProof, "transfer %s failed with code %d", res.Hash, res.Code)
	case res.Msg.From != ps.PeerAddress:
		return errors.Wrapf(ErrInvalidProof, "transfer %s sent by %s, peer is %s", res.Hash, res.Msg.From, ps.PeerAddress)
	case res.Msg.To != a.address:
		return errors.Wrapf(ErrInvalidProof, "transfer %s pays %s", res.Hash, res.Msg.To)
	case res.Msg.Amount.Denom != a.denom:
		return errors.Wrapf(ErrInvalidProof, "transfer %s in %s, want %s", res.Hash, res.Msg.Amount.Denom, a.denom)
	case res.Memo != proof.SettlementID:
		return errors.Wrapf(ErrInvalidProof, "transfer %s memo %q, proof names %q", res.Hash, res.Memo, proof.SettlementID)
	case res.Msg.Amount.Amount == 0:
		return errors.Wrapf(ErrInvalidProof, "transfer %s moves nothing", res.Hash)
	}

	amount := res.Msg.Amount.Amount
	data, err := cbor.DumpObject(&Transfer{
		TxHash:       hash,
		PeerID:       peerID,
		SettlementID: proof.SettlementID,
		Amount:       amount,
		Height:       res.Height,
	})
	if err != nil {
		return err
	}
	if err := a.transfers.Put(transferKey(hash), data); err != nil {
		return errors.Wrapf(err, "failed to record transfer %s", hash)
	}
	if expected != 0 && expected != amount {
		log.Warningf("transfer %s from %s moves %d, host expected %d", res.Hash, peerID, amount, expected)
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
	log.Infof("credited transfer %s of %d from %s on %s", res.Hash, amount, peerID, a.ledgerID)
	return nil
}

// Transfer loads a credited transfer.
func (a *Actor) Transfer(hash string) (*Transfer, error) {
	data, err := a.transfers.Get(transferKey(hash))
	if err != nil {
		return nil, err
	}
	var t Transfer
	if err := cbor.DecodeInto(data, &t); err != nil {
		return nil, err
	}
	return &t, nil
}

func (a *Actor) balance(ctx context.Context) (uint64, error) {
	return a.client.Balance(ctx, a.address, a.denom)
}

// GetBalance reads the account balance and reconciles it.
func (a *Actor) GetBalance(ctx context.Context) (uint64, error) {
	bal, err := a.balance(ctx)
	if err != nil {
		return 0, err
	}
	a.balances.Observe(bal)
	return bal, nil
}

// HandleDeposit waits for an operator deposit to show on chain and reports it.
func (a *Actor) HandleDeposit(ctx context.Context, amount uint64) error {
	return a.balances.Deposit(ctx, a.retry, a.balance, amount)
}

// Close is a no-op; the actor runs no background work.
func (a *Actor) Close() error {
	return nil
}

func newTransferStore(ds datastore.Datastore, ledgerID string) datastore.Datastore {
	return namespace.Wrap(ds, datastore.NewKey(TransferPrefix).ChildString(url.PathEscape(ledgerID)))
}
