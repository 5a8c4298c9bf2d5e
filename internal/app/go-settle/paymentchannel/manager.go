package paymentchannel

import (
	"context"
	"fmt"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-crypto"
	xerrors "github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/ilp-connector/go-settle/internal/pkg/chancache"
	"github.com/ilp-connector/go-settle/internal/pkg/keylock"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics/tracing"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

var log = logging.Logger("paymentchannel")

// PaymentChannelStorePrefix is the prefix used in the datastore
var PaymentChannelStorePrefix = "/settlement/paymentchannel"

// ErrChannelNotFound is returned by a ChannelViewer for channels absent from the ledger.
var ErrChannelNotFound = xerrors.New("channel not found on ledger")

// ErrUnknownChannel is returned for channels the manager has no record of.
var ErrUnknownChannel = xerrors.New("unknown payment channel")

// ErrInsufficientFunds is the cause of an InsufficientFundsError.
var ErrInsufficientFunds = xerrors.New("insufficient channel funds")

// InsufficientFundsError reports how much an outgoing channel is short.
type InsufficientFundsError struct {
	ChannelID paych.ChannelID
	Shortfall uint64
}

func (e *InsufficientFundsError) Error() string {
	return fmt.Sprintf("%s: channel %s short by %d", ErrInsufficientFunds, e.ChannelID, e.Shortfall)
}

// Cause lets errors.Cause classify the error.
func (e *InsufficientFundsError) Cause() error {
	return ErrInsufficientFunds
}

// ChainWaiter is an interface for waiting for a transaction to be confirmed on the ledger
type ChainWaiter interface {
	Wait(ctx context.Context, txID string, cb func(*Receipt) error) error
}

// ChainSender is an interface for something that can post channel transactions
type ChainSender interface {
	OpenChannel(ctx context.Context, p OpenParams) (txID string, err error)
	FundChannel(ctx context.Context, id paych.ChannelID, amount uint64) (txID string, err error)
	// ClaimChannel cashes out the cumulative amount signed by sig.
	ClaimChannel(ctx context.Context, id paych.ChannelID, amount uint64, sig, publicKey []byte) (txID string, err error)
}

// ChannelViewer reads channel state from the ledger
type ChannelViewer interface {
	// Channel returns ErrChannelNotFound for channels the ledger does not know.
	Channel(ctx context.Context, id paych.ChannelID) (*paych.ChannelState, error)
}

// Ledger is everything the manager needs from a channel ledger.
type Ledger interface {
	ChainSender
	ChainWaiter
	ChannelViewer
}

// ManagerOptions configures a Manager.
type ManagerOptions struct {
	LedgerID string
	Currency string
	Verifier *paych.Verifier
	Cache    *chancache.Cache
	Clock    clock.Clock
	// Signer signs outgoing claims.
	Signer crypto.PrivKey
}

// Manager manages payment channel records and the claims made on them.
type Manager struct {
	ctx             context.Context
	paymentChannels datastore.Datastore
	ledger          Ledger

	ledgerID string
	currency string
	verifier *paych.Verifier
	cache    *chancache.Cache
	clk      clock.Clock
	signer   crypto.PrivKey
	locks    *keylock.Locker
}

// NewManager creates and returns a new paymentchannel.Manager
func NewManager(ctx context.Context, ds datastore.Datastore, ledger Ledger, opts ManagerOptions) *Manager {
	store := namespace.Wrap(ds, datastore.NewKey(PaymentChannelStorePrefix).ChildString(opts.LedgerID))
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cache := opts.Cache
	if cache == nil {
		cache = chancache.New(chancache.DefaultLifetime, clk)
	}
	return &Manager{
		ctx:             ctx,
		paymentChannels: store,
		ledger:          ledger,
		ledgerID:        opts.LedgerID,
		currency:        opts.Currency,
		verifier:        opts.Verifier,
		cache:           cache,
		clk:             clk,
		signer:          opts.Signer,
		locks:           keylock.New(),
	}
}

func channelKey(id paych.ChannelID) datastore.Key {
	return datastore.NewKey(id.String())
}

// GetPaymentChannelInfo retrieves channel info from the paymentChannels
func (pm *Manager) GetPaymentChannelInfo(id paych.ChannelID) (*ChannelInfo, error) {
	data, err := pm.paymentChannels.Get(channelKey(id))
	if err == datastore.ErrNotFound {
		return nil, xerrors.Wrapf(ErrUnknownChannel, "%s", id)
	}
	if err != nil {
		return nil, err
	}
	var ci ChannelInfo
	if err := cbor.DecodeInto(data, &ci); err != nil {
		return nil, xerrors.Wrapf(err, "failed to decode channel %s", id)
	}
	return &ci, nil
}

// ChannelExists reports whether a record of id exists
func (pm *Manager) ChannelExists(id paych.ChannelID) (bool, error) {
	return pm.paymentChannels.Has(channelKey(id))
}

func (pm *Manager) saveChannelInfo(ci *ChannelInfo) error {
	data, err := cbor.DumpObject(ci)
	if err != nil {
		return err
	}
	return pm.paymentChannels.Put(datastore.NewKey(ci.ChannelID), data)
}

// ListChannels returns every channel record
func (pm *Manager) ListChannels() ([]*ChannelInfo, error) {
	res, err := pm.paymentChannels.Query(query.Query{})
	if err != nil {
		return nil, err
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, err
	}
	out := make([]*ChannelInfo, 0, len(entries))
	for _, e := range entries {
		var ci ChannelInfo
		if err := cbor.DecodeInto(e.Value, &ci); err != nil {
			return nil, xerrors.Wrapf(err, "failed to decode channel at %s", e.Key)
		}
		out = append(out, &ci)
	}
	return out, nil
}

// OutgoingChannel returns the most recently created open outgoing channel to
// peerID, or nil when there is none.
func (pm *Manager) OutgoingChannel(peerID string) (*ChannelInfo, error) {
	all, err := pm.ListChannels()
	if err != nil {
		return nil, err
	}
	var best *ChannelInfo
	for _, ci := range all {
		if !ci.Outgoing || ci.PeerID != peerID || ci.ChannelStatus() != paych.StatusOpen {
			continue
		}
		if best == nil || ci.CreatedAt > best.CreatedAt {
			best = ci
		}
	}
	return best, nil
}

// CreatePaymentChannel submits a channel open to peerID's address and waits
// for it to be confirmed. The new channel is persisted before returning.
func (pm *Manager) CreatePaymentChannel(ctx context.Context, peerID string, p OpenParams) (id paych.ChannelID, receipt *Receipt, err error) {
	ctx, span := trace.StartSpan(ctx, "Manager.CreatePaymentChannel")
	defer tracing.AddErrorEndSpan(span, &err)

	if p.PublicKey == nil && pm.signer != nil {
		if p.PublicKey, err = paych.PublicKeyBytes(pm.signer); err != nil {
			return id, nil, err
		}
	}
	txID, err := pm.ledger.OpenChannel(ctx, p)
	if err != nil {
		return id, nil, err
	}
	err = pm.ledger.Wait(ctx, txID, func(r *Receipt) error {
		receipt = r
		return pm.handleCreatePaymentChannelResult(peerID, p, r)
	})
	if err != nil {
		return id, receipt, err
	}
	log.Infof("opened channel %s to %s on %s with %d", receipt.ChannelID, peerID, pm.ledgerID, p.Amount)
	return receipt.ChannelID, receipt, nil
}

func (pm *Manager) handleCreatePaymentChannelResult(peerID string, p OpenParams, r *Receipt) error {
	if !r.Success {
		return xerrors.Errorf("channel open %s failed", r.TxID)
	}
	if r.ChannelID.Empty() {
		return xerrors.Errorf("channel open %s returned no channel id", r.TxID)
	}
	has, err := pm.ChannelExists(r.ChannelID)
	if err != nil {
		return err
	}
	if has {
		return xerrors.Errorf("channel exists %s", r.ChannelID)
	}

	chinfo := ChannelInfo{
		ChannelID:   r.ChannelID.String(),
		Outgoing:    true,
		PeerID:      peerID,
		From:        p.From,
		To:          p.To,
		TotalLocked: p.Amount,
		SettleDelay: int64(p.SettleDelay),
		Status:      int(paych.StatusOpen),
		PublicKey:   p.PublicKey,
		CreatedAt:   pm.clk.Now().UnixNano(),
	}
	return pm.saveChannelInfo(&chinfo)
}

// AddFunds locks amount more in an outgoing channel
func (pm *Manager) AddFunds(ctx context.Context, id paych.ChannelID, amount uint64) (*Receipt, error) {
	chinfo, err := pm.GetPaymentChannelInfo(id)
	if err != nil {
		return nil, err
	}
	if !chinfo.Outgoing {
		return nil, xerrors.Errorf("cannot fund incoming channel %s", id)
	}

	txID, err := pm.ledger.FundChannel(ctx, id, amount)
	if err != nil {
		return nil, err
	}
	var receipt *Receipt
	err = pm.ledger.Wait(ctx, txID, func(r *Receipt) error {
		receipt = r
		if !r.Success {
			return xerrors.Errorf("channel fund %s failed", r.TxID)
		}
		return pm.updateChannel(ctx, id, func(ci *ChannelInfo) error {
			ci.TotalLocked += amount
			return nil
		})
	})
	return receipt, err
}

func (pm *Manager) updateChannel(ctx context.Context, id paych.ChannelID, fn func(*ChannelInfo) error) error {
	unlock, err := pm.locks.Lock(ctx, id.String())
	if err != nil {
		return err
	}
	defer unlock()

	ci, err := pm.GetPaymentChannelInfo(id)
	if err != nil {
		return err
	}
	if err := fn(ci); err != nil {
		return err
	}
	return pm.saveChannelInfo(ci)
}

// CreateClaim signs a claim raising the cumulative amount of an outgoing
// channel by delta. The claim is persisted before it is returned, so a nonce
// is never issued twice.
func (pm *Manager) CreateClaim(ctx context.Context, id paych.ChannelID, delta uint64) (*paych.Claim, error) {
	if pm.signer == nil {
		return nil, xerrors.New("manager has no signing key")
	}
	var claim *paych.Claim
	err := pm.updateChannel(ctx, id, func(ci *ChannelInfo) error {
		if !ci.Outgoing {
			return xerrors.Errorf("cannot claim on incoming channel %s", id)
		}
		if ci.ChannelStatus() != paych.StatusOpen {
			return xerrors.Errorf("channel %s is %s", id, ci.ChannelStatus())
		}
		if delta > ci.Remaining() {
			return &InsufficientFundsError{ChannelID: id, Shortfall: delta - ci.Remaining()}
		}

		best := ci.BestClaim
		if best == nil {
			best = &ClaimInfo{}
		}
		amount := best.Amount + delta
		sig, err := paych.Sign(pm.signer, id, amount)
		if err != nil {
			return err
		}
		ci.BestClaim = &ClaimInfo{Amount: amount, Nonce: best.Nonce + 1, Signature: sig}
		ci.TotalClaims++
		ci.LastClaimAt = pm.clk.Now().UnixNano()

		claim = &paych.Claim{
			ChannelID: id,
			Amount:    amount,
			Nonce:     ci.BestClaim.Nonce,
			Signature: sig,
			Currency:  pm.currency,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return claim, nil
}

// ErrClaimSuperseded is returned when reverting a claim that a later claim
// already builds on.
var ErrClaimSuperseded = xerrors.New("claim superseded")

// RevertClaim takes back a claim issued by CreateClaim that never left the
// node: the cumulative amount drops by delta, the nonce stays spent. Claims a
// later claim builds on can not be reverted.
func (pm *Manager) RevertClaim(ctx context.Context, claim *paych.Claim, delta uint64) error {
	return pm.updateChannel(ctx, claim.ChannelID, func(ci *ChannelInfo) error {
		best := ci.BestClaim
		if !ci.Outgoing || best == nil || best.Nonce != claim.Nonce || best.Amount != claim.Amount || delta > best.Amount {
			return xerrors.Wrapf(ErrClaimSuperseded, "nonce %d on %s", claim.Nonce, claim.ChannelID)
		}
		amount := best.Amount - delta
		sig, err := paych.Sign(pm.signer, claim.ChannelID, amount)
		if err != nil {
			return err
		}
		ci.BestClaim = &ClaimInfo{Amount: amount, Nonce: best.Nonce, Signature: sig}
		if ci.TotalClaims > 0 {
			ci.TotalClaims--
		}
		log.Infof("reverted claim %d on %s to %d", claim.Nonce, claim.ChannelID, amount)
		return nil
	})
}

// ChannelState returns the combined ledger and local view of a channel,
// served from the cache when fresh.
func (pm *Manager) ChannelState(ctx context.Context, id paych.ChannelID) (paych.ChannelState, error) {
	if st, ok := pm.cache.Get(id); ok {
		return st, nil
	}
	ci, err := pm.GetPaymentChannelInfo(id)
	if err != nil && xerrors.Cause(err) != ErrUnknownChannel {
		return paych.ChannelState{}, err
	}
	if err != nil {
		ci = nil
	}
	st, err := pm.loadState(ctx, id, ci)
	if err != nil {
		return paych.ChannelState{}, err
	}
	pm.cache.Set(id, st)
	return st, nil
}

// loadState reads the channel from the ledger and merges ci into it. A channel
// the ledger no longer knows but that we recorded is Closed.
func (pm *Manager) loadState(ctx context.Context, id paych.ChannelID, ci *ChannelInfo) (paych.ChannelState, error) {
	onLedger, err := pm.ledger.Channel(ctx, id)
	switch {
	case err == nil:
		st := onLedger.Clone()
		if ci != nil {
			ci.mergeInto(&st)
		}
		return st, nil
	case xerrors.Cause(err) == ErrChannelNotFound && ci != nil:
		st := paych.ChannelState{
			ID:          id,
			Sender:      ci.From,
			Recipient:   ci.To,
			TotalLocked: ci.TotalLocked,
			Balance:     ci.TotalLocked,
			Status:      paych.StatusClosed,
		}
		ci.mergeInto(&st)
		st.Status = paych.StatusClosed
		return st, nil
	default:
		return paych.ChannelState{}, err
	}
}

// SaveClaim verifies a claim from peerID and persists it when valid. The
// read-verify-write sequence is exclusive per channel. Rejections are reported
// in the Result; the error is reserved for ledger and storage failures, which
// leave all state untouched.
func (pm *Manager) SaveClaim(ctx context.Context, peerID string, parties Parties, peerKey []byte, claim *paych.Claim) (res paych.Result, err error) {
	ctx, span := trace.StartSpan(ctx, "Manager.SaveClaim")
	span.AddAttributes(trace.StringAttribute("channel", claim.ChannelID.String()))
	defer tracing.AddErrorEndSpan(span, &err)

	unlock, err := pm.locks.Lock(ctx, claim.ChannelID.String())
	if err != nil {
		return res, err
	}
	defer unlock()

	start := pm.clk.Now()
	ci, err := pm.GetPaymentChannelInfo(claim.ChannelID)
	switch xerrors.Cause(err) {
	case nil:
		if ci.Outgoing || ci.PeerID != peerID {
			return pm.reject(ctx, claim, paych.ReasonChannelIDMismatch, start), nil
		}
	case ErrUnknownChannel:
		ci = nil
	default:
		return res, err
	}

	state, ok := pm.cache.Get(claim.ChannelID)
	if ok && ci != nil {
		// the record is authoritative for claim progress
		ci.mergeInto(&state)
	}
	if !ok {
		state, err = pm.loadState(ctx, claim.ChannelID, ci)
		if xerrors.Cause(err) == ErrChannelNotFound {
			return pm.reject(ctx, claim, paych.ReasonChannelNotOpen, start), nil
		}
		if err != nil {
			return res, err
		}
	}
	if state.Sender != parties.Sender || state.Recipient != parties.Recipient {
		return pm.reject(ctx, claim, paych.ReasonChannelIDMismatch, start), nil
	}
	if len(state.SenderPublicKey) == 0 {
		state.SenderPublicKey = peerKey
	}

	res = pm.verifier.Verify(claim, state, pm.clk.Now())
	if !res.Valid() {
		pm.logRejection(claim, res)
		metrics.RecordClaim(ctx, pm.ledgerID, string(res.Reason), pm.clk.Since(start))
		return res, nil
	}

	next := res.State
	if ci == nil {
		ci = &ChannelInfo{
			ChannelID: claim.ChannelID.String(),
			PeerID:    peerID,
			From:      next.Sender,
			To:        next.Recipient,
			CreatedAt: pm.clk.Now().UnixNano(),
		}
	}
	ci.TotalLocked = next.TotalLocked
	ci.SettleDelay = int64(next.SettleDelay)
	ci.PublicKey = next.SenderPublicKey
	ci.BestClaim = &ClaimInfo{Amount: claim.Amount, Nonce: claim.Nonce, Signature: claim.Signature}
	ci.TotalClaims = next.TotalClaims
	ci.LastClaimAt = next.LastClaimTime.UnixNano()
	if err := pm.saveChannelInfo(ci); err != nil {
		return paych.Result{}, xerrors.Wrapf(err, "failed to persist claim on %s", claim.ChannelID)
	}

	pm.cache.Set(claim.ChannelID, next)
	metrics.RecordClaim(ctx, pm.ledgerID, "", pm.clk.Since(start))
	log.Debugf("claim %d nonce %d on %s verified, delta %d", claim.Amount, claim.Nonce, claim.ChannelID, res.Delta)
	return res, nil
}

func (pm *Manager) reject(ctx context.Context, claim *paych.Claim, reason paych.Reason, start time.Time) paych.Result {
	res := paych.Result{Reason: reason}
	pm.logRejection(claim, res)
	metrics.RecordClaim(ctx, pm.ledgerID, string(reason), pm.clk.Since(start))
	return res
}

func (pm *Manager) logRejection(claim *paych.Claim, res paych.Result) {
	if res.Err != nil {
		log.Warningf("rejected claim on %s (%s): %s: %s", claim.ChannelID, pm.ledgerID, res.Reason, res.Err)
		return
	}
	log.Warningf("rejected claim on %s (%s): %s", claim.ChannelID, pm.ledgerID, res.Reason)
}

// Redeem cashes out the best claim of an incoming channel. The ledger is
// always re-read first; nothing is submitted when the ledger already holds the
// claimed amount. It returns the newly redeemed amount.
func (pm *Manager) Redeem(ctx context.Context, id paych.ChannelID) (redeemed uint64, receipt *Receipt, err error) {
	ctx, span := trace.StartSpan(ctx, "Manager.Redeem")
	span.AddAttributes(trace.StringAttribute("channel", id.String()))
	defer tracing.AddErrorEndSpan(span, &err)

	ci, err := pm.GetPaymentChannelInfo(id)
	if err != nil {
		return 0, nil, err
	}
	if ci.Outgoing {
		return 0, nil, xerrors.Errorf("cannot redeem outgoing channel %s", id)
	}
	if ci.Unredeemed() == 0 {
		return 0, nil, nil
	}
	best := *ci.BestClaim

	onLedger, err := pm.ledger.Channel(ctx, id)
	if err != nil {
		return 0, nil, xerrors.Wrapf(err, "failed to refresh channel %s before redeem", id)
	}
	if onLedger.Status == paych.StatusClosed || onLedger.Status == paych.StatusExpired {
		return 0, nil, xerrors.Errorf("channel %s is %s on ledger", id, onLedger.Status)
	}
	if onLedger.HighestClaim >= best.Amount {
		err = pm.updateChannel(ctx, id, func(ci *ChannelInfo) error {
			if onLedger.HighestClaim > ci.Redeemed {
				ci.Redeemed = onLedger.HighestClaim
			}
			return nil
		})
		pm.cache.Invalidate(id)
		return 0, nil, err
	}

	txID, err := pm.ledger.ClaimChannel(ctx, id, best.Amount, best.Signature, ci.PublicKey)
	if err != nil {
		return 0, nil, err
	}
	err = pm.ledger.Wait(ctx, txID, func(r *Receipt) error {
		receipt = r
		if !r.Success {
			return xerrors.Errorf("channel claim %s failed", r.TxID)
		}
		return pm.updateChannel(ctx, id, func(ci *ChannelInfo) error {
			if best.Amount > ci.Redeemed {
				redeemed = best.Amount - ci.Redeemed
				ci.Redeemed = best.Amount
			}
			return nil
		})
	})
	pm.cache.Invalidate(id)
	if err != nil {
		return 0, receipt, err
	}
	log.Infof("redeemed %d on channel %s (%s)", redeemed, id, pm.ledgerID)
	return redeemed, receipt, nil
}

// MarkStatus moves a recorded channel to status.
func (pm *Manager) MarkStatus(ctx context.Context, id paych.ChannelID, status paych.Status) error {
	err := pm.updateChannel(ctx, id, func(ci *ChannelInfo) error {
		if ci.ChannelStatus() == status {
			return nil
		}
		if !ci.ChannelStatus().CanTransition(status) {
			return xerrors.Errorf("channel %s cannot move from %s to %s", id, ci.ChannelStatus(), status)
		}
		ci.Status = int(status)
		return nil
	})
	pm.cache.Invalidate(id)
	return err
}
