package paymentchannel

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/jbenet/goprocess"
	periodicproc "github.com/jbenet/goprocess/periodic"
	xerrors "github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
	"github.com/ilp-connector/go-settle/internal/pkg/strategy"
)

// SettlerOptions configures a Settler.
type SettlerOptions struct {
	LedgerID     string
	LocalAddress string

	Host     settlement.Host
	Peers    *peerstore.Store
	Manager  *Manager
	Tracker  *settlement.Tracker
	Balances *settlement.BalanceTracker
	// Balance reads the node's account balance on the ledger.
	Balance settlement.BalanceFunc
	Retry   settlement.RetryPolicy

	Policy strategy.Policy
	// ChannelDeposit is the minimum amount locked by an open or top-up.
	ChannelDeposit uint64
	// SweepInterval of zero disables the background sweep.
	SweepInterval time.Duration
	Clock         clock.Clock
}

// Settler runs the settlement flows shared by every channel ledger: claims
// as outgoing settlements, claim verification for incoming ones, and on-chain
// redemption when the strategy says so.
type Settler struct {
	SettlerOptions

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	redeeming map[paych.ChannelID]bool
	wg        sync.WaitGroup
	busy      int32
	proc      goprocess.Process
}

// NewSettler returns a settler. Call Start to begin sweeping.
func NewSettler(ctx context.Context, opts SettlerOptions) *Settler {
	if opts.Clock == nil {
		opts.Clock = clock.New()
	}
	ctx, cancel := context.WithCancel(ctx)
	return &Settler{
		SettlerOptions: opts,
		ctx:            ctx,
		cancel:         cancel,
		redeeming:      make(map[paych.ChannelID]bool),
	}
}

// Start launches the periodic sweep.
func (s *Settler) Start() {
	if s.SweepInterval <= 0 {
		return
	}
	s.proc = periodicproc.Every(s.SweepInterval, func(goprocess.Process) {
		s.Sweep(s.ctx)
	})
}

// Close stops the sweep and waits for in-flight redemptions.
func (s *Settler) Close() error {
	var err error
	if s.proc != nil {
		err = s.proc.Close()
	}
	s.wg.Wait()
	s.cancel()
	return err
}

// WaitRedemptions blocks until no redemption is in flight.
func (s *Settler) WaitRedemptions() {
	s.wg.Wait()
}

func (s *Settler) peer(peerID string) (*peerstore.PeerState, error) {
	ps, err := s.Peers.Get(peerID)
	if xerrors.Cause(err) == peerstore.ErrNotFound {
		return nil, paych.Reject(paych.ReasonPeerNotFound, err)
	}
	return ps, err
}

// PrepareSettlement reserves an outgoing settlement of amount to peerID.
// Nothing is signed before Execute. With an open channel that covers amount,
// Execute issues the claim and it becomes the settlement data. Otherwise the
// channel is opened or topped up on-chain and the claim is sent as a message.
func (s *Settler) PrepareSettlement(ctx context.Context, peerID string, amount uint64, _ *peerstore.PeerState) (*settlement.PreparedSettlement, error) {
	if amount == 0 {
		return nil, xerrors.New("cannot settle zero")
	}
	ps, err := s.peer(peerID)
	if err != nil {
		return nil, err
	}
	ch, err := s.Manager.OutgoingChannel(peerID)
	if err != nil {
		return nil, err
	}

	if ch != nil && ch.Remaining() >= amount {
		id := ch.ID()
		return s.Tracker.PrepareDeferred(peerID, amount, func(ctx context.Context, _ string) (settlement.Outcome, error) {
			return s.issueClaim(ctx, peerID, id, amount)
		}), nil
	}

	return s.Tracker.Prepare(peerID, amount, nil, func(ctx context.Context, _ string) error {
		return s.settleOnChain(ctx, ps, amount)
	}), nil
}

// issueClaim signs the claim of a settlement covered by an open channel. The
// claim is reverted unless the settlement takes it.
func (s *Settler) issueClaim(ctx context.Context, peerID string, id paych.ChannelID, amount uint64) (settlement.Outcome, error) {
	claim, err := s.Manager.CreateClaim(ctx, id, amount)
	if err != nil {
		return settlement.Outcome{}, err
	}
	undo := func() {
		s.revert(claim, amount)
		if _, err := s.Peers.Mutate(peerID, func(p *peerstore.PeerState) error {
			if p.TotalOutgoing >= amount {
				p.TotalOutgoing -= amount
			}
			return nil
		}); err != nil {
			log.Errorf("failed to correct outgoing total of %s: %s", peerID, err)
		}
	}

	data, err := paych.EncodeClaim(claim)
	if err == nil {
		err = s.recordOutgoing(peerID, amount)
		if err == nil {
			return settlement.Outcome{SchemeData: data, Undo: undo}, nil
		}
	}
	s.revert(claim, amount)
	return settlement.Outcome{}, err
}

func (s *Settler) revert(claim *paych.Claim, amount uint64) {
	if err := s.Manager.RevertClaim(context.Background(), claim, amount); err != nil {
		log.Errorf("failed to revert claim %d on %s: %s", claim.Nonce, claim.ChannelID, err)
	}
}

func (s *Settler) settleOnChain(ctx context.Context, ps *peerstore.PeerState, amount uint64) error {
	atomic.AddInt32(&s.busy, 1)
	defer atomic.AddInt32(&s.busy, -1)

	ch, err := s.Manager.OutgoingChannel(ps.PeerID)
	if err != nil {
		return err
	}

	var id paych.ChannelID
	switch {
	case ch == nil:
		deposit := maxUint(s.ChannelDeposit, amount)
		var receipt *Receipt
		id, receipt, err = s.Manager.CreatePaymentChannel(ctx, ps.PeerID, OpenParams{
			From:        s.LocalAddress,
			To:          ps.PeerAddress,
			Amount:      deposit,
			SettleDelay: s.Policy.DefaultSettleDelay,
		})
		s.spend(deposit, receipt)
		if err != nil {
			return xerrors.Wrap(err, "failed to open channel")
		}
		if _, err := s.Peers.Mutate(ps.PeerID, func(p *peerstore.PeerState) error {
			p.AddChannel(id.String())
			return nil
		}); err != nil {
			return err
		}
	case ch.Remaining() < amount:
		id = ch.ID()
		topUp := maxUint(s.ChannelDeposit, amount-ch.Remaining())
		receipt, err := s.Manager.AddFunds(ctx, id, topUp)
		s.spend(topUp, receipt)
		if err != nil {
			return xerrors.Wrap(err, "failed to fund channel")
		}
	default:
		id = ch.ID()
	}

	claim, err := s.Manager.CreateClaim(ctx, id, amount)
	if err != nil {
		return err
	}
	msg, err := EncodeClaimMessage(claim)
	if err != nil {
		s.revert(claim, amount)
		return err
	}
	if err := ctx.Err(); err != nil {
		s.revert(claim, amount)
		return err
	}
	if err := s.Host.SendMessage(ctx, ps.PeerID, msg); err != nil {
		s.revert(claim, amount)
		return xerrors.Wrapf(err, "failed to deliver claim to %s", ps.PeerID)
	}
	return s.recordOutgoing(ps.PeerID, amount)
}

func (s *Settler) spend(amount uint64, r *Receipt) {
	if r == nil || s.Balances == nil {
		return
	}
	if r.Success {
		s.Balances.Spend(amount + r.Fee)
		return
	}
	s.Balances.Spend(r.Fee)
}

func (s *Settler) recordOutgoing(peerID string, amount uint64) error {
	_, err := s.Peers.Mutate(peerID, func(p *peerstore.PeerState) error {
		p.TotalOutgoing += amount
		return nil
	})
	return err
}

// HandleSettlement verifies the claim carried in data.
func (s *Settler) HandleSettlement(ctx context.Context, peerID string, amount uint64, data []byte, _ *peerstore.PeerState) error {
	claim, err := paych.DecodeClaim(data)
	if err != nil {
		return err
	}
	return s.HandleClaim(ctx, peerID, amount, claim)
}

// HandleMessage accepts claims delivered as messages.
func (s *Settler) HandleMessage(ctx context.Context, peerID string, msg []byte) error {
	typ, payload, err := DecodeMessage(msg)
	if err != nil {
		return err
	}
	if typ != MsgClaim {
		return xerrors.Wrapf(ErrUnknownMessage, "%d", typ)
	}
	claim, err := paych.DecodeClaim(payload)
	if err != nil {
		return err
	}
	return s.HandleClaim(ctx, peerID, 0, claim)
}

// HandleClaim verifies a claim from peerID, reports the newly confirmed value
// and schedules a redemption when the strategy calls for one. expected is the
// amount the host believes was settled; zero when unknown.
func (s *Settler) HandleClaim(ctx context.Context, peerID string, expected uint64, claim *paych.Claim) error {
	ps, err := s.peer(peerID)
	if err != nil {
		return err
	}

	res, err := s.Manager.SaveClaim(ctx, peerID, Parties{Sender: ps.PeerAddress, Recipient: ps.LocalAddress}, ps.PeerPublicKey, claim)
	if err != nil {
		return err
	}
	if !res.Valid() {
		return res.AsError()
	}
	if expected != 0 && expected != res.Delta {
		log.Warningf("claim from %s on %s confirms %d, host expected %d", peerID, s.LedgerID, res.Delta, expected)
	}

	if res.Delta > 0 {
		s.Host.ReportIncomingSettlement(s.LedgerID, peerID, res.Delta)
		metrics.RecordIncoming(ctx, s.LedgerID, res.Delta)
	}
	if _, err := s.Peers.Mutate(peerID, func(p *peerstore.PeerState) error {
		p.AddChannel(claim.ChannelID.String())
		p.TotalIncoming += res.Delta
		return nil
	}); err != nil {
		log.Errorf("failed to update totals of %s on %s: %s", peerID, s.LedgerID, err)
	}

	s.evaluate(ctx, claim.ChannelID, res.State)
	return nil
}

func (s *Settler) evaluate(ctx context.Context, id paych.ChannelID, state paych.ChannelState) {
	ci, err := s.Manager.GetPaymentChannelInfo(id)
	if err != nil {
		log.Errorf("failed to read channel %s: %s", id, err)
		return
	}
	if ci.Unredeemed() == 0 {
		return
	}
	if d := strategy.Evaluate(state, s.Policy, s.Clock.Now()); d.Settle {
		log.Infof("settling channel %s on %s: %s", id, s.LedgerID, d.Reason)
		s.scheduleRedeem(id)
	}
}

func (s *Settler) scheduleRedeem(id paych.ChannelID) {
	s.mu.Lock()
	if s.redeeming[id] {
		s.mu.Unlock()
		return
	}
	s.redeeming[id] = true
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.redeeming, id)
			s.mu.Unlock()
		}()
		atomic.AddInt32(&s.busy, 1)
		defer atomic.AddInt32(&s.busy, -1)

		redeemed, receipt, err := s.Manager.Redeem(s.ctx, id)
		if receipt != nil && s.Balances != nil {
			s.Balances.Spend(receipt.Fee)
		}
		if err != nil {
			log.Errorf("failed to redeem channel %s on %s: %s", id, s.LedgerID, err)
			return
		}
		if redeemed > 0 && s.Balances != nil {
			s.Balances.Credit(redeemed)
		}
	}()
}

// Sweep re-evaluates every incoming channel holding an unredeemed claim, so
// time and expiration triggers fire without new claims, then reconciles the
// account balance.
func (s *Settler) Sweep(ctx context.Context) {
	chans, err := s.Manager.ListChannels()
	if err != nil {
		log.Errorf("sweep of %s failed: %s", s.LedgerID, err)
		return
	}
	for _, ci := range chans {
		if ci.Outgoing || ci.Unredeemed() == 0 {
			continue
		}
		if st := ci.ChannelStatus(); st == paych.StatusClosed || st == paych.StatusExpired {
			continue
		}
		id := ci.ID()
		state, err := s.Manager.ChannelState(ctx, id)
		if err != nil {
			log.Warningf("failed to read channel %s on %s: %s", id, s.LedgerID, err)
			continue
		}
		switch state.Status {
		case paych.StatusClosing:
			if ci.ChannelStatus() == paych.StatusOpen {
				if err := s.Manager.MarkStatus(ctx, id, paych.StatusClosing); err != nil {
					log.Errorf("failed to mark %s closing: %s", id, err)
				}
			}
			log.Infof("channel %s on %s is closing, redeeming", id, s.LedgerID)
			s.scheduleRedeem(id)
		case paych.StatusClosed, paych.StatusExpired:
			log.Warningf("channel %s on %s ended with %d unredeemed", id, s.LedgerID, ci.Unredeemed())
		default:
			if d := strategy.Evaluate(state, s.Policy, s.Clock.Now()); d.Settle {
				log.Infof("settling channel %s on %s: %s", id, s.LedgerID, d.Reason)
				s.scheduleRedeem(id)
			}
		}
	}
	s.reconcile(ctx)
}

func (s *Settler) reconcile(ctx context.Context) {
	if s.Balance == nil || s.Balances == nil || atomic.LoadInt32(&s.busy) > 0 {
		return
	}
	bal, err := s.Balance(ctx)
	if err != nil {
		log.Warningf("failed to read balance on %s: %s", s.LedgerID, err)
		return
	}
	s.Balances.Observe(bal)
}

// GetBalance reads the account balance.
func (s *Settler) GetBalance(ctx context.Context) (uint64, error) {
	if s.Balance == nil {
		return 0, nil
	}
	return s.Balance(ctx)
}

// HandleDeposit waits for an operator deposit to show on the ledger and reports it.
func (s *Settler) HandleDeposit(ctx context.Context, amount uint64) error {
	if s.Balances == nil || s.Balance == nil {
		return xerrors.New("deposits not supported")
	}
	return s.Balances.Deposit(ctx, s.Retry, s.Balance, amount)
}

func maxUint(a, b uint64) uint64 {
	if a > b {
		return a
	}
	return b
}
