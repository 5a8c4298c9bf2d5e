package paymentchannel

import (
	"context"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	"github.com/libp2p/go-libp2p-crypto"
	xerrors "github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/chancache"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
	"github.com/ilp-connector/go-settle/internal/pkg/wire"
)

// PeeringVersion is the encoding version of PeeringInfo.
const PeeringVersion uint64 = 1

// PeeringInfo identifies a node on a channel ledger: where to open channels
// and which key signs its claims.
type PeeringInfo struct {
	Address   string
	PublicKey []byte
}

// Encode returns the wire form of pi.
func (pi *PeeringInfo) Encode() []byte {
	return wire.NewEncoder().Uint(PeeringVersion).String(pi.Address).Bytes(pi.PublicKey).Finish()
}

// DecodePeeringInfo parses the wire form produced by Encode.
func DecodePeeringInfo(data []byte) (*PeeringInfo, error) {
	d := wire.NewDecoder(data)
	v := d.Uint()
	pi := &PeeringInfo{Address: d.String(), PublicKey: d.Bytes()}
	if err := d.Done(); err != nil {
		return nil, xerrors.Wrap(err, "malformed peering info")
	}
	if v != PeeringVersion {
		return nil, xerrors.Errorf("unsupported peering version %d", v)
	}
	return pi, nil
}

// ActorConfig assembles a channel ledger actor.
type ActorConfig struct {
	Ledger    *config.LedgerConfig
	Host      settlement.Host
	Datastore datastore.Datastore
	Chain     Ledger

	Signer  crypto.PrivKey
	KeyType paych.KeyType
	// Address is this node's account on the ledger.
	Address string
	// ValidateAddress rejects malformed peer addresses during peering.
	ValidateAddress func(string) error
	// NormalizeAddress canonicalizes peer addresses before they are recorded.
	NormalizeAddress func(string) string
	Balance         settlement.BalanceFunc
	Retry           settlement.RetryPolicy
	Clock           clock.Clock
}

// Actor is the settlement actor of a channel ledger. Settlement flows are
// those of the embedded Settler; peering exchanges PeeringInfo.
type Actor struct {
	*Settler

	ledgerID string
	info     PeeringInfo
	validate func(string) error
	norm     func(string) string
	peers    *peerstore.Store
	clk      clock.Clock
}

var _ settlement.Actor = (*Actor)(nil)

// NewActor builds the manager and settler for cfg, observes the starting
// balance and starts the sweep.
func NewActor(ctx context.Context, cfg ActorConfig) (*Actor, error) {
	lc := cfg.Ledger
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	kt, err := paych.KeyTypeOf(cfg.Signer)
	if err != nil {
		return nil, err
	}
	if kt != cfg.KeyType {
		return nil, xerrors.Errorf("ledger %s signs claims with %s keys, key is %s", lc.ID, cfg.KeyType, kt)
	}
	pub, err := paych.PublicKeyBytes(cfg.Signer)
	if err != nil {
		return nil, err
	}

	policy, err := lc.Policy()
	if err != nil {
		return nil, err
	}
	deposit, err := lc.ChannelDeposit()
	if err != nil {
		return nil, err
	}
	timeout, err := lc.Timeout()
	if err != nil {
		return nil, err
	}
	lifetime, err := lc.CacheLifetime()
	if err != nil {
		return nil, err
	}
	if lifetime == 0 {
		lifetime = chancache.DefaultLifetime
	}
	sweep, err := lc.SweepInterval()
	if err != nil {
		return nil, err
	}

	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	peers := peerstore.New(cfg.Datastore, lc.ID)
	manager := NewManager(ctx, cfg.Datastore, cfg.Chain, ManagerOptions{
		LedgerID: lc.ID,
		Currency: lc.Currency,
		Verifier: paych.NewVerifier(lc.Currency, kt),
		Cache:    chancache.New(lifetime, clk),
		Clock:    clk,
		Signer:   cfg.Signer,
	})
	balances := settlement.NewBalanceTracker(lc.ID, cfg.Host)
	if cfg.Balance != nil {
		var bal uint64
		err := cfg.Retry.Do(ctx, func() error {
			var err error
			bal, err = cfg.Balance(ctx)
			return err
		})
		if err != nil {
			return nil, xerrors.Wrapf(err, "failed to read balance of %s", cfg.Address)
		}
		balances.Observe(bal)
	}

	s := NewSettler(ctx, SettlerOptions{
		LedgerID:       lc.ID,
		LocalAddress:   cfg.Address,
		Host:           cfg.Host,
		Peers:          peers,
		Manager:        manager,
		Tracker:        settlement.NewTracker(lc.ID, cfg.Host, timeout),
		Balances:       balances,
		Balance:        cfg.Balance,
		Retry:          cfg.Retry,
		Policy:         policy,
		ChannelDeposit: deposit,
		SweepInterval:  sweep,
		Clock:          clk,
	})
	s.Start()

	validate := cfg.ValidateAddress
	if validate == nil {
		validate = func(string) error { return nil }
	}
	norm := cfg.NormalizeAddress
	if norm == nil {
		norm = func(a string) string { return a }
	}
	return &Actor{
		Settler:  s,
		ledgerID: lc.ID,
		info:     PeeringInfo{Address: cfg.Address, PublicKey: pub},
		validate: validate,
		norm:     norm,
		peers:    peers,
		clk:      clk,
	}, nil
}

// Address returns this node's ledger address.
func (a *Actor) Address() string {
	return a.info.Address
}

// Peers returns the actor's peer store.
func (a *Actor) Peers() *peerstore.Store {
	return a.peers
}

// GetPeeringInfo returns this node's encoded PeeringInfo.
func (a *Actor) GetPeeringInfo(context.Context) ([]byte, error) {
	return a.info.Encode(), nil
}

// CreatePeeringRequest checks the peer's info and answers with our own.
func (a *Actor) CreatePeeringRequest(_ context.Context, peerID string, peeringInfo []byte) ([]byte, error) {
	if len(peeringInfo) > 0 {
		pi, err := DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if err := a.validate(pi.Address); err != nil {
			return nil, xerrors.Wrapf(err, "peer %s", peerID)
		}
	}
	log.Debugf("creating peering request to %s on %s", peerID, a.ledgerID)
	return a.info.Encode(), nil
}

// AcceptPeeringRequest records the requesting peer. Malformed requests are
// rejected, not failed.
func (a *Actor) AcceptPeeringRequest(_ context.Context, peerID string, data []byte) (*settlement.PeeringResponse, bool, error) {
	pi, err := DecodePeeringInfo(data)
	if err != nil {
		log.Warningf("rejecting peering from %s on %s: %s", peerID, a.ledgerID, err)
		return nil, false, nil
	}
	if err := a.validate(pi.Address); err != nil {
		log.Warningf("rejecting peering from %s on %s: %s", peerID, a.ledgerID, err)
		return nil, false, nil
	}
	ps, err := a.record(peerID, pi)
	if err != nil {
		return nil, false, err
	}
	return &settlement.PeeringResponse{Data: a.info.Encode(), PeerState: ps}, true, nil
}

// FinalizePeeringRequest records the peer from its response.
func (a *Actor) FinalizePeeringRequest(_ context.Context, peerID string, peeringInfo, data []byte) (*peerstore.PeerState, error) {
	pi, err := DecodePeeringInfo(data)
	if err != nil {
		return nil, err
	}
	if err := a.validate(pi.Address); err != nil {
		return nil, xerrors.Wrapf(err, "peer %s", peerID)
	}
	if len(peeringInfo) > 0 {
		announced, err := DecodePeeringInfo(peeringInfo)
		if err != nil {
			return nil, err
		}
		if a.norm(announced.Address) != a.norm(pi.Address) {
			return nil, xerrors.Errorf("peer %s answered from %s, announced %s", peerID, pi.Address, announced.Address)
		}
	}
	return a.record(peerID, pi)
}

func (a *Actor) record(peerID string, pi *PeeringInfo) (*peerstore.PeerState, error) {
	ps, err := a.peers.Upsert(&peerstore.PeerState{
		PeerID:        peerID,
		LedgerID:      a.ledgerID,
		PeerAddress:   a.norm(pi.Address),
		LocalAddress:  a.info.Address,
		PeerPublicKey: pi.PublicKey,
	})
	if err != nil {
		return nil, xerrors.Wrapf(err, "failed to record peer %s", peerID)
	}
	log.Infof("peered with %s on %s at %s", peerID, a.ledgerID, pi.Address)
	return ps, nil
}

// ConfirmPolicy is the retry budget used while waiting for a submitted
// transaction to be included.
func ConfirmPolicy(timeout time.Duration) settlement.RetryPolicy {
	rp := settlement.RetryPolicy{InitialInterval: 250 * time.Millisecond, MaxInterval: 2 * time.Second}
	rp.Attempts = int(timeout/rp.MaxInterval) + 4
	return rp
}
