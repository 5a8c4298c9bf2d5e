// Package lightning settles over a Lightning node: the payer asks the payee
// for an invoice per settlement, pays it and hands over the preimage.
package lightning

import (
	"context"
	"encoding/hex"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/cskr/pubsub"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/keylock"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

var log = logging.Logger("lightning")

// Name of the scheme.
const Name = "lightning-invoice"

// minInvoiceExpiry bounds invoice lifetimes from below.
const minInvoiceExpiry = time.Minute

// Options are the dependencies of a Scheme. The node holds its own keys.
type Options struct {
	Ledger    *config.LedgerConfig
	Client    Client
	Datastore datastore.Datastore
	Clock     clock.Clock
	Retry     *settlement.RetryPolicy
}

// Scheme is the invoice scheme of one node.
type Scheme struct {
	opts Options
}

var _ settlement.Scheme = (*Scheme)(nil)

// New returns the scheme for opts.
func New(opts Options) *Scheme {
	return &Scheme{opts: opts}
}

func (s *Scheme) Name() string             { return Name }
func (s *Scheme) SupportedVersions() []int { return []int{1} }
func (s *Scheme) Realm() settlement.Realm  { return settlement.Realm(s.opts.Ledger.Realm) }
func (s *Scheme) LedgerID() string         { return s.opts.Ledger.ID }

// NewActor reaches the node and reads its identity and starting balance.
func (s *Scheme) NewActor(ctx context.Context, host settlement.Host) (settlement.Actor, error) {
	lc := s.opts.Ledger
	if err := lc.Validate(); err != nil {
		return nil, err
	}

	rp := settlement.DefaultRetryPolicy().WithAttempts(lc.Retries())
	if s.opts.Retry != nil {
		rp = *s.opts.Retry
	}
	var info *NodeInfo
	err := rp.Do(ctx, func() error {
		var err error
		info, err = s.opts.Client.GetInfo(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s unreachable at %s", lc.ID, lc.Endpoint)
	}
	if err := ValidateNodeKey(info.PubKey); err != nil {
		return nil, errors.Wrapf(err, "ledger %s", lc.ID)
	}
	if !info.Synced {
		log.Warningf("node %s behind %s is not synced", info.PubKey, lc.Endpoint)
	}
	raw, _ := hex.DecodeString(info.PubKey) // nolint: errcheck

	maxFee, err := lc.MaxFee()
	if err != nil {
		return nil, err
	}
	timeout, err := lc.Timeout()
	if err != nil {
		return nil, err
	}
	expiry := 2 * timeout
	if expiry < minInvoiceExpiry {
		expiry = minInvoiceExpiry
	}
	clk := s.opts.Clock
	if clk == nil {
		clk = clock.New()
	}

	a := &Actor{
		ledgerID: lc.ID,
		pubKey:   info.PubKey,
		raw:      raw,
		host:     host,
		client:   s.opts.Client,
		peers:    peerstore.New(s.opts.Datastore, lc.ID),
		invoices: newInvoiceStore(s.opts.Datastore, lc.ID),
		tracker:  settlement.NewTracker(lc.ID, host, timeout),
		balances: settlement.NewBalanceTracker(lc.ID, host),
		locks:    keylock.New(),
		retry:    rp,
		maxFee:   maxFee,
		expiry:   expiry,
		clk:      clk,
		events:   pubsub.New(1),
		waiting:  make(map[string]string),
	}

	var bal uint64
	err = rp.Do(ctx, func() error {
		var err error
		bal, err = a.balance(ctx)
		return err
	})
	if err != nil {
		a.events.Shutdown()
		return nil, errors.Wrap(err, "failed to read channel balance")
	}
	a.balances.Observe(bal)

	log.Infof("settling %s through node %s (%s)", lc.ID, info.PubKey, info.Alias)
	return a, nil
}
