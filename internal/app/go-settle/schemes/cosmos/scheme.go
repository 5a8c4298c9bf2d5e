// Package cosmos settles with bank transfers on a Cosmos chain. There is no
// channel: every settlement is a transfer tagged with its settlement id.
package cosmos

import (
	"context"

	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/keylock"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

var log = logging.Logger("cosmos")

// Name of the scheme.
const Name = "cosmos-transfer"

// Options are the dependencies of a Scheme.
type Options struct {
	Ledger    *config.LedgerConfig
	Client    Client
	Key       crypto.PrivKey
	Datastore datastore.Datastore
	Retry     *settlement.RetryPolicy
}

// Scheme is the transfer scheme of one chain.
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

// NewActor reaches the node, reads the account and the starting balance.
func (s *Scheme) NewActor(ctx context.Context, host settlement.Host) (settlement.Actor, error) {
	lc := s.opts.Ledger
	if err := lc.Validate(); err != nil {
		return nil, err
	}
	if s.opts.Key == nil {
		return nil, errors.Errorf("ledger %s: no signing key", lc.ID)
	}
	kt, err := paych.KeyTypeOf(s.opts.Key)
	if err != nil {
		return nil, err
	}
	if kt != paych.Secp256k1 {
		return nil, errors.Errorf("ledger %s signs with secp256k1 keys, key is %s", lc.ID, kt)
	}
	pub, err := paych.PublicKeyBytes(s.opts.Key)
	if err != nil {
		return nil, err
	}
	address, err := AddressFromPublicKey(lc.AddressPrefix, pub)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s", lc.ID)
	}

	rp := settlement.DefaultRetryPolicy().WithAttempts(lc.Retries())
	if s.opts.Retry != nil {
		rp = *s.opts.Retry
	}
	var info *NodeInfo
	err = rp.Do(ctx, func() error {
		info, err = s.opts.Client.NodeInfo(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s unreachable at %s", lc.ID, lc.Endpoint)
	}
	err = rp.Do(ctx, func() error {
		_, err := s.opts.Client.Account(ctx, address)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read account %s", address)
	}

	maxFee, err := lc.MaxFee()
	if err != nil {
		return nil, err
	}
	timeout, err := lc.Timeout()
	if err != nil {
		return nil, err
	}
	a := &Actor{
		ledgerID:  lc.ID,
		denom:     lc.Denom,
		chainID:   info.Network,
		address:   address,
		host:      host,
		client:    s.opts.Client,
		key:       s.opts.Key,
		pub:       pub,
		validate:  AddressValidator(lc.AddressPrefix),
		peers:     peerstore.New(s.opts.Datastore, lc.ID),
		transfers: newTransferStore(s.opts.Datastore, lc.ID),
		tracker:   settlement.NewTracker(lc.ID, host, timeout),
		balances:  settlement.NewBalanceTracker(lc.ID, host),
		locks:     keylock.New(),
		retry:     rp,
		confirm:   paymentchannel.ConfirmPolicy(timeout),
		gasLimit:  lc.GasLimit(),
		maxFee:    maxFee,
	}

	var bal uint64
	err = rp.Do(ctx, func() error {
		bal, err = a.balance(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read balance of %s", address)
	}
	a.balances.Observe(bal)

	log.Infof("settling %s (%s at height %d) from %s", lc.ID, info.Network, info.LatestHeight, address)
	return a, nil
}
