// Package xrpl settles over payment channels on an account-based ledger with
// ed25519 claim signatures.
package xrpl

import (
	"context"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	logging "github.com/ipfs/go-log"
	"github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

var log = logging.Logger("xrpl")

// Name of the scheme.
const Name = "xrpl-paychan"

// Options are the dependencies of a Scheme.
type Options struct {
	Ledger    *config.LedgerConfig
	Client    Client
	Key       crypto.PrivKey
	Datastore datastore.Datastore
	Clock     clock.Clock
	// Retry overrides the startup retry policy derived from the ledger section.
	Retry *settlement.RetryPolicy
}

// Scheme is the payment channel scheme module.
type Scheme struct {
	opts Options
}

var _ settlement.Scheme = (*Scheme)(nil)

// New returns the scheme for opts.
func New(opts Options) *Scheme {
	return &Scheme{opts: opts}
}

// Name implements settlement.Scheme.
func (s *Scheme) Name() string { return Name }

// SupportedVersions implements settlement.Scheme.
func (s *Scheme) SupportedVersions() []int { return []int{1} }

// Realm implements settlement.Scheme.
func (s *Scheme) Realm() settlement.Realm { return settlement.Realm(s.opts.Ledger.Realm) }

// LedgerID implements settlement.Scheme.
func (s *Scheme) LedgerID() string { return s.opts.Ledger.ID }

// NewActor checks the server is reachable, derives the account from the key
// and builds the channel actor.
func (s *Scheme) NewActor(ctx context.Context, host settlement.Host) (settlement.Actor, error) {
	lc := s.opts.Ledger
	if s.opts.Key == nil {
		return nil, errors.Errorf("ledger %s: no signing key", lc.ID)
	}
	pub, err := paych.PublicKeyBytes(s.opts.Key)
	if err != nil {
		return nil, err
	}
	address := AddressFromPublicKey(pub)

	rp := settlement.DefaultRetryPolicy().WithAttempts(lc.Retries())
	if s.opts.Retry != nil {
		rp = *s.opts.Retry
	}
	err = rp.Do(ctx, func() error {
		_, err := s.opts.Client.ServerInfo(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s unreachable at %s", lc.ID, lc.Endpoint)
	}

	maxFee, err := lc.MaxFee()
	if err != nil {
		return nil, err
	}
	timeout, err := lc.Timeout()
	if err != nil {
		return nil, err
	}
	ledger := &channelLedger{
		client:  s.opts.Client,
		account: address,
		maxFee:  maxFee,
		confirm: paymentchannel.ConfirmPolicy(timeout),
	}
	actor, err := paymentchannel.NewActor(ctx, paymentchannel.ActorConfig{
		Ledger:          lc,
		Host:            host,
		Datastore:       s.opts.Datastore,
		Chain:           ledger,
		Signer:          s.opts.Key,
		KeyType:         paych.Ed25519,
		Address:         address,
		ValidateAddress: ValidateAddress,
		Balance: func(ctx context.Context) (uint64, error) {
			return s.opts.Client.AccountBalance(ctx, address)
		},
		Retry: rp,
		Clock: s.opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("settling %s from %s", lc.ID, address)
	return actor, nil
}
