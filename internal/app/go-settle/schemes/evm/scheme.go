// Package evm settles over a payment channel contract on an EVM chain. Claims
// are signed with secp256k1 keys. One scheme is built per configured chain.
package evm

import (
	"context"
	"strings"

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

var log = logging.Logger("evm")

// Name of the scheme.
const Name = "evm-paychan"

// ErrChainMismatch is returned when the node serves a different chain than configured.
var ErrChainMismatch = errors.New("chain id mismatch")

// Options are the dependencies of a Scheme.
type Options struct {
	Ledger    *config.LedgerConfig
	Client    Client
	Key       crypto.PrivKey
	Datastore datastore.Datastore
	Clock     clock.Clock
	Retry     *settlement.RetryPolicy
}

// Scheme is the channel contract scheme of one chain.
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

// NewActor checks the chain id served by the endpoint and builds the channel actor.
func (s *Scheme) NewActor(ctx context.Context, host settlement.Host) (settlement.Actor, error) {
	lc := s.opts.Ledger
	if s.opts.Key == nil {
		return nil, errors.Errorf("ledger %s: no signing key", lc.ID)
	}
	if err := ValidateAddress(lc.ContractAddress); err != nil {
		return nil, errors.Wrapf(err, "ledger %s: contract", lc.ID)
	}
	pub, err := paych.PublicKeyBytes(s.opts.Key)
	if err != nil {
		return nil, err
	}
	address, err := AddressFromPublicKey(pub)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s", lc.ID)
	}

	rp := settlement.DefaultRetryPolicy().WithAttempts(lc.Retries())
	if s.opts.Retry != nil {
		rp = *s.opts.Retry
	}
	var chainID uint64
	err = rp.Do(ctx, func() error {
		chainID, err = s.opts.Client.ChainID(ctx)
		return err
	})
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s unreachable at %s", lc.ID, lc.Endpoint)
	}
	if chainID != lc.ChainID {
		return nil, errors.Wrapf(ErrChainMismatch, "ledger %s: endpoint serves %d, configured %d", lc.ID, chainID, lc.ChainID)
	}

	maxFee, err := lc.MaxFee()
	if err != nil {
		return nil, err
	}
	timeout, err := lc.Timeout()
	if err != nil {
		return nil, err
	}
	ledger := &contractLedger{
		client:   s.opts.Client,
		account:  address,
		contract: strings.ToLower(lc.ContractAddress),
		gasLimit: lc.GasLimit(),
		maxFee:   maxFee,
		confirm:  paymentchannel.ConfirmPolicy(timeout),
	}
	actor, err := paymentchannel.NewActor(ctx, paymentchannel.ActorConfig{
		Ledger:           lc,
		Host:             host,
		Datastore:        s.opts.Datastore,
		Chain:            ledger,
		Signer:           s.opts.Key,
		KeyType:          paych.Secp256k1,
		Address:          address,
		ValidateAddress:  ValidateAddress,
		NormalizeAddress: strings.ToLower,
		Balance: func(ctx context.Context) (uint64, error) {
			return s.opts.Client.BalanceAt(ctx, address)
		},
		Retry: rp,
		Clock: s.opts.Clock,
	})
	if err != nil {
		return nil, err
	}
	log.Infof("settling %s (chain %d) from %s", lc.ID, chainID, address)
	return actor, nil
}
