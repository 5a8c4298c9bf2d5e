package submodule

import (
	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	keystore "github.com/ipfs/go-ipfs-keystore"
	logging "github.com/ipfs/go-log"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/cosmos"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/evm"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/lightning"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/xrpl"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

var log = logging.Logger("submodule")

// ErrNoClient is returned for a ledger section without a client in the client set.
var ErrNoClient = errors.New("no ledger client")

// Clients are the ledger clients supplied by the embedding connector, keyed by
// ledger id.
type Clients struct {
	XRPL      map[string]xrpl.Client
	EVM       map[string]evm.Client
	Cosmos    map[string]cosmos.Client
	Lightning map[string]lightning.Client
}

// SettlementSubmodule enhances the node with a settlement scheme per
// configured ledger.
type SettlementSubmodule struct {
	Registry *settlement.Registry
}

// NewSettlementSubmodule builds the scheme of every ledger section. Sections
// that can not be served (invalid, missing key or client) are registered as
// failed schemes, so they come up unavailable instead of failing the node.
func NewSettlementSubmodule(cfg *config.Config, clients Clients, ks keystore.Keystore, ds datastore.Datastore, clk clock.Clock) (SettlementSubmodule, error) {
	if clk == nil {
		clk = clock.New()
	}
	registry := settlement.NewRegistry()
	for _, lc := range cfg.Ledgers {
		s, err := buildScheme(lc, clients, ks, ds, clk)
		if err != nil {
			log.Warningf("ledger %s can not settle: %s", lc.ID, err)
			s = settlement.FailedScheme(lc.ID, schemeName(lc.Kind), settlement.Realm(lc.Realm), err)
		}
		if err := registry.Register(s); err != nil {
			return SettlementSubmodule{}, err
		}
	}
	return SettlementSubmodule{Registry: registry}, nil
}

func schemeName(kind string) string {
	switch kind {
	case config.KindXRPL:
		return xrpl.Name
	case config.KindEVM:
		return evm.Name
	case config.KindCosmos:
		return cosmos.Name
	case config.KindLightning:
		return lightning.Name
	}
	return kind
}

func buildScheme(lc *config.LedgerConfig, clients Clients, ks keystore.Keystore, ds datastore.Datastore, clk clock.Clock) (settlement.Scheme, error) {
	if err := lc.Validate(); err != nil {
		return nil, err
	}

	switch lc.Kind {
	case config.KindXRPL:
		client, ok := clients.XRPL[lc.ID]
		if !ok {
			return nil, errors.Wrapf(ErrNoClient, "ledger %s", lc.ID)
		}
		key, err := loadKey(ks, lc)
		if err != nil {
			return nil, err
		}
		return xrpl.New(xrpl.Options{Ledger: lc, Client: client, Key: key, Datastore: ds, Clock: clk}), nil
	case config.KindEVM:
		client, ok := clients.EVM[lc.ID]
		if !ok {
			return nil, errors.Wrapf(ErrNoClient, "ledger %s", lc.ID)
		}
		key, err := loadKey(ks, lc)
		if err != nil {
			return nil, err
		}
		return evm.New(evm.Options{Ledger: lc, Client: client, Key: key, Datastore: ds, Clock: clk}), nil
	case config.KindCosmos:
		client, ok := clients.Cosmos[lc.ID]
		if !ok {
			return nil, errors.Wrapf(ErrNoClient, "ledger %s", lc.ID)
		}
		key, err := loadKey(ks, lc)
		if err != nil {
			return nil, err
		}
		return cosmos.New(cosmos.Options{Ledger: lc, Client: client, Key: key, Datastore: ds}), nil
	case config.KindLightning:
		client, ok := clients.Lightning[lc.ID]
		if !ok {
			return nil, errors.Wrapf(ErrNoClient, "ledger %s", lc.ID)
		}
		return lightning.New(lightning.Options{Ledger: lc, Client: client, Datastore: ds, Clock: clk}), nil
	}
	return nil, errors.Errorf("ledger %s: unknown kind %q", lc.ID, lc.Kind)
}

func loadKey(ks keystore.Keystore, lc *config.LedgerConfig) (crypto.PrivKey, error) {
	key, err := ks.Get(lc.KeyName)
	if err != nil {
		return nil, errors.Wrapf(err, "ledger %s: failed to load key %s", lc.ID, lc.KeyName)
	}
	return key, nil
}
