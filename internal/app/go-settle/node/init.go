package node

import (
	"context"

	keystore "github.com/ipfs/go-ipfs-keystore"
	crypto "github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/cosmos"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/evm"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/xrpl"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/repo"
)

// InitCfg contains configuration for initializing a node.
type InitCfg struct {
	// Keys are stored instead of generated ones, by keystore name.
	Keys map[string]crypto.PrivKey
}

// InitOpt is an init option function.
type InitOpt func(*InitCfg)

// ImportKey stores key under name instead of generating one.
func ImportKey(name string, key crypto.PrivKey) InitOpt {
	return func(c *InitCfg) {
		c.Keys[name] = key
	}
}

func keyTypeFor(kind string) (int, bool) {
	switch kind {
	case config.KindXRPL:
		return crypto.Ed25519, true
	case config.KindEVM, config.KindCosmos:
		return crypto.Secp256k1, true
	}
	return 0, false
}

// Init creates the signing key of every ledger section in the repo keystore.
// Keys already present are kept.
func Init(ctx context.Context, r repo.Repo, opts ...InitOpt) error {
	cfg := &InitCfg{Keys: make(map[string]crypto.PrivKey)}
	for _, o := range opts {
		o(cfg)
	}

	ks := r.Keystore()
	wanted := make(map[string]int)
	for _, lc := range r.Config().Ledgers {
		kt, ok := keyTypeFor(lc.Kind)
		if !ok || lc.KeyName == "" {
			continue
		}
		if prev, seen := wanted[lc.KeyName]; seen && prev != kt {
			return errors.Errorf("key %s is shared by ledgers of different key types", lc.KeyName)
		}
		wanted[lc.KeyName] = kt
	}

	for name, kt := range wanted {
		has, err := ks.Has(name)
		if err != nil {
			return errors.Wrapf(err, "failed to read key %s", name)
		}
		if has {
			continue
		}
		key, ok := cfg.Keys[name]
		if !ok {
			key, _, err = crypto.GenerateKeyPair(kt, 256)
			if err != nil {
				return errors.Wrapf(err, "failed to create key %s", name)
			}
		}
		if err := ks.Put(name, key); err != nil {
			return errors.Wrapf(err, "failed to store key %s", name)
		}
		log.Infof("created key %s", name)
	}
	return nil
}

// LedgerAddress is the address a ledger section settles from.
type LedgerAddress struct {
	Ledger  string
	Kind    string
	KeyName string
	Address string
}

// Addresses derives the address of every keyed ledger section in r.
func Addresses(r repo.Repo) ([]LedgerAddress, error) {
	var out []LedgerAddress
	for _, lc := range r.Config().Ledgers {
		if _, ok := keyTypeFor(lc.Kind); !ok || lc.KeyName == "" {
			continue
		}
		addr, err := deriveAddress(r.Keystore(), lc)
		if err != nil {
			return nil, err
		}
		out = append(out, LedgerAddress{Ledger: lc.ID, Kind: lc.Kind, KeyName: lc.KeyName, Address: addr})
	}
	return out, nil
}

func deriveAddress(ks keystore.Keystore, lc *config.LedgerConfig) (string, error) {
	key, err := ks.Get(lc.KeyName)
	if err != nil {
		return "", errors.Wrapf(err, "ledger %s: failed to load key %s", lc.ID, lc.KeyName)
	}
	pub, err := paych.PublicKeyBytes(key)
	if err != nil {
		return "", err
	}
	switch lc.Kind {
	case config.KindXRPL:
		return xrpl.AddressFromPublicKey(pub), nil
	case config.KindEVM:
		return evm.AddressFromPublicKey(pub)
	default:
		return cosmos.AddressFromPublicKey(lc.AddressPrefix, pub)
	}
}
