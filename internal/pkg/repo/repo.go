// Package repo holds the persistent artifacts of a settlement node: its
// configuration, signing keys and datastore.
package repo

import (
	"github.com/ipfs/go-datastore"
	keystore "github.com/ipfs/go-ipfs-keystore"

	"github.com/ilp-connector/go-settle/internal/pkg/config"
)

// Version is the current repo version.
const Version = 1

// Datastore is the datastore interface provided by the repo.
type Datastore interface {
	datastore.Batching
}

// Repo is a representation of all persistent data in a settlement node.
type Repo interface {
	Config() *config.Config
	// ReplaceConfig replaces the current config with the newConfig and
	// persists it.
	ReplaceConfig(cfg *config.Config) error

	// Datastore is a general storage solution for peer, channel and
	// settlement records.
	Datastore() Datastore

	// Keystore holds the ledger signing keys.
	Keystore() keystore.Keystore

	// Path returns the repo path.
	Path() (string, error)

	// Close shuts down the repo.
	Close() error
}
