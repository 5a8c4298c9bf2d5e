package repo

import (
	"sync"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	keystore "github.com/ipfs/go-ipfs-keystore"

	"github.com/ilp-connector/go-settle/internal/pkg/config"
)

// MemRepo is an in memory implementation of the Repo interface.
type MemRepo struct {
	lk sync.RWMutex

	C  *config.Config
	D  Datastore
	Ks keystore.Keystore
}

var _ Repo = (*MemRepo)(nil)

// NewInMemoryRepo makes a new instance of MemRepo with the default config.
func NewInMemoryRepo() *MemRepo {
	return NewInMemoryRepoWithConfig(config.NewDefaultConfig())
}

// NewInMemoryRepoWithConfig makes a new instance of MemRepo holding cfg.
func NewInMemoryRepoWithConfig(cfg *config.Config) *MemRepo {
	return &MemRepo{
		C:  cfg,
		D:  dss.MutexWrap(datastore.NewMapDatastore()),
		Ks: keystore.NewMemKeystore(),
	}
}

// Config returns the configuration object.
func (mr *MemRepo) Config() *config.Config {
	mr.lk.RLock()
	defer mr.lk.RUnlock()
	return mr.C
}

// ReplaceConfig replaces the current config with the newly passed in one.
func (mr *MemRepo) ReplaceConfig(cfg *config.Config) error {
	mr.lk.Lock()
	defer mr.lk.Unlock()
	mr.C = cfg
	return nil
}

// Datastore returns the datastore.
func (mr *MemRepo) Datastore() Datastore {
	return mr.D
}

// Keystore returns the keystore.
func (mr *MemRepo) Keystore() keystore.Keystore {
	return mr.Ks
}

// Path returns the default path of a memory repo.
func (mr *MemRepo) Path() (string, error) {
	return "", nil
}

// Close is a noop.
func (mr *MemRepo) Close() error {
	return nil
}
