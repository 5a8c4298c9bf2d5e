package repo

import (
	"fmt"
	"io"
	"io/ioutil"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	badgerds "github.com/ipfs/go-ds-badger"
	fslock "github.com/ipfs/go-fs-lock"
	keystore "github.com/ipfs/go-ipfs-keystore"
	logging "github.com/ipfs/go-log"
	"github.com/mitchellh/go-homedir"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/config"
)

var log = logging.Logger("repo")

const (
	// DefaultRepoDir is the default directory of the settlement repo.
	DefaultRepoDir = "~/.settlerd"

	configFilename     = "config.json"
	tempConfigFilename = ".config.json.temp"
	lockFile           = "repo.lock"
	versionFilename    = "version"
	keystoreDir        = "keystore"
)

// FSRepo is a repo implementation backed by a filesystem.
type FSRepo struct {
	// Path to the repo root directory.
	path    string
	version uint

	// lk protects the config file
	lk  sync.RWMutex
	cfg *config.Config

	ds       Datastore
	keystore keystore.Keystore

	// lockfile is the file system lock to prevent others from opening the same repo.
	lockfile io.Closer
}

var _ Repo = (*FSRepo)(nil)

// GetRepoPath returns the path of the repo from a potential override string
// or the default location, with the home directory expanded.
func GetRepoPath(override string) (string, error) {
	if override == "" {
		override = DefaultRepoDir
	}
	return homedir.Expand(override)
}

// InitFSRepo initializes a new repo at dir containing cfg. It fails if dir
// already holds a config file.
func InitFSRepo(dir string, cfg *config.Config) error {
	repoPath, err := homedir.Expand(dir)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(repoPath, 0755); err != nil {
		return errors.Wrap(err, "failed to create repo directory")
	}

	cfgPath := filepath.Join(repoPath, configFilename)
	if _, err := os.Stat(cfgPath); err == nil {
		return fmt.Errorf("repo already initialized: %s exists", cfgPath)
	}

	if err := ioutil.WriteFile(filepath.Join(repoPath, versionFilename), []byte(strconv.Itoa(Version)), 0644); err != nil {
		return errors.Wrap(err, "failed to write version file")
	}
	if err := cfg.WriteFile(cfgPath); err != nil {
		return errors.Wrap(err, "failed to write config file")
	}
	return nil
}

// OpenFSRepo opens an already initialized fsrepo at the given path and takes
// its lock.
func OpenFSRepo(dir string) (*FSRepo, error) {
	repoPath, err := homedir.Expand(dir)
	if err != nil {
		return nil, err
	}

	r := &FSRepo{path: repoPath}
	r.lockfile, err = fslock.Lock(r.path, lockFile)
	if err != nil {
		return nil, errors.Wrap(err, "failed to take repo lock")
	}

	if err := r.loadFromDisk(); err != nil {
		_ = r.lockfile.Close() // nolint: errcheck
		return nil, err
	}
	return r, nil
}

func (r *FSRepo) loadFromDisk() error {
	version, err := r.loadVersion()
	if err != nil {
		return errors.Wrap(err, "failed to load version")
	}
	if version != Version {
		return fmt.Errorf("invalid repo version, got %d expected %d", version, Version)
	}
	r.version = version

	if err := r.loadConfig(); err != nil {
		return errors.Wrap(err, "failed to load config file")
	}
	if err := r.openDatastore(); err != nil {
		return errors.Wrap(err, "failed to open datastore")
	}
	if err := r.openKeystore(); err != nil {
		_ = r.ds.Close() // nolint: errcheck
		return errors.Wrap(err, "failed to open keystore")
	}
	return nil
}

func (r *FSRepo) loadVersion() (uint, error) {
	file, err := ioutil.ReadFile(filepath.Join(r.path, versionFilename))
	if err != nil {
		return 0, err
	}
	version, err := strconv.Atoi(strings.Trim(string(file), "\n"))
	if err != nil {
		return 0, errors.New("corrupt version file: version is not an integer")
	}
	return uint(version), nil
}

func (r *FSRepo) loadConfig() error {
	cfg, err := config.ReadFile(filepath.Join(r.path, configFilename))
	if err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

func (r *FSRepo) openDatastore() error {
	dc := r.cfg.Datastore
	switch dc.Type {
	case "badgerds":
		path := dc.Path
		if !filepath.IsAbs(path) {
			path = filepath.Join(r.path, path)
		}
		ds, err := badgerds.NewDatastore(path, &badgerds.DefaultOptions)
		if err != nil {
			return err
		}
		r.ds = ds
	case "memory":
		r.ds = dss.MutexWrap(datastore.NewMapDatastore())
	default:
		return fmt.Errorf("unknown datastore type in config: %s", dc.Type)
	}
	return nil
}

func (r *FSRepo) openKeystore() error {
	ks, err := keystore.NewFSKeystore(filepath.Join(r.path, keystoreDir))
	if err != nil {
		return err
	}
	r.keystore = ks
	return nil
}

// Config returns the configuration object.
func (r *FSRepo) Config() *config.Config {
	r.lk.RLock()
	defer r.lk.RUnlock()
	return r.cfg
}

// ReplaceConfig replaces the current config with the newly passed in one,
// writing it through a temp file so a crash never leaves a partial config.
func (r *FSRepo) ReplaceConfig(cfg *config.Config) error {
	r.lk.Lock()
	defer r.lk.Unlock()

	tmp := filepath.Join(r.path, tempConfigFilename)
	if err := cfg.WriteFile(tmp); err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(r.path, configFilename)); err != nil {
		return err
	}
	r.cfg = cfg
	return nil
}

// Datastore returns the datastore.
func (r *FSRepo) Datastore() Datastore {
	return r.ds
}

// Keystore returns the keystore.
func (r *FSRepo) Keystore() keystore.Keystore {
	return r.keystore
}

// Path returns the path the fsrepo is at.
func (r *FSRepo) Path() (string, error) {
	return r.path, nil
}

// Version returns the version of the repo.
func (r *FSRepo) Version() uint {
	return r.version
}

// Close closes the repo.
func (r *FSRepo) Close() error {
	if err := r.ds.Close(); err != nil {
		return errors.Wrap(err, "failed to close datastore")
	}
	if err := r.lockfile.Close(); err != nil {
		return errors.Wrap(err, "failed to close lockfile")
	}
	log.Debugf("closed repo at %s", r.path)
	return nil
}
