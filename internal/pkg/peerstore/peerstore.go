// Package peerstore persists the per-peer settlement relationship of one ledger.
package peerstore

import (
	"net/url"
	"sync"
	"time"

	"github.com/ipfs/go-datastore"
	"github.com/ipfs/go-datastore/namespace"
	"github.com/ipfs/go-datastore/query"
	cbor "github.com/ipfs/go-ipld-cbor"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"
)

var log = logging.Logger("peerstore")

func init() {
	cbor.RegisterCborType(PeerState{})
}

// StorePrefix is the datastore namespace under which peer records live, one child per ledger.
var StorePrefix = "/peers"

// ErrNotFound is returned when a peer has no record on this ledger.
var ErrNotFound = errors.New("peer not found")

// PeerState is the settlement relationship with one remote peer on one ledger.
type PeerState struct {
	PeerID   string
	LedgerID string

	// PeerAddress is the peer's address on the ledger.
	PeerAddress  string
	LocalAddress string
	// PeerPublicKey verifies claims signed by the peer, when the ledger uses claims.
	PeerPublicKey []byte

	// Channels holds known channel identifiers, hex encoded.
	Channels []string

	// Running totals in the ledger's minor unit.
	TotalIncoming uint64
	TotalOutgoing uint64

	CreatedAt int64
	UpdatedAt int64
}

// HasChannel reports whether id is among the peer's channels.
func (ps *PeerState) HasChannel(id string) bool {
	for _, c := range ps.Channels {
		if c == id {
			return true
		}
	}
	return false
}

// AddChannel records id, ignoring duplicates.
func (ps *PeerState) AddChannel(id string) {
	if !ps.HasChannel(id) {
		ps.Channels = append(ps.Channels, id)
	}
}

// ActiveChannel returns the most recently added channel, or "".
func (ps *PeerState) ActiveChannel() string {
	if len(ps.Channels) == 0 {
		return ""
	}
	return ps.Channels[len(ps.Channels)-1]
}

// Store keeps PeerState records for one ledger in a namespaced datastore.
type Store struct {
	ledgerID string
	ds       datastore.Datastore
	now      func() time.Time

	// mu serializes read-modify-write sequences.
	mu sync.Mutex
}

// New returns the store for ledgerID backed by ds.
func New(ds datastore.Datastore, ledgerID string) *Store {
	prefix := datastore.NewKey(StorePrefix).ChildString(url.PathEscape(ledgerID))
	return &Store{
		ledgerID: ledgerID,
		ds:       namespace.Wrap(ds, prefix),
		now:      time.Now,
	}
}

func peerKey(peerID string) datastore.Key {
	return datastore.NewKey(url.PathEscape(peerID))
}

// Has reports whether peerID has a record.
func (s *Store) Has(peerID string) (bool, error) {
	return s.ds.Has(peerKey(peerID))
}

// Get loads the record of peerID.
func (s *Store) Get(peerID string) (*PeerState, error) {
	data, err := s.ds.Get(peerKey(peerID))
	if err == datastore.ErrNotFound {
		return nil, errors.Wrapf(ErrNotFound, "%s on %s", peerID, s.ledgerID)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "failed to read peer %s", peerID)
	}
	var ps PeerState
	if err := cbor.DecodeInto(data, &ps); err != nil {
		return nil, errors.Wrapf(err, "failed to decode peer %s", peerID)
	}
	return &ps, nil
}

// Put writes ps, stamping its ledger id and timestamps.
func (s *Store) Put(ps *PeerState) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.put(ps)
}

func (s *Store) put(ps *PeerState) error {
	if ps.PeerID == "" {
		return errors.New("peer state without peer id")
	}
	now := s.now().Unix()
	if ps.CreatedAt == 0 {
		ps.CreatedAt = now
	}
	ps.UpdatedAt = now
	ps.LedgerID = s.ledgerID

	data, err := cbor.DumpObject(ps)
	if err != nil {
		return errors.Wrapf(err, "failed to encode peer %s", ps.PeerID)
	}
	if err := s.ds.Put(peerKey(ps.PeerID), data); err != nil {
		return errors.Wrapf(err, "failed to write peer %s", ps.PeerID)
	}
	return nil
}

// Upsert stores the addressing fields of ps. An existing record keeps its
// channels, totals and creation time, so a reconnecting peer resumes.
func (s *Store) Upsert(ps *PeerState) (*PeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	existing, err := s.Get(ps.PeerID)
	switch errors.Cause(err) {
	case nil:
		existing.PeerAddress = ps.PeerAddress
		existing.LocalAddress = ps.LocalAddress
		if len(ps.PeerPublicKey) > 0 {
			existing.PeerPublicKey = ps.PeerPublicKey
		}
		for _, c := range ps.Channels {
			existing.AddChannel(c)
		}
		log.Debugf("resuming peer %s on %s with %d channels", ps.PeerID, s.ledgerID, len(existing.Channels))
	case ErrNotFound:
		existing = ps
	default:
		return nil, err
	}
	if err := s.put(existing); err != nil {
		return nil, err
	}
	return existing, nil
}

// Mutate loads peerID, applies fn and saves the result. Nothing is written if fn
// returns an error.
func (s *Store) Mutate(peerID string, fn func(*PeerState) error) (*PeerState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ps, err := s.Get(peerID)
	if err != nil {
		return nil, err
	}
	if err := fn(ps); err != nil {
		return nil, err
	}
	if err := s.put(ps); err != nil {
		return nil, err
	}
	return ps, nil
}

// List returns every peer record of the ledger.
func (s *Store) List() ([]*PeerState, error) {
	res, err := s.ds.Query(query.Query{})
	if err != nil {
		return nil, errors.Wrap(err, "failed to query peers")
	}
	entries, err := res.Rest()
	if err != nil {
		return nil, errors.Wrap(err, "failed to read peers")
	}
	out := make([]*PeerState, 0, len(entries))
	for _, e := range entries {
		var ps PeerState
		if err := cbor.DecodeInto(e.Value, &ps); err != nil {
			return nil, errors.Wrapf(err, "failed to decode peer at %s", e.Key)
		}
		out = append(out, &ps)
	}
	return out, nil
}
