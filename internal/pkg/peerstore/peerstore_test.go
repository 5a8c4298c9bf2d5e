package peerstore

import (
	"testing"

	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newStore(ledgerID string) (*Store, datastore.Batching) {
	ds := dss.MutexWrap(datastore.NewMapDatastore())
	return New(ds, ledgerID), ds
}

func TestPutGet(t *testing.T) {
	s, _ := newStore("xrpl")

	has, err := s.Has("g.alice")
	require.NoError(t, err)
	assert.False(t, has)

	_, err = s.Get("g.alice")
	assert.Equal(t, ErrNotFound, errors.Cause(err))

	ps := &PeerState{PeerID: "g.alice", PeerAddress: "rAlice", LocalAddress: "rBob", PeerPublicKey: []byte{0xed, 1}}
	require.NoError(t, s.Put(ps))

	got, err := s.Get("g.alice")
	require.NoError(t, err)
	assert.Equal(t, "xrpl", got.LedgerID)
	assert.Equal(t, "rAlice", got.PeerAddress)
	assert.Equal(t, "rBob", got.LocalAddress)
	assert.Equal(t, []byte{0xed, 1}, got.PeerPublicKey)
	assert.NotZero(t, got.CreatedAt)

	assert.Error(t, s.Put(&PeerState{}))
}

func TestUpsertKeepsProgress(t *testing.T) {
	s, _ := newStore("evm")

	first, err := s.Upsert(&PeerState{PeerID: "g.alice", PeerAddress: "0xa"})
	require.NoError(t, err)
	created := first.CreatedAt

	_, err = s.Mutate("g.alice", func(ps *PeerState) error {
		ps.AddChannel("c1")
		ps.TotalIncoming += 50
		return nil
	})
	require.NoError(t, err)

	again, err := s.Upsert(&PeerState{PeerID: "g.alice", PeerAddress: "0xb"})
	require.NoError(t, err)
	assert.Equal(t, "0xb", again.PeerAddress)
	assert.Equal(t, []string{"c1"}, again.Channels)
	assert.Equal(t, uint64(50), again.TotalIncoming)
	assert.Equal(t, created, again.CreatedAt)
}

func TestMutateErrorDoesNotWrite(t *testing.T) {
	s, _ := newStore("xrpl")
	require.NoError(t, s.Put(&PeerState{PeerID: "g.alice"}))

	boom := errors.New("boom")
	_, err := s.Mutate("g.alice", func(ps *PeerState) error {
		ps.TotalOutgoing = 99
		return boom
	})
	assert.Equal(t, boom, err)

	got, err := s.Get("g.alice")
	require.NoError(t, err)
	assert.Equal(t, uint64(0), got.TotalOutgoing)

	_, err = s.Mutate("g.nobody", func(*PeerState) error { return nil })
	assert.Equal(t, ErrNotFound, errors.Cause(err))
}

func TestLedgersAreIsolated(t *testing.T) {
	ds := dss.MutexWrap(datastore.NewMapDatastore())
	a := New(ds, "eth-sepolia")
	b := New(ds, "base-sepolia")

	require.NoError(t, a.Put(&PeerState{PeerID: "g.alice"}))
	require.NoError(t, a.Put(&PeerState{PeerID: "g.bob/sub"}))
	require.NoError(t, b.Put(&PeerState{PeerID: "g.carol"}))

	la, err := a.List()
	require.NoError(t, err)
	assert.Len(t, la, 2)

	lb, err := b.List()
	require.NoError(t, err)
	require.Len(t, lb, 1)
	assert.Equal(t, "g.carol", lb[0].PeerID)

	has, err := b.Has("g.alice")
	require.NoError(t, err)
	assert.False(t, has)
}

func TestChannels(t *testing.T) {
	ps := &PeerState{}
	assert.Equal(t, "", ps.ActiveChannel())
	ps.AddChannel("a")
	ps.AddChannel("b")
	ps.AddChannel("a")
	assert.Equal(t, []string{"a", "b"}, ps.Channels)
	assert.Equal(t, "b", ps.ActiveChannel())
	assert.True(t, ps.HasChannel("a"))
	assert.False(t, ps.HasChannel("c"))
}
