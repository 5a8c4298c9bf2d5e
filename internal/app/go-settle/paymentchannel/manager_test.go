package paymentchannel_test

import (
	"context"
	"crypto/rand"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/ipfs/go-datastore"
	dss "github.com/ipfs/go-datastore/sync"
	"github.com/libp2p/go-libp2p-crypto"
	xerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/chancache"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

const (
	aliceAddr = "rAlice"
	bobAddr   = "rBob"
)

type testEnv struct {
	ledger *FakeLedger
	clk    *clock.Mock
	ds     datastore.Batching
	key    crypto.PrivKey
	pub    []byte
	m      *Manager
}

func newKey(t *testing.T) (crypto.PrivKey, []byte) {
	priv, _, err := crypto.GenerateEd25519Key(rand.Reader)
	require.NoError(t, err)
	pub, err := paych.PublicKeyBytes(priv)
	require.NoError(t, err)
	return priv, pub
}

func newTestEnv(t *testing.T, ledger *FakeLedger) *testEnv {
	key, pub := newKey(t)
	clk := clock.NewMock()
	clk.Set(time.Date(2026, 6, 1, 0, 0, 0, 0, time.UTC))
	ds := dss.MutexWrap(datastore.NewMapDatastore())
	m := NewManager(context.Background(), ds, ledger, ManagerOptions{
		LedgerID: "xrpl",
		Currency: "XRP",
		Verifier: paych.NewVerifier("XRP", paych.Ed25519),
		Cache:    chancache.New(60*time.Second, clk),
		Clock:    clk,
		Signer:   key,
	})
	return &testEnv{ledger: ledger, clk: clk, ds: ds, key: key, pub: pub, m: m}
}

// stubIncoming installs a channel from alice (signing with key) to bob.
func stubIncoming(env *testEnv, key []byte, locked uint64) paych.ChannelID {
	var id paych.ChannelID
	id[0], id[31] = 0xc0, 0xde
	env.ledger.StubChannel(paych.ChannelState{
		ID:              id,
		Sender:          aliceAddr,
		Recipient:       bobAddr,
		TotalLocked:     locked,
		Balance:         locked,
		Status:          paych.StatusOpen,
		Expiration:      env.clk.Now().Add(30 * 24 * time.Hour),
		SenderPublicKey: key,
	})
	return id
}

func sign(t *testing.T, key crypto.PrivKey, id paych.ChannelID, amount, nonce uint64) *paych.Claim {
	sig, err := paych.Sign(key, id, amount)
	require.NoError(t, err)
	return &paych.Claim{ChannelID: id, Amount: amount, Nonce: nonce, Signature: sig, Currency: "XRP"}
}

var aliceToBob = Parties{Sender: aliceAddr, Recipient: bobAddr}

func TestManager_CreatePaymentChannel(t *testing.T) {
	ctx := context.Background()

	t.Run("happy path", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		id, receipt, err := env.m.CreatePaymentChannel(ctx, "g.bob", OpenParams{From: aliceAddr, To: bobAddr, Amount: 1000, SettleDelay: time.Hour})
		require.NoError(t, err)
		assert.True(t, receipt.Success)

		exists, err := env.m.ChannelExists(id)
		require.NoError(t, err)
		assert.True(t, exists)

		chinfo, err := env.m.GetPaymentChannelInfo(id)
		require.NoError(t, err)
		assert.True(t, chinfo.Outgoing)
		assert.Equal(t, "g.bob", chinfo.PeerID)
		assert.Equal(t, aliceAddr, chinfo.From)
		assert.Equal(t, bobAddr, chinfo.To)
		assert.Equal(t, uint64(1000), chinfo.TotalLocked)
		assert.Equal(t, paych.StatusOpen, chinfo.ChannelStatus())
		assert.Equal(t, env.pub, chinfo.PublicKey)

		out, err := env.m.OutgoingChannel("g.bob")
		require.NoError(t, err)
		require.NotNil(t, out)
		assert.Equal(t, id, out.ID())

		none, err := env.m.OutgoingChannel("g.carol")
		require.NoError(t, err)
		assert.Nil(t, none)
	})

	testCases := []struct {
		name             string
		waitErr, sendErr error
		failTx           bool
		expErr           string
	}{
		{name: "returns err and does not create channel if Send fails", sendErr: errors.New("sendboom"), expErr: "sendboom"},
		{name: "returns err and does not create channel if Wait fails", waitErr: errors.New("waitboom"), expErr: "waitboom"},
		{name: "returns err and does not create channel if tx fails", failTx: true, expErr: "channel open tx-1 failed"},
	}
	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			ledger := NewFakeLedger(t)
			ledger.MsgSendErr = tc.sendErr
			ledger.MsgWaitErr = tc.waitErr
			ledger.FailTx = tc.failTx
			env := newTestEnv(t, ledger)

			_, _, err := env.m.CreatePaymentChannel(ctx, "g.bob", OpenParams{From: aliceAddr, To: bobAddr, Amount: 1000})
			assert.EqualError(t, err, tc.expErr)

			all, err := env.m.ListChannels()
			require.NoError(t, err)
			assert.Empty(t, all)
		})
	}
}

func TestManager_CreateClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	id, _, err := env.m.CreatePaymentChannel(ctx, "g.bob", OpenParams{From: aliceAddr, To: bobAddr, Amount: 1000})
	require.NoError(t, err)

	c1, err := env.m.CreateClaim(ctx, id, 300)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), c1.Amount)
	assert.Equal(t, uint64(1), c1.Nonce)
	assert.Equal(t, "XRP", c1.Currency)

	c2, err := env.m.CreateClaim(ctx, id, 200)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), c2.Amount)
	assert.Equal(t, uint64(2), c2.Nonce)

	_, err = env.m.CreateClaim(ctx, id, 600)
	require.Error(t, err)
	assert.Equal(t, ErrInsufficientFunds, xerrors.Cause(err))
	var short *InsufficientFundsError
	require.True(t, errors.As(err, &short))
	assert.Equal(t, uint64(100), short.Shortfall)

	chinfo, err := env.m.GetPaymentChannelInfo(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(500), chinfo.ClaimAmount())
	assert.Equal(t, uint64(2), chinfo.TotalClaims)

	// a claim signed by the manager verifies against the ledger's view
	st := env.ledger.OnLedger(id)
	st.HighestNonce = 1
	st.HighestClaim = 300
	res := paych.NewVerifier("XRP", paych.Ed25519).Verify(c2, st, env.clk.Now())
	assert.True(t, res.Valid())
	assert.Equal(t, uint64(200), res.Delta)

	receipt, err := env.m.AddFunds(ctx, id, 500)
	require.NoError(t, err)
	assert.True(t, receipt.Success)
	c3, err := env.m.CreateClaim(ctx, id, 600)
	require.NoError(t, err)
	assert.Equal(t, uint64(1100), c3.Amount)
}

func TestManager_RevertClaim(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	id, _, err := env.m.CreatePaymentChannel(ctx, "g.bob", OpenParams{From: aliceAddr, To: bobAddr, Amount: 1000})
	require.NoError(t, err)

	c1, err := env.m.CreateClaim(ctx, id, 300)
	require.NoError(t, err)
	c2, err := env.m.CreateClaim(ctx, id, 200)
	require.NoError(t, err)

	// only the latest claim can be taken back
	err = env.m.RevertClaim(ctx, c1, 300)
	assert.Equal(t, ErrClaimSuperseded, xerrors.Cause(err))

	require.NoError(t, env.m.RevertClaim(ctx, c2, 200))
	chinfo, err := env.m.GetPaymentChannelInfo(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), chinfo.ClaimAmount())
	assert.Equal(t, uint64(1), chinfo.TotalClaims)

	// the reverted nonce stays spent
	c3, err := env.m.CreateClaim(ctx, id, 100)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), c3.Amount)
	assert.Equal(t, uint64(3), c3.Nonce)

	err = env.m.RevertClaim(ctx, c2, 200)
	assert.Equal(t, ErrClaimSuperseded, xerrors.Cause(err))
}

func TestManager_SaveClaimScenario(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	alice, alicePub := newKey(t)
	id := stubIncoming(env, alicePub, 10000000)

	res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 2000000, 1))
	require.NoError(t, err)
	require.True(t, res.Valid(), string(res.Reason))
	assert.Equal(t, uint64(2000000), res.Delta)

	res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 5000000, 2))
	require.NoError(t, err)
	require.True(t, res.Valid())
	assert.Equal(t, uint64(3000000), res.Delta)

	res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 2000000, 1))
	require.NoError(t, err)
	assert.Equal(t, paych.ReasonNonceNotMonotonic, res.Reason)

	res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 20000000, 3))
	require.NoError(t, err)
	assert.Equal(t, paych.ReasonInsufficient, res.Reason)

	chinfo, err := env.m.GetPaymentChannelInfo(id)
	require.NoError(t, err)
	assert.False(t, chinfo.Outgoing)
	assert.Equal(t, "g.alice", chinfo.PeerID)
	assert.Equal(t, uint64(5000000), chinfo.BestClaim.Amount)
	assert.Equal(t, uint64(2), chinfo.BestClaim.Nonce)
	assert.Equal(t, uint64(2), chinfo.TotalClaims)
}

func TestManager_SaveClaimUsesCache(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	alice, alicePub := newKey(t)
	id := stubIncoming(env, alicePub, 1000)

	for i := uint64(1); i <= 3; i++ {
		res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, i*10, i))
		require.NoError(t, err)
		require.True(t, res.Valid())
	}
	assert.Equal(t, 1, env.ledger.ViewCalls)

	env.clk.Add(61 * time.Second)
	res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 40, 4))
	require.NoError(t, err)
	assert.True(t, res.Valid())
	assert.Equal(t, 2, env.ledger.ViewCalls)
}

func TestManager_ReplayAfterCacheExpiry(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	alice, alicePub := newKey(t)
	id := stubIncoming(env, alicePub, 1000)

	first := sign(t, alice, id, 100, 1)
	res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, first)
	require.NoError(t, err)
	require.True(t, res.Valid())

	env.clk.Add(2 * time.Minute)
	res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, first)
	require.NoError(t, err)
	assert.Equal(t, paych.ReasonNonceNotMonotonic, res.Reason)
}

func TestManager_SaveClaimConcurrent(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	alice, alicePub := newKey(t)
	id := stubIncoming(env, alicePub, 1000)
	claim := sign(t, alice, id, 500, 1)

	var wg sync.WaitGroup
	var mu sync.Mutex
	valid, total := 0, uint64(0)
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, claim)
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			if res.Valid() {
				valid++
				total += res.Delta
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, valid)
	assert.Equal(t, uint64(500), total)
}

func TestManager_SaveClaimRejections(t *testing.T) {
	ctx := context.Background()

	t.Run("unknown channel", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		alice, _ := newKey(t)
		var id paych.ChannelID
		id[5] = 1
		res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonChannelNotOpen, res.Reason)
	})

	t.Run("channel of another peer", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		alice, alicePub := newKey(t)
		id := stubIncoming(env, alicePub, 1000)
		res, err := env.m.SaveClaim(ctx, "g.mallory", Parties{Sender: "rMallory", Recipient: bobAddr}, nil, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonChannelIDMismatch, res.Reason)

		res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		require.True(t, res.Valid())

		res, err = env.m.SaveClaim(ctx, "g.mallory", aliceToBob, nil, sign(t, alice, id, 2, 2))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonChannelIDMismatch, res.Reason)
	})

	t.Run("peer key used when ledger has none", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		alice, alicePub := newKey(t)
		mallory, malloryPub := newKey(t)
		id := stubIncoming(env, nil, 1000)

		res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, alicePub, sign(t, mallory, id, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonInvalidSignature, res.Reason)

		res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, malloryPub, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonInvalidSignature, res.Reason)

		res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, alicePub, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		assert.True(t, res.Valid())
	})

	t.Run("closed once recorded", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		alice, alicePub := newKey(t)
		id := stubIncoming(env, alicePub, 1000)
		res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		require.True(t, res.Valid())

		env.ledger.Drop(id)
		env.clk.Add(2 * time.Minute)
		res, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 2, 2))
		require.NoError(t, err)
		assert.Equal(t, paych.ReasonChannelClosed, res.Reason)
	})

	t.Run("ledger failure leaves state untouched", func(t *testing.T) {
		env := newTestEnv(t, NewFakeLedger(t))
		alice, alicePub := newKey(t)
		id := stubIncoming(env, alicePub, 1000)
		env.ledger.ViewErr = errors.New("rpc timeout")

		_, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 1, 1))
		assert.EqualError(t, err, "rpc timeout")
		exists, err := env.m.ChannelExists(id)
		require.NoError(t, err)
		assert.False(t, exists)

		env.ledger.ViewErr = nil
		res, err := env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 1, 1))
		require.NoError(t, err)
		assert.True(t, res.Valid())
	})
}

func TestManager_Redeem(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	alice, alicePub := newKey(t)
	id := stubIncoming(env, alicePub, 1000)

	redeemed, _, err := env.m.Redeem(ctx, id)
	assert.Equal(t, ErrUnknownChannel, xerrors.Cause(err))
	assert.Equal(t, uint64(0), redeemed)

	_, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 400, 1))
	require.NoError(t, err)

	redeemed, receipt, err := env.m.Redeem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(400), redeemed)
	assert.True(t, receipt.Success)
	assert.Equal(t, uint64(400), env.ledger.OnLedger(id).HighestClaim)
	assert.Equal(t, 1, env.ledger.ClaimCalls)

	redeemed, _, err = env.m.Redeem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(0), redeemed)
	assert.Equal(t, 1, env.ledger.ClaimCalls)

	// the on-chain claimed amount feeds back into verification
	_, err = env.m.SaveClaim(ctx, "g.alice", aliceToBob, nil, sign(t, alice, id, 700, 2))
	require.NoError(t, err)
	redeemed, _, err = env.m.Redeem(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(300), redeemed)

	chinfo, err := env.m.GetPaymentChannelInfo(id)
	require.NoError(t, err)
	assert.Equal(t, uint64(700), chinfo.Redeemed)
	assert.Equal(t, uint64(0), chinfo.Unredeemed())
}

func TestManager_MarkStatus(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, NewFakeLedger(t))
	id, _, err := env.m.CreatePaymentChannel(ctx, "g.bob", OpenParams{From: aliceAddr, To: bobAddr, Amount: 10})
	require.NoError(t, err)

	require.NoError(t, env.m.MarkStatus(ctx, id, paych.StatusClosing))
	assert.Error(t, env.m.MarkStatus(ctx, id, paych.StatusOpen))
	require.NoError(t, env.m.MarkStatus(ctx, id, paych.StatusClosed))

	out, err := env.m.OutgoingChannel("g.bob")
	require.NoError(t, err)
	assert.Nil(t, out)
}
