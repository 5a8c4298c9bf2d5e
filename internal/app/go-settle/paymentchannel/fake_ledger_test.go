package paymentchannel_test

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/minio/sha256-simd"
	"github.com/stretchr/testify/require"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

// FakeLedger is a test fake channel ledger shared by both ends of a channel.
type FakeLedger struct {
	t *testing.T

	mu       sync.Mutex
	channels map[paych.ChannelID]*paych.ChannelState
	receipts map[string]*Receipt
	nextTx   int

	Fee         uint64
	MsgSendErr  error
	MsgWaitErr  error
	ViewErr     error
	FailTx      bool
	ViewCalls   int
	ClaimCalls  int
	DelayClaims chan struct{}
}

var _ Ledger = &FakeLedger{}

// NewFakeLedger returns an empty FakeLedger
func NewFakeLedger(t *testing.T) *FakeLedger {
	return &FakeLedger{
		t:        t,
		channels: make(map[paych.ChannelID]*paych.ChannelState),
		receipts: make(map[string]*Receipt),
	}
}

func (f *FakeLedger) tx(r *Receipt) string {
	f.nextTx++
	r.TxID = fmt.Sprintf("tx-%d", f.nextTx)
	r.Success = !f.FailTx
	r.Fee = f.Fee
	f.receipts[r.TxID] = r
	return r.TxID
}

// OpenChannel creates the channel immediately and returns its transaction.
func (f *FakeLedger) OpenChannel(_ context.Context, p OpenParams) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MsgSendErr != nil {
		return "", f.MsgSendErr
	}
	id := paych.ChannelID(sha256.Sum256([]byte(fmt.Sprintf("%s/%s/%d", p.From, p.To, f.nextTx))))
	if !f.FailTx {
		f.channels[id] = &paych.ChannelState{
			ID:              id,
			Sender:          p.From,
			Recipient:       p.To,
			TotalLocked:     p.Amount,
			Balance:         p.Amount,
			SettleDelay:     p.SettleDelay,
			Status:          paych.StatusOpen,
			SenderPublicKey: p.PublicKey,
		}
	}
	return f.tx(&Receipt{ChannelID: id}), nil
}

// FundChannel adds amount to the channel.
func (f *FakeLedger) FundChannel(_ context.Context, id paych.ChannelID, amount uint64) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.MsgSendErr != nil {
		return "", f.MsgSendErr
	}
	ch, ok := f.channels[id]
	require.True(f.t, ok)
	if !f.FailTx {
		ch.TotalLocked += amount
		ch.Balance += amount
	}
	return f.tx(&Receipt{}), nil
}

// ClaimChannel records the claimed amount on the channel after checking the signature.
func (f *FakeLedger) ClaimChannel(_ context.Context, id paych.ChannelID, amount uint64, sig, pub []byte) (string, error) {
	if f.DelayClaims != nil {
		<-f.DelayClaims
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ClaimCalls++
	if f.MsgSendErr != nil {
		return "", f.MsgSendErr
	}
	ch, ok := f.channels[id]
	require.True(f.t, ok)

	// claims stay redeemable while the channel is closing
	st := ch.Clone()
	st.Status = paych.StatusOpen
	res := paych.NewVerifier("", paych.Ed25519).Verify(&paych.Claim{ChannelID: id, Amount: amount, Nonce: st.HighestNonce + 1, Signature: sig}, st, st.CreatedAt)
	require.True(f.t, res.Valid(), "ledger rejected claim: %s", res.Reason)
	if !f.FailTx {
		ch.HighestClaim = amount
	}
	return f.tx(&Receipt{}), nil
}

// Wait calls cb with the receipt of txID.
func (f *FakeLedger) Wait(_ context.Context, txID string, cb func(*Receipt) error) error {
	f.mu.Lock()
	r, ok := f.receipts[txID]
	err := f.MsgWaitErr
	f.mu.Unlock()
	if err != nil {
		return err
	}
	require.True(f.t, ok)
	return cb(r)
}

// Channel returns the channel as the ledger sees it.
func (f *FakeLedger) Channel(_ context.Context, id paych.ChannelID) (*paych.ChannelState, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.ViewCalls++
	if f.ViewErr != nil {
		return nil, f.ViewErr
	}
	ch, ok := f.channels[id]
	if !ok {
		return nil, ErrChannelNotFound
	}
	out := ch.Clone()
	return &out, nil
}

// StubChannel installs a channel opened by someone else.
func (f *FakeLedger) StubChannel(st paych.ChannelState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := st.Clone()
	f.channels[st.ID] = &cp
}

// SetStatus changes the ledger status of a channel.
func (f *FakeLedger) SetStatus(id paych.ChannelID, status paych.Status) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.channels[id].Status = status
}

// Drop removes a channel from the ledger.
func (f *FakeLedger) Drop(id paych.ChannelID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.channels, id)
}

// OnLedger returns a copy of the ledger's channel state.
func (f *FakeLedger) OnLedger(id paych.ChannelID) paych.ChannelState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.channels[id].Clone()
}
