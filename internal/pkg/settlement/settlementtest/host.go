// Package settlementtest provides a recording Host for actor tests.
package settlementtest

import (
	"context"
	"sync"

	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

// Incoming is one ReportIncomingSettlement call.
type Incoming struct {
	LedgerID string
	PeerID   string
	Amount   uint64
}

// Message is one SendMessage call.
type Message struct {
	PeerID string
	Msg    []byte
}

// Host records every callback. When Deliver is set, SendMessage hands the
// message to it synchronously.
type Host struct {
	// Deliver routes outgoing messages, typically into the peer's actor.
	Deliver func(ctx context.Context, peerID string, msg []byte) error
	// SendErr is returned by SendMessage when set.
	SendErr error

	mu          sync.Mutex
	incoming    []Incoming
	deposits    []uint64
	withdrawals []uint64
	finalized   []string
	cancelled   []string
	sent        []Message
}

var _ settlement.Host = (*Host)(nil)

// NewHost returns an empty recording host.
func NewHost() *Host {
	return &Host{}
}

// ReportIncomingSettlement records the call.
func (h *Host) ReportIncomingSettlement(ledgerID, peerID string, amount uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.incoming = append(h.incoming, Incoming{LedgerID: ledgerID, PeerID: peerID, Amount: amount})
}

// ReportDeposit records the call.
func (h *Host) ReportDeposit(_ string, amount uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.deposits = append(h.deposits, amount)
}

// ReportWithdrawal records the call.
func (h *Host) ReportWithdrawal(_ string, amount uint64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.withdrawals = append(h.withdrawals, amount)
}

// FinalizeOutgoingSettlement records the call.
func (h *Host) FinalizeOutgoingSettlement(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.finalized = append(h.finalized, id)
}

// CancelOutgoingSettlement records the call.
func (h *Host) CancelOutgoingSettlement(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.cancelled = append(h.cancelled, id)
}

// SendMessage records the message and delivers it.
func (h *Host) SendMessage(ctx context.Context, peerID string, msg []byte) error {
	h.mu.Lock()
	h.sent = append(h.sent, Message{PeerID: peerID, Msg: append([]byte(nil), msg...)})
	deliver, err := h.Deliver, h.SendErr
	h.mu.Unlock()

	if err != nil {
		return err
	}
	if deliver != nil {
		return deliver(ctx, peerID, msg)
	}
	return nil
}

// Incoming returns the recorded incoming settlements.
func (h *Host) Incoming() []Incoming {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Incoming(nil), h.incoming...)
}

// IncomingTotal sums the recorded incoming settlements.
func (h *Host) IncomingTotal() uint64 {
	var total uint64
	for _, in := range h.Incoming() {
		total += in.Amount
	}
	return total
}

// Deposits returns the recorded deposits.
func (h *Host) Deposits() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.deposits...)
}

// Withdrawals returns the recorded withdrawals.
func (h *Host) Withdrawals() []uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]uint64(nil), h.withdrawals...)
}

// Finalized returns the finalized settlement ids.
func (h *Host) Finalized() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.finalized...)
}

// Cancelled returns the cancelled settlement ids.
func (h *Host) Cancelled() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.cancelled...)
}

// Sent returns the messages passed to SendMessage.
func (h *Host) Sent() []Message {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]Message(nil), h.sent...)
}

// Link delivers every message h sends into the HandleMessage of the actor
// returned by remote, as coming from selfID. remote is resolved per message so
// actors can be linked before both exist.
func Link(h *Host, selfID string, remote func() settlement.Actor) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.Deliver = func(ctx context.Context, _ string, msg []byte) error {
		return remote().HandleMessage(ctx, selfID, msg)
	}
}
