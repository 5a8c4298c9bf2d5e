package settlement

import (
	"context"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
)

// ErrUnavailable is returned by every settling operation of an Unavailable actor.
var ErrUnavailable = errors.New("settlement unavailable")

// Unavailable answers every operation with a safe default. It is installed
// for ledgers that could not be configured or reached at startup.
type Unavailable struct {
	ledgerID string
	cause    error
}

var _ Actor = (*Unavailable)(nil)

// NewUnavailable returns the stub actor for ledgerID.
func NewUnavailable(ledgerID string, cause error) *Unavailable {
	return &Unavailable{ledgerID: ledgerID, cause: cause}
}

// Cause returns the error that made the ledger unavailable.
func (u *Unavailable) Cause() error {
	return u.cause
}

func (u *Unavailable) unavailable() error {
	return errors.Wrapf(ErrUnavailable, "%s: %v", u.ledgerID, u.cause)
}

// GetPeeringInfo returns no peering info.
func (u *Unavailable) GetPeeringInfo(context.Context) ([]byte, error) {
	return []byte{}, nil
}

// CreatePeeringRequest returns an empty request.
func (u *Unavailable) CreatePeeringRequest(context.Context, string, []byte) ([]byte, error) {
	return []byte{}, nil
}

// AcceptPeeringRequest rejects every request.
func (u *Unavailable) AcceptPeeringRequest(_ context.Context, peerID string, _ []byte) (*PeeringResponse, bool, error) {
	log.Debugf("rejecting peering from %s on unavailable ledger %s", peerID, u.ledgerID)
	return nil, false, nil
}

// FinalizePeeringRequest fails.
func (u *Unavailable) FinalizePeeringRequest(context.Context, string, []byte, []byte) (*peerstore.PeerState, error) {
	return nil, u.unavailable()
}

// PrepareSettlement fails.
func (u *Unavailable) PrepareSettlement(context.Context, string, uint64, *peerstore.PeerState) (*PreparedSettlement, error) {
	return nil, u.unavailable()
}

// HandleSettlement fails without reporting anything.
func (u *Unavailable) HandleSettlement(context.Context, string, uint64, []byte, *peerstore.PeerState) error {
	return u.unavailable()
}

// HandleMessage drops the message.
func (u *Unavailable) HandleMessage(_ context.Context, peerID string, _ []byte) error {
	log.Debugf("dropping message from %s on unavailable ledger %s", peerID, u.ledgerID)
	return nil
}

// HandleDeposit fails.
func (u *Unavailable) HandleDeposit(context.Context, uint64) error {
	return u.unavailable()
}

// GetBalance reports zero.
func (u *Unavailable) GetBalance(context.Context) (uint64, error) {
	return 0, nil
}

// Close is a no-op.
func (u *Unavailable) Close() error {
	return nil
}
