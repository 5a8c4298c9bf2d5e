// Package settlement defines the contract between the connector and the
// ledger-specific settlement schemes, plus the machinery shared by every scheme.
package settlement

import (
	"context"

	logging "github.com/ipfs/go-log"

	"github.com/ilp-connector/go-settle/internal/pkg/peerstore"
)

var log = logging.Logger("settlement")

// Realm tags the deployment environment of a ledger.
type Realm string

// Realms.
const (
	RealmTest Realm = "test"
	RealmLive Realm = "live"
)

// Host is the callback surface the connector exposes to settlement actors.
type Host interface {
	// ReportIncomingSettlement credits value received from peerID on ledgerID.
	ReportIncomingSettlement(ledgerID, peerID string, amount uint64)
	ReportDeposit(ledgerID string, amount uint64)
	ReportWithdrawal(ledgerID string, amount uint64)
	// FinalizeOutgoingSettlement and CancelOutgoingSettlement resolve a settlement
	// returned by PrepareSettlement. The id is the host's idempotency key.
	FinalizeOutgoingSettlement(settlementID string)
	CancelOutgoingSettlement(settlementID string)
	// SendMessage delivers an opaque message to the matching actor of peerID.
	SendMessage(ctx context.Context, peerID string, msg []byte) error
}

// Scheme describes one settlement scheme module.
type Scheme interface {
	Name() string
	SupportedVersions() []int
	Realm() Realm
	// LedgerID is the connector's identifier of the settled ledger.
	LedgerID() string
	// NewActor builds the actor. It may block on ledger connectivity.
	NewActor(ctx context.Context, host Host) (Actor, error)
}

// PeeringResponse is the accepting side's answer to a peering request.
type PeeringResponse struct {
	Data      []byte
	PeerState *peerstore.PeerState
}

// Actor runs the settlement protocol of one ledger.
type Actor interface {
	// GetPeeringInfo identifies this node on the ledger.
	GetPeeringInfo(ctx context.Context) ([]byte, error)
	CreatePeeringRequest(ctx context.Context, peerID string, peeringInfo []byte) ([]byte, error)
	// AcceptPeeringRequest returns ok=false when the request is rejected.
	AcceptPeeringRequest(ctx context.Context, peerID string, data []byte) (resp *PeeringResponse, ok bool, err error)
	FinalizePeeringRequest(ctx context.Context, peerID string, peeringInfo, data []byte) (*peerstore.PeerState, error)

	PrepareSettlement(ctx context.Context, peerID string, amount uint64, ps *peerstore.PeerState) (*PreparedSettlement, error)
	HandleSettlement(ctx context.Context, peerID string, amount uint64, data []byte, ps *peerstore.PeerState) error
	HandleMessage(ctx context.Context, peerID string, msg []byte) error

	HandleDeposit(ctx context.Context, amount uint64) error
	GetBalance(ctx context.Context) (uint64, error)

	// Close stops background work.
	Close() error
}

// Instantiate builds the actor of s. Any construction failure installs an
// Unavailable actor for the ledger instead of returning an error.
func Instantiate(ctx context.Context, s Scheme, host Host) Actor {
	actor, err := s.NewActor(ctx, host)
	if err != nil {
		log.Errorf("settlement on %s (%s) unavailable: %s", s.LedgerID(), s.Name(), err)
		return NewUnavailable(s.LedgerID(), err)
	}
	log.Infof("settlement on %s (%s, %s realm) ready", s.LedgerID(), s.Name(), s.Realm())
	return actor
}

type failedScheme struct {
	ledgerID string
	name     string
	realm    Realm
	err      error
}

// FailedScheme is a Scheme whose construction already failed, for ledger
// sections that could not be configured.
func FailedScheme(ledgerID, name string, realm Realm, err error) Scheme {
	return &failedScheme{ledgerID: ledgerID, name: name, realm: realm, err: err}
}

func (f *failedScheme) Name() string             { return f.name }
func (f *failedScheme) SupportedVersions() []int { return nil }
func (f *failedScheme) Realm() Realm             { return f.realm }
func (f *failedScheme) LedgerID() string         { return f.ledgerID }

func (f *failedScheme) NewActor(context.Context, Host) (Actor, error) {
	return nil, f.err
}
