package settlement

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.opencensus.io/trace"

	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics/tracing"
)

// DefaultExecuteTimeout bounds Execute when the tracker has no timeout.
const DefaultExecuteTimeout = 30 * time.Second

// ErrAlreadyExecuted is returned by a second Execute or Abort of the same settlement.
var ErrAlreadyExecuted = errors.New("settlement already executed")

// ErrTimeout wraps the error of an Execute that ran out of time.
var ErrTimeout = errors.New("settlement timed out")

// ExecuteFunc performs an outgoing settlement. ctx carries the execute deadline.
type ExecuteFunc func(ctx context.Context, settlementID string) error

// Outcome is what a deferred settlement produced.
type Outcome struct {
	// SchemeData becomes the settlement's SchemeData once Execute succeeds.
	SchemeData []byte
	// Undo reverts the run's effects when its outcome arrives after Execute
	// has already cancelled the settlement. Optional.
	Undo func()
}

// DeferredFunc performs an outgoing settlement whose scheme data only exists
// once it ran.
type DeferredFunc func(ctx context.Context, settlementID string) (Outcome, error)

// PreparedSettlement is an outgoing settlement that has been reserved but not
// yet performed.
type PreparedSettlement struct {
	ID     string
	PeerID string
	Amount uint64
	// SchemeData is passed to the peer's HandleSettlement by the host. For
	// deferred settlements it is set by a successful Execute.
	SchemeData []byte

	tracker *Tracker
	run     DeferredFunc
	state   int32
}

type outcome struct {
	Outcome
	err error
}

// Tracker reserves settlement ids and resolves them with the host exactly once.
type Tracker struct {
	ledgerID string
	host     Host
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]string
}

// NewTracker returns a tracker whose settlements report to host.
func NewTracker(ledgerID string, host Host, timeout time.Duration) *Tracker {
	if timeout <= 0 {
		timeout = DefaultExecuteTimeout
	}
	return &Tracker{
		ledgerID: ledgerID,
		host:     host,
		timeout:  timeout,
		pending:  make(map[string]string),
	}
}

// Prepare reserves a fresh settlement id for peerID. run is invoked by Execute.
func (t *Tracker) Prepare(peerID string, amount uint64, schemeData []byte, run ExecuteFunc) *PreparedSettlement {
	p := t.PrepareDeferred(peerID, amount, func(ctx context.Context, id string) (Outcome, error) {
		return Outcome{SchemeData: schemeData}, run(ctx, id)
	})
	p.SchemeData = schemeData
	return p
}

// PrepareDeferred reserves a fresh settlement id for peerID whose scheme data
// is produced by run. Nothing run does is visible before Execute.
//
// Settlements that are neither executed nor aborted stay pending; the host
// resolves every prepared settlement with Execute or Abort.
func (t *Tracker) PrepareDeferred(peerID string, amount uint64, run DeferredFunc) *PreparedSettlement {
	id := uuid.New().String()

	t.mu.Lock()
	t.pending[id] = peerID
	t.mu.Unlock()

	log.Debugf("reserved settlement %s of %d to %s on %s", id, amount, peerID, t.ledgerID)
	return &PreparedSettlement{
		ID:      id,
		PeerID:  peerID,
		Amount:  amount,
		tracker: t,
		run:     run,
	}
}

// Pending returns the number of reserved, unresolved settlements.
func (t *Tracker) Pending() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

// IsPending reports whether id is reserved and unresolved.
func (t *Tracker) IsPending(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	_, ok := t.pending[id]
	return ok
}

func (t *Tracker) release(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pending, id)
}

func (t *Tracker) resolve(ctx context.Context, id string, err error) {
	t.release(id)
	if err != nil {
		log.Warningf("settlement %s on %s cancelled: %s", id, t.ledgerID, err)
		t.host.CancelOutgoingSettlement(id)
		metrics.RecordOutgoing(ctx, t.ledgerID, metrics.ResultCancelled)
		return
	}
	log.Infof("settlement %s on %s finalized", id, t.ledgerID)
	t.host.FinalizeOutgoingSettlement(id)
	metrics.RecordOutgoing(ctx, t.ledgerID, metrics.ResultFinalized)
}

// Execute performs the settlement within the tracker's timeout and resolves it
// with the host: finalized on success, cancelled on error, timeout or
// cancellation of ctx. It runs at most once.
func (p *PreparedSettlement) Execute(ctx context.Context) (err error) {
	if !atomic.CompareAndSwapInt32(&p.state, 0, 1) {
		return ErrAlreadyExecuted
	}

	ctx, span := trace.StartSpan(ctx, "PreparedSettlement.Execute")
	span.AddAttributes(trace.StringAttribute("settlement", p.ID), trace.StringAttribute("ledger", p.tracker.ledgerID))
	defer tracing.AddErrorEndSpan(span, &err)

	runCtx, cancel := context.WithTimeout(ctx, p.tracker.timeout)
	defer cancel()

	// done is unbuffered: an outcome is either taken here or undone by the run
	// goroutine, never both.
	done := make(chan outcome)
	go func() {
		out, err := p.run(runCtx, p.ID)
		select {
		case done <- outcome{Outcome: out, err: err}:
		case <-runCtx.Done():
			if err == nil && out.Undo != nil {
				log.Warningf("settlement %s on %s finished after cancel, undoing", p.ID, p.tracker.ledgerID)
				out.Undo()
			}
		}
	}()

	select {
	case res := <-done:
		err = res.err
		if err != nil && runCtx.Err() == context.DeadlineExceeded {
			err = errors.Wrap(ErrTimeout, err.Error())
		}
		if err == nil {
			p.SchemeData = res.SchemeData
		}
	case <-runCtx.Done():
		if runCtx.Err() == context.DeadlineExceeded {
			err = errors.Wrapf(ErrTimeout, "after %s", p.tracker.timeout)
		} else {
			err = runCtx.Err()
		}
	}

	p.tracker.resolve(context.Background(), p.ID, err)
	return err
}

// Abort cancels the settlement without performing it.
func (p *PreparedSettlement) Abort() error {
	if !atomic.CompareAndSwapInt32(&p.state, 0, 1) {
		return ErrAlreadyExecuted
	}
	p.tracker.resolve(context.Background(), p.ID, errors.New("aborted"))
	return nil
}
