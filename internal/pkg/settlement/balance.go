package settlement

import (
	"context"
	"sync"

	"github.com/pkg/errors"
)

// ErrFeeLimitExceeded is returned when a submission would cost more than configured.
var ErrFeeLimitExceeded = errors.New("fee limit exceeded")

var errDepositPending = errors.New("deposit not yet visible")

// CheckFee fails when fee exceeds max. A zero max is unbounded.
func CheckFee(fee, max uint64) error {
	if max > 0 && fee > max {
		return errors.Wrapf(ErrFeeLimitExceeded, "fee %d over limit %d", fee, max)
	}
	return nil
}

// BalanceFunc reads the node's balance on a ledger.
type BalanceFunc func(ctx context.Context) (uint64, error)

// BalanceTracker reconciles observed ledger balances with the movements the
// actor knows about. Decreases it cannot explain are reported as withdrawals.
type BalanceTracker struct {
	ledgerID string
	host     Host

	mu       sync.Mutex
	known    bool
	last     uint64
	spent    uint64
	credited uint64
}

// NewBalanceTracker returns a tracker reporting to host.
func NewBalanceTracker(ledgerID string, host Host) *BalanceTracker {
	return &BalanceTracker{ledgerID: ledgerID, host: host}
}

// Spend records value the node itself sent, fees included.
func (b *BalanceTracker) Spend(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.spent += amount
}

// Credit records value received through a path that was already reported.
func (b *BalanceTracker) Credit(amount uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.credited += amount
}

// Known returns the last observed balance.
func (b *BalanceTracker) Known() (uint64, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.last, b.known
}

// Observe reconciles balance against the last observation. It returns the
// amount reported as withdrawn.
func (b *BalanceTracker) Observe(balance uint64) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()

	if !b.known {
		b.known = true
		b.last = balance
		b.spent, b.credited = 0, 0
		return 0
	}

	expected := b.last + b.credited
	if b.spent > expected {
		expected = 0
	} else {
		expected -= b.spent
	}

	var withdrawn uint64
	switch {
	case balance < expected:
		withdrawn = expected - balance
		log.Infof("balance on %s dropped %d below expectation, reporting withdrawal", b.ledgerID, withdrawn)
		b.host.ReportWithdrawal(b.ledgerID, withdrawn)
	case balance > expected:
		log.Debugf("balance on %s is %d above expectation", b.ledgerID, balance-expected)
	}

	b.last = balance
	b.spent, b.credited = 0, 0
	return withdrawn
}

// Deposit waits until the ledger shows amount on top of the last observed
// balance, then reports the deposit to the host.
func (b *BalanceTracker) Deposit(ctx context.Context, rp RetryPolicy, fetch BalanceFunc, amount uint64) error {
	baseline, ok := b.Known()
	if !ok {
		return errors.Errorf("no balance observed on %s yet", b.ledgerID)
	}

	var current uint64
	err := rp.Do(ctx, func() error {
		bal, err := fetch(ctx)
		if err != nil {
			return err
		}
		if bal < baseline+amount {
			return errDepositPending
		}
		current = bal
		return nil
	})
	if err != nil {
		return errors.Wrapf(err, "deposit of %d on %s not confirmed", amount, b.ledgerID)
	}

	b.Credit(amount)
	b.host.ReportDeposit(b.ledgerID, amount)
	b.Observe(current)
	return nil
}
