package evm

import (
	"context"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

// ErrGasLimitExceeded is returned when a call is estimated above the configured gas limit.
var ErrGasLimitExceeded = errors.New("gas limit exceeded")

type contractLedger struct {
	client   Client
	account  string
	contract string
	gasLimit uint64
	maxFee   uint64
	confirm  settlement.RetryPolicy
}

var _ paymentchannel.Ledger = (*contractLedger)(nil)

// send estimates call, checks it against the gas and fee limits and broadcasts it.
func (l *contractLedger) send(ctx context.Context, call *Call) (string, error) {
	call.From = l.account
	call.Contract = l.contract

	gas, err := l.client.EstimateGas(ctx, call)
	if err != nil {
		return "", errors.Wrapf(err, "failed to estimate %s", call.Method)
	}
	if l.gasLimit > 0 && gas > l.gasLimit {
		return "", errors.Wrapf(ErrGasLimitExceeded, "%s needs %d gas, limit %d", call.Method, gas, l.gasLimit)
	}
	price, err := l.client.GasPrice(ctx)
	if err != nil {
		return "", err
	}
	if err := settlement.CheckFee(gas*price, l.maxFee); err != nil {
		return "", err
	}

	hash, err := l.client.SendTransaction(ctx, call, gas, price)
	if err != nil {
		return "", errors.Wrapf(err, "failed to send %s", call.Method)
	}
	log.Debugf("sent %s %s (gas %d at %d)", call.Method, hash, gas, price)
	return hash, nil
}

func (l *contractLedger) OpenChannel(ctx context.Context, p paymentchannel.OpenParams) (string, error) {
	if err := ValidateAddress(p.To); err != nil {
		return "", err
	}
	return l.send(ctx, &Call{
		Method:      MethodOpen,
		Value:       p.Amount,
		Recipient:   strings.ToLower(p.To),
		SettleDelay: uint64(p.SettleDelay / time.Second),
		SignerKey:   p.PublicKey,
	})
}

func (l *contractLedger) FundChannel(ctx context.Context, id paych.ChannelID, amount uint64) (string, error) {
	return l.send(ctx, &Call{Method: MethodFund, Channel: id, Value: amount})
}

func (l *contractLedger) ClaimChannel(ctx context.Context, id paych.ChannelID, amount uint64, sig, _ []byte) (string, error) {
	return l.send(ctx, &Call{Method: MethodClaim, Channel: id, Amount: amount, Signature: sig})
}

func (l *contractLedger) Wait(ctx context.Context, txID string, cb func(*paymentchannel.Receipt) error) error {
	var r *Receipt
	err := l.confirm.Do(ctx, func() error {
		var err error
		r, err = l.client.Receipt(ctx, txID)
		if err != nil && errors.Cause(err) != ErrReceiptPending {
			return settlement.Permanent(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "transaction %s not mined", txID)
	}
	return cb(&paymentchannel.Receipt{
		TxID:      r.Hash,
		Success:   r.Success,
		ChannelID: r.Channel,
		Height:    r.BlockNumber,
		Fee:       r.GasUsed * r.GasPrice,
	})
}

func (l *contractLedger) Channel(ctx context.Context, id paych.ChannelID) (*paych.ChannelState, error) {
	c, err := l.client.Channel(ctx, l.contract, id)
	if errors.Cause(err) == ErrNoChannel {
		return nil, paymentchannel.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	st := &paych.ChannelState{
		ID:              id,
		Sender:          strings.ToLower(c.Sender),
		Recipient:       strings.ToLower(c.Recipient),
		TotalLocked:     c.Deposit,
		Balance:         c.Deposit,
		HighestClaim:    c.Claimed,
		SettleDelay:     time.Duration(c.SettleDelay) * time.Second,
		Status:          paych.StatusOpen,
		SenderPublicKey: c.SignerKey,
	}
	switch {
	case c.Closed:
		st.Status = paych.StatusClosed
	case c.ClosesAt != 0:
		st.Status = paych.StatusClosing
		st.Expiration = time.Unix(int64(c.ClosesAt), 0)
	}
	return st, nil
}
