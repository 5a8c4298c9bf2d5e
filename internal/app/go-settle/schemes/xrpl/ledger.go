package xrpl

import (
	"context"
	"encoding/hex"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/paymentchannel"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

// channelLedger adapts a Client to the channel manager.
type channelLedger struct {
	client  Client
	account string
	maxFee  uint64
	confirm settlement.RetryPolicy
}

var _ paymentchannel.Ledger = (*channelLedger)(nil)

func (l *channelLedger) fee(ctx context.Context) (uint64, error) {
	info, err := l.client.ServerInfo(ctx)
	if err != nil {
		return 0, err
	}
	if err := settlement.CheckFee(info.BaseFee, l.maxFee); err != nil {
		return 0, err
	}
	return info.BaseFee, nil
}

func (l *channelLedger) submit(ctx context.Context, tx *Transaction) (string, error) {
	fee, err := l.fee(ctx)
	if err != nil {
		return "", err
	}
	tx.Account = l.account
	tx.Fee = fee
	hash, err := l.client.Submit(ctx, tx)
	if err != nil {
		return "", errors.Wrapf(err, "failed to submit %s", tx.Type)
	}
	log.Debugf("submitted %s %s", tx.Type, hash)
	return hash, nil
}

func encodeHex(b []byte) string {
	return strings.ToUpper(hex.EncodeToString(b))
}

func (l *channelLedger) OpenChannel(ctx context.Context, p paymentchannel.OpenParams) (string, error) {
	if err := ValidateAddress(p.To); err != nil {
		return "", err
	}
	return l.submit(ctx, &Transaction{
		Type:        TxChannelCreate,
		Destination: p.To,
		Amount:      p.Amount,
		SettleDelay: uint32(p.SettleDelay / time.Second),
		PublicKey:   encodeHex(LedgerPublicKey(p.PublicKey)),
	})
}

func (l *channelLedger) FundChannel(ctx context.Context, id paych.ChannelID, amount uint64) (string, error) {
	return l.submit(ctx, &Transaction{Type: TxChannelFund, Channel: id, Amount: amount})
}

func (l *channelLedger) ClaimChannel(ctx context.Context, id paych.ChannelID, amount uint64, sig, pub []byte) (string, error) {
	return l.submit(ctx, &Transaction{
		Type:      TxChannelClaim,
		Channel:   id,
		Balance:   amount,
		Signature: encodeHex(sig),
		PublicKey: encodeHex(LedgerPublicKey(pub)),
	})
}

// Wait polls for the result of txID until it is validated or the confirm
// budget runs out.
func (l *channelLedger) Wait(ctx context.Context, txID string, cb func(*paymentchannel.Receipt) error) error {
	var res *TxResult
	err := l.confirm.Do(ctx, func() error {
		var err error
		res, err = l.client.TransactionResult(ctx, txID)
		if err != nil && errors.Cause(err) != ErrTxPending {
			return settlement.Permanent(err)
		}
		return err
	})
	if err != nil {
		return errors.Wrapf(err, "transaction %s not confirmed", txID)
	}
	return cb(&paymentchannel.Receipt{
		TxID:      res.Hash,
		Success:   res.Result == ResultSuccess,
		ChannelID: res.Channel,
		Height:    res.LedgerIndex,
		Fee:       res.Fee,
	})
}

func (l *channelLedger) Channel(ctx context.Context, id paych.ChannelID) (*paych.ChannelState, error) {
	pc, err := l.client.PayChannel(ctx, id)
	if errors.Cause(err) == ErrEntryNotFound {
		return nil, paymentchannel.ErrChannelNotFound
	}
	if err != nil {
		return nil, err
	}
	return channelState(id, pc)
}

// channelState maps a ledger object to channel state. A channel with an
// Expiration is closing; the earlier of Expiration and CancelAfter bounds it.
func channelState(id paych.ChannelID, pc *PayChannel) (*paych.ChannelState, error) {
	pub, err := hex.DecodeString(pc.PublicKey)
	if err != nil {
		return nil, errors.Wrapf(err, "channel %s has malformed public key", id)
	}
	st := &paych.ChannelState{
		ID:              id,
		Sender:          pc.Account,
		Recipient:       pc.Destination,
		TotalLocked:     pc.Amount,
		Balance:         pc.Amount,
		HighestClaim:    pc.Balance,
		SettleDelay:     time.Duration(pc.SettleDelay) * time.Second,
		Status:          paych.StatusOpen,
		SenderPublicKey: pub,
	}
	if pc.Expiration != 0 {
		st.Status = paych.StatusClosing
	}
	exp := pc.Expiration
	if pc.CancelAfter != 0 && (exp == 0 || pc.CancelAfter < exp) {
		exp = pc.CancelAfter
	}
	st.Expiration = FromRippleTime(exp)
	return st, nil
}
