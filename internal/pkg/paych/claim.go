package paych

import (
	"encoding/binary"
	"encoding/hex"
	"encoding/json"
	"strings"

	"github.com/pkg/errors"
)

// ClaimPrefix is the magic prefix of every signed claim message ("CLM\0").
var ClaimPrefix = [4]byte{'C', 'L', 'M', 0x00}

// SigningMessageLen is the length of the canonical signed message.
const SigningMessageLen = len(ClaimPrefix) + ChannelIDLen + 8

// SigningMessage returns the canonical bytes a claim signs:
// [4-byte magic][32-byte channel id][8-byte big-endian amount].
func SigningMessage(id ChannelID, amount uint64) []byte {
	msg := make([]byte, SigningMessageLen)
	copy(msg, ClaimPrefix[:])
	copy(msg[len(ClaimPrefix):], id[:])
	binary.BigEndian.PutUint64(msg[len(ClaimPrefix)+ChannelIDLen:], amount)
	return msg
}

// Claim is an off-chain assertion of the cumulative amount owed from a channel.
type Claim struct {
	ChannelID ChannelID
	Amount    uint64
	Nonce     uint64
	Signature []byte
	Currency  string
}

type claimJSON struct {
	ChannelID   string `json:"channelId"`
	ClaimAmount uint64 `json:"claimAmount"`
	Nonce       uint64 `json:"nonce"`
	Signature   string `json:"signature"`
	Currency    string `json:"currency"`
}

// MarshalJSON encodes the claim in its wire form.
func (c Claim) MarshalJSON() ([]byte, error) {
	return json.Marshal(claimJSON{
		ChannelID:   c.ChannelID.String(),
		ClaimAmount: c.Amount,
		Nonce:       c.Nonce,
		Signature:   hex.EncodeToString(c.Signature),
		Currency:    c.Currency,
	})
}

// UnmarshalJSON decodes the wire form of a claim.
func (c *Claim) UnmarshalJSON(data []byte) error {
	var raw claimJSON
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	id, err := ParseChannelID(raw.ChannelID)
	if err != nil {
		return err
	}
	sig, err := hex.DecodeString(strings.TrimPrefix(raw.Signature, "0x"))
	if err != nil {
		return errors.Wrap(err, "malformed claim signature")
	}
	*c = Claim{
		ChannelID: id,
		Amount:    raw.ClaimAmount,
		Nonce:     raw.Nonce,
		Signature: sig,
		Currency:  raw.Currency,
	}
	return nil
}

// EncodeClaim serializes a claim to its wire form.
func EncodeClaim(c *Claim) ([]byte, error) {
	return json.Marshal(c)
}

// DecodeClaim parses a claim from its wire form.
func DecodeClaim(data []byte) (*Claim, error) {
	var c Claim
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, errors.Wrap(err, "failed to decode claim")
	}
	return &c, nil
}
