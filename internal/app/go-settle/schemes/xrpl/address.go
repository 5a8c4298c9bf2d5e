package xrpl

import (
	"strings"
	"time"

	"github.com/btcsuite/btcutil/base58"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"
)

const (
	bitcoinAlphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"
	rippleAlphabet  = "rpshnaf39wBUDNEGHJKLM4PQRST7VWXYZ2bcdeCg65jkm8oFqi1tuvAxyz"

	accountIDVersion byte = 0x00
	accountIDLen          = 20

	// ED25519Prefix marks ed25519 public keys in ledger encoding.
	ED25519Prefix byte = 0xED
)

var (
	toRipple   = strings.NewReplacer(pairs(bitcoinAlphabet, rippleAlphabet)...)
	fromRipple = strings.NewReplacer(pairs(rippleAlphabet, bitcoinAlphabet)...)
)

func pairs(from, to string) []string {
	out := make([]string, 0, 2*len(from))
	for i := range from {
		out = append(out, from[i:i+1], to[i:i+1])
	}
	return out
}

// ErrInvalidAddress is returned for strings that are not classic addresses.
var ErrInvalidAddress = errors.New("invalid classic address")

// LedgerPublicKey returns the 33-byte ledger encoding of a claim key. 32-byte
// ed25519 keys get the ED prefix; 33-byte keys are returned unchanged.
func LedgerPublicKey(pub []byte) []byte {
	if len(pub) == 32 {
		return append([]byte{ED25519Prefix}, pub...)
	}
	return pub
}

// AccountID hashes a public key to the 20-byte account id.
func AccountID(pub []byte) []byte {
	sum := sha256.Sum256(LedgerPublicKey(pub))
	h := ripemd160.New()
	h.Write(sum[:]) // nolint: errcheck
	return h.Sum(nil)
}

// AddressFromPublicKey derives the classic address of pub.
func AddressFromPublicKey(pub []byte) string {
	return EncodeAccountID(AccountID(pub))
}

// EncodeAccountID encodes a 20-byte account id as a classic address.
func EncodeAccountID(id []byte) string {
	return toRipple.Replace(base58.CheckEncode(id, accountIDVersion))
}

// DecodeAddress returns the account id of a classic address.
func DecodeAddress(addr string) ([]byte, error) {
	if addr == "" || addr[0] != 'r' {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	for i := 0; i < len(addr); i++ {
		if strings.IndexByte(rippleAlphabet, addr[i]) < 0 {
			return nil, errors.Wrapf(ErrInvalidAddress, "%q", addr)
		}
	}
	id, version, err := base58.CheckDecode(fromRipple.Replace(addr))
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q: %s", addr, err)
	}
	if version != accountIDVersion || len(id) != accountIDLen {
		return nil, errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	return id, nil
}

// ValidateAddress reports whether addr is a well formed classic address.
func ValidateAddress(addr string) error {
	_, err := DecodeAddress(addr)
	return err
}

// RippleEpoch is the unix time of the ledger's time origin, 2000-01-01.
const RippleEpoch = 946684800

// ToRippleTime converts t to seconds since the ripple epoch.
func ToRippleTime(t time.Time) uint32 {
	s := t.Unix() - RippleEpoch
	if s < 0 {
		return 0
	}
	return uint32(s)
}

// FromRippleTime converts ledger seconds to a time. Zero maps to the zero time.
func FromRippleTime(s uint32) time.Time {
	if s == 0 {
		return time.Time{}
	}
	return time.Unix(int64(s)+RippleEpoch, 0).UTC()
}
