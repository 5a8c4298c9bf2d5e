package cosmos

import (
	"sort"

	"github.com/btcsuite/btcutil/bech32"
	"github.com/minio/blake2b-simd"
	"github.com/minio/sha256-simd"
	"github.com/pkg/errors"
	"golang.org/x/crypto/ripemd160"

	"github.com/ilp-connector/go-settle/internal/pkg/paych"
)

const (
	accountIDLen = 20
	pubKeyLen    = 33
)

// ErrInvalidAddress is returned for strings that are not account addresses of the chain.
var ErrInvalidAddress = errors.New("invalid bech32 address")

// AccountID hashes a compressed secp256k1 public key to the 20 byte account id.
func AccountID(pub []byte) []byte {
	sum := sha256.Sum256(pub)
	h := ripemd160.New()
	h.Write(sum[:]) // nolint: errcheck
	return h.Sum(nil)
}

// AddressFromPublicKey derives the account address of pub under prefix.
func AddressFromPublicKey(prefix string, pub []byte) (string, error) {
	if len(pub) != pubKeyLen {
		return "", errors.Errorf("expected a %d byte compressed key, got %d bytes", pubKeyLen, len(pub))
	}
	return EncodeAddress(prefix, AccountID(pub))
}

// EncodeAddress bech32-encodes a 20 byte account id.
func EncodeAddress(prefix string, id []byte) (string, error) {
	conv, err := bech32.ConvertBits(id, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(prefix, conv)
}

// DecodeAddress returns the account id of addr, which must carry prefix.
func DecodeAddress(prefix, addr string) ([]byte, error) {
	hrp, data, err := bech32.Decode(addr)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if hrp != prefix {
		return nil, errors.Wrapf(ErrInvalidAddress, "prefix %q, want %q", hrp, prefix)
	}
	id, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, errors.Wrap(ErrInvalidAddress, err.Error())
	}
	if len(id) != accountIDLen {
		return nil, errors.Wrapf(ErrInvalidAddress, "account id of %d bytes", len(id))
	}
	return id, nil
}

// AddressValidator returns a check for addresses under prefix.
func AddressValidator(prefix string) func(string) error {
	return func(addr string) error {
		_, err := DecodeAddress(prefix, addr)
		return err
	}
}

// VirtualChannelID names the transfer relationship between two accounts on a
// ledger. Both sides derive the same id.
func VirtualChannelID(ledgerID, a, b string) paych.ChannelID {
	addrs := []string{a, b}
	sort.Strings(addrs)

	h := blake2b.New256()
	for _, s := range append([]string{ledgerID}, addrs...) {
		h.Write([]byte(s)) // nolint: errcheck
		h.Write([]byte{0}) // nolint: errcheck
	}
	var id paych.ChannelID
	copy(id[:], h.Sum(nil))
	return id
}
