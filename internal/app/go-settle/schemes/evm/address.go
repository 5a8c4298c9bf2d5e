package evm

import (
	"encoding/hex"
	"strings"

	"github.com/btcsuite/btcd/btcec"
	"github.com/pkg/errors"
	"golang.org/x/crypto/sha3"
)

// ErrInvalidAddress is returned for strings that are not 0x-prefixed 20-byte addresses.
var ErrInvalidAddress = errors.New("invalid address")

// Keccak256 hashes data with the pre-standard Keccak used by the EVM.
func Keccak256(data ...[]byte) []byte {
	h := sha3.NewLegacyKeccak256()
	for _, d := range data {
		h.Write(d) // nolint: errcheck
	}
	return h.Sum(nil)
}

// AddressFromPublicKey derives the address of a compressed or uncompressed
// secp256k1 public key.
func AddressFromPublicKey(pub []byte) (string, error) {
	pk, err := btcec.ParsePubKey(pub, btcec.S256())
	if err != nil {
		return "", errors.Wrap(err, "invalid secp256k1 public key")
	}
	return "0x" + hex.EncodeToString(Keccak256(pk.SerializeUncompressed()[1:])[12:]), nil
}

// ChecksumAddress returns addr in mixed-case checksum form.
func ChecksumAddress(addr string) (string, error) {
	if err := validateHex(addr); err != nil {
		return "", err
	}
	lower := strings.ToLower(addr[2:])
	sum := hex.EncodeToString(Keccak256([]byte(lower)))
	out := []byte(lower)
	for i, c := range out {
		if c >= 'a' && c <= 'f' && sum[i] >= '8' {
			out[i] = c - 'a' + 'A'
		}
	}
	return "0x" + string(out), nil
}

func validateHex(addr string) error {
	if len(addr) != 42 || !strings.HasPrefix(addr, "0x") {
		return errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	if _, err := hex.DecodeString(addr[2:]); err != nil {
		return errors.Wrapf(ErrInvalidAddress, "%q", addr)
	}
	return nil
}

// ValidateAddress accepts all-lowercase, all-uppercase or correctly
// checksummed addresses.
func ValidateAddress(addr string) error {
	if err := validateHex(addr); err != nil {
		return err
	}
	body := addr[2:]
	if body == strings.ToLower(body) || body == strings.ToUpper(body) {
		return nil
	}
	checked, err := ChecksumAddress(addr)
	if err != nil {
		return err
	}
	if checked != addr {
		return errors.Wrapf(ErrInvalidAddress, "%q fails checksum", addr)
	}
	return nil
}

// SameAddress compares addresses ignoring case.
func SameAddress(a, b string) bool {
	return strings.EqualFold(a, b)
}
