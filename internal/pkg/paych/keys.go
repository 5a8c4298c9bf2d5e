package paych

import (
	"github.com/libp2p/go-libp2p-crypto"
	"github.com/pkg/errors"
)

// KeyType names the signature scheme a ledger uses for claims.
type KeyType string

const (
	// Ed25519 claims are used by the account-based ledger.
	Ed25519 KeyType = "ed25519"
	// Secp256k1 claims are used by the EVM channel contracts.
	Secp256k1 KeyType = "secp256k1"
)

// ed25519Prefix marks a 33-byte ed25519 public key in the account ledger's encoding.
const ed25519Prefix = 0xED

// ErrUnsupportedKeyType is returned for key types other than Ed25519 and Secp256k1.
var ErrUnsupportedKeyType = errors.New("unsupported key type")

// UnmarshalPublicKey parses raw public key bytes of the given type.
func UnmarshalPublicKey(kt KeyType, raw []byte) (crypto.PubKey, error) {
	switch kt {
	case Ed25519:
		if len(raw) == 33 && raw[0] == ed25519Prefix {
			raw = raw[1:]
		}
		return crypto.UnmarshalEd25519PublicKey(raw)
	case Secp256k1:
		return crypto.UnmarshalSecp256k1PublicKey(raw)
	default:
		return nil, errors.Wrapf(ErrUnsupportedKeyType, "%q", kt)
	}
}

// KeyTypeOf returns the claim key type of a private key.
func KeyTypeOf(priv crypto.PrivKey) (KeyType, error) {
	switch priv.Type() {
	case crypto.Ed25519:
		return Ed25519, nil
	case crypto.Secp256k1:
		return Secp256k1, nil
	default:
		return "", errors.Wrapf(ErrUnsupportedKeyType, "libp2p key type %d", priv.Type())
	}
}

// PublicKeyBytes returns the raw public key bytes a peer needs to verify claims from priv.
func PublicKeyBytes(priv crypto.PrivKey) ([]byte, error) {
	return priv.GetPublic().Raw()
}

// Sign signs the canonical message for (id, amount) with priv.
func Sign(priv crypto.PrivKey, id ChannelID, amount uint64) ([]byte, error) {
	sig, err := priv.Sign(SigningMessage(id, amount))
	if err != nil {
		return nil, errors.Wrap(err, "failed to sign claim")
	}
	return sig, nil
}
