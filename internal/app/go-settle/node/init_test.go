package node_test

import (
	"context"
	"strings"
	"testing"

	crypto "github.com/libp2p/go-libp2p-crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/cosmos"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/evm"
	"github.com/ilp-connector/go-settle/internal/app/go-settle/schemes/xrpl"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/paych"
	"github.com/ilp-connector/go-settle/internal/pkg/repo"

	. "github.com/ilp-connector/go-settle/internal/app/go-settle/node"
)

func TestInitCreatesLedgerKeys(t *testing.T) {
	ctx := context.Background()
	r := repo.NewInMemoryRepo()
	require.NoError(t, Init(ctx, r))

	ks := r.Keystore()
	names, err := ks.List()
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"xrpl", "evm", "cosmos"}, names)

	xk, err := ks.Get("xrpl")
	require.NoError(t, err)
	assert.Equal(t, crypto.Ed25519, int(xk.Type()))
	ek, err := ks.Get("evm")
	require.NoError(t, err)
	assert.Equal(t, crypto.Secp256k1, int(ek.Type()))

	t.Run("init keeps existing keys", func(t *testing.T) {
		require.NoError(t, Init(ctx, r))
		again, err := ks.Get("evm")
		require.NoError(t, err)
		assert.True(t, ek.Equals(again))
	})
}

func TestInitImportsKeys(t *testing.T) {
	priv, _, err := crypto.GenerateKeyPair(crypto.Ed25519, 256)
	require.NoError(t, err)

	r := repo.NewInMemoryRepo()
	require.NoError(t, Init(context.Background(), r, ImportKey("xrpl", priv)))

	got, err := r.Keystore().Get("xrpl")
	require.NoError(t, err)
	assert.True(t, priv.Equals(got))
}

func TestInitRejectsMixedKeyTypes(t *testing.T) {
	cfg := config.NewDefaultConfig()
	lc, ok := cfg.Ledger("xrpl")
	require.True(t, ok)
	lc.KeyName = "evm"

	err := Init(context.Background(), repo.NewInMemoryRepoWithConfig(cfg))
	assert.Error(t, err)
}

func TestAddresses(t *testing.T) {
	r := repo.NewInMemoryRepo()
	require.NoError(t, Init(context.Background(), r))

	addrs, err := Addresses(r)
	require.NoError(t, err)
	require.Len(t, addrs, 4)

	byLedger := make(map[string]LedgerAddress)
	for _, a := range addrs {
		byLedger[a.Ledger] = a
	}

	assert.NoError(t, xrpl.ValidateAddress(byLedger["xrpl"].Address))
	assert.True(t, strings.HasPrefix(byLedger["cosmos"].Address, "cosmos1"))
	assert.NoError(t, cosmos.AddressValidator("cosmos")(byLedger["cosmos"].Address))

	// Both EVM chains settle from the same key.
	assert.NoError(t, evm.ValidateAddress(byLedger["eth-sepolia"].Address))
	assert.Equal(t, byLedger["eth-sepolia"].Address, byLedger["base-sepolia"].Address)

	key, err := r.Keystore().Get("evm")
	require.NoError(t, err)
	pub, err := paych.PublicKeyBytes(key)
	require.NoError(t, err)
	want, err := evm.AddressFromPublicKey(pub)
	require.NoError(t, err)
	assert.Equal(t, want, byLedger["base-sepolia"].Address)

	t.Run("missing key", func(t *testing.T) {
		_, err := Addresses(repo.NewInMemoryRepo())
		assert.Error(t, err)
	})
}
