package config

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfigRoundtrip(t *testing.T) {

	dir, err := ioutil.TempDir("", "config")
	assert.NoError(t, err)
	defer func() {
		require.NoError(t, os.RemoveAll(dir))
	}()

	cfg := NewDefaultConfig()

	cfgpath := filepath.Join(dir, "config.json")
	assert.NoError(t, cfg.WriteFile(cfgpath))

	cfgout, err := ReadFile(cfgpath)
	assert.NoError(t, err)

	assert.Equal(t, cfg, cfgout)
}

func TestDefaultLedgersAreValid(t *testing.T) {
	cfg := NewDefaultConfig()
	require.Len(t, cfg.Ledgers, 5)
	for _, l := range cfg.Ledgers {
		assert.NoError(t, l.Validate(), l.ID)
	}
	evm := 0
	for _, l := range cfg.Ledgers {
		if l.Kind == KindEVM {
			evm++
		}
	}
	assert.Equal(t, 2, evm)
}

func TestParse(t *testing.T) {
	t.Run("empty document gives defaults", func(t *testing.T) {
		cfg, err := Parse(nil)
		require.NoError(t, err)
		assert.Equal(t, NewDefaultConfig(), cfg)
	})

	t.Run("ledgers replace defaults", func(t *testing.T) {
		cfg, err := Parse([]byte(`{"ledgers": [{"id": "xrpl-main", "kind": "xrpl", "realm": "live", "endpoint": "wss://x"}]}`))
		require.NoError(t, err)
		require.Len(t, cfg.Ledgers, 1)
		assert.Equal(t, "xrpl-main", cfg.Ledgers[0].ID)
		assert.Nil(t, cfg.Ledgers[0].Settlement)
		assert.Equal(t, "badgerds", cfg.Datastore.Type)
	})

	t.Run("schema violations", func(t *testing.T) {
		_, err := Parse([]byte(`{"bogus": 1}`))
		assert.Error(t, err)
		_, err = Parse([]byte(`{"ledgers": [{"kind": "xrpl"}]}`))
		assert.Error(t, err)
		_, err = Parse([]byte(`{"metrics": {"enabled": "yes"}}`))
		assert.Error(t, err)
	})

	t.Run("semantic errors stay per ledger", func(t *testing.T) {
		cfg, err := Parse([]byte(`{"ledgers": [
			{"id": "a", "kind": "carrier-pigeon", "realm": "test", "endpoint": "x"},
			{"id": "b", "kind": "lightning", "realm": "test", "endpoint": "x"}
		]}`))
		require.NoError(t, err)
		assert.Error(t, cfg.Ledgers[0].Validate())
		assert.NoError(t, cfg.Ledgers[1].Validate())
	})
}

func TestSetGet(t *testing.T) {
	cfg := NewDefaultConfig()

	require.NoError(t, cfg.Set("datastore.path", "/tmp/other"))
	assert.Equal(t, "/tmp/other", cfg.Datastore.Path)

	require.NoError(t, cfg.Set("metrics.enabled", "true"))
	assert.True(t, cfg.Metrics.Enabled)

	require.NoError(t, cfg.Set("ledgers.1.settlement.threshold", `"0.5"`))
	assert.Equal(t, "0.5", cfg.Ledgers[1].Settlement.Threshold)
	assert.Equal(t, "0.01", cfg.Ledgers[2].Settlement.Threshold)

	v, err := cfg.Get("ledgers.1.settlement.threshold")
	require.NoError(t, err)
	assert.Equal(t, "0.5", v)

	v, err = cfg.Get("ledgers.0.id")
	require.NoError(t, err)
	assert.Equal(t, "xrpl", v)

	v, err = cfg.Get("datastore")
	require.NoError(t, err)
	assert.Equal(t, cfg.Datastore, v)

	assert.Error(t, cfg.Set("datastore.unknown", "1"))
	assert.Error(t, cfg.Set("ledgers.9.id", `"x"`))
	assert.Error(t, cfg.Set("metrics.enabled", `"nope"`))
	assert.True(t, cfg.Metrics.Enabled)

	_, err = cfg.Get("ledgers.9")
	assert.Error(t, err)
	_, err = cfg.Get("nothing.here")
	assert.Error(t, err)
}

func TestMinorUnits(t *testing.T) {
	lc := &LedgerConfig{ID: "x", AssetScale: 6}

	testCases := []struct {
		in      string
		want    uint64
		wantErr bool
	}{
		{"1", 1000000, false},
		{"1.5", 1500000, false},
		{"0.000001", 1, false},
		{"", 0, false},
		{"0.0000001", 0, true},
		{"-1", 0, true},
		{"abc", 0, true},
		{"100000000000000", 0, true},
	}
	for _, tc := range testCases {
		t.Run(tc.in, func(t *testing.T) {
			got, err := lc.MinorUnits(tc.in)
			if tc.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}

	assert.Equal(t, "1.5", lc.DisplayUnits(1500000))
}

func TestPolicy(t *testing.T) {
	lc, ok := NewDefaultConfig().Ledger("xrpl")
	require.True(t, ok)

	p, err := lc.Policy()
	require.NoError(t, err)
	assert.Equal(t, uint64(10000000), p.Threshold)
	assert.Equal(t, time.Hour, p.SettlementInterval)
	assert.Equal(t, 24*time.Hour, p.DefaultSettleDelay)
	assert.Equal(t, time.Hour, p.SafetyMargin)
	assert.Equal(t, uint64(100), p.MaxClaims)

	deposit, err := lc.ChannelDeposit()
	require.NoError(t, err)
	assert.Equal(t, uint64(100000000), deposit)

	lc.Settlement.Interval = "soon"
	assert.Error(t, lc.Validate())
}
