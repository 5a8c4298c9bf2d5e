package config

import (
	"math/big"
	"time"

	"github.com/pkg/errors"
	"github.com/shopspring/decimal"

	"github.com/ilp-connector/go-settle/internal/pkg/strategy"
)

// Ledger kinds.
const (
	KindXRPL      = "xrpl"
	KindEVM       = "evm"
	KindCosmos    = "cosmos"
	KindLightning = "lightning"
)

// Realms.
const (
	RealmTest = "test"
	RealmLive = "live"
)

// LedgerConfig configures one settlement scheme instance.
type LedgerConfig struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Realm      string `json:"realm"`
	Currency   string `json:"currency"`
	AssetScale int32  `json:"assetScale"`

	Endpoint        string `json:"endpoint"`
	ContractAddress string `json:"contractAddress,omitempty"`
	ChainID         uint64 `json:"chainId,omitempty"`
	Denom           string `json:"denom,omitempty"`
	AddressPrefix   string `json:"addressPrefix,omitempty"`
	// KeyName is the keystore entry holding this ledger's signing key.
	KeyName string `json:"keyName"`

	// ExecuteTimeout bounds one outgoing settlement.
	ExecuteTimeout string `json:"executeTimeout"`
	// StartupRetries is the attempt budget for reaching the endpoint at start.
	StartupRetries int `json:"startupRetries"`

	Settlement *SettlementConfig `json:"settlement"`
	Fees       *FeeConfig        `json:"fees"`
}

// SettlementConfig is the settlement policy of a ledger. Amounts are decimal
// strings in display units; durations are Go duration strings.
type SettlementConfig struct {
	Threshold         string `json:"threshold"`
	Interval          string `json:"interval"`
	SettleDelay       string `json:"settleDelay"`
	MinChannelBalance string `json:"minChannelBalance"`
	MaxClaims         uint64 `json:"maxClaims"`
	// ChannelDeposit is the amount locked when opening or topping up a channel.
	ChannelDeposit string `json:"channelDeposit"`
	CacheLifetime  string `json:"cacheLifetime"`
	SweepInterval  string `json:"sweepInterval"`
}

// FeeConfig bounds what a single submission may cost.
type FeeConfig struct {
	GasLimit uint64 `json:"gasLimit,omitempty"`
	// MaxFee in display units.
	MaxFee string `json:"maxFee"`
}

func newDefaultSettlementConfig(threshold, deposit string) *SettlementConfig {
	return &SettlementConfig{
		Threshold:         threshold,
		Interval:          "1h",
		SettleDelay:       "24h",
		MinChannelBalance: "0",
		MaxClaims:         strategy.DefaultMaxClaims,
		ChannelDeposit:    deposit,
		CacheLifetime:     "60s",
		SweepInterval:     "1m",
	}
}

func newDefaultLedgers() []*LedgerConfig {
	return []*LedgerConfig{
		{
			ID:             "xrpl",
			Kind:           KindXRPL,
			Realm:          RealmTest,
			Currency:       "XRP",
			AssetScale:     6,
			Endpoint:       "https://s.altnet.rippletest.net:51234",
			KeyName:        "xrpl",
			ExecuteTimeout: "30s",
			StartupRetries: 5,
			Settlement:     newDefaultSettlementConfig("10", "100"),
			Fees:           &FeeConfig{MaxFee: "0.001"},
		},
		{
			ID:             "eth-sepolia",
			Kind:           KindEVM,
			Realm:          RealmTest,
			Currency:       "ETH",
			AssetScale:     18,
			Endpoint:       "https://rpc.sepolia.org",
			ChainID:        11155111,
			KeyName:        "evm",
			ExecuteTimeout: "2m",
			StartupRetries: 5,
			Settlement:     newDefaultSettlementConfig("0.01", "0.1"),
			Fees:           &FeeConfig{GasLimit: 300000, MaxFee: "0.005"},
		},
		{
			ID:             "base-sepolia",
			Kind:           KindEVM,
			Realm:          RealmTest,
			Currency:       "ETH",
			AssetScale:     18,
			Endpoint:       "https://sepolia.base.org",
			ChainID:        84532,
			KeyName:        "evm",
			ExecuteTimeout: "1m",
			StartupRetries: 5,
			Settlement:     newDefaultSettlementConfig("0.01", "0.1"),
			Fees:           &FeeConfig{GasLimit: 300000, MaxFee: "0.001"},
		},
		{
			ID:             "cosmos",
			Kind:           KindCosmos,
			Realm:          RealmTest,
			Currency:       "ATOM",
			AssetScale:     6,
			Endpoint:       "https://rpc.sentry-01.theta-testnet.polypore.xyz",
			Denom:          "uatom",
			AddressPrefix:  "cosmos",
			KeyName:        "cosmos",
			ExecuteTimeout: "1m",
			StartupRetries: 5,
			Settlement:     newDefaultSettlementConfig("1", "0"),
			Fees:           &FeeConfig{GasLimit: 200000, MaxFee: "0.01"},
		},
		{
			ID:             "lightning",
			Kind:           KindLightning,
			Realm:          RealmTest,
			Currency:       "BTC",
			AssetScale:     8,
			Endpoint:       "localhost:10009",
			ExecuteTimeout: "30s",
			StartupRetries: 5,
			Settlement:     newDefaultSettlementConfig("0.0001", "0"),
			Fees:           &FeeConfig{MaxFee: "0.00001"},
		},
	}
}

// Validate checks the semantic content of the section. A section that fails
// validation is served by an unavailable actor.
func (lc *LedgerConfig) Validate() error {
	if lc.ID == "" {
		return errors.New("ledger without id")
	}
	switch lc.Kind {
	case KindXRPL, KindEVM, KindCosmos, KindLightning:
	default:
		return errors.Errorf("ledger %s: unknown kind %q", lc.ID, lc.Kind)
	}
	switch lc.Realm {
	case RealmTest, RealmLive:
	default:
		return errors.Errorf("ledger %s: unknown realm %q", lc.ID, lc.Realm)
	}
	if lc.AssetScale < 0 || lc.AssetScale > 18 {
		return errors.Errorf("ledger %s: asset scale %d out of range", lc.ID, lc.AssetScale)
	}
	if lc.Endpoint == "" {
		return errors.Errorf("ledger %s: missing endpoint", lc.ID)
	}
	if lc.Kind == KindEVM && lc.ChainID == 0 {
		return errors.Errorf("ledger %s: missing chain id", lc.ID)
	}
	if lc.Kind == KindCosmos && (lc.Denom == "" || lc.AddressPrefix == "") {
		return errors.Errorf("ledger %s: missing denom or address prefix", lc.ID)
	}
	if lc.Kind != KindLightning && lc.KeyName == "" {
		return errors.Errorf("ledger %s: missing key name", lc.ID)
	}
	if _, err := lc.Timeout(); err != nil {
		return err
	}
	if _, err := lc.Policy(); err != nil {
		return err
	}
	if _, err := lc.ChannelDeposit(); err != nil {
		return err
	}
	if _, err := lc.MaxFee(); err != nil {
		return err
	}
	if _, err := lc.CacheLifetime(); err != nil {
		return err
	}
	_, err := lc.SweepInterval()
	return err
}

func (lc *LedgerConfig) settlement() *SettlementConfig {
	if lc.Settlement == nil {
		return &SettlementConfig{}
	}
	return lc.Settlement
}

// MinorUnits converts a display amount to the ledger's minor unit. The amount
// must be non-negative and representable without fractional minor units.
func (lc *LedgerConfig) MinorUnits(amount string) (uint64, error) {
	if amount == "" {
		return 0, nil
	}
	d, err := decimal.NewFromString(amount)
	if err != nil {
		return 0, errors.Wrapf(err, "ledger %s: invalid amount %q", lc.ID, amount)
	}
	if d.IsNegative() {
		return 0, errors.Errorf("ledger %s: negative amount %q", lc.ID, amount)
	}
	minor := d.Shift(lc.AssetScale)
	if !minor.Equal(minor.Truncate(0)) {
		return 0, errors.Errorf("ledger %s: amount %q is finer than asset scale %d", lc.ID, amount, lc.AssetScale)
	}
	bi := minor.BigInt()
	if !bi.IsUint64() {
		return 0, errors.Errorf("ledger %s: amount %q overflows", lc.ID, amount)
	}
	return bi.Uint64(), nil
}

// DisplayUnits formats a minor-unit amount in display units.
func (lc *LedgerConfig) DisplayUnits(minor uint64) string {
	return decimal.NewFromBigInt(new(big.Int).SetUint64(minor), -lc.AssetScale).String()
}

func parseDuration(ledgerID, field, s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0, errors.Wrapf(err, "ledger %s: invalid %s", ledgerID, field)
	}
	if d < 0 {
		return 0, errors.Errorf("ledger %s: negative %s", ledgerID, field)
	}
	return d, nil
}

// Policy returns the settlement policy in minor units.
func (lc *LedgerConfig) Policy() (strategy.Policy, error) {
	s := lc.settlement()
	p := strategy.DefaultPolicy()

	var err error
	if p.Threshold, err = lc.MinorUnits(s.Threshold); err != nil {
		return p, err
	}
	if p.MinChannelBalance, err = lc.MinorUnits(s.MinChannelBalance); err != nil {
		return p, err
	}
	if p.SettlementInterval, err = parseDuration(lc.ID, "interval", s.Interval); err != nil {
		return p, err
	}
	if p.DefaultSettleDelay, err = parseDuration(lc.ID, "settleDelay", s.SettleDelay); err != nil {
		return p, err
	}
	if s.MaxClaims > 0 {
		p.MaxClaims = s.MaxClaims
	}
	return p, nil
}

// ChannelDeposit returns the channel funding amount in minor units.
func (lc *LedgerConfig) ChannelDeposit() (uint64, error) {
	return lc.MinorUnits(lc.settlement().ChannelDeposit)
}

// MaxFee returns the per-submission fee ceiling in minor units; zero means unbounded.
func (lc *LedgerConfig) MaxFee() (uint64, error) {
	if lc.Fees == nil {
		return 0, nil
	}
	return lc.MinorUnits(lc.Fees.MaxFee)
}

// GasLimit returns the configured gas ceiling; zero means unbounded.
func (lc *LedgerConfig) GasLimit() uint64 {
	if lc.Fees == nil {
		return 0
	}
	return lc.Fees.GasLimit
}

// Timeout returns the execute timeout, 30s when unset.
func (lc *LedgerConfig) Timeout() (time.Duration, error) {
	d, err := parseDuration(lc.ID, "executeTimeout", lc.ExecuteTimeout)
	if err != nil || d > 0 {
		return d, err
	}
	return 30 * time.Second, nil
}

// CacheLifetime returns the channel cache lifetime; zero selects the cache default.
func (lc *LedgerConfig) CacheLifetime() (time.Duration, error) {
	return parseDuration(lc.ID, "cacheLifetime", lc.settlement().CacheLifetime)
}

// SweepInterval returns the period of the background settlement sweep; zero disables it.
func (lc *LedgerConfig) SweepInterval() (time.Duration, error) {
	return parseDuration(lc.ID, "sweepInterval", lc.settlement().SweepInterval)
}

// Retries returns the startup attempt budget, at least one.
func (lc *LedgerConfig) Retries() int {
	if lc.StartupRetries < 1 {
		return 1
	}
	return lc.StartupRetries
}
