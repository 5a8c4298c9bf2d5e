package config

import (
	"encoding/json"
	"fmt"
	"io/ioutil"
	"os"
	"reflect"
	"strconv"
	"strings"

	"github.com/pkg/errors"
)

// Config is an in memory representation of the settlement configuration file
type Config struct {
	Datastore *DatastoreConfig `json:"datastore"`
	Metrics   *MetricsConfig   `json:"metrics"`
	Ledgers   []*LedgerConfig  `json:"ledgers"`
}

// DatastoreConfig holds all the configuration options for the datastore.
type DatastoreConfig struct {
	Type string `json:"type"`
	Path string `json:"path"`
}

func newDefaultDatastoreConfig() *DatastoreConfig {
	return &DatastoreConfig{
		Type: "badgerds",
		Path: "badger",
	}
}

// MetricsConfig holds all configuration options related to node metrics.
type MetricsConfig struct {
	// Enabled will enable prometheus metrics when true.
	Enabled bool `json:"enabled"`
	// PrometheusEndpoint is the multiaddr the /metrics endpoint listens on.
	PrometheusEndpoint string `json:"prometheusEndpoint"`
	// ReportInterval represents how frequently the views are exported.
	ReportInterval string `json:"reportInterval"`
}

func newDefaultMetricsConfig() *MetricsConfig {
	return &MetricsConfig{
		Enabled:            false,
		PrometheusEndpoint: "/ip4/127.0.0.1/tcp/9400",
		ReportInterval:     "5s",
	}
}

// NewDefaultConfig returns a config object with all the fields filled out to
// their default values
func NewDefaultConfig() *Config {
	return &Config{
		Datastore: newDefaultDatastoreConfig(),
		Metrics:   newDefaultMetricsConfig(),
		Ledgers:   newDefaultLedgers(),
	}
}

// Ledger returns the ledger section with the given id.
func (cfg *Config) Ledger(id string) (*LedgerConfig, bool) {
	for _, l := range cfg.Ledgers {
		if l.ID == id {
			return l, true
		}
	}
	return nil, false
}

// WriteFile writes the config to the given filepath.
func (cfg *Config) WriteFile(file string) error {
	f, err := os.OpenFile(file, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0644)
	if err != nil {
		return err
	}
	defer f.Close() // nolint: errcheck

	configString, err := json.MarshalIndent(*cfg, "", "\t")
	if err != nil {
		return err
	}

	_, err = fmt.Fprint(f, string(configString))
	return err
}

// ReadFile reads a config file from disk.
func ReadFile(file string) (*Config, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, err
	}
	defer f.Close() // nolint: errcheck

	rawConfig, err := ioutil.ReadAll(f)
	if err != nil {
		return nil, err
	}
	return Parse(rawConfig)
}

// Parse decodes a config document over the defaults. A document that names its
// own ledgers replaces the default ledger list.
func Parse(rawConfig []byte) (*Config, error) {
	cfg := NewDefaultConfig()
	if len(rawConfig) == 0 {
		return cfg, nil
	}
	if err := validateDocument(rawConfig); err != nil {
		return nil, err
	}

	cfg.Ledgers = nil
	if err := json.Unmarshal(rawConfig, &cfg); err != nil {
		return nil, errors.Wrap(err, "failed to decode config")
	}
	return cfg, nil
}

// Set sets the config value referenced by `dottedKey`, e.g. 'metrics.enabled'
// or 'ledgers.0.settlement.threshold', to the json value jsonString. Values that
// are not valid json are treated as strings.
func (cfg *Config) Set(dottedKey string, jsonString string) error {
	if !json.Valid([]byte(jsonString)) {
		jsonBytes, _ := json.Marshal(jsonString)
		jsonString = string(jsonBytes)
	}
	var value interface{}
	if err := json.Unmarshal([]byte(jsonString), &value); err != nil {
		return err
	}

	encoded, err := json.Marshal(cfg)
	if err != nil {
		return err
	}
	var doc interface{}
	if err := json.Unmarshal(encoded, &doc); err != nil {
		return err
	}

	keys := strings.Split(dottedKey, ".")
	doc, err = setPath(doc, keys, value)
	if err != nil {
		return errors.Wrapf(err, "key: %s invalid for config", dottedKey)
	}

	updated, err := json.Marshal(doc)
	if err != nil {
		return err
	}
	if err := validateDocument(updated); err != nil {
		return err
	}

	decoder := json.NewDecoder(strings.NewReader(string(updated)))
	decoder.DisallowUnknownFields()
	next := &Config{}
	if err := decoder.Decode(next); err != nil {
		return err
	}
	*cfg = *next
	return nil
}

func setPath(node interface{}, keys []string, value interface{}) (interface{}, error) {
	if len(keys) == 0 {
		return value, nil
	}
	key := keys[0]
	switch n := node.(type) {
	case map[string]interface{}:
		child, ok := n[key]
		if !ok && len(keys) > 1 {
			return nil, fmt.Errorf("no field %q", key)
		}
		updated, err := setPath(child, keys[1:], value)
		if err != nil {
			return nil, err
		}
		n[key] = updated
		return n, nil
	case []interface{}:
		idx, err := strconv.Atoi(key)
		if err != nil {
			return nil, fmt.Errorf("%q is not a list index", key)
		}
		switch {
		case idx >= 0 && idx < len(n):
			updated, err := setPath(n[idx], keys[1:], value)
			if err != nil {
				return nil, err
			}
			n[idx] = updated
			return n, nil
		case idx == len(n) && len(keys) == 1:
			return append(n, value), nil
		default:
			return nil, fmt.Errorf("index %d out of range", idx)
		}
	default:
		return nil, fmt.Errorf("cannot descend into %q", key)
	}
}

// Get gets the config value referenced by `key`, e.g. 'datastore.path' or
// 'ledgers.1.endpoint'.
func (cfg *Config) Get(key string) (interface{}, error) {
	v := reflect.Indirect(reflect.ValueOf(cfg))
	keyTags := strings.Split(key, ".")
OUTER:
	for j, keyTag := range keyTags {
		switch v.Type().Kind() {
		case reflect.Struct:
			for i := 0; i < v.NumField(); i++ {
				jsonTag := strings.Split(
					v.Type().Field(i).Tag.Get("json"),
					",")[0]
				if jsonTag == keyTag {
					v = v.Field(i)
					if j == len(keyTags)-1 {
						return v.Interface(), nil
					}
					v = reflect.Indirect(v) // only attempt one dereference
					continue OUTER
				}
			}
		case reflect.Slice:
			idx, err := strconv.Atoi(keyTag)
			if err == nil && idx >= 0 && idx < v.Len() {
				v = v.Index(idx)
				if j == len(keyTags)-1 {
					return v.Interface(), nil
				}
				v = reflect.Indirect(v)
				continue OUTER
			}
		}

		return nil, fmt.Errorf("key: %s invalid for config", key)
	}
	// Cannot get here as len(strings.Split(s, sep)) >= 1 with non-empty sep
	return nil, fmt.Errorf("empty key is invalid")
}
