// Package node assembles a settlement node from a repo and the ledger clients
// of the embedding connector.
package node

import (
	"context"

	"github.com/benbjohnson/clock"
	logging "github.com/ipfs/go-log"
	"github.com/pkg/errors"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/internal/submodule"
	"github.com/ilp-connector/go-settle/internal/pkg/metrics"
	"github.com/ilp-connector/go-settle/internal/pkg/repo"
	"github.com/ilp-connector/go-settle/internal/pkg/settlement"
)

var log = logging.Logger("node")

// ErrAlreadyStarted is returned by a second Start.
var ErrAlreadyStarted = errors.New("node already started")

// Node represents a settlement node.
type Node struct {
	// Repo is the repo this node was created with.
	// It contains all persistent artifacts of the node.
	Repo repo.Repo

	Settlement submodule.SettlementSubmodule

	started bool
}

// Config is a helper to aid in the construction of a settlement node.
type Config struct {
	Repo    repo.Repo
	Clients submodule.Clients
	Clock   clock.Clock
}

// ConfigOpt is a configuration option for a settlement node.
type ConfigOpt func(*Config) error

// Clients sets the ledger clients of the node.
func Clients(clients submodule.Clients) ConfigOpt {
	return func(nc *Config) error {
		nc.Clients = clients
		return nil
	}
}

// Clock sets the clock of the node.
func Clock(clk clock.Clock) ConfigOpt {
	return func(nc *Config) error {
		nc.Clock = clk
		return nil
	}
}

// New creates a new node on r.
func New(ctx context.Context, r repo.Repo, opts ...ConfigOpt) (*Node, error) {
	nc := &Config{Repo: r}
	for _, o := range opts {
		if err := o(nc); err != nil {
			return nil, err
		}
	}
	return nc.Build(ctx)
}

// Build instantiates a settlement Node from the settings specified in the config.
func (nc *Config) Build(ctx context.Context) (*Node, error) {
	if nc.Repo == nil {
		return nil, errors.New("nil repo")
	}

	sm, err := submodule.NewSettlementSubmodule(nc.Repo.Config(), nc.Clients, nc.Repo.Keystore(), nc.Repo.Datastore(), nc.Clock)
	if err != nil {
		return nil, errors.Wrap(err, "failed to build settlement submodule")
	}
	return &Node{Repo: nc.Repo, Settlement: sm}, nil
}

// Start registers metrics and brings up the actor of every ledger.
func (node *Node) Start(ctx context.Context, host settlement.Host) error {
	if node.started {
		return ErrAlreadyStarted
	}

	mc := node.Repo.Config().Metrics
	if mc != nil && mc.Enabled {
		if err := metrics.RegisterPrometheusEndpoint(mc); err != nil {
			return errors.Wrap(err, "failed to setup metrics")
		}
	} else if err := metrics.RegisterViews(); err != nil {
		return errors.Wrap(err, "failed to register views")
	}

	if err := node.Settlement.Registry.Start(ctx, host); err != nil {
		return errors.Wrap(err, "failed to start settlement")
	}
	node.started = true

	if down := node.Settlement.Registry.Unavailable(); len(down) > 0 {
		log.Warningf("settlement unavailable on %v", down)
	}
	return nil
}

// Actor returns the actor settling ledgerID.
func (node *Node) Actor(ledgerID string) (settlement.Actor, bool) {
	return node.Settlement.Registry.Actor(ledgerID)
}

// Stop stops background work and closes the repo.
func (node *Node) Stop(ctx context.Context) {
	if err := node.Settlement.Registry.Close(); err != nil {
		log.Errorf("error closing actors: %s", err)
	}
	if err := node.Repo.Close(); err != nil {
		log.Errorf("error closing repo: %s", err)
	}
	node.started = false
	log.Infof("node shutdown complete")
}
