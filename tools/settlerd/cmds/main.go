// Package cmds implements the settlerd command line.
package cmds

import (
	"context"
	"os"

	cmdkit "github.com/ipfs/go-ipfs-cmdkit"
	cmds "github.com/ipfs/go-ipfs-cmds"
	"github.com/ipfs/go-ipfs-cmds/cli"
	logging "github.com/ipfs/go-log"

	"github.com/ilp-connector/go-settle/internal/pkg/repo"
)

const (
	// OptionRepoDir is the name of the option for specifying the directory of the repo.
	OptionRepoDir = "repodir"

	// OptionLogLevel sets the level of every logger.
	OptionLogLevel = "loglevel"

	// Environment variable overriding the default repo directory.
	envRepoDir = "SETTLERD_PATH"
)

var rootCmd = &cmds.Command{
	Helptext: cmdkit.HelpText{
		Tagline: "Interledger settlement keys and configuration",
		Subcommands: `
SETUP
  settlerd init                  - Initialize a settlement repo and its ledger keys
  settlerd keys                  - Show the settling address of every ledger
  settlerd ledgers               - Show the configured ledgers
  settlerd config <key> [<json>] - Get or set a config value
`,
	},
	Options: []cmdkit.Option{
		cmdkit.StringOption(OptionRepoDir, "Path of the settlement repo"),
		cmdkit.StringOption(OptionLogLevel, "Set the level of all loggers").WithDefault("warning"),
	},
	Subcommands: map[string]*cmds.Command{
		"init":    initCmd,
		"keys":    keysCmd,
		"ledgers": ledgersCmd,
		"config":  configCmd,
	},
}

// Run processes the arguments and stdin
func Run(args []string, stdin, stdout, stderr *os.File) (int, error) {
	err := cli.Run(context.Background(), rootCmd, args, stdin, stdout, stderr, buildEnv, makeExecutor)
	if err == nil {
		return 0, nil
	}
	if exerr, ok := err.(cli.ExitError); ok {
		return int(exerr), nil
	}
	return 1, err
}

func buildEnv(ctx context.Context, req *cmds.Request) (cmds.Environment, error) {
	if lvl, ok := req.Options[OptionLogLevel].(string); ok && lvl != "" {
		if err := logging.SetLogLevel("*", lvl); err != nil {
			return nil, err
		}
	}
	return &Env{ctx: ctx, repoDir: requestRepoDir(req)}, nil
}

func makeExecutor(req *cmds.Request, env interface{}) (cmds.Executor, error) {
	return cmds.NewExecutor(rootCmd), nil
}

// requestRepoDir resolves the repo directory: flag first, then environment,
// then the default.
func requestRepoDir(req *cmds.Request) string {
	if dir, ok := req.Options[OptionRepoDir].(string); ok && dir != "" {
		return dir
	}
	if dir := os.Getenv(envRepoDir); dir != "" {
		return dir
	}
	return repo.DefaultRepoDir
}
