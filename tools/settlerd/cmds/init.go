package cmds

import (
	"fmt"
	"io"

	cmdkit "github.com/ipfs/go-ipfs-cmdkit"
	cmds "github.com/ipfs/go-ipfs-cmds"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/node"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
	"github.com/ilp-connector/go-settle/internal/pkg/repo"
)

var initCmd = &cmds.Command{
	Helptext: cmdkit.HelpText{
		Tagline: "Initialize a settlement repo",
		ShortDescription: `
Writes the default configuration and creates a signing key for every keyed
ledger: ed25519 for xrpl, secp256k1 shared by the evm chains and cosmos.
`,
	},
	Run: func(req *cmds.Request, re cmds.ResponseEmitter, env cmds.Environment) error {
		repoDir, err := env.(*Env).RepoPath()
		if err != nil {
			return err
		}
		if err := re.Emit(fmt.Sprintf("initializing settlement repo at %s\n", repoDir)); err != nil {
			return err
		}

		if err := repo.InitFSRepo(repoDir, config.NewDefaultConfig()); err != nil {
			return err
		}
		rep, err := repo.OpenFSRepo(repoDir)
		if err != nil {
			return err
		}
		// The only error Close can return is that the repo has already been closed
		defer rep.Close() // nolint: errcheck

		return node.Init(req.Context, rep)
	},
	Encoders: cmds.EncoderMap{
		cmds.Text: cmds.MakeEncoder(initTextEncoder),
	},
}

func initTextEncoder(req *cmds.Request, w io.Writer, val interface{}) error {
	_, err := fmt.Fprint(w, val.(string))
	return err
}
