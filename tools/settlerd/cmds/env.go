package cmds

import (
	"context"

	cmds "github.com/ipfs/go-ipfs-cmds"

	"github.com/ilp-connector/go-settle/internal/pkg/repo"
)

// Env is the environment passed to commands. Implements cmds.Environment.
type Env struct {
	ctx     context.Context
	repoDir string
}

var _ cmds.Environment = (*Env)(nil)

// Context returns the context of the environment.
func (ce *Env) Context() context.Context {
	return ce.ctx
}

// RepoPath returns the expanded repo directory of the environment.
func (ce *Env) RepoPath() (string, error) {
	return repo.GetRepoPath(ce.repoDir)
}

// openRepo opens the repo of env. The caller closes it.
func openRepo(env cmds.Environment) (*repo.FSRepo, error) {
	dir, err := env.(*Env).RepoPath()
	if err != nil {
		return nil, err
	}
	return repo.OpenFSRepo(dir)
}
