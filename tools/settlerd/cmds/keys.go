package cmds

import (
	"fmt"
	"io"

	cmdkit "github.com/ipfs/go-ipfs-cmdkit"
	cmds "github.com/ipfs/go-ipfs-cmds"

	"github.com/ilp-connector/go-settle/internal/app/go-settle/node"
	"github.com/ilp-connector/go-settle/internal/pkg/config"
)

var keysCmd = &cmds.Command{
	Helptext: cmdkit.HelpText{
		Tagline: "Show the settling address of every ledger",
	},
	Run: func(req *cmds.Request, re cmds.ResponseEmitter, env cmds.Environment) error {
		rep, err := openRepo(env)
		if err != nil {
			return err
		}
		defer rep.Close() // nolint: errcheck

		addrs, err := node.Addresses(rep)
		if err != nil {
			return err
		}
		for i := range addrs {
			if err := re.Emit(&addrs[i]); err != nil {
				return err
			}
		}
		return nil
	},
	Type: &node.LedgerAddress{},
	Encoders: cmds.EncoderMap{
		cmds.Text: cmds.MakeTypedEncoder(func(req *cmds.Request, w io.Writer, a *node.LedgerAddress) error {
			_, err := fmt.Fprintf(w, "%-14s %-10s %-8s %s\n", a.Ledger, a.Kind, a.KeyName, a.Address)
			return err
		}),
	},
}

// LedgerView is one configured ledger as listed by the ledgers command.
type LedgerView struct {
	ID       string
	Kind     string
	Realm    string
	Currency string
	Endpoint string
	// Problem is set when the section fails validation.
	Problem string `json:",omitempty"`
}

var ledgersCmd = &cmds.Command{
	Helptext: cmdkit.HelpText{
		Tagline: "Show the configured ledgers",
		ShortDescription: `
Lists every ledger section. A section with a problem will come up unavailable:
it answers peering and settlement with safe defaults until it is fixed.
`,
	},
	Run: func(req *cmds.Request, re cmds.ResponseEmitter, env cmds.Environment) error {
		rep, err := openRepo(env)
		if err != nil {
			return err
		}
		defer rep.Close() // nolint: errcheck

		for _, lc := range rep.Config().Ledgers {
			if err := re.Emit(ledgerView(lc)); err != nil {
				return err
			}
		}
		return nil
	},
	Type: &LedgerView{},
	Encoders: cmds.EncoderMap{
		cmds.Text: cmds.MakeTypedEncoder(func(req *cmds.Request, w io.Writer, v *LedgerView) error {
			status := "ok"
			if v.Problem != "" {
				status = v.Problem
			}
			_, err := fmt.Fprintf(w, "%-14s %-10s %-5s %-5s %s (%s)\n", v.ID, v.Kind, v.Realm, v.Currency, v.Endpoint, status)
			return err
		}),
	},
}

func ledgerView(lc *config.LedgerConfig) *LedgerView {
	v := &LedgerView{
		ID:       lc.ID,
		Kind:     lc.Kind,
		Realm:    lc.Realm,
		Currency: lc.Currency,
		Endpoint: lc.Endpoint,
	}
	if err := lc.Validate(); err != nil {
		v.Problem = err.Error()
	}
	return v
}
