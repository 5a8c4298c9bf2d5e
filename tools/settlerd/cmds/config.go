package cmds

import (
	"encoding/json"
	"fmt"
	"io"

	cmdkit "github.com/ipfs/go-ipfs-cmdkit"
	cmds "github.com/ipfs/go-ipfs-cmds"
)

var configCmd = &cmds.Command{
	Helptext: cmdkit.HelpText{
		Tagline: "Get and set settlement config values",
		ShortDescription: `
settlerd config controls configuration variables. These variables are stored
in a config file inside your settlement repo. When getting values, a key
should be provided, like so:

settlerd config KEY

When setting values, the key should be given first followed by the value in
JSON format. Ledger sections are addressed by index:

settlerd config ledgers.0.settlement.threshold '"25"'
`,
	},
	Arguments: []cmdkit.Argument{
		cmdkit.StringArg("key", true, false, "The key of the config entry (e.g. \"metrics.enabled\")."),
		cmdkit.StringArg("value", false, false, "Optionally, a value with which to set the config entry."),
	},
	Run: func(req *cmds.Request, re cmds.ResponseEmitter, env cmds.Environment) error {
		rep, err := openRepo(env)
		if err != nil {
			return err
		}
		defer rep.Close() // nolint: errcheck

		key := req.Arguments[0]
		cfg := rep.Config()

		if len(req.Arguments) == 2 {
			if err := cfg.Set(key, req.Arguments[1]); err != nil {
				return err
			}
			if err := rep.ReplaceConfig(cfg); err != nil {
				return err
			}
		}

		res, err := cfg.Get(key)
		if err != nil {
			return err
		}
		return re.Emit(res)
	},
	Encoders: cmds.EncoderMap{
		cmds.Text: cmds.MakeEncoder(func(req *cmds.Request, w io.Writer, val interface{}) error {
			out, err := json.MarshalIndent(val, "", "\t")
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(w, string(out))
			return err
		}),
	},
}
