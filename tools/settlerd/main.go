package main

import (
	"os"

	"github.com/ilp-connector/go-settle/tools/settlerd/cmds"
)

func main() {
	code, _ := cmds.Run(os.Args, os.Stdin, os.Stdout, os.Stderr)
	os.Exit(code)
}
