package cmd

import (
	"fmt"

	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/nodetypes"
	"github.com/gridforge/gridforge/internal/supervisor"
	"github.com/urfave/cli/v2"
)

// RunWorkerCommand is the hidden re-exec entrypoint
// supervisor.spawnWorkerProcess invokes: "<binary> runworker <node-name>"
// with fd 3/4 already wired as the request/result pipe. It is never
// meant to be typed by a human; Hidden keeps it out of --help.
var RunWorkerCommand = &cli.Command{
	Name:      "runworker",
	Usage:     "internal: execute one job's process callback in isolation",
	ArgsUsage: "<node-type-name>",
	Hidden:    true,
	Action: func(ctx *cli.Context) error {
		name := ctx.Args().First()
		if name == "" {
			return fmt.Errorf("runworker: missing node type name")
		}
		registry := nodetype.NewRegistry()
		if err := nodetypes.Register(registry); err != nil {
			return err
		}
		code := supervisor.RunWorker(registry, name)
		if code != 0 {
			return cli.Exit("", code)
		}
		return nil
	},
}
