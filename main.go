package main

import (
	"os"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/cmd"
	"github.com/urfave/cli/v2"
)

func main() {
	app := &cli.App{
		Name:  "gridforge",
		Usage: "Distributed, GPU-aware job runtime",
		Commands: []*cli.Command{
			cmd.NodeCommand,
			cmd.ManagerCommand,
			cmd.SubmitCommand,
			cmd.HealthCheckCommand,
			cmd.RunWorkerCommand,
		},
	}
	err := app.Run(os.Args)
	if err != nil {
		// log fatal so we exit with the proper exit code, this is important for containerized deployment health checks
		logging.Log.WithError(err).Fatal("runtime error")
	}
}
