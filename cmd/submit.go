package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/gridforge/gridforge/internal/clientdriver"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/schema"
	"github.com/urfave/cli/v2"
)

// SubmitCommand is a thin terminal client over internal/clientdriver:
// the same create/upload/start/poll/download sequence the driver
// library exposes, for manual submissions from a shell.
var SubmitCommand = &cli.Command{
	Name:      "submit",
	Usage:     "Submit a job to a node, directly or via a manager",
	ArgsUsage: "<node-name>",
	Flags: []cli.Flag{
		&cli.StringFlag{
			Name:  "manager-address",
			Usage: "Manager base URL to resolve <node-name> through",
		},
		&cli.StringFlag{
			Name:  "node-address",
			Usage: "Node base URL to submit to directly, bypassing the manager",
		},
		&cli.StringFlag{
			Name:  "fields",
			Usage: "JSON object of non-file input fields",
			Value: "{}",
		},
		&cli.StringSliceFlag{
			Name:  "file",
			Usage: "field_name=local_path, repeatable, for every file-valued input field",
		},
		&cli.IntFlag{
			Name:  "priority",
			Value: 3,
			Usage: "Job priority in [1,5]",
		},
		&cli.BoolFlag{
			Name:  "check-cache",
			Usage: "Return a cached result if one already exists",
		},
		&cli.BoolFlag{
			Name:  "save-to-cache",
			Usage: "Save this job's result to the cache once it finishes",
		},
		&cli.BoolFlag{
			Name:  "wait",
			Usage: "Wait for the job to reach a terminal state before exiting",
			Value: true,
		},
		&cli.StringFlag{
			Name:  "download",
			Usage: "If --wait and the job finishes, download outputs into this directory",
		},
	},
	Action: submitAction,
}

func submitAction(ctx *cli.Context) error {
	nodeName := ctx.Args().First()
	if nodeName == "" {
		return fmt.Errorf("submit: a node name is required, e.g. \"gridforge submit add --manager-address ...\"")
	}

	var fields schema.Record
	if err := json.Unmarshal([]byte(ctx.String("fields")), &fields); err != nil {
		return fmt.Errorf("submit: --fields must be a JSON object: %w", err)
	}

	files := map[string]string{}
	for _, pair := range ctx.StringSlice("file") {
		kv := strings.SplitN(pair, "=", 2)
		if len(kv) != 2 {
			return fmt.Errorf("submit: --file must be field_name=local_path, got %q", pair)
		}
		files[kv[0]] = kv[1]
	}

	c := clientdriver.New(ctx.String("manager-address"))
	background := context.Background()
	h, err := c.Submit(background, clientdriver.SubmitRequest{
		NodeName:    nodeName,
		NodeAddress: ctx.String("node-address"),
		Fields:      fields,
		Files:       files,
		RunConfig: job.RunConfig{
			Priority:    ctx.Int("priority"),
			CheckCache:  ctx.Bool("check-cache"),
			SaveToCache: ctx.Bool("save-to-cache"),
		},
	})
	if err != nil {
		return fmt.Errorf("submit: %w", err)
	}
	fmt.Fprintf(ctx.App.Writer, "submitted job %s on %s (%s)\n", h.JobID, h.NodeName, h.NodeAddress)

	if !ctx.Bool("wait") {
		return nil
	}

	status, err := h.Wait(background)
	if err != nil {
		return fmt.Errorf("submit: job %s: %w", h.JobID, err)
	}
	fmt.Fprintf(ctx.App.Writer, "job %s reached %s\n", h.JobID, status)

	dest := ctx.String("download")
	if dest == "" {
		return nil
	}
	result, resolvedDir, err := h.Download(background, dest, false)
	if err != nil {
		return fmt.Errorf("submit: download job %s: %w", h.JobID, err)
	}
	fmt.Fprintf(ctx.App.Writer, "downloaded to %s\n", resolvedDir)
	enc := json.NewEncoder(ctx.App.Writer)
	enc.SetIndent("", "  ")
	return enc.Encode(result)
}
