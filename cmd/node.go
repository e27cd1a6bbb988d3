package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/cache"
	"github.com/gridforge/gridforge/internal/config"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/nodehttp"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/nodetypes"
	"github.com/gridforge/gridforge/internal/retry"
	"github.com/urfave/cli/v2"
)

// NodeCommand runs a node process: the HTTP surface for exactly one
// registered NodeType, registering itself with the local manager and
// running the terminal-job cleanup sweep. The Action delegates to a
// plain function so it stays testable outside the cli package.
var NodeCommand = &cli.Command{
	Name:      "node",
	Usage:     "Run a single node type's HTTP surface",
	ArgsUsage: "<node-type-name>",
	Flags:     append(append([]cli.Flag{}, sharedFlags...), nodeFlags...),
	Action: func(ctx *cli.Context) error {
		name := ctx.Args().First()
		if name == "" {
			return fmt.Errorf("node: a node type name is required, e.g. \"gridforge node add\"")
		}
		return RunNode(name)
	},
}

// RunNode blocks serving nt's HTTP surface until the process is killed.
func RunNode(name string) error {
	registry := nodetype.NewRegistry()
	if err := nodetypes.Register(registry); err != nil {
		return err
	}
	nt, ok := registry.Get(name)
	if !ok {
		return fmt.Errorf("node: unknown node type %q (known: %v)", name, registry.Names())
	}

	nt.CacheDir = config.CacheDir
	nt.CacheSize = config.CacheSize
	nt.InputDirRoot = config.DataDir + "/" + name + "/inputs"
	nt.OutputDirRoot = config.DataDir + "/" + name + "/outputs"
	for _, dir := range []string{nt.CacheDir, nt.InputDirRoot, nt.OutputDirRoot} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create %q: %w", dir, err)
		}
	}

	c := cache.New(nt.CacheDir, nt.CacheSize)
	mgr := managerclient.New(config.ManagerAddress)
	srv := nodehttp.NewServer(nt, c, mgr)

	if err := retry.Do(srv.Context(), retry.ManagerRegistration(), "register_node", func(int) error {
		return registerWithManager(srv, mgr)
	}); err != nil {
		logging.Log.WithError(err).Warn("node: manager registration exhausted its retry budget, serving anyway")
	}

	go srv.RunCleanupSweep(srv.Context())

	logging.Log.WithField("node", name).WithField("port", config.Port).Info("node: serving")
	addr := fmt.Sprintf(":%d", config.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Mux()}
	return serveWithGracefulShutdown(httpSrv, srv.Shutdown)
}

// registerWithManager tells the local manager this node's identity and
// resource requirements. No address is sent, and the manager records
// only the node's name and requirements.
func registerWithManager(srv *nodehttp.Server, mgr *managerclient.Client) error {
	ctx, cancel := context.WithTimeout(srv.Context(), 5*time.Second)
	defer cancel()
	return mgr.RegisterNode(ctx, managerclient.NodeMetaData{
		Name:            srv.NodeType.Name,
		LastHeardFrom:   time.Now(),
		GPUGBRequired:   srv.NodeType.RequiredGPUMemGB,
		ThreadsRequired: srv.NodeType.RequiredThreads,
		MemoryRequired:  srv.NodeType.RequiredMemoryGB,
	})
}
