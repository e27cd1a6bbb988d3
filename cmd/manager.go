package cmd

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/config"
	"github.com/gridforge/gridforge/internal/dispatcher"
	"github.com/gridforge/gridforge/internal/managerhttp"
	"github.com/gridforge/gridforge/internal/resourcepool"
	"github.com/urfave/cli/v2"
)

// ManagerCommand runs a manager process: one host's ResourcePool and
// dispatcher, exposed over HTTP to the node processes and peer managers
// sharing this deployment.
var ManagerCommand = &cli.Command{
	Name:   "manager",
	Usage:  "Run a host's resource manager",
	Flags:  append(append([]cli.Flag{}, sharedFlags...), managerFlags...),
	Action: func(ctx *cli.Context) error { return RunManager() },
}

// RunManager blocks serving the manager's HTTP surface until killed.
func RunManager() error {
	gpuCaps, err := parseGPUMem(config.GPUMem)
	if err != nil {
		return fmt.Errorf("manager: %w", err)
	}
	pool := resourcepool.NewPool(gpuCaps, config.NumThreads, config.Memory)

	selfAddress := fmt.Sprintf("%s:%d", config.Name, config.Port)
	if config.Name == "" {
		selfAddress = fmt.Sprintf("localhost:%d", config.Port)
	}
	srv := managerhttp.NewServer(pool, selfAddress)

	peers := parsePeers(config.PeerAddresses)
	srv.Dispatcher = dispatcher.New(selfAddress, srv.HostsNode, pool.Load, peers)

	logging.Log.WithField("port", config.Port).WithField("peers", peers).Info("manager: serving")
	addr := fmt.Sprintf(":%d", config.Port)
	httpSrv := &http.Server{Addr: addr, Handler: srv.Mux()}
	return serveWithGracefulShutdown(httpSrv, func() {})
}

func parseGPUMem(raw string) ([]int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	parts := strings.Split(raw, ",")
	caps := make([]int, 0, len(parts))
	for _, p := range parts {
		n, err := strconv.Atoi(strings.TrimSpace(p))
		if err != nil {
			return nil, fmt.Errorf("invalid gpu-mem entry %q: %w", p, err)
		}
		caps = append(caps, n)
	}
	return caps, nil
}

func parsePeers(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	peers := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}
