package cmd

import (
	"github.com/gridforge/gridforge/internal/config"
	"github.com/urfave/cli/v2"
)

// sharedFlags bind to internal/config's package-level vars via
// Destination, so flag values and environment variables land in the
// same place every other package reads them from.
var sharedFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "name",
		Usage:       "This process's identity (node name or manager host alias)",
		Destination: &config.Name,
		EnvVars:     []string{"NAME"},
	},
	&cli.IntFlag{
		Name:        "port",
		Aliases:     []string{"p"},
		Value:       8080,
		Usage:       "Port to listen on",
		Destination: &config.Port,
		EnvVars:     []string{"PORT"},
	},
	&cli.StringFlag{
		Name:        "manager-address",
		Usage:       "Base URL of this host's local manager",
		Value:       "http://localhost:9090",
		Destination: &config.ManagerAddress,
		EnvVars:     []string{"MANAGER_ADDRESS"},
	},
}

var nodeFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "cache-dir",
		Value:       "./cache",
		Usage:       "Root directory for this node's content-addressed result cache",
		Destination: &config.CacheDir,
		EnvVars:     []string{"CACHE_DIR"},
	},
	&cli.IntFlag{
		Name:        "cache-size",
		Value:       0,
		Usage:       "Max cache entries retained before LRU eviction; 0 disables eviction",
		Destination: &config.CacheSize,
		EnvVars:     []string{"CACHE_SIZE"},
	},
	&cli.StringFlag{
		Name:        "data-dir",
		Value:       "./data",
		Usage:       "Root directory for per-job input_dir/output_dir trees",
		Destination: &config.DataDir,
		EnvVars:     []string{"DATA_DIR"},
	},
}

var managerFlags = []cli.Flag{
	&cli.StringFlag{
		Name:        "gpu-mem",
		Usage:       "Comma-separated per-GPU memory budgets in GB, e.g. \"24,24\"",
		Value:       "",
		Destination: &config.GPUMem,
		EnvVars:     []string{"GPU_MEM"},
	},
	&cli.IntFlag{
		Name:        "num-threads",
		Value:       1,
		Usage:       "Total CPU thread budget for the resource pool",
		Destination: &config.NumThreads,
		EnvVars:     []string{"NUM_THREADS"},
	},
	&cli.IntFlag{
		Name:        "memory",
		Value:       1,
		Usage:       "Total RAM budget in GB for the resource pool",
		Destination: &config.Memory,
		EnvVars:     []string{"MEMORY"},
	},
	&cli.StringFlag{
		Name:        "peer-addresses",
		Value:       "",
		Usage:       "Comma-separated sibling manager addresses for dispatch fan-out",
		Destination: &config.PeerAddresses,
		EnvVars:     []string{"PEER_ADDRESSES"},
	},
}
