// Package config holds this runtime's environment-sourced settings as
// package-level vars initialized via app-utils-go/env, so every other
// package can read configuration without threading a struct through
// every constructor.
package config

import (
	"github.com/catalystcommunity/app-utils-go/env"
)

var (
	// Name is this node or manager's identity, used in manager
	// registration and as the dispatcher's self-address host component.
	Name = env.GetEnvOrDefault("NAME", "")

	// Port is the HTTP port this process listens on.
	Port = env.GetEnvAsIntOrDefault("PORT", "8080")

	// GPUMem lists each local GPU's memory budget in GB, comma-separated
	// (e.g. "24,24" for two 24GB cards). Empty means no local GPUs.
	GPUMem = env.GetEnvOrDefault("GPU_MEM", "")

	// NumThreads is this host's total CPU thread budget for the resource
	// pool.
	NumThreads = env.GetEnvAsIntOrDefault("NUM_THREADS", "1")

	// Memory is this host's total RAM budget in GB for the resource pool.
	Memory = env.GetEnvAsIntOrDefault("MEMORY", "1")

	// PeerAddresses lists sibling managers' host:port addresses,
	// comma-separated, consulted by the dispatcher when this manager
	// doesn't host a requested node type.
	PeerAddresses = env.GetEnvOrDefault("PEER_ADDRESSES", "")

	// ManagerAddress is this node's local manager's base URL.
	ManagerAddress = env.GetEnvOrDefault("MANAGER_ADDRESS", "http://localhost:9090")

	// Mode is read from MODE. The node/manager choice is made by the cmd
	// subcommand; no command sets or consults this value.
	Mode = env.GetEnvOrDefault("MODE", "node")

	// EmailOnError is read from EMAIL_ON_ERROR. No component sends
	// notifications, so the value is not used.
	EmailOnError = env.GetEnvOrDefault("EMAIL_ON_ERROR", "")

	// CacheDir is the root directory for a node's content-addressed
	// result cache.
	CacheDir = env.GetEnvOrDefault("CACHE_DIR", "./cache")

	// CacheSize is the maximum number of cache entries retained per node
	// type before LRU eviction runs. 0 disables eviction.
	CacheSize = env.GetEnvAsIntOrDefault("CACHE_SIZE", "0")

	// DataDir is the root directory under which per-job input_dir and
	// output_dir directories are created.
	DataDir = env.GetEnvOrDefault("DATA_DIR", "./data")

	// LogDir is read from LOG_DIR. Job logs are held in memory only (see
	// internal/joblogs); nothing is written under this directory.
	LogDir = env.GetEnvOrDefault("LOG_DIR", "./logs")
)
