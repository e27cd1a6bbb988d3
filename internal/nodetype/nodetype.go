// Package nodetype describes the static, per-process configuration of a
// node: its name, input/output record schemas, declared resource
// requirements, and filesystem layout.
package nodetype

import (
	"fmt"

	"github.com/gridforge/gridforge/internal/schema"
)

// ProcessFunc is the user-supplied task implementation. The runtime
// never inspects it; it only invokes it inside the isolated worker
// process it forks.
type ProcessFunc func(input schema.Record, descriptor WorkerJobDescriptor) (schema.Record, error)

// NodeType is the static declaration a node process makes once, at
// startup, of what it runs and what it costs.
type NodeType struct {
	Name string

	InputSchema  schema.Schema
	OutputSchema schema.Schema

	RequiredGPUMemGB int
	RequiredThreads  int
	RequiredMemoryGB int

	CacheSize     int
	CacheDir      string
	OutputDirRoot string
	InputDirRoot  string

	// Process is invoked inside the forked worker process, never inside
	// the node's own event loop.
	Process ProcessFunc
}

// Validate checks a NodeType's static invariants: a non-empty name,
// disjoint input/output field names, non-negative GPU memory and cache
// size, and at least one thread and one GB of memory.
func (nt NodeType) Validate() error {
	if nt.Name == "" {
		return fmt.Errorf("node type name must not be empty")
	}
	if err := schema.Disjoint(nt.InputSchema, nt.OutputSchema); err != nil {
		return fmt.Errorf("node type %q: %w", nt.Name, err)
	}
	if nt.RequiredGPUMemGB < 0 {
		return fmt.Errorf("node type %q: required_gpu_mem_gb must be >= 0", nt.Name)
	}
	if nt.RequiredThreads < 1 {
		return fmt.Errorf("node type %q: required_threads must be >= 1", nt.Name)
	}
	if nt.RequiredMemoryGB < 1 {
		return fmt.Errorf("node type %q: required_memory_gb must be >= 1", nt.Name)
	}
	if nt.CacheSize < 0 {
		return fmt.Errorf("node type %q: cache_size must be >= 0", nt.Name)
	}
	return nil
}

// WorkerJobDescriptor is handed to the worker process alongside the
// finalized input record; it carries everything the user's process
// callback needs besides the input fields themselves.
type WorkerJobDescriptor struct {
	JobID             string `json:"job_id"`
	DeviceID          int    `json:"device_id"`
	OutputDir         string `json:"output_dir"`
	Priority          int    `json:"priority"`
	CheckCache        bool   `json:"check_cache"`
	SaveToCache       bool   `json:"save_to_cache"`
	ResourcesIncluded bool   `json:"resources_included"`
}
