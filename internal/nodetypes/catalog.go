// Package nodetypes is the catalog of built-in NodeType Process
// callbacks this binary ships: "add" (add a scalar to a file's
// contents) and "dependent" (a callback that submits two child jobs to
// another node type and combines their outputs). Registered identically
// by cmd/node.go's serving process and cmd/runworker.go's re-exec'd
// child so both halves of one job agree on what a node name means.
//
// Both nodes operate on files holding a single decimal integer, which
// is enough to exercise the upload/process/cache/child-job machinery
// without pulling in a domain-specific file format.
package nodetypes

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"

	"github.com/gridforge/gridforge/internal/clientdriver"
	"github.com/gridforge/gridforge/internal/config"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/schema"
)

// Register adds every built-in NodeType to reg. Call it identically from
// both the serving process and the runworker re-exec entrypoint.
func Register(reg *nodetype.Registry) error {
	for _, nt := range []nodetype.NodeType{addNodeType(), dependentNodeType()} {
		if err := reg.Register(nt); err != nil {
			return fmt.Errorf("register built-in node type %q: %w", nt.Name, err)
		}
	}
	return nil
}

// addNodeType mirrors addnode.py's AddNode: read an integer from
// in_file, add scalar, write the sum to a new file.
func addNodeType() nodetype.NodeType {
	return nodetype.NodeType{
		Name: "add",
		InputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "scalar", Type: schema.TypeInt},
			{Name: "in_file", Type: schema.TypeFile},
		}},
		OutputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "out_file", Type: schema.TypeFile},
			{Name: "out_message", Type: schema.TypeString},
		}},
		RequiredGPUMemGB: 1,
		RequiredThreads:  1,
		RequiredMemoryGB: 1,
		Process:          addProcess,
	}
}

func addProcess(input schema.Record, descriptor nodetype.WorkerJobDescriptor) (schema.Record, error) {
	scalar, ok := input["scalar"].(float64)
	if !ok {
		if i, ok := input["scalar"].(int); ok {
			scalar = float64(i)
		} else {
			return nil, fmt.Errorf("add: scalar field missing or not numeric")
		}
	}
	inFile, ok := input["in_file"].(string)
	if !ok {
		return nil, fmt.Errorf("add: in_file field missing or not a path")
	}

	n, err := readInt(inFile)
	if err != nil {
		return nil, fmt.Errorf("add: read in_file: %w", err)
	}

	outPath := filepath.Join(descriptor.OutputDir, "added.txt")
	if err := writeInt(outPath, n+int(scalar)); err != nil {
		return nil, fmt.Errorf("add: write out_file: %w", err)
	}

	return schema.Record{
		"out_file":    outPath,
		"out_message": "this worked",
	}, nil
}

// dependentNodeType mirrors mydependent.py's MyDependentNode: it submits
// two "add" child jobs in parallel to its own manager, waits on each,
// then multiplies the first child's result by its own multiplier field
// while passing the second child's result through untouched.
func dependentNodeType() nodetype.NodeType {
	return nodetype.NodeType{
		Name: "dependent",
		InputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "multiplier", Type: schema.TypeInt},
			{Name: "in_file", Type: schema.TypeFile},
		}},
		OutputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "message", Type: schema.TypeString},
			{Name: "img1", Type: schema.TypeFile},
			{Name: "img2", Type: schema.TypeFile},
		}},
		RequiredGPUMemGB: 1,
		RequiredThreads:  1,
		RequiredMemoryGB: 1,
		Process:          dependentProcess,
	}
}

func dependentProcess(input schema.Record, descriptor nodetype.WorkerJobDescriptor) (schema.Record, error) {
	multiplier, ok := input["multiplier"].(float64)
	if !ok {
		if i, ok := input["multiplier"].(int); ok {
			multiplier = float64(i)
		} else {
			return nil, fmt.Errorf("dependent: multiplier field missing or not numeric")
		}
	}
	inFile, ok := input["in_file"].(string)
	if !ok {
		return nil, fmt.Errorf("dependent: in_file field missing or not a path")
	}

	parent := job.RunConfig{
		Priority:          descriptor.Priority,
		CheckCache:        descriptor.CheckCache,
		SaveToCache:       descriptor.SaveToCache,
		ResourcesIncluded: descriptor.ResourcesIncluded,
		DeviceID:          descriptor.DeviceID,
	}
	client := clientdriver.New(config.ManagerAddress)
	ctx := context.Background()

	var (
		wg         sync.WaitGroup
		out1, out2 map[string]interface{}
		err1, err2 error
	)

	wg.Add(2)
	go func() {
		defer wg.Done()
		out1, err1 = runChild(ctx, client, parent, "add", schema.Record{"scalar": 1, "in_file": inFile}, descriptor.OutputDir, "child1")
	}()
	go func() {
		defer wg.Done()
		out2, err2 = runChild(ctx, client, parent, "add", schema.Record{"scalar": 1, "in_file": inFile}, descriptor.OutputDir, "child2")
	}()
	wg.Wait()

	if err1 != nil {
		return nil, fmt.Errorf("dependent: child1 failed: %w", err1)
	}
	if err2 != nil {
		return nil, fmt.Errorf("dependent: child2 failed: %w", err2)
	}

	img1Src, _ := out1["out_file"].(string)
	n, err := readInt(img1Src)
	if err != nil {
		return nil, fmt.Errorf("dependent: read child1 output: %w", err)
	}
	img1Path := filepath.Join(descriptor.OutputDir, "img1.txt")
	if err := writeInt(img1Path, n*int(multiplier)); err != nil {
		return nil, fmt.Errorf("dependent: write img1: %w", err)
	}

	img2Path, _ := out2["out_file"].(string)

	return schema.Record{
		"message": "Hello World",
		"img1":    img1Path,
		"img2":    img2Path,
	}, nil
}

// runChild submits a child job of nodeName through the local manager,
// waits for it, and downloads its outputs into a subdirectory of the
// parent's own output_dir so nothing outlives the parent job's
// lifecycle.
func runChild(ctx context.Context, client *clientdriver.Client, parent job.RunConfig, nodeName string, fields map[string]interface{}, parentOutputDir, label string) (map[string]interface{}, error) {
	files := map[string]string{}
	plain := schema.Record{}
	for k, v := range fields {
		if s, ok := v.(string); ok && looksLikePath(s) {
			files[k] = s
			continue
		}
		plain[k] = v
	}

	h, err := client.ChildSubmit(ctx, parent, false, clientdriver.SubmitRequest{
		NodeName: nodeName,
		Fields:   plain,
		Files:    files,
	})
	if err != nil {
		return nil, fmt.Errorf("submit: %w", err)
	}
	if _, err := h.Wait(ctx); err != nil {
		return nil, fmt.Errorf("wait: %w", err)
	}
	result, _, err := h.Download(ctx, filepath.Join(parentOutputDir, label), true)
	if err != nil {
		return nil, fmt.Errorf("download: %w", err)
	}
	return result, nil
}

func looksLikePath(s string) bool {
	return strings.Contains(s, "/") || strings.Contains(s, string(os.PathSeparator))
}

func readInt(path string) (int, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	return strconv.Atoi(strings.TrimSpace(string(data)))
}

func writeInt(path string, n int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(n)), 0o644)
}
