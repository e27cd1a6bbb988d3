// Worker subprocess spawn/reap. A job's Process callback always runs in
// a separate OS process with an inherited pipe, never an in-process
// goroutine: the boundary isolates GPU driver state and CPU-bound work
// from the serving loop and allows forced termination. The child is the
// same binary, re-exec'd with a hidden "runworker" subcommand (see
// cmd/runworker.go), so it shares the parent's registered
// nodetype.Registry without needing any out-of-process serialization of
// the user's callback itself.
package supervisor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"

	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/schema"
	"github.com/sirupsen/logrus"
)

// workerRequest is written to the child's inherited input pipe.
type workerRequest struct {
	Input      schema.Record                `json:"input"`
	Descriptor nodetype.WorkerJobDescriptor `json:"descriptor"`
}

// WorkerResult is written by the child to its inherited output pipe:
// either a success carrying the output record, or an error carrying the
// captured traceback and error type name.
type WorkerResult struct {
	Status    string        `json:"status"` // "success" or "error"
	Output    schema.Record `json:"output,omitempty"`
	Traceback string        `json:"traceback,omitempty"`
	TypeName  string        `json:"type_name,omitempty"`
}

// runningWorker tracks a spawned worker process and the channel its
// result will arrive on.
type runningWorker struct {
	cmd    *exec.Cmd
	result chan WorkerResult
}

// spawnWorker forks a fresh OS process running nodeName's registered
// Process callback against input/descriptor, reads its result
// asynchronously, and returns a handle the caller can wait on or
// terminate. It is a package-level variable, not a plain function, so
// tests can substitute an in-process fake instead of re-exec'ing the
// test binary itself.
var spawnWorker = spawnWorkerProcess

func spawnWorkerProcess(ctx context.Context, nodeName string, input schema.Record, descriptor nodetype.WorkerJobDescriptor, stdout, stderr io.Writer) (*runningWorker, error) {
	exe, err := os.Executable()
	if err != nil {
		return nil, fmt.Errorf("resolve own executable for worker re-exec: %w", err)
	}

	inRead, inWrite, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create worker input pipe: %w", err)
	}
	outRead, outWrite, err := os.Pipe()
	if err != nil {
		inRead.Close()
		inWrite.Close()
		return nil, fmt.Errorf("create worker output pipe: %w", err)
	}

	cmd := exec.CommandContext(ctx, exe, "runworker", nodeName)
	cmd.ExtraFiles = []*os.File{inRead, outWrite}
	if stdout != nil {
		cmd.Stdout = stdout
	} else {
		cmd.Stdout = os.Stdout
	}
	if stderr != nil {
		cmd.Stderr = stderr
	} else {
		cmd.Stderr = os.Stderr
	}

	req := workerRequest{Input: input, Descriptor: descriptor}
	data, err := json.Marshal(req)
	if err != nil {
		inRead.Close()
		inWrite.Close()
		outRead.Close()
		outWrite.Close()
		return nil, fmt.Errorf("marshal worker request: %w", err)
	}

	if err := cmd.Start(); err != nil {
		inRead.Close()
		inWrite.Close()
		outRead.Close()
		outWrite.Close()
		return nil, fmt.Errorf("start worker process: %w", err)
	}

	// The child holds its own copy of inRead/outWrite via ExtraFiles;
	// the parent's copies must be closed so the child sees EOF/closure
	// at the right times instead of hanging on its own open handle.
	inRead.Close()
	outWrite.Close()

	resultCh := make(chan WorkerResult, 1)
	go func() {
		defer inWrite.Close()
		inWrite.Write(data)
	}()

	go func() {
		defer outRead.Close()
		var result WorkerResult
		dec := json.NewDecoder(outRead)
		if err := dec.Decode(&result); err != nil {
			result = WorkerResult{Status: "error", TypeName: "WorkerProtocolError", Traceback: err.Error()}
		}
		resultCh <- result
	}()

	return &runningWorker{cmd: cmd, result: resultCh}, nil
}

// terminate sends the process a termination signal; the caller then
// drains wait to reap it.
func (w *runningWorker) terminate() error {
	if w.cmd.Process == nil {
		return nil
	}
	return w.cmd.Process.Kill()
}

// wait blocks until the worker process exits and its result has arrived
// on the result channel (or the process died without ever writing one,
// in which case a synthetic error result is produced).
func (w *runningWorker) wait() WorkerResult {
	waitErr := w.cmd.Wait()
	select {
	case result := <-w.result:
		return result
	default:
	}
	// The result has not arrived yet. Block until the decoder goroutine
	// delivers it: the child's result, or a WorkerProtocolError if the
	// child exited (crash, killed by signal, etc) without writing one.
	// The decoder always sends, so the WorkerCrashed fallback below is
	// not reached.
	result, ok := <-w.result
	if ok {
		return result
	}
	msg := "worker process exited without producing a result"
	if waitErr != nil {
		msg = waitErr.Error()
	}
	return WorkerResult{Status: "error", TypeName: "WorkerCrashed", Traceback: msg}
}

// workerLog is a bare logrus instance rather than the shared
// logging.Log singleton: this function runs in a freshly re-exec'd
// child process, not the long-lived node process, so it has no reason
// to share that singleton's configuration.
var workerLog = logrus.New()

// RunWorker is invoked by the re-exec'd child process (cmd/runworker.go)
// to actually execute the registered Process callback for nodeName,
// reading its request from fd 3 and writing its result to fd 4.
func RunWorker(registry *nodetype.Registry, nodeName string) int {
	in := os.NewFile(3, "worker-in")
	out := os.NewFile(4, "worker-out")
	defer out.Close()

	workerLog.WithField("node", nodeName).WithField("pid", os.Getpid()).Info("runworker: starting")

	var req workerRequest
	if err := json.NewDecoder(in).Decode(&req); err != nil {
		json.NewEncoder(out).Encode(WorkerResult{
			Status: "error", TypeName: "WorkerProtocolError", Traceback: err.Error(),
		})
		return 1
	}

	nt, ok := registry.Get(nodeName)
	if !ok || nt.Process == nil {
		json.NewEncoder(out).Encode(WorkerResult{
			Status: "error", TypeName: "NodeTypeNotRegistered",
			Traceback: fmt.Sprintf("no process callback registered for node %q", nodeName),
		})
		return 1
	}

	output, err := runProcessCallback(nt, req.Input, req.Descriptor)
	if err != nil {
		json.NewEncoder(out).Encode(WorkerResult{
			Status: "error", TypeName: fmt.Sprintf("%T", err), Traceback: err.Error(),
		})
		return 1
	}

	if err := json.NewEncoder(out).Encode(WorkerResult{Status: "success", Output: output}); err != nil {
		return 1
	}
	return 0
}

// runProcessCallback recovers a panic in the user's callback so it is
// captured as an error result rather than crashing the worker process
// silently.
func runProcessCallback(nt nodetype.NodeType, input schema.Record, descriptor nodetype.WorkerJobDescriptor) (output schema.Record, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic in process callback: %v", r)
		}
	}()
	return nt.Process(input, descriptor)
}
