// Package supervisor drives one Job through its lifecycle state machine:
// Preparing (owned by the HTTP layer) through Initializing, the cache
// check, Queued admission, a Running worker process, and a terminal
// state, with cooperative cancellation reachable from any non-terminal
// state. Cancellation is observed only at the poll points between
// phases; a running worker is terminated with a signal rather than
// interrupted in-process.
package supervisor

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/cache"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/joblogs"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/metrics"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/schema"
)

// QueuePollInterval is how often a Queued job checks is_active.
const QueuePollInterval = 3 * time.Second

// CancelPollInterval is how often a Running job checks for a
// cancellation request between worker result polls.
const CancelPollInterval = 500 * time.Millisecond

// Supervisor drives a single Job to completion. One Supervisor is
// created per Job at /jobs/{id}/start and owns that Job exclusively from
// then on.
type Supervisor struct {
	Job      *job.Job
	NodeType nodetype.NodeType
	Cache    *cache.Cache
	Manager  *managerclient.Client

	// Logs, if set, receives the worker subprocess's stdout/stderr for
	// the node's logs/stream endpoint. Best-effort and optional: a nil
	// Logs buffer just runs the worker without a tail-able history.
	Logs *joblogs.Buffer

	QueuePollInterval  time.Duration
	CancelPollInterval time.Duration
}

// New builds a Supervisor with the default poll intervals.
func New(j *job.Job, nt nodetype.NodeType, c *cache.Cache, mgr *managerclient.Client) *Supervisor {
	return &Supervisor{
		Job:                j,
		NodeType:           nt,
		Cache:              c,
		Manager:            mgr,
		QueuePollInterval:  QueuePollInterval,
		CancelPollInterval: CancelPollInterval,
	}
}

// Run drives the Job from Initializing to a terminal state. It is meant
// to be launched as its own goroutine immediately after the HTTP layer
// transitions the Job out of Preparing.
func (s *Supervisor) Run(ctx context.Context) {
	j := s.Job
	logger := logging.Log.WithField("job_id", j.ID).WithField("node", s.NodeType.Name)

	// The HTTP layer normally transitions to Initializing before handing
	// the Job over; a direct caller may still hand us a Preparing one.
	j.CompareAndSetStatus(job.StatusPreparing, job.StatusInitializing)

	cacheKey, keyErr := cache.Fingerprint(s.NodeType.InputSchema, j.Input)

	if j.RunConfig.CheckCache && keyErr == nil {
		manifest, err := s.Cache.Load(s.NodeType.OutputSchema, cacheKey, j.OutputDir)
		if err != nil {
			logger.WithError(err).Warn("cache lookup failed, falling back to recompute")
		} else if manifest != nil {
			j.Output = manifest
			j.SetStatus(job.StatusFinished)
			metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "finished").Inc()
			logger.Info("job satisfied from cache")
			return
		}
	}

	queueID := job.QueueID(s.NodeType.Name, j.ID)
	if !j.CompareAndSetStatus(job.StatusInitializing, job.StatusQueued) {
		// stop() arrived during the cache check; nothing has been queued
		// yet, so cancellation completes here.
		j.SetStatus(job.StatusCancelled)
		metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "cancelled").Inc()
		return
	}

	if !j.RunConfig.ResourcesIncluded {
		if err := s.Manager.AddJob(ctx, managerclient.QueueRequest{
			JobID:           queueID,
			Priority:        j.RunConfig.Priority,
			RequiredGPUMem:  s.NodeType.RequiredGPUMemGB,
			RequiredThreads: s.NodeType.RequiredThreads,
			RequiredMemory:  s.NodeType.RequiredMemoryGB,
		}); err != nil {
			s.fail(j, "ManagerUnavailable", err)
			return
		}

		if cancelled := s.waitForAdmission(ctx, j, queueID); cancelled {
			return
		}
	}

	if !j.CompareAndSetStatus(job.StatusQueued, job.StatusRunning) {
		// stop() arrived after admission but before the worker spawned.
		if !j.RunConfig.ResourcesIncluded {
			if err := s.Manager.EndJob(ctx, queueID); err != nil {
				logger.WithError(err).Warn("end_job failed while cancelling an admitted job")
			}
		}
		j.SetStatus(job.StatusCancelled)
		metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "cancelled").Inc()
		return
	}
	started := time.Now()

	result, cancelled := s.runWorker(ctx, j, queueID)

	if !j.RunConfig.ResourcesIncluded {
		if err := s.Manager.EndJob(ctx, queueID); err != nil {
			logger.WithError(err).Warn("end_job call failed; manager resources for this job will leak until restart")
		}
	}

	if cancelled {
		j.SetStatus(job.StatusCancelled)
		metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "cancelled").Inc()
		metrics.JobDuration.WithLabelValues(s.NodeType.Name, "cancelled").Observe(time.Since(started).Seconds())
		return
	}

	if result.Status != "success" {
		j.Error = &job.Error{TypeName: result.TypeName, Message: result.Traceback, Traceback: result.Traceback}
		j.SetStatus(job.StatusError)
		metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "error").Inc()
		metrics.JobDuration.WithLabelValues(s.NodeType.Name, "error").Observe(time.Since(started).Seconds())
		return
	}

	output, err := finalizeOutput(s.NodeType, j.OutputDir, result.Output)
	if err != nil {
		s.fail(j, "OutputValidationError", err)
		metrics.JobDuration.WithLabelValues(s.NodeType.Name, "error").Observe(time.Since(started).Seconds())
		return
	}
	j.Output = output

	os.RemoveAll(j.InputDir)

	if j.RunConfig.SaveToCache && keyErr == nil {
		if err := s.Cache.Save(s.NodeType.OutputSchema, cacheKey, output, j.OutputDir); err != nil {
			logger.WithError(err).Warn("failed to save job output to cache")
		}
	}

	j.SetStatus(job.StatusFinished)
	metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "finished").Inc()
	metrics.JobDuration.WithLabelValues(s.NodeType.Name, "finished").Observe(time.Since(started).Seconds())
}

// waitForAdmission polls is_active at QueuePollInterval until the
// manager admits the job or a cancellation request arrives. It returns
// true if the job was cancelled while queued.
func (s *Supervisor) waitForAdmission(ctx context.Context, j *job.Job, queueID string) bool {
	ticker := time.NewTicker(s.QueuePollInterval)
	defer ticker.Stop()

	for {
		if j.GetStatus() == job.StatusCancelling {
			if err := s.Manager.EndJob(ctx, queueID); err != nil {
				logging.Log.WithField("job_id", j.ID).WithError(err).
					Warn("end_job failed while cancelling a queued job")
			}
			j.SetStatus(job.StatusCancelled)
			return true
		}

		resp, err := s.Manager.IsActive(ctx, queueID)
		if err == nil && resp.IsActive {
			j.RunConfig.DeviceID = resp.GPUDeviceID
			return false
		}

		select {
		case <-ticker.C:
		case <-ctx.Done():
			j.SetStatus(job.StatusCancelled)
			return true
		}
	}
}

// runWorker spawns the worker process and waits for it, polling for a
// cancellation request at CancelPollInterval. It returns true if the job
// was cancelled while running.
func (s *Supervisor) runWorker(ctx context.Context, j *job.Job, queueID string) (WorkerResult, bool) {
	descriptor := nodetype.WorkerJobDescriptor{
		JobID:             j.ID,
		DeviceID:          j.RunConfig.DeviceID,
		OutputDir:         j.OutputDir,
		Priority:          j.RunConfig.Priority,
		CheckCache:        j.RunConfig.CheckCache,
		SaveToCache:       j.RunConfig.SaveToCache,
		ResourcesIncluded: j.RunConfig.ResourcesIncluded,
	}

	var stdout, stderr io.Writer
	if s.Logs != nil {
		stdout, stderr = s.Logs.StdoutWriter(), s.Logs.StderrWriter()
	}
	worker, err := spawnWorker(ctx, s.NodeType.Name, j.Input, descriptor, stdout, stderr)
	if err != nil {
		return WorkerResult{Status: "error", TypeName: "WorkerSpawnError", Traceback: err.Error()}, false
	}

	done := make(chan WorkerResult, 1)
	go func() { done <- worker.wait() }()

	ticker := time.NewTicker(s.CancelPollInterval)
	defer ticker.Stop()

	for {
		select {
		case result := <-done:
			return result, false
		case <-ticker.C:
			if j.GetStatus() == job.StatusCancelling {
				worker.terminate()
				result := <-done
				return result, true
			}
		}
	}
}

func (s *Supervisor) fail(j *job.Job, typeName string, err error) {
	j.Error = &job.Error{TypeName: typeName, Message: err.Error()}
	j.SetStatus(job.StatusError)
	metrics.JobsFinished.WithLabelValues(s.NodeType.Name, "error").Inc()
}

// finalizeOutput validates every file-valued output field resolves to a
// path inside outputDir, rewrites relative paths to absolute ones
// rooted at outputDir, then scrubs outputDir: every regular file not
// referenced by an output field is deleted, and empty subdirectories are
// pruned.
func finalizeOutput(nt nodetype.NodeType, outputDir string, output schema.Record) (schema.Record, error) {
	absOutputDir, err := filepath.Abs(outputDir)
	if err != nil {
		return nil, fmt.Errorf("resolve output dir: %w", err)
	}

	finalized := output.Clone()
	referenced := make(map[string]bool)

	for _, name := range nt.OutputSchema.FileFieldNames() {
		v, ok := finalized[name]
		if !ok || v == nil {
			continue
		}
		raw, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("output field %q: expected a file path string", name)
		}

		var abs string
		if filepath.IsAbs(raw) {
			abs = filepath.Clean(raw)
		} else {
			abs = filepath.Join(absOutputDir, raw)
		}

		rel, err := filepath.Rel(absOutputDir, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return nil, fmt.Errorf("output field %q: path %q escapes output_dir", name, raw)
		}
		if _, err := os.Stat(abs); err != nil {
			return nil, fmt.Errorf("output field %q: file does not exist: %w", name, err)
		}

		finalized[name] = abs
		referenced[filepath.Clean(abs)] = true
	}

	if err := scrubUnreferencedFiles(absOutputDir, referenced); err != nil {
		return nil, fmt.Errorf("scrub output dir: %w", err)
	}

	return finalized, nil
}

// scrubUnreferencedFiles deletes every regular file under root not in
// referenced, then prunes any subdirectory left empty as a result.
func scrubUnreferencedFiles(root string, referenced map[string]bool) error {
	var toCheck []string
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if info.IsDir() {
			if path != root {
				toCheck = append(toCheck, path)
			}
			return nil
		}
		if !referenced[filepath.Clean(path)] {
			if rmErr := os.Remove(path); rmErr != nil {
				return rmErr
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	// Prune empty directories, deepest first.
	for i := len(toCheck) - 1; i >= 0; i-- {
		dir := toCheck[i]
		entries, err := os.ReadDir(dir)
		if err != nil {
			continue
		}
		if len(entries) == 0 {
			os.Remove(dir)
		}
	}
	return nil
}
