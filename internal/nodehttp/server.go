// Package nodehttp is a node's HTTP surface: the endpoints rooted at
// /<node_name>/... from which a Job is created, fed its input files,
// started, polled, and its results retrieved. Routing is a plain
// *http.ServeMux with path-suffix dispatch for per-job actions, wrapped
// in rs/cors, with apierrors providing the centralized error-to-status
// mapping.
package nodehttp

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/google/uuid"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/cache"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/joblogs"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/metrics"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/supervisor"
	"github.com/rs/cors"
)

// CleanupInterval is how often the terminal-job sweep runs.
const CleanupInterval = time.Hour

// MaxJobAge is how long a terminal job is kept before the sweep
// deletes it.
const MaxJobAge = 8 * time.Hour

// Server is one node process's HTTP surface: a single registered
// NodeType, its in-memory Job map, its result cache, and the manager
// client its supervisors use to queue for resources.
type Server struct {
	NodeType nodetype.NodeType
	Cache    *cache.Cache
	Manager  *managerclient.Client
	Logs     *joblogs.Registry

	mu   sync.RWMutex
	jobs map[string]*job.Job

	ctx    context.Context
	cancel context.CancelFunc
}

// NewServer builds a Server for nt. The caller is responsible for
// creating nt's CacheDir/InputDirRoot/OutputDirRoot on disk beforehand.
func NewServer(nt nodetype.NodeType, c *cache.Cache, mgr *managerclient.Client) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		NodeType: nt,
		Cache:    c,
		Manager:  mgr,
		Logs:     joblogs.NewRegistry(),
		jobs:     make(map[string]*job.Job),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// Shutdown cancels every supervisor's shared context: a Queued job's
// waitForAdmission loop ends with the job Cancelled, and a Running job's
// worker process, started under that context, is killed. In-flight
// non-terminal jobs are still lost on process exit.
func (s *Server) Shutdown() { s.cancel() }

// RunCleanupSweep blocks, deleting any terminal job older than
// MaxJobAge every CleanupInterval, until ctx is cancelled. Meant to be
// launched as its own goroutine at node startup.
func (s *Server) RunCleanupSweep(ctx context.Context) {
	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweepOnce()
		}
	}
}

func (s *Server) sweepOnce() {
	now := time.Now()
	var toDelete []*job.Job
	s.mu.RLock()
	for _, j := range s.jobs {
		if j.GetStatus().IsTerminal() && now.Sub(j.CreatedAt) > MaxJobAge {
			toDelete = append(toDelete, j)
		}
	}
	s.mu.RUnlock()

	for _, j := range toDelete {
		s.deleteJob(j.ID)
		logging.Log.WithField("node", s.NodeType.Name).WithField("job_id", j.ID).
			Info("cleanup sweep removed terminal job older than max age")
	}
}

// Mux builds this node's request router, rooted at /<name>/...
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()
	prefix := "/" + s.NodeType.Name

	mux.HandleFunc(prefix+"/jobs", s.handleJobsCollection)
	mux.HandleFunc(prefix+"/jobs/", s.handleJobsMember)
	mux.HandleFunc(prefix+"/filename_keys", s.handleFilenameKeys)
	mux.HandleFunc(prefix+"/keys", s.handleKeys)
	mux.HandleFunc(prefix+"/ping", func(w http.ResponseWriter, r *http.Request) { writeJSON(w, http.StatusOK, true) })
	mux.Handle(prefix+"/metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

// handleJobsCollection serves POST /<name>/jobs.
func (s *Server) handleJobsCollection(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	s.handleCreateJob(w, r)
}

// handleJobsMember dispatches every /<name>/jobs/{id}/{action} route by
// suffix, the way managerhttp.Server dispatches /manager/end_job/{id}.
func (s *Server) handleJobsMember(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/"+s.NodeType.Name+"/jobs/")
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) == 0 || parts[0] == "" {
		writeError(w, apierrors.New(apierrors.KindNotFound, "missing job id"))
		return
	}
	jobID := parts[0]
	action := ""
	if len(parts) == 2 {
		action = parts[1]
	}

	j, ok := s.lookupJob(jobID)
	if !ok {
		writeError(w, apierrors.Wrap(apierrors.KindNotFound, "unknown job id", jobID))
		return
	}

	switch {
	case action == "upload" && r.Method == http.MethodPost:
		s.handleUpload(w, r, j)
	case action == "start" && r.Method == http.MethodPost:
		s.handleStart(w, r, j)
	case action == "status" && r.Method == http.MethodGet:
		s.handleStatus(w, r, j)
	case action == "data" && r.Method == http.MethodGet:
		s.handleData(w, r, j)
	case strings.HasPrefix(action, "download/") && r.Method == http.MethodGet:
		s.handleDownload(w, r, j, strings.TrimPrefix(action, "download/"))
	case action == "error" && r.Method == http.MethodGet:
		s.handleError(w, r, j)
	case action == "stop" && r.Method == http.MethodPost:
		s.handleStop(w, r, j)
	case action == "delete" && r.Method == http.MethodPost:
		s.handleDelete(w, r, j)
	case action == "logs/stream" && r.Method == http.MethodGet:
		s.handleLogsStream(w, r, j)
	default:
		writeError(w, apierrors.Wrap(apierrors.KindNotFound, "unknown job route", action))
	}
}

func (s *Server) lookupJob(id string) (*job.Job, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	j, ok := s.jobs[id]
	return j, ok
}

func (s *Server) deleteJob(id string) {
	s.mu.Lock()
	j, ok := s.jobs[id]
	if ok {
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	if !ok {
		return
	}
	os.RemoveAll(j.InputDir)
	os.RemoveAll(j.OutputDir)
	s.Logs.Drop(j.ID)
}

func newJobID() string { return uuid.NewString() }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v != nil {
		json.NewEncoder(w).Encode(v)
	}
}

func writeError(w http.ResponseWriter, err error) {
	kind, ok := apierrors.KindOf(err)
	status := http.StatusInternalServerError
	if ok {
		status = apierrors.HTTPStatus(kind)
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func jobDirs(nt nodetype.NodeType, id string) (inputDir, outputDir string) {
	return filepath.Join(nt.InputDirRoot, id), filepath.Join(nt.OutputDirRoot, id)
}

// newSupervisor builds the Supervisor for j, wiring this node's Cache,
// Manager client, and per-job log buffer.
func (s *Server) newSupervisor(j *job.Job) *supervisor.Supervisor {
	sv := supervisor.New(j, s.NodeType, s.Cache, s.Manager)
	sv.Logs = s.Logs.Get(j.ID)
	return sv
}

// Context returns the Server's shared lifetime context, cancelled on
// Shutdown, consulted by every supervisor's queue-wait loop.
func (s *Server) Context() context.Context { return s.ctx }
