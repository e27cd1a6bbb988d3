// Package managerhttp is the manager's HTTP surface: node registration,
// resource-queue admission requests, dispatcher placement, and liveness.
// Routing is a plain *http.ServeMux with path-suffix dispatch for
// id-carrying routes, wrapped in rs/cors, with apierrors providing the
// centralized error-to-status mapping.
package managerhttp

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/dispatcher"
	"github.com/gridforge/gridforge/internal/hostinfo"
	"github.com/gridforge/gridforge/internal/metrics"
	"github.com/gridforge/gridforge/internal/resourcepool"
	"github.com/rs/cors"
)

// RegisteredNode is what the manager remembers about a node hosted on
// this host, recorded by register_node.
type RegisteredNode struct {
	Name            string    `json:"name"`
	LastHeardFrom   time.Time `json:"last_heard_from"`
	GPUGBRequired   int       `json:"gpu_gb_required"`
	ThreadsRequired int       `json:"threads_required"`
	MemoryRequired  int       `json:"memory_required"`
}

// Server is one host's manager: a ResourcePool plus the set of node
// types registered locally, exposed over HTTP.
type Server struct {
	Pool        *resourcepool.Pool
	SelfAddress string

	mu    sync.RWMutex
	nodes map[string]RegisteredNode

	Dispatcher *dispatcher.Dispatcher
}

// NewServer builds a Server. The caller is responsible for constructing
// dispatcher.Dispatcher with HostsLocally wired to srv.HostsNode and
// LocalLoad wired to pool.Load, since the Dispatcher is otherwise
// independent of the HTTP layer.
func NewServer(pool *resourcepool.Pool, selfAddress string) *Server {
	return &Server{
		Pool:        pool,
		SelfAddress: selfAddress,
		nodes:       make(map[string]RegisteredNode),
	}
}

// HostsNode reports whether a node of the given name is registered on
// this host.
func (s *Server) HostsNode(name string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.nodes[name]
	return ok
}

// Mux builds the manager's request router.
func (s *Server) Mux() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/manager/register_node", s.handleRegisterNode)
	mux.HandleFunc("/manager/add_job", s.handleAddJob)
	mux.HandleFunc("/manager/end_job/", s.handleEndJob)
	mux.HandleFunc("/manager/is_job_active/", s.handleIsJobActive)
	mux.HandleFunc("/manager/get_load", s.handleGetLoad)
	mux.HandleFunc("/manager/dispatcher/has_node/", s.handleHasNode)
	mux.HandleFunc("/manager/dispatcher/get_host/", s.handleGetHost)
	mux.HandleFunc("/manager/ping", s.handlePing)
	mux.HandleFunc("/manager/host_name", s.handleHostName)
	mux.HandleFunc("/manager/host_stats", s.handleHostStats)
	mux.Handle("/manager/metrics", metrics.Handler())

	c := cors.New(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST"},
		AllowedHeaders:   []string{"Content-Type"},
		AllowCredentials: true,
	})
	return c.Handler(mux)
}

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

func pathSuffix(r *http.Request, prefix string) string {
	return strings.TrimPrefix(r.URL.Path, prefix)
}

func (s *Server) handleRegisterNode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var meta RegisteredNode
	if err := json.NewDecoder(r.Body).Decode(&meta); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "malformed register_node body", err.Error()))
		return
	}
	if meta.LastHeardFrom.IsZero() {
		meta.LastHeardFrom = time.Now()
	}

	s.mu.Lock()
	s.nodes[meta.Name] = meta
	s.mu.Unlock()

	logging.Log.WithField("node", meta.Name).Info("node registered with manager")
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleAddJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	var req struct {
		JobID           string `json:"job_id"`
		Priority        int    `json:"priority"`
		RequiredGPUMem  int    `json:"required_gpu_mem"`
		RequiredThreads int    `json:"required_threads"`
		RequiredMemory  int    `json:"required_memory"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "malformed add_job body", err.Error()))
		return
	}

	err := s.Pool.Add(resourcepool.PendingJob{
		QueueID:   req.JobID,
		Priority:  req.Priority,
		GPUMB:     req.RequiredGPUMem,
		Threads:   req.RequiredThreads,
		Memory:    req.RequiredMemory,
		CreatedAt: time.Now(),
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleEndJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	queueID := pathSuffix(r, "/manager/end_job/")
	if queueID == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequirements, "missing job id"))
		return
	}
	if err := s.Pool.End(queueID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleIsJobActive(w http.ResponseWriter, r *http.Request) {
	queueID := pathSuffix(r, "/manager/is_job_active/")
	if queueID == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequirements, "missing job id"))
		return
	}
	active, deviceID := s.Pool.IsActive(queueID)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"is_active":     active,
		"gpu_device_id": deviceID,
	})
}

func (s *Server) handleGetLoad(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Pool.Load())
}

func (s *Server) handleHasNode(w http.ResponseWriter, r *http.Request) {
	name := pathSuffix(r, "/manager/dispatcher/has_node/")
	writeJSON(w, http.StatusOK, s.HostsNode(name))
}

func (s *Server) handleGetHost(w http.ResponseWriter, r *http.Request) {
	name := pathSuffix(r, "/manager/dispatcher/get_host/")
	if s.Dispatcher == nil {
		writeError(w, apierrors.New(apierrors.KindInternal, "dispatcher not configured"))
		return
	}
	host, err := s.Dispatcher.GetHost(context.Background(), name)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, host)
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, true)
}

func (s *Server) handleHostName(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.SelfAddress)
}

func (s *Server) handleHostStats(w http.ResponseWriter, r *http.Request) {
	snap := hostinfo.Collect(200 * time.Millisecond)
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"live":       snap,
		"configured": s.Pool.Capacities(),
	})
}
