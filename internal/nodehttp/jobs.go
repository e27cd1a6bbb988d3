package nodehttp

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/metrics"
	"github.com/gridforge/gridforge/internal/schema"
)

// handleCreateJob serves POST /<name>/jobs: a JSON body of non-file
// input fields creates a Job in Preparing. File-valued fields are never
// accepted here; they arrive one at a time via /upload.
func (s *Server) handleCreateJob(w http.ResponseWriter, r *http.Request) {
	var fields schema.Record
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&fields); err != nil {
			writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "malformed job body", err.Error()))
			return
		}
	}
	for name := range fields {
		f, ok := s.NodeType.InputSchema.Field(name)
		if !ok {
			writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "unknown input field", name))
			return
		}
		if f.Type == schema.TypeFile {
			writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements,
				"file-valued fields must be supplied via /upload, not /jobs", name))
			return
		}
	}
	if err := schema.Validate(s.NodeType.InputSchema, fields, false); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "invalid input field", err.Error()))
		return
	}

	id := newJobID()
	inputDir, outputDir := jobDirs(s.NodeType, id)
	if err := os.MkdirAll(inputDir, 0o755); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInternal, "create input dir", err.Error()))
		return
	}
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInternal, "create output dir", err.Error()))
		return
	}

	j := job.New(id, time.Now(), inputDir, outputDir)
	if fields != nil {
		j.Input = fields
	}

	s.mu.Lock()
	s.jobs[id] = j
	s.mu.Unlock()

	logging.Log.WithField("node", s.NodeType.Name).WithField("job_id", id).Info("job created")
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

// handleUpload serves POST /<name>/jobs/{id}/upload: a multipart body
// with a "file" part and a "key" field naming the declared file-valued
// input field it fills. Only permitted while Preparing.
func (s *Server) handleUpload(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.GetStatus() != job.StatusPreparing {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "upload only allowed while Preparing", string(j.GetStatus())))
		return
	}

	if err := r.ParseMultipartForm(64 << 20); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "malformed multipart upload", err.Error()))
		return
	}
	key := r.FormValue("key")
	if key == "" {
		writeError(w, apierrors.New(apierrors.KindInvalidRequirements, "missing key field"))
		return
	}
	field, ok := s.NodeType.InputSchema.Field(key)
	if !ok || field.Type != schema.TypeFile {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "key is not a declared file-valued input field", key))
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "missing file part", err.Error()))
		return
	}
	defer file.Close()

	destPath := filepath.Join(j.InputDir, key+filepath.Ext(header.Filename))
	dest, err := os.Create(destPath)
	if err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInternal, "create upload destination", err.Error()))
		return
	}
	defer dest.Close()
	if _, err := io.Copy(dest, file); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindInternal, "write uploaded file", err.Error()))
		return
	}

	input := j.Input.Clone()
	if input == nil {
		input = schema.Record{}
	}
	input[key] = destPath
	j.Input = input

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

// handleStart serves POST /<name>/jobs/{id}/start: finalizes the input
// record against the full schema and, if valid, launches the Job's
// Supervisor as a background goroutine.
func (s *Server) handleStart(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.GetStatus() != job.StatusPreparing {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "start only allowed while Preparing", string(j.GetStatus())))
		return
	}

	var rc job.RunConfig
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&rc); err != nil {
			writeError(w, apierrors.Wrap(apierrors.KindInvalidRequirements, "malformed run_config", err.Error()))
			return
		}
	}

	if err := schema.Validate(s.NodeType.InputSchema, j.Input, true); err != nil {
		writeError(w, apierrors.Wrap(apierrors.KindNotReady, "job is not ready to start", err.Error()))
		return
	}
	for _, name := range s.NodeType.InputSchema.FileFieldNames() {
		v, ok := j.Input[name]
		if !ok || v == nil {
			continue
		}
		path, _ := v.(string)
		if _, err := os.Stat(path); err != nil {
			writeError(w, apierrors.Wrap(apierrors.KindNotReady,
				fmt.Sprintf("uploaded file for field %q is missing on disk", name), path))
			return
		}
	}

	j.RunConfig = rc
	j.SetStatus(job.StatusInitializing)
	metrics.JobsSubmitted.WithLabelValues(s.NodeType.Name).Inc()

	sv := s.newSupervisor(j)
	go sv.Run(s.ctx)

	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request, j *job.Job) {
	writeJSON(w, http.StatusOK, map[string]string{"status": string(j.GetStatus())})
}

// handleData serves GET /<name>/jobs/{id}/data: the output record with
// every file-valued field rewritten to a download URL, only while
// Finished.
func (s *Server) handleData(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.GetStatus() != job.StatusFinished {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "data only available once Finished", string(j.GetStatus())))
		return
	}
	rewritten := schema.RewriteFiles(s.NodeType.OutputSchema, j.Output, func(name, _ string) string {
		return fmt.Sprintf("/%s/jobs/%s/download/%s", s.NodeType.Name, j.ID, name)
	})
	writeJSON(w, http.StatusOK, rewritten)
}

// handleDownload serves GET /<name>/jobs/{id}/download/{field}: the raw
// bytes of an output file field, only while Finished.
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request, j *job.Job, field string) {
	if j.GetStatus() != job.StatusFinished {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "download only available once Finished", string(j.GetStatus())))
		return
	}
	f, ok := s.NodeType.OutputSchema.Field(field)
	if !ok || f.Type != schema.TypeFile {
		writeError(w, apierrors.Wrap(apierrors.KindNotFound, "no such output file field", field))
		return
	}
	v, ok := j.Output[field]
	if !ok || v == nil {
		writeError(w, apierrors.Wrap(apierrors.KindNotFound, "output field was not produced", field))
		return
	}
	path, _ := v.(string)
	http.ServeFile(w, r, path)
}

// handleError serves GET /<name>/jobs/{id}/error, only while Error or
// Cancelled.
func (s *Server) handleError(w http.ResponseWriter, r *http.Request, j *job.Job) {
	status := j.GetStatus()
	if status != job.StatusError && status != job.StatusCancelled {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "error only available for Error/Cancelled jobs", string(status)))
		return
	}
	if j.Error == nil {
		// Cancelled jobs with no captured worker error still get a
		// synthetic record so the endpoint's contract ("error record")
		// always has a body.
		writeJSON(w, http.StatusOK, job.Error{TypeName: "JobCancelled", Message: "job was cancelled"})
		return
	}
	writeJSON(w, http.StatusOK, j.Error)
}

// handleStop serves POST /<name>/jobs/{id}/stop. Idempotent: a terminal
// job is a no-op 200, and repeated calls while already Cancelling do not
// re-trigger cancellation.
func (s *Server) handleStop(w http.ResponseWriter, r *http.Request, j *job.Job) {
	status := j.GetStatus()
	if status.IsTerminal() {
		writeJSON(w, http.StatusOK, map[string]string{"status": "already terminal"})
		return
	}
	if status == job.StatusCancelling {
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
		return
	}
	if status == job.StatusPreparing {
		// No supervisor exists yet (it only starts at /start), so there
		// is no poll loop to notice Cancelling; cancel immediately.
		j.SetStatus(job.StatusCancelled)
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
		return
	}
	j.SetStatus(job.StatusCancelling)
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelling"})
}

// handleDelete serves POST /<name>/jobs/{id}/delete: removes the job and
// its output/input directories. Disallowed while the job is mid-flight
// so an admitted job's resources are never left dangling on the manager.
func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, j *job.Job) {
	switch j.GetStatus() {
	case job.StatusQueued, job.StatusRunning, job.StatusCancelling:
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus,
			"stop the job before deleting it", string(j.GetStatus())))
		return
	}
	s.deleteJob(j.ID)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true})
}
