// Package clientdriver drives jobs from the caller's side: resolve a
// target node address (directly or via a manager's dispatcher), create a
// Job, upload its input files one at a time, start it, poll its status,
// and download its outputs. The same surface is used both by an external
// caller and by one job's Process callback spawning a "child job" on
// another node.
package clientdriver

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/schema"
)

// PollInterval is how often Wait polls a job's status, matching the
// supervisor's own ~3s queue-poll cadence so a client never observes
// staler information than the server itself would.
const PollInterval = 3 * time.Second

// Client drives jobs on node processes, resolving addresses through an
// optional manager.
type Client struct {
	HTTP    *http.Client
	Manager *managerclient.Client
}

// New returns a Client that resolves node addresses through the manager
// reachable at managerBaseURL. managerBaseURL may be empty if every
// Submit call supplies an explicit NodeAddress.
func New(managerBaseURL string) *Client {
	c := &Client{HTTP: &http.Client{Timeout: 30 * time.Second}}
	if managerBaseURL != "" {
		c.Manager = managerclient.New(managerBaseURL)
	}
	return c
}

// SubmitRequest is everything needed to create, populate, and start a
// Job on some node.
type SubmitRequest struct {
	NodeName string
	// NodeAddress pins the target host directly, bypassing manager
	// dispatch. Leave empty to resolve via Client.Manager.
	NodeAddress string

	Fields schema.Record     // non-file input fields
	Files  map[string]string // input field name -> local file path

	RunConfig job.RunConfig
}

// Handle is a submitted Job a caller can poll, wait on, and download
// results from.
type Handle struct {
	client      *Client
	NodeAddress string
	NodeName    string
	JobID       string
}

// JobFailed is raised by Wait when the job reaches Error: the user's
// Process callback raised, and Traceback carries its captured message.
type JobFailed struct {
	TypeName  string
	Traceback string
}

func (e *JobFailed) Error() string {
	return fmt.Sprintf("job failed (%s): %s", e.TypeName, e.Traceback)
}

// JobCancelled is raised by Wait when the job reaches Cancelled.
type JobCancelled struct{}

func (e *JobCancelled) Error() string { return "job was cancelled" }

// Submit resolves req's target node, creates a Job, uploads every file
// in req.Files, and starts it with req.RunConfig.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*Handle, error) {
	address := req.NodeAddress
	if address == "" {
		if c.Manager == nil {
			return nil, fmt.Errorf("clientdriver: no NodeAddress given and no manager configured to resolve %q", req.NodeName)
		}
		resolved, err := c.Manager.GetHost(ctx, req.NodeName)
		if err != nil {
			return nil, fmt.Errorf("resolve host for node %q: %w", req.NodeName, err)
		}
		address = resolved
	}

	id, err := c.createJob(ctx, address, req.NodeName, req.Fields)
	if err != nil {
		return nil, err
	}

	h := &Handle{client: c, NodeAddress: address, NodeName: req.NodeName, JobID: id}

	for field, path := range req.Files {
		if err := h.upload(ctx, field, path); err != nil {
			return nil, fmt.Errorf("upload field %q: %w", field, err)
		}
	}

	if err := h.start(ctx, req.RunConfig); err != nil {
		return nil, err
	}
	return h, nil
}

// ChildSubmit derives the child's run_config from the parent's
// (priority, check_cache, and save_to_cache always inherit; device_id
// only when sameResources), then submits it.
func (c *Client) ChildSubmit(ctx context.Context, parent job.RunConfig, sameResources bool, req SubmitRequest) (*Handle, error) {
	req.RunConfig = parent.ChildRunConfig(sameResources)
	return c.Submit(ctx, req)
}

func (c *Client) baseURL(address string) string {
	if strings.HasPrefix(address, "http://") || strings.HasPrefix(address, "https://") {
		return address
	}
	return "http://" + address
}

func (c *Client) createJob(ctx context.Context, address, nodeName string, fields schema.Record) (string, error) {
	data, err := json.Marshal(fields)
	if err != nil {
		return "", fmt.Errorf("marshal job fields: %w", err)
	}
	url := fmt.Sprintf("%s/%s/jobs", c.baseURL(address), nodeName)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	var out struct {
		ID string `json:"id"`
	}
	if err := c.do(req, &out); err != nil {
		return "", fmt.Errorf("create job: %w", err)
	}
	return out.ID, nil
}

func (h *Handle) upload(ctx context.Context, field, path string) error {
	file, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open %q: %w", path, err)
	}
	defer file.Close()

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	if err := mw.WriteField("key", field); err != nil {
		return err
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return err
	}
	if _, err := io.Copy(fw, file); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	url := fmt.Sprintf("%s/%s/jobs/%s/upload", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, &body)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return h.client.do(req, nil)
}

func (h *Handle) start(ctx context.Context, rc job.RunConfig) error {
	data, err := json.Marshal(rc)
	if err != nil {
		return fmt.Errorf("marshal run_config: %w", err)
	}
	url := fmt.Sprintf("%s/%s/jobs/%s/start", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	return h.client.do(req, nil)
}

// Status polls the job's current status.
func (h *Handle) Status(ctx context.Context) (job.Status, error) {
	url := fmt.Sprintf("%s/%s/jobs/%s/status", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	var out struct {
		Status job.Status `json:"status"`
	}
	if err := h.client.do(req, &out); err != nil {
		return "", err
	}
	return out.Status, nil
}

// Wait polls Status at PollInterval until the job reaches a terminal
// state, returning *JobFailed for Error and *JobCancelled for Cancelled.
func (h *Handle) Wait(ctx context.Context) (job.Status, error) {
	ticker := time.NewTicker(PollInterval)
	defer ticker.Stop()
	for {
		status, err := h.Status(ctx)
		if err != nil {
			return "", err
		}
		switch status {
		case job.StatusFinished:
			return status, nil
		case job.StatusError:
			errRec, ferr := h.FetchError(ctx)
			if ferr != nil {
				return status, &JobFailed{TypeName: "Unknown", Traceback: ferr.Error()}
			}
			return status, &JobFailed{TypeName: errRec.TypeName, Traceback: errRec.Traceback}
		case job.StatusCancelled:
			return status, &JobCancelled{}
		}
		select {
		case <-ticker.C:
		case <-ctx.Done():
			return status, ctx.Err()
		}
	}
}

// FetchError retrieves the job's error record, valid only once the job
// has reached Error or Cancelled.
func (h *Handle) FetchError(ctx context.Context) (job.Error, error) {
	url := fmt.Sprintf("%s/%s/jobs/%s/error", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return job.Error{}, err
	}
	var out job.Error
	err = h.client.do(req, &out)
	return out, err
}

// Stop requests cooperative cancellation.
func (h *Handle) Stop(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s/jobs/%s/stop", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	return h.client.do(req, nil)
}

// Delete removes the job and its server-side directories.
func (h *Handle) Delete(ctx context.Context) error {
	url := fmt.Sprintf("%s/%s/jobs/%s/delete", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
	if err != nil {
		return err
	}
	return h.client.do(req, nil)
}

func (c *Client) do(req *http.Request, out interface{}) error {
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("%s %s returned %d: %s", req.Method, req.URL, resp.StatusCode, string(data))
	}
	if out == nil || len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, out)
}
