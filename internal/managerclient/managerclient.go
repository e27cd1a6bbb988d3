// Package managerclient is the HTTP client a node's supervisor uses to
// talk to its local manager: register this node, submit a PendingJob,
// ask whether it has been admitted, and release it. A small struct
// wrapping a *http.Client with a base URL and JSON helpers.
package managerclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Client talks to one manager's HTTP surface.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// New returns a Client with a 5s timeout, generous enough for a
// same-host manager call while still bounding a hung request.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		HTTP:    &http.Client{Timeout: 5 * time.Second},
	}
}

// NodeMetaData is the registration body sent to /manager/register_node.
type NodeMetaData struct {
	Name            string    `json:"name"`
	LastHeardFrom   time.Time `json:"last_heard_from"`
	GPUGBRequired   int       `json:"gpu_gb_required"`
	ThreadsRequired int       `json:"threads_required"`
	MemoryRequired  int       `json:"memory_required"`
}

// QueueRequest is the body sent to /manager/add_job.
type QueueRequest struct {
	JobID           string `json:"job_id"`
	Priority        int    `json:"priority"`
	RequiredGPUMem  int    `json:"required_gpu_mem"`
	RequiredThreads int    `json:"required_threads"`
	RequiredMemory  int    `json:"required_memory"`
}

// IsActiveResponse is returned by /manager/is_job_active/{job_id}.
type IsActiveResponse struct {
	IsActive    bool `json:"is_active"`
	GPUDeviceID int  `json:"gpu_device_id"`
}

func (c *Client) do(ctx context.Context, method, path string, body interface{}, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("manager request %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read manager response: %w", err)
	}
	if resp.StatusCode >= 300 {
		return fmt.Errorf("manager %s %s returned %d: %s", method, path, resp.StatusCode, string(data))
	}
	if out == nil {
		return nil
	}
	if len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("decode manager response from %s %s: %w", method, path, err)
	}
	return nil
}

// RegisterNode registers this node's identity and resource requirements
// with the local manager.
func (c *Client) RegisterNode(ctx context.Context, meta NodeMetaData) error {
	return c.do(ctx, http.MethodPost, "/manager/register_node", meta, nil)
}

// AddJob submits a PendingJob request to the local manager's resource
// queue.
func (c *Client) AddJob(ctx context.Context, req QueueRequest) error {
	return c.do(ctx, http.MethodPost, "/manager/add_job", req, nil)
}

// EndJob releases queue_id's resources (or removes it from the pending
// heap if not yet admitted).
func (c *Client) EndJob(ctx context.Context, queueID string) error {
	return c.do(ctx, http.MethodPost, "/manager/end_job/"+queueID, nil, nil)
}

// IsActive reports whether queue_id has been admitted and which device
// it was assigned.
func (c *Client) IsActive(ctx context.Context, queueID string) (IsActiveResponse, error) {
	var out IsActiveResponse
	err := c.do(ctx, http.MethodGet, "/manager/is_job_active/"+queueID, nil, &out)
	return out, err
}

// Load queries the manager's current load, in [0,1].
func (c *Client) Load(ctx context.Context) (float64, error) {
	var out float64
	err := c.do(ctx, http.MethodGet, "/manager/get_load", nil, &out)
	return out, err
}

// HasNode queries whether the manager hosts a node of the given name.
func (c *Client) HasNode(ctx context.Context, nodeName string) (bool, error) {
	var out bool
	err := c.do(ctx, http.MethodGet, "/manager/dispatcher/has_node/"+nodeName, nil, &out)
	return out, err
}

// GetHost resolves the best host currently serving nodeName.
func (c *Client) GetHost(ctx context.Context, nodeName string) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, "/manager/dispatcher/get_host/"+nodeName, nil, &out)
	return out, err
}

// Ping checks manager liveness.
func (c *Client) Ping(ctx context.Context) (bool, error) {
	var out bool
	err := c.do(ctx, http.MethodGet, "/manager/ping", nil, &out)
	return out, err
}

// HostName returns the manager's own host:port identity.
func (c *Client) HostName(ctx context.Context) (string, error) {
	var out string
	err := c.do(ctx, http.MethodGet, "/manager/host_name", nil, &out)
	return out, err
}
