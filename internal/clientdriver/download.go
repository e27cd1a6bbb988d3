package clientdriver

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
)

// Download fetches the job's finished output record and copies every
// file-valued field into destDir (created if absent). If destDir already
// exists and the caller didn't pin it (pinDir == false), a numeric
// suffix ("-1", "-2", ...) is appended until a free name is found. It
// returns the output record with file fields rewritten to their local
// destination paths.
func (h *Handle) Download(ctx context.Context, destDir string, pinDir bool) (map[string]interface{}, string, error) {
	status, err := h.Status(ctx)
	if err != nil {
		return nil, "", err
	}
	if status != "Finished" {
		return nil, "", fmt.Errorf("clientdriver: download only valid once Finished, job is %s", status)
	}

	resolvedDir := destDir
	if !pinDir {
		resolvedDir = uniqueDir(destDir)
	}
	if err := os.MkdirAll(resolvedDir, 0o755); err != nil {
		return nil, "", fmt.Errorf("create download dir: %w", err)
	}

	data, err := h.fetchData(ctx)
	if err != nil {
		return nil, "", err
	}

	downloadPrefix := fmt.Sprintf("/%s/jobs/%s/download/", h.NodeName, h.JobID)
	result := make(map[string]interface{}, len(data))
	for field, v := range data {
		urlPath, ok := v.(string)
		if !ok || !strings.HasPrefix(urlPath, downloadPrefix) {
			result[field] = v
			continue
		}
		localPath := filepath.Join(resolvedDir, field)
		if err := h.downloadFile(ctx, urlPath, localPath); err != nil {
			return nil, "", fmt.Errorf("download field %q: %w", field, err)
		}
		result[field] = localPath
	}
	return result, resolvedDir, nil
}

func (h *Handle) fetchData(ctx context.Context) (map[string]interface{}, error) {
	url := fmt.Sprintf("%s/%s/jobs/%s/data", h.client.baseURL(h.NodeAddress), h.NodeName, h.JobID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	var out map[string]interface{}
	err = h.client.do(req, &out)
	return out, err
}

func (h *Handle) downloadFile(ctx context.Context, urlPath, destPath string) error {
	url := h.client.baseURL(h.NodeAddress) + urlPath
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := h.client.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("download %s returned %d", url, resp.StatusCode)
	}

	out, err := os.Create(destPath)
	if err != nil {
		return err
	}
	defer out.Close()
	_, err = io.Copy(out, resp.Body)
	return err
}

// uniqueDir returns base if it doesn't exist yet, else base suffixed
// with "-1", "-2", ... until a free name is found.
func uniqueDir(base string) string {
	if _, err := os.Stat(base); os.IsNotExist(err) {
		return base
	}
	for i := 1; ; i++ {
		candidate := fmt.Sprintf("%s-%d", base, i)
		if _, err := os.Stat(candidate); os.IsNotExist(err) {
			return candidate
		}
	}
}
