package nodehttp

import (
	"bytes"
	"encoding/json"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/gridforge/gridforge/internal/cache"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/schema"
	"github.com/stretchr/testify/require"
)

func testServer(t *testing.T) *Server {
	t.Helper()
	tmp := t.TempDir()
	nt := nodetype.NodeType{
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
		InputDirRoot:     filepath.Join(tmp, "inputs"),
		OutputDirRoot:    filepath.Join(tmp, "outputs"),
	}
	c := cache.New(filepath.Join(tmp, "cache"), 0)
	return NewServer(nt, c, managerclient.New("http://unused"))
}

func createJob(t *testing.T, ts *httptest.Server, body string) string {
	t.Helper()
	resp, err := http.Post(ts.URL+"/add/jobs", "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode, "create job")
	var out map[string]string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out["id"])
	return out["id"]
}

func TestCreateJobRejectsFileValuedField(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Post(ts.URL+"/add/jobs", "application/json", bytes.NewBufferString(`{"in_file":"/etc/passwd"}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestUploadThenStartValidatesInput(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	id := createJob(t, ts, `{"scalar":3}`)

	// Start before uploading the required file must fail NotReady.
	resp, err := http.Post(ts.URL+"/add/jobs/"+id+"/start", "application/json", bytes.NewBufferString(`{"priority":3}`))
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected NotReady before upload")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("key", "in_file")
	fw, err := mw.CreateFormFile("file", "in.txt")
	require.NoError(t, err)
	fw.Write([]byte("hello"))
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/add/jobs/"+id+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	uploadResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	uploadResp.Body.Close()
	require.Equal(t, http.StatusOK, uploadResp.StatusCode, "upload")

	statusResp, err := http.Get(ts.URL + "/add/jobs/" + id + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var status map[string]string
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	require.Equal(t, "Preparing", status["status"], "expected still Preparing after upload")
}

func TestUploadRejectsUndeclaredKey(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	id := createJob(t, ts, `{}`)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	mw.WriteField("key", "not_a_field")
	fw, err := mw.CreateFormFile("file", "in.txt")
	require.NoError(t, err)
	fw.Write([]byte("hi"))
	mw.Close()

	req, err := http.NewRequest(http.MethodPost, ts.URL+"/add/jobs/"+id+"/upload", &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode, "expected 400 for undeclared key")
}

func TestDownloadBeforeFinishedIsInvalidForStatus(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	id := createJob(t, ts, `{}`)

	resp, err := http.Get(ts.URL + "/add/jobs/" + id + "/download/out_file")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestStopOnPreparingJobCancelsImmediately(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	id := createJob(t, ts, `{}`)

	resp, err := http.Post(ts.URL+"/add/jobs/"+id+"/stop", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()

	statusResp, err := http.Get(ts.URL + "/add/jobs/" + id + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	var status map[string]string
	require.NoError(t, json.NewDecoder(statusResp.Body).Decode(&status))
	require.Equal(t, "Cancelled", status["status"])

	// Stopping an already-terminal job is an idempotent no-op.
	resp2, err := http.Post(ts.URL+"/add/jobs/"+id+"/stop", "application/json", nil)
	require.NoError(t, err)
	defer resp2.Body.Close()
	require.Equal(t, http.StatusOK, resp2.StatusCode, "expected 200 for stop on terminal job")
}

func TestDeleteRemovesJob(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()
	id := createJob(t, ts, `{}`)

	resp, err := http.Post(ts.URL+"/add/jobs/"+id+"/delete", "application/json", nil)
	require.NoError(t, err)
	resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	statusResp, err := http.Get(ts.URL + "/add/jobs/" + id + "/status")
	require.NoError(t, err)
	defer statusResp.Body.Close()
	require.Equal(t, http.StatusNotFound, statusResp.StatusCode, "expected 404 after delete")
}

func TestFilenameKeysAndKeys(t *testing.T) {
	srv := testServer(t)
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/add/filename_keys")
	require.NoError(t, err)
	defer resp.Body.Close()
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	require.Equal(t, []string{"in_file"}, names)

	resp2, err := http.Get(ts.URL + "/add/keys")
	require.NoError(t, err)
	defer resp2.Body.Close()
	var keys map[string][]string
	require.NoError(t, json.NewDecoder(resp2.Body).Decode(&keys))
	require.Len(t, keys["input_keys"], 2)
	require.Len(t, keys["output_keys"], 2)
}
