package supervisor

import (
	"context"
	"io"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"testing"
	"time"

	"github.com/gridforge/gridforge/internal/cache"
	"github.com/gridforge/gridforge/internal/job"
	"github.com/gridforge/gridforge/internal/managerclient"
	"github.com/gridforge/gridforge/internal/managerhttp"
	"github.com/gridforge/gridforge/internal/nodetype"
	"github.com/gridforge/gridforge/internal/resourcepool"
	"github.com/gridforge/gridforge/internal/schema"
	"github.com/stretchr/testify/require"
)

func testNodeType() nodetype.NodeType {
	return nodetype.NodeType{
		Name: "render",
		InputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "frame", Type: schema.TypeInt},
		}},
		OutputSchema: schema.Schema{Fields: []schema.Field{
			{Name: "rendered", Type: schema.TypeFile},
		}},
		RequiredGPUMemGB: 1,
		RequiredThreads:  1,
		RequiredMemoryGB: 1,
	}
}

// fakeManagerServer starts a real manager HTTP server backed by an
// always-admitting resource pool, so supervisor tests exercise the real
// managerclient wire format without needing a live process-spawned
// worker on the other end.
func fakeManagerServer(t *testing.T) (*httptest.Server, func()) {
	t.Helper()
	pool := resourcepool.NewPool([]int{8}, 8, 8)
	srv := managerhttp.NewServer(pool, "self:0")
	ts := httptest.NewServer(srv.Mux())
	return ts, ts.Close
}

func TestRunSatisfiesFromCacheWithoutQueueing(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	cacheRoot := filepath.Join(tmp, "cache")
	require.NoError(t, os.MkdirAll(cacheRoot, 0o755))
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	c := cache.New(cacheRoot, 0)
	key, err := cache.Fingerprint(nt.InputSchema, schema.Record{"frame": float64(1)})
	require.NoError(t, err)

	srcDir := filepath.Join(tmp, "src")
	require.NoError(t, os.MkdirAll(srcDir, 0o755))
	renderedPath := filepath.Join(srcDir, "out.png")
	require.NoError(t, os.WriteFile(renderedPath, []byte("pixels"), 0o644))
	require.NoError(t, c.Save(nt.OutputSchema, key, schema.Record{"rendered": renderedPath}, srcDir))

	j := job.New("job-1", time.Now(), filepath.Join(tmp, "in"), outputDir)
	j.Input = schema.Record{"frame": float64(1)}
	j.RunConfig = job.RunConfig{Priority: 3, CheckCache: true}

	origSpawn := spawnWorker
	spawnWorker = func(ctx context.Context, nodeName string, input schema.Record, descriptor nodetype.WorkerJobDescriptor, stdout, stderr io.Writer) (*runningWorker, error) {
		t.Fatal("spawnWorker should not be called on a cache hit")
		return nil, nil
	}
	defer func() { spawnWorker = origSpawn }()

	s := New(j, nt, c, managerclient.New("http://unused"))
	s.Run(context.Background())

	require.Equal(t, job.StatusFinished, j.GetStatus())
	require.NotNil(t, j.Output["rendered"], "expected output to carry the cached file field")
}

func TestRunAdmitsRunsAndFinishes(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))
	renderedPath := filepath.Join(outputDir, "out.png")
	require.NoError(t, os.WriteFile(renderedPath, []byte("pixels"), 0o644))

	c := cache.New(filepath.Join(tmp, "cache"), 0)

	ts, closeFn := fakeManagerServer(t)
	defer closeFn()

	j := job.New("job-2", time.Now(), filepath.Join(tmp, "in"), outputDir)
	j.Input = schema.Record{"frame": float64(2)}
	j.RunConfig = job.RunConfig{Priority: 3, CheckCache: false, SaveToCache: false}

	origSpawn := spawnWorker
	spawnWorker = func(ctx context.Context, nodeName string, input schema.Record, descriptor nodetype.WorkerJobDescriptor, stdout, stderr io.Writer) (*runningWorker, error) {
		done := make(chan WorkerResult, 1)
		done <- WorkerResult{Status: "success", Output: schema.Record{"rendered": renderedPath}}
		cmd := fakeExitedCmd()
		w := &runningWorker{cmd: cmd, result: done}
		return w, nil
	}
	defer func() { spawnWorker = origSpawn }()

	s := New(j, nt, c, managerclient.New(ts.URL))
	s.QueuePollInterval = 10 * time.Millisecond
	s.CancelPollInterval = 10 * time.Millisecond
	s.Run(context.Background())

	require.Equalf(t, job.StatusFinished, j.GetStatus(), "error=%+v", j.Error)
	require.Equal(t, renderedPath, j.Output["rendered"])
}

func TestRunReportsWorkerErrorAsJobError(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	c := cache.New(filepath.Join(tmp, "cache"), 0)
	ts, closeFn := fakeManagerServer(t)
	defer closeFn()

	j := job.New("job-3", time.Now(), filepath.Join(tmp, "in"), outputDir)
	j.Input = schema.Record{"frame": float64(3)}
	j.RunConfig = job.RunConfig{Priority: 2}

	origSpawn := spawnWorker
	spawnWorker = func(ctx context.Context, nodeName string, input schema.Record, descriptor nodetype.WorkerJobDescriptor, stdout, stderr io.Writer) (*runningWorker, error) {
		done := make(chan WorkerResult, 1)
		done <- WorkerResult{Status: "error", TypeName: "ValueError", Traceback: "boom"}
		cmd := fakeExitedCmd()
		return &runningWorker{cmd: cmd, result: done}, nil
	}
	defer func() { spawnWorker = origSpawn }()

	s := New(j, nt, c, managerclient.New(ts.URL))
	s.QueuePollInterval = 10 * time.Millisecond
	s.CancelPollInterval = 10 * time.Millisecond
	s.Run(context.Background())

	require.Equal(t, job.StatusError, j.GetStatus())
	require.NotNil(t, j.Error)
	require.Equal(t, "ValueError", j.Error.TypeName)
}

func TestRunStopsWhenCancelledWhileQueued(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	c := cache.New(filepath.Join(tmp, "cache"), 0)

	// A pool with just enough capacity for one job, already occupied by a
	// higher-priority job that never ends, leaves our test job permanently
	// pending so it stays Queued until the test cancels it.
	pool := resourcepool.NewPool(nil, 1, 1)
	require.NoError(t, pool.Add(resourcepool.PendingJob{
		QueueID: "occupier", Priority: 5, Threads: 1, Memory: 1,
	}))
	srv := managerhttp.NewServer(pool, "self:0")
	ts := httptest.NewServer(srv.Mux())
	defer ts.Close()

	nt.RequiredGPUMemGB = 0
	nt.RequiredThreads = 1
	nt.RequiredMemoryGB = 1

	j := job.New("job-4", time.Now(), filepath.Join(tmp, "in"), outputDir)
	j.Input = schema.Record{"frame": float64(4)}
	j.RunConfig = job.RunConfig{Priority: 1}

	s := New(j, nt, c, managerclient.New(ts.URL))
	s.QueuePollInterval = 10 * time.Millisecond

	done := make(chan struct{})
	go func() {
		s.Run(context.Background())
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	require.True(t, j.CompareAndSetStatus(job.StatusQueued, job.StatusCancelling),
		"expected job to still be Queued when cancel was requested")

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not observe cancellation in time")
	}

	require.Equal(t, job.StatusCancelled, j.GetStatus())
}

func TestFinalizeOutputRejectsPathEscapingOutputDir(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(outputDir, 0o755))

	_, err := finalizeOutput(nt, outputDir, schema.Record{"rendered": "../escaped.png"})
	require.Error(t, err, "expected path escaping output_dir to be rejected")
}

func TestFinalizeOutputScrubsUnreferencedFiles(t *testing.T) {
	nt := testNodeType()
	tmp := t.TempDir()
	outputDir := filepath.Join(tmp, "output")
	require.NoError(t, os.MkdirAll(filepath.Join(outputDir, "scratch"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "out.png"), []byte("pixels"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(outputDir, "scratch", "temp.bin"), []byte("junk"), 0o644))

	out, err := finalizeOutput(nt, outputDir, schema.Record{"rendered": "out.png"})
	require.NoError(t, err)
	require.Equal(t, filepath.Join(outputDir, "out.png"), out["rendered"])

	_, err = os.Stat(filepath.Join(outputDir, "scratch", "temp.bin"))
	require.True(t, os.IsNotExist(err), "expected unreferenced file to be scrubbed")

	_, err = os.Stat(filepath.Join(outputDir, "scratch"))
	require.True(t, os.IsNotExist(err), "expected emptied subdirectory to be pruned")
}

// fakeExitedCmd returns an *exec.Cmd for a trivial, already-started
// command so runningWorker.wait's cmd.Wait() call has a real process to
// reap instead of a nil one.
func fakeExitedCmd() *exec.Cmd {
	cmd := exec.Command("true")
	cmd.Start()
	return cmd
}
