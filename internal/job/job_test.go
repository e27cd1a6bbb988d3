package job

import (
	"testing"
	"time"
)

func TestNewJobStartsInPreparing(t *testing.T) {
	j := New("job-1", time.Now(), "/tmp/in", "/tmp/out")
	if j.GetStatus() != StatusPreparing {
		t.Fatalf("expected Preparing, got %s", j.GetStatus())
	}
}

func TestCompareAndSetStatusIsIdempotent(t *testing.T) {
	j := New("job-1", time.Now(), "/tmp/in", "/tmp/out")
	j.SetStatus(StatusRunning)

	if !j.CompareAndSetStatus(StatusRunning, StatusCancelling) {
		t.Fatal("expected first cancel request to transition to Cancelling")
	}
	if j.CompareAndSetStatus(StatusRunning, StatusCancelling) {
		t.Fatal("expected repeated cancel request to be a no-op since status is no longer Running")
	}
	if j.GetStatus() != StatusCancelling {
		t.Fatalf("expected Cancelling, got %s", j.GetStatus())
	}
}

func TestIsTerminal(t *testing.T) {
	terminal := []Status{StatusFinished, StatusError, StatusCancelled}
	for _, s := range terminal {
		if !s.IsTerminal() {
			t.Fatalf("expected %s to be terminal", s)
		}
	}
	nonTerminal := []Status{StatusPreparing, StatusInitializing, StatusQueued, StatusRunning, StatusCancelling}
	for _, s := range nonTerminal {
		if s.IsTerminal() {
			t.Fatalf("expected %s to be non-terminal", s)
		}
	}
}

func TestChildRunConfigInheritsFromParent(t *testing.T) {
	parent := RunConfig{Priority: 4, CheckCache: true, SaveToCache: true, DeviceID: 2}

	independent := parent.ChildRunConfig(false)
	if independent.Priority != 4 || !independent.CheckCache || !independent.SaveToCache {
		t.Fatalf("expected child to inherit priority/check_cache/save_to_cache, got %+v", independent)
	}
	if independent.ResourcesIncluded || independent.DeviceID != 0 {
		t.Fatalf("expected independent child to not inherit device_id, got %+v", independent)
	}

	sameResources := parent.ChildRunConfig(true)
	if !sameResources.ResourcesIncluded || sameResources.DeviceID != 2 {
		t.Fatalf("expected same-resources child to inherit device_id and set resources_included, got %+v", sameResources)
	}
}

func TestQueueIDFormat(t *testing.T) {
	if got := QueueID("render", "job-1"); got != "render_job-1" {
		t.Fatalf("unexpected queue id: %s", got)
	}
}
