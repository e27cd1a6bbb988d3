package resourcepool

import (
	"testing"
	"time"
)

func TestAddRejectsOutOfRangePriority(t *testing.T) {
	p := NewPool([]int{8}, 8, 8)
	for _, priority := range []int{0, 6} {
		err := p.Add(PendingJob{QueueID: "a", Priority: priority, GPUMB: 1, Threads: 1, Memory: 1})
		if err == nil {
			t.Fatalf("expected priority %d to be rejected", priority)
		}
	}
}

func TestAddRejectsRequirementsThatCanNeverFit(t *testing.T) {
	p := NewPool([]int{8}, 8, 8)
	if err := p.Add(PendingJob{QueueID: "a", Priority: 3, GPUMB: 9, Threads: 1, Memory: 1}); err == nil {
		t.Fatal("expected gpu_mb exceeding every device's capacity to be rejected")
	}
	if err := p.Add(PendingJob{QueueID: "b", Priority: 3, GPUMB: 1, Threads: 9, Memory: 1}); err == nil {
		t.Fatal("expected threads exceeding total to be rejected")
	}
	if err := p.Add(PendingJob{QueueID: "c", Priority: 3, GPUMB: 1, Threads: 1, Memory: 9}); err == nil {
		t.Fatal("expected memory exceeding total to be rejected")
	}
}

func TestBasicSingleJobAdmitsAndRestoresOnEnd(t *testing.T) {
	p := NewPool([]int{8}, 8, 8)
	if err := p.Add(PendingJob{QueueID: "n_1", Priority: 3, GPUMB: 3, Threads: 3, Memory: 3}); err != nil {
		t.Fatal(err)
	}
	active, deviceID := p.IsActive("n_1")
	if !active {
		t.Fatal("expected job to be admitted immediately")
	}
	if deviceID != 0 {
		t.Fatalf("expected device 0, got %d", deviceID)
	}
	if p.gpus[0].AvailableMB != 5 {
		t.Fatalf("expected 5mb available, got %d", p.gpus[0].AvailableMB)
	}

	if err := p.End("n_1"); err != nil {
		t.Fatal(err)
	}
	if p.gpus[0].AvailableMB != 8 || p.threadsAvailable != 8 || p.memoryAvailableGB != 8 {
		t.Fatalf("expected pool fully restored, got gpu=%d threads=%d mem=%d",
			p.gpus[0].AvailableMB, p.threadsAvailable, p.memoryAvailableGB)
	}
}

func TestEndOnUnknownQueueIDIsIdempotentNoOp(t *testing.T) {
	p := NewPool([]int{8}, 8, 8)
	if err := p.End("never_existed"); err != nil {
		t.Fatalf("expected nil error for unknown queue id, got %v", err)
	}
}

func TestStrictHeadOfLineBlocking(t *testing.T) {
	p := NewPool([]int{8}, 8, 8)
	// First job takes all GPU memory.
	if err := p.Add(PendingJob{QueueID: "big", Priority: 5, GPUMB: 8, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}
	// Second job, higher priority than what follows, can't fit: must block.
	if err := p.Add(PendingJob{QueueID: "blocked", Priority: 5, GPUMB: 8, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}
	// Third job is lower priority but WOULD fit if it weren't blocked by head-of-line.
	if err := p.Add(PendingJob{QueueID: "small", Priority: 1, GPUMB: 1, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}

	if active, _ := p.IsActive("blocked"); active {
		t.Fatal("expected 'blocked' to not yet be admitted")
	}
	if active, _ := p.IsActive("small"); active {
		t.Fatal("expected 'small' to be blocked behind head-of-line, even though it would fit")
	}
}

func TestStrictPriorityOrdering(t *testing.T) {
	p := NewPool([]int{10}, 10, 10)
	// Exhaust the pool first.
	if err := p.Add(PendingJob{QueueID: "hold", Priority: 5, GPUMB: 10, Threads: 10, Memory: 10}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	if err := p.Add(PendingJob{QueueID: "low", Priority: 1, GPUMB: 6, Threads: 6, Memory: 6, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(PendingJob{QueueID: "high", Priority: 5, GPUMB: 6, Threads: 6, Memory: 6, CreatedAt: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}

	// Free the pool; the released capacity fits only one of the two waiting
	// jobs, so "high" must be admitted ahead of "low" despite arriving later.
	if err := p.End("hold"); err != nil {
		t.Fatal(err)
	}

	if active, _ := p.IsActive("high"); !active {
		t.Fatal("expected higher-priority job to be admitted first")
	}
	if active, _ := p.IsActive("low"); active {
		t.Fatal("expected lower-priority job to remain queued behind the higher-priority one")
	}
}

func TestTiesBrokenByEarlierCreatedAt(t *testing.T) {
	p := NewPool([]int{10}, 10, 10)
	if err := p.Add(PendingJob{QueueID: "hold", Priority: 5, GPUMB: 10, Threads: 10, Memory: 10}); err != nil {
		t.Fatal(err)
	}

	base := time.Now()
	if err := p.Add(PendingJob{QueueID: "second", Priority: 3, GPUMB: 6, Threads: 6, Memory: 6, CreatedAt: base.Add(time.Second)}); err != nil {
		t.Fatal(err)
	}
	if err := p.Add(PendingJob{QueueID: "first", Priority: 3, GPUMB: 6, Threads: 6, Memory: 6, CreatedAt: base}); err != nil {
		t.Fatal(err)
	}

	// The released capacity fits only one of the two tied jobs.
	if err := p.End("hold"); err != nil {
		t.Fatal(err)
	}

	if active, _ := p.IsActive("first"); !active {
		t.Fatal("expected earlier-created job to win the tie")
	}
	if active, _ := p.IsActive("second"); active {
		t.Fatal("expected later-created job to remain queued")
	}
}

func TestLowestIndexGPUChosenOnTie(t *testing.T) {
	p := NewPool([]int{4, 4}, 10, 10)
	if err := p.Add(PendingJob{QueueID: "a", Priority: 3, GPUMB: 4, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}
	_, deviceID := p.IsActive("a")
	if deviceID != 0 {
		t.Fatalf("expected lowest-index fitting GPU (0), got %d", deviceID)
	}
}

func TestLoadReflectsActiveAndPendingDemand(t *testing.T) {
	p := NewPool([]int{10}, 10, 10)
	if l := p.Load(); l != 0 {
		t.Fatalf("expected 0 load on empty pool, got %v", l)
	}
	if err := p.Add(PendingJob{QueueID: "a", Priority: 3, GPUMB: 5, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}
	if l := p.Load(); l < 0.5 {
		t.Fatalf("expected load >= 0.5 after admitting a 5/10 gpu job, got %v", l)
	}
}

func TestAdmitFuncCalledAfterUnlock(t *testing.T) {
	p := NewPool([]int{10}, 10, 10)
	var got []Admission
	p.AdmitFunc = func(a Admission) {
		// Must be safe to call back into the pool from here.
		p.IsActive(a.QueueID)
		got = append(got, a)
	}
	if err := p.Add(PendingJob{QueueID: "a", Priority: 3, GPUMB: 1, Threads: 1, Memory: 1}); err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].QueueID != "a" {
		t.Fatalf("expected one admission notification for 'a', got %v", got)
	}
}
