// Package resourcepool implements the per-host resource queue and
// admission scheduler: a priority heap of pending jobs admitted against
// a pool of GPUs (each with an independent memory budget), CPU threads,
// and RAM. Admission is strictly head-of-line: a pending job that does
// not fit blocks everything behind it, even jobs that would fit, so a
// starved high-priority job is never overtaken.
package resourcepool

import (
	"container/heap"
	"fmt"
	"sync"
	"time"

	"github.com/catalystcommunity/app-utils-go/logging"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/metrics"
)

// GPU is one device's memory budget.
type GPU struct {
	CapacityMB  int
	AvailableMB int
}

// PendingJob is a request for resources waiting in the admission queue.
type PendingJob struct {
	QueueID   string
	Priority  int // 1 (lowest) through 5 (highest)
	GPUMB     int
	Threads   int
	Memory    int
	CreatedAt time.Time

	index int // heap bookkeeping, maintained by container/heap callbacks
}

// ActiveRecord is the bookkeeping kept for an admitted job until End is
// called for it.
type ActiveRecord struct {
	DeviceID int
	GPUMB    int
	Threads  int
	Memory   int
}

const (
	MinPriority = 1
	MaxPriority = 5
)

// Admission is delivered to a Pool's AdmitFunc callback once a pending
// job has been popped off the heap and its resources deducted.
type Admission struct {
	QueueID  string
	DeviceID int
}

// Pool is one host's resource pool: an ordered list of GPUs plus global
// thread and memory counters, with a priority heap of jobs waiting for
// admission.
//
// All mutations are serialized under mu; admission runs synchronously
// inside Add and End, and any notification callback runs only after the
// lock is released.
type Pool struct {
	mu sync.Mutex

	gpus              []GPU
	threadsTotal      int
	threadsAvailable  int
	memoryTotalGB     int
	memoryAvailableGB int

	pending      pendingHeap
	pendingIndex map[string]*PendingJob
	active       map[string]ActiveRecord

	// AdmitFunc, if set, is invoked once per job admitted by a call to
	// Add or End, after the lock has been released, so the caller can
	// wake whatever is polling is_active for that queue id.
	AdmitFunc func(Admission)
}

// NewPool builds a Pool from per-GPU capacities (MB) plus total thread
// and memory (GB) budgets.
func NewPool(gpuCapacitiesMB []int, threadsTotal, memoryTotalGB int) *Pool {
	gpus := make([]GPU, len(gpuCapacitiesMB))
	for i, cap := range gpuCapacitiesMB {
		gpus[i] = GPU{CapacityMB: cap, AvailableMB: cap}
	}
	return &Pool{
		gpus:              gpus,
		threadsTotal:      threadsTotal,
		threadsAvailable:  threadsTotal,
		memoryTotalGB:     memoryTotalGB,
		memoryAvailableGB: memoryTotalGB,
		pendingIndex:      make(map[string]*PendingJob),
		active:            make(map[string]ActiveRecord),
	}
}

func maxCapacity(gpus []GPU) int {
	max := 0
	for _, g := range gpus {
		if g.CapacityMB > max {
			max = g.CapacityMB
		}
	}
	return max
}

// Add validates and enqueues a pending job, then attempts admission. It
// returns apierrors.ErrInvalidRequirements if the job can never fit this
// pool regardless of contention, or if the priority is out of [1,5].
func (p *Pool) Add(job PendingJob) error {
	if job.Priority < MinPriority || job.Priority > MaxPriority {
		return apierrors.Wrap(apierrors.KindInvalidRequirements,
			"priority out of range", fmt.Sprintf("priority=%d must be in [%d,%d]", job.Priority, MinPriority, MaxPriority))
	}

	p.mu.Lock()
	if job.GPUMB > 0 && job.GPUMB > maxCapacity(p.gpus) {
		p.mu.Unlock()
		return apierrors.Wrap(apierrors.KindInvalidRequirements,
			"required GPU memory exceeds every device's capacity",
			fmt.Sprintf("required=%d max_capacity=%d", job.GPUMB, maxCapacity(p.gpus)))
	}
	if job.Threads > p.threadsTotal {
		p.mu.Unlock()
		return apierrors.Wrap(apierrors.KindInvalidRequirements,
			"required threads exceed total", fmt.Sprintf("required=%d total=%d", job.Threads, p.threadsTotal))
	}
	if job.Memory > p.memoryTotalGB {
		p.mu.Unlock()
		return apierrors.Wrap(apierrors.KindInvalidRequirements,
			"required memory exceeds total", fmt.Sprintf("required=%d total=%d", job.Memory, p.memoryTotalGB))
	}
	if job.CreatedAt.IsZero() {
		job.CreatedAt = time.Now()
	}

	stored := job
	heap.Push(&p.pending, &stored)
	p.pendingIndex[stored.QueueID] = &stored
	admitted := p.processQueueLocked()
	p.updateDepthMetricsLocked()
	p.mu.Unlock()

	p.notify(admitted)
	return nil
}

// End releases an active job's resources, or removes it from the
// pending heap if it hasn't been admitted yet. Calling End for an
// unknown queue_id is an idempotent no-op: it logs and returns nil,
// since a client double-calling end_job or calling it after a process
// restart must not be treated as a bug.
func (p *Pool) End(queueID string) error {
	p.mu.Lock()

	var admitted []Admission
	if rec, ok := p.active[queueID]; ok {
		delete(p.active, queueID)
		if rec.GPUMB > 0 {
			p.gpus[rec.DeviceID].AvailableMB += rec.GPUMB
		}
		p.threadsAvailable += rec.Threads
		p.memoryAvailableGB += rec.Memory
		admitted = p.processQueueLocked()
	} else if job, ok := p.pendingIndex[queueID]; ok {
		heap.Remove(&p.pending, job.index)
		delete(p.pendingIndex, queueID)
		admitted = p.processQueueLocked()
	} else {
		logging.Log.WithField("queue_id", queueID).Debug("end called for unknown queue id, ignoring")
	}
	p.updateDepthMetricsLocked()
	p.mu.Unlock()

	p.notify(admitted)
	return nil
}

// IsActive reports whether queueID has been admitted, and if so, which
// device it was assigned.
func (p *Pool) IsActive(queueID string) (bool, int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	rec, ok := p.active[queueID]
	if !ok {
		return false, 0
	}
	return true, rec.DeviceID
}

// Capacities is a diagnostic snapshot of this pool's configured budgets
// and current availability, for the manager's host_stats endpoint. It is
// never consulted by admission.
type Capacities struct {
	GPUs              []GPU
	ThreadsTotal      int
	ThreadsAvailable  int
	MemoryTotalGB     int
	MemoryAvailableGB int
	PendingCount      int
	ActiveCount       int
}

func (p *Pool) Capacities() Capacities {
	p.mu.Lock()
	defer p.mu.Unlock()
	gpus := make([]GPU, len(p.gpus))
	copy(gpus, p.gpus)
	return Capacities{
		GPUs:              gpus,
		ThreadsTotal:      p.threadsTotal,
		ThreadsAvailable:  p.threadsAvailable,
		MemoryTotalGB:     p.memoryTotalGB,
		MemoryAvailableGB: p.memoryAvailableGB,
		PendingCount:      p.pending.Len(),
		ActiveCount:       len(p.active),
	}
}

// Load returns the maximum utilization ratio across GPU memory, threads,
// and RAM, counting both active and pending demand. Used only for peer
// placement comparisons by the dispatcher, never for admission.
func (p *Pool) Load() float64 {
	p.mu.Lock()
	defer p.mu.Unlock()

	var gpuDemand, threadDemand, memDemand int
	var gpuCapacity int
	for _, g := range p.gpus {
		gpuCapacity += g.CapacityMB
		gpuDemand += g.CapacityMB - g.AvailableMB
	}
	threadDemand = p.threadsTotal - p.threadsAvailable
	memDemand = p.memoryTotalGB - p.memoryAvailableGB

	for _, job := range p.pendingIndex {
		gpuDemand += job.GPUMB
		threadDemand += job.Threads
		memDemand += job.Memory
	}

	ratio := func(demand, capacity int) float64 {
		if capacity <= 0 {
			if demand > 0 {
				return 1
			}
			return 0
		}
		r := float64(demand) / float64(capacity)
		if r > 1 {
			r = 1
		}
		return r
	}

	gpuRatio := ratio(gpuDemand, gpuCapacity)
	threadRatio := ratio(threadDemand, p.threadsTotal)
	memRatio := ratio(memDemand, p.memoryTotalGB)

	max := gpuRatio
	if threadRatio > max {
		max = threadRatio
	}
	if memRatio > max {
		max = memRatio
	}
	return max
}

// processQueueLocked repeatedly inspects the head of the pending heap. If
// it fits, it is popped and admitted; otherwise admission stops. A job
// that cannot yet fit blocks every lower-priority job behind it
// (strict head-of-line, no back-fill). Caller must hold mu.
func (p *Pool) processQueueLocked() []Admission {
	var admitted []Admission
	for p.pending.Len() > 0 {
		head := p.pending[0]
		deviceID, ok := p.firstFittingGPU(head)
		if !ok {
			break
		}

		heap.Pop(&p.pending)
		delete(p.pendingIndex, head.QueueID)

		if head.GPUMB > 0 {
			p.gpus[deviceID].AvailableMB -= head.GPUMB
		}
		p.threadsAvailable -= head.Threads
		p.memoryAvailableGB -= head.Memory
		p.active[head.QueueID] = ActiveRecord{
			DeviceID: deviceID,
			GPUMB:    head.GPUMB,
			Threads:  head.Threads,
			Memory:   head.Memory,
		}
		admitted = append(admitted, Admission{QueueID: head.QueueID, DeviceID: deviceID})
	}
	return admitted
}

// firstFittingGPU returns the lowest-index GPU with enough memory for
// job, provided threads and memory also fit globally. Ties on GPU
// choice always go to the lowest index so placement is deterministic.
func (p *Pool) firstFittingGPU(job *PendingJob) (int, bool) {
	if p.threadsAvailable < job.Threads || p.memoryAvailableGB < job.Memory {
		return 0, false
	}
	if job.GPUMB == 0 {
		return 0, true
	}
	for i, g := range p.gpus {
		if g.AvailableMB >= job.GPUMB {
			return i, true
		}
	}
	return 0, false
}

func (p *Pool) updateDepthMetricsLocked() {
	metrics.QueueDepth.Set(float64(p.pending.Len()))
	metrics.QueueActive.Set(float64(len(p.active)))
}

func (p *Pool) notify(admitted []Admission) {
	if p.AdmitFunc == nil {
		return
	}
	for _, a := range admitted {
		p.AdmitFunc(a)
	}
}

// pendingHeap is a container/heap.Interface ordered by (-priority,
// created_at): strictly higher priority first, ties broken by earlier
// creation.
type pendingHeap []*PendingJob

func (h pendingHeap) Len() int { return len(h) }

func (h pendingHeap) Less(i, j int) bool {
	if h[i].Priority != h[j].Priority {
		return h[i].Priority > h[j].Priority
	}
	return h[i].CreatedAt.Before(h[j].CreatedAt)
}

func (h pendingHeap) Swap(i, j int) {
	h[i], h[j] = h[j], h[i]
	h[i].index = i
	h[j].index = j
}

func (h *pendingHeap) Push(x interface{}) {
	job := x.(*PendingJob)
	job.index = len(*h)
	*h = append(*h, job)
}

func (h *pendingHeap) Pop() interface{} {
	old := *h
	n := len(old)
	job := old[n-1]
	old[n-1] = nil
	job.index = -1
	*h = old[:n-1]
	return job
}
