// Package joblogs buffers a running worker process's stdout/stderr so
// the node HTTP surface can tail it live: a bounded in-memory ring of
// lines per job plus channel fan-out to subscribers. Nothing is
// persisted; a buffer lives exactly as long as its Job does.
package joblogs

import (
	"bufio"
	"bytes"
	"io"
	"sync"
	"time"
)

// Line is one captured line of worker output.
type Line struct {
	At     time.Time `json:"at"`
	Stream string    `json:"stream"` // "stdout" or "stderr"
	Text   string    `json:"text"`
}

// Buffer is a bounded, line-oriented ring of a single job's worker
// output, with fan-out to live subscribers for the logs/stream endpoint.
type Buffer struct {
	mu       sync.Mutex
	lines    []Line
	maxLines int
	subs     map[chan Line]struct{}
}

// NewBuffer returns a Buffer retaining at most maxLines lines.
func NewBuffer(maxLines int) *Buffer {
	if maxLines <= 0 {
		maxLines = 1000
	}
	return &Buffer{maxLines: maxLines, subs: make(map[chan Line]struct{})}
}

func (b *Buffer) append(stream, text string) {
	line := Line{At: time.Now(), Stream: stream, Text: text}
	b.mu.Lock()
	b.lines = append(b.lines, line)
	if len(b.lines) > b.maxLines {
		b.lines = b.lines[len(b.lines)-b.maxLines:]
	}
	for ch := range b.subs {
		select {
		case ch <- line:
		default:
			// Slow subscriber: drop the line rather than block the worker.
		}
	}
	b.mu.Unlock()
}

// Snapshot returns a copy of the lines currently retained.
func (b *Buffer) Snapshot() []Line {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]Line, len(b.lines))
	copy(out, b.lines)
	return out
}

// Subscribe registers a channel that receives every line appended after
// this call. The returned func unsubscribes and must be called when the
// caller is done reading.
func (b *Buffer) Subscribe() (<-chan Line, func()) {
	ch := make(chan Line, 64)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch, func() {
		b.mu.Lock()
		delete(b.subs, ch)
		b.mu.Unlock()
		close(ch)
	}
}

// streamWriter adapts a Buffer into an io.Writer that splits whatever is
// written to it into lines tagged with stream.
type streamWriter struct {
	buf    *Buffer
	stream string
	rest   bytes.Buffer
}

func (w *streamWriter) Write(p []byte) (int, error) {
	w.rest.Write(p)
	data := append([]byte(nil), w.rest.Bytes()...)
	w.rest.Reset()

	lastNewline := bytes.LastIndexByte(data, '\n')
	if lastNewline == -1 {
		w.rest.Write(data)
		return len(p), nil
	}
	w.rest.Write(data[lastNewline+1:])

	scanner := bufio.NewScanner(bytes.NewReader(data[:lastNewline+1]))
	for scanner.Scan() {
		w.buf.append(w.stream, scanner.Text())
	}
	return len(p), nil
}

// StdoutWriter returns an io.Writer that tees a worker's stdout into buf.
func (b *Buffer) StdoutWriter() io.Writer { return &streamWriter{buf: b, stream: "stdout"} }

// StderrWriter returns an io.Writer that tees a worker's stderr into buf.
func (b *Buffer) StderrWriter() io.Writer { return &streamWriter{buf: b, stream: "stderr"} }

// Registry hands out per-job Buffers and drops them once a job is
// deleted, tracking the same lifetime as the Node's job map itself.
type Registry struct {
	mu      sync.Mutex
	buffers map[string]*Buffer
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buffers: make(map[string]*Buffer)}
}

// Get returns the Buffer for jobID, creating one if this is the first
// call for that job.
func (r *Registry) Get(jobID string) *Buffer {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[jobID]
	if !ok {
		buf = NewBuffer(1000)
		r.buffers[jobID] = buf
	}
	return buf
}

// Lookup returns the Buffer for jobID if one already exists, without
// creating it.
func (r *Registry) Lookup(jobID string) (*Buffer, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf, ok := r.buffers[jobID]
	return buf, ok
}

// Drop removes jobID's buffer, called when its Job is deleted.
func (r *Registry) Drop(jobID string) {
	r.mu.Lock()
	delete(r.buffers, jobID)
	r.mu.Unlock()
}
