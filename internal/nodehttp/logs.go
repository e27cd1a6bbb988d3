// Job log streaming over a websocket: tails a job's in-memory
// joblogs.Buffer live, replaying what has already been captured before
// following new lines.
package nodehttp

import (
	"net/http"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gridforge/gridforge/internal/apierrors"
	"github.com/gridforge/gridforge/internal/job"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// handleLogsStream serves GET /<name>/jobs/{id}/logs/stream: a
// best-effort websocket tail of the worker subprocess's stdout/stderr,
// accepted only while the job is Queued or Running. It first replays
// whatever has been buffered so far, then streams new lines until the
// job reaches a terminal state or the client disconnects.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request, j *job.Job) {
	if j.GetStatus() != job.StatusRunning && j.GetStatus() != job.StatusQueued {
		writeError(w, apierrors.Wrap(apierrors.KindInvalidForStatus, "logs only stream while Queued or Running", string(j.GetStatus())))
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	buf, ok := s.Logs.Lookup(j.ID)
	if !ok {
		conn.WriteJSON(map[string]string{"event": "no_logs_yet"})
		return
	}

	for _, line := range buf.Snapshot() {
		if conn.WriteJSON(line) != nil {
			return
		}
	}

	lines, unsubscribe := buf.Subscribe()
	defer unsubscribe()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				return
			}
			if conn.WriteJSON(line) != nil {
				return
			}
		case <-ticker.C:
			if j.GetStatus().IsTerminal() {
				conn.WriteJSON(map[string]string{"event": "job_terminal"})
				return
			}
			if conn.WriteMessage(websocket.PingMessage, nil) != nil {
				return
			}
		}
	}
}
