package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/coder/websocket"

	"github.com/gluk-w/sshbroker/internal/sshmanager"
)

// Close codes sent before the stream ends abnormally.
const (
	closeSessionNotFound websocket.StatusCode = 4004
	closeUnavailable     websocket.StatusCode = 4500
)

type streamInfoMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
	Status    string `json:"status"`
	Offset    int64  `json:"offset"`
}

type streamEndMsg struct {
	Type     string `json:"type"`
	Status   string `json:"status"`
	ExitCode *int   `json:"exit_code,omitempty"`
	Offset   int64  `json:"offset"`
}

// StreamSession relays an interactive session's output over a websocket.
//
// The first message is a JSON text frame {"type":"session_info"}. Output
// follows as binary frames, starting with the retained history (or from
// ?offset=, an absolute byte offset from an earlier stream). When the
// session finishes a {"type":"session_end"} text frame is sent and the
// socket is closed normally. The stream is output only; client frames are
// discarded.
func StreamSession(w http.ResponseWriter, r *http.Request) {
	var offset int64
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.ParseInt(v, 10, 64)
		if err != nil || n < 0 {
			http.Error(w, "Invalid offset", http.StatusBadRequest)
			return
		}
		offset = n
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		logger.Warnf("accept session stream: %v", err)
		return
	}
	defer conn.CloseNow()

	if Manager == nil {
		conn.Close(closeUnavailable, "Session manager not initialized")
		return
	}
	id := idParam(r)
	s, ok := Manager.Session(id)
	if !ok {
		conn.Close(closeSessionNotFound, "Session not found")
		return
	}

	ctx := conn.CloseRead(r.Context())
	out := s.Output()

	info, _ := json.Marshal(streamInfoMsg{Type: "session_info", SessionID: id, Status: string(s.Status()), Offset: offset})
	if err := conn.Write(ctx, websocket.MessageText, info); err != nil {
		return
	}
	logger.Debugf("session %s stream attached at offset %d", id, offset)

	for {
		// Take the wake-up channel before reading so a write in between is
		// not missed.
		changed := out.Changed()
		closed := out.IsClosed()
		chunk, next := out.Since(offset)
		offset = next
		if len(chunk) > 0 {
			if err := conn.Write(ctx, websocket.MessageBinary, chunk); err != nil {
				logger.Debugf("session %s stream detached: %v", id, err)
				return
			}
			continue
		}
		if closed {
			endStream(r, conn, id, offset)
			return
		}
		select {
		case <-changed:
		case <-ctx.Done():
			logger.Debugf("session %s stream closed by client", id)
			return
		}
	}
}

func endStream(r *http.Request, conn *websocket.Conn, id string, offset int64) {
	msg := streamEndMsg{Type: "session_end", Offset: offset}
	if state, ok := Manager.InteractiveOutput(id, 1); ok {
		msg.Status = state.Status
		msg.ExitCode = state.ExitCode
	} else {
		msg.Status = string(sshmanager.SessionTerminated)
	}
	data, _ := json.Marshal(msg)
	if err := conn.Write(r.Context(), websocket.MessageText, data); err != nil {
		return
	}
	conn.Close(websocket.StatusNormalClosure, "session finished")
}
