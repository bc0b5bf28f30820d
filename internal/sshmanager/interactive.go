package sshmanager

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshbroker/internal/logutil"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

// SessionStatus is the lifecycle state of an InteractiveSession.
type SessionStatus string

const (
	SessionActive       SessionStatus = "active"
	SessionWaitingInput SessionStatus = "waiting_input"
	SessionCompleted    SessionStatus = "completed"
	SessionFailed       SessionStatus = "failed"
	SessionTerminated   SessionStatus = "terminated"
)

// Terminal reports whether no further transition can happen.
func (s SessionStatus) Terminal() bool {
	return s != SessionActive && s != SessionWaitingInput
}

// Default PTY size of interactive sessions.
const (
	DefaultPtyWidth  = 80
	DefaultPtyHeight = 24
)

// defaultShellLabel names a session started without an initial command.
const defaultShellLabel = "shell"

// InteractiveSession is a PTY-backed remote shell. Output lands in a capped
// OutputBuffer; input is written to the shell's stdin by SendInput.
type InteractiveSession struct {
	ID             string
	ConnectionID   string
	InitialCommand string
	Width          int
	Height         int
	StartTime      time.Time

	mu        sync.Mutex
	status    SessionStatus
	endTime   time.Time
	lastInput time.Time
	exitCode  *int
	failure   string

	output  *OutputBuffer
	pending *pendingQueue
	stdin   io.WriteCloser
	session *ssh.Session
	done    chan struct{} // closed when session.Wait returns
	waitErr error
}

// SessionInfo is the listing payload of an InteractiveSession.
type SessionInfo struct {
	SessionID      string     `json:"session_id"`
	ConnectionID   string     `json:"connection_id"`
	InitialCommand string     `json:"initial_command"`
	Status         string     `json:"status"`
	StartTime      time.Time  `json:"start_time"`
	EndTime        *time.Time `json:"end_time,omitempty"`
	Duration       float64    `json:"duration"`
	OutputSize     int64      `json:"output_size"`
	BufferSize     int        `json:"buffer_size"`
	LastOutputTime *time.Time `json:"last_output_time,omitempty"`
	PtySize        string     `json:"pty_size"`
	ExitCode       *int       `json:"exit_code,omitempty"`
	Error          string     `json:"error,omitempty"`
}

// SessionOutput is SessionInfo plus the retained output.
type SessionOutput struct {
	SessionInfo
	Output        string `json:"output"`
	ChannelClosed bool   `json:"channel_closed"`
}

// Status returns the current state.
func (s *InteractiveSession) Status() SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// Output returns the session's output buffer.
func (s *InteractiveSession) Output() *OutputBuffer {
	return s.output
}

func (s *InteractiveSession) info() SessionInfo {
	s.mu.Lock()
	defer s.mu.Unlock()

	info := SessionInfo{
		SessionID:      s.ID,
		ConnectionID:   s.ConnectionID,
		InitialCommand: s.InitialCommand,
		Status:         string(s.status),
		StartTime:      s.StartTime,
		OutputSize:     s.output.Total(),
		BufferSize:     s.output.Len(),
		PtySize:        fmt.Sprintf("%dx%d", s.Width, s.Height),
		Error:          s.failure,
	}
	end := time.Now()
	if !s.endTime.IsZero() {
		t := s.endTime
		info.EndTime = &t
		end = t
	}
	info.Duration = end.Sub(s.StartTime).Seconds()
	if last := s.output.LastWrite(); !last.IsZero() {
		info.LastOutputTime = &last
	}
	if s.exitCode != nil {
		code := *s.exitCode
		info.ExitCode = &code
	}
	return info
}

// must hold s.mu
func (s *InteractiveSession) absorb() {
	if out := s.pending.take(); len(out) > 0 {
		s.output.Write(out)
	}
}

// collect moves pending output into the buffer, flags a quiet shell as
// waiting for input and records the exit once the shell is gone. It reports
// whether this call made a terminal transition.
func (s *InteractiveSession) collect(idle time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.status.Terminal() {
		return false
	}
	s.absorb()

	select {
	case <-s.done:
	default:
		last := s.output.LastWrite()
		if s.status == SessionActive && !last.IsZero() && last.After(s.lastInput) && time.Since(last) >= idle {
			s.status = SessionWaitingInput
		}
		return false
	}

	s.absorb()
	s.pending.close()
	s.output.Close()
	s.endTime = time.Now()

	code, err := sshlink.ExitCode(s.waitErr)
	s.exitCode = &code
	switch {
	case err != nil:
		s.status = SessionFailed
		s.failure = err.Error()
	case code == 0:
		s.status = SessionCompleted
	default:
		s.status = SessionFailed
	}
	return true
}

// stop forces a terminal state and closes the shell channel outside the lock.
func (s *InteractiveSession) stop(status SessionStatus, reason string) bool {
	s.mu.Lock()
	if s.status.Terminal() {
		s.mu.Unlock()
		return false
	}
	s.absorb()
	s.pending.close()
	s.output.Close()
	s.status = status
	s.endTime = time.Now()
	s.failure = reason
	session := s.session
	s.mu.Unlock()

	session.Close()
	return true
}

// StartInteractiveSession opens an xterm PTY shell on a connected link. When
// command is set (and is not "shell") it is typed into the shell after a
// short settle delay.
func (m *Manager) StartInteractiveSession(id, command string, width, height int) (string, error) {
	if width <= 0 {
		width = DefaultPtyWidth
	}
	if height <= 0 {
		height = DefaultPtyHeight
	}

	link, ok := m.Link(id)
	if !ok {
		return "", fmt.Errorf("connection %s: %w", id, ErrNotFound)
	}
	client, err := link.Client()
	if err != nil {
		return "", fmt.Errorf("connection %s: %w", id, err)
	}

	session, err := client.NewSession()
	if err != nil {
		if sshlink.IsTransportError(err) {
			link.MarkFailed(fmt.Sprintf("transport failure: %v", err))
		}
		return "", fmt.Errorf("open ssh session: %w", err)
	}

	modes := ssh.TerminalModes{
		ssh.ECHO:          1,
		ssh.TTY_OP_ISPEED: 14400,
		ssh.TTY_OP_OSPEED: 14400,
	}
	if err := session.RequestPty("xterm", height, width, modes); err != nil {
		session.Close()
		return "", fmt.Errorf("request pty: %w", err)
	}

	stdin, err := session.StdinPipe()
	if err != nil {
		session.Close()
		return "", fmt.Errorf("get stdin pipe: %w", err)
	}

	label := command
	if label == "" {
		label = defaultShellLabel
	}
	s := &InteractiveSession{
		ID:             uuid.New().String(),
		ConnectionID:   id,
		InitialCommand: label,
		Width:          width,
		Height:         height,
		StartTime:      time.Now(),
		status:         SessionActive,
		output:         NewOutputBuffer(m.opts.OutputBufferSize),
		pending:        &pendingQueue{},
		stdin:          stdin,
		session:        session,
		done:           make(chan struct{}),
	}
	session.Stdout = s.pending
	session.Stderr = s.pending

	if err := session.Shell(); err != nil {
		session.Close()
		return "", fmt.Errorf("start shell: %w", err)
	}

	m.workers.Add(1)
	go func() {
		defer m.workers.Done()
		s.waitErr = session.Wait()
		close(s.done)
	}()

	m.sessionsMu.Lock()
	m.sessions[s.ID] = s
	m.sessionsMu.Unlock()

	m.record(sshaudit.AuditEntry{
		ConnectionID: id,
		EventType:    sshaudit.EventSessionStart,
		Subject:      s.ID,
		Details:      logutil.CommandLabel(label),
		Success:      true,
	})
	logger.Infof("interactive session %s started on %s (%s, %dx%d)",
		s.ID, logutil.SanitizeForLog(id), logutil.CommandLabel(label), width, height)

	if command != "" && command != defaultShellLabel {
		time.Sleep(m.opts.SettleDelay)
		if err := m.SendInput(s.ID, command+"\n"); err != nil {
			logger.Warnf("interactive session %s: initial command not sent: %v", s.ID, err)
		}
	}
	return s.ID, nil
}

func (m *Manager) session(id string) (*InteractiveSession, bool) {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	s, ok := m.sessions[id]
	return s, ok
}

func (m *Manager) allSessions() []*InteractiveSession {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	out := make([]*InteractiveSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, s)
	}
	return out
}

// Session returns the tracked session for id.
func (m *Manager) Session(id string) (*InteractiveSession, bool) {
	return m.session(id)
}

// SendInput writes text to the shell's stdin. It fails with
// ErrSessionNotActive once the session has finished; a write failure marks
// the session Failed.
func (m *Manager) SendInput(sessionID, text string) error {
	s, ok := m.session(sessionID)
	if !ok {
		return fmt.Errorf("session %s: %w", sessionID, ErrNotFound)
	}

	s.mu.Lock()
	if s.status.Terminal() {
		status := s.status
		s.mu.Unlock()
		return fmt.Errorf("%w (status: %s)", ErrSessionNotActive, status)
	}
	stdin := s.stdin
	s.mu.Unlock()

	if _, err := io.WriteString(stdin, text); err != nil {
		if s.stop(SessionFailed, fmt.Sprintf("send input: %v", err)) {
			m.sessionFinished(s)
		}
		return fmt.Errorf("send input: %w", err)
	}

	s.mu.Lock()
	if !s.status.Terminal() {
		s.status = SessionActive
		s.lastInput = time.Now()
	}
	s.mu.Unlock()
	logger.Debugf("sent %d bytes to session %s", len(text), sessionID)
	return nil
}

func (m *Manager) collectSession(s *InteractiveSession) {
	if s.collect(m.opts.IdleThreshold) {
		m.sessionFinished(s)
	}
}

func (m *Manager) sessionFinished(s *InteractiveSession) {
	info := s.info()
	m.record(sshaudit.AuditEntry{
		ConnectionID: s.ConnectionID,
		EventType:    sshaudit.EventSessionEnd,
		Subject:      s.ID,
		Details:      info.Status,
		Success:      info.Status == string(SessionCompleted) || info.Status == string(SessionTerminated),
		DurationMs:   int64(info.Duration * 1000),
	})
	logger.Infof("interactive session %s %s", s.ID, info.Status)
}

// collectSessions is one tick of the session collector.
func (m *Manager) collectSessions() {
	for _, s := range m.allSessions() {
		if !s.Status().Terminal() {
			m.collectSession(s)
		}
	}
}

// InteractiveOutput returns the session state and its retained output. With
// maxLines > 0 only the last maxLines lines are returned.
func (m *Manager) InteractiveOutput(sessionID string, maxLines int) (SessionOutput, bool) {
	s, ok := m.session(sessionID)
	if !ok {
		return SessionOutput{}, false
	}
	m.collectSession(s)

	text := string(s.output.Snapshot())
	if maxLines > 0 {
		text = lastLines(text, maxLines)
	}
	info := s.info()
	return SessionOutput{
		SessionInfo:   info,
		Output:        text,
		ChannelClosed: info.EndTime != nil,
	}, true
}

// lastLines returns the final n lines of text. A trailing newline does not
// count as an extra empty line.
func lastLines(text string, n int) string {
	trimmed := strings.TrimSuffix(text, "\n")
	lines := strings.Split(trimmed, "\n")
	if len(lines) <= n {
		return text
	}
	out := strings.Join(lines[len(lines)-n:], "\n")
	if len(trimmed) != len(text) {
		out += "\n"
	}
	return out
}

// ListInteractiveSessions returns every tracked session, oldest first.
func (m *Manager) ListInteractiveSessions() []SessionInfo {
	sessions := m.allSessions()
	infos := make([]SessionInfo, 0, len(sessions))
	for _, s := range sessions {
		infos = append(infos, s.info())
	}
	sort.Slice(infos, func(i, j int) bool { return infos[i].StartTime.Before(infos[j].StartTime) })
	return infos
}

// TerminateInteractiveSession closes the shell and marks the session
// Terminated immediately. It returns false for unknown ids.
func (m *Manager) TerminateInteractiveSession(sessionID string) bool {
	s, ok := m.session(sessionID)
	if !ok {
		return false
	}
	if s.stop(SessionTerminated, "") {
		logger.Infof("interactive session %s terminated", sessionID)
		m.sessionFinished(s)
	}
	return true
}

// CleanupInteractiveSessions drops finished sessions whose end time is at
// least maxAge ago and returns how many were removed.
func (m *Manager) CleanupInteractiveSessions(maxAge time.Duration) int {
	cutoff := time.Now().Add(-maxAge)

	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	removed := 0
	for id, s := range m.sessions {
		s.mu.Lock()
		expired := s.status.Terminal() && !s.endTime.After(cutoff)
		s.mu.Unlock()
		if expired {
			delete(m.sessions, id)
			removed++
		}
	}
	if removed > 0 {
		logger.Infof("cleaned up %d finished interactive sessions", removed)
	}
	return removed
}

// failSessionsOn marks the live sessions of a dead connection Failed.
func (m *Manager) failSessionsOn(connectionID, reason string) int {
	failed := 0
	for _, s := range m.allSessions() {
		if s.ConnectionID == connectionID && s.stop(SessionFailed, reason) {
			m.sessionFinished(s)
			failed++
		}
	}
	return failed
}

// terminateBoundTo terminates every command and session of a connection.
func (m *Manager) terminateBoundTo(connectionID string) {
	for _, c := range m.allCommands() {
		if c.ConnectionID == connectionID {
			m.TerminateCommand(c.ID)
		}
	}
	for _, s := range m.allSessions() {
		if s.ConnectionID == connectionID {
			m.TerminateInteractiveSession(s.ID)
		}
	}
}
