// health.go implements liveness checks for a Link.
//
// Two layers are checked: the transport (a keepalive@openssh.com global
// request) and the remote shell (a lightweight echo probe). A failed probe on
// a transport that still answers is tolerated; only transport death makes a
// link unhealthy.

package sshlink

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
)

const (
	// DefaultProbeTimeout is the maximum time to wait for the probe command.
	DefaultProbeTimeout = 5 * time.Second

	// probeCommand is the lightweight command executed to verify the remote shell.
	probeCommand = `echo "health_check"`

	keepaliveRequest = "keepalive@openssh.com"
)

// Metrics tracks connection age and probe outcomes for a Link.
type Metrics struct {
	mu               sync.Mutex
	connectedAt      time.Time
	lastHealthCheck  time.Time
	successfulChecks int64
	failedChecks     int64
}

// MetricsSnapshot is a point-in-time copy of Metrics.
type MetricsSnapshot struct {
	ConnectedAt      *time.Time `json:"connected_at,omitempty"`
	LastHealthCheck  *time.Time `json:"last_health_check,omitempty"`
	UptimeSeconds    float64    `json:"uptime_seconds"`
	SuccessfulChecks int64      `json:"successful_checks"`
	FailedChecks     int64      `json:"failed_checks"`
}

// Snapshot returns a copy of the metrics safe for concurrent use.
func (m *Metrics) Snapshot() MetricsSnapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	s := MetricsSnapshot{
		SuccessfulChecks: m.successfulChecks,
		FailedChecks:     m.failedChecks,
	}
	if !m.connectedAt.IsZero() {
		at := m.connectedAt
		s.ConnectedAt = &at
		s.UptimeSeconds = time.Since(at).Seconds()
	}
	if !m.lastHealthCheck.IsZero() {
		at := m.lastHealthCheck
		s.LastHealthCheck = &at
	}
	return s
}

func (m *Metrics) markConnected() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.connectedAt = time.Now()
}

func (m *Metrics) recordSuccess() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealthCheck = time.Now()
	m.successfulChecks++
}

func (m *Metrics) recordFailure() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.lastHealthCheck = time.Now()
	m.failedChecks++
}

func (l *Link) currentClient() *ssh.Client {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.client
}

// IsHealthy reports whether the link has a live transport. It runs the echo
// probe as well, but a probe failure only counts when the transport has died.
func (l *Link) IsHealthy(ctx context.Context) bool {
	client := l.currentClient()
	if client == nil {
		return false
	}
	if !l.transportAlive(ctx, client) {
		l.metrics.recordFailure()
		return false
	}

	if err := l.probe(ctx, client); err != nil {
		l.metrics.recordFailure()
		alive := l.transportAlive(ctx, client)
		logger.Debugf("health probe on %s failed (transport alive: %v): %v", l.ID(), alive, err)
		return alive
	}
	l.metrics.recordSuccess()
	return true
}

// transportAlive sends a keepalive request and waits up to ProbeTimeout for the reply.
func (l *Link) transportAlive(ctx context.Context, client *ssh.Client) bool {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		_, _, err := client.SendRequest(keepaliveRequest, true, nil)
		done <- err
	}()

	select {
	case err := <-done:
		return err == nil
	case <-ctx.Done():
		return false
	}
}

func (l *Link) probe(ctx context.Context, client *ssh.Client) error {
	ctx, cancel := context.WithTimeout(ctx, l.opts.ProbeTimeout)
	defer cancel()

	session, err := client.NewSession()
	if err != nil {
		return fmt.Errorf("open probe session: %w", err)
	}
	defer session.Close()

	done := make(chan error, 1)
	go func() {
		_, err := session.Output(probeCommand)
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			return fmt.Errorf("probe command: %w", err)
		}
		return nil
	case <-ctx.Done():
		return fmt.Errorf("probe timed out after %s", l.opts.ProbeTimeout)
	}
}

// SendKeepalive sends a keepalive without waiting for the reply. A write
// failure demotes the link to StatusError.
func (l *Link) SendKeepalive() error {
	client := l.currentClient()
	if client == nil {
		return ErrNotConnected
	}
	if _, _, err := client.SendRequest(keepaliveRequest, false, nil); err != nil {
		l.MarkFailed(fmt.Sprintf("keepalive failed: %v", err))
		return fmt.Errorf("send keepalive to %s: %w", l.ID(), err)
	}
	return nil
}

// transportKeepalive runs for the lifetime of one client.
func (l *Link) transportKeepalive(ctx context.Context, client *ssh.Client, done chan struct{}) {
	defer close(done)

	ticker := time.NewTicker(l.opts.TransportKeepalive)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if !l.transportAlive(ctx, client) {
				if ctx.Err() != nil {
					return
				}
				logger.Warnf("transport keepalive to %s failed", l.ID())
				l.MarkFailed("transport keepalive failed")
				return
			}
		}
	}
}
