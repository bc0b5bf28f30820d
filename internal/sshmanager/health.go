package sshmanager

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/gluk-w/sshbroker/internal/logutil"
	"github.com/gluk-w/sshbroker/internal/metrics"
	"github.com/gluk-w/sshbroker/internal/sshaudit"
	"github.com/gluk-w/sshbroker/internal/sshlink"
)

// StartHealthCheck probes every connected link each interval. A second call
// while the loop runs is a no-op.
func (m *Manager) StartHealthCheck(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultHealthInterval
	}
	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	if m.closed || m.health != nil {
		return
	}
	m.health = startLoop(interval, m.CheckHealth)
	logger.Infof("health check started (every %s)", interval)
}

// StopHealthCheck stops the health loop and waits for it.
func (m *Manager) StopHealthCheck() {
	m.loopsMu.Lock()
	l := m.health
	m.health = nil
	m.loopsMu.Unlock()
	if l != nil {
		l.stop()
		logger.Info("health check stopped")
	}
}

// StartKeepalive sends a keepalive to every connected link each interval.
func (m *Manager) StartKeepalive(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultKeepaliveInterval
	}
	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	if m.closed || m.keepalive != nil {
		return
	}
	m.keepalive = startLoop(interval, func(context.Context) { m.sendKeepalives() })
	logger.Infof("keepalive started (every %s)", interval)
}

// StopKeepalive stops the keepalive loop and waits for it.
func (m *Manager) StopKeepalive() {
	m.loopsMu.Lock()
	l := m.keepalive
	m.keepalive = nil
	m.loopsMu.Unlock()
	if l != nil {
		l.stop()
		logger.Info("keepalive stopped")
	}
}

func (m *Manager) connectedLinks() []*sshlink.Link {
	m.linksMu.RLock()
	defer m.linksMu.RUnlock()
	var out []*sshlink.Link
	for _, l := range m.links {
		if l.Status() == sshlink.StatusConnected {
			out = append(out, l)
		}
	}
	return out
}

// CheckHealth probes all connected links in parallel. An unhealthy link is
// demoted to error, its running commands fail with exit code -1 and its
// sessions fail. Links are never removed here.
func (m *Manager) CheckHealth(ctx context.Context) {
	var g errgroup.Group
	for _, link := range m.connectedLinks() {
		g.Go(func() error {
			healthy := link.IsHealthy(ctx)
			if healthy {
				metrics.HealthChecks.WithLabelValues("healthy").Inc()
				return nil
			}
			if ctx.Err() != nil {
				return nil
			}
			metrics.HealthChecks.WithLabelValues("unhealthy").Inc()
			m.handleUnhealthy(link)
			return nil
		})
	}
	g.Wait()
}

func (m *Manager) handleUnhealthy(link *sshlink.Link) {
	id := link.ID()
	reason := "health check failed: transport not responding"
	link.MarkFailed(reason)

	commands := m.failCommandsOn(id, reason)
	sessions := m.failSessionsOn(id, reason)

	details := fmt.Sprintf("%d commands and %d sessions failed", commands, sessions)
	m.emitEvent(id, EventHealthCheckFailed, details)
	m.record(sshaudit.AuditEntry{ConnectionID: id, EventType: sshaudit.EventHealthCheckFailed, Details: details})
	logger.Warnf("connection %s is unhealthy; %s", logutil.SanitizeForLog(id), details)
}

func (m *Manager) sendKeepalives() {
	for _, link := range m.connectedLinks() {
		if err := link.SendKeepalive(); err != nil {
			m.emitEvent(link.ID(), EventKeepaliveFailed, err.Error())
			logger.Debugf("keepalive to %s failed: %v", logutil.SanitizeForLog(link.ID()), err)
		}
	}
}
