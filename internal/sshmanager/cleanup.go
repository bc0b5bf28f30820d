package sshmanager

import (
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
)

// DefaultCleanupMaxAge is how long finished commands and sessions are kept.
const DefaultCleanupMaxAge = time.Hour

// StartCleanupSchedule runs RunCleanup on the given cron spec (standard
// five-field syntax or descriptors such as "@every 10m").
func (m *Manager) StartCleanupSchedule(spec string, maxAge time.Duration) error {
	if maxAge <= 0 {
		maxAge = DefaultCleanupMaxAge
	}

	m.loopsMu.Lock()
	defer m.loopsMu.Unlock()
	if m.closed {
		return ErrShutdown
	}
	if m.scheduler != nil {
		return fmt.Errorf("cleanup schedule already running")
	}

	c := cron.New()
	if _, err := c.AddFunc(spec, func() { m.RunCleanup(maxAge) }); err != nil {
		return fmt.Errorf("parse cleanup schedule %q: %w", spec, err)
	}
	c.Start()
	m.scheduler = c
	logger.Infof("cleanup scheduled (%s, max age %s)", spec, maxAge)
	return nil
}

// CleanupReport summarizes one RunCleanup pass.
type CleanupReport struct {
	Commands     int   `json:"commands"`
	Sessions     int   `json:"sessions"`
	AuditEntries int64 `json:"audit_entries"`
}

// RunCleanup drops finished commands and sessions older than maxAge and
// purges expired audit entries when the recorder supports it.
func (m *Manager) RunCleanup(maxAge time.Duration) CleanupReport {
	report := CleanupReport{
		Commands: m.CleanupCompletedCommands(maxAge),
		Sessions: m.CleanupInteractiveSessions(maxAge),
	}
	if p, ok := m.opts.Recorder.(purger); ok {
		n, err := p.PurgeOlderThan(0)
		if err != nil {
			logger.Warnf("audit purge failed: %v", err)
		}
		report.AuditEntries = n
	}
	return report
}
