package sshaudit

import (
	"fmt"
	"time"

	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"github.com/gluk-w/sshbroker/internal/database"
	"github.com/gluk-w/sshbroker/internal/logutil"
)

var logger = logrus.WithField("component", "ssh-audit")

// Event types for audit records.
const (
	EventConnectionEstablished = "connection_established"
	EventConnectionFailed      = "connection_failed"
	EventConnectionTerminated  = "connection_terminated"
	EventCommandExecution      = "command_execution"
	EventAsyncCommandStart     = "async_command_start"
	EventAsyncCommandEnd       = "async_command_end"
	EventSessionStart          = "interactive_session_start"
	EventSessionEnd            = "interactive_session_end"
	EventFileOperation         = "file_operation"
	EventHealthCheckFailed     = "health_check_failed"
)

// DefaultRetentionDays is the default number of days to keep audit logs.
const DefaultRetentionDays = 90

// AuditEntry contains the fields needed to create an audit log entry.
type AuditEntry struct {
	ConnectionID string
	EventType    string
	Subject      string // command id, session id or remote path
	Details      string
	Success      bool
	DurationMs   int64
}

// Auditor writes audit records to the database and the structured log.
type Auditor struct {
	db            *gorm.DB
	retentionDays int
	nowFn         func() time.Time // injectable clock for testing
}

// NewAuditor creates an Auditor over db, migrating the audit table. If
// retentionDays is 0, DefaultRetentionDays is used.
func NewAuditor(db *gorm.DB, retentionDays int) (*Auditor, error) {
	if retentionDays <= 0 {
		retentionDays = DefaultRetentionDays
	}
	if err := db.AutoMigrate(&database.AuditLog{}); err != nil {
		return nil, fmt.Errorf("migrate audit table: %w", err)
	}
	return &Auditor{
		db:            db,
		retentionDays: retentionDays,
		nowFn:         time.Now,
	}, nil
}

// Log records an audit event.
func (a *Auditor) Log(entry AuditEntry) error {
	record := database.AuditLog{
		ConnectionID: entry.ConnectionID,
		EventType:    entry.EventType,
		Subject:      entry.Subject,
		Details:      entry.Details,
		Success:      entry.Success,
		DurationMs:   entry.DurationMs,
		CreatedAt:    a.nowFn(),
	}

	if err := a.db.Create(&record).Error; err != nil {
		logger.Errorf("failed to write audit log: %v", err)
		return err
	}

	logger.WithFields(logrus.Fields{
		"event":      entry.EventType,
		"connection": logutil.SanitizeForLog(entry.ConnectionID),
		"subject":    entry.Subject,
		"success":    entry.Success,
	}).Debug(logutil.SanitizeForLog(entry.Details))
	return nil
}

// QueryOptions specifies filters for retrieving audit logs.
type QueryOptions struct {
	ConnectionID string
	EventType    string
	Since        *time.Time
	Until        *time.Time
	Limit        int
	Offset       int
}

// QueryResult contains audit log entries and pagination metadata.
type QueryResult struct {
	Entries []database.AuditLog `json:"entries"`
	Total   int64               `json:"total"`
	Limit   int                 `json:"limit"`
	Offset  int                 `json:"offset"`
}

// Query retrieves audit log entries matching opts, newest first.
func (a *Auditor) Query(opts QueryOptions) (*QueryResult, error) {
	tx := a.db.Model(&database.AuditLog{})

	if opts.ConnectionID != "" {
		tx = tx.Where("connection_id = ?", opts.ConnectionID)
	}
	if opts.EventType != "" {
		tx = tx.Where("event_type = ?", opts.EventType)
	}
	if opts.Since != nil {
		tx = tx.Where("created_at >= ?", *opts.Since)
	}
	if opts.Until != nil {
		tx = tx.Where("created_at <= ?", *opts.Until)
	}

	var total int64
	if err := tx.Count(&total).Error; err != nil {
		return nil, err
	}

	if opts.Limit <= 0 {
		opts.Limit = 50
	}
	if opts.Limit > 1000 {
		opts.Limit = 1000
	}

	var entries []database.AuditLog
	if err := tx.Order("created_at DESC, id DESC").Offset(opts.Offset).Limit(opts.Limit).Find(&entries).Error; err != nil {
		return nil, err
	}

	return &QueryResult{
		Entries: entries,
		Total:   total,
		Limit:   opts.Limit,
		Offset:  opts.Offset,
	}, nil
}

// PurgeOlderThan removes entries older than days (the configured retention
// when days <= 0) and returns how many were deleted.
func (a *Auditor) PurgeOlderThan(days int) (int64, error) {
	if days <= 0 {
		days = a.retentionDays
	}
	cutoff := a.nowFn().AddDate(0, 0, -days)
	result := a.db.Where("created_at < ?", cutoff).Delete(&database.AuditLog{})
	if result.Error != nil {
		logger.Errorf("purge failed: %v", result.Error)
		return 0, result.Error
	}
	if result.RowsAffected > 0 {
		logger.Infof("purged %d audit log entries older than %d days", result.RowsAffected, days)
	}
	return result.RowsAffected, nil
}

// RetentionDays returns the configured retention period.
func (a *Auditor) RetentionDays() int {
	return a.retentionDays
}

// SetNowFunc sets the clock function used for testing.
func (a *Auditor) SetNowFunc(fn func() time.Time) {
	a.nowFn = fn
}
