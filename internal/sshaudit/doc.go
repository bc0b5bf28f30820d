// Package sshaudit records broker activity to the audit database.
//
// Every connection attempt, synchronous and async command, interactive
// session and file operation can be written as a row of
// database.AuditLog and echoed to the structured log. Rows are queryable by
// connection id, event type and time window, and purged after a retention
// period by the cleanup schedule.
//
// # Event Types
//
//   - [EventConnectionEstablished], [EventConnectionFailed], [EventConnectionTerminated]
//   - [EventCommandExecution], [EventAsyncCommandStart], [EventAsyncCommandEnd]
//   - [EventSessionStart], [EventSessionEnd]
//   - [EventFileOperation]
//   - [EventHealthCheckFailed]
package sshaudit
