package sshmanager

import (
	"time"

	"github.com/gluk-w/sshbroker/internal/logutil"
)

// EventType identifies the type of connection event.
type EventType string

const (
	EventConnecting        EventType = "connecting"
	EventConnected         EventType = "connected"
	EventConnectFailed     EventType = "connect_failed"
	EventDisconnected      EventType = "disconnected"
	EventReplaced          EventType = "replaced"
	EventHealthCheckFailed EventType = "health_check_failed"
	EventKeepaliveFailed   EventType = "keepalive_failed"
	EventRateLimited       EventType = "rate_limited"
	EventTargetRejected    EventType = "target_rejected"
)

// ConnectionEvent is one entry of a connection's event history.
type ConnectionEvent struct {
	ConnectionID string    `json:"connection_id"`
	Type         EventType `json:"type"`
	Details      string    `json:"details"`
	Timestamp    time.Time `json:"timestamp"`
}

// maxEventsPerConnection limits the number of stored events per connection.
const maxEventsPerConnection = 100

// emitEvent records a connection event and logs it. Events are kept in a
// ring of the last 100 per connection and survive disconnects, so a caller
// can still see why a connection went away.
func (m *Manager) emitEvent(connectionID string, eventType EventType, details string) {
	event := ConnectionEvent{
		ConnectionID: connectionID,
		Type:         eventType,
		Details:      details,
		Timestamp:    time.Now(),
	}

	m.eventsMu.Lock()
	events := append(m.events[connectionID], event)
	if len(events) > maxEventsPerConnection {
		events = events[len(events)-maxEventsPerConnection:]
	}
	m.events[connectionID] = events
	m.eventsMu.Unlock()

	logger.Debugf("event %s/%s: %s", logutil.SanitizeForLog(connectionID), eventType, logutil.SanitizeForLog(details))
}

// Events returns the stored events of a connection, oldest first.
func (m *Manager) Events(connectionID string) []ConnectionEvent {
	m.eventsMu.RLock()
	defer m.eventsMu.RUnlock()
	events := m.events[connectionID]
	result := make([]ConnectionEvent, len(events))
	copy(result, events)
	return result
}

// RecentEvents returns at most n of the newest events of a connection.
func (m *Manager) RecentEvents(connectionID string, n int) []ConnectionEvent {
	events := m.Events(connectionID)
	if n > 0 && len(events) > n {
		events = events[len(events)-n:]
	}
	return events
}
