package sshlink

import (
	"sync"
	"time"
)

// transitionBufferSize is how many status changes a Link remembers.
const transitionBufferSize = 50

// Transition records a single status change.
type Transition struct {
	From      string    `json:"from"`
	To        string    `json:"to"`
	Timestamp time.Time `json:"timestamp"`
	Reason    string    `json:"reason"`
}

// transitionLog is a fixed-size ring of Transitions.
type transitionLog struct {
	mu      sync.Mutex
	entries [transitionBufferSize]Transition
	head    int // next write position
	count   int
}

func (t *transitionLog) record(from, to Status, reason string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.entries[t.head] = Transition{
		From:      from.String(),
		To:        to.String(),
		Timestamp: time.Now(),
		Reason:    reason,
	}
	t.head = (t.head + 1) % transitionBufferSize
	if t.count < transitionBufferSize {
		t.count++
	}
}

// list returns transitions oldest first.
func (t *transitionLog) list() []Transition {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.count == 0 {
		return nil
	}
	out := make([]Transition, t.count)
	if t.count < transitionBufferSize {
		copy(out, t.entries[:t.count])
	} else {
		n := copy(out, t.entries[t.head:])
		copy(out[n:], t.entries[:t.head])
	}
	return out
}
