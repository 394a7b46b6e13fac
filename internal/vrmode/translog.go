package vrmode

import (
	"time"

	"github.com/google/uuid"

	"vrmoded/internal/component"
)

// DefaultLogCapacity is the number of transitions retained for diagnostics.
const DefaultLogCapacity = 64

// TransitionRecord is an immutable snapshot of one applied state change.
type TransitionRecord struct {
	ID            string             `json:"id"`
	Enabled       bool               `json:"enabled"`
	Bound         component.Identity `json:"bound"`
	Scope         component.ScopeID  `json:"scope"`
	Caller        component.Identity `json:"caller"`
	Timestamp     time.Time          `json:"timestamp"`
	GrantsApplied bool               `json:"grants_applied"`
}

// TransitionLog is a fixed-capacity ring buffer of TransitionRecords.
//
// It is not safe for concurrent use; the coordinator only touches it with
// its own lock held.
type TransitionLog struct {
	buf   []TransitionRecord
	start int
	n     int
}

// NewTransitionLog returns a log holding at most capacity records.
// A non-positive capacity selects DefaultLogCapacity.
func NewTransitionLog(capacity int) *TransitionLog {
	if capacity <= 0 {
		capacity = DefaultLogCapacity
	}
	return &TransitionLog{buf: make([]TransitionRecord, capacity)}
}

// Append adds rec, evicting the oldest record when full, and returns the
// record as stored. A record without an ID is assigned a time-ordered one.
func (l *TransitionLog) Append(rec TransitionRecord) TransitionRecord {
	if rec.ID == "" {
		rec.ID = newRecordID()
	}
	if l.n < len(l.buf) {
		l.buf[(l.start+l.n)%len(l.buf)] = rec
		l.n++
		return rec
	}
	l.buf[l.start] = rec
	l.start = (l.start + 1) % len(l.buf)
	return rec
}

// Dump returns a copy of the retained records, oldest first.
func (l *TransitionLog) Dump() []TransitionRecord {
	out := make([]TransitionRecord, l.n)
	for i := 0; i < l.n; i++ {
		out[i] = l.buf[(l.start+i)%len(l.buf)]
	}
	return out
}

// Len returns the number of retained records.
func (l *TransitionLog) Len() int { return l.n }

// Cap returns the log capacity.
func (l *TransitionLog) Cap() int { return len(l.buf) }

func newRecordID() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}
