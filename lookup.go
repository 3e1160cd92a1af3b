package chatsync

import (
	"time"
)

// DefaultLookupCoolDown is how long a failed reference lookup waits before it
// may be attempted again.
const DefaultLookupCoolDown = 10 * time.Second

type refKey struct {
	threadID  string
	messageID int64
}

type refEntry struct {
	msg      *Message
	inFlight bool
	failedAt time.Time
}

// ReferenceResolver caches messages referenced by replies but not loaded in
// the window, such as the target of a reply to old history. Entries live for
// the session until Clear. A failed lookup is not retried until the
// cool-down has passed.
//
// It is owned by the engine loop; the fetch itself runs elsewhere and
// reports back through Resolve or Fail.
type ReferenceResolver struct {
	clock    Clock
	coolDown time.Duration
	entries  map[refKey]*refEntry
}

// NewReferenceResolver creates an empty resolver.
func NewReferenceResolver(clock Clock, coolDown time.Duration) *ReferenceResolver {
	if clock == nil {
		clock = systemClock{}
	}
	if coolDown <= 0 {
		coolDown = DefaultLookupCoolDown
	}
	return &ReferenceResolver{clock: clock, coolDown: coolDown, entries: make(map[refKey]*refEntry)}
}

// Lookup returns a resolved reference.
func (r *ReferenceResolver) Lookup(threadID string, messageID int64) (*Message, bool) {
	e, ok := r.entries[refKey{threadID, messageID}]
	if !ok || e.msg == nil {
		return nil, false
	}
	return e.msg, true
}

// ShouldFetch reports whether a lookup may start now: nothing cached, nothing
// in flight and no failure inside the cool-down.
func (r *ReferenceResolver) ShouldFetch(threadID string, messageID int64) bool {
	if messageID <= 0 {
		return false
	}
	e, ok := r.entries[refKey{threadID, messageID}]
	if !ok {
		return true
	}
	if e.msg != nil || e.inFlight {
		return false
	}
	return r.clock.Now().Sub(e.failedAt) >= r.coolDown
}

// Begin marks a lookup as in flight.
func (r *ReferenceResolver) Begin(threadID string, messageID int64) {
	k := refKey{threadID, messageID}
	e, ok := r.entries[k]
	if !ok {
		e = &refEntry{}
		r.entries[k] = e
	}
	e.inFlight = true
}

// Resolve stores the fetched message.
func (r *ReferenceResolver) Resolve(threadID string, messageID int64, m *Message) {
	r.entries[refKey{threadID, messageID}] = &refEntry{msg: m.Clone()}
}

// Fail records a failed lookup and starts its cool-down.
func (r *ReferenceResolver) Fail(threadID string, messageID int64) {
	r.entries[refKey{threadID, messageID}] = &refEntry{failedAt: r.clock.Now()}
}

// Resolved returns the resolved references of threadID keyed by message ID.
func (r *ReferenceResolver) Resolved(threadID string) map[int64]*Message {
	out := make(map[int64]*Message)
	for k, e := range r.entries {
		if k.threadID == threadID && e.msg != nil {
			out[k.messageID] = e.msg.Clone()
		}
	}
	return out
}

// Clear drops every entry.
func (r *ReferenceResolver) Clear() {
	r.entries = make(map[refKey]*refEntry)
}
