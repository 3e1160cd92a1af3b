package chatsync

import (
	"sort"
	"time"
)

// Defaults for ReadReceiptManager and PresenceView.
const (
	DefaultReceiptDebounce = 750 * time.Millisecond
	DefaultTypingTTL       = 6 * time.Second
)

// ReadReceiptManager tracks read state in both directions.
//
// Locally it follows the newest visible message and emits it after the
// debounce has elapsed without a newer candidate. The emitted watermark only
// moves forward. Peer receipts are applied idempotently and never regress;
// each one marks our earlier messages delivered.
type ReadReceiptManager struct {
	store    *MessageStore
	clock    Clock
	debounce time.Duration

	watermark    int64
	candidate    int64
	candidateAt  time.Time
	peerRead     map[string]int64
	peerDelivery map[string]int64
}

// NewReadReceiptManager creates a manager over store.
func NewReadReceiptManager(store *MessageStore, clock Clock, debounce time.Duration) *ReadReceiptManager {
	if clock == nil {
		clock = systemClock{}
	}
	if debounce <= 0 {
		debounce = DefaultReceiptDebounce
	}
	r := &ReadReceiptManager{clock: clock, debounce: debounce}
	r.Reset(store)
	return r
}

// Reset clears per-thread state.
func (r *ReadReceiptManager) Reset(store *MessageStore) {
	r.store = store
	r.watermark = 0
	r.candidate = 0
	r.candidateAt = time.Time{}
	r.peerRead = make(map[string]int64)
	r.peerDelivery = make(map[string]int64)
}

// MarkVisible records which messages the viewer can currently see.
func (r *ReadReceiptManager) MarkVisible(ids []int64) bool {
	var latest int64
	for _, id := range ids {
		m := r.store.Get(id)
		if m == nil || m.IsTransient() {
			continue
		}
		if id > latest {
			latest = id
		}
	}
	if latest <= r.watermark || latest <= r.candidate {
		return false
	}
	r.candidate = latest
	r.candidateAt = r.clock.Now()
	return true
}

// Due returns the watermark to emit once the candidate has been stable for
// the debounce interval.
func (r *ReadReceiptManager) Due() (int64, bool) {
	if r.candidate <= r.watermark {
		return 0, false
	}
	if r.clock.Now().Sub(r.candidateAt) < r.debounce {
		return 0, false
	}
	r.watermark = r.candidate
	return r.watermark, true
}

// LastRead returns the emitted local watermark.
func (r *ReadReceiptManager) LastRead() int64 { return r.watermark }

// ApplyPeer applies a peer receipt and returns the IDs whose status changed.
// The second result is false when the receipt was stale.
func (r *ReadReceiptManager) ApplyPeer(ev ReceiptEvent) ([]int64, bool) {
	marks := r.peerRead
	if ev.Kind == ReceiptDelivered {
		marks = r.peerDelivery
	}
	if ev.LastReadID <= marks[ev.UserID] {
		return nil, false
	}
	marks[ev.UserID] = ev.LastReadID
	if ev.Kind != ReceiptDelivered && ev.LastReadID > r.peerDelivery[ev.UserID] {
		r.peerDelivery[ev.UserID] = ev.LastReadID
	}
	return r.store.ApplyReceipt(ev.UserID, ev.LastReadID), true
}

// PeerReads returns a copy of the per-user read watermarks.
func (r *ReadReceiptManager) PeerReads() map[string]int64 {
	out := make(map[string]int64, len(r.peerRead))
	for k, v := range r.peerRead {
		out[k] = v
	}
	return out
}

// ============================================================================
// PresenceView
// ============================================================================

// PresenceView holds typing indicators, which expire, and presence status,
// where the newest report wins.
type PresenceView struct {
	ttl      time.Duration
	typing   map[string]time.Time
	presence map[string]PresenceEvent
}

// NewPresenceView creates an empty view.
func NewPresenceView(ttl time.Duration) *PresenceView {
	if ttl <= 0 {
		ttl = DefaultTypingTTL
	}
	return &PresenceView{
		ttl:      ttl,
		typing:   make(map[string]time.Time),
		presence: make(map[string]PresenceEvent),
	}
}

// ResetTyping drops every typing indicator.
func (p *PresenceView) ResetTyping() {
	p.typing = make(map[string]time.Time)
}

// ApplyTyping records a typing start or stop.
func (p *PresenceView) ApplyTyping(ev TypingEvent, now time.Time) bool {
	_, was := p.typing[ev.UserID]
	if !ev.IsTyping {
		delete(p.typing, ev.UserID)
		return was
	}
	p.typing[ev.UserID] = now.Add(p.ttl)
	return !was
}

// ApplyPresence records a presence report unless a newer one is known.
func (p *PresenceView) ApplyPresence(ev PresenceEvent) bool {
	if cur, ok := p.presence[ev.UserID]; ok && !ev.At.After(cur.At) {
		return false
	}
	p.presence[ev.UserID] = ev
	return true
}

// Expire drops typing indicators past their deadline.
func (p *PresenceView) Expire(now time.Time) bool {
	changed := false
	for user, until := range p.typing {
		if !now.Before(until) {
			delete(p.typing, user)
			changed = true
		}
	}
	return changed
}

// Typing returns the users currently typing, sorted.
func (p *PresenceView) Typing() []string {
	out := make([]string, 0, len(p.typing))
	for user := range p.typing {
		out = append(out, user)
	}
	sort.Strings(out)
	return out
}

// Statuses returns the latest status per user.
func (p *PresenceView) Statuses() map[string]string {
	out := make(map[string]string, len(p.presence))
	for user, ev := range p.presence {
		out[user] = ev.Status
	}
	return out
}
