package chatsync

import (
	"time"
)

// Defaults for ReactionAggregator.
const (
	DefaultReactionDebounce = 250 * time.Millisecond
	DefaultDedupWindow      = 512
)

type reactionKey struct {
	messageID int64
	emoji     string
	userID    string
}

type toggleKey struct {
	messageID int64
	emoji     string
}

// ReactionAggregator applies reaction events to the store exactly once.
//
// Remote events are deduplicated two ways: by server event ID when present,
// and by remembering the last kind applied for each (message, emoji, user).
// Both memories are bounded by the dedup window; the oldest keys fall out
// first.
//
// Local toggles are applied optimistically and remembered as pending until
// the authoritative echo arrives. A second toggle of the same (message,
// emoji) inside the debounce window is dropped.
type ReactionAggregator struct {
	store    *MessageStore
	selfID   string
	clock    Clock
	debounce time.Duration
	window   int

	applied    map[reactionKey]ReactionKind
	order      []reactionKey
	seenEvents map[string]struct{}
	seenOrder  []string
	lastToggle map[toggleKey]time.Time
	pending    map[toggleKey]ReactionKind
}

// NewReactionAggregator creates an aggregator over store for selfID.
func NewReactionAggregator(store *MessageStore, selfID string, clock Clock, debounce time.Duration, window int) *ReactionAggregator {
	if clock == nil {
		clock = systemClock{}
	}
	if debounce <= 0 {
		debounce = DefaultReactionDebounce
	}
	if window <= 0 {
		window = DefaultDedupWindow
	}
	a := &ReactionAggregator{
		store:    store,
		selfID:   selfID,
		clock:    clock,
		debounce: debounce,
		window:   window,
	}
	a.Reset(store)
	return a
}

// Reset forgets all dedup state, e.g. after a thread switch.
func (a *ReactionAggregator) Reset(store *MessageStore) {
	a.store = store
	a.applied = make(map[reactionKey]ReactionKind)
	a.order = nil
	a.seenEvents = make(map[string]struct{})
	a.seenOrder = nil
	a.lastToggle = make(map[toggleKey]time.Time)
	a.pending = make(map[toggleKey]ReactionKind)
}

// ApplyRemote applies an authoritative event and reports whether the store
// changed.
func (a *ReactionAggregator) ApplyRemote(ev ReactionEvent) bool {
	if ev.ServerEventID != "" {
		if _, dup := a.seenEvents[ev.ServerEventID]; dup {
			return false
		}
		a.rememberEvent(ev.ServerEventID)
	}

	key := reactionKey{ev.MessageID, ev.Emoji, ev.UserID}
	if kind, ok := a.applied[key]; ok && kind == ev.Kind {
		if ev.UserID == a.selfID {
			delete(a.pending, toggleKey{ev.MessageID, ev.Emoji})
		}
		return false
	}

	changed := a.store.ApplyReaction(ev, a.selfID)
	a.remember(key, ev.Kind)
	if ev.UserID == a.selfID {
		delete(a.pending, toggleKey{ev.MessageID, ev.Emoji})
	}
	return changed
}

// Toggle flips selfID's emoji on a message optimistically. It returns the
// event to send to the server, or false when the toggle was debounced or the
// message cannot take reactions.
func (a *ReactionAggregator) Toggle(messageID int64, emoji string) (ReactionEvent, bool) {
	m := a.store.Get(messageID)
	if m == nil || m.Deleted || m.IsTransient() || emoji == "" {
		return ReactionEvent{}, false
	}

	now := a.clock.Now()
	tk := toggleKey{messageID, emoji}
	if last, ok := a.lastToggle[tk]; ok && now.Sub(last) < a.debounce {
		return ReactionEvent{}, false
	}
	a.lastToggle[tk] = now

	kind := ReactionAdded
	if m.MyReactions[emoji] {
		kind = ReactionRemoved
	}
	ev := ReactionEvent{
		ThreadID:  a.store.ThreadID(),
		MessageID: messageID,
		Emoji:     emoji,
		UserID:    a.selfID,
		Kind:      kind,
	}
	a.store.ApplyReaction(ev, a.selfID)
	a.remember(reactionKey{messageID, emoji, a.selfID}, kind)
	a.pending[tk] = kind
	return ev, true
}

// Revert undoes an optimistic toggle whose server call failed.
func (a *ReactionAggregator) Revert(ev ReactionEvent) bool {
	tk := toggleKey{ev.MessageID, ev.Emoji}
	if kind, ok := a.pending[tk]; !ok || kind != ev.Kind {
		return false
	}
	delete(a.pending, tk)
	undo := ev
	undo.Kind = ev.Kind.inverse()
	changed := a.store.ApplyReaction(undo, a.selfID)
	a.remember(reactionKey{ev.MessageID, ev.Emoji, ev.UserID}, undo.Kind)
	return changed
}

// Pending reports whether a local toggle awaits its echo.
func (a *ReactionAggregator) Pending(messageID int64, emoji string) bool {
	_, ok := a.pending[toggleKey{messageID, emoji}]
	return ok
}

func (a *ReactionAggregator) remember(key reactionKey, kind ReactionKind) {
	if _, ok := a.applied[key]; !ok {
		a.order = append(a.order, key)
	}
	a.applied[key] = kind
	for len(a.order) > a.window {
		delete(a.applied, a.order[0])
		a.order = a.order[1:]
	}
}

func (a *ReactionAggregator) rememberEvent(id string) {
	a.seenEvents[id] = struct{}{}
	a.seenOrder = append(a.seenOrder, id)
	for len(a.seenOrder) > a.window {
		delete(a.seenEvents, a.seenOrder[0])
		a.seenOrder = a.seenOrder[1:]
	}
}
