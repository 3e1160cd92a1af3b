package chatsync

import (
	"encoding/json"
	"fmt"
	"log/slog"
)

// gapPoker is the part of SyncCoordinator the applier needs.
type gapPoker interface {
	Poke() bool
	PokeFrom(floor Cursor) bool
	ReachedHistoryStart() bool
	noteRealtime()
}

// Applied describes the effect of one realtime event.
type Applied struct {
	Change Change
	// Result is "applied", "ignored", "duplicate" or "gap".
	Result string
	// FromSelf is set for message events sent by the local user.
	FromSelf bool
}

// RealtimeEventApplier routes realtime envelopes into the store and its
// derived views.
//
// A message event never blind-inserts into the middle of the loaded window.
// It updates an entry it already knows, replaces the placeholder holding
// its request ID, or appends a new tail. A message older than the loaded
// window is left for pagination while history remains. Anything else is a
// gap and triggers a delta fetch starting below it, so the missing entries
// come back even when newer ones already arrived. When envelopes carry Seq,
// a skipped sequence number is also treated as a gap.
type RealtimeEventApplier struct {
	store     *MessageStore
	reactions *ReactionAggregator
	receipts  *ReadReceiptManager
	presence  *PresenceView
	sync      gapPoker
	clock     Clock
	selfID    string
	log       *slog.Logger
	metrics   *Metrics

	lastSeq int64
}

// NewRealtimeEventApplier wires an applier to its collaborators.
func NewRealtimeEventApplier(store *MessageStore, reactions *ReactionAggregator, receipts *ReadReceiptManager, presence *PresenceView, sync gapPoker, selfID string, clock Clock, log *slog.Logger, metrics *Metrics) *RealtimeEventApplier {
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &RealtimeEventApplier{
		store:     store,
		reactions: reactions,
		receipts:  receipts,
		presence:  presence,
		sync:      sync,
		clock:     clock,
		selfID:    selfID,
		log:       log,
		metrics:   metrics,
	}
}

// Reset points the applier at a new thread's store.
func (a *RealtimeEventApplier) Reset(store *MessageStore) {
	a.store = store
	a.lastSeq = 0
}

// Apply decodes and applies one envelope.
func (a *RealtimeEventApplier) Apply(env Envelope) (Applied, error) {
	res, err := a.apply(env)
	if err != nil {
		a.metrics.event(env.Type, "invalid")
		return res, err
	}
	a.metrics.event(env.Type, res.Result)
	return res, nil
}

func (a *RealtimeEventApplier) apply(env Envelope) (Applied, error) {
	threadTopic := ThreadTopic(a.store.ThreadID())
	if env.Topic != "" && env.Topic != threadTopic && env.Topic != PresenceTopic {
		return Applied{Result: "ignored"}, nil
	}

	gap := false
	if env.Seq > 0 && env.Topic == threadTopic {
		if a.lastSeq > 0 && env.Seq > a.lastSeq+1 {
			gap = true
		}
		if env.Seq > a.lastSeq {
			a.lastSeq = env.Seq
		}
	}
	if gap {
		a.log.Debug("sequence gap", "thread_id", a.store.ThreadID(), "seq", env.Seq)
		a.metrics.gapPoke()
		if high, ok := a.store.HighWatermark(); ok {
			a.sync.PokeFrom(high)
		} else {
			a.sync.Poke()
		}
	}

	switch env.Type {
	case EventMessage:
		var m Message
		if err := json.Unmarshal(env.Payload, &m); err != nil {
			return Applied{}, fmt.Errorf("decode message event: %w", err)
		}
		res := a.applyMessage(&m)
		if res.Result == "applied" {
			a.sync.noteRealtime()
		}
		return res, nil

	case EventReaction:
		var ev ReactionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Applied{}, fmt.Errorf("decode reaction event: %w", err)
		}
		if ev.ThreadID != "" && ev.ThreadID != a.store.ThreadID() {
			return Applied{Result: "ignored"}, nil
		}
		if !a.reactions.ApplyRemote(ev) {
			return Applied{Result: "duplicate"}, nil
		}
		return Applied{Result: "applied", Change: Change{Updated: 1}}, nil

	case EventDeletion:
		var ev DeletionEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Applied{}, fmt.Errorf("decode deletion event: %w", err)
		}
		if ev.ThreadID != "" && ev.ThreadID != a.store.ThreadID() {
			return Applied{Result: "ignored"}, nil
		}
		if !a.store.ApplyDeletion(ev.MessageID) {
			return Applied{Result: "duplicate"}, nil
		}
		return Applied{Result: "applied", Change: Change{Updated: 1}}, nil

	case EventReceipt:
		var ev ReceiptEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Applied{}, fmt.Errorf("decode receipt event: %w", err)
		}
		if (ev.ThreadID != "" && ev.ThreadID != a.store.ThreadID()) || ev.UserID == a.selfID {
			return Applied{Result: "ignored"}, nil
		}
		changed, fresh := a.receipts.ApplyPeer(ev)
		if !fresh {
			return Applied{Result: "duplicate"}, nil
		}
		return Applied{Result: "applied", Change: Change{Updated: len(changed)}}, nil

	case EventTyping:
		var ev TypingEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Applied{}, fmt.Errorf("decode typing event: %w", err)
		}
		if ev.ThreadID != a.store.ThreadID() || ev.UserID == a.selfID {
			return Applied{Result: "ignored"}, nil
		}
		a.presence.ApplyTyping(ev, a.clock.Now())
		return Applied{Result: "applied"}, nil

	case EventPresence:
		var ev PresenceEvent
		if err := json.Unmarshal(env.Payload, &ev); err != nil {
			return Applied{}, fmt.Errorf("decode presence event: %w", err)
		}
		if !a.presence.ApplyPresence(ev) {
			return Applied{Result: "duplicate"}, nil
		}
		return Applied{Result: "applied"}, nil
	}
	return Applied{Result: "ignored"}, nil
}

func (a *RealtimeEventApplier) applyMessage(m *Message) Applied {
	if m.ThreadID != "" && m.ThreadID != a.store.ThreadID() {
		return Applied{Result: "ignored"}
	}
	if m.ThreadID == "" {
		m.ThreadID = a.store.ThreadID()
	}
	self := m.SenderID == a.selfID

	if a.store.Has(m.ID) {
		ch := a.store.Append(m)
		if ch.Empty() {
			return Applied{Result: "duplicate", FromSelf: self}
		}
		return Applied{Result: "applied", Change: ch, FromSelf: self}
	}

	if m.ClientRequestID != "" {
		if held, ok := a.store.FindByRequestID(m.ClientRequestID); ok {
			if held >= 0 {
				return Applied{Result: "duplicate", FromSelf: self}
			}
			return Applied{Result: "applied", Change: a.store.Replace(held, m), FromSelf: self}
		}
	}

	if a.store.IsNewTail(m) {
		return Applied{Result: "applied", Change: a.store.Append(m), FromSelf: self}
	}

	if low, ok := a.store.LowWatermark(); ok && cursorOf(m).Less(low) && !a.sync.ReachedHistoryStart() {
		return Applied{Result: "ignored", FromSelf: self}
	}

	floor, ok := a.store.AckedBefore(cursorOf(m))
	if !ok {
		floor = Cursor{Timestamp: m.Timestamp, ID: m.ID - 1}
	}
	a.log.Debug("out-of-order message, requesting delta", "thread_id", a.store.ThreadID(), "message_id", m.ID, "after_id", floor.ID)
	a.metrics.gapPoke()
	a.sync.PokeFrom(floor)
	return Applied{Result: "gap", FromSelf: self}
}
