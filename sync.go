package chatsync

import (
	"context"
	"log/slog"
	"time"

	"golang.org/x/time/rate"
)

// FetchMode selects what SyncCoordinator.Fetch loads.
type FetchMode string

const (
	// FetchInitial replaces the store with the newest page.
	FetchInitial FetchMode = "initial"
	// FetchDelta merges everything above the high watermark.
	FetchDelta FetchMode = "delta"
	// FetchOlder prepends one page below the low watermark.
	FetchOlder FetchMode = "older"
)

// Defaults for SyncCoordinator.
const (
	DefaultPageSize         = 50
	DefaultDeltaMinInterval = time.Second
)

// messagePager is the part of FetchAPI the coordinator needs.
type messagePager interface {
	GetMessages(ctx context.Context, threadID string, q PageQuery) ([]*Message, error)
}

// syncObserver is told around every store mutation made by a fetch.
type syncObserver interface {
	beforeApply(mode FetchMode)
	afterApply(mode FetchMode, ch Change)
}

// SyncCoordinator drives paginated fetches into the store.
//
// Each fetch is stamped with the thread epoch. SwitchThread bumps the epoch,
// and a response carrying an older epoch is dropped when it arrives. At most
// one fetch per mode is in flight; a second request for a busy mode is a
// no-op. Delta fetches are rate limited; a throttled poke is remembered and
// fired by Tick once the limiter allows it.
type SyncCoordinator struct {
	api      messagePager
	store    *MessageStore
	runner   taskRunner
	clock    Clock
	log      *slog.Logger
	metrics  *Metrics
	observer syncObserver

	pageSize    int
	minInterval time.Duration
	limiter     *rate.Limiter

	epoch               uint64
	inFlight            map[FetchMode]bool
	initialized         bool
	reachedHistoryStart bool
	trailing            bool

	// floor lowers the next delta below the high watermark after a gap.
	floor             *Cursor
	// liveDuringInitial is set when realtime reached the store while the
	// initial page was in flight.
	liveDuringInitial bool
}

// NewSyncCoordinator creates a coordinator filling store from api.
func NewSyncCoordinator(api messagePager, store *MessageStore, runner taskRunner, cfg SyncConfig, clock Clock, log *slog.Logger, metrics *Metrics) *SyncCoordinator {
	cfg.defaults()
	if clock == nil {
		clock = systemClock{}
	}
	if log == nil {
		log = slog.Default()
	}
	s := &SyncCoordinator{
		api:         api,
		store:       store,
		runner:      runner,
		clock:       clock,
		log:         log,
		metrics:     metrics,
		pageSize:    cfg.PageSize,
		minInterval: cfg.DeltaMinInterval.D(),
	}
	s.SwitchThread(store)
	return s
}

// SwitchThread starts a new epoch over store. Responses of the previous
// epoch still in flight are discarded on arrival.
func (s *SyncCoordinator) SwitchThread(store *MessageStore) {
	s.store = store
	s.epoch++
	s.inFlight = make(map[FetchMode]bool)
	s.initialized = false
	s.reachedHistoryStart = false
	s.trailing = false
	s.floor = nil
	s.liveDuringInitial = false
	s.limiter = rate.NewLimiter(rate.Every(s.minInterval), 1)
}

// Epoch returns the current thread epoch.
func (s *SyncCoordinator) Epoch() uint64 { return s.epoch }

// Loading reports whether a fetch of mode is in flight.
func (s *SyncCoordinator) Loading(mode FetchMode) bool { return s.inFlight[mode] }

// Initialized reports whether the initial page of this epoch has landed.
func (s *SyncCoordinator) Initialized() bool { return s.initialized }

// ReachedHistoryStart reports whether an older page came back short.
func (s *SyncCoordinator) ReachedHistoryStart() bool { return s.reachedHistoryStart }

// Fetch starts a fetch of mode and reports whether one was started.
// limit <= 0 uses the configured page size.
func (s *SyncCoordinator) Fetch(mode FetchMode, limit int) bool {
	if limit <= 0 {
		limit = s.pageSize
	}
	if s.inFlight[mode] {
		s.metrics.fetch(mode, "coalesced")
		return false
	}

	switch mode {
	case FetchInitial:
		s.start(mode, PageQuery{Limit: limit})
		return true

	case FetchDelta:
		if !s.initialized {
			if s.inFlight[FetchInitial] {
				return false
			}
			return s.Fetch(FetchInitial, limit)
		}
		if !s.limiter.AllowN(s.clock.Now(), 1) {
			s.trailing = true
			s.metrics.fetch(mode, "throttled")
			return false
		}
		s.trailing = false
		s.startDelta(limit)
		return true

	case FetchOlder:
		if s.reachedHistoryStart || !s.initialized {
			return false
		}
		low, ok := s.store.LowWatermark()
		if !ok {
			return false
		}
		s.start(mode, PageQuery{BeforeID: low.ID, Limit: limit})
		return true
	}
	return false
}

// Poke asks for a delta fetch.
func (s *SyncCoordinator) Poke() bool {
	return s.Fetch(FetchDelta, s.pageSize)
}

// PokeFrom asks for a delta fetch starting no higher than floor, so entries
// missing below the high watermark come back too. When the fetch cannot start
// now, the floor is kept and Tick retries.
func (s *SyncCoordinator) PokeFrom(floor Cursor) bool {
	if s.floor == nil || floor.Less(*s.floor) {
		s.floor = &floor
	}
	if s.Fetch(FetchDelta, s.pageSize) {
		return true
	}
	if s.initialized {
		s.trailing = true
	}
	return false
}

// noteRealtime records that a realtime message reached the store.
func (s *SyncCoordinator) noteRealtime() {
	if s.inFlight[FetchInitial] {
		s.liveDuringInitial = true
	}
}

// Tick fires a poke that was throttled earlier.
func (s *SyncCoordinator) Tick() {
	if s.trailing && !s.inFlight[FetchDelta] {
		s.Fetch(FetchDelta, s.pageSize)
	}
}

func (s *SyncCoordinator) startDelta(limit int) {
	var q PageQuery
	q.Limit = limit
	high, ok := s.store.HighWatermark()
	if ok {
		q.AfterID = high.ID
	}
	if s.floor != nil && (!ok || s.floor.Less(high)) {
		q.AfterID = s.floor.ID
	}
	s.floor = nil
	s.start(FetchDelta, q)
}

func (s *SyncCoordinator) start(mode FetchMode, q PageQuery) {
	epoch, threadID := s.epoch, s.store.ThreadID()
	s.inFlight[mode] = true
	s.log.Debug("fetch started", "thread_id", threadID, "mode", mode, "epoch", epoch,
		"before_id", q.BeforeID, "after_id", q.AfterID, "limit", q.Limit)

	s.runner.Spawn(func(ctx context.Context) func() {
		page, err := s.api.GetMessages(ctx, threadID, q)
		return func() { s.finish(epoch, mode, q, page, err) }
	})
}

func (s *SyncCoordinator) finish(epoch uint64, mode FetchMode, q PageQuery, page []*Message, err error) {
	if epoch != s.epoch {
		s.log.Debug("stale fetch discarded", "mode", mode, "epoch", epoch, "current_epoch", s.epoch)
		s.metrics.fetch(mode, "stale")
		return
	}
	s.inFlight[mode] = false
	if err != nil {
		s.log.Warn("fetch failed", "thread_id", s.store.ThreadID(), "mode", mode, "error", err)
		s.metrics.fetch(mode, "error")
		return
	}
	s.metrics.fetch(mode, "ok")

	if s.observer != nil {
		s.observer.beforeApply(mode)
	}

	var ch Change
	catchUp := false
	switch mode {
	case FetchInitial:
		catchUp = s.liveDuringInitial
		s.liveDuringInitial = false
		s.floor = nil
		s.store.Reset(s.store.ThreadID(), page)
		s.initialized = true
		s.reachedHistoryStart = len(page) < q.Limit
		ch = Change{Appended: s.store.Len()}
		if s.store.Len() > 0 {
			ch.FirstAppendedID = s.store.At(0).ID
		}
	case FetchDelta:
		ch = s.store.InsertDelta(page, Newer)
	case FetchOlder:
		ch = s.store.InsertDelta(page, Older)
		if len(page) < q.Limit {
			s.reachedHistoryStart = true
		}
	}

	if s.observer != nil {
		s.observer.afterApply(mode, ch)
	}

	// Realtime may have delivered messages the initial page was too early
	// to include.
	if catchUp {
		s.Fetch(FetchDelta, s.pageSize)
	}

	// A full delta page means more may be waiting above it.
	if mode == FetchDelta && len(page) >= q.Limit && !s.inFlight[FetchDelta] {
		if last, ok := newestOf(page); ok {
			high, ok := s.store.HighWatermark()
			if ok && last.Less(high) && (s.floor == nil || last.Less(*s.floor)) {
				s.floor = &last
			}
		}
		s.startDelta(q.Limit)
	}
}

func newestOf(page []*Message) (Cursor, bool) {
	if len(page) == 0 {
		return Cursor{}, false
	}
	newest := cursorOf(page[0])
	for _, m := range page[1:] {
		if c := cursorOf(m); newest.Less(c) {
			newest = c
		}
	}
	return newest, true
}
