package chatsync

import (
	"context"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// NewClientRequestID returns a fresh idempotency key.
func NewClientRequestID() string { return uuid.NewString() }

// Snapshot is an immutable view of the engine state handed to listeners.
type Snapshot struct {
	Version  uint64
	ThreadID string
	Epoch    uint64
	Messages []*Message

	Initialized         bool
	LoadingInitial      bool
	LoadingOlder        bool
	LoadingDelta        bool
	ReachedHistoryStart bool

	Online      bool
	QueuedSends int

	Anchor   AnchorState
	Unread   *UnreadAnchor
	Typing   []string
	Presence map[string]string

	PeerReads map[string]int64
	LastRead  int64

	// Replies holds reply targets that are not in Messages.
	Replies map[int64]*Message
	// SendErrors is keyed by client request ID.
	SendErrors map[string]string
	// DeleteErrors is keyed by message ID.
	DeleteErrors map[int64]string

	RenderStrategy string
}

// Listener receives every new snapshot on the engine loop. It must not block.
type Listener func(*Snapshot)

// Option configures an Engine.
type Option func(*Engine)

func WithLogger(l *slog.Logger) Option { return func(e *Engine) { e.log = l } }

func WithTransport(t Transport) Option { return func(e *Engine) { e.transport = t } }

func WithCache(c ThreadCache) Option { return func(e *Engine) { e.cache = c } }

func WithClock(c Clock) Option { return func(e *Engine) { e.clock = c } }

func WithMetrics(m *Metrics) Option { return func(e *Engine) { e.metrics = m } }

// WithConfig sets the tuning knobs. Zero fields take their defaults.
func WithConfig(cfg *Config) Option {
	return func(e *Engine) {
		if cfg != nil {
			c := *cfg
			c.defaults()
			e.cfg = &c
		}
	}
}

// outbound is a send intent kept for retries until it succeeds.
type outbound struct {
	tempID   int64
	epoch    uint64
	threadID string
	text     *OutgoingMessage
	upload   *AttachmentUpload
}

// Engine synchronizes one active chat thread.
//
// Every piece of state is owned by the goroutine running Run. Public methods
// only post closures to it, so they are safe to call from anywhere; network
// and cache work runs on worker goroutines whose results are posted back.
type Engine struct {
	api       FetchAPI
	selfID    string
	cfg       *Config
	log       *slog.Logger
	clock     Clock
	metrics   *Metrics
	transport Transport
	cache     ThreadCache

	ops      chan func()
	stopping chan struct{}
	done     chan struct{}
	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	nextTemp atomic.Int64
	snap     atomic.Pointer[Snapshot]

	lmu          sync.Mutex
	listeners    map[int]Listener
	nextListener int

	vmu      sync.Mutex
	viewport Viewport

	// Loop-owned below.
	store     *MessageStore
	sync      *SyncCoordinator
	applier   *RealtimeEventApplier
	reactions *ReactionAggregator
	receipts  *ReadReceiptManager
	presence  *PresenceView
	sends     *OptimisticSendQueue
	anchor    *AnchorController
	resolver  *ReferenceResolver

	unsubThread   func()
	unsubPresence func()
	outbound      map[string]*outbound
	sendErrors    map[string]string
	deleting      map[int64]bool
	deleteErrors  map[int64]string
	jumpTarget    int64
	strategy      RenderStrategy
	cacheDirty    bool
	version       uint64
}

// New creates an engine for selfID reading from api. Call Run to start it.
func New(api FetchAPI, selfID string, opts ...Option) *Engine {
	e := &Engine{
		api:          api,
		selfID:       selfID,
		cfg:          DefaultConfig(),
		ops:          make(chan func(), 256),
		stopping:     make(chan struct{}),
		done:         make(chan struct{}),
		listeners:    make(map[int]Listener),
		outbound:     make(map[string]*outbound),
		sendErrors:   make(map[string]string),
		deleting:     make(map[int64]bool),
		deleteErrors: make(map[int64]string),
		strategy:     PlainStrategy{},
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.log == nil {
		e.log = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if e.clock == nil {
		e.clock = systemClock{}
	}
	e.ctx, e.cancel = context.WithCancel(context.Background())

	runner := loopRunner{e}
	cfg := e.cfg
	e.store = NewMessageStore("")
	e.sync = NewSyncCoordinator(api, e.store, runner, cfg.Sync, e.clock, e.log, e.metrics)
	e.sync.observer = e
	e.reactions = NewReactionAggregator(e.store, selfID, e.clock, cfg.Reactions.Debounce.D(), cfg.Reactions.DedupWindow)
	e.receipts = NewReadReceiptManager(e.store, e.clock, cfg.Receipts.Debounce.D())
	e.presence = NewPresenceView(cfg.Receipts.TypingTTL.D())
	e.applier = NewRealtimeEventApplier(e.store, e.reactions, e.receipts, e.presence, e.sync, selfID, e.clock, e.log, e.metrics)
	e.sends = NewOptimisticSendQueue(runner, e.log, e.metrics)
	e.anchor = NewAnchorController(nil, e.clock, cfg.Anchor)
	e.resolver = NewReferenceResolver(e.clock, cfg.Sync.LookupCoolDown.D())
	e.publish()
	return e
}

// Run drives the engine until ctx is done. It must be called once.
func (e *Engine) Run(ctx context.Context) error {
	defer close(e.done)

	ticker := time.NewTicker(e.cfg.Sync.TickInterval.D())
	defer ticker.Stop()

	e.start()
	e.publish()
	for {
		select {
		case <-ctx.Done():
			e.stop()
			return ctx.Err()
		case fn := <-e.ops:
			fn()
			e.publish()
		case <-ticker.C:
			if e.tick() {
				e.publish()
			}
		}
	}
}

func (e *Engine) start() {
	if e.transport == nil {
		return
	}
	e.unsubPresence = e.transport.Subscribe(PresenceTopic, e.onEnvelope)
	if n, ok := e.transport.(StateNotifier); ok {
		n.OnStateChange(func(s RealtimeState) {
			if s == StateConnected {
				// Events may have been missed while the connection was down.
				e.post(func() { e.sync.Poke() })
			}
		})
	}
}

func (e *Engine) stop() {
	close(e.stopping)
	e.cancel()
	if e.unsubThread != nil {
		e.unsubThread()
	}
	if e.unsubPresence != nil {
		e.unsubPresence()
	}
	e.wg.Wait()
}

// post queues fn for the loop. It is dropped once Run starts shutting down.
func (e *Engine) post(fn func()) {
	select {
	case <-e.stopping:
		return
	default:
	}
	select {
	case e.ops <- fn:
	case <-e.stopping:
	case <-e.done:
	}
}

func (e *Engine) onEnvelope(env Envelope) {
	e.post(func() { e.applyEnvelope(env) })
}

// loopRunner runs work on a goroutine and posts its result to the loop.
type loopRunner struct{ e *Engine }

func (r loopRunner) Spawn(work func(ctx context.Context) func()) {
	e := r.e
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		if apply := work(e.ctx); apply != nil {
			e.post(apply)
		}
	}()
}

func (e *Engine) spawn(work func(ctx context.Context) func()) { loopRunner{e}.Spawn(work) }

func (e *Engine) current(epoch uint64) bool { return epoch == e.sync.Epoch() }

// ============================================================================
// Subscribers
// ============================================================================

// Subscribe registers l and calls it with the current snapshot. The returned
// function removes it.
func (e *Engine) Subscribe(l Listener) func() {
	e.lmu.Lock()
	id := e.nextListener
	e.nextListener++
	e.listeners[id] = l
	e.lmu.Unlock()

	if s := e.snap.Load(); s != nil {
		e.notify(l, s)
	}
	return func() {
		e.lmu.Lock()
		delete(e.listeners, id)
		e.lmu.Unlock()
	}
}

// Snapshot returns the latest published snapshot.
func (e *Engine) Snapshot() *Snapshot { return e.snap.Load() }

func (e *Engine) notify(l Listener, s *Snapshot) {
	defer func() {
		if r := recover(); r != nil {
			e.log.Error("listener panicked", "panic", r)
		}
	}()
	l(s)
}

func (e *Engine) publish() {
	e.version++
	e.metrics.setMessages(e.store.Len())
	s := &Snapshot{
		Version:             e.version,
		ThreadID:            e.store.ThreadID(),
		Epoch:               e.sync.Epoch(),
		Messages:            e.store.Messages(),
		Initialized:         e.sync.Initialized(),
		LoadingInitial:      e.sync.Loading(FetchInitial),
		LoadingOlder:        e.sync.Loading(FetchOlder),
		LoadingDelta:        e.sync.Loading(FetchDelta),
		ReachedHistoryStart: e.sync.ReachedHistoryStart(),
		Online:              e.sends.IsOnline(),
		QueuedSends:         e.sends.Len(),
		Anchor:              e.anchor.State(),
		Unread:              e.anchor.Unread(),
		Typing:              e.presence.Typing(),
		Presence:            e.presence.Statuses(),
		PeerReads:           e.receipts.PeerReads(),
		LastRead:            e.receipts.LastRead(),
		Replies:             e.resolver.Resolved(e.store.ThreadID()),
		SendErrors:          make(map[string]string, len(e.sendErrors)),
		DeleteErrors:        make(map[int64]string, len(e.deleteErrors)),
		RenderStrategy:      e.strategy.Name(),
	}
	for k, v := range e.sendErrors {
		s.SendErrors[k] = v
	}
	for k, v := range e.deleteErrors {
		s.DeleteErrors[k] = v
	}
	e.snap.Store(s)

	e.lmu.Lock()
	ls := make([]Listener, 0, len(e.listeners))
	for _, l := range e.listeners {
		ls = append(ls, l)
	}
	e.lmu.Unlock()
	for _, l := range ls {
		e.notify(l, s)
	}
}

// ============================================================================
// Viewport
// ============================================================================

// ViewportHandle is the imperative scroll surface handed to the host.
type ViewportHandle struct{ e *Engine }

// Viewport returns the handle driving the attached viewport.
func (e *Engine) Viewport() ViewportHandle { return ViewportHandle{e} }

// AttachViewport connects the host's scroll container.
func (e *Engine) AttachViewport(v Viewport) {
	e.vmu.Lock()
	e.viewport = v
	e.vmu.Unlock()
	e.post(func() { e.anchor.SetViewport(v) })
}

func (h ViewportHandle) ScrollToEnd() { h.e.post(func() { h.e.anchor.ScrollToEnd() }) }

func (h ViewportHandle) ScrollToIndex(i int) { h.e.post(func() { h.e.anchor.ScrollToIndex(i) }) }

func (h ViewportHandle) ScrollBy(delta float64) { h.e.post(func() { h.e.anchor.ScrollBy(delta) }) }

// GetScroller returns the attached viewport, or nil.
func (h ViewportHandle) GetScroller() Viewport {
	h.e.vmu.Lock()
	defer h.e.vmu.Unlock()
	return h.e.viewport
}

// ReportScroll forwards a user scroll.
func (e *Engine) ReportScroll(m ScrollMetrics) { e.post(func() { e.anchor.OnScroll(m) }) }

// ReportLayout forwards metrics measured after the list re-rendered.
func (e *Engine) ReportLayout(m ScrollMetrics) { e.post(func() { e.anchor.OnLayout(m) }) }

// ReportComposerHeight forwards the input area height.
func (e *Engine) ReportComposerHeight(h float64) { e.post(func() { e.anchor.OnComposerResize(h) }) }

// NegotiateRendering selects and records a rendering strategy for c.
func (e *Engine) NegotiateRendering(c RenderCapability) RenderStrategy {
	s := SelectStrategy(c)
	e.post(func() { e.strategy = s })
	return s
}

// ============================================================================
// Thread and sync actions
// ============================================================================

// SwitchThread makes threadID the active thread. Results still in flight
// for the previous thread are discarded when they land.
func (e *Engine) SwitchThread(threadID string) { e.post(func() { e.switchThread(threadID) }) }

func (e *Engine) switchThread(threadID string) {
	if threadID == e.store.ThreadID() && e.sync.Initialized() {
		return
	}
	e.log.Debug("switching thread", "from", e.store.ThreadID(), "thread_id", threadID)

	e.store = NewMessageStore(threadID)
	e.sync.SwitchThread(e.store)
	e.applier.Reset(e.store)
	e.reactions.Reset(e.store)
	e.receipts.Reset(e.store)
	e.presence.ResetTyping()
	e.anchor.OnThreadSwitch()
	e.outbound = make(map[string]*outbound)
	e.sendErrors = make(map[string]string)
	e.deleting = make(map[int64]bool)
	e.deleteErrors = make(map[int64]string)
	e.jumpTarget = 0
	e.cacheDirty = false

	if e.unsubThread != nil {
		e.unsubThread()
		e.unsubThread = nil
	}
	if e.transport != nil {
		e.unsubThread = e.transport.Subscribe(ThreadTopic(threadID), e.onEnvelope)
	}

	if e.cache != nil {
		epoch := e.sync.Epoch()
		e.spawn(func(ctx context.Context) func() {
			msgs, ok, err := e.cache.Load(ctx, threadID)
			return func() { e.cacheLoaded(epoch, msgs, ok, err) }
		})
	}
	e.sync.Fetch(FetchInitial, 0)
}

func (e *Engine) cacheLoaded(epoch uint64, msgs []*Message, ok bool, err error) {
	if err != nil {
		e.log.Warn("cache read failed", "thread_id", e.store.ThreadID(), "error", err)
		return
	}
	if !ok || !e.current(epoch) || e.sync.Initialized() || len(msgs) == 0 {
		return
	}
	e.store.Reset(e.store.ThreadID(), msgs)
	e.anchor.OnTailGrowth(e.store.At(0).ID, e.store.Len(), false)
}

// LoadOlder fetches one page of older history.
func (e *Engine) LoadOlder() { e.post(func() { e.sync.Fetch(FetchOlder, 0) }) }

// Poke asks for a delta fetch.
func (e *Engine) Poke() { e.post(func() { e.sync.Poke() }) }

// SetOnline reports connectivity. Going online flushes queued sends and
// catches up with a delta fetch.
func (e *Engine) SetOnline(online bool) {
	e.post(func() {
		e.sends.SetOnline(online)
		if online && e.sync.Initialized() {
			e.sync.Poke()
		}
	})
}

func (e *Engine) beforeApply(mode FetchMode) {
	if mode == FetchOlder {
		e.anchor.BeforePrepend()
	}
}

func (e *Engine) afterApply(mode FetchMode, ch Change) {
	switch mode {
	case FetchOlder:
		e.anchor.AfterPrepend(ch.Prepended)
	default:
		if ch.Appended > 0 {
			e.anchor.OnTailGrowth(ch.FirstAppendedID, ch.Appended, false)
		}
	}
	if !ch.Empty() || mode == FetchInitial {
		e.saveCache()
	}
	e.resolveReplies()
	e.continueJump()
}

func (e *Engine) saveCache() {
	e.cacheDirty = false
	if e.cache == nil || e.store.ThreadID() == "" {
		return
	}
	threadID, msgs := e.store.ThreadID(), e.store.Messages()
	e.spawn(func(ctx context.Context) func() {
		if err := e.cache.Save(ctx, threadID, msgs); err != nil {
			e.log.Warn("cache write failed", "thread_id", threadID, "error", err)
		}
		return nil
	})
}

// ClearCache drops cached threads and resolved references.
func (e *Engine) ClearCache() {
	e.post(func() {
		e.resolver.Clear()
		if e.cache == nil {
			return
		}
		e.spawn(func(ctx context.Context) func() {
			if err := e.cache.Clear(ctx); err != nil {
				e.log.Warn("cache clear failed", "error", err)
			}
			return nil
		})
	})
}

func (e *Engine) applyEnvelope(env Envelope) {
	res, err := e.applier.Apply(env)
	if err != nil {
		e.log.Debug("dropping realtime event", "type", env.Type, "error", err)
		return
	}
	if res.Change.Appended > 0 {
		e.anchor.OnTailGrowth(res.Change.FirstAppendedID, res.Change.Appended, res.FromSelf)
	}
	if !res.Change.Empty() {
		e.cacheDirty = true
	}
}

func (e *Engine) tick() bool {
	now := e.clock.Now()
	e.sync.Tick()
	changed := e.presence.Expire(now)

	if id, ok := e.receipts.Due(); ok {
		threadID := e.store.ThreadID()
		e.spawn(func(ctx context.Context) func() {
			if err := e.api.PostReadReceipt(ctx, threadID, id); err != nil {
				e.log.Debug("read receipt failed", "thread_id", threadID, "last_read_id", id, "error", err)
			}
			return nil
		})
		changed = true
	}
	if e.cacheDirty {
		e.saveCache()
	}
	return changed
}

// ============================================================================
// Message actions
// ============================================================================

// SendText sends content as a reply to replyTo (0 for none). It returns the
// transient ID of the placeholder, or 0 when content is blank.
func (e *Engine) SendText(content string, replyTo int64) int64 {
	if strings.TrimSpace(content) == "" {
		return 0
	}
	tempID := -e.nextTemp.Add(1)
	reqID := NewClientRequestID()
	e.post(func() {
		threadID := e.store.ThreadID()
		if threadID == "" {
			return
		}
		status := StatusSending
		if !e.sends.IsOnline() {
			status = StatusQueued
		}
		e.store.Append(&Message{
			ID:               tempID,
			ClientRequestID:  reqID,
			ThreadID:         threadID,
			SenderID:         e.selfID,
			Content:          content,
			Type:             TypeText,
			Timestamp:        e.clock.Now(),
			Status:           status,
			ReplyToMessageID: replyTo,
		})
		e.anchor.OnTailGrowth(tempID, 1, true)

		o := &outbound{
			tempID:   tempID,
			epoch:    e.sync.Epoch(),
			threadID: threadID,
			text: &OutgoingMessage{
				ClientRequestID:  reqID,
				Content:          content,
				Type:             TypeText,
				ReplyToMessageID: replyTo,
			},
		}
		e.outbound[reqID] = o
		e.submit(reqID, o)
	})
	return tempID
}

// UploadFiles sends each file as an attachment message and returns the
// transient IDs of the placeholders.
func (e *Engine) UploadFiles(files []FileUpload) []int64 {
	ids := make([]int64, 0, len(files))
	for _, f := range files {
		if len(f.Data) == 0 {
			continue
		}
		tempID := -e.nextTemp.Add(1)
		reqID := NewClientRequestID()
		ids = append(ids, tempID)
		f := f
		e.post(func() { e.uploadFile(tempID, reqID, f) })
	}
	return ids
}

func (e *Engine) uploadFile(tempID int64, reqID string, f FileUpload) {
	threadID := e.store.ThreadID()
	if threadID == "" {
		return
	}
	up := NewAttachmentUpload(threadID, reqID, f)
	up.SenderID = e.selfID
	up.CreatedAt = e.clock.Now()
	epoch := e.sync.Epoch()
	up.OnProgress = func(sent, total int64) {
		e.post(func() {
			if !e.current(epoch) {
				return
			}
			if id, ok := e.store.FindByRequestID(reqID); ok {
				e.store.SetUploadProgress(id, sent, total)
			}
		})
	}

	meta := up.Meta()
	status := StatusSending
	if !e.sends.IsOnline() {
		status = StatusQueued
	}
	e.store.Append(&Message{
		ID:              tempID,
		ClientRequestID: reqID,
		ThreadID:        threadID,
		SenderID:        e.selfID,
		Content:         f.Caption,
		AttachmentMeta:  &meta,
		Type:            TypeAttachment,
		Timestamp:       up.CreatedAt,
		Status:          status,
	})
	e.anchor.OnTailGrowth(tempID, 1, true)

	o := &outbound{tempID: tempID, epoch: epoch, threadID: threadID, upload: up}
	e.outbound[reqID] = o
	e.submit(reqID, o)
}

func (e *Engine) submit(reqID string, o *outbound) bool {
	p := &PendingSend{
		TempID:          o.tempID,
		ClientRequestID: reqID,
		Kind:            SendText,
		OnStart:         func() { e.markLocal(o, reqID, StatusSending) },
		OnQueued:        func() { e.markLocal(o, reqID, StatusQueued) },
		OnSuccess:       func(m *Message) { e.sendSucceeded(o, reqID, m) },
		OnError:         func(err error) { e.sendFailed(o, reqID, err) },
	}
	if o.upload != nil {
		p.Kind = SendAttachment
		up := o.upload
		p.Executor = func(ctx context.Context) (*Message, error) { return up.Run(ctx, e.api) }
	} else {
		msg := *o.text
		p.Executor = func(ctx context.Context) (*Message, error) {
			return e.api.PostMessage(ctx, o.threadID, msg, reqID)
		}
	}
	return e.sends.SendWithQueue(p)
}

// markLocal moves the placeholder holding reqID to status.
func (e *Engine) markLocal(o *outbound, reqID string, status Status) {
	if !e.current(o.epoch) {
		return
	}
	if id, ok := e.store.FindByRequestID(reqID); ok && id < 0 {
		e.store.MarkStatus(id, status)
	}
}

func (e *Engine) sendSucceeded(o *outbound, reqID string, m *Message) {
	delete(e.outbound, reqID)
	if !e.current(o.epoch) {
		return
	}
	delete(e.sendErrors, reqID)
	if m == nil {
		// The server knew the request but did not echo it.
		e.sync.Poke()
		return
	}
	if m.ThreadID == "" {
		m.ThreadID = o.threadID
	}
	if m.ClientRequestID == "" {
		m.ClientRequestID = reqID
	}
	if m.SenderID == "" {
		m.SenderID = e.selfID
	}

	deleted := false
	if id, ok := e.store.FindByRequestID(reqID); ok && id < 0 {
		deleted = e.store.Get(id).Deleted
		e.store.Replace(id, m)
	} else {
		// The realtime echo may have replaced a placeholder deleted meanwhile.
		if cur := e.store.Get(m.ID); cur != nil && cur.Deleted && !m.Deleted {
			deleted = true
		}
		e.store.Append(m)
	}
	e.cacheDirty = true

	if deleted {
		e.deleteRemote(m.ID)
	}
}

func (e *Engine) sendFailed(o *outbound, reqID string, err error) {
	if !e.current(o.epoch) {
		return
	}
	e.markLocal(o, reqID, StatusFailed)
	e.sendErrors[reqID] = err.Error()
}

// RetryMessage re-submits a failed send. Attachments resume at the phase
// that failed.
func (e *Engine) RetryMessage(id int64) {
	e.post(func() {
		m := e.store.Get(id)
		if m == nil || m.Status != StatusFailed || m.Deleted {
			return
		}
		o := e.outbound[m.ClientRequestID]
		if o == nil {
			return
		}
		delete(e.sendErrors, m.ClientRequestID)
		e.submit(m.ClientRequestID, o)
	})
}

// DeleteMessage deletes a message. A local placeholder is tombstoned at
// once and its queued send dropped; a server message is tombstoned when the
// server confirms.
func (e *Engine) DeleteMessage(id int64) { e.post(func() { e.deleteMessage(id) }) }

func (e *Engine) deleteMessage(id int64) {
	m := e.store.Get(id)
	if m == nil || m.Deleted {
		return
	}
	if m.IsTransient() {
		if o := e.outbound[m.ClientRequestID]; o != nil {
			if e.sends.Cancel(o.tempID) || !e.sends.Busy(o.tempID) {
				delete(e.outbound, m.ClientRequestID)
			}
		}
		delete(e.sendErrors, m.ClientRequestID)
		e.store.ApplyDeletion(id)
		return
	}
	e.deleteRemote(id)
}

func (e *Engine) deleteRemote(id int64) {
	if e.deleting[id] {
		return
	}
	e.deleting[id] = true
	delete(e.deleteErrors, id)
	epoch, threadID := e.sync.Epoch(), e.store.ThreadID()
	e.spawn(func(ctx context.Context) func() {
		err := e.api.DeleteMessage(ctx, threadID, id)
		return func() {
			if !e.current(epoch) {
				return
			}
			delete(e.deleting, id)
			if err != nil {
				e.log.Warn("delete failed", "thread_id", threadID, "message_id", id, "error", err)
				e.deleteErrors[id] = err.Error()
				return
			}
			if e.store.ApplyDeletion(id) {
				e.cacheDirty = true
			}
		}
	})
}

// ToggleReaction flips the local user's emoji on a message.
func (e *Engine) ToggleReaction(id int64, emoji string) {
	e.post(func() {
		ev, ok := e.reactions.Toggle(id, emoji)
		if !ok {
			return
		}
		epoch := e.sync.Epoch()
		e.spawn(func(ctx context.Context) func() {
			var err error
			if ev.Kind == ReactionAdded {
				err = e.api.PostReaction(ctx, ev.ThreadID, ev.MessageID, ev.Emoji)
			} else {
				err = e.api.DeleteReaction(ctx, ev.ThreadID, ev.MessageID, ev.Emoji)
			}
			// A conflict means the server already holds the toggled state.
			if err == nil || IsConflict(err) {
				return nil
			}
			return func() {
				e.log.Warn("reaction failed", "message_id", ev.MessageID, "emoji", ev.Emoji, "error", err)
				if e.current(epoch) {
					e.reactions.Revert(ev)
				}
			}
		})
	})
}

// JumpToMessage scrolls to id, paging older history until it is loaded or
// history runs out.
func (e *Engine) JumpToMessage(id int64) {
	e.post(func() {
		e.jumpTarget = id
		e.continueJump()
	})
}

func (e *Engine) continueJump() {
	id := e.jumpTarget
	if id == 0 {
		return
	}
	if i := e.store.IndexOf(id); i >= 0 {
		e.jumpTarget = 0
		e.anchor.ScrollToIndex(i)
		return
	}
	if high, ok := e.store.HighWatermark(); ok && id > high.ID {
		e.sync.Poke()
		return
	}
	if e.sync.ReachedHistoryStart() {
		e.log.Debug("jump target not found", "thread_id", e.store.ThreadID(), "message_id", id)
		e.jumpTarget = 0
		return
	}
	if !e.sync.Loading(FetchOlder) {
		e.sync.Fetch(FetchOlder, 0)
	}
}

// ResolveReply looks up a reply target that is not loaded.
func (e *Engine) ResolveReply(targetID int64) { e.post(func() { e.resolveReply(targetID) }) }

func (e *Engine) resolveReplies() {
	for _, m := range e.store.Messages() {
		if m.ReplyToMessageID > 0 && !m.Deleted {
			e.resolveReply(m.ReplyToMessageID)
		}
	}
}

func (e *Engine) resolveReply(targetID int64) {
	threadID := e.store.ThreadID()
	if e.store.Has(targetID) || !e.resolver.ShouldFetch(threadID, targetID) {
		return
	}
	e.resolver.Begin(threadID, targetID)
	e.spawn(func(ctx context.Context) func() {
		m, err := e.api.GetMessage(ctx, threadID, targetID)
		return func() {
			if err != nil {
				e.log.Debug("reply lookup failed", "thread_id", threadID, "message_id", targetID, "error", err)
				e.resolver.Fail(threadID, targetID)
				return
			}
			e.resolver.Resolve(threadID, targetID, m)
		}
	})
}

// ============================================================================
// Presence and receipts
// ============================================================================

// SetTyping publishes the local user's typing state.
func (e *Engine) SetTyping(typing bool) {
	e.post(func() {
		threadID := e.store.ThreadID()
		if e.transport == nil || threadID == "" {
			return
		}
		topic := ThreadTopic(threadID)
		env, err := NewEnvelope(EventTyping, topic, TypingEvent{ThreadID: threadID, UserID: e.selfID, IsTyping: typing})
		if err != nil {
			return
		}
		e.spawn(func(ctx context.Context) func() {
			if err := e.transport.Publish(ctx, topic, env); err != nil {
				e.log.Debug("typing publish failed", "thread_id", threadID, "error", err)
			}
			return nil
		})
	})
}

// MarkVisible reports the messages currently on screen. The read receipt
// follows after the debounce.
func (e *Engine) MarkVisible(ids []int64) {
	ids = append([]int64(nil), ids...)
	e.post(func() { e.receipts.MarkVisible(ids) })
}
