package chatsync

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"
)

var testBase = time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

// msg builds an acknowledged message of thread t1 sent sec seconds after
// testBase.
func msg(id int64, sec int) *Message {
	return &Message{
		ID:        id,
		ThreadID:  "t1",
		SenderID:  "bob",
		Content:   fmt.Sprintf("m%d", id),
		Type:      TypeText,
		Timestamp: testBase.Add(time.Duration(sec) * time.Second),
	}
}

// page builds messages with IDs from..to, one second apart.
func page(from, to int64) []*Message {
	var out []*Message
	for id := from; id <= to; id++ {
		out = append(out, msg(id, int(id)))
	}
	return out
}

func ids(msgs []*Message) []int64 {
	out := make([]int64, len(msgs))
	for i, m := range msgs {
		out[i] = m.ID
	}
	return out
}

func storeIDs(s *MessageStore) []int64 { return ids(s.Messages()) }

// ============================================================================
// Clock and runner
// ============================================================================

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock { return &fakeClock{now: testBase.Add(time.Hour)} }

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// manualRunner queues spawned work until the test runs it.
type manualRunner struct {
	pending []func(ctx context.Context) func()
}

func (r *manualRunner) Spawn(work func(ctx context.Context) func()) {
	r.pending = append(r.pending, work)
}

// Step runs the oldest pending task and applies its result.
func (r *manualRunner) Step() bool {
	if len(r.pending) == 0 {
		return false
	}
	work := r.pending[0]
	r.pending = r.pending[1:]
	if apply := work(context.Background()); apply != nil {
		apply()
	}
	return true
}

// Drain runs tasks until none are left, including ones spawned meanwhile.
func (r *manualRunner) Drain() {
	for r.Step() {
	}
}

// ============================================================================
// fakeAPI
// ============================================================================

type fakeAPI struct {
	mu sync.Mutex

	pages      func(threadID string, q PageQuery) ([]*Message, error)
	post       func(threadID string, m OutgoingMessage, key string) (*Message, error)
	getMessage func(threadID string, id int64) (*Message, error)
	initAtt    func(threadID string, req InitAttachmentRequest) (*AttachmentTicket, error)
	upload     func(target UploadTarget, body io.Reader, size int64, onProgress func(sent, total int64)) (*UploadedFile, error)
	finalize   func(threadID string, id int64, req FinalizeAttachmentRequest) (*Message, error)

	deleteErr   error
	reactionErr error

	queries   []PageQuery
	posted    []OutgoingMessage
	lookups   []int64
	deleted   []int64
	reactions []string
	receipts  []int64
	calls     map[string]int
}

var _ FetchAPI = (*fakeAPI)(nil)

func newFakeAPI() *fakeAPI { return &fakeAPI{calls: make(map[string]int)} }

func (f *fakeAPI) count(op string) {
	f.mu.Lock()
	f.calls[op]++
	f.mu.Unlock()
}

func (f *fakeAPI) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *fakeAPI) Queries() []PageQuery {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]PageQuery(nil), f.queries...)
}

func (f *fakeAPI) Posted() []OutgoingMessage {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]OutgoingMessage(nil), f.posted...)
}

func (f *fakeAPI) Deleted() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.deleted...)
}

func (f *fakeAPI) Receipts() []int64 {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]int64(nil), f.receipts...)
}

func (f *fakeAPI) Reactions() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.reactions...)
}

func (f *fakeAPI) GetMessages(_ context.Context, threadID string, q PageQuery) ([]*Message, error) {
	f.mu.Lock()
	f.queries = append(f.queries, q)
	fn := f.pages
	f.mu.Unlock()
	f.count("get messages")
	if fn == nil {
		return nil, nil
	}
	return fn(threadID, q)
}

func (f *fakeAPI) GetMessage(_ context.Context, threadID string, id int64) (*Message, error) {
	f.mu.Lock()
	f.lookups = append(f.lookups, id)
	fn := f.getMessage
	f.mu.Unlock()
	f.count("get message")
	if fn == nil {
		return nil, &ValidationError{Op: "get message", Message: "not found", Status: 404}
	}
	return fn(threadID, id)
}

func (f *fakeAPI) PostMessage(_ context.Context, threadID string, m OutgoingMessage, key string) (*Message, error) {
	f.mu.Lock()
	f.posted = append(f.posted, m)
	fn := f.post
	f.mu.Unlock()
	f.count("post message")
	if fn == nil {
		return nil, &NetworkError{Op: "post message", Err: fmt.Errorf("no handler")}
	}
	return fn(threadID, m, key)
}

func (f *fakeAPI) DeleteMessage(_ context.Context, _ string, id int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls["delete message"]++
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakeAPI) InitAttachment(_ context.Context, threadID string, req InitAttachmentRequest) (*AttachmentTicket, error) {
	f.count("init attachment")
	f.mu.Lock()
	fn := f.initAtt
	f.mu.Unlock()
	return fn(threadID, req)
}

func (f *fakeAPI) UploadAttachment(_ context.Context, target UploadTarget, body io.Reader, size int64, onProgress func(sent, total int64)) (*UploadedFile, error) {
	f.count("upload attachment")
	f.mu.Lock()
	fn := f.upload
	f.mu.Unlock()
	return fn(target, body, size, onProgress)
}

func (f *fakeAPI) FinalizeAttachment(_ context.Context, threadID string, id int64, req FinalizeAttachmentRequest) (*Message, error) {
	f.count("finalize attachment")
	f.mu.Lock()
	fn := f.finalize
	f.mu.Unlock()
	return fn(threadID, id, req)
}

func (f *fakeAPI) PostReaction(_ context.Context, _ string, id int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("+%d:%s", id, emoji))
	return f.reactionErr
}

func (f *fakeAPI) DeleteReaction(_ context.Context, _ string, id int64, emoji string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reactions = append(f.reactions, fmt.Sprintf("-%d:%s", id, emoji))
	return f.reactionErr
}

func (f *fakeAPI) PostReadReceipt(_ context.Context, _ string, lastReadID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.receipts = append(f.receipts, lastReadID)
	return nil
}

// ============================================================================
// Viewport and transport
// ============================================================================

type fakeViewport struct {
	mu       sync.Mutex
	metrics  ScrollMetrics
	toEnd    int
	toIndex  []int
	scrolled []float64
}

func (v *fakeViewport) Metrics() ScrollMetrics {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.metrics
}

func (v *fakeViewport) SetMetrics(m ScrollMetrics) {
	v.mu.Lock()
	v.metrics = m
	v.mu.Unlock()
}

func (v *fakeViewport) ScrollToEnd() {
	v.mu.Lock()
	v.toEnd++
	v.mu.Unlock()
}

func (v *fakeViewport) ScrollToIndex(i int) {
	v.mu.Lock()
	v.toIndex = append(v.toIndex, i)
	v.mu.Unlock()
}

func (v *fakeViewport) ScrollBy(d float64) {
	v.mu.Lock()
	v.scrolled = append(v.scrolled, d)
	v.mu.Unlock()
}

func (v *fakeViewport) ToEnd() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.toEnd
}

func (v *fakeViewport) ToIndex() []int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]int(nil), v.toIndex...)
}

func (v *fakeViewport) Scrolled() []float64 {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]float64(nil), v.scrolled...)
}

// fakeTransport delivers envelopes the test pushes.
type fakeTransport struct {
	dispatcher *topicDispatcher

	mu        sync.Mutex
	published []Envelope
}

var _ Transport = (*fakeTransport)(nil)

func newFakeTransport() *fakeTransport { return &fakeTransport{dispatcher: newTopicDispatcher()} }

func (t *fakeTransport) Subscribe(topic string, h func(Envelope)) func() {
	return t.dispatcher.subscribe(topic, h)
}

func (t *fakeTransport) Publish(_ context.Context, _ string, env Envelope) error {
	t.mu.Lock()
	t.published = append(t.published, env)
	t.mu.Unlock()
	return nil
}

func (t *fakeTransport) Published() []Envelope {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]Envelope(nil), t.published...)
}

func (t *fakeTransport) Subscribed(topic string) bool {
	for _, s := range t.dispatcher.subscribed() {
		if s == topic {
			return true
		}
	}
	return false
}

func (t *fakeTransport) Push(env Envelope) { t.dispatcher.dispatch(env) }

// envelope builds an envelope or panics.
func envelope(t EventType, topic string, payload any) Envelope {
	env, err := NewEnvelope(t, topic, payload)
	if err != nil {
		panic(err)
	}
	return env
}
