package chatsync

import (
	"context"
	"errors"
	"log/slog"
)

// SendKind names what a PendingSend carries.
type SendKind string

const (
	SendText       SendKind = "text"
	SendAttachment SendKind = "attachment"
)

// PendingSend is one optimistic intent tracked by the queue. Executor runs
// off the engine loop; every callback runs on it.
type PendingSend struct {
	TempID          int64
	ClientRequestID string
	Kind            SendKind
	Executor        func(ctx context.Context) (*Message, error)

	// OnStart runs when an attempt begins.
	OnStart func()
	// OnQueued runs when the intent is parked until connectivity returns.
	OnQueued func()
	// OnSuccess receives the canonical record. It is nil when the server
	// reported a duplicate without returning the original.
	OnSuccess func(*Message)
	OnError   func(error)
}

// OptimisticSendQueue executes send intents.
//
// Each TempID is single-flight: while an attempt runs or waits in the
// offline queue, further submissions for it are rejected. Offline intents
// wait in FIFO order and are flushed one at a time once connectivity
// returns; a send submitted while that backlog drains joins its tail. An attempt that fails while online is reported through OnError
// and never retried automatically; the user decides. A ConflictError means
// the server already has the request and is reported as success.
type OptimisticSendQueue struct {
	runner  taskRunner
	log     *slog.Logger
	metrics *Metrics

	online   bool
	flushing bool
	flushID  int64
	queue    []*PendingSend
	inFlight map[int64]*PendingSend
}

// NewOptimisticSendQueue creates an online queue.
func NewOptimisticSendQueue(runner taskRunner, log *slog.Logger, metrics *Metrics) *OptimisticSendQueue {
	if log == nil {
		log = slog.Default()
	}
	return &OptimisticSendQueue{
		runner:   runner,
		log:      log,
		metrics:  metrics,
		online:   true,
		inFlight: make(map[int64]*PendingSend),
	}
}

// IsOnline returns the connectivity the queue believes in.
func (q *OptimisticSendQueue) IsOnline() bool { return q.online }

// Len returns the number of intents waiting for connectivity.
func (q *OptimisticSendQueue) Len() int { return len(q.queue) }

// Busy reports whether tempID is running or queued.
func (q *OptimisticSendQueue) Busy(tempID int64) bool {
	if _, ok := q.inFlight[tempID]; ok {
		return true
	}
	return q.queuedAt(tempID) >= 0
}

// SendWithQueue submits p. It returns false when p.TempID is already busy.
func (q *OptimisticSendQueue) SendWithQueue(p *PendingSend) bool {
	if q.Busy(p.TempID) {
		return false
	}
	if !q.online || q.flushing || len(q.queue) > 0 {
		// Intents still waiting go first.
		q.park(p, false)
		q.Flush()
		return true
	}
	q.execute(p)
	return true
}

// Cancel removes a queued intent. Running attempts cannot be cancelled.
func (q *OptimisticSendQueue) Cancel(tempID int64) bool {
	i := q.queuedAt(tempID)
	if i < 0 {
		return false
	}
	q.queue = append(q.queue[:i], q.queue[i+1:]...)
	return true
}

// SetOnline updates connectivity and flushes the offline queue when it
// comes back.
func (q *OptimisticSendQueue) SetOnline(online bool) {
	if q.online == online {
		return
	}
	q.online = online
	if online {
		q.log.Debug("send queue online", "queued", len(q.queue))
		q.Flush()
	}
}

// Flush starts draining the offline queue, one intent at a time.
func (q *OptimisticSendQueue) Flush() {
	if q.flushing || !q.online || len(q.queue) == 0 {
		return
	}
	q.flushing = true
	q.flushNext()
}

func (q *OptimisticSendQueue) flushNext() {
	if !q.online || len(q.queue) == 0 {
		q.flushing = false
		return
	}
	p := q.queue[0]
	q.queue = q.queue[1:]
	q.flushID = p.TempID
	q.execute(p)
}

func (q *OptimisticSendQueue) park(p *PendingSend, front bool) {
	if front {
		q.queue = append([]*PendingSend{p}, q.queue...)
	} else {
		q.queue = append(q.queue, p)
	}
	q.metrics.send(p.Kind, "queued")
	if p.OnQueued != nil {
		p.OnQueued()
	}
}

func (q *OptimisticSendQueue) execute(p *PendingSend) {
	q.inFlight[p.TempID] = p
	if p.OnStart != nil {
		p.OnStart()
	}
	q.runner.Spawn(func(ctx context.Context) func() {
		msg, err := p.Executor(ctx)
		return func() { q.settle(p, msg, err) }
	})
}

func (q *OptimisticSendQueue) settle(p *PendingSend, msg *Message, err error) {
	delete(q.inFlight, p.TempID)
	draining := q.flushing && q.flushID == p.TempID

	var conflict *ConflictError
	switch {
	case err == nil:
		q.metrics.send(p.Kind, "sent")
		if p.OnSuccess != nil {
			p.OnSuccess(msg)
		}
	case !phaseScoped(err) && errors.As(err, &conflict):
		q.log.Debug("send already applied", "temp_id", p.TempID, "key", conflict.Key)
		q.metrics.send(p.Kind, "conflict")
		if p.OnSuccess != nil {
			p.OnSuccess(conflict.Existing)
		}
	case IsRetryable(err) && !q.online:
		// Connectivity dropped under the attempt. Replay it first, with the
		// same idempotency key.
		q.log.Debug("send parked after losing connectivity", "temp_id", p.TempID, "error", err)
		q.park(p, true)
		if draining {
			q.flushing = false
		}
		return
	default:
		q.log.Warn("send failed", "temp_id", p.TempID, "kind", p.Kind, "error", err)
		q.metrics.send(p.Kind, "failed")
		if p.OnError != nil {
			p.OnError(err)
		}
	}

	if draining {
		q.flushNext()
	}
}

// phaseScoped reports whether err belongs to one step of a multi-step send.
// A conflict there says nothing about the send as a whole.
func phaseScoped(err error) bool {
	_, ok := FailedPhase(err)
	return ok
}

func (q *OptimisticSendQueue) queuedAt(tempID int64) int {
	for i, p := range q.queue {
		if p.TempID == tempID {
			return i
		}
	}
	return -1
}
