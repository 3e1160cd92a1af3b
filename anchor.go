package chatsync

import (
	"math"
	"time"
)

// Defaults for AnchorController.
const (
	DefaultBottomThreshold = 48.0
	DefaultSwitchGrace     = 1500 * time.Millisecond
	DefaultPrependSuppress = 300 * time.Millisecond
)

// ScrollMetrics is a measurement of the host's scroll container, in pixels.
type ScrollMetrics struct {
	Offset         float64 `json:"offset"`
	ViewportHeight float64 `json:"viewportHeight"`
	ContentHeight  float64 `json:"contentHeight"`
}

// DistanceFromBottom is how far the viewport's bottom edge is above the end
// of the content.
func (m ScrollMetrics) DistanceFromBottom() float64 {
	return math.Max(0, m.ContentHeight-m.ViewportHeight-m.Offset)
}

// Viewport is the host's scrollable list. The engine drives it; the host
// reports metrics back through the engine.
type Viewport interface {
	Metrics() ScrollMetrics
	ScrollToEnd()
	ScrollToIndex(index int)
	ScrollBy(delta float64)
}

// AnchorState is the runtime viewport contract. It is never persisted.
type AnchorState struct {
	FollowMode         bool      `json:"followMode"`
	AtBottom           bool      `json:"atBottom"`
	SuppressUntil      time.Time `json:"suppressUntil"`
	PendingScrollDelta float64   `json:"pendingScrollDelta"`
}

// UnreadAnchor marks the first message that arrived while the user was
// reading history.
type UnreadAnchor struct {
	FirstMessageID int64 `json:"firstMessageId"`
	Count          int   `json:"count"`
}

// AnchorController keeps the viewport stable while the list changes.
//
// New tail entries scroll into view only when the viewport is already at
// the bottom, during the grace window after a thread switch, or when the
// local user sent them. Otherwise an UnreadAnchor is raised, and it clears
// when the user gets back to the bottom. A prepend is compensated once the
// host reports the new layout: the content height delta is scrolled away,
// and follow output is suppressed briefly so the correction is not mistaken
// for a user scroll.
type AnchorController struct {
	viewport  Viewport
	clock     Clock
	threshold float64
	grace     time.Duration
	suppress  time.Duration

	state      AnchorState
	unread     *UnreadAnchor
	switchedAt time.Time

	prepend        *ScrollMetrics
	awaitingLayout bool

	composerHeight float64
	hasComposer    bool
}

// NewAnchorController creates a controller for viewport, which may be nil
// until the host mounts one.
func NewAnchorController(viewport Viewport, clock Clock, cfg AnchorConfig) *AnchorController {
	cfg.defaults()
	if clock == nil {
		clock = systemClock{}
	}
	return &AnchorController{
		viewport:  viewport,
		clock:     clock,
		threshold: cfg.BottomThreshold,
		grace:     cfg.SwitchGrace.D(),
		suppress:  cfg.PrependSuppress.D(),
		state:     AnchorState{FollowMode: true, AtBottom: true},
	}
}

// SetViewport attaches the host's viewport.
func (a *AnchorController) SetViewport(v Viewport) { a.viewport = v }

// Viewport returns the attached viewport.
func (a *AnchorController) Viewport() Viewport { return a.viewport }

// State returns the current anchor state.
func (a *AnchorController) State() AnchorState { return a.state }

// Unread returns the unread marker, if any.
func (a *AnchorController) Unread() *UnreadAnchor {
	if a.unread == nil {
		return nil
	}
	u := *a.unread
	return &u
}

func (a *AnchorController) suppressed(now time.Time) bool {
	return now.Before(a.state.SuppressUntil)
}

func (a *AnchorController) inGrace(now time.Time) bool {
	return !a.switchedAt.IsZero() && now.Sub(a.switchedAt) < a.grace
}

// OnThreadSwitch resets to follow mode and opens the grace window.
func (a *AnchorController) OnThreadSwitch() {
	a.switchedAt = a.clock.Now()
	a.state = AnchorState{FollowMode: true, AtBottom: true}
	a.unread = nil
	a.prepend = nil
	a.awaitingLayout = false
}

// OnScroll records a scroll position reported by the host.
func (a *AnchorController) OnScroll(m ScrollMetrics) {
	atBottom := m.DistanceFromBottom() <= a.threshold
	a.state.AtBottom = atBottom
	if a.suppressed(a.clock.Now()) {
		return
	}
	a.state.FollowMode = atBottom
	if atBottom {
		a.unread = nil
	}
}

// OnTailGrowth handles count new entries after the previous tail.
func (a *AnchorController) OnTailGrowth(firstID int64, count int, fromSelf bool) {
	if count <= 0 {
		return
	}
	now := a.clock.Now()
	if fromSelf || (a.state.FollowMode && a.state.AtBottom) || a.inGrace(now) {
		a.ScrollToEnd()
		return
	}
	if a.unread == nil {
		a.unread = &UnreadAnchor{FirstMessageID: firstID}
	}
	a.unread.Count += count
}

// BeforePrepend snapshots scroll metrics ahead of a prepend.
func (a *AnchorController) BeforePrepend() {
	if a.viewport == nil {
		return
	}
	m := a.viewport.Metrics()
	a.prepend = &m
}

// AfterPrepend arms the compensation for count prepended entries. It is
// applied by OnLayout.
func (a *AnchorController) AfterPrepend(count int) {
	if a.prepend == nil {
		return
	}
	if count == 0 {
		a.prepend = nil
		return
	}
	a.awaitingLayout = true
	a.state.SuppressUntil = a.clock.Now().Add(a.suppress)
	a.state.FollowMode = false
}

// OnLayout receives metrics after the host re-laid out the list and applies
// any pending compensation.
func (a *AnchorController) OnLayout(m ScrollMetrics) {
	if a.awaitingLayout && a.prepend != nil {
		delta := m.ContentHeight - a.prepend.ContentHeight
		a.prepend = nil
		a.awaitingLayout = false
		a.state.PendingScrollDelta += delta
	}
	a.flush()
	a.state.AtBottom = m.DistanceFromBottom() <= a.threshold
}

// OnComposerResize compensates for the input area growing or shrinking so
// the last visible message stays put.
func (a *AnchorController) OnComposerResize(height float64) {
	if !a.hasComposer {
		a.hasComposer = true
		a.composerHeight = height
		return
	}
	delta := height - a.composerHeight
	a.composerHeight = height
	if delta == 0 {
		return
	}
	if a.state.FollowMode && a.state.AtBottom {
		a.ScrollToEnd()
		return
	}
	a.state.PendingScrollDelta += delta
	a.flush()
}

// ScrollToEnd jumps to the bottom and resumes following.
func (a *AnchorController) ScrollToEnd() {
	a.state.FollowMode = true
	a.state.AtBottom = true
	a.unread = nil
	if a.viewport != nil {
		a.viewport.ScrollToEnd()
	}
}

// ScrollToIndex shows slot i and stops following.
func (a *AnchorController) ScrollToIndex(i int) {
	a.state.FollowMode = false
	if a.viewport != nil {
		a.viewport.ScrollToIndex(i)
	}
}

// ScrollBy moves the viewport by delta pixels.
func (a *AnchorController) ScrollBy(delta float64) {
	if a.viewport != nil {
		a.viewport.ScrollBy(delta)
	}
}

func (a *AnchorController) flush() {
	if a.viewport == nil || a.state.PendingScrollDelta == 0 {
		return
	}
	a.viewport.ScrollBy(a.state.PendingScrollDelta)
	a.state.PendingScrollDelta = 0
}

// ============================================================================
// Rendering strategy
// ============================================================================

// RenderCapability is what the host measured about its list container.
type RenderCapability struct {
	ViewportHeight         float64 `json:"viewportHeight"`
	RowHeight              float64 `json:"rowHeight"`
	SupportsVirtualization bool    `json:"supportsVirtualization"`
}

// RenderStrategy decides which slots the host should render.
type RenderStrategy interface {
	Name() string
	Window(total int, m ScrollMetrics) (start, end int)
}

// PlainStrategy renders every entry.
type PlainStrategy struct{}

func (PlainStrategy) Name() string { return "plain" }

func (PlainStrategy) Window(total int, _ ScrollMetrics) (int, int) { return 0, total }

// VirtualizedStrategy renders the rows intersecting the viewport plus an
// overscan margin on each side.
type VirtualizedStrategy struct {
	RowHeight float64
	Overscan  int
}

func (VirtualizedStrategy) Name() string { return "virtualized" }

func (v VirtualizedStrategy) Window(total int, m ScrollMetrics) (int, int) {
	if total == 0 || v.RowHeight <= 0 {
		return 0, total
	}
	start := int(m.Offset/v.RowHeight) - v.Overscan
	end := int(math.Ceil((m.Offset+m.ViewportHeight)/v.RowHeight)) + v.Overscan
	if start < 0 {
		start = 0
	}
	if end > total {
		end = total
	}
	if start > end {
		start = end
	}
	return start, end
}

// SelectStrategy picks a strategy from what the host reported. Hosts that
// cannot virtualize, or have not measured a viewport yet, render plainly.
func SelectStrategy(c RenderCapability) RenderStrategy {
	if !c.SupportsVirtualization || c.ViewportHeight <= 0 || c.RowHeight <= 0 {
		return PlainStrategy{}
	}
	return VirtualizedStrategy{RowHeight: c.RowHeight, Overscan: 5}
}
