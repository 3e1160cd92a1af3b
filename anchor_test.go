package chatsync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newAnchorFixture() (*AnchorController, *fakeViewport, *fakeClock) {
	v := &fakeViewport{}
	v.SetMetrics(ScrollMetrics{Offset: 600, ViewportHeight: 400, ContentHeight: 1000})
	clock := newFakeClock()
	return NewAnchorController(v, clock, AnchorConfig{}), v, clock
}

func scrolledUp() ScrollMetrics {
	return ScrollMetrics{Offset: 100, ViewportHeight: 400, ContentHeight: 1000}
}

func TestScrollMetricsDistanceFromBottom(t *testing.T) {
	assert.Equal(t, 0.0, ScrollMetrics{Offset: 600, ViewportHeight: 400, ContentHeight: 1000}.DistanceFromBottom())
	assert.Equal(t, 500.0, scrolledUp().DistanceFromBottom())
	assert.Equal(t, 0.0, ScrollMetrics{Offset: 700, ViewportHeight: 400, ContentHeight: 1000}.DistanceFromBottom(), "overscroll clamps")
}

func TestAnchorFollowsAtBottom(t *testing.T) {
	a, v, _ := newAnchorFixture()

	a.OnTailGrowth(5, 1, false)
	assert.Equal(t, 1, v.ToEnd())
	assert.Nil(t, a.Unread())

	a.OnScroll(ScrollMetrics{Offset: 560, ViewportHeight: 400, ContentHeight: 1000})
	assert.True(t, a.State().AtBottom, "inside the threshold")
	a.OnTailGrowth(6, 1, false)
	assert.Equal(t, 2, v.ToEnd())
}

func TestAnchorUnreadWhileReadingHistory(t *testing.T) {
	a, v, _ := newAnchorFixture()
	a.OnScroll(scrolledUp())
	assert.False(t, a.State().FollowMode)

	a.OnTailGrowth(5, 2, false)
	a.OnTailGrowth(7, 1, false)
	assert.Equal(t, 0, v.ToEnd())
	assert.Equal(t, &UnreadAnchor{FirstMessageID: 5, Count: 3}, a.Unread())

	a.OnTailGrowth(8, 1, true)
	assert.Equal(t, 1, v.ToEnd(), "own messages always scroll into view")
	assert.Nil(t, a.Unread())
	assert.True(t, a.State().FollowMode)
}

func TestAnchorUnreadClearsAtBottom(t *testing.T) {
	a, _, _ := newAnchorFixture()
	a.OnScroll(scrolledUp())
	a.OnTailGrowth(5, 1, false)
	require.NotNil(t, a.Unread())

	a.OnScroll(ScrollMetrics{Offset: 600, ViewportHeight: 400, ContentHeight: 1000})
	assert.Nil(t, a.Unread())
	assert.True(t, a.State().FollowMode)
}

func TestAnchorSwitchGrace(t *testing.T) {
	a, v, clock := newAnchorFixture()
	a.OnScroll(scrolledUp())
	a.OnThreadSwitch()
	assert.True(t, a.State().FollowMode)

	a.OnScroll(scrolledUp())
	a.OnTailGrowth(1, 20, false)
	assert.Equal(t, 1, v.ToEnd(), "late initial content still lands at the bottom")

	clock.Advance(DefaultSwitchGrace)
	a.OnScroll(scrolledUp())
	a.OnTailGrowth(21, 1, false)
	assert.Equal(t, 1, v.ToEnd())
	assert.NotNil(t, a.Unread())
}

func TestAnchorPrependCompensation(t *testing.T) {
	a, v, clock := newAnchorFixture()
	v.SetMetrics(ScrollMetrics{Offset: 0, ViewportHeight: 400, ContentHeight: 1000})
	a.OnScroll(v.Metrics())

	a.BeforePrepend()
	a.AfterPrepend(10)
	assert.False(t, a.State().FollowMode)
	assert.Empty(t, v.Scrolled(), "waits for the host layout")

	// The host's own scroll event while the correction settles is not a
	// user scroll.
	a.OnScroll(ScrollMetrics{Offset: 0, ViewportHeight: 400, ContentHeight: 1600})
	a.OnLayout(ScrollMetrics{Offset: 0, ViewportHeight: 400, ContentHeight: 1600})
	assert.Equal(t, []float64{600}, v.Scrolled())
	assert.Zero(t, a.State().PendingScrollDelta)

	a.OnLayout(ScrollMetrics{Offset: 600, ViewportHeight: 400, ContentHeight: 1600})
	assert.Len(t, v.Scrolled(), 1, "compensation applies once")

	clock.Advance(DefaultPrependSuppress)
	a.OnScroll(ScrollMetrics{Offset: 1200, ViewportHeight: 400, ContentHeight: 1600})
	assert.True(t, a.State().FollowMode)
}

func TestAnchorEmptyPrependDisarms(t *testing.T) {
	a, v, _ := newAnchorFixture()
	a.BeforePrepend()
	a.AfterPrepend(0)
	a.OnLayout(ScrollMetrics{Offset: 0, ViewportHeight: 400, ContentHeight: 1600})
	assert.Empty(t, v.Scrolled())
	assert.True(t, a.State().FollowMode)
}

func TestAnchorWithoutViewport(t *testing.T) {
	a := NewAnchorController(nil, newFakeClock(), AnchorConfig{})
	a.BeforePrepend()
	a.AfterPrepend(3)
	a.OnLayout(ScrollMetrics{ContentHeight: 100})
	a.OnTailGrowth(1, 1, true)
	a.ScrollToIndex(0)
	a.ScrollBy(10)
	assert.Nil(t, a.Viewport())

	v := &fakeViewport{}
	a.SetViewport(v)
	a.ScrollToIndex(2)
	assert.Equal(t, []int{2}, v.ToIndex())
	assert.False(t, a.State().FollowMode)
}

func TestAnchorComposerResize(t *testing.T) {
	a, v, _ := newAnchorFixture()

	a.OnComposerResize(60)
	assert.Equal(t, 0, v.ToEnd(), "first report is the baseline")
	a.OnComposerResize(90)
	assert.Equal(t, 1, v.ToEnd(), "following keeps the tail visible")

	a.OnScroll(scrolledUp())
	a.OnComposerResize(120)
	assert.Equal(t, []float64{30}, v.Scrolled())
	a.OnComposerResize(120)
	assert.Len(t, v.Scrolled(), 1)
}

func TestSelectStrategy(t *testing.T) {
	assert.Equal(t, "plain", SelectStrategy(RenderCapability{}).Name())
	assert.Equal(t, "plain", SelectStrategy(RenderCapability{SupportsVirtualization: true, RowHeight: 20}).Name())

	s := SelectStrategy(RenderCapability{SupportsVirtualization: true, ViewportHeight: 400, RowHeight: 20})
	require.Equal(t, "virtualized", s.Name())

	start, end := s.Window(1000, ScrollMetrics{Offset: 2000, ViewportHeight: 400})
	assert.Equal(t, 95, start)
	assert.Equal(t, 125, end)

	start, end = s.Window(10, ScrollMetrics{Offset: 0, ViewportHeight: 400})
	assert.Equal(t, 0, start)
	assert.Equal(t, 10, end)

	start, end = PlainStrategy{}.Window(7, ScrollMetrics{})
	assert.Equal(t, 0, start)
	assert.Equal(t, 7, end)
}

func TestAnchorCustomConfig(t *testing.T) {
	v := &fakeViewport{}
	a := NewAnchorController(v, newFakeClock(), AnchorConfig{BottomThreshold: 600, SwitchGrace: Duration(time.Millisecond)})
	a.OnScroll(scrolledUp())
	assert.True(t, a.State().AtBottom, "500px is inside a 600px threshold")
}
