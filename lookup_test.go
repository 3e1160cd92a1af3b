package chatsync

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReferenceResolver(t *testing.T) {
	clock := newFakeClock()
	r := NewReferenceResolver(clock, 0)

	assert.False(t, r.ShouldFetch("t1", 0))
	assert.False(t, r.ShouldFetch("t1", -3), "placeholders are never looked up")
	require.True(t, r.ShouldFetch("t1", 5))

	r.Begin("t1", 5)
	assert.False(t, r.ShouldFetch("t1", 5), "already in flight")

	r.Fail("t1", 5)
	assert.False(t, r.ShouldFetch("t1", 5), "cooling down")
	clock.Advance(DefaultLookupCoolDown)
	assert.True(t, r.ShouldFetch("t1", 5))

	r.Begin("t1", 5)
	r.Resolve("t1", 5, msg(5, 5))
	assert.False(t, r.ShouldFetch("t1", 5))
	got, ok := r.Lookup("t1", 5)
	require.True(t, ok)
	assert.Equal(t, "m5", got.Content)

	_, ok = r.Lookup("t2", 5)
	assert.False(t, ok, "references are scoped by thread")
	assert.True(t, r.ShouldFetch("t2", 5))

	resolved := r.Resolved("t1")
	require.Len(t, resolved, 1)
	resolved[5].Content = "mutated"
	got, _ = r.Lookup("t1", 5)
	assert.Equal(t, "m5", got.Content)

	r.Clear()
	_, ok = r.Lookup("t1", 5)
	assert.False(t, ok)
	assert.Empty(t, r.Resolved("t1"))
}
