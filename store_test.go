package chatsync

import (
	"math/rand"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStoreAppendOrdering(t *testing.T) {
	s := NewMessageStore("t1")

	ch := s.Append(msg(2, 2))
	assert.Equal(t, Change{Appended: 1, FirstAppendedID: 2}, ch)

	ch = s.Append(msg(1, 1))
	assert.Equal(t, Change{Prepended: 1}, ch)

	ch = s.Append(msg(4, 4))
	assert.Equal(t, 1, ch.Appended)

	ch = s.Append(msg(3, 3))
	assert.Equal(t, Change{Inserted: 1}, ch)

	if diff := cmp.Diff([]int64{1, 2, 3, 4}, storeIDs(s)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	for i, id := range []int64{1, 2, 3, 4} {
		assert.Equal(t, i, s.IndexOf(id))
	}
	assert.Equal(t, -1, s.IndexOf(99))
}

func TestStoreTimestampTieBrokenByID(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(7, 5))
	s.Append(msg(3, 5))
	s.Append(msg(5, 5))

	if diff := cmp.Diff([]int64{3, 5, 7}, storeIDs(s)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
}

func TestStoreAppendExistingMerges(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(1, 1))

	ch := s.Append(msg(1, 1))
	assert.True(t, ch.Empty(), "identical record must not count as a change")

	edited := msg(1, 1)
	edited.Content = "edited"
	ch = s.Append(edited)
	assert.Equal(t, Change{Updated: 1}, ch)
	assert.Equal(t, "edited", s.Get(1).Content)
	assert.Equal(t, 1, s.Len())
}

func TestStoreServerRecordsDefaultToSent(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(1, 1))
	assert.Equal(t, StatusSent, s.Get(1).Status)
}

func TestStoreReplace(t *testing.T) {
	t.Run("swaps placeholder in place", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(msg(1, 1))
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Content: "hi", Timestamp: testBase.Add(10 * time.Second), Status: StatusSending})

		server := msg(10, 11)
		server.Content = "hi"
		ch := s.Replace(-1, server)

		assert.Equal(t, Change{Replaced: 1}, ch)
		assert.Nil(t, s.Get(-1))
		require.NotNil(t, s.Get(10))
		assert.Equal(t, "r1", s.Get(10).ClientRequestID)
		assert.Equal(t, StatusSent, s.Get(10).Status)
		id, ok := s.FindByRequestID("r1")
		assert.True(t, ok)
		assert.Equal(t, int64(10), id)
		assert.Equal(t, 2, s.Len())
	})

	t.Run("moves when the server timestamp does not fit", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase, Status: StatusSending})
		s.Append(msg(5, 5))

		s.Replace(-1, msg(10, 10))
		if diff := cmp.Diff([]int64{5, 10}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("merges when the echo arrived first", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase, Status: StatusSending})
		s.Append(msg(10, 10))

		server := msg(10, 10)
		server.ClientRequestID = "r1"
		s.Replace(-1, server)

		if diff := cmp.Diff([]int64{10}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		id, _ := s.FindByRequestID("r1")
		assert.Equal(t, int64(10), id)
	})

	t.Run("keeps a local tombstone", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Content: "oops", Timestamp: testBase, Status: StatusSending})
		s.ApplyDeletion(-1)

		s.Replace(-1, msg(10, 0))
		assert.True(t, s.Get(10).Deleted)
		assert.Empty(t, s.Get(10).Content)
	})

	t.Run("reorders a merged duplicate", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase, Status: StatusSending})
		s.Append(msg(5, 5))
		s.Append(msg(10, 10))

		server := msg(10, 1)
		server.ClientRequestID = "r1"
		s.Replace(-1, server)

		if diff := cmp.Diff([]int64{10, 5}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 0, s.IndexOf(10))
		assert.Equal(t, 1, s.IndexOf(5))
	})

	t.Run("keeps the placeholder sender", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(&Message{ID: -1, ClientRequestID: "r1", SenderID: "me", Timestamp: testBase, Status: StatusSending})

		s.Replace(-1, &Message{ID: 10, Type: TypeAttachment})
		require.NotNil(t, s.Get(10))
		assert.Equal(t, "me", s.Get(10).SenderID)
		assert.Equal(t, testBase, s.Get(10).Timestamp)
	})

	t.Run("missing placeholder appends", func(t *testing.T) {
		s := NewMessageStore("t1")
		ch := s.Replace(-5, msg(3, 3))
		assert.Equal(t, 1, ch.Appended)
		assert.True(t, s.Has(3))
	})
}

func TestStoreAppendReconcilesByRequestID(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase, Status: StatusSending})

	echo := msg(10, 1)
	echo.ClientRequestID = "r1"
	s.Append(echo)

	assert.Equal(t, 1, s.Len())
	assert.True(t, s.Has(10))

	// A second record claiming the same request under another ID is dropped.
	dup := msg(11, 2)
	dup.ClientRequestID = "r1"
	assert.True(t, s.Append(dup).Empty())
	assert.False(t, s.Has(11))
}

func TestStoreInsertDelta(t *testing.T) {
	t.Run("newer fast path", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Reset("t1", page(1, 3))

		ch := s.InsertDelta(page(4, 6), Newer)
		assert.Equal(t, Change{Appended: 3, FirstAppendedID: 4}, ch)
		if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
		assert.Equal(t, 5, s.IndexOf(6))
	})

	t.Run("older page prepends", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Reset("t1", page(4, 6))

		ch := s.InsertDelta(page(1, 3), Older)
		assert.Equal(t, Change{Prepended: 3}, ch)
		if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("overlap is merged not duplicated", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Reset("t1", page(1, 4))

		batch := page(3, 6)
		batch = append(batch, msg(5, 5))
		ch := s.InsertDelta(batch, Newer)

		assert.Equal(t, 2, ch.Appended)
		assert.Equal(t, int64(5), ch.FirstAppendedID)
		if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("gap fill counts inserted", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Append(msg(1, 1))
		s.Append(msg(5, 5))

		ch := s.InsertDelta([]*Message{msg(3, 3), msg(2, 2)}, Newer)
		assert.Equal(t, Change{Inserted: 2}, ch)
		if diff := cmp.Diff([]int64{1, 2, 3, 5}, storeIDs(s)); diff != "" {
			t.Errorf("order mismatch (-want +got):\n%s", diff)
		}
	})

	t.Run("replaces placeholders by request id", func(t *testing.T) {
		s := NewMessageStore("t1")
		s.Reset("t1", page(1, 2))
		s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase.Add(time.Minute), Status: StatusSending})

		ack := msg(3, 3)
		ack.ClientRequestID = "r1"
		ch := s.InsertDelta([]*Message{ack}, Newer)

		assert.Equal(t, 1, ch.Replaced)
		assert.Nil(t, s.Get(-1))
		assert.Equal(t, 3, s.Len())
	})
}

func TestStoreWatermarksSkipTransients(t *testing.T) {
	s := NewMessageStore("t1")
	_, ok := s.HighWatermark()
	assert.False(t, ok)

	s.Append(&Message{ID: -1, Timestamp: testBase, Status: StatusSending})
	s.Append(msg(2, 2))
	s.Append(msg(3, 3))
	s.Append(&Message{ID: -2, Timestamp: testBase.Add(time.Minute), Status: StatusSending})

	high, ok := s.HighWatermark()
	require.True(t, ok)
	assert.Equal(t, int64(3), high.ID)
	low, ok := s.LowWatermark()
	require.True(t, ok)
	assert.Equal(t, int64(2), low.ID)

	assert.True(t, s.IsNewTail(msg(4, 4)))
	assert.False(t, s.IsNewTail(msg(1, 1)))
}

func TestStoreResetKeepsUnacknowledgedPlaceholders(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(&Message{ID: -1, ClientRequestID: "r1", Timestamp: testBase.Add(time.Hour), Status: StatusQueued})
	s.Append(&Message{ID: -2, ClientRequestID: "r2", Timestamp: testBase.Add(time.Hour), Status: StatusSending})

	acked := msg(3, 3)
	acked.ClientRequestID = "r2"
	s.Reset("t1", []*Message{msg(1, 1), msg(1, 1), acked})

	if diff := cmp.Diff([]int64{1, 3, -1}, storeIDs(s)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}

	s.Reset("t2", page(1, 2))
	assert.Equal(t, "t2", s.ThreadID())
	assert.False(t, s.Has(-1), "placeholders do not cross threads")
}

func TestStoreResetKeepsNewerAcknowledged(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(2, 2))
	s.Append(msg(6, 6))

	s.Reset("t1", page(1, 5))
	if diff := cmp.Diff([]int64{1, 2, 3, 4, 5, 6}, storeIDs(s)); diff != "" {
		t.Errorf("order mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, "m2", s.Get(2).Content)

	s.Reset("t1", nil)
	assert.Equal(t, 0, s.Len(), "an empty page keeps no acknowledged entries")
}

func TestStoreAckedBefore(t *testing.T) {
	s := NewMessageStore("t1")
	_, ok := s.AckedBefore(cursorOf(msg(5, 5)))
	assert.False(t, ok)

	s.Reset("t1", []*Message{msg(1, 1), msg(3, 3)})
	s.Append(&Message{ID: -1, Timestamp: testBase.Add(4 * time.Second), Status: StatusSending})

	c, ok := s.AckedBefore(cursorOf(msg(5, 5)))
	require.True(t, ok)
	assert.Equal(t, int64(3), c.ID, "placeholders are skipped")

	c, ok = s.AckedBefore(cursorOf(msg(3, 3)))
	require.True(t, ok)
	assert.Equal(t, int64(1), c.ID)

	_, ok = s.AckedBefore(cursorOf(msg(1, 1)))
	assert.False(t, ok)
}

func TestStoreMarkStatus(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(&Message{ID: -1, Timestamp: testBase, Status: StatusQueued})
	s.Append(msg(1, 1))

	assert.True(t, s.MarkStatus(-1, StatusSending))
	assert.True(t, s.MarkStatus(-1, StatusFailed))
	assert.True(t, s.MarkStatus(-1, StatusSending))
	assert.False(t, s.MarkStatus(-1, StatusSending), "same status is a no-op")
	assert.False(t, s.MarkStatus(-1, StatusDelivered))

	assert.True(t, s.MarkStatus(1, StatusDelivered))
	assert.False(t, s.MarkStatus(1, StatusSent), "delivered never regresses")
	assert.False(t, s.MarkStatus(99, StatusSent))

	// A merged record with a lower rank keeps the higher status.
	s.Append(msg(1, 1))
	assert.Equal(t, StatusDelivered, s.Get(1).Status)
}

func TestStoreApplyReaction(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(1, 1))

	add := func(user string) ReactionEvent {
		return ReactionEvent{MessageID: 1, Emoji: "👍", UserID: user, Kind: ReactionAdded}
	}
	remove := func(user string) ReactionEvent {
		return ReactionEvent{MessageID: 1, Emoji: "👍", UserID: user, Kind: ReactionRemoved}
	}

	assert.True(t, s.ApplyReaction(add("me"), "me"))
	assert.False(t, s.ApplyReaction(add("me"), "me"), "own echo does not count twice")
	assert.True(t, s.ApplyReaction(add("bob"), "me"))
	assert.Equal(t, 2, s.Get(1).Reactions["👍"])
	assert.True(t, s.Get(1).MyReactions["👍"])

	assert.True(t, s.ApplyReaction(remove("me"), "me"))
	assert.False(t, s.ApplyReaction(remove("me"), "me"))
	assert.True(t, s.ApplyReaction(remove("bob"), "me"))
	assert.False(t, s.ApplyReaction(remove("bob"), "me"), "count never goes negative")
	assert.Empty(t, s.Get(1).Reactions)

	assert.False(t, s.ApplyReaction(ReactionEvent{MessageID: 2, Emoji: "👍", UserID: "bob", Kind: ReactionAdded}, "me"))
}

func TestStoreApplyDeletion(t *testing.T) {
	s := NewMessageStore("t1")
	m := msg(1, 1)
	m.Reactions = map[string]int{"🎉": 2}
	s.Append(m)
	s.Append(msg(2, 2))

	assert.True(t, s.ApplyDeletion(1))
	assert.False(t, s.ApplyDeletion(1))
	assert.False(t, s.ApplyDeletion(42))

	got := s.Get(1)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Content)
	assert.Nil(t, got.Reactions)
	assert.Equal(t, 2, s.Len(), "tombstones keep their slot")

	// A late update of the deleted message does not resurrect it.
	s.Append(msg(1, 1))
	assert.True(t, s.Get(1).Deleted)
	assert.Empty(t, s.Get(1).Content)
}

func TestStoreApplyReceipt(t *testing.T) {
	s := NewMessageStore("t1")
	mine := msg(1, 1)
	mine.SenderID = "me"
	s.Append(mine)
	theirs := msg(2, 2)
	theirs.SenderID = "alice"
	s.Append(theirs)
	later := msg(3, 3)
	later.SenderID = "me"
	s.Append(later)

	changed := s.ApplyReceipt("alice", 2)
	assert.Equal(t, []int64{1}, changed)
	assert.Equal(t, StatusDelivered, s.Get(1).Status)
	assert.Equal(t, StatusSent, s.Get(2).Status, "the reader's own messages are untouched")
	assert.Equal(t, StatusSent, s.Get(3).Status)

	assert.Empty(t, s.ApplyReceipt("alice", 2))
}

func TestStoreSetUploadProgress(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(&Message{ID: -1, Type: TypeAttachment, Timestamp: testBase, Status: StatusSending})

	assert.True(t, s.SetUploadProgress(-1, 10, 100))
	assert.False(t, s.SetUploadProgress(-1, 10, 100))
	meta := s.Get(-1).AttachmentMeta
	require.NotNil(t, meta)
	assert.Equal(t, int64(10), meta.UploadedBytes)
	assert.Equal(t, int64(100), meta.Size)
}

func TestStoreMessagesAreCopies(t *testing.T) {
	s := NewMessageStore("t1")
	s.Append(msg(1, 1))

	out := s.Messages()
	out[0].Content = "mutated"
	assert.Equal(t, "m1", s.Get(1).Content)
}

func TestStoreOrderingUnderInterleaving(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 50; round++ {
		s := NewMessageStore("t1")
		s.Reset("t1", page(1, 5))

		var arrivals []*Message
		for id := int64(6); id <= 40; id++ {
			m := msg(id, int(id))
			// Clocks disagree a little between senders.
			m.Timestamp = m.Timestamp.Add(time.Duration(rng.Intn(5)-2) * time.Second)
			arrivals = append(arrivals, m)
			if rng.Intn(5) == 0 {
				arrivals = append(arrivals, m.Clone())
			}
		}
		rng.Shuffle(len(arrivals), func(i, j int) { arrivals[i], arrivals[j] = arrivals[j], arrivals[i] })

		for len(arrivals) > 0 {
			n := min(1+rng.Intn(4), len(arrivals))
			batch := arrivals[:n]
			arrivals = arrivals[n:]
			if rng.Intn(2) == 0 {
				s.InsertDelta(batch, Newer)
				continue
			}
			for _, m := range batch {
				s.Append(m)
			}
		}

		msgs := s.Messages()
		require.Len(t, msgs, 40, "round %d", round)
		for i := 1; i < len(msgs); i++ {
			require.True(t, lessMessage(msgs[i-1], msgs[i]), "round %d: %d before %d", round, msgs[i-1].ID, msgs[i].ID)
		}
		for i, m := range msgs {
			require.Equal(t, i, s.IndexOf(m.ID))
		}
	}
}
