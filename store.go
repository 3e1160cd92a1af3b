package chatsync

import (
	"reflect"
	"sort"
)

// Direction tells InsertDelta which side of the loaded window a page came from.
type Direction int

const (
	Older Direction = iota
	Newer
)

func (d Direction) String() string {
	if d == Older {
		return "older"
	}
	return "newer"
}

// Change summarizes what a store mutation did. The anchor controller reads it
// to decide between scroll compensation, auto-follow and an unread marker.
type Change struct {
	// Prepended counts new entries placed before the previous head.
	Prepended int
	// Appended counts new entries placed after the previous tail.
	Appended int
	// Inserted counts new entries placed between existing ones.
	Inserted int
	Updated  int
	Replaced int
	// FirstAppendedID is the oldest of the appended entries.
	FirstAppendedID int64
}

// Empty reports whether nothing changed.
func (c Change) Empty() bool { return c == Change{} }

// Added is the number of new entries.
func (c Change) Added() int { return c.Prepended + c.Appended + c.Inserted }

func (c *Change) add(o Change) {
	if c.Appended == 0 && o.Appended > 0 {
		c.FirstAppendedID = o.FirstAppendedID
	}
	c.Prepended += o.Prepended
	c.Appended += o.Appended
	c.Inserted += o.Inserted
	c.Updated += o.Updated
	c.Replaced += o.Replaced
}

// MessageStore is the ordered message list of one thread. It is owned by the
// engine loop and is not safe for concurrent use.
//
// The slice is kept strictly ascending by (Timestamp, ID). index maps every
// ID to its slot and byRequest maps client request IDs to the ID currently
// holding them, so reconciliation never scans.
type MessageStore struct {
	threadID  string
	msgs      []*Message
	index     map[int64]int
	byRequest map[string]int64
}

// NewMessageStore creates an empty store for threadID.
func NewMessageStore(threadID string) *MessageStore {
	return &MessageStore{
		threadID:  threadID,
		index:     make(map[int64]int),
		byRequest: make(map[string]int64),
	}
}

// ThreadID returns the thread the store holds.
func (s *MessageStore) ThreadID() string { return s.threadID }

// Len returns the number of entries, tombstones included.
func (s *MessageStore) Len() int { return len(s.msgs) }

// Get returns the live entry for id. Callers must not mutate it.
func (s *MessageStore) Get(id int64) *Message {
	if i, ok := s.index[id]; ok {
		return s.msgs[i]
	}
	return nil
}

// Has reports whether id is loaded.
func (s *MessageStore) Has(id int64) bool {
	_, ok := s.index[id]
	return ok
}

// IndexOf returns the slot of id, or -1.
func (s *MessageStore) IndexOf(id int64) int {
	if i, ok := s.index[id]; ok {
		return i
	}
	return -1
}

// At returns the entry at slot i.
func (s *MessageStore) At(i int) *Message { return s.msgs[i] }

// FindByRequestID returns the ID currently holding a client request ID.
func (s *MessageStore) FindByRequestID(key string) (int64, bool) {
	id, ok := s.byRequest[key]
	return id, ok
}

// Messages returns deep copies of all entries in order.
func (s *MessageStore) Messages() []*Message {
	out := make([]*Message, len(s.msgs))
	for i, m := range s.msgs {
		out[i] = m.Clone()
	}
	return out
}

// HighWatermark returns the newest acknowledged entry.
func (s *MessageStore) HighWatermark() (Cursor, bool) {
	for i := len(s.msgs) - 1; i >= 0; i-- {
		if !s.msgs[i].IsTransient() {
			return cursorOf(s.msgs[i]), true
		}
	}
	return Cursor{}, false
}

// LowWatermark returns the oldest acknowledged entry.
func (s *MessageStore) LowWatermark() (Cursor, bool) {
	for _, m := range s.msgs {
		if !m.IsTransient() {
			return cursorOf(m), true
		}
	}
	return Cursor{}, false
}

// AckedBefore returns the newest acknowledged entry sorting before c.
func (s *MessageStore) AckedBefore(c Cursor) (Cursor, bool) {
	pos := sort.Search(len(s.msgs), func(i int) bool { return !cursorOf(s.msgs[i]).Less(c) })
	for i := pos - 1; i >= 0; i-- {
		if !s.msgs[i].IsTransient() {
			return cursorOf(s.msgs[i]), true
		}
	}
	return Cursor{}, false
}

// IsNewTail reports whether m sorts after every acknowledged entry.
func (s *MessageStore) IsNewTail(m *Message) bool {
	high, ok := s.HighWatermark()
	return !ok || high.Less(cursorOf(m))
}

// Reset replaces the acknowledged contents with msgs. Within the same thread,
// local placeholders survive unless msgs already carries their request ID,
// and acknowledged entries newer than all of msgs survive as well.
func (s *MessageStore) Reset(threadID string, msgs []*Message) {
	var keep []*Message
	if threadID == s.threadID {
		incoming := make(map[string]bool, len(msgs))
		incomingIDs := make(map[int64]bool, len(msgs))
		var newest *Cursor
		for _, m := range msgs {
			if m.ClientRequestID != "" {
				incoming[m.ClientRequestID] = true
			}
			incomingIDs[m.ID] = true
			if c := cursorOf(m); newest == nil || newest.Less(c) {
				newest = &c
			}
		}
		for _, m := range s.msgs {
			if incoming[m.ClientRequestID] && m.ClientRequestID != "" {
				continue
			}
			switch {
			case m.IsTransient():
				keep = append(keep, m)
			case newest != nil && !incomingIDs[m.ID] && newest.Less(cursorOf(m)):
				keep = append(keep, m)
			}
		}
	}

	s.threadID = threadID
	s.msgs = s.msgs[:0]
	seen := make(map[int64]bool, len(msgs))
	for _, m := range msgs {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		s.msgs = append(s.msgs, normalize(m.Clone()))
	}
	s.msgs = append(s.msgs, keep...)
	sort.SliceStable(s.msgs, func(i, j int) bool { return lessMessage(s.msgs[i], s.msgs[j]) })
	s.rebuildIndex()
}

// Append places one message by (Timestamp, ID). An ID that is already loaded
// is merged instead; an acknowledged message whose request ID is held by a
// placeholder replaces that placeholder.
func (s *MessageStore) Append(msg *Message) Change {
	return s.upsert(normalize(msg.Clone()))
}

// InsertDelta merges a fetched page. Entries already loaded (by ID or by
// request ID) are merged in place; the rest are merged into the ordered slice
// in one pass. dir is a hint for the tail fast path only: placement is always
// by (Timestamp, ID).
func (s *MessageStore) InsertDelta(batch []*Message, dir Direction) Change {
	var ch Change
	fresh := make([]*Message, 0, len(batch))
	seen := make(map[int64]bool, len(batch))
	for _, m := range batch {
		if seen[m.ID] {
			continue
		}
		seen[m.ID] = true
		in := normalize(m.Clone())
		if s.Has(in.ID) || s.heldByRequest(in) {
			ch.add(s.upsert(in))
			continue
		}
		fresh = append(fresh, in)
	}
	if len(fresh) == 0 {
		return ch
	}
	sort.Slice(fresh, func(i, j int) bool { return lessMessage(fresh[i], fresh[j]) })

	n := len(s.msgs)
	if dir == Newer && (n == 0 || lessMessage(s.msgs[n-1], fresh[0])) {
		s.msgs = append(s.msgs, fresh...)
		s.reindex(n)
		for _, m := range fresh {
			if m.ClientRequestID != "" {
				s.byRequest[m.ClientRequestID] = m.ID
			}
		}
		ch.add(Change{Appended: len(fresh), FirstAppendedID: fresh[0].ID})
		return ch
	}

	var head, tail *Message
	if n > 0 {
		head, tail = s.msgs[0], s.msgs[n-1]
	}
	var c Change
	for _, m := range fresh {
		switch {
		case head == nil || lessMessage(tail, m):
			if c.Appended == 0 {
				c.FirstAppendedID = m.ID
			}
			c.Appended++
		case lessMessage(m, head):
			c.Prepended++
		default:
			c.Inserted++
		}
	}

	merged := make([]*Message, 0, n+len(fresh))
	i, j := 0, 0
	for i < n && j < len(fresh) {
		if lessMessage(fresh[j], s.msgs[i]) {
			merged = append(merged, fresh[j])
			j++
		} else {
			merged = append(merged, s.msgs[i])
			i++
		}
	}
	merged = append(merged, s.msgs[i:]...)
	merged = append(merged, fresh[j:]...)
	s.msgs = merged
	s.rebuildIndex()
	ch.add(c)
	return ch
}

// Replace swaps the placeholder tempID for the acknowledged server record.
// The entry keeps its slot when the server timestamp still fits there. If the
// server record is already loaded (its realtime echo won the race), the
// placeholder is dropped and the two are merged. If the placeholder is gone,
// the record is appended.
func (s *MessageStore) Replace(tempID int64, server *Message) Change {
	in := normalize(server.Clone())
	idx, ok := s.index[tempID]
	if !ok {
		return s.upsert(in)
	}
	old := s.msgs[idx]
	if in.ClientRequestID == "" {
		in.ClientRequestID = old.ClientRequestID
	}
	if in.Timestamp.IsZero() {
		in.Timestamp = old.Timestamp
	}
	if in.SenderID == "" {
		in.SenderID = old.SenderID
	}
	if in.MyReactions == nil && old.MyReactions != nil {
		in.MyReactions = old.Clone().MyReactions
	}
	if in.AttachmentMeta == nil && old.AttachmentMeta != nil {
		meta := *old.AttachmentMeta
		in.AttachmentMeta = &meta
	}
	if old.Deleted {
		tombstone(in)
	}

	if _, dup := s.index[in.ID]; dup {
		s.removeAt(idx)
		existing := s.index[in.ID]
		cur := s.msgs[existing]
		if s.merge(cur, in) && !s.fits(existing, cur) {
			s.removeAt(existing)
			s.insert(cur)
		}
		if in.ClientRequestID != "" {
			s.byRequest[in.ClientRequestID] = in.ID
		}
		return Change{Replaced: 1}
	}

	if s.fits(idx, in) {
		delete(s.index, tempID)
		if s.byRequest[old.ClientRequestID] == tempID {
			delete(s.byRequest, old.ClientRequestID)
		}
		s.msgs[idx] = in
		s.index[in.ID] = idx
		if in.ClientRequestID != "" {
			s.byRequest[in.ClientRequestID] = in.ID
		}
		return Change{Replaced: 1}
	}
	s.removeAt(idx)
	s.insert(in)
	return Change{Replaced: 1}
}

// MarkStatus moves id along the status machine. Disallowed transitions
// (including delivered back to sent) are ignored.
func (s *MessageStore) MarkStatus(id int64, status Status) bool {
	m := s.Get(id)
	if m == nil || m.Status == status || !canTransition(m.Status, status) {
		return false
	}
	m.Status = status
	return true
}

// ApplyReaction adjusts the per-emoji count of a message. Events from selfID
// are checked against MyReactions so an echo of an optimistic toggle does
// not count twice. Counts never go below zero.
func (s *MessageStore) ApplyReaction(ev ReactionEvent, selfID string) bool {
	m := s.Get(ev.MessageID)
	if m == nil || m.Deleted || ev.Emoji == "" {
		return false
	}
	self := ev.UserID == selfID
	mine := m.MyReactions[ev.Emoji]

	switch ev.Kind {
	case ReactionAdded:
		if self && mine {
			return false
		}
		if m.Reactions == nil {
			m.Reactions = make(map[string]int)
		}
		m.Reactions[ev.Emoji]++
		if self {
			if m.MyReactions == nil {
				m.MyReactions = make(map[string]bool)
			}
			m.MyReactions[ev.Emoji] = true
		}
		return true
	case ReactionRemoved:
		if self && !mine {
			return false
		}
		changed := false
		if n := m.Reactions[ev.Emoji]; n > 0 {
			if n == 1 {
				delete(m.Reactions, ev.Emoji)
			} else {
				m.Reactions[ev.Emoji] = n - 1
			}
			changed = true
		}
		if self {
			delete(m.MyReactions, ev.Emoji)
			changed = true
		}
		return changed
	}
	return false
}

// ApplyDeletion tombstones id in place.
func (s *MessageStore) ApplyDeletion(id int64) bool {
	m := s.Get(id)
	if m == nil || m.Deleted {
		return false
	}
	tombstone(m)
	return true
}

// ApplyReceipt marks every acknowledged message up to lastReadID that userID
// did not send as delivered. It returns the IDs it changed.
func (s *MessageStore) ApplyReceipt(userID string, lastReadID int64) []int64 {
	var changed []int64
	for _, m := range s.msgs {
		if m.ID <= 0 || m.ID > lastReadID || m.SenderID == userID {
			continue
		}
		if m.Status == StatusSent {
			m.Status = StatusDelivered
			changed = append(changed, m.ID)
		}
	}
	return changed
}

// SetUploadProgress records uploaded bytes on an attachment placeholder.
func (s *MessageStore) SetUploadProgress(id int64, sent, total int64) bool {
	m := s.Get(id)
	if m == nil || m.Deleted {
		return false
	}
	if m.AttachmentMeta == nil {
		m.AttachmentMeta = &AttachmentMeta{}
	}
	if m.AttachmentMeta.UploadedBytes == sent && m.AttachmentMeta.Size == total {
		return false
	}
	m.AttachmentMeta.UploadedBytes = sent
	if total > 0 {
		m.AttachmentMeta.Size = total
	}
	return true
}

// ----------------------------------------------------------------------------

func (s *MessageStore) heldByRequest(m *Message) bool {
	if m.ClientRequestID == "" {
		return false
	}
	_, ok := s.byRequest[m.ClientRequestID]
	return ok
}

func (s *MessageStore) upsert(in *Message) Change {
	if idx, ok := s.index[in.ID]; ok {
		cur := s.msgs[idx]
		if !s.merge(cur, in) {
			return Change{}
		}
		if !s.fits(idx, cur) {
			s.removeAt(idx)
			s.insert(cur)
		}
		return Change{Updated: 1}
	}

	if in.ClientRequestID != "" {
		if held, ok := s.byRequest[in.ClientRequestID]; ok {
			if held < 0 && in.ID > 0 {
				return s.Replace(held, in)
			}
			if held > 0 && in.ID > 0 {
				// The server stored this request under another ID already.
				return Change{}
			}
		}
	}

	n := len(s.msgs)
	pos := s.insert(in)
	switch {
	case pos == n:
		return Change{Appended: 1, FirstAppendedID: in.ID}
	case pos == 0:
		return Change{Prepended: 1}
	default:
		return Change{Inserted: 1}
	}
}

// merge folds an incoming record into dst and reports whether dst changed.
func (s *MessageStore) merge(dst, in *Message) bool {
	before := dst.Clone()

	if dst.Deleted {
		if statusRank(in.Status) > statusRank(dst.Status) {
			dst.Status = in.Status
		}
		return !reflect.DeepEqual(before, dst)
	}

	dst.Content = in.Content
	dst.AttachmentURL = in.AttachmentURL
	if in.AttachmentMeta != nil {
		dst.AttachmentMeta = in.AttachmentMeta
	}
	if in.Type != "" {
		dst.Type = in.Type
	}
	if in.SenderID != "" {
		dst.SenderID = in.SenderID
	}
	if in.SenderType != "" {
		dst.SenderType = in.SenderType
	}
	if !in.Timestamp.IsZero() {
		dst.Timestamp = in.Timestamp
	}
	dst.ReplyToMessageID = in.ReplyToMessageID
	dst.SystemEvent = in.SystemEvent
	if in.Reactions != nil {
		dst.Reactions = in.Reactions
	}
	if in.MyReactions != nil {
		dst.MyReactions = in.MyReactions
	}
	if statusRank(in.Status) > statusRank(dst.Status) || (dst.IsTransient() && in.Status != "") {
		dst.Status = in.Status
	}
	if dst.ClientRequestID == "" && in.ClientRequestID != "" {
		dst.ClientRequestID = in.ClientRequestID
		s.byRequest[in.ClientRequestID] = dst.ID
	}
	if in.Deleted {
		tombstone(dst)
	}
	return !reflect.DeepEqual(before, dst)
}

// fits reports whether m can sit at slot idx without breaking the order.
func (s *MessageStore) fits(idx int, m *Message) bool {
	if idx > 0 && !lessMessage(s.msgs[idx-1], m) {
		return false
	}
	if idx < len(s.msgs)-1 && !lessMessage(m, s.msgs[idx+1]) {
		return false
	}
	return true
}

func (s *MessageStore) insert(m *Message) int {
	pos := sort.Search(len(s.msgs), func(i int) bool { return lessMessage(m, s.msgs[i]) })
	s.msgs = append(s.msgs, nil)
	copy(s.msgs[pos+1:], s.msgs[pos:])
	s.msgs[pos] = m
	s.reindex(pos)
	if m.ClientRequestID != "" {
		s.byRequest[m.ClientRequestID] = m.ID
	}
	return pos
}

func (s *MessageStore) removeAt(idx int) {
	m := s.msgs[idx]
	delete(s.index, m.ID)
	if m.ClientRequestID != "" && s.byRequest[m.ClientRequestID] == m.ID {
		delete(s.byRequest, m.ClientRequestID)
	}
	copy(s.msgs[idx:], s.msgs[idx+1:])
	s.msgs[len(s.msgs)-1] = nil
	s.msgs = s.msgs[:len(s.msgs)-1]
	s.reindex(idx)
}

func (s *MessageStore) reindex(from int) {
	for i := from; i < len(s.msgs); i++ {
		s.index[s.msgs[i].ID] = i
	}
}

func (s *MessageStore) rebuildIndex() {
	s.index = make(map[int64]int, len(s.msgs))
	s.byRequest = make(map[string]int64, len(s.msgs))
	for i, m := range s.msgs {
		s.index[m.ID] = i
		if m.ClientRequestID != "" {
			if held, ok := s.byRequest[m.ClientRequestID]; ok && held > 0 {
				continue
			}
			s.byRequest[m.ClientRequestID] = m.ID
		}
	}
}

// normalize fills defaults on a record coming from the server.
func normalize(m *Message) *Message {
	if m.ID > 0 && statusRank(m.Status) == 0 {
		m.Status = StatusSent
	}
	if m.Type == "" {
		m.Type = TypeText
	}
	if m.Deleted {
		tombstone(m)
	}
	return m
}

func tombstone(m *Message) {
	m.Content = ""
	m.AttachmentURL = ""
	m.AttachmentMeta = nil
	m.Reactions = nil
	m.MyReactions = nil
	m.SystemEvent = nil
	m.Deleted = true
}
