package chatsync

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError is the error body returned by the chat API.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the generic API response envelope.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided value.
func (r *apiResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Messages
// ============================================================================

// Status is the delivery state of a message.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusFailed    Status = "failed"
	StatusDelivered Status = "delivered"
)

// statusTransitions lists the allowed forward moves of the status machine.
// Anything not listed is rejected by MarkStatus.
var statusTransitions = map[Status][]Status{
	StatusQueued:  {StatusSending, StatusFailed},
	StatusSending: {StatusSent, StatusFailed, StatusQueued},
	StatusSent:    {StatusDelivered},
	StatusFailed:  {StatusSending, StatusQueued},
}

func canTransition(from, to Status) bool {
	for _, s := range statusTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// statusRank orders the acknowledged states so merges never regress.
func statusRank(s Status) int {
	switch s {
	case StatusSent:
		return 1
	case StatusDelivered:
		return 2
	default:
		return 0
	}
}

// MessageType classifies message content.
type MessageType string

const (
	TypeText       MessageType = "text"
	TypeAttachment MessageType = "attachment"
	TypeSystem     MessageType = "system"
)

// AttachmentMeta describes an uploaded (or uploading) file.
type AttachmentMeta struct {
	FileName      string `json:"fileName"`
	MimeType      string `json:"mimeType"`
	Size          int64  `json:"size"`
	Width         int    `json:"width,omitempty"`
	Height        int    `json:"height,omitempty"`
	UploadedBytes int64  `json:"uploadedBytes,omitempty"`
}

// SystemEvent is the structured body of a system message, e.g. a completed
// payment. Consumers switch on Kind instead of reading Content.
type SystemEvent struct {
	Kind      string `json:"kind"`
	Reference string `json:"reference,omitempty"`
	Amount    int64  `json:"amount,omitempty"`
	Currency  string `json:"currency,omitempty"`
}

// Well-known system event kinds.
const (
	SystemPaymentCompleted = "payment.completed"
	SystemBookingConfirmed = "booking.confirmed"
	SystemQuoteSent        = "quote.sent"
)

// Message is one entry of a thread. A negative ID marks a transient local
// placeholder that has not been acknowledged by the server yet.
type Message struct {
	ID               int64           `json:"id"`
	ClientRequestID  string          `json:"clientRequestId,omitempty"`
	ThreadID         string          `json:"threadId"`
	SenderID         string          `json:"senderId"`
	SenderType       string          `json:"senderType,omitempty"`
	Content          string          `json:"content"`
	AttachmentURL    string          `json:"attachmentUrl,omitempty"`
	AttachmentMeta   *AttachmentMeta `json:"attachmentMeta,omitempty"`
	Type             MessageType     `json:"messageType"`
	Timestamp        time.Time       `json:"timestamp"`
	Status           Status          `json:"status,omitempty"`
	ReplyToMessageID int64           `json:"replyToMessageId,omitempty"`
	Reactions        map[string]int  `json:"reactions,omitempty"`
	MyReactions      map[string]bool `json:"myReactions,omitempty"`
	Deleted          bool            `json:"deleted,omitempty"`
	SystemEvent      *SystemEvent    `json:"systemEvent,omitempty"`
}

// IsTransient reports whether m is a local placeholder.
func (m *Message) IsTransient() bool { return m.ID < 0 }

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	if m == nil {
		return nil
	}
	c := *m
	if m.AttachmentMeta != nil {
		meta := *m.AttachmentMeta
		c.AttachmentMeta = &meta
	}
	if m.SystemEvent != nil {
		ev := *m.SystemEvent
		c.SystemEvent = &ev
	}
	if m.Reactions != nil {
		c.Reactions = make(map[string]int, len(m.Reactions))
		for k, v := range m.Reactions {
			c.Reactions[k] = v
		}
	}
	if m.MyReactions != nil {
		c.MyReactions = make(map[string]bool, len(m.MyReactions))
		for k, v := range m.MyReactions {
			c.MyReactions[k] = v
		}
	}
	return &c
}

// Cursor is a position in a thread, compared by (Timestamp, ID).
type Cursor struct {
	Timestamp time.Time `json:"timestamp"`
	ID        int64     `json:"id"`
}

// Less reports whether c sorts before o.
func (c Cursor) Less(o Cursor) bool {
	if !c.Timestamp.Equal(o.Timestamp) {
		return c.Timestamp.Before(o.Timestamp)
	}
	return c.ID < o.ID
}

func cursorOf(m *Message) Cursor { return Cursor{Timestamp: m.Timestamp, ID: m.ID} }

func lessMessage(a, b *Message) bool { return cursorOf(a).Less(cursorOf(b)) }

// ============================================================================
// Realtime events
// ============================================================================

// EventType names a realtime event carried in an Envelope.
type EventType string

const (
	EventMessage  EventType = "message"
	EventReaction EventType = "reaction"
	EventReceipt  EventType = "receipt"
	EventTyping   EventType = "typing"
	EventDeletion EventType = "deletion"
	EventPresence EventType = "presence"
)

// Envelope is the wire format for every realtime event. Seq is optional; when
// the transport sets it, it is monotonic per topic.
type Envelope struct {
	Type    EventType       `json:"type"`
	Topic   string          `json:"topic,omitempty"`
	Seq     int64           `json:"seq,omitempty"`
	Payload json.RawMessage `json:"payload"`
}

// NewEnvelope marshals payload into an Envelope of the given type.
func NewEnvelope(t EventType, topic string, payload any) (Envelope, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, err
	}
	return Envelope{Type: t, Topic: topic, Payload: data}, nil
}

// ThreadTopic returns the realtime topic of a thread.
func ThreadTopic(threadID string) string { return "thread:" + threadID }

// PresenceTopic carries presence for every user the viewer can see.
const PresenceTopic = "presence"

// ReactionKind is the direction of a reaction event.
type ReactionKind string

const (
	ReactionAdded   ReactionKind = "added"
	ReactionRemoved ReactionKind = "removed"
)

func (k ReactionKind) inverse() ReactionKind {
	if k == ReactionAdded {
		return ReactionRemoved
	}
	return ReactionAdded
}

// ReactionEvent adds or removes one user's emoji on a message.
type ReactionEvent struct {
	ThreadID      string       `json:"threadId,omitempty"`
	MessageID     int64        `json:"messageId"`
	Emoji         string       `json:"emoji"`
	UserID        string       `json:"userId"`
	Kind          ReactionKind `json:"kind"`
	ServerEventID string       `json:"serverEventId,omitempty"`
}

// ReceiptKind distinguishes delivery from read receipts.
type ReceiptKind string

const (
	ReceiptDelivered ReceiptKind = "delivered"
	ReceiptRead      ReceiptKind = "read"
)

// ReceiptEvent reports the newest message a participant has received or read.
type ReceiptEvent struct {
	ThreadID   string      `json:"threadId"`
	UserID     string      `json:"userId"`
	LastReadID int64       `json:"lastReadId"`
	Kind       ReceiptKind `json:"kind"`
}

// TypingEvent reports a participant starting or stopping typing.
type TypingEvent struct {
	ThreadID string `json:"threadId"`
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
}

// DeletionEvent tombstones a message.
type DeletionEvent struct {
	ThreadID  string `json:"threadId"`
	MessageID int64  `json:"messageId"`
}

// PresenceEvent reports a user's online status at a point in time.
type PresenceEvent struct {
	UserID string    `json:"userId"`
	Status string    `json:"status"`
	At     time.Time `json:"at"`
}

// ============================================================================
// Outgoing requests
// ============================================================================

// OutgoingMessage is the body of a send request.
type OutgoingMessage struct {
	ClientRequestID  string      `json:"clientRequestId" validate:"required,uuid4"`
	Content          string      `json:"content" validate:"required_without=AttachmentURL,max=4000"`
	Type             MessageType `json:"messageType" validate:"required,oneof=text attachment"`
	AttachmentURL    string      `json:"attachmentUrl,omitempty" validate:"omitempty,url"`
	ReplyToMessageID int64       `json:"replyToMessageId,omitempty" validate:"gte=0"`
}

// PageQuery selects a page of a thread. BeforeID and AfterID are exclusive
// bounds; zero means unbounded.
type PageQuery struct {
	BeforeID int64
	AfterID  int64
	Limit    int
}

// UploadTarget is where the bytes of an attachment go.
type UploadTarget struct {
	URL       string            `json:"url"`
	Method    string            `json:"method,omitempty"`
	Headers   map[string]string `json:"headers,omitempty"`
	PublicURL string            `json:"publicUrl,omitempty"`
}

// InitAttachmentRequest opens an attachment upload.
type InitAttachmentRequest struct {
	ClientRequestID string `json:"clientRequestId" validate:"required,uuid4"`
	FileName        string `json:"fileName" validate:"required,max=255"`
	MimeType        string `json:"mimeType" validate:"required"`
	Size            int64  `json:"size" validate:"gt=0,lte=52428800"`
	Caption         string `json:"caption,omitempty" validate:"max=4000"`
}

// AttachmentTicket is the server placeholder created by InitAttachment.
type AttachmentTicket struct {
	MessageID int64        `json:"messageId"`
	Target    UploadTarget `json:"target"`
}

// UploadedFile is the reference returned once the bytes are stored.
type UploadedFile struct {
	URL string `json:"url"`
}

// FinalizeAttachmentRequest attaches the uploaded reference to the placeholder.
type FinalizeAttachmentRequest struct {
	URL  string         `json:"url"`
	Meta AttachmentMeta `json:"meta"`
}
