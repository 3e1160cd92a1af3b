// Package chatsync keeps a local copy of one chat thread consistent with the
// server while messages, reactions and receipts change on both ends.
//
// The Engine owns the thread state and applies every mutation on a single
// loop. History comes from a FetchAPI (Client talks to the HTTP API),
// realtime events from a Transport (WebSocket, SSE or webhook), and sends go
// through an optimistic queue that survives going offline.
//
// Example:
//
//	api := chatsync.NewClient(token, chatsync.WithBaseURL("https://chat.example.com"))
//	ws := chatsync.NewWSTransport(api.BaseURL(), &chatsync.RealtimeConfig{Token: token, AutoReconnect: true})
//	eng := chatsync.New(api, "user-1", chatsync.WithTransport(ws))
//	go eng.Run(ctx)
//	eng.SwitchThread("thread-42")
//	eng.SendText("hello", 0)
package chatsync

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
)

const (
	DefaultBaseURL = "http://localhost:3000"
	DefaultTimeout = 30 * time.Second
)

// FetchAPI is the request/response surface of the chat backend.
type FetchAPI interface {
	GetMessages(ctx context.Context, threadID string, q PageQuery) ([]*Message, error)
	GetMessage(ctx context.Context, threadID string, messageID int64) (*Message, error)
	PostMessage(ctx context.Context, threadID string, msg OutgoingMessage, idempotencyKey string) (*Message, error)
	DeleteMessage(ctx context.Context, threadID string, messageID int64) error
	InitAttachment(ctx context.Context, threadID string, req InitAttachmentRequest) (*AttachmentTicket, error)
	UploadAttachment(ctx context.Context, target UploadTarget, body io.Reader, size int64, onProgress func(sent, total int64)) (*UploadedFile, error)
	FinalizeAttachment(ctx context.Context, threadID string, messageID int64, req FinalizeAttachmentRequest) (*Message, error)
	PostReaction(ctx context.Context, threadID string, messageID int64, emoji string) error
	DeleteReaction(ctx context.Context, threadID string, messageID int64, emoji string) error
	PostReadReceipt(ctx context.Context, threadID string, lastReadID int64) error
}

// ============================================================================
// Client
// ============================================================================

// Client is the HTTP implementation of FetchAPI.
type Client struct {
	token      string
	baseURL    string
	httpClient *http.Client
	validate   *validator.Validate
}

var _ FetchAPI = (*Client)(nil)

type ClientOption func(*Client)

func WithBaseURL(url string) ClientOption {
	return func(c *Client) { c.baseURL = strings.TrimRight(url, "/") }
}

func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) { c.httpClient.Timeout = timeout }
}

func WithHTTPClient(client *http.Client) ClientOption {
	return func(c *Client) { c.httpClient = client }
}

// NewClient creates a chat API client authenticating with token.
func NewClient(token string, opts ...ClientOption) *Client {
	c := &Client{
		token:   token,
		baseURL: DefaultBaseURL,
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// SetToken replaces the bearer token.
func (c *Client) SetToken(token string) { c.token = token }

// BaseURL returns the API root.
func (c *Client) BaseURL() string { return c.baseURL }

// ============================================================================
// Internal request helper
// ============================================================================

type request struct {
	op      string
	method  string
	path    string
	query   url.Values
	body    any
	headers map[string]string
	key     string
}

// do sends r and decodes the envelope's data into out. Failures come back as
// NetworkError, ConflictError or ValidationError.
func (c *Client) do(ctx context.Context, r request, out any) error {
	u := c.baseURL + r.path
	if len(r.query) > 0 {
		u += "?" + r.query.Encode()
	}

	var bodyReader io.Reader
	if r.body != nil {
		b, err := json.Marshal(r.body)
		if err != nil {
			return fmt.Errorf("%s: failed to marshal request: %w", r.op, err)
		}
		bodyReader = bytes.NewReader(b)
	}

	req, err := http.NewRequestWithContext(ctx, r.method, u, bodyReader)
	if err != nil {
		return fmt.Errorf("%s: failed to create request: %w", r.op, err)
	}
	if r.body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	if r.key != "" {
		req.Header.Set("Idempotency-Key", r.key)
	}
	for k, v := range r.headers {
		req.Header.Set(k, v)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &NetworkError{Op: r.op, Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return &NetworkError{Op: r.op, Status: resp.StatusCode, Err: err}
	}

	var env apiResult
	decodeErr := json.Unmarshal(data, &env)
	if len(data) == 0 {
		decodeErr = nil
		env.OK = resp.StatusCode < 300
	}

	switch {
	case resp.StatusCode == http.StatusConflict:
		ce := &ConflictError{Key: r.key}
		if decodeErr == nil && len(env.Data) > 0 {
			ce.Data = env.Data
			var m Message
			if json.Unmarshal(env.Data, &m) == nil && m.ID > 0 {
				ce.Existing = &m
			}
		}
		return ce
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return &NetworkError{Op: r.op, Status: resp.StatusCode, Err: errors.New(errorText(&env, data))}
	case resp.StatusCode >= 400:
		return &ValidationError{Op: r.op, Message: errorText(&env, data), Status: resp.StatusCode}
	}

	if decodeErr != nil {
		return &ValidationError{Op: r.op, Message: "failed to unmarshal response: " + decodeErr.Error(), Status: resp.StatusCode}
	}
	if !env.OK {
		return &ValidationError{Op: r.op, Message: errorText(&env, data), Status: resp.StatusCode}
	}
	if out != nil {
		if err := env.Decode(out); err != nil {
			return &ValidationError{Op: r.op, Message: "failed to decode data: " + err.Error(), Status: resp.StatusCode}
		}
	}
	return nil
}

func errorText(env *apiResult, raw []byte) string {
	if env.Error != nil {
		return env.Error.Error()
	}
	if s := strings.TrimSpace(string(raw)); s != "" {
		return s
	}
	return "request failed"
}

// check validates v with the struct tags and reports the first failure.
func (c *Client) check(op string, v any) error {
	err := c.validate.Struct(v)
	if err == nil {
		return nil
	}
	var fields validator.ValidationErrors
	if errors.As(err, &fields) && len(fields) > 0 {
		f := fields[0]
		return &ValidationError{Op: op, Field: f.Field(), Message: "failed on " + f.Tag()}
	}
	return &ValidationError{Op: op, Message: err.Error()}
}

func threadPath(threadID string, rest ...string) string {
	p := "/api/threads/" + url.PathEscape(threadID)
	for _, r := range rest {
		p += "/" + r
	}
	return p
}

func idSegment(id int64) string { return strconv.FormatInt(id, 10) }

// ============================================================================
// Messages
// ============================================================================

// GetMessages returns one page of a thread, oldest first.
func (c *Client) GetMessages(ctx context.Context, threadID string, q PageQuery) ([]*Message, error) {
	query := url.Values{}
	if q.BeforeID > 0 {
		query.Set("before", idSegment(q.BeforeID))
	}
	if q.AfterID > 0 {
		query.Set("after", idSegment(q.AfterID))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	var page []*Message
	err := c.do(ctx, request{op: "get messages", method: http.MethodGet, path: threadPath(threadID, "messages"), query: query}, &page)
	if err != nil {
		return nil, err
	}
	return page, nil
}

// GetMessage returns one message by ID.
func (c *Client) GetMessage(ctx context.Context, threadID string, messageID int64) (*Message, error) {
	var m Message
	err := c.do(ctx, request{op: "get message", method: http.MethodGet, path: threadPath(threadID, "messages", idSegment(messageID))}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// PostMessage sends msg. idempotencyKey is normally msg.ClientRequestID; a
// repeated key yields a ConflictError carrying the original record.
func (c *Client) PostMessage(ctx context.Context, threadID string, msg OutgoingMessage, idempotencyKey string) (*Message, error) {
	if err := c.check("post message", msg); err != nil {
		return nil, err
	}
	var m Message
	err := c.do(ctx, request{
		op: "post message", method: http.MethodPost, path: threadPath(threadID, "messages"),
		body: msg, key: idempotencyKey,
	}, &m)
	if err != nil {
		return nil, err
	}
	return &m, nil
}

// DeleteMessage tombstones a message on the server.
func (c *Client) DeleteMessage(ctx context.Context, threadID string, messageID int64) error {
	return c.do(ctx, request{op: "delete message", method: http.MethodDelete, path: threadPath(threadID, "messages", idSegment(messageID))}, nil)
}

// ============================================================================
// Attachments
// ============================================================================

// InitAttachment creates the server placeholder and returns where to upload.
// When the key was already used and the server echoes the existing ticket,
// that ticket comes back alongside the ConflictError.
func (c *Client) InitAttachment(ctx context.Context, threadID string, req InitAttachmentRequest) (*AttachmentTicket, error) {
	if err := c.check("init attachment", req); err != nil {
		return nil, err
	}
	var t AttachmentTicket
	err := c.do(ctx, request{
		op: "init attachment", method: http.MethodPost, path: threadPath(threadID, "attachments"),
		body: req, key: req.ClientRequestID,
	}, &t)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) && len(ce.Data) > 0 {
			var existing AttachmentTicket
			if json.Unmarshal(ce.Data, &existing) == nil && existing.MessageID > 0 && existing.Target.URL != "" {
				return &existing, err
			}
		}
		return nil, err
	}
	if t.Target.URL == "" {
		return nil, &ValidationError{Op: "init attachment", Field: "target", Message: "missing upload url"}
	}
	return &t, nil
}

// UploadAttachment sends the file bytes to target, reporting progress as the
// body is read.
func (c *Client) UploadAttachment(ctx context.Context, target UploadTarget, body io.Reader, size int64, onProgress func(sent, total int64)) (*UploadedFile, error) {
	const op = "upload attachment"
	u := target.URL
	external := strings.HasPrefix(u, "http://") || strings.HasPrefix(u, "https://")
	if !external {
		u = c.baseURL + u
	}
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}

	req, err := http.NewRequestWithContext(ctx, method, u, &progressReader{r: body, total: size, onProgress: onProgress})
	if err != nil {
		return nil, fmt.Errorf("%s: failed to create request: %w", op, err)
	}
	req.ContentLength = size
	for k, v := range target.Headers {
		req.Header.Set(k, v)
	}
	if !external && c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()
	data, _ := io.ReadAll(resp.Body)

	switch {
	case resp.StatusCode >= 500, resp.StatusCode == http.StatusRequestTimeout, resp.StatusCode == http.StatusTooManyRequests:
		return nil, &NetworkError{Op: op, Status: resp.StatusCode, Err: fmt.Errorf("upload failed: %s", strings.TrimSpace(string(data)))}
	case resp.StatusCode >= 300:
		return nil, &ValidationError{Op: op, Status: resp.StatusCode, Message: fmt.Sprintf("upload failed (%d): %s", resp.StatusCode, strings.TrimSpace(string(data)))}
	}

	ref := &UploadedFile{URL: target.PublicURL}
	var env apiResult
	if len(data) > 0 && json.Unmarshal(data, &env) == nil && env.OK {
		var uploaded UploadedFile
		if env.Decode(&uploaded) == nil && uploaded.URL != "" {
			ref.URL = uploaded.URL
		}
	}
	if ref.URL == "" {
		ref.URL = target.URL
	}
	return ref, nil
}

// FinalizeAttachment attaches the uploaded reference to the placeholder. The
// request is idempotent per message.
func (c *Client) FinalizeAttachment(ctx context.Context, threadID string, messageID int64, req FinalizeAttachmentRequest) (*Message, error) {
	var m Message
	err := c.do(ctx, request{
		op: "finalize attachment", method: http.MethodPost,
		path: threadPath(threadID, "messages", idSegment(messageID), "attachment"),
		body: req, key: "finalize-" + idSegment(messageID),
	}, &m)
	if err != nil {
		var ce *ConflictError
		if errors.As(err, &ce) && ce.Existing != nil {
			return ce.Existing, err
		}
		return nil, err
	}
	return &m, nil
}

// progressReader reports the bytes consumed from r.
type progressReader struct {
	r          io.Reader
	sent       int64
	total      int64
	onProgress func(sent, total int64)
}

func (p *progressReader) Read(b []byte) (int, error) {
	n, err := p.r.Read(b)
	if n > 0 {
		p.sent += int64(n)
		if p.onProgress != nil {
			p.onProgress(p.sent, p.total)
		}
	}
	return n, err
}

// ============================================================================
// Reactions and receipts
// ============================================================================

// PostReaction adds the caller's emoji on a message.
func (c *Client) PostReaction(ctx context.Context, threadID string, messageID int64, emoji string) error {
	return c.do(ctx, request{
		op: "post reaction", method: http.MethodPost,
		path: threadPath(threadID, "messages", idSegment(messageID), "reactions"),
		body: map[string]string{"emoji": emoji},
	}, nil)
}

// DeleteReaction removes the caller's emoji from a message.
func (c *Client) DeleteReaction(ctx context.Context, threadID string, messageID int64, emoji string) error {
	return c.do(ctx, request{
		op: "delete reaction", method: http.MethodDelete,
		path: threadPath(threadID, "messages", idSegment(messageID), "reactions", url.PathEscape(emoji)),
	}, nil)
}

// PostReadReceipt records the newest message the caller has seen.
func (c *Client) PostReadReceipt(ctx context.Context, threadID string, lastReadID int64) error {
	return c.do(ctx, request{
		op: "post read receipt", method: http.MethodPost, path: threadPath(threadID, "read"),
		body: map[string]int64{"lastReadId": lastReadID},
	}, nil)
}
