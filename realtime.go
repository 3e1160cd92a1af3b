package chatsync

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// Transport is a pub/sub channel carrying realtime envelopes. Handlers of a
// topic are called one at a time, in arrival order.
type Transport interface {
	Publish(ctx context.Context, topic string, env Envelope) error
	Subscribe(topic string, h func(Envelope)) (unsubscribe func())
}

// StateNotifier is implemented by transports that hold a connection.
type StateNotifier interface {
	OnStateChange(h func(RealtimeState))
}

// ============================================================================
// Configuration
// ============================================================================

// RealtimeConfig configures the WebSocket and SSE transports.
type RealtimeConfig struct {
	Token                string
	AutoReconnect        bool
	MaxReconnectAttempts int
	ReconnectBaseDelay   time.Duration
	ReconnectMaxDelay    time.Duration
	HeartbeatInterval    time.Duration
	HTTPClient           *http.Client
	Logger               *slog.Logger
}

func (c *RealtimeConfig) defaults() {
	if c.ReconnectBaseDelay == 0 {
		c.ReconnectBaseDelay = 1 * time.Second
	}
	if c.ReconnectMaxDelay == 0 {
		c.ReconnectMaxDelay = 30 * time.Second
	}
	if c.MaxReconnectAttempts == 0 {
		c.MaxReconnectAttempts = 10
	}
	if c.HeartbeatInterval == 0 {
		c.HeartbeatInterval = 25 * time.Second
	}
	if c.HTTPClient == nil {
		c.HTTPClient = http.DefaultClient
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// RealtimeState represents the connection state.
type RealtimeState string

const (
	StateDisconnected RealtimeState = "disconnected"
	StateConnecting   RealtimeState = "connecting"
	StateConnected    RealtimeState = "connected"
	StateReconnecting RealtimeState = "reconnecting"
)

// ============================================================================
// Topic Dispatcher
// ============================================================================

type subscription struct {
	id int
	h  func(Envelope)
}

// topicDispatcher fans envelopes out to the handlers of their topic.
type topicDispatcher struct {
	mu      sync.Mutex
	nextID  int
	topics  map[string][]subscription
	deliver sync.Mutex

	stateMu  sync.RWMutex
	onState  []func(RealtimeState)
	onChange func(topic string, added bool)
}

func newTopicDispatcher() *topicDispatcher {
	return &topicDispatcher{topics: make(map[string][]subscription)}
}

// subscribe registers h and reports whether topic had no handlers before.
func (d *topicDispatcher) subscribe(topic string, h func(Envelope)) func() {
	d.mu.Lock()
	d.nextID++
	id := d.nextID
	first := len(d.topics[topic]) == 0
	d.topics[topic] = append(d.topics[topic], subscription{id: id, h: h})
	onChange := d.onChange
	d.mu.Unlock()

	if first && onChange != nil {
		onChange(topic, true)
	}

	var once sync.Once
	return func() {
		once.Do(func() {
			d.mu.Lock()
			subs := d.topics[topic]
			for i, s := range subs {
				if s.id == id {
					subs = append(subs[:i:i], subs[i+1:]...)
					break
				}
			}
			last := len(subs) == 0
			if last {
				delete(d.topics, topic)
			} else {
				d.topics[topic] = subs
			}
			onChange := d.onChange
			d.mu.Unlock()
			if last && onChange != nil {
				onChange(topic, false)
			}
		})
	}
}

func (d *topicDispatcher) subscribed() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	out := make([]string, 0, len(d.topics))
	for t := range d.topics {
		out = append(out, t)
	}
	return out
}

func (d *topicDispatcher) dispatch(env Envelope) {
	d.mu.Lock()
	handlers := append([]subscription(nil), d.topics[env.Topic]...)
	d.mu.Unlock()

	d.deliver.Lock()
	defer d.deliver.Unlock()
	for _, s := range handlers {
		s.h(env)
	}
}

func (d *topicDispatcher) addStateHandler(h func(RealtimeState)) {
	d.stateMu.Lock()
	d.onState = append(d.onState, h)
	d.stateMu.Unlock()
}

func (d *topicDispatcher) emitState(s RealtimeState) {
	d.stateMu.RLock()
	handlers := append([]func(RealtimeState){}, d.onState...)
	d.stateMu.RUnlock()
	for _, h := range handlers {
		go h(s)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

type reconnector struct {
	baseDelay   time.Duration
	maxDelay    time.Duration
	maxAttempts int
	attempt     int
	connectedAt time.Time
}

func newReconnector(config *RealtimeConfig) *reconnector {
	return &reconnector{
		baseDelay:   config.ReconnectBaseDelay,
		maxDelay:    config.ReconnectMaxDelay,
		maxAttempts: config.MaxReconnectAttempts,
	}
}

func (r *reconnector) shouldReconnect() bool {
	return r.maxAttempts < 0 || r.attempt < r.maxAttempts
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(r.baseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(r.baseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(r.maxDelay),
	))
	r.attempt++
	return delay
}

// wait sleeps for the next backoff delay and reports false if ctx ended.
func (r *reconnector) wait(ctx context.Context) bool {
	t := time.NewTimer(r.nextDelay())
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}

func wsURL(baseURL, token string) string {
	u := strings.Replace(baseURL, "https://", "wss://", 1)
	u = strings.Replace(u, "http://", "ws://", 1)
	u += "/ws"
	if token != "" {
		u += "?token=" + url.QueryEscape(token)
	}
	return u
}

// ============================================================================
// WSTransport
// ============================================================================

// wsCommand is a client-to-server frame.
type wsCommand struct {
	Type     string    `json:"type"` // subscribe, unsubscribe, publish
	Topic    string    `json:"topic"`
	Envelope *Envelope `json:"envelope,omitempty"`
}

// WSTransport is a WebSocket Transport with auto-reconnect and heartbeat.
// Topics are subscribed on the server as handlers are added, and again after
// every reconnect.
type WSTransport struct {
	baseURL string
	config  *RealtimeConfig
	log     *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	runCtx           context.Context

	dispatcher *topicDispatcher
	recon      *reconnector
}

var _ Transport = (*WSTransport)(nil)

// NewWSTransport creates a transport for baseURL. Call Connect to dial.
func NewWSTransport(baseURL string, config *RealtimeConfig) *WSTransport {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	ws := &WSTransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger.With("transport", "ws"),
		state:      StateDisconnected,
		dispatcher: newTopicDispatcher(),
		recon:      newReconnector(&cfg),
	}
	ws.dispatcher.onChange = ws.topicChanged
	return ws
}

// OnStateChange registers a handler for connection state changes.
func (ws *WSTransport) OnStateChange(h func(RealtimeState)) { ws.dispatcher.addStateHandler(h) }

// State returns the current connection state.
func (ws *WSTransport) State() RealtimeState {
	ws.mu.Lock()
	defer ws.mu.Unlock()
	return ws.state
}

func (ws *WSTransport) setState(s RealtimeState) {
	ws.mu.Lock()
	changed := ws.state != s
	ws.state = s
	ws.mu.Unlock()
	if changed {
		ws.dispatcher.emitState(s)
	}
}

// Connect dials the server and subscribes every registered topic.
func (ws *WSTransport) Connect(ctx context.Context) error {
	ws.mu.Lock()
	if ws.state == StateConnected || ws.state == StateConnecting {
		ws.mu.Unlock()
		return nil
	}
	ws.state = StateConnecting
	ws.intentionalClose = false
	ws.runCtx = ctx
	ws.mu.Unlock()

	conn, _, err := websocket.Dial(ctx, wsURL(ws.baseURL, ws.config.Token), &websocket.DialOptions{
		HTTPClient: ws.config.HTTPClient,
	})
	if err != nil {
		ws.setState(StateDisconnected)
		return fmt.Errorf("websocket dial: %w", err)
	}

	sent := make(map[string]bool)
	for _, topic := range ws.dispatcher.subscribed() {
		if err := ws.write(ctx, conn, wsCommand{Type: "subscribe", Topic: topic}); err != nil {
			conn.Close(websocket.StatusNormalClosure, "")
			ws.setState(StateDisconnected)
			return fmt.Errorf("subscribe %s: %w", topic, err)
		}
		sent[topic] = true
	}

	connCtx, cancel := context.WithCancel(ctx)
	ws.mu.Lock()
	ws.conn = conn
	ws.cancelFn = cancel
	ws.mu.Unlock()

	ws.reconcileTopics(sent)
	ws.recon.markConnected()
	ws.setState(StateConnected)
	ws.log.Info("connected", "url", ws.baseURL)

	go ws.readLoop(connCtx, conn)
	go ws.heartbeatLoop(connCtx, conn)
	return nil
}

// Disconnect closes the connection without reconnecting.
func (ws *WSTransport) Disconnect() error {
	ws.mu.Lock()
	ws.intentionalClose = true
	if ws.cancelFn != nil {
		ws.cancelFn()
		ws.cancelFn = nil
	}
	conn := ws.conn
	ws.conn = nil
	ws.mu.Unlock()
	ws.setState(StateDisconnected)

	if conn != nil {
		return conn.Close(websocket.StatusNormalClosure, "client disconnect")
	}
	return nil
}

// Subscribe registers h for topic.
func (ws *WSTransport) Subscribe(topic string, h func(Envelope)) func() {
	return ws.dispatcher.subscribe(topic, h)
}

// Publish sends env to topic. It fails with ErrNotConnected while offline.
func (ws *WSTransport) Publish(ctx context.Context, topic string, env Envelope) error {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}
	env.Topic = topic
	return ws.write(ctx, conn, wsCommand{Type: "publish", Topic: topic, Envelope: &env})
}

func (ws *WSTransport) topicChanged(topic string, added bool) {
	ws.mu.Lock()
	conn := ws.conn
	ws.mu.Unlock()
	if conn == nil {
		return
	}
	cmd := wsCommand{Type: "unsubscribe", Topic: topic}
	if added {
		cmd.Type = "subscribe"
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := ws.write(ctx, conn, cmd); err != nil {
			ws.log.Warn("topic command failed", "type", cmd.Type, "topic", topic, "error", err)
		}
	}()
}

// reconcileTopics sends the topic changes made after sent was subscribed but
// before the connection became visible to topicChanged.
func (ws *WSTransport) reconcileTopics(sent map[string]bool) {
	current := make(map[string]bool)
	for _, topic := range ws.dispatcher.subscribed() {
		current[topic] = true
		if !sent[topic] {
			ws.topicChanged(topic, true)
		}
	}
	for topic := range sent {
		if !current[topic] {
			ws.topicChanged(topic, false)
		}
	}
}

func (ws *WSTransport) write(ctx context.Context, conn *websocket.Conn, cmd wsCommand) error {
	data, err := json.Marshal(cmd)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

func (ws *WSTransport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			ws.mu.Lock()
			intentional := ws.intentionalClose
			if ws.conn == conn {
				ws.conn = nil
			}
			runCtx := ws.runCtx
			ws.mu.Unlock()
			if intentional {
				return
			}
			ws.log.Warn("connection lost", "error", err)
			ws.setState(StateDisconnected)

			if ws.config.AutoReconnect {
				ws.reconnect(runCtx)
			}
			return
		}

		var env Envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ws.log.Debug("dropping malformed frame", "error", err)
			continue
		}
		ws.dispatcher.dispatch(env)
	}
}

func (ws *WSTransport) heartbeatLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(ws.config.HeartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil && ctx.Err() == nil {
				ws.log.Warn("heartbeat failed", "error", err)
				conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

func (ws *WSTransport) reconnect(ctx context.Context) {
	for ws.recon.shouldReconnect() {
		ws.setState(StateReconnecting)
		if !ws.recon.wait(ctx) {
			ws.setState(StateDisconnected)
			return
		}
		ws.mu.Lock()
		if ws.intentionalClose {
			ws.mu.Unlock()
			return
		}
		ws.state = StateDisconnected
		ws.mu.Unlock()
		err := ws.Connect(ctx)
		if err == nil {
			return
		}
		ws.log.Warn("reconnect failed", "attempt", ws.recon.attempt, "error", err)
	}
	ws.setState(StateDisconnected)
}

// ============================================================================
// SSETransport
// ============================================================================

// SSETransport receives envelopes from a server-sent event stream and
// publishes over plain HTTP.
type SSETransport struct {
	baseURL string
	config  *RealtimeConfig
	log     *slog.Logger

	mu               sync.Mutex
	state            RealtimeState
	intentionalClose bool
	cancelFn         context.CancelFunc
	runCtx           context.Context
	lastDataTime     time.Time

	dispatcher *topicDispatcher
	recon      *reconnector
}

var _ Transport = (*SSETransport)(nil)

// NewSSETransport creates a transport for baseURL. Call Connect to open the
// stream.
func NewSSETransport(baseURL string, config *RealtimeConfig) *SSETransport {
	var cfg RealtimeConfig
	if config != nil {
		cfg = *config
	}
	cfg.defaults()
	return &SSETransport{
		baseURL:    strings.TrimRight(baseURL, "/"),
		config:     &cfg,
		log:        cfg.Logger.With("transport", "sse"),
		state:      StateDisconnected,
		dispatcher: newTopicDispatcher(),
		recon:      newReconnector(&cfg),
	}
}

// OnStateChange registers a handler for connection state changes.
func (sse *SSETransport) OnStateChange(h func(RealtimeState)) { sse.dispatcher.addStateHandler(h) }

// State returns the current connection state.
func (sse *SSETransport) State() RealtimeState {
	sse.mu.Lock()
	defer sse.mu.Unlock()
	return sse.state
}

func (sse *SSETransport) setState(s RealtimeState) {
	sse.mu.Lock()
	changed := sse.state != s
	sse.state = s
	sse.mu.Unlock()
	if changed {
		sse.dispatcher.emitState(s)
	}
}

// Subscribe registers h for topic. The stream carries every topic the token
// can read; envelopes of other topics are dropped.
func (sse *SSETransport) Subscribe(topic string, h func(Envelope)) func() {
	return sse.dispatcher.subscribe(topic, h)
}

// Publish posts env to the server's publish endpoint.
func (sse *SSETransport) Publish(ctx context.Context, topic string, env Envelope) error {
	env.Topic = topic
	body, err := json.Marshal(env)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sse.baseURL+"/publish", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if sse.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+sse.config.Token)
	}
	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		return &NetworkError{Op: "publish", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode >= 300 {
		return &NetworkError{Op: "publish", Status: resp.StatusCode, Err: fmt.Errorf("HTTP %d", resp.StatusCode)}
	}
	return nil
}

// Connect opens the event stream.
func (sse *SSETransport) Connect(ctx context.Context) error {
	sse.mu.Lock()
	if sse.state == StateConnected || sse.state == StateConnecting {
		sse.mu.Unlock()
		return nil
	}
	sse.state = StateConnecting
	sse.intentionalClose = false
	sse.runCtx = ctx
	sse.mu.Unlock()

	connCtx, cancel := context.WithCancel(ctx)
	u := sse.baseURL + "/sse"
	if sse.config.Token != "" {
		u += "?token=" + url.QueryEscape(sse.config.Token)
	}
	req, err := http.NewRequestWithContext(connCtx, http.MethodGet, u, nil)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := sse.config.HTTPClient.Do(req)
	if err != nil {
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE connect: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		resp.Body.Close()
		cancel()
		sse.setState(StateDisconnected)
		return fmt.Errorf("SSE HTTP %d", resp.StatusCode)
	}

	sse.mu.Lock()
	sse.lastDataTime = time.Now()
	sse.cancelFn = cancel
	sse.mu.Unlock()
	sse.recon.markConnected()
	sse.setState(StateConnected)

	go sse.readLoop(connCtx, resp)
	go sse.heartbeatWatchdog(connCtx, cancel)
	return nil
}

// Disconnect closes the stream without reconnecting.
func (sse *SSETransport) Disconnect() error {
	sse.mu.Lock()
	sse.intentionalClose = true
	if sse.cancelFn != nil {
		sse.cancelFn()
		sse.cancelFn = nil
	}
	sse.mu.Unlock()
	sse.setState(StateDisconnected)
	return nil
}

func (sse *SSETransport) readLoop(ctx context.Context, resp *http.Response) {
	defer resp.Body.Close()

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	var data strings.Builder
	for scanner.Scan() {
		line := scanner.Text()

		sse.mu.Lock()
		sse.lastDataTime = time.Now()
		sse.mu.Unlock()

		switch {
		case strings.HasPrefix(line, ":"):
			// heartbeat comment
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimPrefix(strings.TrimPrefix(line, "data:"), " "))
		case line == "":
			if data.Len() > 0 {
				sse.emit(data.String())
				data.Reset()
			}
		}
	}
	if data.Len() > 0 {
		sse.emit(data.String())
	}

	sse.mu.Lock()
	intentional := sse.intentionalClose
	runCtx := sse.runCtx
	sse.mu.Unlock()
	if intentional {
		return
	}
	sse.log.Warn("stream ended", "error", scanner.Err())
	sse.setState(StateDisconnected)

	if sse.config.AutoReconnect {
		sse.reconnect(runCtx)
	}
}

func (sse *SSETransport) emit(payload string) {
	var env Envelope
	if err := json.Unmarshal([]byte(payload), &env); err != nil {
		sse.log.Debug("dropping malformed event", "error", err)
		return
	}
	sse.dispatcher.dispatch(env)
}

func (sse *SSETransport) heartbeatWatchdog(ctx context.Context, cancel context.CancelFunc) {
	interval := sse.config.HeartbeatInterval
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			sse.mu.Lock()
			stale := time.Since(sse.lastDataTime) > 2*interval
			sse.mu.Unlock()
			if stale {
				sse.log.Warn("stream stalled, closing")
				cancel()
				return
			}
		}
	}
}

func (sse *SSETransport) reconnect(ctx context.Context) {
	for sse.recon.shouldReconnect() {
		sse.setState(StateReconnecting)
		if !sse.recon.wait(ctx) {
			sse.setState(StateDisconnected)
			return
		}
		sse.mu.Lock()
		if sse.intentionalClose {
			sse.mu.Unlock()
			return
		}
		sse.state = StateDisconnected
		sse.mu.Unlock()
		err := sse.Connect(ctx)
		if err == nil {
			return
		}
		sse.log.Warn("reconnect failed", "attempt", sse.recon.attempt, "error", err)
	}
	sse.setState(StateDisconnected)
}
