package chatsync

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// SignatureHeader carries the HMAC-SHA256 of a webhook body.
const SignatureHeader = "X-Chatsync-Signature"

// ErrPublishUnsupported is returned by WebhookSource.Publish.
var ErrPublishUnsupported = errors.New("webhook source is receive-only")

// ============================================================================
// Standalone Functions
// ============================================================================

// VerifySignature verifies an HMAC-SHA256 webhook signature, with or without
// the "sha256=" prefix. The comparison is constant-time.
func VerifySignature(body, signature, secret string) bool {
	if body == "" || signature == "" || secret == "" {
		return false
	}

	sig := strings.TrimPrefix(signature, "sha256=")
	if sig == "" {
		return false
	}

	expected := Sign(body, secret)[len("sha256="):]
	if len(sig) != len(expected) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(sig), []byte(expected)) == 1
}

// Sign returns the signature header value for body.
func Sign(body, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// ParseWebhookBody decodes a webhook body. It accepts one envelope or a
// JSON array of envelopes.
func ParseWebhookBody(body string) ([]Envelope, error) {
	trimmed := strings.TrimSpace(body)
	if trimmed == "" {
		return nil, fmt.Errorf("empty webhook body")
	}

	var envs []Envelope
	if strings.HasPrefix(trimmed, "[") {
		if err := json.Unmarshal([]byte(trimmed), &envs); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
	} else {
		var env Envelope
		if err := json.Unmarshal([]byte(trimmed), &env); err != nil {
			return nil, fmt.Errorf("invalid JSON in webhook body: %w", err)
		}
		envs = []Envelope{env}
	}

	for i, env := range envs {
		if env.Type == "" {
			return nil, fmt.Errorf("missing type field in envelope %d", i)
		}
		if env.Topic == "" {
			return nil, fmt.Errorf("missing topic field in envelope %d", i)
		}
	}
	return envs, nil
}

// ============================================================================
// WebhookSource
// ============================================================================

// WebhookSource is a receive-only Transport fed by signed HTTP callbacks.
// Mount HTTPHandler on the route the server posts to.
type WebhookSource struct {
	secret     string
	log        *slog.Logger
	dispatcher *topicDispatcher
}

var _ Transport = (*WebhookSource)(nil)

// NewWebhookSource creates a source verifying bodies with secret.
func NewWebhookSource(secret string, log *slog.Logger) (*WebhookSource, error) {
	if secret == "" {
		return nil, fmt.Errorf("webhook secret is required")
	}
	if log == nil {
		log = slog.Default()
	}
	return &WebhookSource{
		secret:     secret,
		log:        log.With("transport", "webhook"),
		dispatcher: newTopicDispatcher(),
	}, nil
}

// Subscribe registers h for topic.
func (w *WebhookSource) Subscribe(topic string, h func(Envelope)) func() {
	return w.dispatcher.subscribe(topic, h)
}

// Publish always fails; webhooks only flow from the server.
func (w *WebhookSource) Publish(context.Context, string, Envelope) error {
	return ErrPublishUnsupported
}

// Verify verifies an HMAC-SHA256 signature.
func (w *WebhookSource) Verify(body, signature string) bool {
	return VerifySignature(body, signature, w.secret)
}

// Handle verifies, parses and dispatches one webhook request. It returns the
// status code and response body for the caller to write.
func (w *WebhookSource) Handle(body, signature string) (int, any) {
	if !w.Verify(body, signature) {
		return http.StatusUnauthorized, map[string]string{"error": "Invalid signature"}
	}

	envs, err := ParseWebhookBody(body)
	if err != nil {
		return http.StatusBadRequest, map[string]string{"error": err.Error()}
	}

	for _, env := range envs {
		w.dispatcher.dispatch(env)
	}
	w.log.Debug("webhook dispatched", "envelopes", len(envs))
	return http.StatusOK, map[string]any{"ok": true, "accepted": len(envs)}
}

// HTTPHandler returns an http.Handler that processes webhook requests.
//
// Example:
//
//	src, _ := chatsync.NewWebhookSource("secret", nil)
//	http.Handle("/chatsync/webhook", src.HTTPHandler())
func (w *WebhookSource) HTTPHandler() http.Handler {
	return http.HandlerFunc(func(rw http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			writeJSON(rw, http.StatusMethodNotAllowed, map[string]string{"error": "Method not allowed"})
			return
		}

		bodyBytes, err := io.ReadAll(r.Body)
		if err != nil {
			writeJSON(rw, http.StatusBadRequest, map[string]string{"error": "Failed to read body"})
			return
		}
		defer r.Body.Close()

		statusCode, data := w.Handle(string(bodyBytes), r.Header.Get(SignatureHeader))
		writeJSON(rw, statusCode, data)
	})
}

func writeJSON(rw http.ResponseWriter, status int, v any) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	json.NewEncoder(rw).Encode(v)
}
