//go:build integration

package chatsync_test

import (
	"context"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/LuminPulse-AI/chatsync"
)

// helpers ---------------------------------------------------------------

func token(t *testing.T) string {
	t.Helper()
	tok := os.Getenv("CHATSYNC_TOKEN_TEST")
	if tok == "" {
		t.Fatal("CHATSYNC_TOKEN_TEST environment variable is required")
	}
	return tok
}

func testBaseURL() string {
	if v := os.Getenv("CHATSYNC_BASE_URL_TEST"); v != "" {
		return v
	}
	return chatsync.DefaultBaseURL
}

func testThread(t *testing.T) string {
	t.Helper()
	id := os.Getenv("CHATSYNC_THREAD_TEST")
	if id == "" {
		t.Fatal("CHATSYNC_THREAD_TEST environment variable is required")
	}
	return id
}

func newClient(t *testing.T) *chatsync.Client {
	t.Helper()
	return chatsync.NewClient(token(t), chatsync.WithBaseURL(testBaseURL()))
}

func outgoing(content string) chatsync.OutgoingMessage {
	return chatsync.OutgoingMessage{
		ClientRequestID: chatsync.NewClientRequestID(),
		Content:         content,
		Type:            chatsync.TypeText,
	}
}

// =======================================================================
// Group 1: REST API
// =======================================================================

func TestIntegration_Client_MessageLifecycle(t *testing.T) {
	client := newClient(t)
	threadID := testThread(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	content := fmt.Sprintf("go integration %d", time.Now().UnixNano())
	req := outgoing(content)
	sent, err := client.PostMessage(ctx, threadID, req, req.ClientRequestID)
	if err != nil {
		t.Fatalf("PostMessage error: %v", err)
	}
	if sent.ID <= 0 {
		t.Fatalf("expected a server ID, got %d", sent.ID)
	}
	t.Logf("Posted message id=%d", sent.ID)

	// Re-sending the same key must not create a second message.
	again, err := client.PostMessage(ctx, threadID, req, req.ClientRequestID)
	var conflict *chatsync.ConflictError
	switch {
	case errors.As(err, &conflict):
		if conflict.Existing != nil && conflict.Existing.ID != sent.ID {
			t.Fatalf("conflict points at %d, want %d", conflict.Existing.ID, sent.ID)
		}
	case err != nil:
		t.Fatalf("idempotent PostMessage error: %v", err)
	case again.ID != sent.ID:
		t.Fatalf("idempotent PostMessage created %d, want %d", again.ID, sent.ID)
	}

	page, err := client.GetMessages(ctx, threadID, chatsync.PageQuery{Limit: 20})
	if err != nil {
		t.Fatalf("GetMessages error: %v", err)
	}
	found := false
	for _, m := range page {
		if m.ID == sent.ID {
			found = true
		}
	}
	if !found {
		t.Fatalf("message %d not in the newest page", sent.ID)
	}

	got, err := client.GetMessage(ctx, threadID, sent.ID)
	if err != nil {
		t.Fatalf("GetMessage error: %v", err)
	}
	if got.Content != content {
		t.Errorf("content = %q, want %q", got.Content, content)
	}

	if err := client.PostReaction(ctx, threadID, sent.ID, "👍"); err != nil {
		t.Errorf("PostReaction error: %v", err)
	}
	if err := client.DeleteReaction(ctx, threadID, sent.ID, "👍"); err != nil {
		t.Errorf("DeleteReaction error: %v", err)
	}
	if err := client.PostReadReceipt(ctx, threadID, sent.ID); err != nil {
		t.Errorf("PostReadReceipt error: %v", err)
	}

	if err := client.DeleteMessage(ctx, threadID, sent.ID); err != nil {
		t.Fatalf("DeleteMessage error: %v", err)
	}
}

func TestIntegration_Client_Validation(t *testing.T) {
	client := newClient(t)
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	_, err := client.PostMessage(ctx, testThread(t), chatsync.OutgoingMessage{Type: chatsync.TypeText}, "")
	if !chatsync.IsValidation(err) {
		t.Fatalf("expected a validation error, got %v", err)
	}
}

// =======================================================================
// Group 2: Engine over the realtime transport
// =======================================================================

func TestIntegration_Engine_SendAndEcho(t *testing.T) {
	client := newClient(t)
	threadID := testThread(t)
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	ws := chatsync.NewWSTransport(testBaseURL(), &chatsync.RealtimeConfig{Token: token(t), AutoReconnect: true})
	if err := ws.Connect(ctx); err != nil {
		t.Fatalf("Connect error: %v", err)
	}
	defer ws.Disconnect()

	engine := chatsync.New(client, os.Getenv("CHATSYNC_USER_ID_TEST"), chatsync.WithTransport(ws))
	go engine.Run(ctx)
	engine.SwitchThread(threadID)

	wait := func(what string, cond func(s *chatsync.Snapshot) bool) *chatsync.Snapshot {
		t.Helper()
		deadline := time.Now().Add(20 * time.Second)
		for time.Now().Before(deadline) {
			if s := engine.Snapshot(); cond(s) {
				return s
			}
			time.Sleep(50 * time.Millisecond)
		}
		t.Fatalf("timed out waiting for %s", what)
		return nil
	}

	wait("initial page", func(s *chatsync.Snapshot) bool { return s.Initialized })

	content := fmt.Sprintf("engine integration %d", time.Now().UnixNano())
	engine.SendText(content, 0)
	var last *chatsync.Message
	wait("acknowledgement", func(s *chatsync.Snapshot) bool {
		for _, m := range s.Messages {
			if m.Content == content && m.ID > 0 {
				last = m
				return true
			}
		}
		return false
	})
	t.Logf("Acknowledged as id=%d status=%s", last.ID, last.Status)

	engine.DeleteMessage(last.ID)
	wait("deletion", func(s *chatsync.Snapshot) bool {
		for _, m := range s.Messages {
			if m.ID == last.ID {
				return m.Deleted
			}
		}
		return false
	})
}
