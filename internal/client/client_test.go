package client

import (
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/piera23/PieraChat/internal/envelope"
)

func TestNewRequiresCipherAndURL(t *testing.T) {
	cipher, _ := envelope.NewCipher()

	if _, err := New(Options{Cipher: cipher}); err == nil {
		t.Fatal("expected error without server url")
	}
	if _, err := New(Options{ServerURL: "ws://localhost/ws"}); err == nil {
		t.Fatal("expected error without cipher")
	}
	if _, err := New(Options{ServerURL: "ws://localhost/ws", Cipher: cipher}); err != nil {
		t.Fatalf("valid options rejected: %v", err)
	}
}

func TestBackoffDelayDoublesAndCaps(t *testing.T) {
	cases := []struct {
		attempt int
		want    time.Duration
	}{
		{0, time.Second},
		{1, 2 * time.Second},
		{2, 4 * time.Second},
		{4, 16 * time.Second},
		{5, 30 * time.Second},
		{20, 30 * time.Second},
	}
	for _, tc := range cases {
		if got := backoffDelay(tc.attempt); got != tc.want {
			t.Fatalf("attempt %d: expected %s, got %s", tc.attempt, tc.want, got)
		}
	}
}

func TestTypingIndicatorExpires(t *testing.T) {
	cipher, _ := envelope.NewCipher()
	c, err := New(Options{
		ServerURL: "ws://localhost/ws",
		Cipher:    cipher,
		Logger:    zaptest.NewLogger(t),
	})
	if err != nil {
		t.Fatalf("new client: %v", err)
	}

	c.mu.Lock()
	c.typing["Fresh"] = time.Now().Add(typingTTL)
	c.typing["Stale"] = time.Now().Add(-time.Second)
	c.mu.Unlock()

	users := c.TypingUsers()
	if len(users) != 1 || users[0] != "Fresh" {
		t.Fatalf("expected only the fresh indicator, got %v", users)
	}

	// The stale entry is pruned, not just filtered.
	c.mu.Lock()
	_, ok := c.typing["Stale"]
	c.mu.Unlock()
	if ok {
		t.Fatal("expired indicator should be removed")
	}
}

func TestSendWithoutConnection(t *testing.T) {
	cipher, _ := envelope.NewCipher()
	c, _ := New(Options{ServerURL: "ws://localhost/ws", Cipher: cipher})

	if err := c.Send("hello"); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if err := c.Typing(); err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
}

func TestStateString(t *testing.T) {
	for state, want := range map[State]string{
		StateIdle:       "idle",
		StateConnecting: "connecting",
		StateConnected:  "connected",
		StateBackoff:    "backoff",
	} {
		if state.String() != want {
			t.Fatalf("state %d: expected %q, got %q", state, want, state.String())
		}
	}
}
