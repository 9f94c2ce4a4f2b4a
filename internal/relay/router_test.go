package relay

import (
	"testing"

	"go.uber.org/zap/zaptest"
)

func joinedSession(t *testing.T, reg *Registry, id, name string) *session {
	t.Helper()
	s := testSession(id)
	reg.Insert(s)
	if err := reg.Join(id, name, ""); err != nil {
		t.Fatalf("join %s: %v", name, err)
	}
	return s
}

func TestRouteBroadcastExcludesSender(t *testing.T) {
	reg := NewRegistry()
	ana := joinedSession(t, reg, "c1", "Ana")
	bob := joinedSession(t, reg, "c2", "Bob")
	router := NewRouter(zaptest.NewLogger(t), reg, nil)

	report := router.Route([]byte("payload"), Broadcast(), ana.id)
	if report.Requested != 1 || report.Delivered != 1 || report.Failed != 0 {
		t.Fatalf("unexpected report: %+v", report)
	}

	select {
	case got := <-bob.sendCh:
		if string(got) != "payload" {
			t.Fatalf("unexpected payload %q", got)
		}
	default:
		t.Fatal("bob should have received the payload")
	}
	select {
	case <-ana.sendCh:
		t.Fatal("sender must not receive its own broadcast")
	default:
	}
}

func TestRouteToNamedRecipients(t *testing.T) {
	reg := NewRegistry()
	ana := joinedSession(t, reg, "c1", "Ana")
	bob := joinedSession(t, reg, "c2", "Bob")
	cleo := joinedSession(t, reg, "c3", "Cleo")
	router := NewRouter(zaptest.NewLogger(t), reg, nil)

	report := router.Route([]byte("secret"), To([]string{"Cleo"}), ana.id)
	if report.Delivered != 1 {
		t.Fatalf("expected 1 delivery, got %+v", report)
	}

	select {
	case <-cleo.sendCh:
	default:
		t.Fatal("cleo should have received the payload")
	}
	select {
	case <-bob.sendCh:
		t.Fatal("bob was not addressed")
	default:
	}
}

func TestRouteSkipsAnonymousSessions(t *testing.T) {
	reg := NewRegistry()
	ana := joinedSession(t, reg, "c1", "Ana")
	anon := testSession("c2")
	reg.Insert(anon)
	router := NewRouter(zaptest.NewLogger(t), reg, nil)

	report := router.Route([]byte("hello"), Broadcast(), ana.id)
	if report.Requested != 0 {
		t.Fatalf("anonymous sessions must not be broadcast targets: %+v", report)
	}
}

func TestRouteBackpressureCancelsSlowConsumer(t *testing.T) {
	reg := NewRegistry()
	ana := joinedSession(t, reg, "c1", "Ana")
	slow := joinedSession(t, reg, "c2", "Slow")
	router := NewRouter(zaptest.NewLogger(t), reg, nil)

	for i := 0; i < sendBufferSize; i++ {
		if err := slow.send([]byte("fill")); err != nil {
			t.Fatalf("prefill %d: %v", i, err)
		}
	}

	report := router.Route([]byte("overflow"), Broadcast(), ana.id)
	if report.Failed != 1 {
		t.Fatalf("expected 1 failed delivery, got %+v", report)
	}

	select {
	case <-slow.ctx.Done():
	default:
		t.Fatal("slow consumer should have been cancelled")
	}
}
