package relay

import (
	"testing"
	"time"

	"github.com/piera23/PieraChat/internal/config"
)

func testAdmission() *AdmissionController {
	return NewAdmissionController(config.AdmissionConfig{
		MaxAttempts:  10,
		WindowLength: time.Minute,
		WindowTTL:    10 * time.Minute,
	})
}

func TestAdmissionAllowsUpToLimit(t *testing.T) {
	a := testAdmission()
	for i := 0; i < 10; i++ {
		if !a.Allow("10.0.0.1") {
			t.Fatalf("attempt %d should be allowed", i+1)
		}
	}
	if a.Allow("10.0.0.1") {
		t.Fatal("11th attempt within the window should be denied")
	}
}

func TestAdmissionDenialDoesNotCount(t *testing.T) {
	a := testAdmission()
	now := time.Now()
	a.nowFn = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		a.Allow("10.0.0.1")
	}
	for i := 0; i < 5; i++ {
		a.Allow("10.0.0.1")
	}

	// Window rolls over: the reset count must be 1, unaffected by the
	// denied attempts above.
	now = now.Add(61 * time.Second)
	for i := 0; i < 10; i++ {
		if !a.Allow("10.0.0.1") {
			t.Fatalf("attempt %d in fresh window should be allowed", i+1)
		}
	}
}

func TestAdmissionWindowReset(t *testing.T) {
	a := testAdmission()
	now := time.Now()
	a.nowFn = func() time.Time { return now }

	for i := 0; i < 10; i++ {
		a.Allow("10.0.0.1")
	}
	if a.Allow("10.0.0.1") {
		t.Fatal("expected denial at the limit")
	}

	now = now.Add(time.Minute)
	if !a.Allow("10.0.0.1") {
		t.Fatal("expected allowance after the window elapsed")
	}
}

func TestAdmissionSourcesIndependent(t *testing.T) {
	a := testAdmission()
	for i := 0; i < 10; i++ {
		a.Allow("10.0.0.1")
	}
	if !a.Allow("10.0.0.2") {
		t.Fatal("second source should have its own window")
	}
}

func TestAdmissionSweepStale(t *testing.T) {
	a := testAdmission()
	now := time.Now()
	a.nowFn = func() time.Time { return now }

	a.Allow("10.0.0.1")
	a.Allow("10.0.0.2")

	if removed := a.SweepStale(now.Add(5 * time.Minute)); removed != 0 {
		t.Fatalf("nothing should be stale yet, removed %d", removed)
	}
	if removed := a.SweepStale(now.Add(11 * time.Minute)); removed != 2 {
		t.Fatalf("expected 2 stale windows removed, got %d", removed)
	}
	if a.Len() != 0 {
		t.Fatalf("expected empty controller, got %d windows", a.Len())
	}
}
