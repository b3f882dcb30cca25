package circuitbreaker

import (
	"errors"
	"testing"
	"time"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time          { return c.t }
func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

func newTestBreaker(threshold int) (*Breaker, *clock) {
	c := &clock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	b := New(threshold, time.Minute)
	b.now = c.now
	return b, c
}

func TestBreaker_TripsAfterThreshold(t *testing.T) {
	b, _ := newTestBreaker(3)

	for i := 0; i < 2; i++ {
		b.RecordFailure("webhook")
	}
	if !b.Allow("webhook") {
		t.Fatal("circuit should stay closed below threshold")
	}
	b.RecordFailure("webhook")
	if b.State("webhook") != StateOpen {
		t.Fatalf("state = %s, want open", b.State("webhook"))
	}
	if b.Allow("webhook") {
		t.Fatal("open circuit must reject calls")
	}
}

func TestBreaker_HalfOpenAdmitsOneProbe(t *testing.T) {
	b, c := newTestBreaker(1)
	b.RecordFailure("webhook")

	c.advance(59 * time.Second)
	if b.Allow("webhook") {
		t.Fatal("circuit should stay open during cooldown")
	}
	c.advance(time.Second)
	if !b.Allow("webhook") {
		t.Fatal("expected one probe after cooldown")
	}
	if b.Allow("webhook") {
		t.Fatal("only one probe may run while half-open")
	}
}

func TestBreaker_ProbeOutcome(t *testing.T) {
	b, c := newTestBreaker(1)
	b.RecordFailure("a")
	b.RecordFailure("b")
	c.advance(time.Minute)
	b.Allow("a")
	b.Allow("b")

	b.RecordSuccess("a")
	b.RecordFailure("b")

	if b.State("a") != StateClosed {
		t.Errorf("successful probe: state = %s, want closed", b.State("a"))
	}
	if b.State("b") != StateOpen {
		t.Errorf("failed probe: state = %s, want open", b.State("b"))
	}
}

func TestBreaker_SuccessResetsFailures(t *testing.T) {
	b, _ := newTestBreaker(2)
	b.RecordFailure("k")
	b.RecordSuccess("k")
	b.RecordFailure("k")
	if b.State("k") != StateClosed {
		t.Fatal("failures must be consecutive to trip")
	}
}

func TestBreaker_Execute(t *testing.T) {
	b, _ := newTestBreaker(1)
	boom := errors.New("boom")

	if err := b.Execute("k", func() error { return boom }); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	called := false
	err := b.Execute("k", func() error { called = true; return nil })
	if !errors.Is(err, ErrOpen) || called {
		t.Fatalf("open circuit: err=%v called=%v", err, called)
	}
	if err := b.Execute("other", func() error { return nil }); err != nil {
		t.Fatalf("keys must be independent: %v", err)
	}
}

func TestState_String(t *testing.T) {
	cases := map[State]string{StateClosed: "closed", StateOpen: "open", StateHalfOpen: "half_open", State(9): "unknown"}
	for s, want := range cases {
		if s.String() != want {
			t.Errorf("%d.String() = %q, want %q", s, s.String(), want)
		}
	}
}
