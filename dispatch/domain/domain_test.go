package domain

import (
	"errors"
	"fmt"
	"testing"
	"time"
)

func TestCanTransition(t *testing.T) {
	allowed := map[[2]State]bool{
		{StatePending, StateInProgress}:   true,
		{StatePending, StateExpired}:      true,
		{StateInProgress, StateSucceeded}: true,
		{StateInProgress, StateFailed}:    true,
		{StateInProgress, StatePending}:   true,
	}
	for _, from := range States {
		for _, to := range States {
			want := allowed[[2]State{from, to}]
			if got := CanTransition(from, to); got != want {
				t.Fatalf("%s -> %s: expected %v, got %v", from, to, want, got)
			}
		}
	}
	for _, st := range []State{StateSucceeded, StateFailed, StateExpired} {
		if !st.Terminal() {
			t.Fatalf("expected %s to be terminal", st)
		}
	}
	if State("paused").Valid() {
		t.Fatalf("unexpected valid state")
	}
}

func TestCallErrorClassification(t *testing.T) {
	base := errors.New("upstream 503")

	tr := fmt.Errorf("call: %w", Transient(base))
	if IsPermanent(tr) || !errors.Is(tr, ErrTransientCall) || !errors.Is(tr, base) {
		t.Fatalf("transient error misclassified: %v", tr)
	}

	perm := Permanent(base)
	if !IsPermanent(perm) || !errors.Is(perm, ErrPermanentCall) || errors.Is(perm, ErrTransientCall) {
		t.Fatalf("permanent error misclassified: %v", perm)
	}
	if perm.Error() != "permanent: upstream 503" {
		t.Fatalf("unexpected message %q", perm.Error())
	}

	if IsPermanent(base) {
		t.Fatalf("unclassified errors must count as transient")
	}
}

func TestLimits(t *testing.T) {
	if err := (Limits{Minute: 10, Day: 0}).Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if err := (Limits{Hour: -1}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig, got %v", err)
	}
	if err := (Limits{"week": 1}).Validate(); !errors.Is(err, ErrInvalidConfig) {
		t.Fatalf("expected ErrInvalidConfig for unknown granularity, got %v", err)
	}

	if !(Limits{Minute: 10, Day: 0}).Disabled() {
		t.Fatalf("a zero limit must disable the service")
	}
	if (Limits{Minute: 10}).Disabled() || (Limits(nil)).Disabled() {
		t.Fatalf("unexpected disabled")
	}
	if _, ok := (Limits{Minute: 10}).Limit(Hour); ok {
		t.Fatalf("unconfigured granularity must be unlimited")
	}
}

func TestWindowStartAlignsToUTC(t *testing.T) {
	sp := time.FixedZone("BRT", -3*3600)
	at := time.Date(2026, 7, 14, 22, 47, 31, 500, sp) // 2026-07-15T01:47:31Z

	cases := map[Granularity]time.Time{
		Minute: time.Date(2026, 7, 15, 1, 47, 0, 0, time.UTC),
		Hour:   time.Date(2026, 7, 15, 1, 0, 0, 0, time.UTC),
		Day:    time.Date(2026, 7, 15, 0, 0, 0, 0, time.UTC),
	}
	for g, want := range cases {
		if got := g.WindowStart(at); !got.Equal(want) {
			t.Fatalf("%s: expected %s, got %s", g, want, got)
		}
	}
}

func TestParseTaskID(t *testing.T) {
	id, err := ParseTaskID("42")
	if err != nil || id != 42 || id.String() != "42" {
		t.Fatalf("unexpected parse result %v %v", id, err)
	}
	for _, bad := range []string{"", "0", "-3", "abc"} {
		if _, err := ParseTaskID(bad); !errors.Is(err, ErrTaskNotFound) {
			t.Fatalf("%q: expected ErrTaskNotFound, got %v", bad, err)
		}
	}
}

func TestTaskCloneCopiesPayload(t *testing.T) {
	orig := &Task{ID: 1, Payload: []byte("abc")}
	c := orig.Clone()
	c.Payload[0] = 'z'
	if string(orig.Payload) != "abc" {
		t.Fatalf("clone shares payload")
	}
}
