package infra

import (
	"context"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"
)

func TestClientBuckets_SameKeySharesBucket(t *testing.T) {
	s := NewClientBuckets(10, 1)

	l1 := s.Get(domain.Key("ip:10.0.0.1"))
	l2 := s.Get(domain.Key("ip:10.0.0.1"))
	if l1 != l2 {
		t.Fatalf("expected same bucket for same client")
	}
	if s.Get(domain.Key("ip:10.0.0.2")) == l1 {
		t.Fatalf("expected distinct bucket per client")
	}
	if s.Len() != 2 {
		t.Fatalf("expected 2 tracked clients, got %d", s.Len())
	}
}

func TestClientBuckets_BurstOneRejectsSecondSubmit(t *testing.T) {
	s := NewClientBuckets(0.02, 1)

	lim := s.Get(domain.Key("k"))
	if !lim.Allow() {
		t.Fatalf("expected first Allow to be true")
	}
	if lim.Allow() {
		t.Fatalf("expected second immediate Allow to be false (burst=1)")
	}
}

func TestClientBuckets_CleanupDropsIdleClients(t *testing.T) {
	s := NewClientBuckets(10, 1, WithIdleTTL(2*time.Millisecond), WithCleanupEvery(0))

	before := s.Get(domain.Key("k"))
	time.Sleep(4 * time.Millisecond)

	s.Cleanup()
	if s.Len() != 0 {
		t.Fatalf("expected idle client to be dropped")
	}

	after := s.Get(domain.Key("k"))
	if before == after {
		t.Fatalf("expected bucket to be recreated after cleanup")
	}
}

func TestClientBuckets_JanitorRuns(t *testing.T) {
	s := NewClientBuckets(10, 1, WithIdleTTL(time.Millisecond), WithCleanupEvery(5*time.Millisecond))
	s.Get(domain.Key("k"))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	s.StartJanitor(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for s.Len() != 0 {
		if time.Now().After(deadline) {
			t.Fatalf("janitor never removed idle client")
		}
		time.Sleep(5 * time.Millisecond)
	}
}
