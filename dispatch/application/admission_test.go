package application

import (
	"context"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"
)

type fakeLimiter struct {
	allow bool
}

func (f fakeLimiter) Allow() bool { return f.allow }

type fakeLimiterStore struct {
	lim domain.Limiter
}

func (s fakeLimiterStore) Get(domain.Key) domain.Limiter { return s.lim }

func TestClientThrottle_AllowsWithoutStore(t *testing.T) {
	dec := ClientThrottle{}.Decide("k")
	if !dec.Allowed {
		t.Fatalf("expected allowed")
	}
	if dec.RetryAfter != 0 {
		t.Fatalf("expected RetryAfter=0 when allowed, got %s", dec.RetryAfter)
	}
}

func TestClientThrottle_AllowsWhenBucketHasToken(t *testing.T) {
	th := ClientThrottle{Store: fakeLimiterStore{lim: fakeLimiter{allow: true}}, RetryAfter: 5 * time.Second}
	if !th.Decide("k").Allowed {
		t.Fatalf("expected allowed")
	}
}

func TestClientThrottle_BlocksWithDefaultRetryAfter(t *testing.T) {
	dec := ClientThrottle{Store: fakeLimiterStore{lim: fakeLimiter{allow: false}}}.Decide("k")
	if dec.Allowed {
		t.Fatalf("expected blocked")
	}
	if dec.RetryAfter != time.Second {
		t.Fatalf("expected default RetryAfter=1s, got %s", dec.RetryAfter)
	}
}

func TestClientThrottle_BlocksWithConfiguredRetryAfter(t *testing.T) {
	th := ClientThrottle{Store: fakeLimiterStore{lim: fakeLimiter{allow: false}}, RetryAfter: 2500 * time.Millisecond}
	dec := th.Decide("k")
	if dec.Allowed || dec.RetryAfter != 2500*time.Millisecond {
		t.Fatalf("expected blocked with 2.5s, got %+v", dec)
	}
}

type blockingPool struct{}

func (blockingPool) Acquire(ctx context.Context) (func(), bool) {
	<-ctx.Done()
	return nil, false
}

func (blockingPool) InUse() int { return 1 }

func (blockingPool) Cap() int { return 1 }

type countingPool struct {
	acquired int
}

func (p *countingPool) Acquire(context.Context) (func(), bool) {
	p.acquired++
	return func() {}, true
}

func (p *countingPool) InUse() int { return 0 }

func (p *countingPool) Cap() int { return 1 }

func TestAdmission_AllowsWithoutPool(t *testing.T) {
	release, ok := Admission{}.Acquire(context.Background())
	if !ok {
		t.Fatalf("expected ok")
	}
	release()
}

func TestAdmission_UsesTimeout(t *testing.T) {
	a := Admission{Pool: blockingPool{}, AcquireTimeout: 10 * time.Millisecond}
	if _, ok := a.Acquire(context.Background()); ok {
		t.Fatalf("expected timeout and ok=false")
	}
}

func TestAdmission_NoTimeoutDelegatesToPool(t *testing.T) {
	pool := &countingPool{}
	a := Admission{Pool: pool}

	if _, ok := a.Acquire(context.Background()); !ok {
		t.Fatalf("expected ok")
	}
	if pool.acquired != 1 {
		t.Fatalf("expected pool Acquire to be called once, got %d", pool.acquired)
	}
}
