package infra

import (
	"context"
	"sync"
	"time"

	"report-dispatch/dispatch/domain"

	"golang.org/x/time/rate"
)

// ClientBuckets guarda um token bucket (x/time/rate) por cliente da API de submissão,
// com limpeza periódica dos clientes inativos.
//
// Isso protege o backlog contra um único cliente; as cotas das APIs externas são
// responsabilidade do QuotaTracker.
type ClientBuckets struct {
	mu           sync.Mutex
	entries      map[string]*bucketEntry
	rps          rate.Limit
	burst        int
	idleTTL      time.Duration
	cleanupEvery time.Duration
}

type bucketEntry struct {
	lim      *rate.Limiter
	lastSeen time.Time
}

type BucketsOption func(*ClientBuckets)

func WithIdleTTL(d time.Duration) BucketsOption {
	return func(s *ClientBuckets) { s.idleTTL = d }
}

func WithCleanupEvery(d time.Duration) BucketsOption {
	return func(s *ClientBuckets) { s.cleanupEvery = d }
}

func NewClientBuckets(rps float64, burst int, opts ...BucketsOption) *ClientBuckets {
	s := &ClientBuckets{
		entries:      make(map[string]*bucketEntry),
		rps:          rate.Limit(rps),
		burst:        burst,
		idleTTL:      15 * time.Minute,
		cleanupEvery: 2 * time.Minute,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *ClientBuckets) RPS() float64 { return float64(s.rps) }
func (s *ClientBuckets) Burst() int { return s.burst }

// Get implementa domain.LimiterStore.
func (s *ClientBuckets) Get(key domain.Key) domain.Limiter {
	now := time.Now()
	k := string(key)

	s.mu.Lock()
	defer s.mu.Unlock()

	if ent, ok := s.entries[k]; ok {
		ent.lastSeen = now
		return ent.lim
	}

	lim := rate.NewLimiter(s.rps, s.burst)
	s.entries[k] = &bucketEntry{lim: lim, lastSeen: now}
	return lim
}

func (s *ClientBuckets) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

func (s *ClientBuckets) Cleanup() {
	cutoff := time.Now().Add(-s.idleTTL)

	s.mu.Lock()
	defer s.mu.Unlock()

	for k, ent := range s.entries {
		if ent.lastSeen.Before(cutoff) {
			delete(s.entries, k)
		}
	}
}

// StartJanitor limpa clientes inativos periodicamente até o ctx encerrar.
func (s *ClientBuckets) StartJanitor(ctx context.Context) {
	if s.cleanupEvery <= 0 {
		return
	}

	t := time.NewTicker(s.cleanupEvery)
	go func() {
		defer t.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-t.C:
				s.Cleanup()
			}
		}
	}()
}
