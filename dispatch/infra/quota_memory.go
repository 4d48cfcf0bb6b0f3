package infra

import (
	"context"
	"fmt"
	"sync"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/jonboulle/clockwork"
)

// MemoryQuota é um QuotaTracker de janelas fixas em memória.
//
// Cada serviço tem seu próprio mutex; a checagem de todas as janelas e o incremento
// acontecem sob o mesmo lock, então a última vaga nunca é concedida duas vezes.
// Janelas sem limite configurado continuam contando para o status.
type MemoryQuota struct {
	clock    clockwork.Clock
	services map[domain.Service]*serviceWindows
}

type serviceWindows struct {
	mu      sync.Mutex
	windows []*window
}

type window struct {
	gran    domain.Granularity
	limit   int
	limited bool
	start   time.Time
	count   int
}

type MemoryQuotaOption func(*MemoryQuota)

func WithQuotaClock(c clockwork.Clock) MemoryQuotaOption {
	return func(q *MemoryQuota) { q.clock = c }
}

func NewMemoryQuota(limits map[domain.Service]domain.Limits, opts ...MemoryQuotaOption) (*MemoryQuota, error) {
	q := &MemoryQuota{
		clock:    clockwork.NewRealClock(),
		services: make(map[domain.Service]*serviceWindows, len(limits)),
	}
	for _, opt := range opts {
		opt(q)
	}

	for svc, l := range limits {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("service %s: %w", svc, err)
		}
		sw := &serviceWindows{}
		for _, g := range domain.Granularities {
			n, ok := l.Limit(g)
			sw.windows = append(sw.windows, &window{gran: g, limit: n, limited: ok})
		}
		q.services[svc] = sw
	}
	return q, nil
}

func (q *MemoryQuota) TryAcquire(_ context.Context, svc domain.Service) (domain.Decision, error) {
	sw, ok := q.services[svc]
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w: %s", domain.ErrUnknownService, svc)
	}
	now := q.clock.Now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	dec := domain.Decision{Allowed: true}
	for _, w := range sw.windows {
		w.roll(now)
		if !w.limited || w.count < w.limit {
			continue
		}
		// limite 0 nunca libera; a espera informada é a da próxima virada.
		wait := w.start.Add(w.gran.Duration()).Sub(now)
		if dec.Allowed || wait > dec.RetryAfter {
			dec = domain.Decision{Allowed: false, RetryAfter: wait, Violated: w.gran}
		}
	}
	if !dec.Allowed {
		return dec, nil
	}

	for _, w := range sw.windows {
		w.count++
	}
	return dec, nil
}

func (q *MemoryQuota) Windows(_ context.Context, svc domain.Service) ([]domain.WindowStatus, error) {
	sw, ok := q.services[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownService, svc)
	}
	now := q.clock.Now()

	sw.mu.Lock()
	defer sw.mu.Unlock()

	out := make([]domain.WindowStatus, 0, len(sw.windows))
	for _, w := range sw.windows {
		w.roll(now)
		out = append(out, w.status())
	}
	return out, nil
}

// roll reinicia a janela quando o limite é cruzado. O início nunca anda para trás,
// mesmo que o relógio recue.
func (w *window) roll(now time.Time) {
	start := w.gran.WindowStart(now)
	if start.After(w.start) {
		w.start = start
		w.count = 0
	}
}

func (w *window) status() domain.WindowStatus {
	st := domain.WindowStatus{
		Granularity: w.gran,
		Limited:     w.limited,
		Limit:       w.limit,
		Used:        w.count,
		ResetsAt:    w.start.Add(w.gran.Duration()),
	}
	if w.limited && w.limit > w.count {
		st.Remaining = w.limit - w.count
	}
	return st
}
