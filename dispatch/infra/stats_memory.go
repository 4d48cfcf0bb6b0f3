package infra

import (
	"context"
	"sync"

	"report-dispatch/dispatch/domain"

	"go.uber.org/multierr"
)

type Counters struct {
	Granted int64 `json:"granted"`
	Denied  int64 `json:"denied"`
}

// MemoryStatsStore acumula decisões de cota em memória, total e por serviço.
// Útil para testes e para o endpoint /stats quando o Redis está desligado.
//
// Não faz expiração.
type MemoryStatsStore struct {
	mu        sync.Mutex
	total     Counters
	byService map[domain.Service]Counters
	byWindow  map[domain.Granularity]int64
}

func NewMemoryStatsStore() *MemoryStatsStore {
	return &MemoryStatsStore{
		byService: make(map[domain.Service]Counters),
		byWindow:  make(map[domain.Granularity]int64),
	}
}

func (s *MemoryStatsStore) Record(_ context.Context, ev domain.QuotaEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c := s.byService[ev.Service]
	if ev.Allowed {
		s.total.Granted++
		c.Granted++
	} else {
		s.total.Denied++
		c.Denied++
		if ev.Violated != "" {
			s.byWindow[ev.Violated]++
		}
	}
	s.byService[ev.Service] = c
	return nil
}

func (s *MemoryStatsStore) Total() Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.total
}

func (s *MemoryStatsStore) ByService() map[domain.Service]Counters {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Service]Counters, len(s.byService))
	for k, v := range s.byService {
		out[k] = v
	}
	return out
}

// DeniedByWindow conta negações pela janela que determinou a espera.
func (s *MemoryStatsStore) DeniedByWindow() map[domain.Granularity]int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[domain.Granularity]int64, len(s.byWindow))
	for k, v := range s.byWindow {
		out[k] = v
	}
	return out
}

// MultiStats grava o evento em todos os stores e agrega os erros.
type MultiStats []domain.StatsStore

func (m MultiStats) Record(ctx context.Context, ev domain.QuotaEvent) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Record(ctx, ev))
	}
	return err
}
