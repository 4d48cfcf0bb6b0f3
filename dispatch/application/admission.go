package application

import (
	"context"
	"time"

	"report-dispatch/dispatch/domain"
)

// ClientThrottle decide se um cliente da API de submissão pode enviar agora.
//
// Não sabe nada de HTTP (headers/status), apenas devolve uma decisão.
type ClientThrottle struct {
	Store      domain.LimiterStore
	RetryAfter time.Duration
}

func (s ClientThrottle) Decide(key domain.Key) domain.Decision {
	if s.Store == nil {
		return domain.Decision{Allowed: true}
	}
	if s.RetryAfter <= 0 {
		s.RetryAfter = time.Second
	}

	lim := s.Store.Get(key)
	if lim == nil || lim.Allow() {
		return domain.Decision{Allowed: true}
	}
	return domain.Decision{Allowed: false, RetryAfter: s.RetryAfter}
}

// Admission limita quantas requisições da API são atendidas ao mesmo tempo.
type Admission struct {
	Pool           domain.SlotPool
	AcquireTimeout time.Duration
}

// Acquire tenta pegar uma vaga.
// - AcquireTimeout <= 0: espera até o ctx cancelar.
// - AcquireTimeout > 0: espera no máximo o timeout.
// Com ok=false nenhuma vaga foi adquirida.
func (s Admission) Acquire(ctx context.Context) (func(), bool) {
	if s.Pool == nil {
		return func() {}, true
	}
	if s.AcquireTimeout <= 0 {
		return s.Pool.Acquire(ctx)
	}

	acqCtx, cancel := context.WithTimeout(ctx, s.AcquireTimeout)
	defer cancel()
	return s.Pool.Acquire(acqCtx)
}
