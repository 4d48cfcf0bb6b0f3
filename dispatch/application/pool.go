package application

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// persistRetryDelay é a espera antes de tentar de novo uma tarefa cuja leitura
	// ou reserva no TaskStore falhou.
	persistRetryDelay = time.Second
	// quotaErrorDelay é a espera quando o próprio QuotaTracker falha (ex: Redis fora).
	quotaErrorDelay = time.Second
)

// WorkerPool roda exatamente Lane.Workers workers para um serviço.
//
// Cada worker: tira uma identidade do backlog, espera a cota (segurando a tarefa,
// que continua pending), marca in_progress, faz a chamada com timeout e grava o
// desfecho. Só o worker que segura a tarefa escreve nela.
type WorkerPool struct {
	s    *Scheduler
	lane *lane
}

func (p *WorkerPool) start() {
	for i := 0; i < p.lane.Workers; i++ {
		owner := uuid.NewString()
		p.s.workers.Add(1)
		go p.run(owner)
	}
}

func (p *WorkerPool) run(owner string) {
	defer p.s.workers.Done()

	log := p.s.log.With().Str("service", string(p.lane.Service)).Str("worker", owner).Logger()
	log.Debug().Msg("worker started")

	for {
		id, ok := p.lane.Queue.Dequeue(p.s.stopCtx)
		if !ok {
			log.Debug().Msg("worker stopped")
			return
		}
		p.handle(log.With().Int64("task_id", int64(id)).Logger(), owner, id)
	}
}

func (p *WorkerPool) persistCtx() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), persistTimeout)
}

func (p *WorkerPool) handle(log zerolog.Logger, owner string, id domain.TaskID) {
	q := p.lane.Queue

	pctx, cancel := p.persistCtx()
	t, err := p.s.store.Get(pctx, id)
	cancel()
	switch {
	case errors.Is(err, domain.ErrTaskNotFound):
		q.Done(id)
		return
	case err != nil:
		log.Error().Err(err).Msg("load task failed, retrying later")
		p.s.requeueAfter(p.lane, id, persistRetryDelay)
		return
	case t.State != domain.StatePending:
		// cancelada ou já resolvida por outro caminho.
		q.Done(id)
		return
	}
	if wait := t.NextEligibleAt.Sub(p.s.clock.Now()); wait > 0 {
		p.s.requeueAfter(p.lane, id, wait)
		return
	}

	if !p.waitQuota(log, id) {
		q.RequeueFront(id)
		return
	}

	release, ok := p.lane.Slots.Acquire(p.s.stopCtx)
	if !ok {
		q.RequeueFront(id)
		return
	}
	defer release()

	t.State = domain.StateInProgress
	t.Owner = owner
	t.NextEligibleAt = time.Time{}
	t.UpdatedAt = p.s.clock.Now()
	if err := p.persist(t, domain.StatePending); err != nil {
		if errors.Is(err, domain.ErrStateConflict) || errors.Is(err, domain.ErrTaskNotFound) {
			log.Info().Err(err).Msg("task no longer pending, dropped")
			q.Done(id)
			return
		}
		log.Error().Err(err).Msg("mark in_progress failed, retrying later")
		p.s.requeueAfter(p.lane, id, persistRetryDelay)
		return
	}
	log.Debug().Int("attempt", t.Attempts+1).Msg("task in progress")

	callCtx, cancelCall := context.WithTimeout(p.s.abortCtx, p.s.cfg.CallTimeout)
	out, callErr := p.call(callCtx, t)
	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded)
	cancelCall()

	switch {
	case callErr == nil:
		p.succeed(log, t, out)
	case p.s.abortCtx.Err() != nil:
		p.abandon(log, t)
	case timedOut:
		p.fail(log, t, domain.Transient(fmt.Errorf("call timeout after %s: %w", p.s.cfg.CallTimeout, callErr)))
	default:
		p.fail(log, t, callErr)
	}
}

// waitQuota bloqueia até a cota liberar. Devolve false se o agendador parar.
func (p *WorkerPool) waitQuota(log zerolog.Logger, id domain.TaskID) bool {
	ctx := p.s.stopCtx
	for {
		dec, err := p.s.quota.TryAcquire(ctx, p.lane.Service)
		if err != nil {
			log.Error().Err(err).Msg("quota check failed")
			dec = domain.Decision{RetryAfter: quotaErrorDelay}
		} else {
			p.record(ctx, dec)
		}
		if dec.Allowed {
			return true
		}

		log.Debug().Dur("retry_after", dec.RetryAfter).Str("window", string(dec.Violated)).Msg("quota exhausted, waiting")
		select {
		case <-ctx.Done():
			return false
		case <-p.s.clock.After(dec.RetryAfter):
		}
	}
}

func (p *WorkerPool) record(ctx context.Context, dec domain.Decision) {
	if p.s.stats == nil {
		return
	}
	ev := domain.QuotaEvent{
		Service:  p.lane.Service,
		Allowed:  dec.Allowed,
		Violated: dec.Violated,
		At:       p.s.clock.Now(),
	}
	if err := p.s.stats.Record(ctx, ev); err != nil {
		p.s.log.Debug().Err(err).Msg("quota stats record failed")
	}
}

// call protege o worker de panics do executor; um panic conta como falha transitória.
func (p *WorkerPool) call(ctx context.Context, t *domain.Task) (out []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			p.s.log.Error().Int64("task_id", int64(t.ID)).Str("stack", string(debug.Stack())).Msgf("executor panic: %v", r)
			out, err = nil, domain.Transient(fmt.Errorf("executor panic: %v", r))
		}
	}()
	return p.lane.Executor.Execute(ctx, t.Clone())
}

func (p *WorkerPool) persist(t *domain.Task, expect domain.State) error {
	ctx, cancel := p.persistCtx()
	defer cancel()
	return p.s.update(ctx, t, expect)
}

func (p *WorkerPool) succeed(log zerolog.Logger, t *domain.Task, out []byte) {
	t.State = domain.StateSucceeded
	t.Owner = ""
	t.LastError = ""
	t.UpdatedAt = p.s.clock.Now()
	if err := p.persist(t, domain.StateInProgress); err != nil {
		// fica in_progress no store; a varredura reinicia a tarefa.
		log.Error().Err(err).Msg("persist success failed")
		p.lane.Queue.Done(t.ID)
		return
	}
	p.lane.Queue.Done(t.ID)

	log.Info().Int("attempt", t.Attempts+1).Int("output_bytes", len(out)).Msg("task succeeded")
	p.s.deliver(context.Background(), domain.Result{
		TaskID:    t.ID,
		Service:   t.Service,
		Succeeded: true,
		Output:    out,
		Attempts:  t.Attempts,
	})
}

func (p *WorkerPool) fail(log zerolog.Logger, t *domain.Task, callErr error) {
	t.Attempts++
	t.Owner = ""
	t.LastError = callErr.Error()
	now := p.s.clock.Now()
	t.UpdatedAt = now

	permanent := domain.IsPermanent(callErr)
	if !permanent && t.Attempts < p.s.cfg.attempts() {
		delay := Backoff(p.s.cfg.BackoffBase, p.s.cfg.BackoffCap, t.Attempts)
		t.State = domain.StatePending
		t.NextEligibleAt = now.Add(delay)
		if err := p.persist(t, domain.StateInProgress); err != nil {
			log.Error().Err(err).Msg("persist retry failed")
			p.lane.Queue.Done(t.ID)
			return
		}
		log.Warn().Err(callErr).Int("attempt", t.Attempts).Dur("backoff", delay).Msg("task failed, retrying")
		p.s.requeueAfter(p.lane, t.ID, delay)
		return
	}

	t.State = domain.StateFailed
	if !permanent {
		t.LastError = fmt.Sprintf("%s: %s", domain.ErrMaxAttempts, callErr)
	}
	if err := p.persist(t, domain.StateInProgress); err != nil {
		log.Error().Err(err).Msg("persist failure failed")
		p.lane.Queue.Done(t.ID)
		return
	}
	p.lane.Queue.Done(t.ID)

	log.Error().Err(callErr).Int("attempt", t.Attempts).Bool("permanent", permanent).Msg("task failed")
	p.s.deliver(context.Background(), domain.Result{
		TaskID:   t.ID,
		Service:  t.Service,
		Reason:   t.LastError,
		Attempts: t.Attempts,
	})
}

// abandon devolve para pending uma tarefa cuja chamada foi cancelada no shutdown.
// A tentativa não conta e o sink não é notificado.
func (p *WorkerPool) abandon(log zerolog.Logger, t *domain.Task) {
	t.State = domain.StatePending
	t.Owner = ""
	t.UpdatedAt = p.s.clock.Now()
	if err := p.persist(t, domain.StateInProgress); err != nil {
		log.Error().Err(err).Msg("persist abandon failed")
	} else {
		log.Warn().Msg("task abandoned on shutdown, back to pending")
	}
	p.lane.Queue.Done(t.ID)
}
