package application

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

// persistTimeout limita as escritas no TaskStore feitas pelos workers. Elas não
// herdam o ctx de shutdown para que o estado final seja gravado mesmo abortando.
const persistTimeout = 10 * time.Second

// Scheduler é o supervisor: dono das filas e dos pools de cada serviço, da
// recuperação no boot, da varredura de limpeza e do shutdown.
type Scheduler struct {
	cfg   Config
	store domain.TaskStore
	quota domain.QuotaTracker
	sink  domain.ResultSink
	stats domain.StatsStore
	clock clockwork.Clock
	log   zerolog.Logger

	lanes map[domain.Service]*lane
	order []domain.Service

	accepting atomic.Bool
	started   atomic.Bool
	stopped   atomic.Bool

	// stopCtx encerra dequeue, esperas de cota e a varredura.
	stopCtx context.Context
	stop    context.CancelFunc

	// abortCtx é a base das chamadas externas; cancelado ao fim da carência.
	abortCtx context.Context
	abort    context.CancelFunc

	workers sync.WaitGroup
	sweeper sync.WaitGroup
}

type lane struct {
	Lane
	submitMu sync.Mutex
	pool     *WorkerPool
}

type Option func(*Scheduler)

func WithClock(c clockwork.Clock) Option {
	return func(s *Scheduler) { s.clock = c }
}

func WithLogger(l zerolog.Logger) Option {
	return func(s *Scheduler) { s.log = l }
}

func WithSink(sink domain.ResultSink) Option {
	return func(s *Scheduler) { s.sink = sink }
}

func WithStats(st domain.StatsStore) Option {
	return func(s *Scheduler) { s.stats = st }
}

// New valida a configuração e monta o agendador. Erros aqui são fatais no boot.
func New(store domain.TaskStore, quota domain.QuotaTracker, lanes []Lane, cfg Config, opts ...Option) (*Scheduler, error) {
	if store == nil || quota == nil {
		return nil, fmt.Errorf("%w: task store and quota tracker are required", domain.ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if len(lanes) == 0 {
		return nil, fmt.Errorf("%w: no services configured", domain.ErrInvalidConfig)
	}

	s := &Scheduler{
		cfg:   cfg,
		store: store,
		quota: quota,
		clock: clockwork.NewRealClock(),
		log:   zerolog.Nop(),
		lanes: make(map[domain.Service]*lane, len(lanes)),
	}
	for _, opt := range opts {
		opt(s)
	}

	for _, l := range lanes {
		if err := l.validate(); err != nil {
			return nil, err
		}
		if _, dup := s.lanes[l.Service]; dup {
			return nil, fmt.Errorf("%w: service %s configured twice", domain.ErrInvalidConfig, l.Service)
		}
		ln := &lane{Lane: l}
		ln.pool = &WorkerPool{s: s, lane: ln}
		s.lanes[l.Service] = ln
		s.order = append(s.order, l.Service)
	}

	s.stopCtx, s.stop = context.WithCancel(context.Background())
	s.abortCtx, s.abort = context.WithCancel(context.Background())
	s.accepting.Store(true)
	return s, nil
}

// Start recupera o estado persistido, sobe os workers e a varredura periódica.
//
// Tarefas in_progress encontradas aqui não têm worker vivo: voltam para pending
// e entram na frente do backlog.
func (s *Scheduler) Start(ctx context.Context) error {
	if !s.started.CompareAndSwap(false, true) {
		return errors.New("scheduler already started")
	}
	if err := s.recover(ctx); err != nil {
		return err
	}

	for _, svc := range s.order {
		l := s.lanes[svc]
		l.pool.start()
		s.log.Info().
			Str("service", string(svc)).
			Int("workers", l.Workers).
			Interface("limits", l.Limits).
			Msg("service started")
	}

	if s.cfg.CleanupEvery > 0 {
		s.sweeper.Add(1)
		go s.sweepLoop()
	}
	return nil
}

func (s *Scheduler) recover(ctx context.Context) error {
	now := s.clock.Now()

	stuck, err := s.store.ListByState(ctx, domain.StateInProgress)
	if err != nil {
		return fmt.Errorf("load interrupted tasks: %w", err)
	}
	interrupted := make(map[domain.TaskID]bool, len(stuck))
	for _, t := range stuck {
		if err := s.resetToPending(ctx, t, now); err != nil {
			return fmt.Errorf("reset interrupted task %d: %w", t.ID, err)
		}
		interrupted[t.ID] = true
		s.log.Warn().Int64("task_id", int64(t.ID)).Str("service", string(t.Service)).Msg("interrupted task reset to pending")
	}

	pending, err := s.store.ListByState(ctx, domain.StatePending)
	if err != nil {
		return fmt.Errorf("load pending tasks: %w", err)
	}
	for _, t := range pending {
		l, ok := s.lanes[t.Service]
		if !ok {
			s.log.Warn().Int64("task_id", int64(t.ID)).Str("service", string(t.Service)).Msg("pending task for unknown service left untouched")
			continue
		}
		s.dispatch(l, t, now, interrupted[t.ID])
	}
	if len(pending) > 0 {
		s.log.Info().Int("pending", len(pending)).Int("interrupted", len(stuck)).Msg("recovered tasks")
	}
	return nil
}

func (s *Scheduler) resetToPending(ctx context.Context, t *domain.Task, now time.Time) error {
	prev := t.State
	t.State = domain.StatePending
	t.Owner = ""
	t.UpdatedAt = now
	return s.update(ctx, t, prev)
}

// update é a única escrita do agendador no TaskStore: compare-and-set contra
// expect, recusando transições fora do DAG de estados.
func (s *Scheduler) update(ctx context.Context, t *domain.Task, expect domain.State) error {
	if !domain.CanTransition(expect, t.State) {
		return fmt.Errorf("%w: task %d cannot move from %s to %s", domain.ErrStateConflict, t.ID, expect, t.State)
	}
	return s.store.Update(ctx, t, expect)
}

// dispatch coloca uma tarefa pending no backlog respeitando o backoff persistido.
// Identidades já rastreadas (na fila ou com um worker) são recusadas.
func (s *Scheduler) dispatch(l *lane, t *domain.Task, now time.Time, front bool) bool {
	switch {
	case t.NextEligibleAt.After(now):
		if !l.Queue.Reserve(t.ID) {
			return false
		}
		s.requeueAfter(l, t.ID, t.NextEligibleAt.Sub(now))
		return true
	case front || t.Attempts > 0:
		return l.Queue.EnqueueFront(t.ID)
	default:
		return l.Queue.Enqueue(t.ID)
	}
}

func (s *Scheduler) requeueAfter(l *lane, id domain.TaskID, d time.Duration) {
	s.clock.AfterFunc(d, func() { l.Queue.RequeueFront(id) })
}

// Submit persiste uma tarefa nova como pending e a coloca no backlog do serviço.
//
// Se a gravação durável falhar, nada entra na fila.
func (s *Scheduler) Submit(ctx context.Context, svc domain.Service, payload []byte) (domain.TaskID, error) {
	if !s.accepting.Load() {
		return 0, domain.ErrShuttingDown
	}
	l, ok := s.lanes[svc]
	if !ok {
		return 0, fmt.Errorf("%w: %s", domain.ErrUnknownService, svc)
	}
	if l.Limits.Disabled() {
		return 0, fmt.Errorf("%w: %s", domain.ErrServiceDisabled, svc)
	}

	l.submitMu.Lock()
	defer l.submitMu.Unlock()

	if s.cfg.BacklogCap > 0 && l.Queue.Len() >= s.cfg.BacklogCap {
		return 0, fmt.Errorf("%w: %s backlog at %d", domain.ErrQueueFull, svc, s.cfg.BacklogCap)
	}

	now := s.clock.Now()
	t := &domain.Task{
		Service:   svc,
		State:     domain.StatePending,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if payload != nil {
		t.Payload = append([]byte(nil), payload...)
	}
	if err := s.store.Create(ctx, t); err != nil {
		if !errors.Is(err, domain.ErrPersistence) {
			err = fmt.Errorf("%w: %v", domain.ErrPersistence, err)
		}
		return 0, err
	}
	l.Queue.Enqueue(t.ID)

	s.log.Debug().Int64("task_id", int64(t.ID)).Str("service", string(svc)).Int("payload_bytes", len(t.Payload)).Msg("task submitted")
	return t.ID, nil
}

// Enqueue recoloca no backlog uma tarefa pending já persistida. Devolve false
// quando ela já está na fila ou com um worker.
func (s *Scheduler) Enqueue(ctx context.Context, id domain.TaskID) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.State != domain.StatePending {
		return false, nil
	}
	l, ok := s.lanes[t.Service]
	if !ok {
		return false, fmt.Errorf("%w: %s", domain.ErrUnknownService, t.Service)
	}
	return s.dispatch(l, t, s.clock.Now(), false), nil
}

func (s *Scheduler) Get(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	return s.store.Get(ctx, id)
}

// Cancel expira uma tarefa que ainda não começou. Tarefas em execução ou
// terminais não são canceláveis.
func (s *Scheduler) Cancel(ctx context.Context, id domain.TaskID) (bool, error) {
	t, err := s.store.Get(ctx, id)
	if err != nil {
		return false, err
	}
	if t.State != domain.StatePending {
		return false, nil
	}

	t.State = domain.StateExpired
	t.LastError = "cancelled"
	t.NextEligibleAt = time.Time{}
	t.UpdatedAt = s.clock.Now()
	if err := s.update(ctx, t, domain.StatePending); err != nil {
		if errors.Is(err, domain.ErrStateConflict) {
			return false, nil
		}
		return false, err
	}

	s.log.Info().Int64("task_id", int64(id)).Str("service", string(t.Service)).Msg("task cancelled")
	s.deliver(ctx, domain.Result{TaskID: id, Service: t.Service, Reason: t.LastError, Attempts: t.Attempts})
	return true, nil
}

func (s *Scheduler) deliver(ctx context.Context, r domain.Result) {
	if s.sink == nil {
		return
	}
	if err := s.sink.Deliver(ctx, r); err != nil {
		s.log.Error().Err(err).Int64("task_id", int64(r.TaskID)).Msg("result sink failed")
	}
}

// Shutdown para de aceitar tarefas, acorda os workers bloqueados e espera as
// chamadas em andamento até ShutdownGrace. Passada a carência, as chamadas são
// canceladas e as tarefas voltam para pending.
func (s *Scheduler) Shutdown(ctx context.Context) error {
	if !s.stopped.CompareAndSwap(false, true) {
		return nil
	}
	s.accepting.Store(false)
	s.stop()
	for _, svc := range s.order {
		s.lanes[svc].Queue.Close()
	}

	done := make(chan struct{})
	go func() {
		s.workers.Wait()
		s.sweeper.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-s.clock.After(s.cfg.ShutdownGrace):
		s.log.Warn().Dur("grace", s.cfg.ShutdownGrace).Msg("grace period over, abandoning in-flight tasks")
		s.abort()
		select {
		case <-done:
		case <-ctx.Done():
			err = ctx.Err()
		}
	case <-ctx.Done():
		s.abort()
		err = ctx.Err()
	}
	s.abort()

	s.log.Info().Msg("scheduler stopped")
	return err
}
