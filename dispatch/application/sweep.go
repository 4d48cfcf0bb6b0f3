package application

import (
	"context"
	"fmt"

	"report-dispatch/dispatch/domain"

	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// SweepReport resume uma passada da varredura.
type SweepReport struct {
	Deleted   map[domain.State]int
	Remaining map[domain.State]int
	Restarted int
}

// Sweep remove tarefas terminais mais velhas que Retention, reinicia tarefas
// in_progress sem worker vivo e registra a contagem por estado.
func (s *Scheduler) Sweep(ctx context.Context) (SweepReport, error) {
	var rep SweepReport
	now := s.clock.Now()

	deleted, err := s.store.DeleteTerminalBefore(ctx, now.Add(-s.cfg.Retention))
	if err != nil {
		return rep, fmt.Errorf("cleanup terminal tasks: %w", err)
	}
	rep.Deleted = deleted

	restarted, restartErr := s.restartStalled(ctx)
	rep.Restarted = restarted

	remaining, err := s.store.CountByState(ctx)
	if err != nil {
		return rep, multierr.Append(restartErr, fmt.Errorf("count tasks: %w", err))
	}
	rep.Remaining = remaining

	ev := s.log.Info()
	if restartErr != nil {
		ev = s.log.Warn().Err(restartErr)
	}
	ev.Dict("deleted", stateDict(rep.Deleted)).
		Dict("remaining", stateDict(rep.Remaining)).
		Int("restarted", rep.Restarted).
		Msg("cleanup sweep")
	return rep, restartErr
}

func stateDict(counts map[domain.State]int) *zerolog.Event {
	d := zerolog.Dict()
	for _, st := range domain.States {
		d.Int(string(st), counts[st])
	}
	return d
}

// restartStalled devolve para pending tarefas in_progress que nenhum worker
// deste processo segura e que não são atualizadas há mais de CallTimeout+ShutdownGrace.
func (s *Scheduler) restartStalled(ctx context.Context) (int, error) {
	stuck, err := s.store.ListByState(ctx, domain.StateInProgress)
	if err != nil {
		return 0, fmt.Errorf("load in_progress tasks: %w", err)
	}

	now := s.clock.Now()
	cutoff := now.Add(-(s.cfg.CallTimeout + s.cfg.ShutdownGrace))

	var (
		n    int
		errs error
	)
	for _, t := range stuck {
		l, ok := s.lanes[t.Service]
		if !ok || l.Queue.Tracked(t.ID) || t.UpdatedAt.After(cutoff) {
			continue
		}
		if err := s.resetToPending(ctx, t, now); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("restart task %d: %w", t.ID, err))
			continue
		}
		s.log.Warn().Int64("task_id", int64(t.ID)).Str("service", string(t.Service)).Int("attempt", t.Attempts).Msg("stalled task restarted")
		s.dispatch(l, t, now, true)
		n++
	}
	return n, errs
}

func (s *Scheduler) sweepLoop() {
	defer s.sweeper.Done()

	tk := s.clock.NewTicker(s.cfg.CleanupEvery)
	defer tk.Stop()

	for {
		select {
		case <-s.stopCtx.Done():
			return
		case <-tk.Chan():
			if _, err := s.Sweep(s.stopCtx); err != nil && s.stopCtx.Err() == nil {
				s.log.Error().Err(err).Msg("cleanup sweep failed")
			}
		}
	}
}
