package application

import (
	"context"
	"fmt"

	"report-dispatch/dispatch/domain"
)

// Status é a fotografia somente leitura do agendador.
type Status struct {
	Accepting bool                 `json:"accepting"`
	Services  []ServiceStatus      `json:"services"`
	Tasks     map[domain.State]int `json:"tasks"`
}

type ServiceStatus struct {
	Service     domain.Service        `json:"service"`
	Disabled    bool                  `json:"disabled"`
	QueueDepth  int                   `json:"queue_depth"`
	BusyWorkers int                   `json:"busy_workers"`
	MaxWorkers  int                   `json:"max_workers"`
	Windows     []domain.WindowStatus `json:"windows"`
	Daily       DailyUsage            `json:"daily"`
}

// DailyUsage é o consumo da janela diária corrente contra o limite.
type DailyUsage struct {
	Used    int  `json:"used"`
	Limit   int  `json:"limit"`
	Limited bool `json:"limited"`
}

func (s *Scheduler) Status(ctx context.Context) (Status, error) {
	st := Status{Accepting: s.accepting.Load()}

	for _, svc := range s.order {
		l := s.lanes[svc]
		windows, err := s.quota.Windows(ctx, svc)
		if err != nil {
			return st, fmt.Errorf("quota windows %s: %w", svc, err)
		}

		ss := ServiceStatus{
			Service:     svc,
			Disabled:    l.Limits.Disabled(),
			QueueDepth:  l.Queue.Len(),
			BusyWorkers: l.Slots.InUse(),
			MaxWorkers:  l.Workers,
			Windows:     windows,
		}
		for _, w := range windows {
			if w.Granularity == domain.Day {
				ss.Daily = DailyUsage{Used: w.Used, Limit: w.Limit, Limited: w.Limited}
			}
		}
		st.Services = append(st.Services, ss)
	}

	counts, err := s.store.CountByState(ctx)
	if err != nil {
		return st, fmt.Errorf("count tasks: %w", err)
	}
	st.Tasks = counts
	return st, nil
}

// Services lista os serviços configurados na ordem de configuração.
func (s *Scheduler) Services() []domain.Service {
	return append([]domain.Service(nil), s.order...)
}

func (s *Scheduler) Accepting() bool { return s.accepting.Load() }
