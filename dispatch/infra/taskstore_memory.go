package infra

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"report-dispatch/dispatch/domain"
)

// MemoryTaskStore é um TaskStore em memória. Não sobrevive a restart; serve para
// testes e para STORE=memory em desenvolvimento.
type MemoryTaskStore struct {
	mu     sync.Mutex
	nextID domain.TaskID
	tasks  map[domain.TaskID]*domain.Task
}

var _ domain.TaskStore = (*MemoryTaskStore)(nil)

func NewMemoryTaskStore() *MemoryTaskStore {
	return &MemoryTaskStore{tasks: make(map[domain.TaskID]*domain.Task)}
}

func (s *MemoryTaskStore) Create(_ context.Context, t *domain.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextID++
	t.ID = s.nextID
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTaskStore) Get(_ context.Context, id domain.TaskID) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	return t.Clone(), nil
}

func (s *MemoryTaskStore) Update(_ context.Context, t *domain.Task, expect domain.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.tasks[t.ID]
	if !ok {
		return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, t.ID)
	}
	if cur.State != expect {
		return fmt.Errorf("%w: task %d is %s, expected %s", domain.ErrStateConflict, t.ID, cur.State, expect)
	}
	s.tasks[t.ID] = t.Clone()
	return nil
}

func (s *MemoryTaskStore) ListByState(_ context.Context, states ...domain.State) ([]*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*domain.Task
	for _, t := range s.tasks {
		if hasState(states, t.State) {
			out = append(out, t.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryTaskStore) DeleteTerminalBefore(_ context.Context, cutoff time.Time) (map[domain.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.State]int)
	for id, t := range s.tasks {
		if t.State.Terminal() && t.UpdatedAt.Before(cutoff) {
			out[t.State]++
			delete(s.tasks, id)
		}
	}
	return out, nil
}

func (s *MemoryTaskStore) CountByState(_ context.Context) (map[domain.State]int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := zeroCounts()
	for _, t := range s.tasks {
		out[t.State]++
	}
	return out, nil
}

func (s *MemoryTaskStore) Close() error { return nil }

func hasState(states []domain.State, st domain.State) bool {
	for _, s := range states {
		if s == st {
			return true
		}
	}
	return false
}

func zeroCounts() map[domain.State]int {
	out := make(map[domain.State]int, len(domain.States))
	for _, st := range domain.States {
		out[st] = 0
	}
	return out
}
