package infra

import (
	"context"
	"sort"
	"sync"

	"report-dispatch/dispatch/domain"
)

type entryState int

const (
	entryQueued entryState = iota + 1
	entryHeld
)

// Queue é a DispatchQueue em memória de um serviço.
//
// Retries ficam num segmento da frente ordenado por ID (ordem original de
// enfileiramento); tarefas novas ficam no segmento de trás em FIFO. Dequeue
// sempre esvazia a frente primeiro.
type Queue struct {
	mu      sync.Mutex
	front   []domain.TaskID
	back    []domain.TaskID
	entries map[domain.TaskID]entryState
	wake    chan struct{}
	closed  bool
}

var _ domain.DispatchQueue = (*Queue)(nil)

func NewQueue() *Queue {
	return &Queue{
		entries: make(map[domain.TaskID]entryState),
		wake:    make(chan struct{}),
	}
}

// broadcastLocked acorda todos os Dequeue bloqueados.
func (q *Queue) broadcastLocked() {
	close(q.wake)
	q.wake = make(chan struct{})
}

func (q *Queue) Enqueue(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.entries[id]; ok {
		return false
	}
	q.entries[id] = entryQueued
	q.back = append(q.back, id)
	q.broadcastLocked()
	return true
}

func (q *Queue) RequeueFront(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if q.entries[id] == entryQueued {
		return false
	}
	q.pushFrontLocked(id)
	return true
}

func (q *Queue) EnqueueFront(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.entries[id]; ok {
		return false
	}
	q.pushFrontLocked(id)
	return true
}

func (q *Queue) pushFrontLocked(id domain.TaskID) {
	q.entries[id] = entryQueued

	i := sort.Search(len(q.front), func(i int) bool { return q.front[i] > id })
	q.front = append(q.front, 0)
	copy(q.front[i+1:], q.front[i:])
	q.front[i] = id

	q.broadcastLocked()
}

func (q *Queue) Reserve(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	if _, ok := q.entries[id]; ok {
		return false
	}
	q.entries[id] = entryHeld
	return true
}

func (q *Queue) Dequeue(ctx context.Context) (domain.TaskID, bool) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return 0, false
		}
		if id, ok := q.popLocked(); ok {
			q.mu.Unlock()
			return id, true
		}
		wake := q.wake
		q.mu.Unlock()

		select {
		case <-ctx.Done():
			return 0, false
		case <-wake:
		}
	}
}

func (q *Queue) popLocked() (domain.TaskID, bool) {
	var id domain.TaskID
	switch {
	case len(q.front) > 0:
		id, q.front = q.front[0], q.front[1:]
	case len(q.back) > 0:
		id, q.back = q.back[0], q.back[1:]
	default:
		return 0, false
	}
	q.entries[id] = entryHeld
	return id, true
}

func (q *Queue) Done(id domain.TaskID) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.entries[id] == entryHeld {
		delete(q.entries, id)
	}
}

func (q *Queue) Tracked(id domain.TaskID) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	_, ok := q.entries[id]
	return ok
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.front) + len(q.back)
}

// Close acorda os Dequeue bloqueados; a fila não aceita mais identidades.
// O que sobrar no backlog continua pending no TaskStore.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}
