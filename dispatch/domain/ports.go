package domain

import (
	"context"
	"time"
)

// TaskStore é o registro durável das tarefas.
//
// Update é um compare-and-set: grava t somente se o estado persistido ainda for
// expect, senão devolve ErrStateConflict. Implementações não alteram timestamps;
// quem chama é dono do relógio.
type TaskStore interface {
	Create(ctx context.Context, t *Task) error
	Get(ctx context.Context, id TaskID) (*Task, error)
	Update(ctx context.Context, t *Task, expect State) error
	// ListByState devolve as tarefas em ordem crescente de ID.
	ListByState(ctx context.Context, states ...State) ([]*Task, error)
	// DeleteTerminalBefore remove tarefas terminais com UpdatedAt anterior a cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (map[State]int, error)
	CountByState(ctx context.Context) (map[State]int, error)
	Close() error
}

// DispatchQueue é o backlog FIFO de um serviço.
//
// Uma identidade fica "rastreada" desde Enqueue/Reserve até Done, esteja na fila
// ou nas mãos de um worker. Enqueue de identidade rastreada é ignorado.
type DispatchQueue interface {
	Enqueue(id TaskID) bool
	// RequeueFront coloca id à frente do backlog; empates entre retries são
	// resolvidos pela ordem original de enfileiramento (ID crescente). Só o
	// worker que segura id (ou seu timer de backoff) deve chamá-lo.
	RequeueFront(id TaskID) bool
	// EnqueueFront é o RequeueFront de quem não segura a tarefa: recusa qualquer
	// identidade rastreada, inclusive a que está com um worker.
	EnqueueFront(id TaskID) bool
	// Reserve rastreia id sem colocá-lo na fila (retry aguardando backoff).
	Reserve(id TaskID) bool
	// Dequeue bloqueia até haver uma identidade, o ctx encerrar ou a fila fechar.
	Dequeue(ctx context.Context) (TaskID, bool)
	Done(id TaskID)
	Tracked(id TaskID) bool
	Len() int
	Close()
}

// Executor faz a chamada externa. O erro deve ser classificado com Permanent
// ou Transient; erros sem classificação contam como transitórios.
type Executor interface {
	Execute(ctx context.Context, t *Task) ([]byte, error)
}

// ExecutorFunc adapta uma função a Executor.
type ExecutorFunc func(ctx context.Context, t *Task) ([]byte, error)

func (f ExecutorFunc) Execute(ctx context.Context, t *Task) ([]byte, error) { return f(ctx, t) }

// ResultSink recebe o desfecho de cada tarefa. Erros são registrados em log e não
// provocam reentrega.
type ResultSink interface {
	Deliver(ctx context.Context, r Result) error
}
