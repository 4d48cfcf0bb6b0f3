package domain

import (
	"strconv"
	"time"
)

// Service identifica uma API externa com cota própria (ex: "gamma", "ofdata").
type Service string

// TaskID é atribuído pelo TaskStore e cresce monotonicamente.
type TaskID int64

func (id TaskID) String() string { return strconv.FormatInt(int64(id), 10) }

// ParseTaskID é o inverso de TaskID.String.
func ParseTaskID(s string) (TaskID, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil || n <= 0 {
		return 0, ErrTaskNotFound
	}
	return TaskID(n), nil
}

type State string

const (
	StatePending    State = "pending"
	StateInProgress State = "in_progress"
	StateSucceeded  State = "succeeded"
	StateFailed     State = "failed"
	// StateExpired é o estado terminal de tarefas canceladas antes de executar.
	StateExpired State = "expired"
)

// States lista todos os estados na ordem usada em resumos e contagens.
var States = []State{StatePending, StateInProgress, StateSucceeded, StateFailed, StateExpired}

func (s State) Terminal() bool {
	return s == StateSucceeded || s == StateFailed || s == StateExpired
}

func (s State) Valid() bool {
	for _, v := range States {
		if v == s {
			return true
		}
	}
	return false
}

// transitions é o DAG de estados. A única reentrada permitida é
// pending -> in_progress -> pending (retry ou interrupção).
var transitions = map[State][]State{
	StatePending:    {StateInProgress, StateExpired},
	StateInProgress: {StateSucceeded, StateFailed, StatePending},
}

func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Task é o registro durável de uma chamada externa.
//
// Payload pertence exclusivamente à tarefa: stores devolvem cópias.
type Task struct {
	ID        TaskID  `json:"id"`
	Service   Service `json:"service"`
	Payload   []byte  `json:"payload"`
	State     State   `json:"state"`
	Attempts  int     `json:"attempt_count"`
	LastError string  `json:"last_error,omitempty"`

	// Owner é o token do worker que segura a tarefa em in_progress.
	Owner string `json:"owner,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`

	// NextEligibleAt só é preenchido para tarefas aguardando backoff de retry.
	NextEligibleAt time.Time `json:"next_eligible_at,omitempty"`
}

// Clone devolve uma cópia que não compartilha o payload.
func (t *Task) Clone() *Task {
	if t == nil {
		return nil
	}
	c := *t
	if t.Payload != nil {
		c.Payload = append([]byte(nil), t.Payload...)
	}
	return &c
}

// Result é o que o ResultSink recebe, exatamente uma vez por tarefa.
type Result struct {
	TaskID    TaskID  `json:"task_id"`
	Service   Service `json:"service"`
	Succeeded bool    `json:"succeeded"`
	Output    []byte  `json:"output,omitempty"`
	Reason    string  `json:"reason,omitempty"`
	Attempts  int     `json:"attempt_count"`
}
