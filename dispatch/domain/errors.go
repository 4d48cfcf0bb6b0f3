package domain

import "errors"

var (
	ErrServiceDisabled = errors.New("service disabled")
	ErrQueueFull       = errors.New("queue full")
	ErrQuotaExhausted  = errors.New("quota exhausted") // interno: provoca espera, nunca vira falha de tarefa
	ErrTransientCall   = errors.New("transient call failure")
	ErrPermanentCall   = errors.New("permanent call failure")
	ErrPersistence     = errors.New("persistence failure")
	ErrUnknownService  = errors.New("unknown service")
	ErrTaskNotFound    = errors.New("task not found")
	ErrStateConflict   = errors.New("task state conflict")
	ErrShuttingDown    = errors.New("scheduler not accepting tasks")
	ErrInvalidConfig   = errors.New("invalid configuration")
	ErrMaxAttempts     = errors.New("max attempts exceeded")
)

// CallError classifica o erro de uma chamada externa.
//
// Erros sem classificação são tratados como transitórios.
type CallError struct {
	Permanent bool
	Err       error
}

func (e *CallError) Error() string {
	kind := "transient"
	if e.Permanent {
		kind = "permanent"
	}
	if e.Err == nil {
		return kind + " call failure"
	}
	return kind + ": " + e.Err.Error()
}

func (e *CallError) Unwrap() error { return e.Err }

func (e *CallError) Is(target error) bool {
	if e.Permanent {
		return target == ErrPermanentCall
	}
	return target == ErrTransientCall
}

func Permanent(err error) error { return &CallError{Permanent: true, Err: err} }

func Transient(err error) error { return &CallError{Err: err} }

func IsPermanent(err error) bool {
	var ce *CallError
	return errors.As(err, &ce) && ce.Permanent
}
