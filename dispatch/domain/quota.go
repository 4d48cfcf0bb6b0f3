package domain

import (
	"context"
	"fmt"
	"time"
)

// Granularity é a largura de uma janela de cota.
type Granularity string

const (
	Minute Granularity = "minute"
	Hour   Granularity = "hour"
	Day    Granularity = "day"
)

// Granularities está em ordem crescente de rigidez; é a ordem de checagem.
var Granularities = []Granularity{Minute, Hour, Day}

func (g Granularity) Duration() time.Duration {
	switch g {
	case Minute:
		return time.Minute
	case Hour:
		return time.Hour
	case Day:
		return 24 * time.Hour
	}
	return 0
}

// WindowStart devolve o início da janela fixa que contém t.
//
// As janelas são alinhadas à época Unix em UTC: minuto em :00, hora em :00:00,
// dia à meia-noite UTC.
func (g Granularity) WindowStart(t time.Time) time.Time {
	return t.UTC().Truncate(g.Duration())
}

// Limits guarda o limite por granularidade. Granularidade ausente não é limitada.
// Limite 0 desabilita o serviço.
type Limits map[Granularity]int

func (l Limits) Validate() error {
	for g, n := range l {
		if g.Duration() == 0 {
			return fmt.Errorf("%w: unknown granularity %q", ErrInvalidConfig, g)
		}
		if n < 0 {
			return fmt.Errorf("%w: %s limit must be >= 0, got %d", ErrInvalidConfig, g, n)
		}
	}
	return nil
}

// Disabled indica que nenhuma aquisição pode ser concedida, em nenhuma janela.
func (l Limits) Disabled() bool {
	for _, n := range l {
		if n == 0 {
			return true
		}
	}
	return false
}

func (l Limits) Limit(g Granularity) (int, bool) {
	n, ok := l[g]
	return n, ok
}

type Decision struct {
	Allowed bool

	// RetryAfter é a maior espera entre as janelas violadas. Zero quando permitido.
	RetryAfter time.Duration

	// Violated é a janela que determinou RetryAfter.
	Violated Granularity
}

// WindowStatus é uma fotografia de uma janela para consultas de status.
type WindowStatus struct {
	Granularity Granularity `json:"granularity"`
	Limited     bool        `json:"limited"`
	Limit       int         `json:"limit"`
	Used        int         `json:"used"`
	Remaining   int         `json:"remaining"`
	ResetsAt    time.Time   `json:"resets_at"`
}

// QuotaTracker responde "posso enviar agora?" e "quando poderei?".
//
// TryAcquire deve ser linearizável por serviço: duas chamadas concorrentes nunca
// enxergam a mesma última vaga. Em caso de concessão, todas as janelas do serviço
// são incrementadas atomicamente.
type QuotaTracker interface {
	TryAcquire(ctx context.Context, svc Service) (Decision, error)
	Windows(ctx context.Context, svc Service) ([]WindowStatus, error)
}
