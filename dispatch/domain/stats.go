package domain

import (
	"context"
	"time"
)

// QuotaEvent representa uma decisão do QuotaTracker tomada por um worker.
type QuotaEvent struct {
	Service Service
	Allowed bool

	// Violated só é preenchido quando negado.
	Violated Granularity

	At time.Time
}

// StatsStore é a estratégia de persistência das estatísticas de cota.
//
// É best-effort: um erro aqui nunca interrompe o processamento de uma tarefa.
type StatsStore interface {
	Record(ctx context.Context, ev QuotaEvent) error
}
