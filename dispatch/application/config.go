package application

import (
	"fmt"
	"time"

	"report-dispatch/dispatch/domain"
)

// Config reúne as opções globais do agendador.
type Config struct {
	// MaxAttempts é o número máximo de tentativas por tarefa; 0 vale como 1.
	MaxAttempts int

	BackoffBase time.Duration
	BackoffCap  time.Duration

	// CallTimeout é o teto de cada chamada externa; estourar conta como falha transitória.
	CallTimeout time.Duration

	// Retention é a idade mínima de uma tarefa terminal para ser removida.
	Retention time.Duration

	// CleanupEvery <= 0 desliga a varredura periódica (Sweep ainda pode ser chamado).
	CleanupEvery time.Duration

	// BacklogCap limita o backlog de cada serviço; 0 = sem limite.
	BacklogCap int

	ShutdownGrace time.Duration
}

func DefaultConfig() Config {
	return Config{
		MaxAttempts:   3,
		BackoffBase:   2 * time.Second,
		BackoffCap:    5 * time.Minute,
		CallTimeout:   60 * time.Second,
		Retention:     time.Hour,
		CleanupEvery:  5 * time.Minute,
		ShutdownGrace: 30 * time.Second,
	}
}

func (c Config) Validate() error {
	switch {
	case c.MaxAttempts < 0:
		return fmt.Errorf("%w: max attempts must be >= 0", domain.ErrInvalidConfig)
	case c.BackoffBase < 0 || c.BackoffCap < 0:
		return fmt.Errorf("%w: retry backoff must be >= 0", domain.ErrInvalidConfig)
	case c.BackoffBase > 0 && c.BackoffCap == 0:
		return fmt.Errorf("%w: retry backoff cap must be > 0", domain.ErrInvalidConfig)
	case c.BackoffCap > 0 && c.BackoffCap < c.BackoffBase:
		return fmt.Errorf("%w: retry backoff cap below base", domain.ErrInvalidConfig)
	case c.CallTimeout <= 0:
		return fmt.Errorf("%w: call timeout must be > 0", domain.ErrInvalidConfig)
	case c.Retention < 0:
		return fmt.Errorf("%w: cleanup retention must be >= 0", domain.ErrInvalidConfig)
	case c.BacklogCap < 0:
		return fmt.Errorf("%w: backlog cap must be >= 0", domain.ErrInvalidConfig)
	case c.ShutdownGrace < 0:
		return fmt.Errorf("%w: shutdown grace must be >= 0", domain.ErrInvalidConfig)
	}
	return nil
}

func (c Config) attempts() int {
	if c.MaxAttempts < 1 {
		return 1
	}
	return c.MaxAttempts
}

// Lane é a esteira de um serviço: backlog, vagas de worker e executor.
type Lane struct {
	Service  domain.Service
	Workers  int
	Limits   domain.Limits
	Queue    domain.DispatchQueue
	Slots    domain.SlotPool
	Executor domain.Executor
}

func (l Lane) validate() error {
	switch {
	case l.Service == "":
		return fmt.Errorf("%w: empty service name", domain.ErrInvalidConfig)
	case l.Workers < 1:
		return fmt.Errorf("%w: service %s: max workers must be >= 1", domain.ErrInvalidConfig, l.Service)
	case l.Queue == nil || l.Slots == nil || l.Executor == nil:
		return fmt.Errorf("%w: service %s: queue, slots and executor are required", domain.ErrInvalidConfig, l.Service)
	}
	if err := l.Limits.Validate(); err != nil {
		return fmt.Errorf("service %s: %w", l.Service, err)
	}
	return nil
}
