package dispatch

import (
	"fmt"
	"net/http"

	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"
	"report-dispatch/dispatch/infra"
)

// ServiceConfig descreve uma API externa: quantos workers, quais cotas e onde chamar.
type ServiceConfig struct {
	Name         domain.Service
	MaxWorkers   int
	Limits       domain.Limits
	URL          string
	APIKey       string
	APIKeyHeader string

	// Executor substitui o HTTPExecutor (testes, integrações locais).
	Executor domain.Executor
}

func (c ServiceConfig) executor(client *http.Client) (domain.Executor, error) {
	if c.Executor != nil {
		return c.Executor, nil
	}
	if c.URL == "" {
		return nil, fmt.Errorf("%w: service %s: url is required", domain.ErrInvalidConfig, c.Name)
	}
	e := infra.NewHTTPExecutor(c.URL, c.APIKey)
	if c.APIKeyHeader != "" {
		e.APIKeyHdr = c.APIKeyHeader
	}
	if client != nil {
		e.Client = client
	}
	return e, nil
}

// Limits agrupa as cotas por serviço no formato dos QuotaTracker.
func Limits(services []ServiceConfig) map[domain.Service]domain.Limits {
	out := make(map[domain.Service]domain.Limits, len(services))
	for _, s := range services {
		out[s.Name] = s.Limits
	}
	return out
}

// Lanes monta uma esteira por serviço: fila própria, pool de vagas do tamanho de
// MaxWorkers e executor. client é compartilhado pelos executores HTTP (nil = padrão).
func Lanes(services []ServiceConfig, client *http.Client) ([]application.Lane, error) {
	lanes := make([]application.Lane, 0, len(services))
	for _, s := range services {
		exec, err := s.executor(client)
		if err != nil {
			return nil, err
		}
		lanes = append(lanes, application.Lane{
			Service:  s.Name,
			Workers:  s.MaxWorkers,
			Limits:   s.Limits,
			Queue:    infra.NewQueue(),
			Slots:    infra.NewChanPool(s.MaxWorkers),
			Executor: exec,
		})
	}
	return lanes, nil
}

// Wrap aplica, de fora para dentro, o throttle por cliente e o limite de concorrência.
func Wrap(h http.Handler, throttle ThrottleOptions, conc ConcurrencyOptions) http.Handler {
	return Throttle(throttle)(ConcurrencyMiddleware(conc)(h))
}
