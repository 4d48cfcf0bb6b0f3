package domain

// Contratos do throttle por cliente da API HTTP de submissão.
// Independentes das cotas das APIs externas (ver QuotaTracker).

type Key string

// Limiter representa algo que pode decidir se uma ação é permitida agora.
type Limiter interface {
	Allow() bool
}

// LimiterStore obtém um limiter por chave (ex: IP, API key).
type LimiterStore interface {
	Get(Key) Limiter
}
