package dispatch

import (
	"net"
	"net/http"
	"strings"
	"time"

	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"

	"github.com/rs/zerolog"
)

type KeyFunc func(r *http.Request) string

// ThrottleOptions configura o token bucket por cliente na frente da API.
type ThrottleOptions struct {
	Store               domain.LimiterStore
	KeyFn               KeyFunc
	KeyHeader           string
	TrustXForwardedFor  bool
	RejectStatus        int
	RetryAfter          time.Duration
	AddRateLimitHeaders bool

	// PerService dá a cada cliente um bucket por serviço em POST /tasks/{service};
	// as demais rotas usam o bucket do cliente.
	PerService bool

	Log zerolog.Logger
}

type rateInfo interface {
	RPS() float64
	Burst() int
}

func DefaultKeyFunc(keyHeader string, trustXFF bool) KeyFunc {
	return func(r *http.Request) string {
		if keyHeader != "" {
			if v := strings.TrimSpace(r.Header.Get(keyHeader)); v != "" {
				return v
			}
		}

		if trustXFF {
			// primeiro IP do X-Forwarded-For (cliente original)
			if xff := r.Header.Get("X-Forwarded-For"); xff != "" {
				first, _, _ := strings.Cut(xff, ",")
				if ip := strings.TrimSpace(first); ip != "" {
					return ip
				}
			}
		}

		host, _, err := net.SplitHostPort(strings.TrimSpace(r.RemoteAddr))
		if err == nil && host != "" {
			return host
		}
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "unknown"
	}
}

// submitService extrai o serviço de um POST /tasks/{service}. Roda antes do mux,
// então não há PathValue.
func submitService(r *http.Request) (string, bool) {
	if r.Method != http.MethodPost {
		return "", false
	}
	svc, ok := strings.CutPrefix(r.URL.Path, "/tasks/")
	if !ok || svc == "" || strings.Contains(svc, "/") {
		return "", false
	}
	return svc, true
}

// Throttle responde 429 + Retry-After quando o cliente esgota seu bucket.
func Throttle(opts ThrottleOptions) func(next http.Handler) http.Handler {
	if opts.RejectStatus == 0 {
		opts.RejectStatus = http.StatusTooManyRequests
	}
	if opts.RetryAfter == 0 {
		opts.RetryAfter = time.Second
	}
	if opts.KeyFn == nil {
		opts.KeyFn = DefaultKeyFunc(opts.KeyHeader, opts.TrustXForwardedFor)
	}

	th := application.ClientThrottle{
		Store:      opts.Store,
		RetryAfter: opts.RetryAfter,
	}

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			client := opts.KeyFn(r)
			svc, submit := submitService(r)
			key := client
			if submit && opts.PerService {
				key = client + "|" + svc
			}

			if opts.AddRateLimitHeaders {
				w.Header().Set("X-RateLimit-Key", key)
				if ri, ok := opts.Store.(rateInfo); ok {
					w.Header().Set("X-RateLimit-RPS", formatFloat(ri.RPS()))
					w.Header().Set("X-RateLimit-Burst", formatInt(ri.Burst()))
				}
			}

			dec := th.Decide(domain.Key(key))
			if !dec.Allowed {
				ev := opts.Log.Debug().Str("client", client).Str("path", r.URL.Path)
				if submit {
					ev = ev.Str("service", svc)
				}
				ev.Dur("retry_after", dec.RetryAfter).Msg("client throttled")
				w.Header().Set("Retry-After", formatInt(retryAfterSeconds(dec.RetryAfter.Seconds())))
				http.Error(w, http.StatusText(opts.RejectStatus), opts.RejectStatus)
				return
			}

			next.ServeHTTP(w, r)
		})
	}
}
