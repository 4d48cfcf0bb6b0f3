package infra

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// acquireScript checa todas as janelas e só então incrementa todas.
// KEYS: uma chave por janela. ARGV: limites (-1 = sem limite) seguidos dos TTLs em ms.
// Devolve os índices (1-based) das janelas violadas; vazio significa concedido.
var acquireScript = redis.NewScript(`
local n = #KEYS
local violated = {}
for i = 1, n do
  local limit = tonumber(ARGV[i])
  if limit >= 0 then
    local c = tonumber(redis.call('GET', KEYS[i]) or '0')
    if c >= limit then
      table.insert(violated, i)
    end
  end
end
if #violated > 0 then
  return violated
end
for i = 1, n do
  local c = redis.call('INCR', KEYS[i])
  if c == 1 then
    redis.call('PEXPIRE', KEYS[i], ARGV[n + i])
  end
end
return violated
`)

// RedisQuota é um QuotaTracker de janelas fixas compartilhável entre processos.
//
// A linearização vem do script Lua: o Redis executa cada script de forma atômica.
// As chaves carregam o início da janela, então a virada é implícita e o TTL limpa
// as janelas antigas.
type RedisQuota struct {
	rdb    redis.UniversalClient
	clock  clockwork.Clock
	prefix string
	limits map[domain.Service]domain.Limits
}

type RedisQuotaOption func(*RedisQuota)

func WithRedisQuotaPrefix(prefix string) RedisQuotaOption {
	return func(q *RedisQuota) { q.prefix = strings.Trim(prefix, ":") }
}

func WithRedisQuotaClock(c clockwork.Clock) RedisQuotaOption {
	return func(q *RedisQuota) { q.clock = c }
}

func NewRedisQuota(rdb redis.UniversalClient, limits map[domain.Service]domain.Limits, opts ...RedisQuotaOption) (*RedisQuota, error) {
	for svc, l := range limits {
		if err := l.Validate(); err != nil {
			return nil, fmt.Errorf("service %s: %w", svc, err)
		}
	}
	q := &RedisQuota{
		rdb:    rdb,
		clock:  clockwork.NewRealClock(),
		prefix: "dispatch",
		limits: limits,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q, nil
}

func (q *RedisQuota) key(svc domain.Service, g domain.Granularity, start time.Time) string {
	return fmt.Sprintf("%s:quota:{%s}:%s:%d", q.prefix, svc, g, start.Unix())
}

func (q *RedisQuota) TryAcquire(ctx context.Context, svc domain.Service) (domain.Decision, error) {
	l, ok := q.limits[svc]
	if !ok {
		return domain.Decision{}, fmt.Errorf("%w: %s", domain.ErrUnknownService, svc)
	}
	now := q.clock.Now()

	n := len(domain.Granularities)
	keys := make([]string, 0, n)
	args := make([]interface{}, 2*n)
	for i, g := range domain.Granularities {
		start := g.WindowStart(now)
		keys = append(keys, q.key(svc, g, start))
		limit, limited := l.Limit(g)
		if !limited {
			limit = -1
		}
		args[i] = limit
		// margem de um minuto para o status ainda enxergar a janela recém-fechada.
		args[n+i] = (g.Duration() + time.Minute).Milliseconds()
	}

	violated, err := acquireScript.Run(ctx, q.rdb, keys, args...).Int64Slice()
	if err != nil {
		return domain.Decision{}, fmt.Errorf("quota script: %w", err)
	}
	if len(violated) == 0 {
		return domain.Decision{Allowed: true}, nil
	}

	dec := domain.Decision{}
	for _, idx := range violated {
		g := domain.Granularities[idx-1]
		wait := g.WindowStart(now).Add(g.Duration()).Sub(now)
		if wait > dec.RetryAfter {
			dec.RetryAfter = wait
			dec.Violated = g
		}
	}
	return dec, nil
}

func (q *RedisQuota) Windows(ctx context.Context, svc domain.Service) ([]domain.WindowStatus, error) {
	l, ok := q.limits[svc]
	if !ok {
		return nil, fmt.Errorf("%w: %s", domain.ErrUnknownService, svc)
	}
	now := q.clock.Now()

	keys := make([]string, 0, len(domain.Granularities))
	for _, g := range domain.Granularities {
		keys = append(keys, q.key(svc, g, g.WindowStart(now)))
	}
	vals, err := q.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("quota windows: %w", err)
	}

	out := make([]domain.WindowStatus, 0, len(keys))
	for i, g := range domain.Granularities {
		used := 0
		if s, ok := vals[i].(string); ok {
			used, _ = strconv.Atoi(s)
		}
		limit, limited := l.Limit(g)
		st := domain.WindowStatus{
			Granularity: g,
			Limited:     limited,
			Limit:       limit,
			Used:        used,
			ResetsAt:    g.WindowStart(now).Add(g.Duration()),
		}
		if limited && limit > used {
			st.Remaining = limit - used
		}
		out = append(out, st)
	}
	return out, nil
}
