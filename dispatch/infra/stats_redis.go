package infra

import (
	"context"
	"fmt"
	"strings"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/redis/go-redis/v9"
)

// RedisStatsStore grava as decisões de cota em hashes do Redis:
//
//	<prefix>:total                     granted/denied cumulativos
//	<prefix>:service:<svc>             granted/denied por serviço
//	<prefix>:minute:<svc>:<yyyymmddhhmm> série temporal por minuto (expira com ttl)
type RedisStatsStore struct {
	rdb redis.UniversalClient

	prefix string
	// ttl aplica apenas nas chaves de série temporal.
	ttl time.Duration
}

type RedisStatsOption func(*RedisStatsStore)

func WithStatsPrefix(prefix string) RedisStatsOption {
	return func(s *RedisStatsStore) {
		s.prefix = strings.Trim(prefix, ":")
	}
}

func WithStatsTTL(d time.Duration) RedisStatsOption {
	return func(s *RedisStatsStore) { s.ttl = d }
}

func NewRedisStatsStore(rdb redis.UniversalClient, opts ...RedisStatsOption) *RedisStatsStore {
	s := &RedisStatsStore{
		rdb:    rdb,
		prefix: "dispatch:stats",
		ttl:    24 * time.Hour,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisStatsStore) Record(ctx context.Context, ev domain.QuotaEvent) error {
	if s == nil || s.rdb == nil {
		return nil
	}

	at := ev.At
	if at.IsZero() {
		at = time.Now()
	}

	field := "denied"
	if ev.Allowed {
		field = "granted"
	}

	pipe := s.rdb.Pipeline()
	pipe.HIncrBy(ctx, s.prefix+":total", field, 1)
	pipe.HIncrBy(ctx, s.prefix+":service:"+string(ev.Service), field, 1)
	if !ev.Allowed && ev.Violated != "" {
		pipe.HIncrBy(ctx, s.prefix+":service:"+string(ev.Service), "denied:"+string(ev.Violated), 1)
	}

	bucketKey := fmt.Sprintf("%s:minute:%s:%s", s.prefix, ev.Service, at.UTC().Format("200601021504"))
	pipe.HIncrBy(ctx, bucketKey, field, 1)
	if s.ttl > 0 {
		pipe.Expire(ctx, bucketKey, s.ttl)
	}

	_, err := pipe.Exec(ctx)
	return err
}
