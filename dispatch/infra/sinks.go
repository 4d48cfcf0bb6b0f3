package infra

import (
	"context"
	"encoding/json"
	"fmt"

	"report-dispatch/dispatch/domain"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// SinkFunc adapta uma função a domain.ResultSink.
type SinkFunc func(ctx context.Context, r domain.Result) error

func (f SinkFunc) Deliver(ctx context.Context, r domain.Result) error { return f(ctx, r) }

// LogSink registra cada desfecho no log.
type LogSink struct {
	Log zerolog.Logger
}

func (s LogSink) Deliver(_ context.Context, r domain.Result) error {
	var ev *zerolog.Event
	if r.Succeeded {
		ev = s.Log.Info()
	} else {
		ev = s.Log.Warn().Str("reason", r.Reason)
	}
	ev.Int64("task_id", int64(r.TaskID)).
		Str("service", string(r.Service)).
		Bool("succeeded", r.Succeeded).
		Int("attempt", r.Attempts).
		Int("output_bytes", len(r.Output)).
		Msg("task result")
	return nil
}

// RedisSink publica cada desfecho como JSON num canal pub/sub.
type RedisSink struct {
	rdb     redis.UniversalClient
	channel string
}

func NewRedisSink(rdb redis.UniversalClient, channel string) *RedisSink {
	return &RedisSink{rdb: rdb, channel: channel}
}

func (s *RedisSink) Deliver(ctx context.Context, r domain.Result) error {
	msg, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("encode result: %w", err)
	}
	return s.rdb.Publish(ctx, s.channel, msg).Err()
}

// MultiSink entrega para todos os sinks e agrega os erros.
type MultiSink []domain.ResultSink

func (m MultiSink) Deliver(ctx context.Context, r domain.Result) error {
	var err error
	for _, s := range m {
		err = multierr.Append(err, s.Deliver(ctx, r))
	}
	return err
}
