package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"time"

	"report-dispatch/dispatch"
	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"
	"report-dispatch/dispatch/infra"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
	"go.uber.org/multierr"
)

func newServeCmd() *cobra.Command {
	var listen, store string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Sobe a API de submissão e os workers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := readConfig()
			if err != nil {
				return err
			}
			// flags têm precedência sobre o ambiente
			if listen != "" {
				cfg.listenAddr = listen
			}
			if store != "" {
				cfg.store = store
				if err := cfg.validate(); err != nil {
					return err
				}
			}
			log, err := newLogger(cfg.logLevel, cfg.logFormat, os.Stderr)
			if err != nil {
				return err
			}
			return serve(cmd.Context(), cfg, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", "", "endereço HTTP (sobrepõe LISTEN_ADDR)")
	cmd.Flags().StringVar(&store, "store", "", "sqlite, redis ou memory (sobrepõe STORE)")
	return cmd
}

// resources guarda o que precisa ser fechado no fim, na ordem inversa da abertura.
type resources struct {
	rdb   *redis.Client
	store domain.TaskStore
}

func (r *resources) close() error {
	var err error
	if r.store != nil {
		err = multierr.Append(err, r.store.Close())
	}
	// o RedisTaskStore fecha o cliente compartilhado
	if _, owned := r.store.(*infra.RedisTaskStore); r.rdb != nil && !owned {
		err = multierr.Append(err, r.rdb.Close())
	}
	return err
}

func serve(ctx context.Context, cfg config, log zerolog.Logger) (err error) {
	res := &resources{}
	defer func() { err = multierr.Append(err, res.close()) }()

	if cfg.needsRedis() && cfg.redisAddr != "" {
		res.rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.redisAddr,
			Password: cfg.redisPassword,
			DB:       cfg.redisDB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := res.rdb.Ping(pingCtx).Err()
		cancel()
		if err != nil {
			return fmt.Errorf("redis %s: %w", cfg.redisAddr, err)
		}
	}

	res.store, err = openStore(cfg, res.rdb)
	if err != nil {
		return err
	}

	limits := dispatch.Limits(cfg.services)
	quota, err := openQuota(cfg, res.rdb, limits)
	if err != nil {
		return err
	}

	sinks := infra.MultiSink{infra.LogSink{Log: log.With().Str("component", "sink").Logger()}}
	if cfg.resultChannel != "" {
		sinks = append(sinks, infra.NewRedisSink(res.rdb, cfg.resultChannel))
	}

	var memStats *infra.MemoryStatsStore
	opts := []application.Option{
		application.WithLogger(log.With().Str("component", "scheduler").Logger()),
		application.WithSink(sinks),
	}
	if cfg.statsEnabled {
		memStats = infra.NewMemoryStatsStore()
		stats := infra.MultiStats{memStats}
		if res.rdb != nil {
			stats = append(stats, infra.NewRedisStatsStore(res.rdb,
				infra.WithStatsPrefix(cfg.redisPrefix+":stats"),
				infra.WithStatsTTL(cfg.statsTTL)))
		}
		opts = append(opts, application.WithStats(stats))
	}

	lanes, err := dispatch.Lanes(cfg.services, &http.Client{})
	if err != nil {
		return err
	}
	sched, err := application.New(res.store, quota, lanes, cfg.sched, opts...)
	if err != nil {
		return err
	}
	if err := sched.Start(ctx); err != nil {
		return err
	}

	buckets := infra.NewClientBuckets(cfg.apiRateRPS, cfg.apiRateBurst)
	buckets.StartJanitor(ctx)

	api := &dispatch.API{
		Tasks:      sched,
		Stats:      memStats,
		MaxPayload: dispatch.DefaultMaxPayload,
		Log:        log.With().Str("component", "api").Logger(),
	}
	handler := dispatch.Wrap(api.Handler(),
		dispatch.ThrottleOptions{
			Store:               buckets,
			KeyHeader:           cfg.apiKeyHeader,
			TrustXForwardedFor:  cfg.trustXFF,
			AddRateLimitHeaders: cfg.addHeaders,
			PerService:          cfg.perServiceBuckets,
			Log:                 log,
		},
		dispatch.ConcurrencyOptions{
			Max:            cfg.concurrencyMax,
			AcquireTimeout: cfg.concurrencyTimeout,
		},
	)

	srv := &http.Server{
		Addr:              cfg.listenAddr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		log.Info().
			Str("addr", cfg.listenAddr).
			Str("store", cfg.store).
			Str("quota", cfg.quotaBackend).
			Msg("listening")
		errc <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
	case err := <-errc:
		if !errors.Is(err, http.ErrServerClosed) {
			log.Error().Err(err).Msg("http server failed")
			return multierr.Append(err, sched.Shutdown(context.Background()))
		}
	}

	log.Info().Msg("shutting down")
	// a carência dos workers é controlada pelo próprio agendador
	httpCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(httpCtx); err != nil {
		log.Warn().Err(err).Msg("http shutdown")
	}
	return sched.Shutdown(context.Background())
}

func openStore(cfg config, rdb *redis.Client) (domain.TaskStore, error) {
	switch cfg.store {
	case "redis":
		return infra.NewRedisTaskStore(rdb, infra.WithTaskPrefix(cfg.redisPrefix)), nil
	case "memory":
		return infra.NewMemoryTaskStore(), nil
	default:
		st, err := infra.NewSQLiteTaskStore(cfg.sqlitePath)
		if err != nil {
			return nil, err
		}
		return st, nil
	}
}

func openQuota(cfg config, rdb *redis.Client, limits map[domain.Service]domain.Limits) (domain.QuotaTracker, error) {
	if cfg.quotaBackend == "redis" {
		q, err := infra.NewRedisQuota(rdb, limits, infra.WithRedisQuotaPrefix(cfg.redisPrefix))
		if err != nil {
			return nil, err
		}
		return q, nil
	}
	q, err := infra.NewMemoryQuota(limits)
	if err != nil {
		return nil, err
	}
	return q, nil
}
