// Command fake-upstream simula uma API externa de relatórios para testes locais
// do despachante. O payload decide o comportamento:
//
//	{"mode": "ok"}      200 com um relatório falso
//	{"mode": "fail"}    500 (transitório)
//	{"mode": "reject"}  400 (permanente)
//	{"mode": "slow"}    responde depois de SLOW_DELAY
//
// Com UPSTREAM_RPS > 0 a própria API passa a devolver 429, como um fornecedor
// com limite de taxa.
package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"report-dispatch/dispatch"
	"report-dispatch/dispatch/infra"

	"github.com/rs/zerolog"
)

func main() {
	log := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: "15:04:05"}).
		With().Timestamp().Str("component", "fake-upstream").Logger()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	opts := upstreamOptions{
		APIKey:    os.Getenv("FAKE_API_KEY"),
		KeyHeader: getenvDefault("FAKE_API_KEY_HEADER", "X-API-KEY"),
		SlowDelay: getenvDurationDefault("SLOW_DELAY", 5*time.Second),
		Log:       log,
	}
	h := newUpstream(opts)

	if rps := getenvFloatDefault("UPSTREAM_RPS", 0); rps > 0 {
		buckets := infra.NewClientBuckets(rps, 1)
		buckets.StartJanitor(ctx)
		h = dispatch.Throttle(dispatch.ThrottleOptions{Store: buckets, KeyFn: func(*http.Request) string { return "upstream" }})(h)
	}

	addr := getenvDefault("LISTEN_ADDR", ":8081")
	srv := &http.Server{
		Addr:              addr,
		Handler:           h,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	log.Info().Str("addr", addr).Msg("fake upstream listening")
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatal().Err(err).Msg("server error")
	}
}

func getenvDefault(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getenvFloatDefault(k string, def float64) float64 {
	if v := os.Getenv(k); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func getenvDurationDefault(k string, def time.Duration) time.Duration {
	if v := os.Getenv(k); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
