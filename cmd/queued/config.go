package main

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"report-dispatch/dispatch"
	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"

	"go.uber.org/multierr"
)

type config struct {
	listenAddr string
	services   []dispatch.ServiceConfig
	sched      application.Config

	store         string
	sqlitePath    string
	redisAddr     string
	redisPassword string
	redisDB       int
	redisPrefix   string
	quotaBackend  string
	resultChannel string
	statsEnabled  bool
	statsTTL      time.Duration

	apiRateRPS         float64
	apiRateBurst       int
	apiKeyHeader       string
	trustXFF           bool
	addHeaders         bool
	perServiceBuckets  bool
	concurrencyMax     int
	concurrencyTimeout time.Duration

	logLevel  string
	logFormat string
}

// needsRedis indica se algum componente configurado fala com o Redis.
func (c config) needsRedis() bool {
	return c.store == "redis" || c.quotaBackend == "redis" || c.resultChannel != "" ||
		(c.statsEnabled && c.redisAddr != "")
}

// readConfig lê o ambiente. Diferente de um getenv com fallback silencioso,
// valores malformados ou negativos são erro: todos são reportados de uma vez.
func readConfig() (config, error) {
	env := &envReader{}
	cfg := config{}

	cfg.listenAddr = env.str("LISTEN_ADDR", ":8080")

	cfg.sched = application.DefaultConfig()
	cfg.sched.MaxAttempts = env.nonNegInt("MAX_ATTEMPTS", cfg.sched.MaxAttempts)
	cfg.sched.BackoffBase = env.duration("RETRY_BACKOFF_BASE", cfg.sched.BackoffBase)
	cfg.sched.BackoffCap = env.duration("RETRY_BACKOFF_CAP", cfg.sched.BackoffCap)
	cfg.sched.CallTimeout = env.duration("CALL_TIMEOUT", cfg.sched.CallTimeout)
	cfg.sched.Retention = env.duration("CLEANUP_RETENTION", cfg.sched.Retention)
	cfg.sched.CleanupEvery = env.duration("CLEANUP_INTERVAL", cfg.sched.CleanupEvery)
	cfg.sched.BacklogCap = env.nonNegInt("BACKLOG_CAP", 0)
	cfg.sched.ShutdownGrace = env.duration("SHUTDOWN_GRACE", cfg.sched.ShutdownGrace)

	for _, name := range splitList(env.str("SERVICES", "gamma,ofdata")) {
		cfg.services = append(cfg.services, readService(env, name))
	}

	cfg.store = strings.ToLower(env.str("STORE", "sqlite"))
	cfg.sqlitePath = env.str("SQLITE_PATH", "data/dispatch.db")
	cfg.redisAddr = env.str("REDIS_ADDR", "")
	cfg.redisPassword = os.Getenv("REDIS_PASSWORD")
	cfg.redisDB = env.nonNegInt("REDIS_DB", 0)
	cfg.redisPrefix = env.str("REDIS_PREFIX", "dispatch")
	cfg.quotaBackend = strings.ToLower(env.str("QUOTA_BACKEND", "memory"))
	cfg.resultChannel = env.str("RESULT_CHANNEL", "")
	cfg.statsEnabled = env.boolean("STATS_ENABLED", true)
	cfg.statsTTL = env.duration("STATS_TTL", 24*time.Hour)

	cfg.apiRateRPS = env.float("API_RATE_RPS", 10)
	// burst alto com RPS < 1 deixa passar a rajada inicial inteira; nesse caso o padrão é 1.
	cfg.apiRateBurst = 20
	if env.isSet("API_RATE_BURST") {
		cfg.apiRateBurst = env.nonNegInt("API_RATE_BURST", 20)
	} else if cfg.apiRateRPS > 0 && cfg.apiRateRPS < 1 {
		cfg.apiRateBurst = 1
	}
	cfg.apiKeyHeader = env.str("API_KEY_HEADER", "X-API-Key")
	cfg.trustXFF = env.boolean("TRUST_XFF", false)
	cfg.addHeaders = env.boolean("ADD_RATELIMIT_HEADERS", false)
	cfg.perServiceBuckets = env.boolean("API_RATE_PER_SERVICE", true)
	cfg.concurrencyMax = env.nonNegInt("API_CONCURRENCY_MAX", 100)
	cfg.concurrencyTimeout = env.duration("API_CONCURRENCY_TIMEOUT", 0)

	cfg.logLevel = env.str("LOG_LEVEL", "info")
	cfg.logFormat = strings.ToLower(env.str("LOG_FORMAT", "console"))

	if env.errs != nil {
		return config{}, env.errs
	}
	return cfg, cfg.validate()
}

func readService(env *envReader, name string) dispatch.ServiceConfig {
	prefix := envName(name) + "_"
	sc := dispatch.ServiceConfig{
		Name:         domain.Service(name),
		MaxWorkers:   env.nonNegInt(prefix+"MAX_WORKERS", 1),
		Limits:       domain.Limits{},
		URL:          env.str(prefix+"URL", ""),
		APIKey:       os.Getenv(prefix + "API_KEY"),
		APIKeyHeader: env.str(prefix+"API_KEY_HEADER", "X-API-KEY"),
	}
	for g, key := range map[domain.Granularity]string{
		domain.Minute: "LIMIT_PER_MINUTE",
		domain.Hour:   "LIMIT_PER_HOUR",
		domain.Day:    "LIMIT_PER_DAY",
	} {
		if n, ok := env.optNonNegInt(prefix + key); ok {
			sc.Limits[g] = n
		}
	}
	return sc
}

func (c config) validate() error {
	var errs error
	switch c.store {
	case "sqlite", "redis", "memory":
	default:
		errs = multierr.Append(errs, fmt.Errorf("STORE must be sqlite, redis or memory, got %q", c.store))
	}
	switch c.quotaBackend {
	case "memory", "redis":
	default:
		errs = multierr.Append(errs, fmt.Errorf("QUOTA_BACKEND must be memory or redis, got %q", c.quotaBackend))
	}
	if c.redisAddr == "" && (c.store == "redis" || c.quotaBackend == "redis" || c.resultChannel != "") {
		errs = multierr.Append(errs, fmt.Errorf("REDIS_ADDR is required for STORE=%s QUOTA_BACKEND=%s RESULT_CHANNEL=%q", c.store, c.quotaBackend, c.resultChannel))
	}
	if len(c.services) == 0 {
		errs = multierr.Append(errs, fmt.Errorf("SERVICES must list at least one service"))
	}
	for _, s := range c.services {
		if s.MaxWorkers < 1 {
			errs = multierr.Append(errs, fmt.Errorf("%s_MAX_WORKERS must be >= 1", envName(string(s.Name))))
		}
	}
	if c.apiRateRPS <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("API_RATE_RPS must be > 0"))
	}
	if c.apiRateBurst <= 0 {
		errs = multierr.Append(errs, fmt.Errorf("API_RATE_BURST must be > 0"))
	}
	switch c.logFormat {
	case "console", "json":
	default:
		errs = multierr.Append(errs, fmt.Errorf("LOG_FORMAT must be console or json, got %q", c.logFormat))
	}
	return multierr.Append(errs, c.sched.Validate())
}

// envName converte "of-data" em "OF_DATA".
func envName(service string) string {
	return strings.ToUpper(strings.ReplaceAll(service, "-", "_"))
}

func splitList(v string) []string {
	var out []string
	for _, p := range strings.Split(v, ",") {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

// envReader acumula erros de parse em vez de cair no valor padrão.
type envReader struct {
	errs error
}

func (e *envReader) fail(k, v string, err error) {
	e.errs = multierr.Append(e.errs, fmt.Errorf("%s=%q: %w", k, v, err))
}

func (e *envReader) isSet(k string) bool {
	v, ok := os.LookupEnv(k)
	return ok && strings.TrimSpace(v) != ""
}

func (e *envReader) str(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func (e *envReader) optNonNegInt(k string) (int, bool) {
	if !e.isSet(k) {
		return 0, false
	}
	v := strings.TrimSpace(os.Getenv(k))
	i, err := strconv.Atoi(v)
	if err != nil {
		e.fail(k, v, err)
		return 0, false
	}
	if i < 0 {
		e.fail(k, v, fmt.Errorf("must be >= 0"))
		return 0, false
	}
	return i, true
}

func (e *envReader) nonNegInt(k string, def int) int {
	if i, ok := e.optNonNegInt(k); ok {
		return i
	}
	return def
}

func (e *envReader) float(k string, def float64) float64 {
	if !e.isSet(k) {
		return def
	}
	v := strings.TrimSpace(os.Getenv(k))
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return f
}

func (e *envReader) boolean(k string, def bool) bool {
	if !e.isSet(k) {
		return def
	}
	v := strings.TrimSpace(os.Getenv(k))
	b, err := strconv.ParseBool(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	return b
}

func (e *envReader) duration(k string, def time.Duration) time.Duration {
	if !e.isSet(k) {
		return def
	}
	v := strings.TrimSpace(os.Getenv(k))
	d, err := time.ParseDuration(v)
	if err != nil {
		e.fail(k, v, err)
		return def
	}
	if d < 0 {
		e.fail(k, v, fmt.Errorf("must be >= 0"))
		return def
	}
	return d
}
