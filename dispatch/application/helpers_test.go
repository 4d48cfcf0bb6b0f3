package application

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"
	"report-dispatch/dispatch/infra"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
)

const svc = domain.Service("gamma")

type collectSink struct {
	mu      sync.Mutex
	results []domain.Result
}

func (c *collectSink) Deliver(_ context.Context, r domain.Result) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results = append(c.results, r)
	return nil
}

func (c *collectSink) all() []domain.Result {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]domain.Result(nil), c.results...)
}

func (c *collectSink) forTask(id domain.TaskID) []domain.Result {
	var out []domain.Result
	for _, r := range c.all() {
		if r.TaskID == id {
			out = append(out, r)
		}
	}
	return out
}

type fixture struct {
	store   domain.TaskStore
	limits  domain.Limits
	workers int
	cfg     Config
	clock   clockwork.Clock
	exec    domain.Executor
	stats   domain.StatsStore
}

type harness struct {
	s     *Scheduler
	store domain.TaskStore
	queue *infra.Queue
	slots domain.SlotPool
	sink  *collectSink
	clock clockwork.Clock
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.BackoffBase = time.Millisecond
	cfg.BackoffCap = 5 * time.Millisecond
	cfg.CallTimeout = time.Second
	cfg.CleanupEvery = 0
	cfg.ShutdownGrace = time.Second
	return cfg
}

func newHarness(t *testing.T, f fixture) *harness {
	t.Helper()

	if f.store == nil {
		f.store = infra.NewMemoryTaskStore()
	}
	if f.workers == 0 {
		f.workers = 1
	}
	if f.cfg == (Config{}) {
		f.cfg = testConfig()
	}
	if f.clock == nil {
		f.clock = clockwork.NewRealClock()
	}
	if f.exec == nil {
		f.exec = domain.ExecutorFunc(func(context.Context, *domain.Task) ([]byte, error) {
			return []byte("ok"), nil
		})
	}

	quota, err := infra.NewMemoryQuota(map[domain.Service]domain.Limits{svc: f.limits}, infra.WithQuotaClock(f.clock))
	require.NoError(t, err)

	h := &harness{
		store: f.store,
		queue: infra.NewQueue(),
		slots: infra.NewChanPool(f.workers),
		sink:  &collectSink{},
		clock: f.clock,
	}
	opts := []Option{WithClock(f.clock), WithSink(h.sink)}
	if f.stats != nil {
		opts = append(opts, WithStats(f.stats))
	}
	lanes := []Lane{{
		Service:  svc,
		Workers:  f.workers,
		Limits:   f.limits,
		Queue:    h.queue,
		Slots:    h.slots,
		Executor: f.exec,
	}}
	h.s, err = New(f.store, quota, lanes, f.cfg, opts...)
	require.NoError(t, err)

	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.s.Shutdown(ctx)
	})
	return h
}

func (h *harness) start(t *testing.T) {
	t.Helper()
	require.NoError(t, h.s.Start(context.Background()))
}

func (h *harness) submit(t *testing.T, payload string) domain.TaskID {
	t.Helper()
	id, err := h.s.Submit(context.Background(), svc, []byte(payload))
	require.NoError(t, err)
	return id
}

func (h *harness) task(t *testing.T, id domain.TaskID) *domain.Task {
	t.Helper()
	tk, err := h.store.Get(context.Background(), id)
	require.NoError(t, err)
	return tk
}

func (h *harness) waitState(t *testing.T, id domain.TaskID, want domain.State) *domain.Task {
	t.Helper()
	require.Eventually(t, func() bool {
		tk, err := h.store.Get(context.Background(), id)
		return err == nil && tk.State == want
	}, 5*time.Second, 5*time.Millisecond, "task %d never reached %s", id, want)
	return h.task(t, id)
}

// failingStore falha todas as escritas.
type failingStore struct {
	domain.TaskStore
}

var errDiskGone = errors.New("disk gone")

func (failingStore) Create(context.Context, *domain.Task) error { return errDiskGone }
