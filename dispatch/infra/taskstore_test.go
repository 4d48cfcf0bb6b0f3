package infra

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/stretchr/testify/require"
)

// Todos os TaskStore passam pela mesma bateria.
func storeFactories() map[string]func(t *testing.T) domain.TaskStore {
	return map[string]func(t *testing.T) domain.TaskStore{
		"memory": func(t *testing.T) domain.TaskStore {
			return NewMemoryTaskStore()
		},
		"sqlite": func(t *testing.T) domain.TaskStore {
			s, err := NewSQLiteTaskStore(filepath.Join(t.TempDir(), "nested", "tasks.db"))
			require.NoError(t, err)
			t.Cleanup(func() { _ = s.Close() })
			return s
		},
		"redis": func(t *testing.T) domain.TaskStore {
			rdb, prefix := testRedis(t)
			return NewRedisTaskStore(rdb, WithTaskPrefix(prefix))
		},
	}
}

func eachStore(t *testing.T, fn func(t *testing.T, s domain.TaskStore)) {
	for name, factory := range storeFactories() {
		t.Run(name, func(t *testing.T) {
			fn(t, factory(t))
		})
	}
}

func newTask(svc domain.Service, payload string, at time.Time) *domain.Task {
	return &domain.Task{
		Service:   svc,
		Payload:   []byte(payload),
		State:     domain.StatePending,
		CreatedAt: at,
		UpdatedAt: at,
	}
}

func TestTaskStore_CreateAssignsIncreasingIDs(t *testing.T) {
	eachStore(t, func(t *testing.T, s domain.TaskStore) {
		ctx := context.Background()
		now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)

		a := newTask("gamma", `{"report":1}`, now)
		b := newTask("ofdata", `{"report":2}`, now)
		require.NoError(t, s.Create(ctx, a))
		require.NoError(t, s.Create(ctx, b))
		require.Greater(t, int64(b.ID), int64(a.ID))

		got, err := s.Get(ctx, a.ID)
		require.NoError(t, err)
		require.Equal(t, domain.Service("gamma"), got.Service)
		require.Equal(t, `{"report":1}`, string(got.Payload))
		require.Equal(t, domain.StatePending, got.State)
		require.True(t, got.CreatedAt.Equal(now))
		require.True(t, got.NextEligibleAt.IsZero())

		_, err = s.Get(ctx, 12345)
		require.ErrorIs(t, err, domain.ErrTaskNotFound)
	})
}

func TestTaskStore_PayloadIsCopied(t *testing.T) {
	eachStore(t, func(t *testing.T, s domain.TaskStore) {
		ctx := context.Background()
		tk := newTask("gamma", "abc", time.Now())
		require.NoError(t, s.Create(ctx, tk))

		tk.Payload[0] = 'X'
		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		require.Equal(t, "abc", string(got.Payload))

		got.Payload[0] = 'Y'
		again, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		require.Equal(t, "abc", string(again.Payload))
	})
}

func TestTaskStore_UpdateIsCompareAndSet(t *testing.T) {
	eachStore(t, func(t *testing.T, s domain.TaskStore) {
		ctx := context.Background()
		now := time.Date(2026, 2, 1, 8, 0, 0, 0, time.UTC)
		tk := newTask("gamma", "x", now)
		require.NoError(t, s.Create(ctx, tk))

		tk.State = domain.StateInProgress
		tk.Owner = "worker-1"
		tk.UpdatedAt = now.Add(time.Second)
		require.NoError(t, s.Update(ctx, tk, domain.StatePending))

		// um segundo worker com a visão antiga perde.
		stale := tk.Clone()
		stale.Owner = "worker-2"
		err := s.Update(ctx, stale, domain.StatePending)
		require.ErrorIs(t, err, domain.ErrStateConflict)

		tk.State = domain.StatePending
		tk.Attempts = 1
		tk.LastError = "upstream status 503"
		tk.Owner = ""
		tk.NextEligibleAt = now.Add(4 * time.Second)
		require.NoError(t, s.Update(ctx, tk, domain.StateInProgress))

		got, err := s.Get(ctx, tk.ID)
		require.NoError(t, err)
		require.Equal(t, domain.StatePending, got.State)
		require.Equal(t, 1, got.Attempts)
		require.Equal(t, "upstream status 503", got.LastError)
		require.Empty(t, got.Owner)
		require.True(t, got.NextEligibleAt.Equal(now.Add(4*time.Second)))

		missing := newTask("gamma", "x", now)
		missing.ID = 999999
		require.ErrorIs(t, s.Update(ctx, missing, domain.StatePending), domain.ErrTaskNotFound)
	})
}

func TestTaskStore_ListAndCountByState(t *testing.T) {
	eachStore(t, func(t *testing.T, s domain.TaskStore) {
		ctx := context.Background()
		now := time.Now()

		var ids []domain.TaskID
		for i := 0; i < 4; i++ {
			tk := newTask("gamma", "x", now)
			require.NoError(t, s.Create(ctx, tk))
			ids = append(ids, tk.ID)
		}
		running, err := s.Get(ctx, ids[1])
		require.NoError(t, err)
		running.State = domain.StateInProgress
		require.NoError(t, s.Update(ctx, running, domain.StatePending))

		pending, err := s.ListByState(ctx, domain.StatePending)
		require.NoError(t, err)
		require.Len(t, pending, 3)
		require.Equal(t, []domain.TaskID{ids[0], ids[2], ids[3]}, []domain.TaskID{pending[0].ID, pending[1].ID, pending[2].ID})

		both, err := s.ListByState(ctx, domain.StatePending, domain.StateInProgress)
		require.NoError(t, err)
		require.Len(t, both, 4)
		require.Equal(t, ids[1], both[1].ID)

		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		require.Equal(t, 3, counts[domain.StatePending])
		require.Equal(t, 1, counts[domain.StateInProgress])
		require.Equal(t, 0, counts[domain.StateSucceeded])
	})
}

func TestTaskStore_DeleteTerminalBefore(t *testing.T) {
	eachStore(t, func(t *testing.T, s domain.TaskStore) {
		ctx := context.Background()
		now := time.Date(2026, 2, 1, 12, 0, 0, 0, time.UTC)
		old := now.Add(-2 * time.Hour)

		mk := func(at time.Time, path ...domain.State) domain.TaskID {
			tk := newTask("gamma", "x", at)
			require.NoError(t, s.Create(ctx, tk))
			prev := domain.StatePending
			for _, st := range path {
				tk.State = st
				require.NoError(t, s.Update(ctx, tk, prev))
				prev = st
			}
			return tk.ID
		}

		oldOK := mk(old, domain.StateInProgress, domain.StateSucceeded)
		oldFailed := mk(old, domain.StateInProgress, domain.StateFailed)
		oldExpired := mk(old, domain.StateExpired)
		fresh := mk(now, domain.StateInProgress, domain.StateSucceeded)
		oldPending := mk(old)

		deleted, err := s.DeleteTerminalBefore(ctx, now.Add(-time.Hour))
		require.NoError(t, err)
		require.Equal(t, 1, deleted[domain.StateSucceeded])
		require.Equal(t, 1, deleted[domain.StateFailed])
		require.Equal(t, 1, deleted[domain.StateExpired])

		for _, id := range []domain.TaskID{oldOK, oldFailed, oldExpired} {
			_, err := s.Get(ctx, id)
			require.ErrorIs(t, err, domain.ErrTaskNotFound)
		}
		for _, id := range []domain.TaskID{fresh, oldPending} {
			_, err := s.Get(ctx, id)
			require.NoError(t, err)
		}

		counts, err := s.CountByState(ctx)
		require.NoError(t, err)
		require.Equal(t, 1, counts[domain.StateSucceeded])
		require.Equal(t, 1, counts[domain.StatePending])
	})
}

func TestSQLiteTaskStore_SurvivesReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tasks.db")
	ctx := context.Background()

	s, err := NewSQLiteTaskStore(path)
	require.NoError(t, err)
	tk := newTask("gamma", "keep me", time.Now())
	require.NoError(t, s.Create(ctx, tk))
	require.NoError(t, s.Close())

	s, err = NewSQLiteTaskStore(path)
	require.NoError(t, err)
	defer s.Close()

	got, err := s.Get(ctx, tk.ID)
	require.NoError(t, err)
	require.Equal(t, "keep me", string(got.Payload))

	next := newTask("gamma", "after", time.Now())
	require.NoError(t, s.Create(ctx, next))
	require.Greater(t, int64(next.ID), int64(tk.ID))
}
