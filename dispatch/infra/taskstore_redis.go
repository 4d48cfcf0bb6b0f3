package infra

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/redis/go-redis/v9"
)

// RedisTaskStore persiste tarefas no Redis:
//
//	<prefix>:task:seq        contador de IDs (INCR)
//	<prefix>:task:<id>       hash com os campos da tarefa
//	<prefix>:state:<state>   sorted set de IDs (score = ID) por estado
//
// Update usa WATCH/MULTI sobre o hash da tarefa para o compare-and-set.
type RedisTaskStore struct {
	rdb    redis.UniversalClient
	prefix string
}

var _ domain.TaskStore = (*RedisTaskStore)(nil)

// casAttempts limita as tentativas quando o WATCH detecta escrita concorrente.
const casAttempts = 3

type RedisTaskStoreOption func(*RedisTaskStore)

func WithTaskPrefix(prefix string) RedisTaskStoreOption {
	return func(s *RedisTaskStore) { s.prefix = strings.Trim(prefix, ":") }
}

func NewRedisTaskStore(rdb redis.UniversalClient, opts ...RedisTaskStoreOption) *RedisTaskStore {
	s := &RedisTaskStore{rdb: rdb, prefix: "dispatch"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *RedisTaskStore) taskKey(id domain.TaskID) string {
	return s.prefix + ":task:" + id.String()
}

func (s *RedisTaskStore) stateKey(st domain.State) string {
	return s.prefix + ":state:" + string(st)
}

func (s *RedisTaskStore) Close() error { return s.rdb.Close() }

func (s *RedisTaskStore) Create(ctx context.Context, t *domain.Task) error {
	id, err := s.rdb.Incr(ctx, s.prefix+":task:seq").Result()
	if err != nil {
		return fmt.Errorf("%w: next id: %v", domain.ErrPersistence, err)
	}
	t.ID = domain.TaskID(id)

	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.taskKey(t.ID), taskFields(t))
		pipe.ZAdd(ctx, s.stateKey(t.State), redis.Z{Score: float64(t.ID), Member: t.ID.String()})
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: create task %d: %v", domain.ErrPersistence, t.ID, err)
	}
	return nil
}

func (s *RedisTaskStore) Get(ctx context.Context, id domain.TaskID) (*domain.Task, error) {
	fields, err := s.rdb.HGetAll(ctx, s.taskKey(id)).Result()
	if err != nil {
		return nil, fmt.Errorf("%w: get task %d: %v", domain.ErrPersistence, id, err)
	}
	if len(fields) == 0 {
		return nil, fmt.Errorf("%w: %d", domain.ErrTaskNotFound, id)
	}
	return parseTask(id, fields)
}

func (s *RedisTaskStore) Update(ctx context.Context, t *domain.Task, expect domain.State) error {
	key := s.taskKey(t.ID)

	for i := 0; i < casAttempts; i++ {
		err := s.rdb.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := tx.HGet(ctx, key, "state").Result()
			if errors.Is(err, redis.Nil) {
				return fmt.Errorf("%w: %d", domain.ErrTaskNotFound, t.ID)
			}
			if err != nil {
				return fmt.Errorf("%w: update task %d: %v", domain.ErrPersistence, t.ID, err)
			}
			if domain.State(cur) != expect {
				return fmt.Errorf("%w: task %d is %s, expected %s", domain.ErrStateConflict, t.ID, cur, expect)
			}

			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				pipe.HSet(ctx, key, taskFields(t))
				if t.State != expect {
					pipe.ZRem(ctx, s.stateKey(expect), t.ID.String())
					pipe.ZAdd(ctx, s.stateKey(t.State), redis.Z{Score: float64(t.ID), Member: t.ID.String()})
				}
				return nil
			})
			if err != nil && !errors.Is(err, redis.TxFailedErr) {
				return fmt.Errorf("%w: update task %d: %v", domain.ErrPersistence, t.ID, err)
			}
			return err
		}, key)

		switch {
		case errors.Is(err, redis.TxFailedErr):
			continue
		case err == nil, errors.Is(err, domain.ErrStateConflict), errors.Is(err, domain.ErrTaskNotFound), errors.Is(err, domain.ErrPersistence):
			return err
		default:
			return fmt.Errorf("%w: update task %d: %v", domain.ErrPersistence, t.ID, err)
		}
	}
	return fmt.Errorf("%w: task %d changed concurrently", domain.ErrStateConflict, t.ID)
}

func (s *RedisTaskStore) ids(ctx context.Context, st domain.State) ([]domain.TaskID, error) {
	members, err := s.rdb.ZRange(ctx, s.stateKey(st), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]domain.TaskID, 0, len(members))
	for _, m := range members {
		id, err := domain.ParseTaskID(m)
		if err != nil {
			continue
		}
		out = append(out, id)
	}
	return out, nil
}

func (s *RedisTaskStore) ListByState(ctx context.Context, states ...domain.State) ([]*domain.Task, error) {
	var ids []domain.TaskID
	for _, st := range states {
		got, err := s.ids(ctx, st)
		if err != nil {
			return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrPersistence, err)
		}
		ids = append(ids, got...)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, s.taskKey(id))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: list tasks: %v", domain.ErrPersistence, err)
	}

	out := make([]*domain.Task, 0, len(ids))
	for i, cmd := range cmds {
		fields := cmd.Val()
		if len(fields) == 0 {
			// índice órfão: a tarefa foi apagada entre o ZRANGE e o HGETALL.
			continue
		}
		t, err := parseTask(ids[i], fields)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// DeleteTerminalBefore não é atômico entre tarefas, mas tarefas terminais não
// mudam mais de estado, então não há corrida com os workers.
func (s *RedisTaskStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (map[domain.State]int, error) {
	out := make(map[domain.State]int)
	for _, st := range []domain.State{domain.StateSucceeded, domain.StateFailed, domain.StateExpired} {
		tasks, err := s.ListByState(ctx, st)
		if err != nil {
			return nil, err
		}

		pipe := s.rdb.TxPipeline()
		n := 0
		for _, t := range tasks {
			if !t.UpdatedAt.Before(cutoff) {
				continue
			}
			pipe.Del(ctx, s.taskKey(t.ID))
			pipe.ZRem(ctx, s.stateKey(st), t.ID.String())
			n++
		}
		if n == 0 {
			continue
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return nil, fmt.Errorf("%w: cleanup: %v", domain.ErrPersistence, err)
		}
		out[st] = n
	}
	return out, nil
}

func (s *RedisTaskStore) CountByState(ctx context.Context) (map[domain.State]int, error) {
	pipe := s.rdb.Pipeline()
	cmds := make(map[domain.State]*redis.IntCmd, len(domain.States))
	for _, st := range domain.States {
		cmds[st] = pipe.ZCard(ctx, s.stateKey(st))
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("%w: count tasks: %v", domain.ErrPersistence, err)
	}

	out := zeroCounts()
	for st, cmd := range cmds {
		out[st] = int(cmd.Val())
	}
	return out, nil
}

func taskFields(t *domain.Task) map[string]any {
	return map[string]any{
		"service":          string(t.Service),
		"payload":          t.Payload,
		"state":            string(t.State),
		"attempts":         t.Attempts,
		"last_error":       t.LastError,
		"owner":            t.Owner,
		"created_at":       toNanos(t.CreatedAt),
		"updated_at":       toNanos(t.UpdatedAt),
		"next_eligible_at": toNanos(t.NextEligibleAt),
	}
}

func parseTask(id domain.TaskID, f map[string]string) (*domain.Task, error) {
	t := &domain.Task{
		ID:        id,
		Service:   domain.Service(f["service"]),
		State:     domain.State(f["state"]),
		LastError: f["last_error"],
		Owner:     f["owner"],
	}
	if p := f["payload"]; p != "" {
		t.Payload = []byte(p)
	}

	var err error
	if t.Attempts, err = strconv.Atoi(f["attempts"]); err != nil {
		return nil, fmt.Errorf("%w: task %d: bad attempts: %v", domain.ErrPersistence, id, err)
	}
	for name, dst := range map[string]*time.Time{
		"created_at":       &t.CreatedAt,
		"updated_at":       &t.UpdatedAt,
		"next_eligible_at": &t.NextEligibleAt,
	} {
		n, err := strconv.ParseInt(f[name], 10, 64)
		if err != nil {
			return nil, fmt.Errorf("%w: task %d: bad %s: %v", domain.ErrPersistence, id, name, err)
		}
		*dst = fromNanos(n)
	}
	return t, nil
}
