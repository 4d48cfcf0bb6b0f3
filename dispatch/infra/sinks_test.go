package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestLogSink_WritesResult(t *testing.T) {
	var buf bytes.Buffer
	s := LogSink{Log: zerolog.New(&buf)}

	require.NoError(t, s.Deliver(context.Background(), domain.Result{TaskID: 3, Service: "gamma", Reason: "max attempts exceeded", Attempts: 3}))

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	require.Equal(t, "warn", line["level"])
	require.Equal(t, float64(3), line["task_id"])
	require.Equal(t, "max attempts exceeded", line["reason"])
	require.Equal(t, false, line["succeeded"])
}

func TestMultiSink_DeliversToAllAndJoinsErrors(t *testing.T) {
	var got []domain.TaskID
	ok := SinkFunc(func(_ context.Context, r domain.Result) error {
		got = append(got, r.TaskID)
		return nil
	})
	errA := errors.New("a down")
	errB := errors.New("b down")

	m := MultiSink{
		SinkFunc(func(context.Context, domain.Result) error { return errA }),
		ok,
		SinkFunc(func(context.Context, domain.Result) error { return errB }),
	}
	err := m.Deliver(context.Background(), domain.Result{TaskID: 9})
	require.ErrorIs(t, err, errA)
	require.ErrorIs(t, err, errB)
	require.Equal(t, []domain.TaskID{9}, got)
}

func TestRedisSink_Publishes(t *testing.T) {
	rdb, prefix := testRedis(t)
	ctx := context.Background()
	channel := prefix + ":results"

	sub := rdb.Subscribe(ctx, channel)
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	s := NewRedisSink(rdb, channel)
	require.NoError(t, s.Deliver(ctx, domain.Result{TaskID: 4, Service: "ofdata", Succeeded: true, Output: []byte("{}")}))

	select {
	case msg := <-sub.Channel():
		var r domain.Result
		require.NoError(t, json.Unmarshal([]byte(msg.Payload), &r))
		require.Equal(t, domain.TaskID(4), r.TaskID)
		require.True(t, r.Succeeded)
	case <-time.After(2 * time.Second):
		t.Fatalf("no message published")
	}
}
