package dispatch

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"report-dispatch/dispatch/domain"

	"github.com/stretchr/testify/require"
)

func TestLanes_BuildsHTTPExecutors(t *testing.T) {
	var gotKey string
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotKey = r.Header.Get("Authorization")
		_, _ = w.Write([]byte("ok"))
	}))
	defer upstream.Close()

	lanes, err := Lanes([]ServiceConfig{{
		Name:         "gamma",
		MaxWorkers:   3,
		Limits:       domain.Limits{domain.Minute: 60},
		URL:          upstream.URL,
		APIKey:       "s3cret",
		APIKeyHeader: "Authorization",
	}}, upstream.Client())
	require.NoError(t, err)
	require.Len(t, lanes, 1)

	l := lanes[0]
	require.Equal(t, domain.Service("gamma"), l.Service)
	require.Equal(t, 3, l.Workers)
	require.Equal(t, 3, l.Slots.Cap())
	require.NotNil(t, l.Queue)

	out, err := l.Executor.Execute(context.Background(), &domain.Task{ID: 1})
	require.NoError(t, err)
	require.Equal(t, "ok", string(out))
	require.Equal(t, "s3cret", gotKey)
}

func TestLanes_RequiresURLWithoutExecutor(t *testing.T) {
	_, err := Lanes([]ServiceConfig{{Name: "gamma", MaxWorkers: 1}}, nil)
	require.ErrorIs(t, err, domain.ErrInvalidConfig)
}

func TestLimits_IndexesByService(t *testing.T) {
	m := Limits([]ServiceConfig{
		{Name: "gamma", Limits: domain.Limits{domain.Minute: 5}},
		{Name: "ofdata"},
	})
	require.Equal(t, domain.Limits{domain.Minute: 5}, m["gamma"])
	_, ok := m["ofdata"]
	require.True(t, ok)
}
