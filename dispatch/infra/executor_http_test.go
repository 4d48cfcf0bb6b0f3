package infra

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"report-dispatch/dispatch/domain"

	"github.com/stretchr/testify/require"
)

func TestHTTPExecutor_SuccessReturnsBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("expected POST, got %s", r.Method)
		}
		if r.Header.Get("X-API-KEY") != "secret" {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		if r.Header.Get("X-Task-ID") != "7" {
			t.Errorf("expected X-Task-ID 7, got %q", r.Header.Get("X-Task-ID"))
		}
		body, _ := io.ReadAll(r.Body)
		_, _ = w.Write(append([]byte("report for "), body...))
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "secret")
	out, err := e.Execute(context.Background(), &domain.Task{ID: 7, Payload: []byte("cnpj=1")})
	require.NoError(t, err)
	require.Equal(t, "report for cnpj=1", string(out))
}

func TestHTTPExecutor_Classification(t *testing.T) {
	cases := []struct {
		status    int
		permanent bool
	}{
		{http.StatusBadRequest, true},
		{http.StatusUnauthorized, true},
		{http.StatusNotFound, true},
		{http.StatusRequestTimeout, false},
		{http.StatusTooEarly, false},
		{http.StatusTooManyRequests, false},
		{http.StatusInternalServerError, false},
		{http.StatusBadGateway, false},
		{http.StatusServiceUnavailable, false},
		{http.StatusMultipleChoices, true},
	}
	for _, c := range cases {
		t.Run(http.StatusText(c.status), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				w.WriteHeader(c.status)
				_, _ = w.Write([]byte("nope"))
			}))
			defer srv.Close()

			_, err := NewHTTPExecutor(srv.URL, "").Execute(context.Background(), &domain.Task{ID: 1})
			require.Error(t, err)
			require.Equal(t, c.permanent, domain.IsPermanent(err))
			if c.permanent {
				require.ErrorIs(t, err, domain.ErrPermanentCall)
			} else {
				require.ErrorIs(t, err, domain.ErrTransientCall)
			}

			code, ok := UpstreamStatus(err)
			require.True(t, ok)
			require.Equal(t, c.status, code)
			require.Contains(t, err.Error(), "nope")
		})
	}
}

func TestHTTPExecutor_NetworkErrorAndTimeoutAreTransient(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := NewHTTPExecutor(srv.URL, "").Execute(ctx, &domain.Task{ID: 1})
	require.Error(t, err)
	require.False(t, domain.IsPermanent(err))
	require.True(t, errors.Is(err, context.DeadlineExceeded))

	dead := httptest.NewServer(http.NotFoundHandler())
	url := dead.URL
	dead.Close()
	_, err = NewHTTPExecutor(url, "").Execute(context.Background(), &domain.Task{ID: 1})
	require.Error(t, err)
	require.ErrorIs(t, err, domain.ErrTransientCall)
}

func TestHTTPExecutor_CustomHeader(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer t0k" {
			w.WriteHeader(http.StatusForbidden)
		}
	}))
	defer srv.Close()

	e := NewHTTPExecutor(srv.URL, "Bearer t0k")
	e.APIKeyHdr = "Authorization"
	_, err := e.Execute(context.Background(), &domain.Task{ID: 1})
	require.NoError(t, err)
}
