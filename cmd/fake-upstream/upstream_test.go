package main

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func post(t *testing.T, h http.Handler, body string, hdr map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(body))
	for k, v := range hdr {
		req.Header.Set(k, v)
	}
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestUpstream_Modes(t *testing.T) {
	h := newUpstream(upstreamOptions{SlowDelay: 10 * time.Millisecond, Log: zerolog.Nop()})

	rr := post(t, h, `{"mode":"ok"}`, map[string]string{"X-Task-ID": "7"})
	require.Equal(t, http.StatusOK, rr.Code)
	var out reportResponse
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	require.Equal(t, "7", out.TaskID)
	require.EqualValues(t, 1, out.Seq)

	require.Equal(t, http.StatusInternalServerError, post(t, h, `{"mode":"fail"}`, nil).Code)
	require.Equal(t, http.StatusBadRequest, post(t, h, `{"mode":"reject"}`, nil).Code)
	require.Equal(t, http.StatusOK, post(t, h, `{"mode":"slow"}`, nil).Code)
	require.Equal(t, http.StatusOK, post(t, h, `not json`, nil).Code)
}

func TestUpstream_APIKey(t *testing.T) {
	h := newUpstream(upstreamOptions{APIKey: "s3cret", KeyHeader: "X-API-KEY", Log: zerolog.Nop()})

	require.Equal(t, http.StatusUnauthorized, post(t, h, `{}`, nil).Code)
	require.Equal(t, http.StatusOK, post(t, h, `{}`, map[string]string{"X-API-KEY": "s3cret"}).Code)
}
