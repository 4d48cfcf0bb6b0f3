package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

type upstreamOptions struct {
	APIKey    string
	KeyHeader string
	SlowDelay time.Duration
	Log       zerolog.Logger
}

type reportRequest struct {
	Mode string `json:"mode"`
}

type reportResponse struct {
	Report string `json:"report"`
	Seq    int64  `json:"seq"`
	TaskID string `json:"task_id"`
}

func newUpstream(opts upstreamOptions) http.Handler {
	var seq atomic.Int64

	mux := http.NewServeMux()
	mux.HandleFunc("POST /", func(w http.ResponseWriter, r *http.Request) {
		if opts.APIKey != "" && r.Header.Get(opts.KeyHeader) != opts.APIKey {
			http.Error(w, "invalid api key", http.StatusUnauthorized)
			return
		}

		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		var req reportRequest
		if len(body) > 0 {
			// payload que não é JSON conta como "ok"
			_ = json.Unmarshal(body, &req)
		}

		taskID := r.Header.Get("X-Task-ID")
		opts.Log.Info().Str("task_id", taskID).Str("mode", req.Mode).Msg("request")

		switch req.Mode {
		case "fail":
			http.Error(w, "upstream exploded", http.StatusInternalServerError)
			return
		case "reject":
			http.Error(w, "bad report parameters", http.StatusBadRequest)
			return
		case "slow":
			select {
			case <-time.After(opts.SlowDelay):
			case <-r.Context().Done():
				return
			}
		}

		n := seq.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(reportResponse{
			Report: fmt.Sprintf("report #%d", n),
			Seq:    n,
			TaskID: taskID,
		})
	})
	return mux
}
