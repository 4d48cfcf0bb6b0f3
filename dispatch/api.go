package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"report-dispatch/dispatch/application"
	"report-dispatch/dispatch/domain"
	"report-dispatch/dispatch/infra"

	"github.com/rs/zerolog"
)

// DefaultMaxPayload é o maior corpo aceito em POST /tasks/{service}.
const DefaultMaxPayload = 1 << 20

const healthPath = "/healthz"

// TaskService é o que a API precisa do agendador.
type TaskService interface {
	Submit(ctx context.Context, svc domain.Service, payload []byte) (domain.TaskID, error)
	Get(ctx context.Context, id domain.TaskID) (*domain.Task, error)
	Cancel(ctx context.Context, id domain.TaskID) (bool, error)
	Status(ctx context.Context) (application.Status, error)
	Accepting() bool
}

var _ TaskService = (*application.Scheduler)(nil)

// API expõe submissão, consulta, cancelamento e status via HTTP.
type API struct {
	Tasks TaskService

	// Stats é opcional; sem ele GET /stats responde 404.
	Stats      *infra.MemoryStatsStore
	MaxPayload int64
	Log        zerolog.Logger
}

type errorBody struct {
	Error string `json:"error"`
}

type statsBody struct {
	Total          infra.Counters                    `json:"total"`
	Services       map[domain.Service]infra.Counters `json:"services"`
	DeniedByWindow map[domain.Granularity]int64      `json:"denied_by_window"`
}

func (a *API) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /tasks/{service}", a.submit)
	mux.HandleFunc("GET /tasks/{id}", a.get)
	mux.HandleFunc("DELETE /tasks/{id}", a.cancel)
	mux.HandleFunc("GET /status", a.status)
	mux.HandleFunc("GET /stats", a.stats)
	mux.HandleFunc("GET "+healthPath, a.healthz)
	return mux
}

func (a *API) submit(w http.ResponseWriter, r *http.Request) {
	limit := a.MaxPayload
	if limit <= 0 {
		limit = DefaultMaxPayload
	}
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, limit))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, http.StatusRequestEntityTooLarge, err)
			return
		}
		writeError(w, http.StatusBadRequest, err)
		return
	}

	svc := domain.Service(r.PathValue("service"))
	id, err := a.Tasks.Submit(r.Context(), svc, payload)
	if err != nil {
		code := statusFor(err)
		if code >= 500 {
			a.Log.Error().Err(err).Str("service", string(svc)).Msg("submit failed")
		}
		writeError(w, code, err)
		return
	}

	w.Header().Set("Location", "/tasks/"+id.String())
	writeJSON(w, http.StatusAccepted, map[string]domain.TaskID{"id": id})
}

func (a *API) get(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	t, err := a.Tasks.Get(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, t)
}

func (a *API) cancel(w http.ResponseWriter, r *http.Request) {
	id, err := domain.ParseTaskID(r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	ok, err := a.Tasks.Cancel(r.Context(), id)
	if err != nil {
		writeError(w, statusFor(err), err)
		return
	}
	if !ok {
		writeError(w, http.StatusConflict, errors.New("task is not pending"))
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "cancelled": true})
}

func (a *API) status(w http.ResponseWriter, r *http.Request) {
	st, err := a.Tasks.Status(r.Context())
	if err != nil {
		a.Log.Error().Err(err).Msg("status failed")
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

func (a *API) stats(w http.ResponseWriter, _ *http.Request) {
	if a.Stats == nil {
		writeError(w, http.StatusNotFound, errors.New("stats disabled"))
		return
	}
	writeJSON(w, http.StatusOK, statsBody{
		Total:          a.Stats.Total(),
		Services:       a.Stats.ByService(),
		DeniedByWindow: a.Stats.DeniedByWindow(),
	})
}

func (a *API) healthz(w http.ResponseWriter, _ *http.Request) {
	if !a.Tasks.Accepting() {
		http.Error(w, "shutting down", http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.WriteString(w, "ok")
}

// statusFor traduz a taxonomia de erros do domínio para status HTTP.
func statusFor(err error) int {
	switch {
	case errors.Is(err, domain.ErrUnknownService), errors.Is(err, domain.ErrTaskNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrServiceDisabled):
		return http.StatusForbidden
	case errors.Is(err, domain.ErrQueueFull), errors.Is(err, domain.ErrShuttingDown):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, err error) {
	writeJSON(w, code, errorBody{Error: err.Error()})
}
