package infra

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"report-dispatch/dispatch/domain"
)

// maxResponseBody limita quanto da resposta externa vira output da tarefa.
const maxResponseBody = 10 << 20

// HTTPExecutor envia o payload da tarefa via POST para a API externa do serviço.
//
// Classificação:
//   - 2xx: sucesso, o corpo da resposta é o output
//   - 408, 425, 429, 5xx, erro de rede, timeout: transitório
//   - demais: permanente (validação, credencial, recurso inexistente)
type HTTPExecutor struct {
	URL         string
	APIKey      string
	APIKeyHdr   string
	ContentType string
	Client      *http.Client
}

func NewHTTPExecutor(url, apiKey string) *HTTPExecutor {
	return &HTTPExecutor{
		URL:         url,
		APIKey:      apiKey,
		APIKeyHdr:   "X-API-KEY",
		ContentType: "application/json",
		Client:      &http.Client{},
	}
}

func (e *HTTPExecutor) Execute(ctx context.Context, t *domain.Task) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.URL, bytes.NewReader(t.Payload))
	if err != nil {
		return nil, domain.Permanent(fmt.Errorf("build request: %w", err))
	}
	if e.ContentType != "" {
		req.Header.Set("Content-Type", e.ContentType)
	}
	if e.APIKey != "" {
		hdr := e.APIKeyHdr
		if hdr == "" {
			hdr = "X-API-KEY"
		}
		req.Header.Set(hdr, e.APIKey)
	}
	req.Header.Set("X-Task-ID", t.ID.String())

	client := e.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, domain.Transient(err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return nil, domain.Transient(fmt.Errorf("read response: %w", err))
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return body, nil
	}

	callErr := &StatusError{Code: resp.StatusCode, Body: snippet(body)}
	if retryableStatus(resp.StatusCode) {
		return nil, domain.Transient(callErr)
	}
	return nil, domain.Permanent(callErr)
}

// StatusError guarda o status HTTP de uma resposta não-2xx.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("upstream status %d", e.Code)
	}
	return fmt.Sprintf("upstream status %d: %s", e.Code, e.Body)
}

func retryableStatus(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusTooEarly, http.StatusTooManyRequests:
		return true
	}
	return code >= 500
}

func snippet(b []byte) string {
	s := strings.TrimSpace(string(b))
	if len(s) > 200 {
		s = s[:200] + "..."
	}
	return s
}

// UpstreamStatus extrai o status HTTP de um erro de chamada, se houver.
func UpstreamStatus(err error) (int, bool) {
	var se *StatusError
	if errors.As(err, &se) {
		return se.Code, true
	}
	return 0, false
}
