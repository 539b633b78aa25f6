package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"

	"golang.org/x/exp/slog"

	"controlsync/internal/app/client/config"
	"controlsync/internal/domain/mapping"
	"controlsync/internal/domain/photo"
	"controlsync/internal/domain/sync"
	"controlsync/internal/domain/terminal"
)

// ErrUnauthorized сервер отклонил токен API
var ErrUnauthorized = errors.New("unauthorized: check api token")

// APIError ответ сервера со статусом ошибки
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server error (%d): %s", e.StatusCode, e.Message)
}

// envelope общий конверт ответов API
type envelope struct {
	Status string          `json:"status"`
	Error  string          `json:"error"`
	Detail string          `json:"detail"`
	Queued bool            `json:"queued"`
	Data   json.RawMessage `json:"data"`
}

// HealthStatus состояние демона
type HealthStatus struct {
	Status    string `json:"status"`
	Terminals int    `json:"terminals"`
}

// ApplyResult итог отправки уведомления
type ApplyResult struct {
	Queued  bool          `json:"queued"`
	Results []sync.Result `json:"results,omitempty"`
}

type httpClient struct {
	client    *http.Client
	log       *slog.Logger
	baseURL   string
	token     string
	userAgent string
}

func newHTTPClient(cfg *config.Config, log *slog.Logger) *httpClient {
	return &httpClient{
		client: &http.Client{
			Timeout: cfg.Timeout,
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
			},
		},
		log:       log,
		baseURL:   cfg.BaseURL(),
		token:     cfg.APIToken,
		userAgent: "controlsync-cli/1.0",
	}
}

// Health проверяет доступность демона, токен не нужен
func (h *httpClient) Health(ctx context.Context) (*HealthStatus, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/api/v1/health", nil)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	var out HealthStatus
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("failed to parse response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return &out, &APIError{StatusCode: resp.StatusCode, Message: out.Status}
	}
	return &out, nil
}

// ApplyEvent отправляет уведомление об изменении идентичности
func (h *httpClient) ApplyEvent(ctx context.Context, ev sync.Event) (*ApplyResult, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, "/api/v1/events", ev)
	if err != nil {
		return nil, err
	}
	var results []sync.Result
	env, err := h.parseResponse(resp, &results)
	if err != nil {
		return nil, err
	}
	return &ApplyResult{Queued: env.Queued, Results: results}, nil
}

// Reconcile запускает полный проход по терминалу и ждет его завершения
func (h *httpClient) Reconcile(ctx context.Context, terminalID string) (*sync.Run, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, terminalPath(terminalID, "reconcile"), nil)
	if err != nil {
		return nil, err
	}
	var run sync.Run
	if _, err := h.parseResponse(resp, &run); err != nil {
		return nil, err
	}
	return &run, nil
}

// Runs журнал последних проходов терминала
func (h *httpClient) Runs(ctx context.Context, terminalID string, limit int) ([]sync.Run, error) {
	path := terminalPath(terminalID, "runs")
	if limit > 0 {
		path += "?limit=" + strconv.Itoa(limit)
	}
	resp, err := h.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var runs []sync.Run
	if _, err := h.parseResponse(resp, &runs); err != nil {
		return nil, err
	}
	return runs, nil
}

// Terminals список управляемых терминалов
func (h *httpClient) Terminals(ctx context.Context) ([]terminal.Terminal, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, "/api/v1/terminals", nil)
	if err != nil {
		return nil, err
	}
	var list []terminal.Terminal
	if _, err := h.parseResponse(resp, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// Mapping состояние одной идентичности на терминале
func (h *httpClient) Mapping(ctx context.Context, terminalID, upstreamID string) (*mapping.Mapping, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, terminalPath(terminalID, "mappings", upstreamID), nil)
	if err != nil {
		return nil, err
	}
	var m mapping.Mapping
	if _, err := h.parseResponse(resp, &m); err != nil {
		return nil, err
	}
	return &m, nil
}

// Mappings сопоставления терминала, state пустой без фильтра
func (h *httpClient) Mappings(ctx context.Context, terminalID string, state mapping.State) ([]mapping.Mapping, error) {
	path := terminalPath(terminalID, "mappings")
	if state != "" {
		path += "?state=" + url.QueryEscape(string(state))
	}
	resp, err := h.doRequest(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, err
	}
	var list []mapping.Mapping
	if _, err := h.parseResponse(resp, &list); err != nil {
		return nil, err
	}
	return list, nil
}

// DrainPhotos выгружает очередь фотографий терминала
func (h *httpClient) DrainPhotos(ctx context.Context, terminalID string) (*photo.DrainResult, error) {
	resp, err := h.doRequest(ctx, http.MethodPost, terminalPath(terminalID, "photos", "drain"), nil)
	if err != nil {
		return nil, err
	}
	var res photo.DrainResult
	if _, err := h.parseResponse(resp, &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// FetchPhoto фотография идентичности в том виде, в каком она хранится на терминале
func (h *httpClient) FetchPhoto(ctx context.Context, terminalID, upstreamID string) (*photo.Stored, error) {
	resp, err := h.doRequest(ctx, http.MethodGet, terminalPath(terminalID, "photos", upstreamID), nil)
	if err != nil {
		return nil, err
	}
	var p photo.Stored
	if _, err := h.parseResponse(resp, &p); err != nil {
		return nil, err
	}
	return &p, nil
}

func terminalPath(terminalID string, parts ...string) string {
	p := "/api/v1/terminals/" + url.PathEscape(terminalID)
	for _, part := range parts {
		p += "/" + url.PathEscape(part)
	}
	return p
}

func (h *httpClient) doRequest(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var reqBody io.Reader
	if body != nil {
		jsonData, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal request body: %w", err)
		}
		reqBody = bytes.NewReader(jsonData)
	}

	req, err := http.NewRequestWithContext(ctx, method, h.baseURL+path, reqBody)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("User-Agent", h.userAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if h.token != "" {
		req.Header.Set("Authorization", "Bearer "+h.token)
	}

	h.log.Debug("sending request", "method", method, "url", req.URL.String())

	resp, err := h.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}
	return resp, nil
}

// parseResponse разбирает конверт ответа и кладет data в result
func (h *httpClient) parseResponse(resp *http.Response, result any) (*envelope, error) {
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	h.log.Debug("response received", "status", resp.StatusCode, "bytes", len(body))

	if resp.StatusCode == http.StatusUnauthorized {
		return nil, ErrUnauthorized
	}

	var env envelope
	if len(body) > 0 {
		if err := json.Unmarshal(body, &env); err != nil && resp.StatusCode < 400 {
			return nil, fmt.Errorf("failed to parse response: %w", err)
		}
	}

	if resp.StatusCode >= 400 {
		msg := env.Error
		if msg == "" {
			msg = env.Detail
		}
		return nil, &APIError{StatusCode: resp.StatusCode, Message: msg}
	}

	if result != nil && len(env.Data) > 0 && string(env.Data) != "null" {
		if err := json.Unmarshal(env.Data, result); err != nil {
			return nil, fmt.Errorf("failed to parse response data: %w", err)
		}
	}
	return &env, nil
}
