package controlid

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"golang.org/x/exp/slog"

	"controlsync/internal/domain/terminal"
)

const (
	defaultTimeout   = 10 * time.Second
	maxResponseBytes = 256 << 20
	userAgent        = "controlsync/1.0"
)

// Client HTTP-клиент REST API терминалов Control iD.
// Клиент не хранит сессий: токен передается в каждый вызов.
type Client struct {
	http    *http.Client
	log     *slog.Logger
	timeout time.Duration
}

type Option func(*Client)

// WithHTTPClient подменяет http.Client
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.http = c }
}

// WithTimeout задает таймаут сессионных вызовов без собственного дедлайна
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

func NewClient(log *slog.Logger, opts ...Option) *Client {
	c := &Client{
		http: &http.Client{
			Transport: &http.Transport{
				Proxy:                 http.ProxyFromEnvironment,
				MaxIdleConns:          100,
				MaxIdleConnsPerHost:   4,
				IdleConnTimeout:       90 * time.Second,
				ExpectContinueTimeout: 0,
			},
		},
		log:     log.With("component", "controlid"),
		timeout: defaultTimeout,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func endpoint(t *terminal.Terminal, path, token string, query url.Values) string {
	if query == nil {
		query = url.Values{}
	}
	if token != "" {
		query.Set("session", token)
	}
	u := t.BaseURL() + "/" + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func (c *Client) withTimeout(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); ok || c.timeout <= 0 {
		return context.WithCancel(ctx)
	}
	return context.WithTimeout(ctx, c.timeout)
}

// doRequest выполняет запрос и возвращает тело успешного ответа
func (c *Client) doRequest(ctx context.Context, op, method, rawURL, contentType string, body []byte) ([]byte, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, rawURL, reqBody)
	if err != nil {
		return nil, terminal.Fatal(op, fmt.Errorf("failed to build request: %w", err))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("User-Agent", userAgent)
	req.Header.Del("Expect")
	if id := terminal.RequestID(ctx); id != "" {
		req.Header.Set("X-Request-ID", id)
	}

	started := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, terminal.Transient(op, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, terminal.Transient(op, fmt.Errorf("failed to read response: %w", err))
	}

	c.log.Debug("terminal call",
		"op", op,
		"status", resp.StatusCode,
		"request_id", terminal.RequestID(ctx),
		"duration", time.Since(started),
	)

	if resp.StatusCode != http.StatusOK {
		return nil, classify(op, resp.StatusCode, data)
	}
	return data, nil
}

func (c *Client) postJSON(ctx context.Context, t *terminal.Terminal, op, token string, payload any, out any) error {
	var body []byte
	if payload != nil {
		var err error
		body, err = json.Marshal(payload)
		if err != nil {
			return terminal.Fatal(op, fmt.Errorf("failed to marshal payload: %w", err))
		}
	}
	data, err := c.doRequest(ctx, op, http.MethodPost, endpoint(t, op+".fcgi", token, nil), "application/json", body)
	if err != nil {
		return err
	}
	return decode(op, data, out)
}

func decode(op string, data []byte, out any) error {
	if out == nil || len(bytes.TrimSpace(data)) == 0 {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	if err := dec.Decode(out); err != nil {
		return terminal.Fatal(op, fmt.Errorf("failed to parse response: %w", err))
	}
	return nil
}

// Login открывает сессию на терминале
func (c *Client) Login(ctx context.Context, t *terminal.Terminal) (string, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	payload := map[string]string{"login": t.Login, "password": t.Password}
	var resp struct {
		Session string `json:"session"`
	}
	if err := c.postJSON(ctx, t, "login", "", payload, &resp); err != nil {
		if terminal.KindOf(err) == terminal.KindRejected {
			return "", terminal.Fatal("login", err)
		}
		return "", err
	}
	return resp.Session, nil
}

// IsValid проверяет сессию через session_is_valid
func (c *Client) IsValid(ctx context.Context, t *terminal.Terminal, token string) (bool, error) {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	var resp struct {
		Valid bool `json:"session_is_valid"`
	}
	err := c.postJSON(ctx, t, "session_is_valid", token, nil, &resp)
	if terminal.KindOf(err) == terminal.KindSessionExpired {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return resp.Valid, nil
}

// Logout закрывает сессию
func (c *Client) Logout(ctx context.Context, t *terminal.Terminal, token string) error {
	ctx, cancel := c.withTimeout(ctx)
	defer cancel()

	return c.postJSON(ctx, t, "logout", token, nil, nil)
}
