package rewrite

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/valyala/fasthttp"
	"go.uber.org/zap"
)

// Temperature is fixed so rewrites stay close to the source text.
const Temperature = 0.3

// Kind classifies a rewrite failure.
type Kind string

const (
	KindTransport Kind = "transport"
	KindStatus    Kind = "status"
	KindDecode    Kind = "decode"
	KindEmpty     Kind = "empty"
)

// Error is returned alongside the original text whenever a rewrite fails.
type Error struct {
	Kind   Kind
	Status int
	Err    error
}

func (e *Error) Error() string {
	if e.Status != 0 {
		return fmt.Sprintf("rewrite %s (status %d): %v", e.Kind, e.Status, e.Err)
	}
	return fmt.Sprintf("rewrite %s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Rewriter turns raw console output into chat-friendly text.
type Rewriter interface {
	Enabled() bool
	Rewrite(ctx context.Context, text string) (string, error)
}

// Passthrough returns its input unchanged.
type Passthrough struct{}

func (Passthrough) Enabled() bool { return false }

func (Passthrough) Rewrite(_ context.Context, text string) (string, error) { return text, nil }

type Config struct {
	BaseURL     string // e.g. https://api.openai.com/v1
	APIKey      string
	Model       string
	Instruction string
	Timeout     time.Duration
}

// Client calls an OpenAI-compatible /chat/completions endpoint.
type Client struct {
	cfg      Config
	http     *fasthttp.Client
	retryMax int
	logger   *zap.Logger
}

type Option func(*Client)

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.logger = l
		}
	}
}

// New returns Passthrough when no endpoint is configured.
func New(cfg Config, opts ...Option) Rewriter {
	if strings.TrimSpace(cfg.BaseURL) == "" {
		return Passthrough{}
	}
	return NewClient(cfg, opts...)
}

func NewClient(cfg Config, opts ...Option) *Client {
	cfg.BaseURL = strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	c := &Client{
		cfg:      cfg,
		http:     &fasthttp.Client{ReadTimeout: cfg.Timeout, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 16},
		retryMax: 2,
		logger:   zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

func (c *Client) Enabled() bool { return true }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Rewrite returns the first completion, trimmed. On failure it returns the
// original text together with an *Error.
func (c *Client) Rewrite(ctx context.Context, text string) (string, error) {
	req := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{
			{Role: "system", Content: c.cfg.Instruction},
			{Role: "user", Content: text},
		},
		Temperature: Temperature,
	}
	var resp chatResponse
	if err := c.doJSON(ctx, "/chat/completions", req, &resp); err != nil {
		c.logger.Warn("rewrite_failed", zap.Error(err))
		return text, err
	}
	if len(resp.Choices) == 0 {
		return text, &Error{Kind: KindEmpty, Err: errors.New("no choices")}
	}
	out := strings.TrimSpace(resp.Choices[0].Message.Content)
	if out == "" {
		return text, &Error{Kind: KindEmpty, Err: errors.New("blank completion")}
	}
	return out, nil
}

func (c *Client) doJSON(ctx context.Context, path string, in any, out any) error {
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(c.cfg.BaseURL + path)
	req.Header.SetContentType("application/json")
	if c.cfg.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	}
	payload, err := json.Marshal(in)
	if err != nil {
		return &Error{Kind: KindDecode, Err: fmt.Errorf("marshal request: %w", err)}
	}
	req.SetBody(payload)

	attempts := c.retryMax
	if attempts <= 0 {
		attempts = 1
	}
	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return &Error{Kind: KindTransport, Err: err}
		}
		if err := c.http.DoDeadline(req, resp, c.computeDeadline(ctx)); err != nil {
			lastErr = &Error{Kind: KindTransport, Err: err}
			if attempt == attempts || sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			lastErr = &Error{Kind: KindStatus, Status: status, Err: errors.New(truncate(string(resp.Body()), 256))}
			if attempt == attempts || !shouldRetryStatus(status) || sleepWithContext(ctx, backoffDuration(attempt)) != nil {
				return lastErr
			}
			continue
		}

		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return &Error{Kind: KindDecode, Err: err}
		}
		return nil
	}
	return lastErr
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	clientDL := time.Now().Add(c.cfg.Timeout)
	if dl, ok := ctx.Deadline(); ok && dl.Before(clientDL) {
		return dl
	}
	return clientDL
}

func sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// 200ms, 400ms, 800ms ... capped at 3.2s
func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 5 {
		attempt = 5
	}
	return time.Duration(1<<uint(attempt-1)) * 200 * time.Millisecond
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 429, 500, 502, 503, 504:
		return true
	default:
		return false
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
