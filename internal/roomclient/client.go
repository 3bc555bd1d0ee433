package roomclient

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/park285/cheese-rooms/pkg/roomdto"
	"github.com/valyala/fasthttp"
)

type Client struct {
	baseURL string
	http    *fasthttp.Client

	defaultTimeout time.Duration
	retryMax       int
}

type Option func(*Client)

func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.defaultTimeout = d }
}

func WithRetry(max int) Option {
	return func(c *Client) { c.retryMax = max }
}

func NewClient(baseURL string, opts ...Option) *Client {
	c := &Client{
		baseURL:        strings.TrimRight(baseURL, "/"),
		http:           &fasthttp.Client{ReadTimeout: 10 * time.Second, WriteTimeout: 10 * time.Second, MaxConnsPerHost: 64},
		defaultTimeout: 10 * time.Second,
		retryMax:       3,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// CreateGame is idempotent, so it is retried on transport failures.
func (c *Client) CreateGame(ctx context.Context, roomID string) (*roomdto.GameStateResponse, error) {
	var out roomdto.GameStateResponse
	if err := c.doJSON(ctx, "/rpc/createGame", roomdto.CreateGameRequest{RoomID: roomID}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetGameState(ctx context.Context, roomID string) (*roomdto.GameStateResponse, error) {
	var out roomdto.GameStateResponse
	if err := c.doJSON(ctx, "/rpc/getGameState", roomdto.GetGameStateRequest{RoomID: roomID}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

// Move is never retried: a lost response may still have committed.
func (c *Client) Move(ctx context.Context, req roomdto.MoveRequest) (*roomdto.GameStateResponse, error) {
	var out roomdto.GameStateResponse
	if err := c.doJSON(ctx, "/rpc/move", req, &out, false); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) History(ctx context.Context, roomID string) (*roomdto.HistoryResponse, error) {
	var out roomdto.HistoryResponse
	if err := c.doJSON(ctx, "/rpc/history", roomdto.HistoryRequest{RoomID: roomID}, &out, true); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) doJSON(ctx context.Context, path string, in any, out any, retry bool) error {
	url := c.baseURL + path
	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer func() {
		fasthttp.ReleaseRequest(req)
		fasthttp.ReleaseResponse(resp)
	}()

	req.Header.SetMethod(fasthttp.MethodPost)
	req.SetRequestURI(url)
	req.Header.SetContentType("application/json")

	payload, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("marshal request: %w", err)
	}
	req.SetBody(payload)

	attempts := 1
	if retry {
		attempts = c.retryMax
		if attempts <= 0 {
			attempts = 1
		}
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		deadline := c.computeDeadline(ctx)
		err := c.http.DoDeadline(req, resp, deadline)
		if err != nil {
			if attempt == attempts || !retry {
				return fmt.Errorf("request failed: %w", err)
			}
			lastErr = err
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		status := resp.StatusCode()
		if status < 200 || status >= 300 {
			derr := decodeError(status, resp.Body())
			if attempt == attempts || !retry || !shouldRetryStatus(status) {
				return derr
			}
			lastErr = derr
			if sleepErr := c.sleepWithContext(ctx, backoffDuration(attempt)); sleepErr != nil {
				return lastErr
			}
			continue
		}

		if out != nil {
			if err := json.Unmarshal(resp.Body(), out); err != nil {
				return fmt.Errorf("decode response: %w", err)
			}
		}
		return nil
	}

	if lastErr == nil {
		lastErr = errors.New("unknown error")
	}
	return lastErr
}

// decodeError turns an error body into a roomdto.DomainError so callers can
// branch on Code with errors.As.
func decodeError(status int, body []byte) error {
	var er roomdto.ErrorResponse
	if err := json.Unmarshal(body, &er); err == nil && er.Error.Code != "" {
		return er.Error
	}
	return roomdto.DomainError{
		Code:      roomdto.CodeInternal,
		Message:   fmt.Sprintf("room api error: status=%d body=%s", status, truncate(string(body), 512)),
		Retryable: shouldRetryStatus(status),
	}
}

func (c *Client) computeDeadline(ctx context.Context) time.Time {
	if dl, ok := ctx.Deadline(); ok {
		clientDL := time.Now().Add(c.defaultTimeout)
		if dl.Before(clientDL) {
			return dl
		}
		return clientDL
	}
	return time.Now().Add(c.defaultTimeout)
}

func (c *Client) sleepWithContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func backoffDuration(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 6 {
		attempt = 6
	}
	base := 100 * time.Millisecond
	return time.Duration(1<<uint(attempt-1)) * base // 100ms, 200ms ...
}

func shouldRetryStatus(code int) bool {
	switch code {
	case 500, 502, 503, 504:
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
