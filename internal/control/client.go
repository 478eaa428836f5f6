package control

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"proposald/internal/alert/inapp"
	"proposald/internal/notification"
)

// Client talks to a running daemon's control server.
type Client struct {
	base  string
	token string
	http  *http.Client
}

func NewClient(addr, token string) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.Contains(base, "://") {
		base = "http://" + base
	}
	return &Client{base: base, token: token, http: &http.Client{Timeout: 10 * time.Second}}
}

// APIError is a non-2xx reply.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("control: %d %s", e.Status, e.Message)
}

func (c *Client) do(ctx context.Context, method, path string, q url.Values, out any) error {
	u := c.base + path
	if len(q) > 0 {
		u += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, nil)
	if err != nil {
		return err
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		var e errorResponse
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		if json.Unmarshal(b, &e) != nil || e.Error == "" {
			e.Error = strings.TrimSpace(string(b))
		}
		return &APIError{Status: resp.StatusCode, Message: e.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) Status(ctx context.Context) (Status, error) {
	var st Status
	err := c.do(ctx, http.MethodGet, "/api/status", nil, &st)
	return st, err
}

func (c *Client) List(ctx context.Context, kind notification.Kind) ([]notification.Notification, error) {
	var q url.Values
	if kind != "" {
		q = url.Values{"kind": {string(kind)}}
	}
	var out []notification.Notification
	err := c.do(ctx, http.MethodGet, "/api/notifications", q, &out)
	return out, err
}

func (c *Client) UnreadCount(ctx context.Context) (int, error) {
	var out countResponse
	err := c.do(ctx, http.MethodGet, "/api/notifications/unread-count", nil, &out)
	return out.Count, err
}

func (c *Client) MarkRead(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodPost, "/api/notifications/"+url.PathEscape(id)+"/read", nil, nil)
}

func (c *Client) MarkAllRead(ctx context.Context) (int, error) {
	var out countResponse
	err := c.do(ctx, http.MethodPost, "/api/notifications/read-all", nil, &out)
	return out.Count, err
}

func (c *Client) Remove(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "/api/notifications/"+url.PathEscape(id), nil, nil)
}

func (c *Client) Clear(ctx context.Context) (int, error) {
	var out countResponse
	err := c.do(ctx, http.MethodDelete, "/api/notifications", nil, &out)
	return out.Count, err
}

func (c *Client) InApp(ctx context.Context) (InAppView, error) {
	var out InAppView
	err := c.do(ctx, http.MethodGet, "/api/inapp", nil, &out)
	return out, err
}

func (c *Client) Act(ctx context.Context, a inapp.Action) (InAppView, error) {
	var out InAppView
	err := c.do(ctx, http.MethodPost, "/api/inapp/act", url.Values{"action": {string(a)}}, &out)
	return out, err
}

func (c *Client) Connect(ctx context.Context) (bool, error) {
	var out connectResponse
	err := c.do(ctx, http.MethodPost, "/api/session/connect", nil, &out)
	return out.Started, err
}

func (c *Client) Disconnect(ctx context.Context) error {
	return c.do(ctx, http.MethodPost, "/api/session/disconnect", nil, nil)
}
