// Package client talks to the xinvoice HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/antonkrylov/xinvoice/internal/httpapi"
	"github.com/antonkrylov/xinvoice/internal/runlog"
)

type Client struct {
	base string
	http *http.Client
}

// New accepts "host:port" or a full http(s) URL.
func New(addr string, timeout time.Duration) *Client {
	base := strings.TrimRight(strings.TrimSpace(addr), "/")
	if !strings.HasPrefix(base, "http://") && !strings.HasPrefix(base, "https://") {
		base = "http://" + base
	}
	return &Client{base: base, http: &http.Client{Timeout: timeout}}
}

// StatusError is a non-JSON error response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("api returned %d: %s", e.Code, strings.TrimSpace(e.Body))
}

// Generate submits a run. The response is returned for 4xx/5xx JSON bodies too.
func (c *Client) Generate(ctx context.Context, req httpapi.GenerateRequest) (httpapi.GenerateResponse, int, error) {
	var resp httpapi.GenerateResponse
	code, err := c.postJSON(ctx, "/generate_invoice", req, &resp)
	return resp, code, err
}

func (c *Client) TestConnection(ctx context.Context, environment string) (httpapi.ConnectionResponse, int, error) {
	var resp httpapi.ConnectionResponse
	code, err := c.postJSON(ctx, "/test_connection", map[string]string{"environment": environment}, &resp)
	return resp, code, err
}

func (c *Client) Environments(ctx context.Context) ([]httpapi.EnvironmentItem, error) {
	var items []httpapi.EnvironmentItem
	if err := c.getJSON(ctx, "/environments", &items); err != nil {
		return nil, err
	}
	return items, nil
}

func (c *Client) Logs(ctx context.Context, limit int) ([]runlog.Entry, error) {
	p := "/logs"
	if limit > 0 {
		p += "?limit=" + strconv.Itoa(limit)
	}
	var entries []runlog.Entry
	if err := c.getJSON(ctx, p, &entries); err != nil {
		return nil, err
	}
	return entries, nil
}

// Log returns a run log, or its transcript.
func (c *Client) Log(ctx context.Context, name string, transcript bool) (string, error) {
	p := "/logs/" + url.PathEscape(name)
	if transcript {
		p += "/transcript"
	}
	body, code, err := c.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return "", err
	}
	if code != http.StatusOK {
		return "", &StatusError{Code: code, Body: string(body)}
	}
	return string(body), nil
}

func (c *Client) postJSON(ctx context.Context, p string, in, out any) (int, error) {
	payload, err := json.Marshal(in)
	if err != nil {
		return 0, err
	}
	body, code, err := c.do(ctx, http.MethodPost, p, payload)
	if err != nil {
		return 0, err
	}
	if err := json.Unmarshal(body, out); err != nil {
		return code, &StatusError{Code: code, Body: string(body)}
	}
	return code, nil
}

func (c *Client) getJSON(ctx context.Context, p string, out any) error {
	body, code, err := c.do(ctx, http.MethodGet, p, nil)
	if err != nil {
		return err
	}
	if code != http.StatusOK {
		return &StatusError{Code: code, Body: string(body)}
	}
	return json.Unmarshal(body, out)
}

func (c *Client) do(ctx context.Context, method, p string, payload []byte) ([]byte, int, error) {
	var rd io.Reader
	if payload != nil {
		rd = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.base+p, rd)
	if err != nil {
		return nil, 0, err
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("%s %s: %w", method, p, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, resp.StatusCode, err
	}
	return body, resp.StatusCode, nil
}
