package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"syscall"
	"time"

	"lectern/internal/config"
)

var (
	// ErrNotFound is returned when the daemon knows nothing about a document.
	ErrNotFound = errors.New("document not found")
	// ErrNotReady is returned by Result while the run has not finished.
	ErrNotReady = errors.New("result not ready")
	// ErrConflict is returned when a request clashes with the document's current run.
	ErrConflict = errors.New("conflict")
	// ErrUnauthorized is returned when the API token is missing or wrong.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrDaemonUnavailable is returned when nothing listens on the API address.
	ErrDaemonUnavailable = errors.New("daemon not running")
)

// StatusError is a non-2xx API response.
type StatusError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *StatusError) Error() string {
	msg := strings.TrimSpace(e.Message)
	if msg == "" {
		msg = http.StatusText(e.StatusCode)
	}
	return fmt.Sprintf("api: %s (HTTP %d)", msg, e.StatusCode)
}

// Is maps response codes onto the package sentinels.
func (e *StatusError) Is(target error) bool {
	switch target {
	case ErrNotFound:
		return e.StatusCode == http.StatusNotFound
	case ErrConflict:
		return e.StatusCode == http.StatusConflict
	case ErrUnauthorized:
		return e.StatusCode == http.StatusUnauthorized
	case ErrDaemonUnavailable:
		return e.StatusCode == http.StatusServiceUnavailable
	}
	return false
}

// Client talks to the daemon HTTP API.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for baseURL. A nil httpClient uses a 60 second timeout,
// which outlasts the server's long-poll window.
func NewClient(baseURL, token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL: strings.TrimRight(strings.TrimSpace(baseURL), "/"),
		token:   strings.TrimSpace(token),
		http:    httpClient,
	}
}

// ClientFromConfig targets the configured api_bind address.
func ClientFromConfig(cfg *config.Config) *Client {
	return NewClient(BaseURL(cfg.Paths.APIBind), cfg.Paths.APIToken, nil)
}

// BaseURL turns a listen address into a URL; wildcard hosts are dialed on loopback.
func BaseURL(bind string) string {
	bind = strings.TrimSpace(bind)
	if strings.HasPrefix(bind, "http://") || strings.HasPrefix(bind, "https://") {
		return bind
	}
	host, port, err := net.SplitHostPort(bind)
	if err != nil {
		return "http://" + bind
	}
	if host == "" || host == "0.0.0.0" || host == "::" {
		host = "127.0.0.1"
	}
	return "http://" + net.JoinHostPort(host, port)
}

// Submit starts processing a document and returns its initial state.
func (c *Client) Submit(ctx context.Context, req SubmitRequest) (*DocumentState, error) {
	var resp DocumentState
	if err := c.do(ctx, http.MethodPost, "/api/documents", nil, req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// State returns the document's current state.
func (c *Client) State(ctx context.Context, documentID string) (*DocumentState, error) {
	var resp DocumentState
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "state"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Result returns the final record, or ErrNotReady while the run is in flight.
func (c *Client) Result(ctx context.Context, documentID string) (*DocumentResult, error) {
	var resp DocumentResult
	if err := c.do(ctx, http.MethodGet, documentPath(documentID, "result"), nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// List returns document states, optionally filtered by state name.
func (c *Client) List(ctx context.Context, states ...string) ([]DocumentState, error) {
	query := url.Values{}
	for _, s := range states {
		if s = strings.TrimSpace(s); s != "" {
			query.Add("state", s)
		}
	}
	var resp ListResponse
	if err := c.do(ctx, http.MethodGet, "/api/documents", query, nil, &resp); err != nil {
		return nil, err
	}
	return resp.Documents, nil
}

// Cancel stops an active run; the run settles as FAILED.
func (c *Client) Cancel(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodPost, documentPath(documentID, "cancel"), nil, nil, nil)
}

// Delete cancels any active run and removes the stored result and state.
func (c *Client) Delete(ctx context.Context, documentID string) error {
	return c.do(ctx, http.MethodDelete, documentPath(documentID, ""), nil, nil, nil)
}

// Events fetches progress events after q.Since.
func (c *Client) Events(ctx context.Context, q EventsQuery) (*EventsResponse, error) {
	query := url.Values{}
	if q.Since > 0 {
		query.Set("since", strconv.FormatUint(q.Since, 10))
	}
	if q.Limit > 0 {
		query.Set("limit", strconv.Itoa(q.Limit))
	}
	if q.Follow {
		query.Set("follow", "1")
	}
	if id := strings.TrimSpace(q.DocumentID); id != "" {
		query.Set("document", id)
	}
	var resp EventsResponse
	if err := c.do(ctx, http.MethodGet, "/api/events", query, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// Status retrieves the daemon status.
func (c *Client) Status(ctx context.Context) (*StatusResponse, error) {
	var resp StatusResponse
	if err := c.do(ctx, http.MethodGet, "/api/status", nil, nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

func documentPath(documentID, action string) string {
	path := "/api/documents/" + url.PathEscape(strings.TrimSpace(documentID))
	if action != "" {
		path += "/" + action
	}
	return path
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, body, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, target, reader)
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		if isConnRefused(err) {
			return fmt.Errorf("%w at %s", ErrDaemonUnavailable, c.baseURL)
		}
		return fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted && method == http.MethodGet {
		return ErrNotReady
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr ErrorResponse
		_ = json.NewDecoder(io.LimitReader(resp.Body, 64<<10)).Decode(&apiErr)
		return &StatusError{StatusCode: resp.StatusCode, Code: apiErr.Code, Message: apiErr.Error}
	}
	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func isConnRefused(err error) bool {
	return errors.Is(err, syscall.ECONNREFUSED)
}
