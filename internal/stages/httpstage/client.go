package httpstage

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"lectern/internal/config"
	"lectern/internal/services"
	"lectern/internal/stage"
)

const (
	defaultHTTPTimeout = 2 * time.Minute
	maxResponseBytes   = 64 << 20
	healthTimeout      = 5 * time.Second
	healthPath         = "healthz"
	userAgent          = "Lectern-Go/0.1.0"
)

// Config captures the endpoint settings of one stage collaborator.
type Config struct {
	URL            string
	Token          string
	TimeoutSeconds int
	// Client overrides the default HTTP client.
	Client *http.Client
}

// Stage invokes a remote collaborator. It implements stage.Stage and
// stage.HealthChecker.
type Stage struct {
	name       stage.Name
	endpoint   string
	token      string
	httpClient *http.Client
}

// New constructs the HTTP adapter for name.
func New(name stage.Name, cfg Config) (*Stage, error) {
	endpoint := strings.TrimSpace(cfg.URL)
	parsed, err := url.Parse(endpoint)
	if err != nil || parsed.Scheme == "" || parsed.Host == "" {
		return nil, services.Wrap(services.ErrConfiguration, string(name), "new http stage", fmt.Sprintf("invalid url %q", endpoint), err)
	}
	client := cfg.Client
	if client == nil {
		timeout := defaultHTTPTimeout
		if cfg.TimeoutSeconds > 0 {
			timeout = time.Duration(cfg.TimeoutSeconds) * time.Second
		}
		client = &http.Client{Timeout: timeout}
	}
	return &Stage{
		name:       name,
		endpoint:   endpoint,
		token:      strings.TrimSpace(cfg.Token),
		httpClient: client,
	}, nil
}

// NewSet builds the five HTTP stages from configuration.
func NewSet(cfg *config.Config) (stage.Set, error) {
	var set stage.Set
	for _, ep := range cfg.Endpoints() {
		name := stage.Name(ep.Name)
		st, err := New(name, Config{URL: ep.Endpoint.URL, Token: ep.Endpoint.Token, TimeoutSeconds: ep.Endpoint.TimeoutSeconds})
		if err != nil {
			return stage.Set{}, err
		}
		switch name {
		case stage.Extraction:
			set.Extraction = st
		case stage.Retrieval:
			set.Retrieval = st
		case stage.Summarization:
			set.Summarization = st
		case stage.Translation:
			set.Translation = st
		case stage.Audio:
			set.Audio = st
		}
	}
	return set, set.Validate()
}

// Name returns the stage this adapter serves.
func (s *Stage) Name() stage.Name {
	return s.name
}

type invokeRequest struct {
	DocumentID string             `json:"document_id"`
	Stage      stage.Name         `json:"stage"`
	RequestID  string             `json:"request_id"`
	Document   *stage.DocumentRef `json:"document,omitempty"`
	Previous   *stage.Output      `json:"previous,omitempty"`
}

type invokeResponse struct {
	ContentType string            `json:"content_type"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// Invoke sends one request to the collaborator.
func (s *Stage) Invoke(ctx context.Context, in stage.Input) (stage.Output, error) {
	documentID, _ := services.DocumentIDFromContext(ctx)
	if documentID == "" && in.Document != nil {
		documentID = in.Document.ID
	}
	requestID := uuid.NewString()
	encoded, err := json.Marshal(invokeRequest{
		DocumentID: documentID,
		Stage:      s.name,
		RequestID:  requestID,
		Document:   in.Document,
		Previous:   in.Previous,
	})
	if err != nil {
		return stage.Output{}, stage.Permanent("encode request", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.endpoint, bytes.NewReader(encoded))
	if err != nil {
		return stage.Output{}, stage.Permanent("build request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set("X-Request-ID", requestID)
	if correlationID, ok := services.RequestIDFromContext(ctx); ok {
		req.Header.Set("X-Correlation-ID", correlationID)
	}
	req.Header.Set("Idempotency-Key", documentID+"/"+string(s.name))
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}

	resp, err := s.httpClient.Do(req)
	if err != nil {
		return stage.Output{}, stage.Transient(fmt.Sprintf("%s request failed", s.name), err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes+1))
	if err != nil {
		return stage.Output{}, stage.Transient("read response", err)
	}
	if resp.StatusCode >= http.StatusMultipleChoices {
		return stage.Output{}, classifyStatus(resp.StatusCode, body)
	}
	if len(body) > maxResponseBytes {
		return stage.Output{}, stage.Permanent("response too large", fmt.Errorf("exceeds %d bytes", maxResponseBytes))
	}
	var decoded invokeResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return stage.Output{}, stage.Permanent("decode response", err)
	}
	return stage.Output{
		Stage:       s.name,
		ContentType: strings.TrimSpace(decoded.ContentType),
		Payload:     decoded.Payload,
		Attributes:  decoded.Attributes,
	}, nil
}

// statusError is the collaborator's rejection, with a trimmed body snippet.
type statusError struct {
	StatusCode int
	Body       string
}

func (e *statusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http %d", e.StatusCode)
	}
	return fmt.Sprintf("http %d: %s", e.StatusCode, e.Body)
}

func classifyStatus(code int, body []byte) error {
	snippet := strings.TrimSpace(string(body))
	if len(snippet) > 256 {
		snippet = snippet[:256]
	}
	err := &statusError{StatusCode: code, Body: snippet}
	switch {
	case code == http.StatusRequestTimeout,
		code == http.StatusTooEarly,
		code == http.StatusTooManyRequests,
		code >= http.StatusInternalServerError:
		return stage.Transient("collaborator unavailable", err)
	default:
		return stage.Permanent("collaborator rejected input", err)
	}
}

// statusCodeOf extracts the HTTP status of a collaborator rejection, if any.
func statusCodeOf(err error) (int, bool) {
	var se *statusError
	if errors.As(err, &se) {
		return se.StatusCode, true
	}
	return 0, false
}

// HealthCheck probes <url>/healthz.
func (s *Stage) HealthCheck(ctx context.Context) stage.Health {
	ctx, cancel := context.WithTimeout(ctx, healthTimeout)
	defer cancel()
	probe, err := url.JoinPath(s.endpoint, healthPath)
	if err != nil {
		return stage.Unhealthy(s.name, err.Error())
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, probe, nil)
	if err != nil {
		return stage.Unhealthy(s.name, err.Error())
	}
	req.Header.Set("User-Agent", userAgent)
	if s.token != "" {
		req.Header.Set("Authorization", "Bearer "+s.token)
	}
	resp, err := s.httpClient.Do(req)
	if err != nil {
		return stage.Unhealthy(s.name, fmt.Sprintf("unreachable: %v", err))
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
	if resp.StatusCode >= http.StatusMultipleChoices {
		return stage.Unhealthy(s.name, fmt.Sprintf("health probe returned %d", resp.StatusCode))
	}
	return stage.Healthy(s.name)
}
