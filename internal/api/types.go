package api

// dateTimeFormat is used for RFC3339 timestamps in API payloads.
const dateTimeFormat = "2006-01-02T15:04:05.000Z07:00"

// SubmitRequest starts processing of an uploaded document.
type SubmitRequest struct {
	DocumentID  string            `json:"document_id"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content_type,omitempty"`
	Pages       int               `json:"pages,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// DocumentState describes the pipeline state of a document.
type DocumentState struct {
	DocumentID   string `json:"document_id"`
	RunID        string `json:"run_id,omitempty"`
	State        string `json:"current_stage"`
	Label        string `json:"label"`
	Progress     int    `json:"progress_percentage"`
	Terminal     bool   `json:"terminal"`
	ErrorMessage string `json:"error_message,omitempty"`
	StartedAt    string `json:"started_at,omitempty"`
	UpdatedAt    string `json:"updated_at,omitempty"`
}

// StageOutput is one recorded stage payload.
type StageOutput struct {
	Stage       string            `json:"stage"`
	ContentType string            `json:"content_type,omitempty"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Fallback    bool              `json:"fallback,omitempty"`
}

// DocumentResult is the final processing record of a document.
type DocumentResult struct {
	DocumentID string        `json:"document_id"`
	RunID      string        `json:"run_id"`
	Status     string        `json:"status"`
	Degraded   bool          `json:"degraded"`
	Outputs    []StageOutput `json:"outputs"`
	State      DocumentState `json:"state"`
	Errors     []string      `json:"errors"`
	CreatedAt  string        `json:"created_at,omitempty"`
}

// ListResponse wraps document states for list responses.
type ListResponse struct {
	Documents []DocumentState `json:"documents"`
}

// Event is a single progress event.
type Event struct {
	Sequence   uint64 `json:"seq"`
	DocumentID string `json:"document_id"`
	RunID      string `json:"run_id"`
	State      string `json:"new_state"`
	Label      string `json:"label"`
	Progress   int    `json:"progress_percentage"`
	Message    string `json:"message,omitempty"`
	Degraded   bool   `json:"degraded,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// EventsResponse carries a page of events and the cursor for the next fetch.
type EventsResponse struct {
	Events []Event `json:"events"`
	Next   uint64  `json:"next"`
	// Oldest is the smallest sequence the daemon still buffers.
	Oldest uint64 `json:"oldest"`
	// Truncated is set when events after the requested cursor were already
	// evicted from the buffer.
	Truncated bool `json:"truncated,omitempty"`
}

// EventsQuery selects events to fetch.
type EventsQuery struct {
	Since      uint64
	Limit      int
	Follow     bool
	DocumentID string
}

// StageHealth mirrors readiness reporting for pipeline stages.
type StageHealth struct {
	Name   string `json:"name"`
	Ready  bool   `json:"ready"`
	Detail string `json:"detail,omitempty"`
}

// EngineStatus summarizes pipeline load.
type EngineStatus struct {
	Active        int           `json:"active"`
	Waiting       int           `json:"waiting"`
	MaxConcurrent int           `json:"max_concurrent"`
	Unpersisted   int           `json:"unpersisted_results"`
	Closed        bool          `json:"closed"`
	Stages        []StageHealth `json:"stages"`
}

// CheckResult is one preflight check outcome.
type CheckResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// StatusResponse aggregates daemon runtime information for API consumers.
type StatusResponse struct {
	Running   bool          `json:"running"`
	PID       int           `json:"pid"`
	StorePath string        `json:"store_path,omitempty"`
	LockPath  string        `json:"lock_path"`
	Engine    EngineStatus  `json:"engine"`
	Checks    []CheckResult `json:"checks,omitempty"`
}

// ErrorResponse is the body of every non-2xx response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// Error codes carried in ErrorResponse.Code.
const (
	CodeInvalid          = "invalid_request"
	CodeNotFound         = "not_found"
	CodeNotReady         = "not_ready"
	CodeAlreadyRunning   = "already_running"
	CodeAlreadyProcessed = "already_processed"
	CodeNotRunning       = "not_running"
	CodeUnavailable      = "unavailable"
	CodeUnauthorized     = "unauthorized"
	CodeInternal         = "internal"
)
