package testsupport

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"
)

// StageServer is an in-process stage collaborator speaking the HTTP stage
// protocol. Each stage answers POST /<stage> with a payload of the form
// "<stage>(<input>)" where input is the document URI for extraction and the
// previous payload otherwise.
type StageServer struct {
	*httptest.Server

	mu     sync.Mutex
	calls  map[string]int
	status map[string]int
	delay  map[string]time.Duration
}

type stageRequest struct {
	DocumentID string `json:"document_id"`
	Stage      string `json:"stage"`
	Document   *struct {
		URI string `json:"uri"`
	} `json:"document,omitempty"`
	Previous *struct {
		Payload []byte `json:"payload"`
	} `json:"previous,omitempty"`
}

type stageResponse struct {
	ContentType string            `json:"content_type"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// NewStageServer starts a collaborator server and closes it on cleanup.
func NewStageServer(t testing.TB) *StageServer {
	t.Helper()
	s := &StageServer{
		calls:  make(map[string]int),
		status: make(map[string]int),
		delay:  make(map[string]time.Duration),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serve))
	t.Cleanup(s.Close)
	return s
}

// Fail makes every call to name answer with the HTTP status code.
func (s *StageServer) Fail(name string, status int) {
	s.mu.Lock()
	s.status[name] = status
	s.mu.Unlock()
}

// Delay makes name wait d, or until the caller gives up, before answering.
func (s *StageServer) Delay(name string, d time.Duration) {
	s.mu.Lock()
	s.delay[name] = d
	s.mu.Unlock()
}

// Calls reports how many invocations name received.
func (s *StageServer) Calls(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[name]
}

func (s *StageServer) serve(w http.ResponseWriter, r *http.Request) {
	path := strings.Trim(r.URL.Path, "/")
	if name, ok := strings.CutSuffix(path, "/healthz"); ok && r.Method == http.MethodGet {
		s.mu.Lock()
		status := s.status[name]
		s.mu.Unlock()
		if status >= http.StatusInternalServerError {
			w.WriteHeader(status)
			return
		}
		w.WriteHeader(http.StatusOK)
		return
	}
	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	name := path
	s.mu.Lock()
	s.calls[name]++
	status := s.status[name]
	delay := s.delay[name]
	s.mu.Unlock()

	if delay > 0 {
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
	}
	if status != 0 {
		http.Error(w, name+" failed", status)
		return
	}

	var req stageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	input := ""
	switch {
	case req.Document != nil:
		input = req.Document.URI
	case req.Previous != nil:
		input = string(req.Previous.Payload)
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(stageResponse{
		ContentType: "text/plain",
		Payload:     []byte(name + "(" + input + ")"),
		Attributes:  map[string]string{"document_id": req.DocumentID},
	})
}
