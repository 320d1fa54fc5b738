// Package stage defines the capability contract every pipeline stage
// collaborator implements, along with the values that flow between stages.
package stage

import (
	"bytes"
	"context"
	"maps"
)

// Name identifies one of the five pipeline stages.
type Name string

const (
	Extraction    Name = "extraction"
	Retrieval     Name = "retrieval"
	Summarization Name = "summarization"
	Translation   Name = "translation"
	Audio         Name = "audio"
)

// Order is the fixed execution order of the pipeline.
var Order = []Name{Extraction, Retrieval, Summarization, Translation, Audio}

// Index returns the position of name within Order, or -1.
func Index(name Name) int {
	for i, candidate := range Order {
		if candidate == name {
			return i
		}
	}
	return -1
}

// Degradable reports whether a terminal failure of the stage is replaced by
// the English summary instead of failing the run.
func Degradable(name Name) bool {
	return name == Translation || name == Audio
}

// DocumentRef points at the uploaded document the first stage consumes.
type DocumentRef struct {
	ID          string            `json:"id"`
	URI         string            `json:"uri"`
	ContentType string            `json:"content_type,omitempty"`
	Pages       int               `json:"pages,omitempty"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Output is the opaque payload a stage produces, tagged with its producer.
type Output struct {
	Stage       Name              `json:"stage"`
	ContentType string            `json:"content_type,omitempty"`
	Payload     []byte            `json:"payload"`
	Attributes  map[string]string `json:"attributes,omitempty"`
	Fallback    bool              `json:"fallback,omitempty"`
}

// Clone returns a deep copy so callers cannot mutate recorded outputs.
func (o Output) Clone() Output {
	clone := o
	if o.Payload != nil {
		clone.Payload = bytes.Clone(o.Payload)
	}
	if o.Attributes != nil {
		clone.Attributes = maps.Clone(o.Attributes)
	}
	return clone
}

// Equal compares outputs field by field.
func (o Output) Equal(other Output) bool {
	return o.Stage == other.Stage &&
		o.ContentType == other.ContentType &&
		o.Fallback == other.Fallback &&
		bytes.Equal(o.Payload, other.Payload) &&
		maps.Equal(o.Attributes, other.Attributes)
}

// Input is what a stage receives: the document reference for extraction,
// the previous stage's output for every later stage.
type Input struct {
	Document *DocumentRef
	Previous *Output
}

// Stage is implemented by every stage collaborator. Implementations must be
// safe to re-invoke with the same input after a timeout.
type Stage interface {
	Invoke(ctx context.Context, in Input) (Output, error)
}

// HealthChecker is optionally implemented by stages that can report readiness.
type HealthChecker interface {
	HealthCheck(ctx context.Context) Health
}

// Func adapts a plain function to the Stage interface.
type Func func(ctx context.Context, in Input) (Output, error)

// Invoke calls f.
func (f Func) Invoke(ctx context.Context, in Input) (Output, error) {
	return f(ctx, in)
}
