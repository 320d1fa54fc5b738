package stage

import (
	"context"
	"fmt"
)

// Set holds the five registered stages. Registration happens once at startup.
type Set struct {
	Extraction    Stage
	Retrieval     Stage
	Summarization Stage
	Translation   Stage
	Audio         Stage
}

// Validate ensures every stage is present.
func (s Set) Validate() error {
	for _, name := range Order {
		if s.Lookup(name) == nil {
			return fmt.Errorf("stage %s not registered", name)
		}
	}
	return nil
}

// Lookup returns the stage registered under name.
func (s Set) Lookup(name Name) Stage {
	switch name {
	case Extraction:
		return s.Extraction
	case Retrieval:
		return s.Retrieval
	case Summarization:
		return s.Summarization
	case Translation:
		return s.Translation
	case Audio:
		return s.Audio
	default:
		return nil
	}
}

// Health queries every stage that implements HealthChecker. Stages without a
// checker are reported ready.
func (s Set) Health(ctx context.Context) []Health {
	out := make([]Health, 0, len(Order))
	for _, name := range Order {
		st := s.Lookup(name)
		switch checker := st.(type) {
		case nil:
			out = append(out, Unhealthy(name, "not registered"))
		case HealthChecker:
			out = append(out, checker.HealthCheck(ctx))
		default:
			out = append(out, Healthy(name))
		}
	}
	return out
}
