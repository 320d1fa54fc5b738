package results

import (
	"strings"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"

	"lectern/internal/stage"
)

// Status is the pipeline state of a document.
type Status string

const (
	StatusUploadComplete          Status = "UPLOAD_COMPLETE"
	StatusExtractionInProgress    Status = "EXTRACTION_IN_PROGRESS"
	StatusExtractionComplete      Status = "EXTRACTION_COMPLETE"
	StatusRetrievalInProgress     Status = "RAG_RETRIEVAL_IN_PROGRESS"
	StatusRetrievalComplete       Status = "RAG_RETRIEVAL_COMPLETE"
	StatusSummarizationInProgress Status = "SUMMARIZATION_IN_PROGRESS"
	StatusSummarizationComplete   Status = "SUMMARIZATION_COMPLETE"
	StatusTranslationInProgress   Status = "TRANSLATION_IN_PROGRESS"
	StatusTranslationComplete     Status = "TRANSLATION_COMPLETE"
	StatusAudioInProgress         Status = "AUDIO_GENERATION_IN_PROGRESS"
	StatusAudioComplete           Status = "AUDIO_GENERATION_COMPLETE"
	StatusProcessingComplete      Status = "PROCESSING_COMPLETE"
	StatusFailed                  Status = "FAILED"
)

// forwardOrder is the total order of non-failure states.
var forwardOrder = []Status{
	StatusUploadComplete,
	StatusExtractionInProgress,
	StatusExtractionComplete,
	StatusRetrievalInProgress,
	StatusRetrievalComplete,
	StatusSummarizationInProgress,
	StatusSummarizationComplete,
	StatusTranslationInProgress,
	StatusTranslationComplete,
	StatusAudioInProgress,
	StatusAudioComplete,
	StatusProcessingComplete,
}

var stageStatuses = map[stage.Name][2]Status{
	stage.Extraction:    {StatusExtractionInProgress, StatusExtractionComplete},
	stage.Retrieval:     {StatusRetrievalInProgress, StatusRetrievalComplete},
	stage.Summarization: {StatusSummarizationInProgress, StatusSummarizationComplete},
	stage.Translation:   {StatusTranslationInProgress, StatusTranslationComplete},
	stage.Audio:         {StatusAudioInProgress, StatusAudioComplete},
}

var rank = func() map[Status]int {
	m := make(map[Status]int, len(forwardOrder)+1)
	for i, status := range forwardOrder {
		m[status] = i
	}
	m[StatusFailed] = len(forwardOrder)
	return m
}()

// AllStatuses returns every status in transition order, FAILED last.
func AllStatuses() []Status {
	return append(append([]Status(nil), forwardOrder...), StatusFailed)
}

// ParseStatus converts a string into a Status.
func ParseStatus(value string) (Status, bool) {
	status := Status(strings.ToUpper(strings.TrimSpace(value)))
	_, ok := rank[status]
	return status, ok
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	_, ok := rank[s]
	return ok
}

// Rank orders statuses; FAILED ranks after every forward state.
func (s Status) Rank() int {
	if r, ok := rank[s]; ok {
		return r
	}
	return -1
}

// IsTerminal reports whether no further transitions may occur.
func (s Status) IsTerminal() bool {
	return s == StatusProcessingComplete || s == StatusFailed
}

// IsProcessing reports whether a stage is running.
func (s Status) IsProcessing() bool {
	return strings.HasSuffix(string(s), "_IN_PROGRESS")
}

// Stage returns the stage the status belongs to, if any.
func (s Status) Stage() (stage.Name, bool) {
	for name, pair := range stageStatuses {
		if pair[0] == s || pair[1] == s {
			return name, true
		}
	}
	return "", false
}

// Label renders the status for humans, e.g. "Rag Retrieval In Progress".
func (s Status) Label() string {
	words := strings.ToLower(strings.ReplaceAll(string(s), "_", " "))
	return cases.Title(language.English).String(words)
}

// StageStatuses returns the in-progress and complete statuses for a stage.
func StageStatuses(name stage.Name) (inProgress, complete Status) {
	pair := stageStatuses[name]
	return pair[0], pair[1]
}

// CanTransition reports whether from may move to to. Forward moves advance
// exactly one step; FAILED is reachable from every non-terminal state.
func CanTransition(from, to Status) bool {
	if !from.Valid() || !to.Valid() || from.IsTerminal() {
		return false
	}
	if to == StatusFailed {
		return true
	}
	return rank[to] == rank[from]+1
}

// ProgressFor returns the progress percentage after completed stages.
func ProgressFor(completed int) int {
	if completed < 0 {
		completed = 0
	}
	if completed > len(stage.Order) {
		completed = len(stage.Order)
	}
	return 100 * completed / len(stage.Order)
}

// ProgressAt returns the progress percentage a forward status implies.
func ProgressAt(s Status) int {
	switch {
	case s == StatusProcessingComplete:
		return 100
	case s.IsProcessing() || s == StatusUploadComplete:
		name, _ := s.Stage()
		return ProgressFor(stage.Index(name))
	default:
		name, ok := s.Stage()
		if !ok {
			return 0
		}
		return ProgressFor(stage.Index(name) + 1)
	}
}
