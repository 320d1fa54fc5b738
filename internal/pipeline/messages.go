package pipeline

import (
	"fmt"

	"lectern/internal/services"
	"lectern/internal/stage"
)

var stageLabels = map[stage.Name]string{
	stage.Extraction:    "text extraction",
	stage.Retrieval:     "knowledge retrieval",
	stage.Summarization: "summarization",
	stage.Translation:   "translation",
	stage.Audio:         "audio generation",
}

// Every failure message that invites another attempt says to delete the
// document first; a stored result blocks resubmission until then.
const internalErrorMessage = "Processing stopped because of an internal error. Please delete the document and upload it again."

// FailureMessage returns the user-visible reason a stage failure ended a run.
// It never includes technical detail; that goes to the supervisor log.
func FailureMessage(name stage.Name, kind services.Kind) string {
	label, ok := stageLabels[name]
	if !ok {
		return internalErrorMessage
	}
	switch kind {
	case services.KindTimeout:
		return fmt.Sprintf("The %s step took too long to respond. Please delete the document and try again later.", label)
	case services.KindPermanent:
		return fmt.Sprintf("The document could not be processed during %s. Please check the file, then delete the document and upload it again.", label)
	default:
		return fmt.Sprintf("The %s step is temporarily unavailable. Please delete the document and try again later.", label)
	}
}

// FallbackNotice is recorded when a degradable stage is replaced by the summary.
func FallbackNotice(name stage.Name) string {
	switch name {
	case stage.Translation:
		return "Translation is unavailable right now; the English summary is provided instead."
	case stage.Audio:
		return "Audio could not be generated; the English summary is provided instead."
	default:
		return ""
	}
}

// CancelMessage explains why a cancelled run failed.
func CancelMessage(reason CancelReason) string {
	switch reason {
	case ReasonDeleted:
		return "Processing was cancelled because the document was deleted."
	case ReasonShutdown:
		return "Processing was interrupted by a service restart. Please delete the document and upload it again."
	default:
		return "Processing was cancelled. Delete the document before uploading it again."
	}
}
