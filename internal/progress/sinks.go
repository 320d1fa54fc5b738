package progress

import (
	"context"
	"fmt"
	"strconv"

	cloudevents "github.com/cloudevents/sdk-go/v2"

	"lectern/internal/results"
)

// StateRecorder maintains the status read model from progress events.
type StateRecorder struct {
	store results.StateStore
}

// NewStateRecorder returns a sink that saves each event as a state snapshot.
func NewStateRecorder(store results.StateStore) *StateRecorder {
	return &StateRecorder{store: store}
}

func (r *StateRecorder) Deliver(ctx context.Context, evt Event) error {
	return r.store.SaveState(ctx, evt.Snapshot())
}

// EventType is the CloudEvents type of published state transitions.
const EventType = "dev.lectern.pipeline.state_changed"

// WebhookSink forwards events to an HTTP endpoint as CloudEvents.
type WebhookSink struct {
	client cloudevents.Client
	target string
	source string
}

// NewWebhookSink builds a CloudEvents HTTP client for target.
func NewWebhookSink(target, source string) (*WebhookSink, error) {
	protocol, err := cloudevents.NewHTTP(cloudevents.WithTarget(target))
	if err != nil {
		return nil, fmt.Errorf("create cloudevents transport: %w", err)
	}
	client, err := cloudevents.NewClient(protocol, cloudevents.WithTimeNow())
	if err != nil {
		return nil, fmt.Errorf("create cloudevents client: %w", err)
	}
	return &WebhookSink{client: client, target: target, source: source}, nil
}

func (w *WebhookSink) Deliver(ctx context.Context, evt Event) error {
	ce := cloudevents.NewEvent()
	ce.SetID(evt.RunID + "-" + strconv.FormatUint(evt.Sequence, 10))
	ce.SetSource(w.source)
	ce.SetType(EventType)
	ce.SetSubject(evt.DocumentID)
	ce.SetTime(evt.Timestamp)
	ce.SetExtension("pipelinestate", string(evt.State))
	if err := ce.SetData(cloudevents.ApplicationJSON, evt); err != nil {
		return fmt.Errorf("encode cloudevent: %w", err)
	}
	result := w.client.Send(ctx, ce)
	if cloudevents.IsUndelivered(result) {
		return fmt.Errorf("deliver cloudevent to %s: %w", w.target, result)
	}
	if !cloudevents.IsACK(result) {
		return fmt.Errorf("webhook %s rejected event: %w", w.target, result)
	}
	return nil
}

// Notifier is the subset of the notification service NotifySink needs.
type Notifier interface {
	NotifyProcessingCompleted(ctx context.Context, documentID string, degraded bool) error
	NotifyProcessingFailed(ctx context.Context, documentID, reason string) error
}

// NotifySink turns terminal events into push notifications.
type NotifySink struct {
	notifier Notifier
}

// NewNotifySink wraps notifier.
func NewNotifySink(notifier Notifier) *NotifySink {
	return &NotifySink{notifier: notifier}
}

func (n *NotifySink) Deliver(ctx context.Context, evt Event) error {
	switch evt.State {
	case results.StatusProcessingComplete:
		return n.notifier.NotifyProcessingCompleted(ctx, evt.DocumentID, evt.Degraded)
	case results.StatusFailed:
		return n.notifier.NotifyProcessingFailed(ctx, evt.DocumentID, evt.Message)
	default:
		return nil
	}
}
