package domain

import (
	"time"
)

// =============================================================================
// Events
// =============================================================================

// EventType names an auxiliary log event.
type EventType string

const (
	EventDeploymentStart    EventType = "DEPLOYMENT_START"
	EventDeploymentSuccess  EventType = "DEPLOYMENT_SUCCESS"
	EventDeploymentFailure  EventType = "DEPLOYMENT_FAILURE"
	EventDeploymentComplete EventType = "DEPLOYMENT_COMPLETE"
)

// Extension keys set by the runner.
const (
	ExtEventType   = "event_type"
	ExtRequestID   = "request_id"
	ExtTargetIndex = "target_index"
	ExtStage       = "stage"
	ExtError       = "error"
	ExtPreviewURL  = "preview_url"
	ExtSuccessful  = "successful_count"
)

// Event is a record sent to the auxiliary log store. The core fields are fixed;
// anything else goes in Extensions.
type Event struct {
	SandboxID  string            `json:"sandbox_id"`
	JobID      string            `json:"job_id"`
	RepoURL    string            `json:"repo_url"`
	ReturnCode int               `json:"return_code"`
	Timestamp  time.Time         `json:"timestamp"`
	Extensions map[string]string `json:"extensions,omitempty"`
}

// NewEvent creates an event of the given type.
func NewEvent(eventType EventType, sandboxID, jobID, repoURL string, returnCode int, now time.Time) Event {
	return Event{
		SandboxID:  sandboxID,
		JobID:      jobID,
		RepoURL:    repoURL,
		ReturnCode: returnCode,
		Timestamp:  now.UTC(),
		Extensions: map[string]string{ExtEventType: string(eventType)},
	}
}

// With returns a copy of e with an extension set.
func (e Event) With(key, value string) Event {
	ext := make(map[string]string, len(e.Extensions)+1)
	for k, v := range e.Extensions {
		ext[k] = v
	}
	ext[key] = value
	e.Extensions = ext
	return e
}

// Type returns the event type extension.
func (e Event) Type() EventType {
	return EventType(e.Extensions[ExtEventType])
}
