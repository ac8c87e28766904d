package live

import (
	"time"

	"github.com/zhouzirui/theme-pulse/backend/internal/model/session"
)

// Kind 标识推送给看板的事件类型。
type Kind string

const (
	KindStatus  Kind = "status"
	KindSummary Kind = "summary"
	KindError   Kind = "error"
)

// Event is one message delivered to every subscriber of a session.
type Event struct {
	Kind    Kind `json:"type"`
	Payload any  `json:"data"`
}

// Status reports how many responses exist and how many are required.
type Status struct {
	ResponseCount int `json:"response_count"`
	MinRequired   int `json:"min_required"`
}

// Failure reports a summarization attempt that produced no summary.
type Failure struct {
	Error         bool      `json:"error"`
	Message       string    `json:"message"`
	ResponseCount int       `json:"response_count"`
	Timestamp     time.Time `json:"timestamp"`
}

// StatusEvent builds a status event.
func StatusEvent(count, minRequired int) Event {
	return Event{Kind: KindStatus, Payload: Status{ResponseCount: count, MinRequired: minRequired}}
}

// SummaryEvent builds a summary event.
func SummaryEvent(summary *session.Summary) Event {
	return Event{Kind: KindSummary, Payload: summary}
}

// ErrorEvent builds an error event.
func ErrorEvent(message string, count int, at time.Time) Event {
	return Event{Kind: KindError, Payload: Failure{
		Error:         true,
		Message:       message,
		ResponseCount: count,
		Timestamp:     at,
	}}
}
