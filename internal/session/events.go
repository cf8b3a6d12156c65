package session

import (
	"time"

	"github.com/lexiqai/interview-gateway/internal/interview"
)

// EventType names what an Event carries
type EventType string

const (
	EventState      EventType = "state"
	EventTranscript EventType = "transcript"
	EventAnalysis   EventType = "analysis"
	EventWarning    EventType = "warning"
	EventHealth     EventType = "health"
)

// Event is pushed to the interviewer-facing layer
type Event struct {
	Type          EventType                    `json:"type"`
	SessionID     string                       `json:"sessionId"`
	QuestionIndex int                          `json:"questionIndex,omitempty"`
	Segment       *interview.TranscriptSegment `json:"segment,omitempty"`
	Analysis      *interview.AnalysisResult    `json:"analysis,omitempty"`
	Phase         string                       `json:"phase,omitempty"`
	Current       bool                         `json:"current,omitempty"`
	Late          bool                         `json:"late,omitempty"`
	Warning       string                       `json:"warning,omitempty"`
	Healthy       *bool                        `json:"healthy,omitempty"`
	Session       *interview.Session           `json:"session,omitempty"`
	At            time.Time                    `json:"at"`
}
