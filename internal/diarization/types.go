package diarization

import (
	"context"
	"encoding/base64"
	"time"

	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/interview"
)

// ChunkRequest is the wire shape of one audio chunk submission
type ChunkRequest struct {
	SessionID  string    `json:"sessionId"`
	Sequence   uint64    `json:"sequence"`
	Audio      string    `json:"audio"` // base64 PCM16
	CapturedAt time.Time `json:"capturedAt"`
}

// NewChunkRequest encodes a captured chunk for the wire
func NewChunkRequest(sessionID string, chunk audio.Chunk) ChunkRequest {
	return ChunkRequest{
		SessionID:  sessionID,
		Sequence:   chunk.Seq,
		Audio:      base64.StdEncoding.EncodeToString(chunk.Data),
		CapturedAt: chunk.CapturedAt,
	}
}

// Speaker is one diarized utterance fragment in a response
type Speaker struct {
	SpeakerRole string             `json:"speakerRole,omitempty"`
	SpeakerID   string             `json:"speakerId,omitempty"`
	Transcript  string             `json:"transcript"`
	Confidence  float64            `json:"confidence"`
	Emotions    map[string]float64 `json:"emotions,omitempty"`
	IsFinal     bool               `json:"isFinal"`
	// StartTime is the offset in seconds from the start of the chunk
	StartTime float64 `json:"startTime,omitempty"`

	// At is set by streaming providers that know the absolute time
	At time.Time `json:"-"`
	// QuestionIndex is set by streaming providers that know which
	// question's audio the fragment came from
	QuestionIndex int `json:"-"`
}

// Response is the diarization result for one chunk
type Response struct {
	Speakers []Speaker `json:"speakers"`
}

// Part is the slice of a response that belongs to one question
type Part struct {
	QuestionIndex int
	Response      *Response
}

// Split groups speakers by the question whose audio they came from, in
// order of first appearance. Speakers without a question belong to fallback.
func (r *Response) Split(fallback int) []Part {
	if r == nil {
		return nil
	}
	var parts []Part
	pos := make(map[int]int)
	for _, sp := range r.Speakers {
		index := sp.QuestionIndex
		if index == 0 {
			index = fallback
		}
		i, ok := pos[index]
		if !ok {
			i = len(parts)
			pos[index] = i
			parts = append(parts, Part{QuestionIndex: index, Response: &Response{}})
		}
		parts[i].Response.Speakers = append(parts[i].Response.Speakers, sp)
	}
	return parts
}

// Client submits audio chunks for diarization. Implementations must be
// safe for concurrent Submit calls.
type Client interface {
	Submit(ctx context.Context, sessionID string, chunk audio.Chunk) (*Response, error)
}

// HealthChecker is implemented by clients that can report readiness
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

// Unresolved is a speaker that could not be mapped to a role
type Unresolved struct {
	SpeakerID string
	Role      string
}

// ToSegments converts a response into transcript segments for the chunk
// it answers. Roles come from speakerRole when present, else from the
// session's speaker registry. Speakers that resolve to neither are
// returned separately.
func ToSegments(resp *Response, session *interview.Session, chunk audio.Chunk) ([]interview.TranscriptSegment, []Unresolved) {
	if resp == nil {
		return nil, nil
	}

	var (
		segments   []interview.TranscriptSegment
		unresolved []Unresolved
	)
	for i, sp := range resp.Speakers {
		role, ok := interview.ParseRole(sp.SpeakerRole)
		if !ok && sp.SpeakerID != "" {
			role, ok = session.ResolveRole(sp.SpeakerID)
		}
		if !ok {
			unresolved = append(unresolved, Unresolved{SpeakerID: sp.SpeakerID, Role: sp.SpeakerRole})
			continue
		}

		segments = append(segments, interview.TranscriptSegment{
			Role:       role,
			SpeakerID:  sp.SpeakerID,
			Text:       sp.Transcript,
			IsFinal:    sp.IsFinal,
			Confidence: clamp01(sp.Confidence),
			Emotions:   sp.Emotions,
			ProducedAt: producedAt(sp, chunk.CapturedAt, i),
			Seq:        chunk.Seq,
		})
	}
	return segments, unresolved
}

// producedAt orders fragments of one chunk by their start offset, or by
// position when the provider sends none
func producedAt(sp Speaker, capturedAt time.Time, position int) time.Time {
	if !sp.At.IsZero() {
		return sp.At
	}
	if sp.StartTime > 0 {
		return capturedAt.Add(time.Duration(sp.StartTime * float64(time.Second)))
	}
	return capturedAt.Add(time.Duration(position) * time.Millisecond)
}

func clamp01(v float64) float64 {
	switch {
	case v < 0 || v != v:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
