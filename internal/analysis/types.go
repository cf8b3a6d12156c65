package analysis

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/interview-gateway/internal/interview"
)

const (
	// missingSTARField fills STAR fields the remote service left out
	missingSTARField = "Not clearly described in the response."
	// bulletPadding pads bullet lists shorter than bulletCount
	bulletPadding = "Additional details were limited in the response"
	bulletCount   = 3
)

// Request is the analysis call payload
type Request struct {
	Transcript    string                 `json:"transcript"`
	Question      string                 `json:"question"`
	QuestionType  interview.QuestionType `json:"questionType"`
	QuestionIndex int                    `json:"questionIndex"`
	Competency    string                 `json:"competency,omitempty"`
}

// Payload is the analysis body returned by the remote service
type Payload struct {
	Situation          string   `json:"situation,omitempty"`
	Task               string   `json:"task,omitempty"`
	Action             string   `json:"action,omitempty"`
	Result             string   `json:"result,omitempty"`
	BulletPoints       []string `json:"bulletPoints,omitempty"`
	CandidateQuestions []string `json:"candidateQuestions,omitempty"`
}

// ErrorEnvelope is the remote service's error shape
type ErrorEnvelope struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// Response is either an analysis or an error envelope
type Response struct {
	Analysis *Payload       `json:"analysis,omitempty"`
	Error    *ErrorEnvelope `json:"error,omitempty"`
}

// Client performs one analysis call. Implementations must honor ctx and
// wrap failures with interview.ErrRemoteCallFailed.
type Client interface {
	Analyze(ctx context.Context, req Request) (*Payload, error)
}

// HealthChecker is implemented by clients that can check the remote service
type HealthChecker interface {
	HealthCheck(ctx context.Context) (bool, error)
}

var errEmptyPayload = errors.New("analysis payload has no usable fields")

// unwrapResponse turns a decoded Response into a payload or a remote error
func unwrapResponse(resp *Response) (*Payload, error) {
	if resp.Error != nil {
		return nil, fmt.Errorf("%w: %s: %s", interview.ErrRemoteCallFailed, resp.Error.Code, resp.Error.Message)
	}
	if resp.Analysis == nil {
		return nil, fmt.Errorf("%w: response has neither analysis nor error", interview.ErrRemoteCallFailed)
	}
	return resp.Analysis, nil
}

// ToResult converts a remote payload to a result of the given kind.
// Missing STAR fields get a placeholder and bullet lists are normalized
// to exactly three entries. A payload with nothing usable is an error.
func ToResult(p *Payload, kind interview.AnalysisKind, now time.Time) (interview.AnalysisResult, error) {
	if p == nil {
		return interview.AnalysisResult{}, errEmptyPayload
	}

	result := interview.AnalysisResult{
		Kind:       kind,
		Source:     interview.SourceRemote,
		ComputedAt: now,
	}

	switch kind {
	case interview.KindSTAR:
		fields := []*string{&p.Situation, &p.Task, &p.Action, &p.Result}
		empty := 0
		for _, f := range fields {
			if strings.TrimSpace(*f) == "" {
				empty++
			}
		}
		if empty == len(fields) {
			return interview.AnalysisResult{}, errEmptyPayload
		}
		result.Situation = orPlaceholder(p.Situation)
		result.Task = orPlaceholder(p.Task)
		result.Action = orPlaceholder(p.Action)
		result.Result = orPlaceholder(p.Result)

	case interview.KindBullets:
		bullets := cleanList(p.BulletPoints)
		if len(bullets) == 0 {
			return interview.AnalysisResult{}, errEmptyPayload
		}
		result.BulletPoints = normalizeBullets(bullets)
		result.CandidateQuestions = cleanList(p.CandidateQuestions)

	default:
		return interview.AnalysisResult{}, fmt.Errorf("unknown analysis kind %q", kind)
	}

	return result, result.Validate()
}

func orPlaceholder(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return missingSTARField
	}
	return s
}

func cleanList(items []string) []string {
	var out []string
	for _, item := range items {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func normalizeBullets(bullets []string) []string {
	if len(bullets) > bulletCount {
		bullets = bullets[:bulletCount]
	}
	for len(bullets) < bulletCount {
		bullets = append(bullets, bulletPadding)
	}
	return bullets
}
