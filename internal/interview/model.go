package interview

import (
	"fmt"
	"strings"
	"time"
)

// Role identifies which side of the interview a speaker is on
type Role string

const (
	RoleInterviewer Role = "interviewer"
	RoleCandidate   Role = "candidate"
)

// ParseRole normalizes a wire role name
func ParseRole(s string) (Role, bool) {
	switch Role(strings.ToLower(strings.TrimSpace(s))) {
	case RoleInterviewer:
		return RoleInterviewer, true
	case RoleCandidate:
		return RoleCandidate, true
	default:
		return "", false
	}
}

// QuestionState is a node in the question lifecycle
type QuestionState string

const (
	StatePending   QuestionState = "pending"
	StateActive    QuestionState = "active"
	StateAnswered  QuestionState = "answered"
	StateFinalized QuestionState = "finalized"
)

// QuestionType is decided once when the question is selected
type QuestionType string

const (
	TypeIntroduction QuestionType = "introduction"
	TypeStandard     QuestionType = "standard"
	TypeClosing      QuestionType = "closing"
)

// AnalysisKind returns the analysis shape used for this question type
func (t QuestionType) AnalysisKind() AnalysisKind {
	switch t {
	case TypeIntroduction, TypeClosing:
		return KindBullets
	default:
		return KindSTAR
	}
}

// AnalysisKind is the shape of an analysis result
type AnalysisKind string

const (
	KindSTAR    AnalysisKind = "star"
	KindBullets AnalysisKind = "bullets"
)

// Source records where an analysis result came from
type Source string

const (
	SourceRemote   Source = "remote"
	SourceFallback Source = "fallback"
)

// TranscriptSegment is one diarized utterance fragment
type TranscriptSegment struct {
	Role       Role               `json:"speakerRole"`
	SpeakerID  string             `json:"speakerId,omitempty"`
	Text       string             `json:"transcript"`
	IsFinal    bool               `json:"isFinal"`
	Confidence float64            `json:"confidence"`
	Emotions   map[string]float64 `json:"emotions,omitempty"`
	ProducedAt time.Time          `json:"producedAt"`
	Seq        uint64             `json:"sequence"` // audio chunk the segment came from
}

// AnalysisResult is the structured summary of a candidate answer
type AnalysisResult struct {
	Kind               AnalysisKind `json:"kind"`
	Situation          string       `json:"situation,omitempty"`
	Task               string       `json:"task,omitempty"`
	Action             string       `json:"action,omitempty"`
	Result             string       `json:"result,omitempty"`
	BulletPoints       []string     `json:"bulletPoints,omitempty"`
	CandidateQuestions []string     `json:"candidateQuestions,omitempty"`
	Source             Source       `json:"source"`
	Degraded           bool         `json:"degraded,omitempty"`
	ComputedAt         time.Time    `json:"computedAt"`
}

// Validate reports whether the result is well-formed for its kind
func (r AnalysisResult) Validate() error {
	switch r.Kind {
	case KindSTAR:
		for name, v := range map[string]string{
			"situation": r.Situation,
			"task":      r.Task,
			"action":    r.Action,
			"result":    r.Result,
		} {
			if strings.TrimSpace(v) == "" {
				return fmt.Errorf("star analysis missing %s", name)
			}
		}
	case KindBullets:
		if len(r.BulletPoints) == 0 {
			return fmt.Errorf("bullet analysis has no bullet points")
		}
	default:
		return fmt.Errorf("unknown analysis kind %q", r.Kind)
	}

	if r.Source != SourceRemote && r.Source != SourceFallback {
		return fmt.Errorf("unknown analysis source %q", r.Source)
	}
	return nil
}

// Question is one interview question and everything captured for it
type Question struct {
	Index      int                 `json:"index"`
	Text       string              `json:"text"`
	Competency string              `json:"competency,omitempty"`
	Type       QuestionType        `json:"questionType"`
	State      QuestionState       `json:"state"`
	Transcript []TranscriptSegment `json:"transcript"`
	// Analysis is write-once; see AttachAnalysis.
	Analysis *AnalysisResult `json:"analysis,omitempty"`
	// Preview is the latest provisional analysis and may be replaced.
	Preview     *AnalysisResult  `json:"preview,omitempty"`
	LateResults []AnalysisResult `json:"lateResults,omitempty"`
}

// AttachAnalysis sets Analysis if it is unset. Otherwise the result is
// kept in LateResults and false is returned.
func (q *Question) AttachAnalysis(r AnalysisResult) bool {
	if q.Analysis != nil {
		q.LateResults = append(q.LateResults, r)
		return false
	}
	q.Analysis = &r
	return true
}

// SetPreview replaces the provisional analysis. Ignored once Analysis is set.
func (q *Question) SetPreview(r AnalysisResult) bool {
	if q.Analysis != nil {
		return false
	}
	q.Preview = &r
	return true
}

// Recording reports whether the question still accepts transcript segments
func (q *Question) Recording() bool {
	return q.State == StateActive || q.State == StateAnswered
}

// Clone returns a deep copy safe to hand outside the session loop
func (q *Question) Clone() *Question {
	c := *q
	c.Transcript = append([]TranscriptSegment(nil), q.Transcript...)
	if q.Analysis != nil {
		a := *q.Analysis
		c.Analysis = &a
	}
	if q.Preview != nil {
		p := *q.Preview
		c.Preview = &p
	}
	c.LateResults = append([]AnalysisResult(nil), q.LateResults...)
	return &c
}

// Session is the single live interview
type Session struct {
	ID          string          `json:"id"`
	Speakers    map[Role]string `json:"speakers"`
	Questions   []*Question     `json:"questions"`
	ActiveIndex *int            `json:"activeQuestionIndex,omitempty"`
	StartedAt   time.Time       `json:"startedAt"`
	EndedAt     *time.Time      `json:"endedAt,omitempty"`
}

// NewSession creates a session with a speaker registry holding at most
// one voice profile per role
func NewSession(id string, speakers map[Role]string, now time.Time) *Session {
	registry := make(map[Role]string, len(speakers))
	for role, profile := range speakers {
		if role == RoleInterviewer || role == RoleCandidate {
			registry[role] = profile
		}
	}
	return &Session{
		ID:        id,
		Speakers:  registry,
		StartedAt: now,
	}
}

// ResolveRole maps a diarization speaker id to a role using the registry
func (s *Session) ResolveRole(speakerID string) (Role, bool) {
	for role, profile := range s.Speakers {
		if profile != "" && profile == speakerID {
			return role, true
		}
	}
	return "", false
}

// Ended reports whether EndSession has run
func (s *Session) Ended() bool {
	return s.EndedAt != nil
}

// Clone returns a deep copy safe to hand outside the session loop
func (s *Session) Clone() *Session {
	c := *s
	c.Speakers = make(map[Role]string, len(s.Speakers))
	for k, v := range s.Speakers {
		c.Speakers[k] = v
	}
	c.Questions = make([]*Question, len(s.Questions))
	for i, q := range s.Questions {
		c.Questions[i] = q.Clone()
	}
	if s.ActiveIndex != nil {
		idx := *s.ActiveIndex
		c.ActiveIndex = &idx
	}
	if s.EndedAt != nil {
		t := *s.EndedAt
		c.EndedAt = &t
	}
	return &c
}
