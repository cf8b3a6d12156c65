package interview

import (
	"fmt"
	"strings"
)

// Tracker owns question progression for one session. It is not safe for
// concurrent use; the session loop serializes access.
type Tracker struct {
	session *Session
	// last is the most recently activated question. It stays set after the
	// question is answered so the next Activate can finalize it.
	last *Question
}

// NewTracker creates a tracker over session's question list
func NewTracker(session *Session) *Tracker {
	return &Tracker{session: session}
}

// Select appends a new pending question with the next index
func (t *Tracker) Select(text, competency string) *Question {
	q := &Question{
		Index:      len(t.session.Questions) + 1,
		Text:       strings.TrimSpace(text),
		Competency: strings.TrimSpace(competency),
		Type:       Classify(text),
		State:      StatePending,
	}
	t.session.Questions = append(t.session.Questions, q)
	return q
}

// Question looks up a question by index
func (t *Tracker) Question(index int) (*Question, bool) {
	if index < 1 || index > len(t.session.Questions) {
		return nil, false
	}
	return t.session.Questions[index-1], true
}

// Questions returns all questions in selection order
func (t *Tracker) Questions() []*Question {
	return t.session.Questions
}

// Current returns the active question, or nil
func (t *Tracker) Current() *Question {
	if t.session.ActiveIndex == nil {
		return nil
	}
	q, _ := t.Question(*t.session.ActiveIndex)
	return q
}

// Last returns the most recently activated question, or nil
func (t *Tracker) Last() *Question {
	return t.last
}

// Activate makes index the active question. It fails if another question
// is active or the target is not pending or answered. The previously
// activated question is finalized first if it was answered.
func (t *Tracker) Activate(index int) error {
	q, ok := t.Question(index)
	if !ok {
		return fmt.Errorf("activate %d: %w", index, ErrUnknownQuestion)
	}

	if cur := t.Current(); cur != nil {
		return &TransitionError{
			Index:  index,
			From:   q.State,
			To:     StateActive,
			Reason: fmt.Sprintf("question %d is still active", cur.Index),
		}
	}
	if q.State != StatePending && q.State != StateAnswered {
		return &TransitionError{Index: index, From: q.State, To: StateActive}
	}

	if t.last != nil && t.last != q && t.last.State == StateAnswered {
		t.last.State = StateFinalized
	}

	q.State = StateActive
	idx := q.Index
	t.session.ActiveIndex = &idx
	t.last = q
	return nil
}

// MarkAnswered moves an active question to answered and clears the
// session's active index. Already answered questions are left alone.
func (t *Tracker) MarkAnswered(index int) error {
	q, ok := t.Question(index)
	if !ok {
		return fmt.Errorf("mark answered %d: %w", index, ErrUnknownQuestion)
	}

	switch q.State {
	case StateAnswered:
		return nil
	case StateActive:
		q.State = StateAnswered
		t.clearActive(index)
		return nil
	default:
		return &TransitionError{Index: index, From: q.State, To: StateAnswered}
	}
}

// Finalize closes a question. It reports whether a transition happened;
// finalizing an already finalized question is a no-op.
func (t *Tracker) Finalize(index int) (bool, error) {
	q, ok := t.Question(index)
	if !ok {
		return false, fmt.Errorf("finalize %d: %w", index, ErrUnknownQuestion)
	}

	switch q.State {
	case StateFinalized:
		return false, nil
	case StateActive, StateAnswered:
		q.State = StateFinalized
		t.clearActive(index)
		return true, nil
	default:
		return false, &TransitionError{Index: index, From: q.State, To: StateFinalized}
	}
}

func (t *Tracker) clearActive(index int) {
	if t.session.ActiveIndex != nil && *t.session.ActiveIndex == index {
		t.session.ActiveIndex = nil
	}
}
