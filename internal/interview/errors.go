package interview

import (
	"errors"
	"fmt"
)

var (
	ErrInvalidTransition = errors.New("invalid question transition")
	ErrNoActiveSession   = errors.New("no active session")
	ErrRemoteCallFailed  = errors.New("remote call failed")
	ErrTimeout           = errors.New("analysis timed out")
	ErrEmptyTranscript   = errors.New("no candidate transcript to analyze")
	ErrUnknownQuestion   = errors.New("unknown question")
)

// TransitionError describes a rejected question state change
type TransitionError struct {
	Index  int
	From   QuestionState
	To     QuestionState
	Reason string
}

func (e *TransitionError) Error() string {
	msg := fmt.Sprintf("question %d: cannot move from %s to %s", e.Index, e.From, e.To)
	if e.Reason != "" {
		msg += ": " + e.Reason
	}
	return msg
}

func (e *TransitionError) Unwrap() error {
	return ErrInvalidTransition
}

// LifecycleError is a session lifecycle call made out of order. It
// matches both ErrNoActiveSession and ErrInvalidTransition.
type LifecycleError struct {
	Op     string
	Reason string
}

func (e *LifecycleError) Error() string {
	return e.Op + ": " + e.Reason
}

func (e *LifecycleError) Unwrap() []error {
	return []error{ErrNoActiveSession, ErrInvalidTransition}
}
