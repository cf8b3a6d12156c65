package analysis

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
)

// Phase distinguishes debounced calls from the call made when a question stops
type Phase string

const (
	PhaseProvisional Phase = "provisional"
	PhaseTerminal    Phase = "terminal"
)

// Outcome is reported for every analysis result the scheduler applies
type Outcome struct {
	Index  int
	Phase  Phase
	Result interview.AnalysisResult
	// Err is interview.ErrTimeout or interview.ErrRemoteCallFailed when
	// Result is a fallback.
	Err error
	// Late is set when the result was stored for audit only because the
	// question already had an analysis, or its call had been abandoned.
	Late bool
	// Current is false once the question is no longer the one on screen.
	Current bool
}

// Dispatcher posts fn onto the goroutine that owns session state
type Dispatcher func(fn func())

// SchedulerConfig holds timing settings
type SchedulerConfig struct {
	QuietWindow time.Duration
	Timeout     time.Duration
	// LateGrace keeps a timed-out call open this much longer so a late
	// result can still be recorded.
	LateGrace time.Duration
}

// SchedulerDeps are the collaborators a scheduler needs
type SchedulerDeps struct {
	Client      Client
	Tracker     *interview.Tracker
	Accumulator *interview.Accumulator
	Dispatch    Dispatcher
	OnResult    func(Outcome)
	OnWarning   func(index int, err error)
	Metrics     *observability.SessionMetrics
	Logger      zerolog.Logger
}

type call struct {
	id         uint64
	phase      Phase
	kind       interview.AnalysisKind
	transcript string
	startedAt  time.Time
	timeout    *time.Timer
	abandoned  bool
	done       bool
}

type questionState struct {
	timer           *time.Timer
	timerGen        uint64
	inFlight        *call
	dirty           bool
	terminalPending bool
	emptyWarned     bool
}

// Scheduler debounces analysis calls per question and keeps at most one
// call in flight for each. Every method must run on the dispatch goroutine.
type Scheduler struct {
	config SchedulerConfig
	deps   SchedulerDeps
	ctx    context.Context
	logger zerolog.Logger
	now    func() time.Time

	states map[int]*questionState
	nextID uint64
}

// NewScheduler creates a scheduler. Outstanding calls are cancelled when ctx is done.
func NewScheduler(ctx context.Context, config SchedulerConfig, deps SchedulerDeps) *Scheduler {
	if config.QuietWindow <= 0 {
		config.QuietWindow = 1500 * time.Millisecond
	}
	if config.Timeout <= 0 {
		config.Timeout = 9 * time.Second
	}
	if deps.OnResult == nil {
		deps.OnResult = func(Outcome) {}
	}
	if deps.OnWarning == nil {
		deps.OnWarning = func(int, error) {}
	}
	return &Scheduler{
		config: config,
		deps:   deps,
		ctx:    ctx,
		logger: deps.Logger.With().Str("component", "analysis_scheduler").Logger(),
		now:    time.Now,
		states: make(map[int]*questionState),
	}
}

// SegmentAccepted reacts to a segment the accumulator kept. Only final
// candidate segments on the active question matter.
func (s *Scheduler) SegmentAccepted(index int, seg interview.TranscriptSegment) {
	if !seg.IsFinal || seg.Role != interview.RoleCandidate {
		return
	}
	cur := s.deps.Tracker.Current()
	if cur == nil || cur.Index != index || cur.Analysis != nil {
		return
	}

	st := s.state(index)
	if st.inFlight != nil {
		st.dirty = true
		return
	}
	s.resetTimer(index, st)
}

// Flush issues the terminal call for a question immediately, superseding
// any pending debounce. If a call is in flight the terminal call follows
// its completion. With no candidate transcript, no call is made and
// interview.ErrEmptyTranscript is returned and reported once.
func (s *Scheduler) Flush(index int) error {
	q, ok := s.deps.Tracker.Question(index)
	if !ok {
		return fmt.Errorf("flush %d: %w", index, interview.ErrUnknownQuestion)
	}

	st := s.state(index)
	s.stopTimer(st)

	if q.Analysis != nil {
		return nil
	}
	if st.inFlight != nil {
		st.dirty = true
		st.terminalPending = true
		return nil
	}

	if s.deps.Accumulator.FullText(index, interview.RoleCandidate) == "" {
		if !st.emptyWarned {
			st.emptyWarned = true
			s.logger.Warn().Int("question_index", index).Msg("No candidate transcript, skipping analysis")
			s.deps.OnWarning(index, interview.ErrEmptyTranscript)
		}
		return interview.ErrEmptyTranscript
	}

	s.issue(index, st, PhaseTerminal)
	return nil
}

// Cancel drops the debounce timer of a question that is being finalized.
// A call already in flight is left to complete.
func (s *Scheduler) Cancel(index int) {
	if st, ok := s.states[index]; ok {
		s.stopTimer(st)
		st.dirty = false
	}
}

// Reactivated clears per-activation bookkeeping when a question becomes active again
func (s *Scheduler) Reactivated(index int) {
	if st, ok := s.states[index]; ok {
		st.emptyWarned = false
	}
}

// InFlight reports whether a call for index is outstanding
func (s *Scheduler) InFlight(index int) bool {
	st, ok := s.states[index]
	return ok && st.inFlight != nil
}

// Close stops every timer. Calls in flight are cancelled through ctx.
func (s *Scheduler) Close() {
	for _, st := range s.states {
		s.stopTimer(st)
		if st.inFlight != nil && st.inFlight.timeout != nil {
			st.inFlight.timeout.Stop()
		}
	}
}

func (s *Scheduler) state(index int) *questionState {
	st, ok := s.states[index]
	if !ok {
		st = &questionState{}
		s.states[index] = st
	}
	return st
}

func (s *Scheduler) resetTimer(index int, st *questionState) {
	s.stopTimer(st)
	gen := st.timerGen
	st.timer = time.AfterFunc(s.config.QuietWindow, func() {
		s.deps.Dispatch(func() { s.timerFired(index, gen) })
	})
}

func (s *Scheduler) stopTimer(st *questionState) {
	if st.timer != nil {
		st.timer.Stop()
		st.timer = nil
	}
	// A fire already queued on the dispatcher sees a stale generation
	st.timerGen++
}

func (s *Scheduler) timerFired(index int, gen uint64) {
	st := s.state(index)
	if gen != st.timerGen {
		return
	}
	st.timer = nil

	cur := s.deps.Tracker.Current()
	if cur == nil || cur.Index != index || cur.Analysis != nil {
		return
	}
	if st.inFlight != nil {
		st.dirty = true
		return
	}
	s.issue(index, st, PhaseProvisional)
}

func (s *Scheduler) issue(index int, st *questionState, phase Phase) {
	q, _ := s.deps.Tracker.Question(index)
	transcript := s.deps.Accumulator.FullText(index, interview.RoleCandidate)

	s.nextID++
	c := &call{
		id:         s.nextID,
		phase:      phase,
		kind:       q.Type.AnalysisKind(),
		transcript: transcript,
		startedAt:  s.now(),
	}
	st.inFlight = c
	st.dirty = false
	if phase == PhaseTerminal {
		st.terminalPending = false
	}

	req := Request{
		Transcript:    transcript,
		Question:      q.Text,
		QuestionType:  q.Type,
		QuestionIndex: q.Index,
		Competency:    q.Competency,
	}

	s.logger.Debug().
		Int("question_index", index).
		Uint64("call_id", c.id).
		Str("phase", string(phase)).
		Int("transcript_chars", len(transcript)).
		Msg("Issuing analysis call")

	c.timeout = time.AfterFunc(s.config.Timeout, func() {
		s.deps.Dispatch(func() { s.timedOut(index, c) })
	})

	ctx, cancel := context.WithTimeout(s.ctx, s.config.Timeout+s.config.LateGrace)
	go func() {
		defer cancel()
		payload, err := s.deps.Client.Analyze(ctx, req)
		s.deps.Dispatch(func() { s.completed(index, c, payload, err) })
	}()
}

func (s *Scheduler) timedOut(index int, c *call) {
	if c.done || c.abandoned {
		return
	}
	c.abandoned = true

	st := s.state(index)
	if st.inFlight == c {
		st.inFlight = nil
	}

	s.logger.Warn().
		Int("question_index", index).
		Uint64("call_id", c.id).
		Dur("timeout", s.config.Timeout).
		Msg("Analysis call timed out, using fallback")

	s.deps.Metrics.RecordAnalysis(string(c.phase), "timeout", s.config.Timeout)
	s.apply(index, c.phase, Fallback(c.transcript, c.kind, s.now()), interview.ErrTimeout)
	s.followUp(index, st)
}

func (s *Scheduler) completed(index int, c *call, payload *Payload, err error) {
	if c.done {
		return
	}
	c.done = true
	if c.timeout != nil {
		c.timeout.Stop()
	}
	latency := s.now().Sub(c.startedAt)

	if c.abandoned {
		s.recordLate(index, c, payload, err, latency)
		return
	}

	st := s.state(index)
	if st.inFlight == c {
		st.inFlight = nil
	}

	var result interview.AnalysisResult
	var cause error
	if err == nil {
		result, err = ToResult(payload, c.kind, s.now())
	}
	if err != nil {
		cause = err
		if !errors.Is(err, interview.ErrRemoteCallFailed) {
			cause = fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
		}
		s.logger.Warn().
			Err(err).
			Int("question_index", index).
			Uint64("call_id", c.id).
			Msg("Analysis call failed, using fallback")
		s.deps.Metrics.RecordAnalysis(string(c.phase), "error", latency)
		result = Fallback(c.transcript, c.kind, s.now())
	} else {
		s.deps.Metrics.RecordAnalysis(string(c.phase), "success", latency)
	}

	s.apply(index, c.phase, result, cause)
	s.followUp(index, st)
}

// recordLate stores a remote result whose call was already answered by the fallback
func (s *Scheduler) recordLate(index int, c *call, payload *Payload, err error, latency time.Duration) {
	s.deps.Metrics.RecordAnalysis(string(c.phase), "late", latency)
	if err != nil {
		s.logger.Debug().Err(err).Int("question_index", index).Uint64("call_id", c.id).Msg("Abandoned analysis call failed")
		return
	}
	result, err := ToResult(payload, c.kind, s.now())
	if err != nil {
		return
	}

	q, ok := s.deps.Tracker.Question(index)
	if !ok {
		return
	}
	q.LateResults = append(q.LateResults, result)

	s.logger.Info().
		Int("question_index", index).
		Uint64("call_id", c.id).
		Dur("latency", latency).
		Msg("Late analysis result recorded for audit")
	s.deps.OnResult(Outcome{Index: index, Phase: c.phase, Result: result, Late: true, Current: s.isCurrent(q)})
}

func (s *Scheduler) apply(index int, phase Phase, result interview.AnalysisResult, cause error) {
	q, ok := s.deps.Tracker.Question(index)
	if !ok {
		return
	}
	if result.Source == interview.SourceFallback {
		reason := "error"
		if errors.Is(cause, interview.ErrTimeout) {
			reason = "timeout"
		}
		s.deps.Metrics.RecordFallback(reason)
	}

	out := Outcome{Index: index, Phase: phase, Result: result, Err: cause}

	switch phase {
	case PhaseTerminal:
		out.Late = !q.AttachAnalysis(result)
		if !out.Late && q.State == interview.StateActive {
			if err := s.deps.Tracker.MarkAnswered(index); err != nil {
				s.logger.Error().Err(err).Int("question_index", index).Msg("Failed to mark question answered")
			}
		}
	default:
		if !q.SetPreview(result) {
			q.LateResults = append(q.LateResults, result)
			out.Late = true
		}
	}

	out.Current = s.isCurrent(q)
	s.deps.OnResult(out)
}

// followUp issues the call owed after a completion: the terminal call if
// a flush arrived meanwhile, or one more provisional call if segments did.
func (s *Scheduler) followUp(index int, st *questionState) {
	if st.inFlight != nil {
		return
	}
	q, ok := s.deps.Tracker.Question(index)
	if !ok || q.Analysis != nil {
		st.dirty = false
		st.terminalPending = false
		return
	}

	switch {
	case st.terminalPending:
		if err := s.Flush(index); err != nil && !errors.Is(err, interview.ErrEmptyTranscript) {
			s.logger.Error().Err(err).Int("question_index", index).Msg("Terminal analysis follow-up failed")
		}
	case st.dirty && q.State == interview.StateActive:
		s.stopTimer(st)
		s.issue(index, st, PhaseProvisional)
	}
}

func (s *Scheduler) isCurrent(q *interview.Question) bool {
	return q.State != interview.StateFinalized && s.deps.Tracker.Last() == q
}
