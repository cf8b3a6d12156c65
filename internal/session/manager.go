package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/analysis"
	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/config"
	"github.com/lexiqai/interview-gateway/internal/diarization"
	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
)

// ErrClosed is returned by every operation after Close
var ErrClosed = errors.New("session manager closed")

// Config holds session timing and capture settings
type Config struct {
	ChunkInterval      time.Duration
	BufferSize         int
	VAD                *audio.VADConfig
	SkipSilentChunks   bool
	DiarizationTimeout time.Duration // whole submission, retry included
	FailureThreshold   int
	QuietWindow        time.Duration
	AnalysisTimeout    time.Duration
	AnalysisLateGrace  time.Duration
	EventBuffer        int
}

// ConfigFrom derives session settings from the service configuration
func ConfigFrom(cfg *config.Config) Config {
	return Config{
		ChunkInterval:      cfg.ChunkInterval(),
		BufferSize:         cfg.AudioBufferSize,
		VAD:                audio.VADConfigForRate(cfg.AudioSampleRate, cfg.VADEnergyThreshold, cfg.VADSilenceFrames),
		SkipSilentChunks:   cfg.SkipSilentChunks,
		DiarizationTimeout: 2*cfg.DiarizationTimeout() + time.Duration(cfg.RetryInitialBackoff)*time.Millisecond,
		FailureThreshold:   cfg.DiarizationFailureThreshold,
		QuietWindow:        cfg.QuietWindow(),
		AnalysisTimeout:    cfg.AnalysisTimeout(),
		AnalysisLateGrace:  cfg.AnalysisLateGrace(),
	}
}

// QuestionPreset is a question chosen before the session starts
type QuestionPreset struct {
	Text       string `json:"text" yaml:"text"`
	Competency string `json:"competency,omitempty" yaml:"competency"`
}

// StartOptions configure a new session
type StartOptions struct {
	// Speakers maps roles to diarization speaker ids. When empty the first
	// two diarized speakers are taken to be interviewer then candidate.
	Speakers  map[interview.Role]string
	Questions []QuestionPreset
}

// DefaultSpeakers is the registry used when StartOptions has none
func DefaultSpeakers() map[interview.Role]string {
	return map[interview.Role]string{
		interview.RoleInterviewer: "speaker_0",
		interview.RoleCandidate:   "speaker_1",
	}
}

// Manager owns one live interview at a time. Every mutation of session
// state runs on a single loop goroutine; commands, diarization results,
// analysis results and timers are all posted onto its queue.
type Manager struct {
	config   Config
	diarizer diarization.Client
	analyzer analysis.Client
	logger   zerolog.Logger

	streamer *audio.Streamer
	metrics  atomic.Pointer[observability.SessionMetrics]

	queue   chan func()
	events  chan Event
	ctx     context.Context
	cancel  context.CancelFunc
	stopped chan struct{}
	closing sync.Once

	// Loop-owned state
	session       *interview.Session
	tracker       *interview.Tracker
	accumulator   *interview.Accumulator
	scheduler     *analysis.Scheduler
	sessionCancel context.CancelFunc
	failures      int
	unhealthy     bool
	pendingFlush  map[int]bool
}

// NewManager creates a manager and starts its loop
func NewManager(cfg Config, diarizer diarization.Client, analyzer analysis.Client, logger zerolog.Logger) *Manager {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 3
	}
	if cfg.DiarizationTimeout <= 0 {
		cfg.DiarizationTimeout = 10 * time.Second
	}
	if cfg.QuietWindow <= 0 {
		cfg.QuietWindow = 1500 * time.Millisecond
	}
	if cfg.EventBuffer <= 0 {
		cfg.EventBuffer = 256
	}

	ctx, cancel := context.WithCancel(context.Background())
	m := &Manager{
		config:       cfg,
		diarizer:     diarizer,
		analyzer:     analyzer,
		logger:       logger.With().Str("component", "session_manager").Logger(),
		queue:        make(chan func(), 256),
		events:       make(chan Event, cfg.EventBuffer),
		ctx:          ctx,
		cancel:       cancel,
		stopped:      make(chan struct{}),
		pendingFlush: make(map[int]bool),
	}
	m.streamer = audio.NewStreamer(audio.StreamerConfig{
		Interval:   cfg.ChunkInterval,
		BufferSize: cfg.BufferSize,
		VAD:        cfg.VAD,
	}, m.chunkReady, logger)

	go m.run()
	return m
}

// Events returns the stream of session events. It is closed by Close.
func (m *Manager) Events() <-chan Event {
	return m.events
}

// StartSession creates the live session. It fails with a
// *interview.LifecycleError while another session is live.
func (m *Manager) StartSession(ctx context.Context, opts StartOptions) (*interview.Session, error) {
	var snapshot *interview.Session
	err := m.do(ctx, func() error {
		if m.session != nil && !m.session.Ended() {
			return &interview.LifecycleError{Op: "start session", Reason: fmt.Sprintf("session %s is still live", m.session.ID)}
		}
		m.releaseSession()

		speakers := opts.Speakers
		if len(speakers) == 0 {
			speakers = DefaultSpeakers()
		}

		sess := interview.NewSession(uuid.New().String(), speakers, time.Now())
		logger := observability.WithSession(m.logger, sess.ID)
		metrics := observability.NewSessionMetrics(sess.ID)

		sessionCtx, cancel := context.WithCancel(m.ctx)
		tracker := interview.NewTracker(sess)
		accumulator := interview.NewAccumulator(tracker, m.config.QuietWindow, logger)
		scheduler := analysis.NewScheduler(sessionCtx, analysis.SchedulerConfig{
			QuietWindow: m.config.QuietWindow,
			Timeout:     m.config.AnalysisTimeout,
			LateGrace:   m.config.AnalysisLateGrace,
		}, analysis.SchedulerDeps{
			Client:      m.analyzer,
			Tracker:     tracker,
			Accumulator: accumulator,
			Dispatch:    m.dispatch,
			OnResult:    func(o analysis.Outcome) { m.analysisOutcome(sess, o) },
			OnWarning:   func(index int, err error) { m.warn(sess, index, err) },
			Metrics:     metrics,
			Logger:      logger,
		})

		for _, q := range opts.Questions {
			if strings.TrimSpace(q.Text) != "" {
				tracker.Select(q.Text, q.Competency)
			}
		}

		m.session = sess
		m.tracker = tracker
		m.accumulator = accumulator
		m.scheduler = scheduler
		m.sessionCancel = cancel
		m.failures = 0
		m.unhealthy = false
		m.pendingFlush = make(map[int]bool)
		m.metrics.Store(metrics)
		metrics.RecordSessionStart()

		logger.Info().Int("questions", len(sess.Questions)).Msg("Interview session started")
		m.emitState()
		snapshot = m.snapshot()
		return nil
	})
	return snapshot, err
}

// SelectQuestion appends a pending question
func (m *Manager) SelectQuestion(ctx context.Context, text, competency string) (*interview.Question, error) {
	var selected *interview.Question
	err := m.do(ctx, func() error {
		if err := m.requireLive(); err != nil {
			return err
		}
		if strings.TrimSpace(text) == "" {
			return errors.New("question text is required")
		}
		q := m.tracker.Select(text, competency)
		m.emitState()
		selected = q.Clone()
		return nil
	})
	return selected, err
}

// Ask activates a question and starts audio capture for it
func (m *Manager) Ask(ctx context.Context, index int) error {
	return m.do(ctx, func() error {
		if err := m.requireLive(); err != nil {
			return err
		}

		prev := m.tracker.Last()
		if err := m.tracker.Activate(index); err != nil {
			return err
		}
		// A resumed question keeps recording into the same transcript
		delete(m.pendingFlush, index)
		m.flushPending()
		if prev != nil && prev.Index != index && prev.State == interview.StateFinalized {
			m.closed(prev.Index)
		}
		m.scheduler.Reactivated(index)

		if m.streamer.Running() {
			m.stopCapture()
		}
		if err := m.streamer.Start(index); err != nil {
			m.logger.Error().Err(err).Int("question_index", index).Msg("Failed to start audio capture")
		}

		m.currentMetrics().RecordQuestionAsked()
		m.emitState()
		return nil
	})
}

// Stop ends recording for the active question. The terminal analysis is
// issued once the buffered remainder has been diarized.
func (m *Manager) Stop(ctx context.Context) error {
	return m.do(ctx, func() error {
		if err := m.requireLive(); err != nil {
			return err
		}
		cur := m.tracker.Current()
		if cur == nil {
			return fmt.Errorf("%w: no question is active", interview.ErrInvalidTransition)
		}
		index := cur.Index

		remainder := m.stopCapture()
		if err := m.tracker.MarkAnswered(index); err != nil {
			return err
		}
		if remainder {
			m.pendingFlush[index] = true
		} else {
			m.flush(index)
		}

		m.emitState()
		return nil
	})
}

// Finalize closes a question. The active question is analyzed with the
// transcript it has at this instant.
func (m *Manager) Finalize(ctx context.Context, index int) error {
	return m.do(ctx, func() error {
		if err := m.requireLive(); err != nil {
			return err
		}
		if err := m.finalize(index); err != nil {
			return err
		}
		m.emitState()
		return nil
	})
}

// EndSession finalizes the open questions, releases audio capture and
// marks the session ended. Analysis calls already in flight still land.
func (m *Manager) EndSession(ctx context.Context) error {
	return m.do(ctx, func() error {
		if err := m.requireLive(); err != nil {
			return err
		}

		for _, q := range m.tracker.Questions() {
			if q.State != interview.StateActive && q.State != interview.StateAnswered {
				continue
			}
			if err := m.finalize(q.Index); err != nil {
				m.logger.Error().Err(err).Int("question_index", q.Index).Msg("Failed to finalize question at session end")
			}
		}
		m.stopCapture()

		now := time.Now()
		m.session.EndedAt = &now
		m.currentMetrics().RecordSessionEnd()

		m.logger.Info().
			Str("session_id", m.session.ID).
			Dur("duration", now.Sub(m.session.StartedAt)).
			Msg("Interview session ended")
		m.emitState()
		return nil
	})
}

// Snapshot returns a deep copy of the current session, ended or not
func (m *Manager) Snapshot(ctx context.Context) (*interview.Session, error) {
	var snapshot *interview.Session
	err := m.do(ctx, func() error {
		if m.session == nil {
			return interview.ErrNoActiveSession
		}
		snapshot = m.snapshot()
		return nil
	})
	return snapshot, err
}

// WriteAudio feeds captured PCM16 audio. Safe to call from any goroutine.
func (m *Manager) WriteAudio(p []byte) (int, error) {
	before := m.streamer.DroppedBytes()
	n, err := m.streamer.Write(p)
	if err == nil {
		metrics := m.currentMetrics()
		metrics.RecordAudioBytes(int64(n))
		metrics.RecordAudioDropped(m.streamer.DroppedBytes() - before)
	}
	return n, err
}

// Close stops capture, cancels outstanding remote calls and stops the loop
func (m *Manager) Close() error {
	m.closing.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := m.do(ctx, func() error {
			m.stopCapture()
			if m.session != nil && !m.session.Ended() {
				m.currentMetrics().RecordSessionEnd()
			}
			m.releaseSession()
			return nil
		}); err != nil {
			m.logger.Warn().Err(err).Msg("Session teardown did not complete")
		}

		m.cancel()
		<-m.stopped
		close(m.events)

		// Streaming diarizers hold a connection per manager
		if closer, ok := m.diarizer.(io.Closer); ok {
			if err := closer.Close(); err != nil {
				m.logger.Warn().Err(err).Msg("Failed to close diarization client")
			}
		}
	})
	return nil
}

func (m *Manager) run() {
	defer close(m.stopped)
	for {
		select {
		case fn := <-m.queue:
			m.safely(fn)
		case <-m.ctx.Done():
			return
		}
	}
}

// safely runs one queued function. A panic is logged and the loop continues.
func (m *Manager) safely(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error().
				Interface("panic", r).
				Str("stack", string(debug.Stack())).
				Msg("Recovered from panic in session loop")
		}
	}()
	fn()
}

// dispatch posts fn onto the loop from a background goroutine
func (m *Manager) dispatch(fn func()) {
	select {
	case m.queue <- fn:
	case <-m.ctx.Done():
	}
}

// do runs fn on the loop and waits for its result
func (m *Manager) do(ctx context.Context, fn func() error) error {
	errCh := make(chan error, 1)
	select {
	case m.queue <- func() { errCh <- fn() }:
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-m.ctx.Done():
		return ErrClosed
	}
}

func (m *Manager) requireLive() error {
	if m.session == nil || m.session.Ended() {
		return interview.ErrNoActiveSession
	}
	return nil
}

func (m *Manager) currentMetrics() *observability.SessionMetrics {
	return m.metrics.Load()
}

// releaseSession drops the previous session's timers and remote calls
func (m *Manager) releaseSession() {
	if m.scheduler != nil {
		m.scheduler.Close()
	}
	if m.sessionCancel != nil {
		m.sessionCancel()
	}
}

func (m *Manager) finalize(index int) error {
	q, ok := m.tracker.Question(index)
	if !ok {
		return fmt.Errorf("finalize %d: %w", index, interview.ErrUnknownQuestion)
	}

	if q.State == interview.StateActive {
		// The remainder would land on a finalized question
		if chunk, ok := m.streamer.Stop(); ok {
			m.logger.Debug().Uint64("seq", chunk.Seq).Int("question_index", index).Msg("Discarding remainder of finalized question")
		}
	}
	if q.State == interview.StateActive || m.pendingFlush[index] {
		delete(m.pendingFlush, index)
		m.flush(index)
	}

	changed, err := m.tracker.Finalize(index)
	if err != nil {
		return err
	}
	if changed {
		m.closed(index)
	}
	return nil
}

// closed releases per-question state once a question is finalized
func (m *Manager) closed(index int) {
	m.scheduler.Cancel(index)
	m.accumulator.Forget(index)
}

func (m *Manager) flush(index int) {
	if err := m.scheduler.Flush(index); err != nil && !errors.Is(err, interview.ErrEmptyTranscript) {
		m.logger.Error().Err(err).Int("question_index", index).Msg("Failed to flush analysis")
	}
}

// flushPending issues terminal calls still waiting on a remainder chunk
func (m *Manager) flushPending() {
	for index := range m.pendingFlush {
		delete(m.pendingFlush, index)
		m.flush(index)
	}
}

// stopCapture stops the streamer and submits its remainder. It reports
// whether a remainder chunk was submitted.
func (m *Manager) stopCapture() bool {
	chunk, ok := m.streamer.Stop()
	if !ok {
		return false
	}
	m.submit(chunk)
	return true
}

// chunkReady runs on the streamer goroutine
func (m *Manager) chunkReady(chunk audio.Chunk) {
	m.dispatch(func() {
		if m.session == nil || m.session.Ended() {
			return
		}
		if m.config.SkipSilentChunks && !chunk.Speech {
			m.currentMetrics().RecordChunkSkipped()
			return
		}
		m.submit(chunk)
	})
}

// submit sends a chunk to diarization without waiting on earlier chunks
func (m *Manager) submit(chunk audio.Chunk) {
	if m.session == nil {
		return
	}
	sess := m.session
	ctx, cancel := context.WithTimeout(m.ctx, m.config.DiarizationTimeout)

	go func() {
		defer cancel()
		start := time.Now()
		resp, err := m.diarizer.Submit(ctx, sess.ID, chunk)
		latency := time.Since(start)
		m.dispatch(func() { m.chunkDiarized(sess, chunk, resp, err, latency) })
	}()
}

func (m *Manager) chunkDiarized(sess *interview.Session, chunk audio.Chunk, resp *diarization.Response, err error, latency time.Duration) {
	if sess != m.session {
		return
	}
	metrics := m.currentMetrics()
	metrics.RecordChunk(err == nil, latency)

	if err != nil {
		m.diarizationFailed(sess, chunk, err)
	} else {
		m.diarizationSucceeded(sess)
		m.accept(sess, chunk, resp)
	}

	if chunk.Final && m.pendingFlush[chunk.QuestionIndex] {
		delete(m.pendingFlush, chunk.QuestionIndex)
		m.flush(chunk.QuestionIndex)
		m.emitState()
	}
}

// accept routes each diarized fragment to the question whose audio it
// came from, which for streaming providers may predate the chunk
func (m *Manager) accept(sess *interview.Session, chunk audio.Chunk, resp *diarization.Response) {
	metrics := m.currentMetrics()
	for _, part := range resp.Split(chunk.QuestionIndex) {
		index := part.QuestionIndex
		segments, unresolved := diarization.ToSegments(part.Response, sess, chunk)
		for _, u := range unresolved {
			m.logger.Debug().Str("speaker_id", u.SpeakerID).Str("speaker_role", u.Role).Msg("Dropping segment from unknown speaker")
			metrics.RecordSegmentDropped("unknown_speaker")
		}

		for _, seg := range segments {
			ok, reason := m.accumulator.Append(index, seg)
			if !ok {
				metrics.RecordSegmentDropped(string(reason))
				continue
			}
			seg := seg
			m.emit(Event{Type: EventTranscript, SessionID: sess.ID, QuestionIndex: index, Segment: &seg})
			m.scheduler.SegmentAccepted(index, seg)
		}
	}
}

func (m *Manager) diarizationFailed(sess *interview.Session, chunk audio.Chunk, err error) {
	m.failures++
	m.logger.Warn().
		Err(err).
		Uint64("seq", chunk.Seq).
		Int("consecutive_failures", m.failures).
		Msg("Diarization chunk failed, recording continues")

	if m.failures >= m.config.FailureThreshold && !m.unhealthy {
		m.unhealthy = true
		m.currentMetrics().RecordHealthWarning()
		healthy := false
		m.emit(Event{
			Type:      EventHealth,
			SessionID: sess.ID,
			Healthy:   &healthy,
			Warning:   fmt.Sprintf("diarization failed %d times in a row", m.failures),
		})
	}
}

func (m *Manager) diarizationSucceeded(sess *interview.Session) {
	m.failures = 0
	if m.unhealthy {
		m.unhealthy = false
		healthy := true
		m.emit(Event{Type: EventHealth, SessionID: sess.ID, Healthy: &healthy})
	}
}

func (m *Manager) analysisOutcome(sess *interview.Session, o analysis.Outcome) {
	result := o.Result
	ev := Event{
		Type:          EventAnalysis,
		SessionID:     sess.ID,
		QuestionIndex: o.Index,
		Analysis:      &result,
		Phase:         string(o.Phase),
		Current:       o.Current,
		Late:          o.Late,
	}
	if o.Err != nil {
		ev.Warning = o.Err.Error()
	}
	m.emit(ev)
	if sess == m.session && !o.Late {
		m.emitState()
	}
}

func (m *Manager) warn(sess *interview.Session, index int, err error) {
	m.emit(Event{Type: EventWarning, SessionID: sess.ID, QuestionIndex: index, Warning: err.Error()})
}

func (m *Manager) emitState() {
	if m.session == nil {
		return
	}
	m.emit(Event{Type: EventState, SessionID: m.session.ID, Session: m.snapshot()})
}

// snapshot copies the session for the UI. Transcripts include each
// speaker's current partial tail.
func (m *Manager) snapshot() *interview.Session {
	c := m.session.Clone()
	for _, q := range c.Questions {
		q.Transcript = m.accumulator.Segments(q.Index)
	}
	return c
}

// emit never blocks the loop; a slow consumer loses events
func (m *Manager) emit(ev Event) {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	select {
	case m.events <- ev:
	default:
		m.logger.Warn().Str("type", string(ev.Type)).Msg("Event buffer full, dropping event")
	}
}
