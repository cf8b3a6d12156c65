package diarization

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	websocketv1api "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket"
	msginterfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/api/listen/v1/websocket/interfaces"
	interfaces "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/interfaces"
	listenClient "github.com/deepgram/deepgram-go-sdk/v3/pkg/client/listen"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/resilience"
)

const (
	maxPendingSpeakers = 256
	// finalSlack absorbs rounding in provider timestamps
	finalSlack = 20 * time.Millisecond
)

var errNotConnected = errors.New("deepgram client is not active")

// messageCallbackHandler embeds the SDK default handler and overrides
// only Message and Error
type messageCallbackHandler struct {
	*websocketv1api.DefaultCallbackHandler
	handler      func(*msginterfaces.MessageResponse)
	errorHandler func(*msginterfaces.ErrorResponse) error
}

func (m *messageCallbackHandler) Message(message *msginterfaces.MessageResponse) error {
	m.handler(message)
	return nil
}

func (m *messageCallbackHandler) Error(errorResponse *msginterfaces.ErrorResponse) error {
	if m.errorHandler != nil {
		return m.errorHandler(errorResponse)
	}
	return m.DefaultCallbackHandler.Error(errorResponse)
}

// DeepgramConfig holds settings for the Deepgram live diarization client
type DeepgramConfig struct {
	APIKey     string
	Model      string
	Language   string
	SampleRate int
	// FinalWait bounds how long Submit waits for results after the last chunk
	FinalWait time.Duration
	Reconnect *resilience.ReconnectConfig
}

// DeepgramClient diarizes over one Deepgram live connection. Results
// arrive asynchronously, so Submit returns everything received since
// the previous Submit.
type DeepgramClient struct {
	config         DeepgramConfig
	circuitBreaker *resilience.CircuitBreaker
	logger         zerolog.Logger

	// writeMu keeps audio accounting in the order chunks hit the socket
	writeMu sync.Mutex

	mu          sync.Mutex
	client      *listenClient.WSCallback
	isActive    bool
	sessionID   string
	streamStart time.Time
	written     int64 // audio bytes sent since streamStart
	marks       []questionMark
	finalUpTo   time.Time // stream time covered by final results
	pending     []Speaker
	arrived     chan struct{}

	ctx    context.Context
	cancel context.CancelFunc
}

// NewDeepgramClient creates a client. The connection opens on the first Submit.
func NewDeepgramClient(cfg DeepgramConfig, breaker *resilience.CircuitBreaker, logger zerolog.Logger) *DeepgramClient {
	if cfg.SampleRate <= 0 {
		cfg.SampleRate = 16000
	}
	if cfg.FinalWait <= 0 {
		cfg.FinalWait = 1500 * time.Millisecond
	}
	if cfg.Reconnect == nil {
		cfg.Reconnect = resilience.DefaultReconnectConfig()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &DeepgramClient{
		config:         cfg,
		circuitBreaker: breaker,
		logger:         logger.With().Str("component", "diarization_deepgram").Logger(),
		arrived:        make(chan struct{}, 1),
		ctx:            ctx,
		cancel:         cancel,
	}
}

// start opens the live connection. Callers hold d.mu.
func (d *DeepgramClient) start() error {
	if d.isActive {
		return nil
	}

	tOptions := &interfaces.LiveTranscriptionOptions{
		Model:          d.config.Model,
		Language:       d.config.Language,
		Punctuate:      true,
		Diarize:        true,
		InterimResults: true,
		UtteranceEndMs: "1000",
		VadEvents:      true,
		Encoding:       "linear16",
		Channels:       1,
		SampleRate:     d.config.SampleRate,
	}

	callback := &messageCallbackHandler{
		DefaultCallbackHandler: websocketv1api.NewDefaultCallbackHandler(),
		handler:                d.handleMessage,
		errorHandler: func(errorResponse *msginterfaces.ErrorResponse) error {
			d.logger.Error().Interface("error", errorResponse).Msg("Deepgram error")
			d.recordResult(false)

			select {
			case <-d.ctx.Done():
				return nil
			default:
			}

			d.mu.Lock()
			d.isActive = false
			d.mu.Unlock()
			go d.attemptReconnect()
			return nil
		},
	}

	client, err := listenClient.NewWSUsingCallback(d.ctx, d.config.APIKey, nil, tOptions, callback)
	if err != nil {
		return fmt.Errorf("failed to create Deepgram client: %w", err)
	}

	d.client = client
	d.isActive = true
	d.streamStart = time.Now()
	d.written = 0
	d.marks = nil
	d.finalUpTo = time.Time{}
	d.recordResult(true)

	d.logger.Info().
		Str("model", d.config.Model).
		Str("language", d.config.Language).
		Msg("Deepgram live diarization started")
	return nil
}

func (d *DeepgramClient) handleMessage(msg *msginterfaces.MessageResponse) {
	if msg == nil {
		return
	}

	switch msg.Type {
	case "Results", "Message":
		d.mu.Lock()
		if msg.IsFinal {
			// Finals cover their audio even when it held no words
			if upTo := d.streamStart.Add(seconds(msg.Start + msg.Duration)); upTo.After(d.finalUpTo) {
				d.finalUpTo = upTo
			}
		}
		d.collect(msg)
		d.mu.Unlock()

		if msg.IsFinal {
			select {
			case d.arrived <- struct{}{}:
			default:
			}
		}

	case "SpeechStarted", "UtteranceEnd", "Metadata":
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram event")

	default:
		d.logger.Debug().Str("type", msg.Type).Msg("Deepgram: unknown message type")
	}
}

// collect turns a result into pending speakers. Callers hold d.mu.
func (d *DeepgramClient) collect(msg *msginterfaces.MessageResponse) {
	if len(msg.Channel.Alternatives) == 0 {
		return
	}
	alt := msg.Channel.Alternatives[0]
	if strings.TrimSpace(alt.Transcript) == "" {
		return
	}

	words := make([]word, 0, len(alt.Words))
	for _, w := range alt.Words {
		text := w.PunctuatedWord
		if text == "" {
			text = w.Word
		}
		speaker := 0
		if w.Speaker != nil {
			speaker = *w.Speaker
		}
		words = append(words, word{text: text, speaker: speaker, start: w.Start, confidence: w.Confidence})
	}

	speakers := groupBySpeaker(words, msg.IsFinal, d.streamStart)
	if len(speakers) == 0 {
		speakers = []Speaker{{
			SpeakerID:  speakerID(0),
			Transcript: alt.Transcript,
			Confidence: alt.Confidence,
			IsFinal:    msg.IsFinal,
			At:         d.streamStart.Add(seconds(msg.Start)),
		}}
	}
	for i := range speakers {
		speakers[i].QuestionIndex = d.questionAt(speakers[i].At)
	}

	d.pending = append(d.pending, speakers...)
	if over := len(d.pending) - maxPendingSpeakers; over > 0 {
		d.logger.Warn().Int("dropped", over).Msg("Deepgram results not collected, dropping oldest")
		d.pending = d.pending[over:]
	}
}

// Submit writes the chunk and returns results collected since the last
// Submit. Each result carries the question whose audio produced it. For
// the final chunk of a recording it waits up to FinalWait for final
// results covering everything written.
func (d *DeepgramClient) Submit(ctx context.Context, sessionID string, chunk audio.Chunk) (*Response, error) {
	upTo, err := d.write(sessionID, chunk)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interview.ErrRemoteCallFailed, err)
	}

	if chunk.Final {
		d.awaitFinal(ctx, upTo)
	}
	return &Response{Speakers: d.drain()}, nil
}

// awaitFinal blocks until final results reach upTo, FinalWait passes or
// ctx is done
func (d *DeepgramClient) awaitFinal(ctx context.Context, upTo time.Time) {
	timer := time.NewTimer(d.config.FinalWait)
	defer timer.Stop()

	for !d.finalReached(upTo) {
		select {
		case <-d.arrived:
		case <-timer.C:
			d.logger.Debug().Msg("Deepgram final results did not arrive in time")
			return
		case <-ctx.Done():
			return
		}
	}
}

func (d *DeepgramClient) finalReached(upTo time.Time) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return !d.finalUpTo.Add(finalSlack).Before(upTo)
}

// drain hands over pending results and clears any arrival signal they raised
func (d *DeepgramClient) drain() []Speaker {
	d.mu.Lock()
	defer d.mu.Unlock()

	speakers := d.pending
	d.pending = nil
	select {
	case <-d.arrived:
	default:
	}
	return speakers
}

// write sends chunk audio and returns the stream time its last byte maps to
func (d *DeepgramClient) write(sessionID string, chunk audio.Chunk) (time.Time, error) {
	d.writeMu.Lock()
	defer d.writeMu.Unlock()

	d.mu.Lock()
	if d.sessionID != sessionID {
		d.sessionID = sessionID
		d.pending = nil
		d.marks = nil
	}
	if err := d.start(); err != nil {
		d.mu.Unlock()
		d.recordResult(false)
		return time.Time{}, err
	}
	client := d.client
	upTo := d.advance(chunk.QuestionIndex, len(chunk.Data))
	d.mu.Unlock()

	call := func() error {
		if client == nil {
			return errNotConnected
		}
		if _, err := client.Write(chunk.Data); err != nil {
			go d.attemptReconnect()
			return fmt.Errorf("failed to send audio to Deepgram: %w", err)
		}
		return nil
	}

	if d.circuitBreaker == nil {
		return upTo, call()
	}
	err := d.circuitBreaker.Call(call)
	observability.UpdateCircuitBreakerState(d.circuitBreaker.Name(), int(d.circuitBreaker.GetState()))
	if err != nil {
		observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
	}
	return upTo, err
}

// advance accounts n bytes of audio for questionIndex and returns the
// stream time they end at. Callers hold d.mu.
func (d *DeepgramClient) advance(questionIndex, n int) time.Time {
	at := d.streamStart.Add(d.audioDuration(d.written))
	if last := len(d.marks) - 1; last < 0 || d.marks[last].index != questionIndex {
		d.marks = append(d.marks, questionMark{at: at, index: questionIndex})
	}
	d.written += int64(n)
	return d.streamStart.Add(d.audioDuration(d.written))
}

// questionAt finds the question whose audio was playing at stream time
// at. Zero means unknown. Callers hold d.mu.
func (d *DeepgramClient) questionAt(at time.Time) int {
	for i := len(d.marks) - 1; i >= 0; i-- {
		if !d.marks[i].at.After(at) {
			return d.marks[i].index
		}
	}
	return 0
}

// audioDuration converts PCM16 mono bytes to playback time
func (d *DeepgramClient) audioDuration(bytes int64) time.Duration {
	return time.Duration(bytes) * time.Second / time.Duration(2*d.config.SampleRate)
}

func (d *DeepgramClient) recordResult(success bool) {
	if d.circuitBreaker == nil {
		return
	}
	d.circuitBreaker.RecordResult(success)
	observability.UpdateCircuitBreakerState(d.circuitBreaker.Name(), int(d.circuitBreaker.GetState()))
	if !success {
		observability.IncrementCircuitBreakerFailures(d.circuitBreaker.Name())
	}
}

func (d *DeepgramClient) attemptReconnect() {
	select {
	case <-d.ctx.Done():
		return
	default:
	}

	d.mu.Lock()
	if d.isActive {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()

	err := resilience.Reconnect(d.ctx, d.logger, func(ctx context.Context) error {
		d.mu.Lock()
		defer d.mu.Unlock()
		return d.start()
	}, d.config.Reconnect)
	if err != nil {
		d.logger.Error().Err(err).Msg("Failed to reconnect Deepgram client")
	}
}

// HealthCheck reports whether the breaker currently lets calls through
func (d *DeepgramClient) HealthCheck(ctx context.Context) (bool, error) {
	if d.circuitBreaker != nil && d.circuitBreaker.GetState() == resilience.StateOpen {
		return false, resilience.ErrCircuitOpen
	}
	return true, nil
}

// Close finishes the live stream and stops reconnection attempts
func (d *DeepgramClient) Close() error {
	d.cancel()

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.isActive && d.client != nil {
		d.client.Finish()
	}
	d.isActive = false
	d.client = nil
	d.logger.Info().Msg("Deepgram live diarization stopped")
	return nil
}

type questionMark struct {
	at    time.Time
	index int
}

type word struct {
	text       string
	speaker    int
	start      float64
	confidence float64
}

// groupBySpeaker splits a word stream into consecutive same-speaker runs
func groupBySpeaker(words []word, isFinal bool, streamStart time.Time) []Speaker {
	var (
		out   []Speaker
		texts []string
		conf  float64
	)
	flush := func() {
		if len(texts) == 0 {
			return
		}
		out[len(out)-1].Transcript = strings.Join(texts, " ")
		out[len(out)-1].Confidence = conf / float64(len(texts))
		texts, conf = nil, 0
	}

	for i, w := range words {
		if i == 0 || w.speaker != words[i-1].speaker {
			flush()
			out = append(out, Speaker{
				SpeakerID: speakerID(w.speaker),
				IsFinal:   isFinal,
				At:        streamStart.Add(seconds(w.start)),
			})
		}
		texts = append(texts, w.text)
		conf += w.confidence
	}
	flush()
	return out
}

func speakerID(n int) string {
	return "speaker_" + strconv.Itoa(n)
}

func seconds(s float64) time.Duration {
	return time.Duration(s * float64(time.Second))
}
