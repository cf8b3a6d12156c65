package audio

import (
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

var (
	// ErrStreamerRunning is returned by Start when capture is already running
	ErrStreamerRunning = errors.New("audio streamer already running")
	// ErrStreamerStopped is returned by Write when capture is not running
	ErrStreamerStopped = errors.New("audio streamer not running")
)

// Chunk is one fixed-interval slice of captured audio
type Chunk struct {
	Seq           uint64
	QuestionIndex int // question that was active when the audio was captured
	Data          []byte
	CapturedAt    time.Time
	Speech        bool
	Final         bool // remainder flushed by Stop
}

// ChunkHandler receives chunks emitted on each tick. It runs on the
// streamer goroutine and must not block for long.
type ChunkHandler func(Chunk)

// StreamerConfig holds capture settings
type StreamerConfig struct {
	Interval   time.Duration
	BufferSize int
	VAD        *VADConfig
}

// Streamer buffers captured PCM16 audio and emits it as chunks every
// Interval while running.
type Streamer struct {
	config  StreamerConfig
	buffer  *RingBuffer
	vad     *VADDetector
	onChunk ChunkHandler
	logger  zerolog.Logger

	mu            sync.Mutex
	running       bool
	questionIndex int
	seq           uint64
	dropped       int64
	stopCh        chan struct{}
}

// NewStreamer creates a stopped streamer
func NewStreamer(config StreamerConfig, onChunk ChunkHandler, logger zerolog.Logger) *Streamer {
	if config.Interval <= 0 {
		config.Interval = time.Second
	}
	if config.BufferSize <= 0 {
		config.BufferSize = 256 * 1024
	}
	return &Streamer{
		config:  config,
		buffer:  NewRingBuffer(config.BufferSize),
		vad:     NewVADDetector(config.VAD),
		onChunk: onChunk,
		logger:  logger.With().Str("component", "audio_streamer").Logger(),
	}
}

// Start begins emitting chunks tagged with questionIndex
func (s *Streamer) Start(questionIndex int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return ErrStreamerRunning
	}

	s.buffer.Clear()
	s.vad.Reset()
	s.running = true
	s.questionIndex = questionIndex
	s.stopCh = make(chan struct{})

	go s.tickLoop(s.stopCh)

	s.logger.Info().
		Int("question_index", questionIndex).
		Dur("interval", s.config.Interval).
		Msg("Audio capture started")
	return nil
}

// Write buffers captured PCM16 audio. Implements io.Writer.
func (s *Streamer) Write(p []byte) (int, error) {
	s.mu.Lock()
	running := s.running
	s.mu.Unlock()

	if !running {
		return 0, ErrStreamerStopped
	}

	written, dropped := s.buffer.Write(p)
	if dropped > 0 {
		s.mu.Lock()
		s.dropped += int64(dropped)
		s.mu.Unlock()
		s.logger.Warn().Int("dropped_bytes", dropped).Msg("Capture buffer overflow, oldest audio dropped")
	}
	return written, nil
}

// Stop cancels the chunk ticker and returns the buffered remainder as a
// final chunk. ok is false when nothing was buffered or capture was not running.
func (s *Streamer) Stop() (chunk Chunk, ok bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.running {
		return Chunk{}, false
	}
	s.running = false
	close(s.stopCh)

	s.logger.Info().Int("question_index", s.questionIndex).Msg("Audio capture stopped")

	chunk, ok = s.nextChunkLocked()
	if ok {
		chunk.Final = true
	}
	return chunk, ok
}

// Running reports whether capture is active
func (s *Streamer) Running() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.running
}

// DroppedBytes returns how many captured bytes were evicted on overflow
func (s *Streamer) DroppedBytes() int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}

func (s *Streamer) tickLoop(stop <-chan struct{}) {
	ticker := time.NewTicker(s.config.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.Lock()
			// Stop may have won the lock after the tick fired
			if !s.running {
				s.mu.Unlock()
				return
			}
			chunk, ok := s.nextChunkLocked()
			s.mu.Unlock()

			if ok && s.onChunk != nil {
				s.onChunk(chunk)
			}
		}
	}
}

// nextChunkLocked drains the buffer into a chunk. Caller holds s.mu.
func (s *Streamer) nextChunkLocked() (Chunk, bool) {
	data := s.buffer.Drain()
	if len(data) == 0 {
		return Chunk{}, false
	}

	s.seq++
	return Chunk{
		Seq:           s.seq,
		QuestionIndex: s.questionIndex,
		Data:          data,
		CapturedAt:    time.Now(),
		Speech:        s.vad.ContainsSpeech(data),
	}, true
}
