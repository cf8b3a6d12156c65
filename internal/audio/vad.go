package audio

import (
	"encoding/binary"
	"math"
)

// VADConfig holds configuration for Voice Activity Detection
type VADConfig struct {
	EnergyThreshold float64 // RMS energy threshold for speech detection
	SilenceFrames   int     // Number of consecutive silence frames to mark as end of speech
	FrameSize       int     // Number of samples per frame (320 for 16kHz = 20ms)
}

// DefaultVADConfig returns a default VAD configuration
func DefaultVADConfig() *VADConfig {
	return &VADConfig{
		EnergyThreshold: 500.0,
		SilenceFrames:   10,  // 200ms of silence (10 frames * 20ms)
		FrameSize:       320, // 20ms at 16kHz
	}
}

// VADConfigForRate returns a VAD configuration with 20ms frames at sampleRate
func VADConfigForRate(sampleRate int, threshold float64, silenceFrames int) *VADConfig {
	frame := sampleRate / 50
	if frame <= 0 {
		frame = 320
	}
	return &VADConfig{
		EnergyThreshold: threshold,
		SilenceFrames:   silenceFrames,
		FrameSize:       frame,
	}
}

// VADDetector performs Voice Activity Detection. Not safe for concurrent use.
type VADDetector struct {
	config         *VADConfig
	silenceCounter int
	isSpeaking     bool
}

// NewVADDetector creates a new VAD detector
func NewVADDetector(config *VADConfig) *VADDetector {
	if config == nil {
		config = DefaultVADConfig()
	}
	return &VADDetector{config: config}
}

// processFrame feeds one frame of samples through the detector and reports
// whether speech is ongoing. Speech ends after SilenceFrames quiet frames.
func (v *VADDetector) processFrame(samples []int16) bool {
	if CalculateRMS(samples) > v.config.EnergyThreshold {
		v.silenceCounter = 0
		v.isSpeaking = true
		return true
	}

	v.silenceCounter++
	if v.isSpeaking && v.silenceCounter >= v.config.SilenceFrames {
		v.isSpeaking = false
		v.silenceCounter = 0
	}
	return v.isSpeaking
}

// ContainsSpeech runs every frame of a PCM16 chunk through the detector and
// reports whether speech was detected in any of them. Detector state carries
// over between chunks so trailing silence inside an utterance still counts.
func (v *VADDetector) ContainsSpeech(pcm []byte) bool {
	samples := DecodePCM16(pcm)
	frame := v.config.FrameSize
	if frame <= 0 {
		frame = len(samples)
	}

	speech := false
	for start := 0; start < len(samples); start += frame {
		end := start + frame
		if end > len(samples) {
			end = len(samples)
		}
		if v.processFrame(samples[start:end]) {
			speech = true
		}
	}
	return speech
}

// Reset resets the VAD detector state
func (v *VADDetector) Reset() {
	v.silenceCounter = 0
	v.isSpeaking = false
}

// DecodePCM16 converts little-endian 16-bit PCM bytes to samples.
// A trailing odd byte is ignored.
func DecodePCM16(pcm []byte) []int16 {
	samples := make([]int16, len(pcm)/2)
	for i := range samples {
		samples[i] = int16(binary.LittleEndian.Uint16(pcm[i*2:]))
	}
	return samples
}

// CalculateRMS calculates the root mean square (RMS) of audio samples
func CalculateRMS(samples []int16) float64 {
	if len(samples) == 0 {
		return 0.0
	}

	sum := 0.0
	for _, sample := range samples {
		sum += float64(sample) * float64(sample)
	}

	return math.Sqrt(sum / float64(len(samples)))
}
