package analysis

import (
	"fmt"
	"strings"
	"time"

	"github.com/lexiqai/interview-gateway/internal/interview"
)

const unanalyzed = "Could not analyze this response automatically."

// Fallback produces the degraded result used when the remote analysis
// fails or times out. It is pure and always returns a valid result.
func Fallback(transcript string, kind interview.AnalysisKind, now time.Time) interview.AnalysisResult {
	result := interview.AnalysisResult{
		Kind:       kind,
		Source:     interview.SourceFallback,
		Degraded:   true,
		ComputedAt: now,
	}

	if kind == interview.KindBullets {
		words := len(strings.Fields(transcript))
		result.BulletPoints = []string{
			fmt.Sprintf("Candidate response captured (%d words).", words),
			lengthNote(words),
			"Automated summary unavailable; review the transcript directly.",
		}
		return result
	}

	result.Kind = interview.KindSTAR
	result.Situation = unanalyzed
	result.Task = unanalyzed
	result.Action = unanalyzed
	result.Result = unanalyzed
	return result
}

func lengthNote(words int) string {
	switch {
	case words < 30:
		return "Brief response; little detail was available to summarize."
	case words < 120:
		return "Moderate-length response covering the main points."
	default:
		return "Detailed response; see the full transcript for specifics."
	}
}
