package interview

import (
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DropReason explains why Append rejected a segment
type DropReason string

const (
	DropNone           DropReason = ""
	DropUnknown        DropReason = "unknown_question"
	DropNotRecording   DropReason = "not_recording"
	DropEmpty          DropReason = "empty_text"
	DropTooLate        DropReason = "too_late"
	DropStalePartial   DropReason = "stale_partial"
	DropDuplicateFinal DropReason = "duplicate_final"
)

type questionTranscript struct {
	tails     map[Role]TranscriptSegment
	lastFinal map[Role]time.Time
	newest    time.Time
}

// Accumulator merges diarized segments into per-question transcripts.
// Finals live on Question.Transcript in ProducedAt order; each speaker's
// current partial tail is held here until a final replaces it.
type Accumulator struct {
	tracker  *Tracker
	lateness time.Duration
	logger   zerolog.Logger

	byQuestion map[int]*questionTranscript
}

// NewAccumulator creates an accumulator. Segments produced more than
// lateness before the newest accepted segment of a question are dropped.
func NewAccumulator(tracker *Tracker, lateness time.Duration, logger zerolog.Logger) *Accumulator {
	return &Accumulator{
		tracker:    tracker,
		lateness:   lateness,
		logger:     logger.With().Str("component", "transcript_accumulator").Logger(),
		byQuestion: make(map[int]*questionTranscript),
	}
}

// Append merges seg into question index's transcript. It reports whether
// the segment was accepted and, if not, why.
func (a *Accumulator) Append(index int, seg TranscriptSegment) (bool, DropReason) {
	reason := a.append(index, seg)
	if reason != DropNone {
		a.logger.Debug().
			Int("question_index", index).
			Str("role", string(seg.Role)).
			Bool("final", seg.IsFinal).
			Uint64("seq", seg.Seq).
			Str("reason", string(reason)).
			Msg("Transcript segment dropped")
		return false, reason
	}
	return true, DropNone
}

func (a *Accumulator) append(index int, seg TranscriptSegment) DropReason {
	q, ok := a.tracker.Question(index)
	if !ok {
		return DropUnknown
	}
	if !q.Recording() {
		return DropNotRecording
	}

	seg.Text = strings.TrimSpace(seg.Text)
	if seg.Text == "" {
		return DropEmpty
	}

	qt := a.transcript(index)
	if !qt.newest.IsZero() && seg.ProducedAt.Before(qt.newest.Add(-a.lateness)) {
		return DropTooLate
	}

	if seg.IsFinal {
		if a.hasFinal(q, seg) {
			return DropDuplicateFinal
		}
		q.Transcript = insertByProducedAt(q.Transcript, seg)
		if tail, ok := qt.tails[seg.Role]; ok && !tail.ProducedAt.After(seg.ProducedAt) {
			delete(qt.tails, seg.Role)
		}
		if seg.ProducedAt.After(qt.lastFinal[seg.Role]) {
			qt.lastFinal[seg.Role] = seg.ProducedAt
		}
	} else {
		if last, ok := qt.lastFinal[seg.Role]; ok && !seg.ProducedAt.After(last) {
			return DropStalePartial
		}
		if tail, ok := qt.tails[seg.Role]; ok && tail.ProducedAt.After(seg.ProducedAt) {
			return DropStalePartial
		}
		qt.tails[seg.Role] = seg
	}

	if seg.ProducedAt.After(qt.newest) {
		qt.newest = seg.ProducedAt
	}
	return DropNone
}

// FullText joins every final segment of role in ProducedAt order.
// Partial tails are excluded.
func (a *Accumulator) FullText(index int, role Role) string {
	q, ok := a.tracker.Question(index)
	if !ok {
		return ""
	}

	parts := make([]string, 0, len(q.Transcript))
	for _, seg := range q.Transcript {
		if seg.Role == role && seg.IsFinal {
			parts = append(parts, seg.Text)
		}
	}
	return strings.Join(parts, " ")
}

// Segments returns the merged view of a question: finals plus each
// speaker's partial tail, interleaved by ProducedAt.
func (a *Accumulator) Segments(index int) []TranscriptSegment {
	q, ok := a.tracker.Question(index)
	if !ok {
		return nil
	}

	out := append([]TranscriptSegment(nil), q.Transcript...)
	if qt, ok := a.byQuestion[index]; ok {
		for _, tail := range qt.tails {
			out = insertByProducedAt(out, tail)
		}
	}
	return out
}

// Forget releases the partial state kept for a question
func (a *Accumulator) Forget(index int) {
	delete(a.byQuestion, index)
}

func (a *Accumulator) transcript(index int) *questionTranscript {
	qt, ok := a.byQuestion[index]
	if !ok {
		qt = &questionTranscript{
			tails:     make(map[Role]TranscriptSegment),
			lastFinal: make(map[Role]time.Time),
		}
		a.byQuestion[index] = qt
	}
	return qt
}

func (a *Accumulator) hasFinal(q *Question, seg TranscriptSegment) bool {
	for _, existing := range q.Transcript {
		if existing.Role == seg.Role &&
			existing.ProducedAt.Equal(seg.ProducedAt) &&
			existing.Text == seg.Text {
			return true
		}
	}
	return false
}

// insertByProducedAt keeps segs sorted; equal timestamps keep arrival order
func insertByProducedAt(segs []TranscriptSegment, seg TranscriptSegment) []TranscriptSegment {
	i := sort.Search(len(segs), func(i int) bool {
		return segs[i].ProducedAt.After(seg.ProducedAt)
	})
	segs = append(segs, TranscriptSegment{})
	copy(segs[i+1:], segs[i:])
	segs[i] = seg
	return segs
}
