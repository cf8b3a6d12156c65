package interview

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

var base = time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

func at(ms int) time.Time {
	return base.Add(time.Duration(ms) * time.Millisecond)
}

func seg(role Role, text string, final bool, ms int) TranscriptSegment {
	return TranscriptSegment{Role: role, Text: text, IsFinal: final, Confidence: 0.9, ProducedAt: at(ms)}
}

func newRecordingAccumulator(t *testing.T) (*Tracker, *Accumulator) {
	t.Helper()
	tr := newTestTracker("q1", "q2")
	if err := tr.Activate(1); err != nil {
		t.Fatalf("Activate failed: %v", err)
	}
	return tr, NewAccumulator(tr, 1500*time.Millisecond, zerolog.Nop())
}

func TestAccumulator_PartialThenFinalRoundTrip(t *testing.T) {
	_, acc := newRecordingAccumulator(t)

	acc.Append(1, seg(RoleCandidate, "I led the migration", false, 100))
	acc.Append(1, seg(RoleCandidate, "I led the migration to Kubernetes.", true, 200))

	got := acc.FullText(1, RoleCandidate)
	if got != "I led the migration to Kubernetes." {
		t.Errorf("Expected final text exactly once, got %q", got)
	}

	segs := acc.Segments(1)
	if len(segs) != 1 || !segs[0].IsFinal {
		t.Errorf("Expected the final to replace the partial tail, got %+v", segs)
	}
}

func TestAccumulator_FullTextExcludesPartialsAndOtherSpeakers(t *testing.T) {
	_, acc := newRecordingAccumulator(t)

	acc.Append(1, seg(RoleCandidate, "First,", true, 100))
	acc.Append(1, seg(RoleInterviewer, "Go on.", true, 150))
	acc.Append(1, seg(RoleCandidate, "then we shipped.", true, 300))
	acc.Append(1, seg(RoleCandidate, "and after", false, 400))

	if got := acc.FullText(1, RoleCandidate); got != "First, then we shipped." {
		t.Errorf("Unexpected candidate text %q", got)
	}
	if got := acc.FullText(1, RoleInterviewer); got != "Go on." {
		t.Errorf("Unexpected interviewer text %q", got)
	}

	segs := acc.Segments(1)
	if len(segs) != 4 {
		t.Fatalf("Expected 3 finals plus 1 tail, got %d", len(segs))
	}
	if segs[1].Role != RoleInterviewer {
		t.Errorf("Expected speakers to interleave by producedAt, got %+v", segs)
	}
}

func TestAccumulator_OrdersOutOfOrderFinals(t *testing.T) {
	_, acc := newRecordingAccumulator(t)

	acc.Append(1, seg(RoleCandidate, "second", true, 900))
	acc.Append(1, seg(RoleCandidate, "first", true, 400))

	if got := acc.FullText(1, RoleCandidate); got != "first second" {
		t.Errorf("Expected producedAt order, got %q", got)
	}
}

func TestAccumulator_DropRules(t *testing.T) {
	tests := []struct {
		name   string
		setup  []TranscriptSegment
		seg    TranscriptSegment
		reason DropReason
	}{
		{
			name:   "too late",
			setup:  []TranscriptSegment{seg(RoleCandidate, "newest", true, 5000)},
			seg:    seg(RoleCandidate, "ancient", true, 3000),
			reason: DropTooLate,
		},
		{
			name:   "stale partial behind tail",
			setup:  []TranscriptSegment{seg(RoleCandidate, "newer partial", false, 800)},
			seg:    seg(RoleCandidate, "older partial", false, 500),
			reason: DropStalePartial,
		},
		{
			name:   "partial covered by final",
			setup:  []TranscriptSegment{seg(RoleCandidate, "done.", true, 800)},
			seg:    seg(RoleCandidate, "do", false, 700),
			reason: DropStalePartial,
		},
		{
			name:   "duplicate final",
			setup:  []TranscriptSegment{seg(RoleCandidate, "same", true, 800)},
			seg:    seg(RoleCandidate, "same", true, 800),
			reason: DropDuplicateFinal,
		},
		{
			name:   "empty text",
			seg:    seg(RoleCandidate, "   ", true, 100),
			reason: DropEmpty,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, acc := newRecordingAccumulator(t)
			for _, s := range tt.setup {
				if ok, reason := acc.Append(1, s); !ok {
					t.Fatalf("setup segment dropped: %s", reason)
				}
			}

			ok, reason := acc.Append(1, tt.seg)
			if ok || reason != tt.reason {
				t.Errorf("Expected drop %q, got ok=%v reason=%q", tt.reason, ok, reason)
			}
		})
	}
}

func TestAccumulator_WithinLatenessWindowIsAccepted(t *testing.T) {
	_, acc := newRecordingAccumulator(t)

	acc.Append(1, seg(RoleCandidate, "later", true, 2000))
	if ok, reason := acc.Append(1, seg(RoleCandidate, "earlier", true, 1000)); !ok {
		t.Fatalf("Expected segment within one quiet window to be accepted, got %s", reason)
	}
	if got := acc.FullText(1, RoleCandidate); got != "earlier later" {
		t.Errorf("Expected reordered text, got %q", got)
	}
}

func TestAccumulator_RejectsNonRecordingQuestions(t *testing.T) {
	tr, acc := newRecordingAccumulator(t)

	if ok, reason := acc.Append(2, seg(RoleCandidate, "pending", true, 100)); ok || reason != DropNotRecording {
		t.Errorf("Expected pending question to reject, got %v %s", ok, reason)
	}

	tr.MarkAnswered(1)
	if ok, _ := acc.Append(1, seg(RoleCandidate, "tail end", true, 100)); !ok {
		t.Error("Expected answered question to still accept segments")
	}

	tr.Finalize(1)
	if ok, reason := acc.Append(1, seg(RoleCandidate, "too late", true, 200)); ok || reason != DropNotRecording {
		t.Errorf("Expected finalized question to reject, got %v %s", ok, reason)
	}

	if ok, reason := acc.Append(42, seg(RoleCandidate, "x", true, 100)); ok || reason != DropUnknown {
		t.Errorf("Expected unknown question to reject, got %v %s", ok, reason)
	}
}
