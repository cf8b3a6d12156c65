package questionbank

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/lexiqai/interview-gateway/internal/interview"
)

func TestLoad_Default(t *testing.T) {
	b, err := Load("")
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(b.Questions) == 0 {
		t.Fatal("Expected built-in questions")
	}

	entries, err := b.Lookup([]string{"intro", "closing"})
	if err != nil {
		t.Fatalf("Lookup failed: %v", err)
	}
	if entries[0].Type != interview.TypeIntroduction {
		t.Errorf("Expected intro to classify as introduction, got %s", entries[0].Type)
	}
	if entries[1].Type != interview.TypeClosing {
		t.Errorf("Expected closing to classify as closing, got %s", entries[1].Type)
	}
}

func TestLoad_File(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bank.yaml")
	data := []byte("questions:\n  - id: q1\n    text: \"  Walk me through a launch you led.  \"\n    competency: delivery\n")
	if err := os.WriteFile(path, data, 0o600); err != nil {
		t.Fatal(err)
	}

	b, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if b.Questions[0].Text != "Walk me through a launch you led." || b.Questions[0].Competency != "delivery" {
		t.Errorf("Unexpected entry %+v", b.Questions[0])
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("Expected error for a missing file")
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name string
		data string
	}{
		{"not yaml", "questions: [unterminated"},
		{"missing id", "questions:\n  - text: hello\n"},
		{"missing text", "questions:\n  - id: a\n"},
		{"duplicate id", "questions:\n  - id: a\n    text: one\n  - id: a\n    text: two\n"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Parse([]byte(tt.data)); err == nil {
				t.Error("Expected parse error")
			}
		})
	}
}

func TestLookup_Unknown(t *testing.T) {
	b, _ := Load("")
	if _, err := b.Lookup([]string{"intro", "nope"}); err == nil {
		t.Error("Expected error for an unknown id")
	}
}

func TestHandler(t *testing.T) {
	b, _ := Load("")

	rec := httptest.NewRecorder()
	b.Handler()(rec, httptest.NewRequest(http.MethodGet, "/questions", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("Expected 200, got %d", rec.Code)
	}

	var got struct {
		Questions []Entry `json:"questions"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if len(got.Questions) != len(b.Questions) {
		t.Errorf("Expected %d questions, got %d", len(b.Questions), len(got.Questions))
	}

	rec = httptest.NewRecorder()
	b.Handler()(rec, httptest.NewRequest(http.MethodPost, "/questions", nil))
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("Expected 405, got %d", rec.Code)
	}
}
