package questionbank

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/lexiqai/interview-gateway/internal/interview"
)

//go:embed questions.yaml
var defaultBank []byte

// Entry is one preset question
type Entry struct {
	ID         string                 `yaml:"id" json:"id"`
	Text       string                 `yaml:"text" json:"text"`
	Competency string                 `yaml:"competency" json:"competency,omitempty"`
	Type       interview.QuestionType `yaml:"-" json:"questionType"`
}

// Bank holds the preset questions an interviewer can pick from
type Bank struct {
	Questions []Entry `yaml:"questions" json:"questions"`

	byID map[string]Entry
}

// Load reads a bank from path, or the built-in bank when path is empty
func Load(path string) (*Bank, error) {
	if path == "" {
		return Parse(defaultBank)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read question bank: %w", err)
	}
	return Parse(data)
}

// Parse decodes a YAML question bank. Ids must be unique and text non-empty.
func Parse(data []byte) (*Bank, error) {
	var b Bank
	if err := yaml.Unmarshal(data, &b); err != nil {
		return nil, fmt.Errorf("failed to parse question bank: %w", err)
	}

	b.byID = make(map[string]Entry, len(b.Questions))
	for i := range b.Questions {
		e := &b.Questions[i]
		e.ID = strings.TrimSpace(e.ID)
		e.Text = strings.TrimSpace(e.Text)
		if e.ID == "" || e.Text == "" {
			return nil, fmt.Errorf("question bank entry %d needs an id and text", i+1)
		}
		if _, dup := b.byID[e.ID]; dup {
			return nil, fmt.Errorf("duplicate question id %q", e.ID)
		}
		e.Type = interview.Classify(e.Text)
		b.byID[e.ID] = *e
	}
	return &b, nil
}

// Lookup returns entries for ids in the given order
func (b *Bank) Lookup(ids []string) ([]Entry, error) {
	out := make([]Entry, 0, len(ids))
	for _, id := range ids {
		e, ok := b.byID[id]
		if !ok {
			return nil, fmt.Errorf("unknown question id %q", id)
		}
		out = append(out, e)
	}
	return out, nil
}

// Handler serves the bank as JSON
func (b *Bank) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			w.Header().Set("Allow", http.MethodGet)
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(b)
	}
}
