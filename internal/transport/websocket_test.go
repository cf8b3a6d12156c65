package transport

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/analysis"
	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/diarization"
	"github.com/lexiqai/interview-gateway/internal/questionbank"
	"github.com/lexiqai/interview-gateway/internal/session"
)

type echoDiarizer struct{}

func (echoDiarizer) Submit(ctx context.Context, sessionID string, chunk audio.Chunk) (*diarization.Response, error) {
	return &diarization.Response{Speakers: []diarization.Speaker{{
		SpeakerRole: "candidate",
		Transcript:  "We shipped the migration early.",
		IsFinal:     true,
	}}}, nil
}

type bulletAnalyzer struct{}

func (bulletAnalyzer) Analyze(ctx context.Context, req analysis.Request) (*analysis.Payload, error) {
	return &analysis.Payload{
		Situation:    "Migration",
		Task:         "Ship early",
		Action:       "Parallelized",
		Result:       "Done a week early",
		BulletPoints: []string{"Shipped early"},
	}, nil
}

func dial(t *testing.T) *websocket.Conn {
	t.Helper()

	bank, err := questionbank.Load("")
	if err != nil {
		t.Fatalf("load bank: %v", err)
	}
	handler := NewHandler(func(logger zerolog.Logger) *session.Manager {
		return session.NewManager(session.Config{
			ChunkInterval:   20 * time.Millisecond,
			QuietWindow:     50 * time.Millisecond,
			AnalysisTimeout: time.Second,
		}, echoDiarizer{}, bulletAnalyzer{}, logger)
	}, bank)

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)

	url := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

// frame is the union of Ack and session.Event fields the tests look at
type frame struct {
	Type          string          `json:"type"`
	ID            string          `json:"id"`
	OK            bool            `json:"ok"`
	Code          string          `json:"code"`
	QuestionIndex int             `json:"questionIndex"`
	Phase         string          `json:"phase"`
	Session       json.RawMessage `json:"session"`
}

func readUntil(t *testing.T, conn *websocket.Conn, match func(frame) bool) frame {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	for {
		var f frame
		if err := conn.ReadJSON(&f); err != nil {
			t.Fatalf("read: %v", err)
		}
		if match(f) {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, cmd Command) frame {
	t.Helper()
	if err := conn.WriteJSON(cmd); err != nil {
		t.Fatalf("write: %v", err)
	}
	return readUntil(t, conn, func(f frame) bool { return f.Type == "ack" && f.ID == cmd.ID })
}

func TestWebSocket_CommandFlow(t *testing.T) {
	conn := dial(t)

	ack := send(t, conn, Command{Type: "ask", ID: "0", Index: 1})
	if ack.OK || ack.Code != "no_active_session" {
		t.Errorf("Expected no_active_session before start, got %+v", ack)
	}

	ack = send(t, conn, Command{
		Type:     "start",
		ID:       "1",
		Presets:  []string{"conflict"},
		Speakers: map[string]string{"interviewer": "speaker_0", "candidate": "speaker_1"},
	})
	if !ack.OK {
		t.Fatalf("start rejected: %+v", ack)
	}
	var sess struct {
		Questions []struct {
			Text string `json:"text"`
		} `json:"questions"`
	}
	if err := json.Unmarshal(ack.Session, &sess); err != nil || len(sess.Questions) != 1 {
		t.Fatalf("Expected one preset question in ack, got %s (%v)", ack.Session, err)
	}

	if ack = send(t, conn, Command{Type: "ask", ID: "2", Index: 1}); !ack.OK {
		t.Fatalf("ask rejected: %+v", ack)
	}
	if ack = send(t, conn, Command{Type: "ask", ID: "3", Index: 1}); ack.OK || ack.Code != "invalid_transition" {
		t.Errorf("Expected invalid_transition on second ask, got %+v", ack)
	}

	if err := conn.WriteMessage(websocket.BinaryMessage, make([]byte, 640)); err != nil {
		t.Fatalf("write audio: %v", err)
	}
	readUntil(t, conn, func(f frame) bool { return f.Type == "transcript" })

	if ack = send(t, conn, Command{Type: "stop", ID: "4"}); !ack.OK {
		t.Fatalf("stop rejected: %+v", ack)
	}
	ev := readUntil(t, conn, func(f frame) bool { return f.Type == "analysis" && f.Phase == "terminal" })
	if ev.QuestionIndex != 1 {
		t.Errorf("Expected analysis for question 1, got %+v", ev)
	}

	if ack = send(t, conn, Command{Type: "end", ID: "5"}); !ack.OK {
		t.Fatalf("end rejected: %+v", ack)
	}
	if ack = send(t, conn, Command{Type: "end", ID: "6"}); ack.Code != "no_active_session" {
		t.Errorf("Expected no_active_session on double end, got %+v", ack)
	}
}

func TestWebSocket_BadCommands(t *testing.T) {
	conn := dial(t)

	if ack := send(t, conn, Command{Type: "dance", ID: "1"}); ack.OK || ack.Code != "bad_request" {
		t.Errorf("Expected bad_request for unknown command, got %+v", ack)
	}
	if ack := send(t, conn, Command{Type: "start", ID: "2", Presets: []string{"missing"}}); ack.OK {
		t.Error("Expected unknown preset to be rejected")
	}
	if ack := send(t, conn, Command{Type: "start", ID: "3", Speakers: map[string]string{"observer": "speaker_2"}}); ack.OK {
		t.Error("Expected unknown speaker role to be rejected")
	}

	if err := conn.WriteMessage(websocket.TextMessage, []byte("{not json")); err != nil {
		t.Fatalf("write: %v", err)
	}
	f := readUntil(t, conn, func(f frame) bool { return f.Type == "ack" })
	if f.OK || f.Code != "bad_request" {
		t.Errorf("Expected bad_request for malformed JSON, got %+v", f)
	}
}
