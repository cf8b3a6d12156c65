package transport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/lexiqai/interview-gateway/internal/audio"
	"github.com/lexiqai/interview-gateway/internal/interview"
	"github.com/lexiqai/interview-gateway/internal/observability"
	"github.com/lexiqai/interview-gateway/internal/questionbank"
	"github.com/lexiqai/interview-gateway/internal/session"
)

const (
	commandTimeout = 10 * time.Second
	writeTimeout   = 10 * time.Second
	maxMessageSize = 1 << 20
)

var upgrader = websocket.Upgrader{
	// The interviewer UI is served from another origin in development
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
}

// Command is a JSON text frame sent by the interviewer UI
type Command struct {
	Type       string                   `json:"type"` // start, select, ask, stop, finalize, end, snapshot
	ID         string                   `json:"id,omitempty"`
	Index      int                      `json:"index,omitempty"`
	Text       string                   `json:"text,omitempty"`
	Competency string                   `json:"competency,omitempty"`
	Speakers   map[string]string        `json:"speakers,omitempty"`
	Questions  []session.QuestionPreset `json:"questions,omitempty"`
	Presets    []string                 `json:"presets,omitempty"` // question bank ids
}

// Ack answers one Command
type Ack struct {
	Type     string              `json:"type"`
	ID       string              `json:"id,omitempty"`
	Command  string              `json:"command"`
	OK       bool                `json:"ok"`
	Code     string              `json:"code,omitempty"`
	Error    string              `json:"error,omitempty"`
	Session  *interview.Session  `json:"session,omitempty"`
	Question *interview.Question `json:"question,omitempty"`
}

// ManagerFactory creates the session manager for one connection
type ManagerFactory func(logger zerolog.Logger) *session.Manager

// Handler serves the interviewer WebSocket. Each connection is one
// interviewer context with its own session manager.
type Handler struct {
	newManager ManagerFactory
	bank       *questionbank.Bank
}

// NewHandler creates the WebSocket handler
func NewHandler(newManager ManagerFactory, bank *questionbank.Bank) *Handler {
	return &Handler{newManager: newManager, bank: bank}
}

func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	correlationID := r.Header.Get("X-Correlation-ID")
	if correlationID == "" {
		correlationID = observability.NewCorrelationID()
	}
	logger := observability.WithCorrelationID(correlationID).With().Str("component", "ws_session").Logger()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error
		logger.Warn().Err(err).Msg("Failed to upgrade connection to WebSocket")
		return
	}
	defer conn.Close()
	conn.SetReadLimit(maxMessageSize)

	c := &connection{
		conn:    conn,
		manager: h.newManager(logger),
		bank:    h.bank,
		logger:  logger,
	}
	logger.Info().Str("remote", r.RemoteAddr).Msg("Interviewer connected")

	pumpDone := make(chan struct{})
	go func() {
		defer close(pumpDone)
		c.pumpEvents()
	}()

	c.readLoop()

	c.manager.Close()
	<-pumpDone
	logger.Info().Msg("Interviewer disconnected")
}

type connection struct {
	conn    *websocket.Conn
	manager *session.Manager
	bank    *questionbank.Bank
	logger  zerolog.Logger

	writeMu sync.Mutex
}

func (c *connection) readLoop() {
	for {
		msgType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logger.Warn().Err(err).Msg("WebSocket read error")
			}
			return
		}

		switch msgType {
		case websocket.BinaryMessage:
			if _, err := c.manager.WriteAudio(message); err != nil && !errors.Is(err, audio.ErrStreamerStopped) {
				c.logger.Warn().Err(err).Msg("Failed to buffer audio")
			}
		case websocket.TextMessage:
			var cmd Command
			if err := json.Unmarshal(message, &cmd); err != nil {
				c.write(Ack{Type: "ack", OK: false, Code: "bad_request", Error: "invalid command JSON"})
				continue
			}
			c.write(c.handle(cmd))
		}
	}
}

// pumpEvents forwards session events until the manager closes its stream
func (c *connection) pumpEvents() {
	for ev := range c.manager.Events() {
		if err := c.write(ev); err != nil {
			c.logger.Debug().Err(err).Str("type", string(ev.Type)).Msg("Failed to push event")
		}
	}
}

func (c *connection) handle(cmd Command) Ack {
	ctx, cancel := context.WithTimeout(context.Background(), commandTimeout)
	defer cancel()

	ack := Ack{Type: "ack", ID: cmd.ID, Command: cmd.Type}
	var err error

	switch cmd.Type {
	case "start":
		var opts session.StartOptions
		opts, err = c.startOptions(cmd)
		if err == nil {
			ack.Session, err = c.manager.StartSession(ctx, opts)
		}
	case "select":
		ack.Question, err = c.manager.SelectQuestion(ctx, cmd.Text, cmd.Competency)
	case "ask":
		err = c.manager.Ask(ctx, cmd.Index)
	case "stop":
		err = c.manager.Stop(ctx)
	case "finalize":
		err = c.manager.Finalize(ctx, cmd.Index)
	case "end":
		err = c.manager.EndSession(ctx)
	case "snapshot":
		ack.Session, err = c.manager.Snapshot(ctx)
	default:
		err = fmt.Errorf("unknown command %q", cmd.Type)
	}

	if err != nil {
		ack.Code = errorCode(err)
		ack.Error = err.Error()
		c.logger.Debug().Err(err).Str("command", cmd.Type).Msg("Command rejected")
		return ack
	}
	ack.OK = true
	return ack
}

func (c *connection) startOptions(cmd Command) (session.StartOptions, error) {
	opts := session.StartOptions{Questions: cmd.Questions}

	if len(cmd.Presets) > 0 {
		if c.bank == nil {
			return opts, errors.New("no question bank configured")
		}
		entries, err := c.bank.Lookup(cmd.Presets)
		if err != nil {
			return opts, err
		}
		presets := make([]session.QuestionPreset, 0, len(entries)+len(cmd.Questions))
		for _, e := range entries {
			presets = append(presets, session.QuestionPreset{Text: e.Text, Competency: e.Competency})
		}
		opts.Questions = append(presets, cmd.Questions...)
	}

	if len(cmd.Speakers) > 0 {
		opts.Speakers = make(map[interview.Role]string, len(cmd.Speakers))
		for name, speakerID := range cmd.Speakers {
			role, ok := interview.ParseRole(name)
			if !ok {
				return opts, fmt.Errorf("unknown speaker role %q", name)
			}
			opts.Speakers[role] = speakerID
		}
	}
	return opts, nil
}

func (c *connection) write(v any) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return c.conn.WriteJSON(v)
}

func errorCode(err error) string {
	switch {
	case errors.Is(err, interview.ErrInvalidTransition):
		return "invalid_transition"
	case errors.Is(err, interview.ErrNoActiveSession):
		return "no_active_session"
	case errors.Is(err, interview.ErrUnknownQuestion):
		return "unknown_question"
	case errors.Is(err, session.ErrClosed):
		return "closed"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "bad_request"
	}
}
