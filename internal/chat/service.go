package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	"github.com/sirupsen/logrus"

	"github.com/velora-ai/companion/internal/character"
	"github.com/velora-ai/companion/internal/llm"
	"github.com/velora-ai/companion/internal/subscription"
)

// ErrMisconfigured marks a character whose prompt template is empty.
var ErrMisconfigured = errors.New("character is misconfigured")

// Backend is the slice of the LLM client the turn pipeline needs.
type Backend interface {
	CheckConnection(ctx context.Context) bool
	Stream(ctx context.Context, prompt string, p llm.Params) (<-chan string, <-chan error)
}

// Event is one SSE payload of a streamed turn.
type Event struct {
	Chunk string `json:"chunk"`
	Done  bool   `json:"done"`
	Error string `json:"error,omitempty"`
}

// MarshalJSON keeps the two wire shapes apart: content and terminal
// events carry {chunk, done}, error events carry {error, done}.
func (e Event) MarshalJSON() ([]byte, error) {
	if e.Error != "" {
		return json.Marshal(struct {
			Error string `json:"error"`
			Done  bool   `json:"done"`
		}{e.Error, e.Done})
	}
	return json.Marshal(struct {
		Chunk string `json:"chunk"`
		Done  bool   `json:"done"`
	}{e.Chunk, e.Done})
}

// HistoryEntry is a caller-supplied prior turn for ephemeral mode.
type HistoryEntry struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// TurnRequest carries one user utterance plus optional session binding,
// client-side history and generation overrides.
type TurnRequest struct {
	Message       string         `json:"message"`
	SessionKey    string         `json:"session_id"`
	History       []HistoryEntry `json:"history"`
	TurnID        string         `json:"turn_id"`
	MaxTokens     int            `json:"max_tokens"`
	Temperature   float64        `json:"temperature"`
	TopP          float64        `json:"top_p"`
	TopK          int            `json:"top_k"`
	RepeatPenalty float64        `json:"repeat_penalty"`
}

func (r TurnRequest) params() llm.Params {
	return llm.Params{
		MaxTokens:     r.MaxTokens,
		Temperature:   r.Temperature,
		TopP:          r.TopP,
		TopK:          r.TopK,
		RepeatPenalty: r.RepeatPenalty,
	}
}

// Service drives a chat turn end to end: admission, mode resolution,
// prompting, streaming, repair, persistence and debit.
type Service struct {
	repo          *Repo
	subs          *subscription.Service
	backend       Backend
	historyWindow int
	turnDeadline  time.Duration
}

func NewService(repo *Repo, subs *subscription.Service, backend Backend, historyWindow int, turnDeadline time.Duration) *Service {
	if historyWindow <= 0 {
		historyWindow = 10
	}
	return &Service{
		repo:          repo,
		subs:          subs,
		backend:       backend,
		historyWindow: historyWindow,
		turnDeadline:  turnDeadline,
	}
}

func fallbackReply(name string) string {
	return fmt.Sprintf("Hi! I'm %s. Unfortunately the generation server is unavailable.", name)
}

// StreamTurn admits and runs one turn against ch. Admission failures
// are returned before any event is produced; once the channel is
// handed out, failures travel as terminal error events. The channel
// closes after the terminal event.
func (s *Service) StreamTurn(ctx context.Context, userID uint64, ch *character.Character, req TurnRequest) (<-chan Event, error) {
	caps, err := s.subs.Capabilities(ctx, userID, utf8.RuneCountInString(req.Message))
	if err != nil {
		return nil, err
	}
	if !caps.CanSendMessage {
		return nil, &subscription.QuotaError{Reason: caps.Reason}
	}
	if ch.Misconfigured() {
		return nil, ErrMisconfigured
	}

	// A replayed turn id returns the stored reply without touching the
	// ledger again.
	if req.TurnID != "" {
		prior, err := s.repo.FindReceipt(ctx, userID, req.TurnID)
		if err != nil {
			return nil, err
		}
		if prior != nil {
			out := make(chan Event, 2)
			out <- Event{Chunk: prior.Reply}
			out <- Event{Done: true}
			close(out)
			return out, nil
		}
	}

	persist := false
	if req.SessionKey != "" {
		persist, err = s.subs.CanPersistHistory(ctx, userID)
		if err != nil {
			return nil, err
		}
	}

	var (
		session *Session
		history []Message
	)
	if persist {
		session, err = s.repo.ResolveOrCreate(ctx, ch.ID, userID, req.SessionKey)
		if err != nil {
			return nil, err
		}
		history, err = s.repo.LoadHistory(ctx, session.ID, s.historyWindow)
		if err != nil {
			return nil, err
		}
		userMsg := &Message{SessionID: session.ID, UserID: userID, Role: RoleUser, Content: req.Message}
		if err := s.repo.Append(ctx, userMsg); err != nil {
			return nil, err
		}
	} else {
		history = make([]Message, 0, len(req.History))
		for _, h := range req.History {
			history = append(history, Message{Role: h.Role, Content: h.Content})
		}
		if len(history) > s.historyWindow {
			history = history[len(history)-s.historyWindow:]
		}
	}

	out := make(chan Event, 16)

	if !s.backend.CheckConnection(ctx) {
		go s.runFallback(ctx, out, userID, ch, session, persist)
		return out, nil
	}

	go s.runStream(ctx, out, userID, ch, session, persist, history, req)
	return out, nil
}

func (s *Service) runFallback(ctx context.Context, out chan<- Event, userID uint64, ch *character.Character, session *Session, persist bool) {
	defer close(out)
	reply := fallbackReply(ch.Name)
	if persist && session != nil {
		msg := &Message{SessionID: session.ID, UserID: userID, Role: RoleAssistant, Content: reply}
		if err := s.repo.Append(context.WithoutCancel(ctx), msg); err != nil {
			logrus.WithError(err).Error("persisting fallback reply")
		}
	}
	out <- Event{Chunk: reply, Done: true}
}

func (s *Service) runStream(ctx context.Context, out chan<- Event, userID uint64, ch *character.Character, session *Session, persist bool, history []Message, req TurnRequest) {
	defer close(out)

	streamCtx := ctx
	var cancel context.CancelFunc
	if s.turnDeadline > 0 {
		streamCtx, cancel = context.WithTimeout(ctx, s.turnDeadline)
		defer cancel()
	}

	prompt := BuildPrompt(ch, req.Message, history)
	chunks, errs := s.backend.Stream(streamCtx, prompt, req.params())

	var full []byte
	buffer := NewChunkBuffer(func(chunk string) {
		select {
		case out <- Event{Chunk: chunk}:
		case <-ctx.Done():
		}
	})

	for chunk := range chunks {
		full = append(full, chunk...)
		buffer.Write(chunk)
		if ctx.Err() != nil {
			// Downstream gone; abandon the turn.
			return
		}
	}

	var streamErr error
	select {
	case streamErr = <-errs:
	default:
	}

	if streamErr != nil && len(full) == 0 {
		logrus.WithError(streamErr).Error("chat stream failed before output")
		out <- Event{Error: "stream_aborted", Done: true}
		return
	}
	if streamErr != nil {
		logrus.WithError(streamErr).Warn("chat stream cut short, repairing partial reply")
	}
	if len(full) == 0 {
		out <- Event{Done: true}
		return
	}

	priorComplete := true
	for i := len(history) - 1; i >= 0; i-- {
		if history[i].Role == RoleAssistant {
			priorComplete = IsComplete(history[i].Content)
			break
		}
	}
	reply := Repair(string(full), IsContinuation(req.Message), priorComplete)
	if tail := reply[len(full):]; tail != "" {
		buffer.Write(tail)
	}
	buffer.Flush()

	// The writes below must survive a late client disconnect.
	bg := context.WithoutCancel(ctx)
	if persist && session != nil {
		msg := &Message{
			SessionID: session.ID,
			UserID:    userID,
			Role:      RoleAssistant,
			Content:   reply,
		}
		if err := s.repo.Append(bg, msg); err != nil {
			logrus.WithError(err).Error("persisting assistant reply")
		}
	}
	if req.TurnID != "" {
		rec := &TurnReceipt{UserID: userID, TurnID: req.TurnID, Reply: reply}
		if err := s.repo.SaveReceipt(bg, rec); err != nil {
			logrus.WithError(err).WithField("user_id", userID).Error("recording turn receipt")
		}
	}
	if debited, err := s.subs.DebitMessage(bg, userID); err != nil {
		logrus.WithError(err).WithField("user_id", userID).Error("message debit failed after turn")
	} else if !debited {
		logrus.WithField("user_id", userID).Warn("message debit refused after turn")
	}

	out <- Event{Done: true}
}
