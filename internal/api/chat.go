package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/nugget/parley/internal/agent"
	"github.com/nugget/parley/internal/chat"
	"github.com/nugget/parley/internal/llm"
	"github.com/nugget/parley/internal/memory"
	"github.com/nugget/parley/internal/transcript"
)

// streamWriteTimeout is the write deadline, renewed after every event.
const streamWriteTimeout = 120 * time.Second

// maxChatBody bounds the size of a chat request.
const maxChatBody = 8 << 20

// ChatRequest is the body of POST /agents/chat/{conversation}.
type ChatRequest struct {
	Messages chat.History `json:"messages"`
	Model    string       `json:"model,omitempty"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation")

	var req ChatRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxChatBody)).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, errInvalidRequest, "invalid request body")
		return
	}

	stream, err := s.opts.Agent.Turn(r.Context(), agent.TurnRequest{
		ConversationID: convID,
		Messages:       req.Messages,
		Model:          req.Model,
	})
	if err != nil {
		s.logger.Error("turn failed to start", "conversation_id", convID, "error", err)
		if errors.Is(err, llm.ErrNoProvider) {
			s.errorResponse(w, http.StatusServiceUnavailable, errUnavailable, err.Error())
			return
		}
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to start turn")
		return
	}

	s.streamEvents(w, convID, stream)
}

// streamEvents relays the turn's events as SSE. The stream is drained to
// the end even after the client goes away so the turn can finish and
// release the conversation.
func (s *Server) streamEvents(w http.ResponseWriter, convID string, stream <-chan chat.StreamEvent) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	gone := false
	write := func(payload string) {
		if gone {
			return
		}
		if err := rc.SetWriteDeadline(time.Now().Add(streamWriteTimeout)); err != nil && !errors.Is(err, http.ErrNotSupported) {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
			s.logger.Debug("client disconnected from stream", "conversation_id", convID, "error", err)
			gone = true
			return
		}
		if err := rc.Flush(); err != nil {
			gone = true
		}
	}

	for ev := range stream {
		data, err := json.Marshal(ev)
		if err != nil {
			s.logger.Debug("failed to marshal stream event", "error", err)
			continue
		}
		write(string(data))
	}
	write("[DONE]")
}

// HistoryResponse is the body of GET /agents/chat/{conversation}/messages.
type HistoryResponse struct {
	ConversationID string       `json:"conversation_id"`
	Messages       chat.History `json:"messages"`
}

func (s *Server) handleMessages(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation")
	h, err := s.opts.Agent.History(r.Context(), convID)
	if err != nil {
		s.logger.Error("failed to load history", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to load history")
		return
	}
	if h == nil {
		h = chat.History{}
	}
	writeJSON(w, HistoryResponse{ConversationID: convID, Messages: h}, s.logger)
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation")
	err := s.opts.Agent.Clear(r.Context(), convID)
	switch {
	case errors.Is(err, memory.ErrNotFound):
		s.errorResponse(w, http.StatusNotFound, errNotFound, "conversation not found")
	case err != nil:
		s.logger.Error("failed to clear history", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to clear history")
	default:
		w.WriteHeader(http.StatusNoContent)
	}
}

func (s *Server) handleTranscript(w http.ResponseWriter, r *http.Request) {
	convID := r.PathValue("conversation")
	h, err := s.opts.Agent.History(r.Context(), convID)
	if err != nil {
		s.logger.Error("failed to load history", "conversation_id", convID, "error", err)
		s.errorResponse(w, http.StatusInternalServerError, errServer, "failed to load history")
		return
	}

	render, contentType := transcript.HTML, "text/html; charset=utf-8"
	if strings.EqualFold(r.URL.Query().Get("format"), "markdown") {
		render, contentType = transcript.Markdown, "text/markdown; charset=utf-8"
	}
	w.Header().Set("Content-Type", contentType)
	if err := render(w, convID, h); err != nil {
		s.logger.Debug("failed to write transcript", "conversation_id", convID, "error", err)
	}
}
