package httpapi

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/osman-sultan/persona-ai/internal/engine"
)

type chatRequest struct {
	Prompt string `json:"prompt"`
}

// handleChat streams the persona's reply as plain text. Once the first
// byte is written the status is fixed; later failures only end the body.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		if errors.Is(err, errEmptyBody) {
			respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
			return
		}
		respondError(w, http.StatusBadRequest, "invalid_request", "malformed JSON body")
		return
	}
	if strings.TrimSpace(req.Prompt) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "prompt is required")
		return
	}

	personaID := chi.URLParam(r, "personaId")
	turn, err := s.engine.Prepare(r.Context(), engine.ChatRequest{
		PersonaID: personaID,
		Route:     r.URL.Path,
		Caller:    caller,
		Prompt:    req.Prompt,
	})
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("X-Turn-Id", turn.ID)
	w.WriteHeader(http.StatusOK)
	flusher, _ := w.(http.Flusher)

	out, err := turn.Relay(r.Context(), func(text string) error {
		if _, err := w.Write([]byte(text)); err != nil {
			return err
		}
		if flusher != nil {
			flusher.Flush()
		}
		return nil
	})
	if err != nil {
		s.log.Warn("chat stream ended early",
			"request_id", middleware.GetReqID(r.Context()),
			"turn_id", turn.ID,
			"relayed_bytes", out.Completion.Relayed,
			"error", err,
		)
	}
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	msgs, err := s.engine.Messages(r.Context(), chi.URLParam(r, "personaId"), caller.ID)
	if err != nil {
		s.respondEngineError(w, r, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{"messages": msgs})
}
