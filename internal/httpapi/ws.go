package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/osman-sultan/persona-ai/internal/engine"
	"github.com/osman-sultan/persona-ai/internal/identity"
	"github.com/osman-sultan/persona-ai/internal/protocol"
	"github.com/osman-sultan/persona-ai/internal/reliability"
)

// handleChatWS carries chat turns over a websocket. Prompts are handled one
// at a time in arrival order.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	caller, ok := s.caller(w, r)
	if !ok {
		return
	}
	personaID := chi.URLParam(r, "personaId")

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	inbound := make(chan protocol.ClientPrompt, 16)
	outbound := make(chan any, 256)

	send := func(msg any) bool {
		select {
		case outbound <- msg:
			return true
		case <-ctx.Done():
			return false
		}
	}

	workerDone := make(chan struct{})
	go func() {
		defer close(workerDone)
		for p := range inbound {
			s.runWSTurn(ctx, r.URL.Path, personaID, caller, p, send)
		}
	}()

	writerDone := make(chan struct{})
	go func() {
		defer close(writerDone)
		ping := time.NewTicker(s.wsPingInterval)
		defer ping.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ping.C:
				// A turn can outlast the read timeout; the pong keeps the read side alive.
				if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(10*time.Second)); err != nil {
					cancel()
					return
				}
			case msg := <-outbound:
				_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
				if err := conn.WriteJSON(msg); err != nil {
					cancel()
					return
				}
			}
		}
	}()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
	conn.SetPongHandler(func(string) error {
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		return nil
	})

readLoop:
	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		_ = conn.SetReadDeadline(time.Now().Add(s.wsReadTimeout))
		if msgType != websocket.TextMessage {
			continue
		}
		parsed, err := protocol.ParseClientMessage(data)
		if err != nil {
			if !send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				PersonaID: personaID,
				Code:      "invalid_client_message",
				Detail:    err.Error(),
			}) {
				break
			}
			continue
		}
		p, ok := parsed.(protocol.ClientPrompt)
		if !ok {
			continue
		}
		select {
		case <-ctx.Done():
			break readLoop
		case inbound <- p:
		}
	}

	close(inbound)
	cancel()
	<-workerDone
	<-writerDone
}

func (s *Server) runWSTurn(ctx context.Context, route, personaID string, caller identity.Caller, p protocol.ClientPrompt, send func(any) bool) {
	turn, err := s.engine.Prepare(ctx, engine.ChatRequest{
		PersonaID: personaID,
		Route:     route,
		Caller:    caller,
		Prompt:    p.Prompt,
	})
	if err != nil {
		status, code, msg := statusFor(err)
		if status >= 500 {
			s.log.Error("websocket turn failed", "persona_id", personaID, "code", code, "error", err)
		}
		send(protocol.ErrorEvent{
			Type:      protocol.TypeErrorEvent,
			PersonaID: personaID,
			Code:      code,
			Retryable: reliability.IsRetryableErrorCode(code),
			Detail:    msg,
		})
		return
	}

	out, err := turn.Relay(ctx, func(text string) error {
		if !send(protocol.AssistantTextDelta{
			Type:      protocol.TypeAssistantTextDelta,
			PersonaID: personaID,
			TurnID:    turn.ID,
			TextDelta: text,
		}) {
			return ctx.Err()
		}
		return nil
	})
	end := protocol.AssistantTurnEnd{
		Type:      protocol.TypeAssistantTurnEnd,
		PersonaID: personaID,
		TurnID:    turn.ID,
		Reason:    protocol.ReasonCompleted,
		Writeback: out.Writeback.Result(),
	}
	if err != nil {
		end.Reason = protocol.ReasonTruncated
		end.Writeback = ""
	}
	send(end)
}
