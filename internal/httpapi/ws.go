package httpapi

import (
	"errors"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/completion"
	"github.com/antoniostano/chatrelay/internal/session"
)

type wsChatFrame struct {
	Message string `json:"message"`
}

type wsErrorFrame struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// handleChatWS runs chat turns over a websocket: one {"message": ...} frame
// in, one turn result (or error frame) out. Turns share the session key and
// pipeline of POST /chat, so both transports see the same history.
func (s *Server) handleChatWS(w http.ResponseWriter, r *http.Request) {
	key := s.sessionKey(r)

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close()

	conn.SetReadLimit(1 << 20)
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

	for {
		var frame wsChatFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("chat ws read error for session %s: %v", key, err)
			}
			return
		}
		_ = conn.SetReadDeadline(time.Now().Add(5 * time.Minute))

		var out any
		if strings.TrimSpace(frame.Message) == "" {
			out = wsErrorFrame{Error: "message is required and must be a string", Code: "invalid_request"}
		} else if result, err := s.relay.Respond(r.Context(), key, frame.Message); err != nil {
			out = wsErrorFrame{Error: turnErrorMessage(err), Code: turnErrorCode(err)}
		} else {
			out = result
		}

		_ = conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
		if err := conn.WriteJSON(out); err != nil {
			log.Printf("chat ws write error for session %s: %v", key, err)
			return
		}
	}
}

func turnErrorCode(err error) string {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		return "invalid_request"
	case errors.Is(err, completion.ErrUnavailable):
		return "upstream_unavailable"
	case errors.Is(err, completion.ErrMisconfigured):
		return "configuration_error"
	default:
		return "internal_error"
	}
}

func turnErrorMessage(err error) string {
	switch turnErrorCode(err) {
	case "invalid_request":
		return "message is required and must be a string"
	case "upstream_unavailable":
		return "service temporarily unavailable"
	case "configuration_error":
		return "server configuration error"
	default:
		return "an error occurred while processing your request"
	}
}
