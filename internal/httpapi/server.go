package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/antoniostano/chatrelay/internal/completion"
	"github.com/antoniostano/chatrelay/internal/config"
	"github.com/antoniostano/chatrelay/internal/convstore"
	"github.com/antoniostano/chatrelay/internal/observability"
	"github.com/antoniostano/chatrelay/internal/relay"
	"github.com/antoniostano/chatrelay/internal/session"
)

// Relay runs one chat turn; implemented by relay.Service.
type Relay interface {
	Respond(ctx context.Context, key, text string) (relay.TurnResult, error)
}

// RemoteStore is the passthrough surface over the mirrored conversations.
type RemoteStore interface {
	Get(ctx context.Context, conversationID string) (convstore.Conversation, error)
	List(ctx context.Context) ([]convstore.Conversation, error)
	Delete(ctx context.Context, conversationID string) error
	Stats(ctx context.Context) (session.Stats, error)
	Ping(ctx context.Context) error
}

type Server struct {
	cfg      config.Config
	sessions *session.Store
	relay    Relay
	remote   RemoteStore // nil when mirroring is disabled
	metrics  *observability.Metrics
	upgrader websocket.Upgrader
}

func New(cfg config.Config, sessions *session.Store, rly Relay, remote RemoteStore, metrics *observability.Metrics) *Server {
	s := &Server{
		cfg:      cfg,
		sessions: sessions,
		relay:    rly,
		remote:   remote,
		metrics:  metrics,
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin: func(r *http.Request) bool {
			origin := strings.TrimSpace(r.Header.Get("Origin"))
			if origin == "" {
				// Non-browser clients often omit Origin. Allow them.
				return true
			}
			u, err := url.Parse(origin)
			if err != nil {
				return false
			}
			if u.Scheme != "http" && u.Scheme != "https" {
				return false
			}
			if strings.EqualFold(u.Host, r.Host) {
				return true
			}
			return originAllowed(origin, cfg.AllowedOrigins)
		},
	}
	return s
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(recoverJSON)
	r.Use(s.corsMiddleware)

	r.Get("/", s.handleIndex)
	r.Get("/health", s.handleHealth)
	r.Get("/metrics", func(w http.ResponseWriter, r *http.Request) {
		observability.MetricsHandler().ServeHTTP(w, r)
	})

	r.Post("/chat", s.handleChat)
	r.Get("/chat/ws", s.handleChatWS)

	r.Get("/conversations", s.handleListSessions)
	r.Get("/conversations/{sessionID}", s.handleGetSession)
	r.Delete("/conversations/{sessionID}", s.handleDeleteSession)

	r.Get("/store/conversations", s.handleStoreList)
	r.Get("/store/conversations/{conversationID}", s.handleStoreGet)
	r.Delete("/store/conversations/{conversationID}", s.handleStoreDelete)
	r.Get("/store/test", s.handleStoreTest)

	r.NotFound(func(w http.ResponseWriter, _ *http.Request) {
		respondError(w, http.StatusNotFound, "not_found", "endpoint not found")
	})
	return r
}

func (s *Server) handleIndex(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"message": "chat relay API",
		"endpoints": map[string]string{
			"chat":          "/chat",
			"health":        "/health",
			"conversations": "/conversations",
			"store":         "/store/conversations",
		},
	})
}

type chatRequest struct {
	// Message is decoded loosely so a non-string payload maps to a 400
	// instead of a decode-level failure indistinguishable from bad JSON.
	Message any `json:"message"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required and must be a string")
		return
	}
	text, ok := req.Message.(string)
	if !ok || strings.TrimSpace(text) == "" {
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required and must be a string")
		return
	}

	result, err := s.relay.Respond(r.Context(), s.sessionKey(r), text)
	if err != nil {
		s.respondTurnError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, result)
}

func (s *Server) respondTurnError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, session.ErrEmptyMessage):
		respondError(w, http.StatusBadRequest, "invalid_request", "message is required and must be a string")
	case errors.Is(err, completion.ErrUnavailable):
		respondError(w, http.StatusServiceUnavailable, "upstream_unavailable", "service temporarily unavailable")
	case errors.Is(err, completion.ErrMisconfigured):
		respondError(w, http.StatusInternalServerError, "configuration_error", "server configuration error")
	default:
		log.Printf("chat turn failed: %v", err)
		respondError(w, http.StatusInternalServerError, "internal_error", "an error occurred while processing your request")
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	stats := s.sessions.Stats()
	storage := "local"
	if s.remote != nil {
		remoteStats, err := s.remote.Stats(r.Context())
		if err != nil {
			log.Printf("health: falling back to local stats: %v", err)
		} else {
			stats = remoteStats
			storage = "postgres"
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"status":    "OK",
		"timestamp": time.Now().UTC(),
		"storage":   storage,
		"stats":     stats,
	})
}

func (s *Server) handleListSessions(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, map[string]any{
		"sessions": s.sessions.List(),
		"stats":    s.sessions.Stats(),
	})
}

func (s *Server) handleGetSession(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessions.Get(chi.URLParam(r, "sessionID"))
	if err != nil {
		respondError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) handleDeleteSession(w http.ResponseWriter, r *http.Request) {
	key := chi.URLParam(r, "sessionID")
	// Same per-key exclusion as live turns, so a delete cannot land in the
	// middle of a turn's append/persist sequence.
	unlock := s.sessions.LockKey(key)
	defer unlock()
	if err := s.sessions.Delete(key); err != nil {
		respondError(w, http.StatusNotFound, "not_found", "conversation not found")
		return
	}
	s.metrics.SessionEvents.WithLabelValues("deleted").Inc()
	s.metrics.ActiveSessions.Set(float64(s.sessions.Stats().ActiveSessions))
	respondJSON(w, http.StatusOK, map[string]string{"message": "conversation cleared successfully"})
}

func (s *Server) handleStoreList(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		respondError(w, http.StatusNotFound, "store_disabled", "conversation store not configured")
		return
	}
	conversations, err := s.remote.List(r.Context())
	if err != nil {
		log.Printf("store list failed: %v", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to fetch conversations from database")
		return
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"conversations": conversations,
		"count":         len(conversations),
	})
}

func (s *Server) handleStoreGet(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		respondError(w, http.StatusNotFound, "store_disabled", "conversation store not configured")
		return
	}
	conv, err := s.remote.Get(r.Context(), chi.URLParam(r, "conversationID"))
	if err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		log.Printf("store get failed: %v", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to fetch conversation from database")
		return
	}
	respondJSON(w, http.StatusOK, conv)
}

func (s *Server) handleStoreDelete(w http.ResponseWriter, r *http.Request) {
	if s.remote == nil {
		respondError(w, http.StatusNotFound, "store_disabled", "conversation store not configured")
		return
	}
	if err := s.remote.Delete(r.Context(), chi.URLParam(r, "conversationID")); err != nil {
		if errors.Is(err, convstore.ErrNotFound) {
			respondError(w, http.StatusNotFound, "not_found", "conversation not found")
			return
		}
		log.Printf("store delete failed: %v", err)
		respondError(w, http.StatusInternalServerError, "store_error", "failed to delete conversation from database")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"message": "conversation deleted successfully"})
}

func (s *Server) handleStoreTest(w http.ResponseWriter, r *http.Request) {
	connected := false
	if s.remote != nil {
		if err := s.remote.Ping(r.Context()); err != nil {
			log.Printf("store connectivity test failed: %v", err)
		} else {
			connected = true
		}
	}
	respondJSON(w, http.StatusOK, map[string]any{
		"connected": connected,
		"timestamp": time.Now().UTC(),
	})
}

// sessionKey derives the session identity for a request: an explicit
// X-Session-Key header when the client supplies one, else the caller's
// address. Address identity is weak (shared NATs collide, rotating addresses
// fragment sessions) but matches the reference deployment behind a frontend
// that cannot hold state.
func (s *Server) sessionKey(r *http.Request) string {
	if key := strings.TrimSpace(r.Header.Get("X-Session-Key")); key != "" {
		return key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		if r.RemoteAddr != "" {
			return r.RemoteAddr
		}
		return "default"
	}
	return host
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

var errEmptyBody = errors.New("empty body")

func decodeJSON(r *http.Request, out any) error {
	if r.Body == nil {
		return errEmptyBody
	}
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(out); err != nil {
		if strings.Contains(strings.ToLower(err.Error()), "eof") {
			return errEmptyBody
		}
		return err
	}
	return nil
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, errorResponse{Error: message, Code: code})
}

func recoverJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Printf("panic serving %s %s: %v", r.Method, r.URL.Path, rec)
				respondError(w, http.StatusInternalServerError, "internal_error", "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}
