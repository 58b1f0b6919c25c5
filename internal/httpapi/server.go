// Package httpapi exposes the daemon's session and stream state to the
// console UI over a small local HTTP API. It never renders anything and
// never navigates; it only reports state and accepts commands.
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/viaiv/console/internal/api"
	"github.com/viaiv/console/internal/auth"
	"github.com/viaiv/console/internal/logging"
	"github.com/viaiv/console/internal/store"
	"github.com/viaiv/console/internal/stream"
)

// Server represents the local HTTP API server
type Server struct {
	creds      *auth.Store
	emitter    *auth.LogoutEmitter
	client     *api.Client
	supervisor *stream.Supervisor
	cache      store.Store
	router     chi.Router
	port       int
}

// NewServer creates a new HTTP server instance
func NewServer(creds *auth.Store, emitter *auth.LogoutEmitter, client *api.Client, supervisor *stream.Supervisor, cache store.Store, port int) *Server {
	s := &Server{
		creds:      creds,
		emitter:    emitter,
		client:     client,
		supervisor: supervisor,
		cache:      cache,
		port:       port,
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures all API routes
func (s *Server) setupRoutes() {
	r := chi.NewRouter()

	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	// CORS configuration - the console UI is served from its own origin
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/session", func(r chi.Router) {
		r.Get("/status", s.handleSessionStatus)
		r.Post("/logout", s.handleLogout)
	})

	r.Route("/stream", func(r chi.Router) {
		r.Get("/status", s.handleStreamStatus)
		r.Post("/bind", s.handleStreamBind)
		r.Post("/retry", s.handleStreamRetry)
		r.Post("/send", s.handleStreamSend)
		r.Post("/cancel", s.handleStreamCancel)
	})

	// Generic authenticated proxy: every REST resource the console needs
	// (users, files, memories, billing, admin) flows through this one
	// choke point, which is where credential renewal lives.
	r.Handle("/api/*", http.HandlerFunc(s.handleProxy))

	r.Route("/conversations", func(r chi.Router) {
		r.Get("/", s.handleListConversations)
		r.Get("/{conversationID}/messages", s.handleGetTranscript)
		r.Delete("/{conversationID}", s.handleDeleteConversation)
	})

	s.router = r
}

// Router returns the configured router (used by tests)
func (s *Server) Router() chi.Router { return s.router }

// Start starts the HTTP server
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:     fmt.Sprintf("127.0.0.1:%d", s.port),
		Handler:  s.router,
		ErrorLog: log.New(logging.Writer(), "http: ", 0),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		srv.Shutdown(shutdownCtx)
	}()

	logging.Info("Local API listening on 127.0.0.1:%d", s.port)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// ---- Handlers ----

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, map[string]string{"status": "ok"})
}

// SessionStatusResponse reports the credential and renewal state
type SessionStatusResponse struct {
	Authenticated bool               `json:"authenticated"`
	RenewalState  auth.RenewalState  `json:"renewal_state"`
	LastRenewedAt *time.Time         `json:"last_renewed_at,omitempty"`
	LastLogout    *auth.LogoutSignal `json:"last_logout,omitempty"`
}

func (s *Server) handleSessionStatus(w http.ResponseWriter, r *http.Request) {
	state, renewedAt := s.creds.RenewalStatus()
	resp := SessionStatusResponse{
		Authenticated: s.creds.Authenticated(),
		RenewalState:  state,
	}
	if !renewedAt.IsZero() {
		resp.LastRenewedAt = &renewedAt
	}
	if sig, ok := s.emitter.Last(); ok {
		resp.LastLogout = &sig
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// LogoutRequest optionally carries why the session is ending. The console
// reports a server-driven expiry through the same endpoint it uses for a
// user-initiated logout.
type LogoutRequest struct {
	Reason string `json:"reason,omitempty"`
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	reason := auth.ReasonManual
	var req LogoutRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err == nil && req.Reason == string(auth.ReasonSessionExpired) {
		reason = auth.ReasonSessionExpired
	}

	s.supervisor.Unbind()
	s.creds.Clear()
	s.emitter.Notify(reason)
	s.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

func (s *Server) handleStreamStatus(w http.ResponseWriter, r *http.Request) {
	s.jsonResponse(w, http.StatusOK, s.supervisor.Status())
}

// StreamBindRequest selects the conversation to stream
type StreamBindRequest struct {
	ConversationID string `json:"conversation_id"`
}

func (s *Server) handleStreamBind(w http.ResponseWriter, r *http.Request) {
	var req StreamBindRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if req.ConversationID == "" {
		s.errorResponse(w, http.StatusBadRequest, "Missing conversation_id")
		return
	}
	s.supervisor.Bind(req.ConversationID)
	s.jsonResponse(w, http.StatusOK, s.supervisor.Status())
}

func (s *Server) handleStreamRetry(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.ManualRetry(); err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, s.supervisor.Status())
}

// StreamSendRequest carries one outgoing user message
type StreamSendRequest struct {
	Content string `json:"content"`
}

func (s *Server) handleStreamSend(w http.ResponseWriter, r *http.Request) {
	var req StreamSendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if err := s.supervisor.Send(req.Content); err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"sent": true})
}

func (s *Server) handleStreamCancel(w http.ResponseWriter, r *http.Request) {
	if err := s.supervisor.SendCancel(); err != nil {
		s.errorResponse(w, http.StatusConflict, err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"sent": true})
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api")
	if path == "" {
		path = "/"
	}

	var body interface{}
	if r.Body != nil {
		raw, err := io.ReadAll(r.Body)
		if err != nil {
			s.errorResponse(w, http.StatusBadRequest, "Failed to read request body: "+err.Error())
			return
		}
		if len(raw) > 0 {
			body = json.RawMessage(raw)
		}
	}

	resp, err := s.client.Do(r.Context(), r.Method, path, body, r.URL.Query())
	if err != nil {
		if ae, ok := auth.IsAuthError(err); ok {
			s.errorResponse(w, http.StatusUnauthorized, ae.Error())
			return
		}
		s.errorResponse(w, http.StatusBadGateway, err.Error())
		return
	}

	if ct := resp.Header.Get("Content-Type"); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	w.WriteHeader(resp.Status)
	w.Write(resp.Body)
}

func (s *Server) handleListConversations(w http.ResponseWriter, r *http.Request) {
	conversations, err := s.cache.ListConversations()
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to list conversations: "+err.Error())
		return
	}
	if conversations == nil {
		conversations = []*store.Conversation{}
	}
	s.jsonResponse(w, http.StatusOK, conversations)
}

func (s *Server) handleGetTranscript(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	messages, err := s.cache.GetTranscript(conversationID)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to load transcript: "+err.Error())
		return
	}
	if messages == nil {
		messages = []*store.Message{}
	}
	s.jsonResponse(w, http.StatusOK, messages)
}

func (s *Server) handleDeleteConversation(w http.ResponseWriter, r *http.Request) {
	conversationID := chi.URLParam(r, "conversationID")
	if err := s.cache.DeleteConversation(conversationID); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to delete conversation: "+err.Error())
		return
	}
	s.jsonResponse(w, http.StatusOK, map[string]bool{"success": true})
}

// ---- Response helpers ----

func (s *Server) jsonResponse(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string) {
	s.jsonResponse(w, status, map[string]string{"error": message})
}
