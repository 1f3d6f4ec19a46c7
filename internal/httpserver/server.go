package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"wa-guard/internal/engine"
	"wa-guard/internal/metrics"
	"wa-guard/internal/repo"
	"wa-guard/internal/rules"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.mau.fi/whatsmeow/types"
)

// Core is the slice of the pipeline the control surface delegates to.
type Core interface {
	StatusSummary(ctx context.Context) (*engine.Status, error)
	ReloadRules() error
	ClearMessages(ctx context.Context) (int64, error)
}

// DeletedLister queries deleted records that kept a hosted image.
type DeletedLister interface {
	ListDeletedWithImages(ctx context.Context) ([]repo.Message, error)
}

// Sender performs a direct text send through the transport.
type Sender interface {
	SendText(ctx context.Context, to types.JID, text string) error
}

// Dependencies exposes core dependencies to handlers that need them.
type Dependencies struct {
	Core    Core
	Deleted DeletedLister
	Sender  Sender
}

// Server wraps an http.Server with predefined routes.
type Server struct {
	httpServer *http.Server
	logger     *slog.Logger
	metrics    *metrics.Metrics
	deps       Dependencies
}

// New creates a new HTTP server listening on addr. Every admin endpoint is a
// one-line delegation into the pipeline.
func New(addr string, logger *slog.Logger, metricRegistry *metrics.Metrics, deps Dependencies) *Server {
	server := &Server{
		logger:  logger.With("component", "http"),
		metrics: metricRegistry,
		deps:    deps,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /healthz", healthHandler)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /status", server.handleStatus)
	mux.HandleFunc("POST /admin/reload-rules", server.handleReloadRules)
	mux.HandleFunc("GET /admin/deleted", server.handleListDeleted)
	mux.HandleFunc("DELETE /admin/deleted", server.handleClear)
	mux.HandleFunc("POST /send", server.handleSend)

	server.httpServer = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	return server
}

// Start begins listening for incoming HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server listen: %w", err)
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down http server")
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.deps.Core.StatusSummary(r.Context())
	if err != nil {
		s.logger.Error("status summary failed", "error", err)
		http.Error(w, "status unavailable", http.StatusInternalServerError)
		return
	}
	writeJSON(w, status)
}

func (s *Server) handleReloadRules(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Core.ReloadRules(); err != nil {
		s.logger.Error("rule reload failed", "error", err)
		code := http.StatusInternalServerError
		if errors.Is(err, rules.ErrBadDocument) {
			code = http.StatusUnprocessableEntity
		}
		http.Error(w, err.Error(), code)
		return
	}
	writeJSON(w, map[string]string{"status": "reloaded"})
}

func (s *Server) handleListDeleted(w http.ResponseWriter, r *http.Request) {
	records, err := s.deps.Deleted.ListDeletedWithImages(r.Context())
	if err != nil {
		s.logger.Error("list deleted failed", "error", err)
		http.Error(w, "query failed", http.StatusInternalServerError)
		return
	}

	type item struct {
		MessageID string     `json:"message_id"`
		Sender    string     `json:"sender"`
		Chat      string     `json:"chat"`
		Caption   string     `json:"text"`
		HostedURL string     `json:"hosted_url"`
		DeletedBy *string    `json:"deleted_by"`
		DeletedAt *time.Time `json:"deleted_at"`
	}
	out := make([]item, 0, len(records))
	for _, rec := range records {
		it := item{
			MessageID: rec.MessageID,
			Sender:    rec.SenderJID,
			Chat:      rec.RemoteJID,
			Caption:   rec.Text,
			DeletedBy: rec.DeletedBy,
			DeletedAt: rec.DeletedAt,
		}
		if rec.ImageHostedURL != nil {
			it.HostedURL = *rec.ImageHostedURL
		}
		out = append(out, it)
	}
	writeJSON(w, map[string]any{"count": len(out), "items": out})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	removed, err := s.deps.Core.ClearMessages(r.Context())
	if err != nil {
		s.logger.Error("clear failed", "error", err)
		http.Error(w, "clear failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, map[string]any{"status": "cleared", "removed": removed})
}

func (s *Server) handleSend(w http.ResponseWriter, r *http.Request) {
	var req struct {
		To   string `json:"to"`
		Text string `json:"text"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json body", http.StatusBadRequest)
		return
	}
	if req.To == "" || req.Text == "" {
		http.Error(w, "to and text are required", http.StatusBadRequest)
		return
	}

	to, err := types.ParseJID(req.To)
	if err != nil {
		http.Error(w, "invalid jid", http.StatusBadRequest)
		return
	}

	if err := s.deps.Sender.SendText(r.Context(), to, req.Text); err != nil {
		s.logger.Error("direct send failed", "to", req.To, "error", err)
		http.Error(w, "send failed", http.StatusBadGateway)
		return
	}
	writeJSON(w, map[string]string{"status": "sent"})
}

func healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode json", http.StatusInternalServerError)
	}
}
