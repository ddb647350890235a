// Package api exposes a mutuelle client over HTTP for a UI shell: sync
// control, queue management, table reads and a WebSocket status stream.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/hyperengineering/mutuelle"
)

// Backend is the client surface served over HTTP. *mutuelle.Client
// implements it.
type Backend interface {
	SyncStatus() mutuelle.Status
	SubscribeStatus() (<-chan mutuelle.Status, func())
	SetOnline(ctx context.Context, online bool) error
	Sync(ctx context.Context) (*mutuelle.SyncReport, error)
	ForceSync(ctx context.Context) (*mutuelle.SyncReport, error)
	ForceFullSync(ctx context.Context) (*mutuelle.PullReport, error)
	Queue() ([]mutuelle.QueueEntry, error)
	RetryFailed(ctx context.Context, ids ...int64) (int, error)
	DiscardChange(id int64) error
	Records(table mutuelle.Table) ([]mutuelle.Record, error)
	TableSyncs() ([]mutuelle.TableSync, error)
	Stats() (*mutuelle.StoreStats, error)
	HealthCheck(ctx context.Context) mutuelle.HealthStatus
}

var _ Backend = (*mutuelle.Client)(nil)

// Server routes HTTP requests to a Backend.
type Server struct {
	backend        Backend
	logger         *slog.Logger
	originPatterns []string
	router         chi.Router
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the request logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

// WithOriginPatterns allows cross-origin WebSocket clients matching patterns.
func WithOriginPatterns(patterns ...string) Option {
	return func(s *Server) { s.originPatterns = patterns }
}

// NewServer builds the router.
func NewServer(backend Backend, opts ...Option) *Server {
	s := &Server{backend: backend, logger: slog.Default()}
	for _, opt := range opts {
		opt(s)
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(s.logRequests)

	r.Get("/health", s.health)
	r.Get("/status", s.status)
	r.Post("/online", s.setOnline)
	r.Post("/sync", s.sync)
	r.Post("/sync/full", s.fullSync)
	r.Get("/stats", s.stats)
	r.Get("/ws", s.statusStream)

	r.Route("/queue", func(r chi.Router) {
		r.Get("/", s.queue)
		r.Post("/retry", s.retry)
		r.Delete("/{id}", s.discard)
	})
	r.Route("/tables", func(r chi.Router) {
		r.Get("/", s.tableSyncs)
		r.Get("/{table}", s.records)
	})

	s.router = r
	return s
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler { return s.router }

// ListenAndServe serves on addr until ctx is done, then shuts down gracefully.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	server := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		s.logger.Info("api listening", "addr", addr)
		errc <- server.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("api: shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration", time.Since(start),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	h := s.backend.HealthCheck(r.Context())
	code := http.StatusOK
	if !h.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, h)
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.backend.SyncStatus())
}

type onlineRequest struct {
	Online bool `json:"online"`
}

func (s *Server) setOnline(w http.ResponseWriter, r *http.Request) {
	var req onlineRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, &mutuelle.ValidationError{Field: "body", Message: err.Error()})
		return
	}
	if err := s.backend.SetOnline(r.Context(), req.Online); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.backend.SyncStatus())
}

func (s *Server) sync(w http.ResponseWriter, r *http.Request) {
	run := s.backend.Sync
	if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); force {
		run = s.backend.ForceSync
	}
	report, err := run(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) fullSync(w http.ResponseWriter, r *http.Request) {
	report, err := s.backend.ForceFullSync(r.Context())
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.backend.Stats()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	entries, err := s.backend.Queue()
	if err != nil {
		s.writeError(w, err)
		return
	}
	if entries == nil {
		entries = []mutuelle.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, entries)
}

type retryRequest struct {
	IDs []int64 `json:"ids"`
}

type retryResponse struct {
	Rearmed int `json:"rearmed"`
}

func (s *Server) retry(w http.ResponseWriter, r *http.Request) {
	var req retryRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, &mutuelle.ValidationError{Field: "body", Message: err.Error()})
			return
		}
	}
	n, err := s.backend.RetryFailed(r.Context(), req.IDs...)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, retryResponse{Rearmed: n})
}

func (s *Server) discard(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		s.writeError(w, &mutuelle.ValidationError{Field: "id", Message: "must be an integer"})
		return
	}
	if err := s.backend.DiscardChange(id); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) tableSyncs(w http.ResponseWriter, r *http.Request) {
	syncs, err := s.backend.TableSyncs()
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, syncs)
}

func (s *Server) records(w http.ResponseWriter, r *http.Request) {
	table, err := mutuelle.ParseTable(chi.URLParam(r, "table"))
	if err != nil {
		s.writeError(w, err)
		return
	}
	records, err := s.backend.Records(table)
	if err != nil {
		s.writeError(w, err)
		return
	}
	if records == nil {
		records = []mutuelle.Record{}
	}
	writeJSON(w, http.StatusOK, records)
}

// statusStream pushes the current status, then every change, until the
// client goes away.
func (s *Server) statusStream(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		s.logger.Warn("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "")

	ctx := conn.CloseRead(r.Context())
	updates, cancel := s.backend.SubscribeStatus()
	defer cancel()

	for {
		select {
		case <-ctx.Done():
			return
		case st, ok := <-updates:
			if !ok {
				return
			}
			data, err := json.Marshal(st)
			if err != nil {
				s.logger.Error("encode status", "error", err)
				return
			}
			wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
			err = conn.Write(wctx, websocket.MessageText, data)
			wcancel()
			if err != nil {
				s.logger.Debug("status stream closed", "error", err)
				return
			}
		}
	}
}

type errorResponse struct {
	Error string `json:"error"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	var verr *mutuelle.ValidationError
	switch {
	case errors.As(err, &verr):
		code = http.StatusBadRequest
	case errors.Is(err, mutuelle.ErrNotFound), errors.Is(err, mutuelle.ErrUnknownTable):
		code = http.StatusNotFound
	case errors.Is(err, mutuelle.ErrSyncInProgress):
		code = http.StatusConflict
	case errors.Is(err, mutuelle.ErrOffline), errors.Is(err, mutuelle.ErrNoRemote):
		code = http.StatusServiceUnavailable
	}
	if code == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, code, errorResponse{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
