package api

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/goccy/go-json"

	"arctic-delta/iceberg"
	"arctic-delta/table"
)

const (
	contentTypeJSON        = "application/json"
	defaultShutdownTimeout = time.Second * 5
	partitionParamPrefix   = "partition."
)

// Server exposes snapshots, scans and row-delta commits over HTTP.
type Server struct {
	tables     map[string]*table.Table
	logger     *slog.Logger
	httpServer *http.Server
	addr       string
}

func NewServer(tables []*table.Table, port int, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	byName := make(map[string]*table.Table, len(tables))
	for _, t := range tables {
		byName[t.Name()] = t
	}
	return &Server{tables: byName, logger: logger, addr: fmt.Sprintf(":%d", port)}
}

// Start serves until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.httpServer = &http.Server{
		Addr:              s.addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errc <- err
		}
		close(errc)
	}()
	s.logger.Info("HTTP server started", "addr", s.addr)

	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), defaultShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("failed to shutdown HTTP server: %w", err)
	}
	return nil
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/health", s.handleHealth)
	r.Get("/tables", s.handleListTables)
	r.Route("/tables/{table}", func(r chi.Router) {
		r.Get("/schema", s.handleSchema)
		r.Get("/snapshots/current", s.handleCurrentSnapshot)
		r.Get("/snapshots/{id}", s.handleSnapshot)
		r.Get("/snapshots/{id}/history", s.handleHistory)
		r.Get("/snapshots/{id}/files", s.handleFiles)
		r.Get("/scan", s.handleScan)
		r.Post("/commits", s.handleCommit)
	})

	return r
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		s.logger.Warn("Error encoding response", "error", err)
	}
}

// writeError maps engine errors onto HTTP status codes.
func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, iceberg.ErrCommitConflict):
		status = http.StatusConflict
	case errors.Is(err, iceberg.ErrSnapshotNotFound):
		status = http.StatusNotFound
	case errors.Is(err, iceberg.ErrValidation), errors.Is(err, iceberg.ErrSchemaMismatch):
		status = http.StatusUnprocessableEntity
	}
	if status == http.StatusInternalServerError {
		s.logger.Error("request failed", "error", err)
	}
	s.writeJSON(w, status, NewErrorResponse(err.Error()))
}

func (s *Server) table(w http.ResponseWriter, r *http.Request) (*table.Table, bool) {
	name := chi.URLParam(r, "table")
	t, ok := s.tables[name]
	if !ok {
		s.writeJSON(w, http.StatusNotFound, NewErrorResponse("Table not found: "+name))
	}
	return t, ok
}

// parseSnapshotID reads a snapshot id; empty means the current snapshot.
func (s *Server) parseSnapshotID(w http.ResponseWriter, raw string) (int64, bool) {
	if raw == "" || raw == "current" {
		return 0, true
	}
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeJSON(w, http.StatusBadRequest, NewErrorResponse("Invalid snapshot id: "+raw))
		return 0, false
	}
	return id, true
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, NewOKResponse())
}

func (s *Server) handleListTables(w http.ResponseWriter, r *http.Request) {
	names := make([]string, 0, len(s.tables))
	for name := range s.tables {
		names = append(names, name)
	}
	sort.Strings(names)
	s.writeJSON(w, http.StatusOK, NewDataResponse(names))
}
