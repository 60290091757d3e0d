// Package server exposes the daemon's local REST and WebSocket API.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	apperrors "github.com/vaultmirror/vaultmirror/internal/errors"
	"github.com/vaultmirror/vaultmirror/internal/journal"
	"github.com/vaultmirror/vaultmirror/internal/logging"
	"github.com/vaultmirror/vaultmirror/internal/models"
	syncpkg "github.com/vaultmirror/vaultmirror/internal/sync"
)

// Server serves the local HTTP API on a loopback address.
type Server struct {
	orch     *syncpkg.Orchestrator
	ingestor *syncpkg.Ingestor
	hub      *WSHub
	http     *http.Server
}

// New creates a Server bound to addr.
func New(addr string, orch *syncpkg.Orchestrator, ingestor *syncpkg.Ingestor, hub *WSHub) *Server {
	s := &Server{
		orch:     orch,
		ingestor: ingestor,
		hub:      hub,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/status", s.handleStatus)
	mux.HandleFunc("POST /api/sync", s.handleSync)
	mux.HandleFunc("GET /api/delta", s.handleDelta)
	mux.HandleFunc("GET /api/conflicts", s.handleConflicts)
	mux.HandleFunc("POST /api/conflicts/{id}/resolve", s.handleResolve)
	mux.HandleFunc("GET /api/journal/{id}/history", s.handleHistory)
	mux.HandleFunc("POST /api/ingest/{kind}", s.handleIngest)
	mux.HandleFunc("GET /ws", hub.ServeWS)

	s.http = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

// Start begins serving. It blocks until the listener fails or Shutdown is
// called.
func (s *Server) Start() error {
	logging.Info("API server listening", map[string]interface{}{"addr": s.http.Addr})
	if err := s.http.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests and stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

func writeJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// writeError maps application error codes to HTTP statuses.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	code := apperrors.ErrInternal

	var appErr *apperrors.AppError
	if errors.As(err, &appErr) {
		code = appErr.Code
		switch appErr.Code {
		case apperrors.ErrInvalid, apperrors.ErrResolution, apperrors.ErrUnknownKind, apperrors.ErrIngestValidation:
			status = http.StatusBadRequest
		case apperrors.ErrNotFound:
			status = http.StatusNotFound
		case apperrors.ErrSyncInProgress:
			status = http.StatusConflict
		}
	}

	writeJSON(w, status, map[string]interface{}{
		"error": err.Error(),
		"code":  string(code),
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"service": "vaultmirror",
	})
}

// handleStatus reports the orchestrator state and the last pass outcome.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	response := map[string]interface{}{
		"status": string(s.orch.Status()),
	}
	if last := s.orch.LastResult(); last != nil {
		response["last_pass"] = map[string]interface{}{
			"started_at":  last.StartTime.UnixMilli(),
			"finished_at": last.EndTime.UnixMilli(),
			"duration_ms": last.Duration.Milliseconds(),
			"synced":      last.Synced,
			"conflicts":   last.Conflicts,
			"errors":      last.Errors,
		}
	}
	if err := s.orch.LastError(); err != nil {
		response["last_error"] = err.Error()
	}
	writeJSON(w, http.StatusOK, response)
}

// handleSync triggers an immediate reconciliation pass. A pass already in
// flight yields 409 and the request is dropped, not queued.
func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	result, err := s.orch.RunPass(r.Context())
	if err != nil {
		if apperrors.Is(err, apperrors.ErrSyncInProgress) {
			writeError(w, err)
			return
		}
		writeError(w, apperrors.Wrap(apperrors.ErrSyncFailed, "reconciliation pass failed", err))
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "success",
		"synced":      result.Synced,
		"conflicts":   result.Conflicts,
		"errors":      result.Errors,
		"duration_ms": result.Duration.Milliseconds(),
	})
}

// handleDelta returns change-log records newer than ?since= for ?type=.
func (s *Server) handleDelta(w http.ResponseWriter, r *http.Request) {
	entityType := r.URL.Query().Get("type")
	if entityType == "" {
		entityType = "journal"
	}

	var since int64
	if raw := r.URL.Query().Get("since"); raw != "" {
		parsed, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || parsed < 0 {
			http.Error(w, "since must be a non-negative millisecond timestamp", http.StatusBadRequest)
			return
		}
		since = parsed
	}

	changes, err := s.orch.GetDelta(entityType, since)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"type":    entityType,
		"since":   since,
		"changes": changes,
		"count":   len(changes),
	})
}

// conflictView is the wire shape of one pending conflict.
type conflictView struct {
	ID         string `json:"id"`
	Date       string `json:"date"`
	Title      string `json:"title"`
	Excerpt    string `json:"excerpt"`
	Version    int    `json:"version"`
	Content    string `json:"content"`
	Snapshot   string `json:"snapshot"`
	DetectedAt int64  `json:"detected_at"`
}

const excerptMax = 120

// excerpt strips markup from note content and trims it to a short preview.
func excerpt(content string) string {
	text := journal.PlainText(content)
	if i := strings.IndexByte(text, '\n'); i >= 0 {
		text = text[:i]
	}
	if runes := []rune(text); len(runes) > excerptMax {
		text = string(runes[:excerptMax])
	}
	return text
}

func (s *Server) handleConflicts(w http.ResponseWriter, r *http.Request) {
	entries, err := s.orch.GetConflicts()
	if err != nil {
		writeError(w, err)
		return
	}

	conflicts := make([]conflictView, 0, len(entries))
	for _, entry := range entries {
		view := conflictView{
			ID:         entry.ID,
			Date:       entry.Date,
			Title:      journal.Title(entry.Content),
			Excerpt:    excerpt(entry.Content),
			Version:    entry.Version,
			Content:    entry.Content,
			DetectedAt: entry.UpdatedAt,
		}
		if entry.ConflictSnapshot != nil {
			view.Snapshot = *entry.ConflictSnapshot
		}
		conflicts = append(conflicts, view)
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"conflicts": conflicts,
		"count":     len(conflicts),
	})
}

func (s *Server) handleResolve(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("id")

	var request struct {
		Choice string `json:"choice"`
	}
	if err := json.NewDecoder(r.Body).Decode(&request); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := s.orch.ResolveConflict(entryID, request.Choice); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"entry_id": entryID,
		"choice":   request.Choice,
	})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	entryID := r.PathValue("id")

	history, err := s.orch.GetHistory(entryID)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"entry_id": entryID,
		"history":  history,
		"count":    len(history),
	})
}

// handleIngest accepts a JSON array of external records for one kind.
func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	kind := models.ExternalKind(r.PathValue("kind"))
	if !kind.Valid() {
		writeError(w, apperrors.New(apperrors.ErrUnknownKind, "unknown external kind: "+string(kind)))
		return
	}

	var docs []interface{}
	decoder := json.NewDecoder(r.Body)
	decoder.UseNumber()
	if err := decoder.Decode(&docs); err != nil {
		http.Error(w, "Request body must be a JSON array", http.StatusBadRequest)
		return
	}

	result, err := s.ingestor.Ingest(kind, docs)
	if err != nil {
		writeError(w, err)
		return
	}

	// Fresh calendar events flow straight into the day's agenda section.
	if kind == models.KindCalendar && result.Ingested > 0 {
		for _, date := range calendarDates(docs) {
			if err := s.orch.ApplyAgenda(date); err != nil {
				logging.Warn("Agenda merge after ingest failed", map[string]interface{}{
					"date":  date,
					"error": err.Error(),
				})
			}
		}
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":   "success",
		"kind":     string(kind),
		"ingested": result.Ingested,
		"dropped":  result.Dropped,
	})
}

// calendarDates extracts the distinct ISO dates of the batch's events.
func calendarDates(docs []interface{}) []string {
	seen := make(map[string]bool)
	var dates []string
	for _, doc := range docs {
		obj, ok := doc.(map[string]interface{})
		if !ok {
			continue
		}
		payload, ok := obj["payload"].(map[string]interface{})
		if !ok {
			continue
		}
		startRaw, _ := payload["start"].(string)
		start, err := time.Parse(time.RFC3339, startRaw)
		if err != nil {
			continue
		}
		date := start.Format(journal.ISODate)
		if !seen[date] {
			seen[date] = true
			dates = append(dates, date)
		}
	}
	return dates
}
