package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
)

// maxBodyBytes bounds a request body. Batches have no event count limit.
const maxBodyBytes = 4 << 20

type HealthResponse struct {
	Status           string `json:"status"`
	ExperimentsCount int    `json:"experiments_count"`
	DBSizeBytes      int64  `json:"db_size_bytes"`
	UptimeSeconds    int64  `json:"uptime_seconds"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	ctx := r.Context()

	exps, err := s.store.ListExperiments(ctx)
	if err != nil {
		s.logger.Error("health check failed", zap.Error(err))
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}

	var dbSize int64
	row := s.store.DB().QueryRowContext(ctx, "SELECT page_count * page_size FROM pragma_page_count(), pragma_page_size()")
	if err := row.Scan(&dbSize); err != nil {
		s.logger.Debug("failed to read database size", zap.Error(err))
	}

	writeJSON(w, http.StatusOK, HealthResponse{
		Status:           "ok",
		ExperimentsCount: len(exps),
		DBSizeBytes:      dbSize,
		UptimeSeconds:    int64(s.now().Sub(s.startTime) / time.Second),
	})
}

// handleRegistry returns the experiments live for an audience.
func (s *Server) handleRegistry(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "GET, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	audience, err := experiment.ParseAudience(r.URL.Query().Get("audience"))
	if err != nil {
		http.Error(w, "audience parameter required", http.StatusBadRequest)
		return
	}

	exps, err := s.store.ListActiveExperiments(r.Context(), audience, s.now())
	if err != nil {
		s.logger.Error("failed to list active experiments", zap.String("audience", string(audience)), zap.Error(err))
		http.Error(w, "Failed to fetch experiments", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Cache-Control", "no-store")
	writeJSON(w, http.StatusOK, exps)
}

// IngestResponse reports how a batch was stored. Duplicates are events
// whose id was already stored; they are accepted and dropped.
type IngestResponse struct {
	Accepted   int `json:"accepted"`
	Duplicates int `json:"duplicates"`
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var batch events.Batch
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&batch); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}

	sessionID := r.Header.Get(SessionHeader)
	if sessionID == "" {
		sessionID = batch.SessionID
	}
	if sessionID == "" {
		http.Error(w, "Missing session id", http.StatusBadRequest)
		return
	}
	if batch.SessionID != "" && batch.SessionID != sessionID {
		http.Error(w, "Session mismatch", http.StatusBadRequest)
		return
	}
	if len(batch.Events) == 0 {
		http.Error(w, "No events", http.StatusBadRequest)
		return
	}

	if s.limiter != nil && !s.limiter.Allow(sessionID) {
		s.metrics.RateLimited()
		http.Error(w, "Too many requests", http.StatusTooManyRequests)
		return
	}

	for i := range batch.Events {
		e := &batch.Events[i]
		if e.SessionID == "" {
			e.SessionID = sessionID
		}
		if err := validateEvent(*e, sessionID); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
	}

	s.ingest(w, r, batch.Events)
}

func (s *Server) handleConversion(w http.ResponseWriter, r *http.Request) {
	s.handleSingle(w, r, events.KindConversion)
}

func (s *Server) handleError(w http.ResponseWriter, r *http.Request) {
	s.handleSingle(w, r, events.KindError)
}

// handleSingle stores one high priority event posted to its immediate
// endpoint. The same event usually arrives in a batch too; the event id
// dedupes the pair.
func (s *Server) handleSingle(w http.ResponseWriter, r *http.Request, kind events.Kind) {
	setCORS(w, "POST, OPTIONS")
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var e events.Event
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&e); err != nil {
		http.Error(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if e.Kind() != kind {
		http.Error(w, "Unexpected event type", http.StatusBadRequest)
		return
	}
	if err := validateEvent(e, e.SessionID); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if kind == events.KindError {
		if d, ok := e.Data.(events.Error); ok {
			s.logger.Warn("client error reported",
				zap.String("session", e.SessionID),
				zap.String("source", d.Source),
				zap.Bool("fatal", d.Fatal),
				zap.String("message", d.Message))
		}
	}

	s.ingest(w, r, []events.Event{e})
}

func (s *Server) ingest(w http.ResponseWriter, r *http.Request, evs []events.Event) {
	res, err := s.store.RecordEvents(r.Context(), evs)
	if err != nil {
		s.logger.Error("failed to record events", zap.Int("events", len(evs)), zap.Error(err))
		http.Error(w, "Failed to record events", http.StatusInternalServerError)
		return
	}

	s.metrics.Duplicates(res.Duplicates)
	for name, n := range res.ByName {
		s.metrics.Ingested(name, n)
	}

	writeJSON(w, http.StatusOK, IngestResponse{Accepted: res.Inserted, Duplicates: res.Duplicates})
}

var (
	errMissingEventID   = errors.New("event id required")
	errMissingEventName = errors.New("event name required")
	errMissingTimestamp = errors.New("event timestamp required")
	errSessionMismatch  = errors.New("event session does not match batch")
)

func validateEvent(e events.Event, sessionID string) error {
	switch {
	case e.ID == "":
		return errMissingEventID
	case e.Name == "":
		return errMissingEventName
	case e.Timestamp.IsZero():
		return errMissingTimestamp
	case e.SessionID == "" || e.SessionID != sessionID:
		return errSessionMismatch
	}
	return nil
}

func setCORS(w http.ResponseWriter, methods string) {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", methods)
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, "+SessionHeader)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
