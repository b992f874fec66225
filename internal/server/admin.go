package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/stats"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

// handleAdminExperiments lists experiments (GET) or creates/replaces one
// (POST).
func (s *Server) handleAdminExperiments(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		exps, err := s.store.ListExperiments(r.Context())
		if err != nil {
			s.logger.Error("failed to list experiments", zap.Error(err))
			http.Error(w, "Failed to list experiments", http.StatusInternalServerError)
			return
		}
		if exps == nil {
			exps = []*experiment.Experiment{}
		}
		writeJSON(w, http.StatusOK, exps)

	case http.MethodPost:
		var exp experiment.Experiment
		if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&exp); err != nil {
			http.Error(w, "Invalid JSON", http.StatusBadRequest)
			return
		}
		if err := s.store.SaveExperiment(r.Context(), &exp); err != nil {
			if errors.Is(err, experiment.ErrInvalidExperiment) {
				http.Error(w, err.Error(), http.StatusBadRequest)
				return
			}
			s.logger.Error("failed to save experiment", zap.String("experiment", exp.ID), zap.Error(err))
			http.Error(w, "Failed to save experiment", http.StatusInternalServerError)
			return
		}
		s.logger.Info("experiment saved", zap.String("experiment", exp.ID), zap.String("status", string(exp.Status)))
		writeJSON(w, http.StatusCreated, exp)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAdminExperiment(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	switch r.Method {
	case http.MethodGet:
		exp, ok := s.loadExperiment(w, r, id)
		if !ok {
			return
		}
		writeJSON(w, http.StatusOK, exp)

	case http.MethodDelete:
		if err := s.store.DeleteExperiment(r.Context(), id); err != nil {
			if errors.Is(err, store.ErrNotFound) {
				http.Error(w, "Experiment not found", http.StatusNotFound)
				return
			}
			s.logger.Error("failed to delete experiment", zap.String("experiment", id), zap.Error(err))
			http.Error(w, "Failed to delete experiment", http.StatusInternalServerError)
			return
		}
		s.logger.Info("experiment deleted", zap.String("experiment", id))
		w.WriteHeader(http.StatusNoContent)

	default:
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
	}
}

var lifecycleActions = map[string]experiment.Status{
	"start": experiment.StatusRunning,
	"pause": experiment.StatusPaused,
	"end":   experiment.StatusEnded,
}

// handleLifecycle starts, pauses or ends an experiment. end accepts an
// optional winner query param naming one of the variants.
func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	action := r.PathValue("action")
	to, ok := lifecycleActions[action]
	if !ok {
		http.Error(w, "Unknown action", http.StatusNotFound)
		return
	}

	exp, ok := s.loadExperiment(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	winner := r.URL.Query().Get("winner")
	if winner != "" {
		if to != experiment.StatusEnded {
			http.Error(w, "winner is only valid when ending", http.StatusBadRequest)
			return
		}
		if _, ok := exp.Variant(winner); !ok {
			http.Error(w, "Unknown variant", http.StatusBadRequest)
			return
		}
	}

	if err := experiment.Transition(exp.Status, to); err != nil {
		http.Error(w, err.Error(), http.StatusConflict)
		return
	}

	if err := s.store.UpdateExperimentStatus(r.Context(), exp.ID, to, winner); err != nil {
		s.logger.Error("failed to update experiment status", zap.String("experiment", exp.ID), zap.Error(err))
		http.Error(w, "Failed to update experiment", http.StatusInternalServerError)
		return
	}

	s.logger.Info("experiment status changed",
		zap.String("experiment", exp.ID),
		zap.String("from", string(exp.Status)),
		zap.String("to", string(to)),
		zap.String("winner", winner))

	exp.Status = to
	if winner != "" {
		exp.WinnerVariant = winner
	}
	writeJSON(w, http.StatusOK, exp)
}

// handleResults reports per-variant counts and significance for one goal.
// Without a goal param every conversion counts.
func (s *Server) handleResults(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	exp, ok := s.loadExperiment(w, r, r.PathValue("id"))
	if !ok {
		return
	}

	alpha := s.alpha
	if raw := r.URL.Query().Get("alpha"); raw != "" {
		a, err := strconv.ParseFloat(raw, 64)
		if err != nil || a <= 0 || a >= 1 {
			http.Error(w, "alpha must be within (0, 1)", http.StatusBadRequest)
			return
		}
		alpha = a
	}

	goal := r.URL.Query().Get("goal")
	counts, err := s.store.GetVariantStats(r.Context(), exp.ID, goal)
	if err != nil {
		s.logger.Error("failed to get variant stats", zap.String("experiment", exp.ID), zap.Error(err))
		http.Error(w, "Failed to compute results", http.StatusInternalServerError)
		return
	}

	result := stats.Analyze(exp, counts, alpha)
	result.GoalID = goal
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) loadExperiment(w http.ResponseWriter, r *http.Request, id string) (*experiment.Experiment, bool) {
	exp, err := s.store.GetExperiment(r.Context(), id)
	if errors.Is(err, store.ErrNotFound) {
		http.Error(w, "Experiment not found", http.StatusNotFound)
		return nil, false
	}
	if err != nil {
		s.logger.Error("failed to get experiment", zap.String("experiment", id), zap.Error(err))
		http.Error(w, "Failed to get experiment", http.StatusInternalServerError)
		return nil, false
	}
	return exp, true
}
