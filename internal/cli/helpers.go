package cli

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

// withStore opens the database, executes the function, and handles cleanup.
func (a *app) withStore(fn func(*store.SQLiteStore) error) error {
	s, err := store.Open(a.dbPath)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}
	defer s.Close()

	return fn(s)
}

// getExperiment wraps ErrNotFound in a message naming the id.
func getExperiment(ctx context.Context, s *store.SQLiteStore, id string) (*experiment.Experiment, error) {
	exp, err := s.GetExperiment(ctx, id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("experiment '%s' not found", id)
		}
		return nil, fmt.Errorf("failed to get experiment: %w", err)
	}
	return exp, nil
}

// tokenFilePath returns the configured token file, or .fg-token alongside
// the database.
func (a *app) tokenFilePath() string {
	if a.cfg != nil && a.cfg.Server.TokenFile != "" {
		return a.cfg.Server.TokenFile
	}
	return filepath.Join(filepath.Dir(a.dbPath), ".fg-token")
}

func formatNumber(n int) string {
	if n < 1000 {
		return fmt.Sprintf("%d", n)
	}
	if n < 1000000 {
		return fmt.Sprintf("%d,%03d", n/1000, n%1000)
	}
	return fmt.Sprintf("%d,%03d,%03d", n/1000000, (n/1000)%1000, n%1000)
}

func formatPercent(rate float64) string {
	if rate == 0 {
		return "0%"
	}
	return fmt.Sprintf("%.2f%%", rate*100)
}
