package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/server"
	"github.com/gkobilansky/funnel-goat/internal/store"
)

const sweepInterval = time.Minute

func newServeCmd(a *app) *cobra.Command {
	var (
		port  int
		token string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		Long: `Start the funnel-goat HTTP server.

The server provides:
  - Experiment registry for clients (/api/experiments)
  - Event, conversion and error ingestion
  - Admin API for experiments and results
  - Health check and Prometheus metrics

Example:
  fgoat serve --port 8080`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				a.cfg.Server.Port = port
			}
			if token != "" {
				a.cfg.Server.AdminToken = token
			}

			s, err := store.Open(a.dbPath)
			if err != nil {
				return fmt.Errorf("failed to open database: %w", err)
			}
			defer s.Close()
			defer a.logger.Sync()

			srv := server.New(s, server.Options{
				Port:          a.cfg.Server.Port,
				Token:         a.cfg.Server.AdminToken,
				TokenFile:     a.tokenFilePath(),
				Logger:        a.logger,
				RatePerSecond: a.cfg.Server.RatePerSecond,
				RateBurst:     a.cfg.Server.RateBurst,
				Alpha:         a.cfg.Server.Alpha,
			})

			fmt.Fprintf(cmd.OutOrStdout(), "Server running at http://localhost:%d\n", a.cfg.Server.Port)
			fmt.Fprintf(cmd.OutOrStdout(), "Admin token: %s\n", srv.Token())
			fmt.Fprintln(cmd.OutOrStdout(), "Press Ctrl+C to stop")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			g, ctx := errgroup.WithContext(ctx)
			g.Go(func() error {
				return srv.Run(ctx)
			})
			g.Go(func() error {
				ticker := time.NewTicker(sweepInterval)
				defer ticker.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case now := <-ticker.C:
						if _, err := endExpired(ctx, s, now); err != nil {
							a.logger.Warn("failed to end expired experiments", zap.Error(err))
						}
					}
				}
			})
			return g.Wait()
		},
	}

	cmd.Flags().IntVarP(&port, "port", "p", 8080, "port to listen on (overrides config and FG_PORT)")
	cmd.Flags().StringVar(&token, "token", "", "admin token (generated when empty)")
	return cmd
}

// endExpired marks running experiments whose end date has passed as ended.
// It returns the ids it ended.
func endExpired(ctx context.Context, s *store.SQLiteStore, now time.Time) ([]string, error) {
	exps, err := s.ListExperiments(ctx)
	if err != nil {
		return nil, err
	}
	var ended []string
	for _, exp := range exps {
		if exp.Status != experiment.StatusRunning || exp.EndDate == nil || now.Before(*exp.EndDate) {
			continue
		}
		if err := s.UpdateExperimentStatus(ctx, exp.ID, experiment.StatusEnded, ""); err != nil {
			return ended, fmt.Errorf("failed to end %s: %w", exp.ID, err)
		}
		ended = append(ended, exp.ID)
	}
	return ended, nil
}
