package cli

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sort"
	"sync"
	"text/tabwriter"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/gkobilansky/funnel-goat/internal/analytics"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/goals"
	"github.com/gkobilansky/funnel-goat/internal/persist"
	"github.com/gkobilansky/funnel-goat/internal/transport"
)

// simulation drives synthetic visitors through the client pipeline against
// a running server.
type simulation struct {
	serverURL   string
	audience    experiment.Audience
	visitors    int
	perSecond   float64
	concurrency int
	baseRate    float64
	lift        float64
	goalID      string
	seed        uint64

	goals  *goals.Table
	redis  *redis.Client
	logger *zap.Logger
	build  func(identity experiment.Identity, deps analytics.Deps) *analytics.Instance
}

// simSummary counts visitors and conversions per experiment and variant.
type simSummary struct {
	mu          sync.Mutex
	Visitors    int
	Exposures   map[string]map[string]int
	Conversions map[string]map[string]int
}

func (s *simSummary) record(assigned map[string]string, converted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Visitors++
	for expID, variantID := range assigned {
		if s.Exposures[expID] == nil {
			s.Exposures[expID] = make(map[string]int)
			s.Conversions[expID] = make(map[string]int)
		}
		s.Exposures[expID][variantID]++
		if converted {
			s.Conversions[expID][variantID]++
		}
	}
}

func newSimulateCmd(a *app) *cobra.Command {
	var (
		sim       simulation
		serverURL string
		audience  string
		useRedis  bool
	)

	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Send synthetic visitors to a running server",
		Long: `Simulate visitors against a running server. Each visitor is a full client
pipeline instance: it loads experiments, gets assigned, views a page,
scrolls, and converts on a goal with probability --conversion-rate. Visitors
in a variant other than the control convert at that rate times (1 + --lift).

Examples:
  fgoat simulate --visitors 500 --rate 50
  fgoat simulate --audience employer --goal post_job --lift 0.3 --redis`,
		RunE: func(cmd *cobra.Command, args []string) error {
			var err error
			if sim.audience, err = experiment.ParseAudience(audience); err != nil {
				return err
			}
			sim.serverURL = serverURL
			if sim.serverURL == "" {
				sim.serverURL = a.cfg.Client.ServerURL
			}
			sim.logger = a.logger

			sim.goals = goals.DefaultTable()
			if a.cfg.Goals.File != "" {
				if sim.goals, err = goals.LoadTable(a.cfg.Goals.File); err != nil {
					return err
				}
			}

			if useRedis {
				client, err := persist.OpenRedis(cmd.Context(), a.cfg.Redis)
				if err != nil {
					return err
				}
				defer client.Close()
				sim.redis = client
			}

			tr := transport.NewHTTP(transport.WithLogger(a.logger))
			ep := transport.EndpointsFor(sim.serverURL)
			cc := a.cfg.CollectorConfig(ep.Events, ep.Conversions, ep.Errors)
			registry := transport.NewRegistry(sim.serverURL, nil)
			sessionTTL := a.cfg.Redis.SessionTTL
			sim.build = func(identity experiment.Identity, deps analytics.Deps) *analytics.Instance {
				deps.Registry = registry
				deps.Transport = tr
				if sim.redis != nil {
					deps.Scopes = persist.RedisScopes(sim.redis, "sim:"+identity.SessionID, sessionTTL, deps.Logger)
				}
				return analytics.New(identity, deps, analytics.Config{Collector: cc, Goals: sim.goals})
			}

			start := time.Now()
			summary, err := sim.run(cmd.Context())
			if !tr.Close(10 * time.Second) {
				a.logger.Warn("some teardown beacons were still in flight")
			}
			if err != nil {
				return err
			}
			printSummary(cmd, summary, time.Since(start))
			return nil
		},
	}

	cmd.Flags().StringVar(&serverURL, "server", "", "server base URL (defaults to client.server_url)")
	cmd.Flags().StringVarP(&audience, "audience", "a", string(experiment.AudienceIndividual), "audience of the simulated visitors")
	cmd.Flags().IntVarP(&sim.visitors, "visitors", "n", 100, "number of visitors")
	cmd.Flags().Float64Var(&sim.perSecond, "rate", 20, "visitors started per second")
	cmd.Flags().IntVar(&sim.concurrency, "concurrency", 8, "visitors in flight at once")
	cmd.Flags().Float64Var(&sim.baseRate, "conversion-rate", 0.1, "control conversion probability")
	cmd.Flags().Float64Var(&sim.lift, "lift", 0.2, "relative lift of non-control variants")
	cmd.Flags().StringVar(&sim.goalID, "goal", "", "goal to convert on (defaults to the audience's first goal)")
	cmd.Flags().Uint64Var(&sim.seed, "seed", uint64(time.Now().UnixNano()), "random seed")
	cmd.Flags().BoolVar(&useRedis, "redis", false, "keep client state in Redis instead of memory")
	return cmd
}

func (s *simulation) run(ctx context.Context) (*simSummary, error) {
	if s.goalID == "" {
		gs := s.goals.Goals(s.audience)
		if len(gs) == 0 {
			return nil, fmt.Errorf("audience %s has no conversion goals", s.audience)
		}
		s.goalID = gs[0].ID
	}
	if _, ok := s.goals.Goal(s.audience, s.goalID); !ok {
		return nil, fmt.Errorf("unknown goal %q for audience %s", s.goalID, s.audience)
	}

	summary := &simSummary{
		Exposures:   make(map[string]map[string]int),
		Conversions: make(map[string]map[string]int),
	}
	limiter := rate.NewLimiter(rate.Limit(s.perSecond), 1)

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(max(s.concurrency, 1))
	for i := 0; i < s.visitors; i++ {
		if err := limiter.Wait(ctx); err != nil {
			break
		}
		rng := rand.New(rand.NewPCG(s.seed, uint64(i)))
		g.Go(func() error {
			s.visit(ctx, rng, summary)
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return summary, err
	}
	return summary, ctx.Err()
}

func (s *simulation) visit(ctx context.Context, rng *rand.Rand, summary *simSummary) {
	identity := experiment.Identity{SessionID: uuid.NewString(), Audience: s.audience}
	in := s.build(identity, analytics.Deps{Logger: s.logger})
	defer in.Destroy()

	exps := in.Start(ctx)
	in.Collector().TrackPageView("/", "Home", "")

	p := s.baseRate
	assigned := make(map[string]string, len(exps))
	for _, exp := range exps {
		v := in.Variant(ctx, exp.ID)
		if v == nil {
			continue
		}
		assigned[exp.ID] = v.ID
		if !v.IsControl() {
			p *= 1 + s.lift
		}
	}

	in.Collector().TrackScroll(rng.IntN(101))

	// Unknown goals and destroyed instances record nothing, so neither counts.
	converted := rng.Float64() < p &&
		in.Goals().TrackConversion(s.goalID, nil, map[string]any{"source": "simulate"})
	in.Sync()
	summary.record(assigned, converted)
}

func printSummary(cmd *cobra.Command, summary *simSummary, elapsed time.Duration) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Simulated %d visitors in %s\n\n", summary.Visitors, elapsed.Round(time.Millisecond))

	if len(summary.Exposures) == 0 {
		fmt.Fprintln(out, "No running experiments for this audience.")
		return
	}

	ids := make([]string, 0, len(summary.Exposures))
	for id := range summary.Exposures {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "EXPERIMENT\tVARIANT\tVISITORS\tCONVERSIONS")
	for _, id := range ids {
		variants := make([]string, 0, len(summary.Exposures[id]))
		for v := range summary.Exposures[id] {
			variants = append(variants, v)
		}
		sort.Strings(variants)
		for _, v := range variants {
			fmt.Fprintf(w, "%s\t%s\t%d\t%d\n", id, v, summary.Exposures[id][v], summary.Conversions[id][v])
		}
	}
	w.Flush()
}
