package analytics_test

import (
	"context"
	"errors"
	"fmt"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/gkobilansky/funnel-goat/internal/analytics"
	"github.com/gkobilansky/funnel-goat/internal/assign"
	"github.com/gkobilansky/funnel-goat/internal/collector"
	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/persist"
	"github.com/gkobilansky/funnel-goat/internal/server"
	"github.com/gkobilansky/funnel-goat/internal/store"
	"github.com/gkobilansky/funnel-goat/internal/testutil"
	"github.com/gkobilansky/funnel-goat/internal/transport"
)

type stack struct {
	store     *store.SQLiteStore
	url       string
	transport *transport.HTTP
}

func setupStack(t *testing.T) stack {
	t.Helper()
	s := testutil.SetupTestStore(t)
	srv := server.New(s, server.Options{Token: "t"})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	exp := testutil.RunningExperiment("hero", experiment.AudienceIndividual)
	require.NoError(t, s.CreateExperiment(context.Background(), exp))

	return stack{store: s, url: ts.URL, transport: transport.NewHTTP()}
}

func newInstance(st stack, id experiment.Identity) *analytics.Instance {
	return newInstanceWith(st, id, persist.Scopes{}, false)
}

// newInstanceWith lets several instances share one durable store, as
// successive visits from the same browser do.
func newInstanceWith(st stack, id experiment.Identity, scopes persist.Scopes, offline bool) *analytics.Instance {
	ep := transport.EndpointsFor(st.url)
	cfg := collector.DefaultConfig()
	cfg.EventsURL = ep.Events
	cfg.ConversionsURL = ep.Conversions
	cfg.ErrorsURL = ep.Errors

	return analytics.New(id, analytics.Deps{
		Registry:  transport.NewRegistry(st.url, nil),
		Transport: st.transport,
		Scopes:    scopes,
	}, analytics.Config{Collector: cfg, Offline: offline})
}

func countPageViews(t *testing.T, st stack, sessionID string) int {
	t.Helper()
	var n int
	err := st.store.DB().QueryRow(
		`SELECT COUNT(*) FROM events WHERE session_id = ? AND name = ?`,
		sessionID, string(events.KindPageView),
	).Scan(&n)
	require.NoError(t, err)
	return n
}

func TestEndToEndConversionIsAttributed(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()

	in := newInstance(st, experiment.Identity{UserID: "u1", Audience: experiment.AudienceIndividual})
	defer in.Destroy()

	exps := in.Start(ctx)
	require.Len(t, exps, 1)

	v := in.Variant(ctx, "hero")
	require.NotNil(t, v)
	assert.Equal(t, v, in.Variant(ctx, "hero"))

	in.Collector().TrackPageView("/", "Home", "")
	assert.True(t, in.Goals().TrackCTAClick(events.CTAClick{Action: "apply_now"}))
	in.Sync()

	counts, err := st.store.GetVariantStats(ctx, "hero", "start_application")
	require.NoError(t, err)
	require.Len(t, counts, 1)
	assert.Equal(t, v.ID, counts[0].VariantID)
	assert.Equal(t, 1, counts[0].Samples)
	assert.Equal(t, 1, counts[0].Conversions)

	stored, err := st.store.GetEvents(ctx, "hero")
	require.NoError(t, err)
	var exposures int
	for _, e := range stored {
		if e.Name == string(events.KindExposure) {
			exposures++
		}
	}
	assert.Equal(t, 1, exposures, "exposure is recorded once per instance")
}

func TestConversionCarriesAssignments(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()

	in := newInstance(st, experiment.Identity{SessionID: "s-assign", Audience: experiment.AudienceIndividual})
	defer in.Destroy()
	in.Start(ctx)

	v := in.Variant(ctx, "hero")
	require.NotNil(t, v)
	in.Goals().TrackFunnelStep("landing")
	require.True(t, in.Goals().TrackConversion("newsletter_signup", nil, nil))
	in.Sync()

	stored, err := st.store.GetEvents(ctx, "hero")
	require.NoError(t, err)

	var conv *events.Conversion
	for _, rec := range stored {
		if rec.GoalID == "newsletter_signup" {
			var e events.Event
			require.NoError(t, e.UnmarshalJSON([]byte(rec.Payload)))
			c := e.Data.(events.Conversion)
			conv = &c
		}
	}
	require.NotNil(t, conv)
	assert.Equal(t, map[string]string{"hero": v.ID}, conv.Experiments)
	assert.Equal(t, []string{"landing"}, conv.Path)
}

func TestRegistryFailureDegrades(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()

	failing := assign.RegistryFunc(func(ctx context.Context, a experiment.Audience) ([]experiment.Experiment, error) {
		return nil, errors.New("registry unavailable")
	})
	in := analytics.New(experiment.Identity{SessionID: "s1", Audience: experiment.AudienceIndividual},
		analytics.Deps{Registry: failing, Transport: st.transport},
		analytics.Config{Collector: collector.Config{EventsURL: transport.EndpointsFor(st.url).Events}})
	defer in.Destroy()

	assert.Empty(t, in.Start(ctx))
	assert.Nil(t, in.Variant(ctx, "hero"))
	assert.Equal(t, []experiment.Override{}, in.Overrides(ctx, "hero"))
}

func TestAudienceSwitchReloads(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()
	require.NoError(t, st.store.CreateExperiment(ctx, testutil.RunningExperiment("jobs", experiment.AudienceEmployer)))

	in := newInstance(st, experiment.Identity{SessionID: "s1", Audience: experiment.AudienceIndividual})
	defer in.Destroy()

	in.Start(ctx)
	require.NotNil(t, in.Variant(ctx, "hero"))
	assert.Nil(t, in.Variant(ctx, "jobs"))

	exps := in.SetAudience(ctx, experiment.AudienceEmployer)
	require.Len(t, exps, 1)
	assert.Nil(t, in.Variant(ctx, "hero"))
	assert.NotNil(t, in.Variant(ctx, "jobs"))
	assert.Equal(t, experiment.AudienceEmployer, in.Collector().Identity().Audience)
}

func TestDestroyBeaconReachesServer(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()

	in := newInstance(st, experiment.Identity{SessionID: "s-beacon", Audience: experiment.AudienceIndividual})
	in.Start(ctx)
	require.NotNil(t, in.Variant(ctx, "hero"))
	in.Destroy()
	require.True(t, st.transport.Close(5*time.Second))

	stored, err := st.store.GetEvents(ctx, "hero")
	require.NoError(t, err)
	require.Len(t, stored, 1)
	assert.Equal(t, "s-beacon", stored[0].SessionID)
}

func TestGeneratesSessionID(t *testing.T) {
	in := analytics.New(experiment.Identity{Audience: experiment.AudienceIndividual}, analytics.Deps{}, analytics.Config{Offline: true})
	defer in.Destroy()

	assert.NotEmpty(t, in.Identity().SessionID)
}

func TestEarlierSessionBacklogReachesServer(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()
	durable := persist.NewMemory()

	earlier := newInstanceWith(st,
		experiment.Identity{SessionID: "visit-1", Audience: experiment.AudienceIndividual},
		persist.Scopes{Durable: durable, Session: persist.NewMemory()}, true)
	earlier.Collector().TrackPageView("/", "Home", "")
	earlier.Collector().TrackPageView("/pricing", "Pricing", "")
	earlier.Collector().TrackPageView("/apply", "Apply", "")
	earlier.Destroy()
	require.Equal(t, 3, earlier.Collector().Offline().Len(ctx))

	later := newInstanceWith(st,
		experiment.Identity{SessionID: "visit-2", Audience: experiment.AudienceIndividual},
		persist.Scopes{Durable: durable, Session: persist.NewMemory()}, false)
	defer later.Destroy()
	later.Collector().TrackPageView("/", "Home", "")
	later.Collector().Flush()
	later.Sync()

	assert.Equal(t, 0, later.Collector().Offline().Len(ctx))
	assert.Equal(t, 3, countPageViews(t, st, "visit-1"))
	assert.Equal(t, 1, countPageViews(t, st, "visit-2"))
}

func TestLargeOfflineBacklogReachesServer(t *testing.T) {
	st := setupStack(t)
	ctx := context.Background()
	const tracked = 600

	in := newInstanceWith(st,
		experiment.Identity{SessionID: "s-backlog", Audience: experiment.AudienceIndividual},
		persist.Scopes{}, true)
	defer in.Destroy()

	for i := 0; i < tracked; i++ {
		in.Collector().TrackPageView(fmt.Sprintf("/page/%d", i), "", "")
	}
	in.Collector().Flush()
	in.Sync()
	require.Equal(t, tracked, in.Collector().Offline().Len(ctx))

	in.SetOnline(true)
	in.Sync()

	assert.Equal(t, 0, in.Collector().Offline().Len(ctx))
	assert.Equal(t, tracked, countPageViews(t, st, "s-backlog"))
}
