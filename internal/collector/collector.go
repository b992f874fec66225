// Package collector queues analytics events and delivers them in batches.
//
// A batch is flushed when the queue reaches BatchSize, when the flush ticker
// fires with a non-empty queue, immediately when a high priority event
// (conversion or error) is tracked, and once more on Destroy. Batches that
// cannot be delivered are kept in the offline queue and replayed ahead of new
// events once the transport recovers.
//
// Delivery is at-least-once. A batch may be sent again after a failure that
// the server actually processed, so consumers must dedupe by event id and
// order by event timestamp rather than arrival.
package collector

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/experiment"
	"github.com/gkobilansky/funnel-goat/internal/metrics"
	"github.com/gkobilansky/funnel-goat/internal/persist"
)

// Transport delivers JSON bodies to the ingestion endpoints.
type Transport interface {
	PostJSON(ctx context.Context, url string, body any) error
	// SendFireAndForget hands the body off without waiting for a response.
	// It reports whether the hand-off succeeded.
	SendFireAndForget(url string, body any) bool
}

// Flush triggers, also used as metric labels.
const (
	TriggerBatchSize = "batch_size"
	TriggerInterval  = "interval"
	TriggerPriority  = "priority"
	TriggerManual    = "manual"
	TriggerReconnect = "reconnect"
	TriggerRetry     = "retry"
	TriggerTeardown  = "teardown"
)

type Config struct {
	EventsURL      string        `yaml:"events_url"`
	ConversionsURL string        `yaml:"conversions_url"`
	ErrorsURL      string        `yaml:"errors_url"`
	BatchSize      int           `yaml:"batch_size"`
	FlushInterval  time.Duration `yaml:"flush_interval"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	OfflineCap     int           `yaml:"offline_queue_cap"`
	OfflineKey     string        `yaml:"offline_key"`
}

func DefaultConfig() Config {
	return Config{
		BatchSize:      10,
		FlushInterval:  30 * time.Second,
		RequestTimeout: 10 * time.Second,
		OfflineCap:     DefaultOfflineCap,
		OfflineKey:     DefaultOfflineKey,
	}
}

type Options struct {
	Clock   Clock
	Logger  *zap.Logger
	Metrics *metrics.Client
	// Offline starts the collector in the offline state.
	Offline bool
}

type job struct {
	trigger string
	events  []events.Event
	// sessionID is set on replayed jobs, whose events may belong to an
	// earlier session. Empty means the collector's current session.
	sessionID string
	// replay groups the jobs of one offline replay so a failure can put the
	// rest back in order.
	replay int
}

// permanent is implemented by transport errors that retrying cannot fix.
type permanent interface {
	Permanent() bool
}

type Collector struct {
	cfg       Config
	transport Transport
	offline   *OfflineQueue
	clock     Clock
	logger    *zap.Logger
	metrics   *metrics.Client

	mu           sync.Mutex
	identity     experiment.Identity
	queue        []events.Event
	pending      []job
	online       bool
	destroyed    bool
	sectionViews map[string]time.Time
	scrollSeen   map[int]bool
	ticker       Ticker

	replays      int

	wake     chan struct{}
	stop     chan struct{}
	inflight sync.WaitGroup
}

// New starts a collector for one identity. durable backs the offline queue.
func New(identity experiment.Identity, transport Transport, durable persist.Store, cfg Config, opts Options) *Collector {
	def := DefaultConfig()
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = def.BatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = def.FlushInterval
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if opts.Clock == nil {
		opts.Clock = SystemClock{}
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	logger := opts.Logger.With(zap.String("component", "collector"), zap.String("session", identity.SessionID))

	c := &Collector{
		cfg:          cfg,
		transport:    transport,
		offline:      NewOfflineQueue(durable, cfg.OfflineKey, cfg.OfflineCap, opts.Logger, opts.Metrics),
		clock:        opts.Clock,
		logger:       logger,
		metrics:      opts.Metrics,
		identity:     identity,
		online:       !opts.Offline,
		sectionViews: make(map[string]time.Time),
		scrollSeen:   make(map[int]bool),
		wake:         make(chan struct{}, 1),
		stop:         make(chan struct{}),
	}
	c.ticker = c.clock.NewTicker(cfg.FlushInterval)

	// Events left over from an earlier run go out first.
	if c.online {
		c.replayOffline(TriggerRetry)
	}

	go c.run()
	return c
}

// SetAudience changes the audience stamped on subsequent events.
func (c *Collector) SetAudience(a experiment.Audience) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.identity.Audience = a
}

func (c *Collector) Identity() experiment.Identity {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.identity
}

// Offline exposes the offline queue.
func (c *Collector) Offline() *OfflineQueue {
	return c.offline
}

// QueueLen returns the number of events waiting for the next flush.
func (c *Collector) QueueLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.queue)
}

// Track enqueues one event. It never blocks on the network. The returned
// bool is false once the collector has been destroyed.
func (c *Collector) Track(p events.Payload) (events.Event, bool) {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return events.Event{}, false
	}

	e := events.New(c.identity, p, c.clock.Now())
	c.queue = append(c.queue, e)
	c.metrics.EventTracked(e.Name, string(e.Priority))

	switch {
	case e.Priority == events.PriorityHigh:
		c.flushLocked(TriggerPriority)
	case len(c.queue) >= c.cfg.BatchSize:
		c.flushLocked(TriggerBatchSize)
	}
	c.mu.Unlock()

	if e.Priority == events.PriorityHigh {
		c.mirror(e)
	}
	return e, true
}

// Flush sends whatever is queued now.
func (c *Collector) Flush() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		return
	}
	c.flushLocked(TriggerManual)
}

// SetOnline records a connectivity change. Going online replays the offline
// queue ahead of anything tracked since.
func (c *Collector) SetOnline(online bool) {
	c.mu.Lock()
	was := c.online
	c.online = online
	destroyed := c.destroyed
	c.mu.Unlock()

	if destroyed || !online || was {
		return
	}
	c.logger.Debug("back online, replaying offline queue")
	c.replayOffline(TriggerReconnect)

	c.mu.Lock()
	c.flushLocked(TriggerReconnect)
	c.mu.Unlock()
}

func (c *Collector) Online() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.online
}

// Sync blocks until every dispatched batch has been attempted.
func (c *Collector) Sync() {
	c.inflight.Wait()
}

// Destroy stops the flush ticker, forgets section timers, and hands whatever
// is still queued to the transport's fire-and-forget primitive. Events the
// transport refuses land in the offline queue. Calling it again is a no-op.
func (c *Collector) Destroy() {
	c.mu.Lock()
	if c.destroyed {
		c.mu.Unlock()
		return
	}
	c.destroyed = true
	c.ticker.Stop()
	c.sectionViews = make(map[string]time.Time)

	identity := c.identity
	var final, earlier []events.Event
	for _, j := range c.pending {
		if j.sessionID != "" && j.sessionID != identity.SessionID {
			earlier = append(earlier, j.events...)
		} else {
			final = append(final, j.events...)
		}
		c.inflight.Done()
	}
	c.pending = nil
	final = append(final, c.queue...)
	c.queue = nil
	online := c.online
	c.mu.Unlock()

	close(c.stop)

	// Replayed events of earlier sessions cannot ride this session's beacon.
	if len(earlier) > 0 {
		c.offline.PushFront(context.Background(), earlier)
	}
	if len(final) == 0 {
		return
	}

	if online && c.transport != nil && c.cfg.EventsURL != "" {
		batch := events.Batch{SessionID: identity.SessionID, Events: final}
		if c.transport.SendFireAndForget(c.cfg.EventsURL, batch) {
			c.metrics.Flush(TriggerTeardown, "beacon", len(final))
			return
		}
	}

	c.metrics.Flush(TriggerTeardown, "offline", len(final))
	c.offline.Push(context.Background(), final)
}

// flushLocked moves the queue into a pending job. Caller holds c.mu.
func (c *Collector) flushLocked(trigger string) {
	if len(c.queue) == 0 {
		return
	}
	batch := c.queue
	c.queue = nil
	c.enqueueLocked(job{trigger: trigger, events: batch}, false)
}

func (c *Collector) enqueueLocked(j job, front bool) {
	c.inflight.Add(1)
	if front {
		c.pending = append([]job{j}, c.pending...)
	} else {
		c.pending = append(c.pending, j)
	}
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// replayOffline schedules the offline queue ahead of everything pending.
// Events are grouped per session, oldest session first, and split into jobs
// of at most BatchSize events so each batch is one the server accepts.
func (c *Collector) replayOffline(trigger string) {
	queued := c.offline.Drain(context.Background())
	if len(queued) == 0 {
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.destroyed {
		c.offline.PushFront(context.Background(), queued)
		return
	}

	c.replays++
	jobs := replayJobs(trigger, queued, c.cfg.BatchSize, c.replays)
	for i := len(jobs) - 1; i >= 0; i-- {
		c.enqueueLocked(jobs[i], true)
	}
}

func replayJobs(trigger string, queued []events.Event, size, replay int) []job {
	var order []string
	bySession := make(map[string][]events.Event)
	for _, e := range queued {
		if _, ok := bySession[e.SessionID]; !ok {
			order = append(order, e.SessionID)
		}
		bySession[e.SessionID] = append(bySession[e.SessionID], e)
	}

	var jobs []job
	for _, sid := range order {
		evs := bySession[sid]
		for len(evs) > 0 {
			n := min(size, len(evs))
			jobs = append(jobs, job{trigger: trigger, events: evs[:n:n], sessionID: sid, replay: replay})
			evs = evs[n:]
		}
	}
	return jobs
}

func (c *Collector) run() {
	tick := c.ticker.C()
	for {
		select {
		case <-c.stop:
			return
		case <-c.wake:
			c.drain()
		case <-tick:
			c.mu.Lock()
			if !c.destroyed {
				c.flushLocked(TriggerInterval)
			}
			c.mu.Unlock()
		}
	}
}

func (c *Collector) drain() {
	for {
		c.mu.Lock()
		if len(c.pending) == 0 || c.destroyed {
			c.mu.Unlock()
			return
		}
		j := c.pending[0]
		c.pending = c.pending[1:]
		online := c.online
		sessionID := c.identity.SessionID
		c.mu.Unlock()

		if j.sessionID != "" {
			sessionID = j.sessionID
		}
		if !c.deliver(j, online, sessionID) && j.replay > 0 {
			c.abandonReplay(j)
		}
		c.inflight.Done()
	}
}

// abandonReplay puts a failed replay job, and the jobs of the same replay
// still pending behind it, back at the head of the offline queue.
func (c *Collector) abandonReplay(failed job) {
	c.mu.Lock()
	evs := append([]events.Event(nil), failed.events...)
	for len(c.pending) > 0 && c.pending[0].replay == failed.replay {
		evs = append(evs, c.pending[0].events...)
		c.pending = c.pending[1:]
		c.inflight.Done()
	}
	c.mu.Unlock()

	c.offline.PushFront(context.Background(), evs)
}

// deliver sends one batch. A batch is accepted, dropped, or kept for retry
// as a whole. It reports false when the batch still needs a retry; a
// replayed batch is then handed back to the caller instead of queued here.
func (c *Collector) deliver(j job, online bool, sessionID string) bool {
	ctx := context.Background()

	if !online || c.transport == nil || c.cfg.EventsURL == "" {
		c.keep(ctx, j)
		c.metrics.Flush(j.trigger, "offline", len(j.events))
		return false
	}

	reqCtx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	err := c.transport.PostJSON(reqCtx, c.cfg.EventsURL, events.Batch{SessionID: sessionID, Events: j.events})
	cancel()

	var perm permanent
	if errors.As(err, &perm) && perm.Permanent() {
		c.logger.Warn("batch rejected by server, dropped",
			zap.String("trigger", j.trigger), zap.String("batch_session", sessionID),
			zap.Int("events", len(j.events)), zap.Error(err))
		c.metrics.Flush(j.trigger, "rejected", len(j.events))
		return true
	}
	if err != nil {
		c.logger.Warn("batch delivery failed, queued offline",
			zap.String("trigger", j.trigger), zap.Int("events", len(j.events)), zap.Error(err))
		c.keep(ctx, j)
		c.metrics.Flush(j.trigger, "failed", len(j.events))
		return false
	}

	c.metrics.Flush(j.trigger, "ok", len(j.events))
	c.logger.Debug("batch delivered", zap.String("trigger", j.trigger), zap.Int("events", len(j.events)))

	// The transport works again; anything stranded earlier goes next.
	if j.replay == 0 && c.offline.Len(ctx) > 0 {
		c.replayOffline(TriggerRetry)
	}
	return true
}

// keep stores an undelivered batch offline. Replay jobs are left to
// abandonReplay so they return to the head of the queue.
func (c *Collector) keep(ctx context.Context, j job) {
	if j.replay > 0 {
		return
	}
	c.offline.Push(ctx, j.events)
}

// mirror posts a high priority event to its immediate endpoint once. The
// event also travels in the batch, so a failure here is dropped silently and
// never re-enters TrackError.
func (c *Collector) mirror(e events.Event) {
	var url string
	switch e.Kind() {
	case events.KindConversion:
		url = c.cfg.ConversionsURL
	case events.KindError:
		url = c.cfg.ErrorsURL
	}
	if url == "" || c.transport == nil || !c.Online() {
		return
	}

	c.inflight.Add(1)
	go func() {
		defer c.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
		defer cancel()
		if err := c.transport.PostJSON(ctx, url, e); err != nil {
			c.logger.Debug("immediate delivery failed", zap.String("event", e.Name), zap.Error(err))
		}
	}()
}
