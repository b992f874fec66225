package collector

import (
	"context"
	"encoding/json"
	"sync"

	"go.uber.org/zap"

	"github.com/gkobilansky/funnel-goat/internal/events"
	"github.com/gkobilansky/funnel-goat/internal/metrics"
	"github.com/gkobilansky/funnel-goat/internal/persist"
)

const (
	DefaultOfflineKey = "fg_offline_queue"
	DefaultOfflineCap = 1000
)

// OfflineQueue is a bounded FIFO of events kept in durable storage while the
// transport is unavailable. When the cap is exceeded the oldest events go
// first.
type OfflineQueue struct {
	store   persist.Store
	key     string
	cap     int
	logger  *zap.Logger
	metrics *metrics.Client

	mu sync.Mutex
}

func NewOfflineQueue(store persist.Store, key string, capacity int, logger *zap.Logger, m *metrics.Client) *OfflineQueue {
	if store == nil {
		store = persist.NewMemory()
	}
	if key == "" {
		key = DefaultOfflineKey
	}
	if capacity <= 0 {
		capacity = DefaultOfflineCap
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &OfflineQueue{
		store:   store,
		key:     key,
		cap:     capacity,
		logger:  logger.With(zap.String("component", "offline_queue")),
		metrics: m,
	}
}

// Push appends events and returns how many old events the cap evicted.
func (q *OfflineQueue) Push(ctx context.Context, evs []events.Event) int {
	return q.insert(ctx, evs, false)
}

// PushFront puts events back ahead of everything queued. Used for events
// that were taken out for replay and are older than anything pushed since.
func (q *OfflineQueue) PushFront(ctx context.Context, evs []events.Event) int {
	return q.insert(ctx, evs, true)
}

func (q *OfflineQueue) insert(ctx context.Context, evs []events.Event, front bool) int {
	if len(evs) == 0 {
		return 0
	}
	q.mu.Lock()
	defer q.mu.Unlock()

	var queued []events.Event
	if front {
		queued = append(append(queued, evs...), q.load(ctx)...)
	} else {
		queued = append(q.load(ctx), evs...)
	}
	dropped := 0
	if len(queued) > q.cap {
		dropped = len(queued) - q.cap
		queued = queued[dropped:]
		q.logger.Warn("offline queue full, dropped oldest events", zap.Int("dropped", dropped))
	}
	q.save(ctx, queued)
	q.metrics.OfflineDropped(dropped)
	return dropped
}

// Drain removes and returns every queued event, oldest first.
func (q *OfflineQueue) Drain(ctx context.Context) []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()

	queued := q.load(ctx)
	if len(queued) == 0 {
		return nil
	}
	if err := q.store.Remove(ctx, q.key); err != nil {
		q.logger.Warn("failed to clear offline queue", zap.Error(err))
	}
	q.metrics.OfflineDepth(0)
	return queued
}

// Peek returns the queued events without removing them.
func (q *OfflineQueue) Peek(ctx context.Context) []events.Event {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.load(ctx)
}

func (q *OfflineQueue) Len(ctx context.Context) int {
	return len(q.Peek(ctx))
}

// load treats unreadable or corrupt data as an empty queue; the next save
// overwrites it.
func (q *OfflineQueue) load(ctx context.Context) []events.Event {
	raw, ok, err := q.store.Get(ctx, q.key)
	if err != nil {
		q.logger.Warn("failed to read offline queue", zap.Error(err))
		return nil
	}
	if !ok || raw == "" {
		return nil
	}
	var queued []events.Event
	if err := json.Unmarshal([]byte(raw), &queued); err != nil {
		q.logger.Warn("discarding corrupt offline queue", zap.Error(err))
		return nil
	}
	return queued
}

func (q *OfflineQueue) save(ctx context.Context, queued []events.Event) {
	b, err := json.Marshal(queued)
	if err != nil {
		q.logger.Warn("failed to marshal offline queue", zap.Error(err))
		return
	}
	if err := q.store.Set(ctx, q.key, string(b)); err != nil {
		q.logger.Warn("failed to write offline queue", zap.Error(err))
		return
	}
	q.metrics.OfflineDepth(len(queued))
}
