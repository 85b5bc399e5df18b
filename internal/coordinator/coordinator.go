// Package coordinator implements InstanceCoordinator (spec §4.8): replica
// registration with a heartbeat, leader election by lowest active instance
// id, a leader-only sweep of stale instance records, and advisory distributed
// locks with version-based takeover detection built directly on KVStore.
package coordinator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	otelmetric "go.opentelemetry.io/otel/metric"

	"github.com/basket/media-orchestrator/internal/clock"
	"github.com/basket/media-orchestrator/internal/kvstore"
	orchotel "github.com/basket/media-orchestrator/internal/otel"
)

const (
	instanceKeyPrefix = "instance:"
	lockKeyPrefix     = "lock:"
)

// instanceRecord is the value stored at instance:{id}.
type instanceRecord struct {
	ID            string    `json:"id"`
	URL           string    `json:"url"`
	Hostname      string    `json:"hostname"`
	StartedAt     time.Time `json:"started_at"`
	LastHeartbeat time.Time `json:"last_heartbeat"`
	Status        string    `json:"status"`
}

// lockRecord is the value stored at lock:{key}.
type lockRecord struct {
	InstanceID string    `json:"instance_id"`
	AcquiredAt time.Time `json:"acquired_at"`
	TTL        time.Duration `json:"ttl"`
	Version    int64     `json:"version"`
}

// Config tunes Coordinator timing, mirroring config.CoordinatorConfig.
type Config struct {
	InstanceID       string
	URL              string
	InstanceTimeout  time.Duration
	HeartbeatInterval time.Duration
	LeaderSweepInterval time.Duration
}

// Coordinator registers this replica, maintains its heartbeat, elects a
// leader among active instances, and issues distributed locks over a shared
// KVStore. All state lives in KVStore; Coordinator itself holds no
// authoritative state beyond its own instance id (spec §4.8's KV-only
// authority decision — see DESIGN.md).
type Coordinator struct {
	kv     kvstore.Store
	clock  clock.Source
	logger *slog.Logger
	cfg    Config

	instanceID string
	metrics    *orchotel.Metrics // optional: nil leaves leader_events unrecorded

	mu         sync.Mutex
	running    bool
	cancel     context.CancelFunc
	wg         sync.WaitGroup
	wasLeader  bool
	everPolled bool
}

// SetMetrics attaches the orchestrator.coordinator.leader_events counter
// (SPEC_FULL §4.11). Must be called before Start; not safe to change
// concurrently with a running leader-sweep loop.
func (c *Coordinator) SetMetrics(metrics *orchotel.Metrics) {
	c.metrics = metrics
}

// New constructs a Coordinator. If cfg.InstanceID is empty, a process-local
// id is generated from hostname and pid.
func New(kv kvstore.Store, src clock.Source, logger *slog.Logger, cfg Config) *Coordinator {
	if src == nil {
		src = clock.NewReal()
	}
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.InstanceTimeout <= 0 {
		cfg.InstanceTimeout = 90 * time.Second
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.LeaderSweepInterval <= 0 {
		cfg.LeaderSweepInterval = 60 * time.Second
	}
	id := cfg.InstanceID
	if id == "" {
		id = generateInstanceID()
	}
	return &Coordinator{
		kv:         kv,
		clock:      src,
		logger:     logger.With("component", "coordinator", "instance_id", id),
		cfg:        cfg,
		instanceID: id,
	}
}

func generateInstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "instance"
	}
	return fmt.Sprintf("%s-%d", host, os.Getpid())
}

// InstanceID returns this replica's stable id.
func (c *Coordinator) InstanceID() string {
	return c.instanceID
}

// Start registers the instance and begins the heartbeat and leader-sweep
// goroutines. Start is idempotent; calling it twice is a no-op.
func (c *Coordinator) Start(ctx context.Context) error {
	c.mu.Lock()
	if c.running {
		c.mu.Unlock()
		return nil
	}
	runCtx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.running = true
	c.mu.Unlock()

	if err := c.register(ctx); err != nil {
		return fmt.Errorf("coordinator: register: %w", err)
	}

	c.wg.Add(2)
	go c.heartbeatLoop(runCtx)
	go c.leaderSweepLoop(runCtx)

	c.logger.Info("coordinator started", slog.Duration("instance_timeout", c.cfg.InstanceTimeout))
	return nil
}

// Stop cancels background loops and waits for them to exit. It does not
// delete the instance record; the record simply expires via KV TTL.
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	c.running = false
	cancel := c.cancel
	c.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	c.wg.Wait()
}

func (c *Coordinator) register(ctx context.Context) error {
	now := c.clock.Now()
	host, _ := os.Hostname()
	rec := instanceRecord{
		ID:            c.instanceID,
		URL:           c.cfg.URL,
		Hostname:      host,
		StartedAt:     now,
		LastHeartbeat: now,
		Status:        "active",
	}
	return c.writeInstance(ctx, rec)
}

func (c *Coordinator) writeInstance(ctx context.Context, rec instanceRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return c.kv.Set(ctx, instanceKeyPrefix+rec.ID, data, c.cfg.InstanceTimeout)
}

func (c *Coordinator) heartbeatLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			c.heartbeatOnce(ctx)
		}
	}
}

// heartbeatOnce rewrites this instance's record with a fresh last_heartbeat.
// If the record has already expired (KV miss or foreign owner), it
// re-registers from scratch rather than failing the loop.
func (c *Coordinator) heartbeatOnce(ctx context.Context) {
	now := c.clock.Now()
	data, err := c.kv.Get(ctx, instanceKeyPrefix+c.instanceID)
	var rec instanceRecord
	if err == nil {
		if jerr := json.Unmarshal(data, &rec); jerr == nil && rec.ID == c.instanceID {
			rec.LastHeartbeat = now
			if werr := c.writeInstance(ctx, rec); werr != nil {
				c.logger.Warn("heartbeat write failed", slog.Any("error", werr))
			}
			return
		}
	}
	if rerr := c.register(ctx); rerr != nil {
		c.logger.Warn("heartbeat re-registration failed", slog.Any("error", rerr))
	}
}

func (c *Coordinator) leaderSweepLoop(ctx context.Context) {
	defer c.wg.Done()
	ticker := c.clock.NewTicker(c.cfg.LeaderSweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C():
			isLeader := c.IsLeader(ctx)
			c.recordLeaderTransition(ctx, isLeader)
			if isLeader {
				c.sweepExpired(ctx)
			}
		}
	}
}

// recordLeaderTransition emits a leader_events metric whenever this
// replica's leadership status actually flips, not on every sweep tick
// (spec §4.8, SPEC_FULL §4.11).
func (c *Coordinator) recordLeaderTransition(ctx context.Context, isLeader bool) {
	c.mu.Lock()
	changed := !c.everPolled || isLeader != c.wasLeader
	c.wasLeader = isLeader
	c.everPolled = true
	c.mu.Unlock()

	if !changed || c.metrics == nil {
		return
	}
	event := "lost"
	if isLeader {
		event = "acquired"
	}
	c.metrics.LeaderElectionEvents.Add(ctx, 1, otelmetric.WithAttributes(
		attribute.String("event", event),
		attribute.String("instance_id", c.instanceID),
	))
}

// sweepExpired deletes instance:* records whose last_heartbeat is stale,
// as defense in depth against KV TTL lag.
func (c *Coordinator) sweepExpired(ctx context.Context) {
	entries, err := c.kv.ListByPrefix(ctx, instanceKeyPrefix)
	if err != nil {
		c.logger.Warn("leader sweep list failed", slog.Any("error", err))
		return
	}
	now := c.clock.Now()
	for key, data := range entries {
		var rec instanceRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		if now.Sub(rec.LastHeartbeat) >= c.cfg.InstanceTimeout {
			if derr := c.kv.Delete(ctx, key); derr != nil {
				c.logger.Warn("leader sweep delete failed", slog.String("key", key), slog.Any("error", derr))
			}
		}
	}
}

// ActiveInstances lists every instance whose last_heartbeat is within
// instance_timeout, sorted by id.
func (c *Coordinator) ActiveInstances(ctx context.Context) ([]string, error) {
	entries, err := c.kv.ListByPrefix(ctx, instanceKeyPrefix)
	if err != nil {
		return nil, err
	}
	now := c.clock.Now()
	var ids []string
	for _, data := range entries {
		var rec instanceRecord
		if json.Unmarshal(data, &rec) != nil {
			continue
		}
		if now.Sub(rec.LastHeartbeat) < c.cfg.InstanceTimeout {
			ids = append(ids, rec.ID)
		}
	}
	sort.Strings(ids)
	return ids, nil
}

// Leader returns the active instance with the lexicographically smallest id.
// Returns "" if there are no active instances. Leader status may change
// between calls; callers performing a leader-only action must re-check
// immediately before doing it.
func (c *Coordinator) Leader(ctx context.Context) (string, error) {
	ids, err := c.ActiveInstances(ctx)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "", nil
	}
	return ids[0], nil
}

// IsLeader re-checks leadership against the current KV state. Errors are
// treated as "not leader" so a leader-only action is skipped rather than
// performed under uncertainty.
func (c *Coordinator) IsLeader(ctx context.Context) bool {
	leader, err := c.Leader(ctx)
	if err != nil {
		return false
	}
	return leader == c.instanceID
}

// AcquireLock attempts to acquire or renew the advisory lock named key with
// the given ttl. Reads are never served from a local cache. The lock's
// version (a timestamp) lets holders detect a takeover that happened between
// two of their own operations. Locks are advisory: correctness depends on
// every caller honoring the returned bool.
func (c *Coordinator) AcquireLock(ctx context.Context, key string, ttl time.Duration) (bool, error) {
	lockKey := lockKeyPrefix + key
	now := c.clock.Now()

	raw, err := c.kv.Get(ctx, lockKey)
	var old []byte
	staleOrOwned := true
	if err == nil {
		old = raw
		var cur lockRecord
		if json.Unmarshal(raw, &cur) == nil {
			if cur.InstanceID != c.instanceID && now.Sub(cur.AcquiredAt) < cur.TTL {
				staleOrOwned = false
			}
		}
	} else if err != kvstore.ErrNotFound {
		return false, err
	}

	if !staleOrOwned {
		return false, nil
	}

	next := lockRecord{
		InstanceID: c.instanceID,
		AcquiredAt: now,
		TTL:        ttl,
		Version:    now.UnixNano(),
	}
	data, err := json.Marshal(next)
	if err != nil {
		return false, err
	}
	return c.kv.CompareAndSwap(ctx, lockKey, old, data, ttl)
}

// ReleaseLock deletes the lock if and only if this instance currently holds
// it (read-then-delete; not atomic against a concurrent takeover, which is
// acceptable for an advisory lock).
func (c *Coordinator) ReleaseLock(ctx context.Context, key string) error {
	lockKey := lockKeyPrefix + key
	raw, err := c.kv.Get(ctx, lockKey)
	if err != nil {
		if err == kvstore.ErrNotFound {
			return nil
		}
		return err
	}
	var cur lockRecord
	if json.Unmarshal(raw, &cur) != nil {
		return nil
	}
	if cur.InstanceID != c.instanceID {
		return nil
	}
	return c.kv.Delete(ctx, lockKey)
}
