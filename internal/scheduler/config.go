package scheduler

import "time"

// Config tunes the Scheduler's worker pools and timers (spec §4.1, §5).
type Config struct {
	MinDownloadWorkers int
	MaxDownloadWorkers int
	MinUploadWorkers   int
	MaxUploadWorkers   int

	// DownloadDir is the replica-local directory claiming workers write
	// into (spec §6 "Local disk").
	DownloadDir string

	// PendingFlushInterval is the pendingUpdates coalescing buffer's flush
	// period (spec §3: "a 10s timer").
	PendingFlushInterval time.Duration

	// PendingSweepInterval and PendingMaxAge implement the "5-minute sweep
	// removes entries older than 30 minutes" safety net (spec §4.1).
	PendingSweepInterval time.Duration
	PendingMaxAge        time.Duration

	// StalledThreshold is the "no updated_at change" window that makes an
	// in-flight task reclaimable (spec §5, default 5 minutes).
	StalledThreshold time.Duration

	// StalledSweepCron, if set, drives a periodic leader-only stalled-task
	// sweep via robfig/cron instead of (or in addition to) Init's one-shot
	// startup recovery.
	StalledSweepCron string

	// UIRefreshInterval paces the UI-update loop over in-flight tasks
	// (spec §4.6); each tick still goes through the Throttle's own
	// min-interval gate.
	UIRefreshInterval time.Duration

	// MinRefreshInterval is the Throttle's min_refresh_interval (spec §4.6).
	MinRefreshInterval time.Duration

	// DownloadQueueSize / UploadQueueSize bound the in-memory dispatch
	// channels backing waitingTasks / waitingUploadTasks.
	DownloadQueueSize int
	UploadQueueSize   int

	// ClaimPollInterval paces the cross-replica claim-poll loop, which picks
	// up queued rows this replica did not itself dispatch (spec §1
	// distributed work-claim protocol, §5).
	ClaimPollInterval time.Duration
}

func (c Config) normalized() Config {
	if c.MinDownloadWorkers <= 0 {
		c.MinDownloadWorkers = 2
	}
	if c.MaxDownloadWorkers < c.MinDownloadWorkers {
		c.MaxDownloadWorkers = c.MinDownloadWorkers
	}
	if c.MinUploadWorkers <= 0 {
		c.MinUploadWorkers = 2
	}
	if c.MaxUploadWorkers < c.MinUploadWorkers {
		c.MaxUploadWorkers = c.MinUploadWorkers
	}
	if c.DownloadDir == "" {
		c.DownloadDir = "./data/downloads"
	}
	if c.PendingFlushInterval <= 0 {
		c.PendingFlushInterval = 10 * time.Second
	}
	if c.PendingSweepInterval <= 0 {
		c.PendingSweepInterval = 5 * time.Minute
	}
	if c.PendingMaxAge <= 0 {
		c.PendingMaxAge = 30 * time.Minute
	}
	if c.StalledThreshold <= 0 {
		c.StalledThreshold = 5 * time.Minute
	}
	if c.UIRefreshInterval <= 0 {
		c.UIRefreshInterval = 2 * time.Second
	}
	if c.MinRefreshInterval <= 0 {
		c.MinRefreshInterval = 3 * time.Second
	}
	if c.DownloadQueueSize <= 0 {
		c.DownloadQueueSize = 256
	}
	if c.UploadQueueSize <= 0 {
		c.UploadQueueSize = 256
	}
	if c.ClaimPollInterval <= 0 {
		c.ClaimPollInterval = 3 * time.Second
	}
	return c
}
