// Package reconcile runs the scheduled connection-reconciliation job that
// supplements §4.8's state machine: periodically asking the broker for the
// current status of connections the store still marks ACTIVE, and demoting
// any the broker reports as no longer usable to EXPIRED.
//
// The spec's distillation only notes that connection status is
// "reconcilable from broker" without scheduling it; this package is the
// scheduled counterpart, grounded on the teacher's internal/cron scheduler
// lifecycle (Start/Stop/RunOnce around a ticking loop) but scoped to this
// one job and driven by a robfig/cron/v3 schedule rather than the teacher's
// webhook/message/agent job taxonomy, which has no home in this domain.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	cronlib "github.com/robfig/cron/v3"

	"github.com/convoyhq/convoy/internal/broker"
	"github.com/convoyhq/convoy/internal/cache"
	"github.com/convoyhq/convoy/internal/store"
	"github.com/convoyhq/convoy/pkg/models"
)

// connectionChecker is the broker surface this job needs: looking up a
// single connection's current status. Satisfied by *broker.Client.
type connectionChecker interface {
	Get(ctx context.Context, connectedAccountID string) (*broker.Connection, error)
}

// Job periodically demotes stale ACTIVE connections to EXPIRED.
type Job struct {
	store      store.ConnectionStore
	cache      *cache.Store
	broker     connectionChecker
	logger     *slog.Logger
	maxAgeSecs int64

	cron    *cronlib.Cron
	entryID cronlib.EntryID

	mu      sync.Mutex
	running bool

	// lastRun reports the outcome of the most recent sweep, for status
	// reporting; nil until RunOnce has executed at least once.
	lastRun *Result
}

// Result summarizes one reconciliation sweep.
type Result struct {
	Checked int
	Expired int
	Errors  int
}

// Config configures a Job.
type Config struct {
	Store         store.ConnectionStore
	Cache         *cache.Store
	Broker        connectionChecker
	Logger        *slog.Logger
	// Schedule is a standard 5-field cron expression; defaults to every 15
	// minutes when empty.
	Schedule string
	// MaxAgeSeconds selects which ACTIVE connections are worth re-checking;
	// defaults to 3600 (one hour) when zero.
	MaxAgeSeconds int64
}

const (
	defaultSchedule      = "*/15 * * * *"
	defaultMaxAgeSeconds = int64(3600)
)

// New builds a reconciliation Job from cfg. It does not start the
// underlying schedule; call Start for that.
func New(cfg Config) (*Job, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("reconcile: store is required")
	}
	if cfg.Broker == nil {
		return nil, fmt.Errorf("reconcile: broker is required")
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	schedule := cfg.Schedule
	if schedule == "" {
		schedule = defaultSchedule
	}
	maxAge := cfg.MaxAgeSeconds
	if maxAge <= 0 {
		maxAge = defaultMaxAgeSeconds
	}

	job := &Job{
		store:      cfg.Store,
		cache:      cfg.Cache,
		broker:     cfg.Broker,
		logger:     logger.With("component", "reconcile"),
		maxAgeSecs: maxAge,
		cron:       cronlib.New(),
	}

	entryID, err := job.cron.AddFunc(schedule, func() {
		job.RunOnce(context.Background())
	})
	if err != nil {
		return nil, fmt.Errorf("reconcile: parse schedule %q: %w", schedule, err)
	}
	job.entryID = entryID
	return job, nil
}

// Start begins running the job on its configured schedule. Safe to call
// once; a second call is a no-op.
func (j *Job) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.running {
		return
	}
	j.running = true
	j.cron.Start()
	j.logger.Info("reconciliation job started", "next_run", j.cron.Entry(j.entryID).Next)
}

// Stop halts the schedule, waiting for any in-flight sweep to finish.
func (j *Job) Stop() {
	j.mu.Lock()
	if !j.running {
		j.mu.Unlock()
		return
	}
	j.running = false
	j.mu.Unlock()
	<-j.cron.Stop().Done()
	j.logger.Info("reconciliation job stopped")
}

// LastRun returns the outcome of the most recent completed sweep, or nil
// if none has run yet.
func (j *Job) LastRun() *Result {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.lastRun == nil {
		return nil
	}
	out := *j.lastRun
	return &out
}

// RunOnce performs a single reconciliation sweep immediately, independent
// of the schedule. Used by the cron callback and directly by tests and by
// an administrative "reconcile now" trigger.
func (j *Job) RunOnce(ctx context.Context) Result {
	result := Result{}

	stale, err := j.store.ListActiveOlderThanSeconds(ctx, j.maxAgeSecs)
	if err != nil {
		j.logger.Warn("list stale connections failed", "error", err)
		result.Errors++
		j.setLastRun(result)
		return result
	}

	for _, conn := range stale {
		result.Checked++
		if conn == nil {
			continue
		}
		current, err := j.broker.Get(ctx, conn.ConnectedAccountID)
		if err != nil {
			j.logger.Warn("broker status check failed", "connection_id", conn.ID, "error", err)
			result.Errors++
			continue
		}
		if usable(current.Status) {
			continue
		}
		if err := j.store.UpdateConnectionStatus(ctx, conn.ID, models.ConnectionExpired); err != nil {
			j.logger.Warn("expire connection failed", "connection_id", conn.ID, "error", err)
			result.Errors++
			continue
		}
		j.invalidate(ctx, conn.UserID, conn.AppName)
		result.Expired++
	}

	j.logger.Info("reconciliation sweep complete",
		"checked", result.Checked, "expired", result.Expired, "errors", result.Errors)
	j.setLastRun(result)
	return result
}

func (j *Job) setLastRun(r Result) {
	j.mu.Lock()
	j.lastRun = &r
	j.mu.Unlock()
}

func (j *Job) invalidate(ctx context.Context, userID, appName string) {
	if j.cache == nil {
		return
	}
	_ = j.cache.Delete(ctx, cache.DomainConnectionStatus, userID+"\x1f"+appName)
	_ = j.cache.Delete(ctx, cache.DomainUserConnections, userID)
}

// usable reports whether the broker's reported status still counts as a
// usable ACTIVE connection; anything else (expired, revoked, errored)
// triggers the EXPIRED transition.
func usable(brokerStatus string) bool {
	return models.ConnectionStatus(brokerStatus).Usable()
}
