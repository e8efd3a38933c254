// Package schedule fires workflow runs from cron trigger bindings. It keeps
// the cron table in sync with the store by periodic refresh, so publishing a
// new workflow version updates the schedule without a restart.
package schedule

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/flowmesh/flowmesh/common/logger"
	"github.com/flowmesh/flowmesh/common/models"
	"github.com/flowmesh/flowmesh/common/repository"
)

// fireTimeout bounds one scheduled enqueue; a slow store must not pile up
// cron goroutines.
const fireTimeout = 30 * time.Second

// Enqueuer is the dispatcher surface the scheduler drives.
type Enqueuer interface {
	Enqueue(ctx context.Context, workflow *models.Workflow, input map[string]interface{}, mode models.RunMode) (string, error)
}

// Scheduler registers the enabled cron bindings of each workflow's latest
// version and enqueues a scheduled run when one fires. Invalid cron specs are
// rejected at registration and logged; they never make it into the table.
type Scheduler struct {
	store      repository.WorkflowStore
	dispatcher Enqueuer
	log        *logger.Logger
	cron       *cron.Cron
	refresh    time.Duration

	mu      sync.Mutex
	entries map[string]*scheduledEntry
}

type scheduledEntry struct {
	id      cron.EntryID
	spec    string
	version int
}

// Opts contains options for creating a Scheduler
type Opts struct {
	Store           repository.WorkflowStore
	Dispatcher      Enqueuer
	Logger          *logger.Logger
	RefreshInterval time.Duration
}

// New creates a scheduler; the cron table stays empty until Refresh or Start
func New(opts *Opts) *Scheduler {
	refresh := opts.RefreshInterval
	if refresh <= 0 {
		refresh = time.Minute
	}
	return &Scheduler{
		store:      opts.Store,
		dispatcher: opts.Dispatcher,
		log:        opts.Logger,
		cron:       cron.New(),
		refresh:    refresh,
		entries:    make(map[string]*scheduledEntry),
	}
}

// Start loads the trigger table, runs the cron loop and refreshes the table
// on the configured interval until ctx is cancelled.
func (s *Scheduler) Start(ctx context.Context) error {
	if err := s.Refresh(ctx); err != nil {
		// The next tick retries; an unreachable store at boot is not fatal.
		s.log.Error("initial trigger refresh failed", "error", err)
	}

	s.cron.Start()
	defer s.cron.Stop()

	s.log.Info("scheduler started",
		"refresh_interval", s.refresh,
		"triggers", s.Entries())

	ticker := time.NewTicker(s.refresh)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			s.log.Info("scheduler shutting down")
			return ctx.Err()
		case <-ticker.C:
			if err := s.Refresh(ctx); err != nil {
				s.log.Error("trigger refresh failed", "error", err)
			}
		}
	}
}

// Refresh reconciles the cron table against the store: new bindings are
// added, changed specs or versions re-registered, vanished bindings removed.
func (s *Scheduler) Refresh(ctx context.Context) error {
	triggers, err := s.store.ListScheduledTriggers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list scheduled triggers: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]bool, len(triggers))
	for _, t := range triggers {
		key := triggerKey(t)
		seen[key] = true

		if cur, ok := s.entries[key]; ok {
			if cur.spec == t.CronSpec && cur.version == t.Version {
				continue
			}
			s.cron.Remove(cur.id)
			delete(s.entries, key)
		}

		if err := s.add(key, t); err != nil {
			// One bad binding must not block the rest of the table.
			s.log.Error("rejected schedule trigger",
				"tenant_id", t.TenantID,
				"workflow_id", t.WorkflowID,
				"node_id", t.NodeID,
				"cron_spec", t.CronSpec,
				"error", err)
		}
	}

	for key, entry := range s.entries {
		if !seen[key] {
			s.cron.Remove(entry.id)
			delete(s.entries, key)
			s.log.Info("removed schedule trigger", "key", key)
		}
	}

	return nil
}

// Entries returns the number of registered cron bindings.
func (s *Scheduler) Entries() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// add registers one binding; the cron parser is the spec validator.
func (s *Scheduler) add(key string, t *repository.ScheduledTrigger) error {
	trigger := *t
	id, err := s.cron.AddFunc(trigger.CronSpec, func() { s.fire(trigger) })
	if err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", trigger.CronSpec, err)
	}
	s.entries[key] = &scheduledEntry{id: id, spec: trigger.CronSpec, version: trigger.Version}
	s.log.Info("registered schedule trigger",
		"tenant_id", trigger.TenantID,
		"workflow_id", trigger.WorkflowID,
		"node_id", trigger.NodeID,
		"cron_spec", trigger.CronSpec,
		"workflow_version", trigger.Version)
	return nil
}

// fire enqueues one scheduled run at the workflow version the binding was
// registered under; a version bump re-registers the binding on refresh.
func (s *Scheduler) fire(t repository.ScheduledTrigger) {
	ctx, cancel := context.WithTimeout(context.Background(), fireTimeout)
	defer cancel()

	wf, err := s.store.GetWorkflow(ctx, t.TenantID, t.WorkflowID, t.Version)
	if err != nil {
		s.log.Error("scheduled fire could not load workflow",
			"tenant_id", t.TenantID,
			"workflow_id", t.WorkflowID,
			"workflow_version", t.Version,
			"error", err)
		return
	}

	input := map[string]interface{}{
		"schedule": map[string]interface{}{
			"node_id":  t.NodeID,
			"fired_at": time.Now().UTC().Format(time.RFC3339),
		},
	}

	runID, err := s.dispatcher.Enqueue(ctx, wf, input, models.ModeScheduled)
	if err != nil {
		s.log.Error("scheduled enqueue failed",
			"tenant_id", t.TenantID,
			"workflow_id", t.WorkflowID,
			"node_id", t.NodeID,
			"error", err)
		return
	}

	s.log.Info("scheduled run fired",
		"run_id", runID,
		"workflow_id", t.WorkflowID,
		"node_id", t.NodeID,
		"cron_spec", t.CronSpec)
}

func triggerKey(t *repository.ScheduledTrigger) string {
	return t.TenantID + ":" + t.WorkflowID + ":" + t.NodeID
}
