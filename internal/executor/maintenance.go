package executor

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
)

// MaintenanceStore is the subset of the task store the periodic jobs touch.
type MaintenanceStore interface {
	ReclaimStalled(ctx context.Context, now time.Time, lease time.Duration) (retried, failed int, err error)
	PurgeTerminal(ctx context.Context, before time.Time) (int, error)
}

type MaintenanceConfig struct {
	// Lease is how long a claim may stay running before it is reclaimed.
	Lease time.Duration
	// Retention is how long terminal tasks are kept. Zero disables purging.
	Retention time.Duration

	LivenessSchedule  string
	RetentionSchedule string
	Location          *time.Location
}

func (c *MaintenanceConfig) applyDefaults() {
	if c.Lease <= 0 {
		c.Lease = 5 * time.Minute
	}
	if c.LivenessSchedule == "" {
		c.LivenessSchedule = "@every 1m"
	}
	if c.RetentionSchedule == "" {
		c.RetentionSchedule = "0 2 * * *"
	}
	if c.Location == nil {
		c.Location = time.UTC
	}
}

// Maintenance runs the liveness sweep and retention purge on cron schedules.
type Maintenance struct {
	store  MaintenanceStore
	cfg    MaintenanceConfig
	now    func() time.Time
	logger *slog.Logger

	mu sync.Mutex
	c  *cron.Cron
}

func NewMaintenance(store MaintenanceStore, cfg MaintenanceConfig) *Maintenance {
	cfg.applyDefaults()
	return &Maintenance{store: store, cfg: cfg, now: time.Now, logger: slog.Default()}
}

func (m *Maintenance) WithClock(now func() time.Time) *Maintenance {
	m.now = now
	return m
}

func (m *Maintenance) WithLogger(l *slog.Logger) *Maintenance {
	m.logger = l
	return m
}

// Start registers both jobs and starts triggering them. Jobs run with ctx.
// Calling Start on a running instance is a no-op.
func (m *Maintenance) Start(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.c != nil {
		return nil
	}

	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	c := cron.New(cron.WithParser(parser), cron.WithLocation(m.cfg.Location))

	if _, err := c.AddFunc(m.cfg.LivenessSchedule, func() {
		if _, _, err := m.SweepStalled(ctx); err != nil {
			m.logger.Error("liveness sweep failed", "error", err)
		}
	}); err != nil {
		return fmt.Errorf("liveness schedule %q: %w", m.cfg.LivenessSchedule, err)
	}

	if m.cfg.Retention > 0 {
		if _, err := c.AddFunc(m.cfg.RetentionSchedule, func() {
			if _, err := m.PurgeExpired(ctx); err != nil {
				m.logger.Error("retention purge failed", "error", err)
			}
		}); err != nil {
			return fmt.Errorf("retention schedule %q: %w", m.cfg.RetentionSchedule, err)
		}
	}

	c.Start()
	m.c = c
	m.logger.Info("maintenance started",
		"liveness", m.cfg.LivenessSchedule,
		"retention", m.cfg.RetentionSchedule,
		"tz", m.cfg.Location.String())
	return nil
}

// Stop stops triggering and waits for running jobs to return.
func (m *Maintenance) Stop() {
	m.mu.Lock()
	c := m.c
	m.c = nil
	m.mu.Unlock()

	if c != nil {
		<-c.Stop().Done()
		m.logger.Info("maintenance stopped")
	}
}

// SweepStalled reclaims running tasks whose lease expired.
func (m *Maintenance) SweepStalled(ctx context.Context) (retried, failed int, err error) {
	retried, failed, err = m.store.ReclaimStalled(ctx, m.now(), m.cfg.Lease)
	if err != nil {
		return 0, 0, err
	}
	if retried+failed > 0 {
		m.logger.Warn("reclaimed stalled tasks", "retried", retried, "failed", failed)
	}
	return retried, failed, nil
}

// PurgeExpired deletes terminal tasks older than the retention window.
func (m *Maintenance) PurgeExpired(ctx context.Context) (int, error) {
	if m.cfg.Retention <= 0 {
		return 0, nil
	}
	n, err := m.store.PurgeTerminal(ctx, m.now().Add(-m.cfg.Retention))
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("purged terminal tasks", "count", n)
	}
	return n, nil
}
