// Package scheduler polls armed workflows and wakes the agents that have
// claimable work.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	cronlib "github.com/robfig/cron/v3"

	"github.com/mpataki/foreman/internal/storage"
)

// Waker starts an agent session so it can claim its pending work.
type Waker interface {
	Wake(ctx context.Context, workflowID, agentID string) error
}

// Maintainer is the upkeep run at the start of every tick.
type Maintainer interface {
	Maintain(ctx context.Context) error
}

// Option configures a Cron.
type Option func(*Cron)

func WithInterval(d time.Duration) Option {
	return func(c *Cron) { c.interval = d }
}

func WithLogger(l *slog.Logger) Option {
	return func(c *Cron) { c.logger = l }
}

func WithWaker(w Waker) Option {
	return func(c *Cron) { c.waker = w }
}

// Cron is the polling scheduler. Arm state is persisted so a restarted
// daemon keeps polling the same workflows.
type Cron struct {
	store    *storage.Storage
	waker    Waker
	logger   *slog.Logger
	interval time.Duration

	mu         sync.Mutex
	cron       *cronlib.Cron
	maintainer Maintainer
}

func New(store *storage.Storage, opts ...Option) *Cron {
	c := &Cron{
		store:    store,
		logger:   slog.Default(),
		interval: 30 * time.Second,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Arm marks a workflow as having runnable work.
func (c *Cron) Arm(ctx context.Context, workflowID string) error {
	if err := c.store.SetScheduleArmed(ctx, workflowID, true); err != nil {
		return fmt.Errorf("failed to arm %s: %w", workflowID, err)
	}
	c.logger.Debug("workflow armed", slog.String("workflow", workflowID))
	return nil
}

// Disarm stops polling a workflow. A workflow that has a running run stays
// armed.
func (c *Cron) Disarm(ctx context.Context, workflowID string) error {
	disarmed, err := c.store.DisarmIdle(ctx, workflowID)
	if err != nil {
		return fmt.Errorf("failed to disarm %s: %w", workflowID, err)
	}
	if !disarmed {
		c.logger.Debug("workflow kept armed", slog.String("workflow", workflowID))
		return nil
	}
	c.logger.Debug("workflow disarmed", slog.String("workflow", workflowID))
	return nil
}

// Start ticks every interval until Stop. A tick still in progress when the
// next one is due causes that one to be skipped.
func (c *Cron) Start(ctx context.Context, m Maintainer) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	logger := cronLogger{c.logger}
	cr := cronlib.New(
		cronlib.WithLogger(logger),
		cronlib.WithChain(cronlib.Recover(logger), cronlib.SkipIfStillRunning(logger)),
	)
	if _, err := cr.AddFunc(fmt.Sprintf("@every %s", c.interval), func() { c.Tick(ctx) }); err != nil {
		return fmt.Errorf("failed to schedule tick: %w", err)
	}

	c.maintainer = m
	c.cron = cr
	cr.Start()
	c.logger.Info("scheduler started", slog.Duration("interval", c.interval))
	return nil
}

// Stop halts ticking and waits for a running tick to finish.
func (c *Cron) Stop() {
	c.mu.Lock()
	cr := c.cron
	c.cron = nil
	c.mu.Unlock()
	if cr == nil {
		return
	}
	<-cr.Stop().Done()
	c.logger.Info("scheduler stopped")
}

// Tick runs upkeep then wakes every agent with pending work in an armed
// workflow. Errors are logged; one failing workflow does not stop the rest.
func (c *Cron) Tick(ctx context.Context) {
	c.mu.Lock()
	m := c.maintainer
	c.mu.Unlock()

	if m != nil {
		if err := m.Maintain(ctx); err != nil {
			c.logger.Warn("maintenance failed", slog.String("error", err.Error()))
		}
	}

	workflows, err := c.store.ArmedWorkflows(ctx)
	if err != nil {
		c.logger.Warn("failed to list armed workflows", slog.String("error", err.Error()))
		return
	}

	for _, wf := range workflows {
		agents, err := c.store.PendingAgents(ctx, wf)
		if err != nil {
			c.logger.Warn("failed to list pending agents",
				slog.String("workflow", wf), slog.String("error", err.Error()))
			continue
		}
		if c.waker == nil {
			continue
		}
		for _, agent := range agents {
			if err := c.waker.Wake(ctx, wf, agent); err != nil {
				c.logger.Warn("failed to wake agent",
					slog.String("workflow", wf), slog.String("agent", agent), slog.String("error", err.Error()))
				continue
			}
			c.logger.Debug("agent woken", slog.String("workflow", wf), slog.String("agent", agent))
		}
	}
}

// cronLogger adapts slog to the cron library's logger.
type cronLogger struct {
	l *slog.Logger
}

func (c cronLogger) Info(msg string, keysAndValues ...interface{}) {
	c.l.Debug(msg, keysAndValues...)
}

func (c cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	c.l.Error(msg, append([]interface{}{"error", err}, keysAndValues...)...)
}
