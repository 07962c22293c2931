package usecase

import (
	"context"
	"time"

	"LiteratureScanner/internal/ports"
)

// Scheduler wires the interval driver with update cycles for every active group.
type Scheduler struct {
	driver       ports.Scheduler
	orchestrator *Orchestrator
}

// NewScheduler returns a helper to start/stop recurring updates.
func NewScheduler(driver ports.Scheduler, orchestrator *Orchestrator) *Scheduler {
	return &Scheduler{driver: driver, orchestrator: orchestrator}
}

// Start registers the auto-update job with the provided scheduler.
func (s *Scheduler) Start(ctx context.Context) error {
	if s.driver == nil || s.orchestrator == nil {
		return nil
	}

	job := func(trigger time.Time) {
		s.orchestrator.TriggerActive(ctx, trigger)
	}

	return s.driver.Start(ctx, job)
}

// Stop gracefully tears down the underlying scheduler.
func (s *Scheduler) Stop(ctx context.Context) error {
	if s.driver == nil {
		return nil
	}

	return s.driver.Stop(ctx)
}

// TriggerActive starts a cycle for every active group and returns the job ids. Groups
// with a cycle already in flight keep that job.
func (o *Orchestrator) TriggerActive(ctx context.Context, at time.Time) []string {
	groups, err := o.store.ListGroups(ctx)
	if err != nil {
		logWarn(o.logger, "auto update: list groups", "error", err)
		return nil
	}
	var jobs []string
	for _, g := range groups {
		if !g.Active {
			continue
		}
		jobID, err := o.TriggerUpdate(ctx, g.ID)
		if err != nil {
			logWarn(o.logger, "auto update: trigger", "group", g.ID, "error", err)
			continue
		}
		jobs = append(jobs, jobID)
	}
	o.debug("auto update triggered", "at", at, "jobs", len(jobs))
	return jobs
}
