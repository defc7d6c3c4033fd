package main

import (
	"context"
	"fmt"
	"log/slog"

	"orbit-notifier/server"

	"github.com/robfig/cron/v3"
)

// scheduler triggers cycles in-process, standing in for an external cron hitting /cron.
type scheduler struct {
	c        *cron.Cron
	poller   server.Poller
	logger   *slog.Logger
	schedule string
}

// newScheduler validates schedule (standard five fields or a descriptor such as "@every 10m").
func newScheduler(schedule string, poller server.Poller, logger *slog.Logger) (*scheduler, error) {
	parser := cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := parser.Parse(schedule); err != nil {
		return nil, fmt.Errorf("parse SCHEDULE %q: %w", schedule, err)
	}
	return &scheduler{
		c:        cron.New(cron.WithParser(parser)),
		poller:   poller,
		logger:   logger,
		schedule: schedule,
	}, nil
}

// run triggers cycles until ctx is canceled, then waits for a running cycle to finish.
func (s *scheduler) run(ctx context.Context) {
	_, err := s.c.AddFunc(s.schedule, func() { s.tick(ctx) })
	if err != nil {
		// The schedule was parsed by newScheduler.
		s.logger.Error("Failed to schedule cycles", "schedule", s.schedule, "error", err)
		return
	}

	s.logger.Info("Starting scheduler", "schedule", s.schedule)
	s.c.Start()
	<-ctx.Done()
	<-s.c.Stop().Done()
	s.logger.Info("Scheduler stopped")
}

func (s *scheduler) tick(ctx context.Context) {
	if ctx.Err() != nil {
		return
	}
	report, err := s.poller.RunCycle(ctx)
	if err != nil {
		s.logger.Error("Scheduled cycle failed", "error", err)
		return
	}
	if report.Skipped {
		s.logger.Info("Scheduled cycle skipped", "message", report.Message)
		return
	}
	s.logger.Info("Scheduled cycle complete", "cycle_id", report.CycleID, "actions", len(report.Actions))
}
