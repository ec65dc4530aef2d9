package server

import (
	"context"
	"fmt"
	"time"
)

const (
	taskSweepSchedule  = "@every 10m"
	eventPurgeSchedule = "@every 1h"
	jobTimeout         = time.Minute
)

func (s *Server) scheduleJobs() error {
	jobs := []struct {
		name     string
		schedule string
		run      func(ctx context.Context) (int, error)
	}{
		{"task mapping sweep", taskSweepSchedule, s.tasks.Sweep},
		{"event purge", eventPurgeSchedule, s.events.Purge},
	}

	for _, job := range jobs {
		if _, err := s.cron.AddFunc(job.schedule, func() {
			s.runJob(job.name, job.run)
		}); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", job.name, err)
		}
	}
	return nil
}

func (s *Server) runJob(name string, run func(ctx context.Context) (int, error)) {
	ctx, cancel := context.WithTimeout(context.Background(), jobTimeout)
	defer cancel()

	n, err := run(ctx)
	if err != nil {
		s.logger.Error("Scheduled job failed", "job", name, "error", err)
		return
	}
	if n > 0 {
		s.logger.Debug("Scheduled job finished", "job", name, "removed", n)
	}
}
