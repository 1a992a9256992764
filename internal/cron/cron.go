// Package cron submits configured prompts to the pipeline on a cron
// schedule. Jobs come from config; expressions are standard five-field
// cron, evaluated once per minute.
package cron

import (
	"context"
	"log/slog"
	"time"

	"github.com/adhocore/gronx"

	"github.com/nextlevelbuilder/gocrew/internal/board"
	"github.com/nextlevelbuilder/gocrew/internal/config"
)

// Submitter accepts scheduled work. Satisfied by *orchestrator.Orchestrator.
type Submitter interface {
	Submit(ctx context.Context, text string, source board.Source) (string, error)
}

// Scheduler fires configured cron jobs.
type Scheduler struct {
	jobs      []config.CronJobConfig
	submitter Submitter
	gron      *gronx.Gronx
	log       *slog.Logger
	lastFired map[string]time.Time
}

// New builds a scheduler, dropping jobs with invalid expressions.
func New(jobs []config.CronJobConfig, submitter Submitter) *Scheduler {
	log := slog.Default().With("component", "cron")
	valid := make([]config.CronJobConfig, 0, len(jobs))
	for _, j := range jobs {
		if !gronx.IsValid(j.Schedule) {
			log.Error("invalid cron expression, job dropped", "job", j.Name, "schedule", j.Schedule)
			continue
		}
		valid = append(valid, j)
	}
	return &Scheduler{
		jobs:      valid,
		submitter: submitter,
		gron:      gronx.New(),
		log:       log,
		lastFired: map[string]time.Time{},
	}
}

// Jobs returns the accepted jobs.
func (s *Scheduler) Jobs() []config.CronJobConfig { return s.jobs }

// Run evaluates schedules once per minute until ctx ends.
func (s *Scheduler) Run(ctx context.Context) {
	if len(s.jobs) == 0 {
		return
	}
	s.log.Info("cron scheduler started", "jobs", len(s.jobs))
	tick := time.NewTicker(time.Minute)
	defer tick.Stop()

	s.fireDue(ctx, time.Now())
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-tick.C:
			s.fireDue(ctx, now)
		}
	}
}

// fireDue submits every job due at the given minute. A job fires at
// most once per minute regardless of tick drift.
func (s *Scheduler) fireDue(ctx context.Context, now time.Time) {
	minute := now.Truncate(time.Minute)
	for _, j := range s.jobs {
		if s.lastFired[j.Name].Equal(minute) {
			continue
		}
		due, err := s.gron.IsDue(j.Schedule, minute)
		if err != nil {
			s.log.Warn("cron evaluation failed", "job", j.Name, "error", err)
			continue
		}
		if !due {
			continue
		}
		s.lastFired[j.Name] = minute
		taskID, err := s.submitter.Submit(ctx, j.Prompt, board.Source{
			Channel: "cron",
			UserID:  j.Name,
			Text:    j.Prompt,
		})
		if err != nil {
			s.log.Error("scheduled submission failed", "job", j.Name, "error", err)
			continue
		}
		s.log.Info("scheduled task submitted", "job", j.Name, "task", taskID)
	}
}
