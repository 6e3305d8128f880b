// Package schedule implements calendar triggers: a cron expression evaluated
// in a fixed timezone, fired at most once per boundary.
package schedule

import (
	"fmt"
	"time"
	_ "time/tzdata" // timezone names resolve without a system zoneinfo

	"github.com/robfig/cron/v3"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// Schedule binds a job to a cron expression and timezone.
//
// Thread-safety: Schedule is immutable after New and safe for concurrent use.
type Schedule struct {
	name     string
	jobName  string
	expr     string
	location *time.Location
	spec     cron.Schedule
}

// New parses a standard 5-field cron expression and an IANA timezone name.
// An empty timezone means UTC.
func New(name, jobName, expr, timezone string) (*Schedule, error) {
	if name == "" {
		return nil, fmt.Errorf("schedule: name is required")
	}
	if jobName == "" {
		return nil, fmt.Errorf("schedule %q: job is required", name)
	}
	spec, err := cron.ParseStandard(expr)
	if err != nil {
		return nil, fmt.Errorf("schedule %q: parse cron %q: %w", name, expr, err)
	}
	loc := time.UTC
	if timezone != "" {
		loc, err = time.LoadLocation(timezone)
		if err != nil {
			return nil, fmt.Errorf("schedule %q: load timezone %q: %w", name, timezone, err)
		}
	}
	return &Schedule{
		name:     name,
		jobName:  jobName,
		expr:     expr,
		location: loc,
		spec:     spec,
	}, nil
}

// Name returns the schedule name.
func (s *Schedule) Name() string { return s.name }

// JobName returns the bound job.
func (s *Schedule) JobName() string { return s.jobName }

// Cron returns the cron expression as written.
func (s *Schedule) Cron() string { return s.expr }

// Location returns the timezone the expression is evaluated in.
func (s *Schedule) Location() *time.Location { return s.location }

// Next returns the first fire instant strictly after after.
func (s *Schedule) Next(after time.Time) time.Time {
	return s.spec.Next(after.In(s.location))
}

// Request builds the run request for the boundary at tick. Schedule runs carry
// no run key; the tick bookkeeping is what prevents double firing.
func (s *Schedule) Request(tick time.Time) models.RunRequest {
	return models.RunRequest{
		Tags: map[string]string{
			models.TagSource:   "schedule",
			models.TagSchedule: s.name,
			models.TagTickTime: tick.In(s.location).Format(time.RFC3339),
		},
	}
}
