// Package definitions is the registry of everything the orchestrator runs:
// assets, jobs, schedules and sensors. A Definitions value is built once at
// startup, validated once, and never changes afterwards.
package definitions

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/schedule"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/sensor"
)

// Job is a named selection over the asset graph.
type Job struct {
	Name        string
	Selection   assets.Selection
	Description string
}

// ScheduleSpec declares a schedule before its cron expression is parsed.
type ScheduleSpec struct {
	Name     string `json:"name"`
	Job      string `json:"job"`
	Cron     string `json:"cron"`
	Timezone string `json:"timezone"`
}

// Spec is the unvalidated input to New.
type Spec struct {
	Assets    []assets.Node
	Jobs      []Job
	Schedules []ScheduleSpec
	Sensors   []sensor.Definition

	// DBTManifest optionally names a dbt manifest whose models are added to
	// Assets by the caller before New.
	DBTManifest string
}

// Error describes one invalid declaration.
type Error struct {
	Field   string
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Field, e.Message)
}

// Definitions is the validated registry. It is safe for concurrent reads.
type Definitions struct {
	graph     *assets.Graph
	jobs      map[string]Job
	jobNames  []string
	schedules []*schedule.Schedule
	sensors   []sensor.Definition
	hash      string
}

// New validates spec and builds the registry.
//
// Graph problems (cycles, unknown or duplicate assets) are returned as the
// *assets.GraphError from assets.NewGraph. All other problems are collected
// and returned together, each as an *Error.
func New(spec Spec) (*Definitions, error) {
	g, err := assets.NewGraph(spec.Assets...)
	if err != nil {
		return nil, err
	}

	d := &Definitions{
		graph: g,
		jobs:  make(map[string]Job, len(spec.Jobs)),
	}

	var errs []error
	for i, job := range spec.Jobs {
		field := fmt.Sprintf("job[%d]", i)
		if job.Name != "" {
			field = "job." + job.Name
		}
		switch {
		case job.Name == "":
			errs = append(errs, &Error{Field: field, Message: "name is required"})
			continue
		case job.Selection == nil:
			errs = append(errs, &Error{Field: field, Message: "selection is required"})
			continue
		}
		if _, dup := d.jobs[job.Name]; dup {
			errs = append(errs, &Error{Field: field, Message: "job declared twice"})
			continue
		}
		if _, err := g.Resolve(job.Selection); err != nil {
			errs = append(errs, &Error{Field: field, Message: err.Error()})
			continue
		}
		d.jobs[job.Name] = job
		d.jobNames = append(d.jobNames, job.Name)
	}
	sort.Strings(d.jobNames)

	seen := make(map[string]bool)
	for _, ss := range spec.Schedules {
		field := "schedule." + ss.Name
		if seen[field] {
			errs = append(errs, &Error{Field: field, Message: "schedule declared twice"})
			continue
		}
		seen[field] = true
		if _, ok := d.jobs[ss.Job]; !ok && ss.Job != "" {
			errs = append(errs, &Error{Field: field, Message: fmt.Sprintf("unknown job %q", ss.Job)})
			continue
		}
		s, err := schedule.New(ss.Name, ss.Job, ss.Cron, ss.Timezone)
		if err != nil {
			errs = append(errs, &Error{Field: field, Message: err.Error()})
			continue
		}
		d.schedules = append(d.schedules, s)
	}

	for _, sd := range spec.Sensors {
		field := "sensor." + sd.Name
		if seen[field] {
			errs = append(errs, &Error{Field: field, Message: "sensor declared twice"})
			continue
		}
		seen[field] = true
		if sd.Threshold == 0 {
			sd.Threshold = sensor.DefaultThreshold
		}
		if err := sd.Validate(); err != nil {
			errs = append(errs, &Error{Field: field, Message: err.Error()})
			continue
		}
		if _, ok := d.jobs[sd.JobName]; !ok {
			errs = append(errs, &Error{Field: field, Message: fmt.Sprintf("unknown job %q", sd.JobName)})
			continue
		}
		d.sensors = append(d.sensors, sd)
	}

	if len(errs) > 0 {
		return nil, errors.Join(errs...)
	}

	sort.Slice(d.schedules, func(i, j int) bool { return d.schedules[i].Name() < d.schedules[j].Name() })
	sort.Slice(d.sensors, func(i, j int) bool { return d.sensors[i].Name < d.sensors[j].Name })
	d.hash = d.computeHash()
	return d, nil
}

// Graph returns the asset graph.
func (d *Definitions) Graph() *assets.Graph { return d.graph }

// Job returns the named job.
func (d *Definitions) Job(name string) (Job, bool) {
	j, ok := d.jobs[name]
	return j, ok
}

// Jobs returns every job ordered by name.
func (d *Definitions) Jobs() []Job {
	out := make([]Job, len(d.jobNames))
	for i, name := range d.jobNames {
		out[i] = d.jobs[name]
	}
	return out
}

// Schedules returns every schedule ordered by name.
func (d *Definitions) Schedules() []*schedule.Schedule {
	return append([]*schedule.Schedule(nil), d.schedules...)
}

// Sensors returns every sensor definition ordered by name.
func (d *Definitions) Sensors() []sensor.Definition {
	return append([]sensor.Definition(nil), d.sensors...)
}

// Plan resolves a job to its execution order.
func (d *Definitions) Plan(jobName string) ([]assets.Key, error) {
	job, ok := d.jobs[jobName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownJob, jobName)
	}
	return d.graph.Resolve(job.Selection)
}

// Hash identifies the definitions content. Runs record it.
func (d *Definitions) Hash() string { return d.hash }

// ErrUnknownJob is returned for a job name that is not registered.
var ErrUnknownJob = errors.New("unknown job")

func (d *Definitions) computeHash() string {
	var b strings.Builder
	b.WriteString(d.graph.Fingerprint())
	b.WriteByte('\n')
	for _, name := range d.jobNames {
		fmt.Fprintf(&b, "job\x1f%s\x1f%s\n", name, d.jobs[name].Selection)
	}
	for _, s := range d.schedules {
		fmt.Fprintf(&b, "schedule\x1f%s\x1f%s\x1f%s\x1f%s\n", s.Name(), s.JobName(), s.Cron(), s.Location())
	}
	for _, s := range d.sensors {
		fmt.Fprintf(&b, "sensor\x1f%s\x1f%s\x1f%s\x1f%s\n", s.Name, s.JobName, s.MinInterval, s.Threshold)
	}

	h := sha256.New()
	h.Write([]byte("ccpipe/definitions/v1"))
	h.Write([]byte{0x00})
	h.Write([]byte(b.String()))
	return hex.EncodeToString(h.Sum(nil))
}
