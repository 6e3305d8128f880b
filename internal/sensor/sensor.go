// Package sensor implements polling triggers with a persisted cursor.
//
// The freshness sensor fires when the time since its last fire exceeds a
// threshold. Its cursor is the only mutable trigger state in the system: it is
// read at the start of every evaluation and written by Fired once the
// requested run has been submitted, under a per-sensor mutex. A fire whose
// submit fails leaves the cursor alone, so the next evaluation fires again.
//
// # Missing cursor
//
// A sensor that has never stored a cursor evaluates as if its last fire was
// the Unix epoch, so its first evaluation fires. A cursor that cannot be read
// or parsed is a CursorStoreError and no run is requested.
package sensor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/models"
)

// Defaults for the freshness sensor.
const (
	DefaultThreshold   = 6 * time.Hour
	DefaultMinInterval = 30 * time.Second
)

// RunKeyPrefix prefixes run keys derived from the fire instant.
const RunKeyPrefix = "sensor_run_"

// Definition describes a freshness sensor.
type Definition struct {
	Name        string        `json:"name"`
	JobName     string        `json:"job"`
	MinInterval time.Duration `json:"min_interval"`
	Threshold   time.Duration `json:"threshold"`
}

// Validate checks required fields.
func (d Definition) Validate() error {
	var errs []error
	if d.Name == "" {
		errs = append(errs, errors.New("sensor: name is required"))
	}
	if d.JobName == "" {
		errs = append(errs, fmt.Errorf("sensor %q: job is required", d.Name))
	}
	if d.Threshold <= 0 {
		errs = append(errs, fmt.Errorf("sensor %q: threshold must be positive", d.Name))
	}
	if d.MinInterval < 0 {
		errs = append(errs, fmt.Errorf("sensor %q: min_interval must not be negative", d.Name))
	}
	return errors.Join(errs...)
}

// CursorStore reads and writes one string per sensor name. store.Store
// implements it.
type CursorStore interface {
	GetCursor(ctx context.Context, sensorName string) (string, bool, error)
	SetCursor(ctx context.Context, sensorName, cursor string, at time.Time) error
}

// CursorStoreError reports that the cursor could not be read, parsed, or
// written. The evaluation yields no run.
type CursorStoreError struct {
	Sensor string
	Op     string
	Err    error
}

func (e *CursorStoreError) Error() string {
	return fmt.Sprintf("sensor %q: %s cursor: %v", e.Sensor, e.Op, e.Err)
}

func (e *CursorStoreError) Unwrap() error { return e.Err }

// IsCursorStoreError reports whether err is or wraps a CursorStoreError.
func IsCursorStoreError(err error) bool {
	var ce *CursorStoreError
	return errors.As(err, &ce)
}

// Result is the outcome of one evaluation. Exactly one of Request and Skip is
// set.
type Result struct {
	Request *models.RunRequest
	Skip    *models.SkipReason
}

// FreshnessSensor requests a run when the last fire is older than its
// threshold.
//
// Thread-safety: safe for concurrent use. Evaluations of the same sensor are
// serialized.
type FreshnessSensor struct {
	def    Definition
	store  CursorStore
	logger *slog.Logger

	mu        sync.Mutex
	evaluated bool
	lastEval  time.Time
}

// Option configures a FreshnessSensor.
type Option func(*FreshnessSensor)

// WithLogger sets the logger. Default: slog.Default().
func WithLogger(l *slog.Logger) Option {
	return func(s *FreshnessSensor) {
		s.logger = l
	}
}

// NewFreshness creates a sensor. A zero Threshold becomes DefaultThreshold.
func NewFreshness(def Definition, store CursorStore, opts ...Option) *FreshnessSensor {
	if def.Threshold == 0 {
		def.Threshold = DefaultThreshold
	}
	s := &FreshnessSensor{
		def:    def,
		store:  store,
		logger: slog.Default(),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Name returns the sensor name.
func (s *FreshnessSensor) Name() string { return s.def.Name }

// JobName returns the job this sensor requests runs of.
func (s *FreshnessSensor) JobName() string { return s.def.JobName }

// Definition returns the sensor definition.
func (s *FreshnessSensor) Definition() Definition { return s.def }

// Due reports whether at least MinInterval has passed since the previous
// evaluation. It is a lower bound: callers may evaluate later, never earlier.
func (s *FreshnessSensor) Due(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.evaluated || now.Sub(s.lastEval) >= s.def.MinInterval
}

// Evaluate reads the cursor and decides whether to fire at now.
//
// Evaluate does not write the cursor. The caller submits the request and then
// calls Fired. The request's run key is derived from now at second
// granularity, so two evaluations in the same second cannot yield two
// distinct runs.
func (s *FreshnessSensor) Evaluate(ctx context.Context, now time.Time) (Result, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.evaluated = true
	s.lastEval = now

	raw, ok, err := s.store.GetCursor(ctx, s.def.Name)
	if err != nil {
		return Result{}, &CursorStoreError{Sensor: s.def.Name, Op: "read", Err: err}
	}

	last := time.Unix(0, 0)
	if ok {
		last, err = ParseCursor(raw)
		if err != nil {
			return Result{}, &CursorStoreError{Sensor: s.def.Name, Op: "parse", Err: err}
		}
	}

	elapsed := now.Sub(last)
	if elapsed <= s.def.Threshold {
		msg := fmt.Sprintf("Last materialization was %.1f hours ago (threshold: %g hours)",
			elapsed.Hours(), s.def.Threshold.Hours())
		s.logger.Debug("sensor skipped", "sensor", s.def.Name, "reason", msg)
		return Result{Skip: &models.SkipReason{Message: msg}}, nil
	}

	req := models.RunRequest{
		RunKey: RunKey(now),
		Tags: map[string]string{
			models.TagSource:  "sensor",
			models.TagTrigger: "freshness_check",
			models.TagSensor:  s.def.Name,
		},
	}
	s.logger.Info("sensor due", "sensor", s.def.Name, "run_key", req.RunKey, "elapsed_hours", elapsed.Hours())
	return Result{Request: &req}, nil
}

// Fired advances the cursor to the instant of an evaluation whose request was
// submitted.
func (s *FreshnessSensor) Fired(ctx context.Context, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.store.SetCursor(ctx, s.def.Name, FormatCursor(at), at); err != nil {
		return &CursorStoreError{Sensor: s.def.Name, Op: "write", Err: err}
	}
	return nil
}

// RunKey derives the run key for a fire at t: the prefix plus the floor of t
// in Unix seconds.
func RunKey(t time.Time) string {
	return RunKeyPrefix + strconv.FormatInt(t.Unix(), 10)
}

// FormatCursor encodes t as fractional Unix seconds, e.g. "1717243200.5".
func FormatCursor(t time.Time) string {
	sec, ns := t.Unix(), t.Nanosecond()
	if ns == 0 {
		return strconv.FormatInt(sec, 10)
	}
	if sec < 0 {
		return strconv.FormatFloat(float64(t.UnixNano())/1e9, 'f', -1, 64)
	}
	return strings.TrimRight(fmt.Sprintf("%d.%09d", sec, ns), "0")
}

// ParseCursor decodes fractional Unix seconds. Decimal input is decoded
// exactly to the nanosecond; other float syntax is accepted with float
// precision.
func ParseCursor(s string) (time.Time, error) {
	whole, frac, _ := strings.Cut(s, ".")
	if sec, err := strconv.ParseUint(whole, 10, 63); err == nil && len(frac) <= 9 && isDigits(frac) {
		ns := int64(0)
		if frac != "" {
			n, _ := strconv.ParseInt(frac+strings.Repeat("0", 9-len(frac)), 10, 64)
			ns = n
		}
		return time.Unix(int64(sec), ns).UTC(), nil
	}

	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid cursor %q: %w", s, err)
	}
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return time.Time{}, fmt.Errorf("invalid cursor %q", s)
	}
	sec, fr := math.Modf(f)
	return time.Unix(int64(sec), int64(math.Round(fr*1e9))).UTC(), nil
}

func isDigits(s string) bool {
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
