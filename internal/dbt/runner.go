package dbt

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"log/slog"
	"os"
	"os/exec"
	"strings"
	"sync"

	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/assets"
	"github.com/cyril-fernando/credit-card-transaction-data-pipeline/internal/engine"
)

// DefaultExecutable is the dbt binary looked up on PATH.
const DefaultExecutable = "dbt"

// stderrTail bounds how much stderr a BuildToolError carries.
const stderrTail = 8 << 10

// BuildToolError is returned when dbt exits non-zero or cannot be started.
type BuildToolError struct {
	ExitCode int
	Stderr   string
	Err      error
}

func (e *BuildToolError) Error() string {
	msg := fmt.Sprintf("dbt exited with code %d", e.ExitCode)
	if e.Err != nil {
		msg = fmt.Sprintf("dbt: %v", e.Err)
	}
	if s := strings.TrimSpace(e.Stderr); s != "" {
		msg += ": " + s
	}
	return msg
}

func (e *BuildToolError) Unwrap() error {
	return e.Err
}

// IsBuildToolError reports whether err is a *BuildToolError.
func IsBuildToolError(err error) bool {
	var bte *BuildToolError
	return errors.As(err, &bte)
}

// Runner runs `dbt build` and streams per-node results.
type Runner struct {
	executable  string
	projectDir  string
	profilesDir string
	target      string
	keyPath     string
	manifest    *Manifest
	logger      *slog.Logger
}

// RunnerOption configures a Runner.
type RunnerOption func(*Runner)

// WithExecutable overrides the dbt binary.
func WithExecutable(path string) RunnerOption {
	return func(r *Runner) { r.executable = path }
}

// WithProfilesDir sets --profiles-dir.
func WithProfilesDir(dir string) RunnerOption {
	return func(r *Runner) { r.profilesDir = dir }
}

// WithTarget sets --target.
func WithTarget(target string) RunnerOption {
	return func(r *Runner) { r.target = target }
}

// WithKeyPath exports GOOGLE_APPLICATION_CREDENTIALS to the dbt process.
func WithKeyPath(path string) RunnerOption {
	return func(r *Runner) { r.keyPath = path }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) { r.logger = l }
}

// NewRunner returns a Runner for the dbt project in projectDir.
func NewRunner(projectDir string, m *Manifest, opts ...RunnerOption) *Runner {
	r := &Runner{
		executable: DefaultExecutable,
		projectDir: projectDir,
		manifest:   m,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Args returns the dbt command line for keys, without the executable.
func (r *Runner) Args(keys []assets.Key) []string {
	args := []string{"build", "--log-format", "json", "--project-dir", r.projectDir}
	if r.profilesDir != "" {
		args = append(args, "--profiles-dir", r.profilesDir)
	}
	if r.target != "" {
		args = append(args, "--target", r.target)
	}
	var sel []string
	for _, k := range keys {
		if s, ok := r.manifest.Selector(k); ok {
			sel = append(sel, s)
		}
	}
	if len(sel) > 0 {
		args = append(args, "--select", strings.Join(sel, " "))
	}
	return args
}

// Build implements engine.BuildTool.
func (r *Runner) Build(ctx context.Context, keys []assets.Key) iter.Seq2[engine.BuildEvent, error] {
	return func(yield func(engine.BuildEvent, error) bool) {
		args := r.Args(keys)
		cmd := exec.CommandContext(ctx, r.executable, args...)
		cmd.Dir = r.projectDir
		cmd.Env = os.Environ()
		if r.keyPath != "" {
			cmd.Env = append(cmd.Env, "GOOGLE_APPLICATION_CREDENTIALS="+r.keyPath)
		}
		stderr := &tailBuffer{max: stderrTail}
		cmd.Stderr = stderr

		stdout, err := cmd.StdoutPipe()
		if err != nil {
			yield(engine.BuildEvent{}, &BuildToolError{ExitCode: -1, Err: err})
			return
		}
		r.logger.Info("dbt build starting", "executable", r.executable, "models", len(keys))
		if err := cmd.Start(); err != nil {
			yield(engine.BuildEvent{}, &BuildToolError{ExitCode: -1, Err: err})
			return
		}

		stopped := false
		for ev, err := range ParseEvents(stdout, r.manifest) {
			if err != nil {
				_ = cmd.Process.Kill()
				_ = cmd.Wait()
				yield(engine.BuildEvent{}, err)
				return
			}
			if !yield(ev, nil) {
				stopped = true
				break
			}
		}
		if stopped {
			// Drain so dbt is not blocked on a full pipe, then reap it.
			_, _ = io.Copy(io.Discard, stdout)
			_ = cmd.Wait()
			return
		}

		if err := cmd.Wait(); err != nil {
			exitCode := -1
			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()
				err = nil
			}
			r.logger.Warn("dbt build failed", "exit_code", exitCode, "stderr", stderr.String())
			yield(engine.BuildEvent{}, &BuildToolError{ExitCode: exitCode, Stderr: stderr.String(), Err: err})
			return
		}
		r.logger.Info("dbt build finished")
	}
}

// tailBuffer keeps the last max bytes written to it.
type tailBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
	max int
}

func (t *tailBuffer) Write(p []byte) (int, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf.Write(p)
	if over := t.buf.Len() - t.max; over > 0 {
		t.buf.Next(over)
	}
	return len(p), nil
}

func (t *tailBuffer) String() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.buf.String()
}
