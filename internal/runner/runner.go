// Package runner executes the external verification command.
//
// Every invocation is tracked in a process-wide registry so a global stop
// can terminate all in-flight commands. Non-zero exits and timeouts are
// normal data (fail verdicts), not errors.
package runner

import (
	"bytes"
	"context"
	"errors"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/doeixd/opencode-ralph-rlm/internal/logging"
)

// Verdict is the three-valued outcome of a verification run.
type Verdict string

const (
	VerdictPass    Verdict = "pass"
	VerdictFail    Verdict = "fail"
	VerdictUnknown Verdict = "unknown"
)

// Result is the outcome of one invocation.
type Result struct {
	Verdict  Verdict
	OK       bool // exit code zero and no timeout
	ExitCode int
	Stdout   string
	Stderr   string
	TimedOut bool
	Canceled bool
}

// invocation is one tracked in-flight command.
type invocation struct {
	cmd  *exec.Cmd
	done chan struct{}
	once sync.Once
}

// terminate sends SIGTERM, then SIGKILL after the grace window if the
// process is still alive.
func (i *invocation) terminate(grace time.Duration) {
	i.once.Do(func() {
		if i.cmd.Process == nil {
			return
		}
		_ = i.cmd.Process.Signal(syscall.SIGTERM)
		go func() {
			select {
			case <-i.done:
			case <-time.After(grace):
				_ = i.cmd.Process.Kill()
			}
		}()
	})
}

// Runner runs external commands with timeout and global-stop support.
type Runner struct {
	killGrace time.Duration
	logger    *logging.Logger

	mu       sync.Mutex
	nextID   int64
	inflight map[int64]*invocation
}

// New creates a runner. killGrace is the window between SIGTERM and SIGKILL.
func New(killGrace time.Duration, logger *logging.Logger) *Runner {
	if killGrace <= 0 {
		killGrace = 2 * time.Second
	}
	if logger == nil {
		logger = logging.NewNop()
	}
	return &Runner{
		killGrace: killGrace,
		logger:    logger.Named("runner"),
		inflight:  make(map[int64]*invocation),
	}
}

// Run executes argv in dir, waiting at most timeout (0 means no timeout).
// An empty argv is not an error: it yields the unknown verdict.
func (r *Runner) Run(ctx context.Context, argv []string, dir string, timeout time.Duration) Result {
	if len(argv) == 0 {
		return Result{Verdict: VerdictUnknown, ExitCode: -1}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Dir = dir
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Start(); err != nil {
		r.logger.Warn(ctx, "verification command failed to start",
			zap.Strings("argv", argv), zap.Error(err))
		return Result{Verdict: VerdictFail, ExitCode: -1, Stderr: err.Error()}
	}

	inv := &invocation{cmd: cmd, done: make(chan struct{})}
	id := r.track(inv)
	defer r.untrack(id)

	waitErr := make(chan error, 1)
	go func() {
		waitErr <- cmd.Wait()
		close(inv.done)
	}()

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	var err error
	timedOut := false
	canceled := false
	select {
	case err = <-waitErr:
	case <-timer:
		timedOut = true
		inv.terminate(r.killGrace)
		err = <-waitErr
	case <-ctx.Done():
		canceled = true
		inv.terminate(r.killGrace)
		err = <-waitErr
	}

	exitCode := 0
	if err != nil {
		exitCode = -1
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			exitCode = exitErr.ExitCode()
		}
	}

	ok := exitCode == 0 && !timedOut && !canceled
	verdict := VerdictFail
	if ok {
		verdict = VerdictPass
	}
	return Result{
		Verdict:  verdict,
		OK:       ok,
		ExitCode: exitCode,
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		TimedOut: timedOut,
		Canceled: canceled,
	}
}

// StopAll terminates every in-flight invocation. Each removes itself from
// the registry as its Run call returns.
func (r *Runner) StopAll() {
	r.mu.Lock()
	invocations := make([]*invocation, 0, len(r.inflight))
	for _, inv := range r.inflight {
		invocations = append(invocations, inv)
	}
	r.mu.Unlock()

	for _, inv := range invocations {
		inv.terminate(r.killGrace)
	}
}

// InFlight returns the number of tracked invocations.
func (r *Runner) InFlight() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.inflight)
}

func (r *Runner) track(inv *invocation) int64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.inflight[r.nextID] = inv
	return r.nextID
}

func (r *Runner) untrack(id int64) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.inflight, id)
}
