// Package gradle runs a project's Gradle wrapper and exposes its output as
// line streams. The process gets its own process group so cancellation can
// take down the whole gradle daemon-spawning tree.
package gradle

import (
	"bufio"
	"context"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/apkforge/apkforge/internal/logfields"
	"github.com/apkforge/apkforge/internal/xerrors"
)

// DefaultTasks is the task line used when a project does not override it.
const DefaultTasks = "clean :app:assembleRelease"

// Runner spawns gradle processes.
type Runner struct {
	// GracePeriod is how long a terminated process gets to exit before the
	// process group is killed.
	GracePeriod time.Duration
}

func NewRunner(gracePeriod time.Duration) *Runner {
	if gracePeriod <= 0 {
		gracePeriod = 10 * time.Second
	}
	return &Runner{GracePeriod: gracePeriod}
}

// Process is one running gradle invocation. Stdout and Stderr close on
// process exit; Wait may be called at most once and returns only after both
// streams have closed.
type Process struct {
	cmd    *exec.Cmd
	Stdout <-chan string
	Stderr <-chan string

	streams  sync.WaitGroup
	waitOnce sync.Once
	exitCode int
	waitErr  error

	termOnce  sync.Once
	grace     time.Duration
	timerMu   sync.Mutex
	killTimer *time.Timer
}

// Run starts the project's gradle wrapper with the given argv in projectDir.
// env entries are appended to a minimal base environment.
func (r *Runner) Run(ctx context.Context, projectDir string, argv []string, env []string) (*Process, error) {
	wrapper := filepath.Join(projectDir, "gradlew")

	cmd := exec.Command(wrapper, argv...)
	cmd.Dir = projectDir
	cmd.Env = append(baseEnv(), env...)
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "stdout pipe")
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindInternal, "stderr pipe")
	}

	if err := cmd.Start(); err != nil {
		return nil, xerrors.Wrap(err, xerrors.KindGradleExitNonZero, "start gradle wrapper").
			WithContext("path", wrapper)
	}
	slog.Info("Gradle started",
		logfields.Path(projectDir),
		"args", strings.Join(argv, " "),
		"pid", cmd.Process.Pid)

	p := &Process{cmd: cmd, grace: r.GracePeriod}

	outCh := make(chan string, 256)
	errCh := make(chan string, 256)
	p.Stdout = outCh
	p.Stderr = errCh

	p.streams.Add(2)
	go p.scan(stdout, outCh)
	go p.scan(stderr, errCh)

	// Honour caller cancellation even if nobody calls Terminate.
	go func() {
		<-ctx.Done()
		p.Terminate()
	}()

	return p, nil
}

func (p *Process) scan(r interface{ Read([]byte) (int, error) }, out chan<- string) {
	defer p.streams.Done()
	defer close(out)

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

// Wait blocks until the process has exited and both streams have drained,
// then returns the exit code.
func (p *Process) Wait() (int, error) {
	p.waitOnce.Do(func() {
		p.streams.Wait()
		err := p.cmd.Wait()
		p.stopKillTimer()
		if err == nil {
			p.exitCode = 0
			return
		}
		if exitErr, ok := err.(*exec.ExitError); ok {
			p.exitCode = exitErr.ExitCode()
			return
		}
		p.exitCode = -1
		p.waitErr = xerrors.Wrap(err, xerrors.KindInternal, "wait for gradle")
	})
	return p.exitCode, p.waitErr
}

// Terminate asks the process group to stop, then kills it after the grace
// period. Safe to call more than once and after exit.
func (p *Process) Terminate() {
	p.termOnce.Do(func() {
		if p.cmd.Process == nil {
			return
		}
		pgid := -p.cmd.Process.Pid
		slog.Info("Terminating gradle process group", "pid", p.cmd.Process.Pid)
		_ = syscall.Kill(pgid, syscall.SIGTERM)

		p.timerMu.Lock()
		p.killTimer = time.AfterFunc(p.grace, func() {
			_ = syscall.Kill(pgid, syscall.SIGKILL)
		})
		p.timerMu.Unlock()
	})
}

// stopKillTimer cancels a pending escalation kill once the process has
// exited. The kernel may hand the freed pgid to an unrelated process, so the
// SIGKILL must never fire after exit.
func (p *Process) stopKillTimer() {
	p.timerMu.Lock()
	if p.killTimer != nil {
		p.killTimer.Stop()
	}
	p.timerMu.Unlock()
}

// baseEnv is the clean environment gradle runs in. The project's own env
// vars are appended on top by the caller.
func baseEnv() []string {
	keep := []string{"PATH", "HOME", "JAVA_HOME", "ANDROID_HOME", "ANDROID_SDK_ROOT", "GRADLE_USER_HOME", "TMPDIR", "LANG"}
	var env []string
	for _, key := range keep {
		if val, ok := syscall.Getenv(key); ok {
			env = append(env, key+"="+val)
		}
	}
	return env
}

// SplitTasks turns a configured task line into argv.
func SplitTasks(taskLine string) []string {
	if strings.TrimSpace(taskLine) == "" {
		taskLine = DefaultTasks
	}
	return strings.Fields(taskLine)
}
