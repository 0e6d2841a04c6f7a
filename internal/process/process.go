package process

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gopsproc "github.com/shirou/gopsutil/v4/process"

	"github.com/loykin/watchdog/internal/env"
)

// killWait bounds how long Stop waits for the exit after SIGKILL.
const killWait = 2 * time.Second

// Process is a handle to one run of the worker. A handle is started once;
// restarting the worker means starting a new handle.
type Process struct {
	spec Spec
	env  []string
	log  *slog.Logger

	mu        sync.Mutex
	id        string
	pid       int
	startedAt time.Time
	done      chan struct{} // closed after cmd.Wait returns
	exitErr   error

	lines   chan string
	dropped atomic.Int64
}

func New(spec Spec, mergedEnv []string, logger *slog.Logger) *Process {
	if logger == nil {
		logger = slog.Default()
	}
	n := spec.LineBuffer
	if n <= 0 {
		n = DefaultLineBuffer
	}
	return &Process{spec: spec, env: mergedEnv, log: logger, lines: make(chan string, n)}
}

// Start launches the worker in its own process group. Stdout is always
// captured line by line, and also written to the stdout log file when one
// is configured. Stderr goes to its log file when configured, otherwise it
// is captured too.
func (p *Process) Start() error {
	p.mu.Lock()
	if p.done != nil {
		p.mu.Unlock()
		return errors.New("process already started")
	}
	p.mu.Unlock()

	cmd := p.spec.BuildCommand()
	if p.spec.WorkDir != "" {
		cmd.Dir = p.spec.WorkDir
	}
	if len(p.env) > 0 {
		cmd.Env = p.env
	}
	configureSysProcAttr(cmd)

	outW, errW, err := p.spec.Log.ProcessWriters(p.spec.Name)
	if err != nil {
		return fmt.Errorf("worker log writers: %w", err)
	}
	closeWriters := func() {
		if outW != nil {
			_ = outW.Close()
		}
		if errW != nil {
			_ = errW.Close()
		}
	}
	if p.spec.Log.File.Dir != "" {
		_ = os.MkdirAll(p.spec.Log.File.Dir, 0o750)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		closeWriters()
		return fmt.Errorf("stdout pipe: %w", err)
	}
	var stderr io.ReadCloser
	if errW != nil {
		cmd.Stderr = errW
	} else if stderr, err = cmd.StderrPipe(); err != nil {
		closeWriters()
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		closeWriters()
		return fmt.Errorf("start %s: %w", p.spec.Name, err)
	}

	done := make(chan struct{})
	p.mu.Lock()
	p.id = uuid.NewString()
	p.pid = cmd.Process.Pid
	p.startedAt = time.Now()
	p.done = done
	p.mu.Unlock()

	var readers sync.WaitGroup
	readers.Add(1)
	go func() {
		defer readers.Done()
		p.scan(stdout, outW)
	}()
	if stderr != nil {
		readers.Add(1)
		go func() {
			defer readers.Done()
			p.scan(stderr, nil)
		}()
	}

	go func() {
		// pipes must be drained before Wait
		readers.Wait()
		werr := cmd.Wait()
		closeWriters()
		p.mu.Lock()
		p.exitErr = werr
		p.mu.Unlock()
		close(done)
	}()
	return nil
}

func (p *Process) scan(r io.Reader, tee io.Writer) {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for sc.Scan() {
		line := sc.Text()
		if tee != nil {
			_, _ = io.WriteString(tee, line+"\n")
		}
		p.push(line)
	}
}

// push enqueues line, discarding the oldest unread line when the buffer is full.
func (p *Process) push(line string) {
	for {
		select {
		case p.lines <- line:
			return
		default:
		}
		select {
		case <-p.lines:
			p.dropped.Add(1)
		default:
		}
	}
}

// TryLine returns the next captured output line without blocking.
func (p *Process) TryLine() (string, bool) {
	select {
	case l := <-p.lines:
		return l, true
	default:
		return "", false
	}
}

// Dropped is the number of output lines discarded because nobody read them.
func (p *Process) Dropped() int64 { return p.dropped.Load() }

func (p *Process) ID() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.id
}

func (p *Process) PID() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.pid
}

func (p *Process) StartedAt() time.Time {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.startedAt
}

// Done is closed once the worker has exited and been reaped. It is nil
// before Start.
func (p *Process) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.done
}

// ExitErr is the result of cmd.Wait, valid after Done is closed.
func (p *Process) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Alive reports whether the worker was started and has not exited.
func (p *Process) Alive() bool {
	p.mu.Lock()
	done, pid := p.done, p.pid
	p.mu.Unlock()
	if done == nil {
		return false
	}
	select {
	case <-done:
		return false
	default:
	}
	return pidAlive(pid)
}

// Stop sends SIGTERM to the worker's process group, waits up to grace and
// then sends SIGKILL. Stopping a handle that already exited is a no-op.
func (p *Process) Stop(grace time.Duration) error {
	p.mu.Lock()
	done, pid := p.done, p.pid
	p.mu.Unlock()
	if done == nil {
		return nil
	}
	select {
	case <-done:
		return nil
	default:
	}

	_ = terminateGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(grace):
	}

	p.log.Warn("Worker ignored SIGTERM, killing", "name", p.spec.Name, "pid", pid, "grace", grace)
	_ = killGroup(pid)
	select {
	case <-done:
		return nil
	case <-time.After(killWait):
		return fmt.Errorf("worker pid %d still running after SIGKILL", pid)
	}
}

// Usage is a resource snapshot of the worker process.
type Usage struct {
	CPUPercent float64 `json:"cpu_percent"`
	RSSBytes   uint64  `json:"rss_bytes"`
}

// Usage samples CPU and resident memory for the worker's main process.
func (p *Process) Usage(ctx context.Context) (Usage, error) {
	pid := p.PID()
	if pid <= 0 {
		return Usage{}, errors.New("process not started")
	}
	gp, err := gopsproc.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return Usage{}, fmt.Errorf("inspect pid %d: %w", pid, err)
	}
	var u Usage
	if u.CPUPercent, err = gp.CPUPercentWithContext(ctx); err != nil {
		return Usage{}, fmt.Errorf("cpu of pid %d: %w", pid, err)
	}
	mem, err := gp.MemoryInfoWithContext(ctx)
	if err != nil {
		return Usage{}, fmt.Errorf("memory of pid %d: %w", pid, err)
	}
	u.RSSBytes = mem.RSS
	return u, nil
}

// Launcher starts fresh worker handles from a Spec.
type Launcher struct {
	Spec   Spec
	Env    *env.Env
	Logger *slog.Logger
}

// Launch starts a new worker run.
func (l *Launcher) Launch(ctx context.Context) (*Process, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	e := l.Env
	if e == nil {
		e = env.New()
	}
	p := New(l.Spec, e.Merge(l.Spec.Env), l.Logger)
	if err := p.Start(); err != nil {
		return nil, err
	}
	return p, nil
}
