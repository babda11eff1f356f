// Package proc supervises external collaborator processes: stream relays,
// the stream server, and the player. Programs are opaque; the supervisor
// only launches, observes line output, restarts, and terminates them.
package proc

import (
	"bufio"
	"fmt"
	"io"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/errdefs"
)

// LineFunc receives one output line, already stripped of its newline.
// Delivery is synchronous on the stream's reader goroutine: a blocking
// callback stalls draining of that one stream only.
type LineFunc func(line string)

type StartOptions struct {
	// Name is the unique tracking key. Starting a duplicate fails with
	// AlreadyRunning.
	Name    string
	Command []string // argv; Command[0] is the executable path
	Dir     string
	Env     []string // nil inherits the parent environment

	OnStdout LineFunc
	OnStderr LineFunc

	// RestartOnExit relaunches the identical command after the backoff
	// whenever the process exits on its own. Never applies after an
	// explicit Stop or once StopAll has been signaled.
	RestartOnExit bool

	// KillTree marks programs that fork helpers; StopAll uses StopTree
	// for them.
	KillTree bool
}

// Info is a point-in-time snapshot of a tracked process.
type Info struct {
	Name       string
	PID        int
	StartedAt  time.Time
	Uptime     time.Duration
	Running    bool
	CPUPercent float64
	RSSBytes   uint64
}

type managed struct {
	opts      StartOptions
	cmd       *exec.Cmd
	startedAt time.Time
	readers   sync.WaitGroup
	done      chan struct{} // closed once the process is reaped
	stopped   atomic.Bool   // explicit stop requested; suppresses restart
}

type Supervisor struct {
	mu    sync.Mutex
	procs map[string]*managed

	wg           sync.WaitGroup
	shutdown     chan struct{}
	shutdownOnce sync.Once

	restartBackoff time.Duration
	log            *zap.SugaredLogger
}

func NewSupervisor(log *zap.Logger, restartBackoff time.Duration) *Supervisor {
	if restartBackoff <= 0 {
		restartBackoff = 3 * time.Second
	}
	return &Supervisor{
		procs:          map[string]*managed{},
		shutdown:       make(chan struct{}),
		restartBackoff: restartBackoff,
		log:            log.Sugar(),
	}
}

// Start launches the command. The returned error covers the launch only;
// later exits are observed by the monitor goroutine.
func (s *Supervisor) Start(opts StartOptions) error {
	if opts.Name == "" || len(opts.Command) == 0 {
		return fmt.Errorf("proc: name and command are required")
	}
	if s.isShutdown() {
		return fmt.Errorf("proc: supervisor is shut down")
	}

	s.mu.Lock()
	if _, exists := s.procs[opts.Name]; exists {
		s.mu.Unlock()
		return errdefs.AlreadyRunning(opts.Name)
	}

	cmd := exec.Command(opts.Command[0], opts.Command[1:]...)
	cmd.Dir = opts.Dir
	cmd.Env = opts.Env
	cmd.Stdin = nil
	cmd.SysProcAttr = sysProcAttr()

	rec := &managed{
		opts: opts,
		cmd:  cmd,
		done: make(chan struct{}),
	}

	var stdout, stderr io.ReadCloser
	var err error
	if opts.OnStdout != nil {
		if stdout, err = cmd.StdoutPipe(); err != nil {
			s.mu.Unlock()
			return errdefs.ProcessLaunchFailed(opts.Name, err)
		}
	}
	if opts.OnStderr != nil {
		if stderr, err = cmd.StderrPipe(); err != nil {
			s.mu.Unlock()
			return errdefs.ProcessLaunchFailed(opts.Name, err)
		}
	}

	if err := cmd.Start(); err != nil {
		s.mu.Unlock()
		return errdefs.ProcessLaunchFailed(opts.Name, err)
	}
	rec.startedAt = time.Now()
	s.procs[opts.Name] = rec
	s.mu.Unlock()

	s.log.Debugw("process started", "name", opts.Name, "pid", cmd.Process.Pid)

	if stdout != nil {
		rec.readers.Add(1)
		s.wg.Add(1)
		go s.drain(rec, stdout, opts.OnStdout)
	}
	if stderr != nil {
		rec.readers.Add(1)
		s.wg.Add(1)
		go s.drain(rec, stderr, opts.OnStderr)
	}

	s.wg.Add(1)
	go s.monitor(rec)
	return nil
}

func (s *Supervisor) drain(rec *managed, r io.ReadCloser, fn LineFunc) {
	defer s.wg.Done()
	defer rec.readers.Done()

	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		s.log.Debugw("output stream closed", "name", rec.opts.Name, "error", err)
	}
}

// monitor reaps the process, removes the tracking record, and applies the
// restart policy.
func (s *Supervisor) monitor(rec *managed) {
	defer s.wg.Done()

	// Wait must not run before the pipe readers have seen EOF.
	rec.readers.Wait()
	err := rec.cmd.Wait()
	close(rec.done)

	s.mu.Lock()
	if cur, ok := s.procs[rec.opts.Name]; ok && cur == rec {
		delete(s.procs, rec.opts.Name)
	}
	s.mu.Unlock()

	if err != nil {
		s.log.Warnw("process exited abnormally", "name", rec.opts.Name, "error", err)
	} else {
		s.log.Debugw("process exited", "name", rec.opts.Name)
	}

	if !rec.opts.RestartOnExit || rec.stopped.Load() || s.isShutdown() {
		return
	}

	select {
	case <-time.After(s.restartBackoff):
	case <-s.shutdown:
		return
	}
	s.log.Infow("restarting process", "name", rec.opts.Name)
	if err := s.Start(rec.opts); err != nil {
		s.log.Errorw("restart failed", "name", rec.opts.Name, "error", err)
	}
}

// Stop terminates the process gracefully, force-killing after the timeout.
// The tracking record is removed either way.
func (s *Supervisor) Stop(name string, timeout time.Duration) error {
	rec, err := s.take(name)
	if err != nil {
		return err
	}

	if err := terminate(rec.cmd.Process); err != nil {
		s.log.Debugw("terminate signal failed", "name", name, "error", err)
	}
	s.awaitOrKill(rec, timeout)
	return nil
}

// StopTree terminates the process and all of its descendants. Anything
// still alive after the timeout is force-killed individually.
func (s *Supervisor) StopTree(name string, timeout time.Duration) error {
	rec, err := s.take(name)
	if err != nil {
		return err
	}

	pid := int32(rec.cmd.Process.Pid)
	descendants := collectDescendants(pid)

	for _, child := range descendants {
		if err := child.Terminate(); err != nil {
			s.log.Debugw("terminating child failed", "name", name, "pid", child.Pid, "error", err)
		}
	}
	if err := terminate(rec.cmd.Process); err != nil {
		s.log.Debugw("terminate signal failed", "name", name, "error", err)
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !anyAlive(rec, descendants) {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	for _, child := range descendants {
		if alive, _ := child.IsRunning(); alive {
			s.log.Warnw("force-killing child", "name", name, "pid", child.Pid)
			_ = child.Kill()
		}
	}
	s.awaitOrKill(rec, 0)
	return nil
}

// take removes the record from the table, marking it explicitly stopped so
// the monitor will not restart it.
func (s *Supervisor) take(name string) (*managed, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.procs[name]
	if !ok {
		return nil, errdefs.NotFound(name)
	}
	rec.stopped.Store(true)
	delete(s.procs, name)
	return rec, nil
}

func (s *Supervisor) awaitOrKill(rec *managed, grace time.Duration) {
	if grace > 0 {
		select {
		case <-rec.done:
			return
		case <-time.After(grace):
		}
	} else {
		select {
		case <-rec.done:
			return
		default:
		}
	}

	s.log.Warnw("process unresponsive, killing", "name", rec.opts.Name)
	_ = rec.cmd.Process.Kill()
	select {
	case <-rec.done:
	case <-time.After(2 * time.Second):
		s.log.Errorw("process did not exit after kill", "name", rec.opts.Name)
	}
}

func (s *Supervisor) IsRunning(name string) bool {
	s.mu.Lock()
	rec, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case <-rec.done:
		return false
	default:
		return true
	}
}

// Names lists all tracked processes.
func (s *Supervisor) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.procs))
	for name := range s.procs {
		out = append(out, name)
	}
	return out
}

// Info reports a liveness and resource snapshot for a tracked process.
func (s *Supervisor) Info(name string) (Info, bool) {
	s.mu.Lock()
	rec, ok := s.procs[name]
	s.mu.Unlock()
	if !ok {
		return Info{}, false
	}

	info := Info{
		Name:      name,
		PID:       rec.cmd.Process.Pid,
		StartedAt: rec.startedAt,
		Uptime:    time.Since(rec.startedAt),
		Running:   s.IsRunning(name),
	}
	if p, err := process.NewProcess(int32(info.PID)); err == nil {
		if cpu, err := p.CPUPercent(); err == nil {
			info.CPUPercent = cpu
		}
		if mem, err := p.MemoryInfo(); err == nil && mem != nil {
			info.RSSBytes = mem.RSS
		}
	}
	return info, true
}

// StopAll shuts the supervisor down: no restarts after this point. It stops
// every tracked process (as a tree where the start options asked for it)
// and blocks until all monitor and reader goroutines have quiesced, so no
// orphaned processes remain once it returns.
func (s *Supervisor) StopAll(timeout time.Duration) {
	s.shutdownOnce.Do(func() { close(s.shutdown) })

	s.mu.Lock()
	type target struct {
		name string
		tree bool
	}
	targets := make([]target, 0, len(s.procs))
	for name, rec := range s.procs {
		targets = append(targets, target{name, rec.opts.KillTree})
	}
	s.mu.Unlock()

	for _, t := range targets {
		var err error
		if t.tree {
			err = s.StopTree(t.name, timeout)
		} else {
			err = s.Stop(t.name, timeout)
		}
		if err != nil && !errdefs.IsKind(err, errdefs.KindNotFound) {
			s.log.Errorw("stopping process failed", "name", t.name, "error", err)
		}
	}

	s.wg.Wait()
	s.log.Debug("all supervised processes stopped")
}

func (s *Supervisor) isShutdown() bool {
	select {
	case <-s.shutdown:
		return true
	default:
		return false
	}
}

// collectDescendants walks the child tree breadth-first. gopsutil's
// Children is a single level, so recursion is done here.
func collectDescendants(pid int32) []*process.Process {
	root, err := process.NewProcess(pid)
	if err != nil {
		return nil
	}
	var out []*process.Process
	queue := []*process.Process{root}
	for len(queue) > 0 {
		p := queue[0]
		queue = queue[1:]
		children, err := p.Children()
		if err != nil {
			continue
		}
		out = append(out, children...)
		queue = append(queue, children...)
	}
	return out
}

func anyAlive(rec *managed, descendants []*process.Process) bool {
	select {
	case <-rec.done:
	default:
		return true
	}
	for _, p := range descendants {
		if alive, _ := p.IsRunning(); alive {
			return true
		}
	}
	return false
}
