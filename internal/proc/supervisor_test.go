package proc

import (
	"os/exec"
	"sync"
	"testing"
	"time"

	"github.com/shirou/gopsutil/v3/process"
	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/errdefs"
)

func requireSh(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func newTestSupervisor(t *testing.T, backoff time.Duration) *Supervisor {
	t.Helper()
	s := NewSupervisor(zap.NewNop(), backoff)
	t.Cleanup(func() { s.StopAll(2 * time.Second) })
	return s
}

// waitFor polls cond until it holds or the deadline passes.
func waitFor(t *testing.T, d time.Duration, cond func() bool) bool {
	t.Helper()
	deadline := time.Now().Add(d)
	for time.Now().Before(deadline) {
		if cond() {
			return true
		}
		time.Sleep(10 * time.Millisecond)
	}
	return cond()
}

func TestStart_CapturesStdout(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	var mu sync.Mutex
	var lines []string
	err := s.Start(StartOptions{
		Name:    "echoer",
		Command: []string{"sh", "-c", "echo hello; echo world"},
		OnStdout: func(line string) {
			mu.Lock()
			lines = append(lines, line)
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ok := waitFor(t, 2*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(lines) == 2
	})
	if !ok {
		t.Fatalf("lines = %v, want [hello world]", lines)
	}
	mu.Lock()
	defer mu.Unlock()
	if lines[0] != "hello" || lines[1] != "world" {
		t.Errorf("lines = %v", lines)
	}
}

func TestStart_CapturesStderr(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	got := make(chan string, 1)
	err := s.Start(StartOptions{
		Name:     "errer",
		Command:  []string{"sh", "-c", "echo oops >&2"},
		OnStderr: func(line string) { got <- line },
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	select {
	case line := <-got:
		if line != "oops" {
			t.Errorf("stderr line = %q, want %q", line, "oops")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("no stderr line received")
	}
}

func TestStart_DuplicateName(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	opts := StartOptions{Name: "sleeper", Command: []string{"sh", "-c", "sleep 10"}}
	if err := s.Start(opts); err != nil {
		t.Fatalf("first Start() error = %v", err)
	}
	err := s.Start(opts)
	if !errdefs.IsKind(err, errdefs.KindAlreadyRunning) {
		t.Errorf("second Start() error = %v, want KindAlreadyRunning", err)
	}
}

func TestStart_LaunchFailure(t *testing.T) {
	s := newTestSupervisor(t, time.Second)

	err := s.Start(StartOptions{
		Name:    "missing",
		Command: []string{"/nonexistent/binary-for-test"},
	})
	if !errdefs.IsKind(err, errdefs.KindProcessLaunchFailed) {
		t.Errorf("Start() error = %v, want KindProcessLaunchFailed", err)
	}
	if s.IsRunning("missing") {
		t.Error("failed launch left a tracked process behind")
	}
}

func TestStop_TerminatesProcess(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	if err := s.Start(StartOptions{Name: "sleeper", Command: []string{"sh", "-c", "sleep 30"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !s.IsRunning("sleeper") {
		t.Fatal("IsRunning = false right after Start")
	}

	if err := s.Stop("sleeper", 2*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if s.IsRunning("sleeper") {
		t.Error("IsRunning = true after Stop")
	}
}

func TestStop_Unknown(t *testing.T) {
	s := newTestSupervisor(t, time.Second)
	if err := s.Stop("ghost", time.Second); !errdefs.IsKind(err, errdefs.KindNotFound) {
		t.Errorf("Stop(ghost) error = %v, want KindNotFound", err)
	}
}

func TestRestartOnExit_Relaunches(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, 20*time.Millisecond)

	var mu sync.Mutex
	starts := 0
	err := s.Start(StartOptions{
		Name:          "flapper",
		Command:       []string{"sh", "-c", "echo up"},
		RestartOnExit: true,
		OnStdout: func(string) {
			mu.Lock()
			starts++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	ok := waitFor(t, 3*time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return starts >= 2
	})
	if !ok {
		t.Errorf("process was not relaunched: starts = %d", starts)
	}
}

func TestNoRestart_WhenDisabled(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, 20*time.Millisecond)

	var mu sync.Mutex
	runs := 0
	err := s.Start(StartOptions{
		Name:    "oneshot",
		Command: []string{"sh", "-c", "echo ran"},
		OnStdout: func(string) {
			mu.Lock()
			runs++
			mu.Unlock()
		},
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	waitFor(t, time.Second, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return runs >= 1
	})
	// Several backoff windows later it must still have run exactly once.
	time.Sleep(150 * time.Millisecond)
	mu.Lock()
	defer mu.Unlock()
	if runs != 1 {
		t.Errorf("runs = %d, want 1", runs)
	}
}

func TestRestartOnExit_SuppressedByStop(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, 20*time.Millisecond)

	err := s.Start(StartOptions{
		Name:          "stopped",
		Command:       []string{"sh", "-c", "sleep 30"},
		RestartOnExit: true,
	})
	if err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if err := s.Stop("stopped", 2*time.Second); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}

	// Give a would-be restart several backoff windows to show up.
	time.Sleep(150 * time.Millisecond)
	if s.IsRunning("stopped") {
		t.Error("process restarted after explicit Stop")
	}
}

// forkingCommand spawns two long-lived children under a shell parent.
var forkingCommand = []string{"sh", "-c", "sleep 300 & sleep 300 & wait"}

// descendants waits until the process tree under name has grown to at
// least n children and returns their pids.
func descendants(t *testing.T, s *Supervisor, name string, n int) []int32 {
	t.Helper()
	info, ok := s.Info(name)
	if !ok {
		t.Fatalf("Info(%s) reported not found", name)
	}
	var pids []int32
	ok = waitFor(t, 3*time.Second, func() bool {
		pids = pids[:0]
		for _, p := range collectDescendants(int32(info.PID)) {
			pids = append(pids, p.Pid)
		}
		return len(pids) >= n
	})
	if !ok {
		t.Fatalf("process tree never grew: %d descendants", len(pids))
	}
	return pids
}

func assertDead(t *testing.T, pids []int32) {
	t.Helper()
	ok := waitFor(t, 3*time.Second, func() bool {
		for _, pid := range pids {
			p, err := process.NewProcess(pid)
			if err != nil {
				continue
			}
			if alive, _ := p.IsRunning(); alive {
				return false
			}
		}
		return true
	})
	if !ok {
		t.Errorf("descendants survived termination: %v", pids)
	}
}

func TestStopTree_KillsDescendants(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	if err := s.Start(StartOptions{Name: "forker", Command: forkingCommand, KillTree: true}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	pids := descendants(t, s, "forker", 2)

	if err := s.StopTree("forker", 3*time.Second); err != nil {
		t.Fatalf("StopTree() error = %v", err)
	}
	if s.IsRunning("forker") {
		t.Error("IsRunning = true after StopTree")
	}
	assertDead(t, pids)
}

func TestStopAll_UsesTreeStopForMarkedProcesses(t *testing.T) {
	requireSh(t)
	s := NewSupervisor(zap.NewNop(), time.Second)

	if err := s.Start(StartOptions{Name: "forker", Command: forkingCommand, KillTree: true}); err != nil {
		t.Fatalf("Start(forker) error = %v", err)
	}
	if err := s.Start(StartOptions{Name: "plain", Command: []string{"sh", "-c", "sleep 300"}}); err != nil {
		t.Fatalf("Start(plain) error = %v", err)
	}
	pids := descendants(t, s, "forker", 2)

	s.StopAll(3 * time.Second)

	if names := s.Names(); len(names) != 0 {
		t.Errorf("Names() after StopAll = %v, want empty", names)
	}
	assertDead(t, pids)
}

func TestStopAll_QuiescesEverything(t *testing.T) {
	requireSh(t)
	s := NewSupervisor(zap.NewNop(), 20*time.Millisecond)

	for _, name := range []string{"a", "b", "c"} {
		err := s.Start(StartOptions{
			Name:          name,
			Command:       []string{"sh", "-c", "sleep 30"},
			RestartOnExit: true,
		})
		if err != nil {
			t.Fatalf("Start(%s) error = %v", name, err)
		}
	}

	done := make(chan struct{})
	go func() {
		s.StopAll(3 * time.Second)
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("StopAll did not return")
	}

	if names := s.Names(); len(names) != 0 {
		t.Errorf("Names() after StopAll = %v, want empty", names)
	}

	// New launches after shutdown are refused.
	if err := s.Start(StartOptions{Name: "late", Command: []string{"sh", "-c", "true"}}); err == nil {
		t.Error("Start after StopAll succeeded")
	}
}

func TestInfo_RunningProcess(t *testing.T) {
	requireSh(t)
	s := newTestSupervisor(t, time.Second)

	if err := s.Start(StartOptions{Name: "sleeper", Command: []string{"sh", "-c", "sleep 30"}}); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	info, ok := s.Info("sleeper")
	if !ok {
		t.Fatal("Info() reported not found")
	}
	if info.Name != "sleeper" || info.PID <= 0 || !info.Running {
		t.Errorf("Info() = %+v", info)
	}

	if _, ok := s.Info("ghost"); ok {
		t.Error("Info(ghost) reported found")
	}
}
