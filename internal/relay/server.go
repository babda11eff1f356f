package relay

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/proc"
)

const streamServerName = "stream-server"

// StreamServer manages the RTMP server that carries the intermediate
// distribution stream. The server forks worker processes, so teardown
// always goes through the supervisor's tree stop.
type StreamServer struct {
	sup  *proc.Supervisor
	path string
	port int
	log  *zap.SugaredLogger
}

func NewStreamServer(sup *proc.Supervisor, path string, rtmpPort int, log *zap.Logger) *StreamServer {
	return &StreamServer{sup: sup, path: path, port: rtmpPort, log: log.Sugar()}
}

func (s *StreamServer) Start() error {
	err := s.sup.Start(proc.StartOptions{
		Name: streamServerName,
		// The server resolves its config and logs relative to its own
		// directory.
		Dir:      filepath.Dir(s.path),
		Command:  []string{s.path},
		OnStdout: s.handleLine,
		OnStderr: s.handleLine,
		KillTree: true,
	})
	if err != nil {
		return err
	}

	// Some servers exit immediately on a config error; give it a moment
	// and confirm it stayed up.
	time.Sleep(time.Second)
	if !s.sup.IsRunning(streamServerName) {
		return fmt.Errorf("stream server exited right after start")
	}
	s.log.Infow("stream server started", "rtmp_port", s.port)
	return nil
}

func (s *StreamServer) Stop(timeout time.Duration) error {
	return s.sup.StopTree(streamServerName, timeout)
}

func (s *StreamServer) Running() bool {
	return s.sup.IsRunning(streamServerName)
}

// handleLine classifies server output; the RTMP servers in use write
// routine notices to stderr as well.
func (s *StreamServer) handleLine(line string) {
	lower := strings.ToLower(line)
	switch {
	case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
		s.log.Errorw("stream server error", "line", line)
	case strings.Contains(lower, "warn"):
		s.log.Warnw("stream server warning", "line", line)
	default:
		s.log.Debugw("stream server output", "line", line)
	}
}
