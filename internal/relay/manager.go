// Package relay builds the launch contracts for the external media
// collaborators: the ffmpeg relays bridging SRT and the intermediate RTMP
// distribution stream, the RTMP stream server, and the player. The media
// itself is never interpreted here.
package relay

import (
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/errdefs"
	"github.com/screenroom/backend/internal/netutil"
	"github.com/screenroom/backend/internal/proc"
)

// commonArgs keep ffmpeg quiet except for progress stats on stderr.
var commonArgs = []string{"-hide_banner", "-loglevel", "warning", "-stats", "-nostdin"}

// Stats is the last progress snapshot parsed from a relay's stderr.
type Stats struct {
	FPS      float64
	Bitrate  string
	Progress string
}

type Config struct {
	FFmpegPath    string
	BindIP        string // listener bind for SRT legs, usually 0.0.0.0
	RTMPPort      int    // intermediate distribution stream
	IngestLatency int    // ms
	ViewerLatency int    // ms
	StopTimeout   time.Duration
}

// Manager owns the ffmpeg relay processes. One ingest relay feeds the
// distribution stream; one relay per authenticated viewer feeds that
// viewer's SRT endpoint.
type Manager struct {
	sup *proc.Supervisor
	cfg Config
	log *zap.SugaredLogger

	mu    sync.Mutex
	stats map[string]Stats
}

func NewManager(sup *proc.Supervisor, cfg Config, log *zap.Logger) *Manager {
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = 5 * time.Second
	}
	return &Manager{
		sup:   sup,
		cfg:   cfg,
		log:   log.Sugar(),
		stats: map[string]Stats{},
	}
}

// RTMPURL is the intermediate distribution stream address on the loopback.
func RTMPURL(port int) string {
	return fmt.Sprintf("rtmp://127.0.0.1:%d/live/stream", port)
}

// SRTListenURL builds a listener-mode SRT endpoint with the given latency.
func SRTListenURL(host string, port, latencyMS int) string {
	return fmt.Sprintf("srt://%s?mode=listener&latency=%d", netutil.HostPort(host, port), latencyMS)
}

// SRTCallURL builds a caller-mode SRT address for a playback collaborator.
func SRTCallURL(host string, port, latencyMS int) string {
	return fmt.Sprintf("srt://%s?mode=caller&latency=%d", netutil.HostPort(host, port), latencyMS)
}

// StartIngest launches the SRT->RTMP relay that receives the host's
// encoder output and feeds the distribution stream. The SRT leg drops when
// the encoder disconnects, so the relay restarts automatically.
func (m *Manager) StartIngest(srtPort int) error {
	name := fmt.Sprintf("ingest_%d", srtPort)

	args := append([]string{}, commonArgs...)
	args = append(args,
		"-analyzeduration", "10000000",
		"-probesize", "10000000",
		"-fflags", "+genpts",
		"-i", SRTListenURL(m.cfg.BindIP, srtPort, m.cfg.IngestLatency),
		"-c", "copy",
		"-f", "flv",
		"-flvflags", "no_duration_filesize",
		RTMPURL(m.cfg.RTMPPort),
	)

	err := m.sup.Start(proc.StartOptions{
		Name:          name,
		Command:       append([]string{m.cfg.FFmpegPath}, args...),
		OnStderr:      m.lineHandler(name),
		RestartOnExit: true,
	})
	if err != nil {
		return err
	}
	m.log.Infow("ingest relay started", "name", name, "srt_port", srtPort)
	return nil
}

// StartViewerRelay launches the RTMP->SRT relay dedicated to one viewer.
// Viewer relays are torn down on disconnect, never restarted.
func (m *Manager) StartViewerRelay(nickname string, port int) error {
	name := viewerRelayName(nickname, port)

	args := append([]string{}, commonArgs...)
	args = append(args,
		"-analyzeduration", "5000000",
		"-probesize", "5000000",
		"-fflags", "+genpts",
		"-re",
		"-i", RTMPURL(m.cfg.RTMPPort),
		"-c", "copy",
		"-f", "mpegts",
		SRTListenURL(m.cfg.BindIP, port, m.cfg.ViewerLatency),
	)

	err := m.sup.Start(proc.StartOptions{
		Name:          name,
		Command:       append([]string{m.cfg.FFmpegPath}, args...),
		OnStderr:      m.lineHandler(name),
		RestartOnExit: false,
	})
	if err != nil {
		return err
	}
	m.log.Infow("viewer relay started", "name", name, "srt_port", port)
	return nil
}

// StopViewerRelay tears down a viewer's relay. A relay that already exited
// on its own is not an error.
func (m *Manager) StopViewerRelay(nickname string, port int) {
	name := viewerRelayName(nickname, port)
	if err := m.sup.Stop(name, m.cfg.StopTimeout); err != nil {
		if !errdefs.IsKind(err, errdefs.KindNotFound) {
			m.log.Errorw("stopping viewer relay failed", "name", name, "error", err)
		}
		return
	}

	m.mu.Lock()
	delete(m.stats, name)
	m.mu.Unlock()
	m.log.Infow("viewer relay stopped", "name", name)
}

// Stats returns the last parsed progress snapshot for a relay.
func (m *Manager) Stats(nickname string, port int) (Stats, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st, ok := m.stats[viewerRelayName(nickname, port)]
	return st, ok
}

func viewerRelayName(nickname string, port int) string {
	return fmt.Sprintf("viewer_%s_%d", nickname, port)
}

// lineHandler routes ffmpeg stderr: progress lines update the stats
// snapshot, connection failures get an error log, everything else debug.
func (m *Manager) lineHandler(name string) proc.LineFunc {
	return func(line string) {
		if strings.Contains(line, "fps=") || strings.Contains(line, "bitrate=") {
			m.recordStats(name, line)
			return
		}
		lower := strings.ToLower(line)
		switch {
		case strings.Contains(line, "Connection refused") || strings.Contains(line, "Connection reset"):
			m.log.Errorw("relay lost its peer", "name", name, "line", line)
		case strings.Contains(lower, "error") || strings.Contains(lower, "failed"):
			m.log.Errorw("relay error", "name", name, "line", line)
		default:
			m.log.Debugw("relay output", "name", name, "line", line)
		}
	}
}

func (m *Manager) recordStats(name, line string) {
	st := Stats{}
	if v, ok := fieldAfter(line, "fps="); ok {
		fmt.Sscanf(v, "%f", &st.FPS)
	}
	if v, ok := fieldAfter(line, "bitrate="); ok {
		st.Bitrate = v
	}
	if v, ok := fieldAfter(line, "time="); ok {
		st.Progress = v
	}
	m.mu.Lock()
	m.stats[name] = st
	m.mu.Unlock()
}

// fieldAfter extracts the whitespace-delimited token following a key like
// "fps=" in an ffmpeg progress line.
func fieldAfter(line, key string) (string, bool) {
	i := strings.Index(line, key)
	if i < 0 {
		return "", false
	}
	rest := strings.TrimLeft(line[i+len(key):], " ")
	if j := strings.IndexByte(rest, ' '); j >= 0 {
		rest = rest[:j]
	}
	if rest == "" {
		return "", false
	}
	return rest, true
}
