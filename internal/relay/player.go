package relay

import (
	"time"

	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/proc"
)

// playerCommonArgs apply to both playback roles.
var playerCommonArgs = []string{
	"--cache=yes",
	"--cache-secs=300",
	"--hwdec=auto",
	"--video-sync=audio",
	"--force-window=yes",
	"--network-timeout=60",
}

// Player launches the external playback program against a stream endpoint.
type Player struct {
	sup  *proc.Supervisor
	path string
	name string
	log  *zap.SugaredLogger
}

func NewPlayer(sup *proc.Supervisor, path, name string, log *zap.Logger) *Player {
	return &Player{sup: sup, path: path, name: name, log: log.Sugar()}
}

// PlayEndpoint connects the player to a viewer's SRT stream endpoint.
func (p *Player) PlayEndpoint(host string, port, latencyMS int) error {
	return p.start(SRTCallURL(host, port, latencyMS), "--title=screenroom viewer")
}

// PlayLocal plays the intermediate distribution stream, for the host's own
// monitor view.
func (p *Player) PlayLocal(rtmpPort int) error {
	return p.start(RTMPURL(rtmpPort), "--title=screenroom host")
}

func (p *Player) start(url string, extra ...string) error {
	args := append([]string{}, playerCommonArgs...)
	args = append(args, extra...)
	args = append(args, url)

	err := p.sup.Start(proc.StartOptions{
		Name:    p.name,
		Command: append([]string{p.path}, args...),
		OnStderr: func(line string) {
			p.log.Debugw("player output", "name", p.name, "line", line)
		},
		RestartOnExit: false,
	})
	if err != nil {
		return err
	}
	p.log.Infow("player started", "name", p.name, "url", url)
	return nil
}

func (p *Player) Stop(timeout time.Duration) error {
	return p.sup.Stop(p.name, timeout)
}

func (p *Player) Running() bool {
	return p.sup.IsRunning(p.name)
}
