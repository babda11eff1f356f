package ws

import (
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/screenroom/backend/internal/errdefs"
	"github.com/screenroom/backend/internal/metrics"
	"github.com/screenroom/backend/internal/session"
)

// RelayStarter provisions and tears down the dedicated relay process behind
// a viewer's stream endpoint.
type RelayStarter interface {
	StartViewerRelay(nickname string, port int) error
	StopViewerRelay(nickname string, port int)
}

// PortFinder probes for a free stream port. Implemented by
// netutil.Allocator.
type PortFinder interface {
	Find(start, attempts int) (int, error)
}

type CoordinatorConfig struct {
	VerificationCode string
	HostNickname     string
	// AdvertiseIP is the address viewers are told to dial for media.
	AdvertiseIP  string
	SRTBasePort  int
	PortAttempts int

	ChatRatePerSec float64
	ChatBurst      int
}

// Coordinator is the host-side signaling server. It owns the roster, runs
// the per-connection auth state machine, provisions one relay + port per
// authenticated viewer, and fans out chat and membership updates.
type Coordinator struct {
	cfg    CoordinatorConfig
	roster *session.Roster
	relays RelayStarter
	ports  PortFinder
	events CoordinatorEvents
	stats  *metrics.Collector // optional
	log    *zap.SugaredLogger

	upgrader websocket.Upgrader

	mu    sync.RWMutex
	peers map[string]*peer

	// authMu serializes the resolve-allocate-launch-commit sequence so a
	// failure rolls back without leaving partially committed state.
	authMu sync.Mutex

	closed    atomic.Bool
	closeOnce sync.Once
}

func NewCoordinator(cfg CoordinatorConfig, relays RelayStarter, ports PortFinder, events CoordinatorEvents, stats *metrics.Collector, log *zap.Logger) *Coordinator {
	if cfg.PortAttempts <= 0 {
		cfg.PortAttempts = 100
	}
	if cfg.ChatRatePerSec <= 0 {
		cfg.ChatRatePerSec = 5
	}
	if cfg.ChatBurst <= 0 {
		cfg.ChatBurst = 10
	}
	return &Coordinator{
		cfg:    cfg,
		roster: session.NewRoster(cfg.HostNickname, cfg.SRTBasePort),
		relays: relays,
		ports:  ports,
		events: events,
		stats:  stats,
		log:    log.Sugar(),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			// Viewers are standalone programs, not browsers.
			CheckOrigin: func(*http.Request) bool { return true },
		},
		peers: map[string]*peer{},
	}
}

// peer couples a websocket connection with its outbound queue. The
// writePump goroutine is the only writer on the connection; fan-out to one
// slow peer never blocks the others.
type peer struct {
	id      string
	conn    *websocket.Conn
	send    chan []byte
	limiter *rate.Limiter
	once    sync.Once
}

func (p *peer) writePump() {
	defer p.conn.Close()
	for msg := range p.send {
		if err := p.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (p *peer) close() {
	p.once.Do(func() { close(p.send) })
}

// HandleWS is the /ws endpoint. It runs the connection's read loop until
// the transport closes, then cleans up.
func (c *Coordinator) HandleWS(w http.ResponseWriter, r *http.Request) {
	if c.closed.Load() {
		http.Error(w, "session closed", http.StatusServiceUnavailable)
		return
	}

	conn, err := c.upgrader.Upgrade(w, r, nil)
	if err != nil {
		c.log.Errorw("websocket upgrade failed", "error", err)
		return
	}

	p := &peer{
		id:      uuid.NewString(),
		conn:    conn,
		send:    make(chan []byte, 64),
		limiter: rate.NewLimiter(rate.Limit(c.cfg.ChatRatePerSec), c.cfg.ChatBurst),
	}
	go p.writePump()

	c.mu.Lock()
	c.peers[p.id] = p
	c.mu.Unlock()
	c.roster.Track(p.id)

	c.log.Infow("viewer connected", "conn", p.id, "remote", r.RemoteAddr)

	defer c.dropPeer(p)
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.log.Infow("viewer transport error", "conn", p.id, "error", err)
			}
			return
		}
		c.handleFrame(p, data)
	}
}

func (c *Coordinator) handleFrame(p *peer, data []byte) {
	msg, err := Decode(data)
	if err != nil {
		// Protocol violations get an error reply but the connection
		// stays open.
		c.log.Warnw("bad frame", "conn", p.id, "error", err)
		c.sendError(p, errdefs.UserMessage(err))
		return
	}

	rec, _ := c.roster.Get(p.id)
	if !rec.Authenticated {
		auth, ok := msg.(*AuthRequest)
		if !ok {
			c.sendError(p, "authentication required")
			return
		}
		c.handleAuth(p, auth)
		return
	}

	switch m := msg.(type) {
	case *Chat:
		c.handleChat(p, rec, m)
	case *Heartbeat:
		c.sendJSON(p, Heartbeat{Type: MsgHeartbeat})
	default:
		c.log.Warnw("unexpected message from authenticated viewer", "conn", p.id)
	}
}

// handleAuth runs the full join sequence. Nickname and port become visible
// to the rest of the session only after the relay launched; any failure
// before that point commits nothing.
func (c *Coordinator) handleAuth(p *peer, auth *AuthRequest) {
	if auth.Code != c.cfg.VerificationCode {
		if c.stats != nil {
			c.stats.AuthFailuresTotal.Inc()
		}
		c.log.Warnw("authentication rejected", "conn", p.id, "nickname", auth.Nickname)
		c.sendJSON(p, AuthFailed{Type: MsgAuthFailed, Message: errdefs.UserMessage(errdefs.AuthFailed("bad code"))})
		p.conn.Close()
		return
	}

	c.authMu.Lock()
	port, err := c.ports.Find(c.roster.PortCursor(), c.cfg.PortAttempts)
	if err != nil {
		c.authMu.Unlock()
		if c.stats != nil {
			c.stats.PortAllocFailures.Inc()
		}
		c.log.Errorw("port allocation failed", "conn", p.id, "error", err)
		c.sendError(p, errdefs.UserMessage(err))
		p.conn.Close()
		return
	}
	// The cursor only moves forward: a port is never re-probed in this
	// session even if the join fails past this point.
	c.roster.AdvanceCursor(port)

	assigned := c.roster.ResolveNickname(auth.Nickname)
	if err := c.relays.StartViewerRelay(assigned, port); err != nil {
		c.authMu.Unlock()
		if c.stats != nil {
			c.stats.RelayLaunchFailures.Inc()
		}
		c.log.Errorw("viewer relay launch failed", "conn", p.id, "error", err)
		c.sendError(p, errdefs.UserMessage(errdefs.ProcessLaunchFailed(assigned, err)))
		p.conn.Close()
		return
	}

	if err := c.roster.Commit(p.id, assigned, port); err != nil {
		// The connection dropped while we were provisioning.
		c.authMu.Unlock()
		c.relays.StopViewerRelay(assigned, port)
		c.log.Warnw("auth commit failed", "conn", p.id, "error", err)
		return
	}
	c.authMu.Unlock()

	if c.stats != nil {
		c.stats.ViewersConnected.Inc()
	}
	c.log.Infow("viewer authenticated", "conn", p.id, "nickname", assigned, "srt_port", port)

	c.sendJSON(p, AuthSuccess{
		Type:     MsgAuthSuccess,
		Nickname: assigned,
		SRTPort:  port,
		ServerIP: c.cfg.AdvertiseIP,
	})
	c.broadcastExcept(p.id, SystemNotice{
		Type:     MsgJoin,
		Nickname: assigned,
		Message:  assigned + " joined the room",
	})
	c.sendJSON(p, MemberList{Type: MsgMembers, Members: c.roster.Members()})
	c.publishMembers()
}

func (c *Coordinator) handleChat(p *peer, rec session.Record, m *Chat) {
	if !p.limiter.Allow() {
		// Flood control, not an error: the message is dropped.
		c.log.Warnw("chat rate exceeded, dropping", "conn", p.id, "nickname", rec.Nickname)
		return
	}
	c.broadcastChat(rec.Nickname, m.Message)
}

// SendChat broadcasts a message originated by the host.
func (c *Coordinator) SendChat(message string) {
	c.broadcastChat(c.roster.HostNickname(), message)
}

func (c *Coordinator) broadcastChat(nickname, message string) {
	if c.stats != nil {
		c.stats.ChatMessagesTotal.Inc()
	}
	c.broadcast(Chat{
		Type:      MsgChat,
		Nickname:  nickname,
		Message:   message,
		Timestamp: time.Now().Format(time.RFC3339),
	})
	c.events.emitChat(nickname, message)
}

// Members returns the current roster, host first.
func (c *Coordinator) Members() []session.Member {
	return c.roster.Members()
}

func (c *Coordinator) publishMembers() {
	members := c.roster.Members()
	c.broadcast(MemberList{Type: MsgMembers, Members: members})
	c.events.emitMembers(members)
}

// dropPeer finalizes a closed connection: relay teardown, nickname and
// port release, leave notice.
func (c *Coordinator) dropPeer(p *peer) {
	// Closing the send channel under the same lock the senders hold keeps
	// a concurrent broadcast from writing to it afterwards.
	c.mu.Lock()
	if _, ok := c.peers[p.id]; !ok {
		c.mu.Unlock()
		return
	}
	delete(c.peers, p.id)
	p.close()
	c.mu.Unlock()

	rec, ok := c.roster.Release(p.id)
	if !ok {
		return
	}
	c.log.Infow("viewer disconnected", "conn", p.id, "nickname", rec.Nickname)

	if !rec.Authenticated {
		return
	}
	if c.stats != nil {
		c.stats.ViewersConnected.Dec()
	}
	c.relays.StopViewerRelay(rec.Nickname, rec.StreamPort)
	c.broadcast(SystemNotice{
		Type:     MsgLeave,
		Nickname: rec.Nickname,
		Message:  rec.Nickname + " left the room",
	})
	c.publishMembers()
}

// broadcast fans a message out to every authenticated viewer. Delivery per
// recipient is independent: a full queue is logged and skipped, never
// blocking the others.
func (c *Coordinator) broadcast(msg any) {
	c.broadcastExcept("", msg)
}

func (c *Coordinator) broadcastExcept(skipID string, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Errorw("broadcast marshal failed", "error", err)
		return
	}
	if c.stats != nil {
		c.stats.BroadcastsTotal.Inc()
	}

	// Enqueueing happens under the read lock: dropPeer closes a send
	// channel only while holding the write lock, so no send can race a
	// close. The sends are non-blocking, the lock is held only briefly.
	c.mu.RLock()
	defer c.mu.RUnlock()
	for id, p := range c.peers {
		if id == skipID {
			continue
		}
		rec, ok := c.roster.Get(id)
		if !ok || !rec.Authenticated {
			continue
		}
		select {
		case p.send <- data:
		default:
			c.log.Warnw("viewer send queue full, dropping broadcast", "conn", p.id)
		}
	}
}

func (c *Coordinator) sendJSON(p *peer, msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Errorw("marshal failed", "error", err)
		return
	}
	c.mu.RLock()
	defer c.mu.RUnlock()
	if _, ok := c.peers[p.id]; !ok {
		// Already dropped; its channel may be closed.
		return
	}
	select {
	case p.send <- data:
	default:
		c.log.Warnw("viewer send queue full, dropping message", "conn", p.id)
	}
}

func (c *Coordinator) sendError(p *peer, message string) {
	c.sendJSON(p, ErrorMessage{Type: MsgError, Message: message})
}

// Close shuts the coordinator down: every connection is closed, every
// viewer relay stopped, and further upgrades refused. Idempotent, and safe
// to call from an event callback.
func (c *Coordinator) Close() {
	c.closeOnce.Do(func() {
		c.closed.Store(true)

		c.mu.Lock()
		peers := make([]*peer, 0, len(c.peers))
		for _, p := range c.peers {
			peers = append(peers, p)
		}
		c.peers = map[string]*peer{}
		c.mu.Unlock()

		for _, p := range peers {
			if rec, ok := c.roster.Release(p.id); ok && rec.Authenticated {
				c.relays.StopViewerRelay(rec.Nickname, rec.StreamPort)
				if c.stats != nil {
					c.stats.ViewersConnected.Dec()
				}
			}
			p.close()
			p.conn.Close()
		}
		c.log.Info("coordinator closed")
	})
}
