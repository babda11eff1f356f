package ws

import (
	"encoding/json"
	"fmt"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/netutil"
)

type ClientConfig struct {
	Host             string // IPv4, IPv6 or hostname; brackets optional
	Port             int
	Nickname         string
	VerificationCode string

	// ReconnectInterval and MaxReconnectAttempts bound recovery from
	// transport failures. Credential rejections are never retried.
	ReconnectInterval    time.Duration
	MaxReconnectAttempts int
	HeartbeatInterval    time.Duration
	DialTimeout          time.Duration
}

// Client is the viewer-side signaling client. Connect starts its event
// loop; everything observable comes back through ClientEvents.
type Client struct {
	cfg    ClientConfig
	events ClientEvents
	log    *zap.SugaredLogger

	mu               sync.Mutex
	conn             *websocket.Conn
	out              chan []byte
	assignedNickname string
	streamPort       int
	serverIP         string

	running       atomic.Bool
	authenticated atomic.Bool
	authRejected  atomic.Bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

func NewClient(cfg ClientConfig, events ClientEvents, log *zap.Logger) *Client {
	if cfg.ReconnectInterval <= 0 {
		cfg.ReconnectInterval = 3 * time.Second
	}
	if cfg.MaxReconnectAttempts <= 0 {
		cfg.MaxReconnectAttempts = 5
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 30 * time.Second
	}
	if cfg.DialTimeout <= 0 {
		cfg.DialTimeout = 10 * time.Second
	}
	return &Client{
		cfg:    cfg,
		events: events,
		log:    log.Sugar(),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}
}

// Connect starts the client's connection loop and returns immediately;
// progress is reported through the event callbacks.
func (c *Client) Connect() error {
	if c.cfg.Host == "" || c.cfg.Nickname == "" {
		return fmt.Errorf("ws: host and nickname are required")
	}
	if c.running.Swap(true) {
		return fmt.Errorf("ws: client already started")
	}
	go c.run()
	return nil
}

// run is the client's event loop: dial, authenticate, receive until the
// transport drops, then apply the bounded reconnect policy. The initial
// dial is not counted against the reconnect budget; consecutive failures
// are, and a successful dial resets the count.
func (c *Client) run() {
	defer close(c.done)
	defer c.running.Store(false)

	failures := 0
	for {
		if c.stopped() {
			return
		}
		dialed := c.runOnce()
		if c.authRejected.Load() || c.stopped() {
			return
		}
		if dialed {
			failures = 0
		} else {
			failures++
			if failures > c.cfg.MaxReconnectAttempts {
				c.log.Errorw("reconnect budget exhausted", "attempts", c.cfg.MaxReconnectAttempts)
				c.events.emitError("unable to reach the session host")
				return
			}
		}

		c.log.Infow("reconnecting", "in", c.cfg.ReconnectInterval, "failures", failures)
		select {
		case <-time.After(c.cfg.ReconnectInterval):
		case <-c.stop:
			return
		}
	}
}

// runOnce performs one full connect-auth-receive cycle. It reports whether
// the dial itself succeeded.
func (c *Client) runOnce() bool {
	u := url.URL{Scheme: "ws", Host: netutil.HostPort(c.cfg.Host, c.cfg.Port)}
	dialer := websocket.Dialer{HandshakeTimeout: c.cfg.DialTimeout}

	conn, _, err := dialer.Dial(u.String(), nil)
	if err != nil {
		c.log.Warnw("dial failed", "url", u.String(), "error", err)
		return false
	}
	c.log.Infow("connected", "url", u.String())

	connDone := make(chan struct{})
	out := make(chan []byte, 64)
	c.mu.Lock()
	c.conn = conn
	c.out = out
	c.mu.Unlock()
	c.authenticated.Store(false)

	go c.writePump(conn, out, connDone)
	go c.heartbeatLoop(connDone)

	c.events.emitConnected()
	c.enqueue(AuthRequest{Type: MsgAuth, Code: c.cfg.VerificationCode, Nickname: c.cfg.Nickname})

	authSignaled := false
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			break
		}
		c.handleMessage(data, &authSignaled)
	}

	close(connDone)
	c.authenticated.Store(false)
	c.mu.Lock()
	c.conn = nil
	c.out = nil
	c.mu.Unlock()
	conn.Close()

	if !c.stopped() && !c.authRejected.Load() {
		c.log.Warn("transport closed")
		c.events.emitDisconnected()
	}
	return true
}

// writePump is the sole writer on the connection.
func (c *Client) writePump(conn *websocket.Conn, out chan []byte, connDone chan struct{}) {
	for {
		select {
		case msg := <-out:
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				conn.Close()
				return
			}
		case <-connDone:
			return
		case <-c.stop:
			conn.Close()
			return
		}
	}
}

func (c *Client) heartbeatLoop(connDone chan struct{}) {
	t := time.NewTicker(c.cfg.HeartbeatInterval)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			if c.authenticated.Load() {
				c.enqueue(Heartbeat{Type: MsgHeartbeat})
			}
		case <-connDone:
			return
		case <-c.stop:
			return
		}
	}
}

func (c *Client) handleMessage(data []byte, authSignaled *bool) {
	msg, err := Decode(data)
	if err != nil {
		// Never fatal on the client; log and move on.
		c.log.Warnw("ignoring bad frame", "error", err)
		return
	}

	switch m := msg.(type) {
	case *AuthSuccess:
		c.mu.Lock()
		c.assignedNickname = m.Nickname
		c.streamPort = m.SRTPort
		c.serverIP = m.ServerIP
		c.mu.Unlock()
		c.authenticated.Store(true)
		c.log.Infow("authenticated", "nickname", m.Nickname, "srt_port", m.SRTPort)
		if !*authSignaled {
			*authSignaled = true
			c.events.emitAuthenticated(m.ServerIP, m.SRTPort)
		}
	case *AuthFailed:
		// A rejected credential is terminal; only transport failures
		// are retried.
		c.authRejected.Store(true)
		c.log.Errorw("authentication rejected", "message", m.Message)
		c.events.emitError(m.Message)
		c.closeConn()
	case *Chat:
		c.events.emitChat(m.Nickname, m.Message)
	case *SystemNotice:
		c.events.emitChat("system", m.Message)
	case *MemberList:
		c.events.emitMembers(m.Members)
	case *PortAssignment:
		c.mu.Lock()
		c.streamPort = m.SRTPort
		c.mu.Unlock()
		c.log.Infow("stream endpoint reassigned", "srt_port", m.SRTPort)
	case *ErrorMessage:
		c.events.emitError(m.Message)
	case *Heartbeat:
		c.log.Debug("heartbeat acknowledged")
	default:
		c.log.Warnw("unknown message ignored")
	}
}

// SendChat queues a chat message without blocking. Dropped silently (with
// a log line) when not authenticated.
func (c *Client) SendChat(message string) {
	if !c.authenticated.Load() {
		c.log.Debugw("not authenticated, chat dropped", "message", message)
		return
	}
	c.enqueue(Chat{Type: MsgChat, Message: message})
}

func (c *Client) enqueue(msg any) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.log.Errorw("marshal failed", "error", err)
		return
	}

	c.mu.Lock()
	out := c.out
	c.mu.Unlock()
	if out == nil {
		c.log.Debug("no connection, message dropped")
		return
	}
	select {
	case out <- data:
	default:
		c.log.Warn("send queue full, message dropped")
	}
}

// Disconnect stops the client and permanently disables reconnection for
// this instance. Idempotent, and safe to call from an event callback.
func (c *Client) Disconnect() {
	c.stopOnce.Do(func() { close(c.stop) })
	c.closeConn()
}

// Done is closed once the connection loop has fully exited.
func (c *Client) Done() <-chan struct{} {
	return c.done
}

func (c *Client) closeConn() {
	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (c *Client) stopped() bool {
	select {
	case <-c.stop:
		return true
	default:
		return false
	}
}

func (c *Client) Authenticated() bool {
	return c.authenticated.Load()
}

// AssignedNickname is the nickname the coordinator actually granted, which
// may carry a collision suffix.
func (c *Client) AssignedNickname() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.assignedNickname
}

// StreamEndpoint is the media address the playback collaborator should
// dial, valid once authenticated.
func (c *Client) StreamEndpoint() (string, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.serverIP, c.streamPort
}
