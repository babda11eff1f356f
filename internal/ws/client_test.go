package ws

import (
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/screenroom/backend/internal/netutil"
)

func testClientConfig(t *testing.T, srv *httptest.Server, nickname string) ClientConfig {
	t.Helper()
	host, port, err := netutil.ParseAddress(strings.TrimPrefix(srv.URL, "http://"))
	require.NoError(t, err)
	return ClientConfig{
		Host:                 host,
		Port:                 port,
		Nickname:             nickname,
		VerificationCode:     testCode,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
		HeartbeatInterval:    time.Hour, // quiet unless a test wants it
	}
}

func TestClient_EndToEnd(t *testing.T) {
	_, srv := newTestCoordinator(t, newFakeRelays(), CoordinatorEvents{})

	authed := make(chan [2]any, 1)
	chats := make(chan string, 16)
	events := ClientEvents{
		OnAuthenticated: func(serverIP string, streamPort int) {
			authed <- [2]any{serverIP, streamPort}
		},
		OnChat: func(nickname, message string) {
			chats <- nickname + ": " + message
		},
	}

	client := NewClient(testClientConfig(t, srv, "saber"), events, zap.NewNop())
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	select {
	case got := <-authed:
		assert.Equal(t, "192.0.2.1", got[0])
		assert.Equal(t, 10000, got[1])
	case <-time.After(2 * time.Second):
		t.Fatal("OnAuthenticated never fired")
	}

	assert.True(t, client.Authenticated())
	assert.Equal(t, "saber", client.AssignedNickname())
	ip, port := client.StreamEndpoint()
	assert.Equal(t, "192.0.2.1", ip)
	assert.Equal(t, 10000, port)

	// A second party should see the client's chat, and so should the
	// client itself via the broadcast.
	other := dialTest(t, srv)
	authViewer(t, other, "rin")

	client.SendChat("hello")
	chat := readUntil(t, other, MsgChat).(*Chat)
	assert.Equal(t, "saber", chat.Nickname)
	assert.Equal(t, "hello", chat.Message)

	select {
	case line := <-chats:
		assert.Equal(t, "saber: hello", line)
	case <-time.After(2 * time.Second):
		t.Fatal("client never saw its own chat broadcast")
	}

	client.Disconnect()
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client loop did not exit after Disconnect")
	}
}

func TestClient_ConnectTwice(t *testing.T) {
	_, srv := newTestCoordinator(t, newFakeRelays(), CoordinatorEvents{})

	client := NewClient(testClientConfig(t, srv, "saber"), ClientEvents{}, zap.NewNop())
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	assert.Error(t, client.Connect())
}

func TestClient_AuthRejectedIsTerminal(t *testing.T) {
	_, srv := newTestCoordinator(t, newFakeRelays(), CoordinatorEvents{})

	errs := make(chan string, 4)
	cfg := testClientConfig(t, srv, "saber")
	cfg.VerificationCode = "000000"

	client := NewClient(cfg, ClientEvents{OnError: func(m string) { errs <- m }}, zap.NewNop())
	require.NoError(t, client.Connect())

	select {
	case <-errs:
	case <-time.After(2 * time.Second):
		t.Fatal("OnError never fired for rejected credentials")
	}

	// A credential rejection must not trigger reconnection.
	select {
	case <-client.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("client kept running after credential rejection")
	}
	assert.False(t, client.Authenticated())
}

func TestClient_ReconnectBound(t *testing.T) {
	// A listener that kills every connection before the websocket
	// handshake completes, so each dial counts as a failure.
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var dials atomic.Int32
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			dials.Add(1)
			conn.Close()
		}
	}()

	host, port, err := netutil.ParseAddress(ln.Addr().String())
	require.NoError(t, err)

	errs := make(chan string, 4)
	client := NewClient(ClientConfig{
		Host:                 host,
		Port:                 port,
		Nickname:             "saber",
		VerificationCode:     testCode,
		ReconnectInterval:    20 * time.Millisecond,
		MaxReconnectAttempts: 2,
	}, ClientEvents{OnError: func(m string) { errs <- m }}, zap.NewNop())
	require.NoError(t, client.Connect())

	select {
	case <-client.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("client never gave up")
	}

	// Initial dial plus the bounded reconnect attempts.
	assert.Equal(t, int32(3), dials.Load())
	select {
	case <-errs:
	default:
		t.Error("no terminal error was signaled")
	}
}

func TestClient_ReconnectsAfterDrop(t *testing.T) {
	var upgrades atomic.Int32
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		n := upgrades.Add(1)
		if _, _, err := conn.ReadMessage(); err != nil { // auth request
			conn.Close()
			return
		}
		conn.WriteJSON(AuthSuccess{Type: MsgAuthSuccess, Nickname: "saber", SRTPort: 10000, ServerIP: "192.0.2.1"})
		if n == 1 {
			// Drop the first session to force a reconnect.
			conn.Close()
			return
		}
		// Hold the second session open.
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				conn.Close()
				return
			}
		}
	}))
	t.Cleanup(srv.Close)

	disconnected := make(chan struct{}, 4)
	authed := make(chan struct{}, 4)
	client := NewClient(testClientConfig(t, srv, "saber"), ClientEvents{
		OnDisconnected:  func() { disconnected <- struct{}{} },
		OnAuthenticated: func(string, int) { authed <- struct{}{} },
	}, zap.NewNop())
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("OnDisconnected never fired")
	}

	require.Eventually(t, func() bool {
		return upgrades.Load() >= 2 && client.Authenticated()
	}, 3*time.Second, 20*time.Millisecond, "client did not re-establish the session")
}

func TestClient_SendsHeartbeats(t *testing.T) {
	upgrader := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	beats := make(chan struct{}, 16)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil { // auth request
			return
		}
		conn.WriteJSON(AuthSuccess{Type: MsgAuthSuccess, Nickname: "saber", SRTPort: 10000, ServerIP: "192.0.2.1"})
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if msg, err := Decode(data); err == nil {
				if _, ok := msg.(*Heartbeat); ok {
					beats <- struct{}{}
				}
			}
		}
	}))
	t.Cleanup(srv.Close)

	cfg := testClientConfig(t, srv, "saber")
	cfg.HeartbeatInterval = 30 * time.Millisecond

	client := NewClient(cfg, ClientEvents{}, zap.NewNop())
	require.NoError(t, client.Connect())
	t.Cleanup(client.Disconnect)

	select {
	case <-beats:
	case <-time.After(2 * time.Second):
		t.Fatal("no heartbeat arrived")
	}
}
