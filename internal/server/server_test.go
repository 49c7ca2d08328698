package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-stomp/stomp/v3/frame"
	"github.com/gorilla/websocket"
	"github.com/mama165/sdk-go/logs"
	"github.com/stretchr/testify/require"

	"github.com/fenggwsx/roomcast/internal/auth"
	"github.com/fenggwsx/roomcast/internal/bus"
	"github.com/fenggwsx/roomcast/internal/config"
	"github.com/fenggwsx/roomcast/internal/lifecycle"
	"github.com/fenggwsx/roomcast/internal/presence"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/relay"
)

var testJWT = config.JWTConfig{Secret: "gateway-secret", Issuer: "roomcast", Expiration: time.Hour}

func testConfig() config.ServerConfig {
	return config.ServerConfig{
		AllowedOrigins: "*",
		AuthTimeout:    time.Second,
		ReadTimeout:    5 * time.Second,
		WriteTimeout:   time.Second,
		MaxFrameBytes:  8192,
		SendBuffer:     32,
		SendRate:       100,
		SendBurst:      100,
	}
}

type harness struct {
	srv   *httptest.Server
	store presence.Store
}

func newHarness(t *testing.T, cfg config.ServerConfig) harness {
	t.Helper()
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := presence.NewMemoryStore(log)
	b := bus.NewMemoryBus()
	r := relay.New(log, b, nil)
	handler := lifecycle.NewHandler(log, auth.WithTimeout(auth.NewHMACValidator(testJWT), time.Second), store, r)
	app := NewApp(cfg, log, handler, store, nil)
	srv := httptest.NewServer(app.Handler())
	t.Cleanup(func() {
		srv.Close()
		app.closeSessions()
		r.Close()
		_ = b.Close()
	})
	return harness{srv: srv, store: store}
}

func (h harness) wsURL() string {
	return "ws" + strings.TrimPrefix(h.srv.URL, "http") + "/ws"
}

func (h harness) count(t *testing.T, roomID string) int64 {
	t.Helper()
	resp, err := http.Get(h.srv.URL + "/rooms/" + roomID + "/count")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var body roomCountResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&body))
	return body.Count
}

type stompClient struct {
	t    *testing.T
	conn *websocket.Conn
}

func (h harness) dial(t *testing.T) *stompClient {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return &stompClient{t: t, conn: conn}
}

func (c *stompClient) send(command, body string, headers ...string) {
	c.t.Helper()
	f := frame.New(command, headers...)
	if body != "" {
		f.Body = []byte(body)
	}
	data, err := protocol.Encode(f)
	require.NoError(c.t, err)
	require.NoError(c.t, c.conn.WriteMessage(websocket.TextMessage, data))
}

func (c *stompClient) read() *frame.Frame {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := c.conn.ReadMessage()
	require.NoError(c.t, err)
	f, err := protocol.Decode(data)
	require.NoError(c.t, err)
	return f
}

// event reads the next MESSAGE frame, skipping receipts.
func (c *stompClient) event() protocol.Event {
	c.t.Helper()
	for {
		f := c.read()
		if f.Command != protocol.CmdMessage {
			require.Equal(c.t, protocol.CmdReceipt, f.Command, f.Header.Get(protocol.HdrMessage))
			continue
		}
		evt, err := protocol.UnmarshalEvent(f.Body)
		require.NoError(c.t, err)
		return evt
	}
}

func (c *stompClient) expectClosed() {
	c.t.Helper()
	require.NoError(c.t, c.conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (c *stompClient) connect(name string) {
	c.t.Helper()
	token, err := auth.NewToken(testJWT, "subject-"+name, name)
	require.NoError(c.t, err)
	c.send(protocol.CmdConnect, "", "accept-version", "1.2", protocol.HdrToken, token)
	f := c.read()
	require.Equal(c.t, protocol.CmdConnected, f.Command)
	require.Equal(c.t, "1.2", f.Header.Get(protocol.HdrVersion))
	require.NotEmpty(c.t, f.Header.Get(protocol.HdrSession))
}

func TestGateway_JoinChatLeave(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())

	// Given alice in the lobby
	alice := h.dial(t)
	alice.connect("alice")
	alice.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby", protocol.HdrID, "sub-1")
	req.Equal(protocol.JoinNotice("lobby", "alice"), alice.event())

	// When bob joins with a bearer header
	bob := h.dial(t)
	token, err := auth.NewToken(testJWT, "subject-bob", "bob")
	req.NoError(err)
	bob.send(protocol.CmdConnect, "", protocol.HdrAuthorization, "Bearer "+token)
	req.Equal(protocol.CmdConnected, bob.read().Command)
	bob.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby", protocol.HdrID, "sub-7")

	// Then both see bob's arrival and the room holds two
	req.Equal(protocol.JoinNotice("lobby", "bob"), alice.event())
	req.Equal(protocol.JoinNotice("lobby", "bob"), bob.event())
	req.EqualValues(2, h.count(t, "lobby"))

	// When alice chats
	alice.send(protocol.CmdSend, "hello bob", protocol.HdrDestination, "/pub/chat/room/lobby")

	// Then both receive it on their own subscription
	req.Equal(protocol.ChatMessage("lobby", "alice", "hello bob"), alice.event())
	req.Equal(protocol.ChatMessage("lobby", "alice", "hello bob"), bob.event())

	// When bob disconnects with a receipt
	bob.send(protocol.CmdDisconnect, "", protocol.HdrReceipt, "bye-1")
	receipt := bob.read()
	req.Equal(protocol.CmdReceipt, receipt.Command)
	req.Equal("bye-1", receipt.Header.Get(protocol.HdrReceiptID))
	bob.expectClosed()

	// Then alice hears it and the room holds one
	req.Equal(protocol.LeaveNotice("lobby", "bob"), alice.event())
	req.EqualValues(1, h.count(t, "lobby"))
}

func TestGateway_MessageFrameHeaders(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())
	c := h.dial(t)
	c.connect("carol")

	c.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/42", protocol.HdrID, "s-42")
	f := c.read()

	req.Equal(protocol.CmdMessage, f.Command)
	req.Equal("/sub/chat/room/42", f.Header.Get(protocol.HdrDestination))
	req.Equal("s-42", f.Header.Get(protocol.HdrSubscription))
	req.NotEmpty(f.Header.Get(protocol.HdrMessageID))
}

func TestGateway_RejectsInvalidToken(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(protocol.CmdConnect, "", protocol.HdrToken, "forged")

	f := c.read()
	req.Equal(protocol.CmdError, f.Command)
	req.Equal("authentication failed", f.Header.Get(protocol.HdrMessage))
	c.expectClosed()
	req.Zero(h.count(t, "lobby"))
}

func TestGateway_FrameBeforeConnect(t *testing.T) {
	h := newHarness(t, testConfig())
	c := h.dial(t)

	c.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")

	f := c.read()
	require.Equal(t, protocol.CmdError, f.Command)
	c.expectClosed()
	require.Zero(t, h.count(t, "lobby"))
}

func TestGateway_AuthTimeout(t *testing.T) {
	cfg := testConfig()
	cfg.AuthTimeout = 100 * time.Millisecond
	h := newHarness(t, cfg)
	c := h.dial(t)

	// Nothing is sent; the server gives up on its own.
	c.expectClosed()
}

func TestGateway_SendOutsideRoomKeepsConnection(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())
	c := h.dial(t)
	c.connect("dave")

	c.send(protocol.CmdSend, "hi", protocol.HdrDestination, "/pub/chat/room/lobby")
	f := c.read()
	req.Equal(protocol.CmdError, f.Command)
	req.Equal("not subscribed to destination", f.Header.Get(protocol.HdrMessage))

	c.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")
	req.Equal(protocol.EventJoin, c.event().Type)
}

func TestGateway_RateLimitedSend(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.SendRate = 0.001
	cfg.SendBurst = 1
	h := newHarness(t, cfg)
	c := h.dial(t)
	c.connect("erin")
	c.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")
	req.Equal(protocol.EventJoin, c.event().Type)

	c.send(protocol.CmdSend, "one", protocol.HdrDestination, "/pub/chat/room/lobby")
	req.Equal("one", c.event().Text)

	c.send(protocol.CmdSend, "two", protocol.HdrDestination, "/pub/chat/room/lobby")
	f := c.read()
	req.Equal(protocol.CmdError, f.Command)
	req.Equal("rate limit exceeded", f.Header.Get(protocol.HdrMessage))
}

func TestGateway_UnsubscribeStopsDelivery(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())
	quiet := h.dial(t)
	quiet.connect("frank")
	quiet.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby", protocol.HdrID, "q")
	req.Equal(protocol.EventJoin, quiet.event().Type)

	quiet.send(protocol.CmdUnsubscribe, "", protocol.HdrID, "q", protocol.HdrReceipt, "u-1")
	req.Equal(protocol.CmdReceipt, quiet.read().Command)

	other := h.dial(t)
	other.connect("gina")
	other.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")
	req.Equal(protocol.EventJoin, other.event().Type)

	// Membership is kept while delivery stops
	req.EqualValues(2, h.count(t, "lobby"))
	req.NoError(quiet.conn.SetReadDeadline(time.Now().Add(150 * time.Millisecond)))
	_, _, err := quiet.conn.ReadMessage()
	req.Error(err)
}

func TestGateway_AbruptCloseLeavesRoom(t *testing.T) {
	req := require.New(t)
	h := newHarness(t, testConfig())
	stays := h.dial(t)
	stays.connect("hank")
	stays.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")
	req.Equal(protocol.EventJoin, stays.event().Type)

	drops := h.dial(t)
	drops.connect("ivy")
	drops.send(protocol.CmdSubscribe, "", protocol.HdrDestination, "/sub/chat/room/lobby")
	req.Equal(protocol.EventJoin, drops.event().Type)
	req.Equal(protocol.EventJoin, stays.event().Type)

	// When the socket just goes away
	req.NoError(drops.conn.Close())

	// Then the room forgets it exactly once
	req.Equal(protocol.LeaveNotice("lobby", "ivy"), stays.event())
	req.Eventually(func() bool { return h.count(t, "lobby") == 1 }, 2*time.Second, 20*time.Millisecond)
}

func TestGateway_OriginPolicy(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.AllowedOrigins = "https://chat.example"
	h := newHarness(t, cfg)

	_, resp, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{"Origin": []string{"https://evil.example"}})
	req.Error(err)
	req.Equal(http.StatusForbidden, resp.StatusCode)

	conn, _, err := websocket.DefaultDialer.Dial(h.wsURL(), http.Header{"Origin": []string{"HTTPS://Chat.Example"}})
	req.NoError(err)
	_ = conn.Close()
}

func TestOriginPolicy(t *testing.T) {
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	cases := []struct {
		name    string
		origins []string
		origin  string
		want    bool
	}{
		{name: "wildcard", origins: []string{"*"}, origin: "https://any.example", want: true},
		{name: "listed", origins: []string{"https://a.example"}, origin: "https://a.example", want: true},
		{name: "case insensitive", origins: []string{"https://A.example"}, origin: "https://a.EXAMPLE", want: true},
		{name: "not listed", origins: []string{"https://a.example"}, origin: "https://b.example", want: false},
		{name: "no origin header", origins: []string{"https://a.example"}, origin: "", want: true},
		{name: "garbage origin", origins: []string{"https://a.example"}, origin: "::::", want: false},
		{name: "invalid config entry ignored", origins: []string{"not-a-url"}, origin: "not-a-url", want: false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, newOriginPolicy(log, tc.origins).allows(tc.origin))
		})
	}
}

func TestHealth(t *testing.T) {
	h := newHarness(t, testConfig())
	resp, err := http.Get(h.srv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestRun_StopsOnCancel(t *testing.T) {
	req := require.New(t)
	cfg := testConfig()
	cfg.ListenAddr = "127.0.0.1:0"
	log := logs.GetLoggerFromLevel(slog.LevelDebug)
	store := presence.NewMemoryStore(log)
	handler := lifecycle.NewHandler(log, auth.NewHMACValidator(testJWT), store, relay.New(log, bus.NewMemoryBus(), nil))
	app := NewApp(cfg, log, handler, store, nil)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- app.Run(ctx) }()
	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		req.NoError(err)
	case <-time.After(5 * time.Second):
		t.Fatal("Run did not return")
	}
}
