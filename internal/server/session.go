package server

import (
	"context"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"golang.org/x/time/rate"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

const disconnectTimeout = 5 * time.Second

type outbound struct {
	data       []byte
	closeAfter bool
}

// clientSession tracks per-connection state and outbound delivery.
type clientSession struct {
	id        string
	app       *App
	conn      *websocket.Conn
	sendCh    chan outbound
	done      chan struct{}
	closeOnce sync.Once
	limiter   *rate.Limiter

	mu             sync.Mutex
	connected      bool
	subscriptionID string
	destination    string
}

func newClientSession(app *App, conn *websocket.Conn, id string) *clientSession {
	return &clientSession{
		id:      id,
		app:     app,
		conn:    conn,
		sendCh:  make(chan outbound, app.cfg.SendBuffer),
		done:    make(chan struct{}),
		limiter: rate.NewLimiter(rate.Limit(app.cfg.SendRate), app.cfg.SendBurst),
	}
}

// Deliver renders evt as a MESSAGE frame for the active subscription. It never
// blocks: a full send buffer drops the event.
func (s *clientSession) Deliver(evt protocol.Event) bool {
	s.mu.Lock()
	subscriptionID, destination := s.subscriptionID, s.destination
	s.mu.Unlock()
	if subscriptionID == "" {
		return true
	}

	f, err := protocol.Message(destination, subscriptionID, uuid.NewString(), evt)
	if err != nil {
		s.app.log.Error("Failed to build message frame", "session_id", s.id, "error", err)
		return true
	}
	data, err := protocol.Encode(f)
	if err != nil {
		s.app.log.Error("Failed to encode message frame", "session_id", s.id, "error", err)
		return true
	}

	select {
	case <-s.done:
		return true
	default:
	}
	select {
	case s.sendCh <- outbound{data: data}:
		return true
	default:
		return false
	}
}

// enqueue waits for room in the send buffer unless the session is closing.
func (s *clientSession) enqueue(out outbound) {
	select {
	case s.sendCh <- out:
	case <-s.done:
	}
}

func (s *clientSession) readLoop(ctx context.Context) {
	s.conn.SetReadLimit(int64(s.app.cfg.MaxFrameBytes))
	// The first frame has to arrive within the authentication window.
	_ = s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.AuthTimeout))
	s.conn.SetPongHandler(func(string) error {
		if s.isConnected() {
			return s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))
		}
		return nil
	})

	for {
		_, data, err := s.conn.ReadMessage()
		if err != nil {
			s.logReadError(err)
			return
		}
		if s.isConnected() {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))
		}

		f, err := protocol.Decode(data)
		if errors.Is(err, protocol.ErrHeartbeat) {
			continue
		}
		if err != nil {
			s.app.log.Warn("Malformed frame", "session_id", s.id, "error", err)
			s.sendError("malformed frame", "", true)
			return
		}
		if !s.handleFrame(ctx, f) {
			return
		}
	}
}

func (s *clientSession) logReadError(err error) {
	switch {
	case errors.Is(err, websocket.ErrReadLimit):
		s.app.log.Warn("Frame exceeded maximum size", "session_id", s.id, "limit", s.app.cfg.MaxFrameBytes)
	case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived):
		s.app.log.Debug("Client closed connection", "session_id", s.id)
	case isExpectedCloseError(err):
		s.app.log.Debug("Connection closed", "session_id", s.id, "error", err)
	default:
		s.app.log.Warn("WebSocket read error", "session_id", s.id, "error", err)
	}
}

func (s *clientSession) writeLoop() {
	pingPeriod := s.app.cfg.ReadTimeout * 9 / 10
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
		s.close()
	}()

	for {
		select {
		case <-s.done:
			s.flush()
			s.writeClose()
			return
		case out := <-s.sendCh:
			if err := s.write(websocket.TextMessage, out.data); err != nil {
				if !isExpectedCloseError(err) {
					s.app.log.Warn("WebSocket write error", "session_id", s.id, "error", err)
				}
				return
			}
			if out.closeAfter {
				s.writeClose()
				return
			}
		case <-ticker.C:
			if err := s.write(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// flush writes what is still buffered, such as a final RECEIPT or ERROR.
func (s *clientSession) flush() {
	for {
		select {
		case out := <-s.sendCh:
			if s.write(websocket.TextMessage, out.data) != nil || out.closeAfter {
				return
			}
		default:
			return
		}
	}
}

func (s *clientSession) write(messageType int, data []byte) error {
	if err := s.conn.SetWriteDeadline(time.Now().Add(s.app.cfg.WriteTimeout)); err != nil {
		return err
	}
	return s.conn.WriteMessage(messageType, data)
}

func (s *clientSession) writeClose() {
	_ = s.write(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

// close runs the disconnect handling once, whether the client said goodbye or
// the socket failed.
func (s *clientSession) close() {
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), disconnectTimeout)
		defer cancel()
		s.app.lifecycle.Disconnect(ctx, s.id)
		close(s.done)
		// Unblock a reader stuck in ReadMessage; the writer closes the socket
		// after its close frame.
		_ = s.conn.NetConn().SetReadDeadline(time.Now())
		s.app.log.Debug("Session closed", "session_id", s.id)
	})
}

func (s *clientSession) isConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

func isExpectedCloseError(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, net.ErrClosed) || errors.Is(err, io.EOF) || errors.Is(err, websocket.ErrCloseSent) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
