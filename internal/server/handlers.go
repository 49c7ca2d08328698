package server

import (
	"context"
	"errors"
	"time"

	"github.com/go-stomp/stomp/v3/frame"

	"github.com/fenggwsx/roomcast/internal/lifecycle"
	"github.com/fenggwsx/roomcast/internal/protocol"
	"github.com/fenggwsx/roomcast/internal/relay"
)

const defaultSubscriptionID = "sub-0"

// handleFrame routes one client frame and reports whether the read loop
// should continue.
func (s *clientSession) handleFrame(ctx context.Context, f *frame.Frame) bool {
	receiptID := f.Header.Get(protocol.HdrReceipt)

	if f.Command == protocol.CmdConnect || f.Command == protocol.CmdStomp {
		return s.handleConnect(ctx, f)
	}
	if !s.isConnected() {
		s.sendError("CONNECT required", receiptID, true)
		return false
	}

	switch f.Command {
	case protocol.CmdSubscribe:
		s.handleSubscribe(ctx, f)
	case protocol.CmdUnsubscribe:
		s.handleUnsubscribe(f)
	case protocol.CmdSend:
		s.handleSend(ctx, f)
	case protocol.CmdDisconnect:
		s.handleDisconnect(ctx, f)
		return false
	default:
		s.sendError("unsupported command "+f.Command, receiptID, false)
	}
	return true
}

func (s *clientSession) handleConnect(ctx context.Context, f *frame.Frame) bool {
	if s.isConnected() {
		s.sendError("already connected", f.Header.Get(protocol.HdrReceipt), true)
		return false
	}

	if err := s.app.lifecycle.Connect(ctx, s.id, protocol.TokenFromConnect(f)); err != nil {
		s.sendError("authentication failed", "", true)
		return false
	}

	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	_ = s.conn.SetReadDeadline(time.Now().Add(s.app.cfg.ReadTimeout))

	s.sendFrame(protocol.Connected(s.id), false)
	return true
}

func (s *clientSession) handleSubscribe(ctx context.Context, f *frame.Frame) {
	destination := f.Header.Get(protocol.HdrDestination)
	subscriptionID := f.Header.Get(protocol.HdrID)
	if subscriptionID == "" {
		subscriptionID = defaultSubscriptionID
	}

	s.mu.Lock()
	previousID, previousDestination := s.subscriptionID, s.destination
	s.subscriptionID, s.destination = subscriptionID, destination
	s.mu.Unlock()

	roomID, err := s.app.lifecycle.Subscribe(ctx, s.id, destination)
	if err != nil {
		s.mu.Lock()
		s.subscriptionID, s.destination = previousID, previousDestination
		s.mu.Unlock()
		s.app.log.Warn("Subscribe rejected", "session_id", s.id, "destination", destination, "error", err)
		s.sendError("subscribe rejected", f.Header.Get(protocol.HdrReceipt), false)
		return
	}
	s.app.log.Debug("Subscribed", "session_id", s.id, "room", roomID, "subscription", subscriptionID)
	s.sendReceipt(f)
}

// handleUnsubscribe stops delivery for the subscription. Room membership
// lasts until the session disconnects or joins another room.
func (s *clientSession) handleUnsubscribe(f *frame.Frame) {
	id := f.Header.Get(protocol.HdrID)
	s.mu.Lock()
	if id == "" || id == s.subscriptionID {
		s.subscriptionID = ""
	}
	s.mu.Unlock()
	s.sendReceipt(f)
}

func (s *clientSession) handleSend(ctx context.Context, f *frame.Frame) {
	receiptID := f.Header.Get(protocol.HdrReceipt)
	if !s.limiter.Allow() {
		s.app.metrics.SendRateLimited(ctx)
		s.app.log.Warn("Rate limit exceeded, discarding message", "session_id", s.id)
		s.sendError("rate limit exceeded", receiptID, false)
		return
	}

	err := s.app.lifecycle.Send(ctx, s.id, f.Header.Get(protocol.HdrDestination), string(f.Body))
	switch {
	case err == nil:
		s.sendReceipt(f)
	case errors.Is(err, lifecycle.ErrNotInRoom):
		s.sendError("not subscribed to destination", receiptID, false)
	case errors.Is(err, relay.ErrRelayUnavailable):
		s.app.log.Error("Message relay unavailable", "session_id", s.id, "error", err)
		s.sendError("message relay unavailable", receiptID, false)
	default:
		s.app.log.Warn("Send rejected", "session_id", s.id, "error", err)
		s.sendError("send rejected", receiptID, false)
	}
}

func (s *clientSession) handleDisconnect(ctx context.Context, f *frame.Frame) {
	s.app.lifecycle.Disconnect(ctx, s.id)
	if receiptID := f.Header.Get(protocol.HdrReceipt); receiptID != "" {
		s.sendFrame(protocol.Receipt(receiptID), true)
	}
}
