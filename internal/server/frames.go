package server

import (
	"github.com/go-stomp/stomp/v3/frame"

	"github.com/fenggwsx/roomcast/internal/protocol"
)

func (s *clientSession) sendFrame(f *frame.Frame, closeAfter bool) {
	data, err := protocol.Encode(f)
	if err != nil {
		s.app.log.Error("Failed to encode frame", "session_id", s.id, "command", f.Command, "error", err)
		return
	}
	s.enqueue(outbound{data: data, closeAfter: closeAfter})
}

// sendError reports a failure to the client. A fatal error closes the
// connection once the frame is written.
func (s *clientSession) sendError(message, receiptID string, fatal bool) {
	s.sendFrame(protocol.Error(message, receiptID), fatal)
}

// sendReceipt acknowledges f when the client asked for a receipt.
func (s *clientSession) sendReceipt(f *frame.Frame) {
	if receiptID := f.Header.Get(protocol.HdrReceipt); receiptID != "" {
		s.sendFrame(protocol.Receipt(receiptID), false)
	}
}
