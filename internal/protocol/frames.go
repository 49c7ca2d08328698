package protocol

import (
	"strings"

	"github.com/go-stomp/stomp/v3/frame"
)

// Client commands.
const (
	CmdConnect     = "CONNECT"
	CmdStomp       = "STOMP"
	CmdSubscribe   = "SUBSCRIBE"
	CmdUnsubscribe = "UNSUBSCRIBE"
	CmdSend        = "SEND"
	CmdDisconnect  = "DISCONNECT"
)

// Server commands.
const (
	CmdConnected = "CONNECTED"
	CmdMessage   = "MESSAGE"
	CmdReceipt   = "RECEIPT"
	CmdError     = "ERROR"
)

const (
	HdrToken         = "token"
	HdrAuthorization = "Authorization"
	HdrDestination   = "destination"
	HdrID            = "id"
	HdrReceipt       = "receipt"
	HdrReceiptID     = "receipt-id"
	HdrVersion       = "version"
	HdrSession       = "session"
	HdrSubscription  = "subscription"
	HdrMessageID     = "message-id"
	HdrMessage       = "message"
	HdrContentType   = "content-type"
	HdrHeartBeat     = "heart-beat"
	HdrServer        = "server"
)

const (
	stompVersion = "1.2"
	serverName   = "roomcast/1.0"
	jsonType     = "application/json;charset=UTF-8"
	textType     = "text/plain;charset=UTF-8"
)

// TokenFromConnect returns the bearer credential of a CONNECT frame. The
// "token" header wins over an Authorization bearer header.
func TokenFromConnect(f *frame.Frame) string {
	if token, ok := f.Header.Contains(HdrToken); ok && strings.TrimSpace(token) != "" {
		return strings.TrimSpace(token)
	}
	authz := strings.TrimSpace(f.Header.Get(HdrAuthorization))
	if scheme, token, ok := strings.Cut(authz, " "); ok && strings.EqualFold(scheme, "Bearer") {
		return strings.TrimSpace(token)
	}
	return ""
}

// Connected acknowledges a successful CONNECT.
func Connected(sessionID string) *frame.Frame {
	return frame.New(CmdConnected,
		HdrVersion, stompVersion,
		HdrServer, serverName,
		HdrSession, sessionID,
		HdrHeartBeat, "0,0",
	)
}

// Message wraps an event for a subscriber.
func Message(destination, subscriptionID, messageID string, evt Event) (*frame.Frame, error) {
	body, err := MarshalEvent(evt)
	if err != nil {
		return nil, err
	}
	f := frame.New(CmdMessage,
		HdrDestination, destination,
		HdrSubscription, subscriptionID,
		HdrMessageID, messageID,
		HdrContentType, jsonType,
	)
	f.Body = body
	return f, nil
}

// Receipt confirms the client frame that carried receiptID.
func Receipt(receiptID string) *frame.Frame {
	return frame.New(CmdReceipt, HdrReceiptID, receiptID)
}

// Error builds an ERROR frame; receiptID is echoed when the failing frame
// asked for one.
func Error(message, receiptID string) *frame.Frame {
	f := frame.New(CmdError, HdrMessage, message, HdrContentType, textType)
	if receiptID != "" {
		f.Header.Add(HdrReceiptID, receiptID)
	}
	f.Body = []byte(message)
	return f
}
