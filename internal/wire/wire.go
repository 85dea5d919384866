// Package wire defines the JSON shapes exchanged with the Nabto signaling
// backend: the outer WebSocket envelope, the per-channel DATA/ACK frames,
// the None/JWT signed-envelope used by the message transport, and the
// ICE-server / setup-handshake payloads. All types round-trip through
// encoding/json with the exact field names the backend expects.
package wire

import (
	"encoding/json"
	"fmt"
)

// Envelope-level message types (outer WebSocket frame).
const (
	TypeMessage       = "MESSAGE"
	TypeError         = "ERROR"
	TypePeerOffline   = "PEER_OFFLINE"
	TypePeerConnected = "PEER_CONNECTED"
	TypePing          = "PING"
	TypePong          = "PONG"
)

// Channel-frame types (carried inside an Envelope's Message field).
const (
	FrameData = "DATA"
	FrameAck  = "ACK"
)

// Signed-envelope types (carried inside a DATA frame's Data field when a
// message transport is attached).
const (
	SignedNone = "NONE"
	SignedJWT  = "JWT"
)

// Setup-handshake inner payload types.
const (
	TypeSetupRequest  = "SETUP_REQUEST"
	TypeSetupResponse = "SETUP_RESPONSE"
)

// WireError is the {code, message} pair carried on an ERROR envelope.
type WireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

// Envelope is the outer WebSocket frame. ChannelID/Message/Authorized/Error
// are only populated for the envelope types that carry them; see §3 of the
// signaling protocol for which fields apply to which Type.
type Envelope struct {
	Type       string          `json:"type"`
	ChannelID  string          `json:"channelId,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Authorized *bool           `json:"authorized,omitempty"`
	Error      *WireError      `json:"error,omitempty"`
}

// PeekType extracts just the "type" discriminator from a raw JSON object,
// used to dispatch before fully decoding into a concrete frame type.
func PeekType(raw json.RawMessage) (string, error) {
	var head struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(raw, &head); err != nil {
		return "", fmt.Errorf("decoding type discriminator: %w", err)
	}
	return head.Type, nil
}

// DataFrame is the channel-level reliable-delivery frame carrying an
// application payload at a given sequence number.
type DataFrame struct {
	Type string          `json:"type"`
	Seq  uint32          `json:"seq"`
	Data json.RawMessage `json:"data"`
}

// NewDataFrame builds a DataFrame for outbound send at the given sequence.
func NewDataFrame(seq uint32, data json.RawMessage) DataFrame {
	return DataFrame{Type: FrameData, Seq: seq, Data: data}
}

// AckFrame acknowledges a received DataFrame by sequence number.
type AckFrame struct {
	Type string `json:"type"`
	Seq  uint32 `json:"seq"`
}

// NewAckFrame builds an AckFrame for the given sequence.
func NewAckFrame(seq uint32) AckFrame {
	return AckFrame{Type: FrameAck, Seq: seq}
}

// SignedEnvelope is the payload carried inside a DataFrame's Data field once
// a message transport (None or Shared-Secret) has wrapped the application
// message.
type SignedEnvelope struct {
	Type    string          `json:"type"`
	Message json.RawMessage `json:"message,omitempty"`
	JWT     string          `json:"jwt,omitempty"`
}

// IceServer mirrors a single entry of the ICE-server list returned by
// POST /v1/ice-servers, tolerating STUN entries with empty credentials.
type IceServer struct {
	URLs       []string `json:"urls"`
	Username   string   `json:"username,omitempty"`
	Credential string   `json:"credential,omitempty"`
}

// SetupRequest is the inner payload a client sends to kick off the ICE-server
// setup handshake.
type SetupRequest struct {
	Type string `json:"type"`
}

// SetupResponse answers a SetupRequest with the ICE-server list.
type SetupResponse struct {
	Type       string      `json:"type"`
	IceServers []IceServer `json:"iceServers"`
}
