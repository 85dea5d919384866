package signaling

import "encoding/json"

// IceServer is a single STUN/TURN server entry returned by
// Device.RequestIceServers.
type IceServer struct {
	URLs       []string
	Username   string
	Credential string
}

// NewChannelHandler is invoked when the peer opens a new channel. authorized
// reflects the "authorized" flag the backend attached to the opening message,
// if any.
type NewChannelHandler func(ch *Channel, authorized bool)

// DeviceStateHandler observes Device state transitions.
type DeviceStateHandler func(state DeviceState)

// ReconnectHandler fires each time the device re-establishes its WebSocket
// connection after the first. It never fires for the initial connect.
type ReconnectHandler func()

// MessageHandler receives application payloads delivered in order on a
// Channel.
type MessageHandler func(data json.RawMessage)

// ChannelStateHandler observes Channel state transitions.
type ChannelStateHandler func(state ChannelState)

// ChannelErrorHandler receives SignalingErrors on a Channel: those reported
// by the peer and those raised locally through Channel.ReportProtocolError.
type ChannelErrorHandler func(err *SignalingError)
