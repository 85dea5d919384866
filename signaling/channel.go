package signaling

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nabto/webrtc-signaling-device-go/internal/listeners"
	"github.com/nabto/webrtc-signaling-device-go/internal/wire"
)

// Channel is one reliable, ordered, bidirectional stream of JSON messages
// with a remote peer, multiplexed over the Device's WebSocket connection.
// Channels are created implicitly when the peer sends an opening DATA
// message; applications never construct one directly.
//
// A Channel outlives individual WebSocket reconnects: messages sent while
// disconnected are queued and replayed, in order, once the peer reconnects.
type Channel struct {
	id     string
	device deviceLink
	log    *slog.Logger

	mu      sync.Mutex
	state   ChannelState
	sendSeq uint32
	recvSeq uint32
	unacked []wire.DataFrame

	messageListeners listeners.Table[MessageHandler]
	stateListeners   listeners.Table[ChannelStateHandler]
	errorListeners   listeners.Table[ChannelErrorHandler]
}

func newChannel(dl deviceLink, id string, logger *slog.Logger) *Channel {
	return &Channel{
		id:     id,
		device: dl,
		log:    logger.With("channel_id", id),
		state:  ChannelStateNew,
	}
}

// ChannelID returns the backend-assigned identifier for this channel.
func (c *Channel) ChannelID() string { return c.id }

// State returns the Channel's current lifecycle state.
func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// SendMessage enqueues payload for delivery to the peer in order. It never
// blocks on I/O: if the device is currently disconnected, the message is
// queued and sent once the peer reconnects. It is a no-op, with a logged
// warning, once the channel has reached a terminal state.
func (c *Channel) SendMessage(payload json.RawMessage) {
	c.mu.Lock()
	if c.state.ended() {
		c.mu.Unlock()
		c.log.Warn("SendMessage called on ended channel, ignoring")
		return
	}
	seq := c.sendSeq
	c.sendSeq++
	frame := wire.NewDataFrame(seq, payload)
	c.unacked = append(c.unacked, frame)
	c.mu.Unlock()

	c.device.sendChannelFrame(c.id, frame)
}

// SendError reports err to the peer and transitions the channel to
// ChannelStateFailed. Any further local send on this channel is a no-op.
func (c *Channel) SendError(err *SignalingError) {
	c.mu.Lock()
	if c.state.ended() {
		c.mu.Unlock()
		c.log.Warn("SendError called on ended channel, ignoring")
		return
	}
	c.mu.Unlock()

	c.device.sendChannelError(c.id, err)
	c.changeState(ChannelStateFailed)
}

// Close transitions the channel to ChannelStateClosed, notifies the peer
// with a best-effort CHANNEL_CLOSED error, and clears all listener tables.
// Safe to call more than once.
func (c *Channel) Close() {
	c.mu.Lock()
	if c.state.ended() {
		c.mu.Unlock()
		return
	}
	c.state = ChannelStateClosed
	handlers := c.stateListeners.Snapshot()
	c.clearListenersLocked()
	c.mu.Unlock()

	for _, h := range handlers {
		h(ChannelStateClosed)
	}
	c.device.channelClosed(c.id)
}

// AddMessageListener registers h to receive application payloads delivered
// in order on this channel.
func (c *Channel) AddMessageListener(h MessageHandler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.messageListeners.Add(h)
}

// RemoveMessageListener deregisters a listener added by AddMessageListener.
func (c *Channel) RemoveMessageListener(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.messageListeners.Remove(id)
}

// AddStateChangeListener registers h to be called on every Channel state
// transition.
func (c *Channel) AddStateChangeListener(h ChannelStateHandler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stateListeners.Add(h)
}

// RemoveStateChangeListener deregisters a listener added by
// AddStateChangeListener.
func (c *Channel) RemoveStateChangeListener(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stateListeners.Remove(id)
}

// ReportProtocolError sends err to the peer over the wire and notifies this
// channel's error listeners, without touching the channel's lifecycle state.
// It is the mechanism a layer built on top of a Channel (such as
// msgtransport.Transport) uses to surface a locally-detected protocol error
// — a decode or verification failure — while leaving the decision to
// actually close the channel to application policy, per the channel's own
// decode-error handling in handleMessage.
func (c *Channel) ReportProtocolError(err *SignalingError) {
	c.device.sendChannelError(c.id, err)
	c.dispatchError(err)
}

// AddErrorListener registers h to receive SignalingErrors on this channel:
// those reported by the peer, and those raised locally through
// ReportProtocolError (including the channel's own decode errors).
func (c *Channel) AddErrorListener(h ChannelErrorHandler) uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.errorListeners.Add(h)
}

// RemoveErrorListener deregisters a listener added by AddErrorListener.
func (c *Channel) RemoveErrorListener(id uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errorListeners.Remove(id)
}

// handleMessage decodes a MESSAGE envelope's inner frame (DATA or ACK) and
// applies it. Frames arriving after the channel has ended are dropped.
func (c *Channel) handleMessage(raw json.RawMessage) {
	c.mu.Lock()
	ended := c.state.ended()
	c.mu.Unlock()
	if ended {
		c.log.Debug("dropping channel frame on ended channel")
		return
	}

	typ, err := wire.PeekType(raw)
	if err != nil {
		c.raiseDecodeError(fmt.Errorf("decoding channel frame type: %w", err))
		return
	}

	switch typ {
	case wire.FrameData:
		var frame wire.DataFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.raiseDecodeError(fmt.Errorf("decoding DATA frame: %w", err))
			return
		}
		c.handleData(frame)
	case wire.FrameAck:
		var frame wire.AckFrame
		if err := json.Unmarshal(raw, &frame); err != nil {
			c.raiseDecodeError(fmt.Errorf("decoding ACK frame: %w", err))
			return
		}
		c.handleAck(frame)
	default:
		c.log.Warn("dropping channel frame of unknown type", "type", typ)
	}
}

// handleData applies the strict-ordering invariant: a frame at the expected
// sequence is delivered and ACKed; a frame behind the expected sequence is a
// duplicate and is re-ACKed but not re-delivered; a frame ahead of the
// expected sequence is a protocol violation and raises a decode error.
func (c *Channel) handleData(frame wire.DataFrame) {
	c.mu.Lock()
	switch {
	case frame.Seq == c.recvSeq:
		c.recvSeq++
		c.mu.Unlock()
		c.device.sendChannelFrame(c.id, wire.NewAckFrame(frame.Seq))
		c.dispatchMessage(frame.Data)
	case frame.Seq < c.recvSeq:
		c.mu.Unlock()
		c.device.sendChannelFrame(c.id, wire.NewAckFrame(frame.Seq))
	default:
		c.mu.Unlock()
		c.raiseDecodeError(fmt.Errorf("out-of-order DATA frame: got seq %d, expected %d", frame.Seq, c.recvSeq))
	}
}

func (c *Channel) handleAck(frame wire.AckFrame) {
	c.mu.Lock()
	if len(c.unacked) == 0 || c.unacked[0].Seq != frame.Seq {
		c.mu.Unlock()
		c.log.Warn("dropping unexpected ACK", "seq", frame.Seq)
		return
	}
	c.unacked = c.unacked[1:]
	c.mu.Unlock()
}

// peerConnected resends every unacknowledged message, in order, then
// transitions to ChannelStateOnline. Resending first (before the state
// transition) ensures a reconnect handler that immediately sends a new
// message can't race ahead of the replay.
func (c *Channel) peerConnected() {
	c.mu.Lock()
	pending := append([]wire.DataFrame(nil), c.unacked...)
	c.mu.Unlock()

	for _, frame := range pending {
		c.device.sendChannelFrame(c.id, frame)
	}
	c.changeState(ChannelStateOnline)
}

func (c *Channel) peerOffline() {
	c.changeState(ChannelStateOffline)
}

func (c *Channel) handleError(err *SignalingError) {
	c.mu.Lock()
	ended := c.state.ended()
	c.mu.Unlock()
	if ended {
		return
	}
	c.log.Info("peer reported channel error", "code", err.Code, "message", err.Message)
	c.changeState(ChannelStateFailed)
	c.dispatchError(err)
}

// wsClosed is called by the Device when it is itself closing, to notify the
// channel of the underlying connection's terminal loss without sending any
// further wire traffic (the Device sends the CHANNEL_CLOSED notice itself).
func (c *Channel) wsClosed() {
	c.mu.Lock()
	if c.state.ended() {
		c.mu.Unlock()
		return
	}
	c.state = ChannelStateClosed
	handlers := c.stateListeners.Snapshot()
	c.clearListenersLocked()
	c.mu.Unlock()

	for _, h := range handlers {
		h(ChannelStateClosed)
	}
}

func (c *Channel) raiseDecodeError(err error) {
	de := &DecodeError{Reason: "channel frame", Err: err}
	c.log.Warn("channel decode error", "error", err)
	c.ReportProtocolError(SignalingErrorFromDecodeError(de))
}

func (c *Channel) changeState(ns ChannelState) {
	c.mu.Lock()
	if c.state.ended() {
		c.mu.Unlock()
		return
	}
	c.state = ns
	handlers := c.stateListeners.Snapshot()
	c.mu.Unlock()

	for _, h := range handlers {
		h(ns)
	}
}

func (c *Channel) dispatchMessage(data json.RawMessage) {
	c.mu.Lock()
	handlers := c.messageListeners.Snapshot()
	c.mu.Unlock()
	for _, h := range handlers {
		h(data)
	}
}

func (c *Channel) dispatchError(err *SignalingError) {
	c.mu.Lock()
	handlers := c.errorListeners.Snapshot()
	c.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

// clearListenersLocked clears every listener table. Caller holds c.mu.
func (c *Channel) clearListenersLocked() {
	c.messageListeners.Clear()
	c.stateListeners.Clear()
	c.errorListeners.Clear()
}
