// Package signaling implements the device side of the Nabto WebRTC
// signaling protocol: attaching to the backend, maintaining the WebSocket
// connection with exponential-backoff reconnect, and multiplexing reliable,
// ordered channels to remote peers over it.
package signaling

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/nabto/webrtc-signaling-device-go/internal/attach"
	"github.com/nabto/webrtc-signaling-device-go/internal/listeners"
	"github.com/nabto/webrtc-signaling-device-go/internal/wire"
	"github.com/nabto/webrtc-signaling-device-go/signaling/transport"
)

// Version identifies this implementation of the signaling protocol, reported
// by Device.Version.
const Version = "1.0.0"

// maxReconnectExponent bounds the backoff formula 2^n at 64s before it's
// capped to reconnectBackoffCap, avoiding any risk of overflow as n grows
// across a long-lived device's lifetime.
const maxReconnectExponent = 6

const reconnectBackoffCap = 60 * time.Second

// Device is a single attached signaling session with the backend. Create one
// with NewDevice, call Start to begin connecting, and Close to tear down.
// A Device whose state reaches DeviceStateFailed or DeviceStateClosed is
// done: construct a new Device to signal again.
type Device struct {
	cfg    Config
	log    *slog.Logger
	attach *attach.Client

	mu           sync.Mutex
	state        DeviceState
	ws           transport.WSConn
	wsURL        string
	firstConnect bool
	reconnectN   int
	timer        transport.Timer
	pongCount    uint64
	closed       bool
	channels     map[string]*Channel

	newChannelListeners listeners.Table[NewChannelHandler]
	stateListeners      listeners.Table[DeviceStateHandler]
	reconnectListeners  listeners.Table[ReconnectHandler]

	runCtx context.Context
	cancel context.CancelFunc
}

// NewDevice validates cfg, applies its defaults, and returns a Device in
// DeviceStateNew. Call Start to begin connecting.
func NewDevice(cfg Config) (*Device, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cfg.applyDefaults()

	httpHost := cfg.HTTPHost
	d := &Device{
		cfg:          cfg,
		log:          cfg.Logger.With("component", "signaling.device", "device_id", cfg.DeviceID),
		state:        DeviceStateNew,
		firstConnect: true,
		channels:     make(map[string]*Channel),
	}
	d.attach = attach.New(httpHost, cfg.ProductID, cfg.DeviceID, cfg.HTTPClient, d.log)
	return d, nil
}

// Version reports the signaling protocol version this Device implements.
func (d *Device) Version() string { return Version }

// State returns the Device's current lifecycle state.
func (d *Device) State() DeviceState {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.state
}

// Start begins attaching and connecting in the background. It returns
// immediately; connection progress is reported through the state-change
// listener. Calling Start more than once, or from any state but
// DeviceStateNew, logs a warning and does nothing.
func (d *Device) Start(ctx context.Context) {
	d.mu.Lock()
	if d.state != DeviceStateNew || d.runCtx != nil {
		d.mu.Unlock()
		d.log.Warn("Start called from invalid state", "state", d.state)
		return
	}
	runCtx, cancel := context.WithCancel(ctx)
	d.runCtx = runCtx
	d.cancel = cancel
	d.mu.Unlock()

	go d.doConnect(runCtx)
}

// AddNewChannelListener registers h to be called whenever the peer opens a
// new channel, and returns an id to later pass to RemoveNewChannelListener.
func (d *Device) AddNewChannelListener(h NewChannelHandler) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.newChannelListeners.Add(h)
}

// RemoveNewChannelListener deregisters a listener added by
// AddNewChannelListener.
func (d *Device) RemoveNewChannelListener(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.newChannelListeners.Remove(id)
}

// AddStateChangeListener registers h to be called on every Device state
// transition.
func (d *Device) AddStateChangeListener(h DeviceStateHandler) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stateListeners.Add(h)
}

// RemoveStateChangeListener deregisters a listener added by
// AddStateChangeListener.
func (d *Device) RemoveStateChangeListener(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stateListeners.Remove(id)
}

// AddReconnectListener registers h to be called every time the device
// re-establishes its WebSocket connection after the first. It never fires
// for the initial connect.
func (d *Device) AddReconnectListener(h ReconnectHandler) uint32 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reconnectListeners.Add(h)
}

// RemoveReconnectListener deregisters a listener added by
// AddReconnectListener.
func (d *Device) RemoveReconnectListener(id uint32) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.reconnectListeners.Remove(id)
}

// RequestIceServers fetches the current ICE-server list from the backend,
// generating a fresh token for the request. A token-generation failure is
// returned as an error; a failed or unparsable ice-servers request yields an
// empty list and a nil error, as does the backend returning an empty list.
func (d *Device) RequestIceServers(ctx context.Context) ([]IceServer, error) {
	token, err := d.cfg.TokenProvider(ctx)
	if err != nil {
		return nil, fmt.Errorf("generating token: %w", err)
	}
	wireServers := d.attach.IceServers(ctx, token)
	out := make([]IceServer, len(wireServers))
	for i, s := range wireServers {
		out[i] = IceServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	return out, nil
}

// CheckAlive sends a liveness PING over the active WebSocket connection and
// closes it if no PONG arrives within one second, which in turn triggers the
// normal reconnect path. It is a no-op if the device is not currently
// connected.
func (d *Device) CheckAlive() {
	d.mu.Lock()
	if d.state == DeviceStateClosed || d.state == DeviceStateFailed {
		d.mu.Unlock()
		d.log.Error("CheckAlive called from invalid state", "state", d.state)
		return
	}
	conn := d.ws
	before := d.pongCount
	d.mu.Unlock()
	if conn == nil {
		return
	}

	d.sendEnvelope(wire.Envelope{Type: wire.TypePing})
	d.cfg.TimerFactory.AfterFunc(time.Second, func() {
		d.mu.Lock()
		stale := d.pongCount == before && d.ws == conn
		d.mu.Unlock()
		if stale {
			d.log.Warn("no PONG received within liveness window, closing connection")
			_ = conn.Close()
		}
	})
}

// Close tears the device down: transitions to DeviceStateClosed, closes
// every open channel (sending CHANNEL_CLOSED to the peer where possible),
// cancels pending timers, closes the WebSocket, and clears all listener
// tables. It is safe to call more than once; only the first call has effect.
func (d *Device) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	chans := make([]*Channel, 0, len(d.channels))
	for _, ch := range d.channels {
		chans = append(chans, ch)
	}
	d.channels = nil
	ws := d.ws
	d.ws = nil
	timer := d.timer
	d.timer = nil
	d.mu.Unlock()

	d.changeState(DeviceStateClosed)

	for _, ch := range chans {
		ch.wsClosed()
		if ws != nil {
			d.writeEnvelopeRaw(ws, wire.Envelope{
				Type:      wire.TypeError,
				ChannelID: ch.ChannelID(),
				Error:     &wire.WireError{Code: string(ErrorCodeChannelClosed), Message: "the signaling device has been closed"},
			})
		}
	}

	if timer != nil {
		timer.Stop()
	}
	if ws != nil {
		_ = ws.Close()
	}

	d.mu.Lock()
	d.newChannelListeners.Clear()
	d.stateListeners.Clear()
	d.reconnectListeners.Clear()
	cancel := d.cancel
	d.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// doConnect generates a token, attaches over HTTPS to obtain the WebSocket
// URL, and dials it. Any failure along the way schedules a reconnect with
// backoff rather than failing the device outright, except for token
// generation failure, which is unrecoverable.
func (d *Device) doConnect(ctx context.Context) {
	d.mu.Lock()
	if d.state == DeviceStateClosed || d.state == DeviceStateFailed {
		d.mu.Unlock()
		return
	}
	d.mu.Unlock()
	d.changeState(DeviceStateConnecting)

	token, err := d.cfg.TokenProvider(ctx)
	if err != nil {
		d.log.Error("token generation failed, device cannot continue", "error", err)
		d.changeState(DeviceStateFailed)
		return
	}

	url, err := d.attach.Attach(ctx, token)
	if err != nil {
		d.log.Warn("attach failed", "error", err)
		d.waitReconnect(ctx)
		return
	}

	conn, err := d.cfg.WSDialer.Dial(ctx, url, nil)
	if err != nil {
		d.log.Warn("websocket dial failed", "error", err)
		d.waitReconnect(ctx)
		return
	}

	d.mu.Lock()
	if d.state == DeviceStateClosed || d.state == DeviceStateFailed {
		d.mu.Unlock()
		_ = conn.Close()
		return
	}
	d.ws = conn
	d.wsURL = url
	reconnecting := !d.firstConnect
	d.firstConnect = false
	d.reconnectN = 0
	var reconnectHandlers []ReconnectHandler
	if reconnecting {
		reconnectHandlers = d.reconnectListeners.Snapshot()
	}
	d.mu.Unlock()

	d.changeState(DeviceStateConnected)
	for _, h := range reconnectHandlers {
		h()
	}

	go d.readLoop(ctx, conn)
}

func (d *Device) readLoop(ctx context.Context, conn transport.WSConn) {
	for {
		data, err := conn.Read(ctx)
		if err != nil {
			d.mu.Lock()
			current := d.ws
			d.mu.Unlock()
			if current == conn {
				d.log.Info("websocket connection lost", "error", err)
				d.waitReconnect(ctx)
			}
			return
		}
		d.handleInbound(data)
	}
}

// waitReconnect transitions to DeviceStateWaitRetry and arms a timer that
// retries doConnect after an exponential backoff capped at one minute. It is
// idempotent: if already waiting, terminal, or closed, it does nothing.
func (d *Device) waitReconnect(ctx context.Context) {
	d.mu.Lock()
	if d.state == DeviceStateClosed || d.state == DeviceStateFailed || d.state == DeviceStateWaitRetry {
		d.mu.Unlock()
		return
	}
	d.ws = nil
	n := d.reconnectN
	if n < maxReconnectExponent {
		d.reconnectN++
	}
	d.mu.Unlock()

	d.changeState(DeviceStateWaitRetry)

	backoff := reconnectBackoffCap
	if n < maxReconnectExponent {
		backoff = time.Duration(math.Pow(2, float64(n))) * time.Second
		if backoff > reconnectBackoffCap {
			backoff = reconnectBackoffCap
		}
	}

	timer := d.cfg.TimerFactory.AfterFunc(backoff, func() {
		d.doConnect(ctx)
	})

	d.mu.Lock()
	d.timer = timer
	d.mu.Unlock()
}

func (d *Device) changeState(ns DeviceState) {
	d.mu.Lock()
	if d.state == DeviceStateFailed || d.state == DeviceStateClosed {
		d.mu.Unlock()
		return
	}
	d.state = ns
	handlers := d.stateListeners.Snapshot()
	d.mu.Unlock()

	d.log.Info("device state change", "state", ns)
	for _, h := range handlers {
		h(ns)
	}
}

// handleInbound decodes one WebSocket frame and routes it.
func (d *Device) handleInbound(data []byte) {
	var env wire.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		d.log.Warn("dropping malformed websocket frame", "error", err)
		return
	}

	switch env.Type {
	case wire.TypePing:
		d.sendEnvelope(wire.Envelope{Type: wire.TypePong})
	case wire.TypePong:
		d.mu.Lock()
		d.pongCount++
		d.mu.Unlock()
	case wire.TypeMessage:
		d.routeChannelMessage(env)
	case wire.TypeError:
		if ch, ok := d.lookupChannel(env.ChannelID); ok {
			ch.handleError(&SignalingError{Code: errCode(env.Error), Message: errMessage(env.Error)})
		}
	case wire.TypePeerOffline:
		if ch, ok := d.lookupChannel(env.ChannelID); ok {
			ch.peerOffline()
		}
	case wire.TypePeerConnected:
		if ch, ok := d.lookupChannel(env.ChannelID); ok {
			ch.peerConnected()
		}
	default:
		d.log.Warn("dropping envelope of unknown type", "type", env.Type)
	}
}

func (d *Device) routeChannelMessage(env wire.Envelope) {
	authorized := env.Authorized != nil && *env.Authorized

	d.mu.Lock()
	ch, ok := d.channels[env.ChannelID]
	if !ok {
		if !isInitialChannelMessage(env.Message) {
			d.mu.Unlock()
			d.sendWireError(env.ChannelID, ErrorCodeChannelNotFound, "no such channel")
			return
		}
		ch = newChannel(d, env.ChannelID, d.log)
		d.channels[env.ChannelID] = ch
		handlers := d.newChannelListeners.Snapshot()
		d.mu.Unlock()

		if len(handlers) == 0 {
			d.sendWireError(env.ChannelID, ErrorCodeInternalError, "no new-channel listener registered")
			return
		}
		for _, h := range handlers {
			h(ch, authorized)
		}
	} else {
		d.mu.Unlock()
	}

	ch.handleMessage(env.Message)
}

func (d *Device) lookupChannel(channelID string) (*Channel, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	ch, ok := d.channels[channelID]
	return ch, ok
}

// isInitialChannelMessage reports whether raw is a DATA frame at sequence 0,
// the only frame allowed to implicitly open a new channel.
func isInitialChannelMessage(raw json.RawMessage) bool {
	var frame wire.DataFrame
	if err := json.Unmarshal(raw, &frame); err != nil {
		return false
	}
	return frame.Type == wire.FrameData && frame.Seq == 0
}

func errCode(e *wire.WireError) string {
	if e == nil {
		return string(ErrorCodeInternalError)
	}
	return e.Code
}

func errMessage(e *wire.WireError) string {
	if e == nil {
		return ""
	}
	return e.Message
}

// deviceLink is the narrow surface of Device a Channel needs to send frames
// and report closure, kept separate from *Device so Channel never reaches
// back into Device's full API or lock ordering beyond what it needs.
type deviceLink interface {
	sendChannelFrame(channelID string, frame any)
	sendChannelError(channelID string, err *SignalingError)
	channelClosed(channelID string)
}

func (d *Device) sendChannelFrame(channelID string, frame any) {
	data, err := json.Marshal(frame)
	if err != nil {
		d.log.Error("failed to marshal outbound channel frame", "error", err)
		return
	}
	d.sendEnvelope(wire.Envelope{Type: wire.TypeMessage, ChannelID: channelID, Message: data})
}

func (d *Device) sendChannelError(channelID string, sigErr *SignalingError) {
	d.sendEnvelope(wire.Envelope{
		Type:      wire.TypeError,
		ChannelID: channelID,
		Error:     &wire.WireError{Code: sigErr.Code, Message: sigErr.Message},
	})
}

func (d *Device) sendWireError(channelID string, code ErrorCode, message string) {
	d.sendChannelError(channelID, NewSignalingError(code, message))
}

// channelClosed sends a best-effort CHANNEL_CLOSED notice to the peer and
// forgets the channel.
func (d *Device) channelClosed(channelID string) {
	d.sendWireError(channelID, ErrorCodeChannelClosed, "the signaling channel has been closed")
	d.mu.Lock()
	if d.channels != nil {
		delete(d.channels, channelID)
	}
	d.mu.Unlock()
}

func (d *Device) sendEnvelope(env wire.Envelope) {
	d.mu.Lock()
	conn := d.ws
	connected := d.state == DeviceStateConnected
	d.mu.Unlock()
	if !connected || conn == nil {
		d.log.Debug("dropping outbound frame, not connected", "type", env.Type)
		return
	}
	d.writeEnvelopeRaw(conn, env)
}

func (d *Device) writeEnvelopeRaw(conn transport.WSConn, env wire.Envelope) {
	data, err := json.Marshal(env)
	if err != nil {
		d.log.Error("failed to marshal outbound envelope", "error", err)
		return
	}
	ctx := d.runCtx
	if ctx == nil {
		ctx = context.Background()
	}
	if err := conn.Write(ctx, data); err != nil {
		d.log.Warn("failed to write to websocket", "error", err)
	}
}
