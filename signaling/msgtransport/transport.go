package msgtransport

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/nabto/webrtc-signaling-device-go/internal/listeners"
	"github.com/nabto/webrtc-signaling-device-go/internal/wire"
	"github.com/nabto/webrtc-signaling-device-go/signaling"
)

// MessageHandler receives verified, decoded WebRTC signaling messages.
type MessageHandler func(msg WebrtcSignalingMessage)

// StateHandler observes the underlying channel's lifecycle, passed through
// unchanged.
type StateHandler func(state signaling.ChannelState)

// ErrorHandler receives transport-level errors: a *VerificationError from a
// failed Verify, a decode failure, or a *signaling.SignalingError reported by
// the peer on the underlying channel.
type ErrorHandler func(err error)

// SetupDoneHandler fires once this side has answered a peer's SETUP_REQUEST
// with the ICE-server list it sent back.
type SetupDoneHandler func(iceServers []signaling.IceServer)

// IceServersProvider fetches the current ICE-server list to answer a peer's
// setup request. Typically (*signaling.Device).RequestIceServers.
type IceServersProvider func(ctx context.Context) ([]signaling.IceServer, error)

// Transport sits between a signaling.Channel and the application. It signs
// outbound messages and verifies inbound ones with the configured Signer,
// and transparently answers the peer's ICE-server setup handshake.
//
// Transport takes over the channel's listener tables: once created, the
// application should interact with the channel only through the Transport.
type Transport struct {
	ch         *signaling.Channel
	signer     Signer
	iceServers IceServersProvider
	log        *slog.Logger

	mu                 sync.Mutex
	messageListeners   listeners.Table[MessageHandler]
	stateListeners     listeners.Table[StateHandler]
	errorListeners     listeners.Table[ErrorHandler]
	setupDoneListeners listeners.Table[SetupDoneHandler]
}

// New attaches a Transport to ch. signer defaults to NoneSigner if nil.
// iceServers may be nil if this device never expects a setup request.
func New(ch *signaling.Channel, signer Signer, iceServers IceServersProvider, logger *slog.Logger) *Transport {
	if signer == nil {
		signer = NoneSigner{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	t := &Transport{
		ch:         ch,
		signer:     signer,
		iceServers: iceServers,
		log:        logger.With("component", "signaling.msgtransport", "channel_id", ch.ChannelID()),
	}
	ch.AddMessageListener(t.handleChannelMessage)
	ch.AddStateChangeListener(t.handleChannelState)
	ch.AddErrorListener(t.handleChannelError)
	return t
}

// Option customizes NewNoneTransport/NewSharedSecretTransport.
type Option func(*options)

type options struct {
	localKeyID string
	logger     *slog.Logger
}

// WithKeyID sets the JWT "kid" header this side signs outbound messages
// with, for a SharedSecretSigner. Ignored by NewNoneTransport.
func WithKeyID(keyID string) Option {
	return func(o *options) { o.localKeyID = keyID }
}

// WithLogger overrides the default slog.Default() logger.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) { o.logger = logger }
}

func resolveOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

// NewNoneTransport attaches an unauthenticated Transport to ch, answering
// setup requests with device's ICE-server list.
func NewNoneTransport(device *signaling.Device, ch *signaling.Channel, opts ...Option) *Transport {
	o := resolveOptions(opts)
	return New(ch, NoneSigner{}, device.RequestIceServers, o.logger)
}

// NewSharedSecretTransport attaches a Transport authenticated by HS256 JWTs
// to ch. keyLookup resolves the shared secret for both verifying inbound
// messages (by the peer's "kid") and, via WithKeyID, signing outbound ones.
func NewSharedSecretTransport(device *signaling.Device, ch *signaling.Channel, keyLookup KeyLookup, opts ...Option) *Transport {
	o := resolveOptions(opts)
	signer := NewSharedSecretSigner(keyLookup, o.localKeyID)
	return New(ch, signer, device.RequestIceServers, o.logger)
}

// ChannelID returns the id of the underlying channel.
func (t *Transport) ChannelID() string { return t.ch.ChannelID() }

// SendMessage signs and sends msg to the peer. A signing failure is
// returned as a *VerificationError and also reported to the peer as a
// VERIFICATION_ERROR.
func (t *Transport) SendMessage(msg WebrtcSignalingMessage) error {
	payload, err := encodeSignalingMessage(msg)
	if err != nil {
		return err
	}
	return t.sendRaw(payload)
}

// SendError reports err to the peer and fails the underlying channel.
func (t *Transport) SendError(err *signaling.SignalingError) {
	t.ch.SendError(err)
}

// Close closes the underlying channel.
func (t *Transport) Close() {
	t.ch.Close()
}

// AddMessageListener registers h to receive verified, decoded signaling
// messages.
func (t *Transport) AddMessageListener(h MessageHandler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.messageListeners.Add(h)
}

// RemoveMessageListener deregisters a listener added by AddMessageListener.
func (t *Transport) RemoveMessageListener(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.messageListeners.Remove(id)
}

// AddStateChangeListener registers h to observe the underlying channel's
// state transitions.
func (t *Transport) AddStateChangeListener(h StateHandler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stateListeners.Add(h)
}

// RemoveStateChangeListener deregisters a listener added by
// AddStateChangeListener.
func (t *Transport) RemoveStateChangeListener(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stateListeners.Remove(id)
}

// AddErrorListener registers h to receive transport and peer-reported
// errors.
func (t *Transport) AddErrorListener(h ErrorHandler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.errorListeners.Add(h)
}

// RemoveErrorListener deregisters a listener added by AddErrorListener.
func (t *Transport) RemoveErrorListener(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.errorListeners.Remove(id)
}

// AddSetupDoneListener registers h to be called once this side has answered
// a peer's SETUP_REQUEST with the ICE-server list it sent back.
func (t *Transport) AddSetupDoneListener(h SetupDoneHandler) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.setupDoneListeners.Add(h)
}

// RemoveSetupDoneListener deregisters a listener added by
// AddSetupDoneListener.
func (t *Transport) RemoveSetupDoneListener(id uint32) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.setupDoneListeners.Remove(id)
}

func (t *Transport) handleChannelMessage(raw json.RawMessage) {
	var env wire.SignedEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		t.raiseLocalError(signaling.ErrorCodeDecodeError, fmt.Errorf("decoding signed envelope: %w", err))
		return
	}

	plain, err := t.signer.Verify(env)
	if err != nil {
		var decErr *EnvelopeDecodeError
		if errors.As(err, &decErr) {
			t.raiseLocalError(signaling.ErrorCodeDecodeError, fmt.Errorf("decoding signed envelope: %w", decErr.Err))
		} else {
			t.raiseLocalError(signaling.ErrorCodeVerificationError, &VerificationError{Err: err})
		}
		return
	}

	typ, err := wire.PeekType(plain)
	if err != nil {
		t.raiseLocalError(signaling.ErrorCodeDecodeError, fmt.Errorf("decoding message type: %w", err))
		return
	}

	switch typ {
	case wire.TypeSetupRequest:
		t.handleSetupRequest()
	case wire.TypeSetupResponse:
		t.log.Warn("dropping unexpected SETUP_RESPONSE")
	default:
		msg, err := decodeSignalingMessage(typ, plain)
		if err != nil {
			t.raiseLocalError(signaling.ErrorCodeDecodeError, err)
			return
		}
		t.dispatchMessage(msg)
	}
}

func (t *Transport) handleSetupRequest() {
	var servers []signaling.IceServer
	if t.iceServers != nil {
		var err error
		servers, err = t.iceServers(context.Background())
		if err != nil {
			t.log.Warn("failed to fetch ice servers for setup response", "error", err)
		}
	}
	wireServers := make([]wire.IceServer, len(servers))
	for i, s := range servers {
		wireServers[i] = wire.IceServer{URLs: s.URLs, Username: s.Username, Credential: s.Credential}
	}
	if err := t.sendRaw(wire.SetupResponse{Type: wire.TypeSetupResponse, IceServers: wireServers}); err != nil {
		return
	}
	t.dispatchSetupDone(servers)
}

func (t *Transport) handleChannelState(s signaling.ChannelState) {
	t.mu.Lock()
	handlers := t.stateListeners.Snapshot()
	t.mu.Unlock()
	for _, h := range handlers {
		h(s)
	}
}

func (t *Transport) handleChannelError(err *signaling.SignalingError) {
	// The peer already knows its own error; only notify local listeners,
	// don't report it back.
	t.notifyErrorListeners(err)
}

func (t *Transport) dispatchMessage(msg WebrtcSignalingMessage) {
	t.mu.Lock()
	handlers := t.messageListeners.Snapshot()
	t.mu.Unlock()
	for _, h := range handlers {
		h(msg)
	}
}

func (t *Transport) dispatchSetupDone(servers []signaling.IceServer) {
	t.mu.Lock()
	handlers := t.setupDoneListeners.Snapshot()
	t.mu.Unlock()
	for _, h := range handlers {
		h(servers)
	}
}

// raiseLocalError handles an error this transport detected itself (a decode
// or verification failure): it reports code/err to the peer over the
// channel and notifies local error listeners.
func (t *Transport) raiseLocalError(code signaling.ErrorCode, err error) {
	t.log.Warn("transport error", "error", err)
	t.ch.ReportProtocolError(signaling.NewSignalingError(code, err.Error()))
	t.notifyErrorListeners(err)
}

func (t *Transport) notifyErrorListeners(err error) {
	t.mu.Lock()
	handlers := t.errorListeners.Snapshot()
	t.mu.Unlock()
	for _, h := range handlers {
		h(err)
	}
}

func (t *Transport) sendRaw(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		t.log.Error("failed to marshal outbound message", "error", err)
		return fmt.Errorf("marshaling outbound message: %w", err)
	}
	env, err := t.signer.Sign(data)
	if err != nil {
		verr := &VerificationError{Err: err}
		t.raiseLocalError(signaling.ErrorCodeVerificationError, verr)
		return verr
	}
	envData, err := json.Marshal(env)
	if err != nil {
		t.log.Error("failed to marshal signed envelope", "error", err)
		return fmt.Errorf("marshaling signed envelope: %w", err)
	}
	t.ch.SendMessage(envData)
	return nil
}
