package msgtransport_test

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/nabto/webrtc-signaling-device-go/signaling"
	"github.com/nabto/webrtc-signaling-device-go/signaling/transport"
)

type fakeLink struct {
	aToB   chan []byte
	bToA   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{aToB: make(chan []byte, 64), bToA: make(chan []byte, 64), closed: make(chan struct{})}
}

func (l *fakeLink) close() { l.once.Do(func() { close(l.closed) }) }

type fakeConn struct {
	link *fakeLink
	send chan []byte
	recv chan []byte
}

func newFakeConnPair() (device *fakeConn, peer *fakeConn) {
	l := newFakeLink()
	return &fakeConn{link: l, send: l.aToB, recv: l.bToA}, &fakeConn{link: l, send: l.bToA, recv: l.aToB}
}

func (c *fakeConn) Write(ctx context.Context, data []byte) error {
	cp := append([]byte(nil), data...)
	select {
	case c.send <- cp:
		return nil
	case <-c.link.closed:
		return errors.New("fakeConn: write on closed connection")
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *fakeConn) Read(ctx context.Context) ([]byte, error) {
	select {
	case data := <-c.recv:
		return data, nil
	case <-c.link.closed:
		return nil, errors.New("fakeConn: read on closed connection")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConn) Close() error { c.link.close(); return nil }

type fakeDialer struct {
	mu    sync.Mutex
	peers chan *fakeConn
}

func newFakeDialer() *fakeDialer { return &fakeDialer{peers: make(chan *fakeConn, 8)} }

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.WSConn, error) {
	deviceSide, peerSide := newFakeConnPair()
	d.peers <- peerSide
	return deviceSide, nil
}

func (d *fakeDialer) nextPeer(t *testing.T) *fakeConn {
	t.Helper()
	select {
	case p := <-d.peers:
		return p
	case <-time.After(2 * time.Second):
		t.Fatal("fakeDialer: timed out waiting for a dial")
		return nil
	}
}

type manualTimer struct{}

func (manualTimer) Stop() bool { return true }

type manualTimerFactory struct{}

func (manualTimerFactory) AfterFunc(d time.Duration, fn func()) transport.Timer { return manualTimer{} }

// newAttachStub serves the two HTTP endpoints a Device needs to attach,
// always succeeding, with an unused WebSocket URL (a fakeDialer is used
// instead of dialing it).
func newAttachStub(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v1/device/connect":
			w.Header().Set("Content-Type", "application/json")
			_, _ = w.Write([]byte(`{"signalingUrl":"wss://unused.test/ws"}`))
		case "/v1/ice-servers":
			_, _ = w.Write([]byte(`{"iceServers":[{"urls":["stun:stun.test:3478"]}]}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

// newConnectedDevicePair brings up a Device (with a fake dialer) and returns
// it alongside the peer-side fake connection once it reaches CONNECTED.
func newConnectedDevicePair(t *testing.T) (*signaling.Device, *fakeConn) {
	t.Helper()
	srv := newAttachStub(t)
	dialer := newFakeDialer()
	d, err := signaling.NewDevice(signaling.Config{
		ProductID:     "p",
		DeviceID:      "d",
		HTTPHost:      srv.URL,
		TokenProvider: func(ctx context.Context) (string, error) { return "tok", nil },
		WSDialer:      dialer,
		TimerFactory:  manualTimerFactory{},
	})
	if err != nil {
		t.Fatalf("NewDevice: %v", err)
	}
	t.Cleanup(d.Close)

	states := make(chan signaling.DeviceState, 16)
	d.AddStateChangeListener(func(s signaling.DeviceState) { states <- s })
	d.Start(context.Background())

	waitState(t, states, signaling.DeviceStateConnecting)
	waitState(t, states, signaling.DeviceStateConnected)

	return d, dialer.nextPeer(t)
}

func waitState(t *testing.T, ch <-chan signaling.DeviceState, want signaling.DeviceState) {
	t.Helper()
	select {
	case got := <-ch:
		if got != want {
			t.Fatalf("state = %v, want %v", got, want)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for state %v", want)
	}
}

// openChannel opens a channel on the peer side, by sending an opening DATA
// frame, and returns the resulting *signaling.Channel seen by the device.
func openChannel(t *testing.T, d *signaling.Device, peer *fakeConn, channelID string) *signaling.Channel {
	t.Helper()
	gotCh := make(chan *signaling.Channel, 1)
	d.AddNewChannelListener(func(ch *signaling.Channel, authorized bool) { gotCh <- ch })

	writeFrame(t, peer, channelID, dataFrameJSON(t, 0, json.RawMessage(`{}`)))
	readRaw(t, peer) // the ACK for seq 0

	select {
	case ch := <-gotCh:
		return ch
	case <-time.After(2 * time.Second):
		t.Fatal("channel never opened")
		return nil
	}
}

type wireEnvelope struct {
	Type       string          `json:"type"`
	ChannelID  string          `json:"channelId,omitempty"`
	Message    json.RawMessage `json:"message,omitempty"`
	Authorized *bool           `json:"authorized,omitempty"`
	Error      *wireError      `json:"error,omitempty"`
}

type wireError struct {
	Code    string `json:"code"`
	Message string `json:"message,omitempty"`
}

func dataFrameJSON(t *testing.T, seq uint32, data json.RawMessage) json.RawMessage {
	t.Helper()
	frame := struct {
		Type string          `json:"type"`
		Seq  uint32          `json:"seq"`
		Data json.RawMessage `json:"data"`
	}{"DATA", seq, data}
	b, err := json.Marshal(frame)
	if err != nil {
		t.Fatal(err)
	}
	return b
}

func writeFrame(t *testing.T, peer *fakeConn, channelID string, message json.RawMessage) {
	t.Helper()
	authorized := true
	env := wireEnvelope{Type: "MESSAGE", ChannelID: channelID, Message: message, Authorized: &authorized}
	b, err := json.Marshal(env)
	if err != nil {
		t.Fatal(err)
	}
	if err := peer.Write(context.Background(), b); err != nil {
		t.Fatal(err)
	}
}

func readRaw(t *testing.T, peer *fakeConn) wireEnvelope {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	data, err := peer.Read(ctx)
	if err != nil {
		t.Fatalf("peer.Read: %v", err)
	}
	var env wireEnvelope
	if err := json.Unmarshal(data, &env); err != nil {
		t.Fatalf("unmarshal envelope: %v", err)
	}
	return env
}

// readDataFrame reads the next envelope off peer and decodes its DATA frame
// payload, skipping the bookkeeping of channel id / seq the caller doesn't
// care about.
func readDataFrame(t *testing.T, peer *fakeConn) json.RawMessage {
	t.Helper()
	env := readRaw(t, peer)
	var frame struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(env.Message, &frame); err != nil {
		t.Fatalf("unmarshal data frame: %v", err)
	}
	return frame.Data
}

func nextSeq(seq *uint32) uint32 {
	v := *seq
	*seq++
	return v
}
