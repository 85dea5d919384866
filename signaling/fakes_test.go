package signaling

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/nabto/webrtc-signaling-device-go/signaling/transport"
)

// fakeLink is the shared state behind a pair of fakeConns simulating one
// WebSocket connection, device side and peer side.
type fakeLink struct {
	aToB   chan []byte
	bToA   chan []byte
	closed chan struct{}
	once   sync.Once
}

func newFakeLink() *fakeLink {
	return &fakeLink{
		aToB:   make(chan []byte, 64),
		bToA:   make(chan []byte, 64),
		closed: make(chan struct{}),
	}
}

func (l *fakeLink) close() {
	l.once.Do(func() { close(l.closed) })
}

type fakeConn struct {
	link *fakeLink
	send chan []byte
	recv chan []byte
}

// newFakeConnPair returns the device-side and peer-side ends of one
// in-memory WebSocket connection.
func newFakeConnPair() (device *fakeConn, peer *fakeConn) {
	l := newFakeLink()
	device = &fakeConn{link: l, send: l.aToB, recv: l.bToA}
	peer = &fakeConn{link: l, send: l.bToA, recv: l.aToB}
	return device, peer
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

func (c *fakeConn) Close() error {
	c.link.close()
	return nil
}

// fakeDialer hands out pre-queued dial outcomes in order; the default
// outcome (queue empty) is a freshly created connection pair.
type fakeDialer struct {
	mu      sync.Mutex
	errs    []error
	dialedN int
	peers   chan *fakeConn
}

func newFakeDialer() *fakeDialer {
	return &fakeDialer{peers: make(chan *fakeConn, 64)}
}

func (d *fakeDialer) queueDialError(err error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.errs = append(d.errs, err)
}

func (d *fakeDialer) Dial(ctx context.Context, url string, header http.Header) (transport.WSConn, error) {
	d.mu.Lock()
	d.dialedN++
	var err error
	if len(d.errs) > 0 {
		err = d.errs[0]
		d.errs = d.errs[1:]
	}
	d.mu.Unlock()

	if err != nil {
		return nil, err
	}

	deviceSide, peerSide := newFakeConnPair()
	d.peers <- peerSide
	return deviceSide, nil
}

// nextPeer blocks until the Nth dial has produced a peer-side connection.
func (d *fakeDialer) nextPeer() *fakeConn {
	select {
	case p := <-d.peers:
		return p
	case <-time.After(2 * time.Second):
		panic("fakeDialer: timed out waiting for a dial")
	}
}

// manualTimer captures scheduled work for manualTimerFactory without running
// any real timers; tests fire it explicitly.
type manualTimer struct {
	stopped bool
}

func (t *manualTimer) Stop() bool {
	already := t.stopped
	t.stopped = true
	return !already
}

type scheduledCall struct {
	d  time.Duration
	fn func()
}

// manualTimerFactory replaces transport.TimerFactory in tests so reconnect
// backoff never actually sleeps; tests call fireNext to advance it.
type manualTimerFactory struct {
	mu        sync.Mutex
	scheduled []scheduledCall
}

func newManualTimerFactory() *manualTimerFactory {
	return &manualTimerFactory{}
}

func (f *manualTimerFactory) AfterFunc(d time.Duration, fn func()) transport.Timer {
	f.mu.Lock()
	f.scheduled = append(f.scheduled, scheduledCall{d: d, fn: fn})
	f.mu.Unlock()
	return &manualTimer{}
}

// fireNext runs the oldest not-yet-fired scheduled call, blocking briefly if
// none is queued yet.
func (f *manualTimerFactory) fireNext() time.Duration {
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		f.mu.Lock()
		if len(f.scheduled) > 0 {
			call := f.scheduled[0]
			f.scheduled = f.scheduled[1:]
			f.mu.Unlock()
			call.fn()
			return call.d
		}
		f.mu.Unlock()
		time.Sleep(time.Millisecond)
	}
	panic("manualTimerFactory: timed out waiting for a scheduled call")
}
