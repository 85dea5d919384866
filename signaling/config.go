package signaling

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/nabto/webrtc-signaling-device-go/signaling/transport"
)

// TokenProvider produces a bearer token authorizing this device to attach to
// the signaling backend. It is called before every attach attempt, including
// reconnects, so implementations that mint short-lived tokens (see the
// reftoken package) work without further wiring.
type TokenProvider func(ctx context.Context) (string, error)

// Config configures a Device. ProductID, DeviceID and TokenProvider are
// required; everything else has a default suitable for a networked host
// running a standard library runtime.
type Config struct {
	// ProductID and DeviceID identify this device to the signaling backend.
	ProductID string
	DeviceID  string

	// HTTPHost overrides the default https://{ProductID}.webrtc.nabto.net
	// attach host. Mainly useful in tests.
	HTTPHost string

	// TokenProvider is called to (re)authorize this device before attaching.
	TokenProvider TokenProvider

	// WSDialer, HTTPClient and TimerFactory default to the coder/websocket,
	// net/http and time.AfterFunc-backed adapters in the transport package.
	WSDialer     transport.WSDialer
	HTTPClient   transport.HTTPClient
	TimerFactory transport.TimerFactory

	// Logger defaults to slog.Default().
	Logger *slog.Logger
}

func (c *Config) validate() error {
	if c.ProductID == "" {
		return fmt.Errorf("signaling: Config.ProductID is required")
	}
	if c.DeviceID == "" {
		return fmt.Errorf("signaling: Config.DeviceID is required")
	}
	if c.TokenProvider == nil {
		return fmt.Errorf("signaling: Config.TokenProvider is required")
	}
	return nil
}

func (c *Config) applyDefaults() {
	if c.WSDialer == nil {
		c.WSDialer = transport.NewCoderDialer()
	}
	if c.HTTPClient == nil {
		c.HTTPClient = transport.NewHTTPClient(0)
	}
	if c.TimerFactory == nil {
		c.TimerFactory = transport.NewStdTimerFactory()
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}
