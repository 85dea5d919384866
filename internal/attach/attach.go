// Package attach implements the device's HTTPS handshake with the Nabto
// backend: exchanging a bearer token for a WebSocket URL, and fetching
// ICE-server configuration on demand. It follows a plain REST-client pattern
// (POST a JSON body, read back a typed JSON response, wrap non-2xx as an
// error).
package attach

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	"github.com/nabto/webrtc-signaling-device-go/internal/wire"
	"github.com/nabto/webrtc-signaling-device-go/signaling/transport"
)

// defaultHTTPHostSuffix is appended to ProductID when no explicit host is
// configured, per spec: https://{productId}.webrtc.nabto.net.
const defaultHTTPHostSuffix = ".webrtc.nabto.net"

// Client talks to the two attach endpoints for a single device identity.
type Client struct {
	httpHost  string
	productID string
	deviceID  string
	http      transport.HTTPClient
	log       *slog.Logger
}

// New creates an attach Client. If httpHost is empty, it defaults to
// https://{productID}.webrtc.nabto.net.
func New(httpHost, productID, deviceID string, httpClient transport.HTTPClient, logger *slog.Logger) *Client {
	if httpHost == "" {
		httpHost = "https://" + productID + defaultHTTPHostSuffix
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		httpHost:  httpHost,
		productID: productID,
		deviceID:  deviceID,
		http:      httpClient,
		log:       logger.With("component", "signaling.attach"),
	}
}

type connectResponse struct {
	SignalingURL string `json:"signalingUrl"`
}

// Attach posts to /v1/device/connect and returns the WebSocket URL to
// connect to. Any non-2xx response or transport error is returned as an
// error; the caller (the device state machine) treats this as retryable.
func (c *Client) Attach(ctx context.Context, token string) (string, error) {
	body, err := c.do(ctx, "/v1/device/connect", token)
	if err != nil {
		return "", err
	}

	var resp connectResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", fmt.Errorf("parsing attach response: %w", err)
	}
	if resp.SignalingURL == "" {
		return "", fmt.Errorf("attach response missing signalingUrl")
	}
	return resp.SignalingURL, nil
}

type iceServersResponse struct {
	IceServers []wire.IceServer `json:"iceServers"`
}

// IceServers posts to /v1/ice-servers and returns the ICE-server list. Per
// spec, failures at this layer resolve to an empty list rather than an
// error — policy about what to do with no ICE servers belongs to the
// message-transport/application layer.
func (c *Client) IceServers(ctx context.Context, token string) []wire.IceServer {
	body, err := c.do(ctx, "/v1/ice-servers", token)
	if err != nil {
		c.log.Warn("ice-servers request failed", "error", err)
		return nil
	}

	var resp iceServersResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		c.log.Warn("failed to parse ice-servers response", "error", err)
		return nil
	}
	return resp.IceServers
}

func (c *Client) do(ctx context.Context, path, token string) ([]byte, error) {
	reqBody, err := json.Marshal(map[string]string{
		"deviceId":  c.deviceID,
		"productId": c.productID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshaling request body: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.httpHost+path, bytes.NewReader(reqBody))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("calling %s: %w", path, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response body: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("%s failed: HTTP %d", path, resp.StatusCode)
	}
	return respBody, nil
}
