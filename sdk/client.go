// Package voicelive provides the client SDK for real-time voice
// conversations against the hiring-platform realtime gateway.
//
// The SDK covers the full session lifecycle: microphone permission, token
// exchange, the live websocket session, ordered playback, the conversation
// transcript, local recovery of in-flight progress, and retry with bounded
// exponential backoff.
package voicelive

import (
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/hiresim/voicelive/pkg/core"
)

// Client is the entry point for the SDK. It talks to the platform token
// and transcript endpoints over HTTP and dials the live gateway over
// websocket.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	dialer     *websocket.Dialer
	logger     *slog.Logger
}

// NewClient creates a client. The base URL defaults to VOICELIVE_BASE_URL
// and the API key to VOICELIVE_API_KEY.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		baseURL: strings.TrimSpace(os.Getenv("VOICELIVE_BASE_URL")),
		apiKey:  strings.TrimSpace(os.Getenv("VOICELIVE_API_KEY")),
		logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.httpClient == nil {
		c.httpClient = newDefaultHTTPClient()
	}
	if c.dialer == nil {
		c.dialer = websocket.DefaultDialer
	}
	return c
}

// newDefaultHTTPClient configures sane transport-level timeouts while
// keeping the overall request lifetime controlled by context deadlines.
//
// We intentionally do not set http.Client.Timeout because live sessions are
// long-lived; callers should use per-request context deadlines.
func newDefaultHTTPClient() *http.Client {
	transport := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		ForceAttemptHTTP2:     true,
		DialContext:           (&net.Dialer{Timeout: 5 * time.Second, KeepAlive: 30 * time.Second}).DialContext,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		ResponseHeaderTimeout: 30 * time.Second,
	}
	return &http.Client{Transport: transport}
}

func (c *Client) endpoint(path string) (string, error) {
	base := strings.TrimRight(strings.TrimSpace(c.baseURL), "/")
	if base == "" {
		return "", core.NewTerminalAPIError("client base URL is not configured (set VOICELIVE_BASE_URL)", "missing_base_url")
	}
	return base + path, nil
}

// websocketEndpoint converts an http(s) endpoint to its ws(s) equivalent.
func websocketEndpoint(endpoint string) (string, error) {
	u, err := url.Parse(endpoint)
	if err != nil {
		return "", core.NewTerminalAPIError("invalid gateway URL", "invalid_gateway_url")
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	case "ws", "wss":
		// already websocket scheme.
	default:
		return "", core.NewTerminalAPIError("gateway URL must use http(s) or ws(s)", "invalid_gateway_url")
	}
	return u.String(), nil
}
