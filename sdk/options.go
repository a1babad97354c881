package voicelive

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
)

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithBaseURL sets the platform base URL for the token and transcript
// endpoints.
func WithBaseURL(baseURL string) ClientOption {
	return func(c *Client) {
		c.baseURL = strings.TrimSpace(baseURL)
	}
}

// WithAPIKey sets the platform credential sent to the token endpoint.
func WithAPIKey(key string) ClientOption {
	return func(c *Client) {
		c.apiKey = strings.TrimSpace(key)
	}
}

// WithHTTPClient overrides the HTTP client used for token exchange and
// transcript flush.
func WithHTTPClient(httpClient *http.Client) ClientOption {
	return func(c *Client) {
		if httpClient != nil {
			c.httpClient = httpClient
		}
	}
}

// WithDialer overrides the websocket dialer used for live sessions.
func WithDialer(dialer *websocket.Dialer) ClientOption {
	return func(c *Client) {
		if dialer != nil {
			c.dialer = dialer
		}
	}
}

// WithLogger sets the structured logger. Defaults to slog.Default().
func WithLogger(logger *slog.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger
		}
	}
}
