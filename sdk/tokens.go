package voicelive

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/hiresim/voicelive/pkg/core"
	"github.com/hiresim/voicelive/pkg/core/types"
)

const defaultTokenTimeout = 10 * time.Second

// TokenResponse is the short-lived credential issued for one conversation.
type TokenResponse struct {
	Token      string `json:"token"`
	ExpiresAt  string `json:"expires_at,omitempty"`
	GatewayURL string `json:"gateway_url,omitempty"`
}

type tokenRequest struct {
	ConversationID string `json:"conversation_id"`
	Purpose        string `json:"purpose,omitempty"`
}

type endpointError struct {
	Error string `json:"error"`
}

// ExchangeToken obtains a live-session credential scoped to one
// conversation. Authorization rejections are terminal; every other non-2xx
// is an api error the session may retry; transport failures are network
// errors.
func (c *Client) ExchangeToken(ctx context.Context, conversationID, purpose string) (*TokenResponse, error) {
	endpoint, err := c.endpoint("/v1/realtime/token")
	if err != nil {
		return nil, err
	}

	body, status, err := c.postJSON(ctx, endpoint, tokenRequest{
		ConversationID: conversationID,
		Purpose:        purpose,
	}, defaultTokenTimeout)
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		message := decodeEndpointError(body)
		if status == http.StatusUnauthorized || status == http.StatusForbidden {
			return nil, core.NewTerminalAPIError(message, "conversation_not_authorized")
		}
		return nil, core.NewAPIError(message, fmt.Sprintf("token_exchange_status_%d", status))
	}

	var token TokenResponse
	if err := json.Unmarshal(body, &token); err != nil {
		return nil, core.NewAPIError("token endpoint returned malformed JSON", "token_decode_failed")
	}
	if strings.TrimSpace(token.Token) == "" {
		return nil, core.NewAPIError("token endpoint returned an empty token", "token_missing")
	}
	return &token, nil
}

// FlushRequest is the end-of-conversation transcript upload.
type FlushRequest struct {
	ConversationID string                    `json:"conversation_id"`
	Purpose        string                    `json:"purpose,omitempty"`
	Transcript     []types.TranscriptMessage `json:"transcript"`
	StartedAt      string                    `json:"started_at,omitempty"`
	EndedAt        string                    `json:"ended_at,omitempty"`
}

// FlushTranscript uploads the final transcript once at conversation end.
// A non-2xx response means the flush failed: the caller must keep the
// recovery entry in place.
func (c *Client) FlushTranscript(ctx context.Context, req FlushRequest) error {
	endpoint, err := c.endpoint("/v1/realtime/transcript")
	if err != nil {
		return err
	}

	body, status, err := c.postJSON(ctx, endpoint, req, defaultTokenTimeout)
	if err != nil {
		return err
	}
	if status < 200 || status >= 300 {
		return core.NewAPIError(decodeEndpointError(body), fmt.Sprintf("transcript_flush_status_%d", status))
	}
	return nil
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload any, timeout time.Duration) ([]byte, int, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, 0, fmt.Errorf("encode request payload: %w", err)
	}

	if _, hasDeadline := ctx.Deadline(); !hasDeadline {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(raw))
	if err != nil {
		return nil, 0, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &core.TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, &core.TransportError{Op: http.MethodPost, URL: endpoint, Err: err}
	}
	return body, resp.StatusCode, nil
}

func decodeEndpointError(body []byte) string {
	var decoded endpointError
	if err := json.Unmarshal(body, &decoded); err == nil && strings.TrimSpace(decoded.Error) != "" {
		return strings.TrimSpace(decoded.Error)
	}
	return "endpoint rejected the request"
}
