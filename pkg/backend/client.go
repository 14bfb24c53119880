package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/foxford/conference/pkg/apperror"
	"github.com/foxford/conference/pkg/correlator"
)

// Client is a thin HTTP connector to one backend's Janus gateway. Every
// native-plane request is a POST to the gateway's base URL with a JSON
// body tagged by a "janus" discriminator.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient builds a Client for a single backend's Janus URL.
func NewClient(baseURL string, timeout time.Duration) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: timeout},
		baseURL:    baseURL,
	}
}

// ErrSessionNotFound is returned by Poll when the long-poll endpoint
// answers 404 — the caller must treat the backend as lost.
var ErrSessionNotFound = apperror.New(apperror.KindBackendUnavailable, "janus session not found")

type ackResponse struct {
	Janus string `json:"janus"`
}

type createSessionResponse struct {
	Data struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

type createHandleResponse struct {
	Data struct {
		ID int64 `json:"id"`
	} `json:"data"`
}

// CreateSession opens a new Janus session on this backend.
func (c *Client) CreateSession(ctx context.Context) (int64, error) {
	var resp createSessionResponse
	body := map[string]string{"janus": "create"}
	if err := c.do(ctx, body, &resp); err != nil {
		return 0, err
	}
	return resp.Data.ID, nil
}

// CreateHandle attaches a plugin handle to sessionID.
func (c *Client) CreateHandle(ctx context.Context, sessionID int64, opaqueID string) (int64, error) {
	var resp createHandleResponse
	body := map[string]any{
		"janus":      "attach",
		"session_id": sessionID,
		"plugin":     "janus.plugin.conference",
		"opaque_id":  opaqueID,
	}
	if err := c.do(ctx, body, &resp); err != nil {
		return 0, err
	}
	return resp.Data.ID, nil
}

// ServicePing confirms a session+handle pair is still alive on this backend.
func (c *Client) ServicePing(ctx context.Context, sessionID, handleID int64) error {
	body := map[string]any{
		"janus":      "message",
		"session_id": sessionID,
		"handle_id":  handleID,
		"body":       map[string]string{"method": "service.ping"},
	}
	var resp ackResponse
	return c.do(ctx, body, &resp)
}

// Message submits a native-plane plugin message carrying method/payload,
// tagged with a transaction token for reply correlation.
func (c *Client) Message(ctx context.Context, sessionID, handleID int64, method string, payload any, transaction correlator.Token) error {
	tok, err := correlator.Encode(transaction)
	if err != nil {
		return apperror.Wrap(err, apperror.KindSerialization, "encode transaction token")
	}

	body := map[string]any{
		"janus":       "message",
		"session_id":  sessionID,
		"handle_id":   handleID,
		"transaction": tok,
		"body":        mergeMethod(method, payload),
	}

	var resp ackResponse
	return c.do(ctx, body, &resp)
}

// AgentLeave fires a best-effort "agent.leave" notification; callers do
// not await a reply.
func (c *Client) AgentLeave(ctx context.Context, sessionID, handleID int64, agentID AgentID) error {
	body := map[string]any{
		"janus":      "message",
		"session_id": sessionID,
		"handle_id":  handleID,
		"body": map[string]any{
			"method":   "agent.leave",
			"agent_id": agentID.String(),
		},
	}
	var resp ackResponse
	return c.do(ctx, body, &resp)
}

// Trickle forwards an ICE candidate; fire-and-forget, no suspension.
func (c *Client) Trickle(ctx context.Context, handleID int64, candidate any) error {
	body := map[string]any{
		"janus":     "trickle",
		"handle_id": handleID,
		"candidate": candidate,
	}
	var resp ackResponse
	return c.do(ctx, body, &resp)
}

// Poll performs a single long-poll GET against this session, returning the
// decoded, keepalive-filtered event batch.
func (c *Client) Poll(ctx context.Context, sessionID int64, maxEvents int) ([]Event, error) {
	url := fmt.Sprintf("%s/%d?maxev=%d", c.baseURL, sessionID, maxEvents)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindInternal, "build poll request")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendUnavailable, "poll backend")
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, ErrSessionNotFound
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, apperror.Wrap(err, apperror.KindBackendUnavailable, "read poll response")
	}

	if resp.StatusCode != http.StatusOK {
		return nil, apperror.New(apperror.KindBackendRequestFailed,
			fmt.Sprintf("poll backend: status %d", resp.StatusCode))
	}

	return DecodeEvents(raw)
}

func (c *Client) do(ctx context.Context, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return apperror.Wrap(err, apperror.KindSerialization, "encode backend request")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return apperror.Wrap(err, apperror.KindInternal, "build backend request")
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return apperror.Wrap(err, apperror.KindBackendUnavailable, "send backend request")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return apperror.Wrap(err, apperror.KindBackendUnavailable, "read backend response")
	}

	if resp.StatusCode != http.StatusOK {
		return apperror.New(apperror.KindBackendRequestFailed,
			fmt.Sprintf("backend request failed: status %d", resp.StatusCode))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return apperror.Wrap(err, apperror.KindSerialization, "decode backend response")
	}
	return nil
}

func mergeMethod(method string, payload any) map[string]any {
	body := map[string]any{"method": method}
	if payload == nil {
		return body
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return body
	}
	var fields map[string]any
	if err := json.Unmarshal(encoded, &fields); err != nil {
		return body
	}
	for k, v := range fields {
		body[k] = v
	}
	return body
}
