// Package backend implements the HTTP client for the responding authority's
// relay endpoints.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/reliefgrid/beacon/internal/model"
)

const defaultUserAgent = "Beacon/1.0"

// SubmitRequest is a direct (internet layer) SOS submission.
type SubmitRequest struct {
	MessageID string           `json:"message_id"`
	DeviceID  string           `json:"device_id"`
	Payload   model.SOSPayload `json:"payload"`
}

// RelayRequest is a mesh-relayed SOS forwarded to the backend, carrying the
// accumulated flood bookkeeping.
type RelayRequest struct {
	MessageID     string           `json:"message_id"`
	Payload       model.SOSPayload `json:"payload"`
	OriginTimeNs  int64            `json:"origin_time_ns"`
	HopCount      int              `json:"hop_count"`
	RelayDeviceID string           `json:"relay_device_id"`
	RoutedVia     []string         `json:"routed_via"`
}

// SubmitResponse reports backend acceptance of a direct or relayed SOS.
type SubmitResponse struct {
	Accepted  bool   `json:"accepted"`
	Duplicate bool   `json:"duplicate"`
	SOSID     string `json:"sos_id"`
}

// AckNotice tells the backend a mesh acknowledgment was dispatched.
type AckNotice struct {
	OriginalMessageID string `json:"original_message_id"`
	RelayDeviceID     string `json:"relay_device_id"`
}

// Client talks to the backend relay endpoints. Requests are scoped by the
// caller's context; the configured timeout applies on top when set.
type Client struct {
	baseURL    string
	credential string
	timeout    time.Duration
	httpClient *http.Client
}

// NewClient creates a Client for baseURL. credential is sent as a bearer
// token on every request.
func NewClient(baseURL, credential string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		credential: credential,
		timeout:    timeout,
		httpClient: &http.Client{},
	}
}

// SubmitSOS posts a direct SOS. Used by the dispatcher's internet layer.
func (c *Client) SubmitSOS(ctx context.Context, req SubmitRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/v1/sos", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Accepted && !resp.Duplicate {
		return nil, fmt.Errorf("backend: sos %s not accepted", req.MessageID)
	}
	return &resp, nil
}

// RelayMeshSOS forwards a mesh-received SOS with its routed-via chain.
func (c *Client) RelayMeshSOS(ctx context.Context, req RelayRequest) (*SubmitResponse, error) {
	var resp SubmitResponse
	if err := c.post(ctx, "/v1/sos/relay", req, &resp); err != nil {
		return nil, err
	}
	if !resp.Accepted && !resp.Duplicate {
		return nil, fmt.Errorf("backend: relayed sos %s not accepted", req.MessageID)
	}
	return &resp, nil
}

// NotifyAckDelivered reports that a mesh acknowledgment was broadcast for
// the given message.
func (c *Client) NotifyAckDelivered(ctx context.Context, notice AckNotice) error {
	return c.post(ctx, "/v1/sos/relay/ack", notice, nil)
}

func (c *Client) post(ctx context.Context, path string, in, out any) error {
	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	body, err := json.Marshal(in)
	if err != nil {
		return fmt.Errorf("backend: marshal %s: %w", path, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("backend: create request %s: %w", path, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", defaultUserAgent)
	if c.credential != "" {
		req.Header.Set("Authorization", "Bearer "+c.credential)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("backend: post %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("backend: unexpected status %d from %s", resp.StatusCode, path)
	}
	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("backend: decode %s response: %w", path, err)
	}
	return nil
}
