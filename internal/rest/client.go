// Package rest is the REST boundary of the engine: the snapshot endpoints
// used to bootstrap and reconcile state, and the acknowledged message-send
// endpoint used by the agent workspace.
package rest

import (
	"context"
	"fmt"
	"time"

	resty "resty.dev/v3"

	"github.com/tetherhq/tether-go/pkg/types"
)

// requestTimeout bounds every REST call.
const requestTimeout = 15 * time.Second

// SendRequest is the message-send body.
type SendRequest struct {
	Sender   types.Sender `json:"sender"`
	Text     string       `json:"text"`
	Internal bool         `json:"internal,omitempty"`
}

type historyResponse struct {
	Messages []types.Message `json:"messages"`
}

type rosterResponse struct {
	Sessions []types.SessionRosterEntry `json:"sessions"`
}

type sendResponse struct {
	Message types.Message `json:"message"`
}

// Client talks to the snapshot and send endpoints.
type Client struct {
	http *resty.Client
}

// New creates a Client for the given base URL. The credential, when
// non-empty, is sent as a bearer token on every request.
func New(baseURL, credential string) *Client {
	c := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(requestTimeout)
	if credential != "" {
		c.SetAuthToken(credential)
	}
	return &Client{http: c}
}

// Close releases the underlying HTTP client resources.
func (c *Client) Close() error {
	return c.http.Close()
}

// History fetches the message snapshot for a conversation.
func (c *Client) History(ctx context.Context, conversationID string) ([]types.Message, error) {
	var out historyResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		SetPathParam("id", conversationID).
		Get("/v1/conversations/{id}/messages")
	if err != nil {
		return nil, fmt.Errorf("history %s: %w", conversationID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("history %s: %s", conversationID, resp.Status())
	}
	return out.Messages, nil
}

// Roster fetches the full session roster snapshot.
func (c *Client) Roster(ctx context.Context) ([]types.SessionRosterEntry, error) {
	var out rosterResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetResult(&out).
		Get("/v1/sessions")
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("roster: %s", resp.Status())
	}
	return out.Sessions, nil
}

// SendMessage posts a message and returns the server-confirmed Message,
// which carries the final id and server-issued timestamp.
func (c *Client) SendMessage(ctx context.Context, conversationID string, req SendRequest) (types.Message, error) {
	var out sendResponse
	resp, err := c.http.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&out).
		SetPathParam("id", conversationID).
		Post("/v1/conversations/{id}/messages")
	if err != nil {
		return types.Message{}, fmt.Errorf("send to %s: %w", conversationID, err)
	}
	if resp.IsError() {
		return types.Message{}, fmt.Errorf("send to %s: %s", conversationID, resp.Status())
	}
	if out.Message.ID == "" {
		return types.Message{}, fmt.Errorf("send to %s: missing confirmed message", conversationID)
	}
	return out.Message, nil
}
