// Package history is the client of the REST service that owns message
// history and conversation summaries.
package history

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/mahaj/livechat/pkg/model"
)

var ErrUnauthorized = errors.New("history: unauthorized")

// StatusError is returned for any other non-2xx response.
type StatusError struct {
	Path   string
	Status int
	Body   string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("history: %s: status %d: %s", e.Path, e.Status, e.Body)
}

type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

type Option func(*Client)

func WithHTTPClient(hc *http.Client) Option { return func(c *Client) { c.http = hc } }

// New returns a client for the service at baseURL authenticating with token.
func New(baseURL, token string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		http:    &http.Client{Timeout: 10 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// History returns the messages exchanged with partner, oldest first.
func (c *Client) History(ctx context.Context, partner string) ([]model.Message, error) {
	var msgs []model.Message
	q := url.Values{"partner": {partner}}
	if err := c.do(ctx, http.MethodGet, "/history?"+q.Encode(), nil, &msgs); err != nil {
		return nil, err
	}
	return msgs, nil
}

// Conversations returns the inbox snapshot of the authenticated user.
func (c *Client) Conversations(ctx context.Context) ([]model.InboxRow, error) {
	var rows []model.InboxRow
	if err := c.do(ctx, http.MethodGet, "/conversations", nil, &rows); err != nil {
		return nil, err
	}
	return rows, nil
}

type readRequest struct {
	OtherUserID string `json:"other_user_id"`
}

// MarkRead clears the stored unread count for partner.
func (c *Client) MarkRead(ctx context.Context, partner string) error {
	return c.do(ctx, http.MethodPost, "/conversations/read", readRequest{OtherUserID: partner}, nil)
}

// Online returns the users currently connected to the relay.
func (c *Client) Online(ctx context.Context) ([]string, error) {
	var users []string
	if err := c.do(ctx, http.MethodGet, "/online", nil, &users); err != nil {
		return nil, err
	}
	return users, nil
}

type sendRequest struct {
	Receiver string `json:"receiver"`
	Message  string `json:"message"`
	ClientID string `json:"clientId,omitempty"`
}

// Send posts a message through the service instead of the socket. The
// returned copy carries the server id and timestamp.
func (c *Client) Send(ctx context.Context, receiver, content, clientID string) (model.Message, error) {
	var msg model.Message
	req := sendRequest{Receiver: receiver, Message: content, ClientID: clientID}
	if err := c.do(ctx, http.MethodPost, "/send", req, &msg); err != nil {
		return model.Message{}, err
	}
	return msg, nil
}

type loginRequest struct {
	UserID string `json:"user_id"`
}

type loginResponse struct {
	Token string `json:"token"`
}

// Login exchanges a user id for a bearer token. It needs no credential.
func Login(ctx context.Context, baseURL, userID string) (string, error) {
	var resp loginResponse
	c := New(baseURL, "")
	if err := c.do(ctx, http.MethodPost, "/login", loginRequest{UserID: userID}, &resp); err != nil {
		return "", err
	}
	if resp.Token == "" {
		return "", errors.New("history: login returned no token")
	}
	return resp.Token, nil
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("history: encode %s: %w", path, err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("history: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("history: %s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return ErrUnauthorized
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Path: path, Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("history: decode %s: %w", path, err)
	}
	return nil
}
