// Package client talks to the supportdesk HTTP API.
//
// Failures fall into three groups: the API cannot be reached (ErrUnreachable,
// ErrTimeout), the API answered with something unexpected (ErrUnexpectedResponse),
// or the API reported an error (*APIError). Nothing is retried.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Per-call timeouts, matching what the demo UI allowed each request.
const (
	StartTimeout   = 5 * time.Second
	MessageTimeout = 30 * time.Second
	AudioTimeout   = 60 * time.Second
	SaveTimeout    = 30 * time.Second
)

// DefaultBaseURL is where the API listens by default.
const DefaultBaseURL = "http://localhost:8000"

var (
	ErrUnreachable        = errors.New("cannot connect to API")
	ErrTimeout            = errors.New("API request took too long to respond")
	ErrUnexpectedResponse = errors.New("unexpected response format")
)

// APIError is a non-2xx answer from the API.
type APIError struct {
	Status int
	Detail string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error %d: %s", e.Status, e.Detail)
}

// MessageReply is the answer to a text message.
type MessageReply struct {
	Reply  string `json:"reply"`
	Source string `json:"source"`
}

// AudioReply is the answer to an uploaded recording.
type AudioReply struct {
	Transcript string `json:"transcript"`
	Reply      string `json:"reply"`
	Source     string `json:"source"`
	WAV        string `json:"wav,omitempty"`
}

// SaveReply confirms a saved transcript.
type SaveReply struct {
	SessionID string `json:"session_id"`
	Path      string `json:"path"`
	Turns     int    `json:"turns"`
}

// Client is a client for the supportdesk API
type Client struct {
	baseURL string
	client  *http.Client
}

// New creates a new Client for baseURL.
func New(baseURL string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{},
	}
}

// BaseURL returns the API root this client talks to.
func (c *Client) BaseURL() string { return c.baseURL }

// StartSession opens a new conversation and returns its id.
func (c *Client) StartSession(ctx context.Context) (string, error) {
	var out struct {
		SessionID string `json:"session_id"`
	}
	if err := c.do(ctx, StartTimeout, http.MethodPost, "/session/start", "", nil, &out, "session_id"); err != nil {
		return "", err
	}
	return out.SessionID, nil
}

// SendMessage sends text to the session and returns the reply.
func (c *Client) SendMessage(ctx context.Context, sessionID, text string) (MessageReply, error) {
	body, err := json.Marshal(map[string]string{"text": text})
	if err != nil {
		return MessageReply{}, err
	}
	var out MessageReply
	err = c.do(ctx, MessageTimeout, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/message",
		"application/json", bytes.NewReader(body), &out, "reply")
	return out, err
}

// SendAudio uploads a recording as the multipart field "file".
func (c *Client) SendAudio(ctx context.Context, sessionID, filename string, audio io.Reader) (AudioReply, error) {
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", filename)
	if err != nil {
		return AudioReply{}, err
	}
	if _, err := io.Copy(fw, audio); err != nil {
		return AudioReply{}, err
	}
	if err := mw.Close(); err != nil {
		return AudioReply{}, err
	}

	var out AudioReply
	err = c.do(ctx, AudioTimeout, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/audio",
		mw.FormDataContentType(), &buf, &out, "transcript", "reply")
	return out, err
}

// Save asks the API to write the session transcript.
func (c *Client) Save(ctx context.Context, sessionID string) (SaveReply, error) {
	var out SaveReply
	err := c.do(ctx, SaveTimeout, http.MethodPost, "/session/"+url.PathEscape(sessionID)+"/save", "", nil, &out, "path")
	return out, err
}

// do performs one request and decodes the JSON answer into out, requiring the named fields.
func (c *Client) do(ctx context.Context, timeout time.Duration, method, path, contentType string, body io.Reader, out any, required ...string) error {
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return classify(err, c.baseURL)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return classify(err, c.baseURL)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var e struct {
			Detail string `json:"detail"`
		}
		if json.Unmarshal(raw, &e) != nil || e.Detail == "" {
			e.Detail = strings.TrimSpace(string(raw))
		}
		return &APIError{Status: resp.StatusCode, Detail: e.Detail}
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return fmt.Errorf("%w: %s", ErrUnexpectedResponse, truncate(raw))
	}
	for _, f := range required {
		if _, ok := fields[f]; !ok {
			return fmt.Errorf("%w: missing %q in %s", ErrUnexpectedResponse, f, truncate(raw))
		}
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", ErrUnexpectedResponse, err)
	}
	return nil
}

func classify(err error, baseURL string) error {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}
	return fmt.Errorf("%w at %s: %v", ErrUnreachable, baseURL, err)
}

func truncate(b []byte) string {
	const max = 200
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}
