// Package gateway talks to the SQL assistant backend. It never retries and
// never recovers: every failure is returned to the caller as a typed error.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pkg/errors"
	internal_errors "github.com/xaenox/sql-assistant/internal/errors"
	"github.com/xaenox/sql-assistant/internal/models"
)

// TokenSource hands out the bearer token for outgoing requests. An empty
// token means the request goes out unauthenticated.
type TokenSource interface {
	Token() (string, error)
}

// Client handles all communication with the backend API.
type Client struct {
	BaseURL    string
	HttpClient *http.Client
	Tokens     TokenSource
}

type Option func(*Client)

// WithHTTPClient replaces the default http.Client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.HttpClient = hc }
}

// WithTimeout bounds every single request.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) { c.HttpClient.Timeout = d }
}

// WithTokenSource attaches credentials to every request.
func WithTokenSource(ts TokenSource) Option {
	return func(c *Client) { c.Tokens = ts }
}

// New creates a client for the backend rooted at baseURL.
func New(baseURL string, opts ...Option) *Client {
	c := &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		HttpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// SubmitQuestion posts a question and returns the backend task id.
func (c *Client) SubmitQuestion(ctx context.Context, req models.QueryRequest) (string, error) {
	var out models.QueryResponse
	if err := c.doJSON(ctx, "submit question", http.MethodPost, "/query", req, &out); err != nil {
		return "", err
	}
	if out.TaskID == "" {
		return "", errors.New("submit question: backend returned an empty task_id")
	}
	return out.TaskID, nil
}

// PollStatus performs a single status check for taskID. Deciding whether to
// poll again is up to the caller.
func (c *Client) PollStatus(ctx context.Context, taskID string) (models.TaskStatus, error) {
	var out models.TaskStatus
	path := "/result/" + url.PathEscape(taskID)
	if err := c.doJSON(ctx, "poll status", http.MethodGet, path, nil, &out); err != nil {
		return models.TaskStatus{}, err
	}
	return out, nil
}

// FetchHistory returns every persisted thread of the user.
func (c *Client) FetchHistory(ctx context.Context, userID int64) ([]models.Thread, error) {
	var out []models.Thread
	if err := c.doJSON(ctx, "fetch history", http.MethodPost, "/chat-history", models.HistoryRequest{UserID: userID}, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// doJSON is the single helper every endpoint goes through. in and out may be nil.
func (c *Client) doJSON(ctx context.Context, op, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		payload, err := json.Marshal(in)
		if err != nil {
			return errors.Wrapf(err, "%s: encode request", op)
		}
		body = bytes.NewReader(payload)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.BaseURL+path, body)
	if err != nil {
		return errors.Wrapf(err, "%s: failed to create API request", op)
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.Tokens != nil {
		token, err := c.Tokens.Token()
		if err != nil {
			return errors.Wrapf(err, "%s: read credentials", op)
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
	}

	resp, err := c.HttpClient.Do(req)
	if err != nil {
		return &internal_errors.NetworkError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &internal_errors.ServerError{Status: resp.StatusCode, Message: readErrorMessage(resp.Body)}
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errors.Wrapf(err, "%s: cannot decode response", op)
	}
	return nil
}

// readErrorMessage pulls {"error": "..."} out of an error body, falling back
// to the trimmed raw text.
func readErrorMessage(r io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(r, 4<<10))
	var doc struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(raw, &doc); err == nil {
		if doc.Error != "" {
			return doc.Error
		}
		if doc.Message != "" {
			return doc.Message
		}
	}
	return strings.TrimSpace(string(raw))
}
