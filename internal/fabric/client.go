// Package fabric implements the client side of the Microsoft Fabric Data
// Agent thread protocol: open a thread, replay conversation context, submit
// the new question, poll the asynchronous run to completion and read back
// only the newly generated assistant reply. It also recovers the generated
// SQL statement and a tabular data preview from run-step tool calls on a
// best-effort basis.
package fabric

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/ingage-labs/fabric-agent-gateway/internal/auth"
	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"
)

const (
	apiVersion = "2024-05-01-preview"

	defaultAskTimeout   = 120 * time.Second
	defaultPollInterval = 2 * time.Second
)

// Client talks the thread protocol to one Fabric Data Agent endpoint with one
// credential. A Client holding a caller-supplied token represents that caller
// only; build a fresh lightweight Client per session instead of sharing one.
type Client struct {
	baseURL    string
	provider   *auth.Provider
	httpClient *http.Client

	pollInterval time.Duration
	// sleep is time.Sleep unless overridden in tests.
	sleep func(time.Duration)
}

// NewClient builds a Client for the data agent at baseURL using the given
// credential provider. httpClient may be nil.
func NewClient(baseURL string, provider *auth.Provider, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 60 * time.Second}
	}
	return &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		provider:     provider,
		httpClient:   httpClient,
		pollInterval: defaultPollInterval,
		sleep:        time.Sleep,
	}
}

// Provider exposes the client's credential provider (for logout handling).
func (c *Client) Provider() *auth.Provider { return c.provider }

// WithToken returns a lightweight copy of the client bound to a
// caller-supplied bearer token instead of the server credential.
func (c *Client) WithToken(token string, expiresAt time.Time) *Client {
	clone := *c
	clone.provider = auth.NewProvider(auth.Options{AccessToken: token, AccessTokenExpiry: expiresAt})
	return &clone
}

// Message is one thread message as returned by the remote protocol.
type Message struct {
	Role string
	Text string
	Raw  string
}

// RunStep is one opaque run-step record. It is scanned, never mutated.
type RunStep struct {
	Raw string
}

// do sends one authenticated request and returns the response body. Non-2xx
// responses become errors whose message carries the status code, which the
// retry policy and error classifier key off.
func (c *Client) do(ctx context.Context, method, path string, body string) (string, error) {
	tok, err := c.provider.Token(ctx, auth.FabricScope)
	if err != nil {
		return "", err
	}

	endpoint := c.baseURL + path
	sep := "?"
	if strings.Contains(endpoint, "?") {
		sep = "&"
	}
	endpoint += sep + "api-version=" + url.QueryEscape(apiVersion)

	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, reader)
	if err != nil {
		return "", fmt.Errorf("failed to create %s request: %w", path, err)
	}
	req.Header.Set("Authorization", "Bearer "+tok.Value)
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("ActivityId", uuid.NewString())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("data agent request failed: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read data agent response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("data agent returned %d for %s %s: %s", resp.StatusCode, method, path, strings.TrimSpace(string(respBody)))
	}
	return string(respBody), nil
}

// createAssistant registers a throwaway assistant handle. The agent ignores
// the model; the field is required by the wire format.
func (c *Client) createAssistant(ctx context.Context) (string, error) {
	body, _ := sjson.Set("", "model", "not used")
	resp, err := c.do(ctx, http.MethodPost, "/assistants", body)
	if err != nil {
		return "", fmt.Errorf("create assistant: %w", err)
	}
	id := gjson.Get(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("create assistant: no id in response")
	}
	return id, nil
}

func (c *Client) createThread(ctx context.Context) (string, error) {
	resp, err := c.do(ctx, http.MethodPost, "/threads", "")
	if err != nil {
		return "", fmt.Errorf("create thread: %w", err)
	}
	id := gjson.Get(resp, "id").String()
	if id == "" {
		return "", fmt.Errorf("create thread: no id in response")
	}
	return id, nil
}

func (c *Client) addMessage(ctx context.Context, threadID, role, content string) error {
	body, _ := sjson.Set("", "role", role)
	body, _ = sjson.Set(body, "content", content)
	if _, err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/messages", body); err != nil {
		return fmt.Errorf("add message: %w", err)
	}
	return nil
}

func (c *Client) createRun(ctx context.Context, threadID, assistantID string) (runID, status string, err error) {
	body, _ := sjson.Set("", "assistant_id", assistantID)
	resp, err := c.do(ctx, http.MethodPost, "/threads/"+threadID+"/runs", body)
	if err != nil {
		return "", "", fmt.Errorf("create run: %w", err)
	}
	return gjson.Get(resp, "id").String(), gjson.Get(resp, "status").String(), nil
}

func (c *Client) retrieveRun(ctx context.Context, threadID, runID string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID, "")
	if err != nil {
		return "", fmt.Errorf("retrieve run: %w", err)
	}
	return gjson.Get(resp, "status").String(), nil
}

// listMessages returns the thread's messages in the requested order
// ("asc" or "desc" by creation time).
func (c *Client) listMessages(ctx context.Context, threadID, order string) ([]Message, error) {
	resp, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/messages?order="+order, "")
	if err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}

	var messages []Message
	gjson.Get(resp, "data").ForEach(func(_, msg gjson.Result) bool {
		messages = append(messages, Message{
			Role: msg.Get("role").String(),
			Text: messageText(msg),
			Raw:  msg.Raw,
		})
		return true
	})
	return messages, nil
}

// messageText digs the text value out of the loosely-typed content array.
func messageText(msg gjson.Result) string {
	first := msg.Get("content.0")
	if !first.Exists() {
		return ""
	}
	if v := first.Get("text.value"); v.Exists() {
		return v.String()
	}
	if v := first.Get("text"); v.Exists() {
		return v.String()
	}
	return first.String()
}

func (c *Client) listRunSteps(ctx context.Context, threadID, runID string) ([]RunStep, error) {
	resp, err := c.do(ctx, http.MethodGet, "/threads/"+threadID+"/runs/"+runID+"/steps", "")
	if err != nil {
		return nil, fmt.Errorf("list run steps: %w", err)
	}

	var steps []RunStep
	gjson.Get(resp, "data").ForEach(func(_, step gjson.Result) bool {
		steps = append(steps, RunStep{Raw: step.Raw})
		return true
	})
	return steps, nil
}

func (c *Client) deleteThread(ctx context.Context, threadID string) error {
	if _, err := c.do(ctx, http.MethodDelete, "/threads/"+threadID, ""); err != nil {
		return fmt.Errorf("delete thread: %w", err)
	}
	return nil
}
