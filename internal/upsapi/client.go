package upsapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"time"

	"ups-monitor/internal/store"
)

// Request timeouts used by the remote API.
const (
	DefaultTimeout    = 10 * time.Second
	DeviceTestTimeout = 15 * time.Second
	HealthTimeout     = 5 * time.Second
)

const maxResponseBytes = 4 << 20

var (
	// ErrDeviceTestFailed is returned when the server could not reach the
	// device under test.
	ErrDeviceTestFailed = errors.New("device test failed")
	// ErrBadResponse is returned when a response body cannot be decoded.
	ErrBadResponse = errors.New("malformed server response")
)

// Client calls the request/response API of the remote server.
type Client struct {
	serverURL  string
	httpClient *http.Client
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithHTTPClient replaces the underlying HTTP client.
func WithHTTPClient(c *http.Client) ClientOption {
	return func(cl *Client) { cl.httpClient = c }
}

// NewClient creates a client for serverURL, which may be a websocket or
// HTTP address.
func NewClient(serverURL string, opts ...ClientOption) (*Client, error) {
	if err := ValidateServerURL(serverURL); err != nil {
		return nil, err
	}
	c := &Client{
		serverURL:  serverURL,
		httpClient: &http.Client{},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// ServerURL returns the configured server address.
func (c *Client) ServerURL() string {
	return c.serverURL
}

// CommandResult is the outcome of a device command.
type CommandResult struct {
	Success bool            `json:"success"`
	Error   string          `json:"error,omitempty"`
	Message string          `json:"message,omitempty"`
	Raw     json.RawMessage `json:"raw,omitempty"`
}

// DeviceRegistration is the body of register and test requests.
type DeviceRegistration struct {
	Type               string   `json:"type"`
	Name               string   `json:"name"`
	Host               string   `json:"host"`
	Port               int      `json:"port"`
	Username           string   `json:"username,omitempty"`
	Password           string   `json:"password,omitempty"`
	SelectedAttributes []string `json:"selected_attributes,omitempty"`
}

// RegistrationFromConfig builds a request body from a registry entry.
func RegistrationFromConfig(cfg *store.DeviceConfig) DeviceRegistration {
	return DeviceRegistration{
		Type:               cfg.Type,
		Name:               cfg.Name,
		Host:               cfg.Host,
		Port:               cfg.Port,
		Username:           cfg.Username,
		Password:           cfg.Password,
		SelectedAttributes: cfg.SelectedAttributes,
	}
}

// StatusError is returned when the server answers with a non-success status.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("server returned status %d", e.StatusCode)
	}
	return fmt.Sprintf("server returned status %d: %s", e.StatusCode, e.Message)
}

// Status fetches the full snapshot list. Malformed entries are dropped and
// counted.
func (c *Client) Status(ctx context.Context) ([]store.DeviceSnapshot, int, error) {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, status, err := c.do(ctx, http.MethodGet, "/api/status", nil, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch status: %w", err)
	}
	if status != http.StatusOK {
		return nil, 0, fmt.Errorf("fetch status: %w", &StatusError{StatusCode: status, Message: errorText(body)})
	}
	snaps, dropped, err := store.DecodeSnapshots(body)
	if err != nil {
		return nil, 0, fmt.Errorf("fetch status: %w", err)
	}
	return snaps, dropped, nil
}

// Health probes the server. Only a 200 response is healthy.
func (c *Client) Health(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, HealthTimeout)
	defer cancel()

	body, status, err := c.do(ctx, http.MethodGet, "/health", nil, nil)
	if err != nil {
		return fmt.Errorf("health check: %w", err)
	}
	if status != http.StatusOK {
		return fmt.Errorf("health check: %w", &StatusError{StatusCode: status, Message: errorText(body)})
	}
	return nil
}

// TestDevice asks the server to probe a device without registering it and
// returns the sorted names of the attributes it reports.
func (c *Client) TestDevice(ctx context.Context, reg DeviceRegistration) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, DeviceTestTimeout)
	defer cancel()

	body, status, err := c.do(ctx, http.MethodPost, "/api/device/test", nil, reg)
	if err != nil {
		return nil, fmt.Errorf("test device %q: %w", reg.Name, err)
	}
	if status != http.StatusOK {
		return nil, fmt.Errorf("test device %q: %w", reg.Name, &StatusError{StatusCode: status, Message: errorText(body)})
	}

	// Attribute values are not needed here and may be any JSON shape.
	var resp struct {
		Success    bool                       `json:"success"`
		Error      string                     `json:"error"`
		Attributes map[string]json.RawMessage `json:"attributes"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, fmt.Errorf("test device %q: %w: %v", reg.Name, ErrBadResponse, err)
	}
	if !resp.Success {
		msg := resp.Error
		if msg == "" {
			msg = "unknown error"
		}
		return nil, fmt.Errorf("test device %q: %w: %s", reg.Name, ErrDeviceTestFailed, msg)
	}

	names := make([]string, 0, len(resp.Attributes))
	for name := range resp.Attributes {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

// RegisterDevice adds or updates a device on the server.
func (c *Client) RegisterDevice(ctx context.Context, reg DeviceRegistration) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	body, status, err := c.do(ctx, http.MethodPost, "/api/device", nil, reg)
	if err != nil {
		return fmt.Errorf("register device %q: %w", reg.Name, err)
	}
	if status != http.StatusOK && status != http.StatusCreated {
		return fmt.Errorf("register device %q: %w", reg.Name, &StatusError{StatusCode: status, Message: errorText(body)})
	}
	return nil
}

// DeleteDevice removes a device from the server.
func (c *Client) DeleteDevice(ctx context.Context, name string) error {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	q := url.Values{}
	q.Set("name", name)
	body, status, err := c.do(ctx, http.MethodDelete, "/api/device", q, nil)
	if err != nil {
		return fmt.Errorf("delete device %q: %w", name, err)
	}
	if status != http.StatusOK && status != http.StatusNoContent {
		return fmt.Errorf("delete device %q: %w", name, &StatusError{StatusCode: status, Message: errorText(body)})
	}
	return nil
}

// SendCommand issues one command to one device. It makes a single attempt
// and never returns an error: every failure is carried in the result.
func (c *Client) SendCommand(ctx context.Context, device, command string) CommandResult {
	ctx, cancel := context.WithTimeout(ctx, DefaultTimeout)
	defer cancel()

	req := map[string]string{"device": device, "command": command}
	body, status, err := c.do(ctx, http.MethodPost, "/api/command", nil, req)
	if err != nil {
		return CommandResult{Success: false, Error: err.Error()}
	}
	if status >= http.StatusBadRequest {
		msg := errorText(body)
		if msg == "" {
			msg = "unknown error"
		}
		return CommandResult{Success: false, Error: msg, Raw: rawJSON(body)}
	}

	var res CommandResult
	if err := json.Unmarshal(body, &res); err != nil {
		return CommandResult{Success: false, Error: fmt.Sprintf("decode command response: %v", err)}
	}
	res.Raw = rawJSON(body)
	return res
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any) ([]byte, int, error) {
	endpoint, err := HTTPURL(c.serverURL, path)
	if err != nil {
		return nil, 0, err
	}
	if len(query) > 0 {
		endpoint += "?" + query.Encode()
	}

	var reqBody io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, 0, fmt.Errorf("marshal request: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, reqBody)
	if err != nil {
		return nil, 0, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer func() { _ = resp.Body.Close() }()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("read response: %w", err)
	}
	return body, resp.StatusCode, nil
}

// errorText extracts the "error" field of a JSON error body.
func errorText(body []byte) string {
	var e struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(body, &e); err != nil {
		return ""
	}
	return e.Error
}

func rawJSON(body []byte) json.RawMessage {
	if !json.Valid(body) {
		return nil
	}
	return json.RawMessage(append([]byte(nil), body...))
}
