package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/systmms/dsbroker/internal/manager"
	"github.com/systmms/dsbroker/internal/pushflow"
	"github.com/systmms/dsbroker/internal/reverseflow"
	"github.com/systmms/dsbroker/internal/status"
	"github.com/systmms/dsbroker/internal/store"
	"github.com/systmms/dsbroker/pkg/plugin"
)

// DefaultClientTimeout bounds a single API call.
const DefaultClientTimeout = 3 * time.Minute

// APIError is a non-2xx response from the admin API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Keys       []string
}

func (e *APIError) Error() string {
	if len(e.Keys) > 0 {
		return fmt.Sprintf("%s (keys: %s)", e.Message, strings.Join(e.Keys, ", "))
	}
	return e.Message
}

// Client calls a running broker's admin API.
type Client struct {
	baseURL string
	http    *http.Client
}

// NewClient returns a client for the API at baseURL, e.g.
// "http://127.0.0.1:8750". A nil httpClient selects a default with
// DefaultClientTimeout.
func NewClient(baseURL string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultClientTimeout}
	}
	if !strings.Contains(baseURL, "://") {
		baseURL = "http://" + baseURL
	}
	return &Client{baseURL: strings.TrimRight(baseURL, "/"), http: httpClient}
}

func (c *Client) Health(ctx context.Context) error {
	return c.do(ctx, http.MethodGet, "/health", nil, nil)
}

func (c *Client) Status(ctx context.Context) (manager.Status, error) {
	var out manager.Status
	err := c.do(ctx, http.MethodGet, "/api/v1/status", nil, &out)
	return out, err
}

func (c *Client) Plugins(ctx context.Context) ([]manager.PluginView, error) {
	var out []manager.PluginView
	err := c.do(ctx, http.MethodGet, "/api/v1/plugins", nil, &out)
	return out, err
}

// InstallPlugin installs the package at dir, a path on the broker host.
func (c *Client) InstallPlugin(ctx context.Context, dir string) (*plugin.Manifest, error) {
	var out plugin.Manifest
	if err := c.do(ctx, http.MethodPost, "/api/v1/plugins", InstallRequest{Dir: dir}, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) RemovePlugin(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/plugins/"+url.PathEscape(name), nil, nil)
}

func (c *Client) ConfigurePlugin(ctx context.Context, name string, req ConfigureRequest) error {
	return c.do(ctx, http.MethodPut, pluginPath(name, "configuration"), req, nil)
}

func (c *Client) TestPlugin(ctx context.Context, name string) (bool, error) {
	var out TestResult
	err := c.do(ctx, http.MethodPost, pluginPath(name, "test"), nil, &out)
	return out.Connected, err
}

func (c *Client) SetVaultCredential(ctx context.Context, name string, payload []byte) error {
	return c.do(ctx, http.MethodPut, pluginPath(name, "credential"), CredentialRequest{Payload: payload}, nil)
}

func (c *Client) ReverseFlow(ctx context.Context, name string) (store.ReverseFlowState, error) {
	var out store.ReverseFlowState
	err := c.do(ctx, http.MethodGet, pluginPath(name, "reverse-flow"), nil, &out)
	return out, err
}

func (c *Client) SetReverseFlow(ctx context.Context, name string, intervalSeconds int64, enabled bool) (store.ReverseFlowState, error) {
	var out store.ReverseFlowState
	req := ReverseFlowRequest{RotationIntervalSeconds: intervalSeconds, Enabled: enabled}
	err := c.do(ctx, http.MethodPut, pluginPath(name, "reverse-flow"), req, &out)
	return out, err
}

func (c *Client) RunReverseFlow(ctx context.Context, name string) (reverseflow.Result, error) {
	var out reverseflow.Result
	err := c.do(ctx, http.MethodPost, pluginPath(name, "reverse-flow/run"), nil, &out)
	return out, err
}

func (c *Client) Mappings(ctx context.Context) ([]store.Mapping, error) {
	var out []store.Mapping
	err := c.do(ctx, http.MethodGet, "/api/v1/mappings", nil, &out)
	return out, err
}

func (c *Client) AddMapping(ctx context.Context, mp store.Mapping) (store.Mapping, error) {
	var out store.Mapping
	err := c.do(ctx, http.MethodPost, "/api/v1/mappings", mp, &out)
	return out, err
}

func (c *Client) DeleteMapping(ctx context.Context, key string) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/mappings/"+url.PathEscape(key), nil, nil)
}

func (c *Client) DeleteAllMappings(ctx context.Context) error {
	return c.do(ctx, http.MethodDelete, "/api/v1/mappings", nil, nil)
}

func (c *Client) MappingStatus(ctx context.Context, key string) (status.Mapping, error) {
	var out status.Mapping
	err := c.do(ctx, http.MethodGet, "/api/v1/mappings/"+url.PathEscape(key)+"/status", nil, &out)
	return out, err
}

// Push forces a push of one mapping. A failed push is reported in the
// outcome, not as an error.
func (c *Client) Push(ctx context.Context, key string) (pushflow.Outcome, error) {
	var out pushflow.Outcome
	err := c.do(ctx, http.MethodPost, "/api/v1/mappings/"+url.PathEscape(key)+"/push", nil, &out)
	return out, err
}

func (c *Client) Monitor(ctx context.Context) (manager.MonitorStatus, error) {
	var out manager.MonitorStatus
	err := c.do(ctx, http.MethodGet, "/api/v1/monitor", nil, &out)
	return out, err
}

func (c *Client) SetMonitor(ctx context.Context, enabled bool) (manager.MonitorStatus, error) {
	var out manager.MonitorStatus
	err := c.do(ctx, http.MethodPut, "/api/v1/monitor", MonitorRequest{Enabled: enabled}, &out)
	return out, err
}

func pluginPath(name, sub string) string {
	return "/api/v1/plugins/" + url.PathEscape(name) + "/" + sub
}

func (c *Client) do(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return err
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("admin API %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		apiErr := &APIError{StatusCode: resp.StatusCode, Message: resp.Status}
		var er errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&er); err == nil && er.Error != "" {
			apiErr.Code, apiErr.Message, apiErr.Keys = er.Code, er.Error, er.Keys
		}
		return apiErr
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode %s %s response: %w", method, path, err)
	}
	return nil
}
