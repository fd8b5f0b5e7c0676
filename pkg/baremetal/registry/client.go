// Package registry implements the bare-metal client over the registry's
// REST API.
package registry

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/baremetal-lab/inspector/pkg/baremetal"
)

// Config holds the registry API connection options.
type Config struct {
	// Endpoint is the registry API base URL, e.g. http://registry:6385.
	Endpoint string `mapstructure:"endpoint" validate:"required,url" yaml:"endpoint"`

	// AuthToken is sent as a bearer token when set.
	AuthToken string `mapstructure:"auth_token" yaml:"auth_token"`

	// Timeout bounds every API call. Default: 30s.
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// ApplyDefaults fills unset fields.
func (c *Config) ApplyDefaults() {
	if c.Timeout == 0 {
		c.Timeout = 30 * time.Second
	}
}

// Client talks to the registry's REST API. It implements baremetal.Client.
type Client struct {
	baseURL    string
	httpClient *http.Client
	token      string
}

// New creates a registry API client.
func New(config Config) *Client {
	config.ApplyDefaults()
	return &Client{
		baseURL: config.Endpoint,
		httpClient: &http.Client{
			Timeout: config.Timeout,
		},
		token: config.AuthToken,
	}
}

var _ baremetal.Client = (*Client)(nil)

// apiError is the registry's error envelope.
type apiError struct {
	StatusCode int    `json:"-"`
	Message    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("registry API error (status %d): %s", e.StatusCode, e.Message)
}

// do performs an HTTP request and decodes the response. 404 and 409 are
// mapped to the package-level sentinels so callers can branch on them.
func (c *Client) do(ctx context.Context, method, path string, body, result any) error {
	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to marshal request body: %w", err)
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", baremetal.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusConflict:
		return fmt.Errorf("%w: %s %s", baremetal.ErrConflict, method, path)
	case resp.StatusCode >= 400:
		apiErr := apiError{StatusCode: resp.StatusCode}
		if json.Unmarshal(respBody, &apiErr) != nil || apiErr.Message == "" {
			apiErr.Message = string(respBody)
		}
		apiErr.StatusCode = resp.StatusCode
		return &apiErr
	}

	if result != nil && len(respBody) > 0 {
		if err := json.Unmarshal(respBody, result); err != nil {
			return fmt.Errorf("failed to decode response: %w", err)
		}
	}

	return nil
}

// GetNode fetches a node by UUID.
func (c *Client) GetNode(ctx context.Context, uuid string) (*baremetal.Node, error) {
	var node baremetal.Node
	if err := c.do(ctx, http.MethodGet, "/v1/nodes/"+url.PathEscape(uuid), nil, &node); err != nil {
		return nil, err
	}
	return &node, nil
}

// nodeList is the wire shape of a node listing.
type nodeList struct {
	Nodes []struct {
		UUID string `json:"uuid"`
	} `json:"nodes"`
}

// ListNodes returns the UUIDs of all registered nodes.
func (c *Client) ListNodes(ctx context.Context) ([]string, error) {
	var list nodeList
	if err := c.do(ctx, http.MethodGet, "/v1/nodes?limit=0", nil, &list); err != nil {
		return nil, err
	}
	uuids := make([]string, 0, len(list.Nodes))
	for _, node := range list.Nodes {
		uuids = append(uuids, node.UUID)
	}
	return uuids, nil
}

// UpdateNode applies patches to a node and returns its updated view.
func (c *Client) UpdateNode(ctx context.Context, uuid string, patches []baremetal.Patch) (*baremetal.Node, error) {
	var node baremetal.Node
	err := c.do(ctx, http.MethodPatch, "/v1/nodes/"+url.PathEscape(uuid), patches, &node)
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// portList is the wire shape of a port listing.
type portList struct {
	Ports []baremetal.Port `json:"ports"`
}

// ListPorts returns the ports registered for a node.
func (c *Client) ListPorts(ctx context.Context, nodeUUID string) ([]baremetal.Port, error) {
	var list portList
	path := "/v1/ports?detail=true&node_uuid=" + url.QueryEscape(nodeUUID)
	if err := c.do(ctx, http.MethodGet, path, nil, &list); err != nil {
		return nil, err
	}
	return list.Ports, nil
}

// CreatePort registers a MAC address as a port of the node.
func (c *Client) CreatePort(ctx context.Context, nodeUUID, address string) (*baremetal.Port, error) {
	body := map[string]string{
		"node_uuid": nodeUUID,
		"address":   address,
	}
	var port baremetal.Port
	if err := c.do(ctx, http.MethodPost, "/v1/ports", body, &port); err != nil {
		return nil, err
	}
	return &port, nil
}

// DeletePort removes a port.
func (c *Client) DeletePort(ctx context.Context, portUUID string) error {
	return c.do(ctx, http.MethodDelete, "/v1/ports/"+url.PathEscape(portUUID), nil, nil)
}

// SetPowerState requests a power state change ("off", "on", "reboot").
func (c *Client) SetPowerState(ctx context.Context, uuid, state string) error {
	var target string
	switch state {
	case baremetal.PowerOff:
		target = "power off"
	case baremetal.PowerOn:
		target = "power on"
	case baremetal.PowerReboot:
		target = "rebooting"
	default:
		return fmt.Errorf("unknown power state %q", state)
	}

	body := map[string]string{"target": target}
	return c.do(ctx, http.MethodPut,
		"/v1/nodes/"+url.PathEscape(uuid)+"/states/power", body, nil)
}

// SetBootDevice sets the device the node boots from next.
func (c *Client) SetBootDevice(ctx context.Context, uuid, device string, persistent bool) error {
	body := map[string]any{
		"boot_device": device,
		"persistent":  persistent,
	}
	return c.do(ctx, http.MethodPut,
		"/v1/nodes/"+url.PathEscape(uuid)+"/management/boot_device", body, nil)
}

// bootDevice is the wire shape of a boot device read.
type bootDevice struct {
	BootDevice string `json:"boot_device"`
	Persistent bool   `json:"persistent"`
}

// GetBootDevice reads the current boot device. The credential settler uses
// it as a cheap authenticated BMC probe.
func (c *Client) GetBootDevice(ctx context.Context, uuid string) (string, error) {
	var device bootDevice
	err := c.do(ctx, http.MethodGet,
		"/v1/nodes/"+url.PathEscape(uuid)+"/management/boot_device", nil, &device)
	if err != nil {
		return "", err
	}
	return device.BootDevice, nil
}

// validateResult is the wire shape of an interface validation report.
type validateResult struct {
	Power struct {
		Result bool   `json:"result"`
		Reason string `json:"reason"`
	} `json:"power"`
}

// ValidatePower checks that the node's power management credentials work.
func (c *Client) ValidatePower(ctx context.Context, uuid string) error {
	var report validateResult
	err := c.do(ctx, http.MethodGet,
		"/v1/nodes/"+url.PathEscape(uuid)+"/validate", nil, &report)
	if err != nil {
		return err
	}
	if !report.Power.Result {
		return fmt.Errorf("power interface validation failed: %s", report.Power.Reason)
	}
	return nil
}
