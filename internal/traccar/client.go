package traccar

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

var (
	// ErrUnavailable marks network or server-side failures reaching the
	// tracking platform. Safe to retry on the next poll tick.
	ErrUnavailable = errors.New("tracking platform unavailable")

	// ErrAuthFailed marks credential rejection by the platform.
	ErrAuthFailed = errors.New("tracking platform rejected credentials")

	// ErrUnknownDevice marks a device id the platform has no record of.
	ErrUnknownDevice = errors.New("unknown device")
)

// Client talks to a Traccar server over its REST API using basic auth.
type Client struct {
	baseURL  string
	username string
	password string
	http     *http.Client
}

// NewClient creates a Traccar API client. timeout bounds each request.
func NewClient(baseURL, username, password string, timeout time.Duration) *Client {
	return &Client{
		baseURL:  baseURL,
		username: username,
		password: password,
		http:     &http.Client{Timeout: timeout},
	}
}

// Positions lists the current position of every device known to the
// platform.
func (c *Client) Positions(ctx context.Context) ([]Position, error) {
	var positions []Position
	if err := c.get(ctx, "/api/positions", &positions); err != nil {
		return nil, err
	}
	return positions, nil
}

// Device resolves a Traccar device id to its device record, including the
// hardware identifier used to match internal vehicles.
func (c *Client) Device(ctx context.Context, deviceID int64) (Device, error) {
	var device Device
	if err := c.get(ctx, fmt.Sprintf("/api/devices/%d", deviceID), &device); err != nil {
		return Device{}, err
	}
	return device, nil
}

func (c *Client) get(ctx context.Context, path string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+path, nil)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	req.SetBasicAuth(c.username, c.password)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		return fmt.Errorf("%w: HTTP %d from %s", ErrAuthFailed, resp.StatusCode, path)
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: HTTP 404 from %s", ErrUnknownDevice, path)
	case resp.StatusCode != http.StatusOK:
		return fmt.Errorf("%w: HTTP %d from %s", ErrUnavailable, resp.StatusCode, path)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read body: %w", ErrUnavailable, err)
	}
	if err := json.Unmarshal(body, out); err != nil {
		return fmt.Errorf("%w: decode %s: %w", ErrUnavailable, path, err)
	}
	return nil
}
