package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/native-helper/helper/internal/control"
	"github.com/native-helper/helper/internal/overlay"
)

// HTTPClient makes REST calls to the overlay and control servers.
type HTTPClient struct {
	overlayURL string
	controlURL string
	client     *http.Client
}

// NewHTTPClient creates a client targeting the given base URLs, e.g.
// "http://127.0.0.1:8765" and "http://127.0.0.1:4580". An empty controlURL
// disables the control calls.
func NewHTTPClient(overlayURL, controlURL string) *HTTPClient {
	return &HTTPClient{
		overlayURL: strings.TrimRight(overlayURL, "/"),
		controlURL: strings.TrimRight(controlURL, "/"),
		client:     &http.Client{Timeout: 5 * time.Second},
	}
}

// ErrNoControl is returned by control calls when no control URL is set.
var ErrNoControl = errors.New("control server not configured")

// Messages fetches the retained overlay messages that are still live.
func (c *HTTPClient) Messages(ctx context.Context) ([]overlay.Message, error) {
	var out []overlay.Message
	if err := c.do(ctx, http.MethodGet, c.overlayURL+"/overlay/messages", &out); err != nil {
		return nil, err
	}
	return out, nil
}

// Status fetches GET /status from the control server.
func (c *HTTPClient) Status(ctx context.Context) (*control.StatusResponse, error) {
	if c.controlURL == "" {
		return nil, ErrNoControl
	}
	var out control.StatusResponse
	if err := c.do(ctx, http.MethodGet, c.controlURL+"/status", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// StopSession sends POST /stop to the control server.
func (c *HTTPClient) StopSession(ctx context.Context) error {
	if c.controlURL == "" {
		return ErrNoControl
	}
	return c.do(ctx, http.MethodPost, c.controlURL+"/stop", nil)
}

func (c *HTTPClient) do(ctx context.Context, method, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("%s %s: %d %s", method, url, resp.StatusCode, strings.TrimSpace(string(body)))
	}
	if out == nil {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
