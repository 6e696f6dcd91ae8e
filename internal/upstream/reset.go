// Package upstream implements the fault-recovery helper that cycles an
// upstream media server's stream binding to unstick a known doorbell
// firmware defect: repeated DESCRIBE 404s on the backchannel after a ring
// event or a long-lived primary RTSP session holds the doorbell's state
// machine wedged. Dropping the competing RTSP session frequently unsticks
// it.
package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const httpTimeout = 5 * time.Second

// Client is a small purpose-built HTTP client against the media server's
// stream API: one *http.Client with a fixed timeout, a base URL, and one
// method per API call.
type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient returns a Client for the given upstream media-server base
// URL, e.g. "http://127.0.0.1:1984".
func NewClient(baseURL string) *Client {
	return &Client{
		httpClient: &http.Client{Timeout: httpTimeout},
		baseURL:    strings.TrimRight(baseURL, "/"),
	}
}

type streamsResponse map[string]struct {
	Producers []struct {
		URL string `json:"url"`
	} `json:"producers"`
}

// Reset performs the full drop-and-reattach cycle for streamName: GET the
// stream list, locate its first rtsp:// producer, DELETE it, sleep 2s,
// PUT it back, then sleep 4s so the caller's next connect attempt lands
// after the doorbell has had a chance to settle. Any error aborts the
// reset; it is always best-effort and never returns a value the caller
// must act on beyond logging.
func (c *Client) Reset(ctx context.Context, streamName string) error {
	producerURL, err := c.findRTSPProducer(ctx, streamName)
	if err != nil {
		return fmt.Errorf("locating producer for stream %q: %w", streamName, err)
	}
	if producerURL == "" {
		return fmt.Errorf("no rtsp producer found for stream %q", streamName)
	}

	if err := c.streamsCall(ctx, http.MethodDelete, streamName, producerURL); err != nil {
		return fmt.Errorf("dropping stream %q: %w", streamName, err)
	}

	select {
	case <-time.After(2 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}

	if err := c.streamsCall(ctx, http.MethodPut, streamName, producerURL); err != nil {
		return fmt.Errorf("reattaching stream %q: %w", streamName, err)
	}

	select {
	case <-time.After(4 * time.Second):
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (c *Client) findRTSPProducer(ctx context.Context, streamName string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/api/streams", nil)
	if err != nil {
		return "", err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("GET /api/streams returned %d", resp.StatusCode)
	}

	var streams streamsResponse
	if err := json.Unmarshal(body, &streams); err != nil {
		return "", fmt.Errorf("decoding streams response: %w", err)
	}

	stream, ok := streams[streamName]
	if !ok {
		return "", nil
	}
	for _, p := range stream.Producers {
		if strings.HasPrefix(p.URL, "rtsp://") {
			return p.URL, nil
		}
	}
	return "", nil
}

func (c *Client) streamsCall(ctx context.Context, method, streamName, producerURL string) error {
	q := url.Values{"dst": {streamName}, "src": {producerURL}}
	reqURL := c.baseURL + "/api/streams?" + q.Encode()

	req, err := http.NewRequestWithContext(ctx, method, reqURL, nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20)) //nolint:errcheck

	if resp.StatusCode >= 400 {
		return fmt.Errorf("%s %s returned %d", method, reqURL, resp.StatusCode)
	}
	return nil
}
