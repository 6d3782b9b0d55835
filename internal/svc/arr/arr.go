package arr

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

// scanCommand is the *arr command that imports files dropped into a folder.
const scanCommand = "DownloadedEpisodesScan"

// Client represents an *arr API client used as the media indexer.
type Client struct {
	client  *http.Client
	apiKey  string
	baseURL string
}

// NewClient creates a new *arr API client.
func NewClient(apiKey, baseURL string) *Client {
	return &Client{
		client: &http.Client{
			Timeout:   30 * time.Second,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		apiKey:  apiKey,
		baseURL: baseURL,
	}
}

type commandRequest struct {
	Name       string `json:"name"`
	Path       string `json:"path"`
	ImportMode string `json:"importMode,omitempty"`
}

type commandResponse struct {
	ID     int    `json:"id"`
	Name   string `json:"name"`
	Status string `json:"status"`
}

// RequestScan asks the *arr application to import path and returns the media reference
// of the queued command.
func (c *Client) RequestScan(ctx context.Context, path string) (string, error) {
	body, err := json.Marshal(commandRequest{Name: scanCommand, Path: path, ImportMode: "Copy"})
	if err != nil {
		return "", fmt.Errorf("failed to marshal command: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/api/v3/command", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return "", fmt.Errorf("url: %s, status: %d", req.URL, resp.StatusCode)
	}

	var cmd commandResponse
	if err := json.NewDecoder(resp.Body).Decode(&cmd); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}

	return c.baseURL + "/api/v3/command/" + strconv.Itoa(cmd.ID), nil
}

// Forget deletes a media reference previously returned by RequestScan.
// A reference the application no longer knows is not an error.
func (c *Client) Forget(ctx context.Context, mediaURI string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, mediaURI, nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	req.Header.Set("X-Api-Key", c.apiKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("url: %s, status: %d", mediaURI, resp.StatusCode)
	}

	return nil
}
