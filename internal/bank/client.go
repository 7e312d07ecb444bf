// Package bank talks to the bank's batch-submission interface. It is the
// only package that crosses the network boundary to the bank; everything
// above it works with built batches and classified failures.
package bank

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"
)

type Config struct {
	BaseURL string
	Token   string
	Timeout time.Duration
}

type Client struct {
	config *Config
	http   *http.Client
	log    *slog.Logger
}

func NewClient(config *Config) *Client {
	return &Client{
		config: config,
		http: &http.Client{
			Timeout: config.Timeout,
		},
		log: slog.With("component", "bank-client"),
	}
}

// SubmitFile uploads one pain.008 document. A non-2xx answer comes back as
// an error carrying the response body, which the retry engine classifies.
func (c *Client) SubmitFile(ctx context.Context, filename string,
	payload []byte) error {

	url := c.config.BaseURL + "/submissions"

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url,
		bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("build submission request: %w", err)
	}

	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("X-Filename", filename)
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("submit %s: %w", filename, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("submit %s: bank answered %d: %s",
			filename, resp.StatusCode, body)
	}

	c.log.Info("file submitted", "file", filename, "bytes", len(payload))

	return nil
}
