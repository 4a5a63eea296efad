package bioclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"rollcall/internal/identity"
)

// Client calls the external biometric verification service. The engine
// treats matching as an oracle: a template goes in, a matched student key
// or a no-match comes back.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client with configurable skip mode for dev environments.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // template matching can take time
		},
	}
}

// Verify implements identity.Verifier via the service's /verify endpoint.
func (c *Client) Verify(ctx context.Context, template, provider string, modality identity.Modality) (string, bool, error) {
	if c.Skip {
		// Canned match for local development without the matcher running.
		return "DEV0001", true, nil
	}
	if template == "" {
		return "", false, fmt.Errorf("template required")
	}

	body, _ := json.Marshal(map[string]string{
		"template": template,
		"provider": provider,
		"modality": string(modality),
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/verify", bytes.NewReader(body))
	if err != nil {
		return "", false, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", false, fmt.Errorf("biometric service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return "", false, fmt.Errorf("biometric service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Matched    bool    `json:"matched"`
		StudentKey string  `json:"student_key"`
		Similarity float64 `json:"similarity"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", false, fmt.Errorf("decode biometric response: %w", err)
	}
	if !out.Matched {
		return "", false, nil
	}
	return out.StudentKey, true, nil
}

// Health pings the service.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("biometric service unhealthy: %s", resp.Status)
	}
	return nil
}
