package inference

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"
)

// Client calls an external sentiment model service over HTTP. The service
// contract is a single POST endpoint taking a batch of texts and returning
// one label-plus-probabilities result per text.
type Client struct {
	baseURL    string
	httpClient *http.Client
	log        zerolog.Logger
}

// NewClient creates a model service client
func NewClient(baseURL string, timeout time.Duration, log zerolog.Logger) *Client {
	return &Client{
		baseURL:    baseURL,
		httpClient: &http.Client{Timeout: timeout},
		log:        log.With().Str("component", "inference_client").Logger(),
	}
}

func (c *Client) Name() string { return "remote" }

type scoreRequest struct {
	Texts []string `json:"texts"`
}

type scoreResponse struct {
	Results []Result `json:"results"`
	Error   string   `json:"error,omitempty"`
}

// ScoreBatch sends texts to the model service and returns their results
func (c *Client) ScoreBatch(ctx context.Context, texts []string) ([]Result, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	body, err := json.Marshal(scoreRequest{Texts: texts})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal score request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/score", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("failed to create score request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("inference service returned %d: %s", resp.StatusCode, string(msg))
	}

	var out scoreResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode score response: %w", err)
	}
	if out.Error != "" {
		return nil, fmt.Errorf("inference service error: %s", out.Error)
	}
	if len(out.Results) != len(texts) {
		return nil, fmt.Errorf("inference service returned %d results for %d texts", len(out.Results), len(texts))
	}

	c.log.Debug().
		Int("texts", len(texts)).
		Dur("elapsed", time.Since(start)).
		Msg("Batch scored")
	return out.Results, nil
}

// Health checks whether the model service is reachable
func (c *Client) Health(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create health request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("inference service unreachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("inference service health returned %d", resp.StatusCode)
	}
	return nil
}
