package reasoning

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// Config configures the inference endpoint client.
type Config struct {
	Endpoint    string
	InferenceID string
	APIKey      string
	Username    string
	Password    string
	Timeout     time.Duration
}

// Client calls an Elasticsearch-style completion endpoint:
// POST {endpoint}/_inference/{id} with {"input": prompt}.
type Client struct {
	url    string
	cfg    Config
	client *http.Client
	logger *zap.Logger
}

func NewClient(cfg Config, logger *zap.Logger) (*Client, error) {
	if strings.TrimSpace(cfg.Endpoint) == "" {
		return nil, fmt.Errorf("reasoning endpoint is empty")
	}
	if cfg.InferenceID == "" {
		return nil, fmt.Errorf("reasoning inference id is empty")
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 20 * time.Second
	}
	return &Client{
		url:    strings.TrimRight(cfg.Endpoint, "/") + "/_inference/" + cfg.InferenceID,
		cfg:    cfg,
		client: &http.Client{Timeout: timeout},
		logger: logger,
	}, nil
}

type completionResponse struct {
	Completion []struct {
		Result string `json:"result"`
	} `json:"completion"`
}

func (c *Client) Generate(ctx context.Context, kind Kind, input Context) (json.RawMessage, error) {
	prompt, err := Prompt(kind, input)
	if err != nil {
		return nil, err
	}
	body, err := json.Marshal(map[string]string{"input": prompt})
	if err != nil {
		return nil, fmt.Errorf("marshal inference request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create inference request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	switch {
	case c.cfg.APIKey != "":
		req.Header.Set("Authorization", "ApiKey "+c.cfg.APIKey)
	case c.cfg.Username != "":
		req.SetBasicAuth(c.cfg.Username, c.cfg.Password)
	}

	started := time.Now()
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("%w: read response: %v", ErrUnavailable, err)
	}
	if resp.StatusCode >= 300 {
		return nil, fmt.Errorf("%w: inference endpoint returned %s", ErrUnavailable, resp.Status)
	}
	c.logger.Debug("inference completed",
		zap.String("kind", string(kind)),
		zap.Duration("duration", time.Since(started)),
	)

	var cr completionResponse
	if err := json.Unmarshal(raw, &cr); err != nil {
		return nil, fmt.Errorf("%w: decode completion: %v", ErrMalformed, err)
	}
	if len(cr.Completion) == 0 {
		return nil, fmt.Errorf("%w: no completion returned", ErrMalformed)
	}
	return ExtractJSON(cr.Completion[0].Result)
}

// ExtractJSON strips Markdown code fences from model output and checks that
// what remains is a single JSON object.
func ExtractJSON(text string) (json.RawMessage, error) {
	cleaned := strings.TrimSpace(text)
	if strings.HasPrefix(cleaned, "```") {
		cleaned = strings.TrimPrefix(cleaned, "```json")
		cleaned = strings.TrimPrefix(cleaned, "```")
		cleaned = strings.TrimSuffix(strings.TrimSpace(cleaned), "```")
		cleaned = strings.TrimSpace(cleaned)
	}
	if cleaned == "" {
		return nil, fmt.Errorf("%w: empty result", ErrMalformed)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal([]byte(cleaned), &obj); err != nil {
		return nil, fmt.Errorf("%w: result is not a JSON object: %v", ErrMalformed, err)
	}
	return json.RawMessage(cleaned), nil
}
