package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"verdant/internal/config"
	"verdant/internal/domain"
)

// Client identifies a plant and its health issues from an image reference.
type Client interface {
	Diagnose(ctx context.Context, imageURL string) (*domain.DiagnosisResult, error)
}

// visionClient implements Client against an OpenAI-compatible chat
// completions API. One request per Diagnose call, no retries; the timeout is
// the configured oracle.timeout_ms (30 s by default).
type visionClient struct {
	cfg    config.OracleConfig
	apiKey string
	http   *http.Client
}

// New creates a Client from config. The API key may be empty; Diagnose then
// fails with ErrNoCredential, which callers may answer with Fallback.
func New(cfg config.OracleConfig, apiKey string) Client {
	return &visionClient{
		cfg:    cfg,
		apiKey: apiKey,
		http:   &http.Client{},
	}
}

type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageRef `json:"image_url,omitempty"`
}

type imageRef struct {
	URL    string `json:"url"`
	Detail string `json:"detail,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

func (c *visionClient) Diagnose(ctx context.Context, imageURL string) (*domain.DiagnosisResult, error) {
	if strings.TrimSpace(c.apiKey) == "" {
		return nil, ErrNoCredential
	}

	timeout := time.Duration(c.cfg.TimeoutMs) * time.Millisecond
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	body := chatRequest{
		Model: c.cfg.Model,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: diagnosisPrompt},
				{Type: "image_url", ImageURL: &imageRef{URL: imageURL, Detail: "high"}},
			},
		}},
		MaxTokens: 1000,
	}

	content, err := c.doRequest(ctx, body)
	if err != nil {
		if ctx.Err() == context.DeadlineExceeded {
			return nil, ErrTimeout
		}
		// A caller abort is not an outage and must not become
		// fallback-eligible.
		if errors.Is(err, context.Canceled) {
			return nil, context.Canceled
		}
		var se *StatusError
		if errors.As(err, &se) {
			return nil, err
		}
		var ue *url.Error
		if errors.As(err, &ue) {
			return nil, fmt.Errorf("%w: %v", ErrUnavailable, ue.Err)
		}
		return nil, err
	}

	var result domain.DiagnosisResult
	if err := extractJSON(content, &result); err != nil {
		return nil, err
	}
	if err := validate(&result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *visionClient) doRequest(ctx context.Context, body chatRequest) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	endpoint := strings.TrimSuffix(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(data))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	res, err := c.http.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()

	respBody, err := io.ReadAll(res.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		return "", &StatusError{Status: res.StatusCode, Body: strings.TrimSpace(string(respBody))}
	}

	var resp chatResponse
	if err := json.Unmarshal(respBody, &resp); err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidOutput, err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("%w: empty choices", ErrInvalidOutput)
	}
	return resp.Choices[0].Message.Content, nil
}

// validate rejects malformed diagnoses at the boundary instead of letting
// untyped data reach storage.
func validate(d *domain.DiagnosisResult) error {
	if strings.TrimSpace(d.PlantName) == "" {
		return fmt.Errorf("%w: plantName is empty", ErrInvalidOutput)
	}
	if d.Confidence < 0 || d.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range", ErrInvalidOutput, d.Confidence)
	}
	for i, issue := range d.Issues {
		switch issue.Severity {
		case domain.SeverityLow, domain.SeverityMedium, domain.SeverityHigh:
		default:
			return fmt.Errorf("%w: issues[%d] has unknown severity %q", ErrInvalidOutput, i, issue.Severity)
		}
	}
	for i, rec := range d.Recommendations {
		if strings.TrimSpace(rec.Action) == "" {
			return fmt.Errorf("%w: recommendations[%d] has empty action", ErrInvalidOutput, i)
		}
	}
	return nil
}
