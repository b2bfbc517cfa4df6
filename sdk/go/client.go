package verdantsdk

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Verdant HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 60 * time.Second,
	}
}

// Plant represents the API plant model.
type Plant struct {
	ID         string      `json:"id"`
	OwnerID    string      `json:"owner_id"`
	ImageURL   string      `json:"image_url"`
	Name       *string     `json:"name,omitempty"`
	Diagnosis  *Diagnosis  `json:"diagnosis,omitempty"`
	CreatedAt  string      `json:"created_at"`
	Treatments []Treatment `json:"treatments,omitempty"`
}

// Diagnosis is the vision-model output stored on a plant.
type Diagnosis struct {
	PlantName       string           `json:"plantName"`
	Confidence      float64          `json:"confidence"`
	Issues          []Issue          `json:"issues"`
	Recommendations []Recommendation `json:"recommendations"`
	CareTips        []CareTip        `json:"careTips,omitempty"`
}

type Issue struct {
	Name        string   `json:"name"`
	Severity    string   `json:"severity"`
	Description string   `json:"description"`
	Causes      []string `json:"causes,omitempty"`
}

type Recommendation struct {
	Action   string `json:"action"`
	Timeline string `json:"timeline"`
	Priority int    `json:"priority"`
}

type CareTip struct {
	Icon        string `json:"icon"`
	Title       string `json:"title"`
	Description string `json:"description"`
}

// Treatment is one dated step of a plant's treatment plan.
type Treatment struct {
	ID          string `json:"id"`
	PlantID     string `json:"plant_id"`
	Step        int    `json:"step"`
	Description string `json:"description"`
	Date        string `json:"date"`
	Completed   bool   `json:"completed"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	OwnerID    string         `json:"owner_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	Payload    map[string]any `json:"payload"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// CreatePlant uploads an image and returns the diagnosed plant with its
// treatment plan. ext is the image file extension without the dot.
func (c *Client) CreatePlant(ctx context.Context, image []byte, ext string) (Plant, error) {
	body := map[string]any{
		"image_base64": base64.StdEncoding.EncodeToString(image),
		"ext":          ext,
	}
	var resp Plant
	err := c.do(ctx, http.MethodPost, "v0/plants", body, &resp)
	return resp, err
}

// ListPlants returns the caller's plants, newest first.
func (c *Client) ListPlants(ctx context.Context) ([]Plant, error) {
	var resp []Plant
	err := c.do(ctx, http.MethodGet, "v0/plants", nil, &resp)
	return resp, err
}

// GetPlant fetches one plant with its treatments.
func (c *Client) GetPlant(ctx context.Context, id string) (Plant, error) {
	var resp Plant
	err := c.do(ctx, http.MethodGet, "v0/plants/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// DeletePlant removes a plant and its treatments.
func (c *Client) DeletePlant(ctx context.Context, id string) error {
	return c.do(ctx, http.MethodDelete, "v0/plants/"+url.PathEscape(id), nil, nil)
}

// SetTreatmentCompleted toggles a treatment step.
func (c *Client) SetTreatmentCompleted(ctx context.Context, id string, completed bool) (Treatment, error) {
	body := map[string]any{"completed": completed}
	var resp Treatment
	err := c.do(ctx, http.MethodPatch, "v0/treatments/"+url.PathEscape(id), body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := "v0/events"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []Event
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
