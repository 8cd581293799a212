package jobforgesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client is a minimal Jobforge HTTP API client.
type Client struct {
	BaseURL     string
	CatalogID   string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL, catalogID string) *Client {
	return &Client{
		BaseURL:   baseURL,
		CatalogID: catalogID,
		Timeout:   10 * time.Second,
	}
}

// Job represents the API job model (partial).
type Job struct {
	Name      string `json:"name"`
	CatalogID string `json:"catalog_id"`
	Kind      string `json:"kind"`
	CreatedAt string `json:"created_at"`
	UpdatedAt string `json:"updated_at"`
}

// Render is a rendered Job DSL script with its checksum.
type Render struct {
	JobName  string `json:"job_name"`
	Script   string `json:"script"`
	Checksum string `json:"checksum"`
}

// Seed is the combined rendering of every job in a catalog.
type Seed struct {
	CatalogID string `json:"catalog_id"`
	JobCount  int    `json:"job_count"`
	Script    string `json:"script"`
}

// Plan compares the current rendering with the applied snapshot.
type Plan struct {
	JobName         string `json:"job_name"`
	Action          string `json:"action"`
	Checksum        string `json:"checksum"`
	AppliedChecksum string `json:"applied_checksum,omitempty"`
}

// Applied records a snapshot handed over to the seed-job processor.
type Applied struct {
	JobName   string `json:"job_name"`
	Checksum  string `json:"checksum"`
	ActorID   string `json:"actor_id"`
	AppliedAt string `json:"applied_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64          `json:"id"`
	TS         string         `json:"ts"`
	Type       string         `json:"type"`
	CatalogID  string         `json:"catalog_id"`
	EntityKind string         `json:"entity_kind"`
	EntityID   string         `json:"entity_id"`
	ActorID    string         `json:"actor_id"`
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

// DefineBuildJob defines a multibranch build job for a repository.
func (c *Client) DefineBuildJob(ctx context.Context, repo string) (Job, error) {
	body := map[string]any{"repo": repo}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.catalogPath("jobs/build"), body, &resp)
	return resp, err
}

// DefineDeployJob defines a deploy job for a repository.
func (c *Client) DefineDeployJob(ctx context.Context, repo string) (Job, error) {
	body := map[string]any{"repo": repo}
	var resp Job
	err := c.do(ctx, http.MethodPost, c.catalogPath("jobs/deploy"), body, &resp)
	return resp, err
}

// ListJobs lists jobs in the catalog, optionally filtered by kind.
func (c *Client) ListJobs(ctx context.Context, kind string) ([]Job, error) {
	endpoint := c.catalogPath("jobs")
	if kind != "" {
		endpoint = fmt.Sprintf("%s?kind=%s", endpoint, url.QueryEscape(kind))
	}
	var resp []Job
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RenderJob renders one job to Job DSL.
func (c *Client) RenderJob(ctx context.Context, name string) (Render, error) {
	var resp Render
	endpoint := c.catalogPath(fmt.Sprintf("jobs/%s/render", url.PathEscape(name)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RenderSeed renders every job in the catalog into one seed script.
func (c *Client) RenderSeed(ctx context.Context) (Seed, error) {
	var resp Seed
	err := c.do(ctx, http.MethodGet, c.catalogPath("seed"), nil, &resp)
	return resp, err
}

// PlanJob reports the action needed to reconcile a job.
func (c *Client) PlanJob(ctx context.Context, name string) (Plan, error) {
	var resp Plan
	endpoint := c.catalogPath(fmt.Sprintf("jobs/%s/plan", url.PathEscape(name)))
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ApplyJob records the current rendering as applied.
func (c *Client) ApplyJob(ctx context.Context, name string) (Applied, error) {
	var resp Applied
	endpoint := c.catalogPath(fmt.Sprintf("jobs/%s/apply", url.PathEscape(name)))
	err := c.do(ctx, http.MethodPost, endpoint, nil, &resp)
	return resp, err
}

// DeleteJob removes a job descriptor.
func (c *Client) DeleteJob(ctx context.Context, name string) error {
	endpoint := c.catalogPath(fmt.Sprintf("jobs/%s", url.PathEscape(name)))
	return c.do(ctx, http.MethodDelete, endpoint, nil, nil)
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int) ([]Event, error) {
	endpoint := c.catalogPath("events")
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

func (c *Client) catalogPath(p string) string {
	catalog := url.PathEscape(c.CatalogID)
	return fmt.Sprintf("v0/catalogs/%s/%s", catalog, strings.TrimLeft(p, "/"))
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
