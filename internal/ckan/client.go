// Package ckan drives a CKAN instance through its action API to seed demo
// catalog data (organizations, users, groups, datasets, resources).
package ckan

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Client is a minimal CKAN action-API client.
type Client struct {
	BaseURL    string
	APIKey     string
	HTTPClient *http.Client
}

func NewClient(baseURL, apiKey string) *Client {
	return &Client{
		BaseURL:    strings.TrimRight(baseURL, "/"),
		APIKey:     apiKey,
		HTTPClient: &http.Client{Timeout: 60 * time.Second},
	}
}

// WithKey returns a copy of the client authenticated as another actor.
func (c *Client) WithKey(apiKey string) *Client {
	return &Client{BaseURL: c.BaseURL, APIKey: apiKey, HTTPClient: c.HTTPClient}
}

// ValidationError is CKAN's rejection of an action payload; callers use it
// to fall back from create to update.
type ValidationError struct {
	Action  string
	Details map[string]any
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("ckan %s: validation error: %v", e.Action, e.Details)
}

type envelope struct {
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result"`
	Error   map[string]any  `json:"error"`
}

// Action calls POST /api/3/action/<name> with a JSON payload and decodes
// the result into out when non-nil.
func (c *Client) Action(ctx context.Context, name string, payload any, out any) error {
	var buf bytes.Buffer
	if payload == nil {
		payload = map[string]any{}
	}
	if err := json.NewEncoder(&buf).Encode(payload); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actionURL(name), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}
	return c.do(req, name, out)
}

// Upload calls an action with multipart form fields plus one file attached
// as the "upload" field, as resource_create expects.
func (c *Client) Upload(ctx context.Context, name string, fields map[string]string, filePath string, out any) error {
	f, err := os.Open(filePath)
	if err != nil {
		return err
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		if err := mw.WriteField(k, v); err != nil {
			return err
		}
	}
	part, err := mw.CreateFormFile("upload", filepath.Base(filePath))
	if err != nil {
		return err
	}
	if _, err := io.Copy(part, f); err != nil {
		return err
	}
	if err := mw.Close(); err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.actionURL(name), &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	if c.APIKey != "" {
		req.Header.Set("Authorization", c.APIKey)
	}
	return c.do(req, name, out)
}

func (c *Client) do(req *http.Request, action string, out any) error {
	res, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return err
	}
	var env envelope
	if err := json.Unmarshal(body, &env); err != nil {
		return fmt.Errorf("ckan %s: status %d: %s", action, res.StatusCode, strings.TrimSpace(string(body)))
	}
	if !env.Success {
		if t, _ := env.Error["__type"].(string); strings.Contains(t, "Validation") {
			return &ValidationError{Action: action, Details: env.Error}
		}
		return fmt.Errorf("ckan %s: %v", action, env.Error)
	}
	if out != nil {
		return json.Unmarshal(env.Result, out)
	}
	return nil
}

func (c *Client) actionURL(name string) string {
	return c.BaseURL + "/api/3/action/" + name
}

// IsValidation reports whether err is a CKAN validation rejection.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}
