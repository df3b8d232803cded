// Package mailstore is an HTTP client for the mail client bridge that
// exposes message content and tag management.
package mailstore

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/jonesrussell/mailtriage/internal/apierrors"
	"github.com/jonesrussell/mailtriage/internal/domain"
	"github.com/jonesrussell/mailtriage/internal/logging"
)

// defaultTimeout bounds one bridge call; fetches are small and local.
const defaultTimeout = 15 * time.Second

// Client talks to the mail bridge. It implements the orchestrator's
// MailStore and TagRegistry collaborator interfaces.
type Client struct {
	baseURL string
	token   string
	client  *http.Client
	logger  logging.Logger
}

// NewClient creates a bridge client.
func NewClient(baseURL, token string, logger logging.Logger) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		client:  &http.Client{Timeout: defaultTimeout},
		logger:  logger,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal request: %w", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return apierrors.WrapWithContextf(err, "mail bridge %s %s", method, path)
	}
	defer resp.Body.Close()

	if err := apierrors.ParseHTTPError(resp); err != nil {
		return err
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}

// ListMessages returns the message IDs in a folder; empty folder lists all.
func (c *Client) ListMessages(ctx context.Context, folder string) ([]string, error) {
	path := "/messages"
	if folder != "" {
		path += "?folder=" + url.QueryEscape(folder)
	}
	var out struct {
		IDs []string `json:"ids"`
	}
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return out.IDs, nil
}

// FetchFullMessage returns headers, body, and attachment metadata.
func (c *Client) FetchFullMessage(ctx context.Context, id string) (*domain.EmailMessage, error) {
	var msg domain.EmailMessage
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id), nil, &msg); err != nil {
		return nil, err
	}
	return &msg, nil
}

// GetMessageTags returns the tag keys currently on a message.
func (c *Client) GetMessageTags(ctx context.Context, id string) ([]string, error) {
	var out struct {
		Tags []string `json:"tags"`
	}
	if err := c.do(ctx, http.MethodGet, "/messages/"+url.PathEscape(id)+"/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Tags, nil
}

// SetMessageTags replaces the tag keys on a message.
func (c *Client) SetMessageTags(ctx context.Context, id string, tags []string) error {
	body := struct {
		Tags []string `json:"tags"`
	}{Tags: tags}
	return c.do(ctx, http.MethodPut, "/messages/"+url.PathEscape(id)+"/tags", body, nil)
}

// ListKnownTags returns the configured tags with optional threshold
// overrides.
func (c *Client) ListKnownTags(ctx context.Context) ([]domain.KnownTag, error) {
	var out struct {
		Tags []domain.KnownTag `json:"tags"`
	}
	if err := c.do(ctx, http.MethodGet, "/tags", nil, &out); err != nil {
		return nil, err
	}
	return out.Tags, nil
}

// EnsureTagExists registers a tag key before it is applied.
func (c *Client) EnsureTagExists(ctx context.Context, key, name, color string) error {
	body := struct {
		Key   string `json:"key"`
		Name  string `json:"name"`
		Color string `json:"color"`
	}{Key: key, Name: name, Color: color}
	return c.do(ctx, http.MethodPost, "/tags", body, nil)
}
