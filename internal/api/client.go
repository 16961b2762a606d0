// Package api provides the HTTP client for the remote business API.
// The server owns the wire format; this client only knows the four calls
// the sync engine replays: list, create, update, delete per collection.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// Record is a record as the remote API returns it. Payload keeps the full
// JSON object so collection-specific fields pass through untouched; ID is
// extracted for identity handling.
type Record struct {
	ID      int64
	Payload json.RawMessage
}

// RemoteError is a non-2xx response from the API.
type RemoteError struct {
	StatusCode int
	Body       string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("remote API error: status %d - %s", e.StatusCode, e.Body)
}

// Client is a remote business API client.
type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
}

// New creates a new API client. A bounded timeout applies to every call so
// a hung replay counts as a failed attempt instead of stalling the drain.
func New(baseURL, token string) *Client {
	return &Client{
		baseURL:    baseURL,
		token:      token,
		httpClient: &http.Client{Timeout: 15 * time.Second},
	}
}

// doRequest performs an HTTP request with authentication and returns the response.
// idempotencyKey, when non-empty, lets the server deduplicate replays of the
// same queued action.
func (c *Client) doRequest(ctx context.Context, method, url string, body io.Reader, idempotencyKey string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	req.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("request failed: %w", err)
	}

	return resp, nil
}

// decodeRecord reads one record object from a response body.
func decodeRecord(body io.Reader) (*Record, error) {
	raw, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	var ident struct {
		ID int64 `json:"id"`
	}
	if err := json.Unmarshal(raw, &ident); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return &Record{ID: ident.ID, Payload: raw}, nil
}

// remoteErr drains the body into a RemoteError.
func remoteErr(resp *http.Response) error {
	body, _ := io.ReadAll(resp.Body)
	return &RemoteError{StatusCode: resp.StatusCode, Body: string(body)}
}

// List fetches the authoritative record sequence for a collection.
func (c *Client) List(ctx context.Context, collection string) ([]Record, error) {
	url := fmt.Sprintf("%s/api/%s", c.baseURL, collection)

	resp, err := c.doRequest(ctx, http.MethodGet, url, nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteErr(resp)
	}

	var rawRecords []json.RawMessage
	if err := json.NewDecoder(resp.Body).Decode(&rawRecords); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	records := make([]Record, 0, len(rawRecords))
	for _, raw := range rawRecords {
		var ident struct {
			ID int64 `json:"id"`
		}
		if err := json.Unmarshal(raw, &ident); err != nil {
			return nil, fmt.Errorf("failed to decode record: %w", err)
		}
		records = append(records, Record{ID: ident.ID, Payload: raw})
	}

	return records, nil
}

// Create posts a new record and returns the authoritative one the server assigned.
func (c *Client) Create(ctx context.Context, collection string, data json.RawMessage, idempotencyKey string) (*Record, error) {
	url := fmt.Sprintf("%s/api/%s", c.baseURL, collection)

	resp, err := c.doRequest(ctx, http.MethodPost, url, bytes.NewReader(data), idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, remoteErr(resp)
	}

	return decodeRecord(resp.Body)
}

// Update patches a record with partial data and returns the updated record.
func (c *Client) Update(ctx context.Context, collection string, id int64, data json.RawMessage, idempotencyKey string) (*Record, error) {
	url := fmt.Sprintf("%s/api/%s/%d", c.baseURL, collection, id)

	resp, err := c.doRequest(ctx, http.MethodPatch, url, bytes.NewReader(data), idempotencyKey)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, remoteErr(resp)
	}

	return decodeRecord(resp.Body)
}

// Delete removes a record remotely. A 404 counts as success: the record is
// gone either way, and a replayed delete must not fail the drain.
func (c *Client) Delete(ctx context.Context, collection string, id int64, idempotencyKey string) error {
	url := fmt.Sprintf("%s/api/%s/%d", c.baseURL, collection, id)

	resp, err := c.doRequest(ctx, http.MethodDelete, url, nil, idempotencyKey)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent && resp.StatusCode != http.StatusNotFound {
		return remoteErr(resp)
	}

	return nil
}
