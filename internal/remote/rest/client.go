// Package rest implements mutuelle.Remote over a PostgREST-compatible HTTP API.
package rest

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hyperengineering/mutuelle"
)

// DefaultPageSize is the number of rows requested per page by ReadAll.
const DefaultPageSize = 1000

// HTTPClient implements mutuelle.Remote using net/http.
type HTTPClient struct {
	baseURL    string
	apiKey     string
	deviceID   string
	pageSize   int
	httpClient *http.Client
}

// NewHTTPClient creates a REST client rooted at baseURL, for example
// "https://backend.example/rest/v1". deviceID is optional; if non-empty it is
// sent as X-Mutuelle-Device header.
func NewHTTPClient(baseURL, apiKey, deviceID string) *HTTPClient {
	return &HTTPClient{
		baseURL:  strings.TrimSuffix(baseURL, "/"),
		apiKey:   apiKey,
		deviceID: deviceID,
		pageSize: DefaultPageSize,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// WithHTTPClient sets a custom http.Client (for testing or custom timeouts).
func (c *HTTPClient) WithHTTPClient(client *http.Client) *HTTPClient {
	c.httpClient = client
	return c
}

// WithPageSize sets how many rows ReadAll requests at a time.
func (c *HTTPClient) WithPageSize(n int) *HTTPClient {
	if n > 0 {
		c.pageSize = n
	}
	return c
}

func (c *HTTPClient) setHeaders(req *http.Request) {
	if c.apiKey != "" {
		req.Header.Set("apikey", c.apiKey)
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "mutuelle-client/1.0")
	if strings.TrimSpace(c.deviceID) != "" {
		req.Header.Set("X-Mutuelle-Device", c.deviceID)
	}
}

// newSyncError classifies an HTTP failure. Client errors are permanent
// apart from timeouts and rate limiting. Auth failures stay transient until
// the key is fixed.
func newSyncError(op string, table mutuelle.Table, statusCode int, body []byte) *mutuelle.SyncError {
	msg := ""
	if len(body) > 0 && statusCode >= 400 {
		if len(body) > 200 {
			msg = string(body[:200]) + "..."
		} else {
			msg = string(body)
		}
	}
	permanent := statusCode >= 400 && statusCode < 500
	switch statusCode {
	case http.StatusUnauthorized, http.StatusForbidden,
		http.StatusRequestTimeout, http.StatusTooManyRequests:
		permanent = false
	}
	return &mutuelle.SyncError{
		Operation:  op,
		Table:      table,
		StatusCode: statusCode,
		Permanent:  permanent,
		Err:        fmt.Errorf("HTTP %d: %s", statusCode, msg),
	}
}

func (c *HTTPClient) tableURL(table mutuelle.Table, query url.Values) string {
	u := c.baseURL + "/" + url.PathEscape(string(table))
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	return u
}

func idFilter(id string) url.Values {
	return url.Values{"id": {"eq." + id}}
}

// ReadAll pages through every row of a table ordered by id.
func (c *HTTPClient) ReadAll(ctx context.Context, table mutuelle.Table) ([]mutuelle.Row, error) {
	var all []mutuelle.Row
	for offset := 0; ; offset += c.pageSize {
		query := url.Values{
			"select": {"*"},
			"order":  {"id.asc"},
			"limit":  {strconv.Itoa(c.pageSize)},
			"offset": {strconv.Itoa(offset)},
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.tableURL(table, query), nil)
		if err != nil {
			return nil, &mutuelle.SyncError{Operation: "read", Table: table, Err: err}
		}
		c.setHeaders(req)

		page, err := c.doRows(req, "read", table)
		if err != nil {
			return nil, err
		}
		all = append(all, page...)
		if len(page) < c.pageSize {
			break
		}
	}
	if all == nil {
		all = []mutuelle.Row{}
	}
	return all, nil
}

// Insert upserts a row so that replaying the same insert is harmless.
func (c *HTTPClient) Insert(ctx context.Context, table mutuelle.Table, row mutuelle.Row, idempotencyKey string) (mutuelle.Row, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: "insert", Table: table, Permanent: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.tableURL(table, nil), bytes.NewReader(body))
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: "insert", Table: table, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation,resolution=merge-duplicates")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	rows, err := c.doRows(req, "insert", table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, nil
	}
	return rows[0], nil
}

// Update patches the row with this id. A missing row is a permanent failure.
func (c *HTTPClient) Update(ctx context.Context, table mutuelle.Table, id string, row mutuelle.Row, idempotencyKey string) (mutuelle.Row, error) {
	body, err := json.Marshal(row)
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: "update", Table: table, Permanent: true, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPatch, c.tableURL(table, idFilter(id)), bytes.NewReader(body))
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: "update", Table: table, Err: err}
	}
	c.setHeaders(req)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Prefer", "return=representation")
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	rows, err := c.doRows(req, "update", table)
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, newSyncError("update", table, http.StatusNotFound, []byte("no row with id "+id))
	}
	return rows[0], nil
}

// Delete removes the row with this id. A row already gone counts as deleted.
func (c *HTTPClient) Delete(ctx context.Context, table mutuelle.Table, id string, idempotencyKey string) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.tableURL(table, idFilter(id)), nil)
	if err != nil {
		return &mutuelle.SyncError{Operation: "delete", Table: table, Err: err}
	}
	c.setHeaders(req)
	if idempotencyKey != "" {
		req.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &mutuelle.SyncError{Operation: "delete", Table: table, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode == http.StatusNotFound || resp.StatusCode/100 == 2 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}
	respBody, _ := io.ReadAll(resp.Body)
	return newSyncError("delete", table, resp.StatusCode, respBody)
}

// Ping checks that the API root answers.
func (c *HTTPClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/", nil)
	if err != nil {
		return &mutuelle.SyncError{Operation: "ping", Err: err}
	}
	c.setHeaders(req)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &mutuelle.SyncError{Operation: "ping", Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return newSyncError("ping", "", resp.StatusCode, respBody)
	}
	return nil
}

func (c *HTTPClient) doRows(req *http.Request, op string, table mutuelle.Table) ([]mutuelle.Row, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &mutuelle.SyncError{Operation: op, Table: table, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode/100 != 2 {
		respBody, _ := io.ReadAll(resp.Body)
		return nil, newSyncError(op, table, resp.StatusCode, respBody)
	}
	if resp.StatusCode == http.StatusNoContent {
		return nil, nil
	}

	dec := json.NewDecoder(resp.Body)
	dec.UseNumber()
	var rows []mutuelle.Row
	if err := dec.Decode(&rows); err != nil {
		if err == io.EOF {
			return nil, nil
		}
		return nil, &mutuelle.SyncError{Operation: op, Table: table, Err: fmt.Errorf("decode response: %w", err)}
	}
	return rows, nil
}

var _ mutuelle.Remote = (*HTTPClient)(nil)
