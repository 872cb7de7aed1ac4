package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"
)

// ClientConfig holds document store connection configuration.
type ClientConfig struct {
	// Endpoint is the store base URL, e.g. https://docs.example.com.
	Endpoint string
	// Token is the bearer token sent with every request.
	Token string
	// Timeout bounds a single call. Defaults to 30s.
	Timeout time.Duration
}

// Client implements Gateway against a JSON-over-HTTP document store.
// Documents live at /v1/collections/{collection}/documents/{id}.
type Client struct {
	config     *ClientConfig
	httpClient *http.Client
}

// wireDocument is the store's JSON representation. Timestamps cross
// the wire as RFC 3339 strings and never leak past this package.
type wireDocument struct {
	ID        string                 `json:"id"`
	Fields    map[string]interface{} `json:"fields"`
	UpdatedAt string                 `json:"updated_at"`
}

type wireList struct {
	Documents []wireDocument `json:"documents"`
}

type wireError struct {
	Message string `json:"message"`
}

// NewClient creates a Client.
func NewClient(config *ClientConfig) *Client {
	timeout := config.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Client{
		config: config,
		httpClient: &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:    10,
				IdleConnTimeout: 30 * time.Second,
			},
		},
	}
}

// Create stores a new document. The id is assigned by the caller, so
// retrying a create after a crash overwrites the same document instead
// of minting a duplicate.
func (c *Client) Create(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	return c.writeDocument(ctx, http.MethodPut, collection, id, fields)
}

// Update applies a field map to an existing document.
func (c *Client) Update(ctx context.Context, collection, id string, fields map[string]interface{}) (*Document, error) {
	return c.writeDocument(ctx, http.MethodPatch, collection, id, fields)
}

func (c *Client) writeDocument(ctx context.Context, method, collection, id string, fields map[string]interface{}) (*Document, error) {
	body, err := json.Marshal(map[string]interface{}{"fields": fields})
	if err != nil {
		return nil, &Error{Class: FailureUnknown, Message: "failed to encode fields", Err: err}
	}

	req, err := c.newRequest(ctx, method, c.documentURL(collection, id), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: FailureNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, c.statusError(resp)
	}
	return decodeDocument(resp.Body)
}

// Delete removes a document. A missing target is reported as a
// not-found Error, callers decide whether that is acceptable.
func (c *Client) Delete(ctx context.Context, collection, id string) error {
	req, err := c.newRequest(ctx, http.MethodDelete, c.documentURL(collection, id), nil)
	if err != nil {
		return err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Class: FailureNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusNoContent {
		return c.statusError(resp)
	}
	return nil
}

// Get fetches a single document.
func (c *Client) Get(ctx context.Context, collection, id string) (*Document, error) {
	req, err := c.newRequest(ctx, http.MethodGet, c.documentURL(collection, id), nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: FailureNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}
	return decodeDocument(resp.Body)
}

// List fetches all documents in a collection. Filter entries become
// query parameters, the store matches them against document fields.
func (c *Client) List(ctx context.Context, collection string, filter map[string]string) ([]*Document, error) {
	u := fmt.Sprintf("%s/v1/collections/%s/documents", c.config.Endpoint, url.PathEscape(collection))
	if len(filter) > 0 {
		q := url.Values{}
		for key, value := range filter {
			q.Set(key, value)
		}
		u += "?" + q.Encode()
	}

	req, err := c.newRequest(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &Error{Class: FailureNetwork, Message: "request failed", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, c.statusError(resp)
	}

	var list wireList
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, &Error{Class: FailureUnknown, Message: "failed to parse list response", Err: err}
	}

	docs := make([]*Document, 0, len(list.Documents))
	for _, wd := range list.Documents {
		doc, err := wd.toDocument()
		if err != nil {
			return nil, err
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

// TestConnection verifies the endpoint answers at all.
func (c *Client) TestConnection(ctx context.Context) error {
	req, err := c.newRequest(ctx, http.MethodGet, c.config.Endpoint+"/v1/ping", nil)
	if err != nil {
		return err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return &Error{Class: FailureNetwork, Message: "request failed", Err: err}
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return c.statusError(resp)
	}
	return nil
}

func (c *Client) documentURL(collection, id string) string {
	return fmt.Sprintf("%s/v1/collections/%s/documents/%s",
		c.config.Endpoint, url.PathEscape(collection), url.PathEscape(id))
}

func (c *Client) newRequest(ctx context.Context, method, url string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, &Error{Class: FailureUnknown, Message: "failed to build request", Err: err}
	}
	if c.config.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.config.Token)
	}
	return req, nil
}

// statusError maps an HTTP status to a failure class.
func (c *Client) statusError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))

	message := ""
	var we wireError
	if json.Unmarshal(body, &we) == nil && we.Message != "" {
		message = we.Message
	} else {
		message = string(body)
	}

	class := FailureUnknown
	switch {
	case resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden:
		class = FailurePermissionDenied
	case resp.StatusCode == http.StatusNotFound:
		class = FailureNotFound
	case resp.StatusCode == http.StatusConflict || resp.StatusCode == http.StatusPreconditionFailed:
		class = FailureConflict
	case resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500:
		class = FailureNetwork
	}

	return &Error{Class: class, Status: resp.StatusCode, Message: message}
}

func decodeDocument(r io.Reader) (*Document, error) {
	var wd wireDocument
	if err := json.NewDecoder(r).Decode(&wd); err != nil {
		return nil, &Error{Class: FailureUnknown, Message: "failed to parse document", Err: err}
	}
	return wd.toDocument()
}

func (wd wireDocument) toDocument() (*Document, error) {
	doc := &Document{ID: wd.ID, Fields: wd.Fields}
	if wd.UpdatedAt != "" {
		ts, err := time.Parse(time.RFC3339, wd.UpdatedAt)
		if err != nil {
			return nil, &Error{Class: FailureUnknown, Message: "invalid updated_at timestamp", Err: err}
		}
		doc.UpdatedAt = ts
	}
	return doc, nil
}
