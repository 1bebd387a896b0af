package pricegatesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Client is a minimal pricegate HTTP API client.
type Client struct {
	BaseURL     string
	BasePath    string
	ActorID     string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL:  baseURL,
		BasePath: "/v0",
		Timeout:  60 * time.Second,
	}
}

// Selection identifies a market listing.
type Selection struct {
	Commodity string `json:"commodity"`
	State     string `json:"state"`
	District  string `json:"district"`
	Market    string `json:"market"`
}

func (s Selection) query() url.Values {
	q := url.Values{}
	for k, v := range map[string]string{
		"commodity": s.Commodity,
		"state":     s.State,
		"district":  s.District,
		"market":    s.Market,
	} {
		if v != "" {
			q.Set(k, v)
		}
	}
	return q
}

// Product is a catalog entry with its current ledger price.
type Product struct {
	ID        string  `json:"id"`
	Commodity string  `json:"commodity"`
	State     string  `json:"state"`
	District  string  `json:"district"`
	Market    string  `json:"market"`
	LedgerID  string  `json:"blockchainProductId"`
	Price     float64 `json:"price"`
	CreatedAt string  `json:"created_at"`
	UpdatedAt string  `json:"updated_at"`
}

// Options lists the values available at one selection level.
type Options struct {
	Level  string   `json:"level"`
	Values []string `json:"values"`
}

// UpdatePriceResult is the ledger's acknowledgement of a committed price.
type UpdatePriceResult struct {
	Message  string         `json:"message"`
	MLResult map[string]any `json:"mlResult,omitempty"`
}

// SubmissionResult is the outcome of the verify-then-commit workflow.
type SubmissionResult struct {
	ID        string         `json:"id"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	ProductID string         `json:"blockchainProductId,omitempty"`
	MLResult  map[string]any `json:"mlResult,omitempty"`
	Trail     []string       `json:"trail"`
}

// Submission is a stored workflow outcome.
type Submission struct {
	ID        string         `json:"id"`
	ActorID   string         `json:"actor_id"`
	Commodity string         `json:"commodity"`
	State     string         `json:"state"`
	District  string         `json:"district"`
	Market    string         `json:"market"`
	Price     float64        `json:"price"`
	Status    string         `json:"status"`
	Message   string         `json:"message"`
	ProductID string         `json:"product_id,omitempty"`
	Verdict   map[string]any `json:"verdict,omitempty"`
	CreatedAt string         `json:"created_at"`
}

// PriceUpdate is one ledger history row.
type PriceUpdate struct {
	ID        int64   `json:"id"`
	ProductID string  `json:"product_id"`
	OldPrice  float64 `json:"old_price"`
	NewPrice  float64 `json:"new_price"`
	ActorID   string  `json:"actor_id"`
	CreatedAt string  `json:"created_at"`
}

// Event represents a log entry.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// APIError wraps non-2xx responses. Code and Message come from the error
// envelope when the server sent one.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Message != "" {
		return e.Message
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// IsNotFound reports whether err is a 404 from the API.
func IsNotFound(err error) bool {
	var apiErr *APIError
	return errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusNotFound
}

// Options lists values for the first empty level of sel.
func (c *Client) Options(ctx context.Context, level string, sel Selection) (Options, error) {
	var resp Options
	endpoint := "options/" + level
	if q := sel.query(); len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// MatchProduct resolves a complete selection to its product.
func (c *Client) MatchProduct(ctx context.Context, sel Selection) (Product, error) {
	var resp Product
	err := c.do(ctx, http.MethodGet, "products/match?"+sel.query().Encode(), nil, &resp)
	return resp, err
}

// ListProducts lists catalog products filtered by the non-empty fields of sel.
func (c *Client) ListProducts(ctx context.Context, sel Selection, limit int) ([]Product, error) {
	q := sel.query()
	q.Del("market")
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "products"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Product
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// RegisterProduct adds a product and opens its ledger entry.
func (c *Client) RegisterProduct(ctx context.Context, sel Selection, ledgerID string, price float64) (Product, error) {
	body := map[string]any{
		"commodity": sel.Commodity,
		"state":     sel.State,
		"district":  sel.District,
		"market":    sel.Market,
		"price":     price,
	}
	if ledgerID != "" {
		body["blockchainProductId"] = ledgerID
	}
	var resp Product
	err := c.do(ctx, http.MethodPost, "products", body, &resp)
	return resp, err
}

// CheckPrice asks the validation engine for a verdict without committing.
func (c *Client) CheckPrice(ctx context.Context, sel Selection, price float64) (map[string]any, error) {
	body := map[string]any{
		"commodity":    sel.Commodity,
		"state":        sel.State,
		"district":     sel.District,
		"market":       sel.Market,
		"vendor_price": price,
	}
	var resp map[string]any
	err := c.do(ctx, http.MethodPost, "check-price", body, &resp)
	return resp, err
}

// UpdatePrice commits a price to the ledger directly.
func (c *Client) UpdatePrice(ctx context.Context, productID string, price float64) (UpdatePriceResult, error) {
	body := map[string]any{
		"productId": productID,
		"newPrice":  price,
	}
	var resp UpdatePriceResult
	err := c.do(ctx, http.MethodPost, "products/vendor/update-price", body, &resp)
	return resp, err
}

// Submit runs the full workflow on the server.
func (c *Client) Submit(ctx context.Context, sel Selection, price float64) (SubmissionResult, error) {
	body := map[string]any{
		"commodity": sel.Commodity,
		"state":     sel.State,
		"district":  sel.District,
		"market":    sel.Market,
		"price":     price,
	}
	var resp SubmissionResult
	err := c.do(ctx, http.MethodPost, "submissions", body, &resp)
	return resp, err
}

// ListSubmissions returns recent submissions, newest first.
func (c *Client) ListSubmissions(ctx context.Context, status, actorID string, limit int) ([]Submission, error) {
	q := url.Values{}
	if status != "" {
		q.Set("status", status)
	}
	if actorID != "" {
		q.Set("actor_id", actorID)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	endpoint := "submissions"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp []Submission
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// GetSubmission fetches a submission by id.
func (c *Client) GetSubmission(ctx context.Context, id string) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodGet, "submissions/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// PriceHistory returns ledger history for a product, newest first.
func (c *Client) PriceHistory(ctx context.Context, productID string, limit int) ([]PriceUpdate, error) {
	endpoint := fmt.Sprintf("products/%s/prices", url.PathEscape(productID))
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp []PriceUpdate
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// EventsPage returns a paginated event listing.
func (c *Client) EventsPage(ctx context.Context, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	target := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, target, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.ActorID != "":
		req.Header.Set("X-Actor-Id", c.ActorID)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return decodeAPIError(resp)
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	b, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	var env struct {
		Error struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if json.Unmarshal(b, &env) == nil {
		apiErr.Code = env.Error.Code
		apiErr.Message = env.Error.Message
	}
	return apiErr
}

func (c *Client) base() string {
	base := strings.TrimRight(c.BaseURL, "/")
	if p := strings.Trim(c.BasePath, "/"); p != "" {
		base += "/" + p
	}
	return base
}
