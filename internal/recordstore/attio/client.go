// Package attio implements recordstore.Store against the Attio v2 REST API.
//
// Every network call passes the store rate limiter and a circuit breaker.
// Reads and record queries are served from a TTL cache when possible; a hit
// bypasses both the network and the limiter. Writes invalidate the cached
// queries of the object they touch.
package attio

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/scrypster/crmsync/internal/breaker"
	"github.com/scrypster/crmsync/internal/cache"
	"github.com/scrypster/crmsync/internal/logger"
	"github.com/scrypster/crmsync/internal/metrics"
	"github.com/scrypster/crmsync/internal/ratelimit"
	"github.com/scrypster/crmsync/internal/recordstore"
)

// Config holds configuration for the Attio client.
type Config struct {
	APIKey       string
	BaseURL      string        // default: https://api.attio.com/v2
	Timeout      time.Duration // default: 30s
	RetryBackoff time.Duration // wait after a 429 without Retry-After (default: 2s)
}

// Client implements recordstore.Store over HTTP.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *ratelimit.Limiter
	reads   *cache.Cache[[]byte]
	breaker *breaker.CircuitBreaker
	log     *logger.Logger
	metrics *metrics.Metrics
}

// Option configures a Client.
type Option func(*Client)

// WithLimiter paces every network call through l.
func WithLimiter(l *ratelimit.Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithReadCache caches GET and query responses.
func WithReadCache(rc *cache.Cache[[]byte]) Option { return func(c *Client) { c.reads = rc } }

func WithLogger(l *logger.Logger) Option { return func(c *Client) { c.log = l } }

func WithMetrics(m *metrics.Metrics) Option { return func(c *Client) { c.metrics = m } }

func WithHTTPClient(h *http.Client) Option { return func(c *Client) { c.http = h } }

// NewClient creates an Attio client with the given configuration.
func NewClient(cfg Config, opts ...Option) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = "https://api.attio.com/v2"
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.RetryBackoff == 0 {
		cfg.RetryBackoff = 2 * time.Second
	}

	c := &Client{
		cfg:  cfg,
		http: &http.Client{Timeout: cfg.Timeout},
		log:  logger.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.log = c.log.With("component", "attio")
	c.breaker = breaker.New(breaker.Config{
		Name:         "attio",
		Metrics:      c.metrics,
		IsSuccessful: remoteHealthy,
	})
	return c
}

// remoteHealthy treats client errors (4xx, including 429) as a healthy remote
// so validation failures do not trip the breaker.
func remoteHealthy(err error) bool {
	if err == nil {
		return true
	}
	var se *recordstore.StatusError
	return errors.As(err, &se) && se.Code >= 400 && se.Code < 500
}

// ListObjects returns the workspace's schema-backed objects.
func (c *Client) ListObjects(ctx context.Context) ([]recordstore.Object, error) {
	var resp struct {
		Data []apiObject `json:"data"`
	}
	if err := c.call(ctx, "list_objects", http.MethodGet, "/objects", nil, &resp); err != nil {
		return nil, err
	}

	objects := make([]recordstore.Object, 0, len(resp.Data))
	for _, o := range resp.Data {
		if o.ID.ObjectID == "" || o.APISlug == "" {
			continue
		}
		objects = append(objects, o.toObject())
	}
	return objects, nil
}

// GetObject returns a single object by slug or id.
func (c *Client) GetObject(ctx context.Context, slug string) (*recordstore.Object, error) {
	var resp struct {
		Data apiObject `json:"data"`
	}
	if err := c.call(ctx, "get_object", http.MethodGet, "/objects/"+slug, nil, &resp); err != nil {
		return nil, err
	}
	obj := resp.Data.toObject()
	return &obj, nil
}

// ListAttributes returns an object's attributes. Select and status options
// are fetched best-effort; a failure leaves the attribute without options.
func (c *Client) ListAttributes(ctx context.Context, objectID string) ([]recordstore.Attribute, error) {
	var resp struct {
		Data []apiAttribute `json:"data"`
	}
	if err := c.call(ctx, "list_attributes", http.MethodGet, "/objects/"+objectID+"/attributes", nil, &resp); err != nil {
		return nil, err
	}

	attrs := make([]recordstore.Attribute, 0, len(resp.Data))
	for _, a := range resp.Data {
		if a.APISlug == "" {
			continue
		}
		attr := a.toAttribute()
		if len(attr.Options) == 0 && (attr.Type == "select" || attr.Type == "status") {
			opts, err := c.listOptions(ctx, objectID, attr)
			if err != nil {
				c.log.Warn("failed to load attribute options", "object", objectID, "attribute", attr.Slug, "error", err)
			}
			attr.Options = opts
		}
		attrs = append(attrs, attr)
	}
	return attrs, nil
}

func (c *Client) listOptions(ctx context.Context, objectID string, attr recordstore.Attribute) ([]recordstore.Option, error) {
	endpoint := "/objects/" + objectID + "/attributes/" + attr.Slug + "/options"
	if attr.Type == "status" {
		endpoint = "/objects/" + objectID + "/attributes/" + attr.Slug + "/statuses"
	}
	var resp struct {
		Data []struct {
			Title      string `json:"title"`
			IsArchived bool   `json:"is_archived"`
		} `json:"data"`
	}
	if err := c.call(ctx, "list_options", http.MethodGet, endpoint, nil, &resp); err != nil {
		return nil, err
	}
	var opts []recordstore.Option
	for _, o := range resp.Data {
		if o.IsArchived || o.Title == "" {
			continue
		}
		opts = append(opts, recordstore.Option{Title: o.Title})
	}
	return opts, nil
}

// QueryRecords lists records of an object. Auxiliary resources are listed
// with GET; schema objects use the query endpoint.
func (c *Client) QueryRecords(ctx context.Context, object string, opts recordstore.QueryOptions) ([]recordstore.Record, error) {
	limit := opts.Limit
	if limit <= 0 {
		limit = 100
	}

	var resp struct {
		Data []json.RawMessage `json:"data"`
	}
	if recordstore.IsAuxiliary(object) {
		endpoint := "/" + object + "?limit=" + strconv.Itoa(limit)
		if err := c.call(ctx, "query_records", http.MethodGet, endpoint, nil, &resp); err != nil {
			return nil, err
		}
	} else {
		body := map[string]interface{}{"limit": limit}
		if len(opts.Filter) > 0 {
			body["filter"] = opts.Filter
		}
		if err := c.call(ctx, "query_records", http.MethodPost, "/objects/"+object+"/records/query", body, &resp); err != nil {
			return nil, err
		}
	}

	records := make([]recordstore.Record, 0, len(resp.Data))
	for _, raw := range resp.Data {
		rec, err := decodeRecord(object, raw)
		if err != nil {
			c.log.Warn("skipping undecodable record", "object", object, "error", err)
			continue
		}
		records = append(records, rec)
	}
	return records, nil
}

// CreateRecord creates a record. Auxiliary resources take a flat body.
func (c *Client) CreateRecord(ctx context.Context, object string, req recordstore.WriteRequest) (*recordstore.Record, error) {
	endpoint := "/objects/" + object + "/records"
	if recordstore.IsAuxiliary(object) {
		endpoint = "/" + object
	}
	return c.write(ctx, "create_record", http.MethodPost, endpoint, object, req)
}

// PatchRecord updates an existing record.
func (c *Client) PatchRecord(ctx context.Context, object, recordID string, req recordstore.WriteRequest) (*recordstore.Record, error) {
	endpoint := "/objects/" + object + "/records/" + recordID
	if recordstore.IsAuxiliary(object) {
		endpoint = "/" + object + "/" + recordID
	}
	return c.write(ctx, "patch_record", http.MethodPatch, endpoint, object, req)
}

func (c *Client) write(ctx context.Context, op, method, endpoint, object string, req recordstore.WriteRequest) (*recordstore.Record, error) {
	var body interface{}
	if recordstore.IsAuxiliary(object) {
		body = map[string]interface{}{"data": req.Values}
	} else {
		body = map[string]interface{}{"data": map[string]interface{}{"values": req.Values}}
	}

	var resp struct {
		Data json.RawMessage `json:"data"`
	}
	if err := c.call(ctx, op, method, endpoint, body, &resp); err != nil {
		return nil, err
	}
	c.invalidate(object)

	rec, err := decodeRecord(object, resp.Data)
	if err != nil {
		return nil, fmt.Errorf("attio: failed to decode %s response: %w", op, err)
	}
	return &rec, nil
}

// invalidate drops cached listings of object so the next existence check
// sees the write.
func (c *Client) invalidate(object string) {
	if c.reads == nil {
		return
	}
	c.reads.DeletePrefix(http.MethodPost + " /objects/" + object + "/records/query#")
	c.reads.DeletePrefix(http.MethodGet + " /" + object + "?")
}

func cacheKey(method, endpoint string, payload []byte) string {
	return method + " " + endpoint + "#" + cache.HashKey(string(payload))
}

func cacheable(method, endpoint string) bool {
	return method == http.MethodGet || (method == http.MethodPost && strings.HasSuffix(endpoint, "/query"))
}

// call performs one API request and decodes the JSON response into out.
func (c *Client) call(ctx context.Context, op, method, endpoint string, body, out interface{}) error {
	var payload []byte
	if body != nil {
		var err error
		payload, err = json.Marshal(body)
		if err != nil {
			return fmt.Errorf("attio: failed to marshal request: %w", err)
		}
	}

	key := cacheKey(method, endpoint, payload)
	useCache := c.reads != nil && cacheable(method, endpoint)
	if useCache {
		if data, ok := c.reads.Get(key); ok {
			return decodeInto(data, out)
		}
	}

	var data []byte
	err := ratelimit.Do(ctx, c.limiter, c.cfg.RetryBackoff, func(ctx context.Context) error {
		res, err := c.breaker.Execute(ctx, func() (interface{}, error) {
			return c.send(ctx, method, endpoint, payload)
		})
		if err != nil {
			return err
		}
		data = res.([]byte)
		return nil
	})
	c.metrics.StoreCall(op, statusLabel(err))
	if err != nil {
		if errors.Is(err, breaker.ErrCircuitOpen) {
			return fmt.Errorf("attio circuit breaker open: %w", err)
		}
		return fmt.Errorf("attio: %s %s: %w", method, endpoint, err)
	}

	if useCache {
		c.reads.Set(key, data)
	}
	return decodeInto(data, out)
}

func (c *Client) send(ctx context.Context, method, endpoint string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.cfg.BaseURL+endpoint, reader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	c.log.Debug("record store request", "method", method, "endpoint", endpoint)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}

	switch {
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, &ratelimit.ThrottledError{
			RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), time.Now()),
			Err:        &recordstore.StatusError{Code: resp.StatusCode, Body: string(data)},
		}
	case resp.StatusCode == http.StatusNotFound:
		return nil, fmt.Errorf("%w: %w", recordstore.ErrNotFound, &recordstore.StatusError{Code: resp.StatusCode, Body: string(data)})
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &recordstore.StatusError{Code: resp.StatusCode, Body: string(data)}
	}
	return data, nil
}

func decodeInto(data []byte, out interface{}) error {
	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("attio: failed to decode response: %w", err)
	}
	return nil
}

// parseRetryAfter accepts delta-seconds or an HTTP date.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil {
		if secs < 0 {
			return 0
		}
		return time.Duration(secs) * time.Second
	}
	if t, err := http.ParseTime(v); err == nil {
		if d := t.Sub(now); d > 0 {
			return d
		}
	}
	return 0
}

func statusLabel(err error) string {
	if err == nil {
		return "ok"
	}
	var se *recordstore.StatusError
	if errors.As(err, &se) {
		return strconv.Itoa(se.Code)
	}
	if errors.Is(err, breaker.ErrCircuitOpen) {
		return "circuit_open"
	}
	return "error"
}

var _ recordstore.Store = (*Client)(nil)
