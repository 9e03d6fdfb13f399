// Package readwise is the sink adapter for the Readwise highlight API.
package readwise

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

const (
	DefaultBaseURL    = "https://readwise.io/api/v2"
	DefaultRetryAfter = 60 * time.Second
	retryMargin       = time.Second
)

// SleepFunc waits for d or until ctx is done.
type SleepFunc func(ctx context.Context, d time.Duration) error

type Options struct {
	BaseURL    string
	Token      string
	HTTPClient *http.Client
	// RetryAfter is used when a 429 carries no usable Retry-After header.
	RetryAfter time.Duration
	Sleep      SleepFunc
	Logger     *log.Logger
}

type Client struct {
	baseURL    string
	token      string
	httpClient *http.Client
	retryAfter time.Duration
	sleep      SleepFunc
	logger     *log.Logger
}

func NewClient(opts Options) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	retryAfter := opts.RetryAfter
	if retryAfter <= 0 {
		retryAfter = DefaultRetryAfter
	}
	sleep := opts.Sleep
	if sleep == nil {
		sleep = sleepContext
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Client{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		httpClient: httpClient,
		retryAfter: retryAfter,
		sleep:      sleep,
		logger:     logger,
	}
}

// Book is a sink-side book summary.
type Book struct {
	ID              int64   `json:"id"`
	Title           string  `json:"title"`
	Author          string  `json:"author"`
	Category        string  `json:"category"`
	Source          string  `json:"source"`
	NumHighlights   int     `json:"num_highlights"`
	LastHighlightAt string  `json:"last_highlight_at"`
	Updated         string  `json:"updated"`
	CoverImageURL   string  `json:"cover_image_url"`
	HighlightsURL   string  `json:"highlights_url"`
	SourceURL       string  `json:"source_url"`
	ModifiedIDs     []int64 `json:"modified_highlights,omitempty"`
}

type BookPage struct {
	Count    int     `json:"count"`
	Next     *string `json:"next"`
	Previous *string `json:"previous"`
	Results  []Book  `json:"results"`
}

// Highlight is a sink-side highlight record.
type Highlight struct {
	ID            int64  `json:"id"`
	Text          string `json:"text"`
	Note          string `json:"note"`
	Location      int64  `json:"location"`
	LocationType  string `json:"location_type"`
	HighlightedAt string `json:"highlighted_at"`
	URL           string `json:"url"`
	Color         string `json:"color"`
	Updated       string `json:"updated"`
	BookID        int64  `json:"book_id"`
}

type HighlightPage struct {
	Count    int         `json:"count"`
	Next     *string     `json:"next"`
	Previous *string     `json:"previous"`
	Results  []Highlight `json:"results"`
}

type BookFilter struct {
	Source   string
	Category string
	Page     int
	PageSize int
}

type HighlightFilter struct {
	BookID   int64
	Page     int
	PageSize int
}

// CreateHighlights submits one batch. The response lists the books that
// received new or updated highlights.
func (c *Client) CreateHighlights(ctx context.Context, highlights []highlight.Highlight) ([]Book, error) {
	body, err := json.Marshal(struct {
		Highlights []highlight.Highlight `json:"highlights"`
	}{Highlights: highlights})
	if err != nil {
		return nil, err
	}
	var out []Book
	if err := c.do(ctx, http.MethodPost, "/highlights/", nil, body, &out); err != nil {
		return nil, fmt.Errorf("failed to create highlights: %w", err)
	}
	return out, nil
}

func (c *Client) ListBooks(ctx context.Context, f BookFilter) (BookPage, error) {
	q := url.Values{}
	if f.Source != "" {
		q.Set("source", f.Source)
	}
	category := f.Category
	if category == "" {
		category = highlight.CategoryBooks
	}
	q.Set("category", category)
	q.Set("page", strconv.Itoa(max(f.Page, 1)))
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 100
	}
	q.Set("page_size", strconv.Itoa(pageSize))

	var out BookPage
	err := c.do(ctx, http.MethodGet, "/books/", q, nil, &out)
	return out, err
}

func (c *Client) ListHighlights(ctx context.Context, f HighlightFilter) (HighlightPage, error) {
	q := url.Values{}
	q.Set("book_id", strconv.FormatInt(f.BookID, 10))
	pageSize := f.PageSize
	if pageSize <= 0 {
		pageSize = 1000
	}
	q.Set("page_size", strconv.Itoa(pageSize))
	if f.Page > 0 {
		q.Set("page", strconv.Itoa(f.Page))
	}

	var out HighlightPage
	err := c.do(ctx, http.MethodGet, "/highlights/", q, nil, &out)
	return out, err
}

func (c *Client) DeleteHighlight(ctx context.Context, id int64) error {
	if err := c.do(ctx, http.MethodDelete, fmt.Sprintf("/highlights/%d/", id), nil, nil, nil); err != nil {
		return fmt.Errorf("failed to delete highlight %d: %w", id, err)
	}
	return nil
}

// LatestBook returns the last book of a source, or nil when it has none.
// Books are listed oldest first, so the last page of size 1 holds it.
func (c *Client) LatestBook(ctx context.Context, source string) (*Book, error) {
	first, err := c.ListBooks(ctx, BookFilter{Source: source, Page: 1, PageSize: 1})
	if err != nil {
		return nil, err
	}
	if first.Count == 0 {
		return nil, nil
	}
	last, err := c.ListBooks(ctx, BookFilter{Source: source, Page: first.Count, PageSize: 1})
	if err != nil {
		return nil, err
	}
	if len(last.Results) == 0 {
		return nil, nil
	}
	return &last.Results[0], nil
}

// do sends one logical request. A 429 is answered by waiting for the
// server's Retry-After plus a margin and replaying the identical request
// once; a second 429 is returned as a RateLimitedError.
func (c *Client) do(ctx context.Context, method, path string, query url.Values, body []byte, out any) error {
	target := c.baseURL + path
	if len(query) > 0 {
		target += "?" + query.Encode()
	}

	resp, payload, err := c.send(ctx, method, target, body)
	if err != nil {
		return err
	}
	if resp.StatusCode == http.StatusTooManyRequests {
		wait := parseRetryAfter(resp.Header.Get("Retry-After"), c.retryAfter) + retryMargin
		c.logger.Printf("rate limit exceeded on %s %s, waiting %s before retrying", method, path, wait)
		if err := c.sleep(ctx, wait); err != nil {
			return err
		}
		resp, payload, err = c.send(ctx, method, target, body)
		if err != nil {
			return err
		}
		if resp.StatusCode == http.StatusTooManyRequests {
			return &highlight.RateLimitedError{
				Path:       path,
				RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), c.retryAfter),
			}
		}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return &highlight.UpstreamError{
			Status:  resp.StatusCode,
			Path:    path,
			Message: errorDetail(payload),
		}
	}
	if out == nil || len(bytes.TrimSpace(payload)) == 0 {
		return nil
	}
	if err := json.Unmarshal(payload, out); err != nil {
		return fmt.Errorf("failed to decode %s response: %w", path, err)
	}
	return nil
}

func (c *Client) send(ctx context.Context, method, target string, body []byte) (*http.Response, []byte, error) {
	var bodyReader io.Reader
	if body != nil {
		bodyReader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, target, bodyReader)
	if err != nil {
		return nil, nil, err
	}
	req.Header.Set("Authorization", "Token "+c.token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, nil, err
	}
	payload, err := io.ReadAll(resp.Body)
	_ = resp.Body.Close()
	if err != nil {
		return nil, nil, err
	}
	return resp, payload, nil
}

func parseRetryAfter(header string, fallback time.Duration) time.Duration {
	seconds, err := strconv.Atoi(strings.TrimSpace(header))
	if err != nil || seconds < 0 {
		return fallback
	}
	return time.Duration(seconds) * time.Second
}

func errorDetail(payload []byte) string {
	var parsed struct {
		Detail string `json:"detail"`
	}
	if json.Unmarshal(payload, &parsed) == nil && parsed.Detail != "" {
		return parsed.Detail
	}
	msg := strings.TrimSpace(string(payload))
	if len(msg) > 200 {
		msg = msg[:200]
	}
	return msg
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
