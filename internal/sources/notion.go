package sources

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

const (
	DefaultNotionBaseURL    = "https://api.notion.com"
	DefaultNotionAPIVersion = "2022-06-28"
	DefaultNotionPageSize   = 10
)

var notionQuerySchema = mustCompileSchema("notion-query.json", `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["id", "properties"],
				"properties": {
					"id": {"type": "string"},
					"url": {"type": "string"},
					"created_time": {"type": "string"},
					"properties": {"type": "object"}
				}
			}
		},
		"has_more": {"type": "boolean"}
	}
}`)

var notionBlocksSchema = mustCompileSchema("notion-blocks.json", `{
	"type": "object",
	"required": ["results"],
	"properties": {
		"results": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["type"],
				"properties": {"type": {"type": "string"}}
			}
		}
	}
}`)

// NotionProperties names the database columns read by the adapter.
type NotionProperties struct {
	Eligible string // formula checkbox that marks syncable pages
	Title    string // formula string with the book title
	Link     string // url of the highlight
	Created  string // created_time column
}

func DefaultNotionProperties() NotionProperties {
	return NotionProperties{
		Eligible: "得到电子书",
		Title:    "书名",
		Link:     "Link",
		Created:  "Created time",
	}
}

type NotionOptions struct {
	BaseURL    string
	Token      string
	DatabaseID string
	APIVersion string
	PageSize   int
	Properties NotionProperties
	HTTPClient *http.Client
	Logger     *log.Logger
}

type NotionSource struct {
	baseURL    string
	token      string
	databaseID string
	apiVersion string
	pageSize   int
	props      NotionProperties
	httpClient *http.Client
	logger     *log.Logger
}

func NewNotionSource(opts NotionOptions) *NotionSource {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultNotionBaseURL
	}
	apiVersion := strings.TrimSpace(opts.APIVersion)
	if apiVersion == "" {
		apiVersion = DefaultNotionAPIVersion
	}
	pageSize := opts.PageSize
	if pageSize <= 0 {
		pageSize = DefaultNotionPageSize
	}
	props := opts.Properties
	defaults := DefaultNotionProperties()
	if props.Eligible == "" {
		props.Eligible = defaults.Eligible
	}
	if props.Title == "" {
		props.Title = defaults.Title
	}
	if props.Link == "" {
		props.Link = defaults.Link
	}
	if props.Created == "" {
		props.Created = defaults.Created
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 20 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &NotionSource{
		baseURL:    baseURL,
		token:      strings.TrimSpace(opts.Token),
		databaseID: strings.TrimSpace(opts.DatabaseID),
		apiVersion: apiVersion,
		pageSize:   pageSize,
		props:      props,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (n *NotionSource) Name() string {
	return highlight.SourceDedao
}

type notionPage struct {
	ID          string                    `json:"id"`
	URL         string                    `json:"url"`
	CreatedTime string                    `json:"created_time"`
	Properties  map[string]notionProperty `json:"properties"`
}

type notionProperty struct {
	Type    string `json:"type"`
	Formula *struct {
		Type    string  `json:"type"`
		String  *string `json:"string"`
		Boolean *bool   `json:"boolean"`
	} `json:"formula"`
	URL         *string `json:"url"`
	CreatedTime string  `json:"created_time"`
}

type notionBlock struct {
	Type      string `json:"type"`
	Paragraph *struct {
		RichText []struct {
			PlainText string `json:"plain_text"`
		} `json:"rich_text"`
	} `json:"paragraph"`
}

// FetchSince queries one page of eligible records created after watermark,
// oldest first, and reads each record's quote from its first paragraph.
func (n *NotionSource) FetchSince(ctx context.Context, watermark time.Time) ([]highlight.Highlight, error) {
	if n.databaseID == "" {
		return nil, fmt.Errorf("notion database id is required")
	}

	query := map[string]any{
		"filter": map[string]any{
			"and": []any{
				map[string]any{
					"property": n.props.Eligible,
					"formula": map[string]any{
						"checkbox": map[string]any{"equals": true},
					},
				},
				map[string]any{
					"timestamp":    "created_time",
					"created_time": map[string]any{"after": highlight.FormatTime(watermark)},
				},
			},
		},
		"sorts": []any{
			map[string]any{"timestamp": "created_time", "direction": "ascending"},
		},
		"page_size": n.pageSize,
	}

	path := "/v1/databases/" + url.PathEscape(n.databaseID) + "/query"
	body, err := n.do(ctx, http.MethodPost, path, query)
	if err != nil {
		return nil, err
	}
	if err := validatePayload(notionQuerySchema, n.Name(), "database query", body); err != nil {
		return nil, err
	}
	var resp struct {
		Results []notionPage `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &highlight.IntegrityError{Source: n.Name(), Reason: err.Error()}
	}

	out := make([]highlight.Highlight, 0, len(resp.Results))
	for _, page := range resp.Results {
		h, err := n.toHighlight(page)
		if err != nil {
			return nil, err
		}
		if h.Text, err = n.pageQuote(ctx, page.ID); err != nil {
			return nil, err
		}
		out = append(out, h)
	}
	return out, nil
}

func (n *NotionSource) toHighlight(page notionPage) (highlight.Highlight, error) {
	integrity := func(reason string) error {
		return &highlight.IntegrityError{Source: n.Name(), Record: page.ID, Reason: reason}
	}

	titleProp, ok := page.Properties[n.props.Title]
	if !ok || titleProp.Type != "formula" || titleProp.Formula == nil || titleProp.Formula.Type != "string" {
		return highlight.Highlight{}, integrity(fmt.Sprintf("property %q is not a string formula", n.props.Title))
	}
	linkProp, ok := page.Properties[n.props.Link]
	if !ok || linkProp.Type != "url" {
		return highlight.Highlight{}, integrity(fmt.Sprintf("property %q is not a url", n.props.Link))
	}
	createdProp, ok := page.Properties[n.props.Created]
	if !ok || createdProp.Type != "created_time" {
		return highlight.Highlight{}, integrity(fmt.Sprintf("property %q is not a created_time", n.props.Created))
	}

	created, err := highlight.ParseTime(createdProp.CreatedTime)
	if err != nil {
		return highlight.Highlight{}, integrity(fmt.Sprintf("invalid created time %q", createdProp.CreatedTime))
	}

	h := highlight.Highlight{
		SourceType:    highlight.SourceDedao,
		Category:      highlight.CategoryBooks,
		HighlightedAt: created.UTC(),
		HighlightURL:  page.URL,
	}
	if titleProp.Formula.String != nil {
		h.Title = *titleProp.Formula.String
	}
	if linkProp.URL != nil && *linkProp.URL != "" {
		h.HighlightURL = *linkProp.URL
	}
	if h.HighlightURL == "" {
		return highlight.Highlight{}, integrity("record has neither a link nor a page url")
	}
	return h, nil
}

// pageQuote returns the quote of the first paragraph block, or "" when
// the page has none.
func (n *NotionSource) pageQuote(ctx context.Context, pageID string) (string, error) {
	body, err := n.do(ctx, http.MethodGet, "/v1/blocks/"+url.PathEscape(pageID)+"/children", nil)
	if err != nil {
		return "", err
	}
	if err := validatePayload(notionBlocksSchema, n.Name(), "block children", body); err != nil {
		return "", err
	}
	var resp struct {
		Results []notionBlock `json:"results"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return "", &highlight.IntegrityError{Source: n.Name(), Record: pageID, Reason: err.Error()}
	}

	for _, block := range resp.Results {
		if block.Type != "paragraph" {
			continue
		}
		if block.Paragraph == nil || len(block.Paragraph.RichText) == 0 {
			n.logger.Printf("notion page %s has an empty first paragraph", pageID)
			return "", nil
		}
		return extractQuote(block.Paragraph.RichText[0].PlainText), nil
	}
	return "", nil
}

// extractQuote drops the first line and the last two lines of a paragraph.
// A paragraph too short to hold all three yields "".
func extractQuote(text string) string {
	if i := strings.Index(text, "\n"); i >= 0 {
		text = text[i+1:]
	}
	for range 2 {
		i := strings.LastIndex(text, "\n")
		if i < 0 {
			return ""
		}
		text = text[:i]
	}
	return text
}

func (n *NotionSource) do(ctx context.Context, method, path string, payload any) ([]byte, error) {
	var bodyReader io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, err
		}
		bodyReader = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, method, n.baseURL+path, bodyReader)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+n.token)
	req.Header.Set("Notion-Version", n.apiVersion)
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := n.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to call notion %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg := strings.TrimSpace(string(body))
		var parsed struct {
			Message string `json:"message"`
		}
		if json.Unmarshal(body, &parsed) == nil && parsed.Message != "" {
			msg = parsed.Message
		}
		return nil, &highlight.UpstreamError{Status: resp.StatusCode, Path: path, Message: msg}
	}
	return body, nil
}
