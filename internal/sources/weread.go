package sources

import (
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
	DefaultWeReadBaseURL  = "https://i.weread.qq.com"
	DefaultWeReadProbeURL = "https://weread.qq.com/"
	defaultUserAgent      = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36"
)

var bookmarkListSchema = mustCompileSchema("weread-bookmarklist.json", `{
	"type": "object",
	"required": ["synckey", "updated", "books"],
	"properties": {
		"synckey": {"type": ["integer", "string"]},
		"updated": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["bookId", "bookmarkId", "markText", "createTime"],
				"properties": {
					"bookId": {"type": "string"},
					"bookmarkId": {"type": "string"},
					"chapterName": {"type": "string"},
					"chapterUid": {"type": "integer"},
					"markText": {"type": "string"},
					"createTime": {"type": "integer"}
				}
			}
		},
		"removed": {"type": "array", "items": {"type": "string"}},
		"books": {
			"type": "array",
			"items": {
				"type": "object",
				"required": ["bookId", "title"],
				"properties": {
					"bookId": {"type": "string"},
					"title": {"type": "string"},
					"author": {"type": "string"},
					"cover": {"type": "string"}
				}
			}
		}
	}
}`)

type WeReadOptions struct {
	BaseURL    string
	ProbeURL   string
	UserAgent  string
	HTTPClient *http.Client
	// KeyPrefix selects which Set-Cookie names may renew the bag.
	KeyPrefix string
	Logger    *log.Logger
}

type WeReadSource struct {
	baseURL    string
	probeURL   string
	userAgent  string
	keyPrefix  string
	httpClient *http.Client
	logger     *log.Logger
}

func NewWeReadSource(opts WeReadOptions) *WeReadSource {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultWeReadBaseURL
	}
	probeURL := strings.TrimSpace(opts.ProbeURL)
	if probeURL == "" {
		probeURL = DefaultWeReadProbeURL
	}
	userAgent := strings.TrimSpace(opts.UserAgent)
	if userAgent == "" {
		userAgent = defaultUserAgent
	}
	keyPrefix := opts.KeyPrefix
	if keyPrefix == "" {
		keyPrefix = "wr_"
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	logger := opts.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &WeReadSource{
		baseURL:    baseURL,
		probeURL:   probeURL,
		userAgent:  userAgent,
		keyPrefix:  keyPrefix,
		httpClient: httpClient,
		logger:     logger,
	}
}

func (w *WeReadSource) Name() string {
	return highlight.SourceWeRead
}

type BookInfo struct {
	BookID string
	Title  string
	Author string
	Cover  string
	URL    string
}

// Bookmark is one WeRead highlight joined with its book.
type Bookmark struct {
	BookID      string
	BookmarkID  string
	ChapterName string
	ChapterUID  int
	MarkText    string
	CreateTime  int64
	Book        BookInfo
}

type ChangeSet struct {
	Records []Bookmark
	Removed []string
	// NextToken is empty when the server returned none.
	NextToken string
}

// Highlight maps the bookmark onto the sink schema. The chapter name
// becomes the note.
func (b Bookmark) Highlight() highlight.Highlight {
	return highlight.Highlight{
		Text:          b.MarkText,
		Title:         b.Book.Title,
		Author:        b.Book.Author,
		ImageURL:      b.Book.Cover,
		SourceURL:     b.Book.URL,
		SourceType:    highlight.SourceWeRead,
		Category:      highlight.CategoryBooks,
		Note:          b.ChapterName,
		HighlightedAt: time.Unix(b.CreateTime, 0).UTC(),
		HighlightURL:  b.Book.URL + "#" + url.PathEscape(b.BookmarkID),
	}
}

type bookmarkListResponse struct {
	SyncKey json.Number `json:"synckey"`
	Updated []struct {
		BookID      string `json:"bookId"`
		BookmarkID  string `json:"bookmarkId"`
		ChapterName string `json:"chapterName"`
		ChapterUID  int    `json:"chapterUid"`
		MarkText    string `json:"markText"`
		CreateTime  int64  `json:"createTime"`
	} `json:"updated"`
	Removed []string `json:"removed"`
	Books   []struct {
		BookID string `json:"bookId"`
		Title  string `json:"title"`
		Author string `json:"author"`
		Cover  string `json:"cover"`
	} `json:"books"`
}

// FetchChanges lists bookmarks changed since token. On a 401 it renews the
// session once from the probe endpoint, hands the new bag to onRenew and
// retries; any further 401 is an AuthExpiredError.
func (w *WeReadSource) FetchChanges(ctx context.Context, creds highlight.Credentials, token string, onRenew RenewFunc) (*ChangeSet, highlight.Credentials, error) {
	q := url.Values{}
	if token != "" {
		q.Set("synckey", token)
	}

	status, body, err := w.get(ctx, creds, "/book/bookmarklist", q)
	if err != nil {
		return nil, creds, err
	}

	if status == http.StatusUnauthorized {
		renewed, changed, err := w.renew(ctx, creds)
		if err != nil {
			w.logger.Printf("weread session probe failed: %v", err)
		}
		if changed == 0 {
			return nil, creds, &highlight.AuthExpiredError{Source: w.Name()}
		}
		w.logger.Printf("weread session renewed (%d credential fields changed)", changed)
		if onRenew != nil {
			if err := onRenew(ctx, renewed); err != nil {
				return nil, creds, fmt.Errorf("failed to persist renewed credentials: %w", err)
			}
		}
		creds = renewed

		status, body, err = w.get(ctx, creds, "/book/bookmarklist", q)
		if err != nil {
			return nil, creds, err
		}
		if status == http.StatusUnauthorized {
			return nil, creds, &highlight.AuthExpiredError{Source: w.Name(), Renewed: true}
		}
	}

	if status < 200 || status > 299 {
		return nil, creds, &highlight.UpstreamError{
			Status:  status,
			Path:    "/book/bookmarklist",
			Message: strings.TrimSpace(string(body)),
		}
	}

	changes, err := w.parseBookmarkList(body)
	if err != nil {
		return nil, creds, err
	}
	return changes, creds, nil
}

func (w *WeReadSource) parseBookmarkList(body []byte) (*ChangeSet, error) {
	if err := validatePayload(bookmarkListSchema, w.Name(), "bookmarklist", body); err != nil {
		return nil, err
	}
	var resp bookmarkListResponse
	if err := json.Unmarshal(body, &resp); err != nil {
		return nil, &highlight.IntegrityError{Source: w.Name(), Reason: err.Error()}
	}

	books := make(map[string]BookInfo, len(resp.Books))
	for _, b := range resp.Books {
		books[b.BookID] = BookInfo{
			BookID: b.BookID,
			Title:  b.Title,
			Author: b.Author,
			Cover:  b.Cover,
			URL:    PermalinkURL(b.BookID),
		}
	}

	changes := &ChangeSet{Removed: resp.Removed}
	if tok := resp.SyncKey.String(); tok != "" && tok != "0" {
		changes.NextToken = tok
	}
	for _, u := range resp.Updated {
		book, ok := books[u.BookID]
		if !ok {
			return nil, &highlight.IntegrityError{
				Source: w.Name(),
				Record: u.BookmarkID,
				Reason: fmt.Sprintf("book info not found for bookId %s", u.BookID),
			}
		}
		changes.Records = append(changes.Records, Bookmark{
			BookID:      u.BookID,
			BookmarkID:  u.BookmarkID,
			ChapterName: u.ChapterName,
			ChapterUID:  u.ChapterUID,
			MarkText:    u.MarkText,
			CreateTime:  u.CreateTime,
			Book:        book,
		})
	}
	return changes, nil
}

func (w *WeReadSource) get(ctx context.Context, creds highlight.Credentials, path string, q url.Values) (int, []byte, error) {
	target := w.baseURL + path
	if len(q) > 0 {
		target += "?" + q.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, nil, err
	}
	w.setHeaders(req, creds)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("failed to fetch weread %s: %w", path, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, nil, err
	}
	return resp.StatusCode, body, nil
}

// renew probes the web root and returns a new bag with the Set-Cookie
// values of keys the bag already holds. Keys it does not hold are ignored.
func (w *WeReadSource) renew(ctx context.Context, creds highlight.Credentials) (highlight.Credentials, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, w.probeURL, nil)
	if err != nil {
		return creds, 0, err
	}
	w.setHeaders(req, creds)

	resp, err := w.httpClient.Do(req)
	if err != nil {
		return creds, 0, err
	}
	resp.Body.Close()

	renewed := creds.Clone()
	changed := 0
	for _, c := range resp.Cookies() {
		if !strings.HasPrefix(c.Name, w.keyPrefix) {
			continue
		}
		old, known := creds[c.Name]
		if !known || c.Value == "" || old == c.Value {
			continue
		}
		renewed[c.Name] = c.Value
		changed++
	}
	return renewed, changed, nil
}

func (w *WeReadSource) setHeaders(req *http.Request, creds highlight.Credentials) {
	req.Header.Set("User-Agent", w.userAgent)
	req.Header.Set("Accept-Language", "zh-CN,zh;q=0.9,en;q=0.8")
	req.Header.Set("Cookie", creds.CookieHeader())
}
