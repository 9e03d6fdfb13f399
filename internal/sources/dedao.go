package sources

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

const (
	DefaultDedaoBaseURL = "https://www.dedao.cn"
	dedaoReaderURL      = "https://www.dedao.cn/ebook/reader?id="
)

type DedaoOptions struct {
	BaseURL    string
	HTTPClient *http.Client
}

// DedaoLookup finds e-book metadata by title through the Dedao search
// endpoint. Results, including misses, are cached per title.
type DedaoLookup struct {
	baseURL    string
	httpClient *http.Client

	mu    sync.Mutex
	cache map[string]BookMeta
}

func NewDedaoLookup(opts DedaoOptions) *DedaoLookup {
	baseURL := strings.TrimRight(strings.TrimSpace(opts.BaseURL), "/")
	if baseURL == "" {
		baseURL = DefaultDedaoBaseURL
	}
	httpClient := opts.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 15 * time.Second}
	}
	return &DedaoLookup{
		baseURL:    baseURL,
		httpClient: httpClient,
		cache:      map[string]BookMeta{},
	}
}

type topHitsResponse struct {
	C struct {
		Data struct {
			ModuleList []struct {
				LayerDataList []struct {
					Extra struct {
						Enid string `json:"enid"`
					} `json:"extra"`
					Image  string `json:"image"`
					Author string `json:"author"`
				} `json:"layerDataList"`
			} `json:"moduleList"`
		} `json:"data"`
	} `json:"c"`
}

func (d *DedaoLookup) Lookup(ctx context.Context, title string) (BookMeta, error) {
	title = strings.TrimSpace(title)
	if title == "" {
		return BookMeta{}, nil
	}
	d.mu.Lock()
	meta, ok := d.cache[title]
	d.mu.Unlock()
	if ok {
		return meta, nil
	}

	form := url.Values{
		"content":      {title},
		"tab_type":     {"2"},
		"is_ebook_vip": {"1"},
		"page":         {"1"},
		"page_size":    {"1"},
	}
	const path = "/api/search/pc/tophits"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.baseURL+path, strings.NewReader(form.Encode()))
	if err != nil {
		return BookMeta{}, err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return BookMeta{}, fmt.Errorf("failed to search dedao for %q: %w", title, err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return BookMeta{}, err
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return BookMeta{}, &highlight.UpstreamError{Status: resp.StatusCode, Path: path, Message: strings.TrimSpace(string(body))}
	}

	var hits topHitsResponse
	if err := json.Unmarshal(body, &hits); err != nil {
		return BookMeta{}, &highlight.IntegrityError{Source: highlight.SourceDedao, Record: title, Reason: "malformed search response: " + err.Error()}
	}
	if modules := hits.C.Data.ModuleList; len(modules) > 0 && len(modules[0].LayerDataList) > 0 {
		hit := modules[0].LayerDataList[0]
		meta = BookMeta{Author: hit.Author, ImageURL: hit.Image}
		if hit.Extra.Enid != "" {
			meta.SourceURL = dedaoReaderURL + hit.Extra.Enid
		}
	}

	d.mu.Lock()
	d.cache[title] = meta
	d.mu.Unlock()
	return meta, nil
}
