package highlight

import (
	"encoding/json"
	"sort"
	"strings"
	"time"
)

// Source tags carried in Highlight.SourceType.
const (
	SourceDedao  = "dedao"  // Notion database of Dedao e-book excerpts
	SourceWeRead = "weread" // WeRead bookmark feed
)

const CategoryBooks = "books"

// Highlight is the normalized record submitted to the sink. Field names
// follow the sink's create payload.
type Highlight struct {
	Text          string    `json:"text"`
	Title         string    `json:"title,omitempty"`
	Author        string    `json:"author,omitempty"`
	ImageURL      string    `json:"image_url,omitempty"`
	SourceURL     string    `json:"source_url,omitempty"`
	SourceType    string    `json:"source_type,omitempty"`
	Category      string    `json:"category,omitempty"`
	Note          string    `json:"note,omitempty"`
	HighlightedAt time.Time `json:"highlighted_at"`
	HighlightURL  string    `json:"highlight_url,omitempty"`
}

// MarshalJSON renders HighlightedAt as UTC ISO-8601 with millisecond precision.
func (h Highlight) MarshalJSON() ([]byte, error) {
	type alias Highlight
	return json.Marshal(struct {
		alias
		HighlightedAt string `json:"highlighted_at"`
	}{
		alias:         alias(h),
		HighlightedAt: FormatTime(h.HighlightedAt),
	})
}

// FormatTime is the single timestamp format used for watermarks and payloads.
func FormatTime(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z07:00")
}

// ParseTime accepts full RFC 3339 timestamps and bare dates.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339Nano, s); err == nil {
		return t, nil
	}
	return time.Parse("2006-01-02", s)
}

// Credentials is a session credential bag, e.g. cookie name to value.
type Credentials map[string]string

func (c Credentials) Clone() Credentials {
	out := make(Credentials, len(c))
	for k, v := range c {
		out[k] = v
	}
	return out
}

// CookieHeader renders the bag as a Cookie header value with keys sorted.
func (c Credentials) CookieHeader() string {
	keys := make([]string, 0, len(c))
	for k := range c {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, k+"="+c[k])
	}
	return strings.Join(parts, "; ")
}

// ParseCredentials decodes a JSON object of string values. Empty input
// yields an empty bag.
func ParseCredentials(raw string) (Credentials, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return Credentials{}, nil
	}
	var c Credentials
	if err := json.Unmarshal([]byte(raw), &c); err != nil {
		return nil, err
	}
	if c == nil {
		c = Credentials{}
	}
	return c, nil
}

func (c Credentials) JSON() (string, error) {
	data, err := json.Marshal(c)
	if err != nil {
		return "", err
	}
	return string(data), nil
}
