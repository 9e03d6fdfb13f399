package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

const bookmarkListBody = `{
	"synckey": 1712345678,
	"updated": [
		{"bookId": "695233", "bookmarkId": "695233_12_100-200", "chapterName": "Chapter 1", "chapterUid": 12, "markText": "first quote", "createTime": 1704164645},
		{"bookId": "695233", "bookmarkId": "695233_13_10-20", "chapterName": "Chapter 2", "chapterUid": 13, "markText": "second quote", "createTime": 1704251045}
	],
	"removed": ["695233_1_1-2"],
	"books": [
		{"bookId": "695233", "title": "A Book", "author": "An Author", "cover": "https://cover/1.jpg"}
	]
}`

type wereadFake struct {
	listCalls  atomic.Int32
	probeCalls atomic.Int32
	// unauthorized returns true when a list call must answer 401.
	unauthorized func(call int32, cookie string) bool
	setCookies   []string
	body         string
	lastCookie   atomic.Value
	lastQuery    atomic.Value
}

func (f *wereadFake) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/book/bookmarklist", func(w http.ResponseWriter, r *http.Request) {
		n := f.listCalls.Add(1)
		cookie := r.Header.Get("Cookie")
		f.lastCookie.Store(cookie)
		f.lastQuery.Store(r.URL.RawQuery)
		if f.unauthorized != nil && f.unauthorized(n, cookie) {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		body := f.body
		if body == "" {
			body = bookmarkListBody
		}
		_, _ = w.Write([]byte(body))
	})
	mux.HandleFunc("/probe", func(w http.ResponseWriter, r *http.Request) {
		f.probeCalls.Add(1)
		if r.Method != http.MethodHead {
			http.Error(w, "unexpected method "+r.Method, http.StatusMethodNotAllowed)
			return
		}
		for _, c := range f.setCookies {
			w.Header().Add("Set-Cookie", c)
		}
	})
	return mux
}

func newWeReadForTest(srv *httptest.Server) *WeReadSource {
	return NewWeReadSource(WeReadOptions{
		BaseURL:    srv.URL,
		ProbeURL:   srv.URL + "/probe",
		HTTPClient: srv.Client(),
	})
}

func testCreds() highlight.Credentials {
	return highlight.Credentials{"wr_vid": "42", "wr_skey": "old", "wr_pf": "0", "wr_rt": "rt"}
}

func TestFetchChangesJoinsBooks(t *testing.T) {
	fake := &wereadFake{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	changes, creds, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "100", nil)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if q := fake.lastQuery.Load().(string); q != "synckey=100" {
		t.Fatalf("unexpected query %q", q)
	}
	if cookie := fake.lastCookie.Load().(string); !strings.Contains(cookie, "wr_skey=old") {
		t.Fatalf("credentials not sent, cookie %q", cookie)
	}
	if creds["wr_skey"] != "old" {
		t.Fatalf("credentials must be unchanged without renewal, got %v", creds)
	}
	if changes.NextToken != "1712345678" {
		t.Fatalf("unexpected next token %q", changes.NextToken)
	}
	if len(changes.Removed) != 1 {
		t.Fatalf("expected removed ids, got %v", changes.Removed)
	}
	if len(changes.Records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(changes.Records))
	}

	h := changes.Records[0].Highlight()
	if h.Title != "A Book" || h.Author != "An Author" || h.ImageURL != "https://cover/1.jpg" {
		t.Fatalf("book metadata not joined: %+v", h)
	}
	if h.SourceURL != PermalinkURL("695233") {
		t.Fatalf("unexpected source url %s", h.SourceURL)
	}
	if h.Note != "Chapter 1" || h.SourceType != highlight.SourceWeRead || h.Category != highlight.CategoryBooks {
		t.Fatalf("unexpected mapping %+v", h)
	}
	if !h.HighlightedAt.Equal(time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)) {
		t.Fatalf("unexpected highlighted_at %s", h.HighlightedAt)
	}
	if h.HighlightURL == "" || h.HighlightURL == changes.Records[1].Highlight().HighlightURL {
		t.Fatalf("highlight urls must be unique per bookmark: %s", h.HighlightURL)
	}
}

func TestFetchChangesWithoutTokenRequestsFullResync(t *testing.T) {
	fake := &wereadFake{}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	if _, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", nil); err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if q := fake.lastQuery.Load().(string); q != "" {
		t.Fatalf("expected no synckey parameter, got %q", q)
	}
}

func TestFetchChangesRenewsOnce(t *testing.T) {
	fake := &wereadFake{
		unauthorized: func(_ int32, cookie string) bool { return !strings.Contains(cookie, "wr_skey=new") },
		setCookies: []string{
			"wr_skey=new; Path=/; Domain=.qq.com",
			"wr_pf=0; Path=/",
			"wr_unknown=zzz; Path=/",
			"other=1; Path=/",
		},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	var persisted []highlight.Credentials
	onRenew := func(_ context.Context, c highlight.Credentials) error {
		if fake.listCalls.Load() != 1 {
			t.Errorf("renewal must be persisted before the retry")
		}
		persisted = append(persisted, c.Clone())
		return nil
	}

	original := testCreds()
	changes, creds, err := newWeReadForTest(srv).FetchChanges(context.Background(), original, "", onRenew)
	if err != nil {
		t.Fatalf("fetch failed: %v", err)
	}
	if len(changes.Records) != 2 {
		t.Fatalf("expected records after retry, got %d", len(changes.Records))
	}
	if fake.listCalls.Load() != 2 || fake.probeCalls.Load() != 1 {
		t.Fatalf("expected 2 list calls and 1 probe, got %d and %d", fake.listCalls.Load(), fake.probeCalls.Load())
	}
	if len(persisted) != 1 || persisted[0]["wr_skey"] != "new" {
		t.Fatalf("expected renewed bag to be persisted once, got %v", persisted)
	}
	if _, ok := persisted[0]["wr_unknown"]; ok {
		t.Fatal("unknown credential keys must be ignored")
	}
	if creds["wr_skey"] != "new" {
		t.Fatalf("expected renewed bag returned, got %v", creds)
	}
	if original["wr_skey"] != "old" {
		t.Fatal("the caller's bag must not be mutated")
	}
}

func TestFetchChangesFailsWhenRenewalChangesNothing(t *testing.T) {
	fake := &wereadFake{
		unauthorized: func(int32, string) bool { return true },
		setCookies:   []string{"wr_skey=old; Path=/", "wr_new=1; Path=/"},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	renewCalled := false
	_, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", func(context.Context, highlight.Credentials) error {
		renewCalled = true
		return nil
	})
	var authErr *highlight.AuthExpiredError
	if !errors.As(err, &authErr) || authErr.Renewed {
		t.Fatalf("expected AuthExpiredError without renewal, got %v", err)
	}
	if renewCalled {
		t.Fatal("renew callback must not run when nothing changed")
	}
	if fake.listCalls.Load() != 1 {
		t.Fatalf("expected no retry, got %d list calls", fake.listCalls.Load())
	}
}

func TestFetchChangesFailsOnSecondUnauthorized(t *testing.T) {
	fake := &wereadFake{
		unauthorized: func(int32, string) bool { return true },
		setCookies:   []string{"wr_skey=new; Path=/"},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	_, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", func(context.Context, highlight.Credentials) error { return nil })
	if !errors.Is(err, highlight.ErrAuthExpired) {
		t.Fatalf("expected auth expired, got %v", err)
	}
	var authErr *highlight.AuthExpiredError
	if !errors.As(err, &authErr) || !authErr.Renewed {
		t.Fatalf("expected renewed flag on final 401, got %#v", err)
	}
	if fake.listCalls.Load() != 2 || fake.probeCalls.Load() != 1 {
		t.Fatalf("expected exactly one renewal and one retry, got %d list calls and %d probes", fake.listCalls.Load(), fake.probeCalls.Load())
	}
}

func TestFetchChangesRenewPersistenceFailureIsFatal(t *testing.T) {
	fake := &wereadFake{
		unauthorized: func(call int32, _ string) bool { return call == 1 },
		setCookies:   []string{"wr_skey=new; Path=/"},
	}
	srv := httptest.NewServer(fake.handler())
	defer srv.Close()

	boom := errors.New("kv down")
	_, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", func(context.Context, highlight.Credentials) error { return boom })
	if !errors.Is(err, boom) {
		t.Fatalf("expected persistence error, got %v", err)
	}
	if fake.listCalls.Load() != 1 {
		t.Fatal("must not retry after a failed persistence")
	}
}

func TestFetchChangesIntegrityErrors(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing book", `{"synckey": 1, "updated": [{"bookId": "x", "bookmarkId": "b", "markText": "t", "createTime": 1}], "books": []}`},
		{"wrong type", `{"synckey": 1, "updated": [{"bookId": 5, "bookmarkId": "b", "markText": "t", "createTime": 1}], "books": []}`},
		{"missing books list", `{"synckey": 1, "updated": []}`},
		{"not json", `<html>login</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			fake := &wereadFake{body: tt.body}
			srv := httptest.NewServer(fake.handler())
			defer srv.Close()

			_, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", nil)
			if !errors.Is(err, highlight.ErrIntegrity) {
				t.Fatalf("expected integrity error, got %v", err)
			}
		})
	}
}

func TestFetchChangesUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, _, err := newWeReadForTest(srv).FetchChanges(context.Background(), testCreds(), "", nil)
	var upstream *highlight.UpstreamError
	if !errors.As(err, &upstream) || upstream.Status != http.StatusBadGateway {
		t.Fatalf("expected upstream 502, got %v", err)
	}
}
