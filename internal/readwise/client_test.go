package readwise

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/user/syncbook/internal/highlight"
)

type recordedSleeps struct {
	calls []time.Duration
}

func (r *recordedSleeps) sleep(_ context.Context, d time.Duration) error {
	r.calls = append(r.calls, d)
	return nil
}

func newTestClient(t *testing.T, srv *httptest.Server, sleeps *recordedSleeps) *Client {
	t.Helper()
	return NewClient(Options{
		BaseURL:    srv.URL,
		Token:      "secret",
		HTTPClient: srv.Client(),
		Sleep:      sleeps.sleep,
	})
}

func TestCreateHighlightsSendsBatch(t *testing.T) {
	var gotAuth string
	var gotBody struct {
		Highlights []map[string]any `json:"highlights"`
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/highlights/" {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		gotAuth = r.Header.Get("Authorization")
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`[{"id": 7, "title": "Book", "num_highlights": 1}]`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, &recordedSleeps{})
	books, err := client.CreateHighlights(context.Background(), []highlight.Highlight{{
		Text:          "quote",
		Title:         "Book",
		SourceType:    highlight.SourceDedao,
		Category:      highlight.CategoryBooks,
		HighlightedAt: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC),
		HighlightURL:  "https://example.com/h/1",
	}})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if gotAuth != "Token secret" {
		t.Fatalf("unexpected auth header %q", gotAuth)
	}
	if len(gotBody.Highlights) != 1 {
		t.Fatalf("expected 1 highlight in body, got %d", len(gotBody.Highlights))
	}
	if got := gotBody.Highlights[0]["highlighted_at"]; got != "2024-01-02T03:04:05.000Z" {
		t.Fatalf("unexpected highlighted_at %v", got)
	}
	if len(books) != 1 || books[0].ID != 7 {
		t.Fatalf("unexpected response %+v", books)
	}
}

func TestRateLimitReplaysOnce(t *testing.T) {
	var calls atomic.Int32
	var bodies []string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		bodies = append(bodies, string(body))
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "5")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`[]`))
	}))
	defer srv.Close()

	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv, sleeps)
	if _, err := client.CreateHighlights(context.Background(), []highlight.Highlight{{Text: "a"}}); err != nil {
		t.Fatalf("expected replay to succeed: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected 2 calls, got %d", calls.Load())
	}
	if len(sleeps.calls) != 1 || sleeps.calls[0] < 5*time.Second {
		t.Fatalf("expected one wait of at least 5s, got %v", sleeps.calls)
	}
	if bodies[0] != bodies[1] {
		t.Fatalf("replayed body differs:\n%s\n%s", bodies[0], bodies[1])
	}
}

func TestSecondRateLimitIsFatal(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Retry-After", "5")
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv, sleeps)
	_, err := client.CreateHighlights(context.Background(), []highlight.Highlight{{Text: "a"}})
	if !errors.Is(err, highlight.ErrRateLimited) {
		t.Fatalf("expected rate limited error, got %v", err)
	}
	var rl *highlight.RateLimitedError
	if !errors.As(err, &rl) || rl.RetryAfter != 5*time.Second {
		t.Fatalf("expected RateLimitedError with 5s retry, got %#v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("expected exactly 2 calls, got %d", calls.Load())
	}
	if len(sleeps.calls) != 1 || sleeps.calls[0] != 6*time.Second {
		t.Fatalf("expected a single 6s wait, got %v", sleeps.calls)
	}
}

func TestRateLimitWithoutHeaderUsesDefault(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		_, _ = w.Write([]byte(`{"count": 0, "next": null, "results": []}`))
	}))
	defer srv.Close()

	sleeps := &recordedSleeps{}
	client := newTestClient(t, srv, sleeps)
	if _, err := client.ListBooks(context.Background(), BookFilter{Source: "weread"}); err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(sleeps.calls) != 1 || sleeps.calls[0] != DefaultRetryAfter+time.Second {
		t.Fatalf("expected default wait, got %v", sleeps.calls)
	}
}

func TestUpstreamErrorIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"detail": "bad payload"}`))
	}))
	defer srv.Close()

	client := newTestClient(t, srv, &recordedSleeps{})
	err := client.DeleteHighlight(context.Background(), 42)
	var upstream *highlight.UpstreamError
	if !errors.As(err, &upstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
	if upstream.Status != http.StatusBadRequest || upstream.Path != "/highlights/42/" || upstream.Message != "bad payload" {
		t.Fatalf("unexpected upstream error %+v", upstream)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected a single call, got %d", calls.Load())
	}
}

func TestLatestBookReadsLastPage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		if q.Get("source") != "weread" || q.Get("category") != "books" || q.Get("page_size") != "1" {
			t.Errorf("unexpected query %s", r.URL.RawQuery)
		}
		page, _ := strconv.Atoi(q.Get("page"))
		_ = json.NewEncoder(w).Encode(BookPage{
			Count:   3,
			Results: []Book{{ID: int64(page), Title: "Book " + strconv.Itoa(page)}},
		})
	}))
	defer srv.Close()

	client := newTestClient(t, srv, &recordedSleeps{})
	book, err := client.LatestBook(context.Background(), "weread")
	if err != nil {
		t.Fatalf("latest failed: %v", err)
	}
	if book == nil || book.ID != 3 {
		t.Fatalf("expected book from page 3, got %+v", book)
	}
}

func TestPurgeDeletesAcrossPages(t *testing.T) {
	var deleted []string
	mux := http.NewServeMux()
	mux.HandleFunc("/books/", func(w http.ResponseWriter, r *http.Request) {
		next := "more"
		switch r.URL.Query().Get("page") {
		case "1":
			_ = json.NewEncoder(w).Encode(BookPage{Next: &next, Results: []Book{
				{ID: 1, Title: "Empty", NumHighlights: 0},
				{ID: 2, Title: "Full", NumHighlights: 2},
			}})
		default:
			_ = json.NewEncoder(w).Encode(BookPage{Results: []Book{{ID: 3, Title: "Other", NumHighlights: 1}}})
		}
	})
	mux.HandleFunc("/highlights/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			deleted = append(deleted, r.URL.Path)
			w.WriteHeader(http.StatusNoContent)
			return
		}
		switch r.URL.Query().Get("book_id") {
		case "1":
			t.Errorf("books without highlights must be skipped")
		case "2":
			_ = json.NewEncoder(w).Encode(HighlightPage{Results: []Highlight{{ID: 20}, {ID: 21}}})
		case "3":
			_ = json.NewEncoder(w).Encode(HighlightPage{Results: []Highlight{{ID: 30}}})
		}
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	client := newTestClient(t, srv, &recordedSleeps{})

	var seen int
	res, err := client.Purge(context.Background(), PurgeOptions{
		Source:      "weread",
		DryRun:      true,
		OnHighlight: func(Book, Highlight) { seen++ },
	})
	if err != nil {
		t.Fatalf("dry run failed: %v", err)
	}
	if res.Books != 2 || res.Highlights != 3 || res.Deleted != 0 || seen != 3 || len(deleted) != 0 {
		t.Fatalf("unexpected dry run result %+v (seen %d, deleted %v)", res, seen, deleted)
	}

	res, err = client.Purge(context.Background(), PurgeOptions{Source: "weread"})
	if err != nil {
		t.Fatalf("purge failed: %v", err)
	}
	if res.Deleted != 3 {
		t.Fatalf("expected 3 deletions, got %+v", res)
	}
	want := []string{"/highlights/20/", "/highlights/21/", "/highlights/30/"}
	for i, p := range want {
		if deleted[i] != p {
			t.Fatalf("deletion %d: expected %s, got %s", i, p, deleted[i])
		}
	}
}
