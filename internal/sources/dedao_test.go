package sources

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/user/syncbook/internal/highlight"
)

func TestDedaoLookup(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		if r.URL.Path != "/api/search/pc/tophits" || r.Method != http.MethodPost {
			t.Errorf("unexpected request %s %s", r.Method, r.URL.Path)
		}
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse form: %v", err)
		}
		if r.PostForm.Get("tab_type") != "2" || r.PostForm.Get("page_size") != "1" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		if r.PostForm.Get("content") == "Unknown" {
			_, _ = w.Write([]byte(`{"c": {"data": {"moduleList": []}}}`))
			return
		}
		_, _ = w.Write([]byte(`{"c": {"data": {"moduleList": [{"layerDataList": [{"extra": {"enid": "abc"}, "image": "https://img/1.jpg", "author": "Writer"}]}]}}}`))
	}))
	defer srv.Close()

	lookup := NewDedaoLookup(DedaoOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
	ctx := context.Background()

	meta, err := lookup.Lookup(ctx, "Known")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	want := BookMeta{Author: "Writer", ImageURL: "https://img/1.jpg", SourceURL: "https://www.dedao.cn/ebook/reader?id=abc"}
	if meta != want {
		t.Fatalf("expected %+v, got %+v", want, meta)
	}
	if _, err := lookup.Lookup(ctx, "Known"); err != nil {
		t.Fatal(err)
	}
	if calls.Load() != 1 {
		t.Fatalf("expected cached second lookup, got %d calls", calls.Load())
	}

	miss, err := lookup.Lookup(ctx, "Unknown")
	if err != nil {
		t.Fatalf("a miss must not fail: %v", err)
	}
	if miss != (BookMeta{}) {
		t.Fatalf("expected empty metadata, got %+v", miss)
	}
}

func TestDedaoLookupUpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	lookup := NewDedaoLookup(DedaoOptions{BaseURL: srv.URL, HTTPClient: srv.Client()})
	if _, err := lookup.Lookup(context.Background(), "Known"); !errors.Is(err, highlight.ErrUpstream) {
		t.Fatalf("expected upstream error, got %v", err)
	}
}
