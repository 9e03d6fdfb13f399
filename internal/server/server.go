// Package server exposes the sync engine over HTTP and on a schedule.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/readwise"
	"github.com/user/syncbook/internal/syncer"
)

type Runner interface {
	Run(ctx context.Context, opts syncer.Options) (*syncer.Result, error)
}

type LatestBookFinder interface {
	LatestBook(ctx context.Context, source string) (*readwise.Book, error)
}

type Config struct {
	// Path is the only path that triggers a sync.
	Path   string
	Latest LatestBookFinder
	Logger *log.Logger
}

type Server struct {
	runner Runner
	path   string
	latest LatestBookFinder
	logger *log.Logger
}

func New(runner Runner, cfg Config) *Server {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		path = "/sync"
	}
	logger := cfg.Logger
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	return &Server{runner: runner, path: path, latest: cfg.Latest, logger: logger}
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	switch {
	case r.URL.Path == "/health":
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	case r.URL.Path == s.path:
		s.handleSync(w, r)
	case r.URL.Path == "/highlights/latest" && s.latest != nil:
		s.handleLatest(w, r)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

func (s *Server) handleSync(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet && r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}

	var opts syncer.Options
	q := r.URL.Query()
	if v := q.Get("dry_run"); v != "" {
		dryRun, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid dry_run"})
			return
		}
		opts.DryRun = dryRun
	}
	if v := q.Get("from"); v != "" {
		from, err := highlight.ParseTime(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid from"})
			return
		}
		opts.From = from
	}

	res, err := s.runner.Run(r.Context(), opts)
	if err != nil {
		s.logger.Printf("sync via %s failed: %v", r.URL.Path, err)
		writeJSON(w, errorStatus(err), map[string]string{"error": err.Error(), "kind": errorKind(err)})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleLatest(w http.ResponseWriter, r *http.Request) {
	source := r.URL.Query().Get("source")
	if source == "" {
		source = highlight.SourceDedao
	}
	book, err := s.latest.LatestBook(r.Context(), source)
	if err != nil {
		writeJSON(w, errorStatus(err), map[string]string{"error": err.Error(), "kind": errorKind(err)})
		return
	}
	if book == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no books for source " + source})
		return
	}
	writeJSON(w, http.StatusOK, book)
}

// RunScheduled triggers a sync every interval until ctx is done. Results
// and failures are logged and dropped.
func RunScheduled(ctx context.Context, runner Runner, interval time.Duration, logger *log.Logger) {
	if logger == nil {
		logger = log.New(io.Discard, "", 0)
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			res, err := runner.Run(ctx, syncer.Options{})
			switch {
			case errors.Is(err, syncer.ErrRunInProgress):
				logger.Printf("scheduled sync skipped: %v", err)
			case err != nil:
				logger.Printf("scheduled sync failed: %v", err)
			default:
				logger.Printf("scheduled sync: %s", res.Message)
			}
		}
	}
}

func errorStatus(err error) int {
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		return http.StatusConflict
	case errors.Is(err, highlight.ErrAuthExpired),
		errors.Is(err, highlight.ErrRateLimited),
		errors.Is(err, highlight.ErrUpstream):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

func errorKind(err error) string {
	switch {
	case errors.Is(err, syncer.ErrRunInProgress):
		return "run_in_progress"
	case errors.Is(err, highlight.ErrAuthExpired):
		return "auth_expired"
	case errors.Is(err, highlight.ErrRateLimited):
		return "rate_limited"
	case errors.Is(err, highlight.ErrUpstream):
		return "upstream_error"
	case errors.Is(err, highlight.ErrIntegrity):
		return "integrity_error"
	default:
		return "internal"
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(payload)
}
