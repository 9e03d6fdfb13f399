package cmd

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/user/syncbook/internal/credwatch"
	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/server"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the sync trigger over HTTP",
	Long:  "Listen for sync requests, run scheduled syncs and import WeRead cookies dropped into weread.cookie_file.",
	RunE: func(cmd *cobra.Command, args []string) error {
		a, err := newApp(false)
		if err != nil {
			return err
		}
		defer a.Close()

		engine, err := a.buildEngine()
		if err != nil {
			return err
		}
		logger := a.logger("server")

		ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer cancel()

		var wg sync.WaitGroup
		if every := a.cfg.Server.Schedule; every > 0 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				server.RunScheduled(ctx, engine, every, a.logger("schedule"))
			}()
		}
		if path := a.cfg.WeRead.CookieFile; path != "" {
			wg.Add(1)
			go func() {
				defer wg.Done()
				err := credwatch.Watch(ctx, credwatch.Config{
					Path:   path,
					Source: highlight.SourceWeRead,
					Store:  a.state,
					Logger: a.logger("credwatch"),
				})
				if err != nil {
					logger.Printf("credential watcher stopped: %v", err)
				}
			}()
		}

		srv := &http.Server{
			Addr: a.cfg.Server.Addr,
			Handler: server.New(engine, server.Config{
				Path:   a.cfg.Server.Path,
				Latest: a.readwise,
				Logger: logger,
			}),
			ReadHeaderTimeout: 10 * time.Second,
		}

		errCh := make(chan error, 1)
		go func() {
			logger.Printf("listening on %s (sync path %s)", srv.Addr, a.cfg.Server.Path)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- err
			}
			close(errCh)
		}()

		select {
		case err := <-errCh:
			cancel()
			wg.Wait()
			if err != nil {
				return fmt.Errorf("server error: %w", err)
			}
			return nil
		case <-ctx.Done():
		}

		logger.Println("shutting down")
		shutdownCtx, stop := context.WithTimeout(context.Background(), 5*time.Second)
		defer stop()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown error: %w", err)
		}
		wg.Wait()
		return nil
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}
