package cmd

import (
	"fmt"
	"log"

	"github.com/user/syncbook/internal/config"
	"github.com/user/syncbook/internal/db"
	"github.com/user/syncbook/internal/highlight"
	"github.com/user/syncbook/internal/logging"
	"github.com/user/syncbook/internal/readwise"
	"github.com/user/syncbook/internal/sources"
	"github.com/user/syncbook/internal/state"
	"github.com/user/syncbook/internal/syncer"
)

// app holds everything a command needs, built once from config.
type app struct {
	cfg      *config.Config
	logs     *logging.Sink
	state    state.Store
	ledger   *db.Store
	readwise *readwise.Client
	engine   *syncer.Engine

	ownsLedger bool
}

func newApp(quiet bool) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	a := &app{
		cfg: cfg,
		logs: logging.NewSink(logging.Options{
			File:       cfg.LogFile(),
			MaxSizeMB:  cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAgeDays: cfg.Log.MaxAgeDays,
			Quiet:      quiet,
		}),
	}

	st, err := state.Open(cfg.StateDSN, cfg.DataDir)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open state store: %w", err)
	}
	a.state = st
	if s, ok := a.state.(*state.SQLiteStore); ok {
		a.ledger = s.DB()
	} else {
		a.ledger, err = db.NewStore(cfg.DataDir)
		if err != nil {
			a.Close()
			return nil, fmt.Errorf("failed to open database: %w", err)
		}
		a.ownsLedger = true
	}

	a.readwise = readwise.NewClient(readwise.Options{
		BaseURL:    cfg.Readwise.BaseURL,
		Token:      cfg.Readwise.Token,
		RetryAfter: cfg.Readwise.RetryAfter,
		Logger:     a.logger("readwise"),
	})
	return a, nil
}

func (a *app) logger(component string) *log.Logger {
	return a.logs.Logger(component)
}

// buildEngine wires both sources and the sink into a sync engine.
func (a *app) buildEngine() (*syncer.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg := a.cfg

	creds, err := cfg.BootstrapCredentials()
	if err != nil {
		return nil, fmt.Errorf("invalid weread.cookies: %w", err)
	}
	watermark, err := cfg.DefaultWatermark()
	if err != nil {
		return nil, fmt.Errorf("invalid sync.default_watermark: %w", err)
	}

	props := sources.DefaultNotionProperties()
	if p := cfg.Notion.Properties; p.Eligible != "" {
		props.Eligible = p.Eligible
	}
	if p := cfg.Notion.Properties; p.Title != "" {
		props.Title = p.Title
	}
	if p := cfg.Notion.Properties; p.Link != "" {
		props.Link = p.Link
	}
	if p := cfg.Notion.Properties; p.Created != "" {
		props.Created = p.Created
	}

	engineCfg := syncer.Config{
		Session: sources.NewWeReadSource(sources.WeReadOptions{
			BaseURL:   cfg.WeRead.BaseURL,
			ProbeURL:  cfg.WeRead.ProbeURL,
			UserAgent: cfg.WeRead.UserAgent,
			Logger:    a.logger(highlight.SourceWeRead),
		}),
		Filter: sources.NewNotionSource(sources.NotionOptions{
			BaseURL:    cfg.Notion.BaseURL,
			Token:      cfg.Notion.Token,
			DatabaseID: cfg.Notion.DatabaseID,
			PageSize:   cfg.Notion.PageSize,
			Properties: props,
			Logger:     a.logger(highlight.SourceDedao),
		}),
		Sink:             a.readwise,
		Latest:           a.readwise,
		State:            a.state,
		Recorder:         a.ledger,
		Credentials:      creds,
		DefaultWatermark: watermark,
		Logger:           a.logger("sync"),
	}
	if cfg.Dedao.Enabled {
		engineCfg.Lookup = sources.NewDedaoLookup(sources.DedaoOptions{BaseURL: cfg.Dedao.BaseURL})
	}

	a.engine, err = syncer.New(engineCfg)
	if err != nil {
		return nil, fmt.Errorf("failed to build sync engine: %w", err)
	}
	return a.engine, nil
}

func (a *app) Close() {
	if a.ownsLedger && a.ledger != nil {
		a.ledger.Close()
	}
	if a.state != nil {
		a.state.Close()
	}
	if a.logs != nil {
		a.logs.Close()
	}
}
