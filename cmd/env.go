package main

import (
	"context"
	"os"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/service-ingest/internal/adapter"
	"github.com/sells-group/service-ingest/internal/config"
	"github.com/sells-group/service-ingest/internal/fetcher"
	"github.com/sells-group/service-ingest/internal/pipeline"
	"github.com/sells-group/service-ingest/internal/resilience"
	"github.com/sells-group/service-ingest/internal/store"
)

// ingestEnv holds the store, adapters and manager shared by the run, sources
// and serve commands.
type ingestEnv struct {
	Store    store.Store
	Registry *adapter.Registry
	Manager  *pipeline.Manager

	shutdown time.Duration
}

// Close drains the manager and releases the store. Jobs still running after
// the shutdown timeout are cancelled.
func (e *ingestEnv) Close() {
	if e.Manager != nil {
		ctx, cancel := context.WithTimeout(context.Background(), e.shutdown)
		defer cancel()
		if err := e.Manager.Cleanup(ctx); err != nil {
			zap.L().Warn("pipeline cleanup", zap.Error(err))
		}
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initEnv validates cfg for mode, opens and migrates the store, builds the
// adapter registry from the sources file, and starts a pipeline manager.
func initEnv(ctx context.Context, c *config.Config, mode string) (*ingestEnv, error) {
	if err := c.Validate(mode); err != nil {
		return nil, err
	}

	reg, err := buildRegistry(c)
	if err != nil {
		return nil, err
	}

	st, err := store.Open(ctx, c.Store)
	if err != nil {
		_ = reg.Close()
		return nil, eris.Wrap(err, "open store")
	}

	mgr, err := pipeline.New(reg, pipeline.WithConfig(c), pipeline.WithSink(st))
	if err != nil {
		_ = reg.Close()
		_ = st.Close()
		return nil, err
	}

	shutdown := time.Duration(c.Pipeline.ShutdownTimeoutSecs) * time.Second
	if shutdown <= 0 {
		shutdown = 30 * time.Second
	}
	return &ingestEnv{Store: st, Registry: reg, Manager: mgr, shutdown: shutdown}, nil
}

// buildRegistry loads source definitions and builds one adapter per source.
func buildRegistry(c *config.Config) (*adapter.Registry, error) {
	defs, err := adapter.LoadSources(c.Sources.File)
	if err != nil {
		return nil, err
	}

	retry := resilience.FromRetryConfig(c.Retry)
	timeout := time.Duration(c.Fetch.TimeoutSecs) * time.Second
	httpFetcher := fetcher.NewHTTPFetcher(fetcher.HTTPOptions{
		UserAgent:  c.Fetch.UserAgent,
		Timeout:    timeout,
		RatePerSec: c.Fetch.RatePerSec,
		Burst:      c.Fetch.Burst,
		Retry:      retry,
	})
	ftpFetcher := fetcher.NewFTPFetcher(fetcher.FTPOptions{Timeout: timeout, Retry: retry})

	tempDir := c.Fetch.TempDir
	if tempDir == "" {
		tempDir = os.TempDir()
	}

	reg, err := adapter.Build(defs, adapter.Deps{
		Fetcher: fetcher.NewMux(httpFetcher, ftpFetcher),
		HTTP:    httpFetcher,
		TempDir: tempDir,
	})
	if err != nil {
		return nil, err
	}
	zap.L().Info("sources loaded", zap.String("file", c.Sources.File), zap.Strings("sources", reg.Names()))
	return reg, nil
}
