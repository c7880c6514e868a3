package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/abelbrown/digest/internal/cache"
	"github.com/abelbrown/digest/internal/config"
	"github.com/abelbrown/digest/internal/coord"
	"github.com/abelbrown/digest/internal/fetcher"
	"github.com/abelbrown/digest/internal/logging"
	"github.com/abelbrown/digest/internal/ratelimit"
	"github.com/abelbrown/digest/internal/remote"
	"github.com/abelbrown/digest/internal/scheduler"
	"github.com/abelbrown/digest/internal/store"
	"github.com/abelbrown/digest/internal/summarize"
)

func main() {
	dbPath := flag.String("db", "", "database path (default ~/.digest/digest.db)")
	flag.Parse()

	if err := logging.Init(); err != nil {
		fatal("init logging", err)
	}
	defer logging.Close()

	cfg, err := config.Load()
	if err != nil {
		fatal("load config", err)
	}
	if cfg.Remote.BaseURL == "" {
		fatal("configure", fmt.Errorf("remote base URL not set (config or DIGEST_REMOTE_URL)"))
	}
	tracked := cfg.SelectedSourceIDs()
	if len(tracked) == 0 {
		logging.Warn("no sources selected, daemon will idle")
	}

	path := *dbPath
	if path == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			fatal("resolve home", err)
		}
		path = filepath.Join(home, ".digest", "digest.db")
		if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
			fatal("create data dir", err)
		}
	}
	st, err := store.Open(path)
	if err != nil {
		fatal("open store", err)
	}
	defer st.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	client := remote.NewHTTPClient(cfg.Remote.BaseURL, cfg.Remote.APIToken, cfg.Remote.Timeout())
	go client.Start(ctx)

	limiter := ratelimit.New(cfg.Sync.SourceSpacing(), cfg.Sync.GlobalSpacing())
	sched := scheduler.New(st, sourceList(tracked), cfg.Sync.Cooldown())
	f := fetcher.New(client, limiter, sched, st, fetcher.Options{
		PageSize:      cfg.Sync.PageSize,
		MaxPages:      cfg.Sync.MaxPages,
		CourtesyDelay: cfg.Sync.CourtesyDelay(),
	})
	mgr := cache.NewManager(st, cache.Options{
		BucketWidth: cfg.Cache.BucketWidth(),
		GracePeriod: cfg.Cache.GracePeriod(),
		LRUCapacity: cfg.Cache.LRUCapacity,
	})

	var svc *summarize.Service
	if cfg.Summarizer.Enabled {
		summarizer := summarize.NewHTTPSummarizer(cfg.Summarizer.Endpoint, cfg.Summarizer.APIKey, cfg.Remote.Timeout())
		svc = summarize.NewService(mgr, st, summarizer, summarize.Params{
			ModelVersion:  cfg.Summarizer.ModelVersion,
			PromptVersion: cfg.Summarizer.PromptVersion,
			Locale:        cfg.Summarizer.Locale,
			MaxTokens:     cfg.Summarizer.MaxTokens,
		})
	}

	c := coord.New(f, mgr, st, sched, svc, client, tracked, coord.Options{
		PollInterval:   cfg.Sync.PollInterval(),
		Debounce:       cfg.Sync.Debounce(),
		SummarizeLimit: cfg.Summarizer.Concurrency,
	})
	c.Start(ctx)

	<-ctx.Done()
	c.Stop()
}

type sourceList []int64

func (s sourceList) SelectedSources() []int64 { return s }

func fatal(what string, err error) {
	logging.Error(what, "error", err)
	fmt.Fprintf(os.Stderr, "digestd: %s: %v\n", what, err)
	os.Exit(1)
}
