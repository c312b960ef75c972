package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"golang.org/x/time/rate"

	"github.com/you/modpipe/internal/aggregate"
	"github.com/you/modpipe/internal/checkpoint"
	"github.com/you/modpipe/internal/collab"
	"github.com/you/modpipe/internal/config"
	"github.com/you/modpipe/internal/core"
	"github.com/you/modpipe/internal/httpapi"
	"github.com/you/modpipe/internal/pipeline"
	"github.com/you/modpipe/internal/report"
	"github.com/you/modpipe/internal/source"
	"github.com/you/modpipe/internal/version"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	var (
		versionFlag  bool
		input        string
		output       string
		dbPath       string
		workers      int
		combinerName string
		threshold    float64
		translate    bool
		targetLang   string
		translateURL string
		scoreURL     string
		retries      int
		rateRPS      int
		rateBurst    int
		httpAddr     string
		httpMetrics  bool
		watch        bool
	)

	flag.BoolVar(&versionFlag, "version", false, "Print build version and exit")
	flag.StringVar(&input, "input", "", "Path to the input CSV batch")
	flag.StringVar(&output, "output", "", "Path to write the flagging report CSV")
	flag.StringVar(&dbPath, "sqlite", "modpipe.db", "Path to the SQLite checkpoint database")
	flag.IntVar(&workers, "workers", 4, "Number of concurrent workers")
	flag.StringVar(&combinerName, "combiner", "avg", "Per-user score combiner (sum, avg, max)")
	flag.Float64Var(&threshold, "threshold", 0.5, "Flagging threshold on the combined score")
	flag.BoolVar(&translate, "translate", true, "Translate messages before scoring")
	flag.StringVar(&targetLang, "target-lang", "", "Skip translation for messages already in this language")
	flag.StringVar(&translateURL, "translate-url", "", "Translation service endpoint")
	flag.StringVar(&scoreURL, "score-url", "", "Scoring service endpoint")
	flag.IntVar(&retries, "retries", 3, "Attempts per collaborator call")
	flag.IntVar(&rateRPS, "rate-rps", 0, "Outbound collaborator requests per second (0 disables)")
	flag.IntVar(&rateBurst, "rate-burst", 1, "Burst size for the outbound rate limiter")
	flag.StringVar(&httpAddr, "http-addr", "", "Status/stream HTTP address (e.g., :8765)")
	flag.BoolVar(&httpMetrics, "http-metrics", true, "Expose Prometheus metrics endpoint")
	flag.BoolVar(&watch, "watch", false, "Watch the input file and re-run on change")
	flag.Parse()

	if versionFlag {
		fmt.Printf(
			"modpipe version: %s (commit %s, built %s)\n",
			version.Version,
			version.Commit,
			version.BuildTime,
		)
		os.Exit(0)
	}

	overrides := make(map[string]bool)
	flag.Visit(func(f *flag.Flag) {
		overrides[f.Name] = true
	})

	cfg := config.Load()

	if overrides["input"] {
		cfg.Input = strings.TrimSpace(input)
	}
	if overrides["output"] {
		cfg.Output = strings.TrimSpace(output)
	}
	if overrides["sqlite"] {
		cfg.Checkpoint.SQLitePath = strings.TrimSpace(dbPath)
	}
	if overrides["workers"] {
		cfg.Workers = workers
	}
	if overrides["combiner"] {
		cfg.Aggregate.Combiner = strings.TrimSpace(combinerName)
	}
	if overrides["threshold"] {
		cfg.Aggregate.Threshold = threshold
	}
	if overrides["translate"] {
		cfg.Translate.Enabled = translate
	}
	if overrides["target-lang"] {
		cfg.Translate.TargetLang = strings.ToLower(strings.TrimSpace(targetLang))
	}
	if overrides["translate-url"] {
		cfg.Translate.URL = strings.TrimSpace(translateURL)
	}
	if overrides["score-url"] {
		cfg.Score.URL = strings.TrimSpace(scoreURL)
	}
	if overrides["retries"] {
		cfg.Retry.Attempts = retries
	}
	if overrides["rate-rps"] {
		cfg.RateRPS = rateRPS
	}
	if overrides["rate-burst"] {
		cfg.RateBurst = rateBurst
	}
	if overrides["http-addr"] {
		cfg.HTTP.Addr = strings.TrimSpace(httpAddr)
	}
	if overrides["http-metrics"] {
		cfg.HTTP.Metrics = httpMetrics
	}
	if overrides["watch"] {
		cfg.Watch = watch
	}

	if cfg.Input == "" {
		log.Fatal("modpipe: -input (or MODPIPE_INPUT) is required")
	}
	if cfg.Output == "" {
		log.Fatal("modpipe: -output (or MODPIPE_OUTPUT) is required")
	}
	if _, err := os.Stat(cfg.Input); err != nil {
		log.Fatalf("modpipe: input file: %v", err)
	}

	rule, err := aggregate.ParseRule(cfg.Aggregate.Combiner)
	if err != nil {
		log.Fatalf("modpipe: %v", err)
	}
	combiner := aggregate.Combiner{Rule: rule, Threshold: cfg.Aggregate.Threshold}

	log.Printf("%s", cfg.SummaryJSON())

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Printf("modpipe: received %s, shutting down", sig)
		cancel()
	}()

	store, err := checkpoint.Open(cfg.Checkpoint.SQLitePath, combiner)
	if err != nil {
		log.Fatalf("modpipe: open checkpoint: %v", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			log.Printf("modpipe: closing checkpoint: %v", err)
		}
	}()
	if err := store.Ping(); err != nil {
		log.Fatalf("modpipe: ping checkpoint: %v", err)
	}
	if err := migrateSQLite(ctx, store.RawDB()); err != nil {
		log.Fatalf("modpipe: checkpoint migrate: %v", err)
	}

	var limiter *rate.Limiter
	if cfg.RateRPS > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateRPS), cfg.RateBurst)
	}

	var metrics *pipeline.Metrics
	if cfg.HTTP.Metrics {
		metrics = pipeline.NewMetrics()
	}
	progress := pipeline.NewProgress()

	baseOpts := collab.Options{
		Attempts:    cfg.Retry.Attempts,
		BackoffBase: cfg.BackoffBase(),
		BackoffMax:  cfg.BackoffMax(),
		CallTimeout: cfg.CallTimeout(),
		Limiter:     limiter,
	}

	var translator pipeline.Translator
	if cfg.Translate.Enabled {
		opts := baseOpts
		opts.URL = cfg.Translate.URL
		opts.OnAttempt = func(err error) { metrics.ObserveAttempt("translate", err) }
		translator = collab.NewTranslator(opts)
	}
	scoreOpts := baseOpts
	scoreOpts.URL = cfg.Score.URL
	scoreOpts.OnAttempt = func(err error) { metrics.ObserveAttempt("score", err) }
	scorer := collab.NewScorer(scoreOpts)

	var (
		api    *httpapi.Server
		notify func(pipeline.Event)
	)
	if cfg.HTTP.Addr != "" {
		build := httpapi.BuildInfo{Version: version.Version, Commit: version.Commit}
		if version.BuildTime != "" && version.BuildTime != "unknown" {
			if t, err := time.Parse(time.RFC3339, version.BuildTime); err == nil {
				build.BuiltAt = t
			}
		}

		var metricsHandler http.Handler
		if metrics != nil {
			metricsHandler = metrics.Handler()
		}
		api = httpapi.New(store, progress, httpapi.Options{
			Addr:      cfg.HTTP.Addr,
			Metrics:   metricsHandler,
			Build:     build,
			RateRPS:   20,
			RateBurst: 40,
		})
		go func() {
			if err := api.Start(); err != nil {
				log.Fatalf("modpipe: http api: %v", err)
			}
		}()
		notify = api.Broadcast
		log.Printf("modpipe: http api ready on %s", cfg.HTTP.Addr)
	}

	p := pipeline.New(
		source.New(cfg.Input),
		translator,
		scorer,
		store,
		report.New(cfg.Output),
		pipeline.Options{
			Workers:    cfg.Workers,
			Translate:  cfg.Translate.Enabled,
			TargetLang: cfg.Translate.TargetLang,
			Metrics:    metrics,
			Progress:   progress,
			Notify:     notify,
		},
	)

	run := func() core.RunState {
		state, err := p.Run(ctx)
		if err != nil {
			log.Printf("modpipe: run: %v", err)
		}
		return state
	}

	shutdownAPI := func() {
		if api == nil {
			return
		}
		shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 5*time.Second)
		if err := api.Shutdown(shutdownCtx); err != nil {
			log.Printf("modpipe: http api shutdown: %v", err)
		}
		cancelShutdown()
	}

	if !cfg.Watch {
		state := run()
		shutdownAPI()
		if state != core.RunCompleted {
			cancel()
			if err := store.Close(); err != nil {
				log.Printf("modpipe: closing checkpoint: %v", err)
			}
			os.Exit(1)
		}
		return
	}

	// Watch mode: the checkpoint makes re-runs cheap, so each change to the
	// input triggers a run that only processes new or retried work.
	runCh := make(chan struct{}, 1)
	trigger := func() {
		select {
		case runCh <- struct{}{}:
		default:
		}
	}
	if err := pipeline.WatchInput(ctx, cfg.Input, trigger); err != nil {
		log.Fatalf("modpipe: watch input: %v", err)
	}

	run()
	for {
		select {
		case <-ctx.Done():
			shutdownAPI()
			log.Printf("modpipe: shutdown complete")
			return
		case <-runCh:
			run()
		}
	}
}
