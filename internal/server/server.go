package server

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/budget"
	"github.com/mohammad-safakhou/playbook/internal/interview"
	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/retrieval"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/provider"
	"github.com/mohammad-safakhou/playbook/tools/web_fetch"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

// Run wires the whole application together and serves it. The file store
// is the source of truth; redis, postgres and the page fetcher are
// optional tiers that attach when configured.
func Run(cfg *config.Config, addr string) error {
	e := echo.New()
	e.HideBanner = true
	e.Use(middleware.Recover())
	// Unified HTTP error handler with structured JSON and logging
	baseLogger := log.New(log.Writer(), "[HTTP] ", log.LstdFlags)
	e.HTTPErrorHandler = func(err error, c echo.Context) {
		code := http.StatusInternalServerError
		msg := err.Error()
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if he.Message != nil {
				msg = fmt.Sprint(he.Message)
			}
		}
		req := c.Request()
		baseLogger.Printf("%d %s %s from %s: %v", code, req.Method, req.URL.Path, c.RealIP(), err)
		if !c.Response().Committed {
			_ = c.JSON(code, map[string]interface{}{"error": msg})
		}
	}
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     []string{"*"},
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Content-Type", "Cookie"},
		AllowCredentials: true,
	}))

	ctx := context.Background()

	st, err := store.New(cfg.Storage.File.DataDir)
	if err != nil {
		return err
	}
	tel := telemetry.New(cfg.Telemetry)

	e.GET("/healthz", func(c echo.Context) error { return c.String(200, "ok") })
	registerDocs(e)
	e.GET("/metrics", echo.WrapHandler(tel.Handler()))

	var rdb *redis.Client
	if cfg.Storage.Redis.Enabled {
		if err := cfg.Storage.Redis.Validate(); err != nil {
			return err
		}
		rdb = redis.NewClient(&redis.Options{
			Addr:     cfg.Storage.Redis.Addr(),
			Password: cfg.Storage.Redis.Password,
			DB:       cfg.Storage.Redis.DB,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("redis connection failed (%s): %w", cfg.Storage.Redis.Addr(), err)
		}
	}

	// Search cache: file tier always, redis tier in front when enabled.
	fileCache, err := retrieval.NewFileCache(st.SearchCacheDir(), cfg.Search.CacheTTL)
	if err != nil {
		return fmt.Errorf("search cache: %w", err)
	}
	var cache retrieval.CacheStore = fileCache
	if cfg.Search.RedisCache && rdb != nil {
		cache = retrieval.NewRedisCache(rdb, cache, cfg.Search.CacheTTL)
	}
	retriever := retrieval.NewManager(cfg.Search, web_search.FromConfig(cfg.Search), cache, tel)

	var fetcher research.PageFetcher
	if cfg.WebFetch.Enabled {
		wf, err := web_fetch.New(web_fetch.ChromedpFetcherType, cfg.WebFetch)
		if err != nil {
			return err
		}
		fetcher = wf
	}

	assessLLM, err := provider.ForStage(cfg.LLM, provider.StageAssessment)
	if err != nil {
		return err
	}
	researchLLM, err := provider.ForStage(cfg.LLM, provider.StageResearch)
	if err != nil {
		return err
	}
	interviewLLM, err := provider.ForStage(cfg.LLM, provider.StageInterview)
	if err != nil {
		return err
	}
	prefsLLM, err := provider.ForStage(cfg.LLM, provider.StagePreferences)
	if err != nil {
		return err
	}

	collector := research.NewCollector(retriever, st, fetcher, cfg.WebFetch)
	assessor := research.NewAssessor(assessLLM, st, tel)
	engine := research.NewEngine(researchLLM, retriever, st, tel)

	var archive *store.Archive
	if cfg.Storage.Postgres.Enabled {
		if err := cfg.Storage.Postgres.Validate(); err != nil {
			return err
		}
		dsn := cfg.Storage.Postgres.DSN()
		if err := Migrate("file://migrations", dsn, "up", 0); err != nil {
			return fmt.Errorf("archive migration: %w", err)
		}
		if archive, err = store.NewArchive(ctx, dsn); err != nil {
			return fmt.Errorf("archive connection: %w", err)
		}
	}

	index, err := store.NewIndex()
	if err != nil {
		return fmt.Errorf("search index: %w", err)
	}
	if err := index.Rebuild(st); err != nil {
		// History search degrades; everything else works.
		log.Printf("index rebuild: %v", err)
	}

	pipe := research.NewPipeline(research.PipelineDeps{
		Collector:     collector,
		Assessor:      assessor,
		Engine:        engine,
		Store:         st,
		Archive:       archive,
		Index:         index,
		Telemetry:     tel,
		AssessModel:   cfg.LLM.ModelFor(provider.StageAssessment),
		ResearchModel: cfg.LLM.ModelFor(provider.StageResearch),
	}, budget.FromConfig(cfg.Budget))

	interviewer := interview.NewInterviewer(interviewLLM, st)
	learner := prefs.NewLearner(prefsLLM, st)

	api := e.Group("/api")
	(&PlaybooksHandler{Store: st, Index: index, Learner: learner}).Register(api)
	(&InterviewHandler{Interviewer: interviewer}).Register(api)
	(&ResearchHandler{
		Store:       st,
		Archive:     archive,
		Collector:   collector,
		Assessor:    assessor,
		Engine:      engine,
		Pipeline:    pipe,
		Learner:     learner,
		AssessLLM:   assessLLM,
		ResearchLLM: researchLLM,
	}).Register(api)
	(&HistoryHandler{Store: st, Index: index, Archive: archive}).Register(api)
	(&PrefsHandler{Store: st, Learner: learner}).Register(api)
	(&BatchHandler{Store: st, Collector: collector, Assessor: assessor}).Register(api)
	(&SearchHandler{Retrieval: retriever}).Register(api)
	(&OpsHandler{Telemetry: tel}).Register(api)

	if cfg.Scheduler.Enabled {
		if rdb == nil {
			return fmt.Errorf("scheduler requires redis for its per-stock locks")
		}
		sched := &Scheduler{Store: st, Pipeline: pipe, Rdb: rdb, Cfg: cfg.Scheduler, Stop: make(chan struct{})}
		sched.Start()
	}

	// Web UI is served by a separate container; backend only exposes APIs

	if addr == "" {
		addr = cfg.Server.Address
		if addr != "" && !strings.Contains(addr, ":") {
			addr = ":" + addr
		}
		if addr == "" {
			addr = ":8787"
		}
	}
	log.Printf("listening on %s", addr)
	return e.Start(addr)
}
