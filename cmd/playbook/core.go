package main

import (
	"context"
	"fmt"
	"log"

	"github.com/mohammad-safakhou/playbook/config"
	"github.com/mohammad-safakhou/playbook/internal/budget"
	"github.com/mohammad-safakhou/playbook/internal/prefs"
	"github.com/mohammad-safakhou/playbook/internal/research"
	"github.com/mohammad-safakhou/playbook/internal/retrieval"
	"github.com/mohammad-safakhou/playbook/internal/store"
	"github.com/mohammad-safakhou/playbook/internal/telemetry"
	"github.com/mohammad-safakhou/playbook/provider"
	"github.com/mohammad-safakhou/playbook/tools/web_search"
)

// core holds the wired application pieces the CLI commands share. The CLI
// skips redis and the headless page fetcher; only the server wires those.
type core struct {
	cfg       *config.Config
	store     *store.Store
	archive   *store.Archive
	collector *research.Collector
	assessor  *research.Assessor
	engine    *research.Engine
	pipeline  *research.Pipeline
	learner   *prefs.Learner
}

func buildCore(ctx context.Context, cfgPath string) (*core, error) {
	cfg := config.LoadConfig(cfgPath)

	st, err := store.New(cfg.Storage.File.DataDir)
	if err != nil {
		return nil, err
	}
	tel := telemetry.New(cfg.Telemetry)

	fileCache, err := retrieval.NewFileCache(st.SearchCacheDir(), cfg.Search.CacheTTL)
	if err != nil {
		return nil, fmt.Errorf("search cache: %w", err)
	}
	retriever := retrieval.NewManager(cfg.Search, web_search.FromConfig(cfg.Search), fileCache, tel)

	assessLLM, err := provider.ForStage(cfg.LLM, provider.StageAssessment)
	if err != nil {
		return nil, err
	}
	researchLLM, err := provider.ForStage(cfg.LLM, provider.StageResearch)
	if err != nil {
		return nil, err
	}
	prefsLLM, err := provider.ForStage(cfg.LLM, provider.StagePreferences)
	if err != nil {
		return nil, err
	}

	collector := research.NewCollector(retriever, st, nil, cfg.WebFetch)
	assessor := research.NewAssessor(assessLLM, st, tel)
	engine := research.NewEngine(researchLLM, retriever, st, tel)

	var archive *store.Archive
	if cfg.Storage.Postgres.Enabled {
		if err := cfg.Storage.Postgres.Validate(); err != nil {
			return nil, err
		}
		if archive, err = store.NewArchive(ctx, cfg.Storage.Postgres.DSN()); err != nil {
			return nil, fmt.Errorf("archive connection: %w", err)
		}
	}

	index, err := store.NewIndex()
	if err != nil {
		return nil, fmt.Errorf("search index: %w", err)
	}
	if err := index.Rebuild(st); err != nil {
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

	return &core{
		cfg:       cfg,
		store:     st,
		archive:   archive,
		collector: collector,
		assessor:  assessor,
		engine:    engine,
		pipeline:  pipe,
		learner:   prefs.NewLearner(prefsLLM, st),
	}, nil
}
