package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/inboxpilot/jobtrack/internal/cache"
	"github.com/inboxpilot/jobtrack/internal/classify"
	"github.com/inboxpilot/jobtrack/internal/match"
	"github.com/inboxpilot/jobtrack/internal/model"
	"github.com/inboxpilot/jobtrack/internal/pipeline"
	"github.com/inboxpilot/jobtrack/internal/store"
	"github.com/inboxpilot/jobtrack/internal/tracker"
	"github.com/inboxpilot/jobtrack/internal/triage"
	"github.com/inboxpilot/jobtrack/pkg/anthropic"
)

// env holds the initialized store and pipeline shared by the run, serve,
// status, and dedupe commands.
type env struct {
	Store    store.Store
	Tracker  *tracker.Tracker
	Filter   *triage.Filter
	Engine   *match.Engine
	Pipeline *pipeline.Pipeline

	redisBacking *cache.RedisBacking
}

// Close releases resources held by the environment.
func (e *env) Close() {
	if e.redisBacking != nil {
		_ = e.redisBacking.Close()
	}
	if e.Store != nil {
		_ = e.Store.Close()
	}
}

// initStore opens the configured persistence backend.
func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	case "sqlite":
		return store.NewSQLite(cfg.Store.DatabaseURL)
	case "memory":
		return store.NewMemory(), nil
	default:
		return nil, eris.Errorf("unknown store driver %q", cfg.Store.Driver)
	}
}

// initEnv sets up the store, triage filter, cache, classifier, and matching
// engine, and wires them into a pipeline. Callers should defer env.Close().
func initEnv(ctx context.Context) (*env, error) {
	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		_ = st.Close()
		return nil, eris.Wrap(err, "migrate store")
	}

	rules := triage.DefaultRules()
	if cfg.Triage.RulesFile != "" {
		rules, err = triage.LoadRules(cfg.Triage.RulesFile)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
	}
	filter, err := triage.NewFilter(rules)
	if err != nil {
		_ = st.Close()
		return nil, err
	}

	e := &env{Store: st, Tracker: tracker.New(st), Filter: filter}

	var backing cache.Backing
	switch cfg.Cache.Backend {
	case "redis":
		rb, err := cache.NewRedisBacking(ctx, cfg.Cache.RedisURL)
		if err != nil {
			_ = st.Close()
			return nil, err
		}
		e.redisBacking = rb
		backing = rb
	case "memory":
		backing = cache.NewMemoryBacking()
	default:
		backing = store.NewCacheBacking(st)
	}

	var primary classify.Backend
	if cfg.Classify.Backend == "llm" {
		if cfg.Anthropic.Key == "" {
			zap.L().Warn("anthropic key not set, running on keyword backend only")
		} else {
			primary = classify.NewLLMBackend(
				anthropic.NewClient(cfg.Anthropic.Key),
				cfg.Anthropic.Model,
				cfg.Anthropic.MaxTokens,
				cfg.Anthropic.RequestsPerSecond,
			)
		}
	}

	classifier := classify.New(classify.Options{
		Primary:          primary,
		Fallback:         classify.NewKeywordBackend(rules.ATSDomains),
		Cache:            cache.New(backing, cfg.Cache.TTL()),
		Filter:           filter,
		Timeout:          cfg.Classify.BackendTimeout(),
		Threshold:        cfg.Classify.RelevanceThreshold,
		FailureThreshold: cfg.Classify.FailureThreshold,
		Cooldown:         time.Duration(cfg.Classify.CooldownSecs) * time.Second,
	})

	e.Engine = match.New(st, cfg.Match.TitleSimilarityThreshold)
	e.Pipeline = pipeline.New(pipeline.Options{
		Store:      st,
		Tracker:    e.Tracker,
		Filter:     filter,
		Classifier: classifier,
		Engine:     e.Engine,
		Method:     model.SelectionMethod(cfg.Classify.SelectionMethod),
		Passes:     cfg.Classify.ExtractionPasses,
	})

	return e, nil
}
