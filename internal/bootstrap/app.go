package bootstrap

import (
	"context"
	"database/sql"
	"fmt"
	"log"
	"strings"

	"github.com/gin-gonic/gin"

	"insight-backend/internal/analyses"
	"insight-backend/internal/contents"
	"insight-backend/internal/llm"
	"insight-backend/internal/llm/openai"
	"insight-backend/internal/llm/vertex"
	"insight-backend/internal/queue"
	"insight-backend/internal/shared/config"
	"insight-backend/internal/shared/server"
	"insight-backend/internal/shared/storage/db"
	"insight-backend/internal/shared/storage/object"
	localstore "insight-backend/internal/shared/storage/object/local"
	s3store "insight-backend/internal/shared/storage/object/s3"
	"insight-backend/internal/shared/telemetry"
)

// AnalysisProcessor allows callers to override analysis processing for tests.
type AnalysisProcessor interface {
	ProcessJob(ctx context.Context, analysisID string) error
}

// App holds shared dependencies for the API server and the worker.
type App struct {
	Config config.Config
	Router *gin.Engine
	DB     *sql.DB
	Store  object.ObjectStore
	Queue  queue.Client

	Registry     *llm.Registry
	Orchestrator *analyses.Orchestrator

	AnalysesRepo      analyses.Repo
	ResultsRepo       analyses.ResultRepo
	AnalysesService   *analyses.Service
	AnalysisProcessor AnalysisProcessor
	AnalysisHandler   *analyses.Handler
}

// Build prepares shared dependencies and wires the router.
func Build(cfg config.Config) (*App, error) {
	if strings.TrimSpace(cfg.Env) == "" {
		cfg.Env = "dev"
	}
	if strings.TrimSpace(cfg.ObjectStoreType) == "" {
		cfg.ObjectStoreType = "local"
	}
	ctx := context.Background()

	sqlDB, err := buildDB(ctx, cfg)
	if err != nil {
		return nil, err
	}

	store, err := buildStore(ctx, cfg)
	if err != nil {
		return nil, err
	}

	queueClient, err := buildQueue(ctx, cfg)
	if err != nil {
		return nil, err
	}

	registry, provider, err := buildRegistry(ctx, cfg)
	if err != nil {
		return nil, err
	}

	app := &App{
		Config:   cfg,
		DB:       sqlDB,
		Store:    store,
		Queue:    queueClient,
		Registry: registry,
	}

	var repo analyses.Repo
	var results analyses.ResultRepo
	if sqlDB != nil {
		repo = &analyses.PGRepo{DB: sqlDB}
		results = &analyses.PGResultRepo{DB: sqlDB}
	} else {
		repo = analyses.NewMemoryRepo()
		results = analyses.NewMemoryResultRepo()
	}

	app.Orchestrator = &analyses.Orchestrator{
		Registry:        registry,
		Provider:        provider,
		Retryer:         llm.NewRetryer(retryConfig(cfg)),
		ProModel:        cfg.ProModel,
		FlashModel:      cfg.FlashModel,
		TokenThreshold:  cfg.TokenThreshold,
		ChunkTokens:     cfg.ChunkTokens,
		MapConcurrency:  cfg.MapConcurrency,
		MaxContentBytes: cfg.MaxContentBytes,
		MaxOutputTokens: cfg.MaxOutputTokens,
		OnTransition: func(from, to analyses.State) {
			telemetry.Info("analysis.transition", map[string]any{
				"from": string(from),
				"to":   string(to),
			})
		},
	}

	svc := &analyses.Service{
		Repo:         repo,
		Results:      results,
		Loader:       &contents.Loader{Store: store, MaxBytes: cfg.MaxContentBytes},
		Orchestrator: app.Orchestrator,
		Queue:        queueClient,
		MaxResultAge: cfg.ResultMaxAge,
		Provider:     string(provider),
	}

	app.AnalysesRepo = repo
	app.ResultsRepo = results
	app.AnalysesService = svc
	app.AnalysisProcessor = svc
	app.AnalysisHandler = analyses.NewHandler(svc)

	app.Router = server.NewRouter(server.RouterDeps{
		Config:          cfg,
		AnalysisHandler: app.AnalysisHandler,
	})

	return app, nil
}

func buildDB(ctx context.Context, cfg config.Config) (*sql.DB, error) {
	if strings.TrimSpace(cfg.DatabaseURL) == "" {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: DATABASE_URL empty; using in-memory repositories")
			return nil, nil
		}
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	var (
		sqlDB *sql.DB
		err   error
	)
	if db.IsLambdaRuntime() {
		opts := db.OptionsFromEnv(db.DefaultLambdaOptions())
		sqlDB, err = db.GetSingleton(ctx, cfg.DatabaseURL, opts)
	} else {
		opts := db.OptionsFromEnv(db.DefaultServerOptions())
		sqlDB, err = db.Connect(ctx, cfg.DatabaseURL, opts)
	}
	if err != nil {
		if isDevLike(cfg.Env) {
			log.Printf("bootstrap: database connect failed; using in-memory repositories: %v", err)
			return nil, nil
		}
		return nil, err
	}

	return sqlDB, nil
}

func buildStore(ctx context.Context, cfg config.Config) (object.ObjectStore, error) {
	switch cfg.ObjectStoreType {
	case "s3":
		return s3store.New(ctx, cfg.AWSRegion, cfg.S3Bucket, cfg.S3Prefix, cfg.SSEKMSKeyID)
	default:
		return localstore.New(cfg.LocalStoreDir), nil
	}
}

func buildQueue(ctx context.Context, cfg config.Config) (queue.Client, error) {
	if strings.TrimSpace(cfg.SQSQueueURL) == "" {
		return nil, nil
	}
	return queue.NewSQSClient(ctx, cfg.SQSQueueURL, cfg.AWSRegion)
}

// buildRegistry registers every configured provider and returns the one
// analyses run against by default.
func buildRegistry(ctx context.Context, cfg config.Config) (*llm.Registry, llm.Provider, error) {
	provider, err := llm.ParseProvider(cfg.LLMProvider)
	if err != nil {
		return nil, "", fmt.Errorf("LLM_PROVIDER: %w", err)
	}

	registry := llm.NewRegistry()

	if strings.TrimSpace(cfg.OpenAIAPIKey) != "" {
		factory, err := openai.NewFactory(cfg.OpenAIAPIKey, cfg.OpenAIBaseURL)
		if err != nil {
			return nil, "", err
		}
		registry.Register(llm.ProviderOpenAI, factory)
	}

	if strings.TrimSpace(cfg.VertexProject) != "" {
		factory, err := vertex.NewFactory(ctx, cfg.VertexProject, cfg.VertexLocation)
		if err != nil {
			return nil, "", err
		}
		registry.Register(llm.ProviderVertex, factory)
	}

	if _, err := registry.Factory(provider); err != nil {
		return nil, "", fmt.Errorf("provider %q selected but not configured: %w", provider, err)
	}

	return registry, provider, nil
}

func retryConfig(cfg config.Config) llm.RetryConfig {
	rc := llm.DefaultRetryConfig()
	if cfg.QuotaMaxAttempts > 0 {
		rc.Quota.MaxAttempts = cfg.QuotaMaxAttempts
	}
	if cfg.QuotaMaxElapsed > 0 {
		rc.Quota.MaxElapsed = cfg.QuotaMaxElapsed
	}
	if cfg.TransientMaxAttempts > 0 {
		rc.Transient.MaxAttempts = cfg.TransientMaxAttempts
	}
	if cfg.TransientMaxElapsed > 0 {
		rc.Transient.MaxElapsed = cfg.TransientMaxElapsed
	}
	if cfg.ValidationAttempts > 0 {
		rc.ValidationAttempts = cfg.ValidationAttempts
	}
	return rc
}

func isDevLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "dev", "local":
		return true
	default:
		return false
	}
}
