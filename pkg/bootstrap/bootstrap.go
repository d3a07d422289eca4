// Package bootstrap wires configuration into concrete providers and the
// HTTP router. Provider selection is a closed set; unknown names fail fast
// with a configuration error.
package bootstrap

import (
	"context"
	"fmt"

	"github.com/charmbracelet/log"
	"github.com/go-chi/chi"

	"github.com/evermem/memsrv/pkg/ai"
	"github.com/evermem/memsrv/pkg/api"
	"github.com/evermem/memsrv/pkg/config"
	"github.com/evermem/memsrv/pkg/logging"
	"github.com/evermem/memsrv/pkg/memerr"
	"github.com/evermem/memsrv/pkg/pipeline"
	"github.com/evermem/memsrv/pkg/resilience"
	"github.com/evermem/memsrv/pkg/storage"
	"github.com/evermem/memsrv/pkg/storage/postgres"
	"github.com/evermem/memsrv/pkg/storage/sqlitevec"
)

// distanceMetric is the only metric the adapters implement.
const distanceMetric = "cosine"

// App is the wired service with its teardown hooks.
type App struct {
	Router *chi.Mux
	Store  storage.VectorStore
}

// Close releases adapter resources.
func (a *App) Close() {
	if a.Store != nil {
		a.Store.Close()
	}
}

// NewLLM builds the configured LLM provider.
func NewLLM(logger *log.Logger, cfg *config.Config) (ai.LLM, error) {
	switch cfg.LLMProvider {
	case "openai":
		return ai.NewOpenAILLM(logging.ForComponent(logger, "llm"), ai.OpenAIConfig{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			Model:          cfg.LLMModel,
			CallsPerSecond: cfg.LLMCallsPerSecond,
			Retry:          resilience.DefaultRetryConfig(),
		})
	default:
		return nil, memerr.Configuration(fmt.Sprintf("unsupported LLM provider %q", cfg.LLMProvider))
	}
}

// NewEmbedder builds the configured embedding provider.
func NewEmbedder(logger *log.Logger, cfg *config.Config) (ai.Embedder, error) {
	switch cfg.EmbeddingProvider {
	case "openai":
		return ai.NewOpenAIEmbedder(logging.ForComponent(logger, "embedder"), ai.OpenAIConfig{
			APIKey:         cfg.LLMAPIKey,
			BaseURL:        cfg.LLMBaseURL,
			Model:          cfg.EmbeddingModel,
			CallsPerSecond: cfg.EmbeddingCallsPerSecond,
			Retry:          resilience.DefaultRetryConfig(),
		}, cfg.EmbeddingDim)
	default:
		return nil, memerr.Configuration(fmt.Sprintf("unsupported embedding provider %q", cfg.EmbeddingProvider))
	}
}

// NewStore builds the configured vector store, runs Setup and materializes
// the collection. chroma_lite is an alias kept for deployments migrating
// from the old local backend name.
func NewStore(ctx context.Context, logger *log.Logger, cfg *config.Config) (storage.VectorStore, error) {
	var store storage.VectorStore
	var err error

	switch cfg.DBProvider {
	case "postgres":
		store, err = postgres.NewStore(ctx, postgres.NewStoreInput{
			ConnString:     cfg.PostgresConnString(),
			Collection:     cfg.DBCollectionName,
			Logger:         logging.ForComponent(logger, "postgres"),
			ProviderConfig: cfg.DBProviderConfig,
		})
	case "sqlite_vec", "chroma_lite":
		store, err = sqlitevec.NewStore(sqlitevec.NewStoreInput{
			PersistDir: cfg.DBPersistDir,
			Collection: cfg.DBCollectionName,
			Logger:     logging.ForComponent(logger, "sqlitevec"),
		})
	default:
		return nil, memerr.Configuration(fmt.Sprintf("unsupported DB provider %q", cfg.DBProvider))
	}
	if err != nil {
		return nil, err
	}

	if err := store.Setup(ctx); err != nil {
		store.Close()
		return nil, err
	}
	if err := store.CreateCollection(ctx, distanceMetric, cfg.EmbeddingDim); err != nil {
		store.Close()
		return nil, err
	}
	return store, nil
}

// NewApp wires the full service: providers, store, pipeline and router.
func NewApp(ctx context.Context, logger *log.Logger, cfg *config.Config) (*App, error) {
	llm, err := NewLLM(logger, cfg)
	if err != nil {
		return nil, err
	}
	embedder, err := NewEmbedder(logger, cfg)
	if err != nil {
		return nil, err
	}
	store, err := NewStore(ctx, logger, cfg)
	if err != nil {
		return nil, err
	}

	service, err := pipeline.NewService(pipeline.NewServiceInput{
		LLM:      llm,
		Embedder: embedder,
		Store:    store,
		Logger:   logging.ForComponent(logger, "pipeline"),
	})
	if err != nil {
		store.Close()
		return nil, err
	}

	handlers, err := api.NewHandlers(service, logging.ForComponent(logger, "api"))
	if err != nil {
		store.Close()
		return nil, err
	}

	return &App{
		Router: api.NewRouter(handlers, logging.ForComponent(logger, "http")),
		Store:  store,
	}, nil
}
