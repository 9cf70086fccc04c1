package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"personalizer/internal/http/handlers"
	httpapi "personalizer/internal/http/httpapi"
	"personalizer/internal/imagegen"
	"personalizer/internal/infra"
	"personalizer/internal/providers/instantid"
	"personalizer/internal/storage"
)

func main() {
	// Load .env when present
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv, cfg.ServiceName)

	store, err := storage.NewFileStore(cfg.OutputDir)
	if err != nil {
		logger.Fatal().Err(err).Str("dir", cfg.OutputDir).Msg("failed to prepare output directory")
	}

	clientLogger := logger.With().Str("component", "instantid").Logger()
	client, err := instantid.NewClient(instantid.Options{
		Space:          cfg.InstantIDSpace,
		BaseURL:        cfg.InstantIDBaseURL,
		APIPrefix:      cfg.InstantIDAPIPrefix,
		Token:          cfg.HFToken,
		Logger:         &clientLogger,
		RequestTimeout: cfg.InferenceTimeout + 30*time.Second,
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to configure InstantID client")
	}

	styles, err := imagegen.NewStyleCatalog(imagegen.StyleNames, cfg.DefaultStyle)
	if err != nil {
		logger.Fatal().Err(err).Msg("invalid style configuration")
	}
	templates := imagegen.NewTemplateCatalog(cfg.TemplatesDir)

	pipeline, err := imagegen.NewPipeline(store, client, styles, templates, imagegen.Options{
		DefaultPrompt:          cfg.DefaultPrompt,
		InferenceTimeout:       cfg.InferenceTimeout,
		MaxConcurrentInference: cfg.InferenceMaxConcurrency,
		Logger:                 logger.With().Str("component", "pipeline").Logger(),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to build pipeline")
	}

	app := handlers.NewApp(cfg, logger, pipeline, store.Dir())
	router := httpapi.NewRouter(app)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().
			Str("addr", server.Addr()).
			Str("space", client.BaseURL()).
			Str("output_dir", store.Dir()).
			Msg("API listening")
		if err := server.Start(); err != nil {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	// Graceful shutdown
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout())
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	logger.Info().Msg("server stopped")
}
