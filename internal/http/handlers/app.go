package handlers

import (
	"encoding/json"
	"net/http"

	"personalizer/internal/imagegen"
	"personalizer/internal/infra"
)

type App struct {
	Config    *infra.Config
	Logger    infra.Logger
	Pipeline  *imagegen.Pipeline
	OutputDir string
}

func NewApp(cfg *infra.Config, logger infra.Logger, pipeline *imagegen.Pipeline, outputDir string) *App {
	return &App{Config: cfg, Logger: logger, Pipeline: pipeline, OutputDir: outputDir}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, detail string) {
	a.json(w, code, map[string]string{"detail": detail})
}

func (a *App) serviceName() string {
	if a.Config != nil && a.Config.ServiceName != "" {
		return a.Config.ServiceName
	}
	return "InstantID"
}

func (a *App) maxUploadBytes() int64 {
	if a.Config != nil && a.Config.MaxUploadBytes > 0 {
		return a.Config.MaxUploadBytes
	}
	return 20 << 20
}
