package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"

	"personalizer/internal/http/handlers"
	"personalizer/internal/middleware"
)

func NewRouter(app *handlers.App) http.Handler {
	r := chi.NewRouter()

	var origins []string
	rateLimit := 0
	if app.Config != nil {
		origins = app.Config.CORSAllowedOrigins
		rateLimit = app.Config.RateLimitPerMin
	}

	r.Use(
		middleware.RequestID,
		chimw.RealIP,
		middleware.Logger(app.Logger),
		chimw.Recoverer,
		middleware.CORS(origins),
	)

	// Health
	r.Get("/", app.Root)
	r.Get("/v1/healthz", app.Health)

	r.Get("/v1/styles", app.ListStyles)
	r.With(middleware.RateLimit(rateLimit, time.Minute)).Post("/personalize", app.Personalize)

	generated := app.Generated()
	r.Get("/generated/*", generated.ServeHTTP)
	r.Head("/generated/*", generated.ServeHTTP)

	return r
}
