package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"tryon/internal/domain"
	"tryon/internal/infra"
	"tryon/internal/middleware"
	"tryon/internal/reconcile"
)

// ResultCache is the lookup surface the submission path needs. Population on
// completion happens inside the reconciler, not here.
type ResultCache interface {
	Get(ctx context.Context, fingerprint string) string
}

// App bundles the dependencies shared by all HTTP handlers. Every collaborator
// is injected so tests can swap in fakes.
type App struct {
	Logger          infra.Logger
	Gens            domain.GenerationRepository
	Queue           domain.QueueRepository
	Usage           domain.UsageRepository
	Cache           ResultCache
	Reconciler      *reconcile.Reconciler
	WebhookSecret   string
	DailyQuota      int
	ProviderTimeout time.Duration

	validate *validator.Validate
}

// NewApp constructs the handler container.
func NewApp(logger infra.Logger) *App {
	return &App{
		Logger:   logger,
		validate: validator.New(),
	}
}

func (a *App) json(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func (a *App) error(w http.ResponseWriter, code int, errCode, message string) {
	a.json(w, code, map[string]string{"error": errCode, "message": message})
}

func (a *App) currentUserID(r *http.Request) string {
	return middleware.UserIDFromContext(r.Context())
}

// providerContext bounds outbound provider calls made on behalf of a request.
func (a *App) providerContext(ctx context.Context) (context.Context, context.CancelFunc) {
	timeout := a.ProviderTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return context.WithTimeout(ctx, timeout)
}
