package handlers

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog"

	"tryon/internal/domain"
	"tryon/internal/middleware"
	"tryon/internal/reconcile"
)

// In-memory fakes shared by the handler tests.

type fakeGens struct {
	mu   sync.Mutex
	gens map[string]*domain.Generation
}

func newFakeGens(gens ...*domain.Generation) *fakeGens {
	s := &fakeGens{gens: make(map[string]*domain.Generation)}
	for _, gen := range gens {
		copied := *gen
		s.gens[gen.ID] = &copied
	}
	return s
}

func (s *fakeGens) Create(ctx context.Context, gen *domain.Generation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *gen
	s.gens[gen.ID] = &copied
	return nil
}

func (s *fakeGens) GetByID(ctx context.Context, id string) (*domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[id]
	if !ok {
		return nil, domain.ErrNotFound
	}
	copied := *gen
	return &copied, nil
}

func (s *fakeGens) GetByProviderJobID(ctx context.Context, providerJobID string) (*domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, gen := range s.gens {
		if gen.ProviderJobID == providerJobID {
			copied := *gen
			return &copied, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (s *fakeGens) ListByUser(ctx context.Context, userID string, limit int) ([]domain.Generation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.Generation
	for _, gen := range s.gens {
		if gen.UserID == userID {
			out = append(out, *gen)
		}
	}
	return out, nil
}

func (s *fakeGens) ListUnfinished(ctx context.Context, limit int) ([]domain.Generation, error) {
	return nil, nil
}

func (s *fakeGens) SetProviderJobID(ctx context.Context, id, providerJobID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[id]
	if !ok {
		return domain.ErrNotFound
	}
	gen.ProviderJobID = providerJobID
	return nil
}

func (s *fakeGens) UpdateSoft(ctx context.Context, id string, patch domain.SoftPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[id]
	if !ok {
		return domain.ErrConflict
	}
	if gen.Status.IsTerminal() {
		return domain.ErrConflict
	}
	gen.Status = patch.Status
	if gen.StartedAt == nil && patch.StartedAt != nil {
		gen.StartedAt = patch.StartedAt
	}
	return nil
}

func (s *fakeGens) UpdateStatusIf(ctx context.Context, id string, expected domain.GenerationStatus, patch domain.TerminalPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	gen, ok := s.gens[id]
	if !ok {
		return domain.ErrNotFound
	}
	if gen.Status != expected {
		return domain.ErrConflict
	}
	gen.Status = patch.Status
	gen.ResultURL = patch.ResultURL
	gen.FailureReason = patch.FailureReason
	gen.FailureCode = patch.FailureCode
	gen.ActualCost = patch.ActualCost
	completedAt := patch.CompletedAt
	gen.CompletedAt = &completedAt
	return nil
}

type fakeQueue struct {
	mu       sync.Mutex
	enqueued []string
}

func (q *fakeQueue) Enqueue(ctx context.Context, item *domain.QueueItem) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.enqueued = append(q.enqueued, item.GenerationID)
	return nil
}

func (q *fakeQueue) Claim(ctx context.Context) (*domain.QueueItem, error) {
	return nil, domain.ErrNotFound
}

func (q *fakeQueue) GetByGenerationID(ctx context.Context, id string) (*domain.QueueItem, error) {
	return nil, domain.ErrNotFound
}

func (q *fakeQueue) MarkCompleted(ctx context.Context, id string) error { return nil }
func (q *fakeQueue) MarkFailed(ctx context.Context, id string) error    { return nil }
func (q *fakeQueue) ResetForRetry(ctx context.Context, id string) error { return nil }

type fakeUsage struct {
	mu   sync.Mutex
	used map[string]int
}

func newFakeUsage() *fakeUsage { return &fakeUsage{used: make(map[string]int)} }

func (u *fakeUsage) CheckAndIncrement(ctx context.Context, userID string, limit int) (int, error) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if u.used[userID] >= limit {
		return 0, domain.ErrQuotaExceeded
	}
	u.used[userID]++
	return limit - u.used[userID], nil
}

type fakeCache struct {
	mu      sync.Mutex
	entries map[string]string
	hits    int
}

func newFakeCache() *fakeCache { return &fakeCache{entries: make(map[string]string)} }

func (c *fakeCache) Get(ctx context.Context, fingerprint string) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	if url, ok := c.entries[fingerprint]; ok {
		c.hits++
		return url
	}
	return ""
}

type fakeProvider struct {
	mu    sync.Mutex
	calls int
	obs   domain.Observation
	err   error
}

func (p *fakeProvider) Observe(ctx context.Context, providerJobID string) (domain.Observation, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	if p.err != nil {
		return domain.Observation{}, p.err
	}
	return p.obs, nil
}

type testEnv struct {
	app      *App
	gens     *fakeGens
	queue    *fakeQueue
	usage    *fakeUsage
	cache    *fakeCache
	provider *fakeProvider
}

func newTestEnv(gens ...*domain.Generation) *testEnv {
	env := &testEnv{
		gens:     newFakeGens(gens...),
		queue:    &fakeQueue{},
		usage:    newFakeUsage(),
		cache:    newFakeCache(),
		provider: &fakeProvider{},
	}
	app := NewApp(zerolog.Nop())
	app.Gens = env.gens
	app.Queue = env.queue
	app.Usage = env.usage
	app.Cache = env.cache
	app.Reconciler = reconcile.New(env.gens, env.provider, zerolog.Nop(), reconcile.WithQueue(env.queue))
	app.DailyQuota = 5
	app.ProviderTimeout = time.Second
	env.app = app
	return env
}

func (e *testEnv) router() http.Handler {
	r := chi.NewRouter()
	r.Post("/v1/webhooks/replicate", e.app.WebhookReplicate)
	r.Post("/v1/generations", e.app.GenerationsCreate)
	r.Get("/v1/generations", e.app.GenerationsList)
	r.Get("/v1/generations/{id}", e.app.GenerationsGet)
	return r
}

func (e *testEnv) do(req *http.Request, userID string) *httptest.ResponseRecorder {
	if userID != "" {
		req = req.WithContext(middleware.ContextWithUserID(req.Context(), userID))
	}
	rec := httptest.NewRecorder()
	e.router().ServeHTTP(rec, req)
	return rec
}
