package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"distributed-job-scheduler/internal/models"
)

// Request carries everything a handler gets for one claimed job.
type Request struct {
	Store   Store
	Job     models.ScheduledJob
	Scope   models.Scope
	RunID   string
	Payload map[string]any
	// Logger is pre-scoped with job_type, scope and run_id.
	Logger *zap.SugaredLogger
}

// Handler executes one job type. The returned details are stored on the
// worker run. Handlers may be abandoned on timeout and must be safe to re-run.
type Handler interface {
	Handle(ctx context.Context, req Request) (map[string]any, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (map[string]any, error)

func (f HandlerFunc) Handle(ctx context.Context, req Request) (map[string]any, error) {
	return f(ctx, req)
}

// Registry maps job types to handlers. Safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]Handler
}

func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]Handler)}
}

// Register binds a handler to a job type. Registering a type twice panics.
func (r *Registry) Register(jobType string, h Handler) {
	if jobType == "" || h == nil {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.handlers[jobType]; exists {
		panic(fmt.Sprintf("handler already registered for job type %q", jobType))
	}
	r.handlers[jobType] = h
}

// RegisterFunc is Register for a plain function.
func (r *Registry) RegisterFunc(jobType string, fn func(ctx context.Context, req Request) (map[string]any, error)) {
	r.Register(jobType, HandlerFunc(fn))
}

func (r *Registry) Lookup(jobType string) (Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[jobType]
	return h, ok
}

// Types returns the registered job types, sorted.
func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.handlers))
	for jt := range r.handlers {
		out = append(out, jt)
	}
	sort.Strings(out)
	return out
}
