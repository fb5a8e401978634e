package taskwire

import (
	"context"
	"slices"
	"sync"

	"github.com/UniQw/taskwire/internal/hctx"
	rtm "github.com/UniQw/taskwire/internal/runtime"
	"github.com/UniQw/taskwire/protocol"
)

// Handler is the uniform shape every task body is adapted to before the
// middleware chain runs.
type Handler func(ctx context.Context, tc *TaskContext, args Args, kwargs Kwargs) (any, error)

// Middleware wraps a Handler to provide cross-cutting concerns.
type Middleware func(Handler) Handler

// Registry maps task names to their definitions.
// It is safe for concurrent use; registration ends when a Server using it starts.
type Registry struct {
	mu          sync.RWMutex
	tasks       map[string]*TaskDefinition
	middlewares []Middleware
	sealed      bool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tasks: make(map[string]*TaskDefinition)}
}

// Register adds def under def.Name. It returns a *DuplicateTaskError if the
// name is taken and ErrRegistrySealed once a server using the registry started.
func (r *Registry) Register(def TaskDefinition) error {
	if err := def.validate(); err != nil {
		return err
	}
	def.Bind = def.RunBound != nil

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return ErrRegistrySealed
	}
	if _, ok := r.tasks[def.Name]; ok {
		return &DuplicateTaskError{Name: def.Name}
	}
	r.tasks[def.Name] = &def
	return nil
}

// MustRegister is Register that panics on error, for use during program init.
func (r *Registry) MustRegister(def TaskDefinition) {
	if err := r.Register(def); err != nil {
		panic(err)
	}
}

// Use adds a middleware. Middlewares run in the order they are added, the
// first one outermost.
func (r *Registry) Use(mw Middleware) {
	r.mu.Lock()
	r.middlewares = append(r.middlewares, mw)
	r.mu.Unlock()
}

// Resolve returns a copy of the definition registered as name, or an
// *UnknownTaskError.
func (r *Registry) Resolve(name string) (*TaskDefinition, error) {
	r.mu.RLock()
	def, ok := r.tasks[name]
	r.mu.RUnlock()
	if !ok {
		return nil, &UnknownTaskError{Name: name}
	}
	cp := *def
	return &cp, nil
}

// Names returns the registered task names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.tasks))
	for n := range r.tasks {
		names = append(names, n)
	}
	slices.Sort(names)
	return names
}

func (r *Registry) seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}

func (r *Registry) wrapHandler(h Handler) Handler {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for i := len(r.middlewares) - 1; i >= 0; i-- {
		h = r.middlewares[i](h)
	}
	return h
}

// definition adapts a registered task to the engine's view of it.
func (r *Registry) definition(name string) (*rtm.Definition, error) {
	def, err := r.Resolve(name)
	if err != nil {
		return nil, err
	}
	h := r.wrapHandler(def.handler())
	return &rtm.Definition{
		Name:          def.Name,
		Timeout:       def.Timeout,
		MaxRetries:    def.MaxRetries,
		MinRetryDelay: def.MinRetryDelay,
		MaxRetryDelay: def.MaxRetryDelay,
		AcksLate:      def.AcksLate,
		Exec: func(ctx context.Context, msg *protocol.Message) (any, error) {
			tc := &TaskContext{ID: msg.ID, Task: msg.Task, Retries: msg.Retries, MaxRetries: def.MaxRetries}
			if req, ok := hctx.From(ctx); ok && req != nil {
				tc = newTaskContext(req)
			}
			return h(ctx, tc, Args(msg.Args), Kwargs(msg.Kwargs))
		},
	}, nil
}
