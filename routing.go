package taskwire

import (
	"fmt"
	"path"
)

// DefaultQueue receives every task no route matches.
const DefaultQueue = "celery"

// Route sends tasks whose name matches Pattern to Queue. Pattern uses
// path.Match syntax, so "email.*" matches "email.send".
type Route struct {
	Pattern string
	Queue   string
}

// Router picks the queue for a task name. The first matching route wins.
type Router struct {
	routes []Route
	def    string
}

// NewRouter validates routes and returns a router falling back to defaultQueue
// (DefaultQueue when empty).
func NewRouter(defaultQueue string, routes ...Route) (*Router, error) {
	if defaultQueue == "" {
		defaultQueue = DefaultQueue
	}
	for _, r := range routes {
		if r.Queue == "" {
			return nil, fmt.Errorf("taskwire: route %q has no queue", r.Pattern)
		}
		if _, err := path.Match(r.Pattern, ""); err != nil {
			return nil, fmt.Errorf("taskwire: route %q: %w", r.Pattern, err)
		}
	}
	return &Router{routes: append([]Route(nil), routes...), def: defaultQueue}, nil
}

// Route returns the queue for task.
func (r *Router) Route(task string) string {
	for _, rt := range r.routes {
		if ok, _ := path.Match(rt.Pattern, task); ok {
			return rt.Queue
		}
	}
	return r.def
}
