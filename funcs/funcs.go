// Package funcs is the internal callable-function facility for FUNC jobs.
//
// Functions are registered under a schema-qualified name and invoked
// synchronously inside the claiming sweep, with the job payload's top-level
// keys projected into named arguments.
package funcs

import (
	"fmt"
	"sync"
)

// DefaultSchema is assumed when a FUNC target has no schema qualifier.
const DefaultSchema = "public"

// A Func runs with the payload's key/value pairs as named arguments and
// returns a textual result.
type Func func(args map[string]interface{}) (string, error)

// A Registry maps schema-qualified names to functions. The zero value is not
// usable; call NewRegistry.
type Registry struct {
	mu    sync.RWMutex
	funcs map[string]Func
}

func NewRegistry() *Registry {
	return &Registry{funcs: make(map[string]Func)}
}

// DefaultRegistry is used by jobs dispatched through the package-level
// Invoke.
var DefaultRegistry = NewRegistry()

// Register adds fn under schema.name, replacing any previous registration.
func (r *Registry) Register(schema, name string, fn Func) {
	if schema == "" {
		schema = DefaultSchema
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.funcs[schema+"."+name] = fn
}

// Invoke runs the function registered under schema.name. An unregistered
// name is an error; the scheduler turns it into a failed attempt with
// response status 0.
func (r *Registry) Invoke(schema, name string, args map[string]interface{}) (string, error) {
	if schema == "" {
		schema = DefaultSchema
	}
	r.mu.RLock()
	fn, ok := r.funcs[schema+"."+name]
	r.mu.RUnlock()
	if !ok {
		return "", fmt.Errorf("funcs: no function registered as %s.%s", schema, name)
	}
	return fn(args)
}

// Register adds fn to the DefaultRegistry.
func Register(schema, name string, fn Func) {
	DefaultRegistry.Register(schema, name, fn)
}

// SplitTarget splits a FUNC target into schema and function name. A target
// with no dot gets the default schema.
func SplitTarget(target string) (schema, name string) {
	for i := 0; i < len(target); i++ {
		if target[i] == '.' {
			return target[:i], target[i+1:]
		}
	}
	return DefaultSchema, target
}
