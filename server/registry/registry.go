// handler factory registry: maps FastCGI roles to the constructors that
// build a per-request Handler.
package registry

import (
	"github.com/kfcemployee/gofcgi/server/ferrors"
	"github.com/kfcemployee/gofcgi/server/protocol"
	"github.com/kfcemployee/gofcgi/server/request"
)

// Factory builds a Handler for a newly-accepted request. Called once per
// BEGIN_REQUEST, on the I/O goroutine, before the request becomes ready.
type Factory func(r *request.Request) request.Handler

// Registry maps roles to their Factory. Built once at process startup and
// never mutated afterward — no dynamic loading.
type Registry struct {
	factories map[protocol.Role]Factory
}

// New builds an empty Registry. Use Register to populate it before
// starting the listener.
func New() *Registry {
	return &Registry{factories: make(map[protocol.Role]Factory)}
}

// Register associates role with factory, overwriting any previous
// registration for the same role.
func (reg *Registry) Register(role protocol.Role, factory Factory) {
	reg.factories[role] = factory
}

// AcceptsRole reports whether a factory is registered for role.
func (reg *Registry) AcceptsRole(role protocol.Role) bool {
	_, ok := reg.factories[role]
	return ok
}

// Create builds a Handler for r using the factory registered for r.Role.
// Returns UnknownRole if nothing is registered — callers are expected to
// have already checked AcceptsRole before creating the Request at all,
// so this is a defensive second check.
func (reg *Registry) Create(r *request.Request) (request.Handler, error) {
	factory, ok := reg.factories[r.Role]
	if !ok {
		return nil, ferrors.New(ferrors.UnknownRole, "no handler factory registered for role")
	}
	return factory(r), nil
}

// Validate fails with ConfigFailure if no role has a registered factory —
// a listener that can only ever answer UNKNOWN_ROLE has nothing useful to
// do.
func (reg *Registry) Validate() error {
	if len(reg.factories) == 0 {
		return ferrors.New(ferrors.ConfigFailure, "no handler factories registered for any role")
	}
	return nil
}
