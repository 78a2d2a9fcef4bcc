package herald

import (
	"sync"

	"github.com/NumminorihSF/rabbitmq-herald-client/rail"
)

type Arity int

const (
	IdentityAgnostic Arity = iota
	IdentityAware
)

func (a Arity) String() string {
	if a == IdentityAware {
		return "IdentityAware"
	}
	return "IdentityAgnostic"
}

// Reply to the caller, only the first call takes effect.
//
// It may be called from any goroutine.
type Respond func(result any, err error)

// Handler of remote calls, either HandlerWithoutIdentity or HandlerWithIdentity.
type Handler interface {
	Arity() Arity
	serve(rl rail.Rail, caller Identity, args Payload, respond Respond)
}

type HandlerWithoutIdentity func(rl rail.Rail, args Payload, respond Respond)

func (h HandlerWithoutIdentity) Arity() Arity {
	return IdentityAgnostic
}

func (h HandlerWithoutIdentity) serve(rl rail.Rail, caller Identity, args Payload, respond Respond) {
	h(rl, args, respond)
}

type HandlerWithIdentity func(rl rail.Rail, caller Identity, args Payload, respond Respond)

func (h HandlerWithIdentity) Arity() Arity {
	return IdentityAware
}

func (h HandlerWithIdentity) serve(rl rail.Rail, caller Identity, args Payload, respond Respond) {
	h(rl, caller, args, respond)
}

// Create handler that binds the arguments to Req and responds with the returned value.
//
//	c.AddHandler("sum", herald.TypedHandler(func(rl rail.Rail, req SumReq) (int, error) {
//		return req.A + req.B, nil
//	}))
func TypedHandler[Req any, Res any](fn func(rl rail.Rail, req Req) (Res, error)) HandlerWithoutIdentity {
	return func(rl rail.Rail, args Payload, respond Respond) {
		var req Req
		if err := args.Bind(&req); err != nil {
			respond(nil, ErrWrongArgs.Wrapf(err, "failed to bind arguments"))
			return
		}
		res, err := fn(rl, req)
		if err != nil {
			respond(nil, err)
			return
		}
		respond(res, nil)
	}
}

type handlerEntry struct {
	name  string
	arity Arity
	fn    Handler
}

// Handlers keyed by action name.
type registry struct {
	mu      sync.RWMutex
	entries map[string]handlerEntry
}

func newRegistry() *registry {
	return &registry{entries: map[string]handlerEntry{}}
}

func (r *registry) add(name string, h Handler) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; ok {
		return false
	}
	r.entries[name] = handlerEntry{name: name, arity: h.Arity(), fn: h}
	return true
}

func (r *registry) remove(name string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[name]; !ok {
		return false
	}
	delete(r.entries, name)
	return true
}

// Entry is copied, it stays valid after the handler is removed.
func (r *registry) get(name string) (handlerEntry, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	return e, ok
}

func (r *registry) names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := make([]string, 0, len(r.entries))
	for k := range r.entries {
		n = append(n, k)
	}
	return n
}
