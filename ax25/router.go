package ax25

import (
	"strings"
	"sync"
)

// FrameHandler receives a single routed frame. Peer implements this to
// receive frames the router matched to it.
type FrameHandler func(f *Frame)

type routeKey struct {
	remote Address
	local  Address
	path   string
}

func pathKey(repeaters []Address) string {
	if len(repeaters) == 0 {
		return ""
	}
	parts := make([]string, len(repeaters))
	for i, a := range repeaters {
		parts[i] = a.String()
	}
	return strings.Join(parts, ",")
}

// Router maps an inbound frame to the peer that owns the conversation
// it belongs to, by (remote, local, digipeater path). A frame that
// matches no bound peer falls through to an optional wildcard handler,
// then to an optional default handler; matching only that far is the
// extent of the routing policy this core implements (see Design Notes
// on the wildcard/default policy being underspecified upstream).
type Router struct {
	mu       sync.Mutex
	exact    map[routeKey]FrameHandler
	wildcard FrameHandler
	fallback FrameHandler
}

// NewRouter returns an empty Router.
func NewRouter() *Router {
	return &Router{exact: make(map[routeKey]FrameHandler)}
}

// Bind registers h to receive frames whose source/destination/repeater
// path match (remote, local, path) exactly. Exact matches always win
// over the wildcard handler.
func (r *Router) Bind(remote, local Address, path []Address, h FrameHandler) {
	key := routeKey{remote: remote, local: local, path: pathKey(path)}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.exact[key] = h
}

// Unbind removes a previously Bind-ed route.
func (r *Router) Unbind(remote, local Address, path []Address) {
	key := routeKey{remote: remote, local: local, path: pathKey(path)}
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.exact, key)
}

// SetWildcard installs the handler consulted when no exact route
// matches. Passing nil removes it.
func (r *Router) SetWildcard(h FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.wildcard = h
}

// SetDefault installs the handler consulted when neither an exact route
// nor the wildcard handler matches — typically where a station layer
// creates a new Peer in response to an unsolicited SABM/SABME.
func (r *Router) SetDefault(h FrameHandler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = h
}

// Route dispatches f to the first handler that matches, in order: exact
// peer, wildcard, default. If none is set, f is dropped silently.
func (r *Router) Route(f *Frame) {
	key := routeKey{remote: f.Source, local: f.Destination, path: pathKey(f.Repeaters)}
	r.mu.Lock()
	h, ok := r.exact[key]
	if !ok {
		h = r.wildcard
	}
	if h == nil {
		h = r.fallback
	}
	r.mu.Unlock()
	if h != nil {
		h(f)
	}
}
