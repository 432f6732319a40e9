// Package topology stores the routes a node knows toward other nodes,
// typically learned from discovery floods.
package topology

import (
	"errors"
	"sync"

	"github.com/google/uuid"

	"github.com/meshnode/meshnode/pkg/packet"
)

// ErrMalformedRoute is returned for routes that cannot reach a destination.
var ErrMalformedRoute = errors.New("route must contain at least one hop")

// Route is one stored path. Hops starts at the local node and ends at
// Destination.
type Route struct {
	ID          uuid.UUID       `json:"id"`
	Destination packet.NodeID   `json:"destination"`
	Hops        []packet.NodeID `json:"hops"`
}

// RangeFunc is used by RangeRoutes to iterate over routes.
type RangeFunc func(route Route) (next bool)

// Table is a route store. Adding a route whose hop sequence is already
// stored returns the existing entry's ID instead of duplicating it.
type Table interface {
	// AddRoute stores a route and returns its assigned ID.
	AddRoute(hops []packet.NodeID) (uuid.UUID, error)

	// Routes returns all stored routes to the given destination.
	Routes(destination packet.NodeID) ([]Route, error)

	// AllRoutes returns every stored route.
	AllRoutes() ([]Route, error)

	// DeleteRoutes removes routes by ID. Unknown IDs are ignored.
	DeleteRoutes(ids ...uuid.UUID) error

	// RangeRoutes iterates over all routes until rangeFunc returns false.
	RangeRoutes(rangeFunc RangeFunc) error

	// Count returns the number of stored routes.
	Count() int

	// Close safely closes the table.
	Close() error
}

type inMemoryTable struct {
	sync.RWMutex

	routes map[uuid.UUID]Route
}

// InMemoryTable returns an in-memory Table implementation.
func InMemoryTable() Table {
	return &inMemoryTable{routes: map[uuid.UUID]Route{}}
}

func (t *inMemoryTable) AddRoute(hops []packet.NodeID) (uuid.UUID, error) {
	if len(hops) == 0 {
		return uuid.UUID{}, ErrMalformedRoute
	}

	t.Lock()
	defer t.Unlock()

	for _, r := range t.routes {
		if equalHops(r.Hops, hops) {
			return r.ID, nil
		}
	}

	route := Route{
		ID:          uuid.New(),
		Destination: hops[len(hops)-1],
		Hops:        append([]packet.NodeID(nil), hops...),
	}
	t.routes[route.ID] = route
	return route.ID, nil
}

func (t *inMemoryTable) Routes(destination packet.NodeID) ([]Route, error) {
	t.RLock()
	defer t.RUnlock()

	var routes []Route
	for _, r := range t.routes {
		if r.Destination == destination {
			routes = append(routes, r)
		}
	}
	return routes, nil
}

func (t *inMemoryTable) AllRoutes() ([]Route, error) {
	t.RLock()
	defer t.RUnlock()

	routes := make([]Route, 0, len(t.routes))
	for _, r := range t.routes {
		routes = append(routes, r)
	}
	return routes, nil
}

func (t *inMemoryTable) DeleteRoutes(ids ...uuid.UUID) error {
	t.Lock()
	for _, id := range ids {
		delete(t.routes, id)
	}
	t.Unlock()
	return nil
}

func (t *inMemoryTable) RangeRoutes(rangeFunc RangeFunc) error {
	t.RLock()
	defer t.RUnlock()

	for _, r := range t.routes {
		if !rangeFunc(r) {
			break
		}
	}
	return nil
}

func (t *inMemoryTable) Count() int {
	t.RLock()
	defer t.RUnlock()
	return len(t.routes)
}

func (t *inMemoryTable) Close() error {
	return nil
}

func equalHops(a, b []packet.NodeID) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
