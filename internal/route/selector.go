package route

import (
	"log/slog"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/mitchellh/hashstructure/v2"
)

const DefaultCacheSize = 1024

// Selector memoizes Select on the route-relevant fields of a ride, so equal
// snapshots resolve to the same *ActiveRoute.
type Selector struct {
	cache *lru.Cache[uint64, *ActiveRoute]
}

func NewSelector(size int) (*Selector, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	c, err := lru.New[uint64, *ActiveRoute](size)
	if err != nil {
		return nil, err
	}
	return &Selector{cache: c}, nil
}

type routeKey struct {
	RideID    string
	Candidate candidate
}

// Select returns nil without touching the cache when no rule matches. Status
// changes that keep the same selected geometry keep the same route pointer.
func (s *Selector) Select(ride *Ride) *ActiveRoute {
	c, ok := pick(ride)
	if !ok {
		return nil
	}
	key, err := hashstructure.Hash(routeKey{RideID: ride.ID, Candidate: c}, hashstructure.FormatV2, nil)
	if err != nil {
		slog.Warn("route key hash failed", "ride_id", ride.ID, "error", err)
		return c.build()
	}
	if r, ok := s.cache.Get(key); ok {
		return r
	}
	r := c.build()
	s.cache.Add(key, r)
	return r
}

func (s *Selector) Len() int {
	return s.cache.Len()
}
