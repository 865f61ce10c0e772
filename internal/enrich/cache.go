package enrich

import (
	lru "github.com/hashicorp/golang-lru/v2"

	"cdn-log-anonymizer/pkg/types"
)

// CachedGeoLookup memoizes GeoLookup.Lookup behind a bounded LRU. It is
// built fresh per worker goroutine rather than shared, so there's no
// cross-worker lock contention on the hot enrichment path.
type CachedGeoLookup struct {
	inner types.GeoLookup
	cache *lru.Cache[string, *string]
}

// NewCachedGeoLookup wraps inner with an LRU of the given size. A size of
// zero or less is raised to 1, so only the most recent lookup is cached.
func NewCachedGeoLookup(inner types.GeoLookup, size int) (*CachedGeoLookup, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[string, *string](size)
	if err != nil {
		return nil, err
	}
	return &CachedGeoLookup{inner: inner, cache: c}, nil
}

// Lookup returns the cached coordinate for ip, computing and storing it on
// a miss.
func (c *CachedGeoLookup) Lookup(ip string) (*string, error) {
	if v, ok := c.cache.Get(ip); ok {
		return v, nil
	}
	v, err := c.inner.Lookup(ip)
	if err != nil {
		return nil, err
	}
	c.cache.Add(ip, v)
	return v, nil
}

// CachedUserAgentLookup memoizes UserAgentLookup.Parse behind a bounded LRU,
// one instance per worker goroutine.
type CachedUserAgentLookup struct {
	inner types.UserAgentLookup
	cache *lru.Cache[string, types.UserAgentInfo]
}

// NewCachedUserAgentLookup wraps inner with an LRU of the given size.
func NewCachedUserAgentLookup(inner types.UserAgentLookup, size int) (*CachedUserAgentLookup, error) {
	if size <= 0 {
		size = 1
	}
	c, err := lru.New[string, types.UserAgentInfo](size)
	if err != nil {
		return nil, err
	}
	return &CachedUserAgentLookup{inner: inner, cache: c}, nil
}

// Parse returns the cached classification for ua, computing and storing it
// on a miss.
func (c *CachedUserAgentLookup) Parse(ua string) (types.UserAgentInfo, error) {
	if v, ok := c.cache.Get(ua); ok {
		return v, nil
	}
	v, err := c.inner.Parse(ua)
	if err != nil {
		return types.UserAgentInfo{}, err
	}
	c.cache.Add(ua, v)
	return v, nil
}
