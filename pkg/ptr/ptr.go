package ptr

import (
	"net"
	"strings"
	"time"

	"github.com/jellydator/ttlcache/v3"
)

const (
	// positiveTTL is how long a resolved name is kept.
	positiveTTL = time.Hour
	// negativeTTL is how long a failed lookup suppresses new attempts.
	negativeTTL = time.Minute
)

// PtrManager handles PTR lookups with caching
type PtrManager struct {
	cache      *ttlcache.Cache[string, string]
	lookupFunc func(ip string) ([]string, error)
	retries    int
	retryDelay time.Duration
}

// NewPtrManager creates a new PtrManager
func NewPtrManager() *PtrManager {
	return &PtrManager{
		cache:      newCache(),
		lookupFunc: net.LookupAddr,
		retries:    3,
		retryDelay: 100 * time.Millisecond,
	}
}

func newCache() *ttlcache.Cache[string, string] {
	return ttlcache.New[string, string](
		ttlcache.WithTTL[string, string](positiveTTL),
		ttlcache.WithDisableTouchOnHit[string, string](),
	)
}

// RequestPTR looks up the PTR record for ip unless it is cached or another
// lookup is in progress
func (pm *PtrManager) RequestPTR(ip string) {
	// An empty value marks the lookup as in progress
	if _, found := pm.cache.GetOrSet(ip, "", ttlcache.WithTTL[string, string](negativeTTL)); found {
		return
	}
	for attempt := range pm.retries {
		if attempt > 0 {
			time.Sleep(pm.retryDelay)
		}
		names, err := pm.lookupFunc(ip)
		if err == nil && len(names) > 0 {
			if name := normalizePTR(names[0]); name != "" {
				pm.cache.Set(ip, name, ttlcache.DefaultTTL)
				return
			}
		}
	}
}

// GetPTR retrieves the cached PTR result for the given IP address
// Returns the PTR and a boolean indicating if it was found
func (pm *PtrManager) GetPTR(ip string) (string, bool) {
	item := pm.cache.Get(ip)
	if item == nil || item.Value() == "" {
		return "", false
	}
	return item.Value(), true
}

// Lookup resolves ip and returns its PTR name, or "" if there is none
func (pm *PtrManager) Lookup(ip string) string {
	pm.RequestPTR(ip)
	name, _ := pm.GetPTR(ip)
	return name
}

// normalizePTR strips the trailing dot of a fully qualified name
func normalizePTR(name string) string {
	return strings.TrimSuffix(name, ".")
}
