package platform

// ActionCache memoizes conversion-action name to platform resource id
// lookups for one run. It is created by the orchestrator and passed into
// each adapter call; it is never shared across runs, so stale resource
// references cannot survive an account reconfiguration. Runs are
// single-threaded, so no locking is needed.
type ActionCache struct {
	resources map[string]string
}

// NewActionCache returns an empty run-scoped cache.
func NewActionCache() *ActionCache {
	return &ActionCache{resources: make(map[string]string)}
}

// Get returns the cached resource id for an action name.
func (c *ActionCache) Get(name string) (string, bool) {
	resource, ok := c.resources[name]
	return resource, ok
}

// Put records a resolved resource id.
func (c *ActionCache) Put(name, resource string) {
	c.resources[name] = resource
}
