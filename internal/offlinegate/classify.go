package offlinegate

import (
	"net/http"
	"strings"
)

// Classifier maps an outgoing request to its route category. It holds only
// immutable lists taken from the config.
type Classifier struct {
	offlineRoutes  map[string]struct{}
	cacheFirstAPIs []string
}

func NewClassifier(cfg *Config) *Classifier {
	c := &Classifier{
		offlineRoutes:  make(map[string]struct{}, len(cfg.Cache.OfflineRoutes)),
		cacheFirstAPIs: append([]string(nil), cfg.Cache.CacheFirstAPIs...),
	}
	for _, p := range cfg.Cache.OfflineRoutes {
		c.offlineRoutes[p] = struct{}{}
	}
	return c
}

// Classify evaluates the rules in precedence order.
func (c *Classifier) Classify(r *http.Request) Category {
	path := r.URL.Path
	if path == "" {
		path = "/"
	}
	if isNavigation(r) {
		if path == "/" {
			return CategoryRoot
		}
		if _, ok := c.offlineRoutes[path]; ok {
			return CategoryOfflineRoute
		}
		return CategoryOtherNavigation
	}
	if strings.HasPrefix(path, "/api/") {
		if r.Method == http.MethodGet && c.cacheFirst(path) {
			return CategoryCacheFirstAPI
		}
		return CategoryMutableAPI
	}
	return CategoryStaticAsset
}

func (c *Classifier) cacheFirst(path string) bool {
	for _, p := range c.cacheFirstAPIs {
		if strings.HasPrefix(path, p) {
			return true
		}
	}
	return false
}

// isNavigation detects a full page load. Browsers send Sec-Fetch-Mode; older
// clients are recognized by a GET that accepts HTML.
func isNavigation(r *http.Request) bool {
	if mode := r.Header.Get("Sec-Fetch-Mode"); mode != "" {
		return strings.EqualFold(mode, "navigate")
	}
	return r.Method == http.MethodGet && strings.Contains(r.Header.Get("Accept"), "text/html")
}
