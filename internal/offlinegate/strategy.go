package offlinegate

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"
)

// Response sources, reported in the X-Offlinegate header.
const (
	sourceNetwork  = "network"
	sourceCache    = "cache"
	sourceFallback = "fallback"
	sourceOffline  = "offline"
	sourceQueued   = "queued"
)

// Result is a strategy's answer to one request.
type Result struct {
	Entry  CacheEntry
	Source string
}

// Executor runs the per-category strategy for a request.
type Executor struct {
	cfg     *Config
	net     *fetcher
	static  *Namespace
	dynamic *Namespace
	offline *Namespace
	queue   *SyncQueue
	bg      *tasks

	writeLog *rateLimitedLogger
}

var rootURL = &url.URL{Path: "/"}

// Execute dispatches to the strategy for cat. Only the CacheFirstAPI cold
// miss and the StaticAsset miss return an error.
func (x *Executor) Execute(ctx context.Context, cat Category, o outbound) (Result, error) {
	switch cat {
	case CategoryRoot:
		return x.root(ctx, o), nil
	case CategoryOfflineRoute:
		return x.offlineRoute(ctx, o), nil
	case CategoryOtherNavigation:
		return x.otherNavigation(ctx, o), nil
	case CategoryCacheFirstAPI:
		return x.cacheFirstAPI(ctx, o)
	case CategoryMutableAPI:
		return x.mutableAPI(ctx, o), nil
	default:
		return x.staticAsset(ctx, o)
	}
}

// root never reads the cache while the network answers. A successful copy is
// kept only as the offline fallback for navigations.
func (x *Executor) root(ctx context.Context, o outbound) Result {
	o.NoCache = true
	ent, err := x.net.Do(ctx, o)
	if err == nil {
		if ent.OK() && o.Method == http.MethodGet {
			x.put(x.dynamic, RequestKey(http.MethodGet, rootURL), ent)
		}
		return Result{Entry: ent, Source: sourceNetwork}
	}
	if cached, ok := x.dynamic.Get(RequestKey(http.MethodGet, rootURL)); ok {
		return Result{Entry: cached, Source: sourceCache}
	}
	return Result{Entry: x.offlineDoc(offlineRootKey, offlineRootHTML), Source: sourceOffline}
}

func (x *Executor) offlineRoute(ctx context.Context, o outbound) Result {
	key := o.key()
	ent, err := x.net.Do(ctx, o)
	if err == nil && ent.OK() {
		x.put(x.dynamic, key, ent)
		return Result{Entry: ent, Source: sourceNetwork}
	}
	if cached, ok := x.dynamic.Get(key); ok {
		return Result{Entry: cached, Source: sourceCache}
	}
	if cached, ok := x.dynamic.Get(RequestKey(http.MethodGet, rootURL)); ok {
		return Result{Entry: cached, Source: sourceFallback}
	}
	return Result{
		Entry:  x.offlineDoc(offlineRouteKey, offlineRouteHTML(x.cfg.Cache.SafeRoute)),
		Source: sourceOffline,
	}
}

func (x *Executor) otherNavigation(ctx context.Context, o outbound) Result {
	ent, err := x.net.Do(ctx, o)
	if err == nil && ent.OK() {
		return Result{Entry: ent, Source: sourceNetwork}
	}
	if cached, ok := x.dynamic.Get(RequestKey(http.MethodGet, rootURL)); ok {
		return Result{Entry: cached, Source: sourceFallback}
	}
	if err == nil {
		return Result{Entry: ent, Source: sourceNetwork}
	}
	return Result{Entry: x.offlineDoc(offlineRootKey, offlineRootHTML), Source: sourceOffline}
}

func (x *Executor) cacheFirstAPI(ctx context.Context, o outbound) (Result, error) {
	key := o.key()
	if cached, ok := x.dynamic.Get(key); ok {
		x.refreshAsync(key, o)
		return Result{Entry: cached, Source: sourceCache}, nil
	}
	ent, err := x.net.Do(ctx, o)
	if err != nil {
		return Result{}, err
	}
	if ent.OK() {
		x.put(x.dynamic, key, ent)
	}
	return Result{Entry: ent, Source: sourceNetwork}, nil
}

// refreshAsync revalidates key off the request path. It is skipped when the
// background pool is saturated and its failures are dropped.
func (x *Executor) refreshAsync(key string, o outbound) {
	x.bg.tryGo(func() {
		ent, err := x.net.Do(context.Background(), o)
		if err != nil || !ent.OK() {
			return
		}
		x.put(x.dynamic, key, ent)
	})
}

func (x *Executor) mutableAPI(ctx context.Context, o outbound) Result {
	key := o.key()
	ent, err := x.net.Do(ctx, o)
	if err == nil {
		if isRead(o.Method) && ent.OK() {
			x.put(x.dynamic, key, ent)
		}
		return Result{Entry: ent, Source: sourceNetwork}
	}

	source := sourceOffline
	if !isRead(o.Method) && x.queue != nil {
		item, qerr := x.queue.Enqueue(newPendingItem(o))
		if qerr != nil {
			log.Printf("sync: enqueue %s %s: %v", o.Method, o.URI, qerr)
		} else {
			log.Printf("sync: queued %s %s as %s", o.Method, o.URI, item.ID)
			source = sourceQueued
		}
	}
	if cached, ok := x.dynamic.Get(key); ok {
		return Result{Entry: cached, Source: sourceCache}
	}
	return Result{Entry: offlineAPIEntry(), Source: source}
}

func (x *Executor) staticAsset(ctx context.Context, o outbound) (Result, error) {
	if o.Method != http.MethodGet {
		ent, err := x.net.Do(ctx, o)
		if err != nil {
			return Result{}, err
		}
		return Result{Entry: ent, Source: sourceNetwork}, nil
	}
	key := o.key()
	if cached, ok := x.static.Get(key); ok {
		return Result{Entry: cached, Source: sourceCache}, nil
	}
	if cached, ok := x.dynamic.Get(key); ok {
		return Result{Entry: cached, Source: sourceCache}, nil
	}
	ent, err := x.net.Do(ctx, o)
	if err != nil {
		return Result{}, err
	}
	if ent.OK() {
		x.put(x.dynamic, key, ent)
	}
	return Result{Entry: ent, Source: sourceNetwork}, nil
}

// put writes through to the cache. Failures are logged and never reach the
// caller.
func (x *Executor) put(ns *Namespace, key string, ent CacheEntry) {
	if err := ns.Put(key, ent); err != nil {
		x.writeLog.Printf(ns.Name(), "cache: write %s: %v", key, err)
	}
}

func (x *Executor) offlineDoc(key, inline string) CacheEntry {
	if ent, ok := x.offline.Get(key); ok {
		return ent
	}
	return htmlEntry(http.StatusOK, inline)
}

func (o outbound) key() string {
	u, err := url.ParseRequestURI(o.URI)
	if err != nil {
		return o.Method + " " + o.URI
	}
	return RequestKey(o.Method, u)
}

func isRead(method string) bool {
	return method == http.MethodGet || method == http.MethodHead
}

func newPendingItem(o outbound) PendingSyncItem {
	headers := make(map[string]string, len(o.Header))
	for k := range o.Header {
		headers[k] = o.Header.Get(k)
	}
	item := PendingSyncItem{
		URL:       o.URI,
		Method:    o.Method,
		Headers:   headers,
		Timestamp: time.Now().UnixMilli(),
	}
	item.setBody(o.Body)
	return item
}
