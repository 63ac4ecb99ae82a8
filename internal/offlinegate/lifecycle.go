package offlinegate

import (
	"context"
	"fmt"
	"log"
	"net/http"
	"net/url"
)

// Install populates STATIC with the asset manifest and OFFLINE with the
// synthesized documents. Every asset must be fetched before anything is
// written; one failed fetch fails the whole phase.
func (s *Service) Install(ctx context.Context) error {
	type fetched struct {
		key string
		ent CacheEntry
	}
	assets := make([]fetched, 0, len(s.cfg.Cache.Manifest))
	for _, p := range s.cfg.Cache.Manifest {
		u, err := url.ParseRequestURI(p)
		if err != nil {
			return fmt.Errorf("install: manifest path %q: %w", p, err)
		}
		ent, err := s.net.Do(ctx, outbound{Method: http.MethodGet, URI: p, Header: http.Header{}})
		if err != nil {
			return fmt.Errorf("install: fetch %s: %w", p, err)
		}
		if !ent.OK() {
			return fmt.Errorf("install: fetch %s: status %d", p, ent.Status)
		}
		assets = append(assets, fetched{key: RequestKey(http.MethodGet, u), ent: ent})
	}

	for _, a := range assets {
		if err := s.static.Put(a.key, a.ent); err != nil {
			return fmt.Errorf("install: %w", err)
		}
	}
	if err := s.offline.Put(offlineRootKey, htmlEntry(http.StatusOK, offlineRootHTML)); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	if err := s.offline.Put(offlineRouteKey, htmlEntry(http.StatusOK, offlineRouteHTML(s.cfg.Cache.SafeRoute))); err != nil {
		return fmt.Errorf("install: %w", err)
	}
	log.Printf("install: cached %d assets in %s", len(assets), s.names.Static)
	return nil
}

// Activate deletes every namespace outside the current version's allow-list
// and then claims the connected windows.
func (s *Service) Activate(ctx context.Context) error {
	keep := map[string]struct{}{}
	for _, n := range s.names.AllowList() {
		keep[n] = struct{}{}
	}
	names, err := s.store.ListNamespaces()
	if err != nil {
		return fmt.Errorf("activate: %w", err)
	}
	for _, n := range names {
		if _, ok := keep[n]; ok {
			continue
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := s.store.DeleteNamespace(n); err != nil {
			return fmt.Errorf("activate: %w", err)
		}
		log.Printf("activate: deleted stale namespace %s", n)
	}
	s.hub.Claim(s.cfg.Cache.Version)
	return nil
}
