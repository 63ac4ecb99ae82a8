package offlinegate

import (
	"context"
	"log"
	"net/http"
	"net/url"
	"time"
)

// RefreshCritical fetches every critical endpoint and overwrites its DYNAMIC
// entry on success. One failing endpoint does not stop the others.
func (s *Service) RefreshCritical(ctx context.Context) (refreshed, failed int) {
	for _, p := range s.cfg.Refresh.Endpoints {
		select {
		case <-s.stopCh:
			return refreshed, failed
		default:
		}
		u, err := url.ParseRequestURI(p)
		if err != nil {
			log.Printf("refresh: bad endpoint %q: %v", p, err)
			failed++
			continue
		}
		ent, err := s.net.Do(ctx, outbound{Method: http.MethodGet, URI: p, Header: http.Header{}})
		if err != nil {
			log.Printf("refresh: %s: %v", p, err)
			failed++
			continue
		}
		if !ent.OK() {
			log.Printf("refresh: %s: status %d", p, ent.Status)
			failed++
			continue
		}
		s.exec.put(s.dynamic, RequestKey(http.MethodGet, u), ent)
		refreshed++
	}
	return refreshed, failed
}

func (s *Service) periodicRefresh() {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	ok, failed := s.RefreshCritical(ctx)
	log.Printf("refresh: refreshed=%d failed=%d", ok, failed)
}

// probe checks whether the origin answers at all. A reachable origin after a
// failure fires the reconnect replay.
func (s *Service) probe() {
	_, _ = s.net.Do(context.Background(), outbound{Method: http.MethodHead, URI: s.cfg.Sync.ProbePath, Header: http.Header{}})
}
