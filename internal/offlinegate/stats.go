package offlinegate

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// statsCollector counts answered requests and bytes per response source.
type statsCollector struct {
	mu      sync.Mutex
	sources map[string]*sourceStats
}

type sourceStats struct {
	responses atomic.Uint64
	bytes     atomic.Uint64
}

func newStatsCollector() *statsCollector {
	return &statsCollector{sources: map[string]*sourceStats{}}
}

func (s *statsCollector) Observe(source string, respBytes int) {
	if respBytes < 0 {
		respBytes = 0
	}
	s.mu.Lock()
	st, ok := s.sources[source]
	if !ok {
		st = &sourceStats{}
		s.sources[source] = st
	}
	s.mu.Unlock()
	st.responses.Add(1)
	st.bytes.Add(uint64(respBytes))
}

type statsSnapshot map[string][2]uint64

func (s *statsCollector) Snapshot() statsSnapshot {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(statsSnapshot, len(s.sources))
	for k, st := range s.sources {
		out[k] = [2]uint64{st.responses.Load(), st.bytes.Load()}
	}
	return out
}

// String renders "cache=3/1.2kb network=1/512b".
func (ss statsSnapshot) String() string {
	keys := make([]string, 0, len(ss))
	for k := range ss {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v := ss[k]
		parts = append(parts, fmt.Sprintf("%s=%d/%s", k, v[0], formatBytes(v[1])))
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, " ")
}

func formatBytes(b uint64) string {
	const (
		kb = 1024
		mb = 1024 * kb
		gb = 1024 * mb
	)
	switch {
	case b < kb:
		return fmt.Sprintf("%db", b)
	case b < mb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/kb)) + "kb"
	case b < gb:
		return trimFloat(fmt.Sprintf("%.1f", float64(b)/mb)) + "mb"
	}
	return trimFloat(fmt.Sprintf("%.1f", float64(b)/gb)) + "gb"
}

func trimFloat(s string) string {
	return strings.TrimSuffix(strings.TrimSpace(s), ".0")
}
