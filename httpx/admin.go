package httpx

import (
	"fmt"
	"sort"
	"strings"

	"dqx0.com/go/reactor/internal/obs"
)

const (
	AdminCacheClearPath = "/admin/cache/clear"
	AdminStatsPath      = "/admin/stats"
)

func isAdminPath(p string) bool {
	return p == AdminCacheClearPath || p == AdminStatsPath
}

type snapshotter interface {
	Snapshot() map[string]float64
}

func (s *Server) serveAdmin(req *Request) *Response {
	if req.Method != "GET" {
		r := textResponse(405, "Method Not Allowed")
		r.Header.Add("Allow", "GET")
		return r
	}
	if req.Path == AdminCacheClearPath {
		n := s.Cache.Len()
		s.Cache.Clear()
		s.metricCounter("httpx_cache_clear_total", 1)
		s.logf(obs.Info, "conn %s: cache cleared (%d entries)", req.ConnID, n)
		return textResponse(200, "Cache cleared")
	}
	return &Response{
		Status: 200,
		Header: Header{{Name: "Content-Type", Value: "text/plain; charset=utf-8"}},
		Body:   []byte(s.stats()),
	}
}

func (s *Server) stats() string {
	var b strings.Builder
	st := s.Cache.Stats()
	fmt.Fprintf(&b, "cache_size %d\n", st.Size)
	fmt.Fprintf(&b, "cache_capacity %d\n", st.Capacity)
	fmt.Fprintf(&b, "cache_hits %d\n", st.Hits)
	fmt.Fprintf(&b, "cache_misses %d\n", st.Misses)
	fmt.Fprintf(&b, "cache_stale %d\n", st.Stale)
	fmt.Fprintf(&b, "cache_evictions %d\n", st.Evictions)
	fmt.Fprintf(&b, "connections %d\n", len(s.conns))
	fmt.Fprintf(&b, "pending_jobs %d\n", s.pending)
	if sn, ok := s.Meter.(snapshotter); ok {
		series := sn.Snapshot()
		keys := make([]string, 0, len(series))
		for k := range series {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			fmt.Fprintf(&b, "%s %g\n", k, series[k])
		}
	}
	return b.String()
}
