package offlinegate

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strings"
	"sync/atomic"
	"time"
)

var hopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Proxy-Connection",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
	"Content-Length",
}

// outbound is a request to re-issue against the origin. Body is buffered so
// the same request can be replayed or queued.
type outbound struct {
	Method string
	URI    string // origin-relative, with query
	Header http.Header
	Body   []byte

	// NoCache asks every intermediate cache to revalidate.
	NoCache bool
}

// outboundFrom buffers r. Bodies over maxBody fail with *http.MaxBytesError.
func outboundFrom(w http.ResponseWriter, r *http.Request, maxBody int64) (outbound, error) {
	var body []byte
	if r.Body != nil {
		b, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
		if err != nil {
			return outbound{}, err
		}
		body = b
	}
	return outbound{
		Method: r.Method,
		URI:    r.URL.RequestURI(),
		Header: cloneHeader(r.Header),
		Body:   body,
	}, nil
}

// fetcher talks to the origin. Every call carries its own deadline.
type fetcher struct {
	origin  string
	client  *http.Client
	timeout time.Duration
	conn    *connectivity
}

func (f *fetcher) Do(ctx context.Context, o outbound) (CacheEntry, error) {
	if f.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, f.timeout)
		defer cancel()
	}

	target := o.URI
	if !strings.HasPrefix(target, "http://") && !strings.HasPrefix(target, "https://") {
		target = f.origin + target
	}
	var body io.Reader
	if len(o.Body) > 0 {
		body = bytes.NewReader(o.Body)
	}
	req, err := http.NewRequestWithContext(ctx, o.Method, target, body)
	if err != nil {
		return CacheEntry{}, err
	}
	copyHeaders(req.Header, o.Header)
	req.Header.Set("Accept-Encoding", "identity")
	if o.NoCache {
		req.Header.Set("Cache-Control", "no-cache, no-store")
		req.Header.Set("Pragma", "no-cache")
		req.Header.Del("If-None-Match")
		req.Header.Del("If-Modified-Since")
	}

	resp, err := f.client.Do(req)
	if err != nil {
		f.conn.observe(false)
		return CacheEntry{}, err
	}
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		f.conn.observe(false)
		return CacheEntry{}, err
	}
	f.conn.observe(true)

	ent := CacheEntry{
		Status:   resp.StatusCode,
		Header:   cloneHeader(resp.Header),
		Body:     b,
		StoredAt: time.Now().Unix(),
	}
	for _, h := range hopHeaders {
		ent.Header.Del(h)
	}
	return ent, nil
}

func copyHeaders(dst, src http.Header) {
	for k, vs := range src {
		if strings.EqualFold(k, "Host") {
			continue
		}
		for _, v := range vs {
			dst.Add(k, v)
		}
	}
	for _, h := range hopHeaders {
		dst.Del(h)
	}
}

func cloneHeader(h http.Header) http.Header {
	out := make(http.Header, len(h))
	for k, vs := range h {
		vv := make([]string, len(vs))
		copy(vv, vs)
		out[k] = vv
	}
	return out
}

// connectivity tracks whether the origin was last seen reachable and fires
// onReconnect on every offline to online transition.
type connectivity struct {
	online      atomic.Bool
	onReconnect func()
}

func newConnectivity() *connectivity {
	c := &connectivity{}
	c.online.Store(true)
	return c
}

func (c *connectivity) observe(ok bool) {
	prev := c.online.Swap(ok)
	if ok && !prev && c.onReconnect != nil {
		c.onReconnect()
	}
}

func (c *connectivity) Online() bool { return c.online.Load() }
