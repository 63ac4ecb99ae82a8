package offlinegate

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
)

// switchTransport fails every round trip while offline is set.
type switchTransport struct {
	offline atomic.Bool
	base    http.RoundTripper
}

func (t *switchTransport) RoundTrip(r *http.Request) (*http.Response, error) {
	if t.offline.Load() {
		return nil, errors.New("network unreachable")
	}
	return t.base.RoundTrip(r)
}

type fakeWindows struct {
	mu        sync.Mutex
	windows   []WindowInfo
	focused   []string
	navigated []string
	opened    []string
}

func (f *fakeWindows) List() []WindowInfo {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]WindowInfo(nil), f.windows...)
}

func (f *fakeWindows) Focus(id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.focused = append(f.focused, id)
	return nil
}

func (f *fakeWindows) Navigate(id, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.navigated = append(f.navigated, id+" "+url)
	return nil
}

func (f *fakeWindows) Open(ctx context.Context, url string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.opened = append(f.opened, url)
	return nil
}

type fakeNotifier struct {
	mu     sync.Mutex
	shown  []Notification
	closed []string
	err    error
}

func (f *fakeNotifier) Show(n Notification) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.shown = append(f.shown, n)
	return nil
}

func (f *fakeNotifier) Close(tag string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = append(f.closed, tag)
}

type testEnv struct {
	svc      *Service
	net      *switchTransport
	windows  *fakeWindows
	notifier *fakeNotifier
	handler  http.Handler
}

// newTestEnv starts an origin serving h and an in-memory service in front of
// it. mutate may adjust the config before the service is built.
func newTestEnv(t *testing.T, h http.Handler, mutate func(*Config)) *testEnv {
	t.Helper()
	origin := httptest.NewServer(h)
	t.Cleanup(origin.Close)

	cfg, err := DefaultConfig(origin.URL)
	if err != nil {
		t.Fatalf("config: %v", err)
	}
	cfg.Storage.Path = ""
	if mutate != nil {
		mutate(&cfg)
	}

	env := &testEnv{
		net:      &switchTransport{base: http.DefaultTransport},
		windows:  &fakeWindows{},
		notifier: &fakeNotifier{},
	}
	env.svc, err = NewService(cfg,
		WithHTTPClient(&http.Client{Transport: env.net}),
		WithWindows(env.windows),
		WithNotifier(env.notifier),
	)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	t.Cleanup(env.svc.Close)
	env.handler = env.svc.Handler()
	return env
}

func (e *testEnv) do(r *http.Request) *http.Response {
	w := httptest.NewRecorder()
	e.handler.ServeHTTP(w, r)
	return w.Result()
}

func (e *testEnv) navigate(path string) *http.Response {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "navigate")
	r.Header.Set("Accept", "text/html")
	return e.do(r)
}

func (e *testEnv) get(path string) *http.Response {
	r := httptest.NewRequest(http.MethodGet, path, nil)
	r.Header.Set("Sec-Fetch-Mode", "cors")
	return e.do(r)
}

func readBody(t *testing.T, resp *http.Response) string {
	t.Helper()
	b, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatalf("read body: %v", err)
	}
	return string(b)
}
