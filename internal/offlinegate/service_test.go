package offlinegate

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func TestInstallPopulatesStaticAndOffline(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, "asset "+r.URL.Path)
	}), nil)

	if err := env.svc.Install(context.Background()); err != nil {
		t.Fatalf("Install: %v", err)
	}
	keys, _ := env.svc.static.Keys()
	if len(keys) != len(env.svc.cfg.Cache.Manifest) {
		t.Errorf("static keys = %v", keys)
	}
	ent, ok := env.svc.static.Get("GET /manifest.json")
	if !ok || string(ent.Body) != "asset /manifest.json" {
		t.Errorf("manifest entry = %q, %v", ent.Body, ok)
	}
	if _, ok := env.svc.offline.Get(offlineRootKey); !ok {
		t.Error("offline page not stored")
	}

	env.net.offline.Store(true)
	if body := readBody(t, env.get("/favicon.ico")); body != "asset /favicon.ico" {
		t.Errorf("installed asset offline = %q", body)
	}
}

func TestInstallIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/icons/icon-512x512.png" {
			http.NotFound(w, r)
			return
		}
		fmt.Fprint(w, "ok")
	}), nil)

	err := env.svc.Install(context.Background())
	if err == nil || !strings.Contains(err.Error(), "icon-512x512") {
		t.Fatalf("Install err = %v", err)
	}
	if keys, _ := env.svc.static.Keys(); len(keys) != 0 {
		t.Errorf("partial install left %v", keys)
	}
}

func TestActivateDeletesStaleNamespaces(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler(), nil)
	for _, n := range []string{"am-static-v13", "am-dynamic-v12", "unrelated"} {
		if _, err := env.svc.store.Open(n); err != nil {
			t.Fatal(err)
		}
	}

	if err := env.svc.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	names, err := env.svc.store.ListNamespaces()
	if err != nil {
		t.Fatal(err)
	}
	want := []string{"am-dynamic-v14", "am-offline-v14", "am-static-v14"}
	if !reflect.DeepEqual(names, want) {
		t.Errorf("namespaces = %v, want %v", names, want)
	}
}

func TestRefreshCriticalIsolatesFailures(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/journal/entries" {
			http.Error(w, "down", http.StatusBadGateway)
			return
		}
		fmt.Fprint(w, "fresh "+r.URL.Path)
	}), nil)

	key := RequestKey(http.MethodGet, &url.URL{Path: "/api/quests"})
	_ = env.svc.dynamic.Put(key, CacheEntry{Status: 200, Body: []byte("old")})

	ok, failed := env.svc.RefreshCritical(context.Background())
	if ok != 2 || failed != 1 {
		t.Errorf("refreshed=%d failed=%d", ok, failed)
	}
	if ent, _ := env.svc.dynamic.Get(key); string(ent.Body) != "fresh /api/quests" {
		t.Errorf("quests = %q", ent.Body)
	}
}

// Push with a url, click with no window open: a new window opens there.
func TestPushThenClickOpensWindow(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler(), nil)

	r := httptest.NewRequest(http.MethodPost, "/__offlinegate/push",
		strings.NewReader(`{"title":"T","body":"B","data":{"url":"/journal"}}`))
	resp := env.do(r)
	if resp.StatusCode != http.StatusAccepted {
		t.Fatalf("push status = %d", resp.StatusCode)
	}
	if len(env.notifier.shown) != 1 || env.notifier.shown[0].Title != "T" {
		t.Fatalf("shown = %+v", env.notifier.shown)
	}

	click, _ := json.Marshal(NotificationClickEvent{Tag: env.notifier.shown[0].Tag, Data: env.notifier.shown[0].Data})
	resp = env.do(httptest.NewRequest(http.MethodPost, "/__offlinegate/notification-click", strings.NewReader(string(click))))
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("click status = %d: %s", resp.StatusCode, readBody(t, resp))
	}
	if !reflect.DeepEqual(env.windows.opened, []string{"/journal"}) {
		t.Errorf("opened = %v", env.windows.opened)
	}
}

func TestPushWithoutPayloadShowsNothing(t *testing.T) {
	env := newTestEnv(t, http.NotFoundHandler(), nil)
	resp := env.do(httptest.NewRequest(http.MethodPost, "/__offlinegate/push", nil))
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	if out["shown"] != false || len(env.notifier.shown) != 0 {
		t.Errorf("response = %v, shown = %d", out, len(env.notifier.shown))
	}
}

// A write fails offline, is queued, and is replayed once when the origin is
// reachable again.
func TestOfflineWriteReplaysOnReconnect(t *testing.T) {
	var writes atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodPost {
			writes.Add(1)
			w.WriteHeader(http.StatusCreated)
			return
		}
		fmt.Fprint(w, "ok")
	}), nil)

	env.net.offline.Store(true)
	r := httptest.NewRequest(http.MethodPost, "/api/journal", strings.NewReader(`{"text":"offline entry"}`))
	if resp := env.do(r); resp.StatusCode != http.StatusServiceUnavailable {
		t.Fatalf("offline write status = %d", resp.StatusCode)
	}
	if items, _ := env.svc.queue.ListPending(); len(items) != 1 {
		t.Fatalf("pending = %d", len(items))
	}

	env.net.offline.Store(false)
	env.svc.probe()

	deadline := time.Now().Add(5 * time.Second)
	for {
		items, _ := env.svc.queue.ListPending()
		if len(items) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("item still pending after reconnect")
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.svc.bg.Wait()
	if writes.Load() != 1 {
		t.Errorf("origin saw %d writes, want 1", writes.Load())
	}
}

func TestExplicitSyncEndpoint(t *testing.T) {
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}), nil)
	_, _ = env.svc.queue.Enqueue(PendingSyncItem{URL: "/api/journal", Method: http.MethodPost})

	resp := env.do(httptest.NewRequest(http.MethodPost, "/__offlinegate/sync", nil))
	var out struct {
		Success   bool `json:"success"`
		Succeeded int  `json:"succeeded"`
		Remaining int  `json:"remaining"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		t.Fatal(err)
	}
	if !out.Success || out.Succeeded != 1 || out.Remaining != 0 {
		t.Errorf("sync response = %+v", out)
	}

	resp = env.do(httptest.NewRequest(http.MethodGet, "/__offlinegate/queue", nil))
	if body := strings.TrimSpace(readBody(t, resp)); body != "[]" {
		t.Errorf("queue = %s", body)
	}
}

// newHubService builds a service that displays through its own window hub
// and serves its handler over a real listener.
func newHubService(t *testing.T, mutate func(*Config)) (*Service, *httptest.Server) {
	t.Helper()
	origin := httptest.NewServer(http.NotFoundHandler())
	t.Cleanup(origin.Close)
	cfg, err := DefaultConfig(origin.URL)
	if err != nil {
		t.Fatal(err)
	}
	cfg.Storage.Path = ""
	cfg.Notifications.ShowCommand = []string{}
	if mutate != nil {
		mutate(&cfg)
	}
	svc, err := NewService(cfg)
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(svc.Close)
	srv := httptest.NewServer(svc.Handler())
	t.Cleanup(srv.Close)
	return svc, srv
}

// dialWindow connects a window reporting pageURL and waits until the hub
// lists it.
func dialWindow(t *testing.T, svc *Service, srv *httptest.Server, pageURL string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/__offlinegate/ws?url=" + url.QueryEscape(pageURL)
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })

	deadline := time.Now().Add(5 * time.Second)
	for len(svc.hub.List()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("window never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	return conn
}

func readWindowMessage(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var msg map[string]any
	if err := conn.ReadJSON(&msg); err != nil {
		t.Fatalf("read: %v", err)
	}
	return msg
}

func TestPermissionCheckOverWebSocket(t *testing.T) {
	svc, srv := newHubService(t, nil)
	conn := dialWindow(t, svc, srv, srv.URL+"/dashboard")

	if err := conn.WriteJSON(map[string]string{"type": msgRequestPermission}); err != nil {
		t.Fatal(err)
	}

	var sawNotification bool
	for {
		msg := readWindowMessage(t, conn)
		if msg["type"] == msgShowNotification {
			sawNotification = true
			continue
		}
		if msg["success"] != true {
			t.Errorf("reply = %v", msg)
		}
		break
	}
	if !sawNotification {
		t.Error("test notification was not delivered to the window")
	}

	windows := svc.hub.List()
	if len(windows) != 1 || windows[0].URL != srv.URL+"/dashboard" {
		t.Errorf("windows = %+v", windows)
	}
}

// Activation announces the version to a connected window, and a click on a
// notification focuses that window and sends it to the target route.
func TestActivateAndClickReachConnectedWindow(t *testing.T) {
	svc, srv := newHubService(t, nil)
	conn := dialWindow(t, svc, srv, srv.URL+"/dashboard")

	if err := svc.Activate(context.Background()); err != nil {
		t.Fatalf("Activate: %v", err)
	}
	msg := readWindowMessage(t, conn)
	if msg["type"] != msgControllerChanged || msg["version"] != "v14" {
		t.Fatalf("after activate got %v", msg)
	}

	resp, err := http.Post(srv.URL+"/__offlinegate/notification-click", "application/json",
		strings.NewReader(`{"tag":"default","data":{"url":"/journal"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("click status = %d", resp.StatusCode)
	}

	if msg := readWindowMessage(t, conn); msg["type"] != msgFocus {
		t.Errorf("first message = %v, want focus", msg)
	}
	if msg := readWindowMessage(t, conn); msg["type"] != msgNavigate || msg["url"] != "/journal" {
		t.Errorf("second message = %v, want navigate to /journal", msg)
	}
	if windows := svc.hub.List(); len(windows) != 1 || windows[0].URL != "/journal" || !windows[0].Focused {
		t.Errorf("windows = %+v", windows)
	}
}

// With no window connected the push reaches the desktop, and clicking it
// opens a window at the payload url.
func TestPushAndClickWithoutWindows(t *testing.T) {
	showCmd, shown := recordingCommand(t)
	openCmd, opened := recordingCommand(t)
	_, srv := newHubService(t, func(cfg *Config) {
		cfg.Notifications.ShowCommand = showCmd
		cfg.Notifications.OpenCommand = openCmd
		cfg.Notifications.AppOrigin = "http://app.test"
	})

	resp, err := http.Post(srv.URL+"/__offlinegate/push", "application/json",
		strings.NewReader(`{"title":"T","body":"B","data":{"url":"/journal"}}`))
	if err != nil {
		t.Fatal(err)
	}
	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	resp.Body.Close()
	if out["shown"] != true || out["tag"] != "default" {
		t.Fatalf("push response = %v", out)
	}
	waitForFile(t, shown, "T\nB\n")

	resp, err = http.Post(srv.URL+"/__offlinegate/notification-click", "application/json",
		strings.NewReader(`{"tag":"default","data":{"url":"/journal"}}`))
	if err != nil {
		t.Fatal(err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("click status = %d", resp.StatusCode)
	}
	waitForFile(t, opened, "http://app.test/journal\n")
}

// A trigger that lands while a pass is running gets its own pass, so an item
// queued mid-pass does not wait for the periodic tick.
func TestReplayRerunsForTriggerDuringPass(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	var posts atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if posts.Add(1) == 1 {
			close(entered)
			<-release
		}
		w.WriteHeader(http.StatusCreated)
	}), nil)
	q := env.svc.queue

	if _, err := q.Enqueue(PendingSyncItem{URL: "/api/journal/a", Method: http.MethodPost}); err != nil {
		t.Fatal(err)
	}
	env.svc.triggerReplay("periodic")
	select {
	case <-entered:
	case <-time.After(5 * time.Second):
		close(release)
		t.Fatal("replay never reached the origin")
	}

	if _, err := q.Enqueue(PendingSyncItem{URL: "/api/journal/b", Method: http.MethodPost}); err != nil {
		t.Fatal(err)
	}
	env.svc.triggerReplay("reconnect")
	close(release)

	deadline := time.Now().Add(5 * time.Second)
	for {
		items, _ := q.ListPending()
		if len(items) == 0 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("still pending: %+v", items)
		}
		time.Sleep(10 * time.Millisecond)
	}
	env.svc.bg.Wait()
	if n := posts.Load(); n != 2 {
		t.Errorf("origin saw %d writes, want 2", n)
	}
}

func TestOversizedRequestBodyIsRejected(t *testing.T) {
	var hits atomic.Int32
	env := newTestEnv(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusCreated)
	}), func(cfg *Config) { cfg.maxBodyBytes = 16 })

	r := httptest.NewRequest(http.MethodPost, "/api/journal", strings.NewReader(strings.Repeat("x", 64)))
	if resp := env.do(r); resp.StatusCode != http.StatusRequestEntityTooLarge {
		t.Errorf("oversized status = %d, want 413", resp.StatusCode)
	}
	if hits.Load() != 0 {
		t.Error("oversized body reached the origin")
	}
	if items, _ := env.svc.queue.ListPending(); len(items) != 0 {
		t.Errorf("oversized body was queued: %+v", items)
	}

	r = httptest.NewRequest(http.MethodPost, "/api/journal", strings.NewReader(`{"a":1}`))
	if resp := env.do(r); resp.StatusCode != http.StatusCreated {
		t.Errorf("small body status = %d", resp.StatusCode)
	}
}

func TestLoadConfigFormats(t *testing.T) {
	dir := t.TempDir()
	yml := filepath.Join(dir, "offlinegate.yaml")
	_ = os.WriteFile(yml, []byte(`
server:
  origin: http://localhost:3000/
cache:
  version: v15
  offlineRoutes: ["/dashboard"]
network:
  timeout: 5s
`), 0o644)
	tml := filepath.Join(dir, "offlinegate.toml")
	_ = os.WriteFile(tml, []byte(`
[server]
origin = "http://localhost:3000"
[cache]
version = "v15"
offlineRoutes = ["/dashboard"]
[network]
timeout = "5s"
`), 0o644)

	for _, p := range []string{yml, tml} {
		cfg, err := LoadConfig(p)
		if err != nil {
			t.Fatalf("%s: %v", filepath.Base(p), err)
		}
		if cfg.Server.Origin != "http://localhost:3000" || cfg.timeoutDur != 5*time.Second {
			t.Errorf("%s: origin=%q timeout=%s", filepath.Base(p), cfg.Server.Origin, cfg.timeoutDur)
		}
		if got := cfg.CacheNames(); got.Dynamic != "am-dynamic-v15" {
			t.Errorf("%s: names = %+v", filepath.Base(p), got)
		}
		if cfg.maxBodyBytes != 10<<20 || !reflect.DeepEqual(cfg.Notifications.ShowCommand, []string{"notify-send"}) {
			t.Errorf("%s: maxBody=%d showCommand=%v", filepath.Base(p), cfg.maxBodyBytes, cfg.Notifications.ShowCommand)
		}
		if !reflect.DeepEqual(cfg.Cache.OfflineRoutes, []string{"/dashboard"}) {
			t.Errorf("%s: offline routes = %v", filepath.Base(p), cfg.Cache.OfflineRoutes)
		}
	}
}

func TestLoadConfigErrors(t *testing.T) {
	dir := t.TempDir()
	cases := map[string]string{
		"missing origin": "cache:\n  version: v1\n",
		"bad duration":   "server:\n  origin: http://x\nsync:\n  every: soon\n",
		"bad api prefix": "server:\n  origin: http://x\ncache:\n  cacheFirstAPIs: [\"/quests\"]\n",
		"bad ram size":   "server:\n  origin: http://x\nstorage:\n  ram:\n    max: lots\n",
		"bad max body":   "server:\n  origin: http://x\n  maxBody: huge\n",
	}
	for name, body := range cases {
		p := filepath.Join(dir, strings.ReplaceAll(name, " ", "_")+".yaml")
		_ = os.WriteFile(p, []byte(body), 0o644)
		if _, err := LoadConfig(p); err == nil {
			t.Errorf("%s: expected error", name)
		}
	}
}

func TestParseBytes(t *testing.T) {
	tests := map[string]int64{"512": 512, "64k": 64 << 10, "64kb": 64 << 10, "1.5m": 3 << 19, "2GB": 2 << 30}
	for in, want := range tests {
		got, err := parseBytes(in)
		if err != nil || got != want {
			t.Errorf("parseBytes(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
}
