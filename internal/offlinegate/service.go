package offlinegate

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/go-chi/chi/v5"
)

const headerSource = "X-Offlinegate"

// Service is the intermediary: one entry point per event kind, sharing state
// only through the Store and the SyncQueue.
type Service struct {
	cfg   Config
	names CacheNames

	store   *Store
	static  *Namespace
	dynamic *Namespace
	offline *Namespace

	conn       *connectivity
	net        *fetcher
	classifier *Classifier
	exec       *Executor
	queue      *SyncQueue
	hub        *windowHub
	dispatch   *Dispatcher

	bg          *tasks
	replaying   atomic.Bool
	replayAgain atomic.Bool

	stopCh chan struct{}
	wg     sync.WaitGroup

	stats *statsCollector
}

type Option func(*options)

type options struct {
	client   *http.Client
	windows  Windows
	notifier Notifier
}

// WithHTTPClient replaces the origin client. Per-call deadlines still apply.
func WithHTTPClient(c *http.Client) Option {
	return func(o *options) { o.client = c }
}

// WithWindows replaces the WebSocket window registry used for click routing.
func WithWindows(w Windows) Option {
	return func(o *options) { o.windows = w }
}

// WithNotifier replaces the notification display surface.
func WithNotifier(n Notifier) Option {
	return func(o *options) { o.notifier = n }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	var o options
	for _, fn := range opts {
		fn(&o)
	}
	if o.client == nil {
		o.client = &http.Client{}
	}

	store, err := OpenStore(cfg.Storage.Path, cfg.ramMax)
	if err != nil {
		return nil, err
	}

	s := &Service{
		cfg:        cfg,
		names:      cfg.CacheNames(),
		store:      store,
		conn:       newConnectivity(),
		classifier: NewClassifier(&cfg),
		hub:        newWindowHub(&cfg),
		bg:         newTasks(32),
		stopCh:     make(chan struct{}),
		stats:      newStatsCollector(),
	}
	for _, ns := range []struct {
		name string
		out  **Namespace
	}{
		{s.names.Static, &s.static},
		{s.names.Dynamic, &s.dynamic},
		{s.names.Offline, &s.offline},
	} {
		h, err := store.Open(ns.name)
		if err != nil {
			_ = store.Close()
			return nil, err
		}
		*ns.out = h
	}

	s.net = &fetcher{origin: cfg.Server.Origin, client: o.client, timeout: cfg.timeoutDur, conn: s.conn}
	s.queue = NewSyncQueue(store.db, s.net)
	s.exec = &Executor{
		cfg:      &s.cfg,
		net:      s.net,
		static:   s.static,
		dynamic:  s.dynamic,
		offline:  s.offline,
		queue:    s.queue,
		bg:       s.bg,
		writeLog: newRateLimitedLogger(time.Minute),
	}

	windows, notifier := Windows(s.hub), Notifier(s.hub)
	if o.windows != nil {
		windows = o.windows
	}
	if o.notifier != nil {
		notifier = o.notifier
	}
	s.dispatch = NewDispatcher(&s.cfg, windows, notifier)
	s.hub.onMessage = s.handleMessage
	s.conn.onReconnect = func() { s.triggerReplay("reconnect") }

	return s, nil
}

// Start launches the periodic sync, refresh, probe and stats loops.
func (s *Service) Start() {
	loops := []struct {
		name  string
		every time.Duration
		fn    func()
	}{
		{"sync", s.cfg.syncEveryDur, func() { s.triggerReplay("periodic") }},
		{"refresh", s.cfg.refreshEveryDur, s.periodicRefresh},
		{"probe", s.cfg.probeEveryDur, s.probe},
		{"stats", s.cfg.statsEveryDur, s.logStats},
	}
	for _, l := range loops {
		if l.every <= 0 {
			continue
		}
		log.Printf("%s tick interval: %s", l.name, l.every)
		s.wg.Add(1)
		go func(every time.Duration, fn func()) {
			defer s.wg.Done()
			s.tick(every, fn)
		}(l.every, l.fn)
	}
}

func (s *Service) tick(every time.Duration, fn func()) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-s.stopCh:
			return
		case <-t.C:
			fn()
		}
	}
}

func (s *Service) Close() {
	close(s.stopCh)
	s.wg.Wait()
	s.bg.Wait()
	_ = s.store.Close()
}

func (s *Service) Handler() http.Handler {
	r := chi.NewRouter()
	r.Route(s.cfg.Server.ControlPrefix, func(r chi.Router) {
		r.Get("/healthz", s.healthz)
		r.Get("/namespaces", s.listNamespaces)
		r.Get("/queue", s.listQueue)
		r.Post("/sync", s.syncNow)
		r.Post("/push", s.handlePush)
		r.Post("/notification-click", s.handleNotificationClick)
		r.Get("/ws", s.hub.ServeWS)
	})
	r.Handle("/*", http.HandlerFunc(s.handleFetch))
	return r
}

// handleFetch intercepts one outgoing application request.
func (s *Service) handleFetch(w http.ResponseWriter, r *http.Request) {
	o, err := outboundFrom(w, r, s.cfg.maxBodyBytes)
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			http.Error(w, "request body too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	cat := s.classifier.Classify(r)
	res, err := s.exec.Execute(r.Context(), cat, o)
	if err != nil {
		log.Printf("fetch: %s %s (%s): %v", r.Method, r.URL.RequestURI(), cat, err)
		setSourceHeaders(w.Header(), "bad-gateway")
		http.Error(w, "bad gateway", http.StatusBadGateway)
		s.stats.Observe("bad-gateway", 0)
		return
	}
	writeEntry(w, res.Entry, res.Source)
	s.stats.Observe(res.Source, len(res.Entry.Body))
}

// handlePush accepts a payload from the push transport.
func (s *Service) handlePush(w http.ResponseWriter, r *http.Request) {
	raw, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	n, shown, err := s.dispatch.HandlePush(raw)
	resp := map[string]any{"shown": shown}
	if shown {
		resp["tag"] = n.Tag
	}
	if err != nil {
		log.Printf("push: %v", err)
		resp["error"] = err.Error()
	}
	writeJSON(w, http.StatusAccepted, resp)
}

func (s *Service) handleNotificationClick(w http.ResponseWriter, r *http.Request) {
	var ev NotificationClickEvent
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&ev); err != nil {
		writeJSON(w, http.StatusBadRequest, channelReply{Error: "invalid click event"})
		return
	}
	if err := s.dispatch.HandleClick(r.Context(), ev); err != nil {
		log.Printf("notification-click: %v", err)
		writeJSON(w, http.StatusBadGateway, channelReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, channelReply{Success: true})
}

// handleSync runs one replay pass of the sync queue.
func (s *Service) handleSync(ctx context.Context, trigger string) (ReplayReport, error) {
	rep, err := s.queue.Replay(ctx)
	if err != nil {
		log.Printf("sync: %s replay: %v", trigger, err)
		return rep, err
	}
	if rep.Attempted > 0 {
		log.Printf("sync: %s replay attempted=%d succeeded=%d remaining=%d",
			trigger, rep.Attempted, rep.Succeeded, rep.Remaining)
	}
	return rep, nil
}

// triggerReplay runs a replay in the background. A trigger that arrives while
// a pass is running makes that pass run once more when it ends.
func (s *Service) triggerReplay(trigger string) {
	s.replayAgain.Store(true)
	if !s.replaying.CompareAndSwap(false, true) {
		return
	}
	s.bg.Go(func() {
		for {
			s.replayAgain.Store(false)
			s.replayPass(trigger)
			s.replaying.Store(false)
			if !s.replayAgain.Load() || !s.replaying.CompareAndSwap(false, true) {
				return
			}
			trigger = "rerun"
		}
	})
}

func (s *Service) replayPass(trigger string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()
	_, _ = s.handleSync(ctx, trigger)
}

func (s *Service) handleMessage(ctx context.Context, windowID string, msg channelMessage) *channelReply {
	switch msg.Type {
	case msgRequestPermission:
		reply := s.dispatch.TestPermission()
		return &reply
	case msgSyncNow:
		if _, err := s.handleSync(ctx, "message"); err != nil {
			return &channelReply{Error: err.Error()}
		}
		return &channelReply{Success: true}
	default:
		log.Printf("windows: %s sent unknown message type %q", windowID, msg.Type)
		return nil
	}
}

func (s *Service) syncNow(w http.ResponseWriter, r *http.Request) {
	rep, err := s.handleSync(r.Context(), "explicit")
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, channelReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"attempted": rep.Attempted,
		"succeeded": rep.Succeeded,
		"remaining": rep.Remaining,
	})
}

func (s *Service) listQueue(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.ListPending()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, channelReply{Error: err.Error()})
		return
	}
	if items == nil {
		items = []PendingSyncItem{}
	}
	writeJSON(w, http.StatusOK, items)
}

func (s *Service) listNamespaces(w http.ResponseWriter, r *http.Request) {
	names, err := s.store.ListNamespaces()
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, channelReply{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, names)
}

func (s *Service) healthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"version": s.cfg.Cache.Version,
		"online":  s.conn.Online(),
	})
}

func (s *Service) logStats() {
	pending, _ := s.queue.ListPending()
	log.Printf("stats: responses %s, RAM usage: %s, pending sync: %d, online: %t",
		s.stats.Snapshot(),
		formatBytes(uint64(s.store.ram.TotalSize())),
		len(pending),
		s.conn.Online(),
	)
}

func writeEntry(w http.ResponseWriter, ent CacheEntry, source string) {
	for k, vs := range ent.Header {
		if strings.EqualFold(k, headerSource) {
			continue
		}
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	setSourceHeaders(w.Header(), source)
	status := ent.Status
	if status == 0 {
		status = http.StatusOK
	}
	w.WriteHeader(status)
	_, _ = w.Write(ent.Body)
}

func setSourceHeaders(h http.Header, source string) {
	if source != "" {
		h.Set(headerSource, source)
	}
	// Custom headers are not readable from JS in a CORS context unless
	// exposed.
	ensureExposedHeader(h, headerSource)
}

func ensureExposedHeader(h http.Header, name string) {
	const expose = "Access-Control-Expose-Headers"
	cur := h.Values(expose)
	if len(cur) == 0 {
		h.Set(expose, name)
		return
	}
	merged := strings.Join(cur, ",")
	for _, part := range strings.Split(merged, ",") {
		if strings.EqualFold(strings.TrimSpace(part), name) {
			return
		}
	}
	h.Set(expose, strings.TrimSpace(merged)+", "+name)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func init() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)
}
