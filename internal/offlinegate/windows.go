package offlinegate

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/exec"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

var (
	ErrNoWindows      = errors.New("no application window connected")
	ErrNoWindowOpener = errors.New("no window open command configured")
	ErrUnknownWindow  = errors.New("unknown window")
)

// WindowInfo describes one open application window.
type WindowInfo struct {
	ID      string `json:"id"`
	URL     string `json:"url"`
	Focused bool   `json:"focused"`
}

// Windows is the set of application windows the intermediary controls.
type Windows interface {
	List() []WindowInfo
	Focus(id string) error
	Navigate(id, url string) error
	Open(ctx context.Context, url string) error
}

// Notifier is the surface notifications are displayed on.
type Notifier interface {
	Show(n Notification) error
	Close(tag string)
}

// channelMessage is an inbound message on the window channel.
type channelMessage struct {
	Type string `json:"type"`
	URL  string `json:"url,omitempty"`
}

// channelReply answers a channel request.
type channelReply struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

const (
	msgRequestPermission = "REQUEST_NOTIFICATION_PERMISSION"
	msgSyncNow           = "SYNC_NOW"
	msgClientURL         = "CLIENT_URL"

	msgFocus             = "FOCUS"
	msgNavigate          = "NAVIGATE"
	msgShowNotification  = "SHOW_NOTIFICATION"
	msgCloseNotification = "CLOSE_NOTIFICATION"
	msgControllerChanged = "CONTROLLER_CHANGED"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

const writeWait = 10 * time.Second

type windowClient struct {
	id   string
	conn *websocket.Conn

	wmu sync.Mutex // gorilla allows one concurrent writer
}

func (c *windowClient) send(v any) error {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return c.conn.WriteJSON(v)
}

type windowState struct {
	client  *windowClient
	url     string
	focused bool
	opened  time.Time
}

// windowHub tracks windows connected over WebSocket. It implements both
// Windows and Notifier.
type windowHub struct {
	openCommand []string
	showCommand []string
	appOrigin   string

	mu        sync.RWMutex
	windows   map[string]*windowState
	displayed map[string]Notification // by tag

	// onMessage answers inbound channel messages; a nil reply sends nothing.
	onMessage func(ctx context.Context, id string, msg channelMessage) *channelReply
}

func newWindowHub(cfg *Config) *windowHub {
	return &windowHub{
		openCommand: cfg.Notifications.OpenCommand,
		showCommand: cfg.Notifications.ShowCommand,
		appOrigin:   cfg.Notifications.AppOrigin,
		windows:     map[string]*windowState{},
		displayed:   map[string]Notification{},
	}
}

// ServeWS upgrades the request and serves the window until it disconnects.
// The page reports its URL in the url query parameter.
func (h *windowHub) ServeWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("windows: upgrade failed: %v", err)
		return
	}
	c := &windowClient{id: uuid.NewString(), conn: conn}

	h.mu.Lock()
	h.windows[c.id] = &windowState{client: c, url: r.URL.Query().Get("url"), opened: time.Now()}
	h.mu.Unlock()
	log.Printf("windows: connected %s url=%q", c.id, r.URL.Query().Get("url"))

	defer func() {
		h.mu.Lock()
		delete(h.windows, c.id)
		h.mu.Unlock()
		_ = conn.Close()
		log.Printf("windows: disconnected %s", c.id)
	}()

	for {
		var msg channelMessage
		if err := conn.ReadJSON(&msg); err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Printf("windows: read %s: %v", c.id, err)
			}
			return
		}
		if msg.Type == msgClientURL {
			h.setURL(c.id, msg.URL)
			continue
		}
		if h.onMessage == nil {
			continue
		}
		if reply := h.onMessage(r.Context(), c.id, msg); reply != nil {
			if err := c.send(reply); err != nil {
				log.Printf("windows: reply %s: %v", c.id, err)
				return
			}
		}
	}
}

func (h *windowHub) setURL(id, u string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if st, ok := h.windows[id]; ok {
		st.url = u
	}
}

// List returns the windows in connection order.
func (h *windowHub) List() []WindowInfo {
	h.mu.RLock()
	defer h.mu.RUnlock()
	type item struct {
		info   WindowInfo
		opened time.Time
	}
	items := make([]item, 0, len(h.windows))
	for id, st := range h.windows {
		items = append(items, item{WindowInfo{ID: id, URL: st.url, Focused: st.focused}, st.opened})
	}
	sort.Slice(items, func(i, j int) bool { return items[i].opened.Before(items[j].opened) })
	out := make([]WindowInfo, len(items))
	for i, it := range items {
		out[i] = it.info
	}
	return out
}

func (h *windowHub) Focus(id string) error {
	h.mu.Lock()
	st, ok := h.windows[id]
	if ok {
		for _, other := range h.windows {
			other.focused = false
		}
		st.focused = true
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("focus %s: %w", id, ErrUnknownWindow)
	}
	return st.client.send(map[string]string{"type": msgFocus})
}

func (h *windowHub) Navigate(id, u string) error {
	h.mu.Lock()
	st, ok := h.windows[id]
	if ok {
		st.url = u
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("navigate %s: %w", id, ErrUnknownWindow)
	}
	return st.client.send(map[string]string{"type": msgNavigate, "url": u})
}

// Open starts the configured command with the absolute target URL appended.
func (h *windowHub) Open(ctx context.Context, u string) error {
	if len(h.openCommand) == 0 {
		return ErrNoWindowOpener
	}
	if strings.HasPrefix(u, "/") && h.appOrigin != "" {
		u = h.appOrigin + u
	}
	args := append(append([]string(nil), h.openCommand[1:]...), u)
	cmd := exec.Command(h.openCommand[0], args...)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("open window %s: %w", u, err)
	}
	go func() { _ = cmd.Wait() }()
	return nil
}

// Claim tells every connected window that this version now serves it.
func (h *windowHub) Claim(version string) {
	h.broadcast(map[string]string{"type": msgControllerChanged, "version": version})
}

// Show displays n in every connected window. A notification with the same
// tag replaces the previous one. With no window connected it goes to the
// desktop through the show command, when one is configured.
func (h *windowHub) Show(n Notification) error {
	if h.broadcast(map[string]any{"type": msgShowNotification, "notification": n}) > 0 {
		h.mu.Lock()
		h.displayed[n.Tag] = n
		h.mu.Unlock()
		return nil
	}
	if len(h.showCommand) == 0 {
		return ErrNoWindows
	}
	return h.showOnDesktop(n)
}

// showOnDesktop runs the show command with the title and body appended and
// waits for it, so a missing binary is reported to the caller.
func (h *windowHub) showOnDesktop(n Notification) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeWait)
	defer cancel()
	args := append(append([]string(nil), h.showCommand[1:]...), n.Title, n.Body)
	out, err := exec.CommandContext(ctx, h.showCommand[0], args...).CombinedOutput()
	if err != nil {
		return fmt.Errorf("desktop notification %q: %w: %s", n.Tag, err, strings.TrimSpace(string(out)))
	}
	return nil
}

func (h *windowHub) Close(tag string) {
	h.mu.Lock()
	_, ok := h.displayed[tag]
	delete(h.displayed, tag)
	h.mu.Unlock()
	if ok {
		h.broadcast(map[string]string{"type": msgCloseNotification, "tag": tag})
	}
}

// broadcast returns how many windows accepted v.
func (h *windowHub) broadcast(v any) int {
	h.mu.RLock()
	clients := make([]*windowClient, 0, len(h.windows))
	for _, st := range h.windows {
		clients = append(clients, st.client)
	}
	h.mu.RUnlock()

	sent := 0
	for _, c := range clients {
		if err := c.send(v); err != nil {
			log.Printf("windows: send %s: %v", c.id, err)
			continue
		}
		sent++
	}
	return sent
}
