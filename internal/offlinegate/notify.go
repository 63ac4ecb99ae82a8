package offlinegate

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"strings"
)

// Dispatcher turns push payloads into notifications and routes clicks back
// into an application window. It never touches the cache.
type Dispatcher struct {
	icon       string
	badge      string
	defaultTag string
	defaultURL string
	appOrigin  string

	windows  Windows
	notifier Notifier
}

func NewDispatcher(cfg *Config, windows Windows, notifier Notifier) *Dispatcher {
	return &Dispatcher{
		icon:       cfg.Notifications.Icon,
		badge:      cfg.Notifications.Badge,
		defaultTag: cfg.Notifications.DefaultTag,
		defaultURL: cfg.Notifications.DefaultURL,
		appOrigin:  cfg.Notifications.AppOrigin,
		windows:    windows,
		notifier:   notifier,
	}
}

// HandlePush parses raw and displays the notification. An empty or malformed
// payload is ignored: shown is false and err is nil.
func (d *Dispatcher) HandlePush(raw []byte) (n Notification, shown bool, err error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return Notification{}, false, nil
	}
	var p PushPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		log.Printf("push: ignoring malformed payload: %v", err)
		return Notification{}, false, nil
	}
	n = d.Build(p)
	if err := d.notifier.Show(n); err != nil {
		return n, false, fmt.Errorf("show notification %q: %w", n.Tag, err)
	}
	return n, true, nil
}

// Build produces the notification descriptor for p.
func (d *Dispatcher) Build(p PushPayload) Notification {
	tag := p.Tag
	if tag == "" {
		tag = d.defaultTag
	}
	return Notification{
		Title: p.Title,
		Body:  p.Body,
		Icon:  d.icon,
		Badge: d.badge,
		Data:  p.Data,
		Actions: []NotificationAction{
			{Action: ActionOpen, Title: "Open"},
			{Action: ActionDismiss, Title: "Dismiss"},
		},
		Tag:                tag,
		RequireInteraction: p.RequireInteraction,
	}
}

// HandleClick closes the notification, then focuses a matching window or
// opens a new one at the target URL.
func (d *Dispatcher) HandleClick(ctx context.Context, ev NotificationClickEvent) error {
	d.notifier.Close(ev.Tag)
	if ev.Action == ActionDismiss {
		return nil
	}

	target := d.defaultURL
	if u, ok := ev.Data["url"].(string); ok && u != "" {
		target = u
	}

	for _, w := range d.windows.List() {
		if !d.sameOrigin(w.URL) {
			continue
		}
		if err := d.windows.Focus(w.ID); err != nil {
			return err
		}
		if ev.Action == ActionOpen || ev.Action == "" {
			return d.windows.Navigate(w.ID, target)
		}
		return nil
	}
	return d.windows.Open(ctx, target)
}

// TestPermission shows a trivial notification to probe whether display
// works at all.
func (d *Dispatcher) TestPermission() channelReply {
	err := d.notifier.Show(Notification{
		Title: "Notifications enabled",
		Body:  "You will receive notifications from this app.",
		Icon:  d.icon,
		Badge: d.badge,
		Tag:   "permission-test",
	})
	if err != nil {
		return channelReply{Success: false, Error: err.Error()}
	}
	return channelReply{Success: true}
}

// sameOrigin matches every window when no app origin is configured.
func (d *Dispatcher) sameOrigin(windowURL string) bool {
	if d.appOrigin == "" {
		return true
	}
	want, err := url.Parse(d.appOrigin)
	if err != nil {
		return strings.HasPrefix(windowURL, d.appOrigin)
	}
	got, err := url.Parse(windowURL)
	if err != nil {
		return false
	}
	return strings.EqualFold(got.Scheme, want.Scheme) && strings.EqualFold(got.Host, want.Host)
}
