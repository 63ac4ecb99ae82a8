package offlinegate

import (
	"encoding/json"
	"net/http"
)

// CacheEntry is one stored response. StoredAt is the implicit insertion time.
type CacheEntry struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt int64 // unix seconds
}

// OK reports a 2xx status.
func (e CacheEntry) OK() bool { return e.Status >= 200 && e.Status < 300 }

// Category is the route class a request resolves to. The set is closed.
type Category int

const (
	CategoryStaticAsset Category = iota
	CategoryRoot
	CategoryOfflineRoute
	CategoryOtherNavigation
	CategoryCacheFirstAPI
	CategoryMutableAPI
)

func (c Category) String() string {
	switch c {
	case CategoryRoot:
		return "root"
	case CategoryOfflineRoute:
		return "offline-route"
	case CategoryOtherNavigation:
		return "navigation"
	case CategoryCacheFirstAPI:
		return "cache-first-api"
	case CategoryMutableAPI:
		return "mutable-api"
	default:
		return "static"
	}
}

// PendingSyncItem is a write that failed to reach the origin. The JSON shape
// is the persisted queue record.
type PendingSyncItem struct {
	ID        string            `json:"id"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Headers   map[string]string `json:"headers"`
	Data      json.RawMessage   `json:"data"`
	Timestamp int64             `json:"timestamp"` // unix millis

	// Raw is set when the original body was not JSON; Data then holds it as a
	// JSON string.
	Raw bool `json:"raw,omitempty"`
}

// PushPayload is what the push transport delivers.
type PushPayload struct {
	Title              string         `json:"title"`
	Body               string         `json:"body"`
	Tag                string         `json:"tag,omitempty"`
	Data               map[string]any `json:"data,omitempty"`
	RequireInteraction bool           `json:"requireInteraction,omitempty"`
}

type NotificationAction struct {
	Action string `json:"action"`
	Title  string `json:"title"`
}

// Notification is the descriptor handed to the display surface.
type Notification struct {
	Title              string               `json:"title"`
	Body               string               `json:"body"`
	Icon               string               `json:"icon"`
	Badge              string               `json:"badge"`
	Data               map[string]any       `json:"data,omitempty"`
	Actions            []NotificationAction `json:"actions"`
	Tag                string               `json:"tag"`
	RequireInteraction bool                 `json:"requireInteraction"`
}

// NotificationClickEvent reports a user interaction with a notification.
type NotificationClickEvent struct {
	Action string         `json:"action"`
	Tag    string         `json:"tag"`
	Data   map[string]any `json:"data,omitempty"`
}

const (
	ActionOpen    = "open"
	ActionDismiss = "dismiss"
)
