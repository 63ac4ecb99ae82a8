package offlinegate

import (
	"fmt"
	"html"
	"net/http"
	"time"
)

// Synthesized documents served when neither the network nor the cache can
// answer. Calling UI code renders offline states from these, keep them stable.
const (
	offlineRootHTML = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>Please check your internet connection and try again.</p></body>
</html>
`

	offlineRouteHTMLFormat = `<!DOCTYPE html>
<html lang="en">
<head><meta charset="utf-8"><meta name="viewport" content="width=device-width, initial-scale=1"><title>Offline</title></head>
<body><h1>You are offline</h1><p>This page is not available offline yet.</p><p><a href="%s">Go back</a></p></body>
</html>
`

	offlineJSON = `{"error":"Offline - data not available"}`
)

// Keys of the synthesized documents inside the OFFLINE namespace.
const (
	offlineRootKey  = "GET /__offline/root.html"
	offlineRouteKey = "GET /__offline/route.html"
)

func offlineRouteHTML(safeRoute string) string {
	return fmt.Sprintf(offlineRouteHTMLFormat, html.EscapeString(safeRoute))
}

func htmlEntry(status int, body string) CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "text/html; charset=utf-8")
	return CacheEntry{Status: status, Header: h, Body: []byte(body), StoredAt: time.Now().Unix()}
}

// offlineAPIEntry is the JSON body returned for API requests with no network
// and no cached copy.
func offlineAPIEntry() CacheEntry {
	h := make(http.Header)
	h.Set("Content-Type", "application/json")
	return CacheEntry{
		Status:   http.StatusServiceUnavailable,
		Header:   h,
		Body:     []byte(offlineJSON),
		StoredAt: time.Now().Unix(),
	}
}
