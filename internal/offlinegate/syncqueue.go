package offlinegate

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

const queueKey = "q:pending"

// SyncItemHeader carries the item id on every replay so the origin can
// discard duplicates. Delivery is at-least-once.
const SyncItemHeader = "X-Sync-Item-Id"

// SyncQueue is the durable, insertion-ordered list of writes that failed to
// reach the origin. The whole queue is one JSON record in leveldb, rewritten
// with a synced write on every change.
type SyncQueue struct {
	db  *leveldb.DB
	net *fetcher

	mu       sync.Mutex // read-modify-write of the record
	replayMu sync.Mutex // one replay pass at a time
}

// ReplayReport summarizes one pass.
type ReplayReport struct {
	Attempted int
	Succeeded int
	Remaining int
}

func NewSyncQueue(db *leveldb.DB, net *fetcher) *SyncQueue {
	return &SyncQueue{db: db, net: net}
}

// Enqueue appends item, assigning an id when it has none.
func (q *SyncQueue) Enqueue(item PendingSyncItem) (PendingSyncItem, error) {
	if item.ID == "" {
		item.ID = uuid.NewString()
	}
	if item.Method == "" || item.URL == "" {
		return PendingSyncItem{}, fmt.Errorf("sync item %s: method and url are required", item.ID)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.loadLocked()
	if err != nil {
		return PendingSyncItem{}, err
	}
	for _, it := range items {
		if it.ID == item.ID {
			return PendingSyncItem{}, fmt.Errorf("sync item %s: duplicate id", item.ID)
		}
	}
	if err := q.storeLocked(append(items, item)); err != nil {
		return PendingSyncItem{}, err
	}
	return item, nil
}

func (q *SyncQueue) ListPending() ([]PendingSyncItem, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.loadLocked()
}

// RemoveByID drops the item with id. Removing an unknown id is not an error.
func (q *SyncQueue) RemoveByID(id string) error {
	return q.remove(map[string]struct{}{id: {}})
}

func (q *SyncQueue) remove(ids map[string]struct{}) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	items, err := q.loadLocked()
	if err != nil {
		return err
	}
	kept := items[:0]
	for _, it := range items {
		if _, gone := ids[it.ID]; !gone {
			kept = append(kept, it)
		}
	}
	if len(kept) == len(items) {
		return nil
	}
	return q.storeLocked(kept)
}

// Replay re-issues every pending item in insertion order. Items answered with
// a 2xx are removed; every other item stays in place for the next pass. There
// is no early abort and no delay between attempts.
func (q *SyncQueue) Replay(ctx context.Context) (ReplayReport, error) {
	q.replayMu.Lock()
	defer q.replayMu.Unlock()

	items, err := q.ListPending()
	if err != nil {
		return ReplayReport{}, err
	}
	if len(items) == 0 {
		return ReplayReport{}, nil
	}

	done := make(map[string]struct{}, len(items))
	for _, it := range items {
		if ctx.Err() != nil {
			break
		}
		ent, err := q.net.Do(ctx, it.outbound())
		switch {
		case err != nil:
			log.Printf("sync: replay %s %s %s: %v", it.ID, it.Method, it.URL, err)
		case !ent.OK():
			log.Printf("sync: replay %s %s %s: status %d", it.ID, it.Method, it.URL, ent.Status)
		default:
			done[it.ID] = struct{}{}
		}
	}

	rep := ReplayReport{Attempted: len(items), Succeeded: len(done)}
	if len(done) > 0 {
		if err := q.remove(done); err != nil {
			return rep, fmt.Errorf("persist replay result: %w", err)
		}
	}
	left, err := q.ListPending()
	if err != nil {
		return rep, err
	}
	rep.Remaining = len(left)
	return rep, nil
}

func (q *SyncQueue) loadLocked() ([]PendingSyncItem, error) {
	b, err := q.db.Get([]byte(queueKey), nil)
	if errors.Is(err, leveldb.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("load sync queue: %w", err)
	}
	var items []PendingSyncItem
	if err := json.Unmarshal(b, &items); err != nil {
		return nil, fmt.Errorf("decode sync queue: %w", err)
	}
	return items, nil
}

func (q *SyncQueue) storeLocked(items []PendingSyncItem) error {
	if items == nil {
		items = []PendingSyncItem{}
	}
	b, err := marshalLiteral(items)
	if err != nil {
		return err
	}
	if err := q.db.Put([]byte(queueKey), b, &opt.WriteOptions{Sync: true}); err != nil {
		return fmt.Errorf("store sync queue: %w", err)
	}
	return nil
}

func (it *PendingSyncItem) setBody(b []byte) {
	switch {
	case len(b) == 0:
		it.Data = nil
	case json.Valid(b):
		it.Data = append(json.RawMessage(nil), b...)
	default:
		s, _ := marshalLiteral(string(b))
		it.Data = s
		it.Raw = true
	}
}

func (it PendingSyncItem) body() []byte {
	if len(it.Data) == 0 || string(it.Data) == "null" {
		return nil
	}
	if it.Raw {
		var s string
		if err := json.Unmarshal(it.Data, &s); err == nil {
			return []byte(s)
		}
	}
	return it.Data
}

func (it PendingSyncItem) outbound() outbound {
	h := make(http.Header, len(it.Headers)+1)
	for k, v := range it.Headers {
		h.Set(k, v)
	}
	h.Set(SyncItemHeader, it.ID)
	return outbound{Method: it.Method, URI: it.URL, Header: h, Body: it.body()}
}

// marshalLiteral encodes v without HTML escaping so queued bodies are stored
// as they were sent.
func marshalLiteral(v any) ([]byte, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return bytes.TrimRight(buf.Bytes(), "\n"), nil
}
