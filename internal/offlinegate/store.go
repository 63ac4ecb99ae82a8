package offlinegate

import (
	"bytes"
	"encoding/gob"
	"fmt"
	"net/http"
	"net/url"
	"path"
	"sort"
	"strings"
	"sync"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
)

const (
	nsPrefix    = "n:"
	entryPrefix = "e:"
)

// Store owns the cache namespaces. Entries live in leveldb; a bounded RAM tier
// sits in front of it. The disk tier is never evicted, only namespace
// deletion removes entries.
type Store struct {
	db  *leveldb.DB
	ram *ramCache

	// mu orders disk writes with the RAM copy they leave behind. Writers hold
	// it exclusively; a read that fills RAM from disk holds it shared.
	mu sync.RWMutex
}

// Namespace is a handle to one opened cache namespace.
type Namespace struct {
	name  string
	store *Store
}

// OpenStore opens the leveldb directory at path. An empty path keeps
// everything in memory.
func OpenStore(path string, ramMax int64) (*Store, error) {
	var (
		db  *leveldb.DB
		err error
	)
	if path == "" {
		db, err = leveldb.Open(storage.NewMemStorage(), nil)
	} else {
		db, err = leveldb.OpenFile(path, nil)
	}
	if err != nil {
		return nil, fmt.Errorf("open cache store: %w", err)
	}
	return &Store{db: db, ram: newRAMCache(ramMax)}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Open returns a handle for name, registering the namespace if it is new.
func (s *Store) Open(name string) (*Namespace, error) {
	if name == "" || strings.ContainsRune(name, 0) {
		return nil, fmt.Errorf("invalid namespace name %q", name)
	}
	if err := s.db.Put([]byte(nsPrefix+name), nil, nil); err != nil {
		return nil, fmt.Errorf("register namespace %s: %w", name, err)
	}
	return &Namespace{name: name, store: s}, nil
}

func (s *Store) ListNamespaces() ([]string, error) {
	it := s.db.NewIterator(util.BytesPrefix([]byte(nsPrefix)), nil)
	defer it.Release()

	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), []byte(nsPrefix))))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	sort.Strings(out)
	return out, nil
}

// DeleteNamespace removes the namespace and every entry in it.
func (s *Store) DeleteNamespace(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prefix := entryKeyPrefix(name)
	batch := new(leveldb.Batch)

	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	err := it.Error()
	it.Release()
	if err != nil {
		return err
	}
	batch.Delete([]byte(nsPrefix + name))
	if err := s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("delete namespace %s: %w", name, err)
	}
	s.ram.DeletePrefix(string(prefix))
	return nil
}

func (ns *Namespace) Name() string { return ns.name }

// Get returns the entry stored under key.
func (ns *Namespace) Get(key string) (CacheEntry, bool) {
	k := entryKey(ns.name, key)
	if ent, ok := ns.store.ram.Get(string(k)); ok {
		return ent, true
	}
	ns.store.mu.RLock()
	defer ns.store.mu.RUnlock()
	b, err := ns.store.db.Get(k, nil)
	if err != nil {
		return CacheEntry{}, false
	}
	var ent CacheEntry
	if err := decodeGob(b, &ent); err != nil {
		return CacheEntry{}, false
	}
	ns.store.ram.Put(string(k), ent, int64(len(b)))
	return ent, true
}

// Put stores ent under key, replacing any previous entry.
func (ns *Namespace) Put(key string, ent CacheEntry) error {
	b, err := encodeGob(ent)
	if err != nil {
		return err
	}
	k := entryKey(ns.name, key)
	ns.store.mu.Lock()
	defer ns.store.mu.Unlock()
	if err := ns.store.db.Put(k, b, nil); err != nil {
		return fmt.Errorf("put %s in %s: %w", key, ns.name, err)
	}
	ns.store.ram.Put(string(k), ent, int64(len(b)))
	return nil
}

func (ns *Namespace) Delete(key string) error {
	k := entryKey(ns.name, key)
	ns.store.mu.Lock()
	defer ns.store.mu.Unlock()
	ns.store.ram.Delete(string(k))
	return ns.store.db.Delete(k, nil)
}

// Keys lists the request keys stored in the namespace.
func (ns *Namespace) Keys() ([]string, error) {
	prefix := entryKeyPrefix(ns.name)
	it := ns.store.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	return out, it.Error()
}

func entryKeyPrefix(ns string) []byte {
	return []byte(entryPrefix + ns + "\x00")
}

func entryKey(ns, key string) []byte {
	return append(entryKeyPrefix(ns), key...)
}

// RequestKey normalizes a request identity: upper-case method, cleaned path,
// sorted query, no fragment.
func RequestKey(method string, u *url.URL) string {
	p := u.Path
	if p == "" {
		p = "/"
	}
	clean := path.Clean(p)
	if strings.HasSuffix(p, "/") && clean != "/" {
		clean += "/"
	}
	key := strings.ToUpper(method) + " " + clean
	if u.RawQuery != "" {
		if q, err := url.ParseQuery(u.RawQuery); err == nil {
			key += "?" + q.Encode()
		} else {
			key += "?" + u.RawQuery
		}
	}
	return key
}

// ---- ram tier ----

type ramItem struct {
	key  string
	ent  CacheEntry
	size int64
	prev *ramItem
	next *ramItem
}

// ramCache is an LRU bounded by encoded size. Every item it holds is already
// on disk, so eviction only drops the RAM copy.
type ramCache struct {
	maxBytes int64

	mu    sync.Mutex
	items map[string]*ramItem
	head  *ramItem
	tail  *ramItem
	total int64
}

func newRAMCache(maxBytes int64) *ramCache {
	return &ramCache{maxBytes: maxBytes, items: map[string]*ramItem{}}
}

func (c *ramCache) Get(key string) (CacheEntry, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	it, ok := c.items[key]
	if !ok {
		return CacheEntry{}, false
	}
	c.moveToFront(it)
	return it.ent, true
}

func (c *ramCache) Put(key string, ent CacheEntry, size int64) {
	if c.maxBytes <= 0 || size > c.maxBytes {
		c.Delete(key)
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if it, ok := c.items[key]; ok {
		c.total += size - it.size
		it.ent = ent
		it.size = size
		c.moveToFront(it)
	} else {
		it := &ramItem{key: key, ent: ent, size: size}
		c.items[key] = it
		c.addToFront(it)
		c.total += size
	}
	for c.total > c.maxBytes && c.tail != nil {
		c.dropLocked(c.tail)
	}
}

func (c *ramCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if it, ok := c.items[key]; ok {
		c.dropLocked(it)
	}
}

func (c *ramCache) DeletePrefix(prefix string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k, it := range c.items {
		if strings.HasPrefix(k, prefix) {
			c.dropLocked(it)
		}
	}
}

func (c *ramCache) TotalSize() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.total
}

func (c *ramCache) dropLocked(it *ramItem) {
	c.remove(it)
	delete(c.items, it.key)
	c.total -= it.size
}

func (c *ramCache) addToFront(it *ramItem) {
	it.prev = nil
	it.next = c.head
	if c.head != nil {
		c.head.prev = it
	}
	c.head = it
	if c.tail == nil {
		c.tail = it
	}
}

func (c *ramCache) remove(it *ramItem) {
	if it.prev != nil {
		it.prev.next = it.next
	} else {
		c.head = it.next
	}
	if it.next != nil {
		it.next.prev = it.prev
	} else {
		c.tail = it.prev
	}
	it.prev, it.next = nil, nil
}

func (c *ramCache) moveToFront(it *ramItem) {
	if c.head == it {
		return
	}
	c.remove(it)
	c.addToFront(it)
}

// ---- encoding ----

func encodeGob(v any) ([]byte, error) {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(v); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decodeGob(b []byte, v any) error {
	return gob.NewDecoder(bytes.NewReader(b)).Decode(v)
}

func init() {
	gob.Register(http.Header{})
}
