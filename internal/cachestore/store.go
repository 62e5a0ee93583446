// Package cachestore keeps named, versioned response caches on leveldb with
// an in-memory LRU in front.
//
// Layout on disk:
//
//	c:<name>             store marker (gob storeMeta)
//	e:<name>\x00<key>    entry (gob Entry)
package cachestore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/storage"
	"github.com/syndtr/goleveldb/leveldb/util"
	"go.uber.org/zap"

	"pwashell/internal/logging"
)

var ErrInvalidName = errors.New("cachestore: invalid store name")

const sep = "\x00"

type storeMeta struct {
	CreatedAt int64 // unix nanoseconds
}

// Storage is the set of named stores, the equivalent of a browser CacheStorage.
type Storage struct {
	db  *leveldb.DB
	ram *ramCache
	log *zap.Logger

	mu    sync.Mutex
	names map[string]storeMeta
}

// Open opens (or creates) the leveldb directory at path.
func Open(path string, ramMax int64, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, fmt.Errorf("cachestore: open %s: %w", path, err)
	}
	return newStorage(db, ramMax, log)
}

// OpenMemory returns a Storage that lives only in memory.
func OpenMemory(ramMax int64, log *zap.Logger) (*Storage, error) {
	db, err := leveldb.Open(storage.NewMemStorage(), nil)
	if err != nil {
		return nil, fmt.Errorf("cachestore: open memory: %w", err)
	}
	return newStorage(db, ramMax, log)
}

func newStorage(db *leveldb.DB, ramMax int64, log *zap.Logger) (*Storage, error) {
	log = logging.OrNop(log)
	s := &Storage{
		db:    db,
		ram:   newRAMCache(ramMax, newRateLimitedLogger(log, time.Minute)),
		log:   log,
		names: map[string]storeMeta{},
	}
	if err := s.loadNames(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Storage) Close() error {
	return s.db.Close()
}

func (s *Storage) loadNames() error {
	it := s.db.NewIterator(util.BytesPrefix([]byte("c:")), nil)
	defer it.Release()

	names := map[string]storeMeta{}
	for it.Next() {
		name := string(bytes.TrimPrefix(it.Key(), []byte("c:")))
		var meta storeMeta
		if err := decodeGob(it.Value(), &meta); err != nil {
			s.log.Warn("skipping unreadable store marker", zap.String("store", name), zap.Error(err))
			continue
		}
		names[name] = meta
	}
	if err := it.Error(); err != nil {
		return fmt.Errorf("cachestore: load names: %w", err)
	}
	s.mu.Lock()
	s.names = names
	s.mu.Unlock()
	return nil
}

// Open returns the store called name, creating it if absent.
func (s *Storage) Open(name string) (*Cache, error) {
	if name == "" || strings.Contains(name, sep) {
		return nil, fmt.Errorf("%w: %q", ErrInvalidName, name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; ok {
		return &Cache{s: s, name: name}, nil
	}
	meta := storeMeta{CreatedAt: time.Now().UnixNano()}
	b, err := encodeGob(meta)
	if err != nil {
		return nil, err
	}
	if err := s.db.Put([]byte("c:"+name), b, nil); err != nil {
		return nil, fmt.Errorf("cachestore: create %s: %w", name, err)
	}
	s.names[name] = meta
	return &Cache{s: s, name: name}, nil
}

func (s *Storage) Has(name string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.names[name]
	return ok
}

// Keys lists store names, oldest first.
func (s *Storage) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.names))
	for n := range s.names {
		out = append(out, n)
	}
	sort.Slice(out, func(i, j int) bool {
		a, b := s.names[out[i]], s.names[out[j]]
		if a.CreatedAt != b.CreatedAt {
			return a.CreatedAt < b.CreatedAt
		}
		return out[i] < out[j]
	})
	return out
}

// Delete removes the store and all of its entries. It reports whether the
// store existed.
func (s *Storage) Delete(name string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.names[name]; !ok {
		return false, nil
	}

	batch := new(leveldb.Batch)
	prefix := entryPrefix(name)
	it := s.db.NewIterator(util.BytesPrefix(prefix), nil)
	for it.Next() {
		batch.Delete(append([]byte(nil), it.Key()...))
	}
	it.Release()
	if err := it.Error(); err != nil {
		return false, fmt.Errorf("cachestore: scan %s: %w", name, err)
	}
	batch.Delete([]byte("c:" + name))
	if err := s.db.Write(batch, nil); err != nil {
		return false, fmt.Errorf("cachestore: delete %s: %w", name, err)
	}

	s.ram.DeletePrefix(name + sep)
	delete(s.names, name)
	return true, nil
}

// Match looks key up in every store, oldest first, and returns the first hit
// together with the name of the store that held it.
func (s *Storage) Match(key string) (Entry, string, bool) {
	for _, name := range s.Keys() {
		c := &Cache{s: s, name: name}
		if ent, ok := c.Match(key); ok {
			return ent, name, true
		}
	}
	return Entry{}, "", false
}

// MatchRequest is Match keyed by r.
func (s *Storage) MatchRequest(r *http.Request) (Entry, string, bool) {
	return s.Match(KeyFor(r))
}

// RAMSize is the number of bytes held by the in-memory layer.
func (s *Storage) RAMSize() int64 {
	return s.ram.TotalSize()
}

// EntryCount counts entries across all stores.
func (s *Storage) EntryCount() int {
	it := s.db.NewIterator(util.BytesPrefix([]byte("e:")), nil)
	defer it.Release()
	n := 0
	for it.Next() {
		n++
	}
	return n
}

// Cache is a single named store.
type Cache struct {
	s    *Storage
	name string
}

func (c *Cache) Name() string { return c.name }

func (c *Cache) Match(key string) (Entry, bool) {
	rk := c.name + sep + key
	if ent, ok := c.s.ram.Get(rk); ok {
		return ent, true
	}
	b, err := c.s.db.Get(entryKey(c.name, key), nil)
	if err != nil {
		if !errors.Is(err, leveldb.ErrNotFound) {
			c.s.log.Warn("cache read failed", zap.String("store", c.name), zap.String("key", key), zap.Error(err))
		}
		return Entry{}, false
	}
	var ent Entry
	if err := decodeGob(b, &ent); err != nil {
		c.s.log.Warn("cache entry undecodable", zap.String("store", c.name), zap.String("key", key), zap.Error(err))
		return Entry{}, false
	}
	c.s.ram.Put(rk, ent, int64(len(b)))
	return ent, true
}

func (c *Cache) Put(key string, ent Entry) error {
	return c.PutAll(map[string]Entry{key: ent})
}

// PutAll writes all entries in one batch: either every entry lands or none.
func (c *Cache) PutAll(entries map[string]Entry) error {
	if !c.s.Has(c.name) {
		return fmt.Errorf("cachestore: store %s was deleted", c.name)
	}
	batch := new(leveldb.Batch)
	sizes := make(map[string]int64, len(entries))
	for key, ent := range entries {
		b, err := encodeGob(ent)
		if err != nil {
			return fmt.Errorf("cachestore: encode %s: %w", key, err)
		}
		batch.Put(entryKey(c.name, key), b)
		sizes[key] = int64(len(b))
	}
	if err := c.s.db.Write(batch, nil); err != nil {
		return fmt.Errorf("cachestore: write %s: %w", c.name, err)
	}
	for key, ent := range entries {
		c.s.ram.Put(c.name+sep+key, ent, sizes[key])
	}
	return nil
}

func (c *Cache) Delete(key string) error {
	c.s.ram.Delete(c.name + sep + key)
	if err := c.s.db.Delete(entryKey(c.name, key), nil); err != nil {
		return fmt.Errorf("cachestore: delete %s: %w", key, err)
	}
	return nil
}

// Keys lists the request keys held by this store.
func (c *Cache) Keys() ([]string, error) {
	prefix := entryPrefix(c.name)
	it := c.s.db.NewIterator(util.BytesPrefix(prefix), nil)
	defer it.Release()
	var out []string
	for it.Next() {
		out = append(out, string(bytes.TrimPrefix(it.Key(), prefix)))
	}
	if err := it.Error(); err != nil {
		return nil, err
	}
	return out, nil
}

func entryPrefix(name string) []byte {
	return []byte("e:" + name + sep)
}

func entryKey(name, key string) []byte {
	return []byte("e:" + name + sep + key)
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
