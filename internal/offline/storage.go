package offline

import (
	"context"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-faster/errors"
	lru "github.com/hashicorp/golang-lru/v2"
)

var (
	// ErrNotCached is returned by Storage.Match when no entry exists.
	ErrNotCached = errors.New("not cached")
	// ErrNoStore is returned by Storage.Put when the store was never opened
	// or has been deleted.
	ErrNoStore = errors.New("cache store does not exist")
)

// Response is a stored copy of an upstream response.
type Response struct {
	Status   int
	Header   http.Header
	Body     []byte
	StoredAt time.Time
}

// Clone returns a deep copy of r.
func (r *Response) Clone() *Response {
	c := *r
	c.Header = r.Header.Clone()
	c.Body = append([]byte(nil), r.Body...)
	return &c
}

// Storage holds named cache stores. Implementations must be safe for
// concurrent use.
type Storage interface {
	// Names lists every existing store.
	Names(ctx context.Context) ([]string, error)
	// Open creates the store if it does not exist.
	Open(ctx context.Context, cache string) error
	// Put stores r under key, replacing any previous entry. It never
	// creates the store: a missing store yields ErrNoStore.
	Put(ctx context.Context, cache, key string, r *Response) error
	// Match returns the entry stored under key or ErrNotCached.
	Match(ctx context.Context, cache, key string) (*Response, error)
	// Delete drops a whole store and reports whether it existed.
	Delete(ctx context.Context, cache string) (bool, error)
}

// DefaultMemoryEntries bounds each in-memory store.
const DefaultMemoryEntries = 1024

// MemoryStorage keeps stores in process memory, each one a bounded LRU.
type MemoryStorage struct {
	size int

	mux    sync.Mutex
	stores map[string]*lru.Cache[string, *Response]
}

var _ Storage = (*MemoryStorage)(nil)

// NewMemoryStorage creates a MemoryStorage holding up to size entries per store.
func NewMemoryStorage(size int) *MemoryStorage {
	if size <= 0 {
		size = DefaultMemoryEntries
	}
	return &MemoryStorage{
		size:   size,
		stores: map[string]*lru.Cache[string, *Response]{},
	}
}

func (s *MemoryStorage) Names(_ context.Context) ([]string, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	names := make([]string, 0, len(s.stores))
	for name := range s.stores {
		names = append(names, name)
	}
	sort.Strings(names)
	return names, nil
}

func (s *MemoryStorage) Open(_ context.Context, cache string) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	if _, ok := s.stores[cache]; ok {
		return nil
	}
	store, err := lru.New[string, *Response](s.size)
	if err != nil {
		return errors.Wrap(err, "create store")
	}
	s.stores[cache] = store
	return nil
}

func (s *MemoryStorage) Put(_ context.Context, cache, key string, r *Response) error {
	s.mux.Lock()
	defer s.mux.Unlock()

	store, ok := s.stores[cache]
	if !ok {
		return ErrNoStore
	}
	store.Add(key, r.Clone())
	return nil
}

func (s *MemoryStorage) Match(_ context.Context, cache, key string) (*Response, error) {
	s.mux.Lock()
	store, ok := s.stores[cache]
	s.mux.Unlock()
	if !ok {
		return nil, ErrNotCached
	}
	r, ok := store.Get(key)
	if !ok {
		return nil, ErrNotCached
	}
	return r.Clone(), nil
}

func (s *MemoryStorage) Delete(_ context.Context, cache string) (bool, error) {
	s.mux.Lock()
	defer s.mux.Unlock()

	_, ok := s.stores[cache]
	delete(s.stores, cache)
	return ok, nil
}
