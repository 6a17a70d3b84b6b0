package postgres

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/bits-and-blooms/bloom/v3"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/klauspost/pgzip"

	"github.com/xenking/pdv-movel/internal/offline"
)

const (
	defaultFilterCapacity = 100_000
	filterFPR             = 0.01
)

var _ offline.Storage = (*CacheStorage)(nil)

// CacheOption customizes a CacheStorage.
type CacheOption func(*CacheStorage)

// WithFilterCapacity sets the expected number of keys per store.
func WithFilterCapacity(n uint) CacheOption {
	return func(s *CacheStorage) {
		if n > 0 {
			s.filterCapacity = n
		}
	}
}

// CacheStorage implements offline.Storage on PostgreSQL. Bodies are stored
// gzip-compressed.
//
// Each store has an in-process bloom filter of its keys, loaded on first
// lookup, so most misses never reach the database. The filter only sees
// writes of this process: stores must not be shared by several proxies.
type CacheStorage struct {
	pool           *pgxpool.Pool
	filterCapacity uint

	mux     sync.Mutex
	filters map[string]*bloom.BloomFilter
	// pending holds keys written to a store while its filter loads.
	pending  map[string][]string
	loadKeys func(ctx context.Context, cache string) ([]string, error)
}

// NewCacheStorage returns a CacheStorage that uses the given pool.
func NewCacheStorage(pool *pgxpool.Pool, opts ...CacheOption) *CacheStorage {
	s := &CacheStorage{
		pool:           pool,
		filterCapacity: defaultFilterCapacity,
		filters:        map[string]*bloom.BloomFilter{},
		pending:        map[string][]string{},
	}
	s.loadKeys = s.selectKeys
	for _, o := range opts {
		o(s)
	}
	return s
}

// Names lists every store ordered by name.
func (s *CacheStorage) Names(ctx context.Context) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT name FROM offline_cache_stores ORDER BY name`)
	if err != nil {
		return nil, errors.Wrap(err, "list stores")
	}
	names, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrap(err, "scan stores")
	}
	return names, nil
}

// Open creates the store if it does not exist.
func (s *CacheStorage) Open(ctx context.Context, cache string) error {
	if _, err := s.pool.Exec(ctx, openStoreSQL, cache); err != nil {
		return errors.Wrapf(err, "open store %s", cache)
	}
	return nil
}

const (
	openStoreSQL        = `INSERT INTO offline_cache_stores (name) VALUES ($1) ON CONFLICT (name) DO NOTHING`
	foreignKeyViolation = "23503"
)

// Put stores r under key. A store that does not exist is not recreated:
// Put returns offline.ErrNoStore instead.
func (s *CacheStorage) Put(ctx context.Context, cache, key string, r *offline.Response) error {
	body, err := compress(r.Body)
	if err != nil {
		return errors.Wrap(err, "compress body")
	}
	storedAt := r.StoredAt
	if storedAt.IsZero() {
		storedAt = time.Now().UTC()
	}

	tag, err := s.pool.Exec(ctx, `
		INSERT INTO offline_cache_entries (cache, key, status, header, body, stored_at)
		SELECT name, $2, $3, $4, $5, $6
		FROM offline_cache_stores
		WHERE name = $1
		ON CONFLICT (cache, key) DO UPDATE
		SET status = EXCLUDED.status,
		    header = EXCLUDED.header,
		    body = EXCLUDED.body,
		    stored_at = EXCLUDED.stored_at`,
		cache, key, r.Status, encodeHeader(r.Header), body, storedAt,
	)
	var pgErr *pgconn.PgError
	switch {
	case errors.As(err, &pgErr) && pgErr.Code == foreignKeyViolation:
		// Store deleted while the row was being written.
		return offline.ErrNoStore
	case err != nil:
		return errors.Wrapf(err, "put %s %s", cache, key)
	case tag.RowsAffected() == 0:
		return offline.ErrNoStore
	}

	s.remember(cache, key)
	return nil
}

// remember records a written key in the filter of its store.
func (s *CacheStorage) remember(cache, key string) {
	s.mux.Lock()
	defer s.mux.Unlock()

	if f, ok := s.filters[cache]; ok {
		f.AddString(key)
	} else if keys, loading := s.pending[cache]; loading {
		s.pending[cache] = append(keys, key)
	}
}

// Match returns the entry stored under key or offline.ErrNotCached.
func (s *CacheStorage) Match(ctx context.Context, cache, key string) (*offline.Response, error) {
	maybe, err := s.mayContain(ctx, cache, key)
	if err != nil {
		return nil, err
	}
	if !maybe {
		return nil, offline.ErrNotCached
	}

	var (
		status   int
		header   []byte
		body     []byte
		storedAt time.Time
	)
	err = s.pool.QueryRow(ctx, `
		SELECT status, header, body, stored_at
		FROM offline_cache_entries
		WHERE cache = $1 AND key = $2`,
		cache, key,
	).Scan(&status, &header, &body, &storedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, offline.ErrNotCached
		}
		return nil, errors.Wrapf(err, "match %s %s", cache, key)
	}

	h, err := decodeHeader(header)
	if err != nil {
		return nil, errors.Wrap(err, "decode header")
	}
	raw, err := decompress(body)
	if err != nil {
		return nil, errors.Wrap(err, "decompress body")
	}

	return &offline.Response{
		Status:   status,
		Header:   h,
		Body:     raw,
		StoredAt: storedAt,
	}, nil
}

// Delete drops a store with all its entries.
func (s *CacheStorage) Delete(ctx context.Context, cache string) (bool, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM offline_cache_stores WHERE name = $1`, cache)
	if err != nil {
		return false, errors.Wrapf(err, "delete store %s", cache)
	}

	s.mux.Lock()
	delete(s.filters, cache)
	delete(s.pending, cache)
	s.mux.Unlock()

	return tag.RowsAffected() > 0, nil
}

// mayContain consults the bloom filter of the store, loading it first.
// The load runs without the lock. Keys written meanwhile are collected in
// pending and added before the filter is installed.
func (s *CacheStorage) mayContain(ctx context.Context, cache, key string) (bool, error) {
	s.mux.Lock()
	f, ok := s.filters[cache]
	if !ok {
		if _, loading := s.pending[cache]; !loading {
			s.pending[cache] = nil
		}
	}
	s.mux.Unlock()
	if ok {
		return f.TestString(key), nil
	}

	loaded, err := s.loadFilter(ctx, cache)
	if err != nil {
		return false, err
	}

	s.mux.Lock()
	defer s.mux.Unlock()
	if f, ok = s.filters[cache]; !ok {
		f = loaded
		for _, k := range s.pending[cache] {
			f.AddString(k)
		}
		delete(s.pending, cache)
		s.filters[cache] = f
	}
	return f.TestString(key), nil
}

func (s *CacheStorage) loadFilter(ctx context.Context, cache string) (*bloom.BloomFilter, error) {
	keys, err := s.loadKeys(ctx, cache)
	if err != nil {
		return nil, err
	}

	capacity := s.filterCapacity
	if n := uint(len(keys)) * 2; n > capacity {
		capacity = n
	}
	f := bloom.NewWithEstimates(capacity, filterFPR)
	for _, k := range keys {
		f.AddString(k)
	}
	return f, nil
}

func (s *CacheStorage) selectKeys(ctx context.Context, cache string) ([]string, error) {
	rows, err := s.pool.Query(ctx, `SELECT key FROM offline_cache_entries WHERE cache = $1`, cache)
	if err != nil {
		return nil, errors.Wrapf(err, "load keys of %s", cache)
	}
	keys, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		return nil, errors.Wrapf(err, "scan keys of %s", cache)
	}
	return keys, nil
}

func compress(data []byte) ([]byte, error) {
	var buf bytes.Buffer
	w := pgzip.NewWriter(&buf)
	if _, err := w.Write(data); err != nil {
		return nil, err
	}
	if err := w.Close(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func decompress(data []byte) ([]byte, error) {
	r, err := pgzip.NewReader(bytes.NewReader(data))
	if err != nil {
		return nil, err
	}
	defer func() { _ = r.Close() }()
	return io.ReadAll(r)
}

// encodeHeader writes h as a JSON object of string arrays.
func encodeHeader(h http.Header) []byte {
	e := jx.GetEncoder()
	defer jx.PutEncoder(e)

	e.ObjStart()
	for k, vv := range h {
		e.FieldStart(k)
		e.ArrStart()
		for _, v := range vv {
			e.Str(v)
		}
		e.ArrEnd()
	}
	e.ObjEnd()

	return append([]byte(nil), e.Bytes()...)
}

func decodeHeader(data []byte) (http.Header, error) {
	h := http.Header{}
	if len(data) == 0 {
		return h, nil
	}
	d := jx.DecodeBytes(data)
	if err := d.ObjBytes(func(d *jx.Decoder, key []byte) error {
		name := string(key)
		return d.Arr(func(d *jx.Decoder) error {
			v, err := d.Str()
			if err != nil {
				return err
			}
			h[name] = append(h[name], v)
			return nil
		})
	}); err != nil {
		return nil, err
	}
	return h, nil
}
