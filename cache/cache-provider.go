package cache

import (
	"database/sql"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// Provider is an interface for a named blob cache.
// It stores and retrieves []byte values, which represent HTTP responses,
// grouped into named caches so that e.g. each recorded section gets a
// cache of its own. Entries are addressed by (cache name, key), where
// the key is the canonical request URL.
//
// Implementations must be thread-safe!
type Provider interface {
	// Open makes sure the named cache exists.
	// Providers that create caches lazily on Put may treat this as a no-op.
	Open(name string) error
	// Put stores the given entry in the named cache.
	// Storing the same key twice replaces the previous entry.
	Put(name string, e Entry) error
	// Match returns the entry stored under the given key, if it exists.
	// It also returns a boolean indicating whether retrieval was successful.
	// If the entry has expired, the boolean should be false.
	Match(name, key string) (Entry, bool, error)
	// Keys calls the given callback for each key in the named cache.
	// It calls the callback in order to enable very large lists of keys to be
	// processable (provider implementation might use paging, for instance).
	Keys(name string, cb func(string))
	// Entries returns all entries in the named cache.
	Entries(name string) ([]Entry, error)
	// Delete removes the named cache and all its entries.
	// Deleting a cache that does not exist is not an error.
	Delete(name string) error
	// Purge removes a single entry from the named cache.
	Purge(name, key string)
	// Oldest returns the key and expiration time of the entry in the named
	// cache with the earliest expiration time.
	// It should not return items where the expiry is zero.
	Oldest(name string) (string, time.Time, error)
	// Has checks if the specified key exists in the named cache.
	Has(name, key string) bool
}

// Entry is one stored response.
// Bytes holds the HTTP/1.1 serialization of the response.
type Entry struct {
	Key         string
	RequestedAt time.Time
	ReceivedAt  time.Time
	Expires     time.Time
	Bytes       []byte
}

type SQLiteCache struct {
	db         *sql.DB
	writeMutex *sync.Mutex
}

// NewSQLiteCache creates a new cache with the given filename as the db.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteCache(filename string) SQLiteCache {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS cache (
		cache_name TEXT,
		key TEXT,
		expires INTEGER,
		requested_at INTEGER,
		received_at INTEGER,
		bytes BLOB,
		PRIMARY KEY (cache_name, key)
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("CREATE INDEX IF NOT EXISTS cache_expires_idx ON cache (cache_name, expires)")
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return SQLiteCache{
		db:         db,
		writeMutex: &sync.Mutex{},
	}
}

func (s SQLiteCache) Open(name string) error {
	// caches exist as soon as they have entries
	return nil
}

func (s SQLiteCache) Put(name string, e Entry) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec(`INSERT OR REPLACE INTO cache
		(cache_name, key, expires, requested_at, received_at, bytes) VALUES (?, ?, ?, ?, ?, ?)`,
		name, e.Key, e.Expires.Unix(), e.RequestedAt.Unix(), e.ReceivedAt.Unix(), e.Bytes)
	return err
}

func (s SQLiteCache) Match(name, key string) (Entry, bool, error) {
	var entry Entry
	var exp, req, rec int64
	err := s.db.QueryRow(`SELECT key, expires, requested_at, received_at, bytes
		FROM cache WHERE cache_name = ? AND key = ?`, name, key).
		Scan(&entry.Key, &exp, &req, &rec, &entry.Bytes)
	if err == sql.ErrNoRows {
		return entry, false, nil
	}
	if err != nil {
		return entry, false, err
	}
	entry.Expires = time.Unix(exp, 0)
	entry.RequestedAt = time.Unix(req, 0)
	entry.ReceivedAt = time.Unix(rec, 0)
	if exp > 0 && time.Now().After(entry.Expires) {
		return entry, false, nil
	}
	return entry, true, nil
}

func (s SQLiteCache) Entries(name string) ([]Entry, error) {
	entries := make([]Entry, 0)
	rows, err := s.db.Query(`SELECT key, expires, requested_at, received_at, bytes
		FROM cache WHERE cache_name = ?`, name)
	if err != nil {
		return entries, err
	}
	defer rows.Close()
	for rows.Next() {
		var entry Entry
		var exp, req, rec int64
		if err := rows.Scan(&entry.Key, &exp, &req, &rec, &entry.Bytes); err != nil {
			return entries, err
		}
		entry.Expires = time.Unix(exp, 0)
		entry.RequestedAt = time.Unix(req, 0)
		entry.ReceivedAt = time.Unix(rec, 0)
		entries = append(entries, entry)
	}
	return entries, rows.Err()
}

func (s SQLiteCache) Keys(name string, cb func(string)) {
	rows, err := s.db.Query("SELECT key FROM cache WHERE cache_name = ?", name)
	if err != nil {
		return
	}
	defer rows.Close()

	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return
		}
		cb(key)
	}
}

func (s SQLiteCache) Delete(name string) error {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE cache_name = ?", name)
	return err
}

func (s SQLiteCache) Purge(name, key string) {
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err := s.db.Exec("DELETE FROM cache WHERE cache_name = ? AND key = ?", name, key)
	if err != nil {
		panic(err)
	}
}

func (s SQLiteCache) Oldest(name string) (string, time.Time, error) {
	var key string
	var expires int64
	err := s.db.QueryRow(
		"SELECT key, expires FROM cache WHERE cache_name = ? AND expires > 0 ORDER BY expires ASC LIMIT 1",
		name,
	).Scan(&key, &expires)
	if err == sql.ErrNoRows {
		return "", time.Time{}, nil
	}
	if err != nil {
		return "", time.Time{}, err
	}
	return key, time.Unix(expires, 0), nil
}

func (s SQLiteCache) Has(name, key string) bool {
	var one int
	err := s.db.QueryRow("SELECT 1 FROM cache WHERE cache_name = ? AND key = ?", name, key).Scan(&one)
	return err == nil
}
