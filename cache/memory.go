package cache

import (
	"sort"
	"sync"
	"time"
)

// MemCache is an in-memory Provider.
// It is primarily useful for tests and for ephemeral deployments where
// recorded sections do not need to survive a restart.
type MemCache struct {
	mutex  *sync.RWMutex
	caches map[string]map[string]Entry
}

func NewMemCache() MemCache {
	return MemCache{
		mutex:  &sync.RWMutex{},
		caches: make(map[string]map[string]Entry),
	}
}

func (m MemCache) Open(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	if _, ok := m.caches[name]; !ok {
		m.caches[name] = make(map[string]Entry)
	}
	return nil
}

func (m MemCache) Put(name string, e Entry) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	c, ok := m.caches[name]
	if !ok {
		c = make(map[string]Entry)
		m.caches[name] = c
	}
	c[e.Key] = e
	return nil
}

func (m MemCache) Match(name, key string) (Entry, bool, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	e, ok := m.caches[name][key]
	if !ok {
		return Entry{}, false, nil
	}
	if !e.Expires.IsZero() && e.Expires.Unix() > 0 && time.Now().After(e.Expires) {
		return Entry{}, false, nil
	}
	return e, true, nil
}

func (m MemCache) Keys(name string, cb func(string)) {
	for _, key := range m.sortedKeys(name) {
		cb(key)
	}
}

func (m MemCache) Entries(name string) ([]Entry, error) {
	keys := m.sortedKeys(name)
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	entries := make([]Entry, 0, len(keys))
	for _, key := range keys {
		entries = append(entries, m.caches[name][key])
	}
	return entries, nil
}

func (m MemCache) Delete(name string) error {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.caches, name)
	return nil
}

func (m MemCache) Purge(name, key string) {
	m.mutex.Lock()
	defer m.mutex.Unlock()
	delete(m.caches[name], key)
}

func (m MemCache) Oldest(name string) (string, time.Time, error) {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	var oldestKey string
	var oldest time.Time
	for key, e := range m.caches[name] {
		if e.Expires.Unix() <= 0 {
			continue
		}
		if oldestKey == "" || e.Expires.Before(oldest) {
			oldestKey = key
			oldest = e.Expires
		}
	}
	return oldestKey, oldest, nil
}

func (m MemCache) Has(name, key string) bool {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	_, ok := m.caches[name][key]
	return ok
}

func (m MemCache) sortedKeys(name string) []string {
	m.mutex.RLock()
	defer m.mutex.RUnlock()
	keys := make([]string, 0, len(m.caches[name]))
	for key := range m.caches[name] {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys
}
