package cache

import (
	"database/sql"
	"encoding/json"
	"sync"
	"time"

	_ "github.com/glebarez/go-sqlite"
)

// SectionRecord is the durable metadata for one recorded section.
// It is written only when a recording session commits.
type SectionRecord struct {
	// SectionID is the caller-supplied name of the recording.
	SectionID string `json:"sectionId"`
	// CacheName is the name of the durable cache holding the responses.
	CacheName string `json:"cacheName"`
	// LastUpdated is the commit timestamp.
	LastUpdated time.Time `json:"lastUpdated"`
	// Requests lists the fulfilled request identities, in resolution order.
	Requests []string `json:"requests"`
}

// SectionStore is a durable key-value store of section records.
//
// Implementations must be thread-safe!
type SectionStore interface {
	// Put writes the record, replacing any previous record with the same id.
	Put(rec SectionRecord) error
	// Get returns the record for the given section id, if it exists.
	Get(sectionID string) (SectionRecord, bool, error)
	// Delete removes the record for the given section id.
	// Deleting a missing record is not an error.
	Delete(sectionID string) error
	// List returns all section records.
	List() ([]SectionRecord, error)
	// Epoch returns the deletion epoch of the given section id.
	// The epoch advances on every Delete, so a committing session can
	// detect a deletion that raced its recording.
	Epoch(sectionID string) uint64
}

type SQLiteSectionStore struct {
	db         *sql.DB
	writeMutex *sync.Mutex

	epochMutex *sync.Mutex
	epochs     map[string]uint64
}

// NewSQLiteSectionStore creates a section store backed by the given db file.
// If file name is empty, a new in-memory db is opened.
func NewSQLiteSectionStore(filename string) *SQLiteSectionStore {
	if filename == "" {
		filename = "file::memory:?cache=shared"
	}
	db, err := sql.Open("sqlite", filename)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec(`CREATE TABLE IF NOT EXISTS sections (
		section_id TEXT PRIMARY KEY,
		cache_name TEXT,
		last_updated INTEGER,
		requests TEXT
	)`)
	if err != nil {
		panic(err)
	}
	_, err = db.Exec("PRAGMA journal_mode=WAL")
	if err != nil {
		panic(err)
	}
	return &SQLiteSectionStore{
		db:         db,
		writeMutex: &sync.Mutex{},
		epochMutex: &sync.Mutex{},
		epochs:     make(map[string]uint64),
	}
}

func (s *SQLiteSectionStore) Put(rec SectionRecord) error {
	requests, err := json.Marshal(rec.Requests)
	if err != nil {
		return err
	}
	s.writeMutex.Lock()
	defer s.writeMutex.Unlock()
	_, err = s.db.Exec(`INSERT OR REPLACE INTO sections
		(section_id, cache_name, last_updated, requests) VALUES (?, ?, ?, ?)`,
		rec.SectionID, rec.CacheName, rec.LastUpdated.Unix(), requests)
	return err
}

func (s *SQLiteSectionStore) Get(sectionID string) (SectionRecord, bool, error) {
	var rec SectionRecord
	var updated int64
	var requests []byte
	err := s.db.QueryRow(`SELECT section_id, cache_name, last_updated, requests
		FROM sections WHERE section_id = ?`, sectionID).
		Scan(&rec.SectionID, &rec.CacheName, &updated, &requests)
	if err == sql.ErrNoRows {
		return rec, false, nil
	}
	if err != nil {
		return rec, false, err
	}
	rec.LastUpdated = time.Unix(updated, 0)
	if err := json.Unmarshal(requests, &rec.Requests); err != nil {
		return rec, false, err
	}
	return rec, true, nil
}

func (s *SQLiteSectionStore) Delete(sectionID string) error {
	s.writeMutex.Lock()
	_, err := s.db.Exec("DELETE FROM sections WHERE section_id = ?", sectionID)
	s.writeMutex.Unlock()
	if err != nil {
		return err
	}
	s.epochMutex.Lock()
	s.epochs[sectionID]++
	s.epochMutex.Unlock()
	return nil
}

func (s *SQLiteSectionStore) List() ([]SectionRecord, error) {
	records := make([]SectionRecord, 0)
	rows, err := s.db.Query(`SELECT section_id, cache_name, last_updated, requests
		FROM sections ORDER BY section_id`)
	if err != nil {
		return records, err
	}
	defer rows.Close()
	for rows.Next() {
		var rec SectionRecord
		var updated int64
		var requests []byte
		if err := rows.Scan(&rec.SectionID, &rec.CacheName, &updated, &requests); err != nil {
			return records, err
		}
		rec.LastUpdated = time.Unix(updated, 0)
		if err := json.Unmarshal(requests, &rec.Requests); err != nil {
			return records, err
		}
		records = append(records, rec)
	}
	return records, rows.Err()
}

func (s *SQLiteSectionStore) Epoch(sectionID string) uint64 {
	s.epochMutex.Lock()
	defer s.epochMutex.Unlock()
	return s.epochs[sectionID]
}
