package sync

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// CrawlRecord describes one crawl run
type CrawlRecord struct {
	ID                string     `json:"id"`
	StartedAt         time.Time  `json:"started_at"`
	CompletedAt       *time.Time `json:"completed_at,omitempty"`
	FilesDiscovered   int        `json:"files_discovered"`
	FoldersDiscovered int        `json:"folders_discovered"`
	TrashedUnseen     int64      `json:"trashed_unseen"`
	Error             string     `json:"error,omitempty"`
}

// Succeeded reports whether the crawl finished without error
func (r *CrawlRecord) Succeeded() bool {
	return r.CompletedAt != nil && r.Error == ""
}

// SyncState represents the persisted crawl history of one mirror
type SyncState struct {
	MirrorKey   string       `json:"mirror_key"`
	LastCrawl   *CrawlRecord `json:"last_crawl,omitempty"`
	LastSuccess *CrawlRecord `json:"last_success,omitempty"`
}

// StateTracker manages the local crawl state file
type StateTracker struct {
	state    *SyncState
	filePath string
	mu       sync.RWMutex
	dirty    bool
}

// NewStateTracker creates a state tracker for the mirror identified by key,
// storing its file under dir. A state file written for a different mirror
// is ignored.
func NewStateTracker(dir, key string) (*StateTracker, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	// Create a unique state file based on the mirror key hash
	keyHash := HashString(key)[:12]
	filePath := filepath.Join(dir, "state-"+keyHash+".json")

	st := &StateTracker{
		filePath: filePath,
		state:    &SyncState{MirrorKey: key},
	}

	// A missing or unreadable file means no history yet
	_ = st.load()

	if st.state.MirrorKey != key {
		st.state = &SyncState{MirrorKey: key}
	}

	return st, nil
}

// Path returns the state file location
func (st *StateTracker) Path() string {
	return st.filePath
}

// load reads state from disk
func (st *StateTracker) load() error {
	data, err := os.ReadFile(st.filePath)
	if err != nil {
		return err
	}

	state := &SyncState{}
	if err := json.Unmarshal(data, state); err != nil {
		return err
	}

	st.state = state
	return nil
}

// Save persists state to disk
func (st *StateTracker) Save() error {
	st.mu.Lock()
	defer st.mu.Unlock()

	if !st.dirty {
		return nil
	}

	data, err := json.MarshalIndent(st.state, "", "  ")
	if err != nil {
		return err
	}

	if err := os.WriteFile(st.filePath, data, 0644); err != nil {
		return err
	}

	st.dirty = false
	return nil
}

// BeginCrawl records that a crawl has started
func (st *StateTracker) BeginCrawl(id string, startedAt time.Time) {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.LastCrawl = &CrawlRecord{ID: id, StartedAt: startedAt}
	st.dirty = true
}

// FinishCrawl completes the current crawl record
func (st *StateTracker) FinishCrawl(result *Result, crawlErr error) {
	st.mu.Lock()
	defer st.mu.Unlock()

	record := st.state.LastCrawl
	if record == nil {
		record = &CrawlRecord{StartedAt: result.StartedAt}
		st.state.LastCrawl = record
	}

	completed := result.CompletedAt
	record.CompletedAt = &completed
	record.FilesDiscovered = result.FilesDiscovered
	record.FoldersDiscovered = result.FoldersDiscovered
	record.TrashedUnseen = result.TrashedUnseen
	record.Error = ""
	if crawlErr != nil {
		record.Error = crawlErr.Error()
	} else {
		success := *record
		st.state.LastSuccess = &success
	}
	st.dirty = true
}

// LastCrawl returns a copy of the most recent crawl record
func (st *StateTracker) LastCrawl() *CrawlRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return copyRecord(st.state.LastCrawl)
}

// LastSuccess returns a copy of the most recent successful crawl record
func (st *StateTracker) LastSuccess() *CrawlRecord {
	st.mu.RLock()
	defer st.mu.RUnlock()
	return copyRecord(st.state.LastSuccess)
}

// Clear removes all state
func (st *StateTracker) Clear() {
	st.mu.Lock()
	defer st.mu.Unlock()
	st.state.LastCrawl = nil
	st.state.LastSuccess = nil
	st.dirty = true
}

func copyRecord(r *CrawlRecord) *CrawlRecord {
	if r == nil {
		return nil
	}
	c := *r
	return &c
}
