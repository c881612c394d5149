package sessions

import (
	"container/list"
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Metadata is the mutable per-session state kept beside the log. It is
// persisted atomically as a sidecar file so the log itself stays strictly
// append-only.
type Metadata struct {
	Key          string    `json:"key"`
	Model        string    `json:"model,omitempty"`
	Lane         string    `json:"lane,omitempty"`
	InputTokens  int64     `json:"inputTokens,omitempty"`
	OutputTokens int64     `json:"outputTokens,omitempty"`
	SummarySeq   uint64    `json:"summarySeq,omitempty"` // latest rolling-summary entry
	LastActive   time.Time `json:"lastActive"`
}

// Snapshot is an immutable view of one session: the fold of its persisted
// log plus metadata. Readers share snapshots; the runtime publishes a new
// one after each append.
type Snapshot struct {
	Key     string
	Entries []Entry
	Meta    Metadata
}

type cached struct {
	key     string
	entries []Entry
	meta    Metadata
	tokens  int // estimated, for the cache bound
	elem    *list.Element
}

// Manager front-ends the Log with a token-bounded LRU cache and serialised
// per-key writes. It is the exclusive write path for session state.
type Manager struct {
	log *Log

	mu        sync.Mutex
	cache     map[string]*cached
	lru       *list.List // front = most recent
	maxTokens int
	curTokens int

	metaDir string
}

// DefaultCacheTokens bounds the in-memory cache by total estimated tokens,
// not entry count — one huge session evicts many small ones.
const DefaultCacheTokens = 2_000_000

// NewManager opens the store rooted at workspace root.
func NewManager(root string, maxCacheTokens int) (*Manager, error) {
	log, err := NewLog(root)
	if err != nil {
		return nil, err
	}
	if maxCacheTokens <= 0 {
		maxCacheTokens = DefaultCacheTokens
	}
	return &Manager{
		log:       log,
		cache:     make(map[string]*cached),
		lru:       list.New(),
		maxTokens: maxCacheTokens,
		metaDir:   log.root,
	}, nil
}

// Append atomically appends an entry, advances the sequence, updates the
// cached snapshot, and returns the assigned sequence number.
func (m *Manager) Append(key string, e Entry) (uint64, error) {
	seq, err := m.log.Append(key, e)
	if err != nil {
		return 0, err
	}
	e.Seq = seq

	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLocked(key)
	if err != nil {
		return seq, nil // appended durably; cache will repopulate on next read
	}
	// A cache miss above already loaded the new entry from disk.
	if len(c.entries) == 0 || c.entries[len(c.entries)-1].Seq < seq {
		c.entries = append(c.entries, e)
		delta := estimateEntryTokens(e)
		c.tokens += delta
		m.curTokens += delta
	}
	c.meta.LastActive = e.Timestamp
	if e.Type == EntrySummary {
		c.meta.SummarySeq = seq
	}
	m.touchLocked(c)
	m.evictLocked()
	return seq, nil
}

// Load streams entries from the durable log (bypassing the cache).
func (m *Manager) Load(key string, opts LoadOpts) ([]Entry, error) {
	return m.log.Load(key, opts)
}

// Snapshot returns the cached representation, loading from disk on miss.
func (m *Manager) Snapshot(key string) (Snapshot, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLocked(key)
	if err != nil {
		return Snapshot{}, err
	}
	m.touchLocked(c)
	entries := make([]Entry, len(c.entries))
	copy(entries, c.entries)
	return Snapshot{Key: key, Entries: entries, Meta: c.meta}, nil
}

// UpdateMeta applies fn to the session metadata and persists it.
func (m *Manager) UpdateMeta(key string, fn func(*Metadata)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	c, err := m.getLocked(key)
	if err != nil {
		return err
	}
	fn(&c.meta)
	c.meta.Key = key
	return m.saveMetaLocked(c)
}

// Keys lists all persisted session keys.
func (m *Manager) Keys() ([]string, error) { return m.log.Keys() }

// Reset clears a corrupted or unwanted session (operator path).
func (m *Manager) Reset(key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if c, ok := m.cache[key]; ok {
		m.curTokens -= c.tokens
		m.lru.Remove(c.elem)
		delete(m.cache, key)
	}
	_ = os.Remove(m.metaPath(key))
	return m.log.Reset(key)
}

func (m *Manager) getLocked(key string) (*cached, error) {
	if c, ok := m.cache[key]; ok {
		return c, nil
	}
	entries, err := m.log.Load(key, LoadOpts{})
	if err != nil {
		return nil, err
	}
	c := &cached{key: key, entries: entries, meta: m.loadMeta(key)}
	for _, e := range entries {
		c.tokens += estimateEntryTokens(e)
		if e.Type == EntrySummary {
			c.meta.SummarySeq = e.Seq
		}
	}
	c.elem = m.lru.PushFront(c)
	m.cache[key] = c
	m.curTokens += c.tokens
	m.evictLocked()
	return c, nil
}

func (m *Manager) touchLocked(c *cached) {
	m.lru.MoveToFront(c.elem)
}

func (m *Manager) evictLocked() {
	for m.curTokens > m.maxTokens && m.lru.Len() > 1 {
		back := m.lru.Back()
		c := back.Value.(*cached)
		// Metadata is flushed before eviction; the log itself is already
		// durable (every append is synced).
		if err := m.saveMetaLocked(c); err != nil {
			slog.Warn("sessions.evict_flush_failed", "key", c.key, "error", err)
		}
		m.lru.Remove(back)
		delete(m.cache, c.key)
		m.curTokens -= c.tokens
		slog.Debug("sessions.evicted", "key", c.key, "tokens", c.tokens)
	}
}

func (m *Manager) metaPath(key string) string {
	return filepath.Join(m.metaDir, SafeFilename(key)+".meta.json")
}

func (m *Manager) loadMeta(key string) Metadata {
	meta := Metadata{Key: key}
	data, err := os.ReadFile(m.metaPath(key))
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	meta.Key = key
	return meta
}

// saveMetaLocked writes metadata atomically: temp file then rename.
func (m *Manager) saveMetaLocked(c *cached) error {
	data, err := json.Marshal(c.meta)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(m.metaDir, "meta-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return err
	}
	tmp.Close()
	if err := os.Rename(tmpPath, m.metaPath(c.key)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// estimateEntryTokens mirrors the context engine's 4-chars-per-token
// heuristic so the cache bound tracks the same currency as budgets.
func estimateEntryTokens(e Entry) int {
	return (len(e.Data) + 3) / 4
}
