package sessions

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// ErrCorrupted marks a session whose log has a sequence gap. The key
// refuses further writes until operator intervention (sessions reset).
var ErrCorrupted = errors.New("sessions: log corrupted")

// Log is the durable append-only store: one JSONL file per session key
// under <root>/sessions/. Writes are serialised per key.
//
// Filenames flatten ":" to "_", which is not reversible for userIds that
// contain "_", so the canonical keys are kept in a sidecar index and Keys
// reads them back from there.
type Log struct {
	root string

	mu      sync.Mutex
	writers map[string]*keyWriter
	index   map[string]string // log file base name → canonical key
}

const indexFile = "keys.json"

type keyWriter struct {
	mu        sync.Mutex
	path      string
	nextSeq   uint64
	corrupted bool
}

// NewLog creates the sessions directory under root if needed.
func NewLog(root string) (*Log, error) {
	dir := filepath.Join(root, "sessions")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("sessions dir: %w", err)
	}
	l := &Log{
		root:    dir,
		writers: make(map[string]*keyWriter),
		index:   make(map[string]string),
	}
	if data, err := os.ReadFile(filepath.Join(dir, indexFile)); err == nil {
		_ = json.Unmarshal(data, &l.index)
	}
	return l, nil
}

func (l *Log) writer(key string) (*keyWriter, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if w, ok := l.writers[key]; ok {
		return w, nil
	}

	safe := SafeFilename(key)
	if safe == "" || !filepath.IsLocal(safe) || strings.ContainsAny(safe, `/\`) {
		return nil, fmt.Errorf("sessions: unsafe key %q", key)
	}
	w := &keyWriter{path: filepath.Join(l.root, safe+".jsonl")}

	entries, err := readAll(w.path)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			w.corrupted = true
		} else {
			return nil, err
		}
	}
	w.nextSeq = uint64(len(entries)) + 1
	l.writers[key] = w
	if l.index[safe] != key {
		l.index[safe] = key
		if err := l.saveIndexLocked(); err != nil {
			return nil, fmt.Errorf("sessions index: %w", err)
		}
	}
	return w, nil
}

// Append writes one entry, assigning the next dense sequence number, and
// returns it. A corrupted key refuses writes with ErrCorrupted.
func (l *Log) Append(key string, e Entry) (uint64, error) {
	w, err := l.writer(key)
	if err != nil {
		return 0, err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.corrupted {
		return 0, fmt.Errorf("%w: %s", ErrCorrupted, key)
	}

	e.Seq = w.nextSeq
	line, err := json.Marshal(e)
	if err != nil {
		return 0, fmt.Errorf("encode entry: %w", err)
	}

	f, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return 0, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return 0, fmt.Errorf("append session log: %w", err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync session log: %w", err)
	}

	w.nextSeq++
	return e.Seq, nil
}

// LoadOpts narrows a Load call.
type LoadOpts struct {
	FromSeq uint64 // 0 = from the beginning
	Limit   int    // 0 = unlimited
}

// Load streams entries in order. A gap in sequence numbers reports
// ErrCorrupted and marks the key read-only.
func (l *Log) Load(key string, opts LoadOpts) ([]Entry, error) {
	w, err := l.writer(key)
	if err != nil {
		return nil, err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.corrupted {
		return nil, fmt.Errorf("%w: %s", ErrCorrupted, key)
	}

	entries, err := readAll(w.path)
	if err != nil {
		if errors.Is(err, ErrCorrupted) {
			w.corrupted = true
		}
		return nil, err
	}

	if opts.FromSeq > 0 {
		idx := 0
		for idx < len(entries) && entries[idx].Seq < opts.FromSeq {
			idx++
		}
		entries = entries[idx:]
	}
	if opts.Limit > 0 && len(entries) > opts.Limit {
		entries = entries[:opts.Limit]
	}
	return entries, nil
}

// Keys lists all session keys with a persisted log. Keys come from the
// sidecar index, not from reversing filenames.
func (l *Log) Keys() ([]string, error) {
	files, err := os.ReadDir(l.root)
	if err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	var keys []string
	for _, f := range files {
		if f.IsDir() || !strings.HasSuffix(f.Name(), ".jsonl") {
			continue
		}
		name := strings.TrimSuffix(f.Name(), ".jsonl")
		key, ok := l.index[name]
		if !ok {
			// Log predates the index: the reverse mapping is lossy, so
			// it is trusted only when it parses as a canonical key.
			key = strings.ReplaceAll(name, "_", ":")
			if !Valid(key) {
				continue
			}
		}
		keys = append(keys, key)
	}
	return keys, nil
}

// saveIndexLocked persists the filename → key index atomically.
func (l *Log) saveIndexLocked() error {
	data, err := json.Marshal(l.index)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(l.root, "keys-*.tmp")
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
	if err := os.Rename(tmpPath, filepath.Join(l.root, indexFile)); err != nil {
		os.Remove(tmpPath)
		return err
	}
	return nil
}

// Reset truncates a key's log and clears its corruption flag. Operator
// intervention path only.
func (l *Log) Reset(key string) error {
	w, err := l.writer(key)
	if err != nil {
		return err
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if err := os.Remove(w.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	w.nextSeq = 1
	w.corrupted = false
	return nil
}

func readAll(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open session log: %w", err)
	}
	defer f.Close()

	var entries []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 8*1024*1024)
	var want uint64 = 1
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			return nil, fmt.Errorf("%w: bad line at seq %d: %v", ErrCorrupted, want, err)
		}
		if e.Seq != want {
			return nil, fmt.Errorf("%w: expected seq %d, found %d", ErrCorrupted, want, e.Seq)
		}
		want++
		entries = append(entries, e)
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("scan session log: %w", err)
	}
	return entries, nil
}
