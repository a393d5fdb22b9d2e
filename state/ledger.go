// Package state persists the list of cloud resources the workflow creates
// so that teardown can find them later.
package state

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// Kind identifies the type of a tracked resource.
type Kind string

const (
	KindArtifact       Kind = "artifact"        // s3://bucket/key
	KindModel          Kind = "model"           // SageMaker model name
	KindEndpointConfig Kind = "endpoint-config" // SageMaker endpoint config name
	KindEndpoint       Kind = "endpoint"        // SageMaker endpoint name
	KindImage          Kind = "image"           // pushed image URI
	KindContainer      Kind = "container"       // local container ID
	KindServiceScale   Kind = "service-scale"   // cluster/service scaled above zero
)

// Entry tracks a single resource.
type Entry struct {
	Kind       Kind              `json:"kind"`
	ID         string            `json:"id"`
	RunID      string            `json:"runId,omitempty"`
	Attributes map[string]string `json:"attributes,omitempty"`
	CreatedAt  time.Time         `json:"createdAt"`
	CleanedUp  bool              `json:"cleanedUp"`
	Seq        int64             `json:"seq"`
}

func (e Entry) key() string {
	return string(e.Kind) + "/" + e.ID
}

// Ledger tracks every resource created by the workflow. Every mutation is
// written through to filePath.
type Ledger struct {
	mu       sync.RWMutex
	entries  map[string]*Entry // keyed by kind/id
	seq      int64
	filePath string // for JSON persistence
}

type ledgerFile struct {
	Entries []Entry `json:"entries"`
}

// NewLedger creates an empty ledger.
// If filePath is empty, persistence is disabled.
func NewLedger(filePath string) *Ledger {
	return &Ledger{
		entries:  make(map[string]*Entry),
		filePath: filePath,
	}
}

// Path returns the file the ledger persists to.
func (l *Ledger) Path() string {
	return l.filePath
}

// Register adds or replaces an entry and saves the ledger. A zero
// CreatedAt is set to now.
func (l *Ledger) Register(entry Entry) error {
	if entry.Kind == "" || entry.ID == "" {
		return fmt.Errorf("ledger entry needs a kind and an id")
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	l.mu.Lock()
	l.seq++
	entry.Seq = l.seq
	l.entries[entry.key()] = &entry
	l.mu.Unlock()
	return l.Save()
}

// MarkCleanedUp marks a resource as deleted and saves the ledger.
// Unknown resources are ignored.
func (l *Ledger) MarkCleanedUp(kind Kind, id string) error {
	l.mu.Lock()
	e, ok := l.entries[string(kind)+"/"+id]
	if ok {
		e.CleanedUp = true
	}
	l.mu.Unlock()
	if !ok {
		return nil
	}
	return l.Save()
}

// ListActive returns entries that have not been cleaned up, most recently
// created first.
func (l *Ledger) ListActive() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	var result []Entry
	for _, e := range l.entries {
		if !e.CleanedUp {
			result = append(result, *e)
		}
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq > result[j].Seq })
	return result
}

// ListOrphaned returns active entries older than maxAge.
func (l *Ledger) ListOrphaned(maxAge time.Duration) []Entry {
	cutoff := time.Now().Add(-maxAge)
	var result []Entry
	for _, e := range l.ListActive() {
		if e.CreatedAt.Before(cutoff) {
			result = append(result, e)
		}
	}
	return result
}

// ListAll returns all entries in creation order.
func (l *Ledger) ListAll() []Entry {
	l.mu.RLock()
	defer l.mu.RUnlock()
	result := make([]Entry, 0, len(l.entries))
	for _, e := range l.entries {
		result = append(result, *e)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].Seq < result[j].Seq })
	return result
}

// Save writes the ledger to disk as JSON, replacing the previous file
// atomically.
func (l *Ledger) Save() error {
	if l.filePath == "" {
		return nil
	}
	data, err := json.MarshalIndent(ledgerFile{Entries: l.ListAll()}, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(l.filePath), 0o755); err != nil {
		return fmt.Errorf("create state dir: %w", err)
	}
	tmp := l.filePath + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	if err := os.Rename(tmp, l.filePath); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Load reads the ledger from disk. A missing file leaves the ledger empty.
func (l *Ledger) Load() error {
	if l.filePath == "" {
		return nil
	}
	data, err := os.ReadFile(l.filePath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	var f ledgerFile
	if err := json.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse ledger %s: %w", l.filePath, err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.entries = make(map[string]*Entry, len(f.Entries))
	l.seq = 0
	for i := range f.Entries {
		e := f.Entries[i]
		l.entries[e.key()] = &e
		if e.Seq > l.seq {
			l.seq = e.Seq
		}
	}
	return nil
}
