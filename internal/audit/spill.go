package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// spillArea is the durable local holding pen for records the sink refused.
// One JSON file per record, named by record ID, written atomically via a
// temp file so a crash never leaves a half-written record.
type spillArea struct {
	dir string
	mu  sync.Mutex
}

func newSpillArea(dir string) (*spillArea, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create audit spill directory: %w", err)
	}
	return &spillArea{dir: dir}, nil
}

func (a *spillArea) path(id string) string {
	return filepath.Join(a.dir, id+".json")
}

func (a *spillArea) write(rec Record) error {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	tmp := a.path(rec.ID) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, a.path(rec.ID))
}

// list returns spilled records ordered by record time, oldest first.
func (a *spillArea) list() ([]Record, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, err
	}

	var recs []Record
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(a.dir, entry.Name()))
		if err != nil {
			return nil, err
		}
		var rec Record
		if err := json.Unmarshal(data, &rec); err != nil {
			// A corrupt file must not wedge replay forever.
			continue
		}
		recs = append(recs, rec)
	}

	sort.Slice(recs, func(i, j int) bool { return recs[i].Time.Before(recs[j].Time) })
	return recs, nil
}

func (a *spillArea) remove(id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	return os.Remove(a.path(id))
}

func (a *spillArea) count() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return 0, err
	}
	n := 0
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), ".json") {
			n++
		}
	}
	return n, nil
}
