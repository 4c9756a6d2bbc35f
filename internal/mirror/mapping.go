package mirror

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
)

// MappingFileName is the mapping table's file under the store
// directory.
const MappingFileName = "mappings.json"

// Mapping ties a local issue to its external tracker counterpart. The
// three timestamps drive three-way resolution: local and external
// updated_at as last written, plus the last successful sync point.
type Mapping struct {
	LocalID           string `json:"localId"`
	ExternalNumber    int    `json:"externalNumber"`
	InstallationID    int64  `json:"installationId,omitempty"`
	LocalUpdatedAt    string `json:"localUpdatedAt"`
	ExternalUpdatedAt string `json:"externalUpdatedAt"`
	LastSyncedAt      string `json:"lastSyncedAt"`
}

// MappingTable is the double-indexed mapping set. All access is
// synchronized; per-mapping operation locks serialize in-flight work on
// one pair without blocking other pairs.
type MappingTable struct {
	path string

	mu         sync.Mutex
	byLocal    map[string]*Mapping
	byExternal map[int]*Mapping
	inFlight   map[string]*sync.Mutex
}

// OpenMappingTable loads (or initializes) the table persisted in dir.
func OpenMappingTable(dir string) (*MappingTable, error) {
	t := &MappingTable{
		path:       filepath.Join(dir, MappingFileName),
		byLocal:    make(map[string]*Mapping),
		byExternal: make(map[int]*Mapping),
		inFlight:   make(map[string]*sync.Mutex),
	}

	data, err := os.ReadFile(t.path)
	if os.IsNotExist(err) {
		return t, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading mapping table: %w", err)
	}
	var mappings []Mapping
	if err := json.Unmarshal(data, &mappings); err != nil {
		return nil, fmt.Errorf("parsing mapping table: %w", err)
	}
	for i := range mappings {
		m := mappings[i]
		t.byLocal[m.LocalID] = &m
		t.byExternal[m.ExternalNumber] = &m
	}
	return t, nil
}

// ByLocal returns a copy of the mapping for a local id.
func (t *MappingTable) ByLocal(id string) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byLocal[id]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// ByExternal returns a copy of the mapping for an external number.
func (t *MappingTable) ByExternal(number int) (Mapping, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	m, ok := t.byExternal[number]
	if !ok {
		return Mapping{}, false
	}
	return *m, true
}

// Put inserts or replaces a mapping and persists the table.
func (t *MappingTable) Put(m Mapping) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if old, ok := t.byLocal[m.LocalID]; ok && old.ExternalNumber != m.ExternalNumber {
		delete(t.byExternal, old.ExternalNumber)
	}
	stored := m
	t.byLocal[m.LocalID] = &stored
	t.byExternal[m.ExternalNumber] = &stored
	return t.saveLocked()
}

// Len reports the number of mappings.
func (t *MappingTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.byLocal)
}

// Lock acquires the in-flight lock for one local id, serializing push
// and pull work on that pair. The returned func releases it.
func (t *MappingTable) Lock(localID string) func() {
	t.mu.Lock()
	m, ok := t.inFlight[localID]
	if !ok {
		m = &sync.Mutex{}
		t.inFlight[localID] = m
	}
	t.mu.Unlock()

	m.Lock()
	return m.Unlock
}

// saveLocked writes the table atomically. Caller holds t.mu.
func (t *MappingTable) saveLocked() error {
	mappings := make([]Mapping, 0, len(t.byLocal))
	for _, m := range t.byLocal {
		mappings = append(mappings, *m)
	}
	sort.Slice(mappings, func(i, j int) bool { return mappings[i].LocalID < mappings[j].LocalID })

	data, err := json.MarshalIndent(mappings, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding mapping table: %w", err)
	}

	tmp, err := os.CreateTemp(filepath.Dir(t.path), ".mappings-*.json")
	if err != nil {
		return fmt.Errorf("creating temp mapping table: %w", err)
	}
	if _, err := tmp.Write(append(data, '\n')); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("writing mapping table: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("closing mapping table: %w", err)
	}
	if err := os.Rename(tmp.Name(), t.path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("replacing mapping table: %w", err)
	}
	return nil
}
