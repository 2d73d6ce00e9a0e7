package directory

import (
    "encoding/json"
    "fmt"
    "sort"
    "sync"

    "github.com/amirimatin/go-group/pkg/view"
)

// Table is the in-memory group → coordinator state shared by the local
// directory and the Raft FSM.
type Table struct {
    mu      sync.RWMutex
    entries map[string]view.Address
}

func NewTable() *Table { return &Table{entries: make(map[string]view.Address)} }

func (t *Table) Get(group string) (view.Address, bool) {
    t.mu.RLock(); defer t.mu.RUnlock()
    a, ok := t.entries[group]
    return a, ok
}

// Claim sets addr when group is free and returns the resulting holder.
func (t *Table) Claim(group string, addr view.Address) (view.Address, bool, error) {
    if group == "" { return view.Address{}, false, fmt.Errorf("directory: empty group") }
    t.mu.Lock(); defer t.mu.Unlock()
    if cur, ok := t.entries[group]; ok {
        return cur, cur.Equal(addr), nil
    }
    t.entries[group] = addr
    return addr, true, nil
}

func (t *Table) Set(group string, addr view.Address) error {
    if group == "" { return fmt.Errorf("directory: empty group") }
    t.mu.Lock(); defer t.mu.Unlock()
    t.entries[group] = addr
    return nil
}

// Release deletes group only while addr holds it.
func (t *Table) Release(group string, addr view.Address) bool {
    t.mu.Lock(); defer t.mu.Unlock()
    cur, ok := t.entries[group]
    if !ok || !cur.Equal(addr) { return false }
    delete(t.entries, group)
    return true
}

func (t *Table) Len() int {
    t.mu.RLock(); defer t.mu.RUnlock()
    return len(t.entries)
}

type entry struct {
    Group       string       `json:"group"`
    Coordinator view.Address `json:"coordinator"`
}

// Snapshot encodes state as a stable JSON for ease of debugging/migration.
func (t *Table) Snapshot() ([]byte, error) {
    t.mu.RLock(); defer t.mu.RUnlock()
    arr := make([]entry, 0, len(t.entries))
    for g, a := range t.entries { arr = append(arr, entry{Group: g, Coordinator: a}) }
    sort.Slice(arr, func(i, j int) bool { return arr[i].Group < arr[j].Group })
    return json.Marshal(struct{
        Version int     `json:"version"`
        Entries []entry `json:"entries"`
    }{Version: 1, Entries: arr})
}

func (t *Table) Restore(buf []byte) error {
    var snapshot struct{
        Version int     `json:"version"`
        Entries []entry `json:"entries"`
    }
    if err := json.Unmarshal(buf, &snapshot); err != nil {
        return err
    }
    if snapshot.Version != 1 {
        return fmt.Errorf("directory: unsupported snapshot version %d", snapshot.Version)
    }
    t.mu.Lock(); defer t.mu.Unlock()
    t.entries = make(map[string]view.Address, len(snapshot.Entries))
    for _, e := range snapshot.Entries {
        if e.Group == "" || e.Coordinator.IsZero() { continue }
        t.entries[e.Group] = e.Coordinator
    }
    return nil
}
