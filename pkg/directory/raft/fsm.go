package raftdir

import (
    "encoding/json"
    "fmt"
    "io"
    "sync"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/view"
)

// Log command operations.
const (
    opClaim    = "claim"
    opRegister = "register"
    opRelease  = "release"
    // opAdvertise records where a node accepts forwarded writes.
    opAdvertise = "advertise"
)

// command is the JSON payload of a Raft log entry.
type command struct {
    Op      string       `json:"op"`
    Group   string       `json:"group,omitempty"`
    Addr    view.Address `json:"addr"`
    Node    string       `json:"node,omitempty"`
    Forward string       `json:"forward,omitempty"`
}

// claimResult is the FSM response to opClaim.
type claimResult struct {
    Holder  view.Address
    Claimed bool
}

// directoryFSM bridges Raft Apply/Snapshot to a directory.Table. It also
// keeps the forwarding address advertised by each node that led the cluster.
type directoryFSM struct {
    t *directory.Table

    mu      sync.RWMutex
    forward map[string]string
}

func newDirectoryFSM(t *directory.Table) *directoryFSM {
    return &directoryFSM{t: t, forward: make(map[string]string)}
}

func (f *directoryFSM) forwardAddr(node string) string {
    f.mu.RLock()
    defer f.mu.RUnlock()
    return f.forward[node]
}

func (f *directoryFSM) Apply(l *raft.Log) interface{} {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil {
        return err
    }
    switch cmd.Op {
    case opClaim:
        holder, ok, err := f.t.Claim(cmd.Group, cmd.Addr)
        if err != nil { return err }
        return claimResult{Holder: holder, Claimed: ok}
    case opRegister:
        return f.t.Set(cmd.Group, cmd.Addr)
    case opRelease:
        f.t.Release(cmd.Group, cmd.Addr)
        return nil
    case opAdvertise:
        if cmd.Node == "" { return fmt.Errorf("raftdir: advertise without node") }
        f.mu.Lock()
        f.forward[cmd.Node] = cmd.Forward
        f.mu.Unlock()
        return nil
    default:
        return fmt.Errorf("raftdir: unknown op %q", cmd.Op)
    }
}

type fsmState struct {
    Table   json.RawMessage   `json:"table"`
    Forward map[string]string `json:"forward,omitempty"`
}

func (f *directoryFSM) Snapshot() (raft.FSMSnapshot, error) {
    table, err := f.t.Snapshot()
    if err != nil { return nil, err }
    f.mu.RLock()
    fwd := make(map[string]string, len(f.forward))
    for k, v := range f.forward { fwd[k] = v }
    f.mu.RUnlock()
    blob, err := json.Marshal(fsmState{Table: table, Forward: fwd})
    if err != nil { return nil, err }
    return &snapshot{blob: blob, at: time.Now()}, nil
}

func (f *directoryFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    var st fsmState
    if err := json.Unmarshal(data, &st); err != nil { return err }
    if err := f.t.Restore(st.Table); err != nil { return err }
    f.mu.Lock()
    f.forward = make(map[string]string, len(st.Forward))
    for k, v := range st.Forward { f.forward[k] = v }
    f.mu.Unlock()
    return nil
}

type snapshot struct {
    blob []byte
    at   time.Time
}

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

// Ensure compile-time interface compliance.
var _ raft.FSM = (*directoryFSM)(nil)
