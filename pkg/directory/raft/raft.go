package raftdir

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"
    "os"
    "path/filepath"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/raft"
    raftboltdb "github.com/hashicorp/raft-boltdb"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
    "github.com/amirimatin/go-group/pkg/view"
)

// ErrNotLeader is returned by writes issued on a follower.
var ErrNotLeader = errors.New("raftdir: not leader")

// LeaderInfo describes the current known leader.
type LeaderInfo struct {
    ID   string
    Addr string
    Term uint64
}

// Forwarder posts a directory write to the management endpoint at addr.
// *httpjson.Client implements it.
type Forwarder interface {
    PostDirectoryWrite(ctx context.Context, addr string, w httpjson.DirectoryWrite) (httpjson.DirectoryWriteResult, error)
}

// Node is a directory.Directory replicated with HashiCorp Raft. Lookups read
// the local replica; Claim, Register and Release are applied through the log
// on the leader. Followers forward writes to the leader once forwarding is
// enabled, and fail with ErrNotLeader otherwise.
type Node struct {
    opts  Options
    log   *log.Logger
    r     *raft.Raft
    lch   chan LeaderInfo
    addr  raft.ServerAddress
    trans raft.Transport
    lb    raft.LoopbackTransport
    table *directory.Table
    fsm   *directoryFSM

    fmu     sync.Mutex
    fwdAddr string
    fwd     Forwarder
}

func New(opts Options) (*Node, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("raftdir: empty NodeID")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    if opts.ApplyTimeout <= 0 {
        opts.ApplyTimeout = 2 * time.Second
    }
    table := directory.NewTable()
    return &Node{opts: opts, log: opts.Logger, lch: make(chan LeaderInfo, 16), table: table, fsm: newDirectoryFSM(table)}, nil
}

func (n *Node) Start(ctx context.Context) error {
    if n.r != nil {
        return nil
    }

    cfg := raft.DefaultConfig()
    cfg.LocalID = raft.ServerID(n.opts.NodeID)
    if n.opts.HeartbeatTimeout > 0 {
        cfg.HeartbeatTimeout = n.opts.HeartbeatTimeout
        // Keep lease <= heartbeat to satisfy invariants
        if cfg.LeaderLeaseTimeout > cfg.HeartbeatTimeout {
            cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout / 2
            if cfg.LeaderLeaseTimeout == 0 { cfg.LeaderLeaseTimeout = cfg.HeartbeatTimeout }
        }
    }
    if n.opts.ElectionTimeout > 0 { cfg.ElectionTimeout = n.opts.ElectionTimeout }
    if n.opts.CommitTimeout > 0 { cfg.CommitTimeout = n.opts.CommitTimeout }

    var (
        logs   raft.LogStore
        stable raft.StableStore
        snaps  raft.SnapshotStore
        addr   raft.ServerAddress
        trans  raft.Transport
    )

    // Storage selection: on-disk when DataDir provided, else in-memory.
    if n.opts.DataDir != "" {
        if n.opts.SnapshotsRetained == 0 { n.opts.SnapshotsRetained = 2 }
        if err := os.MkdirAll(n.opts.DataDir, 0o755); err != nil { return err }
        bstore, err := raftboltdb.NewBoltStore(filepath.Join(n.opts.DataDir, "raft.db"))
        if err != nil { return err }
        logs = bstore
        stable = bstore
        snaps, err = raft.NewFileSnapshotStore(n.opts.DataDir, n.opts.SnapshotsRetained, os.Stderr)
        if err != nil { return err }
    } else {
        logs = raft.NewInmemStore()
        stable = raft.NewInmemStore()
        snaps = raft.NewInmemSnapshotStore()
    }

    if n.opts.BindAddr != "" {
        nt, err := raft.NewTCPTransport(n.opts.BindAddr, nil, 3, 1*time.Second, os.Stderr)
        if err != nil { return err }
        trans = nt
        addr = nt.LocalAddr()
    } else {
        addr, trans = raft.NewInmemTransport(raft.ServerAddress(n.opts.NodeID))
    }

    r, err := raft.NewRaft(cfg, n.fsm, logs, stable, snaps, trans)
    if err != nil {
        return err
    }
    n.r = r
    n.addr = addr
    n.trans = trans
    if lb, ok := n.trans.(raft.LoopbackTransport); ok { n.lb = lb }

    // Observe leadership changes and forward to LeaderCh.
    obsCh := make(chan raft.Observation, 32)
    observer := raft.NewObserver(obsCh, false, func(o *raft.Observation) bool {
        _, ok := o.Data.(raft.LeaderObservation)
        return ok
    })
    n.r.RegisterObserver(observer)
    go func() {
        for range obsCh {
            if id, addr, ok := n.Leader(); ok {
                logutil.Debugf(n.log, "raftdir: leader is %s (%s)", id, addr)
                n.emitLeader(LeaderInfo{ID: id, Addr: addr, Term: n.Term()})
                if id == n.opts.NodeID {
                    go n.advertise()
                }
            }
        }
    }()

    if n.opts.Bootstrap {
        cfgs := raft.Configuration{Servers: []raft.Server{{
            ID:      cfg.LocalID,
            Address: addr,
        }}}
        if err := n.r.BootstrapCluster(cfgs).Error(); err != nil {
            return err
        }
    }

    go func() {
        <-ctx.Done()
        _ = n.Stop()
    }()
    return nil
}

// WaitLeader blocks until some node is known as leader or ctx is done.
func (n *Node) WaitLeader(ctx context.Context) error {
    t := time.NewTicker(20 * time.Millisecond)
    defer t.Stop()
    for {
        if _, _, ok := n.Leader(); ok { return nil }
        select {
        case <-ctx.Done():
            return ctx.Err()
        case <-t.C:
        }
    }
}

func (n *Node) apply(ctx context.Context, cmd command) (interface{}, error) {
    if n.r == nil {
        return nil, fmt.Errorf("raftdir: not started")
    }
    if n.r.State() != raft.Leader {
        return n.forward(ctx, cmd)
    }
    return n.applyLocal(ctx, cmd)
}

func errNotLeader() error { return fmt.Errorf("%w: %w", directory.ErrUnavailable, ErrNotLeader) }

func (n *Node) applyLocal(ctx context.Context, cmd command) (interface{}, error) {
    if n.r == nil {
        return nil, fmt.Errorf("raftdir: not started")
    }
    if n.r.State() != raft.Leader {
        return nil, errNotLeader()
    }
    data, err := json.Marshal(cmd)
    if err != nil { return nil, err }
    t := n.opts.ApplyTimeout
    if dl, ok := ctx.Deadline(); ok {
        if d := time.Until(dl); d < t { t = d }
    }
    af := n.r.Apply(data, t)
    if err := af.Error(); err != nil { return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err) }
    v := af.Response()
    if e, ok := v.(error); ok && e != nil { return nil, e }
    return v, nil
}

// EnableForwarding publishes addr as this node's management endpoint while it
// leads and forwards follower writes to the leader's endpoint through f.
func (n *Node) EnableForwarding(addr string, f Forwarder) {
    n.fmu.Lock()
    n.fwdAddr, n.fwd = addr, f
    n.fmu.Unlock()
    if n.IsLeader() {
        go n.advertise()
    }
}

// advertise records the local forwarding address in the log.
func (n *Node) advertise() {
    n.fmu.Lock()
    addr := n.fwdAddr
    n.fmu.Unlock()
    if addr == "" || n.fsm.forwardAddr(n.opts.NodeID) == addr {
        return
    }
    ctx, cancel := context.WithTimeout(context.Background(), n.opts.ApplyTimeout)
    defer cancel()
    if _, err := n.applyLocal(ctx, command{Op: opAdvertise, Node: n.opts.NodeID, Forward: addr}); err != nil {
        logutil.Warnf(n.log, "raftdir: advertise %s: %v", addr, err)
    }
}

func (n *Node) forward(ctx context.Context, cmd command) (interface{}, error) {
    n.fmu.Lock()
    f := n.fwd
    n.fmu.Unlock()
    id, _, ok := n.Leader()
    if f == nil || !ok {
        return nil, errNotLeader()
    }
    addr := n.fsm.forwardAddr(id)
    if addr == "" {
        return nil, errNotLeader()
    }
    res, err := f.PostDirectoryWrite(ctx, addr, httpjson.DirectoryWrite{Op: cmd.Op, Group: cmd.Group, Addr: cmd.Addr})
    switch {
    case err != nil:
        return nil, fmt.Errorf("%w: forward to %s: %v", directory.ErrUnavailable, id, err)
    case res.NotLeader:
        return nil, errNotLeader()
    case res.Unavailable:
        return nil, fmt.Errorf("%w: %s", directory.ErrUnavailable, res.Error)
    case res.Error != "":
        return nil, errors.New(res.Error)
    }
    if cmd.Op == opClaim {
        return claimResult{Holder: res.Holder, Claimed: res.Claimed}, nil
    }
    return nil, nil
}

// HandleForward applies a write forwarded by a follower. Writes are never
// forwarded twice: a node that lost leadership answers NotLeader.
func (n *Node) HandleForward(ctx context.Context, w httpjson.DirectoryWrite) httpjson.DirectoryWriteResult {
    switch w.Op {
    case opClaim, opRegister, opRelease:
    default:
        return httpjson.DirectoryWriteResult{Error: fmt.Sprintf("raftdir: unknown op %q", w.Op)}
    }
    v, err := n.applyLocal(ctx, command{Op: w.Op, Group: w.Group, Addr: w.Addr})
    switch {
    case errors.Is(err, ErrNotLeader):
        return httpjson.DirectoryWriteResult{NotLeader: true}
    case errors.Is(err, directory.ErrUnavailable):
        return httpjson.DirectoryWriteResult{Error: err.Error(), Unavailable: true}
    case err != nil:
        return httpjson.DirectoryWriteResult{Error: err.Error()}
    }
    if res, ok := v.(claimResult); ok {
        return httpjson.DirectoryWriteResult{Holder: res.Holder, Claimed: res.Claimed}
    }
    return httpjson.DirectoryWriteResult{}
}

func (n *Node) Lookup(_ context.Context, group string) (view.Address, bool, error) {
    a, ok := n.table.Get(group)
    return a, ok, nil
}

func (n *Node) Claim(ctx context.Context, group string, addr view.Address) (view.Address, bool, error) {
    v, err := n.apply(ctx, command{Op: opClaim, Group: group, Addr: addr})
    if err != nil { return view.Address{}, false, err }
    res, ok := v.(claimResult)
    if !ok { return view.Address{}, false, fmt.Errorf("raftdir: unexpected claim result %T", v) }
    return res.Holder, res.Claimed, nil
}

func (n *Node) Register(ctx context.Context, group string, addr view.Address) error {
    _, err := n.apply(ctx, command{Op: opRegister, Group: group, Addr: addr})
    return err
}

func (n *Node) Release(ctx context.Context, group string, addr view.Address) error {
    _, err := n.apply(ctx, command{Op: opRelease, Group: group, Addr: addr})
    return err
}

func (n *Node) IsLeader() bool {
    if n.r == nil { return false }
    return n.r.State() == raft.Leader
}

func (n *Node) Leader() (id string, addr string, ok bool) {
    if n.r == nil { return "", "", false }
    a, sid := n.r.LeaderWithID()
    if sid == "" { return "", "", false }
    return string(sid), string(a), true
}

func (n *Node) Term() uint64 {
    if n.r == nil { return 0 }
    if v := n.r.Stats()["current_term"]; v != "" {
        if u, err := strconv.ParseUint(v, 10, 64); err == nil { return u }
    }
    return 0
}

// Addr is the Raft transport address of this node.
func (n *Node) Addr() string { return string(n.addr) }

func (n *Node) Stop() error {
    if n.r == nil { return nil }
    f := n.r.Shutdown()
    if err := f.Error(); err != nil { return err }
    n.r = nil
    return nil
}

// LeaderCh delivers leadership updates; slow readers miss intermediate ones.
func (n *Node) LeaderCh() <-chan LeaderInfo { return n.lch }

func (n *Node) emitLeader(li LeaderInfo) {
    select {
    case n.lch <- li:
    default:
    }
}

// Snapshot returns the replicated table (for testing/inspection).
func (n *Node) Snapshot() ([]byte, error) { return n.table.Snapshot() }

// AddVoter adds a voting server to the Raft cluster if not already present.
func (n *Node) AddVoter(id, addr string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftdir: not started")
    }
    cfg := n.r.GetConfiguration()
    if err := cfg.Error(); err == nil {
        for _, srv := range cfg.Configuration().Servers {
            if string(srv.ID) == id {
                if string(srv.Address) == addr {
                    return nil
                }
                // Remove stale entry with different address before adding
                rf := n.r.RemoveServer(srv.ID, 0, timeout)
                if err := rf.Error(); err != nil { return err }
                break
            }
        }
    }
    f := n.r.AddVoter(raft.ServerID(id), raft.ServerAddress(addr), 0, timeout)
    return f.Error()
}

// RemoveServer removes a server from the Raft cluster if present.
func (n *Node) RemoveServer(id string, timeout time.Duration) error {
    if n.r == nil {
        return fmt.Errorf("raftdir: not started")
    }
    f := n.r.RemoveServer(raft.ServerID(id), 0, timeout)
    return f.Error()
}

var (
    _ directory.Directory = (*Node)(nil)
    _ directory.Reporter  = (*Node)(nil)
)

// Info reports the current leader and the configured servers.
func (n *Node) Info() directory.Info {
    info := directory.Info{Kind: "raft"}
    if id, _, ok := n.Leader(); ok {
        info.Leader = id
    }
    if n.r == nil {
        return info
    }
    if f := n.r.GetConfiguration(); f.Error() == nil {
        for _, srv := range f.Configuration().Servers {
            info.Nodes = append(info.Nodes, string(srv.ID))
        }
    }
    return info
}
