package gossip

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "net"
    "strconv"
    "sync"
    "time"

    "github.com/hashicorp/memberlist"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/discovery"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/view"
)

// Options configures the gossip directory.
type Options struct {
    // NodeID is the unique memberlist node name.
    NodeID string

    // Bind is the bind address in host:port form (e.g. ":7946" or "127.0.0.1:0").
    Bind string

    // Advertise is the address (host:port) peers use to reach this node.
    // If empty, memberlist derives it from Bind.
    Advertise string

    // Seeds provides peers to join on Start. Optional.
    Seeds discovery.Discovery

    // Logger is optional. If nil, log.Default() is used.
    Logger *log.Logger

    // Tuning parameters (optional). Zero means use defaults.
    ProbeInterval    time.Duration
    ProbeTimeout     time.Duration
    SuspicionMult    int
    PushPullInterval time.Duration
    GossipInterval   time.Duration
}

// record is one versioned directory entry. Deleted entries are kept as
// tombstones so that a release is not undone by a stale peer.
type record struct {
    Group       string       `json:"group"`
    Coordinator view.Address `json:"coordinator"`
    Version     uint64       `json:"version"`
    Deleted     bool         `json:"deleted,omitempty"`
}

// newer reports whether a supersedes b. Ties resolve deterministically so
// every node converges on the same entry.
func newer(a, b record) bool {
    if a.Version != b.Version { return a.Version > b.Version }
    if a.Deleted != b.Deleted { return a.Deleted }
    return a.Coordinator.Less(b.Coordinator)
}

// Directory advertises group coordinators over HashiCorp memberlist. Entries
// spread by gossip broadcasts and periodic push/pull state exchange.
//
// Claims are decided against the local replica only, so two nodes claiming the
// same unknown group at the same instant may both succeed until gossip
// converges on the higher-versioned entry.
type Directory struct {
    opts Options
    bq   *memberlist.TransmitLimitedQueue

    mu     sync.RWMutex // guards ml and closed
    ml     *memberlist.Memberlist
    closed bool

    rmu     sync.RWMutex // guards records and clock
    records map[string]record
    clock   uint64
}

// New constructs a gossip directory; call Start to join the cluster.
func New(opts Options) (*Directory, error) {
    if opts.NodeID == "" {
        return nil, fmt.Errorf("gossip: empty NodeID")
    }
    if opts.Bind == "" {
        return nil, fmt.Errorf("gossip: empty Bind address")
    }
    if opts.Logger == nil {
        opts.Logger = log.Default()
    }
    d := &Directory{opts: opts, records: make(map[string]record)}
    d.bq = &memberlist.TransmitLimitedQueue{NumNodes: d.numNodes, RetransmitMult: 3}
    return d, nil
}

// Start creates the memberlist instance and joins the configured seeds.
func (d *Directory) Start(ctx context.Context) error {
    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return fmt.Errorf("gossip: stopped")
    }
    if d.ml != nil {
        d.mu.Unlock()
        return nil
    }

    cfg := memberlist.DefaultLANConfig()
    cfg.Name = d.opts.NodeID
    host, port, err := splitHostPort(d.opts.Bind)
    if err != nil {
        d.mu.Unlock()
        return fmt.Errorf("gossip: invalid bind address %q: %w", d.opts.Bind, err)
    }
    cfg.BindAddr = host
    cfg.BindPort = port
    if d.opts.Advertise != "" {
        ahost, aport, err := splitHostPort(d.opts.Advertise)
        if err != nil {
            d.mu.Unlock()
            return fmt.Errorf("gossip: invalid advertise address %q: %w", d.opts.Advertise, err)
        }
        cfg.AdvertiseAddr = ahost
        cfg.AdvertisePort = aport
    }
    if d.opts.ProbeInterval > 0 { cfg.ProbeInterval = d.opts.ProbeInterval }
    if d.opts.ProbeTimeout > 0 { cfg.ProbeTimeout = d.opts.ProbeTimeout }
    if d.opts.SuspicionMult > 0 { cfg.SuspicionMult = d.opts.SuspicionMult }
    if d.opts.PushPullInterval > 0 { cfg.PushPullInterval = d.opts.PushPullInterval }
    if d.opts.GossipInterval > 0 { cfg.GossipInterval = d.opts.GossipInterval }
    cfg.Delegate = &delegate{d: d}
    cfg.Events = &eventDelegate{logger: d.opts.Logger}
    cfg.LogOutput = d.opts.Logger.Writer()

    ml, err := memberlist.Create(cfg)
    if err != nil {
        d.mu.Unlock()
        return err
    }
    d.ml = ml
    d.mu.Unlock()

    if d.opts.Seeds != nil {
        if seeds := d.opts.Seeds.Seeds(); len(seeds) > 0 {
            logutil.Infof(d.opts.Logger, "gossip: joining seeds %v", seeds)
            if _, err := ml.Join(seeds); err != nil {
                logutil.Warnf(d.opts.Logger, "gossip: join seeds: %v", err)
            }
        }
    }

    go func() {
        <-ctx.Done()
        _ = d.Stop()
    }()
    return nil
}

// Join contacts additional peers.
func (d *Directory) Join(seeds []string) error {
    d.mu.RLock()
    ml := d.ml
    d.mu.RUnlock()
    if ml == nil {
        return fmt.Errorf("gossip: not started")
    }
    if len(seeds) == 0 {
        return nil
    }
    _, err := ml.Join(seeds)
    return err
}

// LocalAddr is the gossip address peers should use as a seed.
func (d *Directory) LocalAddr() string {
    d.mu.RLock()
    defer d.mu.RUnlock()
    if d.ml == nil {
        return ""
    }
    n := d.ml.LocalNode()
    return net.JoinHostPort(n.Addr.String(), strconv.Itoa(int(n.Port)))
}

// Members lists the names of the live gossip nodes.
func (d *Directory) Members() []string {
    d.mu.RLock()
    defer d.mu.RUnlock()
    if d.ml == nil {
        return nil
    }
    var out []string
    for _, n := range d.ml.Members() {
        out = append(out, n.Name)
    }
    return out
}

func (d *Directory) Lookup(_ context.Context, group string) (view.Address, bool, error) {
    d.rmu.RLock()
    defer d.rmu.RUnlock()
    r, ok := d.records[group]
    if !ok || r.Deleted {
        return view.Address{}, false, nil
    }
    return r.Coordinator, true, nil
}

func (d *Directory) Claim(_ context.Context, group string, addr view.Address) (view.Address, bool, error) {
    if group == "" {
        return view.Address{}, false, fmt.Errorf("gossip: empty group")
    }
    d.rmu.Lock()
    if r, ok := d.records[group]; ok && !r.Deleted {
        d.rmu.Unlock()
        return r.Coordinator, r.Coordinator.Equal(addr), nil
    }
    r := d.writeLocked(group, addr, false)
    d.rmu.Unlock()
    d.broadcast(r)
    return addr, true, nil
}

func (d *Directory) Register(_ context.Context, group string, addr view.Address) error {
    if group == "" {
        return fmt.Errorf("gossip: empty group")
    }
    d.rmu.Lock()
    r := d.writeLocked(group, addr, false)
    d.rmu.Unlock()
    d.broadcast(r)
    return nil
}

func (d *Directory) Release(_ context.Context, group string, addr view.Address) error {
    d.rmu.Lock()
    cur, ok := d.records[group]
    if !ok || cur.Deleted || !cur.Coordinator.Equal(addr) {
        d.rmu.Unlock()
        return nil
    }
    r := d.writeLocked(group, addr, true)
    d.rmu.Unlock()
    d.broadcast(r)
    return nil
}

func (d *Directory) writeLocked(group string, addr view.Address, deleted bool) record {
    if cur, ok := d.records[group]; ok && cur.Version > d.clock {
        d.clock = cur.Version
    }
    d.clock++
    r := record{Group: group, Coordinator: addr, Version: d.clock, Deleted: deleted}
    d.records[group] = r
    return r
}

// merge applies a remote record; it reports whether the local state changed.
func (d *Directory) merge(r record) bool {
    d.rmu.Lock()
    defer d.rmu.Unlock()
    if r.Version > d.clock {
        d.clock = r.Version
    }
    cur, ok := d.records[r.Group]
    if ok && !newer(r, cur) {
        return false
    }
    d.records[r.Group] = r
    return true
}

func (d *Directory) broadcast(r record) {
    b, err := json.Marshal(r)
    if err != nil {
        return
    }
    d.bq.QueueBroadcast(&broadcast{group: r.Group, msg: b})
}

func (d *Directory) numNodes() int {
    d.mu.RLock()
    defer d.mu.RUnlock()
    if d.ml == nil {
        return 1
    }
    return d.ml.NumMembers()
}

// Leave announces departure and waits briefly for it to spread.
func (d *Directory) Leave() error {
    d.mu.RLock()
    ml := d.ml
    d.mu.RUnlock()
    if ml == nil {
        return nil
    }
    return ml.Leave(time.Second)
}

// Stop shuts memberlist down. The lock is released first because shutdown
// waits for listeners that may be inside delegate callbacks.
func (d *Directory) Stop() error {
    d.mu.Lock()
    if d.closed {
        d.mu.Unlock()
        return nil
    }
    d.closed = true
    ml := d.ml
    d.ml = nil
    d.mu.Unlock()
    if ml != nil {
        return ml.Shutdown()
    }
    return nil
}

// HealthScore exposes memberlist's awareness score; -1 when not started.
func (d *Directory) HealthScore() int {
    d.mu.RLock()
    defer d.mu.RUnlock()
    if d.ml == nil {
        return -1
    }
    return d.ml.GetHealthScore()
}

type broadcast struct {
    group string
    msg   []byte
}

func (b *broadcast) Invalidates(other memberlist.Broadcast) bool {
    o, ok := other.(*broadcast)
    return ok && o.group == b.group
}
func (b *broadcast) Message() []byte { return b.msg }
func (b *broadcast) Finished()       {}

// delegate implements memberlist.Delegate over the directory records.
type delegate struct{ d *Directory }

func (g *delegate) NodeMeta(limit int) []byte { return nil }

func (g *delegate) NotifyMsg(buf []byte) {
    var r record
    if err := json.Unmarshal(buf, &r); err != nil || r.Group == "" {
        return
    }
    if g.d.merge(r) {
        // Re-gossip so the update keeps spreading.
        g.d.broadcast(r)
    }
}

func (g *delegate) GetBroadcasts(overhead, limit int) [][]byte {
    return g.d.bq.GetBroadcasts(overhead, limit)
}

func (g *delegate) LocalState(join bool) []byte {
    g.d.rmu.RLock()
    out := make([]record, 0, len(g.d.records))
    for _, r := range g.d.records {
        out = append(out, r)
    }
    g.d.rmu.RUnlock()
    b, _ := json.Marshal(out)
    return b
}

func (g *delegate) MergeRemoteState(buf []byte, join bool) {
    var rs []record
    if err := json.Unmarshal(buf, &rs); err != nil {
        return
    }
    for _, r := range rs {
        if r.Group != "" {
            g.d.merge(r)
        }
    }
}

// eventDelegate logs gossip membership changes.
type eventDelegate struct{ logger *log.Logger }

func (e *eventDelegate) NotifyJoin(n *memberlist.Node) {
    logutil.Debugf(e.logger, "gossip: node %s joined (%s)", n.Name, n.Address())
}
func (e *eventDelegate) NotifyLeave(n *memberlist.Node) {
    logutil.Debugf(e.logger, "gossip: node %s left (%s)", n.Name, n.Address())
}
func (e *eventDelegate) NotifyUpdate(n *memberlist.Node) {}

func splitHostPort(hp string) (string, int, error) {
    host, portStr, err := net.SplitHostPort(hp)
    if err != nil {
        return "", 0, err
    }
    port, err := strconv.Atoi(portStr)
    if err != nil || port < 0 || port > 65535 {
        return "", 0, fmt.Errorf("invalid port: %q", portStr)
    }
    return host, port, nil
}

var (
    _ directory.Directory = (*Directory)(nil)
    _ directory.Reporter  = (*Directory)(nil)
)

// Info reports the live gossip nodes and the local health score.
func (d *Directory) Info() directory.Info {
    h := d.HealthScore()
    return directory.Info{Kind: "gossip", Nodes: d.Members(), Health: &h}
}
