package bootstrap

import (
    "context"
    "crypto/tls"
    "encoding/json"
    "errors"
    "fmt"
    "io"
    "log"
    "strings"
    "time"

    "github.com/amirimatin/go-group/pkg/directory"
    etcddir "github.com/amirimatin/go-group/pkg/directory/etcd"
    "github.com/amirimatin/go-group/pkg/directory/gossip"
    "github.com/amirimatin/go-group/pkg/directory/local"
    raftdir "github.com/amirimatin/go-group/pkg/directory/raft"
    redisdir "github.com/amirimatin/go-group/pkg/directory/redis"
    "github.com/amirimatin/go-group/pkg/discovery"
    dDNS "github.com/amirimatin/go-group/pkg/discovery/dns"
    dFile "github.com/amirimatin/go-group/pkg/discovery/file"
    dStatic "github.com/amirimatin/go-group/pkg/discovery/static"
    "github.com/amirimatin/go-group/pkg/group"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
    "github.com/amirimatin/go-group/pkg/transport"
    grpctr "github.com/amirimatin/go-group/pkg/transport/grpc"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
    "github.com/amirimatin/go-group/pkg/transport/inmem"
)

// Config is the flat set of inputs used to assemble a channel together with
// its transport, directory and management endpoint. The CLI fills it from
// flags, environment and config file.
type Config struct {
    // Name is the channel's logical name; Group is joined by Run when set.
    Name  string
    Group string

    // Transport is "inmem" (default) or "grpc".
    Transport string
    Bind      string // grpc listen address
    Advertise string // grpc advertised endpoint (optional)

    // Directory is "local" (default), "raft", "gossip", "etcd" or "redis".
    Directory string

    RaftID        string
    RaftAddr      string // empty uses the in-memory raft transport
    RaftDataDir   string
    RaftBootstrap bool
    RaftPeers     string // "id=host:port,..." added as voters by the bootstrap node

    GossipBind      string
    GossipAdvertise string
    SeedsCSV        string
    SeedsFile       string // path or glob, text or YAML
    SeedsEnv        string
    DNSNamesCSV     string
    DNSPort         int
    DiscRefresh     time.Duration

    EtcdEndpoints string
    EtcdPrefix    string
    EtcdTTL       time.Duration
    RedisAddr     string
    RedisPassword string
    RedisDB       int
    RedisPrefix   string

    // MgmtAddr enables the HTTP management endpoint (/status, /healthz, /metrics).
    MgmtAddr string
    // MgmtAdvertise is the management address other raft nodes forward
    // directory writes to. Defaults to the resolved MgmtAddr.
    MgmtAdvertise string

    TLSEnable     bool
    TLSCA         string
    TLSCert       string
    TLSKey        string
    TLSServerName string
    TLSSkipVerify bool

    JoinTimeout    time.Duration
    LeaveTimeout   time.Duration
    RequestTimeout time.Duration

    Receiver group.Receiver
    Logger   *log.Logger
}

// Node is an assembled channel plus the collaborators it owns.
type Node struct {
    Channel   *group.Channel
    Transport transport.Transport
    Directory directory.Directory

    mgmt    *httpjson.Server
    mgmtTLS *tls.Config
    logger  *log.Logger
    closers []io.Closer
}

// NodeStatus is the document served at /status.
type NodeStatus struct {
    group.Status
    Directory *directory.Info `json:"directory,omitempty"`
}

type closerFunc func() error

func (f closerFunc) Close() error { return f() }

// Build assembles a Node without connecting it. Network resources (listeners,
// gossip, raft) are started so the returned channel is ready for Connect.
func Build(ctx context.Context, cfg Config) (*Node, error) {
    if cfg.Logger == nil { cfg.Logger = log.Default() }
    n := &Node{logger: cfg.Logger}

    var srvTLS, cliTLS *tls.Config
    if cfg.TLSEnable {
        topts := tlsx.Options{Enable: true, CAFile: cfg.TLSCA, CertFile: cfg.TLSCert, KeyFile: cfg.TLSKey, InsecureSkipVerify: cfg.TLSSkipVerify, ServerName: cfg.TLSServerName}
        var err error
        if srvTLS, err = topts.Server(); err != nil { return nil, err }
        if cliTLS, err = topts.Client(); err != nil { return nil, err }
    }

    tr, err := buildTransport(cfg, srvTLS, cliTLS)
    if err != nil { return nil, err }
    n.Transport = tr
    n.closers = append(n.closers, tr)

    dir, closer, err := buildDirectory(ctx, cfg)
    if err != nil {
        n.closeAll()
        return nil, err
    }
    n.Directory = dir
    if closer != nil { n.closers = append(n.closers, closer) }

    opts := group.Options{
        Name:           cfg.Name,
        Transport:      tr,
        Directory:      dir,
        Logger:         cfg.Logger,
        Receiver:       cfg.Receiver,
        JoinTimeout:    cfg.JoinTimeout,
        LeaveTimeout:   cfg.LeaveTimeout,
        RequestTimeout: cfg.RequestTimeout,
    }
    if err := opts.Validate(); err != nil {
        n.closeAll()
        return nil, err
    }
    ch, err := group.NewChannel(opts)
    if err != nil {
        n.closeAll()
        return nil, err
    }
    n.Channel = ch

    if cfg.MgmtAddr != "" {
        n.mgmt = httpjson.NewServer(cfg.MgmtAddr, cfg.Logger)
        if srvTLS != nil { n.mgmt.UseTLS(srvTLS) }
        n.mgmtTLS = cliTLS
        if rn, ok := dir.(*raftdir.Node); ok {
            n.mgmt.HandleDirectory(rn.HandleForward)
        }
    }
    return n, nil
}

// Run builds the node, starts the management endpoint and connects to
// cfg.Group when one is given. The caller must Close the node.
func Run(ctx context.Context, cfg Config) (*Node, error) {
    obsmetrics.Register()
    n, err := Build(ctx, cfg)
    if err != nil { return nil, err }
    if n.mgmt != nil {
        if err := n.mgmt.Start(ctx, n.StatusJSON); err != nil {
            n.Close()
            return nil, err
        }
        logutil.Infof(n.logger, "management endpoint at %s", n.mgmt.Addr())
        if rn, ok := n.Directory.(*raftdir.Node); ok {
            adv := cfg.MgmtAdvertise
            if adv == "" { adv = n.mgmt.Addr() }
            client := httpjson.NewClient(cfg.RequestTimeout)
            if n.mgmtTLS != nil { client.UseTLS(n.mgmtTLS) }
            rn.EnableForwarding(adv, client)
        }
    }
    if cfg.Group != "" {
        if err := n.Channel.Connect(ctx, cfg.Group); err != nil {
            n.Close()
            return nil, err
        }
    }
    return n, nil
}

// MgmtAddr is the resolved management address, empty when disabled.
func (n *Node) MgmtAddr() string {
    if n.mgmt == nil { return "" }
    return n.mgmt.Addr()
}

// StatusJSON renders the channel and directory snapshot served at /status.
func (n *Node) StatusJSON(context.Context) ([]byte, error) {
    st := NodeStatus{Status: n.Channel.Status()}
    if r, ok := n.Directory.(directory.Reporter); ok {
        info := r.Info()
        st.Directory = &info
    }
    return json.Marshal(st)
}

// Close closes the channel, then the management endpoint, directory and
// transport in reverse order of creation.
func (n *Node) Close() {
    if n.Channel != nil { n.Channel.Close() }
    if n.mgmt != nil {
        ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
        _ = n.mgmt.Stop(ctx)
        cancel()
    }
    n.closeAll()
}

func (n *Node) closeAll() {
    for i := len(n.closers) - 1; i >= 0; i-- {
        if err := n.closers[i].Close(); err != nil {
            logutil.Warnf(n.logger, "bootstrap: close: %v", err)
        }
    }
    n.closers = nil
}

func buildTransport(cfg Config, srvTLS, cliTLS *tls.Config) (transport.Transport, error) {
    switch cfg.Transport {
    case "", "inmem":
        return inmem.New(), nil
    case "grpc":
        bind := cfg.Bind
        if bind == "" { bind = ":7950" }
        return grpctr.New(grpctr.Options{Bind: bind, Advertise: cfg.Advertise, ServerTLS: srvTLS, ClientTLS: cliTLS, Logger: cfg.Logger})
    }
    return nil, fmt.Errorf("bootstrap: unknown transport %q", cfg.Transport)
}

func buildDirectory(ctx context.Context, cfg Config) (directory.Directory, io.Closer, error) {
    switch cfg.Directory {
    case "", "local":
        return local.New(), nil, nil
    case "raft":
        return buildRaft(ctx, cfg)
    case "gossip":
        id := cfg.RaftID
        if id == "" { id = cfg.Name }
        bind := cfg.GossipBind
        if bind == "" { bind = ":7946" }
        d, err := gossip.New(gossip.Options{NodeID: id, Bind: bind, Advertise: cfg.GossipAdvertise, Seeds: Seeds(cfg), Logger: cfg.Logger})
        if err != nil { return nil, nil, err }
        if err := d.Start(ctx); err != nil { return nil, nil, err }
        return d, closerFunc(func() error { _ = d.Leave(); return d.Stop() }), nil
    case "etcd":
        d, err := etcddir.New(ctx, etcddir.Options{Endpoints: dStatic.Parse(cfg.EtcdEndpoints), Prefix: cfg.EtcdPrefix, TTL: cfg.EtcdTTL, Logger: cfg.Logger})
        if err != nil { return nil, nil, err }
        return d, d, nil
    case "redis":
        d, err := redisdir.New(ctx, redisdir.Options{Addr: cfg.RedisAddr, Password: cfg.RedisPassword, DB: cfg.RedisDB, Prefix: cfg.RedisPrefix, Logger: cfg.Logger})
        if err != nil { return nil, nil, err }
        return d, d, nil
    }
    return nil, nil, fmt.Errorf("bootstrap: unknown directory %q", cfg.Directory)
}

func buildRaft(ctx context.Context, cfg Config) (directory.Directory, io.Closer, error) {
    id := cfg.RaftID
    if id == "" { id = cfg.Name }
    peers, err := ParsePeers(cfg.RaftPeers)
    if err != nil { return nil, nil, err }
    node, err := raftdir.New(raftdir.Options{NodeID: id, BindAddr: cfg.RaftAddr, DataDir: cfg.RaftDataDir, Bootstrap: cfg.RaftBootstrap, Logger: cfg.Logger})
    if err != nil { return nil, nil, err }
    if err := node.Start(ctx); err != nil { return nil, nil, err }
    if cfg.RaftBootstrap {
        wctx, cancel := context.WithTimeout(ctx, 10*time.Second)
        defer cancel()
        if err := node.WaitLeader(wctx); err != nil {
            _ = node.Stop()
            return nil, nil, fmt.Errorf("bootstrap: raft leader: %w", err)
        }
        for pid, addr := range peers {
            if err := node.AddVoter(pid, addr, 5*time.Second); err != nil {
                logutil.Warnf(cfg.Logger, "bootstrap: add raft voter %s: %v", pid, err)
            }
        }
    }
    return node, closerFunc(node.Stop), nil
}

// Seeds merges the static, file and DNS seed sources configured in cfg.
func Seeds(cfg Config) discovery.Discovery {
    sources := []discovery.Discovery{dStatic.New(dStatic.Parse(cfg.SeedsCSV)...)}
    if cfg.SeedsFile != "" || cfg.SeedsEnv != "" {
        sources = append(sources, dFile.New(dFile.Options{Path: cfg.SeedsFile, Env: cfg.SeedsEnv, Refresh: cfg.DiscRefresh}))
    }
    if cfg.DNSNamesCSV != "" {
        sources = append(sources, dDNS.New(dDNS.Options{Names: dStatic.Parse(cfg.DNSNamesCSV), Port: cfg.DNSPort, Refresh: cfg.DiscRefresh, Logger: cfg.Logger}))
    }
    return discovery.Merge(sources...)
}

// ParsePeers parses "id=host:port" pairs separated by commas.
func ParsePeers(csv string) (map[string]string, error) {
    out := make(map[string]string)
    for _, p := range dStatic.Parse(csv) {
        id, addr, ok := strings.Cut(p, "=")
        if !ok || id == "" || addr == "" {
            return nil, errors.New("bootstrap: raft peer must be id=host:port: " + p)
        }
        out[strings.TrimSpace(id)] = strings.TrimSpace(addr)
    }
    return out, nil
}
