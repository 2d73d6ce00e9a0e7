package etcd

import (
    "context"
    "encoding/json"
    "fmt"
    "log"
    "strings"
    "time"

    clientv3 "go.etcd.io/etcd/client/v3"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/view"
)

// DefaultPrefix is the key prefix under which group entries are stored.
const DefaultPrefix = "/go-group/groups/"

type Options struct {
    Endpoints   []string
    DialTimeout time.Duration
    // Prefix defaults to DefaultPrefix.
    Prefix string
    // TTL attaches every entry written by this process to a lease kept alive
    // until Close, so a crashed coordinator's entry expires. Zero disables it.
    TTL    time.Duration
    Logger *log.Logger
}

// Directory stores coordinator entries in etcd. Claims are transactions on
// the key's create revision, so they are atomic across processes.
type Directory struct {
    opts   Options
    cli    *clientv3.Client
    lease  clientv3.LeaseID
    cancel context.CancelFunc
}

func New(ctx context.Context, opts Options) (*Directory, error) {
    if len(opts.Endpoints) == 0 {
        return nil, fmt.Errorf("etcd directory: no endpoints")
    }
    if opts.DialTimeout <= 0 { opts.DialTimeout = 5 * time.Second }
    if opts.Prefix == "" { opts.Prefix = DefaultPrefix }
    if !strings.HasSuffix(opts.Prefix, "/") { opts.Prefix += "/" }
    if opts.Logger == nil { opts.Logger = log.Default() }

    cli, err := clientv3.New(clientv3.Config{Endpoints: opts.Endpoints, DialTimeout: opts.DialTimeout})
    if err != nil {
        return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    d := &Directory{opts: opts, cli: cli, cancel: func() {}}
    if opts.TTL > 0 {
        secs := int64(opts.TTL / time.Second)
        if secs < 1 { secs = 1 }
        lease, err := cli.Grant(ctx, secs)
        if err != nil {
            _ = cli.Close()
            return nil, fmt.Errorf("%w: grant lease: %v", directory.ErrUnavailable, err)
        }
        kctx, cancel := context.WithCancel(context.Background())
        ka, err := cli.KeepAlive(kctx, lease.ID)
        if err != nil {
            cancel()
            _ = cli.Close()
            return nil, fmt.Errorf("%w: keepalive: %v", directory.ErrUnavailable, err)
        }
        go func() {
            for range ka {
            }
            logutil.Debugf(opts.Logger, "etcd directory: lease %x keepalive ended", lease.ID)
        }()
        d.lease = lease.ID
        d.cancel = cancel
    }
    logutil.Infof(opts.Logger, "etcd directory at %v (prefix %s)", opts.Endpoints, opts.Prefix)
    return d, nil
}

func (d *Directory) key(group string) string { return d.opts.Prefix + group }

func (d *Directory) putOpts() []clientv3.OpOption {
    if d.lease == 0 { return nil }
    return []clientv3.OpOption{clientv3.WithLease(d.lease)}
}

func (d *Directory) Lookup(ctx context.Context, group string) (view.Address, bool, error) {
    resp, err := d.cli.Get(ctx, d.key(group))
    if err != nil {
        return view.Address{}, false, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    if len(resp.Kvs) == 0 {
        return view.Address{}, false, nil
    }
    a, err := decode(resp.Kvs[0].Value)
    return a, err == nil, err
}

func (d *Directory) Claim(ctx context.Context, group string, addr view.Address) (view.Address, bool, error) {
    val, err := json.Marshal(addr)
    if err != nil { return view.Address{}, false, err }
    k := d.key(group)
    resp, err := d.cli.Txn(ctx).
        If(clientv3.Compare(clientv3.CreateRevision(k), "=", 0)).
        Then(clientv3.OpPut(k, string(val), d.putOpts()...)).
        Else(clientv3.OpGet(k)).
        Commit()
    if err != nil {
        return view.Address{}, false, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    if resp.Succeeded {
        return addr, true, nil
    }
    kvs := resp.Responses[0].GetResponseRange().Kvs
    if len(kvs) == 0 {
        // Deleted between the compare and the get; let the caller retry.
        return view.Address{}, false, fmt.Errorf("%w: entry for %q vanished", directory.ErrUnavailable, group)
    }
    holder, err := decode(kvs[0].Value)
    if err != nil { return view.Address{}, false, err }
    return holder, holder.Equal(addr), nil
}

func (d *Directory) Register(ctx context.Context, group string, addr view.Address) error {
    val, err := json.Marshal(addr)
    if err != nil { return err }
    if _, err := d.cli.Put(ctx, d.key(group), string(val), d.putOpts()...); err != nil {
        return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    return nil
}

// Release deletes the entry only if it still names addr, guarded by the
// entry's mod revision.
func (d *Directory) Release(ctx context.Context, group string, addr view.Address) error {
    k := d.key(group)
    resp, err := d.cli.Get(ctx, k)
    if err != nil {
        return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    if len(resp.Kvs) == 0 {
        return nil
    }
    kv := resp.Kvs[0]
    holder, err := decode(kv.Value)
    if err != nil || !holder.Equal(addr) {
        return nil
    }
    _, err = d.cli.Txn(ctx).
        If(clientv3.Compare(clientv3.ModRevision(k), "=", kv.ModRevision)).
        Then(clientv3.OpDelete(k)).
        Commit()
    if err != nil {
        return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    return nil
}

// Close revokes the lease, if any, and closes the client.
func (d *Directory) Close() error {
    d.cancel()
    if d.lease != 0 {
        ctx, cancel := context.WithTimeout(context.Background(), time.Second)
        _, _ = d.cli.Revoke(ctx, d.lease)
        cancel()
    }
    return d.cli.Close()
}

func decode(b []byte) (view.Address, error) {
    var a view.Address
    if err := json.Unmarshal(b, &a); err != nil {
        return view.Address{}, fmt.Errorf("etcd directory: bad entry: %w", err)
    }
    return a, nil
}

var _ directory.Directory = (*Directory)(nil)

func (d *Directory) Info() directory.Info {
    return directory.Info{Kind: "etcd", Nodes: append([]string(nil), d.opts.Endpoints...)}
}
