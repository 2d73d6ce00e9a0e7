package redis

import (
    "context"
    "encoding/json"
    "errors"
    "fmt"
    "log"

    goredis "github.com/redis/go-redis/v9"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    "github.com/amirimatin/go-group/pkg/view"
)

// DefaultPrefix is prepended to group names to form keys.
const DefaultPrefix = "go-group:group:"

type Options struct {
    Addr     string
    Password string
    DB       int
    Prefix   string
    Logger   *log.Logger
}

// releaseScript deletes the key only while it still holds the caller's entry.
var releaseScript = goredis.NewScript(`
if redis.call("GET", KEYS[1]) == ARGV[1] then
    return redis.call("DEL", KEYS[1])
end
return 0
`)

// Directory stores coordinator entries in Redis; claims use SETNX.
type Directory struct {
    opts Options
    rdb  *goredis.Client
}

func New(ctx context.Context, opts Options) (*Directory, error) {
    if opts.Addr == "" {
        return nil, fmt.Errorf("redis directory: empty address")
    }
    if opts.Prefix == "" { opts.Prefix = DefaultPrefix }
    if opts.Logger == nil { opts.Logger = log.Default() }
    rdb := goredis.NewClient(&goredis.Options{Addr: opts.Addr, Password: opts.Password, DB: opts.DB})
    if err := rdb.Ping(ctx).Err(); err != nil {
        _ = rdb.Close()
        return nil, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    logutil.Infof(opts.Logger, "redis directory at %s (prefix %s)", opts.Addr, opts.Prefix)
    return &Directory{opts: opts, rdb: rdb}, nil
}

func (d *Directory) key(group string) string { return d.opts.Prefix + group }

func (d *Directory) Lookup(ctx context.Context, group string) (view.Address, bool, error) {
    b, err := d.rdb.Get(ctx, d.key(group)).Bytes()
    if errors.Is(err, goredis.Nil) {
        return view.Address{}, false, nil
    }
    if err != nil {
        return view.Address{}, false, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    a, err := decode(b)
    return a, err == nil, err
}

func (d *Directory) Claim(ctx context.Context, group string, addr view.Address) (view.Address, bool, error) {
    val, err := json.Marshal(addr)
    if err != nil { return view.Address{}, false, err }
    ok, err := d.rdb.SetNX(ctx, d.key(group), val, 0).Result()
    if err != nil {
        return view.Address{}, false, fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    if ok {
        return addr, true, nil
    }
    holder, found, err := d.Lookup(ctx, group)
    if err != nil { return view.Address{}, false, err }
    if !found {
        return view.Address{}, false, fmt.Errorf("%w: entry for %q vanished", directory.ErrUnavailable, group)
    }
    return holder, holder.Equal(addr), nil
}

func (d *Directory) Register(ctx context.Context, group string, addr view.Address) error {
    val, err := json.Marshal(addr)
    if err != nil { return err }
    if err := d.rdb.Set(ctx, d.key(group), val, 0).Err(); err != nil {
        return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    return nil
}

func (d *Directory) Release(ctx context.Context, group string, addr view.Address) error {
    val, err := json.Marshal(addr)
    if err != nil { return err }
    if err := releaseScript.Run(ctx, d.rdb, []string{d.key(group)}, string(val)).Err(); err != nil && !errors.Is(err, goredis.Nil) {
        return fmt.Errorf("%w: %v", directory.ErrUnavailable, err)
    }
    return nil
}

func (d *Directory) Close() error { return d.rdb.Close() }

func decode(b []byte) (view.Address, error) {
    var a view.Address
    if err := json.Unmarshal(b, &a); err != nil {
        return view.Address{}, fmt.Errorf("redis directory: bad entry: %w", err)
    }
    return a, nil
}

var _ directory.Directory = (*Directory)(nil)

func (d *Directory) Info() directory.Info { return directory.Info{Kind: "redis", Nodes: []string{d.opts.Addr}} }
