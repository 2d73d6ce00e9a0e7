package dns

import (
    "context"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-group/pkg/discovery"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
)

// Options configures DNS seed discovery, typically against a headless
// service that fronts the gossip port of every groupctl process.
type Options struct {
    // Names are SRV names ("_gossip._udp.group.svc") or hostnames. Entries
    // already in host:port form are passed through.
    Names []string
    // Port is used for hostnames, which carry no port; defaults to 7946.
    Port int
    // Refresh bounds how long resolved seeds are reused; defaults to 5s.
    Refresh time.Duration
    // Timeout bounds one resolution pass; defaults to 2s.
    Timeout  time.Duration
    Resolver *net.Resolver
    Logger   *log.Logger
}

type resolver struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Timeout <= 0 { opts.Timeout = 2 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &resolver{opts: opts}
}

func (r *resolver) Seeds() []string {
    r.mu.Lock()
    defer r.mu.Unlock()
    if len(r.cache) > 0 && time.Since(r.last) < r.opts.Refresh {
        return append([]string(nil), r.cache...)
    }
    ctx, cancel := context.WithTimeout(context.Background(), r.opts.Timeout)
    defer cancel()
    r.cache = r.resolve(ctx)
    r.last = time.Now()
    return append([]string(nil), r.cache...)
}

func (r *resolver) resolve(ctx context.Context) []string {
    seen := make(map[string]struct{})
    var out []string
    add := func(hps ...string) {
        for _, hp := range hps {
            if _, ok := seen[hp]; ok { continue }
            seen[hp] = struct{}{}
            out = append(out, hp)
        }
    }
    for _, name := range r.opts.Names {
        name = strings.TrimSpace(name)
        switch {
        case name == "":
        case strings.HasPrefix(name, "_"):
            hps, err := r.srv(ctx, name)
            if err != nil {
                logutil.Warnf(r.opts.Logger, "dns discovery: srv %s: %v", name, err)
            }
            add(hps...)
        case isHostPort(name):
            add(name)
        default:
            hps, err := r.host(ctx, name)
            if err != nil {
                logutil.Warnf(r.opts.Logger, "dns discovery: host %s: %v", name, err)
            }
            add(hps...)
        }
    }
    sort.Strings(out)
    return out
}

func (r *resolver) srv(ctx context.Context, fqdn string) ([]string, error) {
    service, proto, domain := parseSRVName(fqdn)
    if domain == "" { return nil, nil }
    _, recs, err := r.opts.Resolver.LookupSRV(ctx, service, proto, domain)
    if err != nil { return nil, err }
    out := make([]string, 0, len(recs))
    for _, rec := range recs {
        out = append(out, net.JoinHostPort(strings.TrimSuffix(rec.Target, "."), strconv.Itoa(int(rec.Port))))
    }
    return out, nil
}

func (r *resolver) host(ctx context.Context, host string) ([]string, error) {
    ips, err := r.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(r.opts.Port)))
    }
    return out, nil
}

func isHostPort(s string) bool {
    _, port, err := net.SplitHostPort(s)
    return err == nil && port != ""
}

// parseSRVName splits "_service._proto.domain"; malformed names yield empty parts.
func parseSRVName(fqdn string) (service, proto, domain string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 || !strings.HasPrefix(parts[1], "_") { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
