package grpc

import (
    "context"
    "crypto/tls"
    "errors"
    "log"
    "sync"
    "time"

    "github.com/cenkalti/backoff"
    "google.golang.org/grpc/codes"
    "google.golang.org/grpc/status"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/view"
)

// Options configure a gRPC Transport.
type Options struct {
    // Bind is the listen address, e.g. "127.0.0.1:7946" or ":0".
    Bind string
    // Advertise overrides the endpoint published in addresses. Defaults to
    // the resolved listen address.
    Advertise string
    ServerTLS *tls.Config
    ClientTLS *tls.Config
    // SendTimeout bounds a single delivery attempt.
    SendTimeout time.Duration
    // QueueSize is the per-destination outbound queue capacity.
    QueueSize int
    Logger    *log.Logger
}

// Transport carries protocol messages between processes. Each destination
// endpoint has one sender goroutine, so messages from this process to that
// endpoint are delivered in Send order.
type Transport struct {
    opts Options
    srv  *Server
    cli  *Client

    mu      sync.Mutex
    senders map[string]chan envelope
    closing chan struct{}
    closed  bool
    wg      sync.WaitGroup
}

// New starts the gRPC server and returns a ready Transport.
func New(opts Options) (*Transport, error) {
    if opts.Bind == "" { return nil, errors.New("grpc transport: empty bind address") }
    if opts.SendTimeout <= 0 { opts.SendTimeout = 2 * time.Second }
    if opts.QueueSize <= 0 { opts.QueueSize = 1024 }
    if opts.Logger == nil { opts.Logger = log.Default() }
    srv := NewServer(opts.Bind)
    if opts.ServerTLS != nil { srv.UseTLS(opts.ServerTLS) }
    if err := srv.Start(); err != nil { return nil, err }
    cli := NewClient(opts.SendTimeout)
    if opts.ClientTLS != nil { cli.UseTLS(opts.ClientTLS) }
    if opts.Advertise == "" { opts.Advertise = srv.Addr() }
    logutil.Infof(opts.Logger, "grpc transport listening at %s (advertise %s)", srv.Addr(), opts.Advertise)
    return &Transport{opts: opts, srv: srv, cli: cli, senders: make(map[string]chan envelope), closing: make(chan struct{})}, nil
}

func (t *Transport) Endpoint() string { return t.opts.Advertise }

func (t *Transport) Register(addr view.Address, h transport.Handler) error {
    t.mu.Lock()
    closed := t.closed
    t.mu.Unlock()
    if closed { return transport.ErrClosed }
    return t.srv.register(addr, h)
}

func (t *Transport) Unregister(addr view.Address) { t.srv.unregister(addr) }

// Send enqueues msg for to. Local destinations are dispatched synchronously.
// Remote delivery failures are logged and counted, not returned.
func (t *Transport) Send(ctx context.Context, to view.Address, msg transport.Message) error {
    if to.Endpoint == "" { return transport.ErrUnknownDestination }
    if to.Endpoint == t.opts.Advertise {
        if err := t.srv.dispatch(to.ID, msg); err != nil {
            obsmetrics.MessagesDropped.WithLabelValues(string(msg.Kind)).Inc()
            return err
        }
        obsmetrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
        return nil
    }
    q, err := t.sender(to.Endpoint)
    if err != nil { return err }
    select {
    case q <- envelope{To: to.ID, Msg: msg}:
        obsmetrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
        return nil
    case <-ctx.Done():
        obsmetrics.MessagesDropped.WithLabelValues(string(msg.Kind)).Inc()
        return ctx.Err()
    case <-t.closing:
        return transport.ErrClosed
    }
}

func (t *Transport) sender(endpoint string) (chan envelope, error) {
    t.mu.Lock()
    defer t.mu.Unlock()
    if t.closed { return nil, transport.ErrClosed }
    if q, ok := t.senders[endpoint]; ok { return q, nil }
    q := make(chan envelope, t.opts.QueueSize)
    t.senders[endpoint] = q
    t.wg.Add(1)
    go t.runSender(endpoint, q)
    return q, nil
}

func (t *Transport) runSender(endpoint string, q <-chan envelope) {
    defer t.wg.Done()
    for {
        select {
        case <-t.closing:
            return
        case env := <-q:
            t.deliver(endpoint, env)
        }
    }
}

// deliver retries transient failures a few times; an unknown destination is
// final.
func (t *Transport) deliver(endpoint string, env envelope) {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 20 * time.Millisecond
    op := func() error {
        err := t.cli.Deliver(context.Background(), endpoint, &env)
        if status.Code(err) == codes.NotFound { return backoff.Permanent(err) }
        return err
    }
    if err := backoff.Retry(op, backoff.WithMaxRetries(b, 3)); err != nil {
        obsmetrics.MessagesDropped.WithLabelValues(string(env.Msg.Kind)).Inc()
        logutil.Debugf(t.opts.Logger, "grpc transport: %s to %s@%s dropped: %v", env.Msg.Kind, env.To, endpoint, err)
    }
}

func (t *Transport) Close() error {
    t.mu.Lock()
    if t.closed { t.mu.Unlock(); return nil }
    t.closed = true
    close(t.closing)
    t.mu.Unlock()
    t.wg.Wait()
    t.cli.Close()
    ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
    defer cancel()
    return t.srv.Stop(ctx)
}

var _ transport.Transport = (*Transport)(nil)
