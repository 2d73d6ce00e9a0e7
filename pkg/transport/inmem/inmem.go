package inmem

import (
    "context"
    "sync"

    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/view"
)

// Network is an in-process Transport shared by all channels of a process.
// Send hands the message to the destination handler synchronously, so messages
// from one sender arrive in Send order.
type Network struct {
    mu       sync.RWMutex
    handlers map[view.Address]transport.Handler
    closed   bool
}

func New() *Network { return &Network{handlers: make(map[view.Address]transport.Handler)} }

func (n *Network) Endpoint() string { return "" }

func key(a view.Address) view.Address { return view.Address{ID: a.ID} }

func (n *Network) Register(addr view.Address, h transport.Handler) error {
    n.mu.Lock()
    defer n.mu.Unlock()
    if n.closed { return transport.ErrClosed }
    if _, ok := n.handlers[key(addr)]; ok { return transport.ErrAlreadyRegistered }
    n.handlers[key(addr)] = h
    return nil
}

func (n *Network) Unregister(addr view.Address) {
    n.mu.Lock()
    delete(n.handlers, key(addr))
    n.mu.Unlock()
}

func (n *Network) Send(ctx context.Context, to view.Address, msg transport.Message) error {
    if err := ctx.Err(); err != nil { return err }
    n.mu.RLock()
    h, ok := n.handlers[key(to)]
    closed := n.closed
    n.mu.RUnlock()
    if closed { return transport.ErrClosed }
    if !ok {
        obsmetrics.MessagesDropped.WithLabelValues(string(msg.Kind)).Inc()
        return transport.ErrUnknownDestination
    }
    obsmetrics.MessagesSent.WithLabelValues(string(msg.Kind)).Inc()
    h(msg)
    return nil
}

// Registered reports how many endpoints are attached.
func (n *Network) Registered() int {
    n.mu.RLock()
    defer n.mu.RUnlock()
    return len(n.handlers)
}

func (n *Network) Close() error {
    n.mu.Lock()
    n.closed = true
    n.handlers = make(map[view.Address]transport.Handler)
    n.mu.Unlock()
    return nil
}

var _ transport.Transport = (*Network)(nil)
