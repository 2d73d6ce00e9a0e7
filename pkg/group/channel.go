package group

import (
    "context"
    "errors"
    "fmt"
    "sync"
    "sync/atomic"
    "time"

    "github.com/cenkalti/backoff"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/view"
)

type state int

const (
    stateOpen state = iota
    stateConnecting
    stateConnected
    stateClosed
)

func (s state) String() string {
    switch s {
    case stateOpen:
        return "open"
    case stateConnecting:
        return "connecting"
    case stateConnected:
        return "connected"
    case stateClosed:
        return "closed"
    }
    return "unknown"
}

// Channel is a group membership endpoint. It connects to a named group,
// receives the ordered sequence of views of that group and coordinates it
// while it is the first member of the current view.
//
// All protocol messages for a channel are handled by one goroutine fed from a
// mailbox, so view computation and installation never race with each other.
type Channel struct {
    opts Options

    // op serializes Connect, Disconnect and the tail of Close.
    op sync.Mutex

    mu      sync.Mutex
    state   state
    closing bool
    addr    view.Address
    group   string
    view    view.View
    recv    Receiver
    // member is true while views for group are accepted: from the start of
    // Connect until the leave has been acknowledged.
    member bool
    // successor is the coordinator this channel handed the group to when it
    // departed as coordinator; used to redirect late requests.
    successor *view.Address
    // pending holds views that arrived ahead of their predecessor.
    pending map[uint64]view.View
    // base is the id of the first view to deliver while joining (0 = unknown).
    base   uint64
    joined chan struct{}

    seq   atomic.Uint64
    calls sync.Map // seq -> chan transport.Message
    // inReceiver is set while the protocol goroutine runs the Receiver.
    inReceiver atomic.Bool

    mbox     *mailbox
    loopDone chan struct{}
    closeCh  chan struct{}
    eb       eventBus
}

// NewChannel constructs an open channel. It performs no network activity; the
// channel's address is assigned on the first Connect.
func NewChannel(opts Options) (*Channel, error) {
    if err := opts.Validate(); err != nil {
        return nil, err
    }
    opts = opts.withDefaults()
    obsmetrics.Register()
    c := &Channel{
        opts:     opts,
        recv:     opts.Receiver,
        pending:  make(map[uint64]view.View),
        mbox:     newMailbox(),
        loopDone: make(chan struct{}),
        closeCh:  make(chan struct{}),
    }
    go c.mbox.run(c.loopDone)
    return c, nil
}

// Name returns the logical name given in Options.
func (c *Channel) Name() string { return c.opts.Name }

// Address returns the channel's address; zero before the first Connect.
func (c *Channel) Address() view.Address {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.addr
}

// View returns the last delivered view; zero if none was delivered yet.
func (c *Channel) View() view.View {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.view
}

// Group returns the name of the group last connected to.
func (c *Channel) Group() string {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.group
}

// IsOpen reports whether Close has not been called.
func (c *Channel) IsOpen() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state != stateClosed && !c.closing
}

// IsConnected reports whether the channel is a member of a group.
func (c *Channel) IsConnected() bool {
    c.mu.Lock()
    defer c.mu.Unlock()
    return c.state == stateConnected
}

// SetReceiver replaces the view receiver; nil detaches it.
func (c *Channel) SetReceiver(r Receiver) {
    c.mu.Lock()
    c.recv = r
    c.mu.Unlock()
}

// Connect joins the named group and returns once the first view containing
// this channel has been delivered to the Receiver. The first channel to
// connect to an unknown group creates it and becomes its coordinator.
func (c *Channel) Connect(ctx context.Context, group string) error {
    if group == "" {
        return ErrEmptyGroup
    }
    ctx, end := tracing.StartSpan(ctx, "group.connect", "group", group)
    defer end()

    c.mu.Lock()
    if c.closing || c.state == stateClosed {
        c.mu.Unlock()
        return ErrClosed
    }
    if c.state != stateOpen {
        c.mu.Unlock()
        return ErrAlreadyConnected
    }
    c.mu.Unlock()

    c.op.Lock()
    defer c.op.Unlock()

    c.mu.Lock()
    // Re-check: Close or another Connect may have run while waiting for op.
    if c.closing || c.state == stateClosed {
        c.mu.Unlock()
        return ErrClosed
    }
    if c.state != stateOpen {
        c.mu.Unlock()
        return ErrAlreadyConnected
    }
    if c.addr.IsZero() {
        c.addr = view.NewAddress(c.opts.Name, c.opts.Transport.Endpoint())
    }
    c.state = stateConnecting
    c.group = group
    c.view = view.View{}
    c.member = true
    c.successor = nil
    c.base = 0
    c.clearPendingLocked()
    c.joined = make(chan struct{})
    self, joined := c.addr, c.joined
    c.mu.Unlock()

    start := time.Now()
    if err := c.opts.Transport.Register(self, c.deliver); err != nil {
        c.resetToOpen()
        return fmt.Errorf("group: register endpoint: %w", err)
    }

    target, err := c.join(ctx, group, self, joined)
    if err != nil {
        c.abortConnect(group, self, target)
        c.mu.Lock()
        closing := c.closing
        c.mu.Unlock()
        if closing {
            return ErrClosedWhileConnecting
        }
        return err
    }
    obsmetrics.ConnectSeconds.Observe(time.Since(start).Seconds())
    v := c.View()
    logutil.Infof(c.opts.Logger, "%s connected to %q: view %s", self, group, v)
    c.eb.publish(Event{Type: EventConnected, Group: group, View: &v})
    return nil
}

// join resolves the coordinator, asks it for admission and waits for the
// first view. It returns the last coordinator a join request was sent to.
func (c *Channel) join(ctx context.Context, group string, self view.Address, joined <-chan struct{}) (view.Address, error) {
    jctx, cancel := context.WithTimeout(ctx, c.opts.JoinTimeout)
    defer cancel()
    go func() {
        select {
        case <-c.closeCh:
            cancel()
        case <-jctx.Done():
        }
    }()

    var target, sent view.Address
    // final marks errors that end the join before JoinTimeout; anything else
    // that stops the retry loop is reported as a timeout.
    var final bool
    permanent := func(err error) error {
        final = true
        return backoff.Permanent(err)
    }
    op := func() error {
        if target.IsZero() {
            coord, ok, err := c.lookup(jctx, group)
            if err != nil {
                return err
            }
            if !ok {
                holder, claimed, err := c.claim(jctx, group, self)
                if err != nil {
                    return err
                }
                if claimed {
                    c.post(func() { c.createGroup(group, self) })
                    return nil
                }
                coord = holder
            }
            target = coord
        }
        if target.Equal(self) {
            // Stale registration left by an earlier incarnation of this channel.
            logutil.Warnf(c.opts.Logger, "%s: directory names self as coordinator of %q; releasing", self, group)
            _ = c.release(jctx, group, self)
            target = view.Address{}
            return errRetry
        }
        sent = target
        rsp, err := c.call(jctx, target, transport.Message{Kind: transport.KindJoinRequest, Group: group, Join: &transport.JoinRequest{Member: self}})
        if err != nil {
            logutil.Debugf(c.opts.Logger, "%s: join via %s failed: %v", self, target, err)
            target = view.Address{}
            return err
        }
        jr := rsp.JoinRsp
        if jr == nil {
            return permanent(errors.New("group: malformed join response"))
        }
        if jr.Accepted {
            return nil
        }
        switch jr.Error {
        case transport.ErrCodeNotCoordinator:
            target = view.Address{}
            if jr.Coordinator != nil && !jr.Coordinator.Equal(rsp.From) {
                target = *jr.Coordinator
            }
            return ErrNotCoordinator
        case transport.ErrCodeDuplicateJoin:
            if c.View().Contains(self) {
                return nil
            }
            return permanent(ErrDuplicateJoin)
        default:
            return permanent(errors.New(jr.Error))
        }
    }
    if err := retry(jctx, op); err != nil {
        if final {
            return sent, err
        }
        // The backoff gives up once the next interval would overrun the
        // deadline; the join still owns the remaining time.
        <-jctx.Done()
        if ctx.Err() != nil {
            return sent, ctx.Err()
        }
        return sent, fmt.Errorf("%w: %v", ErrJoinTimeout, err)
    }
    select {
    case <-joined:
        return sent, nil
    case <-jctx.Done():
        return sent, ErrJoinTimeout
    }
}

// abortConnect undoes a failed or cancelled Connect. If admission may have
// been granted, a best-effort leave is sent; FIFO delivery to the same
// coordinator guarantees it is processed after the join.
func (c *Channel) abortConnect(group string, self, target view.Address) {
    c.mu.Lock()
    v := c.view
    c.mu.Unlock()
    if coord, ok := v.Coordinator(); ok && v.Contains(self) {
        target = coord
    }
    if !target.IsZero() {
        c.leave(context.Background(), group, self, target)
    }
    c.opts.Transport.Unregister(self)
    c.resetToOpen()
}

func (c *Channel) resetToOpen() {
    c.mu.Lock()
    wasConnected := c.state == stateConnected
    if c.state != stateClosed {
        c.state = stateOpen
    }
    c.member = false
    c.clearPendingLocked()
    c.mu.Unlock()
    if wasConnected {
        obsmetrics.ChannelsConnected.Dec()
    }
}

// Disconnect leaves the current group and returns once the coordinator has
// acknowledged the leave. It is a no-op unless the channel is connected and
// never fails: an unacknowledged leave is logged. Called from a Receiver, it
// returns at once and the leave completes after the callback.
func (c *Channel) Disconnect() {
    if c.inReceiver.Load() {
        go c.leaveGroup()
        return
    }
    c.leaveGroup()
}

func (c *Channel) leaveGroup() {
    c.op.Lock()
    defer c.op.Unlock()
    c.disconnect(context.Background())
}

func (c *Channel) disconnect(ctx context.Context) {
    c.mu.Lock()
    if c.state != stateConnected {
        c.mu.Unlock()
        return
    }
    group, self, v := c.group, c.addr, c.view
    c.mu.Unlock()

    ctx, end := tracing.StartSpan(ctx, "group.disconnect", "group", group)
    defer end()
    coord, _ := v.Coordinator()
    c.leave(ctx, group, self, coord)
    c.opts.Transport.Unregister(self)
    c.resetToOpen()
    obsmetrics.IsCoordinator.WithLabelValues(group).Set(0)
    logutil.Infof(c.opts.Logger, "%s disconnected from %q", self, group)
    c.eb.publish(Event{Type: EventDisconnected, Group: group})
}

// Close disconnects the channel if needed and closes it permanently. A pending
// Connect fails with ErrClosedWhileConnecting. Close is idempotent. Called
// from a Receiver, it returns at once and the channel closes after the
// callback.
func (c *Channel) Close() {
    c.mu.Lock()
    if c.closing {
        c.mu.Unlock()
        return
    }
    c.closing = true
    close(c.closeCh)
    c.mu.Unlock()

    if c.inReceiver.Load() {
        go c.shutdown()
        return
    }
    c.shutdown()
}

func (c *Channel) shutdown() {
    // Waits for a pending Connect to abort or a Disconnect to finish.
    c.op.Lock()
    c.disconnect(context.Background())
    c.mu.Lock()
    c.state = stateClosed
    group := c.group
    c.mu.Unlock()
    c.op.Unlock()

    c.mbox.close()
    <-c.loopDone
    c.eb.publish(Event{Type: EventClosed, Group: group})
}

// leave sends a leave notice for self to target (the coordinator) and waits for
// the acknowledgement, following redirects. It never fails.
func (c *Channel) leave(ctx context.Context, group string, self, target view.Address) {
    lctx, cancel := context.WithTimeout(ctx, c.opts.LeaveTimeout)
    defer cancel()
    op := func() error {
        if target.IsZero() {
            coord, ok, err := c.lookup(lctx, group)
            if err != nil {
                return err
            }
            if !ok {
                return backoff.Permanent(errNoCoordinator)
            }
            target = coord
        }
        rsp, err := c.call(lctx, target, transport.Message{Kind: transport.KindLeaveRequest, Group: group, Leave: &transport.LeaveRequest{Member: self}})
        if err != nil {
            target = view.Address{}
            return err
        }
        lr := rsp.LeaveRsp
        if lr == nil {
            return backoff.Permanent(errors.New("group: malformed leave response"))
        }
        if lr.Accepted {
            return nil
        }
        if lr.Error == transport.ErrCodeNotCoordinator {
            target = view.Address{}
            if lr.Coordinator != nil && !lr.Coordinator.Equal(rsp.From) {
                target = *lr.Coordinator
            }
            return ErrNotCoordinator
        }
        return backoff.Permanent(errors.New(lr.Error))
    }
    if err := retry(lctx, op); err != nil {
        logutil.Warnf(c.opts.Logger, "%s: leave of %q not acknowledged: %v", self, group, err)
    }
}
