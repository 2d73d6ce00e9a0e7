package group

import (
    "context"
    "errors"
    "time"

    "github.com/cenkalti/backoff"

    "github.com/amirimatin/go-group/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/observability/tracing"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/view"
)

var (
    errRetry         = errors.New("group: retry")
    errNoCoordinator = errors.New("group: no coordinator registered")
)

// retry runs op with exponential backoff until it succeeds, returns a
// permanent error or ctx is done.
func retry(ctx context.Context, op backoff.Operation) error {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 10 * time.Millisecond
    b.MaxInterval = 250 * time.Millisecond
    b.MaxElapsedTime = 0
    return backoff.Retry(op, backoff.WithContext(b, ctx))
}

// post schedules f on the protocol goroutine.
func (c *Channel) post(f func()) {
    if !c.mbox.push(f) {
        logutil.Debugf(c.opts.Logger, "%s: protocol loop stopped, task dropped", c.Address())
    }
}

// deliver is the transport handler: it only enqueues.
func (c *Channel) deliver(msg transport.Message) {
    if !c.mbox.push(func() { c.handle(msg) }) {
        obsmetrics.MessagesDropped.WithLabelValues(string(msg.Kind)).Inc()
    }
}

// call sends a request and waits for the response carrying the same Seq.
// Each attempt is bounded by RequestTimeout.
func (c *Channel) call(ctx context.Context, to view.Address, msg transport.Message) (transport.Message, error) {
    ctx, cancel := context.WithTimeout(ctx, c.opts.RequestTimeout)
    defer cancel()
    seq := c.seq.Add(1)
    msg.Seq = seq
    msg.From = c.Address()
    ch := make(chan transport.Message, 1)
    c.calls.Store(seq, ch)
    defer c.calls.Delete(seq)
    if err := c.opts.Transport.Send(ctx, to, msg); err != nil {
        return transport.Message{}, err
    }
    select {
    case rsp := <-ch:
        return rsp, nil
    case <-ctx.Done():
        return transport.Message{}, ctx.Err()
    }
}

func (c *Channel) reply(to view.Address, req transport.Message, rsp transport.Message) {
    rsp.Group = req.Group
    rsp.Seq = req.Seq
    rsp.From = c.Address()
    c.send(to, rsp)
}

// send is fire-and-forget; lost messages are counted by the transport.
func (c *Channel) send(to view.Address, msg transport.Message) {
    ctx, cancel := context.WithTimeout(context.Background(), c.opts.RequestTimeout)
    defer cancel()
    if err := c.opts.Transport.Send(ctx, to, msg); err != nil {
        logutil.Debugf(c.opts.Logger, "%s: send %s to %s failed: %v", msg.From, msg.Kind, to, err)
    }
}

func (c *Channel) dirContext() (context.Context, context.CancelFunc) {
    return context.WithTimeout(context.Background(), c.opts.DirectoryTimeout)
}

func (c *Channel) lookup(ctx context.Context, group string) (view.Address, bool, error) {
    ctx, cancel := context.WithTimeout(ctx, c.opts.DirectoryTimeout)
    defer cancel()
    return c.opts.Directory.Lookup(ctx, group)
}

func (c *Channel) claim(ctx context.Context, group string, self view.Address) (view.Address, bool, error) {
    ctx, cancel := context.WithTimeout(ctx, c.opts.DirectoryTimeout)
    defer cancel()
    return c.opts.Directory.Claim(ctx, group, self)
}

func (c *Channel) release(ctx context.Context, group string, self view.Address) error {
    ctx, cancel := context.WithTimeout(ctx, c.opts.DirectoryTimeout)
    defer cancel()
    return c.opts.Directory.Release(ctx, group, self)
}

// handle dispatches one message on the protocol goroutine. Anomalies are
// logged and never stop the loop.
func (c *Channel) handle(msg transport.Message) {
    switch msg.Kind {
    case transport.KindView:
        if msg.View == nil {
            logutil.Warnf(c.opts.Logger, "%s: view message without view from %s", c.Address(), msg.From)
            return
        }
        c.onView(msg.Group, *msg.View)
    case transport.KindJoinRequest:
        c.onJoinRequest(msg)
    case transport.KindLeaveRequest:
        c.onLeaveRequest(msg)
    case transport.KindJoinResponse:
        c.onJoinResponse(msg)
        c.complete(msg)
    case transport.KindLeaveResponse:
        c.complete(msg)
    default:
        logutil.Warnf(c.opts.Logger, "%s: unknown message kind %q from %s", c.Address(), msg.Kind, msg.From)
    }
}

func (c *Channel) complete(msg transport.Message) {
    v, ok := c.calls.Load(msg.Seq)
    if !ok {
        logutil.Debugf(c.opts.Logger, "%s: late %s seq=%d from %s", c.Address(), msg.Kind, msg.Seq, msg.From)
        return
    }
    select {
    case v.(chan transport.Message) <- msg:
    default:
    }
}

// coordinatorFor reports whether this channel currently coordinates group and,
// if not, the best known coordinator to redirect to.
func (c *Channel) coordinatorFor(group string) (view.View, view.Address, bool, *view.Address) {
    c.mu.Lock()
    defer c.mu.Unlock()
    self := c.addr
    if group != c.group || !c.member {
        if group == c.group && c.successor != nil {
            s := *c.successor
            return view.View{}, self, false, &s
        }
        return view.View{}, self, false, nil
    }
    coord, ok := c.view.Coordinator()
    if !ok {
        return view.View{}, self, false, nil
    }
    if !coord.Equal(self) || c.state != stateConnected {
        return view.View{}, self, false, &coord
    }
    return c.view, self, true, nil
}

func (c *Channel) onJoinRequest(msg transport.Message) {
    if msg.Join == nil {
        return
    }
    _, end := tracing.StartSpan(context.Background(), "group.handle_join", "group", msg.Group, "member", msg.Join.Member.String())
    defer end()
    joiner := msg.Join.Member
    cur, self, ok, hint := c.coordinatorFor(msg.Group)
    if !ok {
        obsmetrics.JoinRequests.WithLabelValues("redirected").Inc()
        c.reply(msg.From, msg, transport.Message{Kind: transport.KindJoinResponse, JoinRsp: &transport.JoinResponse{Error: transport.ErrCodeNotCoordinator, Coordinator: hint}})
        return
    }
    next, err := cur.WithJoined(joiner)
    if err != nil {
        obsmetrics.JoinRequests.WithLabelValues("duplicate").Inc()
        logutil.Warnf(c.opts.Logger, "%s: duplicate join of %s to %q", self, joiner, msg.Group)
        c.reply(msg.From, msg, transport.Message{Kind: transport.KindJoinResponse, JoinRsp: &transport.JoinResponse{Error: transport.ErrCodeDuplicateJoin, ViewID: cur.ID()}})
        return
    }
    obsmetrics.JoinRequests.WithLabelValues("accepted").Inc()
    logutil.Debugf(c.opts.Logger, "%s: %s joins %q -> %s", self, joiner, msg.Group, next)
    c.disseminate(msg.Group, self, next)
    c.reply(msg.From, msg, transport.Message{Kind: transport.KindJoinResponse, JoinRsp: &transport.JoinResponse{Accepted: true, ViewID: next.ID()}})
}

func (c *Channel) onLeaveRequest(msg transport.Message) {
    if msg.Leave == nil {
        return
    }
    _, end := tracing.StartSpan(context.Background(), "group.handle_leave", "group", msg.Group, "member", msg.Leave.Member.String())
    defer end()
    leaver := msg.Leave.Member
    cur, self, ok, hint := c.coordinatorFor(msg.Group)
    if !ok {
        obsmetrics.LeaveRequests.WithLabelValues("redirected").Inc()
        c.reply(msg.From, msg, transport.Message{Kind: transport.KindLeaveResponse, LeaveRsp: &transport.LeaveResponse{Error: transport.ErrCodeNotCoordinator, Coordinator: hint}})
        return
    }
    accepted := transport.Message{Kind: transport.KindLeaveResponse, LeaveRsp: &transport.LeaveResponse{Accepted: true}}
    next, found := cur.WithoutMember(leaver)
    if !found {
        obsmetrics.LeaveRequests.WithLabelValues("unknown").Inc()
        logutil.Warnf(c.opts.Logger, "%s: %v: %s in %q", self, ErrUnknownLeave, leaver, msg.Group)
        c.reply(msg.From, msg, accepted)
        return
    }
    obsmetrics.LeaveRequests.WithLabelValues("accepted").Inc()
    if !leaver.Equal(self) {
        logutil.Debugf(c.opts.Logger, "%s: %s leaves %q -> %s", self, leaver, msg.Group, next)
        c.disseminate(msg.Group, self, next)
        c.reply(msg.From, msg, accepted)
        return
    }

    // The coordinator itself departs: hand the group to the next member, or
    // dissolve it when nobody is left.
    c.mu.Lock()
    c.member = false
    if succ, ok := next.Coordinator(); ok {
        c.successor = &succ
    }
    c.mu.Unlock()
    ctx, cancel := c.dirContext()
    defer cancel()
    if succ, ok := next.Coordinator(); ok {
        logutil.Infof(c.opts.Logger, "%s: leaving %q, handing over to %s", self, msg.Group, succ)
        c.disseminate(msg.Group, self, next)
        if err := c.opts.Directory.Register(ctx, msg.Group, succ); err != nil {
            logutil.Warnf(c.opts.Logger, "%s: hand over %q in directory: %v", self, msg.Group, err)
        }
    } else {
        logutil.Infof(c.opts.Logger, "%s: last member left %q, group dissolved", self, msg.Group)
        if err := c.opts.Directory.Release(ctx, msg.Group, self); err != nil {
            logutil.Warnf(c.opts.Logger, "%s: release %q in directory: %v", self, msg.Group, err)
        }
    }
    obsmetrics.IsCoordinator.WithLabelValues(msg.Group).Set(0)
    c.reply(msg.From, msg, accepted)
}

// disseminate sends next to every member except self, then installs it locally
// if self is a member.
func (c *Channel) disseminate(group string, self view.Address, next view.View) {
    for _, m := range next.Members() {
        if m.Equal(self) {
            continue
        }
        c.send(m, transport.Message{Kind: transport.KindView, Group: group, From: self, View: &next})
    }
    if next.Contains(self) {
        c.onView(group, next)
    }
}

// createGroup installs the singleton view after a successful directory claim.
func (c *Channel) createGroup(group string, self view.Address) {
    c.mu.Lock()
    if group != c.group || !c.member || !c.view.IsZero() {
        c.mu.Unlock()
        return
    }
    c.base = 1
    c.mu.Unlock()
    logutil.Infof(c.opts.Logger, "%s: created group %q", self, group)
    c.onView(group, view.Singleton(self))
}

// onJoinResponse fixes the id of the first view to deliver.
func (c *Channel) onJoinResponse(msg transport.Message) {
    jr := msg.JoinRsp
    if jr == nil || jr.ViewID == 0 {
        return
    }
    if !jr.Accepted && jr.Error != transport.ErrCodeDuplicateJoin {
        return
    }
    c.mu.Lock()
    if msg.Group != c.group || !c.member || !c.view.IsZero() || c.base != 0 {
        c.mu.Unlock()
        return
    }
    c.base = jr.ViewID
    if !jr.Accepted {
        // Admitted by an earlier attempt whose response was lost; start from
        // the lowest held view that contains self.
        c.base = 0
        for id, v := range c.pending {
            if v.Contains(c.addr) && (c.base == 0 || id < c.base) {
                c.base = id
            }
        }
    }
    installed := c.drainLocked()
    c.mu.Unlock()
    c.notify(msg.Group, installed)
}
