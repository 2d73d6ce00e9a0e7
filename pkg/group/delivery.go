package group

import (
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
    "github.com/amirimatin/go-group/pkg/view"
)

type installed struct {
    view view.View
    prev view.View
    // joined is the pending Connect's signal, set on the first view only.
    joined chan struct{}
}

// onView queues v for delivery. Views are installed strictly in id order:
// while joining, starting at base; afterwards, only last+1. Duplicates and
// views for another group are dropped.
func (c *Channel) onView(group string, v view.View) {
    c.mu.Lock()
    if group != c.group || !c.member {
        c.mu.Unlock()
        logutil.Debugf(c.opts.Logger, "%s: discarding view %s for %q", c.Address(), v, group)
        return
    }
    switch {
    case c.view.IsZero() && c.base != 0 && v.ID() < c.base:
        c.mu.Unlock()
        return
    case !c.view.IsZero() && v.ID() <= c.view.ID():
        c.mu.Unlock()
        logutil.Debugf(c.opts.Logger, "%s: duplicate view %s", c.addr, v)
        return
    }
    if _, dup := c.pending[v.ID()]; !dup {
        c.pending[v.ID()] = v
        obsmetrics.PendingViews.Inc()
    }
    in := c.drainLocked()
    c.mu.Unlock()
    c.notify(group, in)
}

// drainLocked installs every consecutive pending view. Callers hold c.mu.
func (c *Channel) drainLocked() []installed {
    var out []installed
    for {
        want := c.base
        if !c.view.IsZero() {
            want = c.view.ID() + 1
        }
        if want == 0 {
            break
        }
        v, ok := c.pending[want]
        if !ok {
            break
        }
        delete(c.pending, want)
        obsmetrics.PendingViews.Dec()
        if c.view.IsZero() && !v.Contains(c.addr) {
            logutil.Warnf(c.opts.Logger, "%s: first view %s does not contain self", c.addr, v)
            c.base = 0
            break
        }
        in := installed{view: v, prev: c.view}
        c.view = v
        if c.state == stateConnecting {
            c.state = stateConnected
            obsmetrics.ChannelsConnected.Inc()
            in.joined = c.joined
        }
        out = append(out, in)
    }
    if len(out) > 0 {
        for id := range c.pending {
            if id <= c.view.ID() {
                delete(c.pending, id)
                obsmetrics.PendingViews.Dec()
            }
        }
    }
    return out
}

func (c *Channel) clearPendingLocked() {
    obsmetrics.PendingViews.Sub(float64(len(c.pending)))
    c.pending = make(map[uint64]view.View)
}

// notify hands installed views to the Receiver, in order, outside the lock.
func (c *Channel) notify(group string, list []installed) {
    for _, in := range list {
        c.mu.Lock()
        r, self := c.recv, c.addr
        c.mu.Unlock()

        v := in.view
        obsmetrics.ViewsInstalled.WithLabelValues(group).Inc()
        obsmetrics.ViewSize.WithLabelValues(group).Set(float64(v.Size()))
        logutil.Debugf(c.opts.Logger, "%s: installed view %s", self, v)
        if r != nil {
            c.callReceiver(r, v)
        }
        c.eb.publish(Event{Type: EventView, Group: group, View: &v})
        if v.IsCoordinator(self) && !in.prev.IsCoordinator(self) {
            obsmetrics.IsCoordinator.WithLabelValues(group).Set(1)
            if !in.prev.IsZero() {
                logutil.Infof(c.opts.Logger, "%s: took over coordination of %q", self, group)
                ctx, cancel := c.dirContext()
                if err := c.opts.Directory.Register(ctx, group, self); err != nil {
                    logutil.Warnf(c.opts.Logger, "%s: register as coordinator of %q: %v", self, group, err)
                }
                cancel()
            }
            c.eb.publish(Event{Type: EventCoordinator, Group: group, View: &v})
        }
        if in.joined != nil {
            close(in.joined)
        }
    }
}

func (c *Channel) callReceiver(r Receiver, v view.View) {
    c.inReceiver.Store(true)
    defer func() {
        c.inReceiver.Store(false)
        if p := recover(); p != nil {
            logutil.Errorf(c.opts.Logger, "%s: receiver panicked on view %s: %v", c.Address(), v, p)
        }
    }()
    r.ViewAccepted(v)
}
