package group

import "github.com/amirimatin/go-group/pkg/view"

// Status is a JSON-serializable snapshot of a channel for management
// endpoints and tooling.
type Status struct {
    Name        string       `json:"name"`
    Address     view.Address `json:"address"`
    State       string       `json:"state"`
    Group       string       `json:"group,omitempty"`
    View        *view.View   `json:"view,omitempty"`
    Coordinator bool         `json:"coordinator"`
}

// Status returns the current snapshot of the channel.
func (c *Channel) Status() Status {
    c.mu.Lock()
    defer c.mu.Unlock()
    s := Status{Name: c.opts.Name, Address: c.addr, State: c.state.String(), Group: c.group}
    if !c.view.IsZero() {
        v := c.view
        s.View = &v
        s.Coordinator = c.state == stateConnected && v.IsCoordinator(c.addr)
    }
    return s
}
