package group

import (
    "context"
    "sync"
    "time"

    "github.com/amirimatin/go-group/pkg/view"
)

type EventType string

const (
    EventConnected    EventType = "connected"
    EventDisconnected EventType = "disconnected"
    EventClosed       EventType = "closed"
    EventView         EventType = "view"
    // EventCoordinator is published when this channel takes over the group.
    EventCoordinator EventType = "coordinator"
)

// Event is an application-consumable notification of channel changes.
// Only relevant fields for an event type are populated.
type Event struct {
    Type  EventType
    At    time.Time
    Group string
    View  *view.View
}

// Subscribe returns a channel of events. The returned channel is buffered and
// closed automatically when ctx is done. Events may be dropped if the consumer
// is too slow (best-effort delivery); the Receiver is the lossless path.
func (c *Channel) Subscribe(ctx context.Context) <-chan Event {
    ch := make(chan Event, 64)
    c.eb.add(ch)
    go func() {
        <-ctx.Done()
        c.eb.remove(ch)
        close(ch)
    }()
    return ch
}

// internal event bus
type eventBus struct {
    mu   sync.Mutex
    subs map[chan Event]struct{}
}

func (e *eventBus) add(ch chan Event) {
    e.mu.Lock()
    if e.subs == nil { e.subs = make(map[chan Event]struct{}) }
    e.subs[ch] = struct{}{}
    e.mu.Unlock()
}

func (e *eventBus) remove(ch chan Event) {
    e.mu.Lock()
    if e.subs != nil { delete(e.subs, ch) }
    e.mu.Unlock()
}

func (e *eventBus) publish(ev Event) {
    if ev.At.IsZero() { ev.At = time.Now() }
    e.mu.Lock()
    for ch := range e.subs {
        select {
        case ch <- ev:
        default:
            // drop if receiver is slow
        }
    }
    e.mu.Unlock()
}
