package group

import "github.com/amirimatin/go-group/pkg/view"

// Receiver observes the views delivered to a channel. ViewAccepted is called
// once per view, in increasing id order, never concurrently with itself, and
// from the channel's protocol goroutine: long-running work should be handed off.
type Receiver interface {
    ViewAccepted(v view.View)
}

// ReceiverFunc adapts a function to Receiver.
type ReceiverFunc func(v view.View)

func (f ReceiverFunc) ViewAccepted(v view.View) { f(v) }
