package transport

import (
    "context"
    "errors"

    "github.com/amirimatin/go-group/pkg/view"
)

var (
    // ErrUnknownDestination is returned by Send when no endpoint is registered
    // (or reachable) for the destination address.
    ErrUnknownDestination = errors.New("transport: unknown destination")
    ErrAlreadyRegistered  = errors.New("transport: address already registered")
    ErrClosed             = errors.New("transport: closed")
)

// Handler receives inbound messages for a registered endpoint. Implementations
// must not block: the protocol enqueues and returns.
type Handler func(msg Message)

// Transport is the reliable, order-preserving delivery collaborator. Messages
// from one sender to one destination are delivered in Send order. Send only
// enqueues; it never waits for the destination to process the message.
type Transport interface {
    // Endpoint returns the location string to embed in local addresses
    // (empty for in-process transports).
    Endpoint() string
    Register(addr view.Address, h Handler) error
    Unregister(addr view.Address)
    Send(ctx context.Context, to view.Address, msg Message) error
    Close() error
}
