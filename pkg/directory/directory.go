package directory

import (
    "context"
    "errors"

    "github.com/amirimatin/go-group/pkg/view"
)

// ErrUnavailable is returned by backends that cannot reach their store.
var ErrUnavailable = errors.New("directory: unavailable")

// Directory resolves a group name to the address of its current coordinator.
// It is how a connecting channel finds the group; it never holds membership.
type Directory interface {
    // Lookup returns the registered coordinator of group, if any.
    Lookup(ctx context.Context, group string) (view.Address, bool, error)
    // Claim registers addr as coordinator when the group has none. It returns
    // the holder after the call and whether addr became the holder.
    Claim(ctx context.Context, group string, addr view.Address) (view.Address, bool, error)
    // Register unconditionally records addr as coordinator (succession).
    Register(ctx context.Context, group string, addr view.Address) error
    // Release removes the entry only while addr is still the holder.
    Release(ctx context.Context, group string, addr view.Address) error
}

// Info describes a directory backend on the management /status endpoint.
type Info struct {
    Kind string `json:"kind"`
    // Nodes lists the backend's peers or servers, when it has any.
    Nodes  []string `json:"nodes,omitempty"`
    Leader string   `json:"leader,omitempty"`
    // Health is the gossip awareness score; 0 is healthy.
    Health *int `json:"health,omitempty"`
}

// Reporter is implemented by directories that can describe themselves.
type Reporter interface {
    Info() Info
}
