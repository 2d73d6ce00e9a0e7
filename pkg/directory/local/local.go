package local

import (
    "context"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/view"
)

// Directory is a process-local directory. Claims are atomic, so concurrent
// first connects to a new group always converge on one coordinator.
type Directory struct {
    t *directory.Table
}

func New() *Directory { return &Directory{t: directory.NewTable()} }

func (d *Directory) Lookup(_ context.Context, group string) (view.Address, bool, error) {
    a, ok := d.t.Get(group)
    return a, ok, nil
}

func (d *Directory) Claim(_ context.Context, group string, addr view.Address) (view.Address, bool, error) {
    return d.t.Claim(group, addr)
}

func (d *Directory) Register(_ context.Context, group string, addr view.Address) error {
    return d.t.Set(group, addr)
}

func (d *Directory) Release(_ context.Context, group string, addr view.Address) error {
    d.t.Release(group, addr)
    return nil
}

var _ directory.Directory = (*Directory)(nil)

func (d *Directory) Info() directory.Info { return directory.Info{Kind: "local"} }
