package redis

import (
    "context"
    "io"
    "log"
    "os"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/group"
    "github.com/amirimatin/go-group/pkg/transport/inmem"
    "github.com/amirimatin/go-group/pkg/view"
)

// Set GROUP_TEST_REDIS to host:port to run these tests.
func newTestDirectory(t *testing.T) *Directory {
    t.Helper()
    addr := os.Getenv("GROUP_TEST_REDIS")
    if addr == "" {
        t.Skip("GROUP_TEST_REDIS not set")
    }
    d, err := New(context.Background(), Options{Addr: addr, Prefix: "go-group-test:" + uuid.NewString() + ":", Logger: log.New(io.Discard, "", 0)})
    require.NoError(t, err)
    t.Cleanup(func() { _ = d.Close() })
    return d
}

func TestNewRejectsEmptyAddress(t *testing.T) {
    _, err := New(context.Background(), Options{})
    require.Error(t, err)
}

func TestNewUnreachable(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), time.Second)
    defer cancel()
    _, err := New(ctx, Options{Addr: "127.0.0.1:1", Logger: log.New(io.Discard, "", 0)})
    require.ErrorIs(t, err, directory.ErrUnavailable)
}

func TestClaimRegisterRelease(t *testing.T) {
    d := newTestDirectory(t)
    ctx := context.Background()
    a, b := view.NewAddress("A", "a:1"), view.NewAddress("B", "b:1")

    holder, ok, err := d.Claim(ctx, "g", a)
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, holder.Equal(a))

    holder, ok, err = d.Claim(ctx, "g", b)
    require.NoError(t, err)
    require.False(t, ok)
    require.True(t, holder.Equal(a))

    require.NoError(t, d.Release(ctx, "g", b))
    _, ok, _ = d.Lookup(ctx, "g")
    require.True(t, ok)

    require.NoError(t, d.Register(ctx, "g", b))
    require.NoError(t, d.Release(ctx, "g", b))
    _, ok, err = d.Lookup(ctx, "g")
    require.NoError(t, err)
    require.False(t, ok)
}

func TestBacksGroupChannels(t *testing.T) {
    d := newTestDirectory(t)
    tr := inmem.New()
    mk := func(name string) *group.Channel {
        c, err := group.NewChannel(group.Options{Name: name, Transport: tr, Directory: d, Logger: log.New(io.Discard, "", 0)})
        require.NoError(t, err)
        t.Cleanup(c.Close)
        return c
    }
    a, b := mk("A"), mk("B")
    ctx := context.Background()
    require.NoError(t, a.Connect(ctx, "g"))
    require.NoError(t, b.Connect(ctx, "g"))
    require.Eventually(t, func() bool { return a.View().Size() == 2 }, 2*time.Second, 10*time.Millisecond)

    a.Close()
    require.Eventually(t, func() bool { return b.View().IsCoordinator(b.Address()) }, 2*time.Second, 10*time.Millisecond)
    require.Eventually(t, func() bool {
        got, ok, err := d.Lookup(ctx, "g")
        return err == nil && ok && got.Equal(b.Address())
    }, 2*time.Second, 10*time.Millisecond)
}
