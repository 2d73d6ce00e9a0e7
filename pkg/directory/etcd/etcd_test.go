package etcd

import (
    "context"
    "io"
    "log"
    "os"
    "strings"
    "testing"
    "time"

    "github.com/google/uuid"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/view"
)

// Set GROUP_TEST_ETCD to a comma-separated endpoint list to run these tests.
func newTestDirectory(t *testing.T, ttl time.Duration) *Directory {
    t.Helper()
    eps := os.Getenv("GROUP_TEST_ETCD")
    if eps == "" {
        t.Skip("GROUP_TEST_ETCD not set")
    }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    d, err := New(ctx, Options{
        Endpoints: strings.Split(eps, ","),
        Prefix:    "/go-group-test/" + uuid.NewString(),
        TTL:       ttl,
        Logger:    log.New(io.Discard, "", 0),
    })
    require.NoError(t, err)
    t.Cleanup(func() { _ = d.Close() })
    return d
}

func TestNewRequiresEndpoints(t *testing.T) {
    _, err := New(context.Background(), Options{})
    require.Error(t, err)
}

func TestClaimRegisterRelease(t *testing.T) {
    d := newTestDirectory(t, 0)
    ctx := context.Background()
    a, b := view.NewAddress("A", "a:1"), view.NewAddress("B", "b:1")

    _, ok, err := d.Lookup(ctx, "g")
    require.NoError(t, err)
    require.False(t, ok)

    holder, ok, err := d.Claim(ctx, "g", a)
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, holder.Equal(a))

    holder, ok, err = d.Claim(ctx, "g", b)
    require.NoError(t, err)
    require.False(t, ok)
    require.True(t, holder.Equal(a))
    require.Equal(t, "A", holder.Name)

    require.NoError(t, d.Release(ctx, "g", b))
    got, ok, err := d.Lookup(ctx, "g")
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, got.Equal(a))

    require.NoError(t, d.Register(ctx, "g", b))
    require.NoError(t, d.Release(ctx, "g", a))
    got, _, _ = d.Lookup(ctx, "g")
    require.True(t, got.Equal(b))

    require.NoError(t, d.Release(ctx, "g", b))
    _, ok, err = d.Lookup(ctx, "g")
    require.NoError(t, err)
    require.False(t, ok)
}

func TestLeaseBoundEntriesVanishOnClose(t *testing.T) {
    d := newTestDirectory(t, 5*time.Second)
    other := newTestDirectory(t, 0)
    other.opts.Prefix = d.opts.Prefix
    ctx := context.Background()

    a := view.NewAddress("A", "a:1")
    _, ok, err := d.Claim(ctx, "g", a)
    require.NoError(t, err)
    require.True(t, ok)
    _, ok, _ = other.Lookup(ctx, "g")
    require.True(t, ok)

    require.NoError(t, d.Close())
    _, ok, err = other.Lookup(ctx, "g")
    require.NoError(t, err)
    require.False(t, ok)

    require.ErrorIs(t, d.Register(ctx, "g", a), directory.ErrUnavailable)
}
