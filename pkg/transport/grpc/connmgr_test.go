package grpc

import (
    "context"
    "errors"
    "testing"
    "time"

    "github.com/stretchr/testify/require"
    "google.golang.org/grpc"
    "google.golang.org/grpc/credentials/insecure"
)

func lazyDialer(dials *int) func(context.Context, string) (*grpc.ClientConn, error) {
    return func(ctx context.Context, target string) (*grpc.ClientConn, error) {
        *dials++
        return grpc.NewClient(target, grpc.WithTransportCredentials(insecure.NewCredentials()))
    }
}

func TestConnManagerReusesAndInvalidates(t *testing.T) {
    var dials int
    m := NewConnManager(time.Minute, lazyDialer(&dials))
    defer m.Close()
    ctx := context.Background()

    c1, rel1, err := m.Get(ctx, "127.0.0.1:1")
    require.NoError(t, err)
    c2, rel2, err := m.Get(ctx, "127.0.0.1:1")
    require.NoError(t, err)
    require.Same(t, c1, c2)
    require.Equal(t, 1, dials)
    rel1()
    rel2()

    m.Invalidate("127.0.0.1:1")
    require.Equal(t, 0, m.Len())
    _, rel3, err := m.Get(ctx, "127.0.0.1:1")
    require.NoError(t, err)
    rel3()
    require.Equal(t, 2, dials)
}

func TestConnManagerEvictsIdle(t *testing.T) {
    var dials int
    m := NewConnManager(40*time.Millisecond, lazyDialer(&dials))
    defer m.Close()
    _, rel, err := m.Get(context.Background(), "127.0.0.1:1")
    require.NoError(t, err)
    rel()
    require.Eventually(t, func() bool { return m.Len() == 0 }, time.Second, 10*time.Millisecond)
}

func TestConnManagerDialErrorAndClose(t *testing.T) {
    boom := errors.New("boom")
    m := NewConnManager(time.Minute, func(context.Context, string) (*grpc.ClientConn, error) { return nil, boom })
    _, rel, err := m.Get(context.Background(), "x:1")
    require.ErrorIs(t, err, boom)
    rel()
    m.Close()
    m.Close()
}
