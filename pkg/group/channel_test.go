package group

import (
    "context"
    "errors"
    "fmt"
    "io"
    "log"
    "sync"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/directory/local"
    "github.com/amirimatin/go-group/pkg/transport"
    "github.com/amirimatin/go-group/pkg/transport/inmem"
    "github.com/amirimatin/go-group/pkg/view"
)

const groupName = "CloseTest"

type recorder struct {
    mu    sync.Mutex
    views []view.View
}

func (r *recorder) ViewAccepted(v view.View) {
    r.mu.Lock()
    r.views = append(r.views, v)
    r.mu.Unlock()
}

func (r *recorder) snapshot() []view.View {
    r.mu.Lock()
    defer r.mu.Unlock()
    return append([]view.View(nil), r.views...)
}

type fixture struct {
    net *inmem.Network
    dir *local.Directory
}

func newFixture() *fixture { return &fixture{net: inmem.New(), dir: local.New()} }

func (f *fixture) options(name string) Options {
    return Options{
        Name:         name,
        Transport:    f.net,
        Directory:    f.dir,
        Logger:       log.New(io.Discard, "", 0),
        LeaveTimeout: 300 * time.Millisecond,
    }
}

func (f *fixture) channel(t *testing.T, name string) (*Channel, *recorder) {
    t.Helper()
    rec := &recorder{}
    opts := f.options(name)
    opts.Receiver = rec
    c, err := NewChannel(opts)
    require.NoError(t, err)
    t.Cleanup(c.Close)
    return c, rec
}

func (f *fixture) connected(t *testing.T, name, group string) (*Channel, *recorder) {
    t.Helper()
    c, rec := f.channel(t, name)
    require.NoError(t, c.Connect(context.Background(), group))
    return c, rec
}

func awaitView(t *testing.T, c *Channel, timeout time.Duration, want ...*Channel) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        v := c.View()
        if v.Size() == len(want) {
            ok := true
            for i, m := range v.Members() {
                if !m.Equal(want[i].Address()) {
                    ok = false
                    break
                }
            }
            if ok {
                return
            }
        }
        if time.Now().After(deadline) {
            t.Fatalf("%s: view %s did not converge to %d members within %s", c.Name(), v, len(want), timeout)
        }
        time.Sleep(10 * time.Millisecond)
    }
}

// requireGapFree checks that ids increase by exactly one after the first view.
func requireGapFree(t *testing.T, views []view.View) {
    t.Helper()
    for i := 1; i < len(views); i++ {
        require.Equal(t, views[i-1].ID()+1, views[i].ID(), "views %s -> %s", views[i-1], views[i])
    }
}

func TestDoubleClose(t *testing.T) {
    f := newFixture()
    a, _ := f.channel(t, "A")
    a.Close()
    require.False(t, a.IsOpen())
    a.Close()
    require.False(t, a.IsOpen())
    require.False(t, a.IsConnected())
}

func TestCreationAndClose(t *testing.T) {
    f := newFixture()
    a, rec := f.channel(t, "A")
    require.True(t, a.IsOpen())
    require.False(t, a.IsConnected())
    require.True(t, a.Address().IsZero())

    require.NoError(t, a.Connect(context.Background(), groupName))
    require.True(t, a.IsOpen())
    require.True(t, a.IsConnected())
    v := a.View()
    require.Equal(t, uint64(1), v.ID())
    require.Equal(t, []view.Address{a.Address()}, v.Members())
    require.True(t, v.IsCoordinator(a.Address()))
    require.Len(t, rec.snapshot(), 1, "receiver must see the first view before Connect returns")

    a.Close()
    require.False(t, a.IsOpen())
    require.False(t, a.IsConnected())
    _, ok, err := f.dir.Lookup(context.Background(), groupName)
    require.NoError(t, err)
    require.False(t, ok, "group should be dissolved after its last member left")
}

func TestCreationAndCoordClose(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, recB := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)
    awaitView(t, b, time.Second, a, b)

    a.Close()
    awaitView(t, b, time.Second, b)
    require.True(t, b.View().IsCoordinator(b.Address()))
    requireGapFree(t, recB.snapshot())

    coord, ok, err := f.dir.Lookup(context.Background(), groupName)
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, coord.Equal(b.Address()))
}

func TestViewChangeReceptionOnChannelCloseByParticipant(t *testing.T) {
    f := newFixture()
    a, recA := f.connected(t, "A", groupName)
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)

    before := a.View().ID()
    b.Close()
    awaitView(t, a, time.Second, a)

    views := recA.snapshot()
    require.Len(t, views, 3)
    last := views[len(views)-1]
    require.Equal(t, before+1, last.ID())
    require.Equal(t, []view.Address{a.Address()}, last.Members())
    requireGapFree(t, views)
}

func TestViewChangeReceptionOnChannelCloseByCoordinator(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, recB := f.connected(t, "B", groupName)
    awaitView(t, b, time.Second, a, b)

    before := b.View().ID()
    a.Close()
    awaitView(t, b, time.Second, b)

    views := recB.snapshot()
    last := views[len(views)-1]
    require.Equal(t, before+1, last.ID())
    require.Equal(t, []view.Address{b.Address()}, last.Members())
    requireGapFree(t, views)
}

func TestConnectDisconnectConnectCloseSequence(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", "OneGroup")
    addr := a.Address()
    a.Disconnect()
    require.True(t, a.IsOpen())
    require.False(t, a.IsConnected())

    require.NoError(t, a.Connect(context.Background(), "OtherGroup"))
    require.Equal(t, "OtherGroup", a.Group())
    require.True(t, a.Address().Equal(addr), "address is reused across reconnects")
    v := a.View()
    require.Equal(t, 1, v.Size())
    require.Equal(t, uint64(1), v.ID())
    require.True(t, v.Contains(addr))
    a.Close()
    require.False(t, a.IsOpen())
}

func TestClosedChannel(t *testing.T) {
    f := newFixture()
    a, _ := f.channel(t, "A")
    a.Close()
    err := a.Connect(context.Background(), groupName)
    require.ErrorIs(t, err, ErrClosed)
}

func TestConnectTwice(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    require.ErrorIs(t, a.Connect(context.Background(), groupName), ErrAlreadyConnected)
    require.ErrorIs(t, a.Connect(context.Background(), "another"), ErrAlreadyConnected)
    require.ErrorIs(t, a.Connect(context.Background(), ""), ErrEmptyGroup)
}

func TestDisconnectIsNoopWhenNotConnected(t *testing.T) {
    f := newFixture()
    a, rec := f.channel(t, "A")
    a.Disconnect()
    require.True(t, a.IsOpen())
    a.Close()
    a.Disconnect()
    require.False(t, a.IsOpen())
    require.Empty(t, rec.snapshot())
}

func TestMultipleConnectsAndDisconnects(t *testing.T) {
    f := newFixture()
    a, recA := f.connected(t, "A", groupName)
    b, _ := f.channel(t, "B")

    for i := 0; i < 3; i++ {
        require.NoError(t, b.Connect(context.Background(), groupName), "round %d", i)
        awaitView(t, a, time.Second, a, b)
        awaitView(t, b, time.Second, a, b)
        b.Disconnect()
        awaitView(t, a, time.Second, a)
    }
    views := recA.snapshot()
    require.Len(t, views, 7)
    requireGapFree(t, views)
    require.Equal(t, uint64(7), a.View().ID())
}

func TestJoinAppendsAndCoordinatorSuccession(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, recB := f.connected(t, "B", groupName)
    c, _ := f.connected(t, "C", groupName)
    awaitView(t, a, time.Second, a, b, c)
    awaitView(t, b, time.Second, a, b, c)
    awaitView(t, c, time.Second, a, b, c)
    require.Equal(t, uint64(3), c.View().ID())

    a.Disconnect()
    awaitView(t, b, time.Second, b, c)
    awaitView(t, c, time.Second, b, c)
    require.True(t, b.View().IsCoordinator(b.Address()))

    d, _ := f.connected(t, "D", groupName)
    awaitView(t, b, time.Second, b, c, d)
    awaitView(t, c, time.Second, b, c, d)
    awaitView(t, d, time.Second, b, c, d)

    c.Disconnect()
    awaitView(t, b, time.Second, b, d)
    awaitView(t, d, time.Second, b, d)
    require.Equal(t, uint64(6), d.View().ID())
    requireGapFree(t, recB.snapshot())
}

func TestConcurrentConnectsConverge(t *testing.T) {
    f := newFixture()
    const n = 6
    chans := make([]*Channel, n)
    recs := make([]*recorder, n)
    for i := range chans {
        chans[i], recs[i] = f.channel(t, fmt.Sprintf("N%d", i))
    }
    var wg sync.WaitGroup
    errs := make(chan error, n)
    for _, c := range chans {
        wg.Add(1)
        go func(c *Channel) {
            defer wg.Done()
            errs <- c.Connect(context.Background(), groupName)
        }(c)
    }
    wg.Wait()
    close(errs)
    for err := range errs {
        require.NoError(t, err)
    }

    deadline := time.Now().Add(2 * time.Second)
    for {
        ref := chans[0].View()
        same := ref.Size() == n
        for _, c := range chans[1:] {
            same = same && c.View().Equal(ref)
        }
        if same {
            break
        }
        if time.Now().After(deadline) {
            t.Fatalf("views did not converge: %s", ref)
        }
        time.Sleep(10 * time.Millisecond)
    }
    for _, r := range recs {
        requireGapFree(t, r.snapshot())
    }
}

func TestOutOfOrderViewsAreHeldBack(t *testing.T) {
    f := newFixture()
    a, rec := f.connected(t, "A", groupName)
    x := view.NewAddress("X", "")
    y := view.NewAddress("Y", "")
    v2, err := view.New(2, a.Address(), x)
    require.NoError(t, err)
    v3, err := view.New(3, a.Address(), x, y)
    require.NoError(t, err)

    a.deliver(transport.Message{Kind: transport.KindView, Group: groupName, View: &v3})
    a.deliver(transport.Message{Kind: transport.KindView, Group: groupName, View: &v2})
    a.deliver(transport.Message{Kind: transport.KindView, Group: groupName, View: &v2})
    other, err := view.New(9, a.Address())
    require.NoError(t, err)
    a.deliver(transport.Message{Kind: transport.KindView, Group: "unrelated", View: &other})

    require.Eventually(t, func() bool { return a.View().ID() == 3 }, time.Second, 5*time.Millisecond)
    views := rec.snapshot()
    require.Len(t, views, 3)
    require.Equal(t, []uint64{1, 2, 3}, []uint64{views[0].ID(), views[1].ID(), views[2].ID()})
}

// rawEndpoint is an address used to talk the protocol directly.
type rawEndpoint struct {
    addr view.Address
    net  *inmem.Network
    in   chan transport.Message
}

func newRawEndpoint(t *testing.T, net *inmem.Network) *rawEndpoint {
    p := &rawEndpoint{addr: view.NewAddress("raw", ""), net: net, in: make(chan transport.Message, 16)}
    require.NoError(t, net.Register(p.addr, func(m transport.Message) { p.in <- m }))
    t.Cleanup(func() { net.Unregister(p.addr) })
    return p
}

func (p *rawEndpoint) request(t *testing.T, to view.Address, msg transport.Message) transport.Message {
    t.Helper()
    msg.From = p.addr
    msg.Seq = 42
    require.NoError(t, p.net.Send(context.Background(), to, msg))
    select {
    case rsp := <-p.in:
        require.Equal(t, uint64(42), rsp.Seq)
        return rsp
    case <-time.After(time.Second):
        t.Fatalf("no response to %s", msg.Kind)
    }
    return transport.Message{}
}

func TestDuplicateJoinIsRejected(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)

    p := newRawEndpoint(t, f.net)
    rsp := p.request(t, a.Address(), transport.Message{Kind: transport.KindJoinRequest, Group: groupName, Join: &transport.JoinRequest{Member: b.Address()}})
    require.NotNil(t, rsp.JoinRsp)
    require.False(t, rsp.JoinRsp.Accepted)
    require.Equal(t, transport.ErrCodeDuplicateJoin, rsp.JoinRsp.Error)
    require.Equal(t, uint64(2), a.View().ID())
}

func TestUnknownLeaveIsIgnored(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    p := newRawEndpoint(t, f.net)
    rsp := p.request(t, a.Address(), transport.Message{Kind: transport.KindLeaveRequest, Group: groupName, Leave: &transport.LeaveRequest{Member: view.NewAddress("ghost", "")}})
    require.NotNil(t, rsp.LeaveRsp)
    require.True(t, rsp.LeaveRsp.Accepted)
    require.Equal(t, uint64(1), a.View().ID())
    require.True(t, a.IsConnected())
}

func TestNonCoordinatorRedirects(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, b, time.Second, a, b)

    p := newRawEndpoint(t, f.net)
    rsp := p.request(t, b.Address(), transport.Message{Kind: transport.KindJoinRequest, Group: groupName, Join: &transport.JoinRequest{Member: p.addr}})
    require.NotNil(t, rsp.JoinRsp)
    require.Equal(t, transport.ErrCodeNotCoordinator, rsp.JoinRsp.Error)
    require.NotNil(t, rsp.JoinRsp.Coordinator)
    require.True(t, rsp.JoinRsp.Coordinator.Equal(a.Address()))
}

func TestJoinFollowsStaleDirectoryEntry(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)
    // Point the directory at the non-coordinator; the join must be redirected.
    require.NoError(t, f.dir.Register(context.Background(), groupName, b.Address()))

    c, _ := f.connected(t, "C", groupName)
    awaitView(t, a, time.Second, a, b, c)
    awaitView(t, c, time.Second, a, b, c)
}

func TestCloseWhileConnecting(t *testing.T) {
    f := newFixture()
    // A coordinator that never answers keeps Connect retrying.
    ghost := view.NewAddress("ghost", "")
    require.NoError(t, f.dir.Register(context.Background(), groupName, ghost))

    a, _ := f.channel(t, "A")
    done := make(chan error, 1)
    go func() { done <- a.Connect(context.Background(), groupName) }()
    time.Sleep(50 * time.Millisecond)

    a.Close()
    select {
    case err := <-done:
        require.ErrorIs(t, err, ErrClosedWhileConnecting)
    case <-time.After(2 * time.Second):
        t.Fatalf("pending Connect was not cancelled by Close")
    }
    require.False(t, a.IsOpen())
    require.False(t, a.IsConnected())
}

func TestConnectTimesOut(t *testing.T) {
    f := newFixture()
    require.NoError(t, f.dir.Register(context.Background(), groupName, view.NewAddress("ghost", "")))
    opts := f.options("A")
    opts.JoinTimeout = time.Second
    opts.LeaveTimeout = 50 * time.Millisecond
    a, err := NewChannel(opts)
    require.NoError(t, err)
    defer a.Close()

    start := time.Now()
    err = a.Connect(context.Background(), groupName)
    elapsed := time.Since(start)
    require.ErrorIs(t, err, ErrJoinTimeout)
    require.ErrorContains(t, err, transport.ErrUnknownDestination.Error())
    require.Greater(t, elapsed, 500*time.Millisecond)
    require.Less(t, elapsed, 2*time.Second)
    require.True(t, a.IsOpen())
    require.False(t, a.IsConnected())
}

func TestConnectCancelledByCaller(t *testing.T) {
    f := newFixture()
    require.NoError(t, f.dir.Register(context.Background(), groupName, view.NewAddress("ghost", "")))
    opts := f.options("A")
    opts.LeaveTimeout = 50 * time.Millisecond
    a, err := NewChannel(opts)
    require.NoError(t, err)
    defer a.Close()

    ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
    defer cancel()
    err = a.Connect(ctx, groupName)
    require.ErrorIs(t, err, context.DeadlineExceeded)
    require.False(t, errors.Is(err, ErrJoinTimeout))
}

func TestSubscribeAndStatus(t *testing.T) {
    f := newFixture()
    a, _ := f.channel(t, "A")
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    events := a.Subscribe(ctx)

    require.NoError(t, a.Connect(context.Background(), groupName))
    seen := map[EventType]bool{}
    timeout := time.After(time.Second)
    for !(seen[EventView] && seen[EventConnected]) {
        select {
        case ev := <-events:
            seen[ev.Type] = true
        case <-timeout:
            t.Fatalf("missing events: %v", seen)
        }
    }

    st := a.Status()
    require.Equal(t, "A", st.Name)
    require.Equal(t, "connected", st.State)
    require.Equal(t, groupName, st.Group)
    require.True(t, st.Coordinator)
    require.NotNil(t, st.View)
    require.Equal(t, 1, st.View.Size())
}

func TestReceiverCanBeReplaced(t *testing.T) {
    f := newFixture()
    a, first := f.connected(t, "A", groupName)
    second := &recorder{}
    a.SetReceiver(second)
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)
    require.Len(t, first.snapshot(), 1)
    require.Eventually(t, func() bool { return len(second.snapshot()) == 1 }, time.Second, 5*time.Millisecond)
}

func TestReceiverPanicDoesNotStopLoop(t *testing.T) {
    f := newFixture()
    opts := f.options("A")
    opts.Receiver = ReceiverFunc(func(v view.View) {
        if v.ID() == 1 {
            panic("boom")
        }
    })
    a, err := NewChannel(opts)
    require.NoError(t, err)
    defer a.Close()
    require.NoError(t, a.Connect(context.Background(), groupName))
    b, _ := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)
}

func TestCloseFromReceiver(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, _ := f.channel(t, "B")
    returned := make(chan struct{})
    b.SetReceiver(ReceiverFunc(func(v view.View) {
        if v.Size() == 1 && v.IsCoordinator(b.Address()) {
            b.Close()
            close(returned)
        }
    }))
    require.NoError(t, b.Connect(context.Background(), groupName))
    awaitView(t, a, time.Second, a, b)

    a.Close()
    select {
    case <-returned:
    case <-time.After(time.Second):
        t.Fatalf("Close blocked inside ViewAccepted")
    }
    require.False(t, b.IsOpen())
    require.Eventually(t, func() bool { return !b.IsConnected() }, time.Second, 10*time.Millisecond)
    require.Eventually(t, func() bool {
        _, ok, _ := f.dir.Lookup(context.Background(), groupName)
        return !ok
    }, time.Second, 10*time.Millisecond)
}

func TestDisconnectFromReceiver(t *testing.T) {
    f := newFixture()
    a, _ := f.connected(t, "A", groupName)
    b, _ := f.channel(t, "B")
    b.SetReceiver(ReceiverFunc(func(v view.View) {
        if v.Size() == 2 {
            b.Disconnect()
        }
    }))
    require.NoError(t, b.Connect(context.Background(), groupName))
    awaitView(t, a, time.Second, a)
    require.Eventually(t, func() bool { return !b.IsConnected() }, time.Second, 10*time.Millisecond)
    require.True(t, b.IsOpen())
}

func TestCoordinatorReconnectsAsMember(t *testing.T) {
    f := newFixture()
    a, recA := f.connected(t, "A", groupName)
    b, recB := f.connected(t, "B", groupName)
    awaitView(t, a, time.Second, a, b)
    b.Disconnect()
    awaitView(t, a, time.Second, a)
    require.NoError(t, b.Connect(context.Background(), groupName))
    awaitView(t, a, time.Second, a, b)
    awaitView(t, b, time.Second, a, b)

    c, recC := f.channel(t, "C")
    require.True(t, c.IsOpen())
    require.False(t, c.IsConnected())

    a.Disconnect()
    require.True(t, a.IsOpen())
    require.False(t, a.IsConnected())
    awaitView(t, b, time.Second, b)
    require.True(t, b.View().IsCoordinator(b.Address()))
    require.False(t, c.IsConnected())

    require.NoError(t, a.Connect(context.Background(), groupName))
    require.True(t, a.IsConnected())
    awaitView(t, a, time.Second, b, a)
    awaitView(t, b, time.Second, b, a)
    require.False(t, a.View().IsCoordinator(a.Address()))
    require.Equal(t, "[B|6] (2) [B, A]", a.View().String())

    // A's second session starts at the view that admitted it.
    views := recA.snapshot()
    require.Equal(t, uint64(6), views[len(views)-1].ID())
    requireGapFree(t, views[:len(views)-1])
    // B's second session: admitted at 4, took over at 5, A rejoined at 6.
    viewsB := recB.snapshot()
    require.Equal(t, uint64(4), viewsB[1].ID())
    requireGapFree(t, viewsB[1:])
    require.Empty(t, recC.snapshot())
}

func TestNotifySignalsTheConnectThatInstalledTheView(t *testing.T) {
    f := newFixture()
    a, _ := f.channel(t, "A")
    self := view.NewAddress("A", "")
    first := make(chan struct{})

    a.mu.Lock()
    a.addr, a.group, a.member, a.state = self, groupName, true, stateConnecting
    a.base, a.joined = 1, first
    a.pending[1] = view.Singleton(self)
    list := a.drainLocked()
    // A later Connect replaces the signal before the notification runs.
    second := make(chan struct{})
    a.joined = second
    a.state = stateOpen
    a.member = false
    a.mu.Unlock()

    a.notify(groupName, list)
    select {
    case <-first:
    default:
        t.Fatalf("installing Connect was not signalled")
    }
    select {
    case <-second:
        t.Fatalf("later Connect signalled by a stale view")
    default:
    }
}

func TestOptionsValidate(t *testing.T) {
    f := newFixture()
    require.Error(t, Options{Directory: f.dir}.Validate())
    require.Error(t, Options{Transport: f.net}.Validate())
    require.Error(t, Options{Transport: f.net, Directory: f.dir, JoinTimeout: -1}.Validate())
    require.NoError(t, Options{Transport: f.net, Directory: f.dir}.Validate())
    _, err := NewChannel(Options{})
    require.Error(t, err)
    require.False(t, errors.Is(err, ErrClosed))
}
