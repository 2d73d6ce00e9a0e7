package bootstrap

import (
    "context"
    "encoding/json"
    "io"
    "log"
    "testing"
    "time"

    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-group/pkg/directory/gossip"
    raftdir "github.com/amirimatin/go-group/pkg/directory/raft"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
)

func quiet() *log.Logger { return log.New(io.Discard, "", 0) }

func TestParsePeers(t *testing.T) {
    got, err := ParsePeers(" n2=127.0.0.1:9521 , n3=127.0.0.1:9522,")
    require.NoError(t, err)
    require.Equal(t, map[string]string{"n2": "127.0.0.1:9521", "n3": "127.0.0.1:9522"}, got)

    _, err = ParsePeers("n2")
    require.Error(t, err)
    _, err = ParsePeers("=x:1")
    require.Error(t, err)
}

func TestBuildRejectsUnknownKinds(t *testing.T) {
    ctx := context.Background()
    _, err := Build(ctx, Config{Name: "A", Transport: "carrier-pigeon", Logger: quiet()})
    require.Error(t, err)
    _, err = Build(ctx, Config{Name: "A", Directory: "zookeeper", Logger: quiet()})
    require.Error(t, err)
}

func TestRunServesStatus(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    n, err := Run(ctx, Config{Name: "A", Group: "status-group", MgmtAddr: "127.0.0.1:0", Logger: quiet()})
    require.NoError(t, err)
    defer n.Close()

    data, err := httpjson.NewClient(time.Second).GetStatus(ctx, n.MgmtAddr())
    require.NoError(t, err)
    var st NodeStatus
    require.NoError(t, json.Unmarshal(data, &st))
    require.NotNil(t, st.Directory)
    require.Equal(t, "local", st.Directory.Kind)
    require.Equal(t, "A", st.Name)
    require.Equal(t, "connected", st.State)
    require.Equal(t, "status-group", st.Group)
    require.True(t, st.Coordinator)
    require.NotNil(t, st.View)
    require.Equal(t, 1, st.View.Size())
}

func TestRaftDirectoryNode(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    n, err := Run(ctx, Config{Name: "A", Group: "g", Directory: "raft", RaftBootstrap: true, Logger: quiet()})
    require.NoError(t, err)
    defer n.Close()
    require.True(t, n.Channel.View().IsCoordinator(n.Channel.Address()))

    holder, ok, err := n.Directory.Lookup(ctx, "g")
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, holder.Equal(n.Channel.Address()))
}

func TestGRPCAndGossipAcrossNodes(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    base := Config{Group: "g", Transport: "grpc", Bind: "127.0.0.1:0", Directory: "gossip", GossipBind: "127.0.0.1:0", Logger: quiet()}

    c1 := base
    c1.Name = "A"
    a, err := Run(ctx, c1)
    require.NoError(t, err)
    defer a.Close()

    c2 := base
    c2.Name, c2.Group = "B", ""
    c2.SeedsCSV = a.Directory.(*gossip.Directory).LocalAddr()
    b, err := Build(ctx, c2)
    require.NoError(t, err)
    defer b.Close()

    require.Eventually(t, func() bool {
        holder, ok, _ := b.Directory.Lookup(ctx, "g")
        return ok && holder.Equal(a.Channel.Address())
    }, 5*time.Second, 20*time.Millisecond)
    require.NoError(t, b.Channel.Connect(ctx, "g"))
    require.Eventually(t, func() bool {
        return a.Channel.View().Size() == 2 && a.Channel.View().Equal(b.Channel.View())
    }, 2*time.Second, 10*time.Millisecond)
    require.True(t, b.Channel.View().IsCoordinator(a.Channel.Address()))
}

// A channel on a raft follower creates its group through the leader's
// management endpoint.
func TestRaftFollowerForwardsToLeader(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    base := Config{Directory: "raft", RaftAddr: "127.0.0.1:0", MgmtAddr: "127.0.0.1:0", Logger: quiet()}

    cb := base
    cb.Name, cb.RaftID = "B", "b"
    b, err := Run(ctx, cb)
    require.NoError(t, err)
    defer b.Close()

    ca := base
    ca.Name, ca.RaftID, ca.Group = "A", "a", "g"
    ca.RaftBootstrap = true
    ca.RaftPeers = "b=" + b.Directory.(*raftdir.Node).Addr()
    a, err := Run(ctx, ca)
    require.NoError(t, err)
    defer a.Close()

    require.NoError(t, b.Channel.Connect(ctx, "from-follower"))
    require.True(t, b.Channel.View().IsCoordinator(b.Channel.Address()))
    holder, ok, err := a.Directory.Lookup(ctx, "from-follower")
    require.NoError(t, err)
    require.True(t, ok)
    require.True(t, holder.Equal(b.Channel.Address()))

    data, err := httpjson.NewClient(time.Second).GetStatus(ctx, b.MgmtAddr())
    require.NoError(t, err)
    var st NodeStatus
    require.NoError(t, json.Unmarshal(data, &st))
    require.NotNil(t, st.Directory)
    require.Equal(t, "raft", st.Directory.Kind)
    require.Equal(t, "a", st.Directory.Leader)
    require.ElementsMatch(t, []string{"a", "b"}, st.Directory.Nodes)
}
