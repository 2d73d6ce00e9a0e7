package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/fatih/color"
    "github.com/spf13/cobra"
    "github.com/spf13/viper"

    "github.com/amirimatin/go-group/pkg/bootstrap"
    "github.com/amirimatin/go-group/pkg/group"
    "github.com/amirimatin/go-group/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-group/pkg/observability/tracing"
    tlsx "github.com/amirimatin/go-group/pkg/security/tlsconfig"
    "github.com/amirimatin/go-group/pkg/transport/httpjson"
    "github.com/amirimatin/go-group/pkg/view"
)

// EnvPrefix prefixes environment variables bound to flags: --join-timeout is
// read from GROUP_JOIN_TIMEOUT.
const EnvPrefix = "GROUP"

// AddAll attaches the run and status subcommands to root.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewRunCmd())
    root.AddCommand(NewStatusCmd())
}

// NewGroupCommand returns a parent "group" command for services that embed
// the commands under their own root.
func NewGroupCommand() *cobra.Command {
    parent := &cobra.Command{Use: "group", Short: "group membership commands"}
    AddAll(parent)
    return parent
}

// newConfig returns a viper instance bound to cmd's flags, the environment and
// the optional --config file.
func newConfig(cmd *cobra.Command) (*viper.Viper, error) {
    v := viper.New()
    v.SetEnvPrefix(EnvPrefix)
    v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
    v.AutomaticEnv()
    if err := v.BindPFlags(cmd.Flags()); err != nil {
        return nil, err
    }
    if f, _ := cmd.Flags().GetString("config"); f != "" {
        v.SetConfigFile(f)
        if err := v.ReadInConfig(); err != nil {
            return nil, fmt.Errorf("read config %s: %w", f, err)
        }
    }
    return v, nil
}

// NewRunCmd returns the "run" command: it starts a channel, connects it to a
// group and prints every installed view until interrupted.
func NewRunCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "run",
        Short: "Run a channel and join a group",
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := newConfig(cmd)
            if err != nil { return err }
            cfg, err := configFrom(v)
            if err != nil { return err }
            ctx, cancel := signalContext()
            defer cancel()

            if v.GetBool("trace") {
                shutdown, err := tracing.Setup(true)
                if err != nil {
                    logutil.Warnf(cfg.Logger, "tracing setup error: %v", err)
                } else {
                    defer func() { _ = shutdown(context.Background()) }()
                }
            }

            out := cmd.OutOrStdout()
            cfg.Receiver = group.ReceiverFunc(func(nv view.View) { printView(out, nv) })
            n, err := bootstrap.Run(ctx, cfg)
            if err != nil { return err }
            defer n.Close()

            go func() {
                for e := range n.Channel.Subscribe(ctx) {
                    if e.Type == group.EventCoordinator {
                        fmt.Fprintln(out, color.New(color.FgYellow).Sprintf("%s is now coordinator of %s", n.Channel.Name(), e.Group))
                    }
                }
            }()

            fmt.Fprintf(out, "%s connected to %s as %s. Press Ctrl+C to leave.\n", n.Channel.Name(), cfg.Group, n.Channel.Address().GoString())
            <-ctx.Done()
            return nil
        },
    }
    f := cmd.Flags()
    f.String("config", "", "config file (yaml, toml or json) with flag names as keys")
    f.String("name", "", "logical channel name (required)")
    f.String("group", "", "group to join (required)")
    f.String("transport", "grpc", "message transport: grpc|inmem")
    f.String("bind", ":7950", "grpc transport listen address")
    f.String("advertise", "", "grpc endpoint advertised to peers (optional)")
    f.String("directory", "gossip", "coordinator directory: gossip|raft|etcd|redis|local")
    f.String("raft-id", "", "raft or gossip node id (defaults to --name)")
    f.String("raft-addr", ":9520", "raft bind address (tcp)")
    f.String("raft-data", "", "raft data dir; empty keeps the log in memory")
    f.Bool("raft-bootstrap", false, "bootstrap the raft cluster on this node")
    f.String("raft-peers", "", "id=host:port voters added by the bootstrap node")
    f.String("gossip-bind", ":7946", "gossip bind address (host:port)")
    f.String("gossip-adv", "", "gossip advertise address (host:port, optional)")
    f.String("join", "", "comma-separated gossip seeds (host:port)")
    f.String("seeds-file", "", "path or glob of a seed file (one per line, or yaml)")
    f.String("seeds-env", "", "env var with comma-separated seeds; overrides the file")
    f.String("dns-names", "", "comma-separated DNS names or SRV records (e.g. _gossip._udp.group.svc)")
    f.Int("dns-port", 7946, "port used for A/AAAA lookups")
    f.Duration("disc-refresh", 5*time.Second, "seed discovery cache duration")
    f.String("etcd-endpoints", "127.0.0.1:2379", "comma-separated etcd endpoints")
    f.String("etcd-prefix", "", "etcd key prefix")
    f.Duration("etcd-ttl", 10*time.Second, "lease ttl for etcd entries (0 disables)")
    f.String("redis-addr", "127.0.0.1:6379", "redis address")
    f.String("redis-password", "", "redis password")
    f.Int("redis-db", 0, "redis database")
    f.String("mgmt-addr", ":17946", "management HTTP address; empty disables it")
    f.String("mgmt-adv", "", "management address raft followers forward directory writes to (default: resolved mgmt-addr)")
    f.Duration("join-timeout", group.DefaultJoinTimeout, "connect timeout")
    f.Duration("leave-timeout", group.DefaultLeaveTimeout, "leave acknowledgement timeout")
    f.Duration("request-timeout", group.DefaultRequestTimeout, "single join/leave attempt timeout")
    f.Bool("trace", false, "enable OpenTelemetry stdout tracing (dev)")
    addTLSFlags(cmd)
    return cmd
}

func configFrom(v *viper.Viper) (bootstrap.Config, error) {
    cfg := bootstrap.Config{
        Name:            v.GetString("name"),
        Group:           v.GetString("group"),
        Transport:       v.GetString("transport"),
        Bind:            v.GetString("bind"),
        Advertise:       v.GetString("advertise"),
        Directory:       v.GetString("directory"),
        RaftID:          v.GetString("raft-id"),
        RaftAddr:        v.GetString("raft-addr"),
        RaftDataDir:     v.GetString("raft-data"),
        RaftBootstrap:   v.GetBool("raft-bootstrap"),
        RaftPeers:       v.GetString("raft-peers"),
        GossipBind:      v.GetString("gossip-bind"),
        GossipAdvertise: v.GetString("gossip-adv"),
        SeedsCSV:        v.GetString("join"),
        SeedsFile:       v.GetString("seeds-file"),
        SeedsEnv:        v.GetString("seeds-env"),
        DNSNamesCSV:     v.GetString("dns-names"),
        DNSPort:         v.GetInt("dns-port"),
        DiscRefresh:     v.GetDuration("disc-refresh"),
        EtcdEndpoints:   v.GetString("etcd-endpoints"),
        EtcdPrefix:      v.GetString("etcd-prefix"),
        EtcdTTL:         v.GetDuration("etcd-ttl"),
        RedisAddr:       v.GetString("redis-addr"),
        RedisPassword:   v.GetString("redis-password"),
        RedisDB:         v.GetInt("redis-db"),
        MgmtAddr:        v.GetString("mgmt-addr"),
        MgmtAdvertise:   v.GetString("mgmt-adv"),
        JoinTimeout:     v.GetDuration("join-timeout"),
        LeaveTimeout:    v.GetDuration("leave-timeout"),
        RequestTimeout:  v.GetDuration("request-timeout"),
        Logger:          log.Default(),
    }
    t := tlsFrom(v)
    cfg.TLSEnable, cfg.TLSCA, cfg.TLSCert, cfg.TLSKey = t.Enable, t.CAFile, t.CertFile, t.KeyFile
    cfg.TLSServerName, cfg.TLSSkipVerify = t.ServerName, t.InsecureSkipVerify
    if cfg.Name == "" { return cfg, fmt.Errorf("missing --name") }
    if cfg.Group == "" { return cfg, fmt.Errorf("missing --group") }
    return cfg, nil
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a channel's status from its management endpoint",
        RunE: func(cmd *cobra.Command, args []string) error {
            v, err := newConfig(cmd)
            if err != nil { return err }
            timeout := v.GetDuration("timeout")
            client := httpjson.NewClient(timeout)
            tcfg, err := tlsFrom(v).Client()
            if err != nil { return fmt.Errorf("tls client config: %w", err) }
            if tcfg != nil { client.UseTLS(tcfg) }

            ctx, cancel := context.WithTimeout(context.Background(), timeout)
            defer cancel()
            data, err := client.GetStatus(ctx, v.GetString("addr"))
            if err != nil { return fmt.Errorf("status error: %w", err) }
            out := cmd.OutOrStdout()
            if v.GetBool("json") {
                _, err := fmt.Fprintln(out, strings.TrimRight(string(data), "\n"))
                return err
            }
            var st bootstrap.NodeStatus
            if err := json.Unmarshal(data, &st); err != nil { return fmt.Errorf("decode status: %w", err) }
            printStatus(out, st)
            return nil
        },
    }
    f := cmd.Flags()
    f.String("config", "", "config file (yaml, toml or json)")
    f.String("addr", "127.0.0.1:17946", "management HTTP address of a channel (host:port)")
    f.Duration("timeout", 3*time.Second, "request timeout")
    f.Bool("json", false, "print the raw JSON document")
    addTLSFlags(cmd)
    return cmd
}

func addTLSFlags(cmd *cobra.Command) {
    f := cmd.Flags()
    f.Bool("tls-enable", false, "enable mTLS for the transport and management endpoint")
    f.String("tls-ca", "", "path to CA cert (PEM)")
    f.String("tls-cert", "", "path to certificate (PEM)")
    f.String("tls-key", "", "path to private key (PEM)")
    f.Bool("tls-skip-verify", false, "skip server cert verification (DEV ONLY)")
    f.String("tls-server-name", "", "expected server name (for TLS validation)")
}

func tlsFrom(v *viper.Viper) tlsx.Options {
    return tlsx.Options{
        Enable:             v.GetBool("tls-enable"),
        CAFile:             v.GetString("tls-ca"),
        CertFile:           v.GetString("tls-cert"),
        KeyFile:            v.GetString("tls-key"),
        InsecureSkipVerify: v.GetBool("tls-skip-verify"),
        ServerName:         v.GetString("tls-server-name"),
    }
}

var (
    coordColor  = color.New(color.FgGreen, color.Bold)
    memberColor = color.New(color.FgCyan)
    idColor     = color.New(color.Faint)
)

func printView(w io.Writer, v view.View) {
    var b strings.Builder
    b.WriteString(idColor.Sprintf("view %d ", v.ID()))
    for i, m := range v.Members() {
        if i > 0 { b.WriteString(", ") }
        if i == 0 {
            b.WriteString(coordColor.Sprint(m.String()))
        } else {
            b.WriteString(memberColor.Sprint(m.String()))
        }
    }
    fmt.Fprintln(w, b.String())
}

func printStatus(w io.Writer, st bootstrap.NodeStatus) {
    fmt.Fprintf(w, "name:        %s\n", st.Name)
    fmt.Fprintf(w, "address:     %s\n", st.Address.GoString())
    fmt.Fprintf(w, "state:       %s\n", st.State)
    if st.Group != "" {
        fmt.Fprintf(w, "group:       %s\n", st.Group)
    }
    role := memberColor.Sprint("member")
    if st.Coordinator { role = coordColor.Sprint("coordinator") }
    fmt.Fprintf(w, "role:        %s\n", role)
    if st.View != nil {
        fmt.Fprint(w, "view:        ")
        printView(w, *st.View)
    }
    if d := st.Directory; d != nil {
        line := d.Kind
        if d.Leader != "" { line += " leader=" + d.Leader }
        if len(d.Nodes) > 0 { line += " nodes=" + strings.Join(d.Nodes, ",") }
        if d.Health != nil { line += fmt.Sprintf(" health=%d", *d.Health) }
        fmt.Fprintf(w, "directory:   %s\n", line)
    }
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}
