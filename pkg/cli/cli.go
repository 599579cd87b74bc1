package cli

import (
    "context"
    "encoding/json"
    "fmt"
    "io"
    "log"
    "os/signal"
    "strings"
    "syscall"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-gridstate/pkg/bootstrap"
    "github.com/amirimatin/go-gridstate/pkg/client"
    "github.com/amirimatin/go-gridstate/pkg/discovery/static"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    tracing "github.com/amirimatin/go-gridstate/pkg/observability/tracing"
    "github.com/amirimatin/go-gridstate/pkg/transport"
)

// AddAll attaches the grid subcommands to the provided root command.
func AddAll(root *cobra.Command) {
    root.AddCommand(NewServerCmd())
    root.AddCommand(NewClientCmd())
    root.AddCommand(NewStatusCmd())
    root.AddCommand(NewActivateCmd(true))
    root.AddCommand(NewActivateCmd(false))
    root.AddCommand(NewCachesCmd())
    root.AddCommand(NewJoinCmd())
    root.AddCommand(NewLeaveCmd())
    root.AddCommand(NewMembersCmd())
}

// NewServerCmd returns "server run".
func NewServerCmd() *cobra.Command {
    parent := &cobra.Command{Use: "server", Short: "server node commands"}
    var (
        cfgPath, id, raftAddr, memBind, memAdv, joinCSV, mgmtAddr, mgmtProto, dataDir, staticCSV string
        doBootstrap, traceEnable                                                               bool
    )
    run := &cobra.Command{
        Use:   "run",
        Short: "Run a server node",
        RunE: func(cmd *cobra.Command, args []string) error {
            // defaults, then file, then environment, then flags
            cfg := bootstrap.DefaultServerConfig()
            if err := bootstrap.DecodeFile(cfgPath, &cfg); err != nil { return err }
            cfg.ApplyEnv()
            f := cmd.Flags()
            if f.Changed("id") { cfg.NodeID = id }
            if f.Changed("raft-addr") { cfg.Raft.Bind = raftAddr }
            if f.Changed("mem-bind") { cfg.Membership.Bind = memBind }
            if f.Changed("mem-adv") { cfg.Membership.Advertise = memAdv }
            if f.Changed("join") { cfg.Discovery.Seeds = static.Parse(joinCSV) }
            if f.Changed("mgmt-addr") { cfg.MgmtAddr = mgmtAddr }
            if f.Changed("mgmt-proto") { cfg.MgmtProto = mgmtProto }
            if f.Changed("data") { cfg.Raft.DataDir = dataDir }
            if f.Changed("bootstrap") { cfg.Raft.Bootstrap = doBootstrap }
            if f.Changed("static") { cfg.StaticCaches = parseCaches(staticCSV) }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            stopTrace := setupTracing(traceEnable)
            defer stopTrace()

            n, err := bootstrap.RunServer(ctx, cfg)
            if err != nil { return err }
            defer func() { _ = n.Stop(context.Background()) }()
            fmt.Printf("server %s running (mgmt %s). Press Ctrl+C to exit.\n", cfg.NodeID, cfg.MgmtAddr)
            <-ctx.Done()
            return nil
        },
    }
    run.Flags().StringVar(&cfgPath, "config", "", "YAML server config")
    run.Flags().StringVar(&id, "id", "", "node id")
    run.Flags().StringVar(&raftAddr, "raft-addr", ":9520", "raft bind addr (tcp)")
    run.Flags().StringVar(&memBind, "mem-bind", ":7946", "membership bind addr (host:port)")
    run.Flags().StringVar(&memAdv, "mem-adv", "", "membership advertise addr (host:port, optional)")
    run.Flags().StringVar(&joinCSV, "join", "", "comma-separated membership seeds (host:port)")
    run.Flags().StringVar(&mgmtAddr, "mgmt-addr", ":17946", "management address (tcp)")
    run.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    run.Flags().StringVar(&dataDir, "data", "", "raft data dir; empty keeps raft state in memory")
    run.Flags().StringVar(&staticCSV, "static", "", "comma-separated static cache names")
    run.Flags().BoolVar(&doBootstrap, "bootstrap", false, "bootstrap a single-node raft cluster")
    run.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    parent.AddCommand(run)
    return parent
}

// NewClientCmd returns "client run", which attaches a client and prints its
// connection events until interrupted.
func NewClientCmd() *cobra.Command {
    parent := &cobra.Command{Use: "client", Short: "client node commands"}
    var (
        cfgPath, id, memKind, memBind, joinCSV, mgmtProto, staticCSV string
        traceEnable                                                  bool
    )
    run := &cobra.Command{
        Use:   "run",
        Short: "Attach a client and stream its events",
        RunE: func(cmd *cobra.Command, args []string) error {
            cfg := bootstrap.DefaultClientConfig()
            if err := bootstrap.DecodeFile(cfgPath, &cfg); err != nil { return err }
            cfg.ApplyEnv()
            f := cmd.Flags()
            if f.Changed("id") { cfg.NodeID = id }
            if f.Changed("membership") { cfg.Membership.Kind = memKind }
            if f.Changed("mem-bind") { cfg.Membership.Bind = memBind }
            if f.Changed("join") { cfg.Discovery.Seeds = static.Parse(joinCSV) }
            if f.Changed("mgmt-proto") { cfg.MgmtProto = mgmtProto }
            if f.Changed("expect-static") { cfg.ExpectedStatic = parseCaches(staticCSV) }
            cfg.Logger = log.Default()

            ctx, cancel := signalContext()
            defer cancel()
            stopTrace := setupTracing(traceEnable)
            defer stopTrace()

            c, err := bootstrap.RunClient(ctx, cfg)
            if c == nil { return err }
            defer func() { _ = c.Stop(context.Background()) }()
            if err != nil { logutil.Errorf(log.Default(), "%v (use Ctrl+C to exit)", err) }

            enc := json.NewEncoder(cmd.OutOrStdout())
            for ev := range c.Subscribe(ctx) {
                out := map[string]any{"type": ev.Type, "at": ev.At, "episode": ev.Episode}
                if ev.InstanceID != "" { out["instance"] = ev.InstanceID }
                if ev.Cache != "" { out["cache"] = ev.Cache }
                if ev.Err != nil { out["error"] = ev.Err.Error() }
                if ev.Type == client.EventReconnected || ev.Type == client.EventActivationChanged { out["state"] = ev.State }
                _ = enc.Encode(out)
            }
            return nil
        },
    }
    run.Flags().StringVar(&cfgPath, "config", "", "YAML client config")
    run.Flags().StringVar(&id, "id", "", "node id")
    run.Flags().StringVar(&memKind, "membership", "memberlist", "membership: memberlist|probe")
    run.Flags().StringVar(&memBind, "mem-bind", ":7947", "membership bind addr (memberlist)")
    run.Flags().StringVar(&joinCSV, "join", "", "comma-separated seeds (gossip addrs for memberlist, mgmt addrs for probe)")
    run.Flags().StringVar(&mgmtProto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    run.Flags().StringVar(&staticCSV, "expect-static", "", "comma-separated static cache names the cluster must hold")
    run.Flags().BoolVar(&traceEnable, "trace", false, "enable OpenTelemetry stdout tracing (dev)")
    parent.AddCommand(run)
    return parent
}

// rpcFlags are shared by the commands that talk to one management endpoint.
type rpcFlags struct {
    addr, proto string
    timeout     time.Duration
}

func (r *rpcFlags) bind(cmd *cobra.Command) {
    cmd.Flags().StringVar(&r.addr, "addr", "127.0.0.1:17946", "management address of a node (host:port)")
    cmd.Flags().StringVar(&r.proto, "mgmt-proto", "http", "management RPC protocol: http|grpc")
    cmd.Flags().DurationVar(&r.timeout, "timeout", 5*time.Second, "request timeout")
}

func (r *rpcFlags) client() (transport.RPCClient, context.Context, context.CancelFunc) {
    ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
    return bootstrap.NewRPCClient(r.proto, r.timeout), ctx, cancel
}

// NewStatusCmd returns the "status" command.
func NewStatusCmd() *cobra.Command {
    var rf rpcFlags
    cmd := &cobra.Command{
        Use:   "status",
        Short: "Fetch a node's status as JSON",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, ctx, cancel := rf.client()
            defer cancel()
            st, err := cli.GetStatus(ctx, rf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return printJSON(cmd.OutOrStdout(), st)
        },
    }
    rf.bind(cmd)
    return cmd
}

// NewActivateCmd returns "activate" (active=true) or "deactivate".
func NewActivateCmd(active bool) *cobra.Command {
    var rf rpcFlags
    use, short, op := "deactivate", "Propose cluster deactivation", transport.OpDeactivate
    if active { use, short, op = "activate", "Propose cluster activation", transport.OpActivate }
    cmd := &cobra.Command{
        Use:   use,
        Short: short,
        RunE: func(cmd *cobra.Command, args []string) error {
            resp, err := operate(&rf, transport.OperateRequest{Op: op})
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), resp.Snapshot.State)
        },
    }
    rf.bind(cmd)
    return cmd
}

// NewCachesCmd returns "caches list|create|destroy".
func NewCachesCmd() *cobra.Command {
    parent := &cobra.Command{Use: "caches", Short: "cache descriptor commands"}

    var lf rpcFlags
    list := &cobra.Command{
        Use:   "list",
        Short: "List static and dynamic caches",
        RunE: func(cmd *cobra.Command, args []string) error {
            cli, ctx, cancel := lf.client()
            defer cancel()
            st, err := cli.GetStatus(ctx, lf.addr)
            if err != nil { return fmt.Errorf("status error: %w", err) }
            return printJSON(cmd.OutOrStdout(), st.Snapshot.Caches)
        },
    }
    lf.bind(list)

    var (
        cf     rpcFlags
        filter string
    )
    create := &cobra.Command{
        Use:   "create NAME",
        Short: "Create a dynamic cache",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            d := grid.CacheDescriptor{Name: args[0]}
            if filter != "" {
                attrs, err := parseAttrs(filter)
                if err != nil { return err }
                d.NodeFilter = &grid.NodeFilter{Attributes: attrs}
            }
            resp, err := operate(&cf, transport.OperateRequest{Op: transport.OpCreateCache, Descriptor: &d})
            if err != nil { return err }
            return printJSON(cmd.OutOrStdout(), resp.Descriptor)
        },
    }
    cf.bind(create)
    create.Flags().StringVar(&filter, "filter", "", "node filter as comma-separated key=value attributes")

    var df rpcFlags
    destroy := &cobra.Command{
        Use:   "destroy NAME",
        Short: "Destroy a dynamic cache",
        Args:  cobra.ExactArgs(1),
        RunE: func(cmd *cobra.Command, args []string) error {
            _, err := operate(&df, transport.OperateRequest{Op: transport.OpDestroyCache, Name: args[0]})
            if err != nil { return err }
            fmt.Fprintf(cmd.OutOrStdout(), "destroyed %s\n", args[0])
            return nil
        },
    }
    df.bind(destroy)

    parent.AddCommand(list, create, destroy)
    return parent
}

func operate(rf *rpcFlags, req transport.OperateRequest) (transport.OperateResponse, error) {
    cli, ctx, cancel := rf.client()
    defer cancel()
    resp, err := cli.PostOperate(ctx, rf.addr, req)
    if err != nil { return resp, fmt.Errorf("%s error: %w", req.Op, err) }
    return resp, nil
}

// NewJoinCmd returns the "join" command.
func NewJoinCmd() *cobra.Command {
    var (
        rf           rpcFlags
        id, raftAddr string
    )
    cmd := &cobra.Command{
        Use:   "join",
        Short: "Request to add a server to the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" || raftAddr == "" { return fmt.Errorf("missing required flags: --id and --raft-addr") }
            cli, ctx, cancel := rf.client()
            defer cancel()
            resp, err := cli.PostJoin(ctx, rf.addr, transport.JoinRequest{ID: id, RaftAddr: raftAddr})
            if err != nil { return fmt.Errorf("join error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    rf.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to add (required)")
    cmd.Flags().StringVar(&raftAddr, "raft-addr", "", "node raft address (host:port, required)")
    return cmd
}

// NewLeaveCmd returns the "leave" command.
func NewLeaveCmd() *cobra.Command {
    var (
        rf rpcFlags
        id string
    )
    cmd := &cobra.Command{
        Use:   "leave",
        Short: "Request to remove a server from the cluster",
        RunE: func(cmd *cobra.Command, args []string) error {
            if id == "" { return fmt.Errorf("missing required flag: --id") }
            cli, ctx, cancel := rf.client()
            defer cancel()
            resp, err := cli.PostLeave(ctx, rf.addr, transport.LeaveRequest{ID: id})
            if err != nil { return fmt.Errorf("leave error: %w", err) }
            return printJSON(cmd.OutOrStdout(), resp)
        },
    }
    rf.bind(cmd)
    cmd.Flags().StringVar(&id, "id", "", "node id to remove (required)")
    return cmd
}

func printJSON(w io.Writer, v any) error {
    enc := json.NewEncoder(w)
    enc.SetIndent("", "  ")
    return enc.Encode(v)
}

// parseCaches turns "a,b" into descriptors.
func parseCaches(csv string) []grid.CacheDescriptor {
    var out []grid.CacheDescriptor
    for _, name := range static.Parse(csv) { out = append(out, grid.CacheDescriptor{Name: name}) }
    return out
}

func parseAttrs(csv string) (map[string]string, error) {
    out := map[string]string{}
    for _, kv := range static.Parse(csv) {
        k, v, ok := strings.Cut(kv, "=")
        if !ok || k == "" { return nil, fmt.Errorf("bad attribute %q, want key=value", kv) }
        out[k] = v
    }
    return out, nil
}

func setupTracing(enable bool) func() {
    if !enable { return func() {} }
    shutdown, err := tracing.Setup(true)
    if err != nil {
        log.Printf("tracing setup error: %v", err)
        return func() {}
    }
    return func() { _ = shutdown(context.Background()) }
}

func signalContext() (context.Context, context.CancelFunc) {
    return signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
}
