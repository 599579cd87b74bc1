package cli

import (
    "fmt"
    "log"
    "time"

    "github.com/spf13/cobra"

    "github.com/amirimatin/go-gridstate/pkg/discovery/static"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    ml "github.com/amirimatin/go-gridstate/pkg/membership/memberlist"
)

// NewMembersCmd returns "members watch": it joins gossip as an observer and
// prints membership events with each member's role and cluster instance.
func NewMembersCmd() *cobra.Command {
    parent := &cobra.Command{Use: "members", Short: "gossip membership commands"}
    var id, bind, advertise, joinCSV string
    watch := &cobra.Command{
        Use:   "watch",
        Short: "Join gossip and print membership events",
        RunE: func(cmd *cobra.Command, args []string) error {
            ctx, cancel := signalContext()
            defer cancel()
            m, err := ml.New(ml.Options{
                NodeID:    id,
                Bind:      bind,
                Advertise: advertise,
                Logger:    log.Default(),
                Meta:      map[string]string{grid.MetaRole: "observer"},
            })
            if err != nil { return err }
            if err := m.Start(ctx); err != nil { return err }
            defer func() { _ = m.Leave(); _ = m.Stop() }()
            if seeds := static.Parse(joinCSV); len(seeds) > 0 {
                if err := m.Join(seeds); err != nil { log.Printf("join error: %v", err) }
            }

            out := cmd.OutOrStdout()
            for {
                select {
                case <-ctx.Done():
                    return nil
                case e, ok := <-m.Events():
                    if !ok { return nil }
                    fmt.Fprintf(out, "event: %-6s id=%s addr=%s role=%s instance=%s at=%s\n",
                        e.Type, e.Member.ID, e.Member.Addr, e.Member.Meta[grid.MetaRole], e.Member.Meta[grid.MetaInstance], e.At.Format(time.RFC3339))
                }
            }
        },
    }
    watch.Flags().StringVar(&id, "id", "observer-1", "observer node id")
    watch.Flags().StringVar(&bind, "bind", ":7950", "bind host:port")
    watch.Flags().StringVar(&advertise, "advertise", "", "advertise host:port (optional)")
    watch.Flags().StringVar(&joinCSV, "join", "", "comma-separated gossip seeds (host:port)")
    parent.AddCommand(watch)
    return parent
}
