package memberlist

import (
    "context"
    "log"
    "net"
    "strconv"
    "testing"
    "time"

    base "github.com/amirimatin/go-gridstate/pkg/membership"
)

func freePort(t *testing.T) int {
    t.Helper()
    a, err := net.ListenPacket("udp", "127.0.0.1:0")
    if err != nil { t.Fatalf("freePort: %v", err) }
    defer a.Close()
    return a.LocalAddr().(*net.UDPAddr).Port
}

func TestMemberlist_StartLocal(t *testing.T) {
    addr := net.JoinHostPort("127.0.0.1", strconv.Itoa(freePort(t)))
    m, err := New(Options{NodeID: "t1", Bind: addr, Advertise: addr, Logger: log.Default(), ProbeInterval: 100 * time.Millisecond, Meta: map[string]string{"role": "server"}})
    if err != nil { t.Fatalf("new: %v", err) }
    ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
    defer cancel()
    if err := m.Start(ctx); err != nil { t.Fatalf("start: %v", err) }
    defer m.Stop()

    local := m.Local()
    if local.ID != "t1" { t.Fatalf("local id = %q, want t1", local.ID) }
    if local.Meta["role"] != "server" { t.Fatalf("local meta = %v", local.Meta) }

    hr, ok := m.(base.HealthReporter)
    if !ok { t.Fatalf("impl does not implement HealthReporter") }
    if s := hr.HealthScore(); s < 0 { t.Fatalf("unexpected health score: %d", s) }
}

func TestMemberlist_MultiNodeJoinLeave(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1")
    defer n1.Stop()

    n2, _ := startNode(t, ctx, "n2")
    defer n2.Stop()
    if err := n2.Join([]string{addr1}); err != nil { t.Fatalf("n2 join: %v", err) }

    n3, _ := startNode(t, ctx, "n3")
    defer n3.Stop()
    if err := n3.Join([]string{addr1}); err != nil { t.Fatalf("n3 join: %v", err) }

    awaitMembers(t, n1, 3, 5*time.Second)
    awaitMembers(t, n2, 3, 5*time.Second)
    awaitMembers(t, n3, 3, 5*time.Second)

    _ = n2.Leave()
    _ = n2.Stop()

    awaitMembers(t, n1, 2, 5*time.Second)
    awaitMembers(t, n3, 2, 5*time.Second)
}

func TestMemberlist_SetMetaPropagatesAsUpdate(t *testing.T) {
    ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
    defer cancel()

    n1, addr1 := startNode(t, ctx, "n1")
    defer n1.Stop()
    n2, _ := startNode(t, ctx, "n2")
    defer n2.Stop()
    if err := n2.Join([]string{addr1}); err != nil { t.Fatalf("join: %v", err) }
    awaitMembers(t, n2, 2, 5*time.Second)

    if err := n1.SetMeta("instance", "abc"); err != nil { t.Fatalf("set meta: %v", err) }

    deadline := time.Now().Add(5 * time.Second)
    for time.Now().Before(deadline) {
        for _, mi := range n2.Members() {
            if mi.ID == "n1" && mi.Meta["instance"] == "abc" { return }
        }
        time.Sleep(100 * time.Millisecond)
    }
    t.Fatalf("instance meta never reached n2: %v", n2.Members())
}

func startNode(t *testing.T, ctx context.Context, id string) (*impl, string) {
    t.Helper()
    m, err := New(Options{NodeID: id, Bind: "127.0.0.1:0", Logger: log.Default(), ProbeInterval: 100 * time.Millisecond, SuspicionMult: 2})
    if err != nil { t.Fatalf("new %s: %v", id, err) }
    if err := m.Start(ctx); err != nil { t.Fatalf("start %s: %v", id, err) }
    la := m.Local().Addr
    if la == "" { t.Fatalf("local addr empty for %s", id) }
    return m.(*impl), la
}

func awaitMembers(t *testing.T, m base.Membership, want int, timeout time.Duration) {
    t.Helper()
    deadline := time.Now().Add(timeout)
    for {
        got := m.Members()
        if len(got) == want { return }
        if time.Now().After(deadline) {
            t.Fatalf("members timeout: got=%d want=%d list=%v", len(got), want, got)
        }
        time.Sleep(100 * time.Millisecond)
    }
}
