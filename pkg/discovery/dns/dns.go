package dns

import (
    "context"
    "fmt"
    "log"
    "net"
    "sort"
    "strconv"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/discovery"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
)

// Options configures DNS-based discovery.
type Options struct {
    // Names are SRV records, hostnames or literal host:port seeds.
    // Examples: "_grid._tcp.example.com" (SRV) or "node1.example.com" (A/AAAA).
    Names []string

    // Port used when resolving A/AAAA records (no port info in DNS answer).
    Port int

    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration

    // Resolver optionally overrides the DNS resolver used.
    Resolver *net.Resolver

    Logger *log.Logger
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

// New returns a DNS-backed discovery that resolves SRV and A/AAAA names
// and caches results for the Refresh duration.
func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    if opts.Port == 0 { opts.Port = 7946 }
    if opts.Resolver == nil { opts.Resolver = net.DefaultResolver }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &impl{opts: opts}
}

func (d *impl) Seeds(ctx context.Context) ([]string, error) {
    d.mu.Lock()
    defer d.mu.Unlock()
    if time.Since(d.last) < d.opts.Refresh && len(d.cache) > 0 {
        return append([]string(nil), d.cache...), nil
    }
    res, err := d.resolveAll(ctx)
    if len(res) == 0 {
        if len(d.cache) > 0 {
            logutil.Warnf(d.opts.Logger, "dns discovery: serving cached seeds: %v", err)
            return append([]string(nil), d.cache...), nil
        }
        return nil, err
    }
    d.cache = res
    d.last = time.Now()
    return append([]string(nil), d.cache...), nil
}

func (d *impl) resolveAll(ctx context.Context) ([]string, error) {
    seen := make(map[string]struct{})
    var out []string
    var lastErr error
    add := func(hps []string) {
        for _, hp := range hps {
            if _, ok := seen[hp]; !ok { out = append(out, hp); seen[hp] = struct{}{} }
        }
    }
    for _, name := range d.opts.Names {
        name = strings.TrimSpace(name)
        if name == "" { continue }
        if _, _, err := net.SplitHostPort(name); err == nil && !strings.HasPrefix(name, "_") {
            add([]string{name})
            continue
        }
        if strings.HasPrefix(name, "_") && strings.Contains(name, "._") {
            recs, err := d.lookupSRV(ctx, name)
            if err == nil && len(recs) > 0 {
                add(recs)
                continue
            }
            lastErr = err
        }
        hps, err := d.lookupHost(ctx, name, d.opts.Port)
        if err != nil { lastErr = err; continue }
        add(hps)
    }
    sort.Strings(out)
    if len(out) == 0 && lastErr == nil { lastErr = fmt.Errorf("dns discovery: no names resolved") }
    return out, lastErr
}

func (d *impl) lookupSRV(ctx context.Context, fqdn string) ([]string, error) {
    svc, proto, domain := parseSRVName(fqdn)
    if svc == "" || proto == "" || domain == "" { return nil, fmt.Errorf("dns discovery: bad SRV name %q", fqdn) }
    _, addrs, err := d.opts.Resolver.LookupSRV(ctx, svc, proto, domain)
    if err != nil { return nil, err }
    out := make([]string, 0, len(addrs))
    for _, a := range addrs {
        host := strings.TrimSuffix(a.Target, ".")
        out = append(out, net.JoinHostPort(host, strconv.Itoa(int(a.Port))))
    }
    return out, nil
}

func (d *impl) lookupHost(ctx context.Context, host string, port int) ([]string, error) {
    ips, err := d.opts.Resolver.LookupHost(ctx, host)
    if err != nil { return nil, err }
    out := make([]string, 0, len(ips))
    for _, ip := range ips {
        out = append(out, net.JoinHostPort(ip, strconv.Itoa(port)))
    }
    return out, nil
}

// parseSRVName splits _service._proto.name.
func parseSRVName(fqdn string) (service, proto, name string) {
    parts := strings.SplitN(fqdn, ".", 3)
    if len(parts) < 3 { return "", "", "" }
    return strings.TrimPrefix(parts[0], "_"), strings.TrimPrefix(parts[1], "_"), parts[2]
}
