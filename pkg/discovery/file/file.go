package file

import (
    "bufio"
    "context"
    "fmt"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/discovery"
)

// Options configures file/ENV-based discovery.
type Options struct {
    // Path to a file (or glob) containing one seed per line or comma-separated lists.
    Path string
    // Env names an environment variable that overrides the file when non-empty.
    Env string
    // Refresh controls cache staleness; if zero, defaults to 5s.
    Refresh time.Duration
}

type impl struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    mtime time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &impl{opts: opts}
}

// Seeds re-reads the source when it changed or the cache is stale. A read
// failure after a successful read serves the cached list.
func (i *impl) Seeds(ctx context.Context) ([]string, error) {
    if err := ctx.Err(); err != nil { return nil, err }
    i.mu.Lock()
    defer i.mu.Unlock()
    if i.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(i.opts.Env)); v != "" {
            return splitSeeds([]string{v}), nil
        }
    }
    if i.opts.Path == "" {
        return nil, fmt.Errorf("file discovery: no path and %s unset", envName(i.opts.Env))
    }
    now := time.Now()
    if stat, err := os.Stat(i.opts.Path); err == nil {
        if stat.ModTime().After(i.mtime) || now.Sub(i.last) >= i.opts.Refresh {
            seeds, err := loadFile(i.opts.Path)
            if err != nil { return i.cached(err) }
            i.cache, i.last, i.mtime = seeds, now, stat.ModTime()
        }
        return append([]string(nil), i.cache...), nil
    }
    matches, err := filepath.Glob(i.opts.Path)
    if err != nil || len(matches) == 0 {
        return i.cached(fmt.Errorf("file discovery: %s: no such file", i.opts.Path))
    }
    var lines []string
    for _, m := range matches {
        seeds, err := loadFile(m)
        if err != nil { continue }
        lines = append(lines, seeds...)
    }
    i.cache, i.last = splitSeeds(lines), now
    return append([]string(nil), i.cache...), nil
}

func (i *impl) cached(err error) ([]string, error) {
    if len(i.cache) > 0 { return append([]string(nil), i.cache...), nil }
    return nil, err
}

func envName(e string) string {
    if e == "" { return "env" }
    return e
}

func loadFile(path string) ([]string, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    var lines []string
    s := bufio.NewScanner(f)
    for s.Scan() {
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        lines = append(lines, line)
    }
    if err := s.Err(); err != nil { return nil, err }
    return splitSeeds(lines), nil
}

// splitSeeds splits comma-separated entries and returns them de-duplicated and sorted.
func splitSeeds(lines []string) []string {
    set := make(map[string]struct{})
    for _, line := range lines {
        for _, p := range strings.Split(line, ",") {
            if p = strings.TrimSpace(p); p != "" { set[p] = struct{}{} }
        }
    }
    out := make([]string, 0, len(set))
    for x := range set { out = append(out, x) }
    sort.Strings(out)
    return out
}
