// Package memory is an in-process storage engine. Each cache hosted on this
// node is backed by its own go-cache instance.
package memory

import (
    "context"
    "fmt"
    "log"
    "sort"
    "sync"
    "time"

    gocache "github.com/patrickmn/go-cache"

    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/internal/logutil"
    "github.com/amirimatin/go-gridstate/pkg/storage"
)

type Options struct {
    // Attributes are this node's attributes evaluated against NodeFilter.
    Attributes      map[string]string
    DefaultTTL      time.Duration
    CleanupInterval time.Duration
    Logger          *log.Logger
}

type Engine struct {
    opts   Options
    mu     sync.RWMutex
    active bool
    gen    uint64
    caches map[string]*gocache.Cache
}

func New(opts Options) *Engine {
    if opts.DefaultTTL == 0 { opts.DefaultTTL = gocache.NoExpiration }
    if opts.CleanupInterval <= 0 { opts.CleanupInterval = time.Minute }
    if opts.Logger == nil { opts.Logger = log.Default() }
    return &Engine{opts: opts, caches: make(map[string]*gocache.Cache)}
}

// ActivateStorage opens data access and starts every hosted cache. Caches
// already running keep their contents.
func (e *Engine) ActivateStorage(_ context.Context, generation uint64, caches []grid.CacheDescriptor) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    e.active = true
    e.gen = generation
    for _, d := range caches { e.startLocked(d) }
    logutil.Infof(e.opts.Logger, "storage: active at generation %d with %d caches", generation, len(e.caches))
    return nil
}

func (e *Engine) DeactivateStorage(context.Context) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    e.active = false
    logutil.Infof(e.opts.Logger, "storage: deactivated at generation %d", e.gen)
    return nil
}

func (e *Engine) StartCache(_ context.Context, d grid.CacheDescriptor) error {
    if d.Name == "" { return grid.ErrInvalidDescriptor }
    e.mu.Lock()
    defer e.mu.Unlock()
    e.startLocked(d)
    return nil
}

func (e *Engine) startLocked(d grid.CacheDescriptor) {
    if _, ok := e.caches[d.Name]; ok { return }
    if !d.NodeFilter.Matches(e.opts.Attributes) {
        logutil.Debugf(e.opts.Logger, "storage: cache %s not hosted on this node", d.Name)
        return
    }
    e.caches[d.Name] = gocache.New(e.opts.DefaultTTL, e.opts.CleanupInterval)
}

func (e *Engine) StopCache(_ context.Context, name string) error {
    e.mu.Lock()
    defer e.mu.Unlock()
    if c, ok := e.caches[name]; ok {
        c.Flush()
        delete(e.caches, name)
    }
    return nil
}

func (e *Engine) cache(name string) (*gocache.Cache, error) {
    e.mu.RLock()
    defer e.mu.RUnlock()
    if !e.active { return nil, grid.ErrClusterNotActive }
    c, ok := e.caches[name]
    if !ok { return nil, fmt.Errorf("%w: %q", grid.ErrUnknownCache, name) }
    return c, nil
}

func (e *Engine) Put(cache, key string, value []byte, ttl time.Duration) error {
    c, err := e.cache(cache)
    if err != nil { return err }
    if ttl == 0 { ttl = gocache.DefaultExpiration }
    c.Set(key, append([]byte(nil), value...), ttl)
    return nil
}

func (e *Engine) Get(cache, key string) ([]byte, bool, error) {
    c, err := e.cache(cache)
    if err != nil { return nil, false, err }
    v, ok := c.Get(key)
    if !ok { return nil, false, nil }
    b, _ := v.([]byte)
    return append([]byte(nil), b...), true, nil
}

func (e *Engine) Delete(cache, key string) error {
    c, err := e.cache(cache)
    if err != nil { return err }
    c.Delete(key)
    return nil
}

// Active reports whether data access is open.
func (e *Engine) Active() bool {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return e.active
}

// Generation is the activation generation storage was last opened at.
func (e *Engine) Generation() uint64 {
    e.mu.RLock()
    defer e.mu.RUnlock()
    return e.gen
}

// Caches lists the caches hosted on this node.
func (e *Engine) Caches() []string {
    e.mu.RLock()
    defer e.mu.RUnlock()
    out := make([]string, 0, len(e.caches))
    for k := range e.caches { out = append(out, k) }
    sort.Strings(out)
    return out
}

var (
    _ storage.Engine = (*Engine)(nil)
    _ storage.Store  = (*Engine)(nil)
)
