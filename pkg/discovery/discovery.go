package discovery

import (
    "context"
    "fmt"
    "sort"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// Discovery resolves the seed addresses a node joins through. Clients call
// Seeds again on every reconnect attempt, so implementations should reflect
// the current source rather than a value captured at construction.
type Discovery interface {
    Seeds(ctx context.Context) ([]string, error)
}

// Func adapts a function to Discovery.
type Func func(ctx context.Context) ([]string, error)

func (f Func) Seeds(ctx context.Context) ([]string, error) { return f(ctx) }

// Multi merges several sources. A source that fails is skipped as long as
// another one yields seeds.
func Multi(sources ...Discovery) Discovery {
    return Func(func(ctx context.Context) ([]string, error) {
        set := map[string]struct{}{}
        var firstErr error
        for _, s := range sources {
            if s == nil { continue }
            seeds, err := s.Seeds(ctx)
            if err != nil {
                if firstErr == nil { firstErr = err }
                continue
            }
            for _, x := range seeds { set[x] = struct{}{} }
        }
        if len(set) == 0 && firstErr != nil { return nil, firstErr }
        out := make([]string, 0, len(set))
        for x := range set { out = append(out, x) }
        sort.Strings(out)
        return out, nil
    })
}

// Resolve calls d and reports an empty or failed resolution as ErrDiscoveryFailure.
func Resolve(ctx context.Context, d Discovery) ([]string, error) {
    if d == nil { return nil, fmt.Errorf("%w: no discovery configured", grid.ErrDiscoveryFailure) }
    seeds, err := d.Seeds(ctx)
    if err != nil { return nil, fmt.Errorf("%w: %v", grid.ErrDiscoveryFailure, err) }
    if len(seeds) == 0 { return nil, fmt.Errorf("%w: no seeds", grid.ErrDiscoveryFailure) }
    return seeds, nil
}
