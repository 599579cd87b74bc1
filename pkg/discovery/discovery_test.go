package discovery

import (
    "context"
    "errors"
    "testing"

    "github.com/stretchr/testify/assert"
    "github.com/stretchr/testify/require"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

func TestMultiMergesAndSkipsFailures(t *testing.T) {
    ok := Func(func(context.Context) ([]string, error) { return []string{"b:1", "a:1"}, nil })
    bad := Func(func(context.Context) ([]string, error) { return nil, errors.New("down") })
    dup := Func(func(context.Context) ([]string, error) { return []string{"a:1"}, nil })

    got, err := Multi(bad, ok, dup, nil).Seeds(context.Background())
    require.NoError(t, err)
    assert.Equal(t, []string{"a:1", "b:1"}, got)

    _, err = Multi(bad).Seeds(context.Background())
    require.EqualError(t, err, "down")
}

func TestResolve(t *testing.T) {
    _, err := Resolve(context.Background(), nil)
    require.ErrorIs(t, err, grid.ErrDiscoveryFailure)

    empty := Func(func(context.Context) ([]string, error) { return nil, nil })
    _, err = Resolve(context.Background(), empty)
    require.ErrorIs(t, err, grid.ErrDiscoveryFailure)

    bad := Func(func(context.Context) ([]string, error) { return nil, errors.New("down") })
    _, err = Resolve(context.Background(), bad)
    require.ErrorIs(t, err, grid.ErrDiscoveryFailure)

    seeds, err := Resolve(context.Background(), Func(func(context.Context) ([]string, error) { return []string{"x:1"}, nil }))
    require.NoError(t, err)
    assert.Equal(t, []string{"x:1"}, seeds)
}
