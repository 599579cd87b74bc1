// Package storage defines the capability the activation state machine drives
// on every server when the cluster-wide activation state changes.
package storage

import (
    "context"
    "time"

    "github.com/amirimatin/go-gridstate/pkg/grid"
)

// Engine is the node-local storage layer. Activation hooks call it after a
// transition commits; errors are reported but never undo the commit.
type Engine interface {
    // ActivateStorage opens the given caches for data access at generation.
    ActivateStorage(ctx context.Context, generation uint64, caches []grid.CacheDescriptor) error
    // DeactivateStorage closes data access. Descriptors stay registered.
    DeactivateStorage(ctx context.Context) error
    StartCache(ctx context.Context, d grid.CacheDescriptor) error
    StopCache(ctx context.Context, name string) error
}

// Store is the data path of an Engine.
type Store interface {
    Put(cache, key string, value []byte, ttl time.Duration) error
    Get(cache, key string) ([]byte, bool, error)
    Delete(cache, key string) error
}

// Nop is an Engine that holds no data.
type Nop struct{}

func (Nop) ActivateStorage(context.Context, uint64, []grid.CacheDescriptor) error { return nil }
func (Nop) DeactivateStorage(context.Context) error                            { return nil }
func (Nop) StartCache(context.Context, grid.CacheDescriptor) error             { return nil }
func (Nop) StopCache(context.Context, string) error                            { return nil }

var _ Engine = Nop{}
