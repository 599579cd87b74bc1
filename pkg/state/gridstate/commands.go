package gridstate

import (
    "encoding/json"

    "github.com/amirimatin/go-gridstate/pkg/consensus"
    "github.com/amirimatin/go-gridstate/pkg/grid"
    "github.com/amirimatin/go-gridstate/pkg/membership"
)

// Log operations understood by State.Apply.
const (
    OpForm         = "Form"
    OpActivate     = "Activate"
    OpDeactivate   = "Deactivate"
    OpCreateCache  = "CreateCache"
    OpDestroyCache = "DestroyCache"
    OpAddNode      = "AddNode"
    OpRemoveNode   = "RemoveNode"

    // OpRestore is reported to observers after a snapshot install. It never
    // appears in the log.
    OpRestore = "Restore"
)

type FormPayload struct {
    InstanceID string                 `json:"instanceId"`
    Static     []grid.CacheDescriptor `json:"static"`
}

type TransitionPayload struct {
    ExpectGeneration uint64 `json:"expectGeneration"`
}

type CreateCachePayload struct {
    ExpectGeneration uint64               `json:"expectGeneration"`
    Descriptor       grid.CacheDescriptor `json:"descriptor"`
}

type DestroyCachePayload struct {
    Name string `json:"name"`
}

type RemoveNodePayload struct {
    ID string `json:"id"`
}

func encode(op string, v any) consensus.Command {
    b, _ := json.Marshal(v)
    return consensus.Command{Op: op, Payload: b}
}

// FormCommand claims an unformed replica for instanceID with the given static caches.
func FormCommand(instanceID string, static []grid.CacheDescriptor) consensus.Command {
    return encode(OpForm, FormPayload{InstanceID: instanceID, Static: static})
}

// TransitionCommand proposes the activation target against the expected generation.
func TransitionCommand(active bool, expect uint64) consensus.Command {
    op := OpDeactivate
    if active { op = OpActivate }
    return encode(op, TransitionPayload{ExpectGeneration: expect})
}

func CreateCacheCommand(d grid.CacheDescriptor, expect uint64) consensus.Command {
    return encode(OpCreateCache, CreateCachePayload{ExpectGeneration: expect, Descriptor: d})
}

func DestroyCacheCommand(name string) consensus.Command {
    return encode(OpDestroyCache, DestroyCachePayload{Name: name})
}

func AddNodeCommand(m membership.MemberInfo) consensus.Command { return encode(OpAddNode, m) }

func RemoveNodeCommand(id string) consensus.Command {
    return encode(OpRemoveNode, RemoveNodePayload{ID: id})
}

// Result is the response of every Apply. State is the activation state after
// the entry was applied (or the current one when it was rejected) and Index is
// the log index the entry was applied at.
type Result struct {
    State      grid.ActivationState  `json:"state"`
    Descriptor *grid.CacheDescriptor `json:"descriptor,omitempty"`
    Index      uint64                `json:"index"`
    Err        error                 `json:"-"`
}

// Transition is one entry of the activation commit log.
type Transition struct {
    Index      uint64 `json:"index"`
    Active     bool   `json:"active"`
    Generation uint64 `json:"generation"`
}

// Commit is delivered to observers after every accepted entry.
type Commit struct {
    Op         string
    Index      uint64
    InstanceID string
    State      grid.ActivationState
    // Previous is the activation state before the entry.
    Previous   grid.ActivationState
    Descriptor *grid.CacheDescriptor
    Name       string
}

// Changed reports whether the entry moved the activation state.
func (c Commit) Changed() bool { return c.State != c.Previous }
