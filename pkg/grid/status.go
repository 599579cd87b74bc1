package grid

import (
    "github.com/amirimatin/go-gridstate/pkg/membership"
)

// NodeStatus is the JSON payload served by a node's management /status
// endpoint. Clients reconcile from the embedded Snapshot.
type NodeStatus struct {
    NodeID string `json:"nodeId"`
    Role   string `json:"role"`
    // Healthy indicates whether a consensus leader is known.
    Healthy    bool   `json:"healthy"`
    Term       uint64 `json:"term"`
    LeaderID   string `json:"leaderId,omitempty"`
    LeaderAddr string `json:"leaderAddr,omitempty"`
    // Phase is ACTIVATING only on the node whose activation proposal is in
    // flight; every other node reports the committed phase.
    Phase      Phase  `json:"phase"`
    // Members is the gossip view as seen by this node.
    Members  []membership.MemberInfo `json:"members,omitempty"`
    Snapshot ClusterSnapshot         `json:"snapshot"`
    Warnings []string                `json:"warnings,omitempty"`
}
