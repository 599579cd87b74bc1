package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

const namespace = "go_gridstate"

var (
    once sync.Once

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "members_total",
        Help:      "Current number of visible server members",
    })

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "is_leader",
        Help:      "1 if this node is the consensus leader, else 0",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "join_requests_total",
        Help:      "Total join requests handled by this node",
    }, []string{"result"})

    // Activation
    Active = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "active",
        Help:      "1 if the cluster is active as seen by this node's replica",
    })
    Generation = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Name:      "generation",
        Help:      "Activation generation applied on this node",
    })
    Proposals = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "proposals_total",
        Help:      "Activation and cache proposals by operation and result code",
    }, []string{"op", "result"})
    StorageHookErrors = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Name:      "storage_hook_errors_total",
        Help:      "Storage hook failures after a committed transition",
    })

    // Client reconnection
    ClientConnectionState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "client",
        Name:      "connection_state",
        Help:      "1 for the client's current connection state, 0 otherwise",
    }, []string{"state"})
    ClientDisconnects = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "client",
        Name:      "disconnects_total",
        Help:      "Total disconnect episodes observed by the client",
    })
    ClientReconnectAttempts = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "client",
        Name:      "reconnect_attempts_total",
        Help:      "Reconnect attempts by result code",
    }, []string{"result"})
    ClientDiscardedCaches = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "client",
        Name:      "discarded_caches_total",
        Help:      "Dynamic caches dropped after reconnecting to a new cluster instance",
    })

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: namespace,
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(
            ClusterMembers, IsLeader, LeaderChanges, JoinRequests,
            Active, Generation, Proposals, StorageHookErrors,
            ClientConnectionState, ClientDisconnects, ClientReconnectAttempts, ClientDiscardedCaches,
            GRPCConnDials, GRPCConnReuse, GRPCConnEvictions, GRPCConnActive,
        )
    })
}

// SetConnectionState marks state as the current client connection state.
func SetConnectionState(state string, all []string) {
    for _, s := range all {
        v := 0.0
        if s == state { v = 1 }
        ClientConnectionState.WithLabelValues(s).Set(v)
    }
}

// Bool converts a flag to a gauge value.
func Bool(b bool) float64 {
    if b { return 1 }
    return 0
}
