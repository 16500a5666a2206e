package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    IsLeader = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Name:      "is_leader",
        Help:      "1 if this node is the leader, else 0",
    })

    CurrentTerm = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Name:      "current_term",
        Help:      "Current consensus term as observed by this node",
    })

    CommitIndex = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Name:      "commit_index",
        Help:      "Highest log index known committed on this node",
    })

    LogLength = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Name:      "log_length",
        Help:      "Number of retained (post-snapshot) log entries",
    })

    ElectionsStarted = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Name:      "elections_started_total",
        Help:      "Total elections this node has started",
    })

    LeaderChanges = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Name:      "leader_changes_total",
        Help:      "Total number of observed leader change events",
    })

    ProposalsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Name:      "proposals_total",
        Help:      "Total proposals handled by this node",
    }, []string{"result"})

    EntriesApplied = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Name:      "entries_applied_total",
        Help:      "Total committed entries applied to the registry",
    })

    PeerRPCFailures = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Name:      "peer_rpc_failures_total",
        Help:      "Total peer RPC failures by RPC kind",
    }, []string{"kind"})

    ClusterMembers = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Name:      "members_total",
        Help:      "Committed voting membership size",
    })

    // WAL metrics
    WALAppends = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "wal",
        Name:      "appends_total",
        Help:      "Total log entry records appended to the WAL",
    })
    WALSnapshots = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "wal",
        Name:      "snapshots_total",
        Help:      "Total snapshots saved (with log compaction)",
    })
    WALCorruptRecords = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "wal",
        Name:      "corrupt_records_total",
        Help:      "Total corrupt log lines skipped during recovery",
    })

    // gRPC management connection cache
    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "hexafed_registry",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "hexafed_registry",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(IsLeader)
        prometheus.MustRegister(CurrentTerm)
        prometheus.MustRegister(CommitIndex)
        prometheus.MustRegister(LogLength)
        prometheus.MustRegister(ElectionsStarted)
        prometheus.MustRegister(LeaderChanges)
        prometheus.MustRegister(ProposalsTotal)
        prometheus.MustRegister(EntriesApplied)
        prometheus.MustRegister(PeerRPCFailures)
        prometheus.MustRegister(ClusterMembers)
        prometheus.MustRegister(WALAppends)
        prometheus.MustRegister(WALSnapshots)
        prometheus.MustRegister(WALCorruptRecords)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
