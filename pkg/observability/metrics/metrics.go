package metrics

import (
    "sync"

    "github.com/prometheus/client_golang/prometheus"
)

var (
    once sync.Once

    ViewsInstalled = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_group",
        Name:      "views_installed_total",
        Help:      "Total number of views installed by local channels",
    }, []string{"group"})

    ViewSize = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_group",
        Name:      "view_size",
        Help:      "Number of members in the last installed view",
    }, []string{"group"})

    IsCoordinator = prometheus.NewGaugeVec(prometheus.GaugeOpts{
        Namespace: "go_group",
        Name:      "is_coordinator",
        Help:      "1 if a local channel coordinates the group, else 0",
    }, []string{"group"})

    PendingViews = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_group",
        Name:      "pending_views",
        Help:      "Views held back waiting for a missing predecessor",
    })

    ChannelsConnected = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_group",
        Name:      "channels_connected",
        Help:      "Number of local channels in the connected state",
    })

    ConnectSeconds = prometheus.NewHistogram(prometheus.HistogramOpts{
        Namespace: "go_group",
        Name:      "connect_seconds",
        Help:      "Time from connect() to delivery of the first view",
        Buckets:   []float64{.001, .005, .01, .05, .1, .25, .5, 1, 2.5, 5},
    })

    JoinRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_group",
        Name:      "join_requests_total",
        Help:      "Join requests handled by local coordinators",
    }, []string{"result"})

    LeaveRequests = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_group",
        Name:      "leave_requests_total",
        Help:      "Leave notices handled by local coordinators",
    }, []string{"result"})

    MessagesSent = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_group",
        Subsystem: "transport",
        Name:      "sent_total",
        Help:      "Protocol messages handed to the transport",
    }, []string{"kind"})

    MessagesDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
        Namespace: "go_group",
        Subsystem: "transport",
        Name:      "dropped_total",
        Help:      "Protocol messages that could not be delivered",
    }, []string{"kind"})

    GRPCConnDials = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_group",
        Subsystem: "grpc_conn",
        Name:      "dials_total",
        Help:      "Total number of new gRPC connections dialed",
    })
    GRPCConnReuse = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_group",
        Subsystem: "grpc_conn",
        Name:      "reuse_total",
        Help:      "Total number of gRPC connection reuses from cache",
    })
    GRPCConnEvictions = prometheus.NewCounter(prometheus.CounterOpts{
        Namespace: "go_group",
        Subsystem: "grpc_conn",
        Name:      "evictions_total",
        Help:      "Total number of cached gRPC connections evicted",
    })
    GRPCConnActive = prometheus.NewGauge(prometheus.GaugeOpts{
        Namespace: "go_group",
        Subsystem: "grpc_conn",
        Name:      "active",
        Help:      "Number of active cached gRPC connections",
    })
)

// Register registers metrics into the default Prometheus registry (idempotent).
func Register() {
    once.Do(func() {
        prometheus.MustRegister(ViewsInstalled)
        prometheus.MustRegister(ViewSize)
        prometheus.MustRegister(IsCoordinator)
        prometheus.MustRegister(PendingViews)
        prometheus.MustRegister(ChannelsConnected)
        prometheus.MustRegister(ConnectSeconds)
        prometheus.MustRegister(JoinRequests)
        prometheus.MustRegister(LeaveRequests)
        prometheus.MustRegister(MessagesSent)
        prometheus.MustRegister(MessagesDropped)
        prometheus.MustRegister(GRPCConnDials)
        prometheus.MustRegister(GRPCConnReuse)
        prometheus.MustRegister(GRPCConnEvictions)
        prometheus.MustRegister(GRPCConnActive)
    })
}
