package grpc

import (
    "context"
    "sync"
    "time"

    "google.golang.org/grpc"

    obsmetrics "github.com/amirimatin/go-group/pkg/observability/metrics"
)

// ConnManager keeps one client connection per remote endpoint. Idle
// connections are closed after ttl; Invalidate drops a connection that failed
// so the next delivery redials.
type ConnManager struct {
    ttl    time.Duration
    dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)

    mu     sync.Mutex
    conns  map[string]*pooledConn
    closed bool
    stop   chan struct{}
}

type pooledConn struct {
    cc       *grpc.ClientConn
    inflight int
    lastUsed time.Time
}

func NewConnManager(ttl time.Duration, dialer func(ctx context.Context, target string) (*grpc.ClientConn, error)) *ConnManager {
    if ttl <= 0 { ttl = 30 * time.Second }
    m := &ConnManager{ttl: ttl, dialer: dialer, conns: make(map[string]*pooledConn), stop: make(chan struct{})}
    go m.evictIdle()
    return m
}

// Get returns the connection for target and a func releasing it.
func (m *ConnManager) Get(ctx context.Context, target string) (*grpc.ClientConn, func(), error) {
    if cc, ok := m.acquire(target); ok {
        obsmetrics.GRPCConnReuse.Inc()
        return cc, func() { m.release(target) }, nil
    }
    cc, err := m.dialer(ctx, target)
    if err != nil { return nil, func() {}, err }

    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        _ = cc.Close()
        return nil, func() {}, context.Canceled
    }
    if pc, ok := m.conns[target]; ok {
        // Lost a dial race; keep the pooled one.
        pc.inflight++
        pc.lastUsed = time.Now()
        m.mu.Unlock()
        _ = cc.Close()
        obsmetrics.GRPCConnReuse.Inc()
        return pc.cc, func() { m.release(target) }, nil
    }
    m.conns[target] = &pooledConn{cc: cc, inflight: 1, lastUsed: time.Now()}
    m.mu.Unlock()
    obsmetrics.GRPCConnDials.Inc()
    obsmetrics.GRPCConnActive.Inc()
    return cc, func() { m.release(target) }, nil
}

func (m *ConnManager) acquire(target string) (*grpc.ClientConn, bool) {
    m.mu.Lock()
    defer m.mu.Unlock()
    pc, ok := m.conns[target]
    if !ok { return nil, false }
    pc.inflight++
    pc.lastUsed = time.Now()
    return pc.cc, true
}

func (m *ConnManager) release(target string) {
    m.mu.Lock()
    if pc, ok := m.conns[target]; ok {
        if pc.inflight > 0 { pc.inflight-- }
        pc.lastUsed = time.Now()
    }
    m.mu.Unlock()
}

// Invalidate closes and forgets the connection to target.
func (m *ConnManager) Invalidate(target string) {
    m.mu.Lock()
    pc, ok := m.conns[target]
    if ok { delete(m.conns, target) }
    m.mu.Unlock()
    if ok {
        _ = pc.cc.Close()
        obsmetrics.GRPCConnEvictions.Inc()
        obsmetrics.GRPCConnActive.Dec()
    }
}

// Len reports the number of pooled connections.
func (m *ConnManager) Len() int {
    m.mu.Lock()
    defer m.mu.Unlock()
    return len(m.conns)
}

func (m *ConnManager) Close() {
    m.mu.Lock()
    if m.closed {
        m.mu.Unlock()
        return
    }
    m.closed = true
    close(m.stop)
    conns := m.conns
    m.conns = make(map[string]*pooledConn)
    m.mu.Unlock()
    for _, pc := range conns {
        _ = pc.cc.Close()
        obsmetrics.GRPCConnActive.Dec()
    }
}

func (m *ConnManager) evictIdle() {
    ticker := time.NewTicker(m.ttl / 2)
    defer ticker.Stop()
    for {
        select {
        case <-m.stop:
            return
        case <-ticker.C:
        }
        cutoff := time.Now().Add(-m.ttl)
        var idle []*pooledConn
        m.mu.Lock()
        for target, pc := range m.conns {
            if pc.inflight == 0 && pc.lastUsed.Before(cutoff) {
                idle = append(idle, pc)
                delete(m.conns, target)
            }
        }
        m.mu.Unlock()
        for _, pc := range idle {
            _ = pc.cc.Close()
            obsmetrics.GRPCConnEvictions.Inc()
            obsmetrics.GRPCConnActive.Dec()
        }
    }
}
