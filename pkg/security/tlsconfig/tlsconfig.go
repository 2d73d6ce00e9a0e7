package tlsconfig

import (
    "crypto/tls"
    "crypto/x509"
    "errors"
    "fmt"
    "os"
    "sync"
    "time"
)

// ReloadInterval is how long a loaded key pair is reused before the files are
// read again, so certificates can be rotated in place.
const ReloadInterval = 10 * time.Second

// Options describes mTLS material shared by the gRPC transport and the
// management HTTP endpoint.
type Options struct {
    Enable             bool
    CAFile             string
    CertFile           string
    KeyFile            string
    InsecureSkipVerify bool
    ServerName         string
}

// Server returns the server side config, or nil when TLS is disabled. A CA
// file turns on client certificate verification.
func (o Options) Server() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    if o.CertFile == "" || o.KeyFile == "" {
        return nil, errors.New("tls: server cert/key required when TLS enabled")
    }
    r := &reloader{cert: o.CertFile, key: o.KeyFile}
    if _, err := r.load(); err != nil { return nil, err }
    cfg := &tls.Config{
        MinVersion:     tls.VersionTLS12,
        GetCertificate: func(*tls.ClientHelloInfo) (*tls.Certificate, error) { return r.load() },
    }
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.ClientCAs = pool
        cfg.ClientAuth = tls.RequireAndVerifyClientCert
    }
    return cfg, nil
}

// Client returns the dialing side config, or nil when TLS is disabled.
func (o Options) Client() (*tls.Config, error) {
    if !o.Enable {
        return nil, nil
    }
    cfg := &tls.Config{MinVersion: tls.VersionTLS12, ServerName: o.ServerName, InsecureSkipVerify: o.InsecureSkipVerify} //nolint:gosec
    if o.CAFile != "" {
        pool, err := loadPool(o.CAFile)
        if err != nil { return nil, err }
        cfg.RootCAs = pool
    }
    if o.CertFile != "" && o.KeyFile != "" {
        r := &reloader{cert: o.CertFile, key: o.KeyFile}
        if _, err := r.load(); err != nil { return nil, err }
        cfg.GetClientCertificate = func(*tls.CertificateRequestInfo) (*tls.Certificate, error) { return r.load() }
    }
    return cfg, nil
}

func loadPool(path string) (*x509.CertPool, error) {
    pem, err := os.ReadFile(path)
    if err != nil { return nil, err }
    pool := x509.NewCertPool()
    if !pool.AppendCertsFromPEM(pem) {
        return nil, fmt.Errorf("tls: no certificates in %s", path)
    }
    return pool, nil
}

type reloader struct {
    cert, key string

    mu     sync.RWMutex
    cached *tls.Certificate
    at     time.Time
}

func (r *reloader) load() (*tls.Certificate, error) {
    r.mu.RLock()
    if r.cached != nil && time.Since(r.at) < ReloadInterval {
        c := r.cached
        r.mu.RUnlock()
        return c, nil
    }
    r.mu.RUnlock()
    pair, err := tls.LoadX509KeyPair(r.cert, r.key)
    if err != nil {
        r.mu.RLock()
        c := r.cached
        r.mu.RUnlock()
        // Keep serving the last good pair while a rotation is half written.
        if c != nil { return c, nil }
        return nil, err
    }
    r.mu.Lock()
    r.cached, r.at = &pair, time.Now()
    r.mu.Unlock()
    return &pair, nil
}
