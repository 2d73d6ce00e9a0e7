package httpjson

import (
    "bytes"
    "context"
    "crypto/tls"
    "encoding/json"
    "fmt"
    "io"
    "net/http"
    "time"

    "github.com/cenkalti/backoff"
)

// Client is a thin HTTP client for the management API. It supports optional
// TLS configuration and simple retry with backoff for robustness.
type Client struct {
    httpc     *http.Client
    transport *http.Transport
    isTLS     bool
}

// NewClient constructs a new Client with the given timeout.
func NewClient(timeout time.Duration) *Client {
    if timeout <= 0 { timeout = 3 * time.Second }
    tr := &http.Transport{}
    return &Client{httpc: &http.Client{Timeout: timeout, Transport: tr}, transport: tr}
}

// UseTLS sets the TLS config for the underlying HTTP client and switches the
// request scheme to https.
func (c *Client) UseTLS(cfg *tls.Config) *Client {
    if c.transport != nil { c.transport.TLSClientConfig = cfg }
    c.isTLS = cfg != nil
    return c
}

func (c *Client) url(addr, path string) string {
    scheme := "http"
    if c.isTLS { scheme = "https" }
    return fmt.Sprintf("%s://%s%s", scheme, addr, path)
}

// GetStatus fetches the raw /status document from addr (host:port).
func (c *Client) GetStatus(ctx context.Context, addr string) ([]byte, error) {
    url := c.url(addr, "/status")
    var out []byte
    err := c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
        if err != nil { return backoff.Permanent(err) }
        out, err = c.do(req)
        return err
    })
    return out, err
}

// PostDirectoryWrite forwards w to the /directory endpoint at addr. Directory
// writes are idempotent, so failed attempts are retried.
func (c *Client) PostDirectoryWrite(ctx context.Context, addr string, w DirectoryWrite) (DirectoryWriteResult, error) {
    var res DirectoryWriteResult
    body, err := json.Marshal(w)
    if err != nil { return res, err }
    url := c.url(addr, "/directory")
    err = c.retry(ctx, func() error {
        req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
        if err != nil { return backoff.Permanent(err) }
        req.Header.Set("Content-Type", "application/json")
        out, err := c.do(req)
        if err != nil { return err }
        if err := json.Unmarshal(out, &res); err != nil { return backoff.Permanent(fmt.Errorf("decode directory result: %w", err)) }
        return nil
    })
    return res, err
}

func (c *Client) retry(ctx context.Context, op backoff.Operation) error {
    b := backoff.NewExponentialBackOff()
    b.InitialInterval = 100 * time.Millisecond
    return backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 2), ctx))
}

func (c *Client) do(req *http.Request) ([]byte, error) {
    resp, err := c.httpc.Do(req)
    if err != nil { return nil, err }
    defer resp.Body.Close()
    b, err := io.ReadAll(resp.Body)
    if err != nil { return nil, err }
    if resp.StatusCode != http.StatusOK {
        return nil, fmt.Errorf("status %d: %s", resp.StatusCode, string(b))
    }
    return b, nil
}
