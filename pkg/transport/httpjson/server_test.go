package httpjson

import (
    "context"
    "errors"
    "io"
    "log"
    "net/http"
    "strings"
    "testing"
    "time"

    "github.com/amirimatin/go-group/pkg/view"
)

func TestServer_StatusHealthzMetrics(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    status := func(context.Context) ([]byte, error) { return []byte(`{"channels":[]}`), nil }
    if err := s.Start(ctx, status); err != nil { t.Fatalf("start: %v", err) }

    cli := NewClient(time.Second)
    b, err := cli.GetStatus(ctx, s.Addr())
    if err != nil { t.Fatalf("status: %v", err) }
    if string(b) != `{"channels":[]}` { t.Fatalf("unexpected status body: %s", b) }

    resp, err := http.Get("http://" + s.Addr() + "/healthz")
    if err != nil { t.Fatalf("healthz: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("healthz status %d", resp.StatusCode) }

    resp, err = http.Post("http://"+s.Addr()+"/status", "application/json", strings.NewReader("{}"))
    if err != nil { t.Fatalf("post status: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusMethodNotAllowed { t.Fatalf("expected 405, got %d", resp.StatusCode) }

    resp, err = http.Get("http://" + s.Addr() + "/metrics")
    if err != nil { t.Fatalf("metrics: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusOK { t.Fatalf("metrics status %d", resp.StatusCode) }
}

func TestServer_StatusError(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    if err := s.Start(ctx, func(context.Context) ([]byte, error) { return nil, errors.New("boom") }); err != nil { t.Fatalf("start: %v", err) }
    cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
    defer ccancel()
    if _, err := NewClient(200*time.Millisecond).GetStatus(cctx, s.Addr()); err == nil || !strings.Contains(err.Error(), "500") {
        t.Fatalf("expected 500 error, got %v", err)
    }
}

func TestServer_DirectoryWrites(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    holder := view.NewAddress("A", "127.0.0.1:7950")
    var got DirectoryWrite
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    s.HandleDirectory(func(_ context.Context, w DirectoryWrite) DirectoryWriteResult {
        got = w
        return DirectoryWriteResult{Holder: holder, Claimed: true}
    })
    if err := s.Start(ctx, func(context.Context) ([]byte, error) { return []byte("{}"), nil }); err != nil { t.Fatalf("start: %v", err) }

    req := DirectoryWrite{Op: "claim", Group: "g", Addr: holder}
    res, err := NewClient(time.Second).PostDirectoryWrite(ctx, s.Addr(), req)
    if err != nil { t.Fatalf("post: %v", err) }
    if !res.Claimed || !res.Holder.Equal(holder) { t.Fatalf("unexpected result %+v", res) }
    if got.Op != "claim" || got.Group != "g" || !got.Addr.Equal(holder) { t.Fatalf("handler saw %+v", got) }

    resp, err := http.Get("http://" + s.Addr() + "/directory")
    if err != nil { t.Fatalf("get directory: %v", err) }
    resp.Body.Close()
    if resp.StatusCode != http.StatusMethodNotAllowed { t.Fatalf("expected 405, got %d", resp.StatusCode) }
}

func TestServer_DirectoryDisabled(t *testing.T) {
    ctx, cancel := context.WithCancel(context.Background())
    defer cancel()
    s := NewServer("127.0.0.1:0", log.New(io.Discard, "", 0))
    if err := s.Start(ctx, func(context.Context) ([]byte, error) { return []byte("{}"), nil }); err != nil { t.Fatalf("start: %v", err) }
    cctx, ccancel := context.WithTimeout(ctx, 2*time.Second)
    defer ccancel()
    if _, err := NewClient(200*time.Millisecond).PostDirectoryWrite(cctx, s.Addr(), DirectoryWrite{Op: "claim"}); err == nil || !strings.Contains(err.Error(), "404") {
        t.Fatalf("expected 404 error, got %v", err)
    }
}
