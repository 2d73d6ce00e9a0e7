package group

import (
    "errors"
    "log"
    "time"

    "github.com/amirimatin/go-group/pkg/directory"
    "github.com/amirimatin/go-group/pkg/transport"
)

// Options carries dependency-injected collaborators and protocol tuning used to
// assemble a Channel. Instances are typically produced from bootstrap.Config.
type Options struct {
    // Name is the logical name carried in the channel's address (e.g. "A").
    Name string
    // Transport delivers protocol messages between channels (required).
    Transport transport.Transport
    // Directory resolves group names to coordinators (required).
    Directory directory.Directory
    // Logger is used to report operational messages. Defaults to log.Default().
    Logger *log.Logger
    // Receiver is attached at construction; SetReceiver may replace it.
    Receiver Receiver

    // JoinTimeout bounds Connect, including redirects and retries.
    JoinTimeout time.Duration
    // LeaveTimeout bounds waiting for a leave acknowledgement.
    LeaveTimeout time.Duration
    // RequestTimeout bounds a single join/leave request attempt.
    RequestTimeout time.Duration
    // DirectoryTimeout bounds each directory call made by the protocol.
    DirectoryTimeout time.Duration
}

const (
    DefaultJoinTimeout      = 10 * time.Second
    DefaultLeaveTimeout     = 2 * time.Second
    DefaultRequestTimeout   = 500 * time.Millisecond
    DefaultDirectoryTimeout = 2 * time.Second
)

// Validate performs a minimal validation of Options. It does not start any
// network activity and is safe to call before NewChannel.
func (o Options) Validate() error {
    if o.Transport == nil {
        return errors.New("group: nil Transport")
    }
    if o.Directory == nil {
        return errors.New("group: nil Directory")
    }
    if o.JoinTimeout < 0 || o.LeaveTimeout < 0 || o.RequestTimeout < 0 || o.DirectoryTimeout < 0 {
        return errors.New("group: negative timeout")
    }
    return nil
}

func (o Options) withDefaults() Options {
    if o.Logger == nil { o.Logger = log.Default() }
    if o.JoinTimeout == 0 { o.JoinTimeout = DefaultJoinTimeout }
    if o.LeaveTimeout == 0 { o.LeaveTimeout = DefaultLeaveTimeout }
    if o.RequestTimeout == 0 { o.RequestTimeout = DefaultRequestTimeout }
    if o.DirectoryTimeout == 0 { o.DirectoryTimeout = DefaultDirectoryTimeout }
    return o
}
