package httpjson

import "github.com/amirimatin/go-group/pkg/view"

// DirectoryWrite is a directory mutation a follower forwards to the leader.
type DirectoryWrite struct {
    Op    string       `json:"op"`
    Group string       `json:"group"`
    Addr  view.Address `json:"addr"`
}

// DirectoryWriteResult answers a DirectoryWrite. Holder and Claimed are set
// for claims only.
type DirectoryWriteResult struct {
    Holder  view.Address `json:"holder"`
    Claimed bool         `json:"claimed,omitempty"`
    Error   string       `json:"error,omitempty"`
    // NotLeader reports that the receiver is no longer the leader.
    NotLeader bool `json:"notLeader,omitempty"`
    // Unavailable marks transient failures the caller may retry.
    Unavailable bool `json:"unavailable,omitempty"`
}
