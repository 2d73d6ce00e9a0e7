package transport

import (
    "github.com/amirimatin/go-group/pkg/view"
)

// Kind discriminates protocol messages.
type Kind string

const (
    KindJoinRequest   Kind = "join_req"
    KindJoinResponse  Kind = "join_rsp"
    KindLeaveRequest  Kind = "leave_req"
    KindLeaveResponse Kind = "leave_rsp"
    KindView          Kind = "view"
)

// Message is the single envelope exchanged between channels. Only the payload
// matching Kind is populated.
type Message struct {
    Kind  Kind         `json:"kind"`
    Group string       `json:"group"`
    From  view.Address `json:"from"`
    // Seq correlates responses with requests of the same sender.
    Seq uint64 `json:"seq,omitempty"`

    Join     *JoinRequest   `json:"join,omitempty"`
    JoinRsp  *JoinResponse  `json:"joinRsp,omitempty"`
    Leave    *LeaveRequest  `json:"leave,omitempty"`
    LeaveRsp *LeaveResponse `json:"leaveRsp,omitempty"`
    View     *view.View     `json:"view,omitempty"`
}

// JoinRequest asks the coordinator to add Member to the group.
type JoinRequest struct {
    Member view.Address `json:"member"`
}

// JoinResponse indicates acceptance. On redirect, Coordinator hints the member
// the requester should contact instead.
type JoinResponse struct {
    Accepted    bool          `json:"accepted"`
    ViewID      uint64        `json:"viewId,omitempty"`
    Coordinator *view.Address `json:"coordinator,omitempty"`
    Error       string        `json:"error,omitempty"`
}

// LeaveRequest is the explicit leave notice of Member.
type LeaveRequest struct {
    Member view.Address `json:"member"`
}

type LeaveResponse struct {
    Accepted    bool          `json:"accepted"`
    Coordinator *view.Address `json:"coordinator,omitempty"`
    Error       string        `json:"error,omitempty"`
}

// Error codes carried in responses, mapped back to sentinels by the caller.
const (
    ErrCodeNotCoordinator = "not coordinator"
    ErrCodeDuplicateJoin  = "duplicate join"
)
