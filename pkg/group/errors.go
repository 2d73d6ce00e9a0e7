package group

import "errors"

var (
    // ErrClosed is returned by Connect on a channel that has been closed.
    ErrClosed = errors.New("group: channel is closed")
    // ErrAlreadyConnected is returned by Connect while connected or connecting.
    ErrAlreadyConnected = errors.New("group: channel is already connected")
    // ErrClosedWhileConnecting is returned by a pending Connect cancelled by Close.
    ErrClosedWhileConnecting = errors.New("group: channel closed while connecting")
    // ErrDuplicateJoin is returned when the coordinator already lists the address.
    ErrDuplicateJoin = errors.New("group: duplicate join")
    // ErrUnknownLeave marks a leave notice for an address outside the view.
    // Coordinators log and acknowledge it; it never reaches callers.
    ErrUnknownLeave = errors.New("group: leave for unknown member")
    ErrNotCoordinator = errors.New("group: not coordinator")
    ErrJoinTimeout    = errors.New("group: join timed out")
    ErrEmptyGroup     = errors.New("group: empty group name")
)
