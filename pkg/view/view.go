package view

import (
    "encoding/json"
    "errors"
    "fmt"
    "strings"
)

var (
    ErrEmpty     = errors.New("view: empty member list")
    ErrDuplicate = errors.New("view: duplicate member")
)

// View is an immutable membership snapshot of a group. Members are ordered;
// the first member is the coordinator. Accessors return copies so a View can
// be shared freely between goroutines.
type View struct {
    id      uint64
    members []Address
}

// New builds a view, rejecting empty or duplicate member lists.
func New(id uint64, members ...Address) (View, error) {
    if len(members) == 0 {
        return View{}, ErrEmpty
    }
    seen := make(map[Address]struct{}, len(members))
    out := make([]Address, 0, len(members))
    for _, m := range members {
        k := Address{ID: m.ID}
        if _, dup := seen[k]; dup {
            return View{}, fmt.Errorf("%w: %s", ErrDuplicate, m)
        }
        seen[k] = struct{}{}
        out = append(out, m)
    }
    return View{id: id, members: out}, nil
}

// Singleton is the first view of a new group, with creator as coordinator.
func Singleton(creator Address) View {
    return View{id: 1, members: []Address{creator}}
}

func (v View) ID() uint64 { return v.id }

func (v View) Size() int { return len(v.members) }

// IsZero reports whether v is the zero View (no group installed yet).
func (v View) IsZero() bool { return v.id == 0 && len(v.members) == 0 }

// Members returns a copy of the ordered member list.
func (v View) Members() []Address {
    return append([]Address(nil), v.members...)
}

// Coordinator returns the first member. ok is false for the zero View.
func (v View) Coordinator() (Address, bool) {
    if len(v.members) == 0 { return Address{}, false }
    return v.members[0], true
}

// IsCoordinator reports whether a is first in v.
func (v View) IsCoordinator(a Address) bool {
    c, ok := v.Coordinator()
    return ok && c.Equal(a)
}

func (v View) Contains(a Address) bool { return v.index(a) >= 0 }

func (v View) index(a Address) int {
    for i, m := range v.members {
        if m.Equal(a) { return i }
    }
    return -1
}

// WithJoined returns the successor view with joiner appended last.
func (v View) WithJoined(joiner Address) (View, error) {
    if v.Contains(joiner) {
        return View{}, fmt.Errorf("%w: %s", ErrDuplicate, joiner)
    }
    members := make([]Address, 0, len(v.members)+1)
    members = append(members, v.members...)
    members = append(members, joiner)
    return View{id: v.id + 1, members: members}, nil
}

// WithoutMember returns the successor view without leaver, preserving the
// relative order of the rest. ok is false when leaver is not a member. The
// result may be empty when the last member leaves.
func (v View) WithoutMember(leaver Address) (View, bool) {
    i := v.index(leaver)
    if i < 0 { return View{}, false }
    members := make([]Address, 0, len(v.members)-1)
    members = append(members, v.members[:i]...)
    members = append(members, v.members[i+1:]...)
    return View{id: v.id + 1, members: members}, true
}

// Equal compares ids and ordered membership.
func (v View) Equal(o View) bool {
    if v.id != o.id || len(v.members) != len(o.members) { return false }
    for i := range v.members {
        if !v.members[i].Equal(o.members[i]) { return false }
    }
    return true
}

// String renders as "[A|3] (2) [A, B]": coordinator and id, size, members.
func (v View) String() string {
    if v.IsZero() { return "[]" }
    names := make([]string, len(v.members))
    for i, m := range v.members { names[i] = m.String() }
    coord := "<nil>"
    if len(v.members) > 0 { coord = v.members[0].String() }
    return fmt.Sprintf("[%s|%d] (%d) [%s]", coord, v.id, len(v.members), strings.Join(names, ", "))
}

type wireView struct {
    ID      uint64    `json:"id"`
    Members []Address `json:"members"`
}

func (v View) MarshalJSON() ([]byte, error) {
    return json.Marshal(wireView{ID: v.id, Members: v.members})
}

func (v *View) UnmarshalJSON(b []byte) error {
    var w wireView
    if err := json.Unmarshal(b, &w); err != nil { return err }
    if len(w.Members) == 0 {
        *v = View{id: w.ID}
        return nil
    }
    nv, err := New(w.ID, w.Members...)
    if err != nil { return err }
    *v = nv
    return nil
}
