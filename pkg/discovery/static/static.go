package static

import (
    "strings"

    "github.com/amirimatin/go-group/pkg/discovery"
)

type seeds []string

func (s seeds) Seeds() []string { return append([]string(nil), s...) }

// New returns a Discovery with a fixed seed list; blank entries are dropped.
func New(list ...string) discovery.Discovery {
    out := make(seeds, 0, len(list))
    for _, v := range list {
        if v = strings.TrimSpace(v); v != "" {
            out = append(out, v)
        }
    }
    return out
}

// Parse splits a comma-separated seed list such as the --seeds flag value.
func Parse(csv string) []string {
    var out []string
    for _, p := range strings.Split(csv, ",") {
        if p = strings.TrimSpace(p); p != "" {
            out = append(out, p)
        }
    }
    return out
}
