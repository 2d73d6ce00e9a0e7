package discovery

import "sort"

// Discovery provides the seed addresses a gossip directory joins on start.
type Discovery interface {
    Seeds() []string
}

// Func adapts a plain function to Discovery.
type Func func() []string

func (f Func) Seeds() []string { return f() }

// Merge combines sources into one that returns the sorted union of their
// seeds. Nil sources are skipped.
func Merge(sources ...Discovery) Discovery {
    var live []Discovery
    for _, s := range sources {
        if s != nil {
            live = append(live, s)
        }
    }
    return Func(func() []string {
        seen := make(map[string]struct{})
        var out []string
        for _, s := range live {
            for _, seed := range s.Seeds() {
                if _, ok := seen[seed]; ok { continue }
                seen[seed] = struct{}{}
                out = append(out, seed)
            }
        }
        sort.Strings(out)
        return out
    })
}
