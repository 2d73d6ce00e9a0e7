package file

import (
    "bufio"
    "bytes"
    "os"
    "path/filepath"
    "sort"
    "strings"
    "sync"
    "time"

    "github.com/goccy/go-yaml"

    "github.com/amirimatin/go-group/pkg/discovery"
)

// Options configures file based seed discovery.
type Options struct {
    // Path is a seed file or glob. Files ending in .yaml or .yml hold either
    // a list or a mapping with a "seeds" list; any other file holds one seed
    // per line (comma-separated lists allowed, '#' starts a comment).
    Path string
    // Env names an environment variable that, when set, replaces the file.
    Env string
    // Refresh bounds how long a loaded list is reused; defaults to 5s.
    Refresh time.Duration
}

type source struct {
    opts  Options
    mu    sync.Mutex
    last  time.Time
    cache []string
}

func New(opts Options) discovery.Discovery {
    if opts.Refresh <= 0 { opts.Refresh = 5 * time.Second }
    return &source{opts: opts}
}

func (s *source) Seeds() []string {
    s.mu.Lock()
    defer s.mu.Unlock()
    if s.opts.Env != "" {
        if v := strings.TrimSpace(os.Getenv(s.opts.Env)); v != "" {
            return normalize(strings.Split(v, ","))
        }
    }
    if s.opts.Path == "" {
        return nil
    }
    if !s.last.IsZero() && time.Since(s.last) < s.opts.Refresh {
        return append([]string(nil), s.cache...)
    }
    matches, err := filepath.Glob(s.opts.Path)
    if err != nil || len(matches) == 0 {
        return append([]string(nil), s.cache...)
    }
    var all []string
    for _, m := range matches {
        all = append(all, load(m)...)
    }
    s.cache = normalize(all)
    s.last = time.Now()
    return append([]string(nil), s.cache...)
}

func load(path string) []string {
    b, err := os.ReadFile(path)
    if err != nil { return nil }
    switch strings.ToLower(filepath.Ext(path)) {
    case ".yaml", ".yml":
        return loadYAML(b)
    }
    var out []string
    sc := bufio.NewScanner(bytes.NewReader(b))
    for sc.Scan() {
        line := sc.Text()
        if i := strings.IndexByte(line, '#'); i >= 0 { line = line[:i] }
        out = append(out, strings.Split(line, ",")...)
    }
    return out
}

func loadYAML(b []byte) []string {
    var doc struct {
        Seeds []string `yaml:"seeds"`
    }
    if err := yaml.Unmarshal(b, &doc); err == nil && len(doc.Seeds) > 0 {
        return doc.Seeds
    }
    var list []string
    if err := yaml.Unmarshal(b, &list); err != nil {
        return nil
    }
    return list
}

func normalize(in []string) []string {
    set := make(map[string]struct{}, len(in))
    out := make([]string, 0, len(in))
    for _, v := range in {
        v = strings.TrimSpace(v)
        if v == "" { continue }
        if _, ok := set[v]; ok { continue }
        set[v] = struct{}{}
        out = append(out, v)
    }
    sort.Strings(out)
    return out
}
