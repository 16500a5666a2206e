package static

import (
    "fmt"
    "strings"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/discovery"
)

type staticSeeds struct {
    seeds []string
}

func (s *staticSeeds) Seeds() []string { return append([]string(nil), s.seeds...) }

// New returns a Discovery that always returns the given seeds.
func New(seeds ...string) discovery.Discovery {
    cleaned := make([]string, 0, len(seeds))
    for _, v := range seeds {
        v = strings.TrimSpace(v)
        if v != "" {
            cleaned = append(cleaned, v)
        }
    }
    return &staticSeeds{seeds: cleaned}
}

// ParsePeers converts a comma-separated list of "id@host:port" entries into
// consensus peers. Entries without an address ("id@") or a bare "id" describe
// co-located peers reachable over the in-process network.
func ParsePeers(csv string) ([]consensus.Peer, error) {
    var out []consensus.Peer
    for _, p := range strings.Split(csv, ",") {
        p = strings.TrimSpace(p)
        if p == "" {
            continue
        }
        id, addr := p, ""
        if at := strings.Index(p, "@"); at >= 0 {
            id, addr = p[:at], p[at+1:]
        }
        if id == "" {
            return nil, fmt.Errorf("static: peer entry %q has empty id", p)
        }
        out = append(out, consensus.Peer{ID: id, Addr: addr})
    }
    return out, nil
}

// Parse converts a comma-separated list into []string seeds.
func Parse(csv string) []string {
    if csv == "" {
        return nil
    }
    parts := strings.Split(csv, ",")
    out := make([]string, 0, len(parts))
    for _, p := range parts {
        p = strings.TrimSpace(p)
        if p != "" {
            out = append(out, p)
        }
    }
    return out
}

