package registry

import (
    "encoding/json"
    "sort"
)

// DefaultTrustLevel is assigned to stores registered without an explicit
// trust level. Trust adjustment policy lives in the federation layer; the
// registry only stores the value.
const DefaultTrustLevel = 0.5

// StoreInfo describes one federated data store known to the cluster.
type StoreInfo struct {
    Endpoint   string   `json:"endpoint"`
    Modalities []string `json:"modalities,omitempty"`
    TrustLevel float64  `json:"trustLevel"`
}

// HexadMapping locates a hexad across the federation. PrimaryStore is the
// first location when present.
type HexadMapping struct {
    Locations    []string `json:"locations,omitempty"`
    PrimaryStore string   `json:"primaryStore,omitempty"`
}

// ClusterConfig is the committed voting membership. It changes only through
// applied AddServer/RemoveServer commands.
type ClusterConfig struct {
    Members map[string]bool `json:"members"`
}

// MemberList returns the membership as a sorted slice.
func (cc ClusterConfig) MemberList() []string {
    out := make([]string, 0, len(cc.Members))
    for id := range cc.Members { out = append(out, id) }
    sort.Strings(out)
    return out
}

// Registry is the replicated state machine: a pure value mutated only by
// applying committed commands in log order. The owning consensus node
// serializes all access; Registry itself carries no locking.
type Registry struct {
    Stores   map[string]StoreInfo    `json:"stores"`
    Mappings map[string]HexadMapping `json:"mappings"`
    Config   ClusterConfig           `json:"config"`
}

// New returns an empty registry.
func New() *Registry {
    return &Registry{
        Stores:   make(map[string]StoreInfo),
        Mappings: make(map[string]HexadMapping),
        Config:   ClusterConfig{Members: make(map[string]bool)},
    }
}

// Apply mutates the registry according to cmd. Commands are idempotent:
// re-applying during log replay yields the same state.
func (r *Registry) Apply(cmd Command) error {
    if err := cmd.Validate(); err != nil { return err }
    switch cmd.Op {
    case OpNoop:
        // leadership marker only
    case OpRegisterStore:
        trust := cmd.TrustLevel
        if trust == 0 { trust = DefaultTrustLevel }
        r.Stores[cmd.StoreID] = StoreInfo{
            Endpoint:   cmd.Endpoint,
            Modalities: append([]string(nil), cmd.Modalities...),
            TrustLevel: clampTrust(trust),
        }
    case OpUnregisterStore:
        delete(r.Stores, cmd.StoreID)
    case OpMapHexad:
        m := HexadMapping{
            Locations:    append([]string(nil), cmd.Locations...),
            PrimaryStore: cmd.PrimaryStore,
        }
        if m.PrimaryStore == "" && len(m.Locations) > 0 { m.PrimaryStore = m.Locations[0] }
        r.Mappings[cmd.HexadID] = m
    case OpUnmapHexad:
        delete(r.Mappings, cmd.HexadID)
    case OpUpdateTrust:
        if s, ok := r.Stores[cmd.StoreID]; ok {
            s.TrustLevel = clampTrust(cmd.TrustLevel)
            r.Stores[cmd.StoreID] = s
        }
    case OpAddServer:
        r.Config.Members[cmd.PeerID] = true
    case OpRemoveServer:
        delete(r.Config.Members, cmd.PeerID)
    }
    return nil
}

func clampTrust(v float64) float64 {
    if v < 0 { return 0 }
    if v > 1 { return 1 }
    return v
}

// Clone returns a deep copy, used for read-only snapshots handed to callers
// outside the owning node loop.
func (r *Registry) Clone() *Registry {
    out := New()
    for id, s := range r.Stores {
        s.Modalities = append([]string(nil), s.Modalities...)
        out.Stores[id] = s
    }
    for id, m := range r.Mappings {
        m.Locations = append([]string(nil), m.Locations...)
        out.Mappings[id] = m
    }
    for id := range r.Config.Members { out.Config.Members[id] = true }
    return out
}

// snapshotV1 is the stable on-disk/sidecar snapshot shape. Stores and
// mappings are sorted for deterministic output.
type snapshotV1 struct {
    Version  int                     `json:"version"`
    Stores   map[string]StoreInfo    `json:"stores"`
    Mappings map[string]HexadMapping `json:"mappings"`
    Members  []string                `json:"members"`
}

// Snapshot encodes the registry as stable JSON for snapshot records.
func (r *Registry) Snapshot() ([]byte, error) {
    return json.Marshal(snapshotV1{
        Version:  1,
        Stores:   r.Stores,
        Mappings: r.Mappings,
        Members:  r.Config.MemberList(),
    })
}

// Restore replaces the registry contents from a Snapshot blob.
func (r *Registry) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    // Only version 1 exists so far.
    r.Stores = snap.Stores
    if r.Stores == nil { r.Stores = make(map[string]StoreInfo) }
    r.Mappings = snap.Mappings
    if r.Mappings == nil { r.Mappings = make(map[string]HexadMapping) }
    r.Config = ClusterConfig{Members: make(map[string]bool, len(snap.Members))}
    for _, id := range snap.Members {
        if id == "" { continue }
        r.Config.Members[id] = true
    }
    return nil
}
