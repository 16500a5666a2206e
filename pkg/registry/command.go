package registry

import (
    "encoding/json"
    "fmt"
)

// Op names form the closed command vocabulary replicated through the log.
// Anything outside this set is rejected at apply time.
const (
    OpNoop            = "Noop"
    OpRegisterStore   = "RegisterStore"
    OpUnregisterStore = "UnregisterStore"
    OpMapHexad        = "MapHexad"
    OpUnmapHexad      = "UnmapHexad"
    OpUpdateTrust     = "UpdateTrust"
    OpAddServer       = "AddServer"
    OpRemoveServer    = "RemoveServer"
)

// Command is a single replicated registry mutation. Only the fields relevant
// to Op are populated; every command is idempotent under re-application.
type Command struct {
    Op string `json:"op"`

    // RegisterStore / UnregisterStore / UpdateTrust
    StoreID    string   `json:"storeId,omitempty"`
    Endpoint   string   `json:"endpoint,omitempty"`
    Modalities []string `json:"modalities,omitempty"`
    TrustLevel float64  `json:"trustLevel,omitempty"`

    // MapHexad / UnmapHexad
    HexadID      string   `json:"hexadId,omitempty"`
    Locations    []string `json:"locations,omitempty"`
    PrimaryStore string   `json:"primaryStore,omitempty"`

    // AddServer / RemoveServer
    PeerID   string `json:"peerId,omitempty"`
    PeerAddr string `json:"peerAddr,omitempty"`
}

// Noop returns the command a fresh leader appends to commit prior-term entries.
func Noop() Command { return Command{Op: OpNoop} }

// Validate checks that the fields required by Op are present.
func (c Command) Validate() error {
    switch c.Op {
    case OpNoop:
        return nil
    case OpRegisterStore:
        if c.StoreID == "" { return fmt.Errorf("registry: %s requires storeId", c.Op) }
        if c.Endpoint == "" { return fmt.Errorf("registry: %s requires endpoint", c.Op) }
        return nil
    case OpUnregisterStore, OpUpdateTrust:
        if c.StoreID == "" { return fmt.Errorf("registry: %s requires storeId", c.Op) }
        return nil
    case OpMapHexad, OpUnmapHexad:
        if c.HexadID == "" { return fmt.Errorf("registry: %s requires hexadId", c.Op) }
        return nil
    case OpAddServer, OpRemoveServer:
        if c.PeerID == "" { return fmt.Errorf("registry: %s requires peerId", c.Op) }
        return nil
    default:
        return fmt.Errorf("registry: unknown op %q", c.Op)
    }
}

// Encode serializes the command for log storage and wire transport.
func (c Command) Encode() ([]byte, error) { return json.Marshal(c) }

// DecodeCommand is the inverse of Encode.
func DecodeCommand(data []byte) (Command, error) {
    var c Command
    if err := json.Unmarshal(data, &c); err != nil { return Command{}, err }
    return c, nil
}
