package transport

import (
    "encoding/json"
    "reflect"
    "testing"

    "github.com/hexafed/go-registry/pkg/consensus"
)

func TestSerializeForJSON_CollapsesNamedStrings(t *testing.T) {
    got := SerializeForJSON(consensus.Leader)
    if s, ok := got.(string); !ok || s != "leader" {
        t.Fatalf("got %T %v, want plain string", got, got)
    }
}

func TestSerializeForJSON_MapKeys(t *testing.T) {
    type roleName string
    in := map[roleName]int{"b": 2, "a": 1}
    got, ok := SerializeForJSON(in).(map[string]interface{})
    if !ok { t.Fatalf("got %T, want map[string]interface{}", SerializeForJSON(in)) }
    if got["a"] != int64(1) || got["b"] != int64(2) {
        t.Fatalf("values mangled: %#v", got)
    }

    // Non-string keys become their printed form.
    nk, ok := SerializeForJSON(map[int]string{7: "x"}).(map[string]interface{})
    if !ok || nk["7"] != "x" { t.Fatalf("int keys not stringified: %#v", nk) }
}

func TestSerializeForJSON_NestedAndNil(t *testing.T) {
    if SerializeForJSON(nil) != nil { t.Fatal("nil must pass through") }
    var s []string
    if SerializeForJSON(s) != nil { t.Fatal("nil slice must stay nil") }

    in := map[string]interface{}{
        "roles": []consensus.Role{consensus.Follower, consensus.Candidate},
        "n":     uint64(3),
        "ok":    true,
    }
    out := SerializeForJSON(in)
    want := map[string]interface{}{
        "roles": []interface{}{"follower", "candidate"},
        "n":     uint64(3),
        "ok":    true,
    }
    if !reflect.DeepEqual(out, want) { t.Fatalf("got %#v, want %#v", out, want) }

    // The result must be encodable as-is.
    if _, err := json.Marshal(out); err != nil { t.Fatalf("marshal: %v", err) }
}
