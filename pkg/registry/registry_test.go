package registry

import (
    "testing"
)

func TestApply_RegisterAndUnregister(t *testing.T) {
    r := New()
    err := r.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a", Modalities: []string{"text"}})
    if err != nil { t.Fatalf("apply: %v", err) }

    info, ok := r.Stores["a"]
    if !ok { t.Fatal("store missing") }
    if info.TrustLevel != DefaultTrustLevel {
        t.Fatalf("trust = %v, want default %v", info.TrustLevel, DefaultTrustLevel)
    }

    // Re-registration overwrites, it does not error.
    if err := r.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a2", TrustLevel: 0.9}); err != nil {
        t.Fatalf("re-apply: %v", err)
    }
    info = r.Stores["a"]
    if info.Endpoint != "http://a2" || info.TrustLevel != 0.9 {
        t.Fatalf("overwrite failed: %#v", info)
    }

    if err := r.Apply(Command{Op: OpUnregisterStore, StoreID: "a"}); err != nil { t.Fatal(err) }
    if _, ok := r.Stores["a"]; ok { t.Fatal("store not removed") }

    // Removing an unknown store is a committed no-op.
    if err := r.Apply(Command{Op: OpUnregisterStore, StoreID: "ghost"}); err != nil {
        t.Fatalf("unregister unknown: %v", err)
    }
}

func TestApply_MapHexadDefaultsPrimary(t *testing.T) {
    r := New()
    if err := r.Apply(Command{Op: OpMapHexad, HexadID: "hx", Locations: []string{"s1", "s2"}}); err != nil {
        t.Fatal(err)
    }
    m := r.Mappings["hx"]
    if m.PrimaryStore != "s1" {
        t.Fatalf("primary = %q, want first location", m.PrimaryStore)
    }

    // Explicit primary wins.
    if err := r.Apply(Command{Op: OpMapHexad, HexadID: "hx", Locations: []string{"s1", "s2"}, PrimaryStore: "s2"}); err != nil {
        t.Fatal(err)
    }
    if r.Mappings["hx"].PrimaryStore != "s2" {
        t.Fatalf("explicit primary ignored: %#v", r.Mappings["hx"])
    }

    if err := r.Apply(Command{Op: OpUnmapHexad, HexadID: "hx"}); err != nil { t.Fatal(err) }
    if _, ok := r.Mappings["hx"]; ok { t.Fatal("mapping not removed") }
}

func TestApply_UpdateTrustClampsAndIgnoresUnknown(t *testing.T) {
    r := New()
    if err := r.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a"}); err != nil { t.Fatal(err) }

    cases := []struct {
        in   float64
        want float64
    }{
        {0.3, 0.3},
        {-2, 0},
        {7.5, 1},
    }
    for _, c := range cases {
        if err := r.Apply(Command{Op: OpUpdateTrust, StoreID: "a", TrustLevel: c.in}); err != nil { t.Fatal(err) }
        if got := r.Stores["a"].TrustLevel; got != c.want {
            t.Fatalf("trust(%v) = %v, want %v", c.in, got, c.want)
        }
    }

    // Unknown target: ignored without error, never materializes a store.
    if err := r.Apply(Command{Op: OpUpdateTrust, StoreID: "ghost", TrustLevel: 0.4}); err != nil { t.Fatal(err) }
    if _, ok := r.Stores["ghost"]; ok { t.Fatal("ghost store created") }
}

func TestApply_Membership(t *testing.T) {
    r := New()
    for _, id := range []string{"n2", "n1", "n3"} {
        if err := r.Apply(Command{Op: OpAddServer, PeerID: id}); err != nil { t.Fatal(err) }
    }
    got := r.Config.MemberList()
    want := []string{"n1", "n2", "n3"}
    for i := range want {
        if got[i] != want[i] { t.Fatalf("members = %v, want %v", got, want) }
    }

    if err := r.Apply(Command{Op: OpRemoveServer, PeerID: "n2"}); err != nil { t.Fatal(err) }
    if r.Config.Members["n2"] { t.Fatal("n2 still a member") }
    // Duplicate removal is idempotent.
    if err := r.Apply(Command{Op: OpRemoveServer, PeerID: "n2"}); err != nil { t.Fatal(err) }
}

func TestApply_RejectsInvalid(t *testing.T) {
    r := New()
    bad := []Command{
        {Op: "Bogus"},
        {Op: OpRegisterStore},                     // missing store id
        {Op: OpRegisterStore, StoreID: "a"},       // missing endpoint
        {Op: OpMapHexad},                          // missing hexad id
        {Op: OpAddServer},                         // missing peer id
    }
    for _, cmd := range bad {
        if err := r.Apply(cmd); err == nil {
            t.Fatalf("expected rejection for %+v", cmd)
        }
    }
    if len(r.Stores) != 0 || len(r.Mappings) != 0 || len(r.Config.Members) != 0 {
        t.Fatal("rejected commands must not mutate state")
    }
}

func TestCloneIsDeep(t *testing.T) {
    r := New()
    _ = r.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a", Modalities: []string{"text"}})
    _ = r.Apply(Command{Op: OpMapHexad, HexadID: "hx", Locations: []string{"a"}})
    _ = r.Apply(Command{Op: OpAddServer, PeerID: "n1"})

    c := r.Clone()
    c.Stores["a"] = StoreInfo{Endpoint: "mutated"}
    c.Mappings["hx"].Locations[0] = "mutated"
    delete(c.Config.Members, "n1")

    if r.Stores["a"].Endpoint != "http://a" { t.Fatal("clone shares Stores") }
    if r.Mappings["hx"].Locations[0] != "a" { t.Fatal("clone shares Locations") }
    if !r.Config.Members["n1"] { t.Fatal("clone shares Members") }
}

func TestSnapshotRestoreRoundTrip(t *testing.T) {
    r := New()
    _ = r.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a", TrustLevel: 0.8})
    _ = r.Apply(Command{Op: OpMapHexad, HexadID: "hx", Locations: []string{"a", "b"}, PrimaryStore: "b"})
    _ = r.Apply(Command{Op: OpAddServer, PeerID: "n1"})
    _ = r.Apply(Command{Op: OpAddServer, PeerID: "n2"})

    buf, err := r.Snapshot()
    if err != nil { t.Fatal(err) }

    got := New()
    if err := got.Restore(buf); err != nil { t.Fatal(err) }

    if got.Stores["a"].TrustLevel != 0.8 { t.Fatalf("store lost: %#v", got.Stores) }
    if got.Mappings["hx"].PrimaryStore != "b" { t.Fatalf("mapping lost: %#v", got.Mappings) }
    if !got.Config.Members["n1"] || !got.Config.Members["n2"] {
        t.Fatalf("members lost: %#v", got.Config)
    }
}

func TestRestoreEmptySnapshot(t *testing.T) {
    got := New()
    if err := got.Restore([]byte(`{"version":1}`)); err != nil { t.Fatal(err) }
    // Maps must be usable after restoring a minimal snapshot.
    if err := got.Apply(Command{Op: OpRegisterStore, StoreID: "a", Endpoint: "http://a"}); err != nil {
        t.Fatal(err)
    }
}

func TestCommandEncodeDecode(t *testing.T) {
    in := Command{Op: OpMapHexad, HexadID: "hx", Locations: []string{"a"}, PrimaryStore: "a"}
    buf, err := in.Encode()
    if err != nil { t.Fatal(err) }
    out, err := DecodeCommand(buf)
    if err != nil { t.Fatal(err) }
    if out.Op != in.Op || out.HexadID != in.HexadID || out.PrimaryStore != "a" {
        t.Fatalf("round trip mismatch: %#v", out)
    }
}
