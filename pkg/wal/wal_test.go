package wal

import (
    "os"
    "path/filepath"
    "testing"
    "time"

    "github.com/hexafed/go-registry/pkg/consensus"
    "github.com/hexafed/go-registry/pkg/registry"
)

func entry(term, index uint64, storeID string) consensus.LogEntry {
    return consensus.LogEntry{
        Term:      term,
        Index:     index,
        Command:   registry.Command{Op: registry.OpRegisterStore, StoreID: storeID, Endpoint: "http://" + storeID},
        Timestamp: time.Now().UTC(),
    }
}

func openWAL(t *testing.T, dir string) *WAL {
    t.Helper()
    w := New(dir)
    if err := w.Init(); err != nil { t.Fatalf("init: %v", err) }
    t.Cleanup(func() { _ = w.Close() })
    return w
}

func TestRoundTrip(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)

    if err := w.PersistState(3, "n2"); err != nil { t.Fatal(err) }
    if err := w.AppendEntries([]consensus.LogEntry{
        entry(1, 1, "a"),
        entry(2, 2, "b"),
        entry(3, 3, "c"),
    }); err != nil { t.Fatal(err) }
    if err := w.Close(); err != nil { t.Fatal(err) }

    w2 := openWAL(t, dir)
    rs, err := w2.Recover()
    if err != nil { t.Fatal(err) }
    if rs.CurrentTerm != 3 || rs.VotedFor != "n2" {
        t.Fatalf("state = (%d,%q), want (3,n2)", rs.CurrentTerm, rs.VotedFor)
    }
    if len(rs.Entries) != 3 { t.Fatalf("entries = %d, want 3", len(rs.Entries)) }
    for i, want := range []uint64{1, 2, 3} {
        if rs.Entries[i].Index != want {
            t.Fatalf("entry %d has index %d, want %d", i, rs.Entries[i].Index, want)
        }
    }
    if rs.Registry != nil { t.Fatal("no snapshot was written") }
}

func TestPersistStateOverwrites(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)
    if err := w.PersistState(1, "x"); err != nil { t.Fatal(err) }
    if err := w.PersistState(5, ""); err != nil { t.Fatal(err) }

    rs, err := w.Recover()
    if err != nil { t.Fatal(err) }
    if rs.CurrentTerm != 5 || rs.VotedFor != "" {
        t.Fatalf("state = (%d,%q), want latest (5,\"\")", rs.CurrentTerm, rs.VotedFor)
    }
}

func TestTruncateAfter(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)
    if err := w.AppendEntries([]consensus.LogEntry{
        entry(1, 1, "a"), entry(1, 2, "b"), entry(1, 3, "c"), entry(1, 4, "d"),
    }); err != nil { t.Fatal(err) }

    if err := w.TruncateAfter(2); err != nil { t.Fatal(err) }
    // The append handle must survive truncation.
    if err := w.AppendEntry(entry(2, 3, "c2")); err != nil { t.Fatal(err) }

    rs, err := w.Recover()
    if err != nil { t.Fatal(err) }
    if len(rs.Entries) != 3 { t.Fatalf("entries = %d, want 3", len(rs.Entries)) }
    if rs.Entries[2].Term != 2 || rs.Entries[2].Index != 3 {
        t.Fatalf("replacement suffix lost: %+v", rs.Entries[2])
    }
}

func TestSnapshotCompactsLog(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)

    reg := registry.New()
    for i := uint64(1); i <= 5; i++ {
        e := entry(1, i, "s")
        if err := w.AppendEntry(e); err != nil { t.Fatal(err) }
        if err := reg.Apply(e.Command); err != nil { t.Fatal(err) }
    }
    if err := w.SaveSnapshot(reg, 3, 1); err != nil { t.Fatal(err) }

    rs, err := w.Recover()
    if err != nil { t.Fatal(err) }
    if rs.SnapshotIndex != 3 || rs.SnapshotTerm != 1 {
        t.Fatalf("snapshot at (%d,%d), want (3,1)", rs.SnapshotIndex, rs.SnapshotTerm)
    }
    if rs.Registry == nil { t.Fatal("registry not recovered from snapshot") }
    if _, ok := rs.Registry.Stores["s"]; !ok { t.Fatal("snapshot content lost") }
    if len(rs.Entries) != 2 { t.Fatalf("retained entries = %d, want 2 above snapshot", len(rs.Entries)) }
    if rs.Entries[0].Index != 4 { t.Fatalf("first retained index = %d, want 4", rs.Entries[0].Index) }
}

func TestRecoverSkipsCorruptTail(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)
    if err := w.AppendEntries([]consensus.LogEntry{entry(1, 1, "a"), entry(1, 2, "b")}); err != nil {
        t.Fatal(err)
    }
    if err := w.Close(); err != nil { t.Fatal(err) }

    // Simulate a torn final write.
    f, err := os.OpenFile(filepath.Join(dir, "log.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
    if err != nil { t.Fatal(err) }
    if _, err := f.WriteString(`{"term":1,"index":3,"comm`); err != nil { t.Fatal(err) }
    _ = f.Close()

    w2 := openWAL(t, dir)
    rs, err := w2.Recover()
    if err != nil { t.Fatalf("recovery must tolerate a torn tail: %v", err) }
    if len(rs.Entries) != 2 {
        t.Fatalf("entries = %d, want the 2 intact records", len(rs.Entries))
    }
}

func TestRecoverSkipsCorruptMiddleLine(t *testing.T) {
    dir := t.TempDir()
    w := openWAL(t, dir)
    if err := w.AppendEntry(entry(1, 1, "a")); err != nil { t.Fatal(err) }
    if err := w.Close(); err != nil { t.Fatal(err) }

    f, err := os.OpenFile(filepath.Join(dir, "log.jsonl"), os.O_WRONLY|os.O_APPEND, 0o644)
    if err != nil { t.Fatal(err) }
    if _, err := f.WriteString("not json at all\n"); err != nil { t.Fatal(err) }
    _ = f.Close()

    w2 := openWAL(t, dir)
    if err := w2.AppendEntry(entry(1, 2, "b")); err != nil { t.Fatal(err) }

    rs, err := w2.Recover()
    if err != nil { t.Fatal(err) }
    if len(rs.Entries) != 2 {
        t.Fatalf("entries = %d, want 2 with the garbage line skipped", len(rs.Entries))
    }
}

func TestNonDurableMode(t *testing.T) {
    w := New("")
    if err := w.Init(); err != nil { t.Fatal(err) }
    if err := w.PersistState(7, "n1"); err != nil { t.Fatal(err) }
    if err := w.AppendEntry(entry(7, 1, "a")); err != nil { t.Fatal(err) }
    if err := w.SaveSnapshot(registry.New(), 1, 7); err != nil { t.Fatal(err) }

    rs, err := w.Recover()
    if err != nil { t.Fatal(err) }
    if rs.CurrentTerm != 0 || len(rs.Entries) != 0 || rs.Registry != nil {
        t.Fatalf("non-durable mode must recover zero values, got %+v", rs)
    }
    if err := w.Close(); err != nil { t.Fatal(err) }
}
