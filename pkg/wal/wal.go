package wal

import (
    "bufio"
    "encoding/json"
    "errors"
    "fmt"
    "os"
    "path/filepath"

    "github.com/hexafed/go-registry/pkg/consensus"
    obsmetrics "github.com/hexafed/go-registry/pkg/observability/metrics"
    "github.com/hexafed/go-registry/pkg/registry"
)

const (
    stateFile    = "state.json"
    logFile      = "log.jsonl"
    snapshotFile = "snapshot.json"
)

// WAL is the per-node write-ahead log rooted at a directory. An empty Dir
// selects the documented non-durable mode: every write is a no-op and
// Recover returns zero values. The node still runs correctly, it just loses
// everything on crash; used by tests and ephemeral deployments.
//
// Layout: state.json holds {term, votedFor} and is overwritten atomically on
// every change; log.jsonl is strictly append-only with one JSON entry per
// line; snapshot.json holds the compacted registry keyed to (index, term).
type WAL struct {
    dir string
    // kept open in append mode between writes; nil in non-durable mode and
    // after Close.
    logf *os.File
}

// durableState is the overwritten state record.
type durableState struct {
    CurrentTerm uint64 `json:"currentTerm"`
    VotedFor    string `json:"votedFor,omitempty"`
}

// snapshotRecord keys a registry snapshot to its log position.
type snapshotRecord struct {
    SnapshotIndex uint64          `json:"snapshotIndex"`
    SnapshotTerm  uint64          `json:"snapshotTerm"`
    Registry      json.RawMessage `json:"registry"`
}

// RecoveredState is everything Recover reconstructs after a restart.
type RecoveredState struct {
    CurrentTerm   uint64
    VotedFor      string
    Entries       []consensus.LogEntry // entries above SnapshotIndex, in order
    Registry      *registry.Registry   // nil when no snapshot exists
    SnapshotIndex uint64
    SnapshotTerm  uint64
}

// New returns a WAL rooted at dir without touching the disk; call Init before
// first use. dir may be empty for the non-durable mode.
func New(dir string) *WAL { return &WAL{dir: dir} }

// Dir returns the configured root (empty in non-durable mode).
func (w *WAL) Dir() string { return w.dir }

// Init ensures the on-disk structures exist. Idempotent; no-op without a dir.
func (w *WAL) Init() error {
    if w.dir == "" { return nil }
    if err := os.MkdirAll(w.dir, 0o755); err != nil { return err }
    f, err := os.OpenFile(filepath.Join(w.dir, logFile), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
    if err != nil { return err }
    w.logf = f
    return nil
}

// Close releases the append handle. The WAL stays recoverable.
func (w *WAL) Close() error {
    if w.logf == nil { return nil }
    err := w.logf.Close()
    w.logf = nil
    return err
}

// PersistState atomically overwrites the durable-state record. Must complete
// before the vote or term change it records becomes externally visible.
func (w *WAL) PersistState(term uint64, votedFor string) error {
    if w.dir == "" { return nil }
    blob, err := json.Marshal(durableState{CurrentTerm: term, VotedFor: votedFor})
    if err != nil { return err }
    return atomicWrite(filepath.Join(w.dir, stateFile), blob)
}

// AppendEntry appends a single entry record.
func (w *WAL) AppendEntry(entry consensus.LogEntry) error {
    return w.AppendEntries([]consensus.LogEntry{entry})
}

// AppendEntries appends the given entries in order, one line each, and syncs.
// An empty slice is a no-op.
func (w *WAL) AppendEntries(entries []consensus.LogEntry) error {
    if w.dir == "" || len(entries) == 0 { return nil }
    if w.logf == nil { return errors.New("wal: not initialized") }
    bw := bufio.NewWriter(w.logf)
    for _, e := range entries {
        line, err := json.Marshal(e)
        if err != nil { return err }
        if _, err := bw.Write(line); err != nil { return err }
        if err := bw.WriteByte('\n'); err != nil { return err }
    }
    if err := bw.Flush(); err != nil { return err }
    if err := w.logf.Sync(); err != nil { return err }
    obsmetrics.WALAppends.Add(float64(len(entries)))
    return nil
}

// TruncateAfter discards every retained entry with index greater than index;
// index 0 clears the retained log. Used for follower conflict resolution.
func (w *WAL) TruncateAfter(index uint64) error {
    if w.dir == "" { return nil }
    return w.rewriteLog(func(e consensus.LogEntry) bool { return e.Index <= index })
}

// SaveSnapshot persists the registry keyed to (snapshotIndex, snapshotTerm)
// and compacts the log by dropping entries at or below snapshotIndex.
func (w *WAL) SaveSnapshot(reg *registry.Registry, snapshotIndex, snapshotTerm uint64) error {
    if w.dir == "" { return nil }
    blob, err := reg.Snapshot()
    if err != nil { return err }
    rec, err := json.Marshal(snapshotRecord{
        SnapshotIndex: snapshotIndex,
        SnapshotTerm:  snapshotTerm,
        Registry:      blob,
    })
    if err != nil { return err }
    if err := atomicWrite(filepath.Join(w.dir, snapshotFile), rec); err != nil { return err }
    if err := w.rewriteLog(func(e consensus.LogEntry) bool { return e.Index > snapshotIndex }); err != nil {
        return err
    }
    obsmetrics.WALSnapshots.Inc()
    return nil
}

// Recover reconstructs durable state, snapshot and retained log. It returns
// zero values when no WAL data exists (or in non-durable mode) and skips any
// log line that fails to parse; a crash mid-write corrupts at most the final
// unflushed record, which must not abort recovery.
func (w *WAL) Recover() (RecoveredState, error) {
    var rs RecoveredState
    if w.dir == "" { return rs, nil }

    if blob, err := os.ReadFile(filepath.Join(w.dir, stateFile)); err == nil {
        var ds durableState
        if err := json.Unmarshal(blob, &ds); err == nil {
            rs.CurrentTerm = ds.CurrentTerm
            rs.VotedFor = ds.VotedFor
        }
    } else if !os.IsNotExist(err) {
        return rs, fmt.Errorf("wal: read state: %w", err)
    }

    if blob, err := os.ReadFile(filepath.Join(w.dir, snapshotFile)); err == nil {
        var rec snapshotRecord
        if err := json.Unmarshal(blob, &rec); err == nil {
            reg := registry.New()
            if err := reg.Restore(rec.Registry); err == nil {
                rs.Registry = reg
                rs.SnapshotIndex = rec.SnapshotIndex
                rs.SnapshotTerm = rec.SnapshotTerm
            }
        }
    } else if !os.IsNotExist(err) {
        return rs, fmt.Errorf("wal: read snapshot: %w", err)
    }

    f, err := os.Open(filepath.Join(w.dir, logFile))
    if err != nil {
        if os.IsNotExist(err) { return rs, nil }
        return rs, fmt.Errorf("wal: open log: %w", err)
    }
    defer f.Close()
    sc := bufio.NewScanner(f)
    sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
    for sc.Scan() {
        line := sc.Bytes()
        if len(line) == 0 { continue }
        var e consensus.LogEntry
        if err := json.Unmarshal(line, &e); err != nil {
            // torn or corrupt record: skip, never fail recovery
            obsmetrics.WALCorruptRecords.Inc()
            continue
        }
        if e.Index <= rs.SnapshotIndex { continue }
        rs.Entries = append(rs.Entries, e)
    }
    if err := sc.Err(); err != nil { return rs, fmt.Errorf("wal: scan log: %w", err) }
    return rs, nil
}

// maxRecordSize bounds a single log line during recovery scanning.
const maxRecordSize = 8 * 1024 * 1024

// rewriteLog replaces the log with the entries matching keep, preserving
// order, then reopens the append handle.
func (w *WAL) rewriteLog(keep func(consensus.LogEntry) bool) error {
    path := filepath.Join(w.dir, logFile)
    var kept [][]byte
    if f, err := os.Open(path); err == nil {
        sc := bufio.NewScanner(f)
        sc.Buffer(make([]byte, 0, 64*1024), maxRecordSize)
        for sc.Scan() {
            line := sc.Bytes()
            if len(line) == 0 { continue }
            var e consensus.LogEntry
            if err := json.Unmarshal(line, &e); err != nil { continue }
            if keep(e) { kept = append(kept, append([]byte(nil), line...)) }
        }
        _ = f.Close()
        if err := sc.Err(); err != nil { return fmt.Errorf("wal: scan log: %w", err) }
    } else if !os.IsNotExist(err) {
        return err
    }
    if w.logf != nil {
        _ = w.logf.Close()
        w.logf = nil
    }
    var buf []byte
    for _, line := range kept {
        buf = append(buf, line...)
        buf = append(buf, '\n')
    }
    if err := atomicWrite(path, buf); err != nil { return err }
    f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND, 0o644)
    if err != nil { return err }
    w.logf = f
    return nil
}

// atomicWrite writes blob to a temp file in the same directory, syncs and
// renames it over path.
func atomicWrite(path string, blob []byte) error {
    tmp, err := os.CreateTemp(filepath.Dir(path), ".wal-*")
    if err != nil { return err }
    name := tmp.Name()
    if _, err := tmp.Write(blob); err != nil { _ = tmp.Close(); _ = os.Remove(name); return err }
    if err := tmp.Sync(); err != nil { _ = tmp.Close(); _ = os.Remove(name); return err }
    if err := tmp.Close(); err != nil { _ = os.Remove(name); return err }
    if err := os.Rename(name, path); err != nil { _ = os.Remove(name); return err }
    return nil
}
