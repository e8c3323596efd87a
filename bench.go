// ============================================================================
// SLABBENCH - SAMPLE RECORDING AND RUN REPORT
// ============================================================================
//
// Interval samples land in a local SQLite database (one row per sample, one
// per run) so successive runs can be compared; the final report goes to
// stdout as JSON. The run fingerprint digests the pointer-flow accumulators
// with BLAKE2b: equal fingerprints mean the same pointer multiset moved
// through the cache.
// ============================================================================

package main

import (
	"database/sql"
	"encoding/binary"
	"encoding/hex"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"github.com/sugawarayuuta/sonnet"
	"golang.org/x/crypto/blake2b"

	"percpuslab/debug"
)

// Sample is one interval snapshot of the run.
type Sample struct {
	Seq           int    `json:"seq"`
	ElapsedMs     int64  `json:"elapsed_ms"`
	Pushes        int64  `json:"pushes"`
	Pops          int64  `json:"pops"`
	Misses        int64  `json:"misses"`
	Grows         int64  `json:"grows"`
	Drains        int64  `json:"drains"`
	ResidentBytes uint64 `json:"resident_bytes"`
}

// Report is the end-of-run summary.
type Report struct {
	Config      Config `json:"config"`
	Pushes      int64  `json:"pushes"`
	Pops        int64  `json:"pops"`
	Misses      int64  `json:"misses"`
	Grows       int64  `json:"grows"`
	Drains      int64  `json:"drains"`
	FlowIn      uint64 `json:"flow_in"`
	FlowOut     uint64 `json:"flow_out"`
	Conserved   bool   `json:"conserved"`
	Fingerprint string `json:"fingerprint"`
	Samples     int    `json:"samples"`
}

// buildReport closes the conservation ledger: every pointer that entered
// the cache must have left it through a pop or a drain, with matching sum
// and xor folds.
func buildReport(cfg Config, ctrs *counters, in, out flowAccum, samples int) Report {
	conserved := in.count == out.count && in.sum == out.sum && in.xor == out.xor

	var buf [48]byte
	binary.LittleEndian.PutUint64(buf[0:], in.count)
	binary.LittleEndian.PutUint64(buf[8:], in.sum)
	binary.LittleEndian.PutUint64(buf[16:], in.xor)
	binary.LittleEndian.PutUint64(buf[24:], out.count)
	binary.LittleEndian.PutUint64(buf[32:], out.sum)
	binary.LittleEndian.PutUint64(buf[40:], out.xor)
	digest := blake2b.Sum256(buf[:])

	return Report{
		Config:      cfg,
		Pushes:      ctrs.pushes.Load(),
		Pops:        ctrs.pops.Load(),
		Misses:      ctrs.misses.Load(),
		Grows:       ctrs.grows.Load(),
		Drains:      ctrs.drains.Load(),
		FlowIn:      in.count,
		FlowOut:     out.count,
		Conserved:   conserved,
		Fingerprint: hex.EncodeToString(digest[:16]),
		Samples:     samples,
	}
}

const schema = `
CREATE TABLE IF NOT EXISTS runs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    workers     INTEGER NOT NULL,
    shift       INTEGER NOT NULL,
    pushes      INTEGER NOT NULL,
    pops        INTEGER NOT NULL,
    misses      INTEGER NOT NULL,
    drains      INTEGER NOT NULL,
    conserved   INTEGER NOT NULL,
    fingerprint TEXT    NOT NULL
);
CREATE TABLE IF NOT EXISTS samples (
    run_id         INTEGER NOT NULL,
    seq            INTEGER NOT NULL,
    elapsed_ms     INTEGER NOT NULL,
    pushes         INTEGER NOT NULL,
    pops           INTEGER NOT NULL,
    misses         INTEGER NOT NULL,
    grows          INTEGER NOT NULL,
    drains         INTEGER NOT NULL,
    resident_bytes INTEGER NOT NULL,
    PRIMARY KEY (run_id, seq)
);`

// recordRun persists the report and its samples in one transaction.
func recordRun(path string, r Report, samples []Sample) error {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return err
	}
	defer db.Close()

	if _, err := db.Exec(schema); err != nil {
		return err
	}

	tx, err := db.Begin()
	if err != nil {
		return err
	}
	res, err := tx.Exec(
		`INSERT INTO runs (workers, shift, pushes, pops, misses, drains, conserved, fingerprint)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		r.Config.Workers, r.Config.Shift, r.Pushes, r.Pops, r.Misses, r.Drains,
		boolToInt(r.Conserved), r.Fingerprint)
	if err != nil {
		tx.Rollback()
		return err
	}
	runID, err := res.LastInsertId()
	if err != nil {
		tx.Rollback()
		return err
	}

	stmt, err := tx.Prepare(
		`INSERT INTO samples (run_id, seq, elapsed_ms, pushes, pops, misses, grows, drains, resident_bytes)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		tx.Rollback()
		return err
	}
	for _, s := range samples {
		if _, err := stmt.Exec(runID, s.Seq, s.ElapsedMs, s.Pushes, s.Pops,
			s.Misses, s.Grows, s.Drains, int64(s.ResidentBytes)); err != nil {
			stmt.Close()
			tx.Rollback()
			return err
		}
	}
	stmt.Close()
	return tx.Commit()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

// printReport writes the JSON summary to stdout.
func printReport(r Report) {
	out, err := sonnet.MarshalIndent(r, "", "  ")
	if err != nil {
		debug.DropError("REPORT", err)
		return
	}
	os.Stdout.Write(out)
	os.Stdout.Write([]byte("\n"))
}
