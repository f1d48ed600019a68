// Package journal persists received update transactions to SQLite. A
// Journal is an observer: each wire transaction becomes one database
// transaction, so a crash never leaves a half-applied batch visible.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"iter"
	"os"
	"path/filepath"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mithrel/updwire/pkg/observe"
	"github.com/mithrel/updwire/pkg/record"
)

var _ observe.Observer[record.Record] = (*Journal)(nil)

// ErrUnbalanced reports protocol-grammar misuse: updates or commit outside
// a started transaction, or a second start before commit. The receiver
// forwards whatever arrives; the journal is where grammar is enforced.
var ErrUnbalanced = errors.New("journal: unbalanced transaction marker")

// Journal writes received transactions to a SQLite database.
type Journal struct {
	ctx context.Context
	db  *sql.DB

	// Dispatch state. Observer calls arrive sequentially from the
	// receiver's background goroutine; no lock needed.
	tx      *sql.Tx
	txSeq   int64
	pending []record.Record
}

// Open connects to the journal database. dsn accepts the sqlite://path form
// or a bare file path; parent directories are created as needed.
func Open(ctx context.Context, dsn string) (*Journal, error) {
	path := strings.TrimPrefix(dsn, "sqlite://")
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			path = filepath.Join(home, path[2:])
		}
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, err
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA journal_mode=WAL;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.ExecContext(ctx, `PRAGMA foreign_keys=ON;`); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrate(ctx, db); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Journal{ctx: ctx, db: db}, nil
}

func migrate(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `
CREATE TABLE IF NOT EXISTS transactions (
  seq INTEGER PRIMARY KEY AUTOINCREMENT,
  started_at TIMESTAMP NOT NULL,
  committed_at TIMESTAMP,
  record_count INTEGER NOT NULL DEFAULT 0,
  digest TEXT NOT NULL DEFAULT ''
);
CREATE TABLE IF NOT EXISTS records (
  tx_seq INTEGER NOT NULL,
  idx INTEGER NOT NULL,
  op INTEGER NOT NULL,
  relation INTEGER NOT NULL,
  payload BLOB,
  PRIMARY KEY(tx_seq, idx),
  FOREIGN KEY(tx_seq) REFERENCES transactions(seq) ON DELETE CASCADE
);
CREATE TABLE IF NOT EXISTS stream (
  k TEXT PRIMARY KEY,
  v TEXT NOT NULL
);
`)
	return err
}

// Close rolls back any open transaction and closes the database.
func (j *Journal) Close() error {
	if j.tx != nil {
		_ = j.tx.Rollback()
		j.tx = nil
	}
	return j.db.Close()
}

// OnStart begins a database transaction for the incoming wire transaction.
func (j *Journal) OnStart() error {
	if j.tx != nil {
		return ErrUnbalanced
	}
	tx, err := j.db.BeginTx(j.ctx, nil)
	if err != nil {
		return err
	}
	res, err := tx.ExecContext(j.ctx,
		`INSERT INTO transactions(started_at) VALUES(?)`, time.Now().UTC())
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	seq, err := res.LastInsertId()
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	j.tx = tx
	j.txSeq = seq
	j.pending = j.pending[:0]
	return nil
}

// OnUpdates stages the batch inside the open database transaction.
func (j *Journal) OnUpdates(updates iter.Seq[record.Record]) error {
	if j.tx == nil {
		return ErrUnbalanced
	}
	for rec := range updates {
		idx := len(j.pending)
		if _, err := j.tx.ExecContext(j.ctx,
			`INSERT INTO records(tx_seq, idx, op, relation, payload) VALUES(?,?,?,?,?)`,
			j.txSeq, idx, uint8(rec.Op), rec.Relation, rec.Payload); err != nil {
			return err
		}
		j.pending = append(j.pending, rec)
	}
	return nil
}

// OnCommit seals the transaction row with count and digest, then commits.
func (j *Journal) OnCommit() error {
	if j.tx == nil {
		return ErrUnbalanced
	}
	if _, err := j.tx.ExecContext(j.ctx,
		`UPDATE transactions SET committed_at=?, record_count=?, digest=? WHERE seq=?`,
		time.Now().UTC(), len(j.pending), record.Digest(j.pending), j.txSeq); err != nil {
		return err
	}
	err := j.tx.Commit()
	j.tx = nil
	j.pending = nil
	return err
}

// OnCompleted marks the stream finished. A transaction still open at this
// point was never committed by the sender and is rolled back.
func (j *Journal) OnCompleted() error {
	if j.tx != nil {
		_ = j.tx.Rollback()
		j.tx = nil
		j.pending = nil
	}
	_, err := j.db.ExecContext(j.ctx,
		`INSERT INTO stream(k, v) VALUES('completed_at', ?)
		 ON CONFLICT(k) DO UPDATE SET v=excluded.v`,
		time.Now().UTC().Format(time.RFC3339Nano))
	return err
}

// TxInfo is one committed transaction as recorded in the journal.
type TxInfo struct {
	Seq         int64
	StartedAt   time.Time
	CommittedAt time.Time
	RecordCount int
	Digest      string
}

// Transactions lists committed transactions in commit order.
func (j *Journal) Transactions(ctx context.Context) ([]TxInfo, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT seq, started_at, committed_at, record_count, digest
		 FROM transactions WHERE committed_at IS NOT NULL ORDER BY seq ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []TxInfo
	for rows.Next() {
		var t TxInfo
		if err := rows.Scan(&t.Seq, &t.StartedAt, &t.CommittedAt, &t.RecordCount, &t.Digest); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Records returns the records of one transaction in arrival order.
func (j *Journal) Records(ctx context.Context, txSeq int64) ([]record.Record, error) {
	rows, err := j.db.QueryContext(ctx,
		`SELECT op, relation, payload FROM records WHERE tx_seq=? ORDER BY idx ASC`, txSeq)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []record.Record
	for rows.Next() {
		var op uint8
		var rec record.Record
		if err := rows.Scan(&op, &rec.Relation, &rec.Payload); err != nil {
			return nil, err
		}
		rec.Op = record.Op(op)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// Completed reports whether the stream's end-of-stream marker was seen.
func (j *Journal) Completed(ctx context.Context) (bool, error) {
	var v string
	err := j.db.QueryRowContext(ctx,
		`SELECT v FROM stream WHERE k='completed_at'`).Scan(&v)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return v != "", nil
}
