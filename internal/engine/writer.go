package engine

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/agentic-research/knowledge-services/api"
	_ "modernc.org/sqlite"
)

const shardSchema = `
CREATE TABLE IF NOT EXISTS objects (
	id TEXT PRIMARY KEY,
	title TEXT NOT NULL DEFAULT '',
	synopsis TEXT NOT NULL DEFAULT '',
	last_modified_date TEXT NOT NULL DEFAULT '',
	sequence_number INTEGER NOT NULL DEFAULT 0,
	record TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS object_tags (
	object_id TEXT NOT NULL,
	tag TEXT NOT NULL,
	PRIMARY KEY (tag, object_id)
) WITHOUT ROWID;
`

// ShardWriter builds a shard database. Records are inserted in batched
// transactions; Close commits the last batch and creates the indices.
type ShardWriter struct {
	mu        sync.Mutex
	db        *sql.DB
	tx        *sql.Tx
	stmtObj   *sql.Stmt
	stmtTag   *sql.Stmt
	batchSize int
	count     int
	written   int
}

// NewShardWriter creates (or extends) the shard at dbPath.
func NewShardWriter(dbPath string) (*ShardWriter, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	db.SetMaxOpenConns(1)

	if _, err := db.Exec("PRAGMA synchronous = OFF"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec("PRAGMA journal_mode = MEMORY"); err != nil {
		_ = db.Close()
		return nil, err
	}
	if _, err := db.Exec(shardSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create schema: %w", err)
	}

	w := &ShardWriter{db: db, batchSize: 5000}
	if err := w.beginTx(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return w, nil
}

func (w *ShardWriter) beginTx() error {
	var err error
	w.tx, err = w.db.Begin()
	if err != nil {
		return err
	}
	w.stmtObj, err = w.tx.Prepare(`
		INSERT OR REPLACE INTO objects (id, title, synopsis, last_modified_date, sequence_number, record)
		VALUES (?, ?, ?, ?, ?, ?)
	`)
	if err != nil {
		return err
	}
	w.stmtTag, err = w.tx.Prepare(`INSERT OR IGNORE INTO object_tags (object_id, tag) VALUES (?, ?)`)
	return err
}

func (w *ShardWriter) commitTx() error {
	if w.stmtObj != nil {
		_ = w.stmtObj.Close()
	}
	if w.stmtTag != nil {
		_ = w.stmtTag.Close()
	}
	return w.tx.Commit()
}

// Add writes one record. raw is the JSON stored verbatim; rec carries the
// fields that are indexed.
func (w *ShardWriter) Add(rec api.Record, raw []byte) error {
	if rec.ID == "" {
		return errors.New("record without id")
	}
	if raw == nil {
		var err error
		if raw, err = json.Marshal(rec); err != nil {
			return fmt.Errorf("marshal record %s: %w", rec.ID, err)
		}
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if _, err := w.stmtObj.Exec(rec.ID, rec.Title, rec.Synopsis, rec.LastModifiedDate, rec.SequenceNumber, string(raw)); err != nil {
		return fmt.Errorf("insert %s: %w", rec.ID, err)
	}
	for _, tag := range rec.Tags {
		if _, err := w.stmtTag.Exec(rec.ID, tag); err != nil {
			return fmt.Errorf("tag %s: %w", rec.ID, err)
		}
	}

	w.written++
	w.count++
	if w.count >= w.batchSize {
		if err := w.commitTx(); err != nil {
			return fmt.Errorf("commit batch: %w", err)
		}
		if err := w.beginTx(); err != nil {
			return fmt.Errorf("begin batch: %w", err)
		}
		w.count = 0
	}
	return nil
}

// AddJSON parses raw as an api.Record and stores it.
func (w *ShardWriter) AddJSON(raw []byte) error {
	var rec api.Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return fmt.Errorf("parse record: %w", err)
	}
	return w.Add(rec, raw)
}

// Written is the number of records added so far.
func (w *ShardWriter) Written() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.written
}

// Close commits pending records and closes the database.
func (w *ShardWriter) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := w.commitTx(); err != nil {
		_ = w.db.Close()
		return err
	}
	if _, err := w.db.Exec(`
		CREATE INDEX IF NOT EXISTS idx_objects_seq ON objects(sequence_number);
		CREATE INDEX IF NOT EXISTS idx_objects_date ON objects(last_modified_date);
	`); err != nil {
		_ = w.db.Close()
		return fmt.Errorf("create indices: %w", err)
	}
	return w.db.Close()
}
