package catalog

import (
	"database/sql"
	"fmt"
	"strconv"
	"time"

	_ "modernc.org/sqlite"
)

const imageSchema = `
CREATE TABLE objects (
	key INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	object_type TEXT NOT NULL,
	package TEXT NOT NULL,
	path TEXT NOT NULL,
	size INTEGER NOT NULL,
	mtime INTEGER NOT NULL,
	last_indexed INTEGER NOT NULL
);
CREATE TABLE meta (
	k TEXT PRIMARY KEY,
	v TEXT NOT NULL
);
`

const imageBatchSize = 10000

// WriteImage serializes s into a fresh SQLite database at dbPath.
func WriteImage(dbPath string, s *Snapshot) (err error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() {
		if cerr := db.Close(); err == nil && cerr != nil {
			err = cerr
		}
	}()
	db.SetMaxOpenConns(1)

	// The image is copied into the arena afterwards; no journal needed.
	for _, pragma := range []string{"PRAGMA synchronous = OFF", "PRAGMA journal_mode = OFF"} {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("%s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(imageSchema); err != nil {
		return fmt.Errorf("create schema: %w", err)
	}

	var (
		tx   *sql.Tx
		stmt *sql.Stmt
	)
	begin := func() error {
		var err error
		if tx, err = db.Begin(); err != nil {
			return err
		}
		stmt, err = tx.Prepare(`INSERT INTO objects
			(key, name, object_type, package, path, size, mtime, last_indexed)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
		return err
	}
	commit := func() error {
		_ = stmt.Close()
		return tx.Commit()
	}

	if err := begin(); err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	for i, r := range s.records {
		// SQLite integers are signed; the key round-trips through int64.
		if _, err := stmt.Exec(int64(r.Key()), r.Name, r.ObjectType, r.Package, r.Path,
			r.Size, r.ModTime.UnixNano(), r.LastIndexed.UnixNano()); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert %s: %w", r.Path, err)
		}
		if (i+1)%imageBatchSize == 0 {
			if err := commit(); err != nil {
				return fmt.Errorf("commit: %w", err)
			}
			if err := begin(); err != nil {
				return fmt.Errorf("begin: %w", err)
			}
		}
	}

	meta := map[string]string{
		"generation": strconv.FormatUint(s.generation, 10),
		"built_at":   strconv.FormatInt(s.meta.BuiltAt.UnixNano(), 10),
		"elapsed":    strconv.FormatInt(int64(s.meta.Elapsed), 10),
		"total":      strconv.Itoa(s.Total()),
	}
	for k, v := range meta {
		if _, err := tx.Exec(`INSERT INTO meta (k, v) VALUES (?, ?)`, k, v); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert meta %s: %w", k, err)
		}
	}
	if err := commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// ReadImage loads a snapshot written by WriteImage. The result is marked
// restored.
func ReadImage(dbPath string) (*Snapshot, error) {
	db, err := sql.Open("sqlite", dbPath+"?mode=ro")
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", dbPath, err)
	}
	defer func() { _ = db.Close() }()

	meta := make(map[string]string)
	mrows, err := db.Query(`SELECT k, v FROM meta`)
	if err != nil {
		return nil, fmt.Errorf("query meta: %w", err)
	}
	for mrows.Next() {
		var k, v string
		if err := mrows.Scan(&k, &v); err != nil {
			_ = mrows.Close()
			return nil, fmt.Errorf("scan meta: %w", err)
		}
		meta[k] = v
	}
	_ = mrows.Close()
	if err := mrows.Err(); err != nil {
		return nil, fmt.Errorf("iterate meta: %w", err)
	}

	rows, err := db.Query(`SELECT name, object_type, package, path, size, mtime, last_indexed FROM objects`)
	if err != nil {
		return nil, fmt.Errorf("query objects: %w", err)
	}
	defer func() { _ = rows.Close() }()

	byType := make(map[string][]Record)
	for rows.Next() {
		var (
			r            Record
			mtime, stamp int64
		)
		if err := rows.Scan(&r.Name, &r.ObjectType, &r.Package, &r.Path, &r.Size, &mtime, &stamp); err != nil {
			return nil, fmt.Errorf("scan row: %w", err)
		}
		r.ModTime = time.Unix(0, mtime).UTC()
		r.LastIndexed = time.Unix(0, stamp).UTC()
		byType[r.ObjectType] = append(byType[r.ObjectType], r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate rows: %w", err)
	}

	m := Meta{Restored: true}
	if v, err := strconv.ParseInt(meta["built_at"], 10, 64); err == nil {
		m.BuiltAt = time.Unix(0, v).UTC()
	}
	if v, err := strconv.ParseInt(meta["elapsed"], 10, 64); err == nil {
		m.Elapsed = time.Duration(v)
	}
	s := NewSnapshot(byType, m)
	if v, err := strconv.ParseUint(meta["generation"], 10, 64); err == nil {
		s.generation = v
	}
	if want, err := strconv.Atoi(meta["total"]); err == nil && want != s.Total() {
		return nil, fmt.Errorf("image holds %d objects, meta says %d", s.Total(), want)
	}
	return s, nil
}
