package indexdb

import (
	"database/sql"
	"fmt"
	"path/filepath"
)

// Reader runs the read-side queries used by the admin tool. It can be opened
// while a run is still writing (WAL).
type Reader struct {
	db *sql.DB
}

func OpenReader(path string) (*Reader, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return &Reader{db: db}, nil
}

func (r *Reader) Close() error { return r.db.Close() }

type TickRow struct {
	Frame      uint64 `json:"frame"`
	Ms         uint64 `json:"ms"`
	Population int    `json:"population"`
	Scheduled  int    `json:"scheduled"`
	Created    int    `json:"created"`
	Removed    int    `json:"removed"`
	Migrated   int    `json:"migrated"`
	Faults     int    `json:"faults"`
	Delivered  int    `json:"delivered"`
	Dropped    int    `json:"dropped"`
	Digest     string `json:"digest"`
}

type RecordRow struct {
	Frame uint64 `json:"frame"`
	Agent uint64 `json:"agent"`
	Kind  string `json:"kind"`
	Data  string `json:"data"`
}

type FaultRow struct {
	Frame uint64 `json:"frame"`
	Agent uint64 `json:"agent"`
	Kind  string `json:"kind"`
	Phase string `json:"phase"`
	Err   string `json:"err"`
}

type KindCount struct {
	Kind    string `json:"kind"`
	Created int    `json:"created"`
	Live    int    `json:"live"`
}

func (r *Reader) Meta(key string) (string, error) {
	var v string
	err := r.db.QueryRow(`SELECT value FROM meta WHERE key=?`, key).Scan(&v)
	if err == sql.ErrNoRows {
		return "", nil
	}
	return v, err
}

// Ticks returns ticks in [from, to] (to==0 means open-ended), newest first.
func (r *Reader) Ticks(from, to uint64, limit int) ([]TickRow, error) {
	if to == 0 {
		to = 1<<63 - 1
	}
	rows, err := r.db.Query(`SELECT frame,ms,population,scheduled,created,removed,migrated,faults,delivered,dropped,digest
		FROM ticks WHERE frame BETWEEN ? AND ? ORDER BY frame DESC LIMIT ?`, int64(from), int64(to), limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("query ticks: %w", err)
	}
	defer rows.Close()
	var out []TickRow
	for rows.Next() {
		var t TickRow
		if err := rows.Scan(&t.Frame, &t.Ms, &t.Population, &t.Scheduled, &t.Created, &t.Removed, &t.Migrated, &t.Faults, &t.Delivered, &t.Dropped, &t.Digest); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// Records filters finalize output by kind and/or agent (zero values match all).
func (r *Reader) Records(kind string, agent uint64, limit int) ([]RecordRow, error) {
	rows, err := r.db.Query(`SELECT frame,agent,kind,data_json FROM records
		WHERE (?='' OR kind=?) AND (?=0 OR agent=?)
		ORDER BY frame DESC, seq DESC LIMIT ?`, kind, kind, int64(agent), int64(agent), limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("query records: %w", err)
	}
	defer rows.Close()
	var out []RecordRow
	for rows.Next() {
		var rr RecordRow
		if err := rows.Scan(&rr.Frame, &rr.Agent, &rr.Kind, &rr.Data); err != nil {
			return nil, err
		}
		out = append(out, rr)
	}
	return out, rows.Err()
}

func (r *Reader) Faults(limit int) ([]FaultRow, error) {
	rows, err := r.db.Query(`SELECT frame,agent,kind,phase,err FROM faults ORDER BY frame DESC, seq DESC LIMIT ?`, limitOr(limit))
	if err != nil {
		return nil, fmt.Errorf("query faults: %w", err)
	}
	defer rows.Close()
	var out []FaultRow
	for rows.Next() {
		var f FaultRow
		if err := rows.Scan(&f.Frame, &f.Agent, &f.Kind, &f.Phase, &f.Err); err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// Kinds summarizes the population by (current) role kind.
func (r *Reader) Kinds() ([]KindCount, error) {
	rows, err := r.db.Query(`SELECT kind, COUNT(*), SUM(CASE WHEN removed_frame IS NULL THEN 1 ELSE 0 END)
		FROM agents GROUP BY kind ORDER BY kind`)
	if err != nil {
		return nil, fmt.Errorf("query agents: %w", err)
	}
	defer rows.Close()
	var out []KindCount
	for rows.Next() {
		var k KindCount
		if err := rows.Scan(&k.Kind, &k.Created, &k.Live); err != nil {
			return nil, err
		}
		out = append(out, k)
	}
	return out, rows.Err()
}

func limitOr(n int) int {
	if n <= 0 {
		return 20
	}
	return n
}

// RunPath is where a run directory keeps its index.
func RunPath(runDir string) string { return filepath.Join(runDir, "index", "run.sqlite") }
