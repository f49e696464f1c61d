package indexdb

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite"

	"mobsim.ai/internal/sim/kernel"
)

// SQLiteIndex is a queryable secondary index of a run. Writes are queued and
// applied by a single goroutine in batched transactions; a full queue drops
// the entry instead of stalling the tick loop. The JSONL tick log stays the
// source of truth.
type SQLiteIndex struct {
	db *sql.DB

	ch   chan kernel.TickLogEntry
	wg   sync.WaitGroup
	once sync.Once

	closed atomic.Bool

	dropTicks    atomic.Uint64
	writtenTicks atomic.Uint64
	failedTicks  atomic.Uint64
}

type Stats struct {
	QueueDepth    int    `json:"queue_depth"`
	QueueCapacity int    `json:"queue_capacity"`
	DropTickTotal uint64 `json:"drop_tick_total"`
	WrittenTotal  uint64 `json:"written_total"`
	FailTotal     uint64 `json:"fail_total"`
}

const defaultQueue = 16384

func OpenSQLite(path string) (*SQLiteIndex, error) {
	return openSQLite(path, defaultQueue)
}

func openSQLite(path string, queue int) (*SQLiteIndex, error) {
	if path == "" {
		return nil, fmt.Errorf("empty db path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, err
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	if err := initPragmas(db); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := initSchema(db); err != nil {
		_ = db.Close()
		return nil, err
	}

	s := &SQLiteIndex{
		db: db,
		ch: make(chan kernel.TickLogEntry, queue),
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.loop()
	}()
	return s, nil
}

func initPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA synchronous=NORMAL;",
		"PRAGMA foreign_keys=ON;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA temp_store=MEMORY;",
	}
	for _, p := range pragmas {
		if _, err := db.Exec(p); err != nil {
			return err
		}
	}
	return nil
}

func initSchema(db *sql.DB) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS ticks (
			frame INTEGER PRIMARY KEY,
			ms INTEGER NOT NULL,
			population INTEGER NOT NULL,
			scheduled INTEGER NOT NULL,
			created INTEGER NOT NULL,
			removed INTEGER NOT NULL,
			migrated INTEGER NOT NULL,
			faults INTEGER NOT NULL,
			delivered INTEGER NOT NULL,
			dropped INTEGER NOT NULL,
			digest TEXT NOT NULL
		);`,
		`CREATE TABLE IF NOT EXISTS agents (
			id INTEGER PRIMARY KEY,
			parent INTEGER NOT NULL,
			kind TEXT NOT NULL,
			created_frame INTEGER NOT NULL,
			removed_frame INTEGER
		);`,
		`CREATE INDEX IF NOT EXISTS idx_agents_kind ON agents(kind);`,
		`CREATE TABLE IF NOT EXISTS records (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			agent INTEGER NOT NULL,
			kind TEXT NOT NULL,
			data_json TEXT NOT NULL,
			PRIMARY KEY (frame, seq)
		);`,
		`CREATE INDEX IF NOT EXISTS idx_records_kind_frame ON records(kind, frame);`,
		`CREATE INDEX IF NOT EXISTS idx_records_agent_frame ON records(agent, frame);`,
		`CREATE TABLE IF NOT EXISTS faults (
			frame INTEGER NOT NULL,
			seq INTEGER NOT NULL,
			agent INTEGER NOT NULL,
			kind TEXT NOT NULL,
			phase TEXT NOT NULL,
			err TEXT NOT NULL,
			PRIMARY KEY (frame, seq)
		);`,
	}
	for _, s := range stmts {
		if _, err := db.Exec(s); err != nil {
			return err
		}
	}
	return nil
}

func (s *SQLiteIndex) Close() error {
	var err error
	s.once.Do(func() {
		s.closed.Store(true)
		close(s.ch)
		s.wg.Wait()
		err = s.db.Close()
	})
	return err
}

// WriteTick queues entry without blocking. It implements kernel.TickSink.
func (s *SQLiteIndex) WriteTick(entry kernel.TickLogEntry) error {
	if s == nil || s.closed.Load() {
		return nil
	}
	select {
	case s.ch <- entry:
	default:
		s.dropTicks.Add(1)
	}
	return nil
}

func (s *SQLiteIndex) Stats() Stats {
	if s == nil {
		return Stats{}
	}
	return Stats{
		QueueDepth:    len(s.ch),
		QueueCapacity: cap(s.ch),
		DropTickTotal: s.dropTicks.Load(),
		WrittenTotal:  s.writtenTicks.Load(),
		FailTotal:     s.failedTicks.Load(),
	}
}

// UpsertRun stores run metadata: an id, the effective configuration (any
// JSON-encodable value) and its digest.
func (s *SQLiteIndex) UpsertRun(runID string, config any) error {
	if s == nil {
		return nil
	}
	b, err := json.Marshal(config)
	if err != nil {
		return err
	}
	sum := sha256.Sum256(b)

	tx, err := s.db.BeginTx(context.Background(), nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.Prepare(`INSERT OR REPLACE INTO meta(key,value) VALUES(?,?)`)
	if err != nil {
		return err
	}
	defer stmt.Close()
	for _, kv := range [][2]string{
		{"schema_version", "1"},
		{"run_id", runID},
		{"config", string(b)},
		{"config_digest", hex.EncodeToString(sum[:])},
		{"started_at", time.Now().UTC().Format(time.RFC3339Nano)},
	} {
		if _, err := stmt.Exec(kv[0], kv[1]); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SQLiteIndex) loop() {
	ctx := context.Background()

	insertTick, _ := s.db.Prepare(`INSERT OR REPLACE INTO ticks(frame,ms,population,scheduled,created,removed,migrated,faults,delivered,dropped,digest) VALUES(?,?,?,?,?,?,?,?,?,?,?)`)
	insertAgent, _ := s.db.Prepare(`INSERT OR REPLACE INTO agents(id,parent,kind,created_frame) VALUES(?,?,?,?)`)
	removeAgent, _ := s.db.Prepare(`UPDATE agents SET removed_frame=? WHERE id=?`)
	swapAgent, _ := s.db.Prepare(`UPDATE agents SET kind=? WHERE id=?`)
	insertRecord, _ := s.db.Prepare(`INSERT OR REPLACE INTO records(frame,seq,agent,kind,data_json) VALUES(?,?,?,?,?)`)
	insertFault, _ := s.db.Prepare(`INSERT OR REPLACE INTO faults(frame,seq,agent,kind,phase,err) VALUES(?,?,?,?,?,?)`)
	defer func() {
		for _, st := range []*sql.Stmt{insertTick, insertAgent, removeAgent, swapAgent, insertRecord, insertFault} {
			if st != nil {
				_ = st.Close()
			}
		}
	}()

	var (
		tx            *sql.Tx
		opCount       int
		pending       int
		lastCommit    = time.Now()
		commitEvery   = 2000
		commitMaxWait = 2 * time.Second
	)

	begin := func() {
		if tx != nil {
			return
		}
		txx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			time.Sleep(50 * time.Millisecond)
			return
		}
		tx = txx
		opCount = 0
		lastCommit = time.Now()
	}
	// Ticks are counted as written only once their transaction commits.
	commit := func() {
		if tx == nil {
			return
		}
		if err := tx.Commit(); err != nil {
			s.failedTicks.Add(uint64(pending))
		} else {
			s.writtenTicks.Add(uint64(pending))
		}
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	rollback := func() {
		if tx == nil {
			return
		}
		_ = tx.Rollback()
		s.failedTicks.Add(uint64(pending))
		tx = nil
		opCount = 0
		pending = 0
		lastCommit = time.Now()
	}
	exec := func(st *sql.Stmt, args ...any) bool {
		if st == nil {
			return false
		}
		if _, err := tx.Stmt(st).Exec(args...); err != nil {
			return false
		}
		opCount++
		return true
	}

	for e := range s.ch {
		begin()
		if tx == nil {
			s.failedTicks.Add(1)
			continue
		}
		// Each tick runs under a savepoint so a failing tick does not take
		// the rest of the batch down with it.
		if _, err := tx.ExecContext(ctx, "SAVEPOINT tick"); err != nil {
			rollback()
			s.failedTicks.Add(1)
			continue
		}
		frame := int64(e.Frame)
		ok := exec(insertTick, frame, int64(e.Ms), e.Population, e.Scheduled,
			len(e.Created), len(e.Removed), len(e.Migrated), len(e.Faults),
			e.Messages.Delivered, e.Messages.Dropped, e.Digest)
		for _, c := range e.Created {
			ok = ok && exec(insertAgent, int64(c.Agent), int64(c.Parent), c.Kind, frame)
		}
		for _, sw := range e.Swapped {
			ok = ok && exec(swapAgent, sw.To, int64(sw.Agent))
		}
		for _, id := range e.Removed {
			ok = ok && exec(removeAgent, frame, int64(id))
		}
		for i, r := range e.Records {
			data, _ := json.Marshal(r.Data)
			ok = ok && exec(insertRecord, frame, i, int64(r.Agent), r.Kind, string(data))
		}
		for i, f := range e.Faults {
			ok = ok && exec(insertFault, frame, i, int64(f.Agent), f.Kind, string(f.Phase), f.Err)
		}
		if !ok {
			s.failedTicks.Add(1)
			if _, err := tx.ExecContext(ctx, "ROLLBACK TO tick"); err != nil {
				rollback()
				continue
			}
			if _, err := tx.ExecContext(ctx, "RELEASE tick"); err != nil {
				rollback()
			}
			continue
		}
		if _, err := tx.ExecContext(ctx, "RELEASE tick"); err != nil {
			s.failedTicks.Add(1)
			rollback()
			continue
		}
		pending++
		if opCount >= commitEvery || time.Since(lastCommit) >= commitMaxWait {
			commit()
		}
	}

	commit()
}
