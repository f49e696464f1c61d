package indexdb

import (
	"path/filepath"
	"testing"
	"time"

	"mobsim.ai/internal/sim/kernel"
	"mobsim.ai/internal/sim/kernel/msgbus"
)

func TestSQLiteIndex_QueueDropStats(t *testing.T) {
	s := &SQLiteIndex{ch: make(chan kernel.TickLogEntry, 1)}
	s.ch <- kernel.TickLogEntry{Frame: 1}

	_ = s.WriteTick(kernel.TickLogEntry{Frame: 2})
	_ = s.WriteTick(kernel.TickLogEntry{Frame: 3})

	st := s.Stats()
	if st.DropTickTotal != 2 {
		t.Fatalf("DropTickTotal=%d want=2", st.DropTickTotal)
	}
	if st.QueueDepth != 1 || st.QueueCapacity != 1 {
		t.Fatalf("queue stats mismatch: depth=%d cap=%d", st.QueueDepth, st.QueueCapacity)
	}
}

func TestSQLiteIndex_WriteAndQuery(t *testing.T) {
	path := filepath.Join(t.TempDir(), "index", "run.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.UpsertRun("run-1", map[string]int{"workers": 4}); err != nil {
		t.Fatalf("upsert run: %v", err)
	}

	entries := []kernel.TickLogEntry{
		{
			Frame: 0, Ms: 0, Population: 3, Scheduled: 3, Digest: "aa",
			Created: []kernel.Created{
				{Agent: 1, Kind: "wait_activity"},
				{Agent: 2, Kind: "driver"},
				{Agent: 3, Kind: "driver"},
			},
		},
		{
			Frame: 1, Ms: 1000, Population: 2, Scheduled: 3, Digest: "bb",
			Removed:  []kernel.ID{3},
			Swapped:  []kernel.RoleChange{{Agent: 1, From: "wait_activity", To: "passenger"}},
			Records:  []kernel.Record{{Agent: 3, Kind: "trip", Data: map[string]int{"links": 2}}},
			Faults:   []kernel.Fault{{Agent: 2, Kind: "driver", Phase: kernel.PhaseUpdate, Frame: 1, Err: "boom"}},
			Messages: msgbus.DispatchStats{Delivered: 4, Dropped: 1},
		},
	}
	for _, e := range entries {
		if err := s.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := s.Stats(); st.WrittenTotal != 2 || st.FailTotal != 0 {
		t.Fatalf("stats=%+v", st)
	}
	// Writes after close are ignored.
	if err := s.WriteTick(kernel.TickLogEntry{Frame: 9}); err != nil {
		t.Fatalf("write after close: %v", err)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()

	if id, err := r.Meta("run_id"); err != nil || id != "run-1" {
		t.Fatalf("run_id=%q err=%v", id, err)
	}
	ticks, err := r.Ticks(0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(ticks) != 2 || ticks[0].Frame != 1 || ticks[0].Delivered != 4 || ticks[0].Dropped != 1 || ticks[1].Created != 3 {
		t.Fatalf("ticks=%+v", ticks)
	}
	recs, err := r.Records("trip", 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(recs) != 1 || recs[0].Agent != 3 || recs[0].Data != `{"links":2}` {
		t.Fatalf("records=%+v", recs)
	}
	faults, err := r.Faults(10)
	if err != nil {
		t.Fatal(err)
	}
	if len(faults) != 1 || faults[0].Phase != "update" || faults[0].Err != "boom" {
		t.Fatalf("faults=%+v", faults)
	}
	kinds, err := r.Kinds()
	if err != nil {
		t.Fatal(err)
	}
	want := map[string][2]int{"driver": {2, 1}, "passenger": {1, 1}}
	if len(kinds) != len(want) {
		t.Fatalf("kinds=%+v", kinds)
	}
	for _, k := range kinds {
		if w := want[k.Kind]; w[0] != k.Created || w[1] != k.Live {
			t.Fatalf("kind %s: created=%d live=%d want %v", k.Kind, k.Created, k.Live, w)
		}
	}
}

func TestSQLiteIndex_WriteTickNeverBlocks(t *testing.T) {
	s, err := openSQLite(filepath.Join(t.TempDir(), "run.sqlite"), 1)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer s.Close()

	done := make(chan struct{})
	go func() {
		for i := 0; i < 1000; i++ {
			_ = s.WriteTick(kernel.TickLogEntry{Frame: uint64(i)})
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatalf("WriteTick blocked")
	}
}

func TestSQLiteIndex_FailedTickKeepsBatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "run.sqlite")
	s, err := OpenSQLite(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	// The writer is idle until the first WriteTick, so the trigger lands
	// before any transaction is open.
	if _, err := s.db.Exec(`CREATE TRIGGER reject_frame_2 BEFORE INSERT ON ticks
		WHEN NEW.frame = 2 BEGIN SELECT RAISE(ABORT, 'rejected'); END;`); err != nil {
		t.Fatalf("trigger: %v", err)
	}
	for f := uint64(1); f <= 3; f++ {
		if err := s.WriteTick(kernel.TickLogEntry{Frame: f, Ms: f * 1000, Digest: "d"}); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}
	if st := s.Stats(); st.WrittenTotal != 2 || st.FailTotal != 1 {
		t.Fatalf("stats=%+v want written=2 failed=1", st)
	}

	r, err := OpenReader(path)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	defer r.Close()
	ticks, err := r.Ticks(0, 0, 10)
	if err != nil {
		t.Fatal(err)
	}
	got := map[uint64]bool{}
	for _, tk := range ticks {
		got[tk.Frame] = true
	}
	if len(ticks) != 2 || !got[1] || !got[3] {
		t.Fatalf("ticks=%+v want frames 1 and 3", ticks)
	}
}
