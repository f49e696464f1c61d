package log

import (
	"os"
	"path/filepath"
	"testing"

	"mobsim.ai/internal/sim/kernel"
)

func TestTickLogger_RoundTripAcrossSegments(t *testing.T) {
	dir := t.TempDir()
	l := NewTickLogger(dir)

	frames := []uint64{0, 1, 3599, 3600, 3601, 7200}
	for _, f := range frames {
		e := kernel.TickLogEntry{Frame: f, Ms: f * 1000, Population: int(f % 7), Digest: "d"}
		if f == 1 {
			e.Records = []kernel.Record{{Agent: 4, Kind: "trip", Data: map[string]int{"links": 3}}}
		}
		if err := l.WriteTick(e); err != nil {
			t.Fatalf("write: %v", err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	files, err := ListFiles(filepath.Join(dir, "ticks"), "ticks")
	if err != nil {
		t.Fatal(err)
	}
	if len(files) != 3 {
		t.Fatalf("files=%v want 3 segments", files)
	}

	var got []uint64
	err = ReadTicks(dir, func(e kernel.TickLogEntry) error {
		got = append(got, e.Frame)
		if e.Frame == 1 && (len(e.Records) != 1 || e.Records[0].Agent != 4 || e.Records[0].Kind != "trip") {
			t.Fatalf("records=%+v", e.Records)
		}
		return nil
	})
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	if len(got) != len(frames) {
		t.Fatalf("got %v want %v", got, frames)
	}
	for i := range frames {
		if got[i] != frames[i] {
			t.Fatalf("got %v want %v", got, frames)
		}
	}
}

func TestTickLogger_AppendsAfterReopen(t *testing.T) {
	dir := t.TempDir()
	for i := uint64(0); i < 2; i++ {
		l := NewTickLogger(dir)
		if err := l.WriteTick(kernel.TickLogEntry{Frame: i, Ms: i * 1000}); err != nil {
			t.Fatal(err)
		}
		if err := l.Close(); err != nil {
			t.Fatal(err)
		}
	}
	n := 0
	if err := ReadTicks(dir, func(kernel.TickLogEntry) error { n++; return nil }); err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("entries=%d want 2", n)
	}
}

func TestFaultLogger_OnlyFaults(t *testing.T) {
	dir := t.TempDir()
	l := NewFaultLogger(dir)
	if err := l.WriteTick(kernel.TickLogEntry{Frame: 1}); err != nil {
		t.Fatal(err)
	}
	if err := l.WriteTick(kernel.TickLogEntry{Frame: 2, Faults: []kernel.Fault{{Agent: 9, Phase: kernel.PhaseUpdate, Err: "x"}, {Agent: 10}}}); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}
	files, err := ListFiles(filepath.Join(dir, "faults"), "faults")
	if err != nil || len(files) != 1 {
		t.Fatalf("files=%v err=%v", files, err)
	}
	lines := 0
	if err := ScanFile(files[0], func([]byte) error { lines++; return nil }); err != nil {
		t.Fatal(err)
	}
	if lines != 2 {
		t.Fatalf("lines=%d want 2", lines)
	}
}

func TestReadTicks_Empty(t *testing.T) {
	dir := t.TempDir()
	if err := os.MkdirAll(filepath.Join(dir, "ticks"), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := ReadTicks(dir, func(kernel.TickLogEntry) error { return nil }); err == nil {
		t.Fatalf("expected error for an empty log dir")
	}
}
