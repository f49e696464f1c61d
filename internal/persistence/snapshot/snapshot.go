// Package snapshot writes periodic population snapshots of a run: who exists,
// which worker owns them, where they are. Snapshots are for inspection; a run
// is reproduced from its manifest, not resumed from a snapshot.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/klauspost/compress/zstd"

	"mobsim.ai/internal/sim/kernel"
)

const Version = 1

type Header struct {
	Version int    `json:"version"`
	RunID   string `json:"run_id"`
	Frame   uint64 `json:"frame"`
	Ms      uint64 `json:"ms"`
	Digest  string `json:"digest"`
	Agents  int    `json:"agents"`
}

type SnapshotV1 struct {
	Header  Header
	Workers int
	Agents  []AgentV1
}

type AgentV1 struct {
	ID          uint64
	Parent      uint64
	Kind        string
	State       string
	Worker      int
	Granularity uint32
	Offset      uint32
	StartFrame  uint64
	Link        uint32
	LinkOffset  float64
	Flags       uint32
}

// Capture copies g's committed population. It must run on the scheduler
// goroutine between ticks (a TickSink qualifies).
func Capture(g *kernel.WorkGroup, runID string, e kernel.TickLogEntry) SnapshotV1 {
	all := g.Agents()
	snap := SnapshotV1{
		Header: Header{
			Version: Version,
			RunID:   runID,
			Frame:   e.Frame,
			Ms:      e.Ms,
			Digest:  e.Digest,
			Agents:  len(all),
		},
		Workers: len(g.Workers()),
		Agents:  make([]AgentV1, 0, len(all)),
	}
	for _, a := range all {
		gran, off := a.Granularity()
		pos := a.Pos.Get()
		snap.Agents = append(snap.Agents, AgentV1{
			ID:          uint64(a.ID()),
			Parent:      uint64(a.Parent()),
			Kind:        a.Kind(),
			State:       a.State().String(),
			Worker:      a.Worker(),
			Granularity: gran,
			Offset:      off,
			StartFrame:  a.StartFrame(),
			Link:        uint32(pos.Link),
			LinkOffset:  pos.Offset,
			Flags:       a.Flags.Get(),
		})
	}
	return snap
}

func WriteSnapshot(path string, snap SnapshotV1) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	defer enc.Close()

	bw := bufio.NewWriterSize(enc, 256*1024)
	defer bw.Flush()

	hb, _ := json.Marshal(snap.Header)
	if _, err := bw.Write(hb); err != nil {
		return err
	}
	if err := bw.WriteByte('\n'); err != nil {
		return err
	}

	if err := gob.NewEncoder(bw).Encode(&snap); err != nil {
		return fmt.Errorf("gob encode: %w", err)
	}
	return nil
}

func ReadSnapshot(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	f, err := os.Open(path)
	if err != nil {
		return snap, err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return snap, err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)

	// The JSON header line is for tools that only need the summary.
	if _, err := br.ReadBytes('\n'); err != nil {
		return snap, fmt.Errorf("read header: %w", err)
	}
	if err := gob.NewDecoder(br).Decode(&snap); err != nil {
		return snap, fmt.Errorf("gob decode: %w", err)
	}
	if snap.Header.Version != Version {
		return snap, fmt.Errorf("snapshot version %d not supported", snap.Header.Version)
	}
	return snap, nil
}

// PathFor names the snapshot of frame inside runDir.
func PathFor(runDir string, frame uint64) string {
	return filepath.Join(runDir, "snapshots", fmt.Sprintf("%d.snap.zst", frame))
}

// List returns the frames that have a snapshot in runDir, ascending.
func List(runDir string) ([]uint64, error) {
	ents, err := os.ReadDir(filepath.Join(runDir, "snapshots"))
	if err != nil {
		return nil, err
	}
	var frames []uint64
	for _, e := range ents {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".snap.zst") {
			continue
		}
		f, err := strconv.ParseUint(strings.TrimSuffix(name, ".snap.zst"), 10, 64)
		if err != nil {
			continue
		}
		frames = append(frames, f)
	}
	sort.Slice(frames, func(i, j int) bool { return frames[i] < frames[j] })
	return frames, nil
}

// Writer is a kernel.TickSink that captures a snapshot every N ticks and
// writes it off the scheduler goroutine. When the writer falls behind,
// snapshots are skipped rather than stalling the run.
type Writer struct {
	g      *kernel.WorkGroup
	runDir string
	runID  string
	every  uint64
	log    *log.Logger

	ch      chan SnapshotV1
	wg      sync.WaitGroup
	once    sync.Once
	closed  atomic.Bool
	written atomic.Uint64
	skipped atomic.Uint64
}

func NewWriter(g *kernel.WorkGroup, runDir, runID string, every uint64, logger *log.Logger) *Writer {
	if logger == nil {
		logger = log.New(os.Stderr, "[snapshot] ", log.LstdFlags)
	}
	w := &Writer{g: g, runDir: runDir, runID: runID, every: every, log: logger, ch: make(chan SnapshotV1, 2)}
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		for snap := range w.ch {
			path := PathFor(w.runDir, snap.Header.Frame)
			if err := WriteSnapshot(path, snap); err != nil {
				w.log.Printf("snapshot write: %v", err)
				continue
			}
			w.written.Add(1)
		}
	}()
	return w
}

func (w *Writer) WriteTick(e kernel.TickLogEntry) error {
	if w.every == 0 || (e.Frame+1)%w.every != 0 || w.closed.Load() {
		return nil
	}
	select {
	case w.ch <- Capture(w.g, w.runID, e):
	default:
		w.skipped.Add(1)
	}
	return nil
}

// Stats returns (written, skipped) snapshot counts.
func (w *Writer) Stats() (uint64, uint64) { return w.written.Load(), w.skipped.Load() }

// Close flushes queued snapshots.
func (w *Writer) Close() error {
	w.once.Do(func() {
		w.closed.Store(true)
		close(w.ch)
		w.wg.Wait()
	})
	return nil
}
