package barrier

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestBarrier_ReleasesAllPartiesEachRound(t *testing.T) {
	const parties = 5
	const rounds = 50
	b := New(parties)

	var phase atomic.Int64
	var wg sync.WaitGroup
	errs := make(chan error, parties*rounds)
	for p := 0; p < parties; p++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for r := 0; r < rounds; r++ {
				// Nobody may observe a round counter ahead of its own round.
				if got := phase.Load(); got > int64(r)*parties+parties {
					errs <- errors.New("party ran ahead of the barrier")
				}
				phase.Add(1)
				if err := b.Wait(); err != nil {
					errs <- err
					return
				}
			}
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		t.Fatal(err)
	}
	if got := phase.Load(); got != parties*rounds {
		t.Fatalf("phase=%d want %d", got, parties*rounds)
	}
}

func TestBarrier_BreakReleasesWaiters(t *testing.T) {
	b := New(3)
	boom := errors.New("boom")

	done := make(chan error, 2)
	for i := 0; i < 2; i++ {
		go func() { done <- b.Wait() }()
	}
	for b.Waiting() != 2 {
		time.Sleep(time.Millisecond)
	}
	b.Break(boom)
	for i := 0; i < 2; i++ {
		if err := <-done; !errors.Is(err, boom) {
			t.Fatalf("waiter err=%v want boom", err)
		}
	}
	if err := b.Wait(); !errors.Is(err, boom) {
		t.Fatalf("wait after break err=%v want boom", err)
	}
	if !errors.Is(b.Err(), boom) {
		t.Fatalf("Err()=%v", b.Err())
	}
}

func TestBarrier_WaitTimeoutBreaks(t *testing.T) {
	b := New(2)
	other := make(chan error, 1)

	if err := b.WaitTimeout(20 * time.Millisecond); !errors.Is(err, ErrTimeout) {
		t.Fatalf("err=%v want ErrTimeout", err)
	}
	go func() { other <- b.Wait() }()
	if err := <-other; !errors.Is(err, ErrTimeout) {
		t.Fatalf("late waiter err=%v want ErrTimeout", err)
	}
}

func TestBarrier_WaitTimeoutCompletes(t *testing.T) {
	b := New(2)
	go func() { _ = b.Wait() }()
	if err := b.WaitTimeout(time.Second); err != nil {
		t.Fatalf("err=%v", err)
	}
	if b.Err() != nil {
		t.Fatalf("barrier broken after a completed round")
	}
}

func TestBarrier_SingleParty(t *testing.T) {
	b := New(0)
	if b.Parties() != 1 {
		t.Fatalf("parties=%d want 1", b.Parties())
	}
	for i := 0; i < 3; i++ {
		if err := b.Wait(); err != nil {
			t.Fatalf("wait: %v", err)
		}
	}
}
