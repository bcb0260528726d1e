package playback_test

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kineo-ai/kineo/pkg/audio"
	"github.com/kineo-ai/kineo/pkg/audio/mock"
	"github.com/kineo-ai/kineo/pkg/audio/playback"
)

// mono returns a 24 kHz mono buffer of the given length.
func mono(d time.Duration) *audio.Buffer {
	n := int(d * 24000 / time.Second)
	return &audio.Buffer{SampleRate: 24000, Channels: [][]float32{make([]float32, n)}}
}

func TestScheduler_BackToBack(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	out.SetNow(10 * time.Second)
	s := playback.New(out)

	start1, err := s.Enqueue(mono(time.Second))
	if err != nil {
		t.Fatalf("Enqueue 1: %v", err)
	}
	out.SetNow(10*time.Second + 200*time.Millisecond)
	start2, err := s.Enqueue(mono(1500 * time.Millisecond))
	if err != nil {
		t.Fatalf("Enqueue 2: %v", err)
	}

	if start1 != 10*time.Second {
		t.Errorf("start1 = %v, want 10s", start1)
	}
	if start2 != 11*time.Second {
		t.Errorf("start2 = %v, want 11s", start2)
	}
	if got := s.Cursor(); got != 12500*time.Millisecond {
		t.Errorf("cursor = %v, want 12.5s", got)
	}
	if s.Len() != 2 {
		t.Errorf("Len = %d, want 2", s.Len())
	}
}

func TestScheduler_LateChunkStartsNow(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)

	if _, err := s.Enqueue(mono(500 * time.Millisecond)); err != nil {
		t.Fatal(err)
	}
	// Clock passes the cursor: the queue underran.
	out.SetNow(2 * time.Second)
	start, err := s.Enqueue(mono(500 * time.Millisecond))
	if err != nil {
		t.Fatal(err)
	}
	if start != 2*time.Second {
		t.Errorf("start = %v, want 2s (now, not the stale cursor)", start)
	}
}

func TestScheduler_OrderingInvariant(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)

	durations := []time.Duration{
		40 * time.Millisecond, 170 * time.Millisecond, 0, 1 * time.Second,
		85 * time.Millisecond, 300 * time.Millisecond, 2 * time.Millisecond,
	}
	for i, d := range durations {
		// Clock drifts at different speeds relative to the enqueue rate.
		out.Advance(time.Duration(i*i) * 30 * time.Millisecond)
		if _, err := s.Enqueue(mono(d)); err != nil {
			t.Fatal(err)
		}
	}

	sched := s.Schedule()
	for i := 1; i < len(sched); i++ {
		prevEnd := sched[i-1][1]
		start := sched[i][0]
		if start < prevEnd {
			t.Errorf("item %d starts at %v before previous end %v", i, start, prevEnd)
		}
	}
	if last := sched[len(sched)-1][1]; s.Cursor() != last {
		t.Errorf("cursor = %v, want last end %v", s.Cursor(), last)
	}
}

func TestScheduler_FlushIdempotent(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)
	for range 3 {
		if _, err := s.Enqueue(mono(time.Second)); err != nil {
			t.Fatal(err)
		}
	}

	if n := s.Flush(); n != 3 {
		t.Errorf("first Flush = %d, want 3", n)
	}
	if n := s.Flush(); n != 0 {
		t.Errorf("second Flush = %d, want 0", n)
	}
	if s.Len() != 0 || s.Cursor() != 0 {
		t.Errorf("after flush Len=%d Cursor=%v, want 0/0", s.Len(), s.Cursor())
	}
	for i, p := range out.Plays {
		if !p.Voice.Stopped() {
			t.Errorf("voice %d not stopped", i)
		}
		if p.Voice.CallCountStop != 1 {
			t.Errorf("voice %d stopped %d times, want 1", i, p.Voice.CallCountStop)
		}
	}
}

func TestScheduler_FlushResetsCursorToNow(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	out.SetNow(5 * time.Second)
	s := playback.New(out)
	if _, err := s.Enqueue(mono(3 * time.Second)); err != nil {
		t.Fatal(err)
	}
	s.Flush()

	out.SetNow(5*time.Second + 100*time.Millisecond)
	start, err := s.Enqueue(mono(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if start != 5*time.Second+100*time.Millisecond {
		t.Errorf("start after flush = %v, want now", start)
	}
}

func TestScheduler_NaturalEndAndDrain(t *testing.T) {
	t.Parallel()

	var speaking, drained atomic.Int32
	out := &mock.Output{}
	s := playback.New(out,
		playback.WithOnSpeaking(func() { speaking.Add(1) }),
		playback.WithOnDrained(func() { drained.Add(1) }),
	)
	for range 2 {
		if _, err := s.Enqueue(mono(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	if speaking.Load() != 2 {
		t.Errorf("OnSpeaking fired %d times, want 2", speaking.Load())
	}

	out.Finish(0)
	if s.Len() != 1 {
		t.Errorf("Len after first end = %d, want 1", s.Len())
	}
	if drained.Load() != 0 {
		t.Error("OnDrained fired with items still queued")
	}
	out.Finish(1)
	if s.Len() != 0 {
		t.Errorf("Len after second end = %d, want 0", s.Len())
	}
	if drained.Load() != 1 {
		t.Errorf("OnDrained fired %d times, want 1", drained.Load())
	}
}

func TestScheduler_StaleCompletionIgnored(t *testing.T) {
	t.Parallel()

	var drained atomic.Int32
	out := &mock.Output{}
	s := playback.New(out, playback.WithOnDrained(func() { drained.Add(1) }))

	if _, err := s.Enqueue(mono(time.Second)); err != nil {
		t.Fatal(err)
	}
	s.Flush()
	if _, err := s.Enqueue(mono(time.Second)); err != nil {
		t.Fatal(err)
	}

	// The flushed buffer reports its end late; the new buffer must survive.
	out.FinishStale(0)
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
	if drained.Load() != 0 {
		t.Error("stale completion fired OnDrained")
	}
}

func TestScheduler_ToolCallBatchDuringPlayback(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)
	for range 3 {
		if _, err := s.Enqueue(mono(time.Second)); err != nil {
			t.Fatal(err)
		}
	}
	out.SetNow(700 * time.Millisecond)

	// A tool-call batch arrives: queued speech is cut before dispatch.
	if n := s.Flush(); n != 3 {
		t.Fatalf("Flush = %d, want 3", n)
	}
	start, err := s.Enqueue(mono(time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if start != 700*time.Millisecond {
		t.Errorf("post-tool start = %v, want 700ms", start)
	}
}

func TestScheduler_PlayErrorLeavesStateUntouched(t *testing.T) {
	t.Parallel()

	out := &mock.Output{PlayError: mock.ErrOutputClosed}
	s := playback.New(out)
	if _, err := s.Enqueue(mono(time.Second)); err == nil {
		t.Fatal("expected error")
	}
	if s.Len() != 0 || s.Cursor() != 0 {
		t.Errorf("Len=%d Cursor=%v after failed play", s.Len(), s.Cursor())
	}
}

func TestScheduler_Close(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)
	if _, err := s.Enqueue(mono(time.Second)); err != nil {
		t.Fatal(err)
	}
	s.Close()
	s.Close()
	if _, err := s.Enqueue(mono(time.Second)); err != playback.ErrClosed {
		t.Errorf("Enqueue after Close err = %v, want ErrClosed", err)
	}
	if !out.Plays[0].Voice.Stopped() {
		t.Error("Close did not stop queued voice")
	}
}

func TestScheduler_ConcurrentEnqueueFlush(t *testing.T) {
	t.Parallel()

	out := &mock.Output{}
	s := playback.New(out)

	var wg sync.WaitGroup
	for range 8 {
		wg.Go(func() {
			for range 50 {
				_, _ = s.Enqueue(mono(10 * time.Millisecond))
			}
		})
	}
	wg.Go(func() {
		for range 50 {
			s.Flush()
		}
	})
	wg.Wait()

	sched := s.Schedule()
	for i := 1; i < len(sched); i++ {
		if sched[i][0] < sched[i-1][1] {
			t.Fatalf("overlap at %d: %v", i, sched)
		}
	}
}
