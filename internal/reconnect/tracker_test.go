package reconnect

import (
	"errors"
	"testing"
	"time"

	"github.com/commonaid/realtime/internal/backoff"
)

func TestNextConsumesAttempts(t *testing.T) {
	tracker := NewTracker(backoff.ReconnectPolicy(), 5)

	expected := []time.Duration{
		2000 * time.Millisecond,
		4000 * time.Millisecond,
		8000 * time.Millisecond,
		16000 * time.Millisecond,
		16000 * time.Millisecond,
	}
	for i, want := range expected {
		attempt, delay, err := tracker.Next("conn-1")
		if err != nil {
			t.Fatalf("attempt %d: unexpected error %v", i+1, err)
		}
		if attempt != i+1 {
			t.Errorf("attempt number = %d, want %d", attempt, i+1)
		}
		if delay != want {
			t.Errorf("attempt %d delay = %v, want %v", i+1, delay, want)
		}
	}

	_, _, err := tracker.Next("conn-1")
	if !errors.Is(err, ErrExhausted) {
		t.Fatalf("sixth attempt error = %v, want ErrExhausted", err)
	}
}

func TestClearResetsSchedule(t *testing.T) {
	tracker := NewTracker(backoff.ReconnectPolicy(), 5)

	for i := 0; i < 5; i++ {
		if _, _, err := tracker.Next("conn-1"); err != nil {
			t.Fatal(err)
		}
	}
	tracker.Clear("conn-1")

	attempt, delay, err := tracker.Next("conn-1")
	if err != nil {
		t.Fatalf("unexpected error after clear: %v", err)
	}
	if attempt != 1 || delay != 2000*time.Millisecond {
		t.Errorf("after clear got attempt=%d delay=%v, want 1 and 2s", attempt, delay)
	}
}

func TestNextDelayDoesNotConsume(t *testing.T) {
	tracker := NewTracker(backoff.ReconnectPolicy(), 5)

	if got := tracker.NextDelay("conn-1"); got != 2000*time.Millisecond {
		t.Errorf("NextDelay before any attempt = %v, want 2s", got)
	}
	if tracker.Active() != 0 {
		t.Error("NextDelay should not create state")
	}

	if _, _, err := tracker.Next("conn-1"); err != nil {
		t.Fatal(err)
	}
	if got := tracker.NextDelay("conn-1"); got != 4000*time.Millisecond {
		t.Errorf("NextDelay after one attempt = %v, want 4s", got)
	}
}

func TestSweepStale(t *testing.T) {
	tracker := NewTracker(backoff.ReconnectPolicy(), 5)

	now := time.Now()
	tracker.SetNowFunc(func() time.Time { return now })
	if _, _, err := tracker.Next("old"); err != nil {
		t.Fatal(err)
	}

	tracker.SetNowFunc(func() time.Time { return now.Add(10 * time.Minute) })
	if _, _, err := tracker.Next("fresh"); err != nil {
		t.Fatal(err)
	}

	dropped := tracker.SweepStale(5 * time.Minute)
	if dropped != 1 {
		t.Fatalf("dropped = %d, want 1", dropped)
	}
	if tracker.Active() != 1 {
		t.Fatalf("active = %d, want 1", tracker.Active())
	}

	// The fresh entry continues its schedule; the old one restarted.
	attempt, _, err := tracker.Next("fresh")
	if err != nil || attempt != 2 {
		t.Errorf("fresh Next = (%d, %v), want attempt 2", attempt, err)
	}
	attempt, _, err = tracker.Next("old")
	if err != nil || attempt != 1 {
		t.Errorf("old Next = (%d, %v), want attempt 1", attempt, err)
	}
}
