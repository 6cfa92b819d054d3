package session

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", ModeText, "en")
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.PatientID != "p1" || got.Mode != ModeText || got.Status != StatusActive {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrEnded) {
		t.Fatalf("Attach() after end error = %v, want ErrEnded", err)
	}
}

func TestManagerAttachOnce(t *testing.T) {
	m := NewManager(time.Minute)
	s := m.Create("p1", ModeVoice, "en")
	if _, err := m.Attach(s.ID); err != nil {
		t.Fatalf("Attach() error = %v", err)
	}
	if _, err := m.Attach(s.ID); !errors.Is(err, ErrAlreadyAttached) {
		t.Fatalf("second Attach() error = %v, want ErrAlreadyAttached", err)
	}
	if _, err := m.Attach("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Attach(missing) error = %v, want ErrNotFound", err)
	}
}

func TestParseMode(t *testing.T) {
	for in, want := range map[string]Mode{"": ModeVoice, "voice": ModeVoice, "text": ModeText, "scribe": ModeScribe} {
		got, ok := ParseMode(in)
		if !ok || got != want {
			t.Fatalf("ParseMode(%q) = %q, %v", in, got, ok)
		}
	}
	if _, ok := ParseMode("video"); ok {
		t.Fatalf("ParseMode(video) should fail")
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	var hooked atomic.Int32
	m.SetExpireHook(func(*Session) { hooked.Add(1) })
	s := m.Create("p1", ModeVoice, "en")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	deadline := time.Now().Add(2 * time.Second)
	for hooked.Load() == 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if hooked.Load() != 1 {
		t.Fatalf("expire hook calls = %d, want 1", hooked.Load())
	}
	for time.Now().Before(deadline) {
		if _, err := m.Get(s.ID); errors.Is(err, ErrNotFound) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("ended session was never forgotten")
}
