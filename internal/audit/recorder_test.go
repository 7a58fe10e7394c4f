package audit

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/lvdashuaibi/kioskvote/internal/model"
	"go.uber.org/zap"
)

type fakeSink struct {
	mu       sync.Mutex
	events   []model.SessionEvent
	attempts []model.AuthAttempt
	fail     bool
}

func (s *fakeSink) InsertSessionEvent(_ context.Context, e model.SessionEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail {
		return errors.New("db down")
	}
	s.events = append(s.events, e)
	return nil
}

func (s *fakeSink) InsertAuthAttempt(_ context.Context, a model.AuthAttempt) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
	return nil
}

type fakePublisher struct {
	sent []model.SessionEvent
}

func (p *fakePublisher) SendSessionEvent(_ context.Context, e *model.SessionEvent) error {
	p.sent = append(p.sent, *e)
	return nil
}

func TestRecorderSession(t *testing.T) {
	sink := &fakeSink{}
	pub := &fakePublisher{}
	at := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	r := NewRecorder(sink, pub, "kiosk-7", func() time.Time { return at }, nil, zap.NewNop())

	r.Session(context.Background(), "v1", model.ActionSessionStart, "kiosk-ui/1.0", "")

	if len(sink.events) != 1 {
		t.Fatalf("expected one event, got %d", len(sink.events))
	}
	e := sink.events[0]
	if e.KioskID != "kiosk-7" || e.Action != model.ActionSessionStart || !e.Timestamp.Equal(at) {
		t.Fatalf("unexpected event %+v", e)
	}
	if e.UserAgent != "kiosk-ui/1.0" {
		t.Fatalf("user agent not recorded: %+v", e)
	}
	if len(pub.sent) != 1 {
		t.Fatalf("expected event to be published")
	}
}

func TestRecorderSinkFailureDoesNotPanic(t *testing.T) {
	sink := &fakeSink{fail: true}
	r := NewRecorder(sink, nil, "kiosk-7", nil, nil, zap.NewNop())
	r.Session(context.Background(), "v1", model.ActionSessionEnd, "", "")
}

func TestRecorderAuthAttemptMasksTag(t *testing.T) {
	sink := &fakeSink{}
	r := NewRecorder(sink, nil, "kiosk-7", nil, nil, zap.NewNop())
	d := 0.61
	r.AuthAttempt(context.Background(), model.AuthFaceMismatch, "v1", "1234567890", &d)

	if len(sink.attempts) != 1 {
		t.Fatalf("expected one attempt")
	}
	a := sink.attempts[0]
	if a.RFIDTag != "******7890" {
		t.Fatalf("tag not masked: %q", a.RFIDTag)
	}
	if a.Distance == nil || *a.Distance != 0.61 {
		t.Fatalf("distance not recorded: %+v", a.Distance)
	}
}
