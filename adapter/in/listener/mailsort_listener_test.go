package listener

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"mailsort_daemon/core/domain"
	"mailsort_daemon/pkg/apperr"
)

// scriptedSession yields envelopes per idle round from a script; nil round
// entries mean an idle timeout with nothing new.
type scriptedSession struct {
	rounds  [][]*domain.Envelope
	uids    [][]uint32
	pos     int
	idleErr error // returned on the round after the script runs out
	closed  bool
}

func (s *scriptedSession) Idle(timeout time.Duration, stop <-chan struct{}) (bool, error) {
	select {
	case <-stop:
		return false, nil
	default:
	}
	if s.pos >= len(s.rounds) {
		if s.idleErr != nil {
			return false, s.idleErr
		}
		// Park until stopped so the loop does not spin.
		<-stop
		return false, nil
	}
	return true, nil
}

func (s *scriptedSession) FetchAbove(watermark uint32) ([]*domain.Envelope, uint32, error) {
	envs := s.rounds[s.pos]
	uids := s.uids[s.pos]
	s.pos++

	newWatermark := watermark
	var out []*domain.Envelope
	for i, env := range envs {
		if uids[i] <= watermark {
			continue
		}
		out = append(out, env)
		if uids[i] > newWatermark {
			newWatermark = uids[i]
		}
	}
	return out, newWatermark, nil
}

func (s *scriptedSession) Close() error {
	s.closed = true
	return nil
}

type delivered struct {
	mu   sync.Mutex
	envs []*domain.Envelope
}

func (d *delivered) deliver(env *domain.Envelope) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.envs = append(d.envs, env)
}

func (d *delivered) ids() []string {
	d.mu.Lock()
	defer d.mu.Unlock()
	ids := make([]string, len(d.envs))
	for i, e := range d.envs {
		ids[i] = e.MessageID
	}
	return ids
}

func env(id string) *domain.Envelope {
	return &domain.Envelope{MessageID: id, Folder: "INBOX"}
}

func TestBackoffSeries(t *testing.T) {
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{0, 5 * time.Second},
		{1, 10 * time.Second},
		{2, 20 * time.Second},
		{3, 40 * time.Second},
		{6, 300 * time.Second},
		{10, 300 * time.Second},
		{40, 300 * time.Second},
	}
	for _, tt := range tests {
		if got := Backoff(tt.attempt); got != tt.want {
			t.Errorf("Backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

// TestReconnectBackoffResets simulates three consecutive connect failures
// followed by a session that delivers one message and then errors: the
// observed sleeps are 5s, 10s, 20s, and the failure after the successful
// round restarts at 5s.
func TestReconnectBackoffResets(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, folder string) (Session, uint32, uint32, error) {
		dials++
		switch {
		case dials <= 3:
			return nil, 0, 0, apperr.Transient("connect", errors.New("connection refused"))
		case dials == 4:
			return &scriptedSession{
				rounds:  [][]*domain.Envelope{{env("<n1@x>")}},
				uids:    [][]uint32{{11}},
				idleErr: errors.New("connection reset"),
			}, 10, 1, nil
		default:
			return nil, 0, 0, apperr.Transient("connect", errors.New("connection refused"))
		}
	}

	var (
		mu     sync.Mutex
		sleeps []time.Duration
	)
	got := &delivered{}
	l := New(dial, []string{"INBOX"}, time.Second, got.deliver)
	done := make(chan struct{})
	l.sleep = func(d time.Duration) bool {
		mu.Lock()
		sleeps = append(sleeps, d)
		n := len(sleeps)
		mu.Unlock()
		if n >= 5 {
			close(done)
			return false
		}
		return true
	}

	l.Start(context.Background())
	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("listener never reached the fifth backoff")
	}
	l.Stop()

	mu.Lock()
	defer mu.Unlock()
	want := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 5 * time.Second, 10 * time.Second}
	if len(sleeps) != len(want) {
		t.Fatalf("sleeps = %v, want %v", sleeps, want)
	}
	for i := range want {
		if sleeps[i] != want[i] {
			t.Errorf("sleep[%d] = %v, want %v (backoff must reset after a successful round)", i, sleeps[i], want[i])
		}
	}
	if ids := got.ids(); len(ids) != 1 || ids[0] != "<n1@x>" {
		t.Errorf("delivered = %v, want the one new message", ids)
	}
}

// TestWatermarkAdvance verifies only messages above the watermark are
// delivered and the watermark moves with each fetch.
func TestWatermarkAdvance(t *testing.T) {
	sess := &scriptedSession{
		rounds: [][]*domain.Envelope{
			{env("<old@x>"), env("<a@x>"), env("<b@x>")},
			{env("<b@x>"), env("<c@x>")},
		},
		uids: [][]uint32{
			{5, 6, 7}, // 5 is at the initial watermark and must be skipped
			{7, 8},    // 7 was already delivered
		},
	}
	dial := func(ctx context.Context, folder string) (Session, uint32, uint32, error) {
		return sess, 5, 1, nil
	}

	got := &delivered{}
	l := New(dial, []string{"INBOX"}, 10*time.Millisecond, got.deliver)
	l.Start(context.Background())

	deadline := time.After(5 * time.Second)
	for len(got.ids()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("delivered = %v, want 3 messages", got.ids())
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.Stop()

	want := []string{"<a@x>", "<b@x>", "<c@x>"}
	ids := got.ids()
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q (ascending UID order)", i, ids[i], want[i])
		}
	}
}

// TestReconnectFetchesMissedMail simulates mail arriving during an outage:
// after reconnecting, the mailbox's highest UID exceeds the watermark and
// the backlog must be delivered immediately, without waiting for the server
// to signal a fresh arrival.
func TestReconnectFetchesMissedMail(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, folder string) (Session, uint32, uint32, error) {
		dials++
		if dials == 1 {
			// Healthy connect, then the connection drops.
			return &scriptedSession{idleErr: errors.New("connection reset")}, 5, 1, nil
		}
		// Three messages arrived while disconnected. No idle rounds are
		// scripted, so delivery can only come from the reconnect fetch.
		return &scriptedSession{
			rounds: [][]*domain.Envelope{{env("<m6@x>"), env("<m7@x>"), env("<m8@x>")}},
			uids:   [][]uint32{{6, 7, 8}},
		}, 8, 1, nil
	}

	got := &delivered{}
	l := New(dial, []string{"INBOX"}, time.Second, got.deliver)
	l.Start(context.Background())

	deadline := time.After(5 * time.Second)
	for len(got.ids()) < 3 {
		select {
		case <-deadline:
			t.Fatalf("delivered = %v, want the 3 messages missed during the outage", got.ids())
		case <-time.After(5 * time.Millisecond):
		}
	}
	l.Stop()

	want := []string{"<m6@x>", "<m7@x>", "<m8@x>"}
	ids := got.ids()
	for i := range want {
		if ids[i] != want[i] {
			t.Errorf("delivered[%d] = %q, want %q", i, ids[i], want[i])
		}
	}
}

// TestFatalAuthStopsFolderLoop verifies an authentication failure is not
// retried.
func TestFatalAuthStopsFolderLoop(t *testing.T) {
	dials := 0
	dial := func(ctx context.Context, folder string) (Session, uint32, uint32, error) {
		dials++
		return nil, 0, 0, apperr.Auth("login rejected", errors.New("AUTHENTICATIONFAILED"))
	}
	l := New(dial, []string{"INBOX"}, time.Second, func(*domain.Envelope) {})
	slept := false
	l.sleep = func(time.Duration) bool { slept = true; return false }

	l.Start(context.Background())
	l.wg.Wait() // folder loop must exit on its own
	l.Stop()

	if dials != 1 {
		t.Errorf("dials = %d, want 1 (auth errors are fatal)", dials)
	}
	if slept {
		t.Error("listener backed off on a fatal error")
	}
}
