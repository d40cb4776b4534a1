package browser

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
)

// fakeLauncher swaps the Chrome start for tests and counts attempts.
type fakeLauncher struct {
	starts   int
	failNext int // fail this many launches before succeeding
	stopped  bool
}

func (f *fakeLauncher) start() (context.Context, context.CancelFunc, context.CancelFunc, error) {
	f.starts++
	if f.failNext > 0 {
		f.failNext--
		return nil, nil, nil, errors.New("exec: chrome not found")
	}
	ctx, cancel := context.WithCancel(context.Background())
	stop := func() {
		f.stopped = true
		cancel()
	}
	return ctx, stop, func() {}, nil
}

func newFakeSession(f *fakeLauncher) *Session {
	s := NewSession(Options{})
	s.startBrowser = f.start
	return s
}

func TestSession_LazySingleStart(t *testing.T) {
	t.Parallel()

	f := &fakeLauncher{}
	s := newFakeSession(f)

	if s.State() != StateUninitialized {
		t.Fatalf("new session should be uninitialized, got %v", s.State())
	}
	if f.starts != 0 {
		t.Fatal("browser started before first request")
	}

	p1, err := s.Page(context.Background())
	if err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if s.State() != StatePageReady {
		t.Errorf("want page_ready, got %v", s.State())
	}

	p2, err := s.Page(context.Background())
	if err != nil {
		t.Fatalf("second Page failed: %v", err)
	}
	if p1 != p2 {
		t.Error("default page should be created once")
	}
	if f.starts != 1 {
		t.Errorf("browser should start at most once, started %d times", f.starts)
	}
}

func TestSession_FailedStartResetsForRetry(t *testing.T) {
	t.Parallel()

	f := &fakeLauncher{failNext: 1}
	s := newFakeSession(f)

	if _, err := s.Page(context.Background()); err == nil {
		t.Fatal("want error from failed launch")
	}
	if s.State() != StateUninitialized {
		t.Fatalf("failed start must reset to uninitialized, got %v", s.State())
	}

	// The next request retries the start.
	if _, err := s.Page(context.Background()); err != nil {
		t.Fatalf("retry after failed start: %v", err)
	}
	if f.starts != 2 {
		t.Errorf("want 2 launch attempts, got %d", f.starts)
	}
}

func TestSession_RepeatedFailuresSurfaced(t *testing.T) {
	t.Parallel()

	f := &fakeLauncher{failNext: 10}
	s := newFakeSession(f)

	var err error
	for i := 0; i < launchFailureThreshold; i++ {
		_, err = s.Page(context.Background())
	}
	if err == nil {
		t.Fatal("want error")
	}
	want := fmt.Sprintf("%d times in a row", launchFailureThreshold)
	if !strings.Contains(err.Error(), want) {
		t.Errorf("repeated failure not surfaced: %v", err)
	}
}

func TestSession_CloseReleasesBrowser(t *testing.T) {
	t.Parallel()

	f := &fakeLauncher{}
	s := newFakeSession(f)

	if _, err := s.Page(context.Background()); err != nil {
		t.Fatalf("Page failed: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("Close failed: %v", err)
	}
	if !f.stopped {
		t.Error("browser not stopped on close")
	}
	if s.State() != StateClosed {
		t.Errorf("want closed, got %v", s.State())
	}

	// Idempotent.
	if err := s.Close(); err != nil {
		t.Fatalf("second Close failed: %v", err)
	}

	if _, err := s.Page(context.Background()); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("Page after close: want ErrSessionClosed, got %v", err)
	}
	if _, err := s.NamedPage(context.Background(), "aux"); !errors.Is(err, ErrSessionClosed) {
		t.Errorf("NamedPage after close: want ErrSessionClosed, got %v", err)
	}
}
