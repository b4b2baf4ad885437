package wizard

import (
	"context"
	"errors"
	"slices"
	"sync"
	"testing"
	"time"
)

func TestSessionsFlow(t *testing.T) {
	m, reg, p := newTestMachine(t)
	sessions := NewSessions(m, 0)
	ctx := context.Background()

	id, res, err := sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if id == "" {
		t.Fatal("empty session id")
	}
	if res.Screen.Title != "Before You Start..." {
		t.Errorf("title = %q", res.Screen.Title)
	}
	if n := sessions.Len(); n != 1 {
		t.Errorf("open sessions = %d, want 1", n)
	}

	for i, req := range []Request{
		{},
		selectIdx(menuAdd),
		inputs(map[string]string{"name": "Vac2"}),
		inputs(map[string]string{"ip": "10.0.0.2"}),
	} {
		res, err = sessions.Advance(ctx, id, req)
		if err != nil {
			t.Fatalf("step %d: %v", i, err)
		}
		if res.Done {
			t.Fatalf("step %d: done early", i)
		}
	}
	s, ok := sessions.snapshot(id)
	if !ok {
		t.Fatal("session missing before persist")
	}
	if s.Step != StepPersist {
		t.Errorf("step = %v, want %v", s.Step, StepPersist)
	}

	res, err = sessions.Advance(ctx, id, Request{})
	if err != nil {
		t.Fatal(err)
	}
	if !res.Done {
		t.Error("final step not done")
	}
	if n := sessions.Len(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
	if n := reg.Len(); n != 1 {
		t.Errorf("registry size = %d, want 1", n)
	}
	if len(p.calls) != 1 {
		t.Fatalf("persist calls = %d, want 1", len(p.calls))
	}

	if _, err := sessions.Advance(ctx, id, Request{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("advance after done: err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionsTerminate(t *testing.T) {
	m, _, _ := newTestMachine(t)
	sessions := NewSessions(m, 0)
	ctx := context.Background()

	id, _, err := sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	if err := sessions.Terminate(ctx, id); err != nil {
		t.Fatal(err)
	}
	if n := sessions.Len(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
	if err := sessions.Terminate(ctx, id); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second terminate err = %v, want ErrSessionNotFound", err)
	}
}

func TestSessionsAreIndependent(t *testing.T) {
	m, _, _ := newTestMachine(t, vac1)
	sessions := NewSessions(m, 0)
	ctx := context.Background()

	a, _, _ := sessions.Start(ctx)
	b, _, _ := sessions.Start(ctx)
	if a == b {
		t.Fatalf("duplicate session id %q", a)
	}

	sessions.Advance(ctx, a, Request{})
	sessions.Advance(ctx, a, selectIdx(menuModify))

	sa, _ := sessions.snapshot(a)
	sb, _ := sessions.snapshot(b)
	if sa.Step != StepResolve || !slices.Equal(sa.Names, []string{"Vac1"}) {
		t.Errorf("session a = step %v names %v", sa.Step, sa.Names)
	}
	if sb.Step != StepMenu || sb.Names != nil {
		t.Errorf("session b = step %v names %v", sb.Step, sb.Names)
	}
}

func TestSessionsExpireWhenIdle(t *testing.T) {
	m, _, _ := newTestMachine(t)
	sessions := NewSessions(m, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }
	ctx := context.Background()

	id, _, err := sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}

	now = now.Add(30 * time.Second)
	if n := sessions.Sweep(); n != 0 {
		t.Errorf("swept %d sessions before idle timeout", n)
	}

	now = now.Add(2 * time.Minute)
	if _, err := sessions.Advance(ctx, id, Request{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
	if n := sessions.Len(); n != 0 {
		t.Errorf("open sessions = %d, want 0", n)
	}
}

func TestSessionsConcurrentAdvance(t *testing.T) {
	m, _, _ := newTestMachine(t, vac1)
	sessions := NewSessions(m, 0)
	ctx := context.Background()

	id, _, err := sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = sessions.Advance(ctx, id, Request{})
		}()
	}
	wg.Wait()

	// Steps are taken one at a time: list, reject, list, reject.
	s, ok := sessions.snapshot(id)
	if !ok {
		t.Fatal("session missing")
	}
	if s.Step != StepMenu {
		t.Errorf("step = %v, want %v", s.Step, StepMenu)
	}
}

func TestSessionsFinishedEntryRejectsLateCaller(t *testing.T) {
	m, _, p := newTestMachine(t, vac1)
	sessions := NewSessions(m, 0)
	ctx := context.Background()

	id, _, err := sessions.Start(ctx)
	if err != nil {
		t.Fatal(err)
	}
	for _, req := range []Request{{}, selectIdx(menuRemove), selectIdx(0)} {
		if _, err := sessions.Advance(ctx, id, req); err != nil {
			t.Fatal(err)
		}
	}

	// A second caller that fetched the entry before the session finished.
	late, ok := sessions.entry(id)
	if !ok {
		t.Fatal("session missing before persist")
	}
	if res, err := sessions.Advance(ctx, id, Request{}); err != nil || !res.Done {
		t.Fatalf("finish = %+v, %v", res, err)
	}

	res, err := sessions.advance(ctx, late, Request{})
	if !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("late caller err = %v, want ErrSessionNotFound", err)
	}
	if res.Screen != nil {
		t.Errorf("late caller got screen %q", res.Screen.Title)
	}
	if len(p.calls) != 1 {
		t.Errorf("persist calls = %d, want 1", len(p.calls))
	}
}

func TestSessionsExpiredEntryRejectsLateCaller(t *testing.T) {
	m, _, _ := newTestMachine(t)
	sessions := NewSessions(m, time.Minute)
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)
	sessions.now = func() time.Time { return now }
	ctx := context.Background()

	id, _, _ := sessions.Start(ctx)
	late, _ := sessions.entry(id)

	now = now.Add(2 * time.Minute)
	if n := sessions.Sweep(); n != 1 {
		t.Fatalf("swept %d, want 1", n)
	}
	if _, err := sessions.advance(ctx, late, Request{}); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}
