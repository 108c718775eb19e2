package state

import (
	"context"
	"testing"
	"time"
)

func TestSubjectSubscribeReceivesCurrentAndFutureValues(t *testing.T) {
	s := NewSubject(1)
	var got []int
	unsubscribe := s.Subscribe(func(v int) { got = append(got, v) })

	s.Set(2)
	s.Update(func(v int) int { return v * 10 })
	unsubscribe()
	s.Set(99)

	want := []int{1, 2, 20}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
	if s.Subscribers() != 0 {
		t.Fatalf("expected no subscribers, got %d", s.Subscribers())
	}
}

func TestSubjectSubscribersDetachIndependently(t *testing.T) {
	s := NewSubject("a")
	var first, second []string
	unsubFirst := s.Subscribe(func(v string) { first = append(first, v) })
	s.Subscribe(func(v string) { second = append(second, v) })

	unsubFirst()
	unsubFirst()
	s.Set("b")

	if len(first) != 1 || len(second) != 2 || second[1] != "b" {
		t.Fatalf("first=%v second=%v", first, second)
	}
}

func TestSubjectWatchDoesNotBlockWriters(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	s := NewSubject(0)
	ch := s.Watch(ctx)

	done := make(chan struct{})
	go func() {
		for i := 1; i <= 1000; i++ {
			s.Set(i)
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("writer blocked on an unread watcher")
	}

	if v := <-ch; v != 1000 {
		t.Fatalf("expected latest value 1000, got %d", v)
	}
}

func TestSubjectWatchClosesOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	s := NewSubject(0)
	ch := s.Watch(ctx)
	<-ch
	cancel()

	select {
	case _, ok := <-ch:
		if ok {
			// A value may race the close; the next receive must see it closed.
			if _, ok := <-ch; ok {
				t.Fatal("expected channel to close")
			}
		}
	case <-time.After(2 * time.Second):
		t.Fatal("channel not closed after cancel")
	}
}

func TestSubjectTryUpdateSkipsRejectedTransitions(t *testing.T) {
	s := NewSubject(1)
	calls := 0
	s.Subscribe(func(int) { calls++ })

	if s.TryUpdate(func(v int) (int, bool) { return v + 1, false }) {
		t.Fatal("expected rejected transition")
	}
	if s.Get() != 1 || calls != 1 {
		t.Fatalf("rejected transition changed state: value=%d calls=%d", s.Get(), calls)
	}

	if !s.TryUpdate(func(v int) (int, bool) { return v + 1, true }) {
		t.Fatal("expected applied transition")
	}
	if s.Get() != 2 || calls != 2 {
		t.Fatalf("value=%d calls=%d", s.Get(), calls)
	}
}
