package offset

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"messagebus/pkg/messaging"
)

type fakeSource struct {
	mu      sync.Mutex
	offsets map[string]map[string]map[int]int64
}

func (f *fakeSource) set(group, topic string, partition int, off int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.offsets == nil {
		f.offsets = map[string]map[string]map[int]int64{}
	}
	if f.offsets[group] == nil {
		f.offsets[group] = map[string]map[int]int64{}
	}
	if f.offsets[group][topic] == nil {
		f.offsets[group][topic] = map[int]int64{}
	}
	f.offsets[group][topic][partition] = off
}

func (f *fakeSource) CommittedOffsets(_ context.Context, group string) (map[string]map[int]int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := map[string]map[int]int64{}
	for topic, parts := range f.offsets[group] {
		out[topic] = map[int]int64{}
		for p, o := range parts {
			out[topic][p] = o
		}
	}
	return out, nil
}

func TestUpdateIsMonotonic(t *testing.T) {
	tr := NewTracker(Config{})
	key := Key{Topic: "t", Partition: 1, Group: "g"}

	tr.Update(key, 10)
	tr.Update(key, 5)

	got, ok := tr.Committed(key)
	if !ok || got != 10 {
		t.Fatalf("Committed = %d, %v; want 10, true", got, ok)
	}
}

func TestAwaitAlreadySatisfied(t *testing.T) {
	tr := NewTracker(Config{})
	key := Key{Topic: "t", Partition: 1, Group: "g"}
	tr.Update(key, 3)

	if err := tr.Await(context.Background(), key, 3); err != nil {
		t.Fatalf("Await: %v", err)
	}
}

func TestAwaitWakesOnUpdate(t *testing.T) {
	tr := NewTracker(Config{})
	key := Key{Topic: "t", Partition: 2, Group: "g"}

	done := make(chan error, 1)
	go func() {
		done <- tr.Await(context.Background(), key, 5)
	}()

	time.Sleep(10 * time.Millisecond)
	tr.Update(key, 4)
	select {
	case err := <-done:
		t.Fatalf("woke too early: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	tr.Update(key, 5)
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Await: %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Await not released")
	}
}

func TestAwaitCanceled(t *testing.T) {
	tr := NewTracker(Config{})
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	err := tr.Await(ctx, Key{Topic: "t", Partition: 1, Group: "g"}, 1)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected DeadlineExceeded, got %v", err)
	}
	if len(tr.waiters) != 0 {
		t.Errorf("waiter leaked: %d", len(tr.waiters))
	}
}

func TestStopReleasesWaiters(t *testing.T) {
	tr := NewTracker(Config{})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}

	done := make(chan error, 1)
	go func() {
		done <- tr.Await(context.Background(), Key{Topic: "t", Partition: 1, Group: "g"}, 1)
	}()
	time.Sleep(10 * time.Millisecond)
	tr.Stop()
	tr.Stop()

	select {
	case err := <-done:
		if !errors.Is(err, ErrTrackerStopped) {
			t.Fatalf("expected ErrTrackerStopped, got %v", err)
		}
	case <-time.After(time.Second):
		t.Fatal("waiter not released on stop")
	}

	if err := tr.Start(context.Background()); !errors.Is(err, ErrTrackerStopped) {
		t.Errorf("restart: expected ErrTrackerStopped, got %v", err)
	}
}

func TestUpdateRecordsAndAwaitPublished(t *testing.T) {
	tr := NewTracker(Config{})
	records := []messaging.ConsumedRecord{
		{Record: messaging.Record{Topic: "orders"}, Partition: 1, Offset: 7},
		{Record: messaging.Record{Topic: "orders"}, Partition: 1, Offset: 8},
		{Record: messaging.Record{Topic: "orders"}, Partition: 3, Offset: 0},
	}
	tr.UpdateRecords("billing", records)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	if err := tr.AwaitPublished(ctx, "billing", messaging.RecordMetadata{Topic: "orders", Partition: 1, Offset: 8}); err != nil {
		t.Fatalf("partition 1: %v", err)
	}
	if err := tr.AwaitPublished(ctx, "billing", messaging.RecordMetadata{Topic: "orders", Partition: 3, Offset: 0}); err != nil {
		t.Fatalf("partition 3: %v", err)
	}
}

func TestBackgroundRefresh(t *testing.T) {
	src := &fakeSource{}
	tr := NewTracker(Config{Source: src, Groups: []string{"g"}, RefreshInterval: 5 * time.Millisecond})
	if err := tr.Start(context.Background()); err != nil {
		t.Fatal(err)
	}
	defer tr.Stop()

	src.set("g", "t", 1, 9)

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	if err := tr.Await(ctx, Key{Topic: "t", Partition: 1, Group: "g"}, 9); err != nil {
		t.Fatalf("refresh not observed: %v", err)
	}
}

func TestConcurrentUpdates(t *testing.T) {
	tr := NewTracker(Config{})
	var wg sync.WaitGroup
	for p := 1; p <= 4; p++ {
		for i := 0; i < 50; i++ {
			wg.Add(1)
			go func(p, i int) {
				defer wg.Done()
				tr.Update(Key{Topic: "t", Partition: p, Group: "g"}, int64(i))
			}(p, i)
		}
	}
	wg.Wait()
	for p := 1; p <= 4; p++ {
		if got, _ := tr.Committed(Key{Topic: "t", Partition: p, Group: "g"}); got != 49 {
			t.Errorf("partition %d: committed %d, want 49", p, got)
		}
	}
}

type flakySource struct {
	fakeSource
	mu    sync.Mutex
	calls map[string]int
}

func (f *flakySource) CommittedOffsets(ctx context.Context, group string) (map[string]map[int]int64, error) {
	f.mu.Lock()
	if f.calls == nil {
		f.calls = map[string]int{}
	}
	f.calls[group]++
	f.mu.Unlock()
	if group == "bad" {
		return nil, errors.New("offset store unavailable")
	}
	return f.fakeSource.CommittedOffsets(ctx, group)
}

func TestRefreshBacksOffFailingGroup(t *testing.T) {
	src := &flakySource{}
	src.set("good", "t", 1, 3)
	// an hour-long first delay keeps "bad" out of the second round
	tr := NewTracker(Config{Source: src, Groups: []string{"good", "bad"}, RefreshInterval: time.Hour})

	tr.refresh(context.Background())
	tr.refresh(context.Background())

	if src.calls["good"] != 2 {
		t.Errorf("good refreshed %d times, want 2", src.calls["good"])
	}
	if src.calls["bad"] != 1 {
		t.Errorf("bad refreshed %d times, want 1", src.calls["bad"])
	}
	if got, ok := tr.Committed(Key{Topic: "t", Partition: 1, Group: "good"}); !ok || got != 3 {
		t.Errorf("good committed = %d, %v", got, ok)
	}
}
