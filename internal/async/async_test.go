package async

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestFutureResolveOnce(t *testing.T) {
	f := NewFuture[int]()
	if f.Settled() {
		t.Fatal("new future is settled")
	}
	if !f.Resolve(7) {
		t.Fatal("first resolve rejected")
	}
	if f.Resolve(8) {
		t.Error("second resolve accepted")
	}
	if f.Fail(errors.New("late")) {
		t.Error("fail after resolve accepted")
	}
	v, err := f.Result()
	if v != 7 || err != nil {
		t.Errorf("result = %d, %v", v, err)
	}
}

func TestFutureFail(t *testing.T) {
	f := NewFuture[string]()
	want := errors.New("boom")
	f.Fail(want)
	if _, err := f.Result(); !errors.Is(err, want) {
		t.Errorf("err = %v", err)
	}
	if f.Resolve("late") {
		t.Error("resolve after fail accepted")
	}
}

func TestFutureWaitContext(t *testing.T) {
	f := NewFuture[int]()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := f.Wait(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("err = %v", err)
	}

	f.Resolve(3)
	v, err := f.Wait(context.Background())
	if v != 3 || err != nil {
		t.Errorf("wait = %d, %v", v, err)
	}
}

func TestObservableSubscribe(t *testing.T) {
	o := NewObservable(1)
	var seen []int
	id := o.Subscribe(func(v int) { seen = append(seen, v) })
	o.Set(2)
	o.Set(3)
	o.Unsubscribe(id)
	o.Set(4)

	want := []int{1, 2, 3}
	if len(seen) != len(want) {
		t.Fatalf("seen = %v, want %v", seen, want)
	}
	for i := range want {
		if seen[i] != want[i] {
			t.Fatalf("seen = %v, want %v", seen, want)
		}
	}
	if o.Get() != 4 {
		t.Errorf("value = %d", o.Get())
	}
}

func TestObservableFinishDropsSubscribers(t *testing.T) {
	o := NewObservable("a")
	calls := 0
	o.Subscribe(func(string) { calls++ })
	o.Finish()
	o.Set("b")

	if calls != 1 {
		t.Errorf("callback ran %d times, want 1 (initial only)", calls)
	}
	if o.Get() != "a" {
		t.Errorf("value changed after finish: %q", o.Get())
	}
	if !o.Finished() {
		t.Error("not marked finished")
	}
	if id := o.Subscribe(func(string) {}); id != -1 {
		t.Errorf("subscribe after finish returned id %d", id)
	}
	o.Finish() // idempotent
}
