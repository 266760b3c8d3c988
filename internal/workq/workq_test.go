package workq

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestDequeLIFOAndSteal(t *testing.T) {
	var d Deque
	for i := uint64(1); i <= 3; i++ {
		if !d.Push(i) {
			t.Fatal("push failed")
		}
	}
	if v, ok := d.Steal(); !ok || v != 1 {
		t.Errorf("Steal = %d, %v; want oldest element", v, ok)
	}
	if v, ok := d.Pop(); !ok || v != 3 {
		t.Errorf("Pop = %d, %v; want newest element", v, ok)
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d", d.Len())
	}
}

func TestDequeFull(t *testing.T) {
	var d Deque
	for i := 0; i < DequeSize; i++ {
		if !d.Push(uint64(i)) {
			t.Fatalf("push %d failed", i)
		}
	}
	if d.Push(1) {
		t.Error("push into full deque succeeded")
	}
}

// 所有者弹出与多个窃取者并发时每个元素恰好被取出一次
func TestDequeConcurrentNoLossNoDup(t *testing.T) {
	var d Deque
	const total = 100000
	var seen [total]atomic.Int32
	var taken atomic.Int64

	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				if v, ok := d.Steal(); ok {
					seen[v].Add(1)
					taken.Add(1)
				}
			}
		}()
	}

	for i := 0; i < total; i++ {
		for !d.Push(uint64(i)) {
			if v, ok := d.Pop(); ok {
				seen[v].Add(1)
				taken.Add(1)
			}
		}
		if i%3 == 0 {
			if v, ok := d.Pop(); ok {
				seen[v].Add(1)
				taken.Add(1)
			}
		}
	}
	for {
		v, ok := d.Pop()
		if !ok {
			break
		}
		seen[v].Add(1)
		taken.Add(1)
	}
	for taken.Load() < total {
	}
	close(stop)
	wg.Wait()

	for i := range seen {
		if n := seen[i].Load(); n != 1 {
			t.Fatalf("element %d taken %d times", i, n)
		}
	}
}

func TestQueueOverflowAndGlobal(t *testing.T) {
	q := NewQueue(2)
	for i := 0; i < DequeSize+10; i++ {
		q.Push(0, uint64(i))
	}
	if q.Len() != DequeSize+10 {
		t.Errorf("Len = %d", q.Len())
	}
	if q.Stats().Overflows.Load() == 0 {
		t.Error("expected an overflow to the global queue")
	}
	q.PushGlobal(1000, 1001)

	got := map[uint64]bool{}
	for {
		v, ok := q.Pop(1)
		if !ok {
			break
		}
		got[v] = true
	}
	if len(got) != DequeSize+12 {
		t.Errorf("worker 1 collected %d items via global and stealing", len(got))
	}
	if q.HasWork() {
		t.Error("queue should be empty")
	}
}

// 一个简单的图遍历：每个任务 v < limit 产生 2v+1 和 2v+2
func TestDrainTerminates(t *testing.T) {
	const workers = 4
	const limit = 50000
	q := NewQueue(workers)
	q.Reset()
	q.PushGlobal(0)

	var processed atomic.Int64
	var feed atomic.Int64 // 模拟屏障在终止检测期间持续注入
	p := NewPool(workers)
	err := p.Run(func(id int) {
		q.Drain(id, func() bool {
			if feed.Add(1) <= 100 {
				q.PushGlobal(limit * 4)
				return true
			}
			return false
		}, func(v uint64) {
			processed.Add(1)
			if v < limit {
				q.Push(id, 2*v+1)
				q.Push(id, 2*v+2)
			}
		})
	})
	if err != nil {
		t.Fatal(err)
	}
	if !q.Terminated() {
		t.Error("queue not marked terminated")
	}
	want := int64(2*limit+1) + 100
	if processed.Load() != want {
		t.Errorf("processed %d, want %d", processed.Load(), want)
	}
}

func TestDrainPanicEndsRound(t *testing.T) {
	const workers = 3
	q := NewQueue(workers)
	q.Reset()
	q.PushGlobal(1, 2, 3, 4, 5, 6, 7, 8)

	done := make(chan error, 1)
	go func() {
		done <- NewPool(workers).Run(func(id int) {
			q.Drain(id, nil, func(v uint64) {
				if v == 7 {
					panic("bad object")
				}
			})
		})
	}()
	select {
	case err := <-done:
		var pe *PanicError
		if !errors.As(err, &pe) || pe.Value != "bad object" {
			t.Fatalf("Run err = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("workers kept waiting after a panic")
	}
	if !q.Terminated() {
		t.Error("round not terminated after panic")
	}
}

func TestPoolRecoversPanics(t *testing.T) {
	p := NewPool(3)
	p.Start()
	defer p.Stop()

	var ran atomic.Int32
	err := p.Run(func(id int) {
		ran.Add(1)
		if id == 1 {
			panic("boom")
		}
	})
	var pe *PanicError
	if !errors.As(err, &pe) || pe.Worker != 1 || pe.Value != "boom" {
		t.Fatalf("Run err = %v", err)
	}
	if ran.Load() != 3 {
		t.Errorf("ran on %d workers", ran.Load())
	}
	if err := p.Run(func(int) {}); err != nil {
		t.Errorf("pool unusable after panic: %v", err)
	}
	if p.Stats().Panics.Load() != 1 {
		t.Errorf("Panics = %d", p.Stats().Panics.Load())
	}
}
