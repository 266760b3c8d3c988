package tlab

import (
	"errors"
	"testing"

	"github.com/tangzhangming/fgc/internal/heap"
	"github.com/tangzhangming/fgc/internal/vmem"
)

func newHeap(t *testing.T) *heap.Heap {
	t.Helper()
	h, err := heap.New(heap.Options{
		MaxHeapSize:      1 << 20,
		MinHeapSize:      1 << 20,
		SmallRegionSize:  64 << 10,
		MediumRegionSize: 256 << 10,
		SmallThreshold:   256,
		LargeThreshold:   4096,
		Mapper:           vmem.GoMapper{},
	})
	if err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

type failingSource struct{}

func (failingSource) AllocateChunk(lo, hi uint64) (*heap.Region, uint64, uint64, error) {
	return nil, 0, 0, ErrExhausted
}

func TestAllocateFastBumpsLocally(t *testing.T) {
	h := newHeap(t)
	tl := New(Config{Size: 4096, MinSize: 1024, MaxSize: 16384})

	if _, ok := tl.AllocateFast(32, 8); ok {
		t.Fatal("empty TLAB must not allocate")
	}
	if err := tl.Refill(h, 32); err != nil {
		t.Fatal(err)
	}
	a, ok := tl.AllocateFast(32, 8)
	if !ok {
		t.Fatal("fast path failed")
	}
	b, ok := tl.AllocateFast(64, 64)
	if !ok {
		t.Fatal("aligned fast path failed")
	}
	if b < a+32 || (b+heap.HeaderSize)%64 != 0 {
		t.Errorf("a=%#x b=%#x", a, b)
	}
	if !tl.Contains(a) || !tl.Contains(b) {
		t.Error("allocations must lie inside the buffer")
	}
	if tl.Region() == nil || !tl.Region().Contains(a) {
		t.Error("buffer must come from a heap region")
	}
}

func TestAllocateFastExhaustion(t *testing.T) {
	h := newHeap(t)
	tl := New(Config{Size: 1024, MinSize: 1024, MaxSize: 1024})
	if err := tl.Refill(h, 0); err != nil {
		t.Fatal(err)
	}
	n := 0
	for {
		if _, ok := tl.AllocateFast(64, 8); !ok {
			break
		}
		n++
	}
	if n != 16 {
		t.Errorf("allocated %d objects of 64 bytes in a 1KB buffer", n)
	}
	if tl.Remaining() != 0 {
		t.Errorf("Remaining = %d", tl.Remaining())
	}
	if _, ok := tl.AllocateFast(^uint64(0), 8); ok {
		t.Error("overflowing request must fail")
	}
}

func TestShouldRefillPolicy(t *testing.T) {
	h := newHeap(t)
	tl := New(Config{Size: 6400, MinSize: 1024, MaxSize: 1 << 16})

	if tl.ShouldRefill(7000) {
		t.Error("request larger than the buffer should go to shared space")
	}
	if !tl.ShouldRefill(64) {
		t.Error("empty TLAB should refill")
	}
	if err := tl.Refill(h, 64); err != nil {
		t.Fatal(err)
	}
	if tl.ShouldRefill(64) {
		t.Error("almost-full buffer must not be thrown away")
	}
	for tl.Remaining() > 64 {
		tl.AllocateFast(64, 8)
	}
	if !tl.ShouldRefill(128) {
		t.Error("remaining below the waste limit should refill")
	}
}

func TestResize(t *testing.T) {
	h := newHeap(t)
	tl := New(Config{Size: 1024, MinSize: 1024, MaxSize: 4096, RefillTarget: 2})
	for i := 0; i < 3; i++ {
		if err := tl.Refill(h, 0); err != nil {
			t.Fatal(err)
		}
		for {
			if _, ok := tl.AllocateFast(64, 8); !ok {
				break
			}
		}
	}
	tl.Resize()
	if tl.DesiredSize() != 2048 {
		t.Errorf("desired = %d, want 2048 after exceeding the refill target", tl.DesiredSize())
	}

	// 大量丢弃后收缩
	if err := tl.Refill(h, 0); err != nil {
		t.Fatal(err)
	}
	tl.Retire()
	tl.Resize()
	if tl.DesiredSize() != 1024 {
		t.Errorf("desired = %d, want 1024 after wasteful retire", tl.DesiredSize())
	}
	tl.Resize()
	if tl.DesiredSize() != 1024 {
		t.Error("size must stay within bounds")
	}
}

func TestRefillError(t *testing.T) {
	tl := New(Config{})
	if err := tl.Refill(failingSource{}, 64); !errors.Is(err, ErrExhausted) {
		t.Errorf("Refill err = %v", err)
	}
	if tl.Region() != nil {
		t.Error("failed refill must leave the TLAB empty")
	}
	if tl.DesiredSize() != 16<<10 {
		t.Errorf("default size = %d", tl.DesiredSize())
	}
}
