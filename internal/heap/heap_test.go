package heap

import (
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/fgc/internal/vmem"
)

func testOptions(maxHeap uint64) Options {
	return Options{
		MaxHeapSize:      maxHeap,
		MinHeapSize:      256 << 10,
		InitialHeapSize:  128 << 10,
		SmallRegionSize:  64 << 10,
		MediumRegionSize: 256 << 10,
		SmallThreshold:   256,
		LargeThreshold:   4096,
		CardTables:       true,
		Mapper:           vmem.GoMapper{},
	}
}

func newTestHeap(t *testing.T, maxHeap uint64) *Heap {
	t.Helper()
	opts := testOptions(maxHeap)
	opts.Logger = zaptest.NewLogger(t)
	h, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := h.Close(); err != nil {
			t.Errorf("Close: %v", err)
		}
	})
	return h
}

func TestObjectSize(t *testing.T) {
	tests := []struct {
		payload uint64
		want    uint64
		ok      bool
	}{
		{0, 24, true},
		{1, 32, true},
		{8, 32, true},
		{40, 64, true},
		{^uint64(0) - 10, 0, false},
		{^uint64(0) - 24, 0, false},
	}
	for _, tt := range tests {
		got, ok := ObjectSize(tt.payload)
		if ok != tt.ok || (ok && got != tt.want) {
			t.Errorf("ObjectSize(%d) = %d, %v; want %d, %v", tt.payload, got, ok, tt.want, tt.ok)
		}
	}
}

func TestIncrementAgeSaturates(t *testing.T) {
	age := uint8(0)
	for i := 0; i < 40; i++ {
		next := IncrementAge(age)
		if next < age {
			t.Fatalf("age decreased from %d to %d", age, next)
		}
		age = next
	}
	if age != MaxAge {
		t.Errorf("age = %d, want %d", age, MaxAge)
	}
}

func TestHeaderRoundTrip(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	addr, err := h.AllocateObject(40, 64, 7, 0xA5)
	if err != nil {
		t.Fatal(err)
	}
	if (addr+HeaderSize)%64 != 0 {
		t.Errorf("payload %#x not 64-aligned", addr+HeaderSize)
	}
	r := h.Lookup(addr)
	hdr := r.Header(addr)
	if hdr.ClassID != 7 || hdr.RefMap != 0xA5 || hdr.Size != 64 || hdr.Align != 64 || hdr.Age != 0 {
		t.Errorf("unexpected header %s align=%d", hdr, hdr.Align)
	}
	r.SetAge(addr, 5)
	r.SetFinalizable(addr, true)
	hdr = r.Header(addr)
	if hdr.Age != 5 || !hdr.Finalizable || hdr.Size != 64 {
		t.Errorf("after update: %s", hdr)
	}
	r.SetForwardee(addr, vmem.HeapBase+0x1000)
	if to, ok := r.Forwardee(addr); !ok || to != vmem.HeapBase+0x1000 {
		t.Errorf("Forwardee = %#x, %v", to, ok)
	}
	if r.Header(addr).Age != 5 {
		t.Error("forwarding must keep age bits")
	}
}

func TestAlignmentErrors(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	for _, align := range []uint64{3, 12, MaxAlign * 2} {
		_, err := h.Allocate(16, align)
		var ae *AlignmentError
		if !errors.As(err, &ae) || ae.Align != align {
			t.Errorf("Allocate(align=%d) err = %v, want AlignmentError", align, err)
		}
	}
	if _, err := h.Allocate(16, 1); err != nil {
		t.Errorf("align 1 should be accepted: %v", err)
	}
}

func TestAllocateOverflowIsOutOfMemory(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	for _, size := range []uint64{^uint64(0), ^uint64(0) - HeaderSize, 1 << 62} {
		_, err := h.Allocate(size, 8)
		var oom *OutOfMemoryError
		if !errors.As(err, &oom) {
			t.Errorf("Allocate(%d) err = %v, want OutOfMemoryError", size, err)
		}
	}
}

func TestConcurrentAllocationsDoNotOverlap(t *testing.T) {
	h := newTestHeap(t, 256<<20)

	type span struct{ start, end uint64 }
	const workers = 8
	const perWorker = 1000

	var mu sync.Mutex
	var spans []span
	var wg sync.WaitGroup
	for w := 0; w < workers; w++ {
		wg.Add(1)
		go func(seed int64) {
			defer wg.Done()
			rng := rand.New(rand.NewSource(seed))
			local := make([]span, 0, perWorker)
			for i := 0; i < perWorker; i++ {
				size := uint64(rng.Intn(4200))
				addr, err := h.Allocate(size, 8)
				if err != nil {
					t.Errorf("Allocate(%d): %v", size, err)
					return
				}
				total, _ := ObjectSize(size)
				local = append(local, span{addr, addr + total})
			}
			mu.Lock()
			spans = append(spans, local...)
			mu.Unlock()
		}(int64(w))
	}
	wg.Wait()

	sort.Slice(spans, func(i, j int) bool { return spans[i].start < spans[j].start })
	for i := 1; i < len(spans); i++ {
		if spans[i].start < spans[i-1].end {
			t.Fatalf("allocations overlap: [%#x,%#x) and [%#x,%#x)",
				spans[i-1].start, spans[i-1].end, spans[i].start, spans[i].end)
		}
	}
	for _, s := range spans {
		r := h.Lookup(s.start)
		if r == nil || !r.IsObjectStart(s.start) || s.end > r.End() {
			t.Fatalf("allocation %#x not registered inside its region", s.start)
		}
	}
}

func TestLargeObjectGetsDedicatedRegion(t *testing.T) {
	h := newTestHeap(t, 4<<20)
	addr, err := h.Allocate(100<<10, 8)
	if err != nil {
		t.Fatal(err)
	}
	r := h.Lookup(addr)
	if r.Kind() != KindLarge || r.Start() != addr {
		t.Errorf("large object in %s", r)
	}
	if h.Lookup(addr+r.Size()-1) != r {
		t.Error("every granule of a large region must map back to it")
	}
}

func TestOutOfMemoryScenario(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	var last error
	for i := 0; i < 1<<20; i++ {
		if _, err := h.Allocate(64, 8); err != nil {
			last = err
			break
		}
	}
	var oom *OutOfMemoryError
	if !errors.As(last, &oom) {
		t.Fatalf("expected OutOfMemoryError, got %v", last)
	}
	if oom.Available >= oom.Requested {
		t.Errorf("available %d should be below requested %d", oom.Available, oom.Requested)
	}
	if s := h.Stats(); s.InUse > 1<<20 {
		t.Errorf("heap grew past its maximum: %d", s.InUse)
	}

	// 大对象同样返回带上下文的错误
	_, err := h.Allocate(512<<10, 8)
	if !errors.As(err, &oom) || oom.Available >= oom.Requested {
		t.Errorf("large allocation err = %v", err)
	}
}

func TestFreeRegionPoolsAndClearsTable(t *testing.T) {
	h := newTestHeap(t, 4<<20)
	r, err := h.AllocateRegion(KindSmall)
	if err != nil {
		t.Fatal(err)
	}
	addr, ok := r.Bump(64, 8)
	if !ok {
		t.Fatal("bump failed")
	}
	r.StoreWord(addr, 0xDEAD)
	before := h.Stats()
	if err := h.FreeRegion(r); err != nil {
		t.Fatal(err)
	}
	if h.Lookup(addr) != nil {
		t.Error("freed region still reachable through the region table")
	}
	after := h.Stats()
	if after.InUse != before.InUse-r.Size() {
		t.Errorf("InUse = %d, want %d", after.InUse, before.InUse-r.Size())
	}

	// 从池中取回的内存必须清零
	r2, err := h.AllocateRegion(KindSmall)
	if err != nil {
		t.Fatal(err)
	}
	for off := uint64(0); off < 256; off += 8 {
		if v := r2.LoadWord(r2.Start() + off); v != 0 {
			t.Fatalf("reused region not zeroed at +%d: %#x", off, v)
		}
	}
}

func TestRetentionBoundsPool(t *testing.T) {
	h := newTestHeap(t, 4<<20)
	cycle := func() {
		t.Helper()
		var rs []*Region
		for i := 0; i < 8; i++ {
			r, err := h.AllocateRegion(KindSmall)
			if err != nil {
				t.Fatal(err)
			}
			rs = append(rs, r)
		}
		for _, r := range rs {
			if err := h.FreeRegion(r); err != nil {
				t.Fatal(err)
			}
		}
	}

	h.SetRetention(0)
	if got := h.Retention(); got != 256<<10 {
		t.Fatalf("Retention() = %d, want the minimum heap", got)
	}
	cycle()
	if s := h.Stats(); s.Pooled > 256<<10 {
		t.Errorf("pooled %d above retention", s.Pooled)
	}

	h.SetRetention(1 << 20)
	cycle()
	if s := h.Stats(); s.Pooled != 8*(64<<10) {
		t.Errorf("pooled %d, want every freed region kept", s.Pooled)
	}
}

func TestFieldBounds(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	addr, err := h.Allocate(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	if _, _, err := h.FieldRegion(addr, 8); err != nil {
		t.Errorf("in-bounds field rejected: %v", err)
	}
	var ipe *InvalidPointerError
	for _, off := range []uint64{16, 3, ^uint64(0) - 4} {
		if _, _, err := h.FieldRegion(addr, off); !errors.As(err, &ipe) {
			t.Errorf("FieldRegion(+%d) err = %v, want InvalidPointerError", off, err)
		}
	}
	if _, err := h.ObjectRegion(addr + 8); !errors.As(err, &ipe) {
		t.Errorf("interior pointer accepted: %v", err)
	}
	if _, err := h.ObjectRegion(42); !errors.As(err, &ipe) {
		t.Errorf("non-heap pointer accepted: %v", err)
	}
}

func TestSelectRelocationSet(t *testing.T) {
	h := newTestHeap(t, 8<<20)
	const epoch = 3

	fill := func(liveObjects int) *Region {
		r, err := h.AllocateRegion(KindSmall)
		if err != nil {
			t.Fatal(err)
		}
		var addrs []uint64
		for {
			addr, ok := r.Bump(1000, 8)
			if !ok {
				break
			}
			r.InitObject(addr, 0, 0, 1000, 8, 0)
			addrs = append(addrs, addr)
		}
		for i := 0; i < liveObjects; i++ {
			r.Mark(epoch, addrs[i])
		}
		r.SetState(StateFull)
		return r
	}

	dense := fill(60)
	sparseOld := fill(5)
	sparseNew := fill(5)
	empty := fill(0)
	h.SetEpoch(epoch)
	current := fill(1) // 本周期创建的区域不参与

	set := h.SelectRelocationSet(epoch, 0.5)
	if len(set) != 2 || set[0] != sparseOld || set[1] != sparseNew {
		t.Fatalf("relocation set = %v", set)
	}
	for _, r := range set {
		if r.State() != StateRelocating || r.Forwarding() == nil {
			t.Errorf("%s not prepared for relocation", r)
		}
	}
	if dense.State() != StateFull || current.State() != StateFull {
		t.Error("regions above threshold or from this cycle must not be selected")
	}
	if got := h.EmptyRegions(epoch); len(got) != 1 || got[0] != empty {
		t.Errorf("EmptyRegions = %v", got)
	}
	if h.Stats().Reserved == 0 {
		t.Error("relocation should reserve destination space")
	}
	h.Unreserve()
}

func TestLazyMarkReset(t *testing.T) {
	h := newTestHeap(t, 1<<20)
	addr, err := h.Allocate(8, 8)
	if err != nil {
		t.Fatal(err)
	}
	r := h.Lookup(addr)
	if !r.Mark(2, addr) || r.Mark(2, addr) {
		t.Fatal("object must be marked exactly once per cycle")
	}
	if r.LiveBytes(2) != 32 {
		t.Errorf("LiveBytes = %d", r.LiveBytes(2))
	}
	if r.IsMarked(3, addr) || r.IsMarked(4, addr) {
		t.Error("marks leaked into other cycles")
	}
	if !r.Mark(4, addr) {
		t.Error("same parity bitmap must be reset for a new cycle")
	}
	if r.IsMarked(2, addr) {
		t.Error("stale cycle still reports marked")
	}
}

func TestBitmapScan(t *testing.T) {
	b := NewBitmap(200)
	for _, i := range []int{0, 63, 64, 130, 199} {
		b.Set(i)
	}
	var got []int
	for i := b.NextSet(0); i >= 0; i = b.NextSet(i + 1) {
		got = append(got, i)
	}
	want := []int{0, 63, 64, 130, 199}
	if len(got) != len(want) {
		t.Fatalf("NextSet walk = %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("NextSet walk = %v", got)
		}
	}
	prev := []struct{ from, want int }{{199, 199}, {198, 130}, {64, 64}, {62, 0}, {500, 199}}
	for _, tt := range prev {
		if got := b.PrevSet(tt.from); got != tt.want {
			t.Errorf("PrevSet(%d) = %d, want %d", tt.from, got, tt.want)
		}
	}
	b.Clear(0)
	if b.PrevSet(62) != -1 || b.Count() != 4 {
		t.Error("Clear failed")
	}
}

func TestForwardingClaimPublish(t *testing.T) {
	f := NewForwarding(vmem.HeapBase, 64<<10)
	obj := vmem.HeapBase + 48
	if _, ok := f.Lookup(obj); ok {
		t.Fatal("empty entry reported as forwarded")
	}
	if !f.Claim(obj) || f.Claim(obj) {
		t.Fatal("claim must succeed exactly once")
	}
	done := make(chan uint64)
	go func() { done <- f.Wait(obj) }()
	f.Publish(obj, vmem.HeapBase+0x8000)
	if got := <-done; got != vmem.HeapBase+0x8000 {
		t.Errorf("Wait = %#x", got)
	}
	if to, ok := f.Lookup(obj); !ok || to != vmem.HeapBase+0x8000 {
		t.Errorf("Lookup = %#x, %v", to, ok)
	}
	if f.Forwarded() != 1 {
		t.Errorf("Forwarded = %d", f.Forwarded())
	}
}

func TestCardTable(t *testing.T) {
	ct := NewCardTable(64 << 10)
	if ct.Len() != 128 {
		t.Fatalf("Len = %d", ct.Len())
	}
	ct.Dirty(0)
	ct.Dirty(511)
	ct.Dirty(CardSize * 5)
	if !ct.HasDirty() || ct.DirtyCount() != 2 {
		t.Errorf("DirtyCount = %d", ct.DirtyCount())
	}
	if !ct.TakeDirty(5) || ct.TakeDirty(5) {
		t.Error("TakeDirty must clear the card")
	}
	ct.Reset()
	if ct.HasDirty() || ct.IsDirty(0) {
		t.Error("Reset left dirty cards")
	}
}
