package gc

import (
	"errors"
	"math/rand"
	"sync"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/config"
	"github.com/tangzhangming/fgc/internal/gcstats"
	"github.com/tangzhangming/fgc/internal/heap"
)

// 链表节点：[0] next | [8] 值 | [16] 校验值
const (
	nodeSize     = 24
	nodeRefMap   = 1
	nodeChecksum = 31
)

func testConfig(generational bool) config.Config {
	cfg := config.Default()
	cfg.MaxHeapSize = 8 * config.MB
	cfg.MinHeapSize = 0
	cfg.InitialHeapSize = 0
	cfg.SmallRegionSize = 64 * config.KB
	cfg.MediumRegionSize = 256 * config.KB
	cfg.SmallThreshold = 256
	cfg.LargeThreshold = 4 * config.KB
	cfg.TLABSize = 16 * config.KB
	cfg.TLABMinSize = 16 * config.KB
	cfg.TLABMaxSize = 64 * config.KB
	cfg.GCThreads = 2
	cfg.Generational = generational
	cfg.MultiMapping = config.MappingGo
	cfg.WriteBarrier = config.BarrierAuto
	return cfg
}

func modeName(generational bool) string {
	if generational {
		return "generational"
	}
	return "single"
}

func newTestCollector(t testing.TB, cfg config.Config, opts ...Option) *Collector {
	t.Helper()
	opts = append([]Option{WithLogger(zaptest.NewLogger(t))}, opts...)
	c, err := New(cfg, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() {
		if err := c.Close(); err != nil && !errors.Is(err, ErrCollectorFailed) {
			t.Errorf("Close: %v", err)
		}
	})
	return c
}

func newTestMutator(t testing.TB, c *Collector) *Mutator {
	t.Helper()
	m, err := c.NewMutator()
	if err != nil {
		t.Fatalf("NewMutator: %v", err)
	}
	t.Cleanup(func() { m.Close() })
	return m
}

func newNode(t testing.TB, m *Mutator, v uint64) colorptr.Pointer {
	t.Helper()
	p, err := m.AllocateWithRefMap(nodeSize, nodeRefMap)
	if err != nil {
		t.Fatalf("AllocateWithRefMap: %v", err)
	}
	if err := m.WriteWord(p, 8, v); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	if err := m.WriteWord(p, 16, v*nodeChecksum); err != nil {
		t.Fatalf("WriteWord: %v", err)
	}
	return p
}

// buildList 构造 n 个节点的链表，头节点值为 n-1
func buildList(t testing.TB, c *Collector, m *Mutator, n int) *Root {
	t.Helper()
	root, err := c.RegisterRoot(colorptr.Null)
	if err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	for i := 0; i < n; i++ {
		p := newNode(t, m, uint64(i))
		if err := m.InitPointer(p, 0, root.Get()); err != nil {
			t.Fatalf("InitPointer: %v", err)
		}
		root.Set(p)
	}
	return root
}

func checkList(t testing.TB, m *Mutator, root *Root, n int) {
	t.Helper()
	p := root.Get()
	for i := n - 1; i >= 0; i-- {
		if p.IsNull() {
			t.Fatalf("list ended early at %d", i)
		}
		v, err := m.ReadWord(p, 8)
		if err != nil {
			t.Fatalf("ReadWord: %v", err)
		}
		if v != uint64(i) {
			t.Fatalf("node %d holds %d", i, v)
		}
		if p, err = m.LoadPointer(p, 0); err != nil {
			t.Fatalf("LoadPointer: %v", err)
		}
	}
	if !p.IsNull() {
		t.Fatalf("list longer than %d", n)
	}
}

// verify 在 mutator 阻塞期间校验堆
func verify(t testing.TB, c *Collector, m *Mutator) {
	t.Helper()
	if m != nil {
		m.Block()
		defer m.Unblock()
	}
	if err := c.Verify(); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestAllocateReadWrite(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)

	p, err := m.Allocate(64, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if p.IsNull() || !c.isGood(p) {
		t.Fatalf("Allocate returned %v", p)
	}
	for off := uint64(0); off < 64; off += 8 {
		if err := m.WriteWord(p, off, off*3); err != nil {
			t.Fatalf("WriteWord(%d): %v", off, err)
		}
	}
	for off := uint64(0); off < 64; off += 8 {
		if v, err := m.ReadWord(p, off); err != nil || v != off*3 {
			t.Errorf("ReadWord(%d) = %d, %v", off, v, err)
		}
	}

	info, err := m.ObjectInfo(p)
	if err != nil {
		t.Fatalf("ObjectInfo: %v", err)
	}
	if info.Size != 88 || info.Generation != heap.GenOld || info.Age != 0 {
		t.Errorf("unexpected object info %v", info)
	}

	if _, err := m.ReadWord(p, 64); err == nil {
		t.Error("read past the payload should fail")
	}
	if _, err := m.ReadWord(p, 3); err == nil {
		t.Error("misaligned read should fail")
	}
	var ipe *InvalidPointerError
	if _, err := m.LoadPointer(colorptr.Null, 0); !errors.As(err, &ipe) {
		t.Errorf("LoadPointer(null) = %v, want InvalidPointerError", err)
	}
	var ae *AlignmentError
	if _, err := m.Allocate(16, 3); !errors.As(err, &ae) {
		t.Errorf("Allocate(align 3) = %v, want AlignmentError", err)
	}
}

func TestAlignedAllocation(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)
	for _, align := range []uint64{8, 16, 64, 256, 4096} {
		p, err := m.Allocate(40, align)
		if err != nil {
			t.Fatalf("Allocate(align %d): %v", align, err)
		}
		if payload := p.Address() + heap.HeaderSize; payload%align != 0 {
			t.Errorf("payload %#x not aligned to %d", payload, align)
		}
	}
}

func TestListSurvivesCollections(t *testing.T) {
	for _, gen := range []bool{false, true} {
		t.Run(modeName(gen), func(t *testing.T) {
			c := newTestCollector(t, testConfig(gen))
			m := newTestMutator(t, c)

			const n = 500
			root := buildList(t, c, m, n)
			// 交错的垃圾
			for i := 0; i < 2000; i++ {
				if _, err := m.Allocate(48, 8); err != nil {
					t.Fatalf("Allocate: %v", err)
				}
			}
			for i, g := range []Generation{Full, Young, Full, Young, Full} {
				if err := m.Collect(g); err != nil {
					t.Fatalf("Collect #%d: %v", i, err)
				}
				checkList(t, m, root, n)
				verify(t, c, m)
			}
			if err := c.UnregisterRoot(root); err != nil {
				t.Fatalf("UnregisterRoot: %v", err)
			}
			if err := c.UnregisterRoot(root); !errors.Is(err, ErrUnknownRoot) {
				t.Errorf("second UnregisterRoot = %v, want ErrUnknownRoot", err)
			}
		})
	}
}

func TestGarbageIsReclaimed(t *testing.T) {
	for _, gen := range []bool{false, true} {
		t.Run(modeName(gen), func(t *testing.T) {
			c := newTestCollector(t, testConfig(gen))
			m := newTestMutator(t, c)
			for i := 0; i < 1000; i++ {
				if _, err := m.Allocate(64, 8); err != nil {
					t.Fatalf("Allocate: %v", err)
				}
			}
			if used := c.HeapStats().Used; used < 1000*88 {
				t.Fatalf("heap used %d before collection", used)
			}
			if err := m.Collect(Full); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if used := c.HeapStats().Used; used > 4096 {
				t.Errorf("heap used %d after collecting unreachable objects", used)
			}
			if cy, ok := c.LastCycle(); !ok || cy.Kind != gcstats.KindMajor {
				t.Errorf("last cycle %+v", cy)
			}
			if s := c.Stats(); s.BytesReclaimed < 1000*88 {
				t.Errorf("reclaimed %d bytes", s.BytesReclaimed)
			}
		})
	}
}

func TestRelocationPreservesObjects(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)

	type kept struct {
		root *Root
		addr uint64
		v    uint64
	}
	var roots []kept
	for i := 0; i < 2000; i++ {
		p, err := m.Allocate(64, 8)
		if err != nil {
			t.Fatalf("Allocate: %v", err)
		}
		v := uint64(i)*0x9E3779B97F4A7C15 + 1
		if err := m.WriteWord(p, 0, v); err != nil {
			t.Fatalf("WriteWord: %v", err)
		}
		if err := m.WriteWord(p, 56, ^v); err != nil {
			t.Fatalf("WriteWord: %v", err)
		}
		if i%16 == 0 {
			r, err := c.RegisterRoot(p)
			if err != nil {
				t.Fatalf("RegisterRoot: %v", err)
			}
			roots = append(roots, kept{root: r, addr: p.Address(), v: v})
		}
	}

	if err := m.Collect(Full); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	cy, _ := c.LastCycle()
	if cy.RelocationSet == 0 || cy.ObjectsCopied == 0 {
		t.Fatalf("expected sparse regions to be relocated, cycle %+v", cy)
	}

	moved := 0
	for _, k := range roots {
		p := k.root.Get()
		if p.Address() != k.addr {
			moved++
		}
		if a, _ := m.ReadWord(p, 0); a != k.v {
			t.Errorf("object %#x: first word %#x, want %#x", p.Address(), a, k.v)
		}
		if b, _ := m.ReadWord(p, 56); b != ^k.v {
			t.Errorf("object %#x: last word %#x, want %#x", p.Address(), b, ^k.v)
		}
	}
	if moved == 0 {
		t.Error("no rooted object moved")
	}
	verify(t, c, m)
}

func TestStalePointerAfterRelocationFails(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)

	a := newNode(t, m, 0xCAFE)
	root, err := c.RegisterRoot(a)
	if err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	for i := 0; i < 3000; i++ {
		newNode(t, m, uint64(i))
	}
	if err := m.Collect(Full); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if root.Get().Address() == a.Address() {
		t.Fatalf("object at %#x was not relocated", a.Address())
	}

	// 释放的地址区间不会立即交给新区域
	for i := 0; i < 5000; i++ {
		p := newNode(t, m, 0xBAD)
		if p.Address() == a.Address() {
			t.Fatalf("address %#x reused in the cycle that freed it", a.Address())
		}
	}

	_, err = m.ReadWord(m.Resolve(a), 8)
	var ipe *InvalidPointerError
	if !errors.As(err, &ipe) {
		t.Fatalf("ReadWord(stale) err = %v, want InvalidPointerError", err)
	}
	if v, err := m.ReadWord(root.Get(), 8); err != nil || v != 0xCAFE {
		t.Fatalf("rooted object holds %#x (%v), want 0xcafe", v, err)
	}
}

func TestConcurrentMutators(t *testing.T) {
	for _, gen := range []bool{false, true} {
		t.Run(modeName(gen), func(t *testing.T) {
			c := newTestCollector(t, testConfig(gen))

			const workers, iters, chains = 4, 1500, 16
			var wg sync.WaitGroup
			for w := 0; w < workers; w++ {
				wg.Add(1)
				go func(w int) {
					defer wg.Done()
					m, err := c.NewMutator()
					if err != nil {
						t.Errorf("NewMutator: %v", err)
						return
					}
					defer m.Close()
					roots := make([]*Root, chains)
					for i := range roots {
						if roots[i], err = c.RegisterRoot(colorptr.Null); err != nil {
							t.Errorf("RegisterRoot: %v", err)
							return
						}
					}
					rng := rand.New(rand.NewSource(int64(w)))
					for i := 0; i < iters; i++ {
						j := rng.Intn(chains)
						v := uint64(w)<<32 | uint64(i)
						p, err := m.AllocateWithRefMap(nodeSize, nodeRefMap)
						if err != nil {
							t.Errorf("AllocateWithRefMap: %v", err)
							return
						}
						if err := m.WriteWord(p, 8, v); err != nil {
							t.Errorf("WriteWord: %v", err)
							return
						}
						if err := m.WriteWord(p, 16, v*nodeChecksum); err != nil {
							t.Errorf("WriteWord: %v", err)
							return
						}
						if rng.Intn(8) != 0 {
							if err := m.InitPointer(p, 0, roots[j].Get()); err != nil {
								t.Errorf("InitPointer: %v", err)
								return
							}
						}
						roots[j].Set(p)
						if i%50 == 0 {
							walkChain(t, m, roots[j], 64)
						}
					}
				}(w)
			}

			for k := 0; k < 6; k++ {
				g := Full
				if k%2 == 1 {
					g = Young
				}
				if err := c.Collect(g); err != nil {
					t.Errorf("Collect #%d: %v", k, err)
				}
			}
			wg.Wait()

			if err := c.Verify(); err != nil {
				t.Fatalf("Verify: %v", err)
			}
			if err := c.Collect(Full); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			if err := c.Verify(); err != nil {
				t.Fatalf("Verify after final collection: %v", err)
			}
			if s := c.Stats(); s.TotalCycles < 7 || s.Allocations < workers*iters {
				t.Errorf("unexpected stats %+v", s)
			}
		})
	}
}

// walkChain 沿链表校验至多 limit 个节点（期间没有 GC 点）
func walkChain(t testing.TB, m *Mutator, root *Root, limit int) {
	p := root.Get()
	for k := 0; k < limit && !p.IsNull(); k++ {
		v, err := m.ReadWord(p, 8)
		if err != nil {
			t.Errorf("ReadWord: %v", err)
			return
		}
		sum, err := m.ReadWord(p, 16)
		if err != nil {
			t.Errorf("ReadWord: %v", err)
			return
		}
		if sum != v*nodeChecksum {
			t.Errorf("node %#x corrupted: value %#x checksum %#x", p.Address(), v, sum)
			return
		}
		if p, err = m.LoadPointer(p, 0); err != nil {
			t.Errorf("LoadPointer: %v", err)
			return
		}
	}
}

func TestMarkingTerminatesWhileMutatorsLoad(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)
	const n = 2000
	root := buildList(t, c, m, n)
	m.Block()

	stop := make(chan struct{})
	var wg sync.WaitGroup
	for w := 0; w < 2; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rm, err := c.NewMutator()
			if err != nil {
				t.Errorf("NewMutator: %v", err)
				return
			}
			defer rm.Close()
			for {
				select {
				case <-stop:
					return
				default:
				}
				walkChain(t, rm, root, n)
				rm.CheckSafepoint()
			}
		}()
	}

	done := make(chan error, 1)
	go func() {
		var err error
		for i := 0; i < 3 && err == nil; i++ {
			err = c.Collect(Full)
		}
		done <- err
	}()
	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Collect: %v", err)
		}
	case <-time.After(60 * time.Second):
		t.Fatal("collection did not finish while mutators were loading")
	}
	close(stop)
	wg.Wait()

	m.Unblock()
	checkList(t, m, root, n)
}

func TestOutOfMemory(t *testing.T) {
	cfg := testConfig(false)
	cfg.MaxHeapSize = 1 * config.MB
	c := newTestCollector(t, cfg)
	m := newTestMutator(t, c)

	var oom *OutOfMemoryError
	_, err := m.Allocate(2*uint64(config.MB), 8)
	if !errors.As(err, &oom) {
		t.Fatalf("Allocate(2MB) = %v, want OutOfMemoryError", err)
	}
	if oom.Available >= oom.Requested {
		t.Errorf("available %d not below requested %d", oom.Available, oom.Requested)
	}

	// 存活的大对象逐个填满堆
	var roots []*Root
	for i := 0; i < 16; i++ {
		p, err := m.Allocate(200*uint64(config.KB), 8)
		if err != nil {
			if !errors.As(err, &oom) {
				t.Fatalf("Allocate #%d = %v, want OutOfMemoryError", i, err)
			}
			if oom.Total != uint64(cfg.MaxHeapSize) {
				t.Errorf("oom total %d, want %d", oom.Total, cfg.MaxHeapSize)
			}
			if len(roots) == 0 {
				t.Error("no large object fit before running out of memory")
			}
			return
		}
		r, err := c.RegisterRoot(p)
		if err != nil {
			t.Fatalf("RegisterRoot: %v", err)
		}
		roots = append(roots, r)
	}
	t.Fatal("1MB heap held 16 live 200KB objects")
}

func TestCollectorFailure(t *testing.T) {
	c := newTestCollector(t, testConfig(false))
	m := newTestMutator(t, c)
	if _, err := m.Allocate(32, 8); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	m.Block()

	c.hooks.afterMarkStart = func() { panic("injected") }
	if err := c.Collect(Full); !errors.Is(err, ErrCollectorFailed) {
		t.Fatalf("Collect = %v, want ErrCollectorFailed", err)
	}
	m.Unblock()
	if _, err := m.Allocate(32, 8); !errors.Is(err, ErrCollectorFailed) {
		t.Errorf("Allocate after failure = %v", err)
	}
	if _, err := c.NewMutator(); !errors.Is(err, ErrCollectorFailed) {
		t.Errorf("NewMutator after failure = %v", err)
	}
	if err := c.Collect(Young); !errors.Is(err, ErrCollectorFailed) {
		t.Errorf("Collect after failure = %v", err)
	}
	if h := c.Health(); h.Status != Critical {
		t.Errorf("health %v, want critical", h.Status)
	}
	if s := c.Stats(); s.FailedCycle != 1 {
		t.Errorf("failed cycles %d, want 1", s.FailedCycle)
	}
}

func TestInvalidLayoutFailsCollector(t *testing.T) {
	const badClass = 7
	layout := LayoutFunc(func(hdr heap.ObjectHeader) []uint64 {
		if hdr.ClassID == badClass {
			return []uint64{4096}
		}
		return refMapFields(hdr.RefMap)
	})
	c := newTestCollector(t, testConfig(false), WithLayout(layout))
	m := newTestMutator(t, c)

	p, err := m.New(badClass, 16)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if _, err := c.RegisterRoot(p); err != nil {
		t.Fatalf("RegisterRoot: %v", err)
	}
	err = m.Collect(Full)
	if !errors.Is(err, ErrCollectorFailed) {
		t.Fatalf("Collect = %v, want ErrCollectorFailed", err)
	}
	var ipe *InvalidPointerError
	if !errors.As(err, &ipe) {
		t.Errorf("failure %v does not carry the invalid pointer", err)
	}
}

func TestAllocateRootUnderCollection(t *testing.T) {
	for _, gen := range []bool{false, true} {
		t.Run(modeName(gen), func(t *testing.T) {
			c := newTestCollector(t, testConfig(gen))

			stop := make(chan struct{})
			var wg sync.WaitGroup
			wg.Add(1)
			go func() {
				defer wg.Done()
				for i := 0; ; i++ {
					select {
					case <-stop:
						return
					default:
					}
					if i%8 == 0 {
						c.RequestGC(Full)
					} else {
						c.RequestGC(Young)
					}
					time.Sleep(50 * time.Microsecond)
				}
			}()

			roots := make([]*Root, 0, 3000)
			for i := 0; i < 3000; i++ {
				r, err := c.AllocateRoot(64, 8)
				if err != nil {
					close(stop)
					wg.Wait()
					t.Fatalf("AllocateRoot: %v", err)
				}
				roots = append(roots, r)
			}
			close(stop)
			wg.Wait()

			if err := c.Collect(Full); err != nil {
				t.Fatalf("Collect: %v", err)
			}
			seen := make(map[uint64]int, len(roots))
			for i, r := range roots {
				info, err := c.ObjectInfo(r.Get())
				if err != nil {
					t.Fatalf("root %d: %v", i, err)
				}
				if info.Size < 64 {
					t.Fatalf("root %d: size %d", i, info.Size)
				}
				if j, dup := seen[info.Address]; dup {
					t.Fatalf("roots %d and %d share address %#x", j, i, info.Address)
				}
				seen[info.Address] = i
			}
			verify(t, c, nil)
		})
	}
}

func TestPhaseTransitions(t *testing.T) {
	c := newTestCollector(t, testConfig(true))
	if p := c.Phase(); p != PhaseIdle {
		t.Fatalf("fresh collector in phase %v", p)
	}

	var seen []Phase
	c.hooks.onPhase = func(p Phase) { seen = append(seen, p) }
	var during []Phase
	c.hooks.afterMarkStart = func() { during = append(during, c.Phase()) }
	c.hooks.afterRelocate = func() { during = append(during, c.Phase()) }

	if err := c.Collect(Young); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want := []Phase{PhaseMinorCollect, PhaseIdle}
	if !equalPhases(seen, want) {
		t.Errorf("minor phases %v, want %v", seen, want)
	}

	seen = nil
	if err := c.Collect(Full); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	want = []Phase{
		PhaseMinorCollect, PhaseIdle,
		PhaseMarkStart, PhaseConcurrentMark, PhaseMarkEnd,
		PhasePrepareRelocation, PhaseConcurrentRelocate, PhaseCleanup, PhaseIdle,
	}
	if cy, _ := c.LastCycle(); cy.MarkEndRetries == 0 && !equalPhases(seen, want) {
		t.Errorf("full phases %v, want %v", seen, want)
	}
	if !equalPhases(during, []Phase{PhaseConcurrentMark, PhaseConcurrentRelocate}) {
		t.Errorf("phases observed between pauses %v", during)
	}
	for _, p := range seen {
		if p.Paused() == (p == PhaseIdle || p == PhaseConcurrentMark || p == PhaseConcurrentRelocate) {
			t.Errorf("phase %v reports paused=%v", p, p.Paused())
		}
	}
	if p := c.Phase(); p != PhaseIdle {
		t.Errorf("phase after collection %v", p)
	}
	if h := c.Health(); h.Phase != PhaseIdle {
		t.Errorf("health reports phase %v", h.Phase)
	}
}

func equalPhases(a, b []Phase) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func TestHealthAndStats(t *testing.T) {
	c := newTestCollector(t, testConfig(true))
	h := c.Health()
	if h.Status != Healthy || h.Utilization <= 0 || h.Utilization >= healthWarning {
		t.Errorf("fresh collector health %+v", h)
	}
	if _, err := c.Allocate(128, 8); err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := c.Collect(Young); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	s := c.Stats()
	if s.MinorCycles != 1 || s.MajorCycles != 0 || s.Allocations != 1 || s.PauseCount == 0 {
		t.Errorf("unexpected summary %+v", s)
	}
	if got := len(c.Cycles()); got != 1 {
		t.Errorf("%d cycles recorded", got)
	}
	if err := c.Collect(Full); err != nil {
		t.Fatalf("Collect: %v", err)
	}
	if s := c.Stats(); s.MajorCycles != 1 || s.MinorCycles != 2 {
		t.Errorf("after full collection %+v", s)
	}
}

func TestCloseRejectsFurtherUse(t *testing.T) {
	cfg := testConfig(false)
	c, err := New(cfg, WithLogger(zaptest.NewLogger(t)))
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	fired := make(chan uintptr, 1)
	m, err := c.NewMutator()
	if err != nil {
		t.Fatalf("NewMutator: %v", err)
	}
	p, err := m.Allocate(16, 8)
	if err != nil {
		t.Fatalf("Allocate: %v", err)
	}
	if err := m.SetFinalizer(p, func(addr uintptr) { fired <- addr }); err != nil {
		t.Fatalf("SetFinalizer: %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Mutator.Close: %v", err)
	}
	if err := m.Close(); !errors.Is(err, ErrMutatorClosed) {
		t.Errorf("second Mutator.Close = %v", err)
	}

	if err := c.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	select {
	case <-fired:
	default:
		t.Error("finalizer of an unreachable object did not run on close")
	}
	if err := c.Close(); !errors.Is(err, ErrClosed) {
		t.Errorf("second Close = %v", err)
	}
	if _, err := c.Allocate(8, 8); !errors.Is(err, ErrClosed) {
		t.Errorf("Allocate after Close = %v", err)
	}
	if err := c.Collect(Full); !errors.Is(err, ErrClosed) {
		t.Errorf("Collect after Close = %v", err)
	}
}
