package gc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/gcstats"
	"github.com/tangzhangming/fgc/internal/heap"
	"github.com/tangzhangming/fgc/internal/tlab"
)

// ============================================================================
// 年轻代
// ============================================================================
//
// 年轻代由一个 Eden 与两个 Survivor 组成，大小固定：Eden 占 80%，每个
// Survivor 占 10%（至少一个 granule）。minor GC 在暂停中复制存活的年轻
// 对象：年龄未到阈值的进入 to-space，其余晋升到老年代。根集为全部根单元
// 加上老年代的脏卡。复制后在原对象头中记录转发地址，Eden 与 from-space
// 随后整体清空。

const (
	edenFraction     = 0.8
	survivorFraction = 0.1

	// Eden 使用率超过该值时异步请求 minor GC，耗尽前完成回收
	edenTrigger = 0.8

	// 晋升阈值按 to-space 占用调整
	survivorHighWater = 0.9
	survivorLowWater  = 0.5
)

type generation struct {
	c *Collector

	eden *heap.Region
	from *heap.Region
	to   *heap.Region

	tenure    int // 配置的晋升年龄
	threshold int // 当前晋升年龄，在 [min(1, tenure), tenure] 内调整

	// 单次 minor GC 内的状态
	promoteAll bool
	work       []uint64
}

func newGeneration(c *Collector) (*generation, error) {
	young := c.cfg.YoungSize()
	granule := c.cfg.SmallRegionSize.Bytes()
	edenSize := max(granule, uint64(float64(young)*edenFraction))
	survSize := max(granule, uint64(float64(young)*survivorFraction))

	g := &generation{c: c, tenure: c.cfg.TenureThreshold, threshold: c.cfg.TenureThreshold}
	var err error
	if g.eden, err = c.heap.AllocateSizedRegion(heap.KindEden, edenSize); err != nil {
		return nil, err
	}
	if g.from, err = c.heap.AllocateSizedRegion(heap.KindSurvivor, survSize); err != nil {
		return nil, err
	}
	if g.to, err = c.heap.AllocateSizedRegion(heap.KindSurvivor, survSize); err != nil {
		return nil, err
	}
	c.log.Debug("young generation ready",
		zap.Uint64("eden", g.eden.Size()),
		zap.Uint64("survivor", g.from.Size()),
		zap.Int("tenure", g.tenure))
	return g, nil
}

// AllocateChunk 从 Eden 划出 TLAB（实现 tlab.Source）
func (g *generation) AllocateChunk(lo, hi uint64) (*heap.Region, uint64, uint64, error) {
	start, end, ok := g.eden.BumpChunk(lo, hi)
	if !ok {
		return nil, 0, 0, tlab.ErrExhausted
	}
	return g.eden, start, end, nil
}

// canCollect 老年代容量足以接收最坏情况下的全部晋升
func (g *generation) canCollect() bool {
	need := g.eden.Used() + g.from.Used() + g.c.cfg.SmallRegionSize.Bytes() + g.c.cfg.MediumRegionSize.Bytes()
	return g.c.heap.FreeCapacity() >= need
}

// forEachObject 遍历 Eden 与 from-space 中的对象
func (g *generation) forEachObject(fn func(r *heap.Region, addr uint64)) {
	for _, r := range []*heap.Region{g.eden, g.from} {
		r.ForEachObject(func(addr uint64) bool {
			fn(r, addr)
			return true
		})
	}
}

// ============================================================================
// minor GC
// ============================================================================

// minor 执行一次 minor GC（持有 cycleMu）；promoteAll 时全部存活对象直接晋升
func (c *Collector) minor(cause string, promoteAll bool) error {
	g := c.gen
	cy := &gcstats.Cycle{
		ID:      c.cycleID.Inc(),
		Kind:    gcstats.KindMinor,
		Cause:   cause,
		Start:   time.Now(),
		Workers: 1,
	}
	cy.HeapUsedBefore = c.heap.Stats().Used
	c.cycle.reset()
	defer func() {
		if v := recover(); v != nil {
			cy.Failed = true
			cy.Error = fmt.Sprint(v)
			c.stats.RecordCycle(*cy)
			panic(v)
		}
	}()

	cy.PauseMinor = c.sp.pause(func() {
		c.setPhase(PhaseMinorCollect)
		g.collect(cy, promoteAll)
	})
	c.stats.RecordPause(cy.PauseMinor)
	c.setPhase(PhaseIdle)

	cy.ObjectsCopied = c.cycle.copied.Load()
	cy.BytesCopied = c.cycle.copiedBytes.Load()
	cy.ObjectsPromoted = c.cycle.promoted.Load()
	cy.TenuringThreshold = g.threshold
	c.recordCycle(cy)
	return nil
}

// collect minor GC 暂停体
func (g *generation) collect(cy *gcstats.Cycle, promoteAll bool) {
	c := g.c
	c.forEachMutator(func(m *Mutator) { m.retire() })
	g.promoteAll = promoteAll
	g.work = g.work[:0]

	for _, s := range c.rootSlots() {
		if v := s.load(); !v.IsNull() {
			if nv := g.evacuate(v); nv != v {
				s.store(nv)
			}
		}
	}
	for _, r := range c.heap.Regions() {
		if r.Generation() == heap.GenOld && r.Cards() != nil && r.Cards().HasDirty() {
			g.scanCards(r)
		}
	}
	g.drain()

	cy.FinalizersQueued += c.fin.update(g.survivor)
	cy.WeakRefsCleared += c.weak.update(func(p colorptr.Pointer) colorptr.Pointer {
		nv, _ := g.survivor(p)
		return nv
	})

	g.eden.Reset()
	g.from.Reset()
	g.from, g.to = g.to, g.from
	g.adjustThreshold()
	g.work = g.work[:0]
}

// survivor 弱引用目标在本次 minor GC 后的位置；年轻对象未被复制时返回 false
func (g *generation) survivor(p colorptr.Pointer) (colorptr.Pointer, bool) {
	addr := p.Address()
	r := g.c.heap.Lookup(addr)
	if r == nil || r.Generation() != heap.GenYoung || r == g.to {
		return p, true
	}
	if fwd, ok := r.Forwardee(addr); ok {
		return colorptr.Pack(fwd, colorptr.Remapped), true
	}
	return colorptr.Null, false
}

// evacuate 复制年轻对象（已复制时返回转发地址），非年轻目标原样返回
func (g *generation) evacuate(v colorptr.Pointer) colorptr.Pointer {
	c := g.c
	addr := v.Address()
	r := c.heap.Lookup(addr)
	if r == nil || r.Generation() != heap.GenYoung || r == g.to || !r.IsObjectStart(addr) {
		return v
	}
	if fwd, ok := r.Forwardee(addr); ok {
		return colorptr.Pack(fwd, colorptr.Remapped)
	}

	hdr := r.Header(addr)
	age := heap.IncrementAge(hdr.Age)
	var to uint64
	var tr *heap.Region
	if !g.promoteAll && int(age) < g.threshold {
		if a, ok := g.to.Bump(hdr.Size, hdr.Align); ok {
			to, tr = a, g.to
		}
	}
	if tr == nil {
		a, pr, err := c.heap.AllocateRaw(hdr.Size, hdr.Align)
		if err != nil {
			panic(fmt.Errorf("promote %d bytes: %w", hdr.Size, err))
		}
		to, tr = a, pr
		c.cycle.promoted.Inc()
	}
	r.CopyObject(addr, tr, to, hdr.Size)
	tr.SetAge(to, age)
	tr.RegisterObject(to)
	r.SetForwardee(addr, to)
	c.cycle.copied.Inc()
	c.cycle.copiedBytes.Add(hdr.Size)
	g.work = append(g.work, to)
	return colorptr.Pack(to, colorptr.Remapped)
}

// evacuateField 复制字段目标并改写字段；老对象字段仍指向年轻代时重新置脏卡
func (g *generation) evacuateField(r *heap.Region, field uint64) {
	v := colorptr.Pointer(r.LoadWord(field))
	if v.IsNull() {
		return
	}
	nv := g.evacuate(v)
	if nv != v {
		r.StoreWord(field, uint64(nv))
	}
	g.c.dirtyIfYoung(r, field, nv)
}

// scanCards 处理老年代区域的脏卡
func (g *generation) scanCards(r *heap.Region) {
	ct := r.Cards()
	top := r.Top()
	for i := 0; i < ct.Len(); i++ {
		if !ct.TakeDirty(i) {
			continue
		}
		lo := r.Start() + uint64(i)*heap.CardSize
		hi := min(lo+heap.CardSize, top)
		if lo >= hi {
			continue
		}
		visit := func(obj uint64) bool {
			hdr := r.Header(obj)
			for _, off := range g.c.layout.PointerFields(hdr) {
				if field := fieldAddr(obj, hdr, off); field >= lo && field < hi {
					g.evacuateField(r, field)
				}
			}
			return true
		}
		// 跨入本卡的对象
		if obj, ok := r.ObjectContaining(lo); ok && obj < lo {
			visit(obj)
		}
		r.ForEachObjectIn(lo, hi, visit)
	}
}

// drain 扫描已复制对象的字段直到工作表为空
func (g *generation) drain() {
	for len(g.work) > 0 {
		addr := g.work[len(g.work)-1]
		g.work = g.work[:len(g.work)-1]
		r := g.c.heap.Lookup(addr)
		hdr := r.Header(addr)
		for _, off := range g.c.layout.PointerFields(hdr) {
			g.evacuateField(r, fieldAddr(addr, hdr, off))
		}
	}
}

// adjustThreshold 按 to-space（交换后的 from）占用调整晋升年龄
func (g *generation) adjustThreshold() {
	lo := min(1, g.tenure)
	occ := float64(g.from.Used()) / float64(g.from.Size())
	switch {
	case occ > survivorHighWater && g.threshold > lo:
		g.threshold--
	case occ < survivorLowWater && g.threshold < g.tenure:
		g.threshold++
	}
}
