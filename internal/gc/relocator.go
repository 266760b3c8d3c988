package gc

import (
	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/gcstats"
	"github.com/tangzhangming/fgc/internal/heap"
)

// ============================================================================
// 主回收周期：重定位与清理
// ============================================================================
//
// PrepareRelocation 把好颜色切回 Remapped，释放没有存活对象的区域并选出
// 重定位集。此后任何线程读到指向重定位集的坏颜色指针时，通过转发表取得
// 新地址，必要时自己复制对象（认领-复制-发布，先到者复制）。
//
// 复制完成后并发遍历整个堆，把仍指向重定位集的字段改写为新地址；清理
// 暂停中再处理根、弱引用与终结器表，然后释放重定位集。目标空间不足的
// 对象原地保留，所在区域本周期不释放。

// relocationLiveRatio 存活率低于该值的区域才进入重定位集
const relocationLiveRatio = 0.75

// prepareRelocation PrepareRelocation 暂停
func (c *Collector) prepareRelocation(cy *gcstats.Cycle) []*heap.Region {
	c.setGood(colorptr.Remapped)
	epoch := c.heap.Epoch()
	for _, r := range c.heap.EmptyRegions(epoch) {
		if err := c.heap.FreeRegion(r); err != nil {
			c.log.Warn("release region memory", zap.Stringer("region", r), zap.Error(err))
		}
		cy.RegionsFreed++
	}
	set := c.heap.SelectRelocationSet(epoch, relocationLiveRatio)
	cy.RelocationSet = len(set)
	return set
}

// relocate 返回 r 中对象 addr 的新地址，尚未复制时由当前线程复制
func (c *Collector) relocate(r *heap.Region, addr uint64) uint64 {
	f := r.Forwarding()
	if f == nil {
		return addr
	}
	if to, ok := f.Lookup(addr); ok {
		return to
	}
	if !f.Claim(addr) {
		return f.Wait(addr)
	}

	hdr := r.Header(addr)
	to, tr, err := c.heap.AllocateRelocation(hdr.Size, hdr.Align)
	if err != nil {
		// 目标空间不足：对象原地保留
		r.Pin()
		f.Publish(addr, addr)
		c.log.Debug("relocation target exhausted, pinning region", zap.Stringer("region", r), zap.Error(err))
		return addr
	}
	r.CopyObject(addr, tr, to, hdr.Size)
	tr.RegisterObject(to)
	if c.gen != nil && tr.Cards() != nil {
		for _, off := range c.layout.PointerFields(hdr) {
			field := fieldAddr(to, hdr, off)
			c.dirtyIfYoung(tr, field, colorptr.Pointer(tr.LoadWord(field)))
		}
	}
	f.Publish(addr, to)
	c.cycle.copied.Inc()
	c.cycle.copiedBytes.Add(hdr.Size)
	return to
}

// parallelFor 工作线程按下标认领 [0, n) 并执行 fn
func (c *Collector) parallelFor(n int, fn func(i int)) {
	if n == 0 {
		return
	}
	var next atomic.Int64
	err := c.pool.Run(func(int) {
		for {
			i := int(next.Inc()) - 1
			if i >= n {
				return
			}
			fn(i)
		}
	})
	if err != nil {
		panic(err)
	}
}

// concurrentRelocate 复制重定位集中全部已标记对象
func (c *Collector) concurrentRelocate(set []*heap.Region) {
	epoch := c.heap.Epoch()
	c.parallelFor(len(set), func(i int) {
		r := set[i]
		r.ForEachMarked(epoch, func(addr uint64) bool {
			c.relocate(r, addr)
			return true
		})
	})
}

// ============================================================================
// 重映射
// ============================================================================

// remapValue 指针的 Remapped 形式；目标已死时原样返回
func (c *Collector) remapValue(v colorptr.Pointer) colorptr.Pointer {
	if v.IsNull() {
		return v
	}
	addr := v.Address()
	r := c.heap.Lookup(addr)
	if r == nil {
		return v
	}
	if f := r.Forwarding(); f != nil {
		if to, ok := f.Lookup(addr); ok {
			return colorptr.Pack(to, colorptr.Remapped)
		}
		if r.IsMarked(c.heap.Epoch(), addr) {
			return colorptr.Pack(c.relocate(r, addr), colorptr.Remapped)
		}
		return v
	}
	if c.isGood(v) {
		return v
	}
	return colorptr.Pack(addr, colorptr.Remapped)
}

// remapField 改写单个字段，与 mutator 的并发写入以 CAS 协调
func (c *Collector) remapField(r *heap.Region, field uint64) {
	for {
		v := colorptr.Pointer(r.LoadWord(field))
		nv := c.remapValue(v)
		if nv == v || r.CompareAndSwapWord(field, uint64(v), uint64(nv)) {
			return
		}
	}
}

// remapSlot 改写根单元
func (c *Collector) remapSlot(s *Slot) {
	for {
		v := s.load()
		nv := c.remapValue(v)
		if nv == v || s.cas(v, nv) {
			return
		}
	}
}

// remapObject 改写对象的全部指针字段
func (c *Collector) remapObject(r *heap.Region, addr uint64) {
	hdr := r.Header(addr)
	for _, off := range c.layout.PointerFields(hdr) {
		c.remapField(r, fieldAddr(addr, hdr, off))
	}
}

// remapHeap 并发遍历可能持有旧地址的对象
//
// 更早周期的老年代区域只有已标记对象可能被读到；本周期新建的区域与
// 年轻代没有标记位图，遍历全部对象。重定位集中只有原地保留的对象需要处理。
func (c *Collector) remapHeap() {
	regions := c.heap.Regions()
	epoch := c.heap.Epoch()
	c.parallelFor(len(regions), func(i int) {
		r := regions[i]
		walk := func(addr uint64) bool {
			c.remapObject(r, addr)
			return true
		}
		switch f := r.Forwarding(); {
		case r.Generation() == heap.GenYoung || r.Epoch() == epoch:
			r.ForEachObject(walk)
		case f != nil:
			if !r.Pinned() {
				return
			}
			r.ForEachMarked(epoch, func(addr uint64) bool {
				if to, ok := f.Lookup(addr); ok && to == addr {
					c.remapObject(r, addr)
				}
				return true
			})
		default:
			r.ForEachMarked(epoch, walk)
		}
	})
}

// cleanup Cleanup 暂停：改写根与弱表，释放重定位集
func (c *Collector) cleanup(set []*heap.Region, cy *gcstats.Cycle) {
	for _, s := range c.rootSlots() {
		c.remapSlot(s)
	}
	c.weak.update(c.remapValue)
	c.fin.update(func(p colorptr.Pointer) (colorptr.Pointer, bool) {
		return c.remapValue(p), true
	})

	for _, r := range set {
		if r.Pinned() {
			cy.PinnedRegions++
			r.EndRelocation()
			r.SetState(heap.StateFull)
			continue
		}
		if err := c.heap.FreeRegion(r); err != nil {
			c.log.Warn("release region memory", zap.Stringer("region", r), zap.Error(err))
		}
		cy.RegionsFreed++
	}
	c.heap.RetireRelocationTargets()
	c.heap.Unreserve()

	c.majorActive.Store(false)
	c.lastInUse.Store(c.heap.InUse())
	if cy.PinnedRegions > 0 {
		c.log.Info("regions kept in place after relocation failure", zap.Int("pinned", cy.PinnedRegions))
	}
}
