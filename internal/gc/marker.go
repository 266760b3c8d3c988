package gc

import (
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/gcstats"
	"github.com/tangzhangming/fgc/internal/heap"
)

// ============================================================================
// 主回收周期：标记
// ============================================================================
//
// 标记以 epoch 区分周期。PauseMarkStart 进入新周期并切换好颜色，此后
// 本周期新建的区域和年轻代隐式存活，只有更早的老年代区域需要位图标记。
// 并发标记期间读屏障把读到的坏颜色目标标记并压入全局队列，SATB 屏障
// 记录被覆盖的旧值；PauseMarkEnd 在暂停中确认没有剩余任务。

// maxMarkEndRetries PauseMarkEnd 发现剩余任务时回到并发标记的次数上限
const maxMarkEndRetries = 3

// major 执行一次完整的主回收周期（持有 cycleMu）
func (c *Collector) major(cause string) error {
	cy := &gcstats.Cycle{
		ID:      c.cycleID.Inc(),
		Kind:    gcstats.KindMajor,
		Cause:   cause,
		Start:   time.Now(),
		Workers: c.pool.Workers(),
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

	c.log.Debug("major cycle started", zap.Uint64("cycle", cy.ID), zap.String("cause", cause))

	cy.PauseMarkStart = c.sp.pause(c.markStart)
	c.stats.RecordPause(cy.PauseMarkStart)
	c.setPhase(PhaseConcurrentMark)
	if h := c.hooks.afterMarkStart; h != nil {
		h()
	}

	t := gcstats.StartTimer()
	c.drain()
	cy.ConcurrentMark = t.Lap()

	c.markEnd(cy)
	cy.ObjectsMarked = c.cycle.marked.Load()
	cy.LiveBytes = c.liveEstimate.Load()

	var set []*heap.Region
	cy.PrepareRelocation = c.sp.pause(func() {
		c.setPhase(PhasePrepareRelocation)
		set = c.prepareRelocation(cy)
	})
	c.stats.RecordPause(cy.PrepareRelocation)
	c.setPhase(PhaseConcurrentRelocate)

	t = gcstats.StartTimer()
	c.concurrentRelocate(set)
	if h := c.hooks.afterRelocate; h != nil {
		h()
	}
	cy.ConcurrentRelocate = t.Lap()

	c.remapHeap()
	cy.Cleanup = t.Lap()

	cy.PauseCleanup = c.sp.pause(func() {
		c.setPhase(PhaseCleanup)
		c.cleanup(set, cy)
	})
	c.stats.RecordPause(cy.PauseCleanup)
	c.setPhase(PhaseIdle)

	cy.ObjectsCopied = c.cycle.copied.Load()
	cy.BytesCopied = c.cycle.copiedBytes.Load()
	c.recordCycle(cy)
	return nil
}

// markStart PauseMarkStart：进入新周期并扫描根
func (c *Collector) markStart() {
	c.setPhase(PhaseMarkStart)
	epoch := c.heap.Epoch() + 1
	c.heap.SetEpoch(epoch)
	c.setGood(colorptr.MarkColorForEpoch(epoch))
	c.marking.Store(true)
	c.majorActive.Store(true)

	// 之后的分配全部落在本周期的新区域
	c.heap.RetireAllocating()
	c.forEachMutator(func(m *Mutator) {
		m.retire()
		if m.tlab != nil && c.cfg.TLABResize {
			m.tlab.Resize()
		}
	})
	c.queue.Reset()

	var batch []uint64
	for _, s := range c.rootSlots() {
		batch = c.markSlot(s, batch)
	}
	if c.gen != nil {
		// 年轻代整体视为根
		c.gen.forEachObject(func(r *heap.Region, addr uint64) {
			hdr := r.Header(addr)
			for _, off := range c.layout.PointerFields(hdr) {
				batch = c.markField(r, fieldAddr(addr, hdr, off), batch)
			}
		})
	}
	c.queue.PushGlobal(batch...)
}

// markSlot 标记根单元的目标并把单元改为好颜色
func (c *Collector) markSlot(s *Slot, batch []uint64) []uint64 {
	v := s.load()
	if v.IsNull() {
		return batch
	}
	addr := v.Address()
	r := c.heap.Lookup(addr)
	if r == nil {
		return batch
	}
	if c.mark(r, addr) {
		batch = append(batch, addr)
	}
	s.cas(v, colorptr.Pack(addr, c.goodColor()))
	return batch
}

// markField 标记字段的目标并把字段改为好颜色
func (c *Collector) markField(r *heap.Region, field uint64, batch []uint64) []uint64 {
	v := colorptr.Pointer(r.LoadWord(field))
	if v.IsNull() {
		return batch
	}
	addr := v.Address()
	tr := c.heap.Lookup(addr)
	if tr == nil {
		return batch
	}
	if c.mark(tr, addr) {
		batch = append(batch, addr)
	}
	if !c.isGood(v) {
		r.CompareAndSwapWord(field, uint64(v), uint64(colorptr.Pack(addr, c.goodColor())))
	}
	return batch
}

// drain 全部工作线程处理标记队列直到终止
func (c *Collector) drain() {
	c.queue.Reset()
	err := c.pool.Run(func(id int) {
		c.queue.Drain(id, c.pollSATB, func(v uint64) { c.scanObject(id, v) })
	})
	if err != nil {
		panic(err)
	}
}

// scanObject 扫描已标记对象的指针字段
func (c *Collector) scanObject(id int, addr uint64) {
	r := c.heap.Lookup(addr)
	if r == nil {
		return
	}
	hdr := r.Header(addr)
	good := c.goodColor()
	for _, off := range c.layout.PointerFields(hdr) {
		field := fieldAddr(addr, hdr, off)
		v := colorptr.Pointer(r.LoadWord(field))
		if v.IsNull() {
			continue
		}
		t := v.Address()
		tr := c.heap.Lookup(t)
		if tr == nil {
			continue
		}
		if c.mark(tr, t) {
			c.queue.Push(id, t)
		}
		if !c.isGood(v) {
			r.CompareAndSwapWord(field, uint64(v), uint64(colorptr.Pack(t, good)))
		}
	}
}

// markEnd PauseMarkEnd
//
// 暂停中搬运全部 SATB 缓冲后仍有任务时，恢复世界再并发标记一轮，
// 超过重试次数后在暂停中处理完。
func (c *Collector) markEnd(cy *gcstats.Cycle) {
	if h := c.hooks.beforeMarkEnd; h != nil {
		h()
	}
	for {
		done := false
		d := c.sp.pause(func() {
			c.setPhase(PhaseMarkEnd)
			c.forEachMutator(func(m *Mutator) {
				c.flushSATB(m.satb)
				m.satb = nil
			})
			c.pollSATB()
			if c.queue.HasWork() && cy.MarkEndRetries < maxMarkEndRetries {
				return
			}
			c.drain()
			c.finishMark(cy)
			done = true
		})
		cy.PauseMarkEnd += d
		c.stats.RecordPause(d)
		if done {
			return
		}
		cy.MarkEndRetries++
		c.log.Debug("mark end found more work, resuming concurrent mark", zap.Int("retry", cy.MarkEndRetries))
		c.setPhase(PhaseConcurrentMark)
		t := gcstats.StartTimer()
		c.drain()
		cy.ConcurrentMark += t.Elapsed()
	}
}

// finishMark 标记完成后处理弱引用、终结器并估算存活量（暂停中）
func (c *Collector) finishMark(cy *gcstats.Cycle) {
	c.marking.Store(false)
	good := c.goodColor()

	cy.FinalizersQueued += c.fin.update(func(p colorptr.Pointer) (colorptr.Pointer, bool) {
		if !c.isLive(p.Address()) {
			return colorptr.Null, false
		}
		return colorptr.Pack(p.Address(), good), true
	})
	cy.WeakRefsCleared += c.weak.update(func(p colorptr.Pointer) colorptr.Pointer {
		if !c.isLive(p.Address()) {
			return colorptr.Null
		}
		return colorptr.Pack(p.Address(), good)
	})

	epoch := c.heap.Epoch()
	var live uint64
	for _, r := range c.heap.Regions() {
		if r.Generation() == heap.GenYoung || r.Epoch() == epoch {
			live += r.Used()
			continue
		}
		live += r.LiveBytes(epoch)
	}
	c.liveEstimate.Store(live)
}
