package gc

import (
	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/config"
	"github.com/tangzhangming/fgc/internal/heap"
	"github.com/tangzhangming/fgc/internal/vmem"
)

// ============================================================================
// 读屏障
// ============================================================================
//
// 好颜色在标记期间是本周期的标记色，其余时间是 Remapped。
// 快速路径只检查 ptr & badMask == 0；慢速路径：
//  1. 目标区域在重定位集中：查转发表，尚未复制则由当前线程复制
//  2. 标记中：标记目标并压入全局队列
//  3. 以好颜色返回，并用 CAS 写回被读取的单元（立即自愈）
//
// 自愈写回的总是同一个逻辑引用，所以不经过写屏障。

// BarrierMode 写屏障策略
type BarrierMode int

const (
	// BarrierSATB 快照写屏障：标记期间记录被覆盖的旧值
	BarrierSATB BarrierMode = iota
	// BarrierCard 卡表写屏障：老对象写入年轻指针时置脏卡
	BarrierCard
)

func (b BarrierMode) String() string {
	if b == BarrierSATB {
		return config.BarrierSATB
	}
	return config.BarrierCard
}

func barrierMode(cfg *config.Config) BarrierMode {
	if cfg.Barrier() == config.BarrierSATB {
		return BarrierSATB
	}
	return BarrierCard
}

// satbBufferSize mutator 本地 SATB 缓冲容量
const satbBufferSize = 256

const allColors = colorptr.Marked0 | colorptr.Marked1 | colorptr.Remapped

// setGood 切换好颜色（只在暂停中调用）
func (c *Collector) setGood(good colorptr.Color) {
	c.good.Store(uint64(good))
	c.badMask.Store(uint64(allColors &^ good))
}

func (c *Collector) goodColor() colorptr.Color {
	return colorptr.Color(c.good.Load())
}

// isGood 快速路径判断
func (c *Collector) isGood(p colorptr.Pointer) bool {
	return p.IsNull() || uint64(p)&c.badMask.Load() == 0
}

// resolve 对不在寄存单元中的指针执行读屏障（不写回）
func (c *Collector) resolve(p colorptr.Pointer) colorptr.Pointer {
	if c.isGood(p) {
		return p
	}
	return c.slowPath(p)
}

// slowPath 读屏障慢速路径
func (c *Collector) slowPath(p colorptr.Pointer) colorptr.Pointer {
	addr := p.Address()
	r := c.heap.Lookup(addr)
	if r == nil {
		return p
	}
	good := c.goodColor()
	if good == colorptr.Remapped {
		if r.Forwarding() != nil {
			addr = c.relocate(r, addr)
		}
	} else if c.marking.Load() {
		if c.mark(r, addr) {
			c.queue.PushGlobal(addr)
		}
	}
	return colorptr.Pack(addr, good)
}

// loadField 读取对象字段并自愈
func (c *Collector) loadField(r *heap.Region, view vmem.View, field uint64) colorptr.Pointer {
	v := colorptr.Pointer(r.LoadWordView(view, field))
	if c.isGood(v) {
		return v
	}
	nv := c.slowPath(v)
	if nv != v {
		r.CompareAndSwapWordView(view, field, uint64(v), uint64(nv))
	}
	return nv
}

// loadSlot 读取根单元并自愈
func (c *Collector) loadSlot(s *Slot) colorptr.Pointer {
	v := s.load()
	if c.isGood(v) {
		return v
	}
	nv := c.slowPath(v)
	if nv != v {
		s.cas(v, nv)
	}
	return nv
}

// mark 标记周期中的对象，返回是否首次标记
//
// 年轻代对象与本周期新建区域中的对象隐式存活，不进入位图。
func (c *Collector) mark(r *heap.Region, addr uint64) bool {
	epoch := c.heap.Epoch()
	if r.Generation() == heap.GenYoung || r.Epoch() == epoch {
		return false
	}
	if !r.IsObjectStart(addr) {
		return false
	}
	if r.Mark(epoch, addr) {
		c.cycle.marked.Inc()
		return true
	}
	return false
}

// isLive 标记结束后判断对象是否存活
func (c *Collector) isLive(addr uint64) bool {
	r := c.heap.Lookup(addr)
	if r == nil {
		return false
	}
	epoch := c.heap.Epoch()
	if r.Generation() == heap.GenYoung || r.Epoch() == epoch {
		return r.IsObjectStart(addr)
	}
	return r.IsMarked(epoch, addr)
}

// isYoung 地址是否在年轻代
func (c *Collector) isYoung(addr uint64) bool {
	if c.gen == nil || addr == 0 {
		return false
	}
	r := c.heap.Lookup(addr)
	return r != nil && r.Generation() == heap.GenYoung
}

// ============================================================================
// 写屏障
// ============================================================================

// storeField 带写屏障的字段写入
func (c *Collector) storeField(m *Mutator, r *heap.Region, view vmem.View, field uint64, val colorptr.Pointer) {
	switch c.barrier {
	case BarrierSATB:
		if c.marking.Load() {
			if old := r.LoadWordView(view, field); old != 0 {
				m.satbEnqueue(old)
			}
		}
		r.StoreWordView(view, field, uint64(val))
	case BarrierCard:
		r.StoreWordView(view, field, uint64(val))
		c.dirtyIfYoung(r, field, val)
	}
}

// dirtyIfYoung 老对象字段指向年轻对象时置脏卡
func (c *Collector) dirtyIfYoung(r *heap.Region, field uint64, val colorptr.Pointer) {
	if r.Generation() == heap.GenOld && r.Cards() != nil && c.isYoung(val.Address()) {
		r.Cards().Dirty(field - r.Start())
	}
}

// flushSATB 把一个本地缓冲交给全局列表
func (c *Collector) flushSATB(buf []uint64) {
	if len(buf) == 0 {
		return
	}
	c.satbMu.Lock()
	c.satbBufs = append(c.satbBufs, buf)
	c.satbMu.Unlock()
	c.satbPending.Inc()
}

// pollSATB 标记线程空闲时搬运全局 SATB 缓冲，返回是否产生了新任务
func (c *Collector) pollSATB() bool {
	if c.satbPending.Load() == 0 {
		return false
	}
	c.satbMu.Lock()
	bufs := c.satbBufs
	c.satbBufs = nil
	c.satbPending.Store(0)
	c.satbMu.Unlock()

	var batch []uint64
	for _, buf := range bufs {
		for _, v := range buf {
			addr := colorptr.Pointer(v).Address()
			if r := c.heap.Lookup(addr); r != nil && c.mark(r, addr) {
				batch = append(batch, addr)
			}
		}
	}
	c.queue.PushGlobal(batch...)
	return len(batch) > 0
}
