package gc

import (
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/heap"
	"github.com/tangzhangming/fgc/internal/tlab"
	"github.com/tangzhangming/fgc/internal/vmem"
)

// ============================================================================
// Mutator
// ============================================================================
//
// 每个 mutator goroutine 持有一个 Mutator，所有堆访问经由它完成。
// Mutator 不是并发安全的，只能由持有它的 goroutine 使用。
//
// 指针约定：Allocate*、CheckSafepoint、Collect、Unblock 是 GC 点，对象可能在
// GC 点移动。跨越 GC 点仍需使用的指针必须放在 Root 或 Slot 中，之后重新读取。

// Mutator mutator 句柄
type Mutator struct {
	c    *Collector
	tlab *tlab.TLAB
	satb []uint64

	// lastAlloc 最近一次分配且尚未经过 GC 点的对象，InitPointer 据此省略写屏障
	lastAlloc uint64

	blocked bool
	closed  bool
}

// NewMutator 挂接一个新的 mutator（STW 期间等待）
func (c *Collector) NewMutator() (*Mutator, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	m := &Mutator{c: c}
	if c.cfg.TLABEnabled {
		m.tlab = tlab.New(tlab.Config{
			Size:    c.cfg.TLABSize.Bytes(),
			MinSize: c.cfg.TLABMinSize.Bytes(),
			MaxSize: c.cfg.TLABMaxSize.Bytes(),
		})
	}
	c.sp.attach()
	c.mutMu.Lock()
	c.mutators[m] = struct{}{}
	c.mutMu.Unlock()
	return m, nil
}

// Close 退役 TLAB、交出 SATB 缓冲并离开
func (m *Mutator) Close() error {
	if m.closed {
		return ErrMutatorClosed
	}
	if m.blocked {
		m.Unblock()
	}
	m.retire()
	m.c.flushSATB(m.satb)
	m.satb = nil
	m.c.mutMu.Lock()
	delete(m.c.mutators, m)
	m.c.mutMu.Unlock()
	m.closed = true
	m.c.sp.detach()
	return nil
}

func (m *Mutator) check() error {
	if m.closed {
		return ErrMutatorClosed
	}
	return m.c.err()
}

// forEachMutator 遍历已挂接的 mutator（暂停中调用）
func (c *Collector) forEachMutator(fn func(m *Mutator)) {
	c.mutMu.Lock()
	defer c.mutMu.Unlock()
	for m := range c.mutators {
		fn(m)
	}
}

// retire 退役 TLAB（mutator 自身或暂停中的回收线程调用）
func (m *Mutator) retire() {
	if m.tlab != nil {
		m.tlab.Retire()
	}
	m.lastAlloc = 0
}

// ============================================================================
// 安全点
// ============================================================================

// CheckSafepoint 有 STW 请求时在此停下
func (m *Mutator) CheckSafepoint() {
	if m.c.sp.requested.Load() {
		m.lastAlloc = 0
		m.c.sp.park()
	}
}

// Block 进入阻塞区：此后回收器无需等待本 mutator
func (m *Mutator) Block() {
	if m.blocked || m.closed {
		return
	}
	m.blocked = true
	m.lastAlloc = 0
	m.c.sp.detach()
}

// Unblock 离开阻塞区（STW 期间等待）
func (m *Mutator) Unblock() {
	if !m.blocked || m.closed {
		return
	}
	m.c.sp.attach()
	m.blocked = false
}

// Collect 同步触发一次回收，等待期间本 mutator 处于阻塞区
func (m *Mutator) Collect(gen Generation) error {
	if err := m.check(); err != nil {
		return err
	}
	wasBlocked := m.blocked
	m.Block()
	err := m.c.Collect(gen)
	if !wasBlocked {
		m.Unblock()
	}
	return err
}

// ============================================================================
// 分配
// ============================================================================

// Allocate 分配载荷为 size 字节、载荷按 align 对齐的对象（无指针字段）
func (m *Mutator) Allocate(size, align uint64) (colorptr.Pointer, error) {
	return m.allocate(size, align, 0, 0)
}

// AllocateWithRefMap 分配带引用图的对象
func (m *Mutator) AllocateWithRefMap(size uint64, refMap uint32) (colorptr.Pointer, error) {
	return m.allocate(size, heap.MinAlign, 0, refMap)
}

// New 分配 class 类型的对象；size 为 0 时使用类型注册表中的大小
func (m *Mutator) New(class uint32, size uint64) (colorptr.Pointer, error) {
	if size == 0 {
		if cs, ok := m.c.layout.(classSizer); ok {
			if cls, ok := cs.Lookup(class); ok {
				size = cls.Size
			}
		}
	}
	return m.allocate(size, heap.MinAlign, class, 0)
}

func (m *Mutator) allocate(size, align uint64, class, refMap uint32) (colorptr.Pointer, error) {
	if err := m.check(); err != nil {
		return colorptr.Null, err
	}
	m.CheckSafepoint()

	c := m.c
	total, align, err := c.heap.SizeFor(size, align)
	if err != nil {
		return colorptr.Null, c.withHeapContext(err)
	}

	for attempt := 0; ; attempt++ {
		addr, r, slow, err := m.tryAllocate(size, total, align, attempt > 0)
		if err == nil {
			r.InitObject(addr, class, refMap, total, align, 0)
			m.lastAlloc = addr
			c.stats.RecordAllocation(class, total)
			if slow {
				c.maybeTrigger()
			}
			return colorptr.Pack(addr, c.goodColor()), nil
		}
		if !errors.Is(err, errYoungExhausted) && !heap.IsOutOfMemory(err) && !errors.Is(err, tlab.ErrExhausted) {
			return colorptr.Null, err
		}

		var gen Generation
		switch {
		case attempt == 0 && c.gen != nil:
			gen = Young
		case attempt == 0 || (attempt == 1 && c.gen != nil):
			gen = Full
		default:
			if errors.Is(err, errYoungExhausted) || errors.Is(err, tlab.ErrExhausted) {
				err = &heap.OutOfMemoryError{Requested: total, Available: c.heap.Available()}
			}
			return colorptr.Null, c.withHeapContext(err)
		}
		c.log.Debug("allocation failed, collecting",
			zap.Stringer("generation", gen), zap.Uint64("requested", total), zap.Int("attempt", attempt))
		if cerr := m.Collect(gen); cerr != nil {
			return colorptr.Null, cerr
		}
	}
}

// tryAllocate 按分代与 TLAB 策略选择分配位置，返回未初始化的对象地址
func (m *Mutator) tryAllocate(payload, total, align uint64, allowOld bool) (uint64, *heap.Region, bool, error) {
	c := m.c
	if g := c.gen; g != nil && payload <= c.cfg.LargeThreshold.Bytes() {
		if addr, r, slow, ok := m.allocateYoung(g, total, align); ok {
			return addr, r, slow, nil
		}
		if !allowOld && !c.majorActive.Load() {
			return 0, nil, true, errYoungExhausted
		}
		addr, r, err := c.heap.AllocateRaw(total, align)
		return addr, r, true, err
	}

	if m.tlab != nil && c.gen == nil && payload <= c.cfg.SmallThreshold.Bytes() {
		if addr, r, slow, ok := m.allocateTLAB(c.heap, total, align); ok {
			return addr, r, slow, nil
		}
	}
	addr, r, err := c.heap.AllocateRaw(total, align)
	return addr, r, true, err
}

// allocateYoung 在 Eden 中分配（TLAB 或共享推进）
func (m *Mutator) allocateYoung(g *generation, total, align uint64) (uint64, *heap.Region, bool, bool) {
	if m.tlab != nil {
		if addr, r, slow, ok := m.allocateTLAB(g, total, align); ok {
			return addr, r, slow, true
		}
	}
	eden := g.eden
	if addr, ok := eden.Bump(total, align); ok {
		return addr, eden, true, true
	}
	return 0, nil, true, false
}

// allocateTLAB TLAB 快速路径与填充策略；放弃时由调用者走共享路径
func (m *Mutator) allocateTLAB(src tlab.Source, total, align uint64) (uint64, *heap.Region, bool, bool) {
	t := m.tlab
	if addr, ok := t.AllocateFast(total, align); ok {
		return addr, t.Region(), false, true
	}
	if !t.ShouldRefill(total) {
		t.NoteSlowAlloc()
		return 0, nil, true, false
	}
	need := total
	if align > heap.MinAlign {
		need += align
	}
	if err := t.Refill(src, need); err != nil {
		return 0, nil, true, false
	}
	if addr, ok := t.AllocateFast(total, align); ok {
		return addr, t.Region(), true, true
	}
	return 0, nil, true, false
}

// ============================================================================
// 字段访问
// ============================================================================

// field 解析对象指针并校验字段偏移
//
// 返回的视图由解析后指针的颜色决定，多视图映射下字段访问经由该颜色对应的
// 虚拟地址别名完成。
func (m *Mutator) field(obj colorptr.Pointer, off uint64) (*heap.Region, uint64, vmem.View, error) {
	if obj.IsNull() {
		return nil, 0, vmem.ViewRemapped, &heap.InvalidPointerError{Address: 0, Reason: "null object"}
	}
	obj = m.c.resolve(obj)
	r, field, err := m.c.heap.FieldRegion(obj.Address(), off)
	return r, field, vmem.ViewFor(obj.Color()), err
}

// LoadPointer 经由读屏障读取指针字段
func (m *Mutator) LoadPointer(obj colorptr.Pointer, off uint64) (colorptr.Pointer, error) {
	if err := m.check(); err != nil {
		return colorptr.Null, err
	}
	r, field, view, err := m.field(obj, off)
	if err != nil {
		return colorptr.Null, err
	}
	return m.c.loadField(r, view, field), nil
}

// StorePointer 经由写屏障写入指针字段
func (m *Mutator) StorePointer(obj colorptr.Pointer, off uint64, val colorptr.Pointer) error {
	if err := m.check(); err != nil {
		return err
	}
	r, field, view, err := m.field(obj, off)
	if err != nil {
		return err
	}
	val, err = m.value(val)
	if err != nil {
		return err
	}
	m.c.storeField(m, r, view, field, val)
	return nil
}

// InitPointer 初始化刚分配对象的指针字段
//
// 只有最近一次分配、尚未经过 GC 点的对象可以省略写屏障；卡表模式下还要求
// 该对象在年轻代。其余情况等同于 StorePointer。
func (m *Mutator) InitPointer(obj colorptr.Pointer, off uint64, val colorptr.Pointer) error {
	if err := m.check(); err != nil {
		return err
	}
	if obj.IsNull() || obj.Address() != m.lastAlloc {
		return m.StorePointer(obj, off, val)
	}
	r, field, err := m.c.heap.FieldRegion(obj.Address(), off)
	if err != nil {
		return err
	}
	if m.c.barrier == BarrierCard && r.Generation() != heap.GenYoung {
		return m.StorePointer(obj, off, val)
	}
	val, err = m.value(val)
	if err != nil {
		return err
	}
	if m.c.barrier == BarrierSATB && m.c.marking.Load() {
		if old := r.LoadWord(field); old != 0 {
			m.satbEnqueue(old)
		}
	}
	r.StoreWord(field, uint64(val))
	return nil
}

// value 解析并校验要写入的指针值
func (m *Mutator) value(val colorptr.Pointer) (colorptr.Pointer, error) {
	if val.IsNull() {
		return colorptr.Null, nil
	}
	val = m.c.resolve(val)
	if _, err := m.c.heap.ObjectRegion(val.Address()); err != nil {
		return colorptr.Null, err
	}
	return val, nil
}

// ReadWord 读取非指针字
func (m *Mutator) ReadWord(obj colorptr.Pointer, off uint64) (uint64, error) {
	if err := m.check(); err != nil {
		return 0, err
	}
	r, field, view, err := m.field(obj, off)
	if err != nil {
		return 0, err
	}
	return r.LoadWordView(view, field), nil
}

// WriteWord 写入非指针字
func (m *Mutator) WriteWord(obj colorptr.Pointer, off, v uint64) error {
	if err := m.check(); err != nil {
		return err
	}
	r, field, view, err := m.field(obj, off)
	if err != nil {
		return err
	}
	r.StoreWordView(view, field, v)
	return nil
}

// LoadSlot 经由读屏障读取根单元
func (m *Mutator) LoadSlot(s *Slot) colorptr.Pointer {
	return m.c.loadSlot(s)
}

// StoreSlot 写入根单元
func (m *Mutator) StoreSlot(s *Slot, p colorptr.Pointer) {
	s.store(m.c.resolve(p))
}

// Resolve 对持有的指针执行读屏障
func (m *Mutator) Resolve(p colorptr.Pointer) colorptr.Pointer {
	return m.c.resolve(p)
}

// satbEnqueue 记录被覆盖的旧值
func (m *Mutator) satbEnqueue(old uint64) {
	if m.satb == nil {
		m.satb = make([]uint64, 0, satbBufferSize)
	}
	m.satb = append(m.satb, old)
	if len(m.satb) == satbBufferSize {
		m.c.flushSATB(m.satb)
		m.satb = nil
	}
}

// ============================================================================
// 诊断
// ============================================================================

// ObjectInfo 对象诊断信息
type ObjectInfo struct {
	Address    uint64
	Generation heap.Generation
	Region     heap.Kind
	Age        uint8
	Size       uint64
	ClassID    uint32
	Finalizer  bool
}

func (i ObjectInfo) String() string {
	return fmt.Sprintf("%#x %s/%s age=%d size=%d class=%d", i.Address, i.Generation, i.Region, i.Age, i.Size, i.ClassID)
}

// ObjectInfo 查询对象所在代、年龄、大小
func (m *Mutator) ObjectInfo(p colorptr.Pointer) (ObjectInfo, error) {
	if err := m.check(); err != nil {
		return ObjectInfo{}, err
	}
	return m.c.objectInfo(p)
}

func (c *Collector) objectInfo(p colorptr.Pointer) (ObjectInfo, error) {
	if p.IsNull() {
		return ObjectInfo{}, &heap.InvalidPointerError{Reason: "null object"}
	}
	p = c.resolve(p)
	r, err := c.heap.ObjectRegion(p.Address())
	if err != nil {
		return ObjectInfo{}, err
	}
	hdr := r.Header(p.Address())
	return ObjectInfo{
		Address:    p.Address(),
		Generation: r.Generation(),
		Region:     r.Kind(),
		Age:        hdr.Age,
		Size:       hdr.Size,
		ClassID:    hdr.ClassID,
		Finalizer:  hdr.Finalizable,
	}, nil
}
