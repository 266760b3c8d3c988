// Package heap 实现基于区域（Region）的托管堆。
//
// 堆由小/中/大三级区域组成：小对象与中对象在共享区域内通过 CAS 推进
// top 指针分配，大对象独占一个区域。年轻代的 Eden/Survivor 也是区域，
// 只是类型不同。地址到区域的查找通过按 granule 索引的区域表完成。
package heap

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/vmem"
)

// Options 堆参数
type Options struct {
	MaxHeapSize     uint64
	MinHeapSize     uint64
	InitialHeapSize uint64

	SmallRegionSize  uint64 // 同时是地址空间的 granule
	MediumRegionSize uint64

	SmallThreshold uint64 // 载荷 <= 此值为小对象
	LargeThreshold uint64 // 载荷 > 此值为大对象

	CardTables bool // 老年代区域是否带卡表

	Mapper vmem.Mapper
	Logger *zap.Logger
}

// 分配类别
const (
	classSmall = iota
	classMedium
	numClasses
)

// Heap 区域堆
type Heap struct {
	opts   Options
	log    *zap.Logger
	space  *vmem.AddressSpace
	mapper vmem.Mapper

	table []atomic.Pointer[Region] // granule 下标 -> 区域

	current  [numClasses]atomic.Pointer[Region] // 分配区域
	reloc    [numClasses]atomic.Pointer[Region] // 重定位目标区域
	refillMu [numClasses]sync.Mutex

	mu       sync.Mutex
	regions  map[uint64]*Region
	pool     map[uint64][]vmem.Mapping // 按大小分组的空闲内存
	inUse    uint64                    // 在用区域总大小
	pooled   uint64                    // 池中内存总大小
	reserved uint64                    // 为重定位预留的容量
	retain   uint64                    // 提交量不超过此值时空闲内存留在池中

	seq   atomic.Uint64
	epoch atomic.Uint64

	closed bool
}

// New 创建区域堆
func New(opts Options) (*Heap, error) {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Mapper == nil {
		opts.Mapper = vmem.GoMapper{}
	}
	if !IsPowerOfTwo(opts.SmallRegionSize) || opts.MediumRegionSize%opts.SmallRegionSize != 0 {
		return nil, fmt.Errorf("%w: region sizes %d/%d must be powers of two multiples of each other",
			ErrHeapInitialization, opts.SmallRegionSize, opts.MediumRegionSize)
	}
	if opts.MaxHeapSize < opts.SmallRegionSize {
		return nil, fmt.Errorf("%w: max heap size %d smaller than one region", ErrHeapInitialization, opts.MaxHeapSize)
	}

	// 地址空间为最大堆的 4 倍，给不同大小区域的地址碎片留余地
	reserve, ok := checkedMul(alignUp(opts.MaxHeapSize, opts.MediumRegionSize), 4)
	if !ok {
		return nil, fmt.Errorf("%w: max heap size %d overflows", ErrHeapInitialization, opts.MaxHeapSize)
	}
	space, err := vmem.NewAddressSpace(reserve, opts.SmallRegionSize)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrHeapInitialization, err)
	}

	h := &Heap{
		opts:    opts,
		log:     opts.Logger,
		space:   space,
		mapper:  opts.Mapper,
		table:   make([]atomic.Pointer[Region], space.Slots()),
		regions: make(map[uint64]*Region),
		pool:    make(map[uint64][]vmem.Mapping),
		retain:  opts.MinHeapSize,
	}

	// 预提交初始堆
	for committed := uint64(0); committed+opts.SmallRegionSize <= opts.InitialHeapSize; committed += opts.SmallRegionSize {
		m, err := h.mapper.Map(opts.SmallRegionSize)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("%w: commit initial heap: %w", ErrHeapInitialization, err), h.Close())
		}
		h.pool[opts.SmallRegionSize] = append(h.pool[opts.SmallRegionSize], m)
		h.pooled += opts.SmallRegionSize
	}

	h.log.Debug("heap initialized",
		zap.String("mapper", h.mapper.Name()),
		zap.Uint64("max", opts.MaxHeapSize),
		zap.Uint64("initial", h.pooled),
		zap.Uint64("granule", opts.SmallRegionSize))
	return h, nil
}

// Options 堆参数
func (h *Heap) Options() Options { return h.opts }

// Space 地址空间
func (h *Heap) Space() *vmem.AddressSpace { return h.space }

// Mapper 映射策略
func (h *Heap) Mapper() vmem.Mapper { return h.mapper }

// Epoch 当前分配周期
func (h *Heap) Epoch() uint64 { return h.epoch.Load() }

// SetEpoch 进入新的标记周期（在暂停中调用）
func (h *Heap) SetEpoch(e uint64) {
	h.epoch.Store(e)
	h.space.SetEpoch(e)
}

// ============================================================================
// 地址查找
// ============================================================================

// Lookup 地址所在的区域
func (h *Heap) Lookup(addr uint64) *Region {
	if !h.space.Contains(addr) {
		return nil
	}
	return h.table[h.space.Index(addr)].Load()
}

// ObjectRegion 校验 addr 是对象起始并返回所在区域
func (h *Heap) ObjectRegion(addr uint64) (*Region, error) {
	r := h.Lookup(addr)
	if r == nil {
		return nil, &InvalidPointerError{Address: addr, Reason: "not in heap"}
	}
	if !r.IsObjectStart(addr) {
		return nil, &InvalidPointerError{Address: addr, Reason: "not an object start"}
	}
	return r, nil
}

// FieldRegion 校验 [obj+HeaderSize+off, +8) 位于对象载荷内并返回区域与字段地址
func (h *Heap) FieldRegion(obj, off uint64) (*Region, uint64, error) {
	r, err := h.ObjectRegion(obj)
	if err != nil {
		return nil, 0, err
	}
	if off%WordSize != 0 {
		return nil, 0, &InvalidPointerError{Address: obj, Reason: fmt.Sprintf("misaligned field offset %d", off)}
	}
	field, ok := checkedAdd(obj+HeaderSize, off)
	end, ok2 := checkedAdd(field, WordSize)
	if !ok || !ok2 || end > obj+r.ObjectSize(obj) {
		return nil, 0, &InvalidPointerError{Address: obj, Reason: fmt.Sprintf("field offset %d out of bounds", off)}
	}
	return r, field, nil
}

// ============================================================================
// 分配
// ============================================================================

// Allocate 分配载荷为 size 字节、按 align 对齐的对象，返回对象头地址
func (h *Heap) Allocate(size, align uint64) (uint64, error) {
	return h.AllocateObject(size, align, 0, 0)
}

// AllocateObject 分配并初始化对象头
func (h *Heap) AllocateObject(size, align uint64, classID, refMap uint32) (uint64, error) {
	total, align, err := h.SizeFor(size, align)
	if err != nil {
		return 0, err
	}
	addr, r, err := h.allocate(size, total, align, false)
	if err != nil {
		return 0, err
	}
	r.InitObject(addr, classID, refMap, total, align, 0)
	return addr, nil
}

// AllocateRelocation 为重定位分配 total 字节，优先使用预留容量；不写对象头
func (h *Heap) AllocateRelocation(total, align uint64) (uint64, *Region, error) {
	return h.allocate(total-HeaderSize, total, max(align, MinAlign), true)
}

// AllocateRaw 分配 total 字节但不写对象头（晋升与 TLAB 外的直接分配由调用者初始化）
func (h *Heap) AllocateRaw(total, align uint64) (uint64, *Region, error) {
	return h.allocate(total-HeaderSize, total, max(align, MinAlign), false)
}

// SizeFor 校验对齐并计算载荷 size 对应的对象总大小与实际对齐
func (h *Heap) SizeFor(size, align uint64) (uint64, uint64, error) {
	if align == 0 {
		align = MinAlign
	}
	if !IsPowerOfTwo(align) || align > MaxAlign {
		return 0, 0, &AlignmentError{Align: align}
	}
	if align < MinAlign {
		align = MinAlign
	}
	total, ok := ObjectSize(size)
	if !ok {
		return 0, 0, h.outOfMemory(size)
	}
	if total > h.opts.MaxHeapSize {
		return 0, 0, h.outOfMemory(total)
	}
	return total, align, nil
}

func (h *Heap) allocate(payload, total, align uint64, reloc bool) (uint64, *Region, error) {
	switch {
	case payload <= h.opts.SmallThreshold:
		if addr, r, err := h.allocateIn(classSmall, total, align, reloc); err == nil {
			return addr, r, nil
		}
		// 小区域无法创建时尝试中区域剩余空间
		if r := h.slot(classMedium, reloc).Load(); r != nil {
			if addr, ok := r.bump(total, align); ok {
				return addr, r, nil
			}
		}
	case payload <= h.opts.LargeThreshold:
		if addr, r, err := h.allocateIn(classMedium, total, align, reloc); err == nil {
			return addr, r, nil
		}
	}
	return h.allocateDedicated(total, align, reloc)
}

func (h *Heap) slot(cls int, reloc bool) *atomic.Pointer[Region] {
	if reloc {
		return &h.reloc[cls]
	}
	return &h.current[cls]
}

// allocateIn 在当前分配区域中 CAS 分配，耗尽时换新区域
func (h *Heap) allocateIn(cls int, total, align uint64, reloc bool) (uint64, *Region, error) {
	kind, regionSize := KindSmall, h.opts.SmallRegionSize
	if cls == classMedium {
		kind, regionSize = KindMedium, h.opts.MediumRegionSize
	}
	if total+align > regionSize {
		return 0, nil, h.outOfMemory(total)
	}

	slot := h.slot(cls, reloc)
	for {
		r := slot.Load()
		if r != nil {
			if addr, ok := r.bump(total, align); ok {
				return addr, r, nil
			}
		}
		if err := h.refill(cls, kind, regionSize, r, reloc); err != nil {
			return 0, nil, err
		}
	}
}

// refill 用新区域替换已耗尽的 old；其他线程已替换时直接返回
func (h *Heap) refill(cls int, kind Kind, regionSize uint64, old *Region, reloc bool) error {
	h.refillMu[cls].Lock()
	defer h.refillMu[cls].Unlock()

	slot := h.slot(cls, reloc)
	if slot.Load() != old {
		return nil
	}
	nr, err := h.newRegion(kind, regionSize, reloc)
	if err != nil {
		return err
	}
	if old != nil {
		old.CompareAndSwapState(StateAllocating, StateFull)
	}
	slot.Store(nr)
	return nil
}

// AllocateChunk 从小对象分配区域划出 [lo, hi] 字节的连续块，供 TLAB 使用
func (h *Heap) AllocateChunk(lo, hi uint64) (*Region, uint64, uint64, error) {
	if hi > h.opts.SmallRegionSize {
		hi = h.opts.SmallRegionSize
	}
	if lo > hi {
		return nil, 0, 0, h.outOfMemory(lo)
	}
	slot := &h.current[classSmall]
	for {
		r := slot.Load()
		if r != nil {
			if start, end, ok := r.BumpChunk(lo, hi); ok {
				return r, start, end, nil
			}
		}
		if err := h.refill(classSmall, KindSmall, h.opts.SmallRegionSize, r, false); err != nil {
			return nil, 0, 0, err
		}
	}
}

// allocateDedicated 为单个对象创建独占区域
func (h *Heap) allocateDedicated(total, align uint64, reloc bool) (uint64, *Region, error) {
	need, ok := total, true
	if align > MinAlign {
		need, ok = checkedAdd(total, align)
	}
	if !ok {
		return 0, nil, h.outOfMemory(total)
	}
	size, ok := alignUpChecked(need, h.opts.SmallRegionSize)
	if !ok {
		return 0, nil, h.outOfMemory(total)
	}
	r, err := h.newRegion(KindLarge, size, reloc)
	if err != nil {
		var oom *OutOfMemoryError
		if errors.As(err, &oom) {
			oom.Requested = total
		}
		return 0, nil, err
	}
	addr, ok := r.bump(total, align)
	if !ok {
		h.FreeRegion(r)
		return 0, nil, h.outOfMemory(total)
	}
	r.SetState(StateFull)
	return addr, r, nil
}

// AllocateRegion 创建指定类型的区域（小/中/年轻代使用各自的默认大小）
func (h *Heap) AllocateRegion(kind Kind) (*Region, error) {
	switch kind {
	case KindSmall:
		return h.newRegion(kind, h.opts.SmallRegionSize, false)
	case KindMedium:
		return h.newRegion(kind, h.opts.MediumRegionSize, false)
	default:
		return nil, fmt.Errorf("heap: region kind %s needs an explicit size", kind)
	}
}

// AllocateSizedRegion 创建指定大小的区域（大对象、Eden、Survivor）
func (h *Heap) AllocateSizedRegion(kind Kind, size uint64) (*Region, error) {
	size, ok := alignUpChecked(size, h.opts.SmallRegionSize)
	if !ok || size == 0 {
		return nil, h.outOfMemory(size)
	}
	return h.newRegion(kind, size, false)
}

func (h *Heap) newRegion(kind Kind, size uint64, reloc bool) (*Region, error) {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return nil, ErrHeapClosed
	}
	switch {
	case reloc && h.reserved >= size:
		h.reserved -= size
	case h.inUse+h.reserved+size > h.opts.MaxHeapSize:
		err := h.outOfMemoryLocked(size)
		h.mu.Unlock()
		return nil, err
	}
	h.inUse += size
	mem := h.takePooledLocked(size)
	h.mu.Unlock()

	start, err := h.space.Reserve(size)
	if err != nil {
		h.rollback(size, mem)
		return nil, h.outOfMemory(size)
	}
	if mem == nil {
		mem, err = h.mapper.Map(size)
		if err != nil {
			h.space.Cancel(start, size)
			h.rollback(size, nil)
			return nil, fmt.Errorf("heap: commit %s region of %d bytes: %w", kind, size, err)
		}
	} else {
		clear(mem.View(vmem.ViewRemapped))
	}

	r := newRegion(h.seq.Add(1), kind, start, size, h.epoch.Load(), mem, h.opts.CardTables)
	for i, n := h.space.Index(start), int(size/h.opts.SmallRegionSize); n > 0; i, n = i+1, n-1 {
		h.table[i].Store(r)
	}

	h.mu.Lock()
	h.regions[r.seq] = r
	h.mu.Unlock()

	h.log.Debug("region allocated", zap.Stringer("region", r), zap.Bool("relocation", reloc))
	return r, nil
}

func (h *Heap) rollback(size uint64, mem vmem.Mapping) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.inUse -= size
	if mem != nil {
		h.pool[size] = append(h.pool[size], mem)
		h.pooled += size
	}
}

func (h *Heap) takePooledLocked(size uint64) vmem.Mapping {
	list := h.pool[size]
	if len(list) == 0 {
		return nil
	}
	m := list[len(list)-1]
	h.pool[size] = list[:len(list)-1]
	h.pooled -= size
	return m
}

// SetRetention 设置内存池的保留上限，低于 MinHeapSize 时按 MinHeapSize 计
func (h *Heap) SetRetention(n uint64) {
	h.mu.Lock()
	h.retain = max(n, h.opts.MinHeapSize)
	h.mu.Unlock()
}

// Retention 内存池的保留上限
func (h *Heap) Retention() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.retain
}

// FreeRegion 释放区域：内存在提交量不超过保留上限时回到池中，否则归还操作系统
func (h *Heap) FreeRegion(r *Region) error {
	for i, n := h.space.Index(r.start), int(r.size/h.opts.SmallRegionSize); n > 0; i, n = i+1, n-1 {
		h.table[i].CompareAndSwap(r, nil)
	}
	h.space.Release(r.start, r.size)
	r.SetState(StateFree)
	r.EndRelocation()

	h.mu.Lock()
	delete(h.regions, r.seq)
	h.inUse -= r.size
	keep := !h.closed && h.inUse+h.pooled+r.size <= h.retain
	if keep {
		h.pool[r.size] = append(h.pool[r.size], r.mem)
		h.pooled += r.size
	}
	h.mu.Unlock()

	if keep {
		return nil
	}
	return r.mem.Release()
}

// RetireAllocating 停止向当前分配区域分配（在暂停中调用）
func (h *Heap) RetireAllocating() {
	for cls := range h.current {
		if r := h.current[cls].Swap(nil); r != nil {
			r.CompareAndSwapState(StateAllocating, StateFull)
		}
	}
}

// RetireRelocationTargets 结束本周期的重定位目标区域
func (h *Heap) RetireRelocationTargets() {
	for cls := range h.reloc {
		if r := h.reloc[cls].Swap(nil); r != nil {
			r.CompareAndSwapState(StateAllocating, StateFull)
		}
	}
}

// ============================================================================
// 重定位集
// ============================================================================

// RelocationCandidate 重定位候选
type RelocationCandidate struct {
	Region    *Region
	LiveBytes uint64
}

// EmptyRegions 本周期标记后没有存活对象的老年代区域
func (h *Heap) EmptyRegions(epoch uint64) []*Region {
	var out []*Region
	for _, r := range h.Regions() {
		if r.Generation() == GenOld && r.epoch != epoch && r.State() == StateFull && r.LiveBytes(epoch) == 0 {
			out = append(out, r)
		}
	}
	return out
}

// SelectRelocationSet 选择重定位集
//
// 只考虑本周期之前创建、已满的小/中区域。按存活率升序，存活率相同时
// 先选更老的区域；累计所需的目标空间不超过剩余容量。选中的区域进入
// Relocating 状态，并为其预留目标空间。
func (h *Heap) SelectRelocationSet(epoch uint64, liveRatioThreshold float64) []*Region {
	var cands []RelocationCandidate
	for _, r := range h.Regions() {
		if r.kind != KindSmall && r.kind != KindMedium {
			continue
		}
		if r.epoch == epoch || r.State() != StateFull || r.Pinned() {
			continue
		}
		live := r.LiveBytes(epoch)
		if live == 0 || float64(live)/float64(r.size) >= liveRatioThreshold {
			continue
		}
		cands = append(cands, RelocationCandidate{Region: r, LiveBytes: live})
	}
	sort.Slice(cands, func(i, j int) bool {
		ri := float64(cands[i].LiveBytes) / float64(cands[i].Region.size)
		rj := float64(cands[j].LiveBytes) / float64(cands[j].Region.size)
		if ri != rj {
			return ri < rj
		}
		return cands[i].Region.seq < cands[j].Region.seq
	})

	h.mu.Lock()
	defer h.mu.Unlock()

	free := h.opts.MaxHeapSize - h.inUse - h.reserved
	var set []*Region
	var liveAll, liveMedium, need uint64
	for _, c := range cands {
		la, lm := liveAll+c.LiveBytes, liveMedium
		if c.Region.kind == KindMedium {
			lm += c.LiveBytes
		}
		n := h.relocationNeed(la, lm)
		if n > free {
			break
		}
		liveAll, liveMedium, need = la, lm, n
		set = append(set, c.Region)
	}
	for _, r := range set {
		r.beginRelocation()
	}
	h.reserved += need
	return set
}

// relocationNeed 疏散 liveAll 字节（其中 liveMedium 为中对象区域的存活量）所需的目标空间上界
func (h *Heap) relocationNeed(liveAll, liveMedium uint64) uint64 {
	s, m := h.opts.SmallRegionSize, h.opts.MediumRegionSize
	need := (liveAll/s + 2) * s
	if liveMedium > 0 {
		need += (liveMedium/m + 2) * m
	}
	return need
}

// Unreserve 释放未用完的重定位预留
func (h *Heap) Unreserve() {
	h.mu.Lock()
	h.reserved = 0
	h.mu.Unlock()
}

// ============================================================================
// 统计
// ============================================================================

// Regions 按创建序号排序的在用区域快照
func (h *Heap) Regions() []*Region {
	h.mu.Lock()
	out := make([]*Region, 0, len(h.regions))
	for _, r := range h.regions {
		out = append(out, r)
	}
	h.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].seq < out[j].seq })
	return out
}

// Stats 堆占用统计
type Stats struct {
	Used      uint64 // 已分配字节（所有区域 top - start 之和）
	Committed uint64 // 在用区域 + 内存池
	InUse     uint64 // 在用区域总大小
	Max       uint64
	Regions   int
	Pooled    uint64
	Reserved  uint64
	YoungUsed uint64
	OldUsed   uint64
}

// Stats 返回堆占用
func (h *Heap) Stats() Stats {
	regions := h.Regions()
	h.mu.Lock()
	s := Stats{
		Committed: h.inUse + h.pooled,
		InUse:     h.inUse,
		Max:       h.opts.MaxHeapSize,
		Regions:   len(regions),
		Pooled:    h.pooled,
		Reserved:  h.reserved,
	}
	h.mu.Unlock()
	for _, r := range regions {
		u := r.Used()
		s.Used += u
		if r.Generation() == GenYoung {
			s.YoungUsed += u
		} else {
			s.OldUsed += u
		}
	}
	return s
}

// InUse 在用区域总大小
func (h *Heap) InUse() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.inUse
}

// FreeCapacity 还可创建区域的容量
func (h *Heap) FreeCapacity() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.opts.MaxHeapSize - h.inUse - h.reserved
}

// Available 当前单次可分配的最大对象字节数
func (h *Heap) Available() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.availableLocked()
}

// availableLocked 当前分配区域的剩余空间（受该类别最大对象限制）与可新建区域容量中的较大者
func (h *Heap) availableLocked() uint64 {
	best := alignDown(h.opts.MaxHeapSize-h.inUse-h.reserved, h.opts.SmallRegionSize)
	limits := [numClasses]uint64{
		classSmall:  h.opts.SmallThreshold + HeaderSize,
		classMedium: h.opts.LargeThreshold + HeaderSize,
	}
	for cls := range h.current {
		if r := h.current[cls].Load(); r != nil {
			if rem := min(r.Remaining(), limits[cls]); rem > best {
				best = rem
			}
		}
	}
	return best
}

func (h *Heap) outOfMemory(requested uint64) *OutOfMemoryError {
	return &OutOfMemoryError{Requested: requested, Available: h.Available()}
}

func (h *Heap) outOfMemoryLocked(requested uint64) *OutOfMemoryError {
	return &OutOfMemoryError{Requested: requested, Available: h.availableLocked()}
}

// Close 归还全部内存
func (h *Heap) Close() error {
	h.mu.Lock()
	h.closed = true
	regions := make([]*Region, 0, len(h.regions))
	for _, r := range h.regions {
		regions = append(regions, r)
	}
	h.regions = make(map[uint64]*Region)
	pool := h.pool
	h.pool = make(map[uint64][]vmem.Mapping)
	h.inUse, h.pooled, h.reserved = 0, 0, 0
	h.mu.Unlock()

	var err error
	for _, r := range regions {
		err = multierr.Append(err, r.mem.Release())
	}
	for _, list := range pool {
		for _, m := range list {
			err = multierr.Append(err, m.Release())
		}
	}
	return err
}
