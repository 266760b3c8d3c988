package heap

import (
	"fmt"
	"sync"
	"sync/atomic"
	"unsafe"

	"github.com/tangzhangming/fgc/internal/vmem"
)

// Kind 区域类型
type Kind uint8

const (
	KindSmall    Kind = iota // 小对象区域
	KindMedium               // 中对象区域
	KindLarge                // 大对象独占区域
	KindEden                 // 年轻代 Eden
	KindSurvivor             // 年轻代 Survivor
)

func (k Kind) String() string {
	switch k {
	case KindSmall:
		return "small"
	case KindMedium:
		return "medium"
	case KindLarge:
		return "large"
	case KindEden:
		return "eden"
	case KindSurvivor:
		return "survivor"
	default:
		return fmt.Sprintf("kind(%d)", k)
	}
}

// Generation 区域所属的代
type Generation uint8

const (
	GenYoung Generation = iota // 年轻代
	GenOld                     // 老年代
)

func (g Generation) String() string {
	if g == GenYoung {
		return "young"
	}
	return "old"
}

// State 区域状态
type State int32

const (
	StateFree       State = iota // 空闲
	StateAllocating              // 分配中
	StateFull                    // 已满（不再分配）
	StateRelocating              // 在重定位集中
	StateRetired                 // 已疏散，等待释放
)

func (s State) String() string {
	switch s {
	case StateFree:
		return "free"
	case StateAllocating:
		return "allocating"
	case StateFull:
		return "full"
	case StateRelocating:
		return "relocating"
	case StateRetired:
		return "retired"
	default:
		return fmt.Sprintf("state(%d)", s)
	}
}

// ============================================================================
// Region
// ============================================================================

// Region 连续的堆区间
//
// top 在 Allocating 状态内单调不减，只通过 CAS 推进。
// 标记位图按周期奇偶分两份，首次在新周期使用时惰性清空。
type Region struct {
	seq   uint64 // 创建序号，越小越老
	kind  Kind
	start uint64
	size  uint64
	epoch uint64 // 创建时的标记周期

	mem vmem.Mapping

	top   atomic.Uint64
	state atomic.Int32

	starts *Bitmap // 对象起始位图（8 字节粒度）

	markMu    sync.Mutex
	marks     [2]*Bitmap
	markEpoch [2]atomic.Uint64 // 周期号 + 1，0 表示从未使用
	live      [2]atomic.Uint64

	cards  *CardTable                // 老年代卡表
	fwd    atomic.Pointer[Forwarding] // 仅在重定位集中存在
	pinned atomic.Bool                // 重定位失败，原地保留
}

func newRegion(seq uint64, kind Kind, start, size, epoch uint64, mem vmem.Mapping, cards bool) *Region {
	r := &Region{
		seq:   seq,
		kind:  kind,
		start: start,
		size:  size,
		epoch: epoch,
		mem:   mem,
	}
	r.top.Store(start)
	r.state.Store(int32(StateAllocating))

	slots := int(size / MinAlign)
	if kind == KindLarge {
		slots = 1
	}
	r.starts = NewBitmap(slots)
	if kind.Generation() == GenOld {
		r.marks[0] = NewBitmap(slots)
		r.marks[1] = NewBitmap(slots)
		if cards {
			r.cards = NewCardTable(size)
		}
	}
	return r
}

// Generation 区域类型对应的代
func (k Kind) Generation() Generation {
	if k == KindEden || k == KindSurvivor {
		return GenYoung
	}
	return GenOld
}

func (r *Region) Seq() uint64            { return r.seq }
func (r *Region) Kind() Kind             { return r.kind }
func (r *Region) Generation() Generation { return r.kind.Generation() }
func (r *Region) Start() uint64          { return r.start }
func (r *Region) End() uint64            { return r.start + r.size }
func (r *Region) Size() uint64           { return r.size }
func (r *Region) Epoch() uint64          { return r.epoch }
func (r *Region) Top() uint64            { return r.top.Load() }
func (r *Region) Cards() *CardTable      { return r.cards }

// Used 已分配字节数
func (r *Region) Used() uint64 { return r.top.Load() - r.start }

// Remaining 剩余字节数
func (r *Region) Remaining() uint64 { return r.End() - r.top.Load() }

// Contains 地址是否在区域内
func (r *Region) Contains(addr uint64) bool {
	return addr >= r.start && addr < r.End()
}

func (r *Region) State() State { return State(r.state.Load()) }

func (r *Region) SetState(s State) { r.state.Store(int32(s)) }

// CompareAndSwapState 状态 CAS
func (r *Region) CompareAndSwapState(old, s State) bool {
	return r.state.CompareAndSwap(int32(old), int32(s))
}

func (r *Region) String() string {
	return fmt.Sprintf("region#%d[%s %#x-%#x %s used=%d]", r.seq, r.kind, r.start, r.End(), r.State(), r.Used())
}

// ============================================================================
// 分配
// ============================================================================

// bump 在区域内 CAS 分配 total 字节的对象，载荷按 align 对齐
func (r *Region) bump(total, align uint64) (uint64, bool) {
	end := r.End()
	for {
		top := r.top.Load()
		addr := top
		if align > MinAlign {
			payload, ok := alignUpChecked(top+HeaderSize, align)
			if !ok {
				return 0, false
			}
			addr = payload - HeaderSize
		}
		next, ok := checkedAdd(addr, total)
		if !ok || next > end {
			return 0, false
		}
		if r.top.CompareAndSwap(top, next) {
			return addr, true
		}
	}
}

// Bump 在区域内直接分配 total 字节（不写对象头）
func (r *Region) Bump(total, align uint64) (uint64, bool) {
	return r.bump(total, max(align, MinAlign))
}

// BumpChunk 划出一块 [lo, hi] 字节之间的连续空间（TLAB 填充）
func (r *Region) BumpChunk(lo, hi uint64) (uint64, uint64, bool) {
	end := r.End()
	for {
		top := r.top.Load()
		avail := end - top
		if avail < lo {
			return 0, 0, false
		}
		n := hi
		if avail < n {
			n = alignDown(avail, MinAlign)
		}
		if r.top.CompareAndSwap(top, top+n) {
			return top, top + n, true
		}
	}
}

// ============================================================================
// 内存访问
// ============================================================================

func (r *Region) wordPtr(v vmem.View, addr uint64) *uint64 {
	return (*uint64)(unsafe.Pointer(&r.mem.View(v)[addr-r.start]))
}

// LoadWord 原子读
func (r *Region) LoadWord(addr uint64) uint64 {
	return atomic.LoadUint64(r.wordPtr(vmem.ViewRemapped, addr))
}

// StoreWord 原子写
func (r *Region) StoreWord(addr, val uint64) {
	atomic.StoreUint64(r.wordPtr(vmem.ViewRemapped, addr), val)
}

// CompareAndSwapWord 原子 CAS
func (r *Region) CompareAndSwapWord(addr, old, val uint64) bool {
	return atomic.CompareAndSwapUint64(r.wordPtr(vmem.ViewRemapped, addr), old, val)
}

// LoadWordView 经由指定视图读取
func (r *Region) LoadWordView(v vmem.View, addr uint64) uint64 {
	return atomic.LoadUint64(r.wordPtr(v, addr))
}

// StoreWordView 经由指定视图写入
func (r *Region) StoreWordView(v vmem.View, addr, val uint64) {
	atomic.StoreUint64(r.wordPtr(v, addr), val)
}

// CompareAndSwapWordView 经由指定视图 CAS
func (r *Region) CompareAndSwapWordView(v vmem.View, addr, old, val uint64) bool {
	return atomic.CompareAndSwapUint64(r.wordPtr(v, addr), old, val)
}

// Bytes 返回 [addr, addr+n) 的字节切片（默认视图）
func (r *Region) Bytes(addr, n uint64) []byte {
	off := addr - r.start
	return r.mem.View(vmem.ViewRemapped)[off : off+n : off+n]
}

// ============================================================================
// 对象
// ============================================================================

// InitObject 写入对象头并登记对象起始位
//
// 对象头完整写入后才置起始位，并发遍历者看到起始位时对象头已可见。
func (r *Region) InitObject(addr uint64, classID, refMap uint32, total, align uint64, age uint8) {
	r.StoreWord(addr+sizeWord, encodeSize(total, max(align, MinAlign)))
	r.StoreWord(addr+typeWord, uint64(classID)|uint64(refMap)<<32)
	r.StoreWord(addr+metaWord, encodeMeta(age, false))
	r.starts.Set(r.slot(addr))
}

// Header 读取对象头
func (r *Region) Header(addr uint64) ObjectHeader {
	return decodeHeader(r.LoadWord(addr+metaWord), r.LoadWord(addr+typeWord), r.LoadWord(addr+sizeWord))
}

// ObjectSize 对象总大小
func (r *Region) ObjectSize(addr uint64) uint64 {
	return r.LoadWord(addr+sizeWord) & sizeMask
}

// SetClass 写入类型字（分配者在对象发布前调用）
func (r *Region) SetClass(addr uint64, classID, refMap uint32) {
	r.StoreWord(addr+typeWord, uint64(classID)|uint64(refMap)<<32)
}

// SetAge 设置年龄（仅收集器调用）
func (r *Region) SetAge(addr uint64, age uint8) {
	for {
		old := r.LoadWord(addr + metaWord)
		m := old&^metaAgeMask | uint64(age)&metaAgeMask
		if r.CompareAndSwapWord(addr+metaWord, old, m) {
			return
		}
	}
}

// SetFinalizable 设置终结标志
func (r *Region) SetFinalizable(addr uint64, on bool) {
	for {
		old := r.LoadWord(addr + metaWord)
		m := old &^ metaFinalizable
		if on {
			m |= metaFinalizable
		}
		if r.CompareAndSwapWord(addr+metaWord, old, m) {
			return
		}
	}
}

// Forwardee 对象头中的转发地址（minor GC 使用）
func (r *Region) Forwardee(addr uint64) (uint64, bool) {
	m := r.LoadWord(addr + metaWord)
	if m&metaForwarded == 0 {
		return 0, false
	}
	return m >> metaFwdShift, true
}

// SetForwardee 在对象头中记录转发地址（minor GC 在 STW 中使用）
func (r *Region) SetForwardee(addr, to uint64) {
	m := r.LoadWord(addr + metaWord)
	r.StoreWord(addr+metaWord, m&0xFF|metaForwarded|to<<metaFwdShift)
}

// CopyObject 把 src 处 n 字节复制到目标区域 dst 处（复制者独占目标）
func (r *Region) CopyObject(src uint64, to *Region, dst, n uint64) {
	copy(to.Bytes(dst, n), r.Bytes(src, n))
}

// RegisterObject 登记已写好对象头的对象起始位
func (r *Region) RegisterObject(addr uint64) {
	r.starts.Set(r.slot(addr))
}

// IsObjectStart 地址是否为已登记对象的起始
func (r *Region) IsObjectStart(addr uint64) bool {
	if addr < r.start || addr >= r.top.Load() || (addr-r.start)%MinAlign != 0 {
		return false
	}
	if r.kind == KindLarge {
		return addr == r.start && r.starts.Test(0)
	}
	return r.starts.Test(r.slot(addr))
}

// ObjectContaining 包含 addr 的对象起始地址
func (r *Region) ObjectContaining(addr uint64) (uint64, bool) {
	if addr < r.start || addr >= r.top.Load() {
		return 0, false
	}
	if r.kind == KindLarge {
		return r.start, r.starts.Test(0)
	}
	i := r.starts.PrevSet(r.slot(addr))
	if i < 0 {
		return 0, false
	}
	obj := r.start + uint64(i)*MinAlign
	if addr >= obj+r.ObjectSize(obj) {
		return 0, false
	}
	return obj, true
}

// ForEachObject 遍历 [start, top) 中所有已登记对象
func (r *Region) ForEachObject(fn func(addr uint64) bool) {
	r.ForEachObjectIn(r.start, r.top.Load(), fn)
}

// ForEachObjectIn 遍历起始于 [from, to) 的对象
func (r *Region) ForEachObjectIn(from, to uint64, fn func(addr uint64) bool) {
	if r.kind == KindLarge {
		if from <= r.start && r.start < to && r.starts.Test(0) {
			fn(r.start)
		}
		return
	}
	if from < r.start {
		from = r.start
	}
	if to > r.End() {
		to = r.End()
	}
	if to <= from {
		return
	}
	limit := r.slot(to-1) + 1
	for i := r.starts.NextSet(r.slot(from)); i >= 0 && i < limit; i = r.starts.NextSet(i + 1) {
		if !fn(r.start + uint64(i)*MinAlign) {
			return
		}
	}
}

// ObjectCount 已登记对象数
func (r *Region) ObjectCount() int {
	return r.starts.Count()
}

func (r *Region) slot(addr uint64) int {
	if r.kind == KindLarge {
		return 0
	}
	return int((addr - r.start) / MinAlign)
}

// ============================================================================
// 标记
// ============================================================================

func (r *Region) marksFor(epoch uint64) *Bitmap {
	idx := epoch & 1
	if r.markEpoch[idx].Load() == epoch+1 {
		return r.marks[idx]
	}
	r.markMu.Lock()
	defer r.markMu.Unlock()
	if r.markEpoch[idx].Load() != epoch+1 {
		r.marks[idx].Reset()
		r.live[idx].Store(0)
		r.markEpoch[idx].Store(epoch + 1)
	}
	return r.marks[idx]
}

// Mark 在周期 epoch 中标记对象，返回是否由本次调用首次标记
func (r *Region) Mark(epoch, addr uint64) bool {
	if r.marks[0] == nil {
		return false
	}
	if r.marksFor(epoch).Set(r.slot(addr)) {
		r.live[epoch&1].Add(r.ObjectSize(addr))
		return true
	}
	return false
}

// IsMarked 对象在周期 epoch 中是否已标记
func (r *Region) IsMarked(epoch, addr uint64) bool {
	if r.marks[0] == nil {
		return false
	}
	idx := epoch & 1
	if r.markEpoch[idx].Load() != epoch+1 {
		return false
	}
	return r.marks[idx].Test(r.slot(addr))
}

// LiveBytes 周期 epoch 中的存活字节数
func (r *Region) LiveBytes(epoch uint64) uint64 {
	if r.marks[0] == nil {
		return 0
	}
	idx := epoch & 1
	if r.markEpoch[idx].Load() != epoch+1 {
		return 0
	}
	return r.live[idx].Load()
}

// ForEachMarked 遍历周期 epoch 中已标记的对象
func (r *Region) ForEachMarked(epoch uint64, fn func(addr uint64) bool) {
	if r.marks[0] == nil {
		return
	}
	idx := epoch & 1
	if r.markEpoch[idx].Load() != epoch+1 {
		return
	}
	bm := r.marks[idx]
	for i := bm.NextSet(0); i >= 0; i = bm.NextSet(i + 1) {
		if !fn(r.start + uint64(i)*MinAlign) {
			return
		}
	}
}

// ============================================================================
// 重定位
// ============================================================================

// Forwarding 转发表（不在重定位集中时为 nil）
func (r *Region) Forwarding() *Forwarding { return r.fwd.Load() }

// Pinned 重定位失败，区域原地保留
func (r *Region) Pinned() bool { return r.pinned.Load() }

// Pin 标记原地保留
func (r *Region) Pin() { r.pinned.Store(true) }

func (r *Region) beginRelocation() {
	r.fwd.Store(NewForwarding(r.start, r.size))
	r.SetState(StateRelocating)
}

// EndRelocation 丢弃转发表并解除原地保留
func (r *Region) EndRelocation() {
	r.fwd.Store(nil)
	r.pinned.Store(false)
}

// ============================================================================
// 复位
// ============================================================================

// Reset 清空区域供重新使用（Eden/Survivor 在 STW 中调用）
func (r *Region) Reset() {
	used := r.Used()
	if used > 0 {
		clear(r.Bytes(r.start, used))
	}
	r.top.Store(r.start)
	r.starts.Reset()
	if r.cards != nil {
		r.cards.Reset()
	}
	r.SetState(StateAllocating)
}
