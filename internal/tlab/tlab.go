// Package tlab 实现线程本地分配缓冲区（TLAB）。
//
// TLAB 由唯一的 mutator 拥有，快速路径只做本地指针推进，不加锁也不做 CAS。
// 缓冲区从共享区域（老年代小对象区域或 Eden）整块划出，耗尽时按
// HotSpot 的策略决定换新缓冲区还是把单个对象直接分配到共享空间。
package tlab

import (
	"errors"

	"github.com/tangzhangming/fgc/internal/heap"
)

// ErrExhausted 来源没有可划出的空间
var ErrExhausted = errors.New("tlab: source exhausted")

// Source TLAB 的内存来源
type Source interface {
	// AllocateChunk 划出 [lo, hi] 字节的连续块
	AllocateChunk(lo, hi uint64) (*heap.Region, uint64, uint64, error)
}

// Config TLAB 参数
type Config struct {
	Size    uint64 // 初始大小
	MinSize uint64
	MaxSize uint64

	// RefillTarget 每个回收周期期望的填充次数，超过后缓冲区加倍
	RefillTarget int
}

// DefaultRefillTarget 默认每周期填充次数目标
const DefaultRefillTarget = 50

// wasteFraction 慢速路径中允许丢弃的剩余空间比例（1/64）
const wasteFraction = 64

// Stats TLAB 统计
type Stats struct {
	Refills      uint64
	Retires      uint64
	Waste        uint64 // 退役时丢弃的字节数
	SlowAllocs   uint64 // 绕过 TLAB 直接分配的次数
	CurrentSize  uint64
	AllocatedNow uint64
}

// TLAB 线程本地分配缓冲区
type TLAB struct {
	cfg Config

	region *heap.Region
	start  uint64
	top    uint64
	end    uint64

	desired uint64

	// 本周期计数
	cycleRefills int
	cycleWaste   uint64

	stats Stats
}

// New 创建 TLAB（尚未持有缓冲区）
func New(cfg Config) *TLAB {
	if cfg.MinSize == 0 {
		cfg.MinSize = 16 << 10
	}
	if cfg.MaxSize < cfg.MinSize {
		cfg.MaxSize = cfg.MinSize
	}
	if cfg.Size < cfg.MinSize {
		cfg.Size = cfg.MinSize
	}
	if cfg.Size > cfg.MaxSize {
		cfg.Size = cfg.MaxSize
	}
	if cfg.RefillTarget <= 0 {
		cfg.RefillTarget = DefaultRefillTarget
	}
	return &TLAB{cfg: cfg, desired: cfg.Size}
}

// Region 当前缓冲区所在区域
func (t *TLAB) Region() *heap.Region { return t.region }

// Remaining 剩余字节
func (t *TLAB) Remaining() uint64 { return t.end - t.top }

// DesiredSize 下次填充的目标大小
func (t *TLAB) DesiredSize() uint64 { return t.desired }

// Contains 地址是否在当前缓冲区内
func (t *TLAB) Contains(addr uint64) bool {
	return t.region != nil && addr >= t.start && addr < t.end
}

// AllocateFast 快速路径：本地推进 top，载荷按 align 对齐
func (t *TLAB) AllocateFast(total, align uint64) (uint64, bool) {
	if t.region == nil {
		return 0, false
	}
	addr := t.top
	if align > heap.MinAlign {
		addr = (t.top+heap.HeaderSize+align-1)&^(align-1) - heap.HeaderSize
		if addr < t.top {
			return 0, false
		}
	}
	// end - addr 不会下溢：addr 在 [top, end] 之外时直接失败
	if addr > t.end || total > t.end-addr {
		return 0, false
	}
	t.top = addr + total
	return addr, true
}

// ShouldRefill 慢速路径策略
//
// 请求超过 TLAB 大小，或当前剩余空间超过可丢弃上限时，对象直接分配到
// 共享空间；否则丢弃剩余空间并换新缓冲区。
func (t *TLAB) ShouldRefill(total uint64) bool {
	if total > t.desired {
		return false
	}
	if t.region != nil && t.Remaining() > t.desired/wasteFraction {
		return false
	}
	return true
}

// NoteSlowAlloc 记录一次绕过 TLAB 的分配
func (t *TLAB) NoteSlowAlloc() {
	t.stats.SlowAllocs++
}

// Refill 退役当前缓冲区并从 src 获取新缓冲区
func (t *TLAB) Refill(src Source, need uint64) error {
	t.Retire()
	lo := max(need, t.cfg.MinSize/4)
	r, start, end, err := src.AllocateChunk(lo, max(t.desired, need))
	if err != nil {
		return err
	}
	t.region, t.start, t.top, t.end = r, start, start, end
	t.cycleRefills++
	t.stats.Refills++
	return nil
}

// Retire 放弃当前缓冲区，返回丢弃的字节数
func (t *TLAB) Retire() uint64 {
	if t.region == nil {
		return 0
	}
	waste := t.Remaining()
	t.stats.Retires++
	t.stats.Waste += waste
	t.cycleWaste += waste
	t.region, t.start, t.top, t.end = nil, 0, 0, 0
	return waste
}

// Resize 在回收周期边界调整大小
//
// 本周期填充次数超过目标时加倍；丢弃量超过缓冲区的 1/4 时减半。
func (t *TLAB) Resize() {
	switch {
	case t.cycleRefills > t.cfg.RefillTarget:
		t.desired = min(t.desired*2, t.cfg.MaxSize)
	case t.cycleRefills > 0 && t.cycleWaste/uint64(t.cycleRefills) > t.desired/4:
		t.desired = max(t.desired/2, t.cfg.MinSize)
	}
	t.cycleRefills, t.cycleWaste = 0, 0
}

// Stats 统计快照
func (t *TLAB) Stats() Stats {
	s := t.stats
	s.CurrentSize = t.desired
	s.AllocatedNow = t.top - t.start
	return s
}
