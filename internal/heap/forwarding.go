package heap

import (
	"runtime"
	"sync/atomic"
)

// ============================================================================
// 转发表
// ============================================================================
//
// 每个重定位集区域一个平坦数组，以 (offset >> 4) 为下标。对象 8 字节对齐且
// 至少 24 字节，两个对象不会落到同一下标。
//
// 条目状态：0 空 -> 1 已认领（复制中） -> 新地址（已发布）。
// 发布在复制完成之后以原子写进行，读者看到新地址时复制一定已经可见。

const (
	fwdEmpty   uint64 = 0
	fwdClaimed uint64 = 1

	fwdShift = 4
)

// Forwarding 单个区域的转发表
type Forwarding struct {
	entries []atomic.Uint64
	base    uint64

	forwarded atomic.Int64 // 已发布条目数
}

// NewForwarding 为 [base, base+size) 的区域创建转发表
func NewForwarding(base, size uint64) *Forwarding {
	return &Forwarding{
		entries: make([]atomic.Uint64, size>>fwdShift+1),
		base:    base,
	}
}

func (f *Forwarding) slot(addr uint64) *atomic.Uint64 {
	return &f.entries[(addr-f.base)>>fwdShift]
}

// Lookup 查询已发布的新地址
func (f *Forwarding) Lookup(addr uint64) (uint64, bool) {
	v := f.slot(addr).Load()
	if v > fwdClaimed {
		return v, true
	}
	return 0, false
}

// Claim 尝试认领复制权
func (f *Forwarding) Claim(addr uint64) bool {
	return f.slot(addr).CompareAndSwap(fwdEmpty, fwdClaimed)
}

// Publish 发布新地址，调用者必须先持有认领并完成复制
func (f *Forwarding) Publish(addr, newAddr uint64) {
	f.slot(addr).Store(newAddr)
	f.forwarded.Add(1)
}

// Wait 等待其他线程发布，自旋有界（复制一个对象的时间）
func (f *Forwarding) Wait(addr uint64) uint64 {
	s := f.slot(addr)
	for spins := 0; ; spins++ {
		if v := s.Load(); v > fwdClaimed {
			return v
		}
		if spins < 64 {
			continue
		}
		runtime.Gosched()
	}
}

// Forwarded 已发布条目数
func (f *Forwarding) Forwarded() int64 {
	return f.forwarded.Load()
}
