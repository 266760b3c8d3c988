package vmem

import (
	"errors"
	"fmt"
	"math/bits"
	"sort"
	"sync"

	"github.com/tangzhangming/fgc/internal/colorptr"
)

// HeapBase 托管堆逻辑地址起点（1TB），低于它的地址都不是堆地址
const HeapBase uint64 = 1 << 40

// ErrAddressSpaceExhausted 逻辑地址空间耗尽
var ErrAddressSpaceExhausted = errors.New("vmem: address space exhausted")

// addrRange 空闲地址区间 [start, end)
type addrRange struct {
	start, end uint64
}

// quarantineEpochs 释放的区间至少经过这么多个周期号才重新可用
const quarantineEpochs = 2

type quarantined struct {
	addrRange
	epoch uint64 // 释放时的周期号
}

// AddressSpace 逻辑地址空间
//
// 以 granule 为单位预留地址区间，空闲区间按起点排序并在释放时合并。
// 地址区间只在 Region 分配/释放时变化，不在分配快路径上。
//
// 释放的区间先进入隔离列表，经过 quarantineEpochs 个周期后才回到空闲列表。
// 在此期间仍持有旧地址的陈旧指针查不到区域，得到 InvalidPointer，而不是
// 读到复用该地址的新对象。地址不足时隔离区间提前回收。
type AddressSpace struct {
	mu sync.Mutex

	base    uint64
	limit   uint64
	granule uint64

	free       []addrRange // 按 start 排序
	quarantine []quarantined
	epoch      uint64

	reserved    uint64 // 当前已预留字节数
	quarantined uint64 // 隔离中的字节数
}

// NewAddressSpace 创建 [HeapBase, HeapBase+size) 的地址空间
func NewAddressSpace(size, granule uint64) (*AddressSpace, error) {
	if granule == 0 || granule&(granule-1) != 0 {
		return nil, fmt.Errorf("vmem: granule %d is not a power of two", granule)
	}
	size = alignUp(size, granule)
	limit, carry := bits.Add64(HeapBase, size, 0)
	if carry != 0 || size == 0 || limit-1 > colorptr.AddressMask {
		return nil, fmt.Errorf("vmem: address space of %d bytes does not fit in %d address bits", size, colorptr.AddressBits)
	}
	return &AddressSpace{
		base:    HeapBase,
		limit:   limit,
		granule: granule,
		free:    []addrRange{{HeapBase, limit}},
	}, nil
}

// Base 起始地址
func (as *AddressSpace) Base() uint64 { return as.base }

// Limit 结束地址（不含）
func (as *AddressSpace) Limit() uint64 { return as.limit }

// Granule 分配粒度
func (as *AddressSpace) Granule() uint64 { return as.granule }

// Contains 地址是否落在地址空间内
func (as *AddressSpace) Contains(addr uint64) bool {
	return addr >= as.base && addr < as.limit
}

// Index 地址对应的 granule 下标
func (as *AddressSpace) Index(addr uint64) int {
	return int((addr - as.base) / as.granule)
}

// Slots granule 总数
func (as *AddressSpace) Slots() int {
	return int((as.limit - as.base) / as.granule)
}

// Reserved 已预留字节数
func (as *AddressSpace) Reserved() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.reserved
}

// Reserve 首次适配预留 size 字节（向上取整到 granule）
func (as *AddressSpace) Reserve(size uint64) (uint64, error) {
	if size == 0 {
		return 0, fmt.Errorf("vmem: reserve of zero bytes")
	}
	rounded := alignUp(size, as.granule)
	if rounded < size {
		return 0, fmt.Errorf("%w: %d bytes", ErrAddressSpaceExhausted, size)
	}

	as.mu.Lock()
	defer as.mu.Unlock()

	if start, ok := as.reserveLocked(rounded); ok {
		return start, nil
	}
	if len(as.quarantine) > 0 {
		as.drainLocked(func(quarantined) bool { return true })
		if start, ok := as.reserveLocked(rounded); ok {
			return start, nil
		}
	}
	return 0, fmt.Errorf("%w: %d bytes", ErrAddressSpaceExhausted, size)
}

func (as *AddressSpace) reserveLocked(rounded uint64) (uint64, bool) {
	for i, r := range as.free {
		if r.end-r.start < rounded {
			continue
		}
		start := r.start
		if r.end-r.start == rounded {
			as.free = append(as.free[:i], as.free[i+1:]...)
		} else {
			as.free[i].start += rounded
		}
		as.reserved += rounded
		return start, true
	}
	return 0, false
}

// Release 归还曾经使用过的区间，进入隔离列表
func (as *AddressSpace) Release(start, size uint64) {
	size = alignUp(size, as.granule)

	as.mu.Lock()
	defer as.mu.Unlock()

	as.quarantine = append(as.quarantine, quarantined{addrRange{start, start + size}, as.epoch})
	as.quarantined += size
	as.reserved -= size
}

// Cancel 归还从未发布过地址的区间，立即可用
func (as *AddressSpace) Cancel(start, size uint64) {
	size = alignUp(size, as.granule)

	as.mu.Lock()
	defer as.mu.Unlock()

	as.insertLocked(addrRange{start, start + size})
	as.reserved -= size
}

// SetEpoch 进入新的回收周期，隔离期满的区间回到空闲列表
func (as *AddressSpace) SetEpoch(epoch uint64) {
	as.mu.Lock()
	defer as.mu.Unlock()

	as.epoch = epoch
	as.drainLocked(func(q quarantined) bool { return epoch >= q.epoch+quarantineEpochs })
}

// drainLocked 把满足 ready 的隔离区间并入空闲列表
func (as *AddressSpace) drainLocked(ready func(q quarantined) bool) {
	kept := as.quarantine[:0]
	for _, q := range as.quarantine {
		if !ready(q) {
			kept = append(kept, q)
			continue
		}
		as.insertLocked(q.addrRange)
		as.quarantined -= q.end - q.start
	}
	clear(as.quarantine[len(kept):])
	as.quarantine = kept
}

// insertLocked 插入空闲区间并与相邻区间合并
func (as *AddressSpace) insertLocked(r addrRange) {
	start, end := r.start, r.end
	i := sort.Search(len(as.free), func(i int) bool { return as.free[i].start >= start })
	as.free = append(as.free, addrRange{})
	copy(as.free[i+1:], as.free[i:])
	as.free[i] = addrRange{start, end}

	// 与后一个合并
	if i+1 < len(as.free) && as.free[i].end == as.free[i+1].start {
		as.free[i].end = as.free[i+1].end
		as.free = append(as.free[:i+1], as.free[i+2:]...)
	}
	// 与前一个合并
	if i > 0 && as.free[i-1].end == as.free[i].start {
		as.free[i-1].end = as.free[i].end
		as.free = append(as.free[:i], as.free[i+1:]...)
	}
}

// Quarantined 隔离中的字节数
func (as *AddressSpace) Quarantined() uint64 {
	as.mu.Lock()
	defer as.mu.Unlock()
	return as.quarantined
}

// FreeRanges 空闲区间数量（调试用）
func (as *AddressSpace) FreeRanges() int {
	as.mu.Lock()
	defer as.mu.Unlock()
	return len(as.free)
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}
