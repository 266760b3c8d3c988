// Package workq 实现标记与重定位使用的工作窃取队列和工作线程池。
//
// 每个工作线程拥有一个本地环形双端队列：自己从头部压入/弹出，其他线程
// 从尾部窃取。本地队列满时一半任务溢出到全局队列。mutator（屏障）产生
// 的任务只进入全局队列。
package workq

import "sync/atomic"

// DequeSize 本地队列容量
const DequeSize = 256

// Deque 固定容量的工作窃取双端队列
//
// 版本号、head、tail 打包在同一个 64 位字中，所有者与窃取者都通过 CAS
// 推进。Pop 会让 head 回退，因此每次 Pop 同时递增版本号，窃取者持有的
// 旧快照在所有者弹出再压入之后必然 CAS 失败。
type Deque struct {
	ht  atomic.Uint64 // tag(高 24 位) | head(20 位) | tail(低 20 位)
	buf [DequeSize]atomic.Uint64
}

const (
	idxBits = 20
	idxMask = 1<<idxBits - 1
)

func pack(tag, head, tail uint64) uint64 {
	return tag<<(2*idxBits) | (head&idxMask)<<idxBits | tail&idxMask
}

func unpack(ht uint64) (tag, head, tail uint64) {
	return ht >> (2 * idxBits), (ht >> idxBits) & idxMask, ht & idxMask
}

func size(head, tail uint64) uint64 { return (head - tail) & idxMask }

// Push 所有者压入头部，队列已满时返回 false
func (d *Deque) Push(v uint64) bool {
	for {
		ht := d.ht.Load()
		tag, head, tail := unpack(ht)
		if size(head, tail) >= DequeSize {
			return false
		}
		d.buf[head%DequeSize].Store(v)
		if d.ht.CompareAndSwap(ht, pack(tag, head+1, tail)) {
			return true
		}
	}
}

// Pop 所有者从头部弹出
func (d *Deque) Pop() (uint64, bool) {
	for {
		ht := d.ht.Load()
		tag, head, tail := unpack(ht)
		if head == tail {
			return 0, false
		}
		head = (head - 1) & idxMask
		v := d.buf[head%DequeSize].Load()
		if d.ht.CompareAndSwap(ht, pack(tag+1, head, tail)) {
			return v, true
		}
	}
}

// Steal 从尾部窃取
func (d *Deque) Steal() (uint64, bool) {
	for {
		ht := d.ht.Load()
		tag, head, tail := unpack(ht)
		if head == tail {
			return 0, false
		}
		v := d.buf[tail%DequeSize].Load()
		if d.ht.CompareAndSwap(ht, pack(tag, head, tail+1)) {
			return v, true
		}
	}
}

// Len 元素数量
func (d *Deque) Len() int {
	_, head, tail := unpack(d.ht.Load())
	return int(size(head, tail))
}
