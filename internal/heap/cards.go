package heap

import "sync/atomic"

// CardSize 卡大小
const CardSize = 512

// CardTable 老年代区域的卡表
//
// 每张卡一个字，写屏障在老对象持有年轻指针时置脏，
// minor GC 扫描脏卡并逐卡清除。
type CardTable struct {
	cards []atomic.Uint32
	dirty atomic.Int64 // 脏卡计数（近似值，只用于快速跳过干净区域）
}

// NewCardTable 为 size 字节的区域创建卡表
func NewCardTable(size uint64) *CardTable {
	return &CardTable{cards: make([]atomic.Uint32, (size+CardSize-1)/CardSize)}
}

// Len 卡数量
func (ct *CardTable) Len() int { return len(ct.cards) }

// Dirty 将偏移 off 所在的卡置脏
func (ct *CardTable) Dirty(off uint64) {
	c := &ct.cards[off/CardSize]
	if c.Load() == 0 && c.CompareAndSwap(0, 1) {
		ct.dirty.Add(1)
	}
}

// IsDirty 卡是否为脏
func (ct *CardTable) IsDirty(card int) bool {
	return ct.cards[card].Load() != 0
}

// TakeDirty 读取并清除卡状态
func (ct *CardTable) TakeDirty(card int) bool {
	if ct.cards[card].Swap(0) != 0 {
		ct.dirty.Add(-1)
		return true
	}
	return false
}

// HasDirty 是否可能存在脏卡
func (ct *CardTable) HasDirty() bool {
	return ct.dirty.Load() > 0
}

// DirtyCount 脏卡数量
func (ct *CardTable) DirtyCount() int {
	n := 0
	for i := range ct.cards {
		if ct.cards[i].Load() != 0 {
			n++
		}
	}
	return n
}

// Reset 清除全部卡
func (ct *CardTable) Reset() {
	for i := range ct.cards {
		ct.cards[i].Store(0)
	}
	ct.dirty.Store(0)
}
