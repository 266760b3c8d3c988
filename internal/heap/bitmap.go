package heap

import (
	"math/bits"
	"sync/atomic"
)

// Bitmap 并发安全的位图，Set 使用 CAS 保证同一位只被置位一次
type Bitmap struct {
	words []atomic.Uint64
	n     int
}

// NewBitmap 创建 n 位的位图
func NewBitmap(n int) *Bitmap {
	return &Bitmap{words: make([]atomic.Uint64, (n+63)/64), n: n}
}

// Len 位数
func (b *Bitmap) Len() int { return b.n }

// Set 置位，返回是否由本次调用置位
func (b *Bitmap) Set(i int) bool {
	w := &b.words[i>>6]
	mask := uint64(1) << (uint(i) & 63)
	for {
		old := w.Load()
		if old&mask != 0 {
			return false
		}
		if w.CompareAndSwap(old, old|mask) {
			return true
		}
	}
}

// Clear 清除单个位
func (b *Bitmap) Clear(i int) {
	w := &b.words[i>>6]
	mask := uint64(1) << (uint(i) & 63)
	for {
		old := w.Load()
		if old&mask == 0 || w.CompareAndSwap(old, old&^mask) {
			return
		}
	}
}

// Test 测试位
func (b *Bitmap) Test(i int) bool {
	return b.words[i>>6].Load()&(uint64(1)<<(uint(i)&63)) != 0
}

// Reset 清空全部位（调用者保证没有并发 Set）
func (b *Bitmap) Reset() {
	for i := range b.words {
		b.words[i].Store(0)
	}
}

// NextSet 返回 >= from 的第一个置位下标，没有则返回 -1
func (b *Bitmap) NextSet(from int) int {
	if from >= b.n {
		return -1
	}
	wi := from >> 6
	w := b.words[wi].Load() >> (uint(from) & 63)
	if w != 0 {
		i := from + bits.TrailingZeros64(w)
		if i < b.n {
			return i
		}
		return -1
	}
	for wi++; wi < len(b.words); wi++ {
		if w := b.words[wi].Load(); w != 0 {
			i := wi<<6 + bits.TrailingZeros64(w)
			if i < b.n {
				return i
			}
			return -1
		}
	}
	return -1
}

// PrevSet 返回 <= from 的最后一个置位下标，没有则返回 -1
func (b *Bitmap) PrevSet(from int) int {
	if from >= b.n {
		from = b.n - 1
	}
	if from < 0 {
		return -1
	}
	wi := from >> 6
	shift := 63 - (uint(from) & 63)
	w := b.words[wi].Load() << shift
	if w != 0 {
		return from - bits.LeadingZeros64(w)
	}
	for wi--; wi >= 0; wi-- {
		if w := b.words[wi].Load(); w != 0 {
			return wi<<6 + 63 - bits.LeadingZeros64(w)
		}
	}
	return -1
}

// Count 置位数量
func (b *Bitmap) Count() int {
	n := 0
	for i := range b.words {
		n += bits.OnesCount64(b.words[i].Load())
	}
	return n
}
