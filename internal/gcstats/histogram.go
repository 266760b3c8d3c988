// Package gcstats 收集回收器的运行统计：暂停时间分布、每个周期的阶段耗时
// 与内存变化，以及对外暴露的汇总信息。
package gcstats

import (
	"math"
	"math/bits"
	"time"

	"go.uber.org/atomic"
)

// bucketCount 对数桶数量：桶 0 记录 0，桶 b 记录 [2^(b-1), 2^b)
const bucketCount = 65

// Histogram 暂停时间直方图（纳秒）
//
// 记录无锁，百分位按桶上界估算并截断到观测到的最大值。
type Histogram struct {
	buckets [bucketCount]atomic.Uint64
	count   atomic.Uint64
	sum     atomic.Uint64
	min     atomic.Uint64
	max     atomic.Uint64
}

// NewHistogram 创建直方图
func NewHistogram() *Histogram {
	h := &Histogram{}
	h.min.Store(math.MaxUint64)
	return h
}

func bucketOf(v uint64) int {
	return 64 - bits.LeadingZeros64(v)
}

// Record 记录一个值
func (h *Histogram) Record(v uint64) {
	h.buckets[bucketOf(v)].Inc()
	h.count.Inc()
	h.sum.Add(v)
	for {
		cur := h.min.Load()
		if v >= cur || h.min.CAS(cur, v) {
			break
		}
	}
	for {
		cur := h.max.Load()
		if v <= cur || h.max.CAS(cur, v) {
			break
		}
	}
}

// RecordDuration 记录一个时长
func (h *Histogram) RecordDuration(d time.Duration) {
	if d < 0 {
		d = 0
	}
	h.Record(uint64(d))
}

// Count 记录次数
func (h *Histogram) Count() uint64 { return h.count.Load() }

// Sum 总和
func (h *Histogram) Sum() uint64 { return h.sum.Load() }

// Min 最小值，没有记录时为 0
func (h *Histogram) Min() uint64 {
	if h.count.Load() == 0 {
		return 0
	}
	return h.min.Load()
}

// Max 最大值
func (h *Histogram) Max() uint64 { return h.max.Load() }

// Mean 平均值
func (h *Histogram) Mean() uint64 {
	n := h.count.Load()
	if n == 0 {
		return 0
	}
	return h.sum.Load() / n
}

// Percentile 第 p (0..1) 百分位的估算值
func (h *Histogram) Percentile(p float64) uint64 {
	total := h.count.Load()
	if total == 0 {
		return 0
	}
	p = math.Max(0, math.Min(1, p))
	target := uint64(math.Ceil(float64(total) * p))
	if target == 0 {
		target = 1
	}
	var cumulative uint64
	for b := 0; b < bucketCount; b++ {
		cumulative += h.buckets[b].Load()
		if cumulative >= target {
			return min(upperBound(b), h.max.Load())
		}
	}
	return h.max.Load()
}

func upperBound(b int) uint64 {
	if b == 0 {
		return 0
	}
	if b >= 64 {
		return math.MaxUint64
	}
	return 1<<uint(b) - 1
}

// P50 中位数
func (h *Histogram) P50() uint64 { return h.Percentile(0.50) }

// P95 第 95 百分位
func (h *Histogram) P95() uint64 { return h.Percentile(0.95) }

// P99 第 99 百分位
func (h *Histogram) P99() uint64 { return h.Percentile(0.99) }

// P999 第 99.9 百分位
func (h *Histogram) P999() uint64 { return h.Percentile(0.999) }

// Reset 清空（调用者保证没有并发记录）
func (h *Histogram) Reset() {
	for i := range h.buckets {
		h.buckets[i].Store(0)
	}
	h.count.Store(0)
	h.sum.Store(0)
	h.min.Store(math.MaxUint64)
	h.max.Store(0)
}
