package gc

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ============================================================================
// 自适应堆大小
// ============================================================================
//
// 软上限介于最小堆与最大堆之间，占用水位触发和内存池保留都以它为基准。
// 前 sizingWarmup 个周期只记录样本；此后回收后在用区域超过软上限的 75% 时
// 按 1.2 倍或近 3 秒分配量扩大，低于 40% 时按 0.8 倍缩小。

const (
	sizingWarmup    = 3
	sizingSamples   = 10
	growThreshold   = 0.75
	shrinkThreshold = 0.40
	growFactor      = 1.2
	shrinkFactor    = 0.8
	allocWindow     = 3 * time.Second
)

// SizingState 软上限最近一次调整的方向
type SizingState int

const (
	SizingWarmup SizingState = iota
	SizingStable
	SizingGrowing
	SizingShrinking
)

func (s SizingState) String() string {
	switch s {
	case SizingWarmup:
		return "warmup"
	case SizingStable:
		return "stable"
	case SizingGrowing:
		return "growing"
	default:
		return "shrinking"
	}
}

type allocSample struct {
	bytes   uint64
	elapsed time.Duration
}

// sizer 软上限控制器，由控制线程在每个周期结束时更新
type sizer struct {
	enabled  bool
	min, max uint64

	softMax atomic.Uint64
	state   atomic.Int64

	mu        sync.Mutex
	cycles    int
	samples   []allocSample
	next      int
	lastAfter uint64
	lastEnd   time.Time
}

func newSizer(enabled bool, lo, hi, initial uint64) *sizer {
	s := &sizer{enabled: enabled, min: lo, max: hi}
	if initial == 0 {
		initial = hi
	}
	s.softMax.Store(clampSize(initial, lo, hi))
	return s
}

func clampSize(v, lo, hi uint64) uint64 {
	return min(max(v, lo), hi)
}

// limit 当前软上限
func (s *sizer) limit() uint64 { return s.softMax.Load() }

func (s *sizer) current() SizingState { return SizingState(s.state.Load()) }

// record 记录一个周期并返回新的软上限
//
// before/after 是周期前后的已分配字节，用于估计分配速率；inUse 是周期结束
// 时在用区域的总大小，与软上限比较。
func (s *sizer) record(before, after, inUse uint64, end time.Time) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastEnd.IsZero() && before > s.lastAfter {
		sample := allocSample{bytes: before - s.lastAfter, elapsed: end.Sub(s.lastEnd)}
		if len(s.samples) < sizingSamples {
			s.samples = append(s.samples, sample)
		} else {
			s.samples[s.next] = sample
			s.next = (s.next + 1) % sizingSamples
		}
	}
	s.lastAfter, s.lastEnd = after, end
	s.cycles++

	cur := s.softMax.Load()
	if !s.enabled || s.cycles <= sizingWarmup {
		s.state.Store(int64(SizingWarmup))
		return cur
	}

	next, state := cur, SizingStable
	usage := float64(inUse) / float64(cur)
	switch {
	case usage > growThreshold:
		next = uint64(float64(cur) * growFactor)
		if want := s.windowBytes(); want > next {
			next = want
		}
		state = SizingGrowing
	case usage < shrinkThreshold && cur > s.min:
		next = uint64(float64(cur) * shrinkFactor)
		state = SizingShrinking
	}
	next = clampSize(next, s.min, s.max)
	s.softMax.Store(next)
	s.state.Store(int64(state))
	return next
}

// windowBytes 按平均分配速率估计 allocWindow 内的分配量
func (s *sizer) windowBytes() uint64 {
	var bytes uint64
	var elapsed time.Duration
	for _, sm := range s.samples {
		bytes += sm.bytes
		elapsed += sm.elapsed
	}
	if bytes == 0 || elapsed <= 0 {
		return 0
	}
	return uint64(float64(bytes) / elapsed.Seconds() * allocWindow.Seconds())
}
