package gcstats

import (
	"fmt"
	"strings"
	"time"

	"github.com/inhies/go-bytesize"
	"github.com/segmentio/encoding/json"
	"go.uber.org/atomic"
)

// Stats 回收器统计中心
//
// 所有方法可并发调用。
type Stats struct {
	start time.Time

	totalCycles atomic.Uint64
	minorCycles atomic.Uint64
	majorCycles atomic.Uint64
	failed      atomic.Uint64

	pauses    *Histogram
	pauseTime atomic.Duration
	gcTime    atomic.Duration

	allocations atomic.Uint64
	allocated   atomic.Uint64
	promoted    atomic.Uint64
	reclaimed   atomic.Uint64

	heapUsed  atomic.Uint64
	heapTotal atomic.Uint64
	heapMax   atomic.Uint64
	peakUsed  atomic.Uint64

	cycles  *CycleLog
	classes ClassTable
}

// New 创建统计中心，保留 history 个周期记录
func New(history int) *Stats {
	return &Stats{
		start:  time.Now(),
		pauses: NewHistogram(),
		cycles: NewCycleLog(history),
	}
}

// Pauses 暂停时间直方图
func (s *Stats) Pauses() *Histogram { return s.pauses }

// Cycles 周期记录
func (s *Stats) Cycles() *CycleLog { return s.cycles }

// RecordPause 记录一次停顿
func (s *Stats) RecordPause(d time.Duration) {
	s.pauses.RecordDuration(d)
	s.pauseTime.Add(d)
}

// RecordAllocation 记录一次 class 类型的分配
func (s *Stats) RecordAllocation(class uint32, bytes uint64) {
	s.allocations.Inc()
	s.allocated.Add(bytes)
	s.classes.Record(class, bytes)
}

// Classes 按类型的分配统计
func (s *Stats) Classes() []ClassStats { return s.classes.Snapshot() }

// RecordCycle 记录一个完成（或失败）的周期
func (s *Stats) RecordCycle(c Cycle) {
	s.totalCycles.Inc()
	if c.Kind == KindMinor {
		s.minorCycles.Inc()
	} else {
		s.majorCycles.Inc()
	}
	if c.Failed {
		s.failed.Inc()
	}
	s.gcTime.Add(c.Total())
	s.promoted.Add(c.ObjectsPromoted)
	s.reclaimed.Add(c.Reclaimed())
	s.cycles.Add(c)
}

// SetHeap 更新堆占用
func (s *Stats) SetHeap(used, total, limit uint64) {
	s.heapUsed.Store(used)
	s.heapTotal.Store(total)
	s.heapMax.Store(limit)
	for {
		peak := s.peakUsed.Load()
		if used <= peak || s.peakUsed.CAS(peak, used) {
			break
		}
	}
}

// Summary 对外的只读汇总
type Summary struct {
	TotalCycles uint64 `json:"total_cycles"`
	MinorCycles uint64 `json:"minor_cycles"`
	MajorCycles uint64 `json:"major_cycles"`
	FailedCycle uint64 `json:"failed_cycles"`

	AvgPauseMs float64 `json:"avg_pause_ms"`
	MaxPauseMs float64 `json:"max_pause_ms"`
	P50PauseMs float64 `json:"p50_pause_ms"`
	P99PauseMs float64 `json:"p99_pause_ms"`
	PauseCount uint64  `json:"pause_count"`

	HeapUsed     uint64 `json:"heap_used"`
	HeapTotal    uint64 `json:"heap_total"`
	HeapMax      uint64 `json:"heap_max"`
	PeakHeapUsed uint64 `json:"peak_heap_used"`

	Allocations    uint64 `json:"allocations"`
	BytesAllocated uint64 `json:"bytes_allocated"`
	BytesReclaimed uint64 `json:"bytes_reclaimed"`
	Promoted       uint64 `json:"objects_promoted"`

	// GCOverheadRatio 停顿时间占运行时间的比例
	GCOverheadRatio float64       `json:"gc_overhead_ratio"`
	GCTime          time.Duration `json:"gc_time_ns"`
	Uptime          time.Duration `json:"uptime_ns"`
}

// Summary 生成汇总
func (s *Stats) Summary() Summary {
	uptime := time.Since(s.start)
	pause := s.pauseTime.Load()
	sum := Summary{
		TotalCycles:    s.totalCycles.Load(),
		MinorCycles:    s.minorCycles.Load(),
		MajorCycles:    s.majorCycles.Load(),
		FailedCycle:    s.failed.Load(),
		AvgPauseMs:     Millis(time.Duration(s.pauses.Mean())),
		MaxPauseMs:     Millis(time.Duration(s.pauses.Max())),
		P50PauseMs:     Millis(time.Duration(s.pauses.P50())),
		P99PauseMs:     Millis(time.Duration(s.pauses.P99())),
		PauseCount:     s.pauses.Count(),
		HeapUsed:       s.heapUsed.Load(),
		HeapTotal:      s.heapTotal.Load(),
		HeapMax:        s.heapMax.Load(),
		PeakHeapUsed:   s.peakUsed.Load(),
		Allocations:    s.allocations.Load(),
		BytesAllocated: s.allocated.Load(),
		BytesReclaimed: s.reclaimed.Load(),
		Promoted:       s.promoted.Load(),
		GCTime:         s.gcTime.Load(),
		Uptime:         uptime,
	}
	if uptime > 0 {
		sum.GCOverheadRatio = float64(pause) / float64(uptime)
	}
	return sum
}

// Reset 清空计数（堆占用保留）
func (s *Stats) Reset() {
	s.totalCycles.Store(0)
	s.minorCycles.Store(0)
	s.majorCycles.Store(0)
	s.failed.Store(0)
	s.pauses.Reset()
	s.pauseTime.Store(0)
	s.gcTime.Store(0)
	s.allocations.Store(0)
	s.allocated.Store(0)
	s.promoted.Store(0)
	s.reclaimed.Store(0)
	s.cycles.Reset()
	s.classes.Reset()
}

// JSON 编码汇总
func (s Summary) JSON() ([]byte, error) {
	return json.Marshal(s)
}

// MarshalCycles 编码周期记录
func MarshalCycles(cycles []Cycle) ([]byte, error) {
	return json.Marshal(cycles)
}

func human(n uint64) string {
	return bytesize.New(float64(n)).String()
}

// String 多行文本形式
func (s Summary) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "cycles:     %d (minor %d, major %d, failed %d)\n",
		s.TotalCycles, s.MinorCycles, s.MajorCycles, s.FailedCycle)
	fmt.Fprintf(&sb, "pauses:     avg %.3fms  p50 %.3fms  p99 %.3fms  max %.3fms (%d)\n",
		s.AvgPauseMs, s.P50PauseMs, s.P99PauseMs, s.MaxPauseMs, s.PauseCount)
	fmt.Fprintf(&sb, "heap:       used %s / committed %s / max %s (peak %s)\n",
		human(s.HeapUsed), human(s.HeapTotal), human(s.HeapMax), human(s.PeakHeapUsed))
	fmt.Fprintf(&sb, "allocated:  %s in %d objects, reclaimed %s, promoted %d\n",
		human(s.BytesAllocated), s.Allocations, human(s.BytesReclaimed), s.Promoted)
	fmt.Fprintf(&sb, "overhead:   %.4f (gc time %s, uptime %s)\n",
		s.GCOverheadRatio, s.GCTime.Round(time.Microsecond), s.Uptime.Round(time.Millisecond))
	return sb.String()
}
