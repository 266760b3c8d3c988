package gcstats

import (
	"sync"
	"time"
)

// Kind 周期类型
type Kind string

const (
	KindMinor Kind = "minor"
	KindMajor Kind = "major"
)

// Cycle 单个回收周期的统计
type Cycle struct {
	ID    uint64    `json:"id"`
	Kind  Kind      `json:"kind"`
	Cause string    `json:"cause"`
	Start time.Time `json:"start"`

	// 阶段耗时
	PauseMarkStart     time.Duration `json:"pause_mark_start_ns"`
	ConcurrentMark     time.Duration `json:"concurrent_mark_ns"`
	PauseMarkEnd       time.Duration `json:"pause_mark_end_ns"`
	PrepareRelocation  time.Duration `json:"prepare_relocation_ns"`
	ConcurrentRelocate time.Duration `json:"concurrent_relocate_ns"`
	Cleanup            time.Duration `json:"cleanup_ns"`
	PauseCleanup       time.Duration `json:"pause_cleanup_ns"`
	PauseMinor         time.Duration `json:"pause_minor_ns"`

	MarkEndRetries int `json:"mark_end_retries"`

	HeapUsedBefore uint64 `json:"heap_used_before"`
	HeapUsedAfter  uint64 `json:"heap_used_after"`
	HeapCommitted  uint64 `json:"heap_committed"`
	LiveBytes      uint64 `json:"live_bytes"`

	ObjectsMarked     uint64 `json:"objects_marked"`
	ObjectsCopied     uint64 `json:"objects_copied"`
	BytesCopied       uint64 `json:"bytes_copied"`
	ObjectsPromoted   uint64 `json:"objects_promoted"`
	RegionsFreed      int    `json:"regions_freed"`
	RelocationSet     int    `json:"relocation_set"`
	PinnedRegions     int    `json:"pinned_regions"`
	WeakRefsCleared   int    `json:"weak_refs_cleared"`
	FinalizersQueued  int    `json:"finalizers_queued"`
	TenuringThreshold int    `json:"tenuring_threshold,omitempty"`

	Workers int    `json:"workers"`
	Failed  bool   `json:"failed"`
	Error   string `json:"error,omitempty"`
}

// TotalPause 全部停顿时长之和
func (c *Cycle) TotalPause() time.Duration {
	return c.PauseMarkStart + c.PauseMarkEnd + c.PrepareRelocation + c.PauseCleanup + c.PauseMinor
}

// TotalConcurrent 并发阶段时长之和
func (c *Cycle) TotalConcurrent() time.Duration {
	return c.ConcurrentMark + c.ConcurrentRelocate + c.Cleanup
}

// Total 周期总时长
func (c *Cycle) Total() time.Duration {
	return c.TotalPause() + c.TotalConcurrent()
}

// Reclaimed 本周期回收的字节数
func (c *Cycle) Reclaimed() uint64 {
	if c.HeapUsedAfter >= c.HeapUsedBefore {
		return 0
	}
	return c.HeapUsedBefore - c.HeapUsedAfter
}

// CycleLog 最近若干个周期的环形记录
type CycleLog struct {
	mu      sync.Mutex
	entries []Cycle
	next    int
	full    bool
}

// DefaultHistory 默认保留的周期数
const DefaultHistory = 64

// NewCycleLog 创建保留 n 个周期的记录
func NewCycleLog(n int) *CycleLog {
	if n <= 0 {
		n = DefaultHistory
	}
	return &CycleLog{entries: make([]Cycle, n)}
}

// Add 追加一个周期，满时覆盖最旧的
func (l *CycleLog) Add(c Cycle) {
	l.mu.Lock()
	l.entries[l.next] = c
	l.next++
	if l.next == len(l.entries) {
		l.next = 0
		l.full = true
	}
	l.mu.Unlock()
}

// History 按时间顺序返回保留的周期
func (l *CycleLog) History() []Cycle {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full {
		return append([]Cycle(nil), l.entries[:l.next]...)
	}
	out := make([]Cycle, 0, len(l.entries))
	out = append(out, l.entries[l.next:]...)
	return append(out, l.entries[:l.next]...)
}

// Last 最近一个周期
func (l *CycleLog) Last() (Cycle, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.full && l.next == 0 {
		return Cycle{}, false
	}
	i := l.next - 1
	if i < 0 {
		i = len(l.entries) - 1
	}
	return l.entries[i], true
}

// Reset 清空
func (l *CycleLog) Reset() {
	l.mu.Lock()
	clear(l.entries)
	l.next, l.full = 0, false
	l.mu.Unlock()
}
