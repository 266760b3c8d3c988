package gcstats

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"

	"go.uber.org/atomic"
)

// ============================================================================
// 按类型的分配统计
// ============================================================================

// ClassStats 单个类型的分配计数
type ClassStats struct {
	ClassID    uint32 `json:"class_id"`
	AllocCount uint64 `json:"alloc_count"`
	TotalBytes uint64 `json:"total_bytes"`
	MaxSize    uint64 `json:"max_size"`
}

type classCounter struct {
	allocs  atomic.Uint64
	bytes   atomic.Uint64
	maxSize atomic.Uint64
}

// ClassTable 按类型 id 汇总分配，可并发记录
type ClassTable struct {
	counters sync.Map // uint32 -> *classCounter
}

// Record 记录一次 class 类型、size 字节的分配
func (t *ClassTable) Record(class uint32, size uint64) {
	v, ok := t.counters.Load(class)
	if !ok {
		v, _ = t.counters.LoadOrStore(class, &classCounter{})
	}
	c := v.(*classCounter)
	c.allocs.Inc()
	c.bytes.Add(size)
	for {
		m := c.maxSize.Load()
		if size <= m || c.maxSize.CAS(m, size) {
			break
		}
	}
}

// Snapshot 当前计数，按分配字节数降序
func (t *ClassTable) Snapshot() []ClassStats {
	var out []ClassStats
	t.counters.Range(func(k, v any) bool {
		c := v.(*classCounter)
		out = append(out, ClassStats{
			ClassID:    k.(uint32),
			AllocCount: c.allocs.Load(),
			TotalBytes: c.bytes.Load(),
			MaxSize:    c.maxSize.Load(),
		})
		return true
	})
	sort.Slice(out, func(i, j int) bool {
		if out[i].TotalBytes != out[j].TotalBytes {
			return out[i].TotalBytes > out[j].TotalBytes
		}
		return out[i].ClassID < out[j].ClassID
	})
	return out
}

// Reset 清空
func (t *ClassTable) Reset() {
	t.counters.Range(func(k, _ any) bool {
		t.counters.Delete(k)
		return true
	})
}

// WriteTop 输出分配字节数最多的 n 个类型
func WriteTop(w io.Writer, classes []ClassStats, n int) {
	if n > len(classes) {
		n = len(classes)
	}
	var total uint64
	for _, c := range classes {
		total += c.TotalBytes
	}
	fmt.Fprintf(w, "%-8s %12s %12s %8s %10s\n", "class", "allocs", "bytes", "share", "max")
	fmt.Fprintf(w, "%s\n", strings.Repeat("-", 54))
	for _, c := range classes[:n] {
		share := 0.0
		if total > 0 {
			share = float64(c.TotalBytes) / float64(total) * 100
		}
		fmt.Fprintf(w, "%-8d %12d %12s %7.1f%% %10s\n",
			c.ClassID, c.AllocCount, human(c.TotalBytes), share, human(c.MaxSize))
	}
}
