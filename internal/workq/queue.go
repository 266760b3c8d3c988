package workq

import (
	"runtime"
	"sync"
	"sync/atomic"
	"time"
)

// Queue 多工作线程共享的标记队列
//
// 终止检测沿用空闲计数：工作线程找不到任务时进入等待并计数，
// 全部线程都在等待且全局、本地、窃取均无任务时本轮结束。屏障在
// 终止后仍可能压入全局队列，这部分由调用者在暂停中最终检查。
type Queue struct {
	locals []*Deque

	mu        sync.Mutex
	global    []uint64
	globalLen atomic.Int64

	nproc int32
	nwait atomic.Int32
	done  atomic.Bool

	stats QueueStats
}

// QueueStats 队列统计
type QueueStats struct {
	Pushes    atomic.Int64
	Overflows atomic.Int64
	Steals    atomic.Int64
	Idles     atomic.Int64
}

// NewQueue 创建 n 个工作线程的队列
func NewQueue(n int) *Queue {
	if n < 1 {
		n = 1
	}
	q := &Queue{locals: make([]*Deque, n), nproc: int32(n)}
	for i := range q.locals {
		q.locals[i] = &Deque{}
	}
	return q
}

// Workers 工作线程数
func (q *Queue) Workers() int { return len(q.locals) }

// Stats 统计
func (q *Queue) Stats() *QueueStats { return &q.stats }

// Reset 新一轮开始前调用（没有并发工作线程）
func (q *Queue) Reset() {
	q.nwait.Store(0)
	q.done.Store(false)
}

// Push 工作线程 id 压入任务，本地满时一半溢出到全局
func (q *Queue) Push(id int, v uint64) {
	q.stats.Pushes.Add(1)
	d := q.locals[id]
	if d.Push(v) {
		return
	}
	q.stats.Overflows.Add(1)
	batch := make([]uint64, 0, DequeSize/2+1)
	for i := 0; i < DequeSize/2; i++ {
		x, ok := d.Pop()
		if !ok {
			break
		}
		batch = append(batch, x)
	}
	batch = append(batch, v)
	q.PushGlobal(batch...)
}

// PushGlobal 压入全局队列（mutator 与 SATB 刷新使用）
func (q *Queue) PushGlobal(vs ...uint64) {
	if len(vs) == 0 {
		return
	}
	q.mu.Lock()
	q.global = append(q.global, vs...)
	q.globalLen.Store(int64(len(q.global)))
	q.mu.Unlock()
}

// Pop 依次尝试本地、全局、窃取
func (q *Queue) Pop(id int) (uint64, bool) {
	d := q.locals[id]
	if v, ok := d.Pop(); ok {
		return v, true
	}
	if v, ok := q.popGlobal(d); ok {
		return v, true
	}
	return q.steal(id)
}

// popGlobal 从全局队列取一批，第一个返回，其余放入本地
func (q *Queue) popGlobal(d *Deque) (uint64, bool) {
	if q.globalLen.Load() == 0 {
		return 0, false
	}
	q.mu.Lock()
	n := len(q.global)
	if n == 0 {
		q.mu.Unlock()
		return 0, false
	}
	take := n / len(q.locals)
	take = max(1, min(take, DequeSize/2))
	batch := make([]uint64, take)
	copy(batch, q.global[n-take:])
	q.global = q.global[:n-take]
	q.globalLen.Store(int64(len(q.global)))
	q.mu.Unlock()

	for _, v := range batch[1:] {
		if !d.Push(v) {
			q.PushGlobal(v)
		}
	}
	return batch[0], true
}

func (q *Queue) steal(id int) (uint64, bool) {
	n := len(q.locals)
	if n <= 1 {
		return 0, false
	}
	for i := 1; i < n; i++ {
		victim := q.locals[(id+i)%n]
		if v, ok := victim.Steal(); ok {
			q.stats.Steals.Add(1)
			return v, true
		}
	}
	return 0, false
}

// HasWork 是否还有可见任务
func (q *Queue) HasWork() bool {
	if q.globalLen.Load() > 0 {
		return true
	}
	for _, d := range q.locals {
		if d.Len() > 0 {
			return true
		}
	}
	return false
}

// Len 任务总数（近似）
func (q *Queue) Len() int {
	n := int(q.globalLen.Load())
	for _, d := range q.locals {
		n += d.Len()
	}
	return n
}

// WaitForWork 空闲等待；有新任务时返回 true，本轮终止时返回 false
//
// poll 在每次检查时调用，用于从外部来源（如 SATB 全局缓冲）搬运任务。
func (q *Queue) WaitForWork(poll func() bool) bool {
	q.stats.Idles.Add(1)
	n := q.nwait.Add(1)
	for spins := 0; ; spins++ {
		if q.done.Load() {
			return false
		}
		if poll != nil && poll() {
			q.nwait.Add(-1)
			return true
		}
		if q.HasWork() {
			q.nwait.Add(-1)
			return true
		}
		if n == q.nproc {
			q.done.Store(true)
			return false
		}
		if spins < 16 {
			runtime.Gosched()
		} else {
			time.Sleep(10 * time.Microsecond)
		}
		n = q.nwait.Load()
	}
}

// Terminated 本轮是否已终止
func (q *Queue) Terminated() bool {
	return q.done.Load()
}

// Drain 工作线程主循环：处理任务直到本轮终止
//
// fn panic 时本轮立即终止，其余工作线程不再等待它。
func (q *Queue) Drain(id int, poll func() bool, fn func(v uint64)) {
	finished := false
	defer func() {
		if !finished {
			q.done.Store(true)
		}
	}()
	for {
		for {
			v, ok := q.Pop(id)
			if !ok {
				break
			}
			fn(v)
		}
		if !q.WaitForWork(poll) {
			finished = true
			return
		}
	}
}
