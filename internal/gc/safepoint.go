package gc

import (
	"sync"
	"time"

	"go.uber.org/atomic"
)

// ============================================================================
// 安全点
// ============================================================================
//
// 协作式 STW：回收线程置位 requested 后等待所有运行中的 mutator 到达
// 安全点。mutator 在分配慢速路径、CheckSafepoint 与 Unblock 处检查请求；
// 处于阻塞区（Block）的 mutator 视为已在安全点。

type safepoint struct {
	mu   sync.Mutex
	cond *sync.Cond

	requested atomic.Bool
	stopped   bool
	running   int // 已挂接且未阻塞的 mutator 数

	stops     atomic.Uint64
	totalStop atomic.Duration
}

func newSafepoint() *safepoint {
	sp := &safepoint{}
	sp.cond = sync.NewCond(&sp.mu)
	return sp
}

// attach mutator 挂接（STW 期间等待）
func (sp *safepoint) attach() {
	sp.mu.Lock()
	for sp.stopped {
		sp.cond.Wait()
	}
	sp.running++
	sp.mu.Unlock()
}

// detach mutator 离开（关闭或进入阻塞区）
func (sp *safepoint) detach() {
	sp.mu.Lock()
	sp.running--
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

// park 在安全点停下直到世界恢复
func (sp *safepoint) park() {
	sp.mu.Lock()
	sp.running--
	sp.cond.Broadcast()
	for sp.stopped {
		sp.cond.Wait()
	}
	sp.running++
	sp.mu.Unlock()
}

// stop 请求 STW 并等待全部 mutator 到达安全点，返回等待时长
func (sp *safepoint) stop() time.Duration {
	start := time.Now()
	sp.mu.Lock()
	sp.stopped = true
	sp.requested.Store(true)
	for sp.running > 0 {
		sp.cond.Wait()
	}
	sp.mu.Unlock()
	d := time.Since(start)
	sp.stops.Inc()
	sp.totalStop.Add(d)
	return d
}

// start 恢复世界
func (sp *safepoint) start() {
	sp.mu.Lock()
	sp.stopped = false
	sp.requested.Store(false)
	sp.cond.Broadcast()
	sp.mu.Unlock()
}

// release 失败路径使用：世界处于停止状态时恢复
func (sp *safepoint) release() {
	sp.mu.Lock()
	stopped := sp.stopped
	sp.mu.Unlock()
	if stopped {
		sp.start()
	}
}

// runningCount 运行中的 mutator 数
func (sp *safepoint) runningCount() int {
	sp.mu.Lock()
	defer sp.mu.Unlock()
	return sp.running
}

// pause 在 STW 中执行 fn，返回包含等待在内的停顿时长
func (sp *safepoint) pause(fn func()) time.Duration {
	start := time.Now()
	sp.stop()
	defer sp.start()
	fn()
	return time.Since(start)
}
