package workq

import (
	"fmt"
	"runtime"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"go.uber.org/multierr"
)

// ============================================================================
// 工作线程池
// ============================================================================
//
// 收集器的常驻工作线程。每个阶段把同一个任务分发给全部线程并等待完成，
// 线程 id 与 Queue 的本地队列下标一一对应。任务中的 panic 被恢复为
// *PanicError 返回给调用者，由收集器转入永久失败状态。

// MaxWorkers 工作线程数上限
const MaxWorkers = 256

// PanicError 工作线程 panic
type PanicError struct {
	Worker int
	Value  any
	Stack  []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("gc worker %d panicked: %v", e.Worker, e.Value)
}

// Unwrap panic 值本身是 error 时返回它
func (e *PanicError) Unwrap() error {
	err, _ := e.Value.(error)
	return err
}

// Pool 工作线程池
type Pool struct {
	n       int
	tasks   []chan *run
	wg      sync.WaitGroup
	running atomic.Bool

	stats PoolStats
}

// PoolStats 线程池统计
type PoolStats struct {
	Runs   atomic.Int64
	Panics atomic.Int64
}

type run struct {
	task func(id int)
	wg   sync.WaitGroup
	mu   sync.Mutex
	err  error
}

// NewPool 创建 n 个工作线程的池（0 表示 CPU 核心数）
func NewPool(n int) *Pool {
	if n <= 0 {
		n = runtime.NumCPU()
	}
	if n > MaxWorkers {
		n = MaxWorkers
	}
	p := &Pool{n: n, tasks: make([]chan *run, n)}
	for i := range p.tasks {
		p.tasks[i] = make(chan *run, 1)
	}
	return p
}

// Workers 工作线程数量
func (p *Pool) Workers() int { return p.n }

// Stats 统计
func (p *Pool) Stats() *PoolStats { return &p.stats }

// Start 启动全部工作线程
func (p *Pool) Start() {
	if !p.running.CompareAndSwap(false, true) {
		return
	}
	for i := 0; i < p.n; i++ {
		p.wg.Add(1)
		go p.worker(i)
	}
}

// Stop 停止工作线程并等待退出
func (p *Pool) Stop() {
	if !p.running.CompareAndSwap(true, false) {
		return
	}
	for _, ch := range p.tasks {
		close(ch)
	}
	p.wg.Wait()
}

func (p *Pool) worker(id int) {
	defer p.wg.Done()
	for r := range p.tasks[id] {
		p.execute(id, r)
	}
}

func (p *Pool) execute(id int, r *run) {
	defer r.wg.Done()
	defer func() {
		if v := recover(); v != nil {
			p.stats.Panics.Add(1)
			r.mu.Lock()
			r.err = multierr.Append(r.err, &PanicError{Worker: id, Value: v, Stack: debug.Stack()})
			r.mu.Unlock()
		}
	}()
	r.task(id)
}

// Run 在全部工作线程上执行 task 并等待完成
//
// 池未启动时为本次执行临时创建 goroutine。
func (p *Pool) Run(task func(id int)) error {
	p.stats.Runs.Add(1)
	r := &run{task: task}
	r.wg.Add(p.n)
	if p.running.Load() {
		for _, ch := range p.tasks {
			ch <- r
		}
	} else {
		for i := 0; i < p.n; i++ {
			go p.execute(i, r)
		}
	}
	r.wg.Wait()
	return r.err
}
