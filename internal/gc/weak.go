package gc

import (
	"sync"

	"go.uber.org/zap"

	"github.com/tangzhangming/fgc/internal/colorptr"
)

// ============================================================================
// 弱引用
// ============================================================================
//
// 弱引用单元不是根：标记结束时目标未存活则清空，存活则改为好颜色；
// minor GC 中未被复制的年轻目标同样清空。读取经过读屏障，标记期间读到的
// 目标会被标记，因而在本周期存活。

// WeakRef 弱引用
type WeakRef struct {
	slot Slot
	c    *Collector
}

// Get 读取目标，已回收时返回 Null
func (w *WeakRef) Get() colorptr.Pointer {
	return w.c.loadSlot(&w.slot)
}

// Clear 清空并注销
func (w *WeakRef) Clear() {
	w.slot.store(colorptr.Null)
	w.c.weak.remove(w)
}

type weakTable struct {
	mu   sync.Mutex
	refs map[*WeakRef]struct{}
}

func newWeakTable() *weakTable {
	return &weakTable{refs: make(map[*WeakRef]struct{})}
}

func (t *weakTable) add(w *WeakRef) {
	t.mu.Lock()
	t.refs[w] = struct{}{}
	t.mu.Unlock()
}

func (t *weakTable) remove(w *WeakRef) {
	t.mu.Lock()
	delete(t.refs, w)
	t.mu.Unlock()
}

func (t *weakTable) len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.refs)
}

// update 用 fn 改写每个弱引用；fn 返回 Null 的引用被清空并注销，返回清空数量
func (t *weakTable) update(fn func(p colorptr.Pointer) colorptr.Pointer) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	cleared := 0
	for w := range t.refs {
		v := w.slot.load()
		if v.IsNull() {
			delete(t.refs, w)
			continue
		}
		nv := fn(v)
		if nv.IsNull() {
			cleared++
			delete(t.refs, w)
		}
		if nv != v {
			w.slot.store(nv)
		}
	}
	return cleared
}

// forEach 遍历弱引用目标（校验使用）
func (t *weakTable) forEach(fn func(p colorptr.Pointer)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for w := range t.refs {
		if v := w.slot.load(); !v.IsNull() {
			fn(v)
		}
	}
}

// NewWeakRef 创建指向 p 的弱引用
func (c *Collector) NewWeakRef(p colorptr.Pointer) (*WeakRef, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	w := &WeakRef{c: c}
	if !p.IsNull() {
		p = c.resolve(p)
		if _, err := c.heap.ObjectRegion(p.Address()); err != nil {
			return nil, err
		}
		w.slot.store(p)
		c.weak.add(w)
	}
	return w, nil
}

// NewWeakRef 创建指向 p 的弱引用
func (m *Mutator) NewWeakRef(p colorptr.Pointer) (*WeakRef, error) {
	if m.closed {
		return nil, ErrMutatorClosed
	}
	return m.c.NewWeakRef(p)
}

// LoadWeak 读取弱引用
func (m *Mutator) LoadWeak(w *WeakRef) (colorptr.Pointer, error) {
	if err := m.check(); err != nil {
		return colorptr.Null, err
	}
	return w.Get(), nil
}

// ============================================================================
// 终结器
// ============================================================================
//
// 对象不可达后其终结器被放入队列，由单独的 goroutine 调用，参数为对象
// 最后的地址。对象不会因终结器复活，回调中不能再访问对象内容。

type finalizer struct {
	slot Slot
	fn   func(addr uintptr)
}

type finalizerQueue struct {
	log *zap.Logger

	mu      sync.Mutex
	entries map[*finalizer]struct{}
	ready   []func()

	signal chan struct{}
	quit   chan struct{}
	done   chan struct{}
}

func newFinalizerQueue(log *zap.Logger) *finalizerQueue {
	q := &finalizerQueue{
		log:     log,
		entries: make(map[*finalizer]struct{}),
		signal:  make(chan struct{}, 1),
		quit:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	go q.loop()
	return q
}

func (q *finalizerQueue) add(f *finalizer) {
	q.mu.Lock()
	q.entries[f] = struct{}{}
	q.mu.Unlock()
}

// remove 注销 addr 上的终结器，返回是否存在
func (q *finalizerQueue) remove(addr uint64) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for f := range q.entries {
		if f.slot.load().Address() == addr {
			delete(q.entries, f)
			return true
		}
	}
	return false
}

// update 用 fn 改写每个登记对象；fn 报告已死的对象的终结器入队，返回入队数量
func (q *finalizerQueue) update(fn func(p colorptr.Pointer) (colorptr.Pointer, bool)) int {
	q.mu.Lock()
	queued := 0
	for f := range q.entries {
		v := f.slot.load()
		nv, live := fn(v)
		if !live {
			delete(q.entries, f)
			addr, cb := uintptr(v.Address()), f.fn
			q.ready = append(q.ready, func() { cb(addr) })
			queued++
			continue
		}
		if nv != v {
			f.slot.store(nv)
		}
	}
	q.mu.Unlock()
	if queued > 0 {
		select {
		case q.signal <- struct{}{}:
		default:
		}
	}
	return queued
}

// forEach 遍历登记对象（校验使用）
func (q *finalizerQueue) forEach(fn func(p colorptr.Pointer)) {
	q.mu.Lock()
	defer q.mu.Unlock()
	for f := range q.entries {
		fn(f.slot.load())
	}
}

func (q *finalizerQueue) pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.entries)
}

func (q *finalizerQueue) loop() {
	defer close(q.done)
	for {
		select {
		case <-q.signal:
			q.run()
		case <-q.quit:
			q.run()
			return
		}
	}
}

// run 执行全部已入队的回调
func (q *finalizerQueue) run() {
	for {
		q.mu.Lock()
		ready := q.ready
		q.ready = nil
		q.mu.Unlock()
		if len(ready) == 0 {
			return
		}
		for _, cb := range ready {
			q.call(cb)
		}
	}
}

func (q *finalizerQueue) call(cb func()) {
	defer func() {
		if v := recover(); v != nil {
			q.log.Warn("finalizer panicked", zap.Any("panic", v))
		}
	}()
	cb()
}

// stop 执行剩余回调后停止
func (q *finalizerQueue) stop() {
	select {
	case <-q.quit:
		return
	default:
	}
	close(q.quit)
	<-q.done
}

// SetFinalizer 为 p 指向的对象登记终结器；fn 为 nil 时取消
func (c *Collector) SetFinalizer(p colorptr.Pointer, fn func(addr uintptr)) error {
	if err := c.err(); err != nil {
		return err
	}
	p = c.resolve(p)
	if p.IsNull() {
		return &InvalidPointerError{Reason: "null object"}
	}
	r, err := c.heap.ObjectRegion(p.Address())
	if err != nil {
		return err
	}
	c.fin.remove(p.Address())
	if fn == nil {
		r.SetFinalizable(p.Address(), false)
		return nil
	}
	r.SetFinalizable(p.Address(), true)
	f := &finalizer{fn: fn}
	f.slot.store(p)
	c.fin.add(f)
	return nil
}

// SetFinalizer 为 p 指向的对象登记终结器；fn 为 nil 时取消
func (m *Mutator) SetFinalizer(p colorptr.Pointer, fn func(addr uintptr)) error {
	if m.closed {
		return ErrMutatorClosed
	}
	return m.c.SetFinalizer(p, fn)
}
