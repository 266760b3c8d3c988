package main

import (
	"fmt"
	"math/bits"
	"math/rand"
	"sync"
	"time"

	"go.uber.org/multierr"

	"github.com/tangzhangming/fgc/internal/colorptr"
	"github.com/tangzhangming/fgc/internal/gc"
)

// ============================================================================
// 负载
// ============================================================================
//
// 每个 mutator goroutine 反复执行一个步骤直到时间用完。跨越分配的指针都
// 保存在根单元中；对象里写入的校验值在之后读取时检查，内容不符计为损坏。

// 链表节点：[0] next | [8] 值 | [16] 校验值
// 树节点：  [0] left | [8] right | [16] 值
const (
	nodeSize   = 24
	listRefMap = 1
	treeRefMap = 3
	checksum   = 0x9E3779B97F4A7C15

	listChains   = 64
	scratchDepth = 8
)

type workloadOptions struct {
	Mutators int
	Duration time.Duration
	Live     int
	Seed     int64
}

type stepFunc func(w *worker) error

var workloads = map[string]stepFunc{
	"list":  (*worker).listStep,
	"tree":  (*worker).treeStep,
	"churn": (*worker).churnStep,
	"mixed": (*worker).mixedStep,
}

type worker struct {
	c    *gc.Collector
	m    *gc.Mutator
	rng  *rand.Rand
	live int

	ops       uint64
	corrupted uint64

	chains []*gc.Root
	lens   []int
	ring   []*gc.Root
	next   int
	tree   *gc.Root
	depth  int
	stack  []*gc.Root
	steps  int
}

// runWorkload 启动 opts.Mutators 个 mutator 运行 step
func runWorkload(c *gc.Collector, step stepFunc, opts workloadOptions) (*Result, error) {
	if opts.Mutators <= 0 {
		return nil, fmt.Errorf("mutator 数必须大于 0")
	}
	deadline := time.Now().Add(opts.Duration)
	start := time.Now()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		errs    error
		workers = make([]*worker, opts.Mutators)
	)
	for i := range workers {
		m, err := c.NewMutator()
		if err != nil {
			return nil, err
		}
		workers[i] = &worker{
			c:    c,
			m:    m,
			rng:  rand.New(rand.NewSource(opts.Seed + int64(i))),
			live: max(opts.Live, 64),
		}
		wg.Add(1)
		go func(w *worker) {
			defer wg.Done()
			defer w.m.Close()
			for time.Now().Before(deadline) {
				if err := step(w); err != nil {
					mu.Lock()
					errs = multierr.Append(errs, err)
					mu.Unlock()
					return
				}
				w.m.CheckSafepoint()
			}
		}(workers[i])
	}
	wg.Wait()

	res := &Result{Duration: time.Since(start)}
	for _, w := range workers {
		res.Operations += w.ops
		res.Corrupted += w.corrupted
	}
	if secs := res.Duration.Seconds(); secs > 0 {
		res.Throughput = float64(res.Operations) / secs
	}
	return res, errs
}

func (w *worker) root() (*gc.Root, error) {
	return w.c.RegisterRoot(colorptr.Null)
}

// ============================================================================
// list：多条链表头部插入、尾部截断
// ============================================================================

func (w *worker) listStep() error {
	if w.chains == nil {
		w.chains = make([]*gc.Root, listChains)
		w.lens = make([]int, listChains)
		for i := range w.chains {
			r, err := w.root()
			if err != nil {
				return err
			}
			w.chains[i] = r
		}
	}
	j := w.rng.Intn(len(w.chains))
	head := w.chains[j]

	v := w.rng.Uint64()
	p, err := w.m.AllocateWithRefMap(nodeSize, listRefMap)
	if err != nil {
		return err
	}
	if err := w.m.WriteWord(p, 8, v); err != nil {
		return err
	}
	if err := w.m.WriteWord(p, 16, v^checksum); err != nil {
		return err
	}
	if err := w.m.InitPointer(p, 0, head.Get()); err != nil {
		return err
	}
	head.Set(p)
	w.lens[j]++
	w.ops++

	limit := w.live / len(w.chains)
	if w.lens[j] > limit {
		n, err := w.walkList(head.Get(), limit)
		if err != nil {
			return err
		}
		w.lens[j] = n
	}
	return nil
}

// walkList 校验前 limit 个节点并截断其后的部分，返回保留的长度
func (w *worker) walkList(p colorptr.Pointer, limit int) (int, error) {
	n := 0
	for !p.IsNull() {
		v, err := w.m.ReadWord(p, 8)
		if err != nil {
			return n, err
		}
		sum, err := w.m.ReadWord(p, 16)
		if err != nil {
			return n, err
		}
		if sum != v^checksum {
			w.corrupted++
		}
		n++
		if n == limit {
			return n, w.m.StorePointer(p, 0, colorptr.Null)
		}
		if p, err = w.m.LoadPointer(p, 0); err != nil {
			return n, err
		}
	}
	return n, nil
}

// ============================================================================
// tree：一棵长期存活的树加上大量临时树
// ============================================================================

func (w *worker) treeStep() error {
	if w.tree == nil {
		w.depth = max(bits.Len(uint(w.live))-1, scratchDepth)
		w.stack = make([]*gc.Root, w.depth+1)
		for i := range w.stack {
			r, err := w.root()
			if err != nil {
				return err
			}
			w.stack[i] = r
		}
		t, err := w.root()
		if err != nil {
			return err
		}
		w.tree = t
		if err := w.buildTree(w.depth); err != nil {
			return err
		}
		w.tree.Set(w.stack[0].Get())
	}

	if err := w.buildTree(scratchDepth); err != nil {
		return err
	}
	w.checkTree(w.stack[0].Get(), scratchDepth)
	w.stack[0].Set(colorptr.Null)
	w.ops++

	w.steps++
	if w.steps%64 == 0 {
		w.checkTree(w.tree.Get(), w.depth)
	}
	return nil
}

// buildTree 自顶向下构造深度为 depth 的满二叉树，根放在 stack[0]
func (w *worker) buildTree(depth int) error {
	root, err := w.newTreeNode(uint64(depth))
	if err != nil {
		return err
	}
	w.stack[0].Set(root)
	return w.grow(0, depth)
}

func (w *worker) grow(d, depth int) error {
	if depth == 0 {
		return nil
	}
	for side := uint64(0); side < 2; side++ {
		child, err := w.newTreeNode(uint64(depth - 1))
		if err != nil {
			return err
		}
		if err := w.m.StorePointer(w.stack[d].Get(), side*8, child); err != nil {
			return err
		}
		w.stack[d+1].Set(child)
		if err := w.grow(d+1, depth-1); err != nil {
			return err
		}
	}
	w.stack[d+1].Set(colorptr.Null)
	return nil
}

func (w *worker) newTreeNode(level uint64) (colorptr.Pointer, error) {
	p, err := w.m.AllocateWithRefMap(nodeSize, treeRefMap)
	if err != nil {
		return colorptr.Null, err
	}
	return p, w.m.WriteWord(p, 16, level^checksum)
}

// checkTree 遍历整棵树，节点数或层号不符计为损坏
func (w *worker) checkTree(root colorptr.Pointer, depth int) {
	type item struct {
		p     colorptr.Pointer
		level uint64
	}
	stack := []item{{root, uint64(depth)}}
	nodes := 0
	for len(stack) > 0 {
		it := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if it.p.IsNull() {
			continue
		}
		nodes++
		if v, err := w.m.ReadWord(it.p, 16); err != nil || v != it.level^checksum {
			w.corrupted++
			continue
		}
		if it.level == 0 {
			continue
		}
		for off := uint64(0); off < 16; off += 8 {
			child, err := w.m.LoadPointer(it.p, off)
			if err != nil || child.IsNull() {
				w.corrupted++
				continue
			}
			stack = append(stack, item{child, it.level - 1})
		}
	}
	if want := 1<<(depth+1) - 1; nodes != want {
		w.corrupted++
	}
}

// ============================================================================
// churn：大小混合的对象轮换替换
// ============================================================================

func (w *worker) churnStep() error {
	if w.ring == nil {
		w.ring = make([]*gc.Root, max(w.live/8, 16))
		for i := range w.ring {
			r, err := w.root()
			if err != nil {
				return err
			}
			w.ring[i] = r
		}
	}
	slot := w.ring[w.next]
	w.next = (w.next + 1) % len(w.ring)

	if old := slot.Get(); !old.IsNull() {
		first, err := w.m.ReadWord(old, 0)
		if err != nil {
			return err
		}
		size, err := w.m.ReadWord(old, 8)
		if err != nil {
			return err
		}
		last, err := w.m.ReadWord(old, size-8)
		if err != nil {
			return err
		}
		if first != ^last {
			w.corrupted++
		}
	}

	size := w.churnSize()
	p, err := w.m.Allocate(size, 8)
	if err != nil {
		return err
	}
	v := w.rng.Uint64()
	if err := w.m.WriteWord(p, 0, v); err != nil {
		return err
	}
	if err := w.m.WriteWord(p, 8, size); err != nil {
		return err
	}
	if err := w.m.WriteWord(p, size-8, ^v); err != nil {
		return err
	}
	// 一半对象保留到下一轮
	if w.rng.Intn(2) == 0 {
		slot.Set(p)
	} else {
		slot.Set(colorptr.Null)
	}
	w.ops++
	return nil
}

// churnSize 80% 小对象，15% 中对象，5% 大对象；至少 3 个字：值 | 大小 | ... | 反码
func (w *worker) churnSize() uint64 {
	switch n := w.rng.Intn(100); {
	case n < 80:
		return 8 * uint64(3+w.rng.Intn(14))
	case n < 95:
		return 8 * uint64(32+w.rng.Intn(224))
	default:
		return 8 * uint64(1024+w.rng.Intn(7168))
	}
}

func (w *worker) mixedStep() error {
	switch w.rng.Intn(3) {
	case 0:
		return w.listStep()
	case 1:
		return w.treeStep()
	default:
		return w.churnStep()
	}
}
