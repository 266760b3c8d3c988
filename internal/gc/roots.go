package gc

import (
	"go.uber.org/atomic"

	"github.com/tangzhangming/fgc/internal/colorptr"
)

// ============================================================================
// 根
// ============================================================================
//
// 根是收集器可见的指针单元。引用目标移动时收集器直接改写单元里的值，
// 所以根以句柄形式存在，mutator 每次使用前重新读取。

// Slot 收集器可见的指针单元
type Slot struct {
	v atomic.Uint64
}

// NewSlot 创建指针单元
func NewSlot(p colorptr.Pointer) *Slot {
	s := &Slot{}
	s.v.Store(uint64(p))
	return s
}

// Raw 不经过屏障读取原始值（仅用于诊断）
func (s *Slot) Raw() colorptr.Pointer { return colorptr.Pointer(s.v.Load()) }

func (s *Slot) load() colorptr.Pointer { return colorptr.Pointer(s.v.Load()) }

func (s *Slot) store(p colorptr.Pointer) { s.v.Store(uint64(p)) }

func (s *Slot) cas(old, p colorptr.Pointer) bool { return s.v.CAS(uint64(old), uint64(p)) }

// RootProvider 外部根提供者（如解释器栈）
//
// ScanRoots 在暂停中被调用，返回的单元由收集器读取并改写。
type RootProvider interface {
	ScanRoots() []*Slot
}

// RootProviderFunc 函数形式的根提供者
type RootProviderFunc func() []*Slot

// ScanRoots 实现 RootProvider
func (f RootProviderFunc) ScanRoots() []*Slot { return f() }

// Root 已注册的根
type Root struct {
	slot Slot
	c    *Collector
}

// Get 经由读屏障读取根
func (r *Root) Get() colorptr.Pointer {
	return r.c.loadSlot(&r.slot)
}

// Set 写入根
func (r *Root) Set(p colorptr.Pointer) {
	r.slot.store(r.c.resolve(p))
}

// RegisterRoot 注册一个根
func (c *Collector) RegisterRoot(p colorptr.Pointer) (*Root, error) {
	if err := c.err(); err != nil {
		return nil, err
	}
	p = c.resolve(p)
	if !p.IsNull() {
		if _, err := c.heap.ObjectRegion(p.Address()); err != nil {
			return nil, err
		}
	}
	r := &Root{c: c}
	r.slot.store(p)
	c.rootMu.Lock()
	c.roots[r] = struct{}{}
	c.rootMu.Unlock()
	return r, nil
}

// UnregisterRoot 注销根
func (c *Collector) UnregisterRoot(r *Root) error {
	c.rootMu.Lock()
	defer c.rootMu.Unlock()
	if _, ok := c.roots[r]; !ok {
		return ErrUnknownRoot
	}
	delete(c.roots, r)
	return nil
}

// AddRootProvider 注册根提供者
func (c *Collector) AddRootProvider(p RootProvider) {
	c.rootMu.Lock()
	c.providers = append(c.providers, p)
	c.rootMu.Unlock()
}

// rootSlots 全部根单元的快照（已注册根 + 提供者），在暂停中调用
func (c *Collector) rootSlots() []*Slot {
	c.rootMu.Lock()
	slots := make([]*Slot, 0, len(c.roots))
	for r := range c.roots {
		slots = append(slots, &r.slot)
	}
	providers := append([]RootProvider(nil), c.providers...)
	c.rootMu.Unlock()

	for _, p := range providers {
		for _, s := range p.ScanRoots() {
			if s != nil {
				slots = append(slots, s)
			}
		}
	}
	return slots
}
