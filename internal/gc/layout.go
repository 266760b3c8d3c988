package gc

import (
	"fmt"
	"math/bits"
	"sync"

	"github.com/tangzhangming/fgc/internal/heap"
)

// ============================================================================
// 对象布局
// ============================================================================
//
// 收集器不理解对象内容，只通过布局提供者得知哪些载荷偏移存放着指针。
// 偏移相对于载荷起始（对象头之后），必须 8 字节对齐且落在载荷内，
// 否则扫描时按非法指针处理。

// LayoutProvider 对象布局提供者
type LayoutProvider interface {
	PointerFields(hdr heap.ObjectHeader) []uint64
}

// LayoutFunc 函数形式的布局提供者
type LayoutFunc func(hdr heap.ObjectHeader) []uint64

// PointerFields 实现 LayoutProvider
func (f LayoutFunc) PointerFields(hdr heap.ObjectHeader) []uint64 { return f(hdr) }

// RefMapLayout 按对象头中的引用图解析指针字段
//
// 引用图第 i 位为 1 表示载荷第 i 个字是指针，只能描述前 32 个字。
type RefMapLayout struct{}

// PointerFields 实现 LayoutProvider
func (RefMapLayout) PointerFields(hdr heap.ObjectHeader) []uint64 {
	return refMapFields(hdr.RefMap)
}

func refMapFields(m uint32) []uint64 {
	if m == 0 {
		return nil
	}
	out := make([]uint64, 0, bits.OnesCount32(m))
	for m != 0 {
		i := bits.TrailingZeros32(m)
		out = append(out, uint64(i)*heap.WordSize)
		m &= m - 1
	}
	return out
}

// RefMap 由字段偏移构造引用图
func RefMap(offsets ...uint64) (uint32, error) {
	var m uint32
	for _, off := range offsets {
		if off%heap.WordSize != 0 || off/heap.WordSize >= 32 {
			return 0, fmt.Errorf("gc: offset %d cannot be described by a reference map", off)
		}
		m |= 1 << (off / heap.WordSize)
	}
	return m, nil
}

// ============================================================================
// 类型注册表
// ============================================================================

// Class 类型描述
type Class struct {
	ID       uint32
	Name     string
	Size     uint64   // 载荷大小，New 时 size 为 0 则使用此值
	Pointers []uint64 // 指针字段偏移
}

// TypeRegistry 按类型 id 查询指针字段的布局提供者
//
// 未注册的类型回退到对象头中的引用图。
type TypeRegistry struct {
	mu      sync.RWMutex
	classes map[uint32]*Class
}

// NewTypeRegistry 创建类型注册表
func NewTypeRegistry() *TypeRegistry {
	return &TypeRegistry{classes: make(map[uint32]*Class)}
}

// Register 注册类型，偏移越界或未对齐时返回错误
func (r *TypeRegistry) Register(c Class) error {
	for _, off := range c.Pointers {
		if off%heap.WordSize != 0 {
			return fmt.Errorf("gc: class %q: misaligned pointer offset %d", c.Name, off)
		}
		if c.Size > 0 && off+heap.WordSize > c.Size {
			return fmt.Errorf("gc: class %q: pointer offset %d outside payload of %d bytes", c.Name, off, c.Size)
		}
	}
	c.Pointers = append([]uint64(nil), c.Pointers...)
	r.mu.Lock()
	r.classes[c.ID] = &c
	r.mu.Unlock()
	return nil
}

// Lookup 查询类型
func (r *TypeRegistry) Lookup(id uint32) (Class, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.classes[id]
	if !ok {
		return Class{}, false
	}
	return *c, true
}

// PointerFields 实现 LayoutProvider
func (r *TypeRegistry) PointerFields(hdr heap.ObjectHeader) []uint64 {
	r.mu.RLock()
	c, ok := r.classes[hdr.ClassID]
	r.mu.RUnlock()
	if ok {
		return c.Pointers
	}
	return refMapFields(hdr.RefMap)
}

// classSizer 能给出类型默认大小的布局提供者
type classSizer interface {
	Lookup(id uint32) (Class, bool)
}

// fieldAddr 校验布局给出的偏移并返回字段地址
//
// 偏移非法说明布局提供者与对象不一致，回收无法继续，直接 panic 由控制器
// 转入失败状态。
func fieldAddr(addr uint64, hdr heap.ObjectHeader, off uint64) uint64 {
	if off%heap.WordSize != 0 || off >= hdr.PayloadSize() || hdr.PayloadSize()-off < heap.WordSize {
		panic(&heap.InvalidPointerError{
			Address: addr,
			Reason:  fmt.Sprintf("layout offset %d outside payload of %d bytes (%s)", off, hdr.PayloadSize(), hdr),
		})
	}
	return addr + heap.HeaderSize + off
}
