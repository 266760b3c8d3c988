// Package vmem 管理托管堆的虚拟内存。
//
// 本包提供两部分能力：
//  1. AddressSpace：在 44 位逻辑地址空间中为 Region 预留地址区间
//  2. Mapper：为 Region 提交物理内存，并按颜色建立多个视图
//
// 多视图映射（multi-view mapping）把同一块物理内存映射到 Remapped、
// Marked0、Marked1 三个虚拟视图上，指针颜色决定访问哪个视图。
// 它是一个按平台能力选择的策略：Linux 上使用 memfd，其余平台退化为
// 单视图（颜色位在访问前屏蔽）。
package vmem

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/fgc/internal/colorptr"
)

// View 视图
type View int

const (
	ViewRemapped View = iota // 重映射视图（默认视图）
	ViewMarked0              // Marked0 视图
	ViewMarked1              // Marked1 视图

	numViews
)

func (v View) String() string {
	switch v {
	case ViewRemapped:
		return "remapped"
	case ViewMarked0:
		return "marked0"
	case ViewMarked1:
		return "marked1"
	default:
		return fmt.Sprintf("view(%d)", int(v))
	}
}

// ViewFor 根据指针颜色选择视图
func ViewFor(c colorptr.Color) View {
	switch {
	case c&colorptr.Marked0 != 0:
		return ViewMarked0
	case c&colorptr.Marked1 != 0:
		return ViewMarked1
	default:
		return ViewRemapped
	}
}

// Mapping 一块已提交的内存
type Mapping interface {
	// View 返回指定视图的字节切片；单视图实现对所有视图返回同一切片
	View(v View) []byte

	// Size 映射大小（字节）
	Size() uint64

	// MultiView 是否为真正的多视图映射
	MultiView() bool

	// Release 归还内存
	Release() error
}

// Mapper 内存映射策略
type Mapper interface {
	Name() string
	MultiView() bool
	Map(size uint64) (Mapping, error)
}

// 映射模式
const (
	ModeAuto   = "auto"   // 优先多视图，不支持时退化为单视图
	ModeMulti  = "multi"  // 强制多视图
	ModeSingle = "single" // 操作系统单视图映射
	ModeGo     = "go"     // Go 堆内存（可移植回退）
)

var (
	// ErrMultiMapUnsupported 平台不支持多视图映射
	ErrMultiMapUnsupported = errors.New("vmem: multi-view mapping unsupported on this platform")

	// ErrInvalidSize 映射大小非法
	ErrInvalidSize = errors.New("vmem: invalid mapping size")
)

// NewMapper 按模式创建映射策略
func NewMapper(mode string) (Mapper, error) {
	switch mode {
	case "", ModeAuto:
		if m, err := newMultiMapper(); err == nil {
			return m, nil
		}
		return newOSMapper(), nil
	case ModeMulti:
		return newMultiMapper()
	case ModeSingle:
		return newOSMapper(), nil
	case ModeGo:
		return GoMapper{}, nil
	default:
		return nil, fmt.Errorf("vmem: unknown mapping mode %q", mode)
	}
}

// ============================================================================
// 单视图实现
// ============================================================================

// singleMapping 所有视图共享同一切片
type singleMapping struct {
	mem     []byte
	release func([]byte) error
}

func (m *singleMapping) View(View) []byte { return m.mem }
func (m *singleMapping) Size() uint64     { return uint64(len(m.mem)) }
func (m *singleMapping) MultiView() bool  { return false }

func (m *singleMapping) Release() error {
	if m.mem == nil {
		return nil
	}
	mem := m.mem
	m.mem = nil
	if m.release == nil {
		return nil
	}
	return m.release(mem)
}

// GoMapper 使用 Go 分配的内存，任何平台可用
type GoMapper struct{}

func (GoMapper) Name() string    { return ModeGo }
func (GoMapper) MultiView() bool { return false }

// Map 分配 size 字节（按 8 字节对齐，Go 大对象分配总是满足）
func (GoMapper) Map(size uint64) (Mapping, error) {
	if size == 0 || size > maxMappingSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	return &singleMapping{mem: make([]byte, size)}, nil
}

// maxMappingSize 单次映射上限，保证 int 转换安全
const maxMappingSize = 1 << 40
