// Package colorptr 实现着色指针（Colored Pointer）。
//
// 着色指针把 GC 元数据编码在 64 位地址未使用的高位中：
//
//	63          48 47   46   45   44 43                          0
//	+-------------+----+----+----+----+-----------------------------+
//	|   unused    | F  | R  | M1 | M0 |     address (44 bits)       |
//	+-------------+----+----+----+----+-----------------------------+
//
// 颜色位永远不参与地址运算，所有解引用都先屏蔽到原始地址。
package colorptr

import (
	"fmt"
	"strings"
)

// Pointer 着色指针
type Pointer uint64

// Color 颜色位集合（只包含 Marked0/Marked1/Remapped/Finalizable 四位）
type Color uint64

const (
	// AddressBits 地址位数（16TB 逻辑地址空间）
	AddressBits = 44

	// AddressMask 地址掩码
	AddressMask uint64 = 1<<AddressBits - 1

	// Marked0 第 0 种标记色
	Marked0 Color = 1 << 44
	// Marked1 第 1 种标记色
	Marked1 Color = 1 << 45
	// Remapped 已重映射
	Remapped Color = 1 << 46
	// Finalizable 仅可经由终结器到达
	Finalizable Color = 1 << 47

	// MarkedMask 两种标记色
	MarkedMask = Marked0 | Marked1

	// ColorMask 全部颜色位
	ColorMask = Marked0 | Marked1 | Remapped | Finalizable
)

// Null 空指针
const Null Pointer = 0

// Pack 将地址与颜色打包为着色指针
//
// 超出 44 位的地址位会被截断，超出 ColorMask 的颜色位会被丢弃。
func Pack(address uint64, color Color) Pointer {
	return Pointer(address&AddressMask | uint64(color&ColorMask))
}

// Unpack 拆出地址与颜色
func Unpack(p Pointer) (uint64, Color) {
	return p.Address(), p.Color()
}

// Address 原始地址
func (p Pointer) Address() uint64 {
	return uint64(p) & AddressMask
}

// Color 颜色位
func (p Pointer) Color() Color {
	return Color(uint64(p)) & ColorMask
}

// IsNull 地址部分是否为 0
func (p Pointer) IsNull() bool {
	return p.Address() == 0
}

// WithColor 替换全部颜色位
func WithColor(p Pointer, c Color) Pointer {
	return Pack(p.Address(), c)
}

// WithColor 方法形式
func (p Pointer) WithColor(c Color) Pointer {
	return WithColor(p, c)
}

// Has 是否包含指定颜色位中的任意一位
func (p Pointer) Has(c Color) bool {
	return uint64(p)&uint64(c) != 0
}

// IsMarked0 带有偶数周期的标记色
func (p Pointer) IsMarked0() bool { return p.Has(Marked0) }

// IsMarked1 带有奇数周期的标记色
func (p Pointer) IsMarked1() bool { return p.Has(Marked1) }

// IsMarked 带有任一标记色
func (p Pointer) IsMarked() bool { return p.Has(MarkedMask) }

// IsRemapped 已指向对象的当前位置
func (p Pointer) IsRemapped() bool { return p.Has(Remapped) }

// IsFinalizable 只经由终结器可达
func (p Pointer) IsFinalizable() bool { return p.Has(Finalizable) }

// Raw 原始 64 位值
func (p Pointer) Raw() uint64 {
	return uint64(p)
}

// String 调试输出，例如 0x10000000040[M0|R]
func (p Pointer) String() string {
	if p == Null {
		return "null"
	}
	return fmt.Sprintf("%#x[%s]", p.Address(), p.Color())
}

// Flip 翻转标记色：Marked0 <-> Marked1，未标记时变为 Marked0
func (c Color) Flip() Color {
	rest := c &^ MarkedMask
	switch {
	case c&Marked0 != 0:
		return rest | Marked1
	case c&Marked1 != 0:
		return rest | Marked0
	default:
		return rest | Marked0
	}
}

// MarkColorForEpoch 每个标记周期交替使用 Marked0/Marked1
func MarkColorForEpoch(epoch uint64) Color {
	if epoch&1 == 0 {
		return Marked0
	}
	return Marked1
}

// Index 标记色对应的位图下标（Marked0 -> 0，Marked1 -> 1）
func (c Color) Index() int {
	if c&Marked1 != 0 {
		return 1
	}
	return 0
}

func (c Color) String() string {
	if c&ColorMask == 0 {
		return "-"
	}
	var parts []string
	if c&Marked0 != 0 {
		parts = append(parts, "M0")
	}
	if c&Marked1 != 0 {
		parts = append(parts, "M1")
	}
	if c&Remapped != 0 {
		parts = append(parts, "R")
	}
	if c&Finalizable != 0 {
		parts = append(parts, "F")
	}
	return strings.Join(parts, "|")
}
