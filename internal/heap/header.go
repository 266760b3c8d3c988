package heap

import "fmt"

// ============================================================================
// 对象头
// ============================================================================
//
// 每个对象前有 24 字节的对象头，三个 64 位字：
//
//	word0 meta   : age(0..3) | finalizable(4) | forwarded(5) | 转发地址(8..63)
//	word1 type   : classID(低 32 位) | 引用图描述符(高 32 位)
//	word2 size   : 对象总大小（含对象头，8 字节对齐，低 56 位）| log2(对齐)（高 8 位）
//
// 对象指针指向对象头起始位置，字段偏移相对于载荷（对象头之后）计算。
// age 只由收集器修改。

const (
	// HeaderSize 对象头大小
	HeaderSize = 24

	// WordSize 字大小
	WordSize = 8

	// MinAlign 最小对齐
	MinAlign = 8

	// MaxAlign 支持的最大对齐
	MaxAlign = 4096

	// MaxAge 年龄饱和值
	MaxAge = 15
)

const (
	sizeMask   uint64 = 1<<56 - 1
	alignShift        = 56

	metaAgeMask     uint64 = 0xF
	metaFinalizable uint64 = 1 << 4
	metaForwarded   uint64 = 1 << 5
	metaFwdShift           = 8
)

// 对象头字偏移
const (
	metaWord = 0
	typeWord = 8
	sizeWord = 16
)

// ObjectHeader 对象头的解码视图
type ObjectHeader struct {
	Age         uint8
	Finalizable bool
	ClassID     uint32
	RefMap      uint32
	Size        uint64 // 含对象头
	Align       uint64 // 载荷对齐，重定位时保持
}

// PayloadSize 载荷大小
func (h ObjectHeader) PayloadSize() uint64 {
	if h.Size < HeaderSize {
		return 0
	}
	return h.Size - HeaderSize
}

func (h ObjectHeader) String() string {
	return fmt.Sprintf("class=%d refmap=%#x size=%d age=%d fin=%v", h.ClassID, h.RefMap, h.Size, h.Age, h.Finalizable)
}

func encodeMeta(age uint8, finalizable bool) uint64 {
	m := uint64(age) & metaAgeMask
	if finalizable {
		m |= metaFinalizable
	}
	return m
}

func decodeHeader(meta, typ, size uint64) ObjectHeader {
	return ObjectHeader{
		Age:         uint8(meta & metaAgeMask),
		Finalizable: meta&metaFinalizable != 0,
		ClassID:     uint32(typ),
		RefMap:      uint32(typ >> 32),
		Size:        size & sizeMask,
		Align:       1 << (size >> alignShift),
	}
}

func encodeSize(total, align uint64) uint64 {
	shift := uint64(0)
	for a := align; a > 1; a >>= 1 {
		shift++
	}
	return total&sizeMask | shift<<alignShift
}

// ObjectSize 计算载荷为 payload 字节的对象总大小，溢出时返回 false
func ObjectSize(payload uint64) (uint64, bool) {
	total, ok := checkedAdd(payload, HeaderSize)
	if !ok {
		return 0, false
	}
	return alignUpChecked(total, MinAlign)
}

// IncrementAge 年龄加一，饱和于 MaxAge
func IncrementAge(age uint8) uint8 {
	if age >= MaxAge {
		return MaxAge
	}
	return age + 1
}
