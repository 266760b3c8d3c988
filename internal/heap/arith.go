package heap

import "math/bits"

// 所有尺寸与偏移运算在与区域边界比较之前都必须经过溢出检查

func checkedAdd(a, b uint64) (uint64, bool) {
	sum, carry := bits.Add64(a, b, 0)
	return sum, carry == 0
}

func checkedMul(a, b uint64) (uint64, bool) {
	hi, lo := bits.Mul64(a, b)
	return lo, hi == 0
}

// alignUpChecked 向上对齐，align 必须是 2 的幂
func alignUpChecked(n, align uint64) (uint64, bool) {
	sum, ok := checkedAdd(n, align-1)
	if !ok {
		return 0, false
	}
	return sum &^ (align - 1), true
}

func alignUp(n, align uint64) uint64 {
	return (n + align - 1) &^ (align - 1)
}

func alignDown(n, align uint64) uint64 {
	return n &^ (align - 1)
}

// IsPowerOfTwo 是否为 2 的幂
func IsPowerOfTwo(n uint64) bool {
	return n != 0 && n&(n-1) == 0
}
