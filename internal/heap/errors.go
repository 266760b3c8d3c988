package heap

import (
	"errors"
	"fmt"

	"github.com/inhies/go-bytesize"
)

// OutOfMemoryError 堆内存不足
//
// Available 为当前单次可分配的最大字节数；Used/Total/LiveEstimate
// 提供诊断所需的堆占用上下文。
type OutOfMemoryError struct {
	Requested    uint64
	Available    uint64
	Used         uint64
	Total        uint64
	LiveEstimate uint64
}

func (e *OutOfMemoryError) Error() string {
	msg := fmt.Sprintf("out of memory: requested %d bytes, available %d bytes", e.Requested, e.Available)
	if e.Total > 0 {
		msg += fmt.Sprintf(" (heap used %s of %s, live estimate %s)",
			bytesize.New(float64(e.Used)), bytesize.New(float64(e.Total)), bytesize.New(float64(e.LiveEstimate)))
	}
	return msg
}

// InvalidPointerError 非法指针（悬空、已释放或未对齐）
type InvalidPointerError struct {
	Address uint64
	Reason  string
}

func (e *InvalidPointerError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("invalid pointer %#x", e.Address)
	}
	return fmt.Sprintf("invalid pointer %#x: %s", e.Address, e.Reason)
}

// AlignmentError 对齐参数不是 2 的幂或超出支持范围
type AlignmentError struct {
	Align uint64
}

func (e *AlignmentError) Error() string {
	return fmt.Sprintf("invalid alignment %d: must be a power of two no larger than %d", e.Align, MaxAlign)
}

// ErrHeapInitialization 堆初始化失败（地址空间预留或内存提交失败）
var ErrHeapInitialization = errors.New("heap initialization failed")

// ErrHeapClosed 堆已关闭
var ErrHeapClosed = errors.New("heap closed")

// IsOutOfMemory 判断是否为内存不足错误
func IsOutOfMemory(err error) bool {
	var oom *OutOfMemoryError
	return errors.As(err, &oom)
}
