package gc

import (
	"errors"
	"fmt"

	"github.com/tangzhangming/fgc/internal/heap"
)

// 分配与指针错误沿用堆的类型，调用者通过 errors.As 判断
type (
	OutOfMemoryError    = heap.OutOfMemoryError
	InvalidPointerError = heap.InvalidPointerError
	AlignmentError      = heap.AlignmentError
)

var (
	// ErrHeapInitialization 堆初始化失败
	ErrHeapInitialization = heap.ErrHeapInitialization

	// ErrCollectorFailed 回收线程发生不可恢复的错误，此后所有操作都返回该错误
	ErrCollectorFailed = errors.New("gc: collector failed")

	// ErrClosed 回收器已关闭
	ErrClosed = errors.New("gc: collector closed")

	// ErrMutatorClosed mutator 已关闭
	ErrMutatorClosed = errors.New("gc: mutator closed")

	// ErrUnknownRoot 根未注册或已注销
	ErrUnknownRoot = errors.New("gc: unknown root")

	// errYoungExhausted Eden 已满，需要 minor GC
	errYoungExhausted = errors.New("gc: eden exhausted")
)

// failure 把回收线程中的 panic 值转换为失败错误
func failure(v any) error {
	if err, ok := v.(error); ok {
		return fmt.Errorf("%w: %w", ErrCollectorFailed, err)
	}
	return fmt.Errorf("%w: %v", ErrCollectorFailed, v)
}
