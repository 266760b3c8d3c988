//go:build windows

package vmem

import (
	"fmt"
	"unsafe"

	"golang.org/x/sys/windows"
)

// virtualAllocMapper Windows 单视图映射（多视图需要 section 对象，暂不支持）
type virtualAllocMapper struct{}

func newOSMapper() Mapper { return virtualAllocMapper{} }

func (virtualAllocMapper) Name() string    { return ModeSingle }
func (virtualAllocMapper) MultiView() bool { return false }

// Map 使用 VirtualAlloc 保留并提交内存
func (virtualAllocMapper) Map(size uint64) (Mapping, error) {
	if size == 0 || size > maxMappingSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	const pageSize = 4096
	aligned := (size + pageSize - 1) &^ (pageSize - 1)

	addr, err := windows.VirtualAlloc(0, uintptr(aligned), windows.MEM_COMMIT|windows.MEM_RESERVE, windows.PAGE_READWRITE)
	if err != nil {
		return nil, fmt.Errorf("VirtualAlloc: %w", err)
	}
	mem := unsafe.Slice((*byte)(unsafe.Pointer(addr)), aligned)
	return &singleMapping{
		mem: mem[:size:size],
		release: func([]byte) error {
			return windows.VirtualFree(addr, 0, windows.MEM_RELEASE)
		},
	}, nil
}
