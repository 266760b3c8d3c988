//go:build unix

package vmem

import (
	"fmt"

	"golang.org/x/sys/unix"
)

// anonMapper 匿名私有映射，单视图
type anonMapper struct{}

func newOSMapper() Mapper { return anonMapper{} }

func (anonMapper) Name() string    { return ModeSingle }
func (anonMapper) MultiView() bool { return false }

// Map 对齐到页面大小后 mmap
func (anonMapper) Map(size uint64) (Mapping, error) {
	if size == 0 || size > maxMappingSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	page := uint64(unix.Getpagesize())
	aligned := (size + page - 1) &^ (page - 1)

	mem, err := unix.Mmap(-1, 0, int(aligned), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_ANON|unix.MAP_PRIVATE)
	if err != nil {
		return nil, fmt.Errorf("mmap: %w", err)
	}
	return &singleMapping{
		mem:     mem[:size:size],
		release: func([]byte) error { return unix.Munmap(mem) },
	}, nil
}
