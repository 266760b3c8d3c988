//go:build linux

// mapper_linux.go - 基于 memfd 的多视图映射
//
// 同一个 memfd 以 MAP_SHARED 方式映射三次，三个视图共享物理页。

package vmem

import (
	"fmt"
	"sync"

	"go.uber.org/multierr"
	"golang.org/x/sys/unix"
)

var (
	multiProbeOnce sync.Once
	multiProbeErr  error
)

// memfdMapper 多视图映射策略
type memfdMapper struct{}

func newMultiMapper() (Mapper, error) {
	multiProbeOnce.Do(func() {
		m, err := memfdMapper{}.Map(uint64(unix.Getpagesize()))
		if err != nil {
			multiProbeErr = fmt.Errorf("%w: %v", ErrMultiMapUnsupported, err)
			return
		}
		multiProbeErr = m.Release()
	})
	if multiProbeErr != nil {
		return nil, multiProbeErr
	}
	return memfdMapper{}, nil
}

func (memfdMapper) Name() string    { return ModeMulti }
func (memfdMapper) MultiView() bool { return true }

// Map 创建 memfd 并建立三个视图
func (memfdMapper) Map(size uint64) (Mapping, error) {
	if size == 0 || size > maxMappingSize {
		return nil, fmt.Errorf("%w: %d", ErrInvalidSize, size)
	}
	fd, err := unix.MemfdCreate("fgc-heap", unix.MFD_CLOEXEC)
	if err != nil {
		return nil, fmt.Errorf("memfd_create: %w", err)
	}
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		return nil, multierr.Append(fmt.Errorf("ftruncate: %w", err), unix.Close(fd))
	}

	m := &memfdMapping{fd: fd, size: size}
	for v := View(0); v < numViews; v++ {
		mem, err := unix.Mmap(fd, 0, int(size), unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
		if err != nil {
			return nil, multierr.Append(fmt.Errorf("mmap %s view: %w", v, err), m.Release())
		}
		m.views[v] = mem
	}
	return m, nil
}

// memfdMapping 三视图映射
type memfdMapping struct {
	fd    int
	size  uint64
	views [numViews][]byte
}

func (m *memfdMapping) View(v View) []byte { return m.views[v] }
func (m *memfdMapping) Size() uint64       { return m.size }
func (m *memfdMapping) MultiView() bool    { return true }

// Release 解除全部视图并关闭 memfd
func (m *memfdMapping) Release() error {
	var err error
	for v := range m.views {
		if m.views[v] != nil {
			err = multierr.Append(err, unix.Munmap(m.views[v]))
			m.views[v] = nil
		}
	}
	if m.fd >= 0 {
		err = multierr.Append(err, unix.Close(m.fd))
		m.fd = -1
	}
	return err
}
