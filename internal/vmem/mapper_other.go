//go:build !linux

package vmem

func newMultiMapper() (Mapper, error) {
	return nil, ErrMultiMapUnsupported
}
